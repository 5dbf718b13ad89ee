package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"neptune/constants"
)

var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration of a job manager node.
type Config struct {
	Server        Server        `yaml:"server"`
	HTTP          HTTP          `yaml:"http"`
	Scheduler     Scheduler     `yaml:"scheduler"`
	Dispatch      Dispatch      `yaml:"dispatch"`
	Worker        Worker        `yaml:"worker"`
	Retry         Retry         `yaml:"retry"`
	Tracker       Tracker       `yaml:"tracker"`
	Persistence   Persistence   `yaml:"persistence"`
	Election      Election      `yaml:"election"`
	ServiceCenter ServiceCenter `yaml:"serviceCenter"`
	ConfigCenter  ConfigCenter  `yaml:"configCenter"`
	Log           Log           `yaml:"log"`
}

type Server struct {
	// ID is the snowflake machine id and the ServerInfo id, 1..1023.
	ID          int64  `yaml:"id"`
	Address     string `yaml:"address"`
	ServiceName string `yaml:"serviceName"`
	RefreshMs   int64  `yaml:"refreshMs"`
	// OutageDemoteMs is how long persistence may fail before scheduling stops.
	OutageDemoteMs int64 `yaml:"outageDemoteMs"`
}

type HTTP struct {
	Address string `yaml:"address"`
}

type Scheduler struct {
	TickMs          int64 `yaml:"tickMs"`
	SlackMs         int64 `yaml:"slackMs"`
	BatchSize       int   `yaml:"batchSize"`
	MissThresholdMs int64 `yaml:"missThresholdMs"`
	Shards          int   `yaml:"shards"`
}

type Dispatch struct {
	RPCDeadlineMs          int64 `yaml:"rpcDeadlineMs"`
	ReceiveDeadlineMs      int64 `yaml:"receiveDeadlineMs"`
	WorkerFailureThreshold int   `yaml:"workerFailureThreshold"`
	Concurrency            int   `yaml:"concurrency"`
	DrainTimeoutMs         int64 `yaml:"drainTimeoutMs"`
	BackoffBaseMs          int64 `yaml:"backoffBaseMs"`
	BackoffCapMs           int64 `yaml:"backoffCapMs"`
}

type Worker struct {
	HeartbeatTTLMs int64 `yaml:"heartbeatTtlMs"`
}

type Retry struct {
	BaseMs int64 `yaml:"baseMs"`
	CapMs  int64 `yaml:"capMs"`
}

type Tracker struct {
	Actors int `yaml:"actors"`
}

// Persistence is handed to the store as is.
type Persistence struct {
	Driver  string            `yaml:"driver"`
	DSN     string            `yaml:"dsn"`
	Options map[string]string `yaml:"options"`
}

type Election struct {
	Type      string   `yaml:"type"`
	Endpoints []string `yaml:"endpoints"`
	Namespace string   `yaml:"namespace"`
	LeaseName string   `yaml:"leaseName"`
	TTLMs     int64    `yaml:"ttlMs"`
}

type ServiceCenter struct {
	Type      string   `yaml:"type"`
	Endpoints []string `yaml:"endpoints"`
}

type ConfigCenter struct {
	Type      string   `yaml:"type"`
	Endpoints []string `yaml:"endpoints"`
	DataID    string   `yaml:"dataId"`
	Group     string   `yaml:"group"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			ID:             1,
			Address:        "127.0.0.1:7700",
			ServiceName:    constants.DEFAULT_SERVICE_NAME,
			RefreshMs:      10000,
			OutageDemoteMs: 30000,
		},
		HTTP: HTTP{Address: ":1234"},
		Scheduler: Scheduler{
			TickMs:          1000,
			SlackMs:         500,
			BatchSize:       200,
			MissThresholdMs: 60000,
			Shards:          runtime.NumCPU(),
		},
		Dispatch: Dispatch{
			RPCDeadlineMs:          5000,
			ReceiveDeadlineMs:      30000,
			WorkerFailureThreshold: 3,
			Concurrency:            16,
			DrainTimeoutMs:         10000,
			BackoffBaseMs:          500,
			BackoffCapMs:           30000,
		},
		Worker:        Worker{HeartbeatTTLMs: 30000},
		Retry:         Retry{BaseMs: 5000, CapMs: 300000},
		Tracker:       Tracker{Actors: runtime.NumCPU()},
		Persistence:   Persistence{Driver: "memory"},
		Election:      Election{Type: "standalone", TTLMs: 15000},
		ServiceCenter: ServiceCenter{Type: "memory"},
		ConfigCenter:  ConfigCenter{Type: "none"},
		Log:           Log{Level: "info"},
	}
}

// Load reads a YAML config file on top of Default. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config file: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all config values are usable.
func (c *Config) Validate() error {
	if c.Server.ID <= 0 || c.Server.ID > 1023 {
		return fmt.Errorf("%w: server.id %d out of range [1, 1023]", ErrInvalid, c.Server.ID)
	}
	if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
		return fmt.Errorf("%w: server.address %q: %v", ErrInvalid, c.Server.Address, err)
	}
	positive := []struct {
		key string
		v   int64
	}{
		{"scheduler.tickMs", c.Scheduler.TickMs},
		{"scheduler.batchSize", int64(c.Scheduler.BatchSize)},
		{"scheduler.missThresholdMs", c.Scheduler.MissThresholdMs},
		{"scheduler.shards", int64(c.Scheduler.Shards)},
		{"dispatch.rpcDeadlineMs", c.Dispatch.RPCDeadlineMs},
		{"dispatch.receiveDeadlineMs", c.Dispatch.ReceiveDeadlineMs},
		{"dispatch.workerFailureThreshold", int64(c.Dispatch.WorkerFailureThreshold)},
		{"dispatch.concurrency", int64(c.Dispatch.Concurrency)},
		{"dispatch.backoffBaseMs", c.Dispatch.BackoffBaseMs},
		{"dispatch.backoffCapMs", c.Dispatch.BackoffCapMs},
		{"worker.heartbeatTtlMs", c.Worker.HeartbeatTTLMs},
		{"retry.baseMs", c.Retry.BaseMs},
		{"retry.capMs", c.Retry.CapMs},
		{"tracker.actors", int64(c.Tracker.Actors)},
		{"server.refreshMs", c.Server.RefreshMs},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, p.key, p.v)
		}
	}
	if c.Scheduler.SlackMs < 0 {
		return fmt.Errorf("%w: scheduler.slackMs must not be negative", ErrInvalid)
	}
	if c.Retry.CapMs < c.Retry.BaseMs {
		return fmt.Errorf("%w: retry.capMs below retry.baseMs", ErrInvalid)
	}
	if c.Dispatch.BackoffCapMs < c.Dispatch.BackoffBaseMs {
		return fmt.Errorf("%w: dispatch.backoffCapMs below dispatch.backoffBaseMs", ErrInvalid)
	}
	if c.Persistence.Driver == "" {
		return fmt.Errorf("%w: persistence.driver is required", ErrInvalid)
	}
	return nil
}

// ApplyOverrides sets every known dotted key present in the JSON document
// content, e.g. {"scheduler": {"tickMs": 500}}, then validates the result.
func (c *Config) ApplyOverrides(content string) error {
	if content == "" {
		return nil
	}
	if !gjson.Valid(content) {
		return fmt.Errorf("%w: override document is not JSON", ErrInvalid)
	}
	doc := gjson.Parse(content)
	ints := map[string]*int64{
		"scheduler.tickMs":           &c.Scheduler.TickMs,
		"scheduler.slackMs":          &c.Scheduler.SlackMs,
		"scheduler.missThresholdMs":  &c.Scheduler.MissThresholdMs,
		"dispatch.rpcDeadlineMs":     &c.Dispatch.RPCDeadlineMs,
		"dispatch.receiveDeadlineMs": &c.Dispatch.ReceiveDeadlineMs,
		"dispatch.drainTimeoutMs":    &c.Dispatch.DrainTimeoutMs,
		"dispatch.backoffBaseMs":     &c.Dispatch.BackoffBaseMs,
		"dispatch.backoffCapMs":      &c.Dispatch.BackoffCapMs,
		"worker.heartbeatTtlMs":      &c.Worker.HeartbeatTTLMs,
		"retry.baseMs":               &c.Retry.BaseMs,
		"retry.capMs":                &c.Retry.CapMs,
		"server.refreshMs":           &c.Server.RefreshMs,
		"server.outageDemoteMs":      &c.Server.OutageDemoteMs,
	}
	for key, dst := range ints {
		if r := doc.Get(key); r.Exists() {
			*dst = r.Int()
		}
	}
	smallInts := map[string]*int{
		"scheduler.batchSize":             &c.Scheduler.BatchSize,
		"scheduler.shards":                &c.Scheduler.Shards,
		"dispatch.workerFailureThreshold": &c.Dispatch.WorkerFailureThreshold,
		"dispatch.concurrency":            &c.Dispatch.Concurrency,
		"tracker.actors":                  &c.Tracker.Actors,
	}
	for key, dst := range smallInts {
		if r := doc.Get(key); r.Exists() {
			*dst = int(r.Int())
		}
	}
	if r := doc.Get("log.level"); r.Exists() {
		c.Log.Level = r.String()
	}
	return c.Validate()
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func (s Scheduler) Tick() time.Duration { return ms(s.TickMs) }
func (s Scheduler) Slack() time.Duration { return ms(s.SlackMs) }
func (s Scheduler) MissThreshold() time.Duration { return ms(s.MissThresholdMs) }

func (d Dispatch) RPCDeadline() time.Duration { return ms(d.RPCDeadlineMs) }
func (d Dispatch) ReceiveDeadline() time.Duration { return ms(d.ReceiveDeadlineMs) }
func (d Dispatch) DrainTimeout() time.Duration { return ms(d.DrainTimeoutMs) }
func (d Dispatch) BackoffBase() time.Duration { return ms(d.BackoffBaseMs) }
func (d Dispatch) BackoffCap() time.Duration { return ms(d.BackoffCapMs) }

func (w Worker) HeartbeatTTL() time.Duration { return ms(w.HeartbeatTTLMs) }

func (r Retry) Base() time.Duration { return ms(r.BaseMs) }
func (r Retry) Cap() time.Duration { return ms(r.CapMs) }

func (s Server) Refresh() time.Duration { return ms(s.RefreshMs) }
func (s Server) OutageDemote() time.Duration { return ms(s.OutageDemoteMs) }

func (e Election) TTL() time.Duration { return ms(e.TTLMs) }
