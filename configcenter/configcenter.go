// Package configcenter fetches remote configuration documents.
package configcenter

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"neptune/config"
	"neptune/logs"
	"neptune/monitor"
)

const (
	K8S    = "k8s"
	Nacos  = "nacos"
	Memory = "memory"
	None   = "none"
)

// New builds the config center named by the CONFIG_CENTER environment
// variable, falling back to cfg.Type. None yields a nil ConfigCenter.
func New(cfg config.ConfigCenter, metrics *monitor.Metrics, logger *zap.Logger) (ConfigCenter, error) {
	logger = logs.OrNop(logger).Named("configcenter")
	if metrics == nil {
		metrics = monitor.New(nil)
	}
	t := cfg.Type
	if env := os.Getenv("CONFIG_CENTER"); env != "" {
		logger.Info("config center from environment", zap.String("CONFIG_CENTER", env))
		t = env
	}
	var (
		b   backend
		err error
	)
	switch t {
	case None, "":
		return nil, nil
	case Memory:
		return newMemoryConfigCenter(), nil
	case K8S:
		b, err = newK8sBackend(cfg.Group, logger)
	case Nacos:
		b, err = newNacosBackend(cfg.Endpoints, cfg.Group)
	default:
		return nil, fmt.Errorf("configcenter: unknown type %q", t)
	}
	if err != nil {
		return nil, err
	}
	return newCached(b, metrics, logger), nil
}

type ConfigCenter interface {
	Save(config Config) (bool, error)
	Get(id string) (Config, error)
	OnChange(id string, handler func(config Config)) error
	Close() error
}

type Config struct {
	ID      string `json:"id"`
	Group   string `json:"group"`
	Content string `json:"content"`
}

// backend is a remote store without caching or metrics.
type backend interface {
	Group() string
	Save(config Config) error
	Get(id string) (Config, error)
	Watch(id string, handler func(config Config)) error
	Close() error
}

var _ ConfigCenter = (*cached)(nil)

// cached serves reads from memory once a document was fetched or pushed.
type cached struct {
	backend backend
	cache   *memoryConfigCenter
	metrics *monitor.Metrics
	logger  *zap.Logger
}

func newCached(b backend, metrics *monitor.Metrics, logger *zap.Logger) *cached {
	return &cached{backend: b, cache: newMemoryConfigCenter(), metrics: metrics, logger: logger}
}

func (c *cached) labels() prometheus.Labels {
	return prometheus.Labels{"group": c.backend.Group()}
}

func (c *cached) Get(id string) (Config, error) {
	start := time.Now()
	defer func() {
		c.metrics.ConfigCenterDurationHistogram.With(c.labels()).Observe(time.Since(start).Seconds())
	}()
	c.metrics.ConfigCenterQuery.With(c.labels()).Inc()
	if r, ok := c.cache.lookup(id); ok {
		c.metrics.ConfigCenterCacheHit.With(c.labels()).Inc()
		c.metrics.ConfigCenterContentLengthHistogram.With(c.labels()).Observe(float64(len(r.Content)))
		return r, nil
	}
	r, err := c.backend.Get(id)
	if err != nil {
		return Config{}, err
	}
	c.metrics.ConfigCenterContentLengthHistogram.With(c.labels()).Observe(float64(len(r.Content)))
	c.cache.put(r)
	return r, nil
}

func (c *cached) Save(config Config) (bool, error) {
	if config.Group == "" {
		config.Group = c.backend.Group()
	}
	if err := c.backend.Save(config); err != nil {
		return false, err
	}
	c.cache.put(config)
	return true, nil
}

func (c *cached) OnChange(id string, handler func(config Config)) error {
	return c.backend.Watch(id, func(config Config) {
		c.logger.Info("config changed", zap.String("id", config.ID), zap.Int("length", len(config.Content)))
		c.cache.put(config)
		handler(config)
	})
}

func (c *cached) Close() error {
	return c.backend.Close()
}
