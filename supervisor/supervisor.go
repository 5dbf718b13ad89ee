// Package supervisor assembles a job manager node and owns its lifecycle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"neptune/config"
	"neptune/configcenter"
	"neptune/constants"
	"neptune/election"
	"neptune/eventcenter"
	"neptune/jobcenter"
	"neptune/logs"
	"neptune/monitor"
	"neptune/proto"
	"neptune/registry"
	"neptune/router"
	"neptune/rpc"
	"neptune/servicecenter"
	"neptune/store"
	"neptune/tracker"
	"neptune/uuid"
)

var (
	ErrInitialize = errors.New("job manager initialize failed")
	// ErrPersistence marks startup failures of the store.
	ErrPersistence = errors.New("persistence unavailable")
	// ErrUnrecoverable stops the node, e.g. on clock regression or a
	// server id held by another live node.
	ErrUnrecoverable = errors.New("unrecoverable")
)

const (
	ExitOK            = 0
	ExitConfig        = 1
	ExitPersistence   = 2
	ExitUnrecoverable = 3
)

// ExitCode maps the error Run returned to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUnrecoverable):
		return ExitUnrecoverable
	case errors.Is(err, ErrPersistence):
		return ExitPersistence
	}
	return ExitConfig
}

const (
	eventBuffer      = 1024
	eventConcurrency = 32
	storeAttempts    = 3
	storeBackoff     = 200 * time.Millisecond
	shutdownTimeout  = 30 * time.Second
)

type Option func(*Supervisor)

// WithStore uses st instead of opening cfg.Persistence.
func WithStore(st store.Store) Option {
	return func(s *Supervisor) {
		s.store = st
	}
}

// WithElector replaces the elector built from cfg.Election.
func WithElector(e election.Elector) Option {
	return func(s *Supervisor) {
		s.elector = e
	}
}

// Supervisor is one job manager node.
type Supervisor struct {
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	registry *prometheus.Registry
	metrics  *monitor.Metrics

	store      store.Store
	configs    configcenter.ConfigCenter
	services   servicecenter.ServiceCenter
	elector    election.Elector
	events     *eventcenter.EventCenter
	workers    *registry.Registry
	rpc        *rpc.Service
	tracker    *tracker.Tracker
	dispatcher *jobcenter.Dispatcher
	scheduler  *jobcenter.Scheduler
	gate       *gate
	http       *http.Server
	httpLis    net.Listener

	server     proto.ServerInfo
	registered *servicecenter.RegisterParam
	stopWork   context.CancelFunc
	fatal      chan error
	started    chan struct{}
}

func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		logger:  logs.OrNop(logger).Named("supervisor"),
		now:     time.Now,
		fatal:   make(chan error, 1),
		started: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Started is closed once every component runs.
func (s *Supervisor) Started() <-chan struct{} {
	return s.started
}

// fail stops the node with err. Only the first error is kept.
func (s *Supervisor) fail(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// Run starts the node, blocks until ctx is done or a fatal error occurs,
// then shuts the node down. A clean stop returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		s.logger.Error("startup failed", zap.Error(err))
		s.close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return s.refresh(gctx)
	})
	g.Go(func() error {
		if err := s.elector.Run(gctx, s.gate.lead); err != nil && gctx.Err() == nil {
			return fmt.Errorf("election: %w", err)
		}
		return nil
	})
	go func() {
		if err := s.http.Serve(s.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.fail(fmt.Errorf("http: %w", err))
		}
	}()
	s.logger.Info("job manager started",
		zap.Int64("serverId", s.server.ID),
		zap.String("address", s.server.Address),
		zap.String("http", s.httpLis.Addr().String()))
	close(s.started)

	var err error
	select {
	case <-gctx.Done():
	case err = <-s.fatal:
	}
	cancel()
	if gerr := g.Wait(); err == nil {
		err = gerr
	}
	if err != nil {
		s.logger.Error("job manager stopping on error", zap.Error(err))
	}
	s.shutdown()
	return err
}

func (s *Supervisor) start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInitialize, err)
	}
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = monitor.New(s.registry)

	if err := s.configure(); err != nil {
		return err
	}
	ids, err := uuid.NewSnowFlakeUUID(s.cfg.Server.ID)
	if err != nil {
		return fmt.Errorf("%w: %w: %w", ErrInitialize, config.ErrInvalid, err)
	}
	if err := s.openStore(ctx); err != nil {
		return err
	}

	s.rpc = rpc.NewService(s.cfg.Server.Address, s.cfg.Dispatch.RPCDeadline(), s.logger)
	s.server = proto.ServerInfo{
		ID:          s.cfg.Server.ID,
		Address:     s.cfg.Server.Address,
		ServiceName: s.cfg.Server.ServiceName,
	}
	if err := s.announce(ctx); err != nil {
		if errors.Is(err, ErrUnrecoverable) {
			return err
		}
		return fmt.Errorf("%w: %w: registering server: %w", ErrInitialize, ErrPersistence, err)
	}

	s.events = eventcenter.New(s.metrics, s.logger, eventBuffer, eventConcurrency)
	s.workers = registry.New(s.cfg.Worker.HeartbeatTTL(), s.events, s.metrics, s.logger)
	s.tracker = tracker.New(tracker.OptionsFrom(s.cfg), s.store, s.workers, s.rpc, s.events, s.metrics, s.logger)
	s.tracker.Subscribe(s.events)
	s.dispatcher = jobcenter.NewDispatcher(s.cfg.Dispatch, s.cfg.Server.Address, s.store, s.workers, s.tracker,
		s.rpc, s.metrics, s.logger)
	s.gate = newGate(nil, s.cfg.Server.OutageDemote(), s.metrics, s.logger)
	s.scheduler = jobcenter.NewScheduler(s.cfg.Scheduler, s.cfg.Server.ID, s.store, s.tracker, s.dispatcher,
		idSource{ids: ids, fail: s.fail}, s.metrics, s.logger, jobcenter.WithPersistenceObserver(s.gate.observe))
	s.scheduler.Subscribe(s.events)
	s.gate.run = s.scheduler.Run
	s.events.Subscribe(constants.TOPIC_WORKER_LOST, s.onWorkerLost)
	s.events.Subscribe(constants.TOPIC_ALERT, s.onAlert)

	s.rpc.RegisterManagerEndpoint(managerEndpoint{tracker: s.tracker, workers: s.workers, dispatcher: s.dispatcher})
	if err := s.rpc.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrInitialize, err)
	}
	if err := s.register(); err != nil {
		return err
	}
	if err := s.listenHTTP(); err != nil {
		return err
	}
	if s.elector == nil {
		s.elector, err = election.New(s.cfg.Election, strconv.FormatInt(s.server.ID, 10)+"@"+s.server.Address, s.logger)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInitialize, err)
		}
	}

	// 后台组件只在关闭流程里停止, 不跟随 ctx
	work, stop := context.WithCancel(context.WithoutCancel(ctx))
	s.stopWork = stop
	go s.workers.Run(work)
	s.tracker.Start(work)
	go s.dispatcher.Run(work, s.tracker.Reschedule())

	n, err := s.tracker.Recover(ctx, s.server.ID)
	if err != nil {
		s.logger.Warn("recovery incomplete", zap.Int("recovered", n), zap.Error(err))
	} else {
		s.logger.Info("recovery done", zap.Int("recovered", n))
	}

	s.gate.start(work)
	return nil
}

// configure pulls overrides from the config center and keeps watching them.
func (s *Supervisor) configure() error {
	cc, err := configcenter.New(s.cfg.ConfigCenter, s.metrics, s.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInitialize, err)
	}
	if cc == nil {
		return nil
	}
	s.configs = cc
	id := s.cfg.ConfigCenter.DataID
	if id == "" {
		id = constants.DEFAULT_CONFIG_ID
	}
	remote, err := cc.Get(id)
	if err != nil {
		s.logger.Warn("no remote config, using local", zap.String("dataId", id), zap.Error(err))
	} else if err := s.cfg.ApplyOverrides(remote.Content); err != nil {
		return fmt.Errorf("%w: remote config %s: %w", ErrInitialize, id, err)
	}
	return cc.OnChange(id, func(c configcenter.Config) {
		// 运行中的组件不重建, 新配置在下次启动生效
		s.logger.Info("remote config changed, takes effect on restart",
			zap.String("dataId", c.ID), zap.Int("length", len(c.Content)))
	})
}

func (s *Supervisor) openStore(ctx context.Context) error {
	if s.store == nil {
		st, err := store.New(s.cfg.Persistence, s.logger)
		if err != nil {
			return fmt.Errorf("%w: %w: %w", ErrInitialize, ErrPersistence, err)
		}
		s.store = st
	}
	err := store.Retry(ctx, storeAttempts, storeBackoff, s.store.Ping)
	if err != nil {
		return fmt.Errorf("%w: %w: %w", ErrInitialize, ErrPersistence, err)
	}
	return nil
}

func (s *Supervisor) register() error {
	sc, err := servicecenter.New(s.cfg.ServiceCenter, s.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInitialize, err)
	}
	s.services = sc
	param, err := servicecenter.ParamFor(s.cfg.Server.ServiceName, s.rpc.Address())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInitialize, err)
	}
	if _, err := sc.Register(param); err != nil {
		return fmt.Errorf("%w: service center: %w", ErrInitialize, err)
	}
	s.registered = &param
	return nil
}

func (s *Supervisor) listenHTTP() error {
	lis, err := net.Listen("tcp", s.cfg.HTTP.Address)
	if err != nil {
		return fmt.Errorf("%w: http: %w", ErrInitialize, err)
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	router.Route(engine, router.Deps{
		Store:       s.store,
		Jobs:        s.scheduler,
		Instances:   s.tracker,
		Workers:     s.workers,
		Discovery:   s.services,
		ServiceName: s.cfg.Server.ServiceName,
		Gatherer:    s.registry,
		Logger:      s.logger,
	})
	s.httpLis = lis
	s.http = &http.Server{Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	return nil
}

// announce upserts this node's ServerInfo. Another live node holding the
// same id is unrecoverable.
func (s *Supervisor) announce(ctx context.Context) error {
	var other *proto.ServerInfo
	err := store.Retry(ctx, storeAttempts, storeBackoff, func(ctx context.Context) error {
		var err error
		other, err = s.store.FindServer(ctx, s.server.ID)
		if errors.Is(err, store.ErrNotFound) {
			other = nil
			return nil
		}
		return err
	})
	now := s.now().UnixMilli()
	if err == nil && other != nil && other.Address != s.server.Address &&
		now-other.LastHeartbeat < 2*s.cfg.Server.RefreshMs {
		return fmt.Errorf("%w: server id %d is held by live node %s", ErrUnrecoverable, s.server.ID, other.Address)
	}
	if err == nil {
		info := s.server
		info.LastHeartbeat = now
		err = store.Retry(ctx, storeAttempts, storeBackoff, func(ctx context.Context) error {
			return s.store.UpsertServer(ctx, &info)
		})
	}
	if s.gate != nil {
		s.gate.observe(err)
	}
	return err
}

func (s *Supervisor) refresh(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Server.Refresh())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.announce(ctx); err != nil {
				if errors.Is(err, ErrUnrecoverable) {
					return err
				}
				if ctx.Err() == nil {
					s.logger.Warn("refreshing server info failed", zap.Error(err))
				}
			}
		}
	}
}

func (s *Supervisor) onWorkerLost(event *eventcenter.Event) {
	lost, ok := event.Body.(proto.WorkerLost)
	if !ok {
		return
	}
	s.rpc.Disconnect(lost.Endpoint)
}

// onAlert logs a failed instance together with the users to notify.
func (s *Supervisor) onAlert(event *eventcenter.Event) {
	alert, ok := event.Body.(proto.Alert)
	if !ok {
		return
	}
	s.logger.Warn("instance failed",
		zap.Int64("jobId", alert.JobID),
		zap.Int64("instanceId", alert.InstanceID),
		zap.String("reason", alert.Reason),
		zap.Strings("notify", alert.NotifyUserIDs))
}

// shutdown stops the node in dependency order: scheduler, dispatcher,
// tracker, transport, then the server row and the backends.
func (s *Supervisor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.gate.stop()
	queued := s.dispatcher.Drain(ctx)
	if err := s.tracker.Checkpoint(ctx, queued); err != nil {
		s.logger.Warn("checkpoint failed", zap.Int("queued", len(queued)), zap.Error(err))
	}
	s.tracker.Stop()
	s.rpc.Close()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	if err := s.store.DeleteServer(ctx, s.server.ID); err != nil {
		s.logger.Warn("removing server info failed", zap.Error(err))
	}
	s.stopWork()
	s.close()
	s.logger.Info("job manager stopped")
}

// close releases whatever start managed to open.
func (s *Supervisor) close() {
	if s.services != nil {
		if s.registered != nil {
			if _, err := s.services.Deregister(*s.registered); err != nil {
				s.logger.Warn("deregister failed", zap.Error(err))
			}
		}
		_ = s.services.Close()
	}
	if s.configs != nil {
		_ = s.configs.Close()
	}
	if s.httpLis != nil && s.stopWork == nil {
		_ = s.httpLis.Close()
	}
	if s.rpc != nil && s.stopWork == nil {
		s.rpc.Close()
	}
	if s.events != nil {
		s.events.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("closing store", zap.Error(err))
		}
	}
}

// idSource hands out instance ids and stops the node when the clock went
// back further than the generator tolerates.
type idSource struct {
	ids  *uuid.SnowFlakeUUID
	fail func(error)
}

func (i idSource) GenerateID() (int64, error) {
	id, err := i.ids.GenerateID()
	if errors.Is(err, uuid.ErrClockBackwards) {
		i.fail(fmt.Errorf("%w: %w", ErrUnrecoverable, err))
	}
	return id, err
}
