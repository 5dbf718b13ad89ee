package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"neptune/monitor"
)

// gate runs the scheduler while the node leads and persistence is healthy.
// Persistence counts as unhealthy once it has failed continuously for
// demoteAfter.
type gate struct {
	run         func(ctx context.Context) error
	demoteAfter time.Duration
	now         func() time.Time
	metrics     *monitor.Metrics
	logger      *zap.Logger

	mu           sync.Mutex
	base         context.Context
	leading      bool
	healthy      bool
	failingSince time.Time
	stopped      bool
	cancel       context.CancelFunc
	done         chan struct{}
}

func newGate(run func(ctx context.Context) error, demoteAfter time.Duration, metrics *monitor.Metrics, logger *zap.Logger) *gate {
	return &gate{
		run:         run,
		demoteAfter: demoteAfter,
		now:         time.Now,
		metrics:     metrics,
		logger:      logger,
		base:        context.Background(),
		healthy:     true,
	}
}

// start sets the context every scheduler run derives from.
func (g *gate) start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.base = ctx
}

func (g *gate) lead(leading bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if leading == g.leading {
		return
	}
	g.leading = leading
	if leading {
		g.logger.Info("leadership acquired")
		g.metrics.Leader.Set(1)
	} else {
		g.logger.Info("leadership lost")
		g.metrics.Leader.Set(0)
	}
	g.apply()
}

// observe takes the outcome of a persistence round.
func (g *gate) observe(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		g.failingSince = time.Time{}
		if !g.healthy {
			g.healthy = true
			g.logger.Info("persistence recovered")
			g.apply()
		}
		return
	}
	now := g.now()
	if g.failingSince.IsZero() {
		g.failingSince = now
		return
	}
	if g.healthy && now.Sub(g.failingSince) >= g.demoteAfter {
		g.healthy = false
		g.logger.Warn("persistence failing, scheduling suspended",
			zap.Duration("failing", now.Sub(g.failingSince)), zap.Error(err))
		g.apply()
	}
}

func (g *gate) scheduling() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancel != nil
}

// apply starts or stops the scheduler to match leading && healthy. A new
// run waits for the previous one to return first. Callers hold mu.
func (g *gate) apply() {
	want := g.leading && g.healthy && !g.stopped
	switch {
	case want && g.cancel == nil:
		ctx, cancel := context.WithCancel(g.base)
		prev, done := g.done, make(chan struct{})
		g.cancel, g.done = cancel, done
		g.metrics.Scheduling.Set(1)
		go func() {
			defer close(done)
			if prev != nil {
				<-prev
			}
			if err := g.run(ctx); err != nil && ctx.Err() == nil {
				g.logger.Error("scheduler stopped", zap.Error(err))
			}
		}()
	case !want && g.cancel != nil:
		g.cancel()
		g.cancel = nil
		g.metrics.Scheduling.Set(0)
	}
}

// stop ends scheduling for good and waits for the scheduler to return.
func (g *gate) stop() {
	g.mu.Lock()
	g.stopped = true
	g.apply()
	done := g.done
	g.mu.Unlock()
	if done != nil {
		<-done
	}
}
