// Package tracker owns every instance after it has been created. It moves
// instances through their lifecycle on worker reports, deadlines and worker
// loss, and retries or fails them.
package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"neptune/config"
	"neptune/constants"
	"neptune/eventcenter"
	"neptune/logs"
	"neptune/monitor"
	"neptune/proto"
	"neptune/rpc"
	"neptune/store"
)

const (
	opTimeout        = 5 * time.Second
	mailboxSize      = 256
	rescheduleBuffer = 1024
)

type Publisher interface {
	Publish(topic string, event *eventcenter.Event) bool
}

// WorkerSource is the registry as seen by the tracker.
type WorkerSource interface {
	ReportFailure(endpoint string, threshold int) bool
	AddInflight(endpoint string, delta int)
}

type Options struct {
	Actors           int
	ReceiveDeadline  time.Duration
	RPCDeadline      time.Duration
	RetryBase        time.Duration
	RetryCap         time.Duration
	FailureThreshold int
}

func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Actors:           cfg.Tracker.Actors,
		ReceiveDeadline:  cfg.Dispatch.ReceiveDeadline(),
		RPCDeadline:      cfg.Dispatch.RPCDeadline(),
		RetryBase:        cfg.Retry.Base(),
		RetryCap:         cfg.Retry.Cap(),
		FailureThreshold: cfg.Dispatch.WorkerFailureThreshold,
	}
}

// Tracker routes every instance to the actor owning id % actors.
type Tracker struct {
	opts    Options
	store   store.Store
	workers WorkerSource
	conns   rpc.WorkerConnector
	events  Publisher

	actors     []*actor
	reschedule chan proto.RescheduleRequest
	tracking   atomic.Int64

	now     func() time.Time
	metrics *monitor.Metrics
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

func New(opts Options, st store.Store, workers WorkerSource, conns rpc.WorkerConnector, events Publisher,
	metrics *monitor.Metrics, logger *zap.Logger) *Tracker {
	if opts.Actors <= 0 {
		opts.Actors = 1
	}
	if metrics == nil {
		metrics = monitor.New(nil)
	}
	t := &Tracker{
		opts:       opts,
		store:      st,
		workers:    workers,
		conns:      conns,
		events:     events,
		reschedule: make(chan proto.RescheduleRequest, rescheduleBuffer),
		now:        time.Now,
		metrics:    metrics,
		logger:     logs.OrNop(logger).Named("tracker"),
		done:       make(chan struct{}),
	}
	t.actors = make([]*actor, opts.Actors)
	for i := range t.actors {
		t.actors[i] = newActor(t, i)
	}
	return t
}

// Subscribe registers the worker loss handler.
func (t *Tracker) Subscribe(events *eventcenter.EventCenter) {
	events.Subscribe(constants.TOPIC_WORKER_LOST, t.onWorkerLost)
}

// Start runs the actors until Stop is called or ctx is done.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	for _, a := range t.actors {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			a.run(ctx)
		}()
	}
	t.logger.Info("tracker started", zap.Int("actors", len(t.actors)))
}

func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	t.logger.Info("tracker stopped")
}

// Reschedule delivers instances that went back to WAITING_DISPATCH.
func (t *Tracker) Reschedule() <-chan proto.RescheduleRequest {
	return t.reschedule
}

func (t *Tracker) actorFor(instanceID int64) *actor {
	n := instanceID % int64(len(t.actors))
	if n < 0 {
		n = -n
	}
	return t.actors[n]
}

// OnDispatched hands a submitted instance to the tracker.
func (t *Tracker) OnDispatched(ctx context.Context, instanceID int64, endpoints []string) error {
	a := t.actorFor(instanceID)
	return a.call(ctx, func() error { return a.dispatched(instanceID, endpoints) })
}

// NoteDispatchMiss records a failed placement attempt without changing status.
func (t *Tracker) NoteDispatchMiss(ctx context.Context, instanceID int64) error {
	a := t.actorFor(instanceID)
	return a.call(ctx, func() error { return a.touchWaiting(instanceID) })
}

// Report queues a worker status report. It returns once the owning actor
// has the report, not once it is applied.
func (t *Tracker) Report(ctx context.Context, r *proto.StatusReport) error {
	a := t.actorFor(r.InstanceID)
	return a.send(ctx, func() { a.report(r) })
}

// StopInstance stops a RUNNING instance.
func (t *Tracker) StopInstance(ctx context.Context, instanceID int64) error {
	a := t.actorFor(instanceID)
	return a.call(ctx, func() error { return a.stop(instanceID) })
}

// Cancel cancels any non-terminal instance.
func (t *Tracker) Cancel(ctx context.Context, instanceID int64) error {
	a := t.actorFor(instanceID)
	return a.call(ctx, func() error { return a.cancelInstance(instanceID) })
}

// Fail forces an instance to FAILED after an invariant violation.
func (t *Tracker) Fail(ctx context.Context, instanceID int64, reason string) error {
	a := t.actorFor(instanceID)
	return a.call(ctx, func() error { return a.violation(instanceID, reason) })
}

// Checkpoint stamps queued WAITING_DISPATCH instances before shutdown so the
// next owner finds them.
func (t *Tracker) Checkpoint(ctx context.Context, instanceIDs []int64) error {
	for _, id := range instanceIDs {
		a := t.actorFor(id)
		if err := a.call(ctx, func() error { return a.touchWaiting(id) }); err != nil {
			return err
		}
	}
	return nil
}

// CountLive counts the non-terminal instances of a job.
func (t *Tracker) CountLive(ctx context.Context, jobID int64) (int64, error) {
	return t.store.CountLiveForJob(ctx, jobID)
}

// Tracking is the number of instances currently watched.
func (t *Tracker) Tracking() int64 {
	return t.tracking.Load()
}

func (t *Tracker) requeue(r proto.RescheduleRequest) {
	select {
	case t.reschedule <- r:
		return
	default:
	}
	go func() {
		select {
		case t.reschedule <- r:
		case <-t.done:
		}
	}()
}

func (t *Tracker) publish(topic string, body any) {
	if t.events == nil {
		return
	}
	t.events.Publish(topic, eventcenter.NewEvent().WithBody(body))
}

// stopWorkers asks the workers to stop the instance, without waiting.
func (t *Tracker) stopWorkers(instanceID int64, endpoints []string) {
	if t.conns == nil {
		return
	}
	for _, endpoint := range endpoints {
		go func() {
			gw, err := t.conns.ConnectWorker(endpoint)
			if err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), t.opts.RPCDeadline)
			defer cancel()
			if _, err := gw.StopInstance(ctx, instanceID).Get(ctx); err != nil {
				t.logger.Debug("stop instance on worker failed", zap.Int64("instanceId", instanceID),
					zap.String("endpoint", endpoint), zap.Error(err))
			}
		}()
	}
}

func (t *Tracker) retryDelay(retryTimes int) time.Duration {
	wait := t.opts.RetryBase
	for i := 0; i < retryTimes && wait < t.opts.RetryCap; i++ {
		wait *= 2
	}
	return min(wait, t.opts.RetryCap)
}
