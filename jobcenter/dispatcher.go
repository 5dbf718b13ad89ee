package jobcenter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"neptune/config"
	"neptune/delay"
	"neptune/logs"
	"neptune/monitor"
	"neptune/proto"
	"neptune/rpc"
	"neptune/store"
)

// InstanceOwner performs every instance mutation the dispatcher needs.
type InstanceOwner interface {
	// OnDispatched moves a WAITING_DISPATCH instance to WAITING_WORKER_RECEIVE
	// on the accepted endpoints and starts watching it.
	OnDispatched(ctx context.Context, instanceID int64, endpoints []string) error
	// NoteDispatchMiss records that no worker could take the instance.
	NoteDispatchMiss(ctx context.Context, instanceID int64) error
	Fail(ctx context.Context, instanceID int64, reason string) error
}

// WorkerSource is the registry as seen by the dispatcher.
type WorkerSource interface {
	Snapshot(appID int64) []proto.WorkerPresence
	ReportFailure(endpoint string, threshold int) bool
	ReportSuccess(endpoint string)
	AddInflight(endpoint string, delta int)
}

// Dispatcher places queued instances on workers.
type Dispatcher struct {
	cfg           config.Dispatch
	serverAddress string
	store         store.Store
	workers       WorkerSource
	owner         InstanceOwner
	conns         rpc.WorkerConnector

	queue *delay.Queue[int64, proto.DispatchRequest]
	sem   *semaphore.Weighted

	mu     sync.Mutex
	misses map[int64]int

	stop     context.CancelFunc
	inflight sync.WaitGroup
	loops    sync.WaitGroup

	metrics *monitor.Metrics
	logger  *zap.Logger
}

func NewDispatcher(cfg config.Dispatch, serverAddress string, st store.Store, workers WorkerSource,
	owner InstanceOwner, conns rpc.WorkerConnector, metrics *monitor.Metrics, logger *zap.Logger) *Dispatcher {
	if metrics == nil {
		metrics = monitor.New(nil)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Dispatcher{
		cfg:           cfg,
		serverAddress: serverAddress,
		store:         st,
		workers:       workers,
		owner:         owner,
		conns:         conns,
		queue:         delay.New[int64, proto.DispatchRequest](),
		sem:           semaphore.NewWeighted(int64(cfg.Concurrency)),
		misses:        make(map[int64]int),
		metrics:       metrics,
		logger:        logs.OrNop(logger).Named("dispatcher"),
	}
}

// Enqueue queues req until its NotBefore instant. A request already queued
// for the same instance is replaced.
func (d *Dispatcher) Enqueue(req proto.DispatchRequest) {
	d.queue.Push(req.InstanceID, time.UnixMilli(req.NotBefore), req)
	d.metrics.DispatchQueueing.Set(float64(d.queue.Len()))
}

// Queued reports whether instanceID waits in the queue.
func (d *Dispatcher) Queued(instanceID int64) bool {
	return d.queue.Contains(instanceID)
}

// Run starts the dispatch loops and the reschedule consumer, and blocks
// until ctx is done or Drain is called.
func (d *Dispatcher) Run(ctx context.Context, reschedule <-chan proto.RescheduleRequest) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.stop = cancel
	d.mu.Unlock()

	for i := 0; i < d.cfg.Concurrency; i++ {
		d.loops.Add(1)
		go func() {
			defer d.loops.Done()
			d.loop(ctx)
		}()
	}
	if reschedule != nil {
		d.loops.Add(1)
		go func() {
			defer d.loops.Done()
			d.consume(ctx, reschedule)
		}()
	}
	d.logger.Info("dispatcher started", zap.Int("concurrency", d.cfg.Concurrency))
	<-ctx.Done()
	d.loops.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		req, err := d.queue.Wait(ctx)
		if err != nil {
			return
		}
		d.metrics.DispatchQueueing.Set(float64(d.queue.Len()))
		d.inflight.Add(1)
		// 派发一旦开始就做完，不随停止信号中断
		d.dispatch(context.WithoutCancel(ctx), req)
		d.inflight.Done()
	}
}

func (d *Dispatcher) consume(ctx context.Context, ch <-chan proto.RescheduleRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			d.resetMisses(r.InstanceID)
			d.queue.Push(r.InstanceID, time.Now().Add(time.Duration(r.DelayMs)*time.Millisecond), proto.DispatchRequest{
				InstanceID: r.InstanceID,
				AppID:      r.AppID,
				JobID:      r.JobID,
				NotBefore:  time.Now().UnixMilli() + r.DelayMs,
			})
			d.metrics.DispatchQueueing.Set(float64(d.queue.Len()))
		}
	}
}

// Drain stops taking new work, waits for in-flight dispatches up to the
// drain timeout and returns the ids still queued.
func (d *Dispatcher) Drain(ctx context.Context) []int64 {
	d.mu.Lock()
	stop := d.stop
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
	done := make(chan struct{})
	go func() {
		d.loops.Wait()
		d.inflight.Wait()
		close(done)
	}()
	timer := time.NewTimer(d.cfg.DrainTimeout())
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		d.logger.Warn("drain timed out, dispatches still in flight")
	case <-ctx.Done():
	}
	reqs := d.queue.Drain()
	ids := make([]int64, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.InstanceID)
	}
	d.metrics.DispatchQueueing.Set(0)
	d.logger.Info("dispatcher drained", zap.Int("queued", len(ids)))
	return ids
}

func (d *Dispatcher) dispatch(ctx context.Context, req proto.DispatchRequest) {
	inst, err := d.store.FindInstance(ctx, req.InstanceID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("dispatch of unknown instance dropped", zap.Int64("instanceId", req.InstanceID))
		d.forget(req.InstanceID, "dropped")
		return
	}
	if err != nil {
		d.logger.Error("load instance failed", zap.Int64("instanceId", req.InstanceID), zap.Error(err))
		d.retryLater(ctx, req, false)
		return
	}
	// 已经派发过或已结束的实例直接丢弃
	if inst.Status != proto.WaitingDispatch {
		d.forget(req.InstanceID, "dropped")
		return
	}
	job, err := d.store.FindJob(ctx, inst.JobID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Error("instance without job", zap.Int64("instanceId", inst.ID), zap.Int64("jobId", inst.JobID))
		if err := d.owner.Fail(ctx, inst.ID, "job not found"); err != nil {
			d.logger.Error("fail orphan instance", zap.Int64("instanceId", inst.ID), zap.Error(err))
		}
		d.forget(req.InstanceID, "orphan")
		return
	}
	if err != nil {
		d.logger.Error("load job failed", zap.Int64("jobId", inst.JobID), zap.Error(err))
		d.retryLater(ctx, req, false)
		return
	}

	excluded := make(map[string]bool)
	for {
		candidates := without(d.workers.Snapshot(job.AppID), excluded)
		var targets []proto.WorkerPresence
		if job.ExecuteType == proto.Broadcast {
			targets = SelectAll(job, candidates)
		} else if w, ok := Select(job, candidates); ok {
			targets = []proto.WorkerPresence{w}
		}
		if len(targets) == 0 {
			d.retryLater(ctx, req, true)
			return
		}

		accepted, failed := d.submit(ctx, job, inst, targets)
		if len(accepted) > 0 {
			d.handOver(ctx, inst, accepted)
			return
		}
		for _, w := range targets {
			excluded[w.Endpoint] = true
		}
		// 全部拒绝算一次未命中
		if !failed {
			d.retryLater(ctx, req, true)
			return
		}
	}
}

// submit sends the instance to every target concurrently. It returns the
// endpoints that accepted and whether any call failed in transport.
func (d *Dispatcher) submit(ctx context.Context, job *proto.Job, inst *proto.InstanceInfo, targets []proto.WorkerPresence) ([]string, bool) {
	endpoints := make([]string, len(targets))
	for i, w := range targets {
		endpoints[i] = w.Endpoint
	}
	msg := proto.NewInstanceDispatch(job, inst, d.serverAddress, endpoints)

	var (
		mu       sync.Mutex
		accepted []string
		failed   bool
		wg       sync.WaitGroup
	)
	for _, endpoint := range endpoints {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer d.sem.Release(1)
			ok, transport := d.submitOne(ctx, endpoint, msg)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				accepted = append(accepted, endpoint)
			}
			failed = failed || transport
		}()
	}
	wg.Wait()
	// 保持与选择顺序一致
	ordered := make([]string, 0, len(accepted))
	for _, e := range endpoints {
		if contains(accepted, e) {
			ordered = append(ordered, e)
		}
	}
	return ordered, failed
}

func (d *Dispatcher) submitOne(ctx context.Context, endpoint string, msg *proto.InstanceDispatch) (accepted, transport bool) {
	start := time.Now()
	result := "accepted"
	defer func() {
		d.metrics.DispatchDurations.With(prometheus.Labels{"result": result}).Observe(time.Since(start).Seconds())
	}()

	gw, err := d.conns.ConnectWorker(endpoint)
	if err != nil {
		result = "transport"
		d.workerFailed(endpoint, err)
		return false, true
	}
	rctx, cancel := context.WithTimeout(ctx, d.cfg.RPCDeadline())
	defer cancel()
	ack, err := gw.SubmitInstance(rctx, msg).Get(rctx)
	switch {
	case rpc.IsTransportFailure(err):
		result = "transport"
		d.workerFailed(endpoint, err)
		return false, true
	case err != nil:
		result = "error"
		d.logger.Warn("worker refused instance", zap.String("endpoint", endpoint),
			zap.Int64("instanceId", msg.InstanceID), zap.Error(err))
		d.workers.ReportSuccess(endpoint)
		return false, false
	case !ack.Accepted:
		result = "rejected"
		d.logger.Info("worker rejected instance", zap.String("endpoint", endpoint),
			zap.Int64("instanceId", msg.InstanceID), zap.String("message", ack.Message))
		d.workers.ReportSuccess(endpoint)
		return false, false
	}
	d.workers.ReportSuccess(endpoint)
	return true, false
}

func (d *Dispatcher) workerFailed(endpoint string, err error) {
	kind := "transport"
	if errors.Is(err, rpc.ErrTimeout) {
		kind = "timeout"
	}
	d.metrics.WorkerFailures.With(prometheus.Labels{"kind": kind}).Inc()
	evicted := d.workers.ReportFailure(endpoint, d.cfg.WorkerFailureThreshold)
	d.logger.Warn("submit failed", zap.String("endpoint", endpoint), zap.Bool("evicted", evicted), zap.Error(err))
}

// handOver passes the accepted instance to its owner. When the owner
// refuses, the instance changed meanwhile and the workers are told to stop.
func (d *Dispatcher) handOver(ctx context.Context, inst *proto.InstanceInfo, endpoints []string) {
	if err := d.owner.OnDispatched(ctx, inst.ID, endpoints); err != nil {
		d.logger.Warn("dispatched instance no longer waiting, stopping it",
			zap.Int64("instanceId", inst.ID), zap.Strings("endpoints", endpoints), zap.Error(err))
		for _, endpoint := range endpoints {
			d.stopOn(ctx, endpoint, inst.ID)
		}
		d.forget(inst.ID, "stale")
		return
	}
	for _, endpoint := range endpoints {
		d.workers.AddInflight(endpoint, 1)
	}
	d.forget(inst.ID, "dispatched")
	d.logger.Debug("instance dispatched", zap.Int64("instanceId", inst.ID), zap.Strings("endpoints", endpoints))
}

func (d *Dispatcher) stopOn(ctx context.Context, endpoint string, instanceID int64) {
	gw, err := d.conns.ConnectWorker(endpoint)
	if err != nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, d.cfg.RPCDeadline())
	defer cancel()
	if _, err := gw.StopInstance(rctx, instanceID).Get(rctx); err != nil {
		d.logger.Debug("stop after stale dispatch failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

// retryLater re-queues req after B(k) = min(cap, 2^k * base), k being the
// consecutive misses of the instance.
func (d *Dispatcher) retryLater(ctx context.Context, req proto.DispatchRequest, miss bool) {
	d.mu.Lock()
	k := d.misses[req.InstanceID]
	d.misses[req.InstanceID] = k + 1
	d.mu.Unlock()

	if miss {
		d.metrics.Dispatched.With(prometheus.Labels{"result": "no_worker"}).Inc()
		if err := d.owner.NoteDispatchMiss(ctx, req.InstanceID); err != nil {
			d.logger.Debug("note dispatch miss failed", zap.Int64("instanceId", req.InstanceID), zap.Error(err))
		}
	}
	wait := backoff(k, d.cfg.BackoffBase(), d.cfg.BackoffCap())
	d.logger.Info("no worker available, dispatch delayed", zap.Int64("instanceId", req.InstanceID),
		zap.Int("attempt", k+1), zap.Duration("wait", wait))
	d.queue.Push(req.InstanceID, time.Now().Add(wait), req)
	d.metrics.DispatchQueueing.Set(float64(d.queue.Len()))
}

func backoff(k int, base, limit time.Duration) time.Duration {
	wait := base
	for i := 0; i < k && wait < limit; i++ {
		wait *= 2
	}
	return min(wait, limit)
}

func (d *Dispatcher) forget(instanceID int64, result string) {
	d.resetMisses(instanceID)
	d.metrics.Dispatched.With(prometheus.Labels{"result": result}).Inc()
}

func (d *Dispatcher) resetMisses(instanceID int64) {
	d.mu.Lock()
	delete(d.misses, instanceID)
	d.mu.Unlock()
}

// Pull hands queued, due instances of the worker's app to a pull-mode worker.
func (d *Dispatcher) Pull(ctx context.Context, req *proto.WorkRequest) (*proto.WorkResponse, error) {
	resp := &proto.WorkResponse{}
	var self *proto.WorkerPresence
	for _, w := range d.workers.Snapshot(req.AppID) {
		if w.Endpoint == req.WorkerAddress {
			self = &w
			break
		}
	}
	if self == nil {
		return resp, nil
	}
	limit := max(req.Max, 1)
	now := time.Now().UnixMilli()
	taken := d.queue.Take(func(r proto.DispatchRequest) bool {
		return r.AppID == req.AppID && r.NotBefore <= now
	}, limit)

	for _, r := range taken {
		inst, err := d.store.FindInstance(ctx, r.InstanceID)
		if err != nil || inst.Status != proto.WaitingDispatch {
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				d.queue.Push(r.InstanceID, time.Now(), r)
			}
			continue
		}
		job, err := d.store.FindJob(ctx, inst.JobID)
		if err != nil || job.ExecuteType == proto.Broadcast || !Admits(job, *self) {
			d.queue.Push(r.InstanceID, time.UnixMilli(r.NotBefore), r)
			continue
		}
		if err := d.owner.OnDispatched(ctx, inst.ID, []string{self.Endpoint}); err != nil {
			d.logger.Debug("pull hand over refused", zap.Int64("instanceId", inst.ID), zap.Error(err))
			continue
		}
		d.workers.AddInflight(self.Endpoint, 1)
		d.forget(inst.ID, "pulled")
		resp.Dispatches = append(resp.Dispatches,
			proto.NewInstanceDispatch(job, inst, d.serverAddress, []string{self.Endpoint}))
	}
	d.metrics.DispatchQueueing.Set(float64(d.queue.Len()))
	return resp, nil
}

func without(ws []proto.WorkerPresence, excluded map[string]bool) []proto.WorkerPresence {
	if len(excluded) == 0 {
		return ws
	}
	out := ws[:0:0]
	for _, w := range ws {
		if !excluded[w.Endpoint] {
			out = append(out, w)
		}
	}
	return out
}
