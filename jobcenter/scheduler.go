// Package jobcenter turns due jobs into instances and places them on workers.
package jobcenter

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"neptune/config"
	"neptune/constants"
	"neptune/eventcenter"
	"neptune/logs"
	"neptune/monitor"
	"neptune/proto"
	"neptune/store"
	"neptune/timeexpr"
)

const (
	minTickInterval  = 10 * time.Millisecond
	// catchUpLimit bounds the instances one job may get in a single tick.
	catchUpLimit     = 100
	persistAttempts  = 3
	persistRetryBase = 50 * time.Millisecond
	finishTimeout    = 5 * time.Second
)

var ErrInvalidJob = errors.New("jobcenter: invalid job")

// LiveCounter answers how many non-terminal instances a job has.
type LiveCounter interface {
	CountLive(ctx context.Context, jobID int64) (int64, error)
}

// Enqueuer accepts materialised instances for dispatch.
type Enqueuer interface {
	Enqueue(req proto.DispatchRequest)
}

type IDGenerator interface {
	GenerateID() (int64, error)
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithPersistenceObserver is told the outcome of every store round of a
// tick: nil on success, the error otherwise.
func WithPersistenceObserver(fn func(err error)) Option {
	return func(s *Scheduler) {
		s.observe = fn
	}
}

// Scheduler is the only writer of Job.NextTriggerTime and Job.Status.
type Scheduler struct {
	cfg      config.Scheduler
	serverID int64
	store    store.Store
	live     LiveCounter
	dispatch Enqueuer
	ids      IDGenerator

	now     func() time.Time
	observe func(err error)
	metrics *monitor.Metrics
	logger  *zap.Logger
}

func NewScheduler(cfg config.Scheduler, serverID int64, st store.Store, live LiveCounter, dispatch Enqueuer,
	ids IDGenerator, metrics *monitor.Metrics, logger *zap.Logger, opts ...Option) *Scheduler {
	if metrics == nil {
		metrics = monitor.New(nil)
	}
	s := &Scheduler{
		cfg:      cfg,
		serverID: serverID,
		store:    st,
		live:     live,
		dispatch: dispatch,
		ids:      ids,
		now:      time.Now,
		metrics:  metrics,
		logger:   logs.OrNop(logger).Named("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Shards <= 0 {
		s.cfg.Shards = 1
	}
	if s.cfg.BatchSize <= 0 {
		s.cfg.BatchSize = 200
	}
	return s
}

// Subscribe registers the FIXED_DELAY follow-up on instance completions.
func (s *Scheduler) Subscribe(events *eventcenter.EventCenter) {
	events.Subscribe(constants.TOPIC_INSTANCE_FINISHED, s.onInstanceFinished)
}

// Run drives one owner goroutine per shard until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Shards; i++ {
		shard := store.Shard{Index: i, Count: s.cfg.Shards}
		g.Go(func() error {
			s.runShard(ctx, shard)
			return nil
		})
	}
	s.logger.Info("scheduler started", zap.Int("shards", s.cfg.Shards))
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) runShard(ctx context.Context, shard store.Shard) {
	interval := s.cfg.Tick()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// 批量读满说明积压，缩短下一次调度间隔
		if s.tick(ctx, shard) {
			s.metrics.TickOverload.Inc()
			interval = max(interval/2, minTickInterval)
		} else {
			interval = s.cfg.Tick()
		}
		timer.Reset(interval)
	}
}

// tick materialises every job of shard due within the window and reports
// whether the batch was full.
func (s *Scheduler) tick(ctx context.Context, shard store.Shard) bool {
	start := s.now()
	defer func() { s.metrics.TickDurations.Observe(time.Since(start).Seconds()) }()

	now := start.UnixMilli()
	windowEnd := now + s.cfg.Tick().Milliseconds() + s.cfg.Slack().Milliseconds()
	var jobs []*proto.Job
	err := store.Retry(ctx, persistAttempts, persistRetryBase, func(ctx context.Context) error {
		var err error
		jobs, err = s.store.FindDue(ctx, windowEnd, s.cfg.BatchSize, shard)
		return err
	})
	if err != nil {
		s.persistence(ctx, "find_due", err)
		return false
	}
	due := make(dueHeap, 0, len(jobs))
	for _, job := range jobs {
		if job.NextTriggerTime <= windowEnd {
			due = append(due, &dueJob{job: job})
		}
	}
	heap.Init(&due)
	failed := false
	// 周期短于调度间隔的任务在窗口内可能触发多次, 各任务的触发按时间交错
	for due.Len() > 0 {
		if ctx.Err() != nil {
			return false
		}
		d := heap.Pop(&due).(*dueJob)
		next, err := s.materialize(ctx, d.job, now)
		if err != nil {
			failed = true
			s.persistence(ctx, "materialize", err)
			s.logger.Error("materialize failed", zap.Int64("jobId", d.job.ID), zap.Error(err))
			continue
		}
		d.rounds++
		if next != nil && next.NextTriggerTime <= windowEnd && d.rounds < catchUpLimit {
			d.job = next
			heap.Push(&due, d)
		}
	}
	if !failed {
		s.persistence(ctx, "", nil)
	}
	return len(jobs) >= s.cfg.BatchSize
}

type dueJob struct {
	job    *proto.Job
	rounds int
}

// dueHeap orders the triggers of one tick by (nextTriggerTime, id).
type dueHeap []*dueJob

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	a, b := h[i].job, h[j].job
	if a.NextTriggerTime != b.NextTriggerTime {
		return a.NextTriggerTime < b.NextTriggerTime
	}
	return a.ID < b.ID
}

func (h dueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) Push(x any) { *h = append(*h, x.(*dueJob)) }

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}

func (s *Scheduler) persistence(ctx context.Context, kind string, err error) {
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		s.metrics.PersistenceErrors.With(prometheus.Labels{"kind": kind}).Inc()
	}
	if s.observe != nil {
		s.observe(err)
	}
}

// materialize creates the instance of job's current trigger and moves the
// trigger forward. The returned job carries the new trigger; it is nil when
// the job needs no further look in this tick.
func (s *Scheduler) materialize(ctx context.Context, job *proto.Job, now int64) (*proto.Job, error) {
	trig := job.NextTriggerTime
	kind := prometheus.Labels{"type": job.TimeExpressionType.String()}

	limit := int64(job.MaxInstanceNum)
	if job.TimeExpressionType == proto.FixedDelay {
		limit = 1
	}
	if limit > 0 {
		live, err := s.live.CountLive(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if live >= limit {
			s.metrics.TriggerSkipped.With(kind).Inc()
			return s.skip(ctx, job, now)
		}
	}
	if job.TimeExpressionType == proto.FixedDelay {
		last, err := s.lastCompleted(ctx, job)
		if err != nil {
			return nil, err
		}
		if last > 0 {
			due, _, err := timeexpr.Next(job, trig, last)
			if err != nil {
				return nil, s.disableBroken(ctx, job, err)
			}
			if due > trig {
				return s.postpone(ctx, job, due)
			}
		}
	}

	// 错过触发时间太久只补一次，下次时间从当前时间算
	base := trig
	if now-trig > s.cfg.MissThreshold().Milliseconds() {
		s.metrics.TriggerMisfired.With(kind).Inc()
		s.logger.Warn("trigger misfired", zap.Int64("jobId", job.ID), zap.Int64("triggerTime", trig), zap.Int64("now", now))
		base = now
	}
	if job.TimeExpressionType == proto.Once {
		base = trig + 1
	}
	next, ok, err := timeexpr.Next(job, base, 0)
	if err != nil {
		return nil, s.disableBroken(ctx, job, err)
	}
	status := proto.JobEnabled
	if !ok {
		status, next = proto.JobDisabled, trig
	}

	id, err := s.ids.GenerateID()
	if err != nil {
		return nil, err
	}
	created := s.now().UnixMilli()
	inst := &proto.InstanceInfo{
		ID:          id,
		AppID:       job.AppID,
		JobID:       job.ID,
		JobParams:   job.JobParams,
		TriggerTime: trig,
		Status:      proto.WaitingDispatch,
		Type:        proto.InstanceNormal,
		ServerID:    s.serverID,
		GmtCreate:   created,
		GmtModified: created,
	}
	if err := store.Retry(ctx, persistAttempts, persistRetryBase, func(ctx context.Context) error {
		return s.store.InsertInstance(ctx, inst)
	}); err != nil {
		return nil, fmt.Errorf("insert instance: %w", err)
	}

	var moved bool
	err = store.Retry(ctx, persistAttempts, persistRetryBase, func(ctx context.Context) error {
		var err error
		moved, err = s.store.UpdateTrigger(ctx, job.ID, trig, next, status)
		return err
	})
	if err != nil || !moved {
		// 触发时间已被其他操作修改，撤销刚生成的实例
		if derr := s.store.DeleteInstance(ctx, id); derr != nil && !errors.Is(derr, store.ErrNotFound) {
			s.logger.Error("rollback instance failed", zap.Int64("instanceId", id), zap.Error(derr))
		}
		if err != nil {
			return nil, fmt.Errorf("update trigger: %w", err)
		}
		s.logger.Info("trigger changed concurrently", zap.Int64("jobId", job.ID), zap.Int64("expected", trig))
		return nil, nil
	}

	s.metrics.InstanceMaterialized.With(kind).Inc()
	s.logger.Debug("instance materialized", zap.Int64("jobId", job.ID), zap.Int64("instanceId", id),
		zap.Int64("triggerTime", trig), zap.Int64("next", next))
	s.dispatch.Enqueue(proto.DispatchRequest{InstanceID: id, AppID: job.AppID, JobID: job.ID, NotBefore: trig})
	return advanced(job, next, status), nil
}

func advanced(job *proto.Job, next int64, status proto.JobStatus) *proto.Job {
	if status != proto.JobEnabled {
		return nil
	}
	j := job.Clone()
	j.NextTriggerTime = next
	return j
}

// skip moves the trigger past now without creating an instance.
func (s *Scheduler) skip(ctx context.Context, job *proto.Job, now int64) (*proto.Job, error) {
	next, ok, err := timeexpr.Next(job, now, 0)
	if err != nil {
		return nil, s.disableBroken(ctx, job, err)
	}
	status := proto.JobEnabled
	if !ok {
		status, next = proto.JobDisabled, job.NextTriggerTime
	} else if next <= job.NextTriggerTime {
		return nil, nil
	}
	s.logger.Info("trigger skipped, too many live instances", zap.Int64("jobId", job.ID),
		zap.Int("maxInstanceNum", job.MaxInstanceNum), zap.Int64("next", next))
	var moved bool
	err = store.Retry(ctx, persistAttempts, persistRetryBase, func(ctx context.Context) error {
		var err error
		moved, err = s.store.UpdateTrigger(ctx, job.ID, job.NextTriggerTime, next, status)
		return err
	})
	if err != nil || !moved {
		return nil, err
	}
	return advanced(job, next, status), nil
}

// postpone moves a FIXED_DELAY trigger that is earlier than the last
// completion plus the period, e.g. after a lost InstanceFinished event.
func (s *Scheduler) postpone(ctx context.Context, job *proto.Job, due int64) (*proto.Job, error) {
	var moved bool
	err := store.Retry(ctx, persistAttempts, persistRetryBase, func(ctx context.Context) error {
		var err error
		moved, err = s.store.UpdateTrigger(ctx, job.ID, job.NextTriggerTime, due, proto.JobEnabled)
		return err
	})
	if err != nil || !moved {
		return nil, err
	}
	s.logger.Info("fixed delay trigger moved to last completion", zap.Int64("jobId", job.ID),
		zap.Int64("stored", job.NextTriggerTime), zap.Int64("next", due))
	return advanced(job, due, proto.JobEnabled), nil
}

// lastCompleted is the newest completion time of a FIXED_DELAY job's
// instances, 0 for other kinds.
func (s *Scheduler) lastCompleted(ctx context.Context, job *proto.Job) (int64, error) {
	if job.TimeExpressionType != proto.FixedDelay {
		return 0, nil
	}
	var last int64
	err := store.Retry(ctx, persistAttempts, persistRetryBase, func(ctx context.Context) error {
		var err error
		last, err = s.store.LastCompletedTime(ctx, job.ID)
		return err
	})
	return last, err
}

// disableBroken stops a job whose stored expression no longer parses.
func (s *Scheduler) disableBroken(ctx context.Context, job *proto.Job, cause error) error {
	s.logger.Error("job expression invalid, disabling", zap.Int64("jobId", job.ID), zap.Error(cause))
	_, err := s.store.UpdateTrigger(ctx, job.ID, job.NextTriggerTime, job.NextTriggerTime, proto.JobDisabled)
	return err
}

// SaveJob validates job, assigns an id to new jobs and computes the first
// trigger of enabled ones.
func (s *Scheduler) SaveJob(ctx context.Context, job *proto.Job) (*proto.Job, error) {
	if job == nil {
		return nil, fmt.Errorf("%w: empty job", ErrInvalidJob)
	}
	if err := validateJob(job); err != nil {
		return nil, err
	}
	j := job.Clone()
	now := s.now().UnixMilli()
	var last int64
	if j.ID == 0 {
		id, err := s.ids.GenerateID()
		if err != nil {
			return nil, err
		}
		j.ID = id
		j.GmtCreate = now
	} else {
		old, err := s.store.FindJob(ctx, j.ID)
		switch {
		case err == nil:
			j.GmtCreate = old.GmtCreate
			if last, err = s.lastCompleted(ctx, j); err != nil {
				return nil, err
			}
		case errors.Is(err, store.ErrNotFound):
			j.GmtCreate = now
		default:
			return nil, err
		}
	}
	if j.Status == 0 {
		j.Status = proto.JobEnabled
	}
	j.GmtModified = now
	j.NextTriggerTime = 0
	if j.Status == proto.JobEnabled {
		next, ok, err := timeexpr.Next(j, now, last)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		if !ok && j.TimeExpressionType != proto.Workflow {
			return nil, fmt.Errorf("%w: %s has no future trigger", ErrInvalidJob, j.TimeExpression)
		}
		j.NextTriggerTime = next
	}
	if err := s.store.SaveJob(ctx, j); err != nil {
		return nil, err
	}
	s.logger.Info("job saved", zap.Int64("jobId", j.ID), zap.Int64("appId", j.AppID),
		zap.Stringer("type", j.TimeExpressionType), zap.Int64("next", j.NextTriggerTime))
	return j, nil
}

func validateJob(job *proto.Job) error {
	if job.AppID <= 0 {
		return fmt.Errorf("%w: appId required", ErrInvalidJob)
	}
	if job.Name == "" {
		return fmt.Errorf("%w: jobName required", ErrInvalidJob)
	}
	switch job.ExecuteType {
	case proto.Standalone, proto.Broadcast, proto.Map, proto.MapReduce:
	default:
		return fmt.Errorf("%w: executeType %d", ErrInvalidJob, job.ExecuteType)
	}
	switch job.Status {
	case 0, proto.JobEnabled, proto.JobDisabled:
	default:
		return fmt.Errorf("%w: status %d", ErrInvalidJob, job.Status)
	}
	if job.MaxInstanceNum < 0 || job.InstanceRetryNum < 0 || job.InstanceTimeLimit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidJob)
	}
	if err := timeexpr.Validate(job.TimeExpressionType, job.TimeExpression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return nil
}

// SetJobStatus enables, disables or soft deletes a job.
func (s *Scheduler) SetJobStatus(ctx context.Context, jobID int64, status proto.JobStatus) (*proto.Job, error) {
	job, err := s.store.FindJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	next := job.NextTriggerTime
	switch status {
	case proto.JobEnabled:
		job.NextTriggerTime = 0
		last, err := s.lastCompleted(ctx, job)
		if err != nil {
			return nil, err
		}
		n, ok, err := timeexpr.Next(job, s.now().UnixMilli(), last)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		if !ok && job.TimeExpressionType != proto.Workflow {
			return nil, fmt.Errorf("%w: %s has no future trigger", ErrInvalidJob, job.TimeExpression)
		}
		next = n
	case proto.JobDisabled, proto.JobDeleted:
	default:
		return nil, fmt.Errorf("%w: status %d", ErrInvalidJob, status)
	}
	if err := s.store.UpdateJobStatus(ctx, jobID, status, next); err != nil {
		return nil, err
	}
	job.Status = status
	job.NextTriggerTime = next
	s.logger.Info("job status changed", zap.Int64("jobId", jobID), zap.Stringer("status", status))
	return job, nil
}

var ErrJobBusy = errors.New("jobcenter: job still has live instances")

// PurgeJob removes a disabled or deleted job row once nothing of it runs.
func (s *Scheduler) PurgeJob(ctx context.Context, jobID int64) error {
	job, err := s.store.FindJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == proto.JobEnabled {
		return fmt.Errorf("%w: disable job %d first", ErrInvalidJob, jobID)
	}
	live, err := s.live.CountLive(ctx, jobID)
	if err != nil {
		return err
	}
	if live > 0 {
		return fmt.Errorf("%w: %d", ErrJobBusy, live)
	}
	return s.store.DeleteJob(ctx, jobID)
}

// onInstanceFinished moves a FIXED_DELAY job to completedTime + period.
func (s *Scheduler) onInstanceFinished(event *eventcenter.Event) {
	fin, ok := event.Body.(proto.InstanceFinished)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	for attempt := 0; attempt < persistAttempts; attempt++ {
		job, err := s.store.FindJob(ctx, fin.JobID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("load job after finish failed", zap.Int64("jobId", fin.JobID), zap.Error(err))
			}
			return
		}
		if job.TimeExpressionType != proto.FixedDelay || job.Status != proto.JobEnabled {
			return
		}
		period, err := timeexpr.Period(job.TimeExpression)
		if err != nil {
			return
		}
		next := fin.CompletedTime + period
		if next <= job.NextTriggerTime {
			return
		}
		moved, err := s.store.UpdateTrigger(ctx, job.ID, job.NextTriggerTime, next, proto.JobEnabled)
		if err != nil {
			s.logger.Warn("fixed delay trigger update failed", zap.Int64("jobId", job.ID), zap.Error(err))
			return
		}
		if moved {
			return
		}
	}
}
