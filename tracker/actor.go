package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"neptune/constants"
	"neptune/delay"
	"neptune/proto"
	"neptune/store"
)

type deadlineKind int

const (
	receiveDeadline deadlineKind = iota + 1
	executionDeadline
	// silenceDeadline fires when a RUNNING instance has not reported for
	// silenceFactor receive deadlines.
	silenceDeadline
)

const silenceFactor = 2

// deadline is both key and value in the actor's queue, so one instance may
// hold a deadline of each kind.
type deadline struct {
	id   int64
	kind deadlineKind
}

// tracked 跟踪中的实例
type tracked struct {
	inst *proto.InstanceInfo
	job  *proto.Job
	// endpoints holds the last status each responsible worker reported.
	endpoints map[string]proto.InstanceStatus
	querying  bool
	// silentRounds counts silence queries in a row that got no usable answer.
	silentRounds int
}

func newTracked(inst *proto.InstanceInfo, job *proto.Job) *tracked {
	tr := &tracked{inst: inst, job: job}
	tr.resetEndpoints()
	return tr
}

func (tr *tracked) resetEndpoints() {
	tr.endpoints = make(map[string]proto.InstanceStatus)
	for _, e := range tr.inst.Workers() {
		tr.endpoints[e] = tr.inst.Status
	}
}

func (tr *tracked) responsible(endpoint string) bool {
	_, ok := tr.endpoints[endpoint]
	return ok
}

// aggregate folds the per-worker statuses: FAILED on any failure, SUCCEED
// once every worker succeeded, RUNNING otherwise.
func (tr *tracked) aggregate() proto.InstanceStatus {
	succeeded := 0
	for _, s := range tr.endpoints {
		switch s {
		case proto.Failed:
			return proto.Failed
		case proto.Succeed:
			succeeded++
		}
	}
	if succeeded == len(tr.endpoints) && succeeded > 0 {
		return proto.Succeed
	}
	return proto.Running
}

// actor serialises all events of the instances it owns.
type actor struct {
	t         *Tracker
	index     int
	mailbox   chan func()
	tracked   map[int64]*tracked
	deadlines *delay.Queue[deadline, deadline]
	// unreceived counts receive queries in a row that found no worker holding
	// the instance. It outlives the tracked entry across redispatch.
	unreceived map[int64]int
	timer      *time.Timer
	ctx       context.Context
	done      chan struct{}
}

func newActor(t *Tracker, index int) *actor {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return &actor{
		t:         t,
		index:     index,
		mailbox:   make(chan func(), mailboxSize),
		tracked:    make(map[int64]*tracked),
		deadlines:  delay.New[deadline, deadline](),
		unreceived: make(map[int64]int),
		timer:      timer,
		ctx:       context.Background(),
		done:      make(chan struct{}),
	}
}

func (a *actor) run(ctx context.Context) {
	a.ctx = ctx
	defer close(a.done)
	defer a.timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-a.mailbox:
			fn()
		case <-a.timer.C:
			a.expire()
		}
		a.arm()
	}
}

// arm points the timer at the earliest deadline only.
func (a *actor) arm() {
	a.timer.Stop()
	at, ok := a.deadlines.Peek()
	if !ok {
		return
	}
	a.timer.Reset(max(at.Sub(a.t.now()), 0))
}

func (a *actor) send(ctx context.Context, fn func()) error {
	select {
	case a.mailbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrStopped
	}
}

func (a *actor) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if err := a.send(ctx, func() { res <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrStopped
	}
}

func (a *actor) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(a.ctx, opTimeout)
}

func (a *actor) nowMs() int64 {
	return a.t.now().UnixMilli()
}

// get returns the tracked entry of id, loading it from the store when it is
// not watched yet. Non-terminal instances found this way are adopted.
func (a *actor) get(id int64) (*tracked, error) {
	if tr, ok := a.tracked[id]; ok {
		return tr, nil
	}
	ctx, cancel := a.opCtx()
	defer cancel()
	inst, err := a.t.store.FindInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := a.t.store.FindJob(ctx, inst.JobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	tr := newTracked(inst, job)
	if inst.Status == proto.WaitingWorkerReceive || inst.Status == proto.Running {
		a.adopt(tr)
	}
	return tr, nil
}

func (a *actor) watch(tr *tracked) {
	if _, ok := a.tracked[tr.inst.ID]; ok {
		return
	}
	a.tracked[tr.inst.ID] = tr
	a.t.metrics.InstanceTracking.Set(float64(a.t.tracking.Add(1)))
	switch tr.inst.Status {
	case proto.WaitingWorkerReceive:
		at := tr.inst.LastReportTime
		if at == 0 {
			at = a.nowMs()
		}
		a.push(tr.inst.ID, receiveDeadline, time.UnixMilli(at).Add(a.t.opts.ReceiveDeadline))
	case proto.Running:
		a.armExecution(tr)
		a.armSilence(tr, tr.inst.LastReportTime)
	}
}

func (a *actor) push(id int64, kind deadlineKind, at time.Time) {
	d := deadline{id, kind}
	a.deadlines.Push(d, at, d)
}

func (a *actor) unwatch(id int64) {
	for _, kind := range []deadlineKind{receiveDeadline, executionDeadline, silenceDeadline} {
		a.deadlines.Remove(deadline{id, kind})
	}
	if _, ok := a.tracked[id]; !ok {
		return
	}
	delete(a.tracked, id)
	a.t.metrics.InstanceTracking.Set(float64(a.t.tracking.Add(-1)))
}

func (a *actor) armExecution(tr *tracked) {
	if tr.job == nil || tr.job.InstanceTimeLimit <= 0 {
		a.deadlines.Remove(deadline{tr.inst.ID, executionDeadline})
		return
	}
	start := tr.inst.ExecuteTime
	if start == 0 {
		start = a.nowMs()
	}
	a.push(tr.inst.ID, executionDeadline, time.UnixMilli(start+tr.job.InstanceTimeLimit))
}

// armSilence (re)starts the report timer of a RUNNING instance from since.
func (a *actor) armSilence(tr *tracked, since int64) {
	if since == 0 {
		since = a.nowMs()
	}
	a.push(tr.inst.ID, silenceDeadline, time.UnixMilli(since).Add(silenceFactor*a.t.opts.ReceiveDeadline))
}

// transit performs one CAS on the store and mirrors it locally. It returns
// false when the transition did not happen.
func (a *actor) transit(tr *tracked, to proto.InstanceStatus, patch store.InstancePatch, reason string) bool {
	from := tr.inst.Status
	id := tr.inst.ID
	if !Legal(from, to) {
		a.t.metrics.InvariantViolations.Inc()
		a.t.logger.Error("illegal transition", zap.Int64("instanceId", id),
			zap.Stringer("from", from), zap.Stringer("to", to), zap.String("reason", reason))
		return false
	}
	ctx, cancel := a.opCtx()
	defer cancel()
	var ok bool
	err := store.Retry(ctx, 3, 50*time.Millisecond, func(ctx context.Context) error {
		var err error
		ok, err = a.t.store.CasStatus(ctx, id, from, to, patch)
		return err
	})
	if err != nil {
		a.t.metrics.PersistenceErrors.With(prometheus.Labels{"kind": "cas"}).Inc()
		a.t.logger.Error("status update failed", zap.Int64("instanceId", id),
			zap.Stringer("from", from), zap.Stringer("to", to), zap.Error(err))
		return false
	}
	if !ok {
		a.t.logger.Warn("status changed underneath, reloading", zap.Int64("instanceId", id), zap.Stringer("expected", from))
		a.reload(tr)
		return false
	}

	oldWorkers := tr.inst.Workers()
	patch.Apply(tr.inst)
	tr.inst.Status = to
	tr.inst.Version++
	a.t.metrics.InstanceTransitions.With(prometheus.Labels{"from": from.String(), "to": to.String()}).Inc()
	a.t.logger.Debug("instance transition", zap.Int64("instanceId", id),
		zap.Stringer("from", from), zap.Stringer("to", to), zap.String("reason", reason))

	if (from == proto.WaitingWorkerReceive || from == proto.Running) && to != proto.Running {
		for _, e := range oldWorkers {
			a.t.workers.AddInflight(e, -1)
		}
	}
	switch {
	case to.Terminal():
		a.unwatch(id)
		delete(a.unreceived, id)
		a.finished(tr)
	case to == proto.WaitingDispatch:
		a.unwatch(id)
		tr.resetEndpoints()
	}
	return true
}

func (a *actor) reload(tr *tracked) {
	ctx, cancel := a.opCtx()
	defer cancel()
	inst, err := a.t.store.FindInstance(ctx, tr.inst.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.unwatch(tr.inst.ID)
		}
		return
	}
	tr.inst = inst
	tr.resetEndpoints()
	if inst.Status != proto.WaitingWorkerReceive && inst.Status != proto.Running {
		a.unwatch(inst.ID)
	}
}

// finished publishes the events of a terminal transition.
func (a *actor) finished(tr *tracked) {
	inst := tr.inst
	completed := inst.CompletedTime
	if completed == 0 {
		completed = a.nowMs()
	}
	a.t.publish(constants.TOPIC_INSTANCE_FINISHED, proto.InstanceFinished{
		AppID:         inst.AppID,
		JobID:         inst.JobID,
		InstanceID:    inst.ID,
		Status:        inst.Status,
		CompletedTime: completed,
	})
	if inst.Type == proto.InstanceWorkflow {
		a.t.publish(constants.TOPIC_WORKFLOW, proto.WorkflowEvent{
			WorkflowID: inst.WorkflowID,
			InstanceID: inst.ID,
			Status:     inst.Status,
		})
	}
	if inst.Status == proto.Failed {
		var notify []string
		if tr.job != nil {
			notify = tr.job.NotifyUserIDs
		}
		a.t.publish(constants.TOPIC_ALERT, proto.Alert{
			JobID:         inst.JobID,
			InstanceID:    inst.ID,
			Reason:        inst.Result,
			NotifyUserIDs: notify,
		})
	}
}

// dispatched moves a WAITING_DISPATCH instance onto its workers.
func (a *actor) dispatched(id int64, endpoints []string) error {
	if len(endpoints) == 0 {
		return fmt.Errorf("%w: no endpoints", ErrIllegalTransition)
	}
	tr, err := a.get(id)
	if err != nil {
		return err
	}
	if tr.inst.Status != proto.WaitingDispatch {
		return fmt.Errorf("%w: instance %d is %s", ErrIllegalTransition, id, tr.inst.Status)
	}
	now := a.nowMs()
	address := proto.JoinAddress(endpoints)
	if !a.transit(tr, proto.WaitingWorkerReceive, store.InstancePatch{
		TaskAddress:    &address,
		ExecuteTime:    &now,
		LastReportTime: &now,
	}, "dispatched") {
		return fmt.Errorf("%w: instance %d not dispatched", ErrIllegalTransition, id)
	}
	tr.resetEndpoints()
	a.watch(tr)
	return nil
}

// touchWaiting stamps LastReportTime of a WAITING_DISPATCH instance.
func (a *actor) touchWaiting(id int64) error {
	tr, err := a.get(id)
	if err != nil {
		return err
	}
	if tr.inst.Status != proto.WaitingDispatch {
		return nil
	}
	now := a.nowMs()
	if !a.transit(tr, proto.WaitingDispatch, store.InstancePatch{LastReportTime: &now}, "bookkeeping") {
		return fmt.Errorf("%w: instance %d", ErrIllegalTransition, id)
	}
	return nil
}

func (a *actor) report(r *proto.StatusReport) {
	tr, err := a.get(r.InstanceID)
	if err != nil {
		a.t.logger.Warn("report for unknown instance", zap.Int64("instanceId", r.InstanceID), zap.Error(err))
		return
	}
	if tr.inst.Status.Terminal() {
		if r.Status.Terminal() {
			a.recordLate(tr, r)
		}
		return
	}
	if !tr.responsible(r.WorkerAddress) {
		a.t.logger.Info("report from worker not responsible, ignored", zap.Int64("instanceId", r.InstanceID),
			zap.String("endpoint", r.WorkerAddress), zap.String("taskAddress", tr.inst.TaskAddress))
		return
	}
	switch r.Status {
	case proto.Running, proto.Succeed, proto.Failed:
	default:
		a.t.logger.Warn("unexpected reported status", zap.Int64("instanceId", r.InstanceID), zap.Stringer("status", r.Status))
		return
	}
	tr.endpoints[r.WorkerAddress] = r.Status
	now := a.nowMs()

	started := false
	if tr.inst.Status == proto.WaitingWorkerReceive {
		// 终态上报也先进入 RUNNING
		if !a.transit(tr, proto.Running, store.InstancePatch{LastReportTime: &now}, "first report") {
			return
		}
		tr.querying = false
		delete(a.unreceived, tr.inst.ID)
		a.deadlines.Remove(deadline{tr.inst.ID, receiveDeadline})
		a.armExecution(tr)
		started = true
	}
	tr.silentRounds = 0
	if tr.inst.Status != proto.Running {
		return
	}
	switch tr.aggregate() {
	case proto.Succeed:
		result := r.Result
		a.transit(tr, proto.Succeed, store.InstancePatch{CompletedTime: &now, Result: &result, LastReportTime: &now}, "succeeded")
	case proto.Failed:
		var others []string
		for e, s := range tr.endpoints {
			if e != r.WorkerAddress && !s.Terminal() {
				others = append(others, e)
			}
		}
		a.t.stopWorkers(tr.inst.ID, others)
		a.retryOrFail(tr, "worker reported failure: "+r.Result)
	default:
		if started || a.transit(tr, proto.Running, store.InstancePatch{LastReportTime: &now}, "progress") {
			a.armSilence(tr, now)
		}
	}
}

// recordLate keeps the first completion report of a stopped or canceled instance.
func (a *actor) recordLate(tr *tracked, r *proto.StatusReport) {
	if tr.inst.Status != proto.Stopped && tr.inst.Status != proto.Canceled {
		return
	}
	ctx, cancel := a.opCtx()
	defer cancel()
	if _, err := a.t.store.RecordCompletion(ctx, tr.inst.ID, a.nowMs(), r.Result); err != nil {
		a.t.logger.Warn("record late completion failed", zap.Int64("instanceId", tr.inst.ID), zap.Error(err))
	}
}

// retryOrFail sends the instance back to WAITING_DISPATCH while retries
// remain and fails it otherwise.
func (a *actor) retryOrFail(tr *tracked, reason string) {
	now := a.nowMs()
	inst := tr.inst
	if tr.job != nil && inst.RetryTimes < tr.job.InstanceRetryNum {
		wait := a.t.retryDelay(inst.RetryTimes)
		retries := inst.RetryTimes + 1
		empty := ""
		if !a.transit(tr, proto.WaitingDispatch, store.InstancePatch{
			RetryTimes:     &retries,
			TaskAddress:    &empty,
			LastReportTime: &now,
		}, reason) {
			return
		}
		a.t.metrics.InstanceRetried.Inc()
		a.t.logger.Info("instance retried", zap.Int64("instanceId", inst.ID), zap.Int("retryTimes", retries),
			zap.Duration("wait", wait), zap.String("reason", reason))
		a.t.requeue(proto.RescheduleRequest{
			InstanceID: inst.ID,
			AppID:      inst.AppID,
			JobID:      inst.JobID,
			DelayMs:    wait.Milliseconds(),
		})
		return
	}
	result := proto.TruncateResult(reason)
	if a.transit(tr, proto.Failed, store.InstancePatch{CompletedTime: &now, Result: &result, LastReportTime: &now}, reason) {
		a.t.logger.Warn("instance failed", zap.Int64("instanceId", inst.ID), zap.Int("retryTimes", inst.RetryTimes),
			zap.String("reason", reason))
	}
}

// requeueWithoutRetry puts the instance back to WAITING_DISPATCH without
// consuming a retry.
func (a *actor) requeueWithoutRetry(tr *tracked, reason string) {
	now := a.nowMs()
	empty := ""
	if !a.transit(tr, proto.WaitingDispatch, store.InstancePatch{TaskAddress: &empty, LastReportTime: &now}, reason) {
		return
	}
	a.t.requeue(proto.RescheduleRequest{InstanceID: tr.inst.ID, AppID: tr.inst.AppID, JobID: tr.inst.JobID})
}

func (a *actor) stop(id int64) error {
	tr, err := a.get(id)
	if err != nil {
		return err
	}
	if tr.inst.Status != proto.Running {
		return fmt.Errorf("%w: instance %d is %s", ErrIllegalTransition, id, tr.inst.Status)
	}
	workers := tr.inst.Workers()
	if !a.transit(tr, proto.Stopped, store.InstancePatch{}, "stop requested") {
		return fmt.Errorf("%w: instance %d not stopped", ErrIllegalTransition, id)
	}
	a.t.stopWorkers(id, workers)
	return nil
}

func (a *actor) cancelInstance(id int64) error {
	tr, err := a.get(id)
	if err != nil {
		return err
	}
	if tr.inst.Status.Terminal() {
		return fmt.Errorf("%w: instance %d is %s", ErrIllegalTransition, id, tr.inst.Status)
	}
	workers := tr.inst.Workers()
	if !a.transit(tr, proto.Canceled, store.InstancePatch{}, "cancel requested") {
		return fmt.Errorf("%w: instance %d not canceled", ErrIllegalTransition, id)
	}
	a.t.stopWorkers(id, workers)
	return nil
}

// violation forces FAILED with a diagnostic result.
func (a *actor) violation(id int64, reason string) error {
	tr, err := a.get(id)
	if err != nil {
		return err
	}
	if tr.inst.Status.Terminal() {
		return nil
	}
	a.t.metrics.InvariantViolations.Inc()
	now := a.nowMs()
	result := proto.TruncateResult("invariant violation: " + reason)
	if !a.transit(tr, proto.Failed, store.InstancePatch{CompletedTime: &now, Result: &result, LastReportTime: &now}, reason) {
		return fmt.Errorf("%w: instance %d not failed", ErrIllegalTransition, id)
	}
	return nil
}

// expire handles every deadline that has passed.
func (a *actor) expire() {
	for _, d := range a.deadlines.PopDue(a.t.now()) {
		tr, ok := a.tracked[d.id]
		if !ok {
			continue
		}
		switch d.kind {
		case receiveDeadline:
			a.receiveExpired(tr)
		case executionDeadline:
			a.executionExpired(tr)
		case silenceDeadline:
			a.silenceExpired(tr)
		}
	}
}

func (a *actor) executionExpired(tr *tracked) {
	if tr.inst.Status != proto.Running {
		return
	}
	a.t.logger.Warn("instance exceeded its time limit", zap.Int64("instanceId", tr.inst.ID),
		zap.Int64("instanceTimeLimit", tr.job.InstanceTimeLimit))
	a.t.stopWorkers(tr.inst.ID, tr.inst.Workers())
	a.retryOrFail(tr, "instance timeout")
}

func (a *actor) post(fn func()) bool {
	select {
	case a.mailbox <- fn:
		return true
	case <-a.done:
		return false
	}
}
