package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"neptune/eventcenter"
	"neptune/proto"
	"neptune/rpc"
	"neptune/store"
)

// adopt starts watching an instance that is already on its workers.
func (a *actor) adopt(tr *tracked) {
	if _, ok := a.tracked[tr.inst.ID]; ok {
		return
	}
	for _, e := range tr.inst.Workers() {
		a.t.workers.AddInflight(e, 1)
	}
	a.watch(tr)
}

type queryResult struct {
	endpoint string
	reply    *proto.InstanceStatusReply
	err      error
}

// receiveExpired asks the workers whether they got the instance. The answer
// comes back through the mailbox.
func (a *actor) receiveExpired(tr *tracked) {
	if tr.inst.Status != proto.WaitingWorkerReceive || tr.querying {
		return
	}
	tr.querying = true
	id := tr.inst.ID
	endpoints := tr.inst.Workers()
	go func() {
		results := a.t.queryStatus(id, endpoints)
		a.post(func() { a.onQuery(id, results) })
	}()
}

func (t *Tracker) queryStatus(instanceID int64, endpoints []string) []queryResult {
	results := make([]queryResult, len(endpoints))
	var wg sync.WaitGroup
	for i, endpoint := range endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i].endpoint = endpoint
			if t.conns == nil {
				results[i].err = rpc.ErrTransport
				return
			}
			gw, err := t.conns.ConnectWorker(endpoint)
			if err != nil {
				results[i].err = fmt.Errorf("%w: %v", rpc.ErrTransport, err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), t.opts.RPCDeadline)
			defer cancel()
			results[i].reply, results[i].err = gw.QueryInstanceStatus(ctx, instanceID).Get(ctx)
		}()
	}
	wg.Wait()
	return results
}

func (a *actor) onQuery(id int64, results []queryResult) {
	tr, ok := a.tracked[id]
	if !ok {
		return
	}
	tr.querying = false
	if tr.inst.Status != proto.WaitingWorkerReceive {
		return
	}
	var known []*proto.StatusReport
	unreachable := false
	for _, r := range results {
		switch {
		case r.err != nil:
			a.t.logger.Warn("status query failed", zap.Int64("instanceId", id), zap.String("endpoint", r.endpoint), zap.Error(r.err))
			if rpc.IsTransportFailure(r.err) {
				unreachable = true
				a.t.workers.ReportFailure(r.endpoint, a.t.opts.FailureThreshold)
			}
		case r.reply.Known:
			known = append(known, &proto.StatusReport{
				InstanceID:    id,
				JobID:         tr.inst.JobID,
				WorkerAddress: r.endpoint,
				Status:        r.reply.Status,
				Result:        r.reply.Result,
				ReportTime:    a.nowMs(),
			})
		}
	}
	if len(known) > 0 {
		for _, r := range known {
			a.report(r)
		}
		return
	}
	if unreachable {
		delete(a.unreceived, id)
		a.retryOrFail(tr, "worker unreachable before receiving the instance")
		return
	}
	// 连续多次找不到实例时按失败处理, 消耗一次重试
	n := a.unreceived[id] + 1
	if n > a.t.opts.FailureThreshold {
		delete(a.unreceived, id)
		a.retryOrFail(tr, fmt.Sprintf("instance not received by workers after %d dispatches", n))
		return
	}
	a.unreceived[id] = n
	a.t.logger.Info("workers never received the instance, dispatching again", zap.Int64("instanceId", id),
		zap.Int("rounds", n))
	a.requeueWithoutRetry(tr, "instance unknown to workers")
}

// silenceExpired asks the workers of a RUNNING instance that stopped
// reporting whether they still run it.
func (a *actor) silenceExpired(tr *tracked) {
	if tr.inst.Status != proto.Running || tr.querying {
		return
	}
	var endpoints []string
	for e, s := range tr.endpoints {
		if !s.Terminal() {
			endpoints = append(endpoints, e)
		}
	}
	tr.querying = true
	id, since := tr.inst.ID, tr.inst.LastReportTime
	a.t.logger.Warn("running instance stopped reporting", zap.Int64("instanceId", id),
		zap.Int64("lastReportTime", since))
	go func() {
		results := a.t.queryStatus(id, endpoints)
		a.post(func() { a.onSilenceQuery(id, since, results) })
	}()
}

// onSilenceQuery fails the instance over when a worker is gone or no longer
// knows it, and applies live answers as reports.
func (a *actor) onSilenceQuery(id, since int64, results []queryResult) {
	tr, ok := a.tracked[id]
	if !ok {
		return
	}
	tr.querying = false
	// a report arrived while querying
	if tr.inst.Status != proto.Running || tr.inst.LastReportTime != since {
		return
	}
	lost := ""
	var known []*proto.StatusReport
	for _, r := range results {
		switch {
		case r.err != nil:
			a.t.logger.Warn("status query failed", zap.Int64("instanceId", id), zap.String("endpoint", r.endpoint), zap.Error(r.err))
			if rpc.IsTransportFailure(r.err) {
				a.t.workers.ReportFailure(r.endpoint, a.t.opts.FailureThreshold)
				if lost == "" {
					lost = r.endpoint
				}
			}
		case r.reply.Known:
			known = append(known, &proto.StatusReport{
				InstanceID:    id,
				JobID:         tr.inst.JobID,
				WorkerAddress: r.endpoint,
				Status:        r.reply.Status,
				Result:        r.reply.Result,
				ReportTime:    a.nowMs(),
			})
		default:
			if lost == "" {
				lost = r.endpoint
			}
		}
	}
	if lost != "" {
		a.lose(tr, lost)
		return
	}
	if len(known) > 0 {
		for _, r := range known {
			a.report(r)
		}
		if tr.inst.Status == proto.Running && !a.deadlines.Contains(deadline{id, silenceDeadline}) {
			a.armSilence(tr, a.nowMs())
		}
		return
	}
	tr.silentRounds++
	if tr.silentRounds > a.t.opts.FailureThreshold {
		a.lose(tr, "")
		return
	}
	a.armSilence(tr, a.nowMs())
}

// onWorkerLost fails over every instance the lost endpoint was running.
func (t *Tracker) onWorkerLost(event *eventcenter.Event) {
	lost, ok := event.Body.(proto.WorkerLost)
	if !ok {
		return
	}
	t.logger.Info("worker lost", zap.String("endpoint", lost.Endpoint))
	for _, a := range t.actors {
		a.post(func() { a.workerLost(lost.Endpoint) })
	}
}

func (a *actor) workerLost(endpoint string) {
	var hit []*tracked
	for _, tr := range a.tracked {
		if s, ok := tr.endpoints[endpoint]; ok && !s.Terminal() {
			hit = append(hit, tr)
		}
	}
	for _, tr := range hit {
		a.lose(tr, endpoint)
	}
}

func (a *actor) lose(tr *tracked, endpoint string) {
	var others []string
	for e, s := range tr.endpoints {
		if e != endpoint && !s.Terminal() {
			others = append(others, e)
		}
	}
	a.t.stopWorkers(tr.inst.ID, others)
	a.retryOrFail(tr, "worker lost: "+endpoint)
}

// Recover takes back the non-terminal instances recorded for serverID and
// returns how many it found.
func (t *Tracker) Recover(ctx context.Context, serverID int64) (int, error) {
	var instances []*proto.InstanceInfo
	err := store.Retry(ctx, 3, 100*time.Millisecond, func(ctx context.Context) error {
		var err error
		instances, err = t.store.FindNonTerminalByServer(ctx, serverID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("load instances of server %d: %w", serverID, err)
	}
	var errs []error
	for _, inst := range instances {
		if inst.Status == proto.WaitingDispatch {
			t.requeue(proto.RescheduleRequest{InstanceID: inst.ID, AppID: inst.AppID, JobID: inst.JobID})
			continue
		}
		a := t.actorFor(inst.ID)
		if err := a.call(ctx, func() error { return a.recover(inst) }); err != nil {
			errs = append(errs, err)
		}
	}
	t.logger.Info("instances recovered", zap.Int64("serverId", serverID), zap.Int("count", len(instances)))
	return len(instances), errors.Join(errs...)
}

func (a *actor) recover(inst *proto.InstanceInfo) error {
	if _, ok := a.tracked[inst.ID]; ok {
		return nil
	}
	ctx, cancel := a.opCtx()
	defer cancel()
	job, err := a.t.store.FindJob(ctx, inst.JobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	tr := newTracked(inst, job)
	a.adopt(tr)
	if a.nowMs()-inst.LastReportTime > 2*a.t.opts.ReceiveDeadline.Milliseconds() {
		a.t.logger.Warn("instance silent since before recovery", zap.Int64("instanceId", inst.ID),
			zap.Int64("lastReportTime", inst.LastReportTime))
		a.lose(tr, "")
	}
	return nil
}
