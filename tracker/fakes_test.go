package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"neptune/eventcenter"
	"neptune/proto"
	"neptune/rpc"
	"neptune/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type published struct {
	topic string
	body  any
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(topic string, event *eventcenter.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{topic: topic, body: event.Body})
	return true
}

func (r *recorder) bodies(topic string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.topic == topic {
			out = append(out, e.body)
		}
	}
	return out
}

type fakeRegistry struct {
	mu       sync.Mutex
	failures map[string]int
	inflight map[string]int
}

func (r *fakeRegistry) ReportFailure(endpoint string, threshold int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[endpoint]++
	return r.failures[endpoint] >= threshold
}

func (r *fakeRegistry) AddInflight(endpoint string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight[endpoint] += delta
}

func (r *fakeRegistry) failed(endpoint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[endpoint]
}

func (r *fakeRegistry) running(endpoint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[endpoint]
}

var errUnreachable = errors.New("connection refused")

// fakeWorkers answers queryInstanceStatus and records stop calls.
type fakeWorkers struct {
	mu      sync.Mutex
	replies map[string]*proto.InstanceStatusReply
	down    map[string]bool
	broken  map[string]bool
	stops   map[string][]int64
}

func (w *fakeWorkers) answer(endpoint string, reply *proto.InstanceStatusReply) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replies[endpoint] = reply
}

func (w *fakeWorkers) kill(endpoint string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.down[endpoint] = true
}

// breakQueries makes endpoint answer queries with an application error.
func (w *fakeWorkers) breakQueries(endpoint string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broken[endpoint] = true
}

func (w *fakeWorkers) stopped(endpoint string) []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int64(nil), w.stops[endpoint]...)
}

func (w *fakeWorkers) ConnectWorker(address string) (rpc.WorkerGateway, error) {
	return &fakeGateway{address: address, w: w}, nil
}

type fakeGateway struct {
	address string
	w       *fakeWorkers
}

func (g *fakeGateway) Address() string { return g.address }

func (g *fakeGateway) SubmitInstance(context.Context, *proto.InstanceDispatch) *rpc.Future[*proto.Ack] {
	return rpc.Resolved(&proto.Ack{Accepted: true}, nil)
}

func (g *fakeGateway) StopInstance(_ context.Context, id int64) *rpc.Future[*proto.Ack] {
	g.w.mu.Lock()
	defer g.w.mu.Unlock()
	g.w.stops[g.address] = append(g.w.stops[g.address], id)
	return rpc.Resolved(&proto.Ack{Accepted: true}, nil)
}

func (g *fakeGateway) QueryInstanceStatus(_ context.Context, id int64) *rpc.Future[*proto.InstanceStatusReply] {
	g.w.mu.Lock()
	defer g.w.mu.Unlock()
	if g.w.down[g.address] {
		return rpc.Resolved[*proto.InstanceStatusReply](nil, errors.Join(rpc.ErrTransport, errUnreachable))
	}
	if g.w.broken[g.address] {
		return rpc.Resolved[*proto.InstanceStatusReply](nil, rpc.ErrRemote)
	}
	if r, ok := g.w.replies[g.address]; ok {
		c := *r
		c.InstanceID = id
		return rpc.Resolved(&c, nil)
	}
	return rpc.Resolved(&proto.InstanceStatusReply{InstanceID: id}, nil)
}

const serverID = 7

type fixture struct {
	ctx     context.Context
	st      *store.MemoryStore
	reg     *fakeRegistry
	workers *fakeWorkers
	events  *recorder
	clock   *clock
	tk      *Tracker
	nextID  int64
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		ctx:     context.Background(),
		st:      store.NewMemoryStore(),
		reg:     &fakeRegistry{failures: map[string]int{}, inflight: map[string]int{}},
		workers: &fakeWorkers{replies: map[string]*proto.InstanceStatusReply{}, down: map[string]bool{}, broken: map[string]bool{}, stops: map[string][]int64{}},
		events:  &recorder{},
		clock:   &clock{t: time.UnixMilli(1_700_000_000_000)},
		nextID:  100,
	}
	f.tk = New(Options{
		Actors:           2,
		ReceiveDeadline:  30 * time.Second,
		RPCDeadline:      200 * time.Millisecond,
		RetryBase:        5 * time.Second,
		RetryCap:         5 * time.Minute,
		FailureThreshold: 3,
	}, f.st, f.reg, f.workers, f.events, nil, nil)
	f.tk.now = f.clock.now
	ctx, cancel := context.WithCancel(context.Background())
	f.tk.Start(ctx)
	t.Cleanup(func() {
		cancel()
		f.tk.Stop()
	})
	return f
}

func (f *fixture) job(t *testing.T, mutate func(*proto.Job)) *proto.Job {
	f.nextID++
	job := &proto.Job{
		ID:                 f.nextID,
		AppID:              1,
		Name:               "report",
		TimeExpressionType: proto.FixedRate,
		TimeExpression:     "60000",
		ExecuteType:        proto.Standalone,
		Status:             proto.JobEnabled,
		NotifyUserIDs:      []string{"ops"},
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, f.st.SaveJob(f.ctx, job))
	return job
}

func (f *fixture) instance(t *testing.T, job *proto.Job, mutate func(*proto.InstanceInfo)) *proto.InstanceInfo {
	f.nextID++
	now := f.clock.now().UnixMilli()
	inst := &proto.InstanceInfo{
		ID:             f.nextID,
		AppID:          job.AppID,
		JobID:          job.ID,
		TriggerTime:    now,
		LastReportTime: now,
		Status:         proto.WaitingDispatch,
		Type:           proto.InstanceNormal,
		ServerID:       serverID,
	}
	if mutate != nil {
		mutate(inst)
	}
	require.NoError(t, f.st.InsertInstance(f.ctx, inst))
	return inst
}

func (f *fixture) load(t *testing.T, id int64) *proto.InstanceInfo {
	inst, err := f.st.FindInstance(f.ctx, id)
	require.NoError(t, err)
	return inst
}

// flush waits until every actor has handled what is already in its mailbox.
func (f *fixture) flush(t *testing.T) {
	for _, a := range f.tk.actors {
		require.NoError(t, a.call(f.ctx, func() error { return nil }))
	}
}

// expire runs the deadline check on every actor at the current fake time.
func (f *fixture) expire(t *testing.T) {
	for _, a := range f.tk.actors {
		require.NoError(t, a.call(f.ctx, func() error {
			a.expire()
			return nil
		}))
	}
}

func (f *fixture) report(t *testing.T, id int64, endpoint string, status proto.InstanceStatus, result string) {
	require.NoError(t, f.tk.Report(f.ctx, &proto.StatusReport{
		InstanceID:    id,
		WorkerAddress: endpoint,
		Status:        status,
		Result:        result,
	}))
	f.flush(t)
}

func (f *fixture) rescheduled(t *testing.T) proto.RescheduleRequest {
	select {
	case r := <-f.tk.Reschedule():
		return r
	case <-time.After(time.Second):
		require.FailNow(t, "no reschedule request")
	}
	return proto.RescheduleRequest{}
}
