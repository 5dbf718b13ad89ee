package jobcenter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"neptune/proto"
	"neptune/rpc"
	"neptune/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.UnixMilli(1_700_000_000_000)}
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

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) GenerateID() (int64, error) { return s.n.Add(1) + 1000, nil }

type queueRecorder struct {
	mu   sync.Mutex
	reqs []proto.DispatchRequest
}

func (q *queueRecorder) Enqueue(req proto.DispatchRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
}

func (q *queueRecorder) all() []proto.DispatchRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]proto.DispatchRequest(nil), q.reqs...)
}

type storeCounter struct{ st store.Store }

func (c storeCounter) CountLive(ctx context.Context, jobID int64) (int64, error) {
	return c.st.CountLiveForJob(ctx, jobID)
}

// fakeOwner applies the dispatch transitions directly on the store.
type fakeOwner struct {
	st *store.MemoryStore

	mu         sync.Mutex
	dispatched map[int64][]string
	misses     map[int64]int
	failed     map[int64]string
	refuse     bool
}

func newFakeOwner(st *store.MemoryStore) *fakeOwner {
	return &fakeOwner{
		st:         st,
		dispatched: make(map[int64][]string),
		misses:     make(map[int64]int),
		failed:     make(map[int64]string),
	}
}

func (o *fakeOwner) OnDispatched(ctx context.Context, id int64, endpoints []string) error {
	if o.refuse {
		return errors.New("instance canceled")
	}
	addr := proto.JoinAddress(endpoints)
	now := time.Now().UnixMilli()
	ok, err := o.st.CasStatus(ctx, id, proto.WaitingDispatch, proto.WaitingWorkerReceive,
		store.InstancePatch{TaskAddress: &addr, ExecuteTime: &now})
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("not waiting for dispatch")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatched[id] = endpoints
	return nil
}

func (o *fakeOwner) NoteDispatchMiss(_ context.Context, id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.misses[id]++
	return nil
}

func (o *fakeOwner) Fail(ctx context.Context, id int64, reason string) error {
	inst, err := o.st.FindInstance(ctx, id)
	if err != nil {
		return err
	}
	if _, err := o.st.CasStatus(ctx, id, inst.Status, proto.Failed, store.InstancePatch{Result: &reason}); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[id] = reason
	return nil
}

func (o *fakeOwner) endpoints(id int64) ([]string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.dispatched[id]
	return e, ok
}

// fakeNet answers worker calls in process.
type fakeNet struct {
	mu      sync.Mutex
	submit  map[string]func(*proto.InstanceDispatch) (*proto.Ack, error)
	submits map[string][]int64
	stops   map[string][]int64
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		submit:  make(map[string]func(*proto.InstanceDispatch) (*proto.Ack, error)),
		submits: make(map[string][]int64),
		stops:   make(map[string][]int64),
	}
}

func (n *fakeNet) on(endpoint string, fn func(*proto.InstanceDispatch) (*proto.Ack, error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submit[endpoint] = fn
}

func (n *fakeNet) submitted(endpoint string) []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64(nil), n.submits[endpoint]...)
}

func (n *fakeNet) stopped(endpoint string) []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64(nil), n.stops[endpoint]...)
}

func (n *fakeNet) ConnectWorker(address string) (rpc.WorkerGateway, error) {
	return &fakeGateway{address: address, net: n}, nil
}

type fakeGateway struct {
	address string
	net     *fakeNet
}

func (g *fakeGateway) Address() string { return g.address }

func (g *fakeGateway) SubmitInstance(_ context.Context, req *proto.InstanceDispatch) *rpc.Future[*proto.Ack] {
	g.net.mu.Lock()
	g.net.submits[g.address] = append(g.net.submits[g.address], req.InstanceID)
	fn := g.net.submit[g.address]
	g.net.mu.Unlock()
	if fn == nil {
		return rpc.Resolved(&proto.Ack{Accepted: true}, nil)
	}
	ack, err := fn(req)
	return rpc.Resolved(ack, err)
}

func (g *fakeGateway) StopInstance(_ context.Context, id int64) *rpc.Future[*proto.Ack] {
	g.net.mu.Lock()
	g.net.stops[g.address] = append(g.net.stops[g.address], id)
	g.net.mu.Unlock()
	return rpc.Resolved(&proto.Ack{Accepted: true}, nil)
}

func (g *fakeGateway) QueryInstanceStatus(_ context.Context, id int64) *rpc.Future[*proto.InstanceStatusReply] {
	return rpc.Resolved(&proto.InstanceStatusReply{InstanceID: id}, nil)
}
