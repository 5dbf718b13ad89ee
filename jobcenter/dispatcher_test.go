package jobcenter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neptune/config"
	"neptune/proto"
	"neptune/registry"
	"neptune/rpc"
	"neptune/store"
)

type dispatchFixture struct {
	st       *store.MemoryStore
	owner    *fakeOwner
	net      *fakeNet
	registry *registry.Registry
	d        *Dispatcher
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		st:       store.NewMemoryStore(),
		net:      newFakeNet(),
		registry: registry.New(time.Minute, nil, nil, nil),
	}
	f.owner = newFakeOwner(f.st)
	cfg := config.Dispatch{
		RPCDeadlineMs:          200,
		WorkerFailureThreshold: 1,
		Concurrency:            4,
		DrainTimeoutMs:         1000,
		BackoffBaseMs:          500,
		BackoffCapMs:           30000,
	}
	f.d = NewDispatcher(cfg, "127.0.0.1:7700", f.st, f.registry, f.owner, f.net, nil, nil)
	return f
}

func (f *dispatchFixture) heartbeat(appID int64, endpoint string, cpu float64) {
	f.registry.OnHeartbeat(&proto.WorkerHeartbeat{AppID: appID, WorkerAddress: endpoint, CPUFree: cpu, MemFree: 1, DiskFree: 1})
}

func (f *dispatchFixture) seed(t *testing.T, job *proto.Job, instanceID int64) proto.DispatchRequest {
	t.Helper()
	ctx := context.Background()
	if job.ID == 0 {
		job.ID = 1
	}
	require.NoError(t, f.st.SaveJob(ctx, job))
	require.NoError(t, f.st.InsertInstance(ctx, &proto.InstanceInfo{
		ID:     instanceID,
		AppID:  job.AppID,
		JobID:  job.ID,
		Status: proto.WaitingDispatch,
	}))
	return proto.DispatchRequest{InstanceID: instanceID, AppID: job.AppID, JobID: job.ID, NotBefore: time.Now().UnixMilli()}
}

func (f *dispatchFixture) instance(t *testing.T, id int64) *proto.InstanceInfo {
	t.Helper()
	inst, err := f.st.FindInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func standalone(appID int64) *proto.Job {
	return &proto.Job{AppID: appID, Name: "j", ExecuteType: proto.Standalone, Status: proto.JobEnabled}
}

func TestDispatchStandalone(t *testing.T) {
	f := newDispatchFixture(t)
	f.heartbeat(1, "w1", 1)
	f.heartbeat(1, "w2", 4)
	req := f.seed(t, standalone(1), 10)

	f.d.dispatch(context.Background(), req)

	endpoints, ok := f.owner.endpoints(10)
	require.True(t, ok)
	assert.Equal(t, []string{"w2"}, endpoints)
	inst := f.instance(t, 10)
	assert.Equal(t, proto.WaitingWorkerReceive, inst.Status)
	assert.Equal(t, "w2", inst.TaskAddress)
	assert.Equal(t, []int64{10}, f.net.submitted("w2"))
	assert.Empty(t, f.net.submitted("w1"))

	ws := f.registry.Snapshot(1)
	assert.Equal(t, 1, ws[1].Inflight)
}

func TestDispatchIsIdempotent(t *testing.T) {
	f := newDispatchFixture(t)
	f.heartbeat(1, "w1", 1)
	req := f.seed(t, standalone(1), 10)

	f.d.dispatch(context.Background(), req)
	f.d.dispatch(context.Background(), req)

	assert.Equal(t, []int64{10}, f.net.submitted("w1"), "a dispatched instance is not submitted twice")
	assert.False(t, f.d.Queued(10))
}

func TestDispatchReselectsAfterTransportFailure(t *testing.T) {
	f := newDispatchFixture(t)
	f.heartbeat(1, "w1", 8)
	f.heartbeat(1, "w2", 1)
	f.net.on("w1", func(*proto.InstanceDispatch) (*proto.Ack, error) {
		return nil, rpc.ErrTransport
	})
	req := f.seed(t, standalone(1), 10)

	f.d.dispatch(context.Background(), req)

	endpoints, ok := f.owner.endpoints(10)
	require.True(t, ok)
	assert.Equal(t, []string{"w2"}, endpoints)
	assert.Zero(t, f.instance(t, 10).RetryTimes, "transport failures do not consume retries")
	for _, w := range f.registry.Snapshot(1) {
		assert.NotEqual(t, "w1", w.Endpoint, "w1 evicted at the failure threshold")
	}
}

func TestDispatchWithoutWorkerBacksOff(t *testing.T) {
	f := newDispatchFixture(t)
	f.heartbeat(1, "w1", 1)
	job := standalone(1)
	job.DesignatedWorkers = []string{"w9"}
	req := f.seed(t, job, 10)

	f.d.dispatch(context.Background(), req)

	assert.True(t, f.d.Queued(10))
	f.owner.mu.Lock()
	assert.Equal(t, 1, f.owner.misses[10])
	f.owner.mu.Unlock()
	assert.Equal(t, proto.WaitingDispatch, f.instance(t, 10).Status)
	assert.Empty(t, f.net.submitted("w1"))

	at, ok := f.d.queue.Peek()
	require.True(t, ok)
	assert.InDelta(t, 500, time.Until(at).Milliseconds(), 100)
}

func TestBackoff(t *testing.T) {
	base, limit := 500*time.Millisecond, 30*time.Second
	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for k, w := range want {
		assert.Equal(t, w, backoff(k, base, limit), "k=%d", k)
	}
	assert.Equal(t, limit, backoff(1000, base, limit))
}

func TestDispatchRejectedCountsAsMiss(t *testing.T) {
	f := newDispatchFixture(t)
	f.heartbeat(1, "w1", 1)
	f.net.on("w1", func(*proto.InstanceDispatch) (*proto.Ack, error) {
		return &proto.Ack{Accepted: false, Message: "busy"}, nil
	})
	req := f.seed(t, standalone(1), 10)

	f.d.dispatch(context.Background(), req)

	assert.True(t, f.d.Queued(10))
	assert.Len(t, f.registry.Snapshot(1), 1, "a rejection is not a transport failure")
}

func TestDispatchBroadcast(t *testing.T) {
	f := newDispatchFixture(t)
	for _, w := range []string{"w1", "w2", "w3"} {
		f.heartbeat(1, w, 1)
	}
	f.net.on("w2", func(*proto.InstanceDispatch) (*proto.Ack, error) {
		return &proto.Ack{Accepted: false}, nil
	})
	var seen []string
	f.net.on("w3", func(d *proto.InstanceDispatch) (*proto.Ack, error) {
		seen = d.AllWorkerAddress
		return &proto.Ack{Accepted: true}, nil
	})
	job := standalone(1)
	job.ExecuteType = proto.Broadcast
	req := f.seed(t, job, 10)

	f.d.dispatch(context.Background(), req)

	endpoints, ok := f.owner.endpoints(10)
	require.True(t, ok)
	assert.Equal(t, []string{"w1", "w3"}, endpoints)
	assert.Equal(t, "w1,w3", f.instance(t, 10).TaskAddress)
	assert.Equal(t, []string{"w1", "w2", "w3"}, seen)
	for _, w := range []string{"w1", "w2", "w3"} {
		assert.Equal(t, []int64{10}, f.net.submitted(w), "same instance id on %s", w)
	}
}

func TestDispatchOrphanInstanceFails(t *testing.T) {
	f := newDispatchFixture(t)
	f.heartbeat(1, "w1", 1)
	req := f.seed(t, standalone(1), 10)
	require.NoError(t, f.st.DeleteJob(context.Background(), 1))

	f.d.dispatch(context.Background(), req)

	assert.Equal(t, proto.Failed, f.instance(t, 10).Status)
	assert.Empty(t, f.net.submitted("w1"))
}

func TestDispatchStaleHandOverStopsWorker(t *testing.T) {
	f := newDispatchFixture(t)
	f.heartbeat(1, "w1", 1)
	f.owner.refuse = true
	req := f.seed(t, standalone(1), 10)

	f.d.dispatch(context.Background(), req)

	assert.Equal(t, []int64{10}, f.net.stopped("w1"))
	assert.False(t, f.d.Queued(10))
}

func TestDispatchStoreOutageRequeues(t *testing.T) {
	f := newDispatchFixture(t)
	f.heartbeat(1, "w1", 1)
	req := f.seed(t, standalone(1), 10)
	f.st.FailNext(errors.New("connection reset"))

	f.d.dispatch(context.Background(), req)

	assert.True(t, f.d.Queued(10))
	f.owner.mu.Lock()
	assert.Zero(t, f.owner.misses[10], "a store failure is not a worker miss")
	f.owner.mu.Unlock()
}

func TestPull(t *testing.T) {
	f := newDispatchFixture(t)
	f.heartbeat(1, "w1", 1)
	f.d.Enqueue(f.seed(t, standalone(1), 10))
	f.d.Enqueue(proto.DispatchRequest{InstanceID: 11, AppID: 2, JobID: 5, NotBefore: time.Now().UnixMilli()})
	future := f.seed(t, &proto.Job{ID: 3, AppID: 1, Name: "later", ExecuteType: proto.Standalone}, 12)
	future.NotBefore = time.Now().Add(time.Hour).UnixMilli()
	f.d.Enqueue(future)

	resp, err := f.d.Pull(context.Background(), &proto.WorkRequest{AppID: 1, WorkerAddress: "w1", Max: 5})
	require.NoError(t, err)
	require.Len(t, resp.Dispatches, 1)
	assert.Equal(t, int64(10), resp.Dispatches[0].InstanceID)
	assert.Equal(t, "127.0.0.1:7700", resp.Dispatches[0].ServerAddress)
	assert.Equal(t, proto.WaitingWorkerReceive, f.instance(t, 10).Status)
	assert.True(t, f.d.Queued(11), "other apps stay queued")
	assert.True(t, f.d.Queued(12), "not yet due")

	resp, err = f.d.Pull(context.Background(), &proto.WorkRequest{AppID: 1, WorkerAddress: "stranger", Max: 5})
	require.NoError(t, err)
	assert.Empty(t, resp.Dispatches)
}

func TestRunDrainAndReschedule(t *testing.T) {
	f := newDispatchFixture(t)
	f.heartbeat(1, "w1", 1)
	reschedule := make(chan proto.RescheduleRequest, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.d.Run(ctx, reschedule)
		close(done)
	}()

	f.d.Enqueue(f.seed(t, standalone(1), 10))
	assert.Eventually(t, func() bool {
		_, ok := f.owner.endpoints(10)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	reschedule <- proto.RescheduleRequest{InstanceID: 20, AppID: 1, JobID: 1, DelayMs: time.Hour.Milliseconds()}
	assert.Eventually(t, func() bool { return f.d.Queued(20) }, 2*time.Second, 10*time.Millisecond)

	ids := f.d.Drain(context.Background())
	assert.Equal(t, []int64{20}, ids)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after drain")
	}
}
