package jobcenter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neptune/config"
	"neptune/eventcenter"
	"neptune/proto"
	"neptune/store"
)

type schedulerFixture struct {
	st    *store.MemoryStore
	clock *clock
	queue *queueRecorder
	s     *Scheduler
}

func newSchedulerFixture(t *testing.T, opts ...Option) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		st:    store.NewMemoryStore(),
		clock: newClock(),
		queue: &queueRecorder{},
	}
	cfg := config.Scheduler{TickMs: 100, SlackMs: 0, BatchSize: 10, MissThresholdMs: 60000, Shards: 1}
	opts = append([]Option{WithClock(f.clock.now)}, opts...)
	f.s = NewScheduler(cfg, 7, f.st, storeCounter{f.st}, f.queue, &seqIDs{}, nil, nil, opts...)
	return f
}

func (f *schedulerFixture) nowMs() int64 { return f.clock.now().UnixMilli() }

func (f *schedulerFixture) save(t *testing.T, job *proto.Job) *proto.Job {
	t.Helper()
	saved, err := f.s.SaveJob(context.Background(), job)
	require.NoError(t, err)
	return saved
}

func (f *schedulerFixture) instances(t *testing.T, jobID int64) []*proto.InstanceInfo {
	t.Helper()
	list, err := f.st.FindInstances(context.Background(), store.InstanceQuery{JobID: jobID})
	require.NoError(t, err)
	return list
}

func (f *schedulerFixture) job(t *testing.T, id int64) *proto.Job {
	t.Helper()
	job, err := f.st.FindJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func fixedRate(period string) *proto.Job {
	return &proto.Job{
		AppID:              1,
		Name:               "report",
		ExecuteType:        proto.Standalone,
		TimeExpressionType: proto.FixedRate,
		TimeExpression:     period,
	}
}

func TestSaveJob(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	job := f.save(t, fixedRate("1000"))
	assert.NotZero(t, job.ID)
	assert.Equal(t, proto.JobEnabled, job.Status)
	assert.Equal(t, f.nowMs()+1000, job.NextTriggerTime)
	assert.Equal(t, f.nowMs(), job.GmtCreate)

	stored := f.job(t, job.ID)
	assert.Equal(t, job.NextTriggerTime, stored.NextTriggerTime)

	// an update keeps id and creation time
	f.clock.advance(time.Minute)
	job.Description = "changed"
	updated := f.save(t, job)
	assert.Equal(t, job.ID, updated.ID)
	assert.Equal(t, job.GmtCreate, updated.GmtCreate)
	assert.Equal(t, f.nowMs()+1000, updated.NextTriggerTime)

	cases := map[string]*proto.Job{
		"no app":        {Name: "x", ExecuteType: proto.Standalone, TimeExpressionType: proto.FixedRate, TimeExpression: "10"},
		"no name":       {AppID: 1, ExecuteType: proto.Standalone, TimeExpressionType: proto.FixedRate, TimeExpression: "10"},
		"bad cron":      {AppID: 1, Name: "x", ExecuteType: proto.Standalone, TimeExpressionType: proto.Cron, TimeExpression: "nope"},
		"bad exec type": {AppID: 1, Name: "x", ExecuteType: 42, TimeExpressionType: proto.FixedRate, TimeExpression: "10"},
		"past once":     {AppID: 1, Name: "x", ExecuteType: proto.Standalone, TimeExpressionType: proto.Once, TimeExpression: "1000"},
	}
	for name, bad := range cases {
		_, err := f.s.SaveJob(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidJob, name)
	}

	wf := f.save(t, &proto.Job{AppID: 1, Name: "wf", ExecuteType: proto.Standalone, TimeExpressionType: proto.Workflow})
	assert.Zero(t, wf.NextTriggerTime)
}

func TestTickFixedRate(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	job := f.save(t, fixedRate("1000"))

	// nothing due yet
	assert.False(t, f.s.tick(ctx, store.Shard{}))
	assert.Empty(t, f.instances(t, job.ID))

	var triggers []int64
	for i := 0; i < 3; i++ {
		f.clock.advance(time.Second)
		f.s.tick(ctx, store.Shard{})
		list := f.instances(t, job.ID)
		require.Len(t, list, i+1)
		last := list[len(list)-1]
		triggers = append(triggers, last.TriggerTime)
		assert.Equal(t, proto.WaitingDispatch, last.Status)
		assert.Equal(t, proto.InstanceNormal, last.Type)
		assert.Equal(t, int64(7), last.ServerID)
		assert.Zero(t, last.RetryTimes)
	}
	for i := 1; i < len(triggers); i++ {
		assert.Equal(t, int64(1000), triggers[i]-triggers[i-1], "fixed rate does not drift")
	}
	assert.Equal(t, triggers[2]+1000, f.job(t, job.ID).NextTriggerTime)

	reqs := f.queue.all()
	require.Len(t, reqs, 3)
	for i, r := range reqs {
		assert.Equal(t, triggers[i], r.NotBefore)
		assert.Equal(t, job.ID, r.JobID)
	}
}

func TestTickCatchesUpShortPeriods(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	job := f.save(t, fixedRate("20"))

	f.clock.advance(20 * time.Millisecond)
	f.s.tick(ctx, store.Shard{})

	// window is [now, now+100ms], so triggers at +0, +20 ... +100
	reqs := f.queue.all()
	require.Len(t, reqs, 6)
	for i := 1; i < len(reqs); i++ {
		assert.Equal(t, int64(20), reqs[i].NotBefore-reqs[i-1].NotBefore)
	}
	assert.Greater(t, f.job(t, job.ID).NextTriggerTime, f.nowMs()+100)
}

func TestTickMaxInstanceNum(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	j := fixedRate("1000")
	j.MaxInstanceNum = 1
	job := f.save(t, j)

	f.clock.advance(time.Second)
	f.s.tick(ctx, store.Shard{})
	require.Len(t, f.instances(t, job.ID), 1)

	before := f.job(t, job.ID).NextTriggerTime
	f.clock.advance(time.Second)
	f.s.tick(ctx, store.Shard{})
	assert.Len(t, f.instances(t, job.ID), 1, "live instance blocks the next one")
	assert.Greater(t, f.job(t, job.ID).NextTriggerTime, before, "trigger still advances")

	// once the first instance ends the next trigger materialises again
	inst := f.instances(t, job.ID)[0]
	_, err := f.st.CasStatus(ctx, inst.ID, proto.WaitingDispatch, proto.Succeed, store.InstancePatch{})
	require.NoError(t, err)
	f.clock.advance(time.Second)
	f.s.tick(ctx, store.Shard{})
	assert.Len(t, f.instances(t, job.ID), 2)
}

func TestTickOnce(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	at := f.clock.now().Add(time.Second).UnixMilli()
	job := f.save(t, &proto.Job{
		AppID:              1,
		Name:               "once",
		ExecuteType:        proto.Standalone,
		TimeExpressionType: proto.Once,
		TimeExpression:     time.UnixMilli(at).Format(time.RFC3339Nano),
	})
	assert.Equal(t, at, job.NextTriggerTime)

	f.clock.advance(time.Second)
	f.s.tick(ctx, store.Shard{})
	f.clock.advance(time.Second)
	f.s.tick(ctx, store.Shard{})

	list := f.instances(t, job.ID)
	require.Len(t, list, 1)
	assert.Equal(t, at, list[0].TriggerTime)
	assert.Equal(t, proto.JobDisabled, f.job(t, job.ID).Status)
}

func TestTickMisfireCoalesces(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	job := f.save(t, fixedRate("1000"))

	f.clock.advance(10 * time.Minute)
	f.s.tick(ctx, store.Shard{})

	require.Len(t, f.instances(t, job.ID), 1, "missed triggers are materialised once")
	assert.Equal(t, f.nowMs()+1000, f.job(t, job.ID).NextTriggerTime)
}

func TestTickOverload(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		f.save(t, fixedRate("60000"))
	}
	f.clock.advance(time.Minute)
	assert.True(t, f.s.tick(ctx, store.Shard{}), "a full batch reports overload")
	assert.Len(t, f.queue.all(), 10)
	assert.False(t, f.s.tick(ctx, store.Shard{}))
	assert.Len(t, f.queue.all(), 12)
}

func TestTickOrder(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	f.save(t, fixedRate("1000"))
	b := f.save(t, fixedRate("500"))

	f.clock.advance(time.Second)
	f.s.tick(ctx, store.Shard{})
	reqs := f.queue.all()
	require.GreaterOrEqual(t, len(reqs), 2)
	// b was due 500ms earlier than a
	assert.Equal(t, b.ID, reqs[0].JobID)
	for i := 1; i < len(reqs); i++ {
		assert.LessOrEqual(t, reqs[i-1].NotBefore, reqs[i].NotBefore)
	}
}

func TestPersistenceObserver(t *testing.T) {
	var mu sync.Mutex
	var seen []error
	f := newSchedulerFixture(t, WithPersistenceObserver(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, err)
	}))
	ctx := context.Background()

	f.st.FailNext(store.ErrTransient, store.ErrTransient, store.ErrTransient)
	f.s.tick(ctx, store.Shard{})
	f.s.tick(ctx, store.Shard{})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.ErrorIs(t, seen[0], store.ErrTransient)
	assert.NoError(t, seen[1])
}

func TestSetJobStatus(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	job := f.save(t, fixedRate("1000"))

	_, err := f.s.SetJobStatus(ctx, job.ID, proto.JobDisabled)
	require.NoError(t, err)
	f.clock.advance(5 * time.Second)
	f.s.tick(ctx, store.Shard{})
	assert.Empty(t, f.instances(t, job.ID), "disabled jobs are not scheduled")

	enabled, err := f.s.SetJobStatus(ctx, job.ID, proto.JobEnabled)
	require.NoError(t, err)
	assert.Equal(t, f.nowMs()+1000, enabled.NextTriggerTime)

	_, err = f.s.SetJobStatus(ctx, job.ID, proto.JobStatus(7))
	assert.ErrorIs(t, err, ErrInvalidJob)
	_, err = f.s.SetJobStatus(ctx, 999, proto.JobEnabled)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, f.s.PurgeJob(ctx, job.ID), ErrInvalidJob, "enabled jobs cannot be purged")
	_, err = f.s.SetJobStatus(ctx, job.ID, proto.JobDeleted)
	require.NoError(t, err)
	require.NoError(t, f.s.PurgeJob(ctx, job.ID))
	_, err = f.st.FindJob(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFixedDelayFollowsCompletion(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	j := fixedRate("1000")
	j.TimeExpressionType = proto.FixedDelay
	job := f.save(t, j)

	f.clock.advance(time.Second)
	f.s.tick(ctx, store.Shard{})
	list := f.instances(t, job.ID)
	require.Len(t, list, 1)

	// still running: the next trigger is skipped
	f.clock.advance(time.Second)
	f.s.tick(ctx, store.Shard{})
	assert.Len(t, f.instances(t, job.ID), 1)

	completed := f.nowMs() + 5000
	f.s.onInstanceFinished(eventcenter.NewEvent().WithBody(proto.InstanceFinished{
		AppID: 1, JobID: job.ID, InstanceID: list[0].ID, Status: proto.Succeed, CompletedTime: completed,
	}))
	assert.Equal(t, completed+1000, f.job(t, job.ID).NextTriggerTime)

	// an older completion never moves the trigger back
	f.s.onInstanceFinished(eventcenter.NewEvent().WithBody(proto.InstanceFinished{
		AppID: 1, JobID: job.ID, InstanceID: list[0].ID, Status: proto.Succeed, CompletedTime: completed - 3000,
	}))
	assert.Equal(t, completed+1000, f.job(t, job.ID).NextTriggerTime)
}

func TestFixedDelayUsesStoredCompletion(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	j := fixedRate("1000")
	j.TimeExpressionType = proto.FixedDelay
	job := f.save(t, j)
	start := f.nowMs()

	f.clock.advance(time.Second)
	f.s.tick(ctx, store.Shard{})
	list := f.instances(t, job.ID)
	require.Len(t, list, 1)
	assert.Equal(t, start+2000, f.job(t, job.ID).NextTriggerTime)

	// finished without an InstanceFinished event
	completed := start + 1800
	ok, err := f.st.CasStatus(ctx, list[0].ID, proto.WaitingDispatch, proto.Succeed,
		store.InstancePatch{CompletedTime: &completed})
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.advance(time.Second)
	f.s.tick(ctx, store.Shard{})
	assert.Len(t, f.instances(t, job.ID), 1, "not before completion + period")
	assert.Equal(t, completed+1000, f.job(t, job.ID).NextTriggerTime)

	// saving the job again keeps the completion rule
	updated := f.save(t, f.job(t, job.ID))
	assert.Equal(t, completed+1000, updated.NextTriggerTime)

	f.clock.advance(800 * time.Millisecond)
	f.s.tick(ctx, store.Shard{})
	list = f.instances(t, job.ID)
	require.Len(t, list, 2)
	assert.Equal(t, completed+1000, list[1].TriggerTime)
}

func TestTickInterleavesCatchUp(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	a := f.save(t, fixedRate("20"))
	f.clock.advance(5 * time.Millisecond)
	b := f.save(t, fixedRate("20"))

	f.clock.advance(15 * time.Millisecond)
	f.s.tick(ctx, store.Shard{})

	reqs := f.queue.all()
	require.Len(t, reqs, 11)
	assert.Equal(t, a.ID, reqs[0].JobID)
	assert.Equal(t, b.ID, reqs[1].JobID)
	for i := 1; i < len(reqs); i++ {
		assert.LessOrEqual(t, reqs[i-1].NotBefore, reqs[i].NotBefore)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := config.Scheduler{TickMs: 10, SlackMs: 0, BatchSize: 10, MissThresholdMs: 60000, Shards: 3}
	q := &queueRecorder{}
	s := NewScheduler(cfg, 1, st, storeCounter{st}, q, &seqIDs{}, nil, nil)
	_, err := s.SaveJob(context.Background(), fixedRate("20"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(q.all()) >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
