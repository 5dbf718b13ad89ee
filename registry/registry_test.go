package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neptune/constants"
	"neptune/eventcenter"
	"neptune/proto"
)

type recorder struct {
	mu     sync.Mutex
	topics []string
	bodies []interface{}
}

func (r *recorder) Publish(topic string, event *eventcenter.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.bodies = append(r.bodies, event.Body)
	return true
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestRegistry(ttl time.Duration) (*Registry, *recorder, *clock) {
	rec := &recorder{}
	c := &clock{t: time.Unix(1700000000, 0)}
	r := New(ttl, rec, nil, nil)
	r.now = c.now
	return r, rec, c
}

func beat(app int64, endpoint string, cpu float64) *proto.WorkerHeartbeat {
	return &proto.WorkerHeartbeat{AppID: app, WorkerAddress: endpoint, CPUFree: cpu, MemFree: 4, DiskFree: 10}
}

func TestSnapshot(t *testing.T) {
	r, _, _ := newTestRegistry(30 * time.Second)
	r.OnHeartbeat(beat(1, "w2:1", 2))
	r.OnHeartbeat(beat(1, "w1:1", 1))
	r.OnHeartbeat(beat(2, "w3:1", 1))

	s := r.Snapshot(1)
	require.Len(t, s, 2)
	assert.Equal(t, "w1:1", s[0].Endpoint)
	assert.Equal(t, "w2:1", s[1].Endpoint)
	assert.Empty(t, r.Snapshot(9))
	assert.Len(t, r.Workers(), 3)

	// heartbeat refreshes telemetry
	r.OnHeartbeat(beat(1, "w1:1", 8))
	assert.Equal(t, 8.0, r.Snapshot(1)[0].CPUFree)
}

func TestSnapshotIsACopy(t *testing.T) {
	r, _, _ := newTestRegistry(30 * time.Second)
	h := beat(1, "w1:1", 1)
	h.Capabilities = []string{"shell"}
	r.OnHeartbeat(h)

	s := r.Snapshot(1)
	s[0].Capabilities[0] = "changed"
	s[0].CPUFree = 99
	again := r.Snapshot(1)
	assert.Equal(t, "shell", again[0].Capabilities[0])
	assert.Equal(t, 1.0, again[0].CPUFree)
}

func TestExpiry(t *testing.T) {
	r, rec, c := newTestRegistry(30 * time.Second)
	r.OnHeartbeat(beat(1, "w1:1", 1))
	c.t = c.t.Add(29 * time.Second)
	assert.Len(t, r.Snapshot(1), 1)

	c.t = c.t.Add(2 * time.Second)
	assert.Empty(t, r.Snapshot(1))
	assert.Equal(t, 1, r.Sweep())
	assert.Empty(t, rec.topics, "expiry must not publish WorkerLost")
}

func TestMarkUnreachable(t *testing.T) {
	r, rec, _ := newTestRegistry(30 * time.Second)
	r.OnHeartbeat(beat(1, "w1:1", 1))
	r.OnHeartbeat(beat(2, "w1:1", 1))
	r.OnHeartbeat(beat(1, "w2:1", 1))

	r.MarkUnreachable("w1:1")
	assert.Len(t, r.Snapshot(1), 1)
	assert.Empty(t, r.Snapshot(2))
	require.Len(t, rec.topics, 1)
	assert.Equal(t, constants.TOPIC_WORKER_LOST, rec.topics[0])
	assert.Equal(t, "w1:1", rec.bodies[0].(proto.WorkerLost).Endpoint)
}

func TestReportFailure(t *testing.T) {
	r, rec, _ := newTestRegistry(30 * time.Second)
	r.OnHeartbeat(beat(1, "w1:1", 1))

	assert.False(t, r.ReportFailure("w1:1", 3))
	assert.False(t, r.ReportFailure("w1:1", 3))
	r.ReportSuccess("w1:1")
	assert.False(t, r.ReportFailure("w1:1", 3))
	assert.False(t, r.ReportFailure("w1:1", 3))
	assert.Len(t, r.Snapshot(1), 1)

	assert.True(t, r.ReportFailure("w1:1", 3))
	assert.Empty(t, r.Snapshot(1))
	assert.Len(t, rec.topics, 1)
}

func TestHeartbeatClearsFailures(t *testing.T) {
	r, _, _ := newTestRegistry(30 * time.Second)
	r.OnHeartbeat(beat(1, "w1:1", 1))
	r.ReportFailure("w1:1", 3)
	r.ReportFailure("w1:1", 3)
	r.OnHeartbeat(beat(1, "w1:1", 1))
	assert.False(t, r.ReportFailure("w1:1", 3))
}

func TestInflight(t *testing.T) {
	r, _, _ := newTestRegistry(30 * time.Second)
	r.OnHeartbeat(beat(1, "w1:1", 1))
	r.AddInflight("w1:1", 2)
	r.AddInflight("w1:1", -1)
	assert.Equal(t, 1, r.Snapshot(1)[0].Inflight)
	r.AddInflight("w1:1", -5)
	assert.Equal(t, 0, r.Snapshot(1)[0].Inflight)
}

func TestConcurrentAccess(t *testing.T) {
	r, _, _ := newTestRegistry(30 * time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.OnHeartbeat(beat(1, "w1:1", float64(j)))
				r.AddInflight("w1:1", 1)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Snapshot(1)
				r.Workers()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, r.Snapshot(1), 1)
}
