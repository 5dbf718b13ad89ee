// Package registry tracks the workers that heartbeat into this node.
package registry

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"neptune/constants"
	"neptune/eventcenter"
	"neptune/logs"
	"neptune/monitor"
	"neptune/proto"
)

// Publisher is the part of the event center the registry needs.
type Publisher interface {
	Publish(topic string, event *eventcenter.Event) bool
}

type presence struct {
	proto.WorkerPresence
	seen time.Time
}

// Registry is the only writer of worker presence. Readers get copies.
type Registry struct {
	mu       sync.RWMutex
	apps     map[int64]map[string]*presence
	failures map[string]int
	inflight map[string]int

	ttl     time.Duration
	now     func() time.Time
	events  Publisher
	metrics *monitor.Metrics
	logger  *zap.Logger
}

func New(ttl time.Duration, events Publisher, metrics *monitor.Metrics, logger *zap.Logger) *Registry {
	if metrics == nil {
		metrics = monitor.New(nil)
	}
	return &Registry{
		apps:     make(map[int64]map[string]*presence),
		failures: make(map[string]int),
		inflight: make(map[string]int),
		ttl:      ttl,
		now:      time.Now,
		events:   events,
		metrics:  metrics,
		logger:   logs.OrNop(logger).Named("registry"),
	}
}

// OnHeartbeat records a heartbeat and clears the endpoint's failure count.
func (r *Registry) OnHeartbeat(h *proto.WorkerHeartbeat) {
	if h == nil || h.WorkerAddress == "" {
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	workers, ok := r.apps[h.AppID]
	if !ok {
		workers = make(map[string]*presence)
		r.apps[h.AppID] = workers
	}
	p, ok := workers[h.WorkerAddress]
	if !ok {
		p = &presence{}
		workers[h.WorkerAddress] = p
		r.logger.Info("worker joined", zap.Int64("appId", h.AppID), zap.String("endpoint", h.WorkerAddress))
	}
	p.Endpoint = h.WorkerAddress
	p.AppID = h.AppID
	p.Capabilities = append(p.Capabilities[:0], h.Capabilities...)
	p.CPUFree = h.CPUFree
	p.MemFree = h.MemFree
	p.DiskFree = h.DiskFree
	p.LastHeartbeat = now.UnixMilli()
	p.seen = now
	delete(r.failures, h.WorkerAddress)
	r.metrics.WorkerAlive.With(prometheus.Labels{"app": appLabel(h.AppID)}).Set(float64(r.liveLocked(h.AppID, now)))
}

// Snapshot returns the live workers of appID ordered by endpoint.
func (r *Registry) Snapshot(appID int64) []proto.WorkerPresence {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(r.apps[appID], now)
}

// Workers returns every live worker, ordered by app then endpoint.
func (r *Registry) Workers() []proto.WorkerPresence {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	apps := make([]int64, 0, len(r.apps))
	for app := range r.apps {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i] < apps[j] })
	var out []proto.WorkerPresence
	for _, app := range apps {
		out = append(out, r.snapshotLocked(r.apps[app], now)...)
	}
	return out
}

func (r *Registry) snapshotLocked(workers map[string]*presence, now time.Time) []proto.WorkerPresence {
	out := make([]proto.WorkerPresence, 0, len(workers))
	for _, p := range workers {
		if now.Sub(p.seen) > r.ttl {
			continue
		}
		c := p.WorkerPresence
		c.Capabilities = append([]string(nil), p.Capabilities...)
		c.Inflight = r.inflight[p.Endpoint]
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func (r *Registry) liveLocked(appID int64, now time.Time) int {
	n := 0
	for _, p := range r.apps[appID] {
		if now.Sub(p.seen) <= r.ttl {
			n++
		}
	}
	return n
}

// MarkUnreachable evicts endpoint from every app and publishes WorkerLost.
func (r *Registry) MarkUnreachable(endpoint string) {
	now := r.now()
	r.mu.Lock()
	for app, workers := range r.apps {
		if _, ok := workers[endpoint]; ok {
			delete(workers, endpoint)
			r.metrics.WorkerAlive.With(prometheus.Labels{"app": appLabel(app)}).Set(float64(r.liveLocked(app, now)))
		}
	}
	delete(r.failures, endpoint)
	delete(r.inflight, endpoint)
	r.mu.Unlock()

	r.metrics.WorkerEvicted.Inc()
	r.logger.Warn("worker unreachable", zap.String("endpoint", endpoint))
	if r.events != nil {
		r.events.Publish(constants.TOPIC_WORKER_LOST,
			eventcenter.NewEvent().WithBody(proto.WorkerLost{Endpoint: endpoint, At: now.UnixMilli()}))
	}
}

// ReportFailure counts a failed RPC against endpoint. Reaching threshold
// consecutive failures marks the endpoint unreachable and returns true.
func (r *Registry) ReportFailure(endpoint string, threshold int) bool {
	r.mu.Lock()
	r.failures[endpoint]++
	n := r.failures[endpoint]
	r.mu.Unlock()
	if n < threshold {
		return false
	}
	r.MarkUnreachable(endpoint)
	return true
}

func (r *Registry) ReportSuccess(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, endpoint)
}

// AddInflight adjusts the number of instances the registry believes endpoint runs.
func (r *Registry) AddInflight(endpoint string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.inflight[endpoint] + delta
	if n <= 0 {
		delete(r.inflight, endpoint)
		return
	}
	r.inflight[endpoint] = n
}

// Sweep drops expired presences. Expiry alone does not fail instances, so
// no WorkerLost is published.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for app, workers := range r.apps {
		for endpoint, p := range workers {
			if now.Sub(p.seen) > r.ttl {
				delete(workers, endpoint)
				removed++
			}
		}
		if len(workers) == 0 {
			delete(r.apps, app)
		}
		r.metrics.WorkerAlive.With(prometheus.Labels{"app": appLabel(app)}).Set(float64(len(workers)))
	}
	return removed
}

// Run sweeps every ttl/2 until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	interval := r.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("expired workers removed", zap.Int("count", n))
			}
		}
	}
}

func appLabel(app int64) string {
	return strconv.FormatInt(app, 10)
}
