package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"neptune/proto"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in process. Used by tests and single node setups.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[int64]*proto.Job
	instances map[int64]*proto.InstanceInfo
	servers   map[int64]*proto.ServerInfo
	closed    bool

	// failNext lets tests inject errors into the next calls.
	failNext []error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[int64]*proto.Job),
		instances: make(map[int64]*proto.InstanceInfo),
		servers:   make(map[int64]*proto.ServerInfo),
	}
}

// FailNext makes the next len(errs) calls return errs in order.
func (m *MemoryStore) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, errs...)
}

func (m *MemoryStore) injected() error {
	if m.closed {
		return fmt.Errorf("%w: store closed", ErrTransient)
	}
	if len(m.failNext) == 0 {
		return nil
	}
	err := m.failNext[0]
	m.failNext = m.failNext[1:]
	return err
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.injected()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) SaveJob(ctx context.Context, job *proto.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	now := nowMillis()
	c := job.Clone()
	if old, ok := m.jobs[job.ID]; ok {
		c.GmtCreate = old.GmtCreate
	} else if c.GmtCreate == 0 {
		c.GmtCreate = now
	}
	c.GmtModified = now
	m.jobs[job.ID] = c
	job.GmtCreate, job.GmtModified = c.GmtCreate, c.GmtModified
	return nil
}

func (m *MemoryStore) FindJob(ctx context.Context, id int64) (*proto.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return j.Clone(), nil
}

func (m *MemoryStore) FindJobs(ctx context.Context, q JobQuery) ([]*proto.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	var out []*proto.Job
	for _, j := range m.jobs {
		if q.AppID != 0 && j.AppID != q.AppID {
			continue
		}
		if q.Status != 0 && j.Status != q.Status {
			continue
		}
		if q.Name != "" && j.Name != q.Name {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *MemoryStore) FindDue(ctx context.Context, now int64, limit int, shard Shard) ([]*proto.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	var out []*proto.Job
	for _, j := range m.jobs {
		if j.Status != proto.JobEnabled || j.TimeExpressionType == proto.Workflow {
			continue
		}
		if j.NextTriggerTime > now || !shard.Contains(j.AppID) {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].NextTriggerTime == out[b].NextTriggerTime {
			return out[a].ID < out[b].ID
		}
		return out[a].NextTriggerTime < out[b].NextTriggerTime
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateTrigger(ctx context.Context, jobID, expectedNext, newNext int64, newStatus proto.JobStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return false, err
	}
	j, ok := m.jobs[jobID]
	if !ok || j.NextTriggerTime != expectedNext {
		return false, nil
	}
	j.NextTriggerTime = newNext
	j.Status = newStatus
	j.GmtModified = nowMillis()
	return true, nil
}

func (m *MemoryStore) UpdateJobStatus(ctx context.Context, jobID int64, status proto.JobStatus, nextTrigger int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	j.Status = status
	j.NextTriggerTime = nextTrigger
	j.GmtModified = nowMillis()
	return nil
}

func (m *MemoryStore) DeleteJob(ctx context.Context, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	delete(m.jobs, jobID)
	return nil
}

func (m *MemoryStore) InsertInstance(ctx context.Context, inst *proto.InstanceInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	if _, ok := m.instances[inst.ID]; ok {
		return fmt.Errorf("store: instance %d already exists", inst.ID)
	}
	c := inst.Clone()
	now := nowMillis()
	c.GmtCreate, c.GmtModified = now, now
	c.Result = proto.TruncateResult(c.Result)
	m.instances[inst.ID] = c
	return nil
}

func (m *MemoryStore) FindInstance(ctx context.Context, id int64) (*proto.InstanceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	i, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	return i.Clone(), nil
}

func (m *MemoryStore) FindInstances(ctx context.Context, q InstanceQuery) ([]*proto.InstanceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	var out []*proto.InstanceInfo
	for _, i := range m.instances {
		if q.AppID != 0 && i.AppID != q.AppID {
			continue
		}
		if q.JobID != 0 && i.JobID != q.JobID {
			continue
		}
		if len(q.Statuses) > 0 && !hasStatus(q.Statuses, i.Status) {
			continue
		}
		out = append(out, i.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CasStatus(ctx context.Context, id int64, from, to proto.InstanceStatus, patch InstancePatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return false, err
	}
	i, ok := m.instances[id]
	if !ok || i.Status != from || from.Terminal() {
		return false, nil
	}
	i.Status = to
	patch.Apply(i)
	i.Version++
	i.GmtModified = nowMillis()
	return true, nil
}

func (m *MemoryStore) RecordCompletion(ctx context.Context, id, completedTime int64, result string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return false, err
	}
	i, ok := m.instances[id]
	if !ok || !i.Status.Terminal() || i.CompletedTime != 0 {
		return false, nil
	}
	i.CompletedTime = completedTime
	i.Result = proto.TruncateResult(result)
	i.Version++
	return true, nil
}

func (m *MemoryStore) FindNonTerminalByServer(ctx context.Context, serverID int64) ([]*proto.InstanceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	var out []*proto.InstanceInfo
	for _, i := range m.instances {
		if i.ServerID == serverID && !i.Status.Terminal() {
			out = append(out, i.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *MemoryStore) CountLiveForJob(ctx context.Context, jobID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return 0, err
	}
	var n int64
	for _, i := range m.instances {
		if i.JobID == jobID && !i.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) LastCompletedTime(ctx context.Context, jobID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return 0, err
	}
	var last int64
	for _, i := range m.instances {
		if i.JobID == jobID && i.CompletedTime > last {
			last = i.CompletedTime
		}
	}
	return last, nil
}

func (m *MemoryStore) DeleteInstance(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	delete(m.instances, id)
	return nil
}

func (m *MemoryStore) UpsertServer(ctx context.Context, server *proto.ServerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	c := *server
	m.servers[server.ID] = &c
	return nil
}

func (m *MemoryStore) FindServers(ctx context.Context) ([]*proto.ServerInfo, error) {
	return m.findServers(func(*proto.ServerInfo) bool { return true })
}

func (m *MemoryStore) FindServerByName(ctx context.Context, serviceName string) ([]*proto.ServerInfo, error) {
	return m.findServers(func(s *proto.ServerInfo) bool { return s.ServiceName == serviceName })
}

func (m *MemoryStore) findServers(match func(*proto.ServerInfo) bool) ([]*proto.ServerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	var out []*proto.ServerInfo
	for _, s := range m.servers {
		if match(s) {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *MemoryStore) FindServer(ctx context.Context, id int64) (*proto.ServerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	s, ok := m.servers[id]
	if !ok {
		return nil, fmt.Errorf("server %d: %w", id, ErrNotFound)
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) DeleteServer(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	delete(m.servers, id)
	return nil
}

// Apply copies the set fields of p onto i.
func (p InstancePatch) Apply(i *proto.InstanceInfo) {
	if p.TaskAddress != nil {
		i.TaskAddress = *p.TaskAddress
	}
	if p.ExecuteTime != nil {
		i.ExecuteTime = *p.ExecuteTime
	}
	if p.LastReportTime != nil {
		i.LastReportTime = *p.LastReportTime
	}
	if p.CompletedTime != nil {
		i.CompletedTime = *p.CompletedTime
	}
	if p.Result != nil {
		i.Result = proto.TruncateResult(*p.Result)
	}
	if p.RetryTimes != nil {
		i.RetryTimes = *p.RetryTimes
	}
}

func hasStatus(list []proto.InstanceStatus, s proto.InstanceStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
