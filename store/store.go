// Package store persists jobs, instances and server rows.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"neptune/config"
	"neptune/proto"
)

const (
	Memory = "memory"
	MySQL  = "mysql"
	SQLite = "sqlite"
)

var (
	ErrNotFound      = errors.New("store: not found")
	// ErrTransient marks failures worth retrying, such as lost connections.
	ErrTransient     = errors.New("store: transient failure")
	ErrUnknownDriver = errors.New("store: unknown driver")
)

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Shard selects jobs with appId % Count == Index. A zero Count selects all.
type Shard struct {
	Index int
	Count int
}

func (s Shard) Contains(appID int64) bool {
	if s.Count <= 1 {
		return true
	}
	return int(appID%int64(s.Count)) == s.Index
}

type JobQuery struct {
	AppID  int64
	Status proto.JobStatus
	Name   string
}

type InstanceQuery struct {
	AppID    int64
	JobID    int64
	Statuses []proto.InstanceStatus
	Limit    int
}

// InstancePatch lists the columns a status CAS writes besides status.
// Nil fields are left untouched.
type InstancePatch struct {
	TaskAddress    *string
	ExecuteTime    *int64
	LastReportTime *int64
	CompletedTime  *int64
	Result         *string
	RetryTimes     *int
}

type JobStore interface {
	SaveJob(ctx context.Context, job *proto.Job) error
	FindJob(ctx context.Context, id int64) (*proto.Job, error)
	FindJobs(ctx context.Context, q JobQuery) ([]*proto.Job, error)
	// FindDue returns ENABLED non-workflow jobs with nextTriggerTime <= now,
	// ordered by (nextTriggerTime, id).
	FindDue(ctx context.Context, now int64, limit int, shard Shard) ([]*proto.Job, error)
	// UpdateTrigger succeeds only when the stored nextTriggerTime equals expectedNext.
	UpdateTrigger(ctx context.Context, jobID, expectedNext, newNext int64, newStatus proto.JobStatus) (bool, error)
	UpdateJobStatus(ctx context.Context, jobID int64, status proto.JobStatus, nextTrigger int64) error
	DeleteJob(ctx context.Context, jobID int64) error
}

type InstanceStore interface {
	InsertInstance(ctx context.Context, inst *proto.InstanceInfo) error
	FindInstance(ctx context.Context, id int64) (*proto.InstanceInfo, error)
	FindInstances(ctx context.Context, q InstanceQuery) ([]*proto.InstanceInfo, error)
	// CasStatus moves the instance from one status to another and applies patch,
	// only if the stored status still equals from.
	CasStatus(ctx context.Context, id int64, from, to proto.InstanceStatus, patch InstancePatch) (bool, error)
	// RecordCompletion writes completedTime and result once, on a terminal row
	// that has none yet.
	RecordCompletion(ctx context.Context, id, completedTime int64, result string) (bool, error)
	FindNonTerminalByServer(ctx context.Context, serverID int64) ([]*proto.InstanceInfo, error)
	CountLiveForJob(ctx context.Context, jobID int64) (int64, error)
	// LastCompletedTime is the newest completedTime of the job's instances, 0 if none.
	LastCompletedTime(ctx context.Context, jobID int64) (int64, error)
	DeleteInstance(ctx context.Context, id int64) error
}

type ServerStore interface {
	UpsertServer(ctx context.Context, server *proto.ServerInfo) error
	FindServers(ctx context.Context) ([]*proto.ServerInfo, error)
	FindServerByName(ctx context.Context, serviceName string) ([]*proto.ServerInfo, error)
	FindServer(ctx context.Context, id int64) (*proto.ServerInfo, error)
	DeleteServer(ctx context.Context, id int64) error
}

type Store interface {
	JobStore
	InstanceStore
	ServerStore
	Ping(ctx context.Context) error
	Close() error
}

// New opens the backend named by cfg.Driver.
func New(cfg config.Persistence, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case Memory, "":
		return NewMemoryStore(), nil
	case MySQL, SQLite:
		return newGormStore(cfg, logger)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}

// Retry runs fn until it succeeds, fails with a non transient error, or
// attempts run out. Waits double from base.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func(ctx context.Context) error) error {
	var err error
	wait := base
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
	}
	return err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
