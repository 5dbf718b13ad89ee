package supervisor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"neptune/config"
	"neptune/eventcenter"
	"neptune/proto"
	"neptune/store"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Server.RefreshMs = 50
	cfg.HTTP.Address = "127.0.0.1:0"
	cfg.Scheduler.Shards = 2
	cfg.Tracker.Actors = 2
	cfg.Dispatch.DrainTimeoutMs = 200
	return cfg
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitConfig, ExitCode(fmt.Errorf("%w: %w", ErrInitialize, config.ErrInvalid)))
	assert.Equal(t, ExitPersistence, ExitCode(fmt.Errorf("%w: %w: boom", ErrInitialize, ErrPersistence)))
	assert.Equal(t, ExitUnrecoverable, ExitCode(fmt.Errorf("%w: clock", ErrUnrecoverable)))
	assert.Equal(t, ExitConfig, ExitCode(errors.New("other")))
}

func TestRun(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(testConfig(), nil, WithStore(st))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		errs <- s.Run(ctx)
	}()

	select {
	case <-s.Started():
	case err := <-errs:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("not started")
	}
	require.Eventually(t, func() bool {
		return s.gate.scheduling()
	}, 2*time.Second, 10*time.Millisecond)

	server, err := st.FindServer(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", server.Address)
	assert.NotZero(t, server.LastHeartbeat)

	cancel()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, s.gate.scheduling())
}

func TestRunInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Server.ID = 0
	err := New(cfg, nil, WithStore(store.NewMemoryStore())).Run(context.Background())
	require.ErrorIs(t, err, ErrInitialize)
	assert.Equal(t, ExitConfig, ExitCode(err))
}

func TestRunPersistenceUnavailable(t *testing.T) {
	st := store.NewMemoryStore()
	st.FailNext(store.ErrTransient, store.ErrTransient, store.ErrTransient)
	err := New(testConfig(), nil, WithStore(st)).Run(context.Background())
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, ExitPersistence, ExitCode(err))
}

func TestRunServerIDHeldByLiveNode(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertServer(context.Background(), &proto.ServerInfo{
		ID:            1,
		Address:       "10.0.0.9:7700",
		LastHeartbeat: time.Now().UnixMilli(),
	}))
	err := New(testConfig(), nil, WithStore(st)).Run(context.Background())
	require.ErrorIs(t, err, ErrUnrecoverable)
	assert.Equal(t, ExitUnrecoverable, ExitCode(err))
}

func TestRunTakesOverStaleServerRow(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertServer(context.Background(), &proto.ServerInfo{
		ID:            1,
		Address:       "10.0.0.9:7700",
		LastHeartbeat: time.Now().Add(-time.Hour).UnixMilli(),
	}))
	s := New(testConfig(), nil, WithStore(st))
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		errs <- s.Run(ctx)
	}()
	<-s.Started()
	server, err := st.FindServer(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", server.Address)
	cancel()
	assert.NoError(t, <-errs)
}

func TestOnAlertLogsNotifyList(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(testConfig(), zap.New(core))
	s.onAlert(eventcenter.NewEvent().WithBody(proto.Alert{
		JobID:         3,
		InstanceID:    9,
		Reason:        "worker lost: w1",
		NotifyUserIDs: []string{"ops", "oncall"},
	}))

	entries := logs.FilterMessage("instance failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, 9, fields["instanceId"])
	assert.Equal(t, "worker lost: w1", fields["reason"])
	assert.Equal(t, []interface{}{"ops", "oncall"}, fields["notify"])
}
