package election

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"neptune/config"
)

type transitions struct {
	mu   sync.Mutex
	seen []bool
}

func (r *transitions) notify(leading bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, leading)
}

func (r *transitions) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.seen...)
}

func TestStandalone(t *testing.T) {
	e, err := New(config.Election{Type: Standalone}, "n1", nil)
	require.NoError(t, err)

	var r transitions
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- e.Run(ctx, r.notify) }()

	assert.Eventually(t, func() bool { return len(r.get()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []bool{true, false}, r.get())
}

func TestUnknownType(t *testing.T) {
	_, err := New(config.Election{Type: "zookeeper"}, "n1", nil)
	assert.Error(t, err)
}

func TestK8sLease(t *testing.T) {
	client := fake.NewSimpleClientset()
	cfg := config.Election{Type: K8S, Namespace: "jobs", LeaseName: "neptune-test", TTLMs: 1000}

	var first, second transitions
	ctx1, cancel1 := context.WithCancel(context.Background())
	done1 := make(chan error)
	go func() { done1 <- newK8sElector(client, cfg, "n1", zap.NewNop()).Run(ctx1, first.notify) }()
	assert.Eventually(t, func() bool { return len(first.get()) == 1 }, 5*time.Second, 10*time.Millisecond)

	lease, err := client.CoordinationV1().Leases("jobs").Get(context.Background(), "neptune-test", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, lease.Spec.HolderIdentity)
	assert.Equal(t, "n1", *lease.Spec.HolderIdentity)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go func() { _ = newK8sElector(client, cfg, "n2", zap.NewNop()).Run(ctx2, second.notify) }()
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, second.get())

	// releasing the lease on cancel lets the other node take over
	cancel1()
	require.NoError(t, <-done1)
	assert.Equal(t, []bool{true, false}, first.get())
	assert.Eventually(t, func() bool { return len(second.get()) == 1 }, 5*time.Second, 10*time.Millisecond)
}
