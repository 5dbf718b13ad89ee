package election

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"neptune/config"
	"neptune/constants"
)

func newK8sClient() (kubernetes.Interface, error) {
	restConfig, err := clientcmd.BuildConfigFromFlags("", "")
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restConfig)
}

// k8sElector holds a coordination.k8s.io Lease.
type k8sElector struct {
	client   kubernetes.Interface
	cfg      config.Election
	identity string
	logger   *zap.Logger
}

func newK8sElector(client kubernetes.Interface, cfg config.Election, identity string, logger *zap.Logger) *k8sElector {
	if cfg.Namespace == "" {
		cfg.Namespace = constants.K8S_NAMESPACE
	}
	if cfg.LeaseName == "" {
		cfg.LeaseName = constants.K8S_LEASE_NAME
	}
	return &k8sElector{client: client, cfg: cfg, identity: identity, logger: logger.With(zap.String("backend", K8S))}
}

func (k *k8sElector) Run(ctx context.Context, notify func(bool)) error {
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      k.cfg.LeaseName,
			Namespace: k.cfg.Namespace,
		},
		Client:     k.client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{Identity: k.identity},
	}
	ttl := k.cfg.TTL()
	var leading atomic.Bool
	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   ttl,
		RenewDeadline:   ttl * 2 / 3,
		RetryPeriod:     ttl / 5,
		ReleaseOnCancel: true,
		Name:            k.cfg.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(context.Context) {
				k.logger.Info("elected", zap.String("identity", k.identity))
				leading.Store(true)
				notify(true)
			},
			// also called when Run gives up without ever leading
			OnStoppedLeading: func() {
				if leading.CompareAndSwap(true, false) {
					k.logger.Info("leadership lost", zap.String("identity", k.identity))
					notify(false)
				}
			},
			OnNewLeader: func(identity string) {
				k.logger.Debug("leader observed", zap.String("leader", identity))
			},
		},
	})
	if err != nil {
		return err
	}
	// Run 在失去 leader 后返回，重新参选
	for ctx.Err() == nil {
		elector.Run(ctx)
	}
	return nil
}
