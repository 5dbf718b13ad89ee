// Package election decides which job manager node runs the scheduler.
package election

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"neptune/config"
	"neptune/logs"
)

const (
	Standalone = "standalone"
	Etcd       = "etcd"
	K8S        = "k8s"
)

// Elector campaigns until ctx is done. notify is called with true when this
// node becomes leader and with false when it stops leading; calls alternate.
type Elector interface {
	Run(ctx context.Context, notify func(leading bool)) error
}

// New builds the elector named by cfg.Type. identity must be unique per node.
func New(cfg config.Election, identity string, logger *zap.Logger) (Elector, error) {
	logger = logs.OrNop(logger).Named("election")
	switch cfg.Type {
	case Standalone, "":
		return standalone{logger: logger}, nil
	case Etcd:
		return newEtcdElector(cfg, identity, logger)
	case K8S:
		client, err := newK8sClient()
		if err != nil {
			return nil, fmt.Errorf("election: %w", err)
		}
		return newK8sElector(client, cfg, identity, logger), nil
	}
	return nil, fmt.Errorf("election: unknown type %q", cfg.Type)
}

// standalone 单节点部署，直接成为 leader
type standalone struct {
	logger *zap.Logger
}

func (s standalone) Run(ctx context.Context, notify func(bool)) error {
	s.logger.Info("standalone node, leading")
	notify(true)
	<-ctx.Done()
	notify(false)
	return nil
}

// pause waits d or until ctx is done and reports whether ctx is still alive.
func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
