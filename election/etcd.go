package election

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"neptune/config"
	"neptune/constants"
)

type etcdElector struct {
	client   *clientv3.Client
	prefix   string
	identity string
	ttl      int
	logger   *zap.Logger
}

func newEtcdElector(cfg config.Election, identity string, logger *zap.Logger) (*etcdElector, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("election: connect etcd: %w", err)
	}
	name := cfg.LeaseName
	if name == "" {
		name = constants.K8S_LEASE_NAME
	}
	return &etcdElector{
		client:   client,
		prefix:   constants.ETCD_ELECTION_PREFIX + name,
		identity: identity,
		ttl:      max(1, int(cfg.TTL()/time.Second)),
		logger:   logger.With(zap.String("backend", Etcd)),
	}, nil
}

func (e *etcdElector) Run(ctx context.Context, notify func(bool)) error {
	defer e.client.Close()
	for ctx.Err() == nil {
		if err := e.campaign(ctx, notify); err != nil {
			e.logger.Warn("campaign failed", zap.Error(err))
			if !pause(ctx, time.Duration(e.ttl)*time.Second) {
				break
			}
		}
	}
	return nil
}

// campaign holds one session: it returns once leadership or the session is lost.
func (e *etcdElector) campaign(ctx context.Context, notify func(bool)) error {
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(e.ttl), concurrency.WithContext(ctx))
	if err != nil {
		return err
	}
	defer session.Close()

	election := concurrency.NewElection(session, e.prefix)
	if err := election.Campaign(ctx, e.identity); err != nil {
		return err
	}
	e.logger.Info("elected", zap.String("identity", e.identity))
	notify(true)
	defer notify(false)

	select {
	case <-ctx.Done():
		resignCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := election.Resign(resignCtx); err != nil {
			e.logger.Warn("resign failed", zap.Error(err))
		}
		return nil
	case <-session.Done():
		return errors.New("session expired")
	}
}
