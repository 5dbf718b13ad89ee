package servicecenter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"neptune/constants"
)

const etcdLeaseTTL = 10

var _ ServiceCenter = (*etcdServiceCenter)(nil)

// etcdServiceCenter keeps one key per node under a lease that lives as long
// as the process keeps it alive.
type etcdServiceCenter struct {
	client  *clientv3.Client
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
	cancel map[string]context.CancelFunc
}

func newEtcdServiceCenter(endpoints []string, logger *zap.Logger) (*etcdServiceCenter, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("servicecenter: connect etcd: %w", err)
	}
	return &etcdServiceCenter{
		client:  client,
		timeout: 5 * time.Second,
		logger:  logger.With(zap.String("backend", Etcd)),
		leases:  make(map[string]clientv3.LeaseID),
		cancel:  make(map[string]context.CancelFunc),
	}, nil
}

func etcdKey(serviceName, address string) string {
	return constants.ETCD_SERVER_PREFIX + serviceName + "/" + address
}

func (e *etcdServiceCenter) Register(param RegisterParam) (bool, error) {
	inst := Instance{Ip: param.Ip, Port: param.Port, Healthy: true}
	key := etcdKey(param.ServiceName, inst.Address())
	value, err := json.Marshal(inst)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	lease, err := e.client.Grant(ctx, etcdLeaseTTL)
	if err != nil {
		return false, err
	}
	if _, err := e.client.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		return false, err
	}

	keepCtx, stop := context.WithCancel(context.Background())
	alive, err := e.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		stop()
		return false, err
	}
	go func() {
		for range alive {
		}
		e.logger.Info("keep alive ended", zap.String("key", key))
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.cancel[key]; ok {
		prev()
	}
	e.leases[key] = lease.ID
	e.cancel[key] = stop
	return true, nil
}

func (e *etcdServiceCenter) Deregister(param RegisterParam) (bool, error) {
	key := etcdKey(param.ServiceName, Instance{Ip: param.Ip, Port: param.Port}.Address())
	e.mu.Lock()
	lease, ok := e.leases[key]
	stop := e.cancel[key]
	delete(e.leases, key)
	delete(e.cancel, key)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	if ok {
		stop()
		if _, err := e.client.Revoke(ctx, lease); err != nil {
			return false, err
		}
		return true, nil
	}
	resp, err := e.client.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	return resp.Deleted > 0, nil
}

func (e *etcdServiceCenter) GetService(name string) (Service, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	resp, err := e.client.Get(ctx, constants.ETCD_SERVER_PREFIX+name+"/", clientv3.WithPrefix())
	if err != nil {
		return Service{}, err
	}
	s := Service{Name: name}
	for _, kv := range resp.Kvs {
		var i Instance
		if err := json.Unmarshal(kv.Value, &i); err != nil {
			e.logger.Warn("bad service entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		s.Hosts = append(s.Hosts, i)
	}
	sortHosts(s.Hosts)
	return s, nil
}

func (e *etcdServiceCenter) Close() error {
	e.mu.Lock()
	for key, stop := range e.cancel {
		stop()
		delete(e.cancel, key)
	}
	e.mu.Unlock()
	return e.client.Close()
}
