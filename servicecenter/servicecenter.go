// Package servicecenter announces job manager nodes so workers can find them.
package servicecenter

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"go.uber.org/zap"

	"neptune/config"
	"neptune/logs"
)

const (
	K8S    = "k8s"
	Nacos  = "nacos"
	Etcd   = "etcd"
	Memory = "memory"
)

// New builds the service center named by the SERVICE_CENTER environment
// variable, falling back to cfg.Type.
func New(cfg config.ServiceCenter, logger *zap.Logger) (ServiceCenter, error) {
	logger = logs.OrNop(logger).Named("servicecenter")
	t := cfg.Type
	if env := os.Getenv("SERVICE_CENTER"); env != "" {
		logger.Info("service center from environment", zap.String("SERVICE_CENTER", env))
		t = env
	}
	switch t {
	case K8S:
		client, err := newK8sClient()
		if err != nil {
			return nil, fmt.Errorf("servicecenter: %w", err)
		}
		return newK8sServiceCenter(client), nil
	case Nacos:
		return newNacosServiceCenter(cfg.Endpoints)
	case Etcd:
		return newEtcdServiceCenter(cfg.Endpoints, logger)
	case Memory, "":
		return newMemoryServiceCenter(), nil
	}
	return nil, fmt.Errorf("servicecenter: unknown type %q", t)
}

type ServiceCenter interface {
	Register(param RegisterParam) (bool, error)
	Deregister(param RegisterParam) (bool, error)
	GetService(name string) (Service, error)
	Close() error
}

type RegisterParam struct {
	Ip          string
	Port        uint64
	ServiceName string
}

// ParamFor splits a host:port address into a RegisterParam.
func ParamFor(serviceName, address string) (RegisterParam, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return RegisterParam{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return RegisterParam{}, fmt.Errorf("bad port in %q: %w", address, err)
	}
	return RegisterParam{Ip: host, Port: p, ServiceName: serviceName}, nil
}

type Service struct {
	Name  string     `json:"name"`
	Hosts []Instance `json:"hosts"`
}

type Instance struct {
	Ip      string `json:"ip"`
	Port    uint64 `json:"port"`
	Healthy bool   `json:"healthy"`
}

func (i Instance) Address() string {
	return net.JoinHostPort(i.Ip, strconv.FormatUint(i.Port, 10))
}
