package servicecenter

import (
	"fmt"
	"net"
	"strconv"

	"github.com/nacos-group/nacos-sdk-go/clients"
	"github.com/nacos-group/nacos-sdk-go/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/common/constant"
	"github.com/nacos-group/nacos-sdk-go/vo"

	"neptune/constants"
)

var _ ServiceCenter = (*nacosServiceCenter)(nil)

func newNacosServiceCenter(endpoints []string) (ServiceCenter, error) {
	clientConfig := constant.ClientConfig{
		TimeoutMs:           5000,
		NotLoadCacheAtStart: true,
		RotateTime:          "1h",
		MaxAge:              3,
		LogLevel:            "warn",
	}
	serverConfigs, err := nacosServers(endpoints)
	if err != nil {
		return nil, err
	}

	namingClient, err := clients.NewNamingClient(
		vo.NacosClientParam{
			ClientConfig:  &clientConfig,
			ServerConfigs: serverConfigs,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("servicecenter: nacos client: %w", err)
	}
	return &nacosServiceCenter{namingClient: namingClient}, nil
}

// nacosServers turns host:port endpoints into server configs, 127.0.0.1:8848 by default.
func nacosServers(endpoints []string) ([]constant.ServerConfig, error) {
	if len(endpoints) == 0 {
		endpoints = []string{"127.0.0.1:8848"}
	}
	var out []constant.ServerConfig
	for _, e := range endpoints {
		host, port, err := net.SplitHostPort(e)
		if err != nil {
			return nil, fmt.Errorf("servicecenter: nacos endpoint %q: %w", e, err)
		}
		p, err := strconv.ParseUint(port, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("servicecenter: nacos endpoint %q: %w", e, err)
		}
		out = append(out, constant.ServerConfig{IpAddr: host, Port: p, ContextPath: "/nacos", Scheme: "http"})
	}
	return out, nil
}

type nacosServiceCenter struct {
	namingClient naming_client.INamingClient
}

func (n *nacosServiceCenter) Register(param RegisterParam) (bool, error) {
	return n.namingClient.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          param.Ip,
		Port:        param.Port,
		ServiceName: param.ServiceName,
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    map[string]string{"app": constants.K8S_APP_LABEL},
		GroupName:   constants.NACOS_GROUP,
	})
}

func (n *nacosServiceCenter) Deregister(param RegisterParam) (bool, error) {
	return n.namingClient.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          param.Ip,
		Port:        param.Port,
		ServiceName: param.ServiceName,
		Ephemeral:   true,
		GroupName:   constants.NACOS_GROUP,
	})
}

func (n *nacosServiceCenter) GetService(name string) (Service, error) {
	service, err := n.namingClient.GetService(vo.GetServiceParam{
		ServiceName: name,
		GroupName:   constants.NACOS_GROUP,
	})
	if err != nil {
		return Service{}, err
	}
	var instances []Instance
	for _, i := range service.Hosts {
		instances = append(instances, Instance{
			Ip:      i.Ip,
			Port:    i.Port,
			Healthy: i.Healthy,
		})
	}
	sortHosts(instances)
	return Service{Name: name, Hosts: instances}, nil
}

// Close is a no-op, ephemeral instances expire with the client heartbeat.
func (n *nacosServiceCenter) Close() error { return nil }
