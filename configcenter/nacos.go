package configcenter

import (
	"fmt"
	"net"
	"strconv"

	"github.com/nacos-group/nacos-sdk-go/clients"
	"github.com/nacos-group/nacos-sdk-go/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/common/constant"
	"github.com/nacos-group/nacos-sdk-go/vo"

	"neptune/constants"
)

var _ backend = (*nacosBackend)(nil)

func newNacosBackend(endpoints []string, group string) (*nacosBackend, error) {
	clientConfig := constant.ClientConfig{
		TimeoutMs:           5000,
		NotLoadCacheAtStart: true,
		RotateTime:          "1h",
		MaxAge:              3,
		LogLevel:            "warn",
	}
	if len(endpoints) == 0 {
		endpoints = []string{"127.0.0.1:8848"}
	}
	var serverConfigs []constant.ServerConfig
	for _, e := range endpoints {
		host, port, err := net.SplitHostPort(e)
		if err != nil {
			return nil, fmt.Errorf("configcenter: nacos endpoint %q: %w", e, err)
		}
		p, err := strconv.ParseUint(port, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("configcenter: nacos endpoint %q: %w", e, err)
		}
		serverConfigs = append(serverConfigs, constant.ServerConfig{IpAddr: host, Port: p, ContextPath: "/nacos", Scheme: "http"})
	}

	configClient, err := clients.NewConfigClient(
		vo.NacosClientParam{
			ClientConfig:  &clientConfig,
			ServerConfigs: serverConfigs,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("configcenter: nacos client: %w", err)
	}
	if group == "" {
		group = constants.NACOS_GROUP
	}
	return &nacosBackend{configClient: configClient, group: group}, nil
}

type nacosBackend struct {
	configClient config_client.IConfigClient
	group        string
}

func (n *nacosBackend) Group() string { return n.group }

func (n *nacosBackend) Get(id string) (Config, error) {
	content, err := n.configClient.GetConfig(vo.ConfigParam{
		DataId: id,
		Group:  n.group,
	})
	if err != nil {
		return Config{}, err
	}
	return Config{ID: id, Group: n.group, Content: content}, nil
}

func (n *nacosBackend) Save(config Config) error {
	ok, err := n.configClient.PublishConfig(vo.ConfigParam{
		DataId:  config.ID,
		Group:   config.Group,
		Content: config.Content,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("configcenter: nacos refused config %s", config.ID)
	}
	return nil
}

func (n *nacosBackend) Watch(id string, handler func(config Config)) error {
	return n.configClient.ListenConfig(vo.ConfigParam{
		DataId: id,
		Group:  n.group,
		OnChange: func(namespace, group, dataId, data string) {
			handler(Config{ID: dataId, Group: group, Content: data})
		},
	})
}

func (n *nacosBackend) Close() error { return nil }
