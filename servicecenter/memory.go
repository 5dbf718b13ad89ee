package servicecenter

import (
	"sort"
	"sync"
)

var _ ServiceCenter = (*memoryServiceCenter)(nil)

// newMemoryServiceCenter for test and single node
func newMemoryServiceCenter() *memoryServiceCenter {
	return &memoryServiceCenter{services: make(map[string]map[string]Instance)}
}

type memoryServiceCenter struct {
	mu       sync.RWMutex
	services map[string]map[string]Instance
}

func (m *memoryServiceCenter) Register(param RegisterParam) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hosts, ok := m.services[param.ServiceName]
	if !ok {
		hosts = make(map[string]Instance)
		m.services[param.ServiceName] = hosts
	}
	i := Instance{Ip: param.Ip, Port: param.Port, Healthy: true}
	hosts[i.Address()] = i
	return true, nil
}

func (m *memoryServiceCenter) Deregister(param RegisterParam) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hosts := m.services[param.ServiceName]
	key := Instance{Ip: param.Ip, Port: param.Port}.Address()
	if _, ok := hosts[key]; !ok {
		return false, nil
	}
	delete(hosts, key)
	return true, nil
}

func (m *memoryServiceCenter) GetService(name string) (Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Service{Name: name}
	for _, i := range m.services[name] {
		s.Hosts = append(s.Hosts, i)
	}
	sortHosts(s.Hosts)
	return s, nil
}

func (m *memoryServiceCenter) Close() error { return nil }

func sortHosts(hosts []Instance) {
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Address() < hosts[j].Address() })
}
