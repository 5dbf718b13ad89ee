package configcenter

import (
	"sync"
)

var _ ConfigCenter = (*memoryConfigCenter)(nil)

// newMemoryConfigCenter for test, also the cache of the remote backends
func newMemoryConfigCenter() *memoryConfigCenter {
	return &memoryConfigCenter{
		configs:  make(map[string]Config),
		handlers: make(map[string][]func(config Config)),
	}
}

type memoryConfigCenter struct {
	configMux sync.RWMutex
	configs   map[string]Config

	handlerMux sync.RWMutex
	handlers   map[string][]func(config Config)
}

func (m *memoryConfigCenter) put(config Config) {
	m.configMux.Lock()
	defer m.configMux.Unlock()
	m.configs[config.ID] = config
}

func (m *memoryConfigCenter) lookup(id string) (Config, bool) {
	m.configMux.RLock()
	defer m.configMux.RUnlock()
	c, ok := m.configs[id]
	return c, ok
}

func (m *memoryConfigCenter) Save(config Config) (bool, error) {
	m.put(config)

	m.handlerMux.RLock()
	handlers := m.handlers[config.ID]
	m.handlerMux.RUnlock()
	for _, h := range handlers {
		h(config)
	}
	return true, nil
}

// Get returns an empty Config for unknown ids.
func (m *memoryConfigCenter) Get(id string) (Config, error) {
	c, _ := m.lookup(id)
	return c, nil
}

func (m *memoryConfigCenter) OnChange(id string, handler func(config Config)) error {
	m.handlerMux.Lock()
	defer m.handlerMux.Unlock()
	m.handlers[id] = append(m.handlers[id], handler)
	return nil
}

func (m *memoryConfigCenter) Close() error { return nil }
