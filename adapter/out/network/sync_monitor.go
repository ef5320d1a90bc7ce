package network

import (
	"sync"

	"fitsync_client/core/port/out"
	"fitsync_client/pkg/logger"
)

// Monitor tracks backend reachability. The platform layer (native bridge or
// the diagnostic API) pushes transitions in with SetOnline; subscribers are
// notified only on actual state changes.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]func(online bool)
	nextID int
	log    *logger.Logger
}

// Interface compliance check
var _ out.NetworkMonitorPort = (*Monitor)(nil)

func NewMonitor(initialOnline bool) *Monitor {
	return &Monitor{
		online: initialOnline,
		subs:   make(map[int]func(bool)),
		log:    logger.WithField("component", "network_monitor"),
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a reachability transition and fans it out. Setting the
// current state again is a no-op.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.log.Info("[Monitor.SetOnline] online=%t", online)
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers a transition callback and returns an idempotent
// unsubscribe.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}
