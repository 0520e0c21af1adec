package coordinator

import (
	"sync"

	"github.com/vincentbai/heroes-agent/internal/models"
)

// Monitor holds the last device state reported by the host. Safe for
// concurrent use.
type Monitor struct {
	mu    sync.RWMutex
	state models.DeviceState
}

// NewMonitor starts from initial until the host reports otherwise.
func NewMonitor(initial models.DeviceState) *Monitor {
	return &Monitor{state: initial}
}

func (m *Monitor) Current() models.DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Update stores state and reports whether the device just came online.
func (m *Monitor) Update(state models.DeviceState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cameOnline := state.Online && !m.state.Online
	m.state = state
	return cameOnline
}
