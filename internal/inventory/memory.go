package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"flashguard/internal/flash"
)

// MemoryInventory holds device snapshots in memory.
type MemoryInventory struct {
	mu      sync.RWMutex
	devices map[string]flash.DeviceSnapshot
}

func NewMemoryInventory(snaps ...flash.DeviceSnapshot) *MemoryInventory {
	m := &MemoryInventory{devices: make(map[string]flash.DeviceSnapshot)}
	for _, s := range snaps {
		m.devices[s.ID] = s
	}
	return m
}

// Set adds or replaces a device.
func (m *MemoryInventory) Set(s flash.DeviceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[s.ID] = s
}

func (m *MemoryInventory) Record(s flash.DeviceSnapshot) error {
	m.Set(s)
	return nil
}

func (m *MemoryInventory) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, id)
}

func (m *MemoryInventory) Snapshot(ctx context.Context, deviceID string) (*flash.DeviceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, flash.ErrNotFound)
	}
	return &s, nil
}

func (m *MemoryInventory) Devices(_ context.Context) ([]flash.DeviceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]flash.DeviceSnapshot, 0, len(m.devices))
	for _, s := range m.devices {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Recorder = (*MemoryInventory)(nil)
