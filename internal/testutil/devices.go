package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flashguard/internal/flash"
)

// StubDeviceSource serves device snapshots from memory. Each device has a
// current snapshot; snapshots queued with Then are served one per call
// before falling back to the current one, which lets tests script what the
// device looks like while it reboots.
type StubDeviceSource struct {
	mu      sync.Mutex
	current map[string]flash.DeviceSnapshot
	queued  map[string][]flash.DeviceSnapshot
	calls   map[string]int
}

func NewStubDeviceSource() *StubDeviceSource {
	return &StubDeviceSource{
		current: make(map[string]flash.DeviceSnapshot),
		queued:  make(map[string][]flash.DeviceSnapshot),
		calls:   make(map[string]int),
	}
}

// Set replaces the device's current snapshot.
func (s *StubDeviceSource) Set(snap flash.DeviceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[snap.ID] = snap
}

// Then queues snapshots to be returned, in order, by subsequent calls. The
// last queued snapshot becomes the current one once reached.
func (s *StubDeviceSource) Then(snaps ...flash.DeviceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		s.queued[snap.ID] = append(s.queued[snap.ID], snap)
	}
}

// Remove forgets a device.
func (s *StubDeviceSource) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.current, id)
	delete(s.queued, id)
}

// Calls returns how many snapshots were requested for the device.
func (s *StubDeviceSource) Calls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *StubDeviceSource) Snapshot(ctx context.Context, id string) (*flash.DeviceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[id]++

	if q := s.queued[id]; len(q) > 0 {
		snap := q[0]
		s.queued[id] = q[1:]
		s.current[id] = snap
		return &snap, nil
	}
	snap, ok := s.current[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, flash.ErrNotFound)
	}
	return &snap, nil
}

// OnlineDevice returns a healthy production device last seen at now.
func OnlineDevice(id, version string, now time.Time) flash.DeviceSnapshot {
	return flash.DeviceSnapshot{
		ID:              id,
		Address:         "192.0.2.10",
		Port:            3232,
		Online:          true,
		LastSeen:        now,
		Mode:            flash.ModeProduction,
		FirmwareVersion: version,
		Health:          "ok",
		Class:           "esp32",
		HWFamily:        "esp32",
		Uptime:          time.Hour,
	}
}
