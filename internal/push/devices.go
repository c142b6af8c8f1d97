// Package push decides whether notify_user events reach a user's devices
// and delivers them over web push. A device earns pushes by proving it can
// receive them: the subscription handshake sends a PIN by push which the
// device echoes back over the WebSocket.
package push

import "sync"

// DeviceTable tracks which devices have an open connection and whether
// their page is visible. A device is active when both hold; pushes are
// suppressed while any device is active, because the user is already
// looking at a live client.
type DeviceTable struct {
	mu      sync.Mutex
	devices map[string]*deviceState
}

type deviceState struct {
	conns   map[string]struct{}
	visible bool
}

func NewDeviceTable() *DeviceTable {
	return &DeviceTable{devices: map[string]*deviceState{}}
}

func (t *DeviceTable) state(deviceID string) *deviceState {
	d, ok := t.devices[deviceID]
	if !ok {
		d = &deviceState{conns: map[string]struct{}{}}
		t.devices[deviceID] = d
	}
	return d
}

// Connected records an open connection for the device.
func (t *DeviceTable) Connected(deviceID, connID string) {
	if deviceID == "" {
		return
	}
	t.mu.Lock()
	t.state(deviceID).conns[connID] = struct{}{}
	t.mu.Unlock()
}

// Disconnected drops one connection; the last connection going away marks
// the device offline regardless of its reported visibility.
func (t *DeviceTable) Disconnected(deviceID, connID string) {
	if deviceID == "" {
		return
	}
	t.mu.Lock()
	if d, ok := t.devices[deviceID]; ok {
		delete(d.conns, connID)
		if len(d.conns) == 0 && !d.visible {
			delete(t.devices, deviceID)
		}
	}
	t.mu.Unlock()
}

// SetVisibility records the device's last reported page visibility.
func (t *DeviceTable) SetVisibility(deviceID string, visible bool) {
	if deviceID == "" {
		return
	}
	t.mu.Lock()
	d := t.state(deviceID)
	d.visible = visible
	if !visible && len(d.conns) == 0 {
		delete(t.devices, deviceID)
	}
	t.mu.Unlock()
}

// Active reports whether the device has an open connection and is visible.
func (t *DeviceTable) Active(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[deviceID]
	return ok && d.visible && len(d.conns) > 0
}

// AnyActive reports whether any device would see the event live.
func (t *DeviceTable) AnyActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.devices {
		if d.visible && len(d.conns) > 0 {
			return true
		}
	}
	return false
}
