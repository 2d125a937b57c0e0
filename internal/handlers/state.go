// Package handlers hosts the built-in operation-handler categories.
// The interesting categories (editor, fs, terminal, command, search)
// are thin wrappers over host-IDE APIs and plug in externally; the
// state category ships here because it only needs the host itself.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentport/host/internal/dispatch"
	"github.com/agentport/host/internal/eventbus"
	"github.com/agentport/host/internal/pairing"
	"github.com/agentport/host/internal/protocol"
)

// EventDeviceRemoved is emitted after a paired device is revoked.
const EventDeviceRemoved = "state.deviceRemoved"

// Status is the host snapshot returned by state.getStatus.
type Status struct {
	Running        bool      `json:"running"`
	StartedAt      time.Time `json:"started_at"`
	ClientCount    int       `json:"client_count"`
	SessionCount   int       `json:"session_count"`
	PairingEnabled bool      `json:"pairing_enabled"`
}

// StatusProvider supplies the current host snapshot. Implemented by the
// connection server.
type StatusProvider interface {
	Status() Status
}

// DeviceManager is the slice of the pairing service the state handler
// needs. Nil when pairing is disabled.
type DeviceManager interface {
	ListDevices() ([]*pairing.Device, error)
	RevokeDevice(id string) error
}

type stateHandler struct {
	status  StatusProvider
	devices DeviceManager
	bus     *eventbus.Bus
}

// NewState builds the state.* category handler.
func NewState(status StatusProvider, devices DeviceManager, bus *eventbus.Bus) dispatch.Handler {
	h := &stateHandler{status: status, devices: devices, bus: bus}
	return dispatch.MethodMap{
		"getStatus":    h.getStatus,
		"listDevices":  h.listDevices,
		"removeDevice": h.removeDevice,
	}
}

func (h *stateHandler) getStatus(ctx context.Context, params json.RawMessage) (any, error) {
	return h.status.Status(), nil
}

func (h *stateHandler) listDevices(ctx context.Context, params json.RawMessage) (any, error) {
	if h.devices == nil {
		return nil, protocol.NewError(protocol.CodeFeatureDisabled, "Feature disabled: pairing")
	}
	devices, err := h.devices.ListDevices()
	if err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []*pairing.Device{}
	}
	return map[string]any{"devices": devices}, nil
}

func (h *stateHandler) removeDevice(ctx context.Context, params json.RawMessage) (any, error) {
	if h.devices == nil {
		return nil, protocol.NewError(protocol.CodeFeatureDisabled, "Feature disabled: pairing")
	}
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "Missing device id")
	}
	if err := h.devices.RevokeDevice(p.ID); err != nil {
		return nil, err
	}
	h.bus.Emit(EventDeviceRemoved, map[string]string{"id": p.ID})
	return map[string]any{"removed": p.ID}, nil
}
