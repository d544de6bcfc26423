package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MachineState string

const (
	StateStarting MachineState = "starting"
	StateActive   MachineState = "active"
	StateDetached MachineState = "detached"
	StateArchived MachineState = "archived"
	StateError    MachineState = "error"
)

func (s MachineState) Valid() bool {
	switch s {
	case StateStarting, StateActive, StateDetached, StateArchived, StateError:
		return true
	}
	return false
}

// CanTransition aplica la tabla de transiciones. Cualquier estado puede
// pasar a archived salvo archived mismo.
func CanTransition(from, to MachineState) bool {
	if to == StateArchived {
		return from != StateArchived
	}
	switch from {
	case StateStarting:
		return to == StateActive || to == StateError
	case StateActive:
		return to == StateDetached
	}
	return false
}

type Machine struct {
	ID          uuid.UUID       `json:"id"`
	ProjectID   uuid.UUID       `json:"projectId"`
	Type        string          `json:"type"`
	ExternalID  string          `json:"externalId,omitempty"`
	State       MachineState    `json:"state"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	ErrorDetail string          `json:"errorDetail,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func NewMachine(projectID uuid.UUID, machineType string, metadata json.RawMessage, now time.Time) (*Machine, error) {
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("%w: projectId is required", ErrInvalidMachine)
	}
	if machineType == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidMachine)
	}
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	return &Machine{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      machineType,
		State:     StateStarting,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// --- Métodos de dominio ---

func (m *Machine) transition(to MachineState, now time.Time) error {
	if !CanTransition(m.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.State, to)
	}
	m.State = to
	m.UpdatedAt = now
	return nil
}

func (m *Machine) Activate(now time.Time) error {
	return m.transition(StateActive, now)
}

func (m *Machine) Detach(now time.Time) error {
	return m.transition(StateDetached, now)
}

func (m *Machine) Archive(now time.Time) error {
	return m.transition(StateArchived, now)
}

func (m *Machine) Fail(detail string, now time.Time) error {
	if err := m.transition(StateError, now); err != nil {
		return err
	}
	m.ErrorDetail = detail
	return nil
}

// Provisioned indica si el runtime ya devolvió un id externo.
func (m *Machine) Provisioned() bool {
	return m.ExternalID != ""
}
