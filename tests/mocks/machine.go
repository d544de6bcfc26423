package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	machineDomain "github.com/davicafu/agentbox/internal/machine/domain"
)

// MockRuntime simula el proveedor de máquinas.
type MockRuntime struct {
	mock.Mock
}

var _ machineDomain.Runtime = (*MockRuntime)(nil)

func (m *MockRuntime) Create(ctx context.Context, machine *machineDomain.Machine) (machineDomain.RuntimeInstance, error) {
	args := m.Called(ctx, machine)
	return args.Get(0).(machineDomain.RuntimeInstance), args.Error(1)
}

func (m *MockRuntime) Start(ctx context.Context, externalID string) error {
	return m.Called(ctx, externalID).Error(0)
}

func (m *MockRuntime) Stop(ctx context.Context, externalID string) error {
	return m.Called(ctx, externalID).Error(0)
}

func (m *MockRuntime) Restart(ctx context.Context, externalID string) error {
	return m.Called(ctx, externalID).Error(0)
}

func (m *MockRuntime) Archive(ctx context.Context, externalID string) error {
	return m.Called(ctx, externalID).Error(0)
}

func (m *MockRuntime) Delete(ctx context.Context, externalID string) error {
	return m.Called(ctx, externalID).Error(0)
}

// MockProber simula la sonda de disponibilidad.
type MockProber struct {
	mock.Mock
}

var _ machineDomain.Prober = (*MockProber)(nil)

func (m *MockProber) SendProbe(ctx context.Context, machine *machineDomain.Machine) (machineDomain.ProbeTicket, error) {
	args := m.Called(ctx, machine)
	return args.Get(0).(machineDomain.ProbeTicket), args.Error(1)
}

func (m *MockProber) PollForAnswer(ctx context.Context, machine *machineDomain.Machine, threadID string) (machineDomain.ProbeAnswer, error) {
	args := m.Called(ctx, machine, threadID)
	return args.Get(0).(machineDomain.ProbeAnswer), args.Error(1)
}

