package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	sharedDomain "github.com/davicafu/agentbox/internal/shared/domain"
	sharedQuery "github.com/davicafu/agentbox/internal/shared/infra/platform/query"
	sharedTx "github.com/davicafu/agentbox/internal/shared/infra/platform/tx"
)

var (
	ErrMachineNotFound    = errors.New("machine not found")
	ErrInvalidMachine     = errors.New("invalid machine")
	ErrInvalidTransition  = errors.New("invalid machine state transition")
	ErrStateChanged       = errors.New("machine state changed concurrently")
	ErrMachineNotReady    = errors.New("machine has no runtime resource yet")
	ErrProbeRejected      = errors.New("readiness probe rejected")
	ErrUnsupportedCommand = errors.New("unsupported runtime command")
)

// --- Repositorio de Machines ---
//
// Los métodos que reciben *sharedTx.Tx usan la transacción si no es nil y
// la conexión directa en otro caso.
type MachineRepository interface {
	Create(ctx context.Context, t *sharedTx.Tx, m *Machine) error
	// Update guarda m sólo si el estado almacenado sigue siendo from;
	// si no, devuelve ErrStateChanged.
	Update(ctx context.Context, t *sharedTx.Tx, m *Machine, from MachineState) error
	GetByID(ctx context.Context, t *sharedTx.Tx, id uuid.UUID) (*Machine, error)
	// LockProject bloquea todas las máquinas del proyecto hasta el fin de t.
	LockProject(ctx context.Context, t *sharedTx.Tx, projectID uuid.UUID) ([]*Machine, error)
	ListByCriteria(ctx context.Context, criteria sharedDomain.Criteria, pagination sharedQuery.OffsetPagination, sort sharedQuery.Sort) ([]*Machine, error)
}

// --- Colaboradores externos ---

type RuntimeInstance struct {
	ExternalID string          `json:"externalId"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Runtime es el proveedor que aloja las máquinas.
type Runtime interface {
	Create(ctx context.Context, m *Machine) (RuntimeInstance, error)
	Start(ctx context.Context, externalID string) error
	Stop(ctx context.Context, externalID string) error
	Restart(ctx context.Context, externalID string) error
	Archive(ctx context.Context, externalID string) error
	Delete(ctx context.Context, externalID string) error
}

type ProbeTicket struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
}

type ProbeAnswer struct {
	OK       bool   `json:"ok"`
	Response string `json:"response,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Prober envía un mensaje de prueba a la máquina y espera su respuesta.
// Ambos métodos reintentan internamente los fallos de red.
type Prober interface {
	SendProbe(ctx context.Context, m *Machine) (ProbeTicket, error)
	PollForAnswer(ctx context.Context, m *Machine, threadID string) (ProbeAnswer, error)
}

// ---------- Helpers ----------

func MachineCacheKeyByID(id uuid.UUID) string {
	return fmt.Sprintf("machine:id:%s", id.String())
}

// Command es una operación directa sobre el runtime.
type Command string

const (
	CommandStart   Command = "start"
	CommandStop    Command = "stop"
	CommandRestart Command = "restart"
)
