package domain

import (
	"time"

	"github.com/google/uuid"

	shared "github.com/davicafu/agentbox/internal/shared/domain"
)

// ProjectIDCriteria filtra por proyecto.
type ProjectIDCriteria struct {
	ID uuid.UUID
}

func (c ProjectIDCriteria) ToConditions() []shared.Criterion {
	return []shared.Criterion{
		{Field: "project_id", Op: shared.OpEq, Value: c.ID.String()},
	}
}

type StateCriteria struct {
	State MachineState
}

func (c StateCriteria) ToConditions() []shared.Criterion {
	return []shared.Criterion{
		{Field: "state", Op: shared.OpEq, Value: string(c.State)},
	}
}

// UpdatedBeforeCriteria selecciona máquinas sin cambios desde Before.
type UpdatedBeforeCriteria struct {
	Before time.Time
}

func (c UpdatedBeforeCriteria) ToConditions() []shared.Criterion {
	return []shared.Criterion{
		{Field: "updated_at", Op: shared.OpLt, Value: c.Before},
	}
}

// ExcludeIDCriteria deja fuera una máquina concreta.
type ExcludeIDCriteria struct {
	ID uuid.UUID
}

func (c ExcludeIDCriteria) ToConditions() []shared.Criterion {
	return []shared.Criterion{
		{Field: "id", Op: shared.OpNeq, Value: c.ID.String()},
	}
}

// AllowedFields son las columnas por las que se puede filtrar u ordenar.
var AllowedFields = map[string]bool{
	"id":         true,
	"project_id": true,
	"state":      true,
	"type":       true,
	"created_at": true,
	"updated_at": true,
}
