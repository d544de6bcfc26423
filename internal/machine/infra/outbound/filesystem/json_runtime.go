package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davicafu/agentbox/internal/machine/domain"
)

// Estados de una instancia local.
const (
	InstanceRunning  = "running"
	InstanceStopped  = "stopped"
	InstanceArchived = "archived"
)

type Instance struct {
	ExternalID string          `json:"externalId"`
	MachineID  uuid.UUID       `json:"machineId"`
	ProjectID  uuid.UUID       `json:"projectId"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Restarts   int             `json:"restarts"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// JSONRuntime es un runtime de desarrollo que guarda las instancias en un
// fichero JSON en lugar de llamar a un proveedor real.
type JSONRuntime struct {
	filePath string
	mu       sync.Mutex
}

func NewJSONRuntime(filePath string) *JSONRuntime {
	return &JSONRuntime{filePath: filePath}
}

func (s *JSONRuntime) Create(ctx context.Context, m *domain.Machine) (domain.RuntimeInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instances, err := s.load()
	if err != nil {
		return domain.RuntimeInstance{}, err
	}

	// Idempotente por máquina: un reintento de provisionMachine reutiliza la instancia.
	for _, inst := range instances {
		if inst.MachineID == m.ID && inst.Status != InstanceArchived {
			return domain.RuntimeInstance{ExternalID: inst.ExternalID, Metadata: inst.Metadata}, nil
		}
	}

	inst := &Instance{
		ExternalID: "local-" + uuid.NewString()[:8],
		MachineID:  m.ID,
		ProjectID:  m.ProjectID,
		Type:       m.Type,
		Status:     InstanceRunning,
		UpdatedAt:  time.Now().UTC(),
	}
	inst.Metadata, _ = json.Marshal(map[string]string{
		"runtime":  "local",
		"instance": inst.ExternalID,
	})
	instances = append(instances, inst)

	if err := s.save(instances); err != nil {
		return domain.RuntimeInstance{}, err
	}
	return domain.RuntimeInstance{ExternalID: inst.ExternalID, Metadata: inst.Metadata}, nil
}

func (s *JSONRuntime) Start(ctx context.Context, externalID string) error {
	return s.mutate(externalID, func(inst *Instance) error {
		if inst.Status == InstanceArchived {
			return fmt.Errorf("instance %s is archived", externalID)
		}
		inst.Status = InstanceRunning
		return nil
	})
}

func (s *JSONRuntime) Stop(ctx context.Context, externalID string) error {
	return s.mutate(externalID, func(inst *Instance) error {
		if inst.Status == InstanceArchived {
			return fmt.Errorf("instance %s is archived", externalID)
		}
		inst.Status = InstanceStopped
		return nil
	})
}

func (s *JSONRuntime) Restart(ctx context.Context, externalID string) error {
	return s.mutate(externalID, func(inst *Instance) error {
		if inst.Status == InstanceArchived {
			return fmt.Errorf("instance %s is archived", externalID)
		}
		inst.Status = InstanceRunning
		inst.Restarts++
		return nil
	})
}

func (s *JSONRuntime) Archive(ctx context.Context, externalID string) error {
	return s.mutate(externalID, func(inst *Instance) error {
		inst.Status = InstanceArchived
		return nil
	})
}

func (s *JSONRuntime) Delete(ctx context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instances, err := s.load()
	if err != nil {
		return err
	}
	kept := instances[:0]
	for _, inst := range instances {
		if inst.ExternalID != externalID {
			kept = append(kept, inst)
		}
	}
	return s.save(kept)
}

// Get devuelve una instancia por id externo.
func (s *JSONRuntime) Get(ctx context.Context, externalID string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instances, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.ExternalID == externalID {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("instance %s not found", externalID)
}

func (s *JSONRuntime) mutate(externalID string, fn func(inst *Instance) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instances, err := s.load()
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.ExternalID != externalID {
			continue
		}
		if err := fn(inst); err != nil {
			return err
		}
		inst.UpdatedAt = time.Now().UTC()
		return s.save(instances)
	}
	return fmt.Errorf("instance %s not found", externalID)
}

// load es un helper interno no concurrente.
func (s *JSONRuntime) load() ([]*Instance, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Instance{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return []*Instance{}, nil
	}

	var instances []*Instance
	if err := json.Unmarshal(data, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

func (s *JSONRuntime) save(instances []*Instance) error {
	data, err := json.MarshalIndent(instances, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath)
}

var _ domain.Runtime = (*JSONRuntime)(nil)
