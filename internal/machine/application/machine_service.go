package application

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/agentbox/internal/machine/domain"
	queueApp "github.com/davicafu/agentbox/internal/queue/application"
	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	sharedDomain "github.com/davicafu/agentbox/internal/shared/domain"
	"github.com/davicafu/agentbox/internal/shared/domain/events"
	sharedCache "github.com/davicafu/agentbox/internal/shared/infra/platform/cache"
	sharedQuery "github.com/davicafu/agentbox/internal/shared/infra/platform/query"
	sharedTx "github.com/davicafu/agentbox/internal/shared/infra/platform/tx"
	"github.com/davicafu/agentbox/internal/shared/infra/utils"
)

const (
	machineCacheTTL  = 60
	defaultListLimit = 50
	maxListLimit     = 500
)

// MachineService agrupa los casos de uso de entrada del ciclo de vida.
type MachineService struct {
	db       *sql.DB
	repo     domain.MachineRepository
	enqueuer *queueApp.Enqueuer
	runtime  domain.Runtime
	cache    sharedCache.Cache
	clock    queueDomain.Clock
	log      *zap.Logger
}

func NewMachineService(
	db *sql.DB,
	repo domain.MachineRepository,
	enqueuer *queueApp.Enqueuer,
	runtime domain.Runtime,
	cache sharedCache.Cache,
	clock queueDomain.Clock,
	log *zap.Logger,
) *MachineService {
	if clock == nil {
		clock = queueDomain.SystemClock
	}
	return &MachineService{
		db:       db,
		repo:     repo,
		enqueuer: enqueuer,
		runtime:  runtime,
		cache:    cache,
		clock:    clock,
		log:      log,
	}
}

// CreateMachine inserta la máquina en starting y emite machine:created en la
// misma transacción.
func (s *MachineService) CreateMachine(ctx context.Context, projectID uuid.UUID, machineType string, metadata json.RawMessage) (*domain.Machine, error) {
	m, err := domain.NewMachine(projectID, machineType, metadata, s.clock())
	if err != nil {
		return nil, err
	}

	err = sharedTx.Run(ctx, s.db, func(ctx context.Context, t *sharedTx.Tx) error {
		if err := s.repo.Create(ctx, t, m); err != nil {
			return err
		}
		_, err := queueApp.Emit(ctx, s.enqueuer, t, events.MachineCreated, events.MachineCreatedPayload{
			MachineID: m.ID,
			ProjectID: m.ProjectID,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create machine: %w", err)
	}

	s.log.Info("✅ Máquina creada",
		zap.String("machine_id", m.ID.String()),
		zap.String("project_id", m.ProjectID.String()),
		zap.String("type", m.Type),
	)
	sharedCache.AsyncCacheSet(s.cache, domain.MachineCacheKeyByID(m.ID), m, machineCacheTTL, s.log)
	return m, nil
}

// ReportDaemonStatus registra el estado que reporta el daemon de la máquina.
// El externalId se toma de la fila, así el guard del probe ve el valor real.
func (s *MachineService) ReportDaemonStatus(ctx context.Context, id uuid.UUID, status string) (queueApp.EnqueueResult, error) {
	m, err := s.repo.GetByID(ctx, nil, id)
	if err != nil {
		return queueApp.EnqueueResult{}, err
	}

	var res queueApp.EnqueueResult
	err = sharedTx.Run(ctx, s.db, func(ctx context.Context, t *sharedTx.Tx) error {
		var err error
		res, err = queueApp.Emit(ctx, s.enqueuer, t, events.MachineDaemonStatusReported, events.DaemonStatusReportedPayload{
			MachineID:  m.ID,
			ExternalID: m.ExternalID,
			Status:     status,
		})
		return err
	})
	if err != nil {
		return queueApp.EnqueueResult{}, fmt.Errorf("failed to report daemon status: %w", err)
	}

	s.log.Info("📡 Estado del daemon recibido",
		zap.String("machine_id", m.ID.String()),
		zap.String("status", status),
		zap.Int("matched", res.Matched),
	)
	return res, nil
}

// RequestArchive pide el archivado explícito de una máquina.
func (s *MachineService) RequestArchive(ctx context.Context, id uuid.UUID, reason string) error {
	m, err := s.repo.GetByID(ctx, nil, id)
	if err != nil {
		return err
	}
	if m.State == domain.StateArchived {
		return fmt.Errorf("%w: machine already archived", domain.ErrInvalidTransition)
	}
	if reason == "" {
		reason = "requested"
	}

	return sharedTx.Run(ctx, s.db, func(ctx context.Context, t *sharedTx.Tx) error {
		_, err := queueApp.Emit(ctx, s.enqueuer, t, events.MachineArchiveRequested, events.ArchiveRequestedPayload{
			MachineID: m.ID,
			Reason:    reason,
		})
		return err
	})
}

// GetMachine usa cache-aside.
func (s *MachineService) GetMachine(ctx context.Context, id uuid.UUID) (*domain.Machine, error) {
	key := domain.MachineCacheKeyByID(id)
	if s.cache != nil {
		var m domain.Machine
		if ok, _ := s.cache.Get(ctx, key, &m); ok {
			return &m, nil
		}
	}

	var m *domain.Machine
	err := utils.Retry(ctx, 3, 100*time.Millisecond, func() error {
		var err error
		m, err = s.repo.GetByID(ctx, nil, id)
		if errors.Is(err, domain.ErrMachineNotFound) {
			return utils.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	sharedCache.AsyncCacheSet(s.cache, key, m, machineCacheTTL, s.log)
	return m, nil
}

func (s *MachineService) ListMachines(ctx context.Context, criteria sharedDomain.Criteria, pagination sharedQuery.OffsetPagination, sort sharedQuery.Sort) ([]*domain.Machine, error) {
	pagination = pagination.Normalize(defaultListLimit, maxListLimit)
	if sort.Field == "" || !domain.AllowedFields[sort.Field] {
		sort = sharedQuery.Sort{Field: "created_at", Desc: true}
	}
	return s.repo.ListByCriteria(ctx, criteria, pagination, sort)
}

// RunCommand reenvía start/stop/restart al runtime.
func (s *MachineService) RunCommand(ctx context.Context, id uuid.UUID, cmd domain.Command) error {
	m, err := s.GetMachine(ctx, id)
	if err != nil {
		return err
	}
	if !m.Provisioned() {
		return domain.ErrMachineNotReady
	}
	if m.State == domain.StateArchived {
		return fmt.Errorf("%w: machine is archived", domain.ErrInvalidTransition)
	}

	switch cmd {
	case domain.CommandStart:
		err = s.runtime.Start(ctx, m.ExternalID)
	case domain.CommandStop:
		err = s.runtime.Stop(ctx, m.ExternalID)
	case domain.CommandRestart:
		err = s.runtime.Restart(ctx, m.ExternalID)
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedCommand, cmd)
	}
	if err != nil {
		return fmt.Errorf("runtime %s failed: %w", cmd, err)
	}

	s.log.Info("✅ Comando ejecutado en el runtime", zap.String("machine_id", m.ID.String()), zap.String("command", string(cmd)))
	return nil
}
