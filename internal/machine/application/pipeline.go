package application

import (
	"context"
	"database/sql"
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
	sharedBus "github.com/davicafu/agentbox/internal/shared/infra/platform/bus"
	sharedCache "github.com/davicafu/agentbox/internal/shared/infra/platform/cache"
	sharedQuery "github.com/davicafu/agentbox/internal/shared/infra/platform/query"
	sharedTx "github.com/davicafu/agentbox/internal/shared/infra/platform/tx"
	"github.com/davicafu/agentbox/internal/shared/infra/utils"
)

// Nombres de los consumidores del pipeline.
const (
	ConsumerProvision      = "provisionMachine"
	ConsumerSendProbe      = "sendReadinessProbe"
	ConsumerAwaitProbe     = "awaitProbeAnswer"
	ConsumerActivate       = "activateMachine"
	ConsumerMarkError      = "markMachineError"
	ConsumerArchiveStale   = "archiveStaleMachines"
	ConsumerArchiveMachine = "archiveMachine"
	ConsumerRelay          = "relayIntegrationEvent"
)

const (
	DefaultProbeWarmup    = 10 * time.Second
	DefaultDaemonStatusVT = 3 * time.Minute
	DefaultProbeSentVT    = 5 * time.Minute
	DefaultRetention      = 48 * time.Hour

	staleBatchLimit = 500
)

type PipelineConfig struct {
	ProbeWarmup    time.Duration
	DaemonStatusVT time.Duration // cubre los reintentos internos de SendProbe
	ProbeSentVT    time.Duration // cubre el polling de PollForAnswer
	Retention      time.Duration
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.ProbeWarmup < 0 {
		c.ProbeWarmup = 0
	}
	if c.DaemonStatusVT <= 0 {
		c.DaemonStatusVT = DefaultDaemonStatusVT
	}
	if c.ProbeSentVT <= 0 {
		c.ProbeSentVT = DefaultProbeSentVT
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Pipeline encadena los consumidores que llevan una máquina de starting a
// active (o error) y retiran las que quedan detached.
type Pipeline struct {
	db       *sql.DB
	repo     domain.MachineRepository
	enqueuer *queueApp.Enqueuer
	runtime  domain.Runtime
	prober   domain.Prober
	cache    sharedCache.Cache
	bus      sharedBus.EventBus // opcional
	clock    queueDomain.Clock
	cfg      PipelineConfig
	log      *zap.Logger
}

func NewPipeline(
	db *sql.DB,
	repo domain.MachineRepository,
	enqueuer *queueApp.Enqueuer,
	runtime domain.Runtime,
	prober domain.Prober,
	cache sharedCache.Cache,
	bus sharedBus.EventBus,
	clock queueDomain.Clock,
	cfg PipelineConfig,
	log *zap.Logger,
) *Pipeline {
	if clock == nil {
		clock = queueDomain.SystemClock
	}
	return &Pipeline{
		db:       db,
		repo:     repo,
		enqueuer: enqueuer,
		runtime:  runtime,
		prober:   prober,
		cache:    cache,
		bus:      bus,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// Register da de alta todos los consumidores del pipeline en r.
func (p *Pipeline) Register(r *queueDomain.Registry) error {
	regs := []func() error{
		func() error {
			return queueDomain.Register(r, events.MachineCreated, queueDomain.Consumer[events.MachineCreatedPayload]{
				Name:   ConsumerProvision,
				Handle: p.provision,
			})
		},
		func() error {
			return queueDomain.Register(r, events.MachineDaemonStatusReported, queueDomain.Consumer[events.DaemonStatusReportedPayload]{
				Name: ConsumerSendProbe,
				Guard: func(e events.DaemonStatusReportedPayload) bool {
					return e.Status == events.DaemonStatusReady && e.ExternalID != ""
				},
				Delay:             func(events.DaemonStatusReportedPayload) time.Duration { return p.cfg.ProbeWarmup },
				VisibilityTimeout: p.cfg.DaemonStatusVT,
				Handle:            p.sendProbe,
			})
		},
		func() error {
			return queueDomain.Register(r, events.MachineProbeSent, queueDomain.Consumer[events.ProbeSentPayload]{
				Name:              ConsumerAwaitProbe,
				VisibilityTimeout: p.cfg.ProbeSentVT,
				Handle:            p.awaitProbe,
			})
		},
		func() error {
			return queueDomain.Register(r, events.MachineProbeSucceeded, queueDomain.Consumer[events.ProbeSucceededPayload]{
				Name:   ConsumerActivate,
				Handle: p.activate,
			})
		},
		func() error {
			return queueDomain.Register(r, events.MachineProbeFailed, queueDomain.Consumer[events.ProbeFailedPayload]{
				Name:   ConsumerMarkError,
				Handle: p.markError,
			})
		},
		func() error {
			return queueDomain.Register(r, events.MachineActivated, queueDomain.Consumer[events.MachineActivatedPayload]{
				Name:   ConsumerArchiveStale,
				Handle: p.archiveStale,
			})
		},
		func() error {
			return queueDomain.Register(r, events.MachineArchiveRequested, queueDomain.Consumer[events.ArchiveRequestedPayload]{
				Name:   ConsumerArchiveMachine,
				Handle: p.archive,
			})
		},
	}
	if p.bus != nil {
		regs = append(regs, func() error { return registerRelay(r, p.bus, p.clock, p.log) })
	}

	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

// load devuelve nil sin error si la máquina ya no existe.
func (p *Pipeline) load(ctx context.Context, id uuid.UUID) (*domain.Machine, error) {
	m, err := p.repo.GetByID(ctx, nil, id)
	if errors.Is(err, domain.ErrMachineNotFound) {
		return nil, nil
	}
	return m, err
}

func (p *Pipeline) invalidate(ctx context.Context, ids ...uuid.UUID) {
	for _, id := range ids {
		sharedCache.InvalidateSync(ctx, p.cache, domain.MachineCacheKeyByID(id), p.log)
	}
}

func skipped(reason string) (string, error) {
	return "skipped: " + reason, nil
}

// giveUp emite machine:probe-failed cuando el último intento de un paso
// previo al probe falla, para que la máquina no se quede en starting.
// Devuelve siempre cause, así el mensaje se archiva como failed.
func (p *Pipeline) giveUp(ctx context.Context, m *domain.Machine, d queueDomain.Delivery, cause error) error {
	if !d.LastAttempt {
		return cause
	}
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := sharedTx.Run(emitCtx, p.db, func(ctx context.Context, t *sharedTx.Tx) error {
		_, err := queueApp.Emit(ctx, p.enqueuer, t, events.MachineProbeFailed, events.ProbeFailedPayload{
			MachineID: m.ID,
			Detail:    fmt.Sprintf("%s gave up after %d attempts: %v", d.ConsumerName, d.ReadCount, cause),
		})
		return err
	})
	if err != nil {
		return errors.Join(cause, err)
	}
	p.log.Warn("⚠️ Reintentos agotados, la máquina pasará a error",
		zap.String("machine_id", m.ID.String()), zap.String("consumer", d.ConsumerName), zap.Error(cause))
	return cause
}

// ---------------- machine:created ----------------

func (p *Pipeline) provision(ctx context.Context, e events.MachineCreatedPayload, d queueDomain.Delivery) (string, error) {
	m, err := p.load(ctx, e.MachineID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return skipped("machine not found")
	}
	if m.State != domain.StateStarting {
		return skipped(fmt.Sprintf("state is %s", m.State))
	}
	if m.Provisioned() {
		return skipped("already provisioned")
	}

	inst, err := p.runtime.Create(ctx, m)
	if err != nil {
		return "", p.giveUp(ctx, m, d, fmt.Errorf("runtime create failed: %w", err))
	}

	merged, err := utils.MergeJSON(m.Metadata, inst.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to merge runtime metadata: %w", err)
	}
	m.ExternalID = inst.ExternalID
	m.Metadata = merged
	m.UpdatedAt = p.clock()

	if err := p.repo.Update(ctx, nil, m, domain.StateStarting); err != nil {
		if errors.Is(err, domain.ErrStateChanged) {
			// Nadie más conoce el externalId: el recurso se libera aquí.
			if err := utils.Retry(ctx, 3, 200*time.Millisecond, func() error {
				return p.runtime.Delete(ctx, inst.ExternalID)
			}); err != nil {
				p.log.Error("❌ No se pudo liberar el recurso huérfano",
					zap.String("machine_id", m.ID.String()), zap.String("external_id", inst.ExternalID), zap.Error(err))
				return "", fmt.Errorf("runtime delete of orphaned instance %s failed: %w", inst.ExternalID, err)
			}
			p.log.Warn("⚠️ Máquina cambió de estado durante el aprovisionamiento, recurso liberado",
				zap.String("machine_id", m.ID.String()), zap.String("external_id", inst.ExternalID))
			return skipped("state changed during provisioning")
		}
		return "", err
	}
	p.invalidate(ctx, m.ID)

	p.log.Info("✅ Máquina aprovisionada", zap.String("machine_id", m.ID.String()), zap.String("external_id", m.ExternalID))
	return fmt.Sprintf("provisioned %s", m.ExternalID), nil
}

// ---------------- machine:daemon-status-reported ----------------

func (p *Pipeline) sendProbe(ctx context.Context, e events.DaemonStatusReportedPayload, d queueDomain.Delivery) (string, error) {
	m, err := p.load(ctx, e.MachineID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return skipped("machine not found")
	}
	if m.State != domain.StateStarting {
		return skipped(fmt.Sprintf("state is %s", m.State))
	}

	ticket, err := p.prober.SendProbe(ctx, m)
	if err != nil {
		return "", p.giveUp(ctx, m, d, fmt.Errorf("send probe failed: %w", err))
	}

	err = sharedTx.Run(ctx, p.db, func(ctx context.Context, t *sharedTx.Tx) error {
		_, err := queueApp.Emit(ctx, p.enqueuer, t, events.MachineProbeSent, events.ProbeSentPayload{
			MachineID: m.ID,
			ThreadID:  ticket.ThreadID,
			MessageID: ticket.MessageID,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("probe sent on thread %s", ticket.ThreadID), nil
}

// ---------------- machine:probe-sent ----------------

// awaitProbe nunca devuelve error por un probe fallido: el resultado se
// modela como evento, porque el prober ya agotó sus reintentos.
func (p *Pipeline) awaitProbe(ctx context.Context, e events.ProbeSentPayload, _ queueDomain.Delivery) (string, error) {
	m, err := p.load(ctx, e.MachineID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return skipped("machine not found")
	}
	if m.State != domain.StateStarting {
		return skipped(fmt.Sprintf("state is %s", m.State))
	}

	answer, err := p.prober.PollForAnswer(ctx, m, e.ThreadID)
	if err != nil {
		answer = domain.ProbeAnswer{OK: false, Detail: err.Error()}
	}

	// El polling puede haber consumido el contexto; la emisión no debe perderse por ello.
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err = sharedTx.Run(emitCtx, p.db, func(ctx context.Context, t *sharedTx.Tx) error {
		if answer.OK {
			_, err := queueApp.Emit(ctx, p.enqueuer, t, events.MachineProbeSucceeded, events.ProbeSucceededPayload{
				MachineID: m.ID,
				ThreadID:  e.ThreadID,
				Response:  answer.Response,
			})
			return err
		}
		_, err := queueApp.Emit(ctx, p.enqueuer, t, events.MachineProbeFailed, events.ProbeFailedPayload{
			MachineID: m.ID,
			ThreadID:  e.ThreadID,
			Detail:    answer.Detail,
		})
		return err
	})
	if err != nil {
		return "", err
	}

	if answer.OK {
		return "probe answered", nil
	}
	p.log.Warn("⚠️ Probe de disponibilidad fallido", zap.String("machine_id", m.ID.String()), zap.String("detail", answer.Detail))
	return fmt.Sprintf("probe failed: %s", answer.Detail), nil
}

// ---------------- machine:probe-succeeded ----------------

// activate bloquea las máquinas del proyecto, vuelve a comprobar starting,
// desconecta las activas y activa ésta; todo en una transacción junto con
// la emisión de machine:activated.
func (p *Pipeline) activate(ctx context.Context, e events.ProbeSucceededPayload, _ queueDomain.Delivery) (string, error) {
	m, err := p.load(ctx, e.MachineID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return skipped("machine not found")
	}

	var (
		result    string
		activated bool
		detached  []uuid.UUID
	)
	err = sharedTx.Run(ctx, p.db, func(ctx context.Context, t *sharedTx.Tx) error {
		activated, detached = false, detached[:0]
		machines, err := p.repo.LockProject(ctx, t, m.ProjectID)
		if err != nil {
			return err
		}

		var target *domain.Machine
		for _, candidate := range machines {
			if candidate.ID == m.ID {
				target = candidate
			}
		}
		if target == nil {
			result = "skipped: machine not found"
			return nil
		}
		if target.State != domain.StateStarting {
			result = fmt.Sprintf("skipped: state is %s", target.State)
			return nil
		}

		now := p.clock()
		for _, other := range machines {
			if other.ID == target.ID || other.State != domain.StateActive {
				continue
			}
			if err := other.Detach(now); err != nil {
				return err
			}
			if err := p.repo.Update(ctx, t, other, domain.StateActive); err != nil {
				return err
			}
			detached = append(detached, other.ID)
		}

		if err := target.Activate(now); err != nil {
			return err
		}
		if err := p.repo.Update(ctx, t, target, domain.StateStarting); err != nil {
			return err
		}

		if _, err := queueApp.Emit(ctx, p.enqueuer, t, events.MachineActivated, events.MachineActivatedPayload{
			MachineID: target.ID,
			ProjectID: target.ProjectID,
		}); err != nil {
			return err
		}
		activated = true
		result = fmt.Sprintf("activated, detached %d", len(detached))
		return nil
	})
	if err != nil {
		return "", err
	}

	if !activated {
		return result, nil
	}
	p.invalidate(ctx, append(detached, m.ID)...)
	p.log.Info("✅ Máquina activada",
		zap.String("machine_id", m.ID.String()),
		zap.String("project_id", m.ProjectID.String()),
		zap.Int("detached", len(detached)),
	)
	return result, nil
}

// ---------------- machine:probe-failed ----------------

func (p *Pipeline) markError(ctx context.Context, e events.ProbeFailedPayload, _ queueDomain.Delivery) (string, error) {
	m, err := p.load(ctx, e.MachineID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return skipped("machine not found")
	}
	if m.State != domain.StateStarting {
		return skipped(fmt.Sprintf("state is %s", m.State))
	}

	if err := m.Fail(e.Detail, p.clock()); err != nil {
		return "", err
	}
	if err := p.repo.Update(ctx, nil, m, domain.StateStarting); err != nil {
		if errors.Is(err, domain.ErrStateChanged) {
			return skipped("state changed")
		}
		return "", err
	}
	p.invalidate(ctx, m.ID)

	p.log.Warn("⚠️ Máquina marcada como error", zap.String("machine_id", m.ID.String()), zap.String("detail", e.Detail))
	return "marked error", nil
}

// ---------------- machine:activated ----------------

func (p *Pipeline) archiveStale(ctx context.Context, e events.MachineActivatedPayload, _ queueDomain.Delivery) (string, error) {
	cutoff := p.clock().Add(-p.cfg.Retention)
	stale, err := p.repo.ListByCriteria(ctx,
		sharedDomain.And(
			domain.ProjectIDCriteria{ID: e.ProjectID},
			domain.StateCriteria{State: domain.StateDetached},
			domain.UpdatedBeforeCriteria{Before: cutoff},
		),
		sharedQuery.OffsetPagination{Limit: staleBatchLimit},
		sharedQuery.Sort{Field: "updated_at"},
	)
	if err != nil {
		return "", err
	}
	if len(stale) == 0 {
		return "no stale machines", nil
	}

	err = sharedTx.Run(ctx, p.db, func(ctx context.Context, t *sharedTx.Tx) error {
		for _, m := range stale {
			if _, err := queueApp.Emit(ctx, p.enqueuer, t, events.MachineArchiveRequested, events.ArchiveRequestedPayload{
				MachineID: m.ID,
				Reason:    "retention",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("requested archival of %d machines", len(stale)), nil
}

// ---------------- machine:archive-requested ----------------

func (p *Pipeline) archive(ctx context.Context, e events.ArchiveRequestedPayload, _ queueDomain.Delivery) (string, error) {
	m, err := p.load(ctx, e.MachineID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return skipped("machine not found")
	}
	if m.State == domain.StateArchived {
		return skipped("already archived")
	}

	if m.Provisioned() {
		if err := p.runtime.Archive(ctx, m.ExternalID); err != nil {
			return "", fmt.Errorf("runtime archive failed: %w", err)
		}
	}

	from := m.State
	if err := m.Archive(p.clock()); err != nil {
		return "", err
	}
	err = sharedTx.Run(ctx, p.db, func(ctx context.Context, t *sharedTx.Tx) error {
		if err := p.repo.Update(ctx, t, m, from); err != nil {
			return err
		}
		_, err := queueApp.Emit(ctx, p.enqueuer, t, events.MachineArchived, events.MachineArchivedPayload{
			MachineID: m.ID,
			ProjectID: m.ProjectID,
		})
		return err
	})
	if err != nil {
		// ErrStateChanged incluido: el reintento vuelve a leer el estado.
		return "", err
	}
	p.invalidate(ctx, m.ID)

	p.log.Info("🗄️ Máquina archivada", zap.String("machine_id", m.ID.String()), zap.String("reason", e.Reason))
	return fmt.Sprintf("archived (%s)", e.Reason), nil
}
