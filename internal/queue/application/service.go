package application

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	"github.com/davicafu/agentbox/internal/shared/domain/events"
	sharedTx "github.com/davicafu/agentbox/internal/shared/infra/platform/tx"
)

const (
	DefaultPeekLimit = 50
	MaxPeekLimit     = 500
)

// QueueService agrupa las operaciones de operador sobre la cola.
type QueueService struct {
	db        *sql.DB
	repo      queueDomain.QueueRepository
	registry  *queueDomain.Registry
	enqueuer  *Enqueuer
	processor *Processor
	recorder  queueDomain.OutcomeRecorder // opcional
	clock     queueDomain.Clock
	log       *zap.Logger
}

func NewQueueService(
	db *sql.DB,
	repo queueDomain.QueueRepository,
	registry *queueDomain.Registry,
	enqueuer *Enqueuer,
	processor *Processor,
	recorder queueDomain.OutcomeRecorder,
	clock queueDomain.Clock,
	log *zap.Logger,
) *QueueService {
	if clock == nil {
		clock = queueDomain.SystemClock
	}
	return &QueueService{
		db:        db,
		repo:      repo,
		registry:  registry,
		enqueuer:  enqueuer,
		processor: processor,
		recorder:  recorder,
		clock:     clock,
		log:       log,
	}
}

func normalizeFilter(f queueDomain.PeekFilter) queueDomain.PeekFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultPeekLimit
	}
	if f.Limit > MaxPeekLimit {
		f.Limit = MaxPeekLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.MinReadCount < 0 {
		f.MinReadCount = 0
	}
	return f
}

// PeekQueue lista mensajes vivos, más antiguos primero.
func (s *QueueService) PeekQueue(ctx context.Context, f queueDomain.PeekFilter) ([]queueDomain.QueueMessage, error) {
	return s.repo.PeekQueue(ctx, normalizeFilter(f))
}

// PeekArchive lista mensajes archivados, más recientes primero.
func (s *QueueService) PeekArchive(ctx context.Context, f queueDomain.PeekFilter) ([]queueDomain.QueueMessage, error) {
	return s.repo.PeekArchive(ctx, normalizeFilter(f))
}

func (s *QueueService) ProcessQueue(ctx context.Context) (Summary, error) {
	return s.processor.ProcessQueue(ctx)
}

// PurgeOrphans borra los mensajes vivos cuyo consumidor ya no está registrado.
func (s *QueueService) PurgeOrphans(ctx context.Context) ([]queueDomain.ConsumerKey, error) {
	orphans, err := s.orphans(ctx)
	if err != nil {
		return nil, err
	}

	purged := make([]queueDomain.ConsumerKey, 0, len(orphans))
	for _, o := range orphans {
		n, err := s.repo.DeleteByConsumer(ctx, o.EventName, o.ConsumerName)
		if err != nil {
			return purged, fmt.Errorf("failed to purge %s/%s: %w", o.EventName, o.ConsumerName, err)
		}
		s.log.Info("🧹 Mensajes huérfanos purgados",
			zap.String("event", o.EventName.String()),
			zap.String("consumer", o.ConsumerName),
			zap.Int64("deleted", n),
		)
		purged = append(purged, queueDomain.ConsumerKey{EventName: o.EventName, ConsumerName: o.ConsumerName, Count: n})
	}
	return purged, nil
}

func (s *QueueService) orphans(ctx context.Context) ([]queueDomain.ConsumerKey, error) {
	keys, err := s.repo.CountByConsumer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue messages: %w", err)
	}
	var out []queueDomain.ConsumerKey
	for _, k := range keys {
		if _, ok := s.registry.Lookup(k.EventName, k.ConsumerName); !ok {
			out = append(out, k)
		}
	}
	return out, nil
}

type Stats struct {
	Live    []queueDomain.ConsumerKey       `json:"live"`
	Orphans []queueDomain.ConsumerKey       `json:"orphans"`
	Trend   []queueDomain.DailyOutcomeTrend `json:"trend,omitempty"`
}

// Stats resume la cola viva y, si hay recorder, la tendencia de los últimos días.
func (s *QueueService) Stats(ctx context.Context, days int) (Stats, error) {
	keys, err := s.repo.CountByConsumer(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count queue messages: %w", err)
	}
	stats := Stats{Live: keys}
	for _, k := range keys {
		if _, ok := s.registry.Lookup(k.EventName, k.ConsumerName); !ok {
			stats.Orphans = append(stats.Orphans, k)
		}
	}

	if s.recorder != nil {
		if days <= 0 {
			days = 7
		}
		end := s.clock()
		start := end.Add(-time.Duration(days) * 24 * time.Hour)
		trend, err := s.recorder.GetDailyTrend(ctx, start, end)
		if err != nil {
			s.log.Warn("⚠️ No se pudo cargar la tendencia de resultados", zap.Error(err))
		} else {
			stats.Trend = trend
		}
	}
	return stats, nil
}

// Poke encola un testing:poke en su propia transacción.
func (s *QueueService) Poke(ctx context.Context, message string, failTimes int) (EnqueueResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "hello"
	}
	if failTimes < 0 {
		failTimes = 0
	}

	var res EnqueueResult
	err := sharedTx.Run(ctx, s.db, func(ctx context.Context, t *sharedTx.Tx) error {
		var err error
		res, err = Emit(ctx, s.enqueuer, t, events.Poke, events.PokePayload{Message: message, FailTimes: failTimes})
		return err
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to enqueue poke: %w", err)
	}
	return res, nil
}
