package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
)

const (
	DefaultBatchSize  = 10
	DefaultMaxBatches = 10
)

type ProcessorConfig struct {
	BatchSize  int
	MaxBatches int // lotes por invocación de ProcessQueue
}

// Summary resume una invocación de ProcessQueue.
type Summary struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Orphaned  int `json:"orphaned"`
	LeaseLost int `json:"lease_lost"`
}

func (s *Summary) add(o Summary) {
	s.Claimed += o.Claimed
	s.Succeeded += o.Succeeded
	s.Retried += o.Retried
	s.Failed += o.Failed
	s.Orphaned += o.Orphaned
	s.LeaseLost += o.LeaseLost
}

// Processor reclama mensajes, los despacha a su consumidor y registra el resultado.
type Processor struct {
	repo     queueDomain.QueueRepository
	registry *queueDomain.Registry
	recorder queueDomain.OutcomeRecorder // opcional
	clock    queueDomain.Clock
	cfg      ProcessorConfig
	log      *zap.Logger
}

func NewProcessor(
	repo queueDomain.QueueRepository,
	registry *queueDomain.Registry,
	recorder queueDomain.OutcomeRecorder,
	clock queueDomain.Clock,
	cfg ProcessorConfig,
	log *zap.Logger,
) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = DefaultMaxBatches
	}
	if clock == nil {
		clock = queueDomain.SystemClock
	}
	return &Processor{repo: repo, registry: registry, recorder: recorder, clock: clock, cfg: cfg, log: log}
}

// ProcessQueue reclama y procesa lotes hasta vaciar los mensajes visibles
// o agotar MaxBatches. Los errores de los handlers nunca se propagan; sólo
// se devuelven errores del almacén al reclamar.
func (p *Processor) ProcessQueue(ctx context.Context) (Summary, error) {
	var total Summary
	for i := 0; i < p.cfg.MaxBatches; i++ {
		msgs, err := p.repo.Claim(ctx, p.clock(), p.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to claim queue messages: %w", err)
		}
		if len(msgs) == 0 {
			break
		}

		batch, records := p.processBatch(ctx, msgs)
		total.add(batch)
		p.record(ctx, records)

		if len(msgs) < p.cfg.BatchSize {
			break
		}
	}

	if total.Claimed > 0 {
		p.log.Info("🔄 Cola procesada",
			zap.Int("claimed", total.Claimed),
			zap.Int("succeeded", total.Succeeded),
			zap.Int("retried", total.Retried),
			zap.Int("failed", total.Failed),
			zap.Int("orphaned", total.Orphaned),
			zap.Int("lease_lost", total.LeaseLost),
		)
	}
	return total, nil
}

func (p *Processor) processBatch(ctx context.Context, msgs []queueDomain.QueueMessage) (Summary, []queueDomain.OutcomeRecord) {
	summary := Summary{Claimed: len(msgs)}
	records := make([]queueDomain.OutcomeRecord, 0, len(msgs))

	for _, msg := range msgs {
		started := time.Now()
		status, err := p.processMessage(ctx, msg)
		switch {
		case errors.Is(err, errOrphaned):
			summary.Orphaned++
			continue
		case errors.Is(err, queueDomain.ErrLeaseLost):
			summary.LeaseLost++
			continue
		case err != nil:
			// Fallo del almacén al registrar: el lease expirará y otro intento lo recogerá.
			p.log.Error("⚠️ No se pudo registrar el resultado del mensaje",
				zap.Int64("msg_id", msg.MsgID),
				zap.String("consumer", msg.ConsumerName),
				zap.Error(err),
			)
			continue
		}

		switch status {
		case queueDomain.StatusSuccess:
			summary.Succeeded++
		case queueDomain.StatusRetrying:
			summary.Retried++
		case queueDomain.StatusFailed:
			summary.Failed++
		}
		records = append(records, queueDomain.OutcomeRecord{
			MsgID:        msg.MsgID,
			EventName:    msg.EventName,
			ConsumerName: msg.ConsumerName,
			ReadCount:    msg.ReadCount,
			Status:       status,
			Duration:     time.Since(started),
			ProcessedAt:  p.clock(),
		})
	}
	return summary, records
}

var errOrphaned = errors.New("no consumer registered for message")

func (p *Processor) processMessage(ctx context.Context, msg queueDomain.QueueMessage) (queueDomain.MessageStatus, error) {
	log := p.log.With(
		zap.Int64("msg_id", msg.MsgID),
		zap.String("event", msg.EventName.String()),
		zap.String("consumer", msg.ConsumerName),
		zap.Int("read_count", msg.ReadCount),
	)

	def, ok := p.registry.Lookup(msg.EventName, msg.ConsumerName)
	if !ok {
		log.Warn("⚠️ Mensaje huérfano: consumidor no registrado, se omite")
		return "", errOrphaned
	}

	result, handlerErr := p.invoke(ctx, def, msg)
	now := p.clock()

	if handlerErr == nil {
		msg.ProcessingResults = append(msg.ProcessingResults, queueDomain.SuccessEntry(msg.ReadCount, result))
		msg.Status = queueDomain.StatusSuccess
		if err := p.repo.Archive(ctx, msg, now); err != nil {
			return "", err
		}
		log.Debug("✅ Mensaje procesado", zap.String("result", result))
		return msg.Status, nil
	}

	if errors.Is(handlerErr, queueDomain.ErrMalformedPayload) {
		msg.ProcessingResults = append(msg.ProcessingResults,
			queueDomain.ErrorEntry(msg.ReadCount, handlerErr.Error(), "Not retried"))
		msg.Status = queueDomain.StatusFailed
		log.Error("❌ Mensaje mal formado archivado", zap.Error(handlerErr))
		if err := p.repo.Archive(ctx, msg, now); err != nil {
			return "", err
		}
		return msg.Status, nil
	}

	decision := def.RetryPolicy(msg)
	if decision.Retry {
		msg.ProcessingResults = append(msg.ProcessingResults,
			queueDomain.ErrorEntry(msg.ReadCount, handlerErr.Error(), fmt.Sprintf("Retrying in %s", decision.Delay)))
		msg.Status = queueDomain.StatusRetrying
		log.Warn("⚠️ Fallo del handler, se reintentará", zap.Duration("delay", decision.Delay), zap.Error(handlerErr))
		if err := p.repo.Retry(ctx, msg, now.Add(decision.Delay)); err != nil {
			return "", err
		}
		return msg.Status, nil
	}

	msg.ProcessingResults = append(msg.ProcessingResults,
		queueDomain.ErrorEntry(msg.ReadCount, handlerErr.Error(), fmt.Sprintf("Giving up after %d attempts", msg.ReadCount)))
	msg.Status = queueDomain.StatusFailed
	log.Error("❌ Fallo del handler, reintentos agotados", zap.Error(handlerErr))
	if err := p.repo.Archive(ctx, msg, now); err != nil {
		return "", err
	}
	return msg.Status, nil
}

// invoke ejecuta el handler acotado por el lease; un panic cuenta como error.
func (p *Processor) invoke(ctx context.Context, def *queueDomain.Definition, msg queueDomain.QueueMessage) (result string, err error) {
	handlerCtx, cancel := context.WithTimeout(ctx, def.VisibilityTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return def.Handle(handlerCtx, msg.Payload, queueDomain.Delivery{
		MsgID:        msg.MsgID,
		EventID:      msg.EventID,
		ConsumerName: msg.ConsumerName,
		ReadCount:    msg.ReadCount,
		EnqueuedAt:   msg.EnqueuedAt,
		LastAttempt:  !def.RetryPolicy(msg).Retry,
	})
}

func (p *Processor) record(ctx context.Context, records []queueDomain.OutcomeRecord) {
	if p.recorder == nil || len(records) == 0 {
		return
	}
	if err := p.recorder.LogBatch(ctx, records); err != nil {
		p.log.Warn("⚠️ No se pudieron enviar los resultados a analítica", zap.Int("records", len(records)), zap.Error(err))
	}
}
