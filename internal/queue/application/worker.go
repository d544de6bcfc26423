package application

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultPollInterval = 2 * time.Second

// Worker ejecuta ProcessQueue en segundo plano. Se despierta por tres vías:
// Notify tras un commit, timers para mensajes con retraso y un ticker de
// respaldo que recoge reintentos y leases vencidos.
type Worker struct {
	processor *Processor
	interval  time.Duration
	wake      chan struct{}
	log       *zap.Logger

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func NewWorker(processor *Processor, interval time.Duration, log *zap.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Worker{
		processor: processor,
		interval:  interval,
		wake:      make(chan struct{}, 1),
		timers:    make(map[*time.Timer]struct{}),
		log:       log,
	}
}

// Notify pide una pasada del worker tras delay. Nunca bloquea: varias
// notificaciones seguidas se colapsan en una sola pasada.
func (w *Worker) Notify(_ context.Context, delay time.Duration) error {
	if delay <= 0 {
		w.signal()
		return nil
	}
	// Más allá del intervalo el ticker ya lo recogerá.
	if delay > w.interval {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		w.mu.Lock()
		delete(w.timers, timer)
		w.mu.Unlock()
		w.signal()
	})
	w.timers[timer] = struct{}{}
	return nil
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start bloquea hasta que ctx se cancela.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	defer w.stopTimers()

	w.log.Info("🚀 Worker de cola iniciado", zap.Duration("interval", w.interval))

	// Pasada inicial: mensajes que quedaron pendientes antes del arranque.
	w.run(ctx)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("🛑 Worker de cola detenido")
			return
		case <-w.wake:
			w.run(ctx)
		case <-ticker.C:
			w.run(ctx)
		}
	}
}

func (w *Worker) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := w.processor.ProcessQueue(ctx); err != nil {
		w.log.Warn("⚠️ Fallo al procesar la cola", zap.Error(err))
	}
}

func (w *Worker) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for t := range w.timers {
		t.Stop()
	}
	w.timers = nil
}
