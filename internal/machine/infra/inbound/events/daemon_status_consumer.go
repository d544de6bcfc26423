package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	machineDomain "github.com/davicafu/agentbox/internal/machine/domain"
	queueApp "github.com/davicafu/agentbox/internal/queue/application"
	sharedEvents "github.com/davicafu/agentbox/internal/shared/domain/events"
	sharedUtils "github.com/davicafu/agentbox/internal/shared/infra/utils"
)

const (
	DaemonStatusTopic     = "machine-daemon-status"
	DaemonStatusEventType = "machine.daemon_status"
)

// DaemonStatusReport es el Data del IntegrationEvent que publica el daemon.
type DaemonStatusReport struct {
	MachineID uuid.UUID `json:"machine_id"`
	Status    string    `json:"status"`
}

type MachineService interface {
	ReportDaemonStatus(ctx context.Context, id uuid.UUID, status string) (queueApp.EnqueueResult, error)
}

// DaemonStatusConsumer traduce los reportes del bus a machine:daemon-status-reported.
type DaemonStatusConsumer struct {
	service MachineService
	log     *zap.Logger
}

func NewDaemonStatusConsumer(service MachineService, log *zap.Logger) *DaemonStatusConsumer {
	return &DaemonStatusConsumer{service: service, log: log}
}

func (c *DaemonStatusConsumer) HandleMessage(ctx context.Context, key string, payload []byte) {
	var base sharedEvents.IntegrationEvent
	if err := json.Unmarshal(payload, &base); err != nil {
		c.log.Warn("⚠️ No se pudo decodificar el evento de integración", zap.String("key", key), zap.Error(err))
		return
	}

	switch base.Type {
	case DaemonStatusEventType:
		sharedUtils.UnmarshalAndHandle[DaemonStatusReport](c.log, base.Data, func(r DaemonStatusReport) {
			ctxReport, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			res, err := c.service.ReportDaemonStatus(ctxReport, r.MachineID, r.Status)
			if err != nil {
				if errors.Is(err, machineDomain.ErrMachineNotFound) {
					c.log.Info("Estado de daemon de máquina desconocida ignorado", zap.String("machine_id", r.MachineID.String()))
					return
				}
				c.log.Warn("⚠️ Fallo al procesar el estado del daemon",
					zap.String("machine_id", r.MachineID.String()),
					zap.String("status", r.Status),
					zap.Error(err),
				)
				return
			}
			c.log.Info("📡 Estado del daemon recibido por evento",
				zap.String("machine_id", r.MachineID.String()),
				zap.String("status", r.Status),
				zap.Int("matched", res.Matched),
			)
		})

	default:
		c.log.Warn("⚠️ Tipo de evento desconocido", zap.String("type", base.Type))
	}
}
