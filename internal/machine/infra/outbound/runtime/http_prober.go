package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/davicafu/agentbox/internal/machine/domain"
	"github.com/davicafu/agentbox/internal/shared/infra/utils"
)

const DefaultProbeMessage = "Reply with the word READY."

type ProberConfig struct {
	Message      string
	SendAttempts int
	SendDelay    time.Duration
	PollAttempts int
	PollInterval time.Duration
}

func (c ProberConfig) withDefaults() ProberConfig {
	if c.Message == "" {
		c.Message = DefaultProbeMessage
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = 3
	}
	if c.SendDelay <= 0 {
		c.SendDelay = 2 * time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 60
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	return c
}

// HTTPProber envía el mensaje de prueba al daemon de la máquina a través del
// proveedor y espera la respuesta por polling.
type HTTPProber struct {
	baseURL string
	token   string
	client  *http.Client
	cfg     ProberConfig
	log     *zap.Logger
}

func NewHTTPProber(baseURL, token string, cfg ProberConfig, log *zap.Logger) *HTTPProber {
	return &HTTPProber{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		cfg:     cfg.withDefaults(),
		log:     log,
	}
}

type probeRequest struct {
	Message string `json:"message"`
}

type probeResponse struct {
	OK        bool   `json:"ok"`
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
}

func (p *HTTPProber) SendProbe(ctx context.Context, m *domain.Machine) (domain.ProbeTicket, error) {
	if !m.Provisioned() {
		return domain.ProbeTicket{}, domain.ErrMachineNotReady
	}
	endpoint := p.baseURL + "/machines/" + url.PathEscape(m.ExternalID) + "/probe"

	var resp probeResponse
	err := utils.Retry(ctx, p.cfg.SendAttempts, p.cfg.SendDelay, func() error {
		resp = probeResponse{}
		if err := doJSON(ctx, p.client, http.MethodPost, endpoint, p.token, probeRequest{Message: p.cfg.Message}, &resp); err != nil {
			p.log.Debug("Intento de envío de probe fallido", zap.String("machine_id", m.ID.String()), zap.Error(err))
			return err
		}
		if !resp.OK || resp.ThreadID == "" {
			return utils.Permanent(domain.ErrProbeRejected)
		}
		return nil
	})
	if err != nil {
		return domain.ProbeTicket{}, err
	}
	return domain.ProbeTicket{ThreadID: resp.ThreadID, MessageID: resp.MessageID}, nil
}

type answerResponse struct {
	Status   string `json:"status"` // pending | answered | failed
	Response string `json:"response,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

var errAnswerPending = errors.New("probe answer pending")

// PollForAnswer consulta hasta PollAttempts veces. Los errores de red y las
// respuestas pendientes se reintentan; agotar el presupuesto es un fallo del probe.
func (p *HTTPProber) PollForAnswer(ctx context.Context, m *domain.Machine, threadID string) (domain.ProbeAnswer, error) {
	endpoint := p.baseURL + "/machines/" + url.PathEscape(m.ExternalID) + "/threads/" + url.PathEscape(threadID) + "/answer"

	var answer answerResponse
	err := utils.Retry(ctx, p.cfg.PollAttempts, p.cfg.PollInterval, func() error {
		answer = answerResponse{}
		if err := doJSON(ctx, p.client, http.MethodGet, endpoint, p.token, nil, &answer); err != nil {
			return err
		}
		if answer.Status == "" || answer.Status == "pending" {
			return errAnswerPending
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errAnswerPending) {
			return domain.ProbeAnswer{OK: false, Detail: fmt.Sprintf("no answer after %d polls", p.cfg.PollAttempts)}, nil
		}
		return domain.ProbeAnswer{}, err
	}

	if answer.Status == "answered" {
		return domain.ProbeAnswer{OK: true, Response: answer.Response}, nil
	}
	return domain.ProbeAnswer{OK: false, Detail: answer.Detail}, nil
}

var _ domain.Prober = (*HTTPProber)(nil)
