package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/davicafu/agentbox/internal/machine/domain"
)

// HTTPRuntime habla con el proveedor de máquinas por su API REST. Todas las
// llamadas pasan por un circuit breaker para no saturar un proveedor caído.
type HTTPRuntime struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewHTTPRuntime(baseURL, token string, timeout time.Duration, log *zap.Logger) *HTTPRuntime {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRuntime{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		breaker: newBreaker("machine-runtime", log),
		log:     log,
	}
}

func newBreaker(name string, log *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("⚠️ Cambio de estado del circuit breaker",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

type createRequest struct {
	MachineID string          `json:"machineId"`
	ProjectID string          `json:"projectId"`
	Type      string          `json:"type"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

func (r *HTTPRuntime) Create(ctx context.Context, m *domain.Machine) (domain.RuntimeInstance, error) {
	var inst domain.RuntimeInstance
	err := r.call(ctx, http.MethodPost, "/machines", createRequest{
		MachineID: m.ID.String(),
		ProjectID: m.ProjectID.String(),
		Type:      m.Type,
		Metadata:  m.Metadata,
	}, &inst)
	if err != nil {
		return domain.RuntimeInstance{}, err
	}
	if inst.ExternalID == "" {
		return domain.RuntimeInstance{}, errors.New("runtime returned an empty externalId")
	}
	return inst, nil
}

func (r *HTTPRuntime) Start(ctx context.Context, externalID string) error {
	return r.action(ctx, externalID, "start")
}

func (r *HTTPRuntime) Stop(ctx context.Context, externalID string) error {
	return r.action(ctx, externalID, "stop")
}

func (r *HTTPRuntime) Restart(ctx context.Context, externalID string) error {
	return r.action(ctx, externalID, "restart")
}

func (r *HTTPRuntime) Archive(ctx context.Context, externalID string) error {
	return r.action(ctx, externalID, "archive")
}

func (r *HTTPRuntime) Delete(ctx context.Context, externalID string) error {
	return r.call(ctx, http.MethodDelete, "/machines/"+url.PathEscape(externalID), nil, nil)
}

func (r *HTTPRuntime) action(ctx context.Context, externalID, action string) error {
	return r.call(ctx, http.MethodPost, "/machines/"+url.PathEscape(externalID)+"/"+action, nil, nil)
}

// StatusError es una respuesta no-2xx del proveedor.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("runtime responded %d: %s", e.Status, e.Body)
}

func (r *HTTPRuntime) call(ctx context.Context, method, path string, in, out any) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, doJSON(ctx, r.client, method, r.baseURL+path, r.token, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("machine runtime unavailable: %w", err)
	}
	return err
}

// doJSON envía in como JSON y decodifica la respuesta en out (si no es nil).
func doJSON(ctx context.Context, client *http.Client, method, endpoint, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Status: resp.StatusCode, Body: string(msg)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ domain.Runtime = (*HTTPRuntime)(nil)
