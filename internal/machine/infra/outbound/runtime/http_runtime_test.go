package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/agentbox/internal/machine/domain"
)

func newTestMachine(t *testing.T) *domain.Machine {
	m, err := domain.NewMachine(uuid.New(), "sandbox", json.RawMessage(`{"size":"small"}`), time.Now())
	require.NoError(t, err)
	return m
}

func TestHTTPRuntime_Create(t *testing.T) {
	// Arrange
	m := newTestMachine(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/machines", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req createRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, m.ID.String(), req.MachineID)
		assert.JSONEq(t, `{"size":"small"}`, string(req.Metadata))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"externalId":"vm-42","metadata":{"region":"eu"}}`))
	}))
	defer srv.Close()
	rt := NewHTTPRuntime(srv.URL, "secret", time.Second, zap.NewNop())

	// Act
	inst, err := rt.Create(context.Background(), m)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "vm-42", inst.ExternalID)
	assert.JSONEq(t, `{"region":"eu"}`, string(inst.Metadata))
}

func TestHTTPRuntime_CreateRejectsEmptyExternalID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	rt := NewHTTPRuntime(srv.URL, "", time.Second, zap.NewNop())

	_, err := rt.Create(context.Background(), newTestMachine(t))

	assert.ErrorContains(t, err, "empty externalId")
}

func TestHTTPRuntime_ActionsAndStatusErrors(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/machines/vm-1/stop" {
			http.Error(w, "busy", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	rt := NewHTTPRuntime(srv.URL, "", time.Second, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, rt.Start(ctx, "vm-1"))
	require.NoError(t, rt.Restart(ctx, "vm-1"))
	require.NoError(t, rt.Archive(ctx, "vm-1"))
	require.NoError(t, rt.Delete(ctx, "vm-1"))
	err := rt.Stop(ctx, "vm-1")

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusConflict, statusErr.Status)
	assert.Equal(t, []string{
		"POST /machines/vm-1/start",
		"POST /machines/vm-1/restart",
		"POST /machines/vm-1/archive",
		"DELETE /machines/vm-1",
		"POST /machines/vm-1/stop",
	}, paths)
}

func TestHTTPRuntime_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	rt := NewHTTPRuntime(srv.URL, "", time.Second, zap.NewNop())

	for i := 0; i < 5; i++ {
		_ = rt.Start(context.Background(), "vm-1")
	}
	err := rt.Start(context.Background(), "vm-1")

	assert.ErrorContains(t, err, "machine runtime unavailable")
	assert.Equal(t, int32(5), hits.Load())
}

func TestHTTPProber_SendAndPoll(t *testing.T) {
	// Arrange
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/machines/vm-1/probe":
			var req probeRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, DefaultProbeMessage, req.Message)
			_, _ = w.Write([]byte(`{"ok":true,"threadId":"th-1","messageId":"msg-1"}`))
		case "/machines/vm-1/threads/th-1/answer":
			if polls.Add(1) < 3 {
				_, _ = w.Write([]byte(`{"status":"pending"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"answered","response":"READY"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	prober := NewHTTPProber(srv.URL, "", ProberConfig{PollAttempts: 5, PollInterval: time.Millisecond}, zap.NewNop())
	m := newTestMachine(t)
	m.ExternalID = "vm-1"

	// Act
	ticket, err := prober.SendProbe(context.Background(), m)
	require.NoError(t, err)
	answer, err := prober.PollForAnswer(context.Background(), m, ticket.ThreadID)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, domain.ProbeTicket{ThreadID: "th-1", MessageID: "msg-1"}, ticket)
	assert.Equal(t, domain.ProbeAnswer{OK: true, Response: "READY"}, answer)
	assert.Equal(t, int32(3), polls.Load())
}

func TestHTTPProber_PollBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"pending"}`))
	}))
	defer srv.Close()
	prober := NewHTTPProber(srv.URL, "", ProberConfig{PollAttempts: 3, PollInterval: time.Millisecond}, zap.NewNop())
	m := newTestMachine(t)
	m.ExternalID = "vm-1"

	answer, err := prober.PollForAnswer(context.Background(), m, "th-1")

	require.NoError(t, err)
	assert.False(t, answer.OK)
	assert.Equal(t, "no answer after 3 polls", answer.Detail)
}

func TestHTTPProber_RejectedProbeIsNotRetried(t *testing.T) {
	var sends atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sends.Add(1)
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()
	prober := NewHTTPProber(srv.URL, "", ProberConfig{SendAttempts: 3, SendDelay: time.Millisecond}, zap.NewNop())
	m := newTestMachine(t)
	m.ExternalID = "vm-1"

	_, err := prober.SendProbe(context.Background(), m)

	assert.ErrorIs(t, err, domain.ErrProbeRejected)
	assert.Equal(t, int32(1), sends.Load())
}

func TestHTTPProber_RequiresProvisionedMachine(t *testing.T) {
	prober := NewHTTPProber("http://unused", "", ProberConfig{}, zap.NewNop())

	_, err := prober.SendProbe(context.Background(), newTestMachine(t))

	assert.ErrorIs(t, err, domain.ErrMachineNotReady)
}
