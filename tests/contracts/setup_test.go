package contracts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	machineApp "github.com/davicafu/agentbox/internal/machine/application"
	machineHTTP "github.com/davicafu/agentbox/internal/machine/infra/inbound/http"
	machineSQLite "github.com/davicafu/agentbox/internal/machine/infra/outbound/db/sqlite"
	"github.com/davicafu/agentbox/internal/machine/infra/outbound/filesystem"
	queueApp "github.com/davicafu/agentbox/internal/queue/application"
	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	queueHTTP "github.com/davicafu/agentbox/internal/queue/infra/inbound/http"
	queueSQLite "github.com/davicafu/agentbox/internal/queue/infra/outbound/db/sqlite"
	"github.com/davicafu/agentbox/internal/shared/infra/platform/database"
	"github.com/davicafu/agentbox/tests/mocks"
)

// testStack monta el servicio completo sobre SQLite con los routers reales.
type testStack struct {
	router         *gin.Engine
	registry       *queueDomain.Registry
	queueService   *queueApp.QueueService
	machineService *machineApp.MachineService
	runtime        *filesystem.JSONRuntime
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	dir := t.TempDir()

	db, err := database.OpenSQLite(ctx, filepath.Join(dir, "agentbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queueSQLite.InitSchema(ctx, db))
	require.NoError(t, machineSQLite.InitSchema(ctx, db))

	log := zap.NewNop()
	queueRepo := queueSQLite.NewQueueRepoSQLite(db)
	machineRepo := machineSQLite.NewMachineRepoSQLite(db)
	registry := queueDomain.NewRegistry(queueDomain.RegistryOptions{
		DefaultRetryPolicy: queueDomain.ExponentialBackoff(3, time.Second, 5*time.Second),
	})
	enqueuer := queueApp.NewEnqueuer(queueRepo, registry, nil, nil, log)
	processor := queueApp.NewProcessor(queueRepo, registry, nil, nil, queueApp.ProcessorConfig{}, log)
	queueService := queueApp.NewQueueService(db, queueRepo, registry, enqueuer, processor, nil, nil, log)

	runtime := filesystem.NewJSONRuntime(filepath.Join(dir, "runtime.json"))
	// Sin caché: las lecturas HTTP ven siempre la fila recién actualizada.
	machineService := machineApp.NewMachineService(db, machineRepo, enqueuer, runtime, nil, nil, log)
	pipeline := machineApp.NewPipeline(db, machineRepo, enqueuer, runtime, filesystem.NewLocalProber(runtime),
		nil, &mocks.DummyPublisher{}, nil, machineApp.PipelineConfig{}, log)

	require.NoError(t, queueApp.RegisterPokeConsumer(registry, log))
	require.NoError(t, pipeline.Register(registry))

	r := gin.New()
	queueHTTP.RegisterQueueRoutes(r, queueHTTP.NewQueueHandler(queueService))
	machineHTTP.RegisterMachineRoutes(r, machineHTTP.NewMachineHandler(machineService))

	return &testStack{
		router:         r,
		registry:       registry,
		queueService:   queueService,
		machineService: machineService,
		runtime:        runtime,
	}
}

// do ejecuta la petición contra el router y devuelve la respuesta grabada.
func (s *testStack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type envelope[T any] struct {
	Data  T `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) envelope[T] {
	t.Helper()
	var env envelope[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}
