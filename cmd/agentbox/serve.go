package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	machineEvents "github.com/davicafu/agentbox/internal/machine/infra/inbound/events"
	machineHTTP "github.com/davicafu/agentbox/internal/machine/infra/inbound/http"
	queueHTTP "github.com/davicafu/agentbox/internal/queue/infra/inbound/http"
	infraEvents "github.com/davicafu/agentbox/internal/shared/infra/events"
	"github.com/davicafu/agentbox/pkg/logger"
	"github.com/davicafu/agentbox/pkg/utils"
)

func NewServeCommand(opts *RootOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the queue worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				opts.cfg.HTTPPort = port
			}
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "HTTP port (overrides HTTP_PORT)")
	return cmd
}

func runServe(parent context.Context, opts *RootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.Logger()
	cfg := opts.cfg

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	// ---------------- Background ----------------
	go a.worker.Start(ctx)
	if a.redisNotifier != nil {
		a.redisNotifier.Listen(ctx)
	}

	if cfg.UseKafka {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopicDaemon,
			GroupID: cfg.KafkaGroupID,
		})
		defer reader.Close()

		handler := machineEvents.NewDaemonStatusConsumer(a.machineService, log)
		infraEvents.NewConsumerAdapter(reader, handler, log).Start(ctx)
		log.Info("🎧 Escuchando estados de daemon", zap.String("topic", cfg.KafkaTopicDaemon))
	} else if a.memBus != nil {
		ch := a.memBus.Subscribe(100)
		go infraEvents.BackgroundConsumerChan(ctx, ch, infraEvents.LoggingHandler{Log: log})
	}

	// ---------------- HTTP ----------------
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		if err := a.db.PingContext(c.Request.Context()); err != nil {
			utils.SendError(c, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		utils.SendSuccess(c, http.StatusOK, gin.H{"status": "ok"})
	})
	queueHTTP.RegisterQueueRoutes(r, queueHTTP.NewQueueHandler(a.queueService))
	machineHTTP.RegisterMachineRoutes(r, machineHTTP.NewMachineHandler(a.machineService))

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("🚀 Servidor en marcha", zap.String("port", cfg.HTTPPort), zap.String("db", cfg.DBDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info("🛑 Apagando el servidor...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("❌ Apagado forzado del servidor", zap.Error(err))
	}
	log.Info("👋 Servidor detenido")
	return nil
}
