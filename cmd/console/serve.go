package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"opsconsole/internal/core/services"
	httphandlers "opsconsole/internal/handlers/http"
	"opsconsole/internal/infrastructure/distributed"
	"opsconsole/internal/infrastructure/livekit"
	"opsconsole/internal/infrastructure/middleware"
	"opsconsole/internal/infrastructure/monitoring"
	wshub "opsconsole/internal/infrastructure/signal"
	"opsconsole/internal/infrastructure/simulator"
	"opsconsole/pkg/config"
	"opsconsole/pkg/logger"
	"opsconsole/pkg/retry"
	"opsconsole/pkg/tracing"
	"opsconsole/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var mockMode bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the console API, websocket hub and monitor loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("mock") {
				cfg.Simulator.MockMode = mockMode
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("invalid configuration: %w", err)
				}
			}
			return serve(cfg)
		},
	}
	cmd.Flags().BoolVar(&mockMode, "mock", true, "generate simulated rooms instead of reading a LiveKit server")
	return cmd
}

func serve(cfg *config.Config) error {
	zapLogger, err := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "opsconsole",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := distributed.NewRelay(ctx, cfg, log)

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	store := services.NewMetricsStore(cfg.HistoryCapacity(), services.WithRateWindow(cfg.Metrics.RateWindow))
	engine := services.NewAlertEngine(services.AlertConfig{
		DisconnectRateThreshold:   cfg.Alerts.DisconnectRateThreshold,
		ParticipantCountThreshold: cfg.Alerts.ParticipantCountThreshold,
		RoomDurationWarning:       cfg.Alerts.RoomDurationWarning,
		Cooldown:                  cfg.Alerts.Cooldown,
		ResolvedHistory:           cfg.Alerts.ResolvedHistory,
	}, log)

	hub := wshub.NewHub(wshub.HubConfig{
		HeartbeatInterval: cfg.WebSocket.HeartbeatInterval,
		PingInterval:      cfg.WebSocket.PingInterval,
		PongTimeout:       cfg.WebSocket.PongTimeout,
		WriteTimeout:      cfg.WebSocket.WriteTimeout,
		MaxMessageBytes:   cfg.WebSocket.MaxMessageBytes,
		AllowedOrigins:    cfg.CORS.AllowedOrigins,
	}, log, wshub.WithObserver(collector))

	monitor := services.NewMonitor(store,
		engine,
		hub,
		cfg.Metrics.UpdateInterval,
		log,
		services.WithPublisher(relay.Publisher),
		services.WithMonitorObserver(collector),
	)

	webhooks := livekit.NewWebhookProcessor(store, monitor, log,
		livekit.WithWebhookKeys(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret),
		livekit.WithWebhookObserver(collector),
	)

	// producers feed the store; the monitor runs in both modes
	var producers sync.WaitGroup
	producerCtx, stopProducers := context.WithCancel(ctx)
	defer stopProducers()

	runProducer := func(run func(context.Context)) {
		producers.Add(1)
		go func() {
			defer producers.Done()
			run(producerCtx)
		}()
	}

	var poller *livekit.Poller
	switch {
	case cfg.Simulator.MockMode:
		sim := simulator.New(simulator.Config{
			Interval:        cfg.Metrics.UpdateInterval,
			TargetRooms:     cfg.Simulator.TargetRooms,
			MinParticipants: cfg.Simulator.MinParticipants,
			MaxParticipants: cfg.Simulator.MaxParticipants,
			MinRoomLifetime: cfg.Simulator.MinRoomLifetime,
			MaxRoomLifetime: cfg.Simulator.MaxRoomLifetime,
			ChurnRate:       cfg.Simulator.ChurnRate,
			QualityFlux:     cfg.Simulator.QualityFlux,
		}, store, monitor, log)
		runProducer(sim.Run)
		log.Infow("mock mode enabled", "target_rooms", cfg.Simulator.TargetRooms)

	case cfg.LiveKit.APIKey != "" && cfg.LiveKit.APISecret != "":
		poller = livekit.NewPoller(livekit.PollerConfig{
			URL:            cfg.LiveKit.URL,
			APIKey:         cfg.LiveKit.APIKey,
			APISecret:      cfg.LiveKit.APISecret,
			Interval:       cfg.LiveKit.SDKPollInterval,
			RequestTimeout: cfg.LiveKit.RequestTimeout,
			Retry:          retry.DefaultConfig(),
		}, store, monitor, log, livekit.WithPollObserver(collector))
		runProducer(poller.Run)
		log.Infow("polling LiveKit server",
			"url", cfg.LiveKit.URL,
			"api_key", utils.MaskSensitive(cfg.LiveKit.APIKey, 4),
			"interval", cfg.LiveKit.SDKPollInterval,
		)

	default:
		log.Warn("no LiveKit credentials configured, room state comes from unsigned webhooks only")
	}

	runProducer(monitor.Run)
	hub.StartHeartbeat(ctx)

	health := monitoring.NewHealthChecker()
	health.AddHeartbeatCheck("monitor", monitor.LastTick, 5*cfg.Metrics.UpdateInterval)
	if relay.Client != nil {
		health.AddRedisCheck(relay.Client, 2*time.Second)
	}
	if poller != nil {
		health.AddCheck("livekit", poller.Health, time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.ErrorHandlerMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogger(logger.NewContextLogger(zapLogger)),
		middleware.CORSMiddleware(cfg.CORS.AllowedOrigins),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	handlerOpts := []httphandlers.ConsoleHandlerOption{httphandlers.WithHealthChecker(health)}
	if cfg.Monitoring.PrometheusEnabled {
		handlerOpts = append(handlerOpts, httphandlers.WithMetricsExporter(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}
	httphandlers.NewConsoleHandler(store, monitor, webhooks, hub, cfg.Simulator.MockMode, handlerOpts...).SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting console server", "address", cfg.Server.Address, "mock_mode", cfg.Simulator.MockMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("server failed", "error", runErr)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down console server")

	stopProducers()
	producers.Wait()
	hub.StopHeartbeat()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	// websocket connections are hijacked and not closed by Shutdown
	hub.Close()

	if err := relay.Close(); err != nil {
		log.Errorw("error closing event relay", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("console server stopped")
	return runErr
}
