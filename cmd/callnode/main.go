package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/internal/core/services"
	httphandlers "chatcall/internal/handlers/http"
	"chatcall/internal/infrastructure/middleware"
	"chatcall/internal/infrastructure/monitoring"
	"chatcall/internal/infrastructure/repositories"
	eventhub "chatcall/internal/infrastructure/signal"
	webrtcinfra "chatcall/internal/infrastructure/webrtc"
	"chatcall/pkg/config"
	"chatcall/pkg/logger"
	"chatcall/pkg/tracing"
	"chatcall/pkg/utils"
	"chatcall/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	startTime := time.Now()

	cfg, configPath, cfgErr := config.LoadFirst(
		os.Getenv("CHATCALL_CONFIG"),
		"configs/config.yaml",
		"config.yaml",
	)
	if cfgErr != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.MustNew(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if cfgErr != nil {
		log.Fatalw("failed to load config", "path", configPath, "error", cfgErr)
	}
	if configPath == "" {
		log.Infow("no config file found, using defaults")
	} else {
		log.Infow("loaded config", "path", configPath)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	user, err := localUser(cfg)
	if err != nil {
		log.Fatalw("invalid identity", "error", err)
	}
	identity := services.NewIdentityService(user, cfg.Identity.JWTSecret, cfg.Identity.TokenTTL)
	log = log.With("uid", user.ID)

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	store := repoFactory.CreateRendezvousStore()

	capturer, registrar, err := newCapturer(cfg, log)
	if err != nil {
		log.Fatalw("failed to initialize media capture", "error", err)
	}
	engine, err := webrtcinfra.NewEngine(webrtcinfra.DefaultEngineConfig(), registrar, log)
	if err != nil {
		log.Fatalw("failed to initialize webrtc engine", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(engine.Stats())
	broker := services.NewEventBroker(log)

	coord := services.NewSignalingCoordinator(store, user.ID, services.SignalingConfig{
		CandidateBufferWindow:   cfg.Call.CandidateBufferWindow,
		ProtocolViolationBudget: cfg.Call.ProtocolViolationBudget,
		DisconnectGrace:         cfg.Call.DisconnectGrace,
		HangupWriteTimeout:      cfg.Call.HangupWriteTimeout,
	}, collector, broker, log)
	if locker := repoFactory.CreateAnswerLocker(); locker != nil {
		coord.UseAnswerLocker(locker)
	}

	manager := services.NewMediaSessionManager(coord, capturer, engine, broker, services.SessionConfig{
		ICE:          iceConfig(cfg),
		SetupTimeout: cfg.Call.SetupTimeout,
	}, log)
	controller := services.NewCallActivationController(manager, broker, services.ControllerConfig{
		MaxRingDuration: cfg.Call.MaxRingDuration,
	}, log)
	watcher := services.NewIncomingCallWatcher(store, user.ID, controller, broker, collector, services.WatcherConfig{
		RejectWriteTimeout: cfg.Call.HangupWriteTimeout,
	}, log)

	health := monitoring.NewHealthChecker(log)
	health.AddStoreCheck(store, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	health.AddReadinessCheck(store, engine, cfg.Monitoring.HealthCheckInterval, 5*time.Second)
	health.StartBackgroundChecks(ctx)

	hub := eventhub.NewEventHub(broker, controller, watcher, middleware.NewConnectionLimiter(cfg), eventhub.Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSizeBytes,
		CommandTimeout: cfg.Call.SetupTimeout,
	}, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(identity, cfg.Identity.RequireAuth))
	httphandlers.NewCallHandler(controller, watcher).SetupRoutes(api)
	httphandlers.NewIdentityHandler(identity, cfg.Identity.TokenTTL).SetupRoutes(api)

	router.GET("/ws", middleware.AuthMiddleware(identity, cfg.Identity.RequireAuth), gin.WrapF(hub.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    utils.FormatDuration(time.Since(startTime)),
			"call":      controller.State().Phase,
			"clients":   hub.ClientCount(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		checkCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		status := health.GetReadinessStatus(checkCtx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})))
		log.Infow("prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting call node",
			"address", cfg.Server.Address,
			"rendezvous", repoFactory.Backend(),
			"media_source", cfg.Call.MediaSource,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	watcher.Stop()
	controller.EndCall()
	hub.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}

	log.Info("call node stopped")
}

// localUser takes the user from an identity token when one is configured,
// otherwise from identity.user_id.
func localUser(cfg *config.Config) (domain.User, error) {
	user := domain.User{
		ID:   domain.UserID(cfg.Identity.UserID),
		Name: cfg.Identity.DisplayName,
	}
	if cfg.Identity.Token != "" {
		claims, err := services.NewIdentityService(domain.User{}, cfg.Identity.JWTSecret, cfg.Identity.TokenTTL).
			ValidateToken(cfg.Identity.Token)
		if err != nil {
			return domain.User{}, err
		}
		user.ID = claims.UserID
		if claims.Name != "" {
			user.Name = claims.Name
		}
	}
	if err := validation.ValidateUserID(string(user.ID)); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

func newCapturer(cfg *config.Config, log *zap.SugaredLogger) (ports.MediaCapturer, webrtcinfra.CodecRegistrar, error) {
	if cfg.Call.MediaSource == "devices" {
		devices, err := webrtcinfra.NewDeviceCapturer(log)
		if err != nil {
			return nil, nil, err
		}
		return devices, devices, nil
	}
	return webrtcinfra.NewSyntheticCapturer(log), nil, nil
}

func iceConfig(cfg *config.Config) domain.ICEConfig {
	servers := make([]domain.ICEServer, 0, len(cfg.Call.ICEServers))
	for _, s := range cfg.Call.ICEServers {
		servers = append(servers, domain.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return domain.ICEConfig{
		Servers:           servers,
		CandidatePoolSize: cfg.Call.ICECandidatePoolSize,
	}
}
