package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/info-rubbish/meichu2025/internal/api/router"
	"github.com/info-rubbish/meichu2025/internal/auth"
	"github.com/info-rubbish/meichu2025/internal/bus"
	"github.com/info-rubbish/meichu2025/internal/chat"
	appconfig "github.com/info-rubbish/meichu2025/internal/config"
	"github.com/info-rubbish/meichu2025/internal/engine"
	"github.com/info-rubbish/meichu2025/internal/model"
	"github.com/info-rubbish/meichu2025/internal/observability/metrics"
	"github.com/info-rubbish/meichu2025/internal/prompt"
	"github.com/info-rubbish/meichu2025/internal/store"
	"github.com/info-rubbish/meichu2025/internal/tools"
	"github.com/info-rubbish/meichu2025/internal/upstream"
	"github.com/info-rubbish/meichu2025/internal/user"
	"github.com/info-rubbish/meichu2025/pkg/logging"
)

func main() {
	// Load .env when present; real deployments set the environment.
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting chat API server",
		"addr", cfg.BindAddr,
		"database", cfg.DatabaseURL,
	)

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}

	signingKey, err := st.EnsureSigningKey(context.Background())
	if err != nil {
		logger.Error("ensure signing key", "error", err)
		os.Exit(1)
	}
	tokens := auth.NewTokens(signingKey)

	registry := tools.NewRegistry(cfg.ToolTimeout)
	registry.MustRegister(tools.NewWttr())
	registry.MustRegister(tools.NewNearbyPlace())
	registry.MustRegister(tools.NewRecentMail())
	registry.MustRegister(tools.NewReplyMail())
	registry.MustRegister(tools.NewSendMail())
	registry.MustRegister(tools.NewGetMailContent())
	registry.MustRegister(tools.NewRSSSearch())

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	engineMetrics := metrics.NewEngineMetrics(reg)
	streamMetrics := metrics.NewStreamMetrics(reg)

	sessionBus := bus.New(cfg.SubscriberBuffer)
	upstreamClient := upstream.NewClient(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey)
	prompts := prompt.NewRenderer(st)

	eng := engine.New(st, upstreamClient, registry, sessionBus, prompts, logger, engineMetrics, engine.Options{
		HistoryLimit:    cfg.HistoryLimit,
		ToolLoopLimit:   cfg.ToolLoopLimit,
		UpstreamRetries: cfg.UpstreamRetries,
		TurnTimeout:     cfg.TurnTimeout,
	})
	defer eng.Shutdown()

	userHandler := user.NewHandler(st, tokens, registry, logger)
	chatHandler := chat.NewHandler(st, eng, sessionBus, logger, streamMetrics, cfg.HeartbeatInterval)
	modelHandler := model.NewHandler(st, logger)

	r := router.New(&router.Config{
		Logger:             logger,
		Tokens:             tokens,
		UserHandler:        userHandler,
		ChatHandler:        chatHandler,
		ModelHandler:       modelHandler,
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
		StaticDir:          cfg.StaticDir,
	})

	srv := &http.Server{
		Addr:        cfg.BindAddr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// No write timeout: the event stream stays open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	eng.Shutdown()

	logger.Info("server stopped")
}
