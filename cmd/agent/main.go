package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eternisai/enchanted-push/internal/backend"
	"github.com/eternisai/enchanted-push/internal/config"
	"github.com/eternisai/enchanted-push/internal/intent"
	"github.com/eternisai/enchanted-push/internal/logger"
	"github.com/eternisai/enchanted-push/internal/platform/natsbridge"
	"github.com/eternisai/enchanted-push/internal/push"
	"github.com/eternisai/enchanted-push/internal/store"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	st, err := store.Open(cfg.StorePath, log)
	if err != nil {
		log.Error("failed to open durable store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	bridge, err := natsbridge.Connect(cfg.NatsURL, cfg.BridgeTimeout(), log)
	if err != nil {
		log.Error("failed to connect platform bridge", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer bridge.Close()

	backendClient := backend.NewClient(cfg.BackendURL, cfg.BackendAPIKey, log)

	manager := push.NewManager(bridge, backendClient, st, log, cfg.FCMProjectID, cfg.Channel)

	ctx := logger.WithOperation(context.Background(), "startup")

	if cfg.PushEnabled {
		outcome, err := manager.Register(ctx)
		if err != nil {
			// Registration failures are silent to the user; the next
			// start retries.
			log.Error("push registration failed", slog.String("error", err.Error()))
		} else {
			log.Info("push registration finished", slog.String("outcome", outcome.String()))
		}
	} else {
		log.Info("push notifications disabled, skipping registration")
	}

	if tag, ok := manager.ResolveLaunchIntent(ctx); ok {
		log.Info("routing launch intent", slog.String("intent", string(tag)))
	}

	unsubscribe := manager.Subscribe(func(tag intent.Intent) {
		log.Info("routing intent", slog.String("intent", string(tag)))
	})
	defer unsubscribe()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/debug/registration", func(c *gin.Context) {
		outcome, ok := manager.LastOutcome()
		if !ok {
			c.JSON(http.StatusOK, gin.H{"outcome": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"outcome":    outcome.String(),
			"registered": outcome.Registered,
		})
	})

	server := &http.Server{
		Addr:    cfg.DebugAddr,
		Handler: router,
	}

	go func() {
		log.Info("debug server listening", slog.String("addr", cfg.DebugAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug server failed", slog.String("error", err.Error()))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("debug server shutdown failed", slog.String("error", err.Error()))
	}
}
