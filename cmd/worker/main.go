package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/medrecords-api/config"
	"github.com/jwalitptl/medrecords-api/internal/app"
	"github.com/jwalitptl/medrecords-api/internal/handler/health"
	"github.com/jwalitptl/medrecords-api/internal/handler/prometheus"
	"github.com/jwalitptl/medrecords-api/pkg/logger"
	"github.com/jwalitptl/medrecords-api/pkg/metrics"
	"github.com/jwalitptl/medrecords-api/pkg/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(&logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	}).WithComponent("worker")
	log.SetGlobal()
	zl := *log.Zerolog()

	if !cfg.Redis.Enabled {
		log.Fatal(errors.New("redis is disabled"), "the worker needs a broker (set MEDREC_REDIS_URL)")
	}
	broker, err := app.OpenBroker(cfg.Redis, &zl)
	if err != nil {
		log.Fatal(err, "failed to connect to Redis")
	}
	defer broker.Close()

	m := metrics.New(cfg.Metrics.Namespace + "_worker")

	consumer := worker.NewConsumer(broker, worker.ConsumerConfig{
		Channel:       cfg.Redis.Channel,
		RetryAttempts: cfg.Worker.RetryAttempts,
		RetryDelay:    cfg.Worker.RetryDelay,
	}, zl, m)
	consumer.HandleAll(worker.AuditLog(zl))

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	checks := map[string]health.Pinger{}
	if p, ok := broker.(health.Pinger); ok {
		checks["broker"] = p
	}
	health.NewHandler(checks, prometheus.Handler(m.Registry)).RegisterRoutes(&engine.RouterGroup)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.HealthPort),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "health server failed")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := consumer.Run(ctx); err != nil {
		log.Error(err, "worker stopped")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("worker exited properly")
}
