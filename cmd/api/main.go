package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jwalitptl/medrecords-api/config"
	"github.com/jwalitptl/medrecords-api/internal/app"
	"github.com/jwalitptl/medrecords-api/pkg/logger"
	"github.com/jwalitptl/medrecords-api/pkg/metrics"
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
	})
	log.SetGlobal()
	zl := *log.Zerolog()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	ctx := context.Background()

	store, err := app.OpenStore(ctx, cfg, m)
	if err != nil {
		log.Fatal(err, "failed to open store", "driver", cfg.Store.Driver)
	}
	defer store.Close()

	files, err := app.OpenFiles(cfg.Attachments)
	if err != nil {
		log.Fatal(err, "failed to open attachment store")
	}

	broker, err := app.OpenBroker(cfg.Redis, &zl)
	if err != nil {
		log.Warn("redis unavailable, events will be dropped", "error", err.Error())
	}
	defer broker.Close()

	a, err := app.New(app.Options{
		Config:  cfg,
		Store:   store,
		Files:   files,
		Broker:  broker,
		Mailer:  app.NewMailer(cfg.SMTP, zl),
		Metrics: m,
		Logger:  zl,
	})
	if err != nil {
		log.Fatal(err, "failed to build application")
	}

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        a.Router.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Info("server listening", "addr", srv.Addr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "server forced to shutdown")
	}

	log.Info("server exited properly")
}
