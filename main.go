package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codetesla51/raw-http-pool/api"
	"github.com/codetesla51/raw-http-pool/config"
	"github.com/codetesla51/raw-http-pool/pool"
	"github.com/codetesla51/raw-http-pool/server"
	"github.com/codetesla51/raw-http-pool/store"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := newManager(cfg)
	if err != nil {
		log.WithError(err).Fatal("configuring store")
	}

	db, err := pool.New[store.Conn](ctx, mgr, cfg.Pool, pool.WithLogger(log.WithField("component", "pool")))
	if err != nil {
		log.WithError(err).Fatal("starting database pool")
	}
	defer db.Close()
	log.WithFields(logrus.Fields{
		"store":    cfg.Store,
		"max_size": cfg.Pool.MaxSize,
		"min_idle": cfg.Pool.MinIdle,
	}).Info("database pool ready")

	if err := db.With(ctx, func(c store.Conn) error { return store.EnsureSchema(ctx, c) }); err != nil {
		log.WithError(err).Fatal("preparing schema")
	}

	router := server.NewRouter()
	api.New(db, log.WithField("component", "api")).Routes(router)

	srvConfig := server.DefaultConfig()
	srvConfig.EnableLogging = true
	srvConfig.ReadTimeout = 10 * time.Second
	srv := server.New(router, srvConfig, log.WithField("component", "server"))

	ln, err := srv.Listen(cfg.Addr())
	if err != nil {
		log.WithError(err).Fatalf("error binding to TCP port %d", cfg.Port)
	}
	if err := srv.Serve(ctx, ln); err != nil {
		log.WithError(err).Error("server stopped")
	}
	log.Info("server shut down")
}

func newManager(cfg config.Config) (pool.Manager[store.Conn], error) {
	if cfg.Store == "memory" {
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(cfg.Database)
	if err != nil {
		return nil, err
	}
	return pg, nil
}
