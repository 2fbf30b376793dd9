package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/raulshma/manlab-sub013/server/audit"
	"github.com/raulshma/manlab-sub013/server/config"
	"github.com/raulshma/manlab-sub013/server/dispatch"
	"github.com/raulshma/manlab-sub013/server/monitor"
	"github.com/raulshma/manlab-sub013/server/notify"
	"github.com/raulshma/manlab-sub013/server/registry"
	"github.com/raulshma/manlab-sub013/server/rollup"
	"github.com/raulshma/manlab-sub013/server/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("could not load .env")
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logrus.SetLevel(lvl)
	}
	log := logrus.WithField("component", "main")

	opts := config.Load()
	cfg := config.NewHolder(opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if opts.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, opts.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("postgres connect failed")
		}
		defer pg.Close()
		st = pg
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store; all state is lost on restart")
		st = store.NewMemoryStore()
	}

	var broker audit.Broker
	if opts.NATSURL != "" {
		nb, err := audit.NewNATSBroker(opts.NATSURL, opts.AuditSubject)
		if err != nil {
			log.WithError(err).Fatal("nats connect failed")
		}
		defer nb.Close()
		broker = nb
	} else {
		log.Warn("NATS_URL not set, audit events stay in process memory")
		broker = audit.NewMemoryBroker(opts.AuditQueueSize)
	}

	var notifier dispatch.Notifier = notify.Nop{}
	if opts.RedisAddr != "" {
		pub, err := notify.NewPublisher(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisChannel)
		if err != nil {
			log.WithError(err).Fatal("redis connect failed")
		}
		defer pub.Close()
		notifier = pub
	}

	conns := registry.New()

	pipeline := audit.NewPipeline(st, broker, cfg)
	pipeline.Start(ctx)
	pipeline.StartRetention(ctx)

	dispatcher := dispatch.NewDispatcher(st, conns, pipeline, notifier, cfg)
	dispatcher.Start(ctx)

	aggregator := rollup.NewAggregator(st, cfg)
	aggregator.Start(ctx)

	nodeMonitor := monitor.NewNodeMonitor(st, conns, pipeline, cfg)
	nodeMonitor.Start(ctx)

	api := NewAPI(st, conns, pipeline, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/commands", api.handleCommands)
	mux.HandleFunc("/api/telemetry", api.handleTelemetry)
	mux.HandleFunc("/api/audit/stats", api.handleAuditStats)
	mux.HandleFunc("/ws/agent", api.handleAgentWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", opts.ListenAddr).Info("server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server exited")
	}
	log.Info("shutdown complete")
}
