package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/idmesh/outbox"
	"github.com/idmesh/outbox/events"
	"github.com/idmesh/outbox/internal/admin"
	"github.com/idmesh/outbox/internal/config"
	"github.com/idmesh/outbox/internal/database"
	"github.com/idmesh/outbox/internal/logger"
	"github.com/idmesh/outbox/prommetrics"
	kafkapub "github.com/idmesh/outbox/publisher/kafka"
	natspub "github.com/idmesh/outbox/publisher/nats"
	rabbitpub "github.com/idmesh/outbox/publisher/rabbitmq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "outbox-relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".")
	if err != nil {
		return err
	}

	log := logger.New(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Dialect(), cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	dbCtx := outbox.NewDBContext(db, cfg.Dialect(), outbox.WithTableName(cfg.DBTable))
	if cfg.Migrate {
		if err := dbCtx.CreateSchema(ctx); err != nil {
			return fmt.Errorf("creating outbox schema: %w", err)
		}
		log.Info("outbox schema ready", "table", dbCtx.TableName())
	}

	publisher, closePublisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closePublisher.Close(); err != nil {
			log.Warn("closing publisher", "broker", cfg.Broker, "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.New(reg)

	store := outbox.NewStore(dbCtx)

	relay := outbox.NewRelay(store, events.NewRegistry(), publisher,
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithPollingInterval(cfg.PollingInterval),
		outbox.WithMaxAttempts(cfg.MaxAttempts),
		outbox.WithRetryInterval(cfg.RetryInterval),
		outbox.WithLogger(log.With("component", "relay")),
		outbox.WithMetrics(metrics))

	sweeper := outbox.NewSweeper(store,
		outbox.WithRetentionDays(cfg.RetentionDays),
		outbox.WithCleanupPause(cfg.CleanupPause),
		outbox.WithSweepLogger(log.With("component", "sweeper")),
		outbox.WithSweepMetrics(metrics))

	go watchDeadLetters(relay, log)

	relay.Start()
	sweeper.Start()

	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           admin.NewRouter(store, db, reg, log.With("component", "admin")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("admin server started", "addr", cfg.AdminAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	log.Info("outbox relay started",
		"dialect", cfg.Dialect(),
		"broker", cfg.Broker,
		"batch_size", cfg.BatchSize,
		"polling_interval", cfg.PollingInterval)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		log.Error("admin server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stopping admin server: %w", err))
	}
	if err := relay.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stopping relay: %w", err))
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stopping sweeper: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Info("outbox relay stopped")
	return nil
}

func watchDeadLetters(relay *outbox.Relay, log *slog.Logger) {
	for rec := range relay.DeadLettered() {
		log.Warn("record dead-lettered",
			"id", rec.ID,
			"event_tag", rec.EventTag,
			"topic", rec.Topic,
			"attempt_count", rec.AttemptCount,
			"last_error", rec.LastError)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newPublisher(cfg *config.Config) (outbox.Publisher, io.Closer, error) {
	switch cfg.Broker {
	case config.BrokerKafka:
		w := kafkapub.NewWriter(cfg.KafkaBrokers...)
		return kafkapub.New(w), w, nil

	case config.BrokerRabbitMQ:
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("opening rabbitmq channel: %w", err)
		}
		if cfg.AMQPExchange != "" {
			if err := ch.ExchangeDeclare(cfg.AMQPExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
				_ = conn.Close()
				return nil, nil, fmt.Errorf("declaring exchange %s: %w", cfg.AMQPExchange, err)
			}
		}
		return rabbitpub.New(ch, cfg.AMQPExchange), closerFunc(func() error {
			return errors.Join(ch.Close(), conn.Close())
		}), nil

	case config.BrokerNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("outbox-relay"))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to nats: %w", err)
		}
		return natspub.New(nc), closerFunc(func() error {
			return nc.Drain()
		}), nil

	default:
		return nil, nil, fmt.Errorf("unsupported broker %q", cfg.Broker)
	}
}
