// Command bureaucratd is the workflow engine daemon: it loads
// configuration, wires storage/broker/channel, and runs the engine and
// schedule services until terminated.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/rojkov/bureaucrat/internal/bclog"
	"github.com/rojkov/bureaucrat/internal/channel"
	"github.com/rojkov/bureaucrat/internal/config"
	"github.com/rojkov/bureaucrat/internal/domain"
	"github.com/rojkov/bureaucrat/internal/engine"
	"github.com/rojkov/bureaucrat/internal/schedule"
	"github.com/rojkov/bureaucrat/internal/storage"
)

func main() {
	var (
		storageDir = flag.String("storage-dir", "", "storage root directory (overrides config)")
		logLevel   = flag.String("log-level", "", "log level (overrides config)")
		pidFile    = flag.String("pid-file", "", "pid file path (overrides config)")
	)
	flag.Parse()

	cfg := config.Load()
	if *storageDir != "" {
		cfg.StorageDir = *storageDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *pidFile != "" {
		cfg.PIDFile = *pidFile
	}

	bclog.Setup(cfg.LogLevel)
	log.Info().Str("storage_dir", cfg.StorageDir).Str("broker", cfg.Broker).
		Str("taskqueue_type", cfg.TaskQueueType).Msg("starting bureaucratd")

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			log.Fatal().Err(err).Msg("failed to write pid file")
		}
		defer os.Remove(cfg.PIDFile)
	}

	store, err := buildStorage(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	broker, consumer, err := buildBroker(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize broker")
	}

	queues := channel.Queues{Control: cfg.MessageQueue, Event: cfg.EventQueue}
	ch := channel.NewWithConfig(broker, store, buildAdapter(cfg, broker), queues)
	sched := schedule.New(store, ch, cfg.ScheduleInterval)
	eng := engine.New(store, ch, consumer, sched, queues)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start schedule service")
	}
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutting down bureaucratd")
		cancel()
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("engine stopped unexpectedly")
			cancel()
			os.Exit(1)
		}
	}
}

func buildStorage(cfg *config.Config) (domain.Storage, error) {
	if cfg.PostgresDSN != "" {
		store := storage.NewBunKVStore(cfg.PostgresDSN)
		if err := store.InitSchema(context.Background()); err != nil {
			return nil, err
		}
		return store, nil
	}
	return storage.NewFileStore(cfg.StorageDir)
}

// buildBroker picks the broker backend. An AMQP deployment supplies its
// own Broker/Consumer adapter; the shipped backends are the durable file
// spool and the in-process memory queue.
func buildBroker(cfg *config.Config) (channel.Broker, engine.Consumer, error) {
	if cfg.Broker == "memory" {
		b := channel.NewMemoryBroker()
		return b, b, nil
	}
	b, err := channel.NewSpoolBroker(cfg.SpoolDir)
	if err != nil {
		return nil, nil, err
	}
	return b, b, nil
}

func buildAdapter(cfg *config.Config, broker channel.Broker) channel.Adapter {
	if cfg.TaskQueueType == "foreign" {
		return channel.NewForeignAdapter(broker, "")
	}
	return channel.NewNativeAdapter(broker)
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
