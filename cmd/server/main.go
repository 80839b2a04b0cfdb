package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/spf13/pflag"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/audit"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/auth"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/bus"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/config"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/dispatch"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/emergency"
	httpapi "github.com/25f3003058-afk/spllit-landing-sub001/internal/http"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/logging"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/matching"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/messaging"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rideshare-server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("rideshare-server", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "address to listen on")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flagSet.BoolVar(&cfg.RunMigrations, "migrate", cfg.RunMigrations, "apply embedded migrations before serving")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := logging.NewLogger(cfg.LogLevel, "rideshare-server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	var ready httpapi.Pinger
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations_applied")
		}
		store, ready = pg, pg
	} else {
		mem := storage.NewMemoryStore()
		if cfg.SeedUsersFile != "" {
			n, err := seedUsers(mem, cfg.SeedUsersFile)
			if err != nil {
				return err
			}
			logger.Info("users_seeded", "count", n, "file", cfg.SeedUsersFile)
		}
		logger.Warn("memory_store_in_use", "note", "data is lost on restart; only SEED_USERS_FILE users can raise an SOS")
		store = mem
	}

	b := bus.New(cfg.BusBuffer, logger)

	// Sinks flush their queues after ctx is done; wait for them before the
	// deferred Close calls run.
	var sinks sync.WaitGroup
	defer func() {
		stop()
		sinks.Wait()
	}()

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		relay := bus.NewRedisRelay(rc, cfg.RedisChannelPrefix, b, logger)
		b.AddSink(relay)
		go func() {
			if err := relay.Run(ctx); err != nil {
				b.RemoveSink(relay)
				logger.Error("redis_relay_stopped", "error", err)
			}
		}()
	}
	if len(cfg.KafkaBrokers) > 0 {
		sink := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer sink.Close()
		b.AddSink(sink)
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			sink.Run(ctx)
		}()
	}
	if cfg.OpsWebhookURL != "" {
		push := dispatch.NewPushDispatcher(cfg.OpsWebhookURL, logger)
		b.AddSink(push)
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			push.Run(ctx)
		}()
	}

	wsReg := dispatch.NewWSRegistry(b, logger)
	api := httpapi.NewServer(httpapi.Deps{
		Matching: &matching.Engine{Store: store, Bus: b, Logger: logger, Timeout: cfg.StoreTimeout},
		Messaging: &messaging.Service{
			Store:        store,
			Bus:          b,
			Logger:       logger,
			DefaultLimit: cfg.MessagesDefaultLimit,
			MaxLimit:     cfg.MessagesMaxLimit,
			Timeout:      cfg.StoreTimeout,
		},
		Emergency: &emergency.Broadcaster{Store: store, Bus: b, Logger: logger, Timeout: cfg.StoreTimeout},
		Verifier:  auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		WS:        wsReg,
		Ready:     ready,
		Logger:    logger,
	})

	handler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
	}).Handler(api)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	wsReg.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func seedUsers(m *storage.MemoryStore, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open seed users: %w", err)
	}
	defer f.Close()
	return m.SeedUsers(f)
}
