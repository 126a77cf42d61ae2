package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/commute-pool/internal/config"
	"github.com/example/commute-pool/internal/conversation"
	"github.com/example/commute-pool/internal/events"
	"github.com/example/commute-pool/internal/feed"
	"github.com/example/commute-pool/internal/geo"
	httpapi "github.com/example/commute-pool/internal/http"
	"github.com/example/commute-pool/internal/identity"
	"github.com/example/commute-pool/internal/ledger"
	"github.com/example/commute-pool/internal/logging"
	"github.com/example/commute-pool/internal/messaging"
	"github.com/example/commute-pool/internal/pending"
	"github.com/example/commute-pool/internal/search"
	"github.com/example/commute-pool/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var probes []func(context.Context) error

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			applied, err := storage.Migrate(ctx, ps.DB())
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		probes = append(probes, ps.DB().PingContext)
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var (
		index   geo.Index
		broker  feed.Broker
		counter ledger.PendingReader
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisIndex(rc, cfg.RedisGeoPrefix, cfg.Location())
		broker = feed.NewRedisBroker(rc, cfg.FeedPrefix, logger)
		probes = append(probes, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		// the consumer only maintains the counter when events reach Kafka
		if len(cfg.KafkaBrokers) > 0 {
			counter = pending.NewRedisCounter(rc, cfg.PendingKey)
		}
	} else {
		index = geo.NewMemoryIndex()
		broker = feed.NewHub(cfg.FeedBuffer)
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	requests := &ledger.Service{
		Store:      store,
		Index:      index,
		Events:     publisher,
		Counter:    counter,
		Logger:     logger,
		Location:   cfg.Location(),
		WindowDays: cfg.BookingWindowDays,
	}
	n, err := requests.Reindex(ctx)
	if err != nil {
		return err
	}
	logger.Info("trip offers indexed", "count", n)

	srv := httpapi.NewServer(httpapi.Deps{
		Ledger: requests,
		Search: &search.Service{
			Finder: &search.IndexFinder{
				Index:           index,
				Store:           store,
				RadiusMeters:    cfg.MatchRadiusMeters,
				MaxDeltaMinutes: cfg.MatchMaxDeltaMinutes,
			},
			Logger:      logger,
			Concurrency: cfg.SearchConcurrency,
		},
		Directory: &conversation.Directory{Store: store, Logger: logger},
		Channel:   &messaging.Channel{Store: store, Feed: broker, Events: publisher, Logger: logger},
		Profiles:  store,
		Verifier:  identity.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Ready: func(ctx context.Context) error {
			for _, p := range probes {
				if err := p(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger: logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("commute-pool listening", "addr", cfg.HTTPAddr)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
