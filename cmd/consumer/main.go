package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/commute-pool/internal/config"
	"github.com/example/commute-pool/internal/events"
	"github.com/example/commute-pool/internal/logging"
	"github.com/example/commute-pool/internal/pending"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total domain events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful pending counter updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	counter := pending.NewRedisCounter(rc, cfg.PendingKey)

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka fetch error", "error", err, "backoff", backoff)
			sleep(ctx, backoff)
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()
		if err := handle(ctx, counter, m.Value, cfg.MaxBackoff, logger); err != nil {
			// only ctx cancellation gets here; the offset stays uncommitted
			logger.Info("shutting down consumer", "offset", m.Offset)
			return
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			logger.Warn("kafka commit failed", "offset", m.Offset, "error", err)
		}
	}
}

// handle applies one message, retrying redis failures until they succeed or
// ctx ends. Malformed events are counted and skipped.
func handle(ctx context.Context, pc PendingCounter, value []byte, maxBackoff time.Duration, logger *slog.Logger) error {
	var ev events.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		msgsInvalid.Inc()
		logger.Warn("invalid message", "error", err)
		return nil
	}
	backoff := nextBackoff(100*time.Millisecond, maxBackoff)
	for {
		applied, err := applyWithRetry(ctx, pc, ev, 3, backoff)
		switch {
		case err == nil:
			if applied {
				redisUpdates.Inc()
			}
			return nil
		case errors.Is(err, errNoDriver):
			msgsInvalid.Inc()
			logger.Warn("event without driver or request", "type", ev.Type)
			return nil
		}
		redisErrors.Inc()
		logger.Error("pending counter update failed", "driver_id", ev.DriverID, "request_id", ev.RequestID, "error", err)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}
}

func nextBackoff(d, limit time.Duration) time.Duration {
	d *= 2
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// PendingCounter is the subset of redis operations the consumer needs.
type PendingCounter interface {
	// Apply moves driverID's count by delta once per eventKey and reports
	// whether it changed.
	Apply(ctx context.Context, eventKey, driverID string, delta int64) (bool, error)
}

var errNoDriver = errors.New("event has no driver id")

// pendingDelta maps an event to its effect on the driver's pending count.
func pendingDelta(ev events.Event) (int64, bool) {
	switch ev.Type {
	case events.RequestSubmitted:
		return 1, true
	case events.RequestDecided:
		return -1, true
	}
	return 0, false
}

// applyWithRetry updates the driver's counter once per (request, type),
// retrying redis failures with doubling delay. It reports whether the
// counter changed.
func applyWithRetry(ctx context.Context, pc PendingCounter, ev events.Event, attempts int, delay time.Duration) (bool, error) {
	delta, ok := pendingDelta(ev)
	if !ok {
		return false, nil
	}
	if ev.DriverID == "" || ev.RequestID == "" {
		return false, errNoDriver
	}
	eventKey := ev.RequestID + ":" + ev.Type

	var err error
	for i := 0; i < attempts; i++ {
		var applied bool
		if applied, err = pc.Apply(ctx, eventKey, ev.DriverID, delta); err == nil {
			return applied, nil
		}
		if i < attempts-1 && !sleep(ctx, delay) {
			return false, ctx.Err()
		}
		delay *= 2
	}
	return false, err
}
