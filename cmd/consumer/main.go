package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
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

	"github.com/example/accessride/internal/config"
	"github.com/example/accessride/internal/geo"
	"github.com/example/accessride/internal/logging"
	"github.com/example/accessride/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver status messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	indexUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_updates_total",
		Help: "Total successful driver index updates",
	})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_errors_total",
		Help: "Total driver index update failures",
	})
)

var errInvalidMessage = errors.New("invalid driver status message")

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, indexUpdates, indexErrors)
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	// flags win over env for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.Component(logging.NewLogger(cfg.LogLevel), "consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	index := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "err", err)
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
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()
		if err := handleMessage(ctx, index, m.Value, cfg.Retries, cfg.RetryDelay); err != nil {
			if errors.Is(err, errInvalidMessage) {
				msgsInvalid.Inc()
				logger.Warn("invalid message", "offset", m.Offset, "err", err)
				continue
			}
			indexErrors.Inc()
			logger.Error("index update failed", "key", string(m.Key), "err", err)
			continue
		}
		indexUpdates.Inc()
	}
}

// Upserter is the slice of the driver index the consumer writes to.
type Upserter interface {
	Upsert(ctx context.Context, d models.DriverCandidate) error
	Remove(ctx context.Context, driverID string) error
}

// handleMessage decodes one driver status snapshot and applies it. Offline
// drivers are removed from the index.
func handleMessage(ctx context.Context, up Upserter, value []byte, attempts int, delay time.Duration) error {
	var d models.DriverCandidate
	if err := json.Unmarshal(value, &d); err != nil {
		return errors.Join(errInvalidMessage, err)
	}
	if d.ID == "" || !geo.ValidCoord(d.Location) {
		return errInvalidMessage
	}
	if !d.Online {
		return withRetry(ctx, attempts, delay, func() error { return up.Remove(ctx, d.ID) })
	}
	d.Capabilities = models.NewCapabilities(d.Capabilities...)
	return updateWithRetry(ctx, up, d, attempts, delay)
}

// updateWithRetry upserts the driver with retry and doubling backoff.
func updateWithRetry(ctx context.Context, up Upserter, d models.DriverCandidate, attempts int, delay time.Duration) error {
	return withRetry(ctx, attempts, delay, func() error { return up.Upsert(ctx, d) })
}

func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
