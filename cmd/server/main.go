package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/accessride/internal/candidates"
	"github.com/example/accessride/internal/config"
	"github.com/example/accessride/internal/dispatch"
	"github.com/example/accessride/internal/events"
	"github.com/example/accessride/internal/geo"
	httpapi "github.com/example/accessride/internal/http"
	"github.com/example/accessride/internal/ingest"
	"github.com/example/accessride/internal/logging"
	"github.com/example/accessride/internal/matcher"
	"github.com/example/accessride/internal/pricing"
	"github.com/example/accessride/internal/rides"
	"github.com/example/accessride/internal/routing"
	"github.com/example/accessride/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	// env-driven wiring with in-memory fallbacks
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			return err
		}
		closers = append(closers, rc.Close)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, ps.Close)
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, rides are kept in memory")
		store = storage.NewMemoryStore()
	}

	var (
		index        geo.Geo
		reservations storage.Reservations
		routeCache   routing.Cache
	)
	if rc != nil {
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		reservations = storage.NewRedisReservations(rc, "")
		routeCache = routing.NewRedisCache(rc, cfg.Routing.CacheTTL)
	} else {
		index = geo.NewIndex()
		reservations = storage.NewMemoryReservations()
		routeCache = routing.NewMemoryCache(cfg.Routing.CacheTTL)
	}

	router, err := newRoutingClient(cfg.Routing, routeCache, logger)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.Nop{}
	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, 2*time.Second)
		closers = append(closers, kp.Close)
		publisher = events.Logged{Next: kp, Logger: logger}

		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, producer.Close)
		locations = producer
	}

	sessions := dispatch.NewWSRegistry()
	var sink dispatch.NotificationSink = sessions
	switch {
	case cfg.Push.FCMEndpoint != "" && rc != nil:
		sink = dispatch.ChainSink{sessions, dispatch.NewFCMDispatcher(cfg.Push.FCMEndpoint, cfg.Push.FCMKey, dispatch.RedisTokens{Client: rc})}
	case cfg.Push.FCMEndpoint != "":
		logger.Warn("FCM_ENDPOINT set without REDIS_ADDR, push tokens unavailable")
	}
	if cfg.Push.LogOnly {
		logger.Warn("NOTIFY_LOG_ONLY set, offers are logged instead of delivered")
		sink = dispatch.LogSink{Logger: logger}
	}

	prices := pricing.NewService(pricing.DefaultRates())

	rideCfg := rides.DefaultConfig()
	rideCfg.Area = geo.Bounds{South: cfg.Area.South, North: cfg.Area.North, West: cfg.Area.West, East: cfg.Area.East}
	rideCfg.RoutingTimeout = cfg.Routing.Timeout
	rideSvc := rides.NewService(rideCfg, store, router, prices, publisher, logger)

	poolCfg := candidates.DefaultConfig()
	poolCfg.MaxRadiusKm = cfg.Scoring.MaxRadiusKm
	poolCfg.MinRating = cfg.Scoring.MinRating
	poolCfg.Budget = cfg.Pool.Budget
	poolCfg.Limit = cfg.Pool.Limit
	poolCfg.StaleAfter = cfg.Pool.StaleAfter
	poolCfg.ScheduleMargin = max(cfg.Scoring.Buffer, 2*time.Hour)
	pool := candidates.NewPool(poolCfg, index, store, logger)

	matchCfg := matcher.DefaultConfig()
	matchCfg.MaxRadiusKm = cfg.Scoring.MaxRadiusKm
	matchCfg.Saturation = cfg.Scoring.Saturation
	matchCfg.Buffer = cfg.Scoring.Buffer
	matchCfg.MinRating = cfg.Scoring.MinRating
	matchCfg.MinTotal = cfg.Scoring.MinTotal
	matchCfg.RoutingTimeout = cfg.Routing.Timeout
	engine := matcher.NewEngine(matchCfg, router, logger)

	dispatcher := dispatch.New(dispatch.Config{
		BatchSize:        cfg.Dispatch.BatchSize,
		MaxBatches:       cfg.Dispatch.MaxBatches,
		OfferWindow:      cfg.Dispatch.OfferWindow,
		ReservationGrace: cfg.Dispatch.ReservationGrace,
		SendTimeout:      cfg.Dispatch.SendTimeout,
	}, dispatch.Deps{
		Rides:        rideSvc,
		Candidates:   pool,
		Ranker:       engine,
		Fares:        prices,
		Store:        store,
		Reservations: reservations,
		Sink:         sink,
		Events:       publisher,
		Logger:       logger,
	})

	api := httpapi.NewServer(httpapi.Deps{
		Rides:      rideSvc,
		Dispatcher: dispatcher,
		Drivers:    pool,
		Locations:  locations,
		Sessions:   sessions,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("accessride listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error("dispatcher shutdown", "err", err)
	}
	return nil
}

// newRoutingClient prefers OSRM, then Google Maps. Without either, scoring
// runs on great-circle estimates.
func newRoutingClient(cfg config.RoutingConfig, cache routing.Cache, logger *slog.Logger) (routing.Client, error) {
	var base routing.Client
	switch {
	case cfg.OSRMEndpoint != "":
		base = routing.NewOSRMClient(cfg.OSRMEndpoint, cfg.OSRMProfile, cfg.Timeout)
	case cfg.GoogleAPIKey != "":
		gc, err := routing.NewGoogleClient(cfg.GoogleAPIKey)
		if err != nil {
			return nil, err
		}
		base = gc
	default:
		logger.Warn("no routing backend configured, using great-circle estimates")
		return nil, nil
	}
	if cfg.RateLimit > 0 {
		base = routing.NewLimited(base, cfg.RateLimit, cfg.Burst)
	}
	return &routing.Cached{Next: base, Cache: cache}, nil
}
