package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	LogLevel      string
	RunMigrations bool

	Dispatch DispatchConfig
	Scoring  ScoringConfig
	Pool     PoolConfig
	Area     AreaConfig
	Routing  RoutingConfig
	Push     PushConfig
}

type DispatchConfig struct {
	BatchSize        int
	MaxBatches       int
	OfferWindow      time.Duration
	ReservationGrace time.Duration
	SendTimeout      time.Duration
}

type ScoringConfig struct {
	MaxRadiusKm float64
	Saturation  int
	Buffer      time.Duration
	MinRating   float64
	MinTotal    float64
}

type PoolConfig struct {
	Budget     time.Duration
	Limit      int
	StaleAfter time.Duration
}

// AreaConfig is the service area rectangle rides must start and end in.
type AreaConfig struct {
	South, North float64
	West, East   float64
}

type RoutingConfig struct {
	OSRMEndpoint string
	OSRMProfile  string
	GoogleAPIKey string
	Timeout      time.Duration
	CacheTTL     time.Duration
	RateLimit    float64
	Burst        int
}

type PushConfig struct {
	FCMEndpoint string
	FCMKey      string
	// LogOnly replaces delivery with logging, for local runs without a
	// driver app.
	LogOnly bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		LogLevel:        "info",
		Dispatch: DispatchConfig{
			BatchSize:        5,
			MaxBatches:       3,
			OfferWindow:      60 * time.Second,
			ReservationGrace: 15 * time.Second,
			SendTimeout:      5 * time.Second,
		},
		Scoring: ScoringConfig{
			MaxRadiusKm: 15,
			Saturation:  50,
			Buffer:      60 * time.Minute,
			MinRating:   3.5,
		},
		Pool: PoolConfig{
			Budget:     2 * time.Second,
			Limit:      200,
			StaleAfter: 10 * time.Minute,
		},
		Area: AreaConfig{South: 38.60, North: 38.85, West: -9.50, East: -9.00},
		Routing: RoutingConfig{
			OSRMProfile: "driving",
			Timeout:     4 * time.Second,
			CacheTTL:    5 * time.Minute,
			RateLimit:   10,
			Burst:       20,
		},
	}
}

// LoadDotEnv reads a .env file into the environment when one exists.
// Variables already set win.
func LoadDotEnv(files ...string) error {
	err := godotenv.Load(files...)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	d := &cfg.Dispatch
	setIntFromEnv(&d.BatchSize, "DISPATCH_BATCH_SIZE", &errs)
	setIntFromEnv(&d.MaxBatches, "DISPATCH_MAX_BATCHES", &errs)
	setDurationFromEnv(&d.OfferWindow, "DISPATCH_OFFER_WINDOW", &errs)
	setDurationFromEnv(&d.ReservationGrace, "DISPATCH_RESERVATION_GRACE", &errs)
	setDurationFromEnv(&d.SendTimeout, "DISPATCH_SEND_TIMEOUT", &errs)

	sc := &cfg.Scoring
	setFloatFromEnv(&sc.MaxRadiusKm, "SCORING_MAX_RADIUS_KM", &errs)
	setIntFromEnv(&sc.Saturation, "SCORING_SATURATION", &errs)
	setDurationFromEnv(&sc.Buffer, "SCORING_BUFFER", &errs)
	setFloatFromEnv(&sc.MinRating, "SCORING_MIN_RATING", &errs)
	setFloatFromEnv(&sc.MinTotal, "SCORING_MIN_TOTAL", &errs)

	p := &cfg.Pool
	setDurationFromEnv(&p.Budget, "POOL_BUDGET", &errs)
	setIntFromEnv(&p.Limit, "POOL_LIMIT", &errs)
	setDurationFromEnv(&p.StaleAfter, "POOL_STALE_AFTER", &errs)

	a := &cfg.Area
	setFloatFromEnv(&a.South, "SERVICE_AREA_SOUTH", &errs)
	setFloatFromEnv(&a.North, "SERVICE_AREA_NORTH", &errs)
	setFloatFromEnv(&a.West, "SERVICE_AREA_WEST", &errs)
	setFloatFromEnv(&a.East, "SERVICE_AREA_EAST", &errs)

	rt := &cfg.Routing
	setStringFromEnv(&rt.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&rt.OSRMProfile, "OSRM_PROFILE")
	rt.GoogleAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setDurationFromEnv(&rt.Timeout, "ROUTING_TIMEOUT", &errs)
	setDurationFromEnv(&rt.CacheTTL, "ROUTING_CACHE_TTL", &errs)
	setFloatFromEnv(&rt.RateLimit, "ROUTING_RATE_LIMIT", &errs)
	setIntFromEnv(&rt.Burst, "ROUTING_BURST", &errs)

	setStringFromEnv(&cfg.Push.FCMEndpoint, "FCM_ENDPOINT")
	cfg.Push.FCMKey = os.Getenv("FCM_KEY")
	cfg.Push.LogOnly = strings.EqualFold(os.Getenv("NOTIFY_LOG_ONLY"), "true")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.Dispatch.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BATCH_SIZE must be > 0"))
	}
	if c.Dispatch.MaxBatches <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_BATCHES must be > 0"))
	}
	if c.Dispatch.OfferWindow <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_WINDOW must be > 0"))
	}
	if c.Scoring.MaxRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("SCORING_MAX_RADIUS_KM must be > 0"))
	}
	if c.Scoring.MinRating < 0 || c.Scoring.MinRating > 5 {
		errs = append(errs, fmt.Errorf("SCORING_MIN_RATING must be within 0..5"))
	}
	if c.Area.South >= c.Area.North || c.Area.West >= c.Area.East {
		errs = append(errs, fmt.Errorf("service area bounds are inverted"))
	}
	if c.Routing.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("ROUTING_RATE_LIMIT must be >= 0"))
	}
	return errs
}

// ConsumerConfig configures the location ingest consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
	Retries       int
	RetryDelay    time.Duration
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "accessride-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		LogLevel:     "info",
		Retries:      3,
		RetryDelay:   200 * time.Millisecond,
	}
	var errs []error
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setIntFromEnv(&cfg.Retries, "CONSUMER_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.Retries <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRIES must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
