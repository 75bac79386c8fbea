package viewengine

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"viewengine/internal/pipeline"
)

// Config holds all env-parsed configuration for the view engine service.
type Config struct {
	ServiceName string
	LogLevel    string

	RedisAddr     string
	RedisPassword string
	ConsumerGroup string
	ConsumerName  string
	ConfigChannel string // PubSub channel carrying new VIEW_CONFIGS text

	SQLitePath string // empty disables history and warm-up

	HTTPAddr    string
	MetricsAddr string // optional separate /metrics + /healthz listener
	CORSOrigins []string

	Series             []string // series keys; empty means discover obs:* streams
	ViewSpecs          []pipeline.Spec
	ViewSpecsFromEnv   bool // VIEW_CONFIGS was set and overrides any saved config
	WarmupObservations int

	PELIntervalS  int
	PELMinIdleMs  int64
	ReplayBuffer  int
	StreamMaxLen  int64
	SinkQueueSize int
}

// LoadConfig reads all environment variables and returns a Config.
// Only an unparseable VIEW_CONFIGS is an error; bad numbers fall back to
// their defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		ServiceName:   getEnv("SERVICE_NAME", "viewengine"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "viewengine"),
		ConsumerName:  getEnv("CONSUMER_NAME", defaultConsumerName()),
		ConfigChannel: getEnv("CONFIG_CHANNEL", "config:views"),
		SQLitePath:    os.Getenv("SQLITE_PATH"),
		HTTPAddr:      getEnv("HTTP_ADDR", ":9096"),
		MetricsAddr:   os.Getenv("METRICS_ADDR"),
		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "*")),
		Series:        splitList(os.Getenv("SERIES")),

		WarmupObservations: getEnvInt("WARMUP_OBSERVATIONS", 2048),
		PELIntervalS:       getEnvInt("PEL_RECLAIM_INTERVAL_SEC", 30),
		PELMinIdleMs:       int64(getEnvInt("PEL_MIN_IDLE_MS", 60000)),
		ReplayBuffer:       getEnvInt("WS_REPLAY_BUFFER", 1000),
		StreamMaxLen:       int64(getEnvInt("FEATURE_STREAM_MAXLEN", 10000)),
		SinkQueueSize:      getEnvInt("SINK_QUEUE_SIZE", 5000),
	}
	if _, ok := os.LookupEnv("SQLITE_PATH"); !ok {
		cfg.SQLitePath = "data/views.db"
	}

	if raw := os.Getenv("VIEW_CONFIGS"); strings.TrimSpace(raw) != "" {
		specs, err := pipeline.ParseSpecs(raw)
		if err != nil {
			return cfg, fmt.Errorf("VIEW_CONFIGS: %w", err)
		}
		cfg.ViewSpecs = specs
		cfg.ViewSpecsFromEnv = true
		log.Printf("[viewengine] loaded %d view specs from VIEW_CONFIGS", len(specs))
	} else {
		cfg.ViewSpecs = pipeline.DefaultSpecs()
	}
	return cfg, nil
}

func defaultConsumerName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "worker-1"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[viewengine] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
