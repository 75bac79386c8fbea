package redis

import (
	"context"
	"fmt"
	"log"
	"time"
	"unsafe"

	"viewengine/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultStreamMaxLen = 10000
	defaultLatestTTL    = 30 * time.Minute
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr      string // Redis address, e.g. "localhost:6379"
	Password  string
	DB        int
	MaxLen    int64         // approximate feat:{series} stream cap (default 10000)
	LatestTTL time.Duration // TTL of feat:latest:{series} (default 30m)
}

// Writer publishes feature vectors to Redis.
type Writer struct {
	client    *goredis.Client
	maxLen    int64
	latestTTL time.Duration
}

var _ model.FeatureWriter = (*Writer)(nil)

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client. Used to share one connection pool
// between the reader and the writer.
func NewWithClient(client *goredis.Client, cfg WriterConfig) *Writer {
	w := &Writer{client: client, maxLen: cfg.MaxLen, latestTTL: cfg.LatestTTL}
	if w.maxLen <= 0 {
		w.maxLen = defaultStreamMaxLen
	}
	if w.latestTTL <= 0 {
		w.latestTTL = defaultLatestTTL
	}
	return w
}

// WriteFeatureBatch writes vectors in a single pipeline. Ready vectors get
// XADD + SET latest + PUBLISH; vectors still warming up are only published
// so dashboards can show progress without polluting the stream.
func (w *Writer) WriteFeatureBatch(ctx context.Context, vectors []model.FeatureVector) error {
	if len(vectors) == 0 {
		return nil
	}

	pipe := w.client.Pipeline()
	for i := range vectors {
		fv := &vectors[i]
		jsonBytes := fv.JSON()
		if len(jsonBytes) == 0 {
			log.Printf("[redis] skipping unencodable vector series=%s seq=%d", fv.Series, fv.Seq)
			continue
		}
		// Zero-copy []byte→string (safe: jsonBytes is not mutated after this)
		jsonData := *(*string)(unsafe.Pointer(&jsonBytes))

		if fv.Ready {
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: fv.StreamKey(),
				MaxLen: w.maxLen,
				Approx: true,
				Values: map[string]interface{}{"data": jsonData},
			})
			pipe.Set(ctx, fv.LatestKey(), jsonData, w.latestTTL)
		}
		pipe.Publish(ctx, fv.PubSubChannel(), jsonData)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("feature batch pipeline (%d vectors): %w", len(vectors), err)
	}
	return nil
}

// AppendObservations XADDs observations to their obs:{series} streams.
// Used by the replay tool to feed a running engine.
func (w *Writer) AppendObservations(ctx context.Context, obs []model.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	pipe := w.client.Pipeline()
	for i := range obs {
		o := &obs[i]
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: o.StreamKey(),
			MaxLen: w.maxLen,
			Approx: true,
			Values: map[string]interface{}{"data": string(o.JSON())},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("observation pipeline (%d entries): %w", len(obs), err)
	}
	return nil
}

// ReadLatest returns the stored latest vector for a series, or nil when the
// key is missing or expired.
func (w *Writer) ReadLatest(ctx context.Context, series string) ([]byte, error) {
	key := (&model.FeatureVector{Series: series}).LatestKey()
	data, err := w.client.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
