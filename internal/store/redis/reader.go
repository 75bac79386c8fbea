package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"viewengine/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string // consumer group name, e.g. "viewengine"
	ConsumerName  string // unique consumer name, e.g. hostname
}

// Reader consumes observations from obs:{series} streams via consumer groups.
type Reader struct {
	client        *goredis.Client
	consumerGroup string
	consumerName  string

	// OnMalformed is called for every entry that could not be decoded. The
	// entry is ACKed so it does not come back.
	OnMalformed func(stream, id string, err error)
}

var _ model.ObservationConsumer = (*Reader)(nil)

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
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

	group := cfg.ConsumerGroup
	if group == "" {
		group = "viewengine"
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = "worker-1"
	}

	log.Printf("[redis-reader] connected to %s (group=%s, consumer=%s)", cfg.Addr, group, consumer)
	return &Reader{
		client:        client,
		consumerGroup: group,
		consumerName:  consumer,
	}, nil
}

// Client returns the underlying Redis client for health checks.
func (r *Reader) Client() *goredis.Client { return r.client }

// EnsureConsumerGroup creates the consumer group on each stream if missing.
// Fresh groups start at "$" (new entries only).
func (r *Reader) EnsureConsumerGroup(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		err := r.client.XGroupCreateMkStream(ctx, stream, r.consumerGroup, "$").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

// ConsumeObservations blocks on XREADGROUP and sends decoded observations to
// out, ACKing each entry after it is handed off. Returns when ctx is cancelled.
func (r *Reader) ConsumeObservations(ctx context.Context, streams []string, out chan<- model.Observation) error {
	if len(streams) == 0 {
		return fmt.Errorf("no streams to consume")
	}
	// Stream args: [stream1, stream2, ..., ">", ">", ...]
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.consumerGroup,
			Consumer: r.consumerName,
			Streams:  args,
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			log.Printf("[redis-reader] xreadgroup error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			if err := r.deliver(ctx, stream.Stream, stream.Messages, out); err != nil {
				return err
			}
		}
	}
}

// RecoverPending claims and replays this group's unACKed entries from a
// previous run, giving at-least-once delivery across restarts.
func (r *Reader) RecoverPending(ctx context.Context, streams []string, out chan<- model.Observation) error {
	for _, stream := range streams {
		for {
			pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
				Stream: stream,
				Group:  r.consumerGroup,
				Start:  "-",
				End:    "+",
				Count:  100,
			}).Result()
			if err != nil || len(pending) == 0 {
				break
			}

			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}

			claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
				Stream:   stream,
				Group:    r.consumerGroup,
				Consumer: r.consumerName,
				MinIdle:  0,
				Messages: ids,
			}).Result()
			if err != nil {
				log.Printf("[redis-reader] xclaim error on %s: %v", stream, err)
				break
			}
			if err := r.deliver(ctx, stream, claimed, out); err != nil {
				return err
			}
			if len(claimed) < len(ids) {
				break
			}
		}
	}
	return nil
}

// ReclaimStale steals PEL entries idle longer than minIdle from other
// consumers in the group, then delivers them like fresh entries.
// Returns the number reclaimed.
func (r *Reader) ReclaimStale(ctx context.Context, streams []string, minIdle time.Duration, out chan<- model.Observation) (int, error) {
	total := 0
	for _, stream := range streams {
		pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
			Stream: stream,
			Group:  r.consumerGroup,
			Start:  "-",
			End:    "+",
			Count:  50,
			Idle:   minIdle,
		}).Result()
		if err != nil {
			return total, fmt.Errorf("xpending %s: %w", stream, err)
		}

		var staleIDs []string
		for _, p := range pending {
			if p.Consumer != r.consumerName {
				staleIDs = append(staleIDs, p.ID)
			}
		}
		if len(staleIDs) == 0 {
			continue
		}

		claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   stream,
			Group:    r.consumerGroup,
			Consumer: r.consumerName,
			MinIdle:  minIdle,
			Messages: staleIDs,
		}).Result()
		if err != nil {
			return total, fmt.Errorf("xclaim %s: %w", stream, err)
		}
		if err := r.deliver(ctx, stream, claimed, out); err != nil {
			return total, err
		}
		total += len(claimed)
		log.Printf("[redis-reader] reclaimed %d stale PEL entries from %s", len(claimed), stream)
	}
	return total, nil
}

// StartPELReclaimer runs ReclaimStale every interval until ctx is cancelled.
func (r *Reader) StartPELReclaimer(ctx context.Context, streams []string, interval, minIdle time.Duration, out chan<- model.Observation, onReclaim func(count int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.ReclaimStale(ctx, streams, minIdle, out)
			if err != nil && ctx.Err() == nil {
				log.Printf("[redis-reader] PEL reclaim error: %v", err)
			}
			if n > 0 && onReclaim != nil {
				onReclaim(n)
			}
		}
	}
}

// DiscoverStreams lists existing obs:* streams, sorted.
func (r *Reader) DiscoverStreams(ctx context.Context) ([]string, error) {
	var (
		cursor  uint64
		streams []string
	)
	for {
		keys, next, err := r.client.ScanType(ctx, cursor, model.ObservationStreamKey("*"), 500, "stream").Result()
		if err != nil {
			return nil, fmt.Errorf("scan obs streams: %w", err)
		}
		streams = append(streams, keys...)
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(streams)
	return streams, nil
}

// SubscribeChannel subscribes to a Redis Pub/Sub channel and waits for the
// confirmation. The caller listens on .Channel() and closes the handle.
func (r *Reader) SubscribeChannel(ctx context.Context, channel string) (*goredis.PubSub, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return pubsub, nil
}

func (r *Reader) deliver(ctx context.Context, stream string, msgs []goredis.XMessage, out chan<- model.Observation) error {
	for _, msg := range msgs {
		obs, ok := r.decode(stream, msg)
		if !ok {
			// ACK even on bad message to avoid poison pill
			r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
			continue
		}

		select {
		case out <- obs:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
	}
	return nil
}

// decode reports malformed entries through OnMalformed instead of returning
// them.
func (r *Reader) decode(stream string, msg goredis.XMessage) (model.Observation, bool) {
	obs, err := DecodeObservation(stream, msg.Values)
	if err != nil {
		if r.OnMalformed != nil {
			r.OnMalformed(stream, msg.ID, err)
		}
		return obs, false
	}
	return obs, true
}

// ErrNonFinite rejects NaN and ±Inf values, which would poison every view of
// the series.
var ErrNonFinite = errors.New("non-finite value")

// DecodeObservation decodes a stream entry. Two layouts are accepted: a
// "data" field holding Observation JSON, or flat "value" and optional "ts"
// (RFC3339 or unix milliseconds) fields. The series defaults to the stream
// name without its "obs:" prefix.
func DecodeObservation(stream string, values map[string]interface{}) (model.Observation, error) {
	obs := model.Observation{Series: model.SeriesFromStreamKey(stream)}

	if raw, ok := values["data"]; ok {
		data, ok := raw.(string)
		if !ok {
			return obs, fmt.Errorf("data field is %T, want string", raw)
		}
		var decoded model.Observation
		if err := json.Unmarshal([]byte(data), &decoded); err != nil {
			return obs, fmt.Errorf("unmarshal observation: %w", err)
		}
		if decoded.Series != "" {
			obs.Series = decoded.Series
		}
		obs.TS = decoded.TS
		obs.Value = decoded.Value
	} else {
		raw, ok := values["value"].(string)
		if !ok {
			return obs, fmt.Errorf("entry has neither data nor value field")
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return obs, fmt.Errorf("parse value %q: %w", raw, err)
		}
		obs.Value = v
		if ts, ok := values["ts"].(string); ok && ts != "" {
			t, err := parseTS(ts)
			if err != nil {
				return obs, err
			}
			obs.TS = t
		}
	}

	if math.IsNaN(obs.Value) || math.IsInf(obs.Value, 0) {
		return obs, fmt.Errorf("value %v: %w", obs.Value, ErrNonFinite)
	}
	if obs.TS.IsZero() {
		obs.TS = time.Now().UTC()
	}
	return obs, nil
}

func parseTS(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ts %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
