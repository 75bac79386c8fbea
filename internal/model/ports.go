package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the service from concrete storage implementations
// (Redis, SQLite). Each implementation satisfies one or more of them.

// ObservationConsumer consumes observations from a stream (e.g. Redis Streams).
type ObservationConsumer interface {
	// EnsureConsumerGroup creates consumer groups on streams.
	EnsureConsumerGroup(ctx context.Context, streams []string) error

	// RecoverPending processes any unACKed messages from a previous crash.
	RecoverPending(ctx context.Context, streams []string, out chan<- Observation) error

	// ConsumeObservations reads observations via consumer groups.
	// Blocks until ctx is cancelled.
	ConsumeObservations(ctx context.Context, streams []string, out chan<- Observation) error

	// Close releases underlying resources.
	Close() error
}

// FeatureWriter publishes feature vectors.
type FeatureWriter interface {
	// WriteFeatureBatch writes multiple vectors in a single batch.
	WriteFeatureBatch(ctx context.Context, vectors []FeatureVector) error

	// Close releases underlying resources.
	Close() error
}

// ObservationReader reads stored observations for warm-up replay.
type ObservationReader interface {
	// ReadLastObservations returns up to limit most recent observations of a
	// series, oldest first.
	ReadLastObservations(ctx context.Context, series string, limit int) ([]Observation, error)

	// Close releases underlying resources.
	Close() error
}
