package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"viewengine/internal/model"
)

// BatchWriter is the write side BufferedWriter protects.
type BatchWriter interface {
	WriteFeatureBatch(ctx context.Context, vectors []model.FeatureVector) error
}

// BufferedWriter routes feature batches through a circuit breaker. While the
// breaker is open, ready vectors are held locally (oldest dropped beyond
// maxBuf) and replayed ahead of the next batch once a write succeeds.
// Vectors that are still warming up are publish-only and are not buffered.
type BufferedWriter struct {
	writer BatchWriter
	cb     *CircuitBreaker

	mu     sync.Mutex
	buffer []model.FeatureVector
	maxBuf int

	// Callbacks (for metrics)
	OnBuffer func(count int)
	OnDrop   func(count int)
	OnFlush  func(count int)
}

// NewBufferedWriter wraps w. maxBufferSize <= 0 defaults to 10000.
func NewBufferedWriter(w BatchWriter, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	return &BufferedWriter{
		writer: w,
		cb:     cb,
		buffer: make([]model.FeatureVector, 0, 256),
		maxBuf: maxBufferSize,
	}
}

// WriteFeatureBatch writes vectors, prefixed by anything buffered earlier.
// It returns nil when the batch was buffered instead of written.
func (bw *BufferedWriter) WriteFeatureBatch(ctx context.Context, vectors []model.FeatureVector) error {
	bw.mu.Lock()
	pending := bw.buffer
	bw.buffer = make([]model.FeatureVector, 0, 256)
	bw.mu.Unlock()

	batch := vectors
	if len(pending) > 0 {
		batch = append(pending, vectors...)
	}

	err := bw.cb.Execute(func() error {
		return bw.writer.WriteFeatureBatch(ctx, batch)
	})
	if err == nil {
		if len(pending) > 0 {
			log.Printf("[buffered-writer] flushed %d buffered vectors", len(pending))
			if bw.OnFlush != nil {
				bw.OnFlush(len(pending))
			}
		}
		return nil
	}

	bw.bufferReady(batch)
	if errors.Is(err, ErrCircuitOpen) {
		return nil
	}
	return err
}

func (bw *BufferedWriter) bufferReady(batch []model.FeatureVector) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	added := 0
	for i := range batch {
		if batch[i].Ready {
			bw.buffer = append(bw.buffer, batch[i])
			added++
		}
	}
	if over := len(bw.buffer) - bw.maxBuf; over > 0 {
		bw.buffer = append(bw.buffer[:0:0], bw.buffer[over:]...)
		if bw.OnDrop != nil {
			bw.OnDrop(over)
		}
	}
	if added > 0 && bw.OnBuffer != nil {
		bw.OnBuffer(added)
	}
}

// PendingCount returns the number of buffered vectors.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Breaker returns the wrapped circuit breaker.
func (bw *BufferedWriter) Breaker() *CircuitBreaker {
	return bw.cb
}
