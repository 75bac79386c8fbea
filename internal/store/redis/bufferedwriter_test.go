package redis

import (
	"context"
	"testing"
	"time"

	"viewengine/internal/model"
)

type stubBatchWriter struct {
	err     error
	batches [][]model.FeatureVector
}

func (s *stubBatchWriter) WriteFeatureBatch(_ context.Context, v []model.FeatureVector) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]model.FeatureVector(nil), v...))
	return nil
}

func vec(seq int64, ready bool) model.FeatureVector {
	return model.FeatureVector{Series: "A", Seq: seq, Ready: ready}
}

func TestBufferedWriter_PassThrough(t *testing.T) {
	stub := &stubBatchWriter{}
	bw := NewBufferedWriter(stub, NewCircuitBreaker(3, time.Second), 10)

	if err := bw.WriteFeatureBatch(context.Background(), []model.FeatureVector{vec(1, true)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(stub.batches) != 1 || bw.PendingCount() != 0 {
		t.Errorf("batches=%d pending=%d", len(stub.batches), bw.PendingCount())
	}
}

func TestBufferedWriter_BuffersAndFlushes(t *testing.T) {
	stub := &stubBatchWriter{err: errFail}
	cb, clk := newTestBreaker(1, time.Second)
	bw := NewBufferedWriter(stub, cb, 10)
	ctx := context.Background()

	// The failing write surfaces its error and trips the breaker.
	if err := bw.WriteFeatureBatch(ctx, []model.FeatureVector{vec(1, true), vec(2, false)}); err != errFail {
		t.Fatalf("expected errFail, got %v", err)
	}
	// While open, writes are buffered silently.
	if err := bw.WriteFeatureBatch(ctx, []model.FeatureVector{vec(3, true)}); err != nil {
		t.Fatalf("expected nil while open, got %v", err)
	}
	if got := bw.PendingCount(); got != 2 {
		t.Fatalf("pending: got %d, want 2 (unready vector not buffered)", got)
	}

	flushed := 0
	bw.OnFlush = func(n int) { flushed = n }
	stub.err = nil
	clk.advance(time.Second)
	if err := bw.WriteFeatureBatch(ctx, []model.FeatureVector{vec(4, true)}); err != nil {
		t.Fatalf("probe write: %v", err)
	}
	if len(stub.batches) != 1 {
		t.Fatalf("expected one combined batch, got %d", len(stub.batches))
	}
	got := stub.batches[0]
	if len(got) != 3 || got[0].Seq != 1 || got[1].Seq != 3 || got[2].Seq != 4 {
		t.Errorf("unexpected batch order: %+v", got)
	}
	if flushed != 2 || bw.PendingCount() != 0 {
		t.Errorf("flushed=%d pending=%d", flushed, bw.PendingCount())
	}
}

func TestBufferedWriter_DropsOldest(t *testing.T) {
	stub := &stubBatchWriter{err: errFail}
	bw := NewBufferedWriter(stub, NewCircuitBreaker(1, time.Hour), 3)
	dropped := 0
	bw.OnDrop = func(n int) { dropped += n }

	for i := int64(1); i <= 5; i++ {
		bw.WriteFeatureBatch(context.Background(), []model.FeatureVector{vec(i, true)})
	}
	if bw.PendingCount() != 3 || dropped != 2 {
		t.Fatalf("pending=%d dropped=%d", bw.PendingCount(), dropped)
	}
	if bw.buffer[0].Seq != 3 {
		t.Errorf("oldest kept: got seq %d, want 3", bw.buffer[0].Seq)
	}
}
