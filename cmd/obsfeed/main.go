// cmd/obsfeed: demo observation producer.
// Appends observations to obs:{series} Redis streams so a running viewengine
// can be exercised without a real data source.
//
// Two modes:
//
//	random walk (default): one observation per series every OBS_INTERVAL_MS
//	CSV replay:            OBS_CSV=path replays "series,value[,ts]" rows
//
// Config (env vars):
//
//	REDIS_ADDR       Redis address (default: "localhost:6379")
//	REDIS_PASSWORD   Redis password (default: "")
//	OBS_SERIES       comma-separated SERIES[:START] pairs (default: "demo:100")
//	OBS_INTERVAL_MS  interval between observations (default: "100")
//	OBS_CSV          CSV file to replay instead of the random walk
//	OBS_MAXLEN       approximate stream cap (default: "100000")
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"viewengine/internal/model"
	redisstore "viewengine/internal/store/redis"
)

const csvBatch = 500

// walker holds per-series simulation state.
type walker struct {
	Series string
	Value  float64
}

// step applies a small random walk (±0.1%) to the current value.
func (w *walker) step(rng *rand.Rand) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	w.Value += w.Value * pct
	return w.Value
}

func runWalk(ctx context.Context, wr *redisstore.Writer, walkers []walker, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	batch := make([]model.Observation, len(walkers))
	var sent int64

	for {
		select {
		case <-ctx.Done():
			log.Printf("[obsfeed] sent %d observations", sent)
			return nil
		case <-ticker.C:
			now := time.Now().UTC()
			for i := range walkers {
				batch[i] = model.Observation{Series: walkers[i].Series, TS: now, Value: walkers[i].step(rng)}
			}
			if err := wr.AppendObservations(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Printf("[obsfeed] append error: %v", err)
				continue
			}
			sent += int64(len(batch))
		}
	}
}

func runCSV(ctx context.Context, wr *redisstore.Writer, r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var (
		batch []model.Observation
		total int
		line  int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := wr.AppendObservations(ctx, batch); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, err
		}
		line++
		obs, err := parseRecord(rec)
		if err != nil {
			// A non-numeric first row is treated as a header.
			if line == 1 {
				continue
			}
			log.Printf("[obsfeed] line %d skipped: %v", line, err)
			continue
		}
		batch = append(batch, obs)
		if len(batch) >= csvBatch {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	return total, flush()
}

// parseRecord decodes "series,value[,ts]". ts is unix milliseconds or
// RFC3339; a missing ts means now.
func parseRecord(rec []string) (model.Observation, error) {
	if len(rec) < 2 {
		return model.Observation{}, fmt.Errorf("want series,value[,ts], got %d fields", len(rec))
	}
	series := strings.TrimSpace(rec[0])
	if series == "" {
		return model.Observation{}, fmt.Errorf("empty series")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
	if err != nil {
		return model.Observation{}, fmt.Errorf("value: %w", err)
	}
	ts := time.Now().UTC()
	if len(rec) > 2 && strings.TrimSpace(rec[2]) != "" {
		raw := strings.TrimSpace(rec[2])
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			ts = time.UnixMilli(ms).UTC()
		} else if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ts = t
		} else {
			return model.Observation{}, fmt.Errorf("ts %q: not unix ms or RFC3339", raw)
		}
	}
	return model.Observation{Series: series, TS: ts, Value: v}, nil
}

// parseWalkers parses SERIES[:START] pairs. The start value defaults to 100.
func parseWalkers(s string) []walker {
	var result []walker
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, start, hasStart := strings.Cut(part, ":")
		w := walker{Series: strings.TrimSpace(name), Value: 100}
		if hasStart {
			v, err := strconv.ParseFloat(strings.TrimSpace(start), 64)
			if err != nil || v <= 0 {
				log.Printf("[obsfeed] skipping invalid series spec: %q", part)
				continue
			}
			w.Value = v
		}
		if w.Series == "" {
			continue
		}
		result = append(result, w)
	}
	return result
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	wr, err := redisstore.New(redisstore.WriterConfig{
		Addr:     envOrDefault("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		MaxLen:   int64(envIntOrDefault("OBS_MAXLEN", 100000)),
	})
	if err != nil {
		log.Fatalf("[obsfeed] %v", err)
	}
	defer wr.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if path := os.Getenv("OBS_CSV"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			log.Fatalf("[obsfeed] %v", err)
		}
		defer f.Close()
		n, err := runCSV(ctx, wr, f)
		if err != nil {
			log.Fatalf("[obsfeed] replay %s failed after %d rows: %v", path, n, err)
		}
		log.Printf("[obsfeed] replayed %d observations from %s", n, path)
		return
	}

	walkers := parseWalkers(envOrDefault("OBS_SERIES", "demo:100"))
	if len(walkers) == 0 {
		log.Fatalf("[obsfeed] no series configured via OBS_SERIES")
	}
	interval := time.Duration(envIntOrDefault("OBS_INTERVAL_MS", 100)) * time.Millisecond
	log.Printf("[obsfeed] series: %+v, interval: %s", walkers, interval)

	if err := runWalk(ctx, wr, walkers, interval); err != nil {
		log.Fatalf("[obsfeed] %v", err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
