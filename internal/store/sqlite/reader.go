package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"viewengine/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to SQLite for warm-up and history queries.
type Reader struct {
	db *sql.DB
}

var _ model.ObservationReader = (*Reader)(nil)

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// ReadLastObservations returns up to limit most recent observations of a
// series, oldest first.
func (r *Reader) ReadLastObservations(ctx context.Context, series string, limit int) ([]model.Observation, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT ts, value FROM (
			SELECT id, ts, value FROM observations
			WHERE series = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, series, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query observations: %w", err)
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var tsNano int64
		o := model.Observation{Series: series}
		if err := rows.Scan(&tsNano, &o.Value); err != nil {
			return nil, fmt.Errorf("sqlite scan observations: %w", err)
		}
		o.TS = time.Unix(0, tsNano).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListSeries returns every series with stored observations, sorted.
func (r *Reader) ListSeries(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT series FROM observations ORDER BY series`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query series: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("sqlite scan series: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ReadFeatures returns stored vectors of a series with seq > afterSeq, in
// sequence order, at most limit rows.
func (r *Reader) ReadFeatures(ctx context.Context, series string, afterSeq int64, limit int) ([]model.FeatureVector, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data FROM features
		WHERE series = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, series, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query features: %w", err)
	}
	defer rows.Close()

	var out []model.FeatureVector
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite scan features: %w", err)
		}
		var fv model.FeatureVector
		if err := json.Unmarshal([]byte(data), &fv); err != nil {
			return nil, fmt.Errorf("unmarshal feature vector: %w", err)
		}
		out = append(out, fv)
	}
	return out, rows.Err()
}

// LoadViewConfig returns the most recently saved view configuration, or ""
// when none was saved.
func (r *Reader) LoadViewConfig(ctx context.Context) (string, error) {
	var specs string
	err := r.db.QueryRowContext(ctx, `SELECT specs FROM view_configs ORDER BY id DESC LIMIT 1`).Scan(&specs)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite load view config: %w", err)
	}
	return specs, nil
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}
