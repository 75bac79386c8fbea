package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"viewengine/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	keepViewConfigs   = 10
)

const dsnOptions = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath     string // path to SQLite database file, e.g. "data/views.db"
	BatchSize  int
	FlushDelay time.Duration
}

// Writer is a single-connection SQLite writer with transaction batching.
type Writer struct {
	db         *sql.DB
	batchSize  int
	flushDelay time.Duration

	// OnCommit is called after every committed batch (for metrics).
	OnCommit func(table string, rows int, d time.Duration)
	// OnError is called when a batch fails; the batch is discarded.
	OnError func(table string, err error)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	w := &Writer{db: db, batchSize: cfg.BatchSize, flushDelay: cfg.FlushDelay}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.flushDelay <= 0 {
		w.flushDelay = defaultFlushDelay
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return w, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS observations (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			series TEXT    NOT NULL,
			ts     INTEGER NOT NULL,
			value  REAL    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_observations_series ON observations (series, id);

		CREATE TABLE IF NOT EXISTS features (
			series TEXT    NOT NULL,
			seq    INTEGER NOT NULL,
			ts     INTEGER NOT NULL,
			ready  INTEGER NOT NULL,
			data   TEXT    NOT NULL,
			PRIMARY KEY (series, seq)
		);

		CREATE TABLE IF NOT EXISTS view_configs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			specs      TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

// RunObservations batches observations into the observations table until
// ctx is cancelled or ch is closed.
func (w *Writer) RunObservations(ctx context.Context, ch <-chan model.Observation) {
	runBatched(ctx, w, "observations", ch, w.InsertObservations)
}

// RunFeatures batches feature vectors into the features table until ctx is
// cancelled or ch is closed.
func (w *Writer) RunFeatures(ctx context.Context, ch <-chan model.FeatureVector) {
	runBatched(ctx, w, "features", ch, w.InsertFeatures)
}

// runBatched flushes every batchSize items OR every flushDelay, whichever
// comes first, and once more on exit.
func runBatched[T any](ctx context.Context, w *Writer, table string, ch <-chan T, insert func([]T) error) {
	batch := make([]T, 0, w.batchSize)
	timer := time.NewTimer(w.flushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := insert(batch); err != nil {
			log.Printf("[sqlite] %s batch insert error: %v", table, err)
			if w.OnError != nil {
				w.OnError(table, err)
			}
		} else if w.OnCommit != nil {
			w.OnCommit(table, len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case item, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, item)
			if len(batch) >= w.batchSize {
				flush()
				timer.Reset(w.flushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(w.flushDelay)
		}
	}
}

// InsertObservations inserts a batch in a single transaction.
func (w *Writer) InsertObservations(obs []model.Observation) error {
	return w.inTx(`INSERT INTO observations (series, ts, value) VALUES (?, ?, ?)`, len(obs), func(stmt *sql.Stmt, i int) error {
		o := &obs[i]
		_, err := stmt.Exec(o.Series, o.TS.UnixNano(), o.Value)
		return err
	})
}

// InsertFeatures inserts a batch in a single transaction. A vector with an
// existing (series, seq) replaces the stored row.
func (w *Writer) InsertFeatures(vectors []model.FeatureVector) error {
	return w.inTx(`INSERT OR REPLACE INTO features (series, seq, ts, ready, data) VALUES (?, ?, ?, ?, ?)`, len(vectors), func(stmt *sql.Stmt, i int) error {
		fv := &vectors[i]
		data := fv.JSON()
		if len(data) == 0 {
			return nil // NaN/Inf outputs have no JSON form
		}
		_, err := stmt.Exec(fv.Series, fv.Seq, fv.TS.UnixNano(), fv.Ready, string(data))
		return err
	})
}

func (w *Writer) inTx(query string, n int, exec func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(query)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := exec(stmt, i); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// SaveViewConfig records the view configuration text so a restart can pick
// up the last reload. Only the newest few rows are kept.
func (w *Writer) SaveViewConfig(ctx context.Context, specs string) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO view_configs (specs, created_at) VALUES (?, ?)`,
		specs, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite insert view config: %w", err)
	}

	_, err = w.db.ExecContext(ctx,
		`DELETE FROM view_configs WHERE id NOT IN (SELECT id FROM view_configs ORDER BY id DESC LIMIT ?)`,
		keepViewConfigs)
	if err != nil {
		log.Printf("[sqlite] prune view configs warning: %v", err)
	}
	return nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
