// Package viewengine wires the view pipeline to its inputs and outputs:
// Redis Streams in, Redis/SQLite/WebSocket out, plus the HTTP control surface.
package viewengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"viewengine/internal/gateway"
	"viewengine/internal/logger"
	"viewengine/internal/metrics"
	"viewengine/internal/model"
	"viewengine/internal/pipeline"
	redisstore "viewengine/internal/store/redis"
	sqlitestore "viewengine/internal/store/sqlite"
)

const maxRedisBatch = 100

// Service is the top-level orchestrator for the view engine.
// It wires all dependencies, manages lifecycle, and coordinates goroutines.
type Service struct {
	cfg Config
	log *slog.Logger

	// mu guards engine, which is shared by the process loop and HTTP handlers.
	mu     sync.Mutex
	engine *pipeline.Engine

	redisReader *redisstore.Reader
	redisWriter *redisstore.Writer
	sink        *redisstore.BufferedWriter
	sqlReader   *sqlitestore.Reader
	sqlWriter   *sqlitestore.Writer

	hub    *gateway.Hub
	prom   *metrics.Metrics
	health *metrics.HealthStatus

	streams   []string
	obsCh     chan model.Observation
	sqlObsCh  chan model.Observation
	sqlFeatCh chan model.FeatureVector

	httpSrv    *http.Server
	metricsSrv *metrics.Server
	loopWG     sync.WaitGroup
	sinkWG     sync.WaitGroup
}

// newService builds the storage-independent core: engine, hub, health.
func newService(cfg Config, log *slog.Logger, prom *metrics.Metrics) (*Service, error) {
	engine, err := pipeline.NewEngine(cfg.ViewSpecs)
	if err != nil {
		return nil, err
	}
	svc := &Service{
		cfg:    cfg,
		log:    log,
		engine: engine,
		hub:    gateway.NewHub(cfg.ReplayBuffer),
		prom:   prom,
		health: metrics.NewHealthStatus(),
		obsCh:  make(chan model.Observation, cfg.SinkQueueSize),
	}
	svc.hub.OnClientCount = func(n int) { prom.WSClients.Set(float64(n)) }
	svc.health.SetViews(engine.Names())
	prom.ActiveViews.Set(float64(len(cfg.ViewSpecs)))
	return svc, nil
}

// New connects to Redis and SQLite and builds the engine. SQLite failures
// are logged and the service continues without history.
func New(cfg Config, log *slog.Logger) (*Service, error) {
	prom := metrics.NewMetrics()

	// ---- Connect to Redis ----
	reader, err := redisstore.NewReader(redisstore.ReaderConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		ConsumerGroup: cfg.ConsumerGroup,
		ConsumerName:  cfg.ConsumerName,
	})
	if err != nil {
		return nil, err
	}
	writer, err := redisstore.New(redisstore.WriterConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		MaxLen:   cfg.StreamMaxLen,
	})
	if err != nil {
		reader.Close()
		return nil, err
	}

	// ---- Open SQLite ----
	var (
		sqlWriter *sqlitestore.Writer
		sqlReader *sqlitestore.Reader
	)
	if cfg.SQLitePath != "" {
		if err := ensureParentDir(cfg.SQLitePath); err != nil {
			log.Warn("sqlite directory create failed", "path", cfg.SQLitePath, "err", err)
		}
		sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
		if err != nil {
			log.Warn("sqlite writer init failed, continuing without history", "err", err)
		} else if sqlReader, err = sqlitestore.NewReader(cfg.SQLitePath); err != nil {
			log.Warn("sqlite reader init failed, continuing without warm-up", "err", err)
			sqlReader = nil
		}
	}

	// ---- Resolve view config: env > last saved > defaults ----
	if !cfg.ViewSpecsFromEnv && sqlReader != nil {
		if saved, err := sqlReader.LoadViewConfig(context.Background()); err != nil {
			log.Warn("load saved view config", "err", err)
		} else if saved != "" {
			if specs, err := pipeline.ParseSpecs(saved); err != nil {
				log.Warn("ignoring invalid saved view config", "specs", saved, "err", err)
			} else {
				cfg.ViewSpecs = specs
				log.Info("restored saved view config", "specs", saved)
			}
		}
	}

	svc, err := newService(cfg, log, prom)
	if err != nil {
		reader.Close()
		writer.Close()
		if sqlWriter != nil {
			sqlWriter.Close()
		}
		if sqlReader != nil {
			sqlReader.Close()
		}
		return nil, err
	}
	svc.redisReader = reader
	svc.redisWriter = writer
	svc.sqlWriter = sqlWriter
	svc.sqlReader = sqlReader
	svc.wireStores()
	return svc, nil
}

// ensureParentDir creates the directory holding path, if any.
func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// wireStores attaches metrics callbacks and the circuit breaker.
func (svc *Service) wireStores() {
	prom := svc.prom

	cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to redisstore.State) {
		prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			prom.RedisCircuitBreakerTrips.Inc()
		}
		svc.log.Warn("redis circuit breaker", "from", from.String(), "to", to.String())
	}
	svc.sink = redisstore.NewBufferedWriter(svc.redisWriter, cb, 10000)
	svc.sink.OnBuffer = func(n int) {
		svc.log.Debug("buffered vectors while redis is unavailable", "count", n)
	}
	svc.sink.OnDrop = func(n int) { prom.DroppedVectors.Add(float64(n)) }
	prom.RedisCircuitBreakerState.Set(float64(svc.sink.Breaker().CurrentState()))
	svc.sink.OnFlush = func(n int) { svc.log.Info("flushed buffered vectors", "count", n) }

	svc.redisReader.OnMalformed = func(stream, id string, err error) {
		prom.MalformedTotal.Inc()
		svc.log.Warn("malformed observation", "stream", stream, "id", id, "err", err)
	}

	svc.health.SetRedisConnected(true)
	svc.health.SetSQLiteEnabled(svc.sqlWriter != nil)
	if svc.sqlWriter != nil {
		svc.health.SetSQLiteOK(true)
		svc.sqlWriter.OnCommit = func(table string, rows int, d time.Duration) {
			prom.SQLiteCommitDur.Observe(d.Seconds())
		}
		svc.sqlWriter.OnError = func(table string, err error) {
			prom.WriteErrors.WithLabelValues("sqlite").Inc()
		}
		svc.sqlObsCh = make(chan model.Observation, svc.cfg.SinkQueueSize)
		svc.sqlFeatCh = make(chan model.FeatureVector, svc.cfg.SinkQueueSize)
	}
}

// Run starts all subsystems and blocks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	svc.log.Info("starting view engine", "views", svc.engine.Names())

	// ---- Discover / build streams ----
	svc.streams = svc.buildStreams(ctx)
	if len(svc.streams) == 0 {
		svc.log.Warn("no observation streams found; set SERIES to create them")
	} else {
		svc.log.Info("consuming streams", "count", len(svc.streams), "streams", svc.streams)
	}

	// ---- Warm up from stored history ----
	if svc.sqlReader != nil {
		svc.warmUp(ctx, svc.sqlReader)
	}

	if len(svc.streams) > 0 {
		if err := svc.redisReader.EnsureConsumerGroup(ctx, svc.streams); err != nil {
			return err
		}
	}

	// ---- Start subsystems ----
	svc.startSinks()
	svc.loopWG.Add(1)
	go func() {
		defer svc.loopWG.Done()
		svc.processLoop(ctx)
	}()
	svc.startConsumer(ctx)
	svc.startPELReclaimer(ctx)
	svc.startConfigSubscriber(ctx)

	var sqlDB *sql.DB
	if svc.sqlWriter != nil {
		sqlDB = svc.sqlWriter.DB()
	}
	svc.health.StartLivenessChecker(ctx, svc.redisWriter.Client(), sqlDB, 10*time.Second)

	if err := svc.startHTTP(); err != nil {
		return err
	}
	if svc.cfg.MetricsAddr != "" {
		svc.metricsSrv = metrics.NewServer(svc.cfg.MetricsAddr, svc.prom, svc.health)
		svc.metricsSrv.Start()
	}

	svc.log.Info("all systems running", "http", svc.cfg.HTTPAddr)
	<-ctx.Done()

	svc.shutdown()
	return nil
}

// buildStreams returns the obs:* streams to consume: configured series, or
// the union of existing Redis streams and series with stored history.
func (svc *Service) buildStreams(ctx context.Context) []string {
	seen := map[string]bool{}
	var streams []string
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			streams = append(streams, s)
		}
	}

	if len(svc.cfg.Series) > 0 {
		for _, s := range svc.cfg.Series {
			add(model.ObservationStreamKey(s))
		}
		return streams
	}

	discovered, err := svc.redisReader.DiscoverStreams(ctx)
	if err != nil {
		svc.log.Warn("stream discovery failed", "err", err)
	}
	for _, s := range discovered {
		add(s)
	}
	if svc.sqlReader != nil {
		series, err := svc.sqlReader.ListSeries(ctx)
		if err != nil {
			svc.log.Warn("list stored series", "err", err)
		}
		for _, s := range series {
			add(model.ObservationStreamKey(s))
		}
	}
	return streams
}

// warmUp replays the most recent stored observations of every stream's
// series through the engine so views resume with populated windows. Warm-up
// vectors are not re-published.
func (svc *Service) warmUp(ctx context.Context, src model.ObservationReader) {
	if svc.cfg.WarmupObservations <= 0 {
		return
	}
	total := 0
	for _, stream := range svc.streams {
		series := model.SeriesFromStreamKey(stream)
		obs, err := src.ReadLastObservations(ctx, series, svc.cfg.WarmupObservations)
		if err != nil {
			svc.log.Warn("warm-up read failed", logger.Series(series), "err", err)
			continue
		}
		svc.mu.Lock()
		for _, o := range obs {
			svc.engine.Process(o)
		}
		svc.mu.Unlock()
		total += len(obs)
	}
	if total > 0 {
		svc.log.Info("warmed up views from history", "observations", total)
	}
}

func (svc *Service) startSinks() {
	if svc.sqlWriter == nil {
		return
	}
	// SQLite loops exit when the process loop closes their channels, so the
	// final batch is always flushed.
	svc.sinkWG.Add(2)
	go func() {
		defer svc.sinkWG.Done()
		svc.sqlWriter.RunObservations(context.Background(), svc.sqlObsCh)
	}()
	go func() {
		defer svc.sinkWG.Done()
		svc.sqlWriter.RunFeatures(context.Background(), svc.sqlFeatCh)
	}()
}

// startConsumer recovers pending entries, then blocks on XREADGROUP.
func (svc *Service) startConsumer(ctx context.Context) {
	if len(svc.streams) == 0 {
		return
	}
	go func() {
		if err := svc.redisReader.RecoverPending(ctx, svc.streams, svc.obsCh); err != nil && ctx.Err() == nil {
			svc.log.Warn("pending recovery error", "err", err)
		}
		svc.health.SetConsumerOK(true)
		err := svc.redisReader.ConsumeObservations(ctx, svc.streams, svc.obsCh)
		if err != nil && !errors.Is(err, context.Canceled) {
			svc.health.SetConsumerOK(false)
			svc.log.Error("consumer stopped", "err", err)
		}
	}()
}

// startPELReclaimer starts periodic reclamation of stale PEL entries left by
// dead consumers in the same group.
func (svc *Service) startPELReclaimer(ctx context.Context) {
	if len(svc.streams) == 0 {
		return
	}
	interval := time.Duration(svc.cfg.PELIntervalS) * time.Second
	minIdle := time.Duration(svc.cfg.PELMinIdleMs) * time.Millisecond
	go svc.redisReader.StartPELReclaimer(ctx, svc.streams, interval, minIdle, svc.obsCh, func(count int) {
		svc.prom.PELMessagesReclaimed.Add(float64(count))
	})
	svc.log.Info("PEL reclaimer started", "interval", interval, "min_idle", minIdle)
}

// processLoop feeds observations to the engine and fans vectors out. Redis
// writes are batched while the input channel has a backlog.
func (svc *Service) processLoop(ctx context.Context) {
	defer func() {
		if svc.sqlObsCh != nil {
			close(svc.sqlObsCh)
			close(svc.sqlFeatCh)
		}
	}()

	batch := make([]model.FeatureVector, 0, maxRedisBatch)
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			svc.writeRedis(flushCtx, batch)
			cancel()
			return
		case obs := <-svc.obsCh:
			batch = append(batch, svc.process(obs))
			if len(svc.obsCh) == 0 || len(batch) >= maxRedisBatch {
				svc.writeRedis(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// process runs one observation through the engine and hands the vector to
// the hub and the SQLite queues.
func (svc *Service) process(obs model.Observation) model.FeatureVector {
	start := time.Now()
	svc.mu.Lock()
	fv := svc.engine.Process(obs)
	seriesCount := svc.engine.SeriesCount()
	svc.mu.Unlock()

	svc.prom.ComputeDur.Observe(time.Since(start).Seconds())
	svc.prom.ObservationsTotal.Inc()
	svc.prom.FeatureVectorsTotal.Inc()
	svc.prom.ActiveSeries.Set(float64(seriesCount))
	svc.health.SetLastObservation(obs.TS)

	if !svc.hub.Publish(fv) {
		svc.prom.WriteErrors.WithLabelValues("ws").Inc()
		svc.log.Warn("feature vector not encodable, skipped publish", logger.Series(fv.Series), "seq", fv.Seq)
	}

	if svc.sqlObsCh != nil {
		select {
		case svc.sqlObsCh <- obs:
		default:
			svc.prom.WriteErrors.WithLabelValues("sqlite_queue").Inc()
		}
		select {
		case svc.sqlFeatCh <- fv:
		default:
			svc.prom.WriteErrors.WithLabelValues("sqlite_queue").Inc()
		}
	}
	return fv
}

func (svc *Service) writeRedis(ctx context.Context, batch []model.FeatureVector) {
	if svc.sink == nil || len(batch) == 0 {
		return
	}
	start := time.Now()
	if err := svc.sink.WriteFeatureBatch(ctx, batch); err != nil {
		svc.prom.WriteErrors.WithLabelValues("redis").Inc()
		svc.log.Warn("redis feature write failed", "vectors", len(batch), "err", err)
		return
	}
	svc.prom.RedisWriteDur.Observe(time.Since(start).Seconds())
}

// Reload swaps the view configuration, keeping the state of unchanged views,
// and persists the new configuration when SQLite is available.
func (svc *Service) Reload(ctx context.Context, specs []pipeline.Spec) (preserved, created int, err error) {
	svc.mu.Lock()
	preserved, created, err = svc.engine.Reload(specs)
	names := svc.engine.Names()
	svc.mu.Unlock()

	if err != nil {
		svc.prom.Reloads.WithLabelValues("error").Inc()
		svc.log.Warn("reload rejected", append(logger.LogWithTrace(ctx), "err", err)...)
		return 0, 0, err
	}
	svc.prom.Reloads.WithLabelValues("ok").Inc()
	svc.prom.ActiveViews.Set(float64(len(names)))
	svc.health.SetViews(names)

	text := pipeline.FormatSpecs(specs)
	if svc.sqlWriter != nil {
		if err := svc.sqlWriter.SaveViewConfig(ctx, text); err != nil {
			svc.log.Warn("persist view config", "err", err)
		}
	}
	svc.log.Info("views reloaded", append(logger.LogWithTrace(ctx),
		"specs", text, "preserved", preserved, "created", created)...)
	return preserved, created, nil
}

// startConfigSubscriber applies view configs published on the config
// channel, e.g. PUBLISH config:views "ECHO,TRENDFLEX:16@1024".
func (svc *Service) startConfigSubscriber(ctx context.Context) {
	if svc.cfg.ConfigChannel == "" {
		return
	}
	go func() {
		pubsub, err := svc.redisReader.SubscribeChannel(ctx, svc.cfg.ConfigChannel)
		if err != nil {
			svc.log.Warn("config subscriber disabled", "err", err)
			return
		}
		defer pubsub.Close()
		svc.log.Info("listening for view config updates", "channel", svc.cfg.ConfigChannel)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				specs, err := pipeline.ParseSpecs(msg.Payload)
				if err != nil {
					svc.log.Warn("invalid view config update", "payload", msg.Payload, "err", err)
					continue
				}
				reloadCtx := logger.WithTraceID(ctx, logger.GenerateTraceID(svc.cfg.ConfigChannel, time.Now()))
				svc.Reload(reloadCtx, specs)
			}
		}
	}()
}

func (svc *Service) startHTTP() error {
	svc.httpSrv = &http.Server{
		Addr:              svc.cfg.HTTPAddr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := svc.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// shutdown stops HTTP, drains the process loop and sinks, and closes stores.
func (svc *Service) shutdown() {
	svc.log.Info("shutdown signal received")

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if svc.httpSrv != nil {
		svc.httpSrv.Shutdown(shutCtx)
	}
	if svc.metricsSrv != nil {
		svc.metricsSrv.Stop(shutCtx)
	}
	svc.hub.Close()

	svc.loopWG.Wait()
	svc.sinkWG.Wait()

	if svc.sqlReader != nil {
		svc.sqlReader.Close()
	}
	if svc.sqlWriter != nil {
		svc.sqlWriter.Close()
	}
	if n := svc.sink.PendingCount(); n > 0 {
		svc.log.Warn("discarding vectors buffered during redis outage", "count", n)
	}
	svc.redisWriter.Close()
	svc.redisReader.Close()

	svc.log.Info("shutdown complete")
}
