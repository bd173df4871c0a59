// Package queue implements the job coordination core: a single-flight,
// content-addressed queue that serializes access to the warm recognition
// engine, deduplicates repeat requests through the result cache, and streams
// staged progress back to the requesting surfaces.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/textlens/textlens/internal/cache"
	"github.com/textlens/textlens/internal/engine"
	"github.com/textlens/textlens/internal/preprocess"
	"github.com/textlens/textlens/internal/relay"
)

// Fetcher retrieves raw image bytes for a job.
type Fetcher interface {
	Fetch(ctx context.Context, src string) ([]byte, string, error)
}

// EnginePool supplies the warm engine for the duration of one borrow.
type EnginePool interface {
	Acquire(ctx context.Context, sink engine.Sink) (engine.Engine, error)
	Release()
}

// Emitter delivers lifecycle events to a destination surface.
type Emitter interface {
	Emit(destination string, event relay.Event)
}

// Config holds scheduler settings.
type Config struct {
	// QueueSize bounds pending admissions. Zero selects DefaultQueueSize.
	QueueSize int `mapstructure:"queue_size"`
	// Preprocess configures the transform applied before recognition.
	Preprocess preprocess.Options `mapstructure:"preprocess"`
}

// DefaultQueueSize bounds the pending-job backlog.
const DefaultQueueSize = 128

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{QueueSize: DefaultQueueSize, Preprocess: preprocess.DefaultOptions()}
}

// ErrQueueFull is returned by Submit when the backlog is at capacity.
var ErrQueueFull = errors.New("job queue full")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("job queue closed")

// Scheduler is the orchestration core. One worker goroutine drains the FIFO
// backlog; exactly one job is in flight at any time, so the engine borrow
// needs no further locking.
type Scheduler struct {
	fetcher Fetcher
	store   cache.Store
	pool    EnginePool
	emitter Emitter
	opts    preprocess.Options

	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New constructs a scheduler from injected collaborators and starts its
// worker. Close must be called to stop it.
func New(fetcher Fetcher, store cache.Store, pool EnginePool, emitter Emitter, cfg Config) *Scheduler {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		fetcher: fetcher,
		store:   store,
		pool:    pool,
		emitter: emitter,
		opts:    cfg.Preprocess,
		jobs:    make(chan Job, size),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Submit enqueues a job and returns immediately; admission is
// fire-and-forget. Jobs are processed in FIFO order relative to admission.
func (s *Scheduler) Submit(job Job) error {
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(s.jobs) == cap(s.jobs) {
		return ErrQueueFull
	}
	// The queued event must precede anything the worker emits, so it goes
	// out before the job is handed over. The send cannot block: submits
	// are serialized under mu and the worker only drains.
	s.emitProgress(job, StageQueued, nil)
	s.jobs <- job
	queueDepth.Set(float64(len(s.jobs)))
	return nil
}

// Close stops accepting jobs, lets the worker finish the already admitted
// backlog and stops it. Safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.jobs)
	s.wg.Wait()
	s.cancel()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for job := range s.jobs {
		queueDepth.Set(float64(len(s.jobs)))
		s.process(job)
	}
}

// process walks one job through Fetching -> Hashing -> CacheCheck and either
// the cache-hit shortcut or Preprocessing -> Recognizing. Any error lands in
// the Errored absorbing state; the next job is admitted regardless.
func (s *Scheduler) process(job Job) {
	started := time.Now()

	data := job.Data
	if data == nil {
		s.emitProgress(job, StageFetching, relay.Fraction(0))
		fetched, contentType, err := s.fetcher.Fetch(s.ctx, job.SrcURL)
		if err != nil {
			s.fail(job, started, err)
			return
		}
		slog.Debug("image fetched",
			"correlation_id", job.CorrelationID, "content_type", contentType, "bytes", len(fetched))
		data = fetched
	}

	s.emitProgress(job, StageHashing, nil)
	key := cache.Key(data)

	s.emitProgress(job, StageCacheCheck, nil)
	entry, ok, err := s.store.Get(key)
	if err != nil {
		// Fail open: a broken cache must never block recognition.
		cacheErrors.Inc()
		slog.Warn("cache read failed, treating as miss", "correlation_id", job.CorrelationID, "error", err)
		ok = false
	}
	if ok {
		cacheHits.Inc()
		s.finish(job, started, entry.Text, true)
		return
	}
	cacheMisses.Inc()

	s.emitProgress(job, StagePreprocessing, nil)
	processed, err := preprocess.Apply(data, s.opts)
	if err != nil {
		s.fail(job, started, fmt.Errorf("preprocess: %w", err))
		return
	}

	s.emitProgress(job, StageRecognizing, relay.Fraction(0))
	sink := s.recognitionSink(job)

	eng, err := s.pool.Acquire(s.ctx, sink)
	if err != nil {
		s.fail(job, started, err)
		return
	}
	result, err := eng.Recognize(s.ctx, processed, sink)
	s.pool.Release()
	if err != nil {
		s.fail(job, started, err)
		return
	}

	if err := s.store.Put(key, cache.Entry{
		Text:      result.Text,
		SourceURL: job.SrcURL,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		cacheErrors.Inc()
		slog.Warn("cache write failed", "correlation_id", job.CorrelationID, "error", err)
	}

	s.finish(job, started, result.Text, false)
}

// recognitionSink relays engine-internal progress verbatim under the
// Recognizing stage.
func (s *Scheduler) recognitionSink(job Job) engine.Sink {
	return func(p engine.Progress) {
		s.emitter.Emit(job.Destination,
			relay.Progress(job.CorrelationID, StageRecognizing, relay.Fraction(p.Fraction)))
	}
}

func (s *Scheduler) emitProgress(job Job, stage string, fraction *float64) {
	s.emitter.Emit(job.Destination, relay.Progress(job.CorrelationID, stage, fraction))
}

func (s *Scheduler) finish(job Job, started time.Time, text string, cached bool) {
	s.emitProgress(job, StageDone, relay.Fraction(1))
	s.emitter.Emit(job.Destination, relay.Result(job.CorrelationID, text, cached))
	jobsTotal.WithLabelValues("done").Inc()
	jobDuration.WithLabelValues(outcomeLabel(cached)).Observe(time.Since(started).Seconds())
	slog.Info("job done",
		"correlation_id", job.CorrelationID, "cached", cached, "duration", time.Since(started).Round(time.Millisecond))
}

func (s *Scheduler) fail(job Job, started time.Time, err error) {
	s.emitter.Emit(job.Destination, relay.Error(job.CorrelationID, err.Error()))
	jobsTotal.WithLabelValues("errored").Inc()
	jobDuration.WithLabelValues("errored").Observe(time.Since(started).Seconds())
	slog.Warn("job failed", "correlation_id", job.CorrelationID, "error", err)
}

func outcomeLabel(cached bool) string {
	if cached {
		return "cache_hit"
	}
	return "recognized"
}
