// Package pool owns the lifecycle of the single warm recognition engine:
// lazy creation, reuse across jobs and teardown after a bounded idle window.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/textlens/textlens/internal/engine"
	"golang.org/x/sync/singleflight"
)

var errUnexpectedType = errors.New("unexpected engine type from singleflight")

// DefaultIdleTimeout keeps the engine warm for five minutes after the last
// release before tearing it down.
const DefaultIdleTimeout = 5 * time.Minute

// Pool holds at most one live engine instance system-wide. The engine is
// borrowed for the duration of a recognition call; the single-worker queue
// guarantees no concurrent borrows.
type Pool struct {
	factory     engine.Factory
	idleTimeout time.Duration

	group singleflight.Group

	mu        sync.Mutex
	eng       engine.Engine
	idleTimer *time.Timer
	idleGen   uint64
	creations int
}

// New creates a pool around factory. idleTimeout <= 0 selects
// DefaultIdleTimeout.
func New(factory engine.Factory, idleTimeout time.Duration) *Pool {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Pool{factory: factory, idleTimeout: idleTimeout}
}

// Acquire returns the live engine, creating one if none exists. Concurrent
// callers during creation join the same in-flight construction instead of
// triggering duplicates. A pending idle teardown is canceled. On
// construction failure the pool stays empty so the next Acquire retries.
func (p *Pool) Acquire(ctx context.Context, sink engine.Sink) (engine.Engine, error) {
	p.mu.Lock()
	if p.idleTimer != nil {
		// Stop may miss a timer whose function is already running;
		// bumping the generation makes that late teardown a no-op.
		p.idleTimer.Stop()
		p.idleTimer = nil
		p.idleGen++
	}
	if p.eng != nil {
		eng := p.eng
		p.mu.Unlock()
		return eng, nil
	}
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, err, _ := p.group.Do("engine", func() (interface{}, error) {
		sink.Emit(engine.Progress{Stage: "initializing engine", Fraction: 0})
		eng, err := p.factory()
		if err != nil {
			return nil, wrapInit(err)
		}
		sink.Emit(engine.Progress{Stage: "initializing engine", Fraction: 1})

		p.mu.Lock()
		p.eng = eng
		p.creations++
		p.mu.Unlock()

		engineCreations.Inc()
		engineActive.Set(1)
		slog.Info("recognition engine created", "engine", eng.Name())
		return eng, nil
	})
	if err != nil {
		return nil, err
	}
	e, ok := v.(engine.Engine)
	if !ok {
		return nil, &engine.InitError{Err: errUnexpectedType}
	}
	return e, nil
}

// Release marks the current borrow done and (re)starts the idle teardown
// timer. Any Acquire before it fires reuses the warm engine.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eng == nil {
		return
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleGen++
	gen := p.idleGen
	p.idleTimer = time.AfterFunc(p.idleTimeout, func() { p.idleExpired(gen) })
}

// Close tears the engine down immediately. Best-effort, for shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.idleGen++
	eng := p.eng
	p.eng = nil
	p.mu.Unlock()
	p.closeEngine(eng)
}

// Creations reports how many engine instances have been constructed.
func (p *Pool) Creations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creations
}

// Warm reports whether a live engine is currently held.
func (p *Pool) Warm() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eng != nil
}

// idleExpired runs when an idle timer fires. The timer's function may race
// an Acquire that wins the mutex first and hands the engine back out; the
// generation check makes such a superseded teardown a no-op so a live
// borrow is never closed underneath a recognition.
func (p *Pool) idleExpired(gen uint64) {
	p.mu.Lock()
	if gen != p.idleGen {
		p.mu.Unlock()
		return
	}
	eng := p.eng
	p.eng = nil
	p.idleTimer = nil
	p.mu.Unlock()
	p.closeEngine(eng)
}

func (p *Pool) closeEngine(eng engine.Engine) {
	if eng == nil {
		return
	}
	if err := eng.Close(); err != nil {
		// Shutdown errors are logged, never surfaced.
		slog.Warn("engine teardown failed", "engine", eng.Name(), "error", err)
	}
	engineTeardowns.Inc()
	engineActive.Set(0)
	slog.Info("recognition engine torn down", "engine", eng.Name())
}

func wrapInit(err error) error {
	var initErr *engine.InitError
	if errors.As(err, &initErr) {
		return err
	}
	return &engine.InitError{Err: err}
}
