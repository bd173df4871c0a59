package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textlens/textlens/internal/engine"
)

// stubEngine counts lifecycle calls.
type stubEngine struct {
	mu         sync.Mutex
	closed     bool
	recognized int
}

func (s *stubEngine) Name() string { return "stub" }

func (s *stubEngine) Recognize(_ context.Context, _ []byte, sink engine.Sink) (engine.Result, error) {
	s.mu.Lock()
	s.recognized++
	s.mu.Unlock()
	sink.Emit(engine.Progress{Stage: "recognizing text", Fraction: 0.5})
	return engine.Result{Text: "stub text"}, nil
}

func (s *stubEngine) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func countingFactory(created *int, mu *sync.Mutex) engine.Factory {
	return func() (engine.Engine, error) {
		mu.Lock()
		*created++
		mu.Unlock()
		return &stubEngine{}, nil
	}
}

func TestPool_ReusesWarmEngine(t *testing.T) {
	var created int
	var mu sync.Mutex
	p := New(countingFactory(&created, &mu), time.Hour)
	defer p.Close()

	first, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	p.Release()

	second, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	p.Release()

	assert.Same(t, first, second)
	mu.Lock()
	assert.Equal(t, 1, created)
	mu.Unlock()
}

func TestPool_IdleTeardownAndRecreate(t *testing.T) {
	var created int
	var mu sync.Mutex
	p := New(countingFactory(&created, &mu), 20*time.Millisecond)
	defer p.Close()

	first, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	p.Release()

	require.Eventually(t, func() bool { return !p.Warm() }, time.Second, 5*time.Millisecond)

	stub, ok := first.(*stubEngine)
	require.True(t, ok)
	stub.mu.Lock()
	assert.True(t, stub.closed)
	stub.mu.Unlock()

	second, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	mu.Lock()
	assert.Equal(t, 2, created)
	mu.Unlock()
}

func TestPool_AcquireCancelsPendingTeardown(t *testing.T) {
	var created int
	var mu sync.Mutex
	p := New(countingFactory(&created, &mu), 80*time.Millisecond)
	defer p.Close()

	_, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	p.Release()

	// Re-acquire well inside the idle window, then hold past the original
	// deadline; the teardown must not fire while borrowed.
	time.Sleep(20 * time.Millisecond)
	_, err = p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)
	assert.True(t, p.Warm())
	p.Release()

	mu.Lock()
	assert.Equal(t, 1, created)
	mu.Unlock()
}

func TestPool_StaleTeardownDoesNotCloseBorrowedEngine(t *testing.T) {
	var created int
	var mu sync.Mutex
	p := New(countingFactory(&created, &mu), time.Hour)
	defer p.Close()

	first, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	p.Release()

	p.mu.Lock()
	staleGen := p.idleGen
	p.mu.Unlock()

	// A borrower wins the mutex against an idle timer whose function has
	// already started: Acquire cancels the timer and hands the engine out,
	// then the superseded timer function runs late.
	second, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	require.Same(t, first, second)

	p.idleExpired(staleGen)

	assert.True(t, p.Warm())
	stub, ok := second.(*stubEngine)
	require.True(t, ok)
	stub.mu.Lock()
	assert.False(t, stub.closed, "borrowed engine torn down by superseded idle timer")
	stub.mu.Unlock()

	_, err = second.Recognize(context.Background(), nil, nil)
	require.NoError(t, err)
	p.Release()
}

func TestPool_ReleaseAcquireChurnKeepsBorrowOpen(t *testing.T) {
	const idle = time.Millisecond
	p := New(func() (engine.Engine, error) { return &stubEngine{}, nil }, idle)
	defer p.Close()

	// Each sleep lands the next Acquire right on the idle deadline, so the
	// borrow and the firing timer contend for the mutex every iteration.
	for i := 0; i < 300; i++ {
		eng, err := p.Acquire(context.Background(), nil)
		require.NoError(t, err)
		stub, ok := eng.(*stubEngine)
		require.True(t, ok)
		stub.mu.Lock()
		closed := stub.closed
		stub.mu.Unlock()
		require.False(t, closed, "acquired engine was already closed")
		p.Release()
		time.Sleep(idle)
	}
}

func TestPool_SingleFlightCreation(t *testing.T) {
	var created int
	var mu sync.Mutex
	release := make(chan struct{})
	factory := func() (engine.Engine, error) {
		mu.Lock()
		created++
		mu.Unlock()
		<-release
		return &stubEngine{}, nil
	}

	p := New(factory, time.Hour)
	defer p.Close()

	const callers = 4
	engines := make([]engine.Engine, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng, err := p.Acquire(context.Background(), nil)
			assert.NoError(t, err)
			engines[i] = eng
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	assert.Equal(t, 1, created, "concurrent acquirers must join the same creation")
	mu.Unlock()
	for i := 1; i < callers; i++ {
		assert.Same(t, engines[0], engines[i])
	}
}

func TestPool_InitFailureResetsState(t *testing.T) {
	attempts := 0
	factory := func() (engine.Engine, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("trained data missing")
		}
		return &stubEngine{}, nil
	}

	p := New(factory, time.Hour)
	defer p.Close()

	_, err := p.Acquire(context.Background(), nil)
	var initErr *engine.InitError
	require.ErrorAs(t, err, &initErr)
	assert.False(t, p.Warm())

	// Next caller retries construction.
	eng, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, eng)
	assert.Equal(t, 2, attempts)
}

func TestPool_CreationProgressOnSink(t *testing.T) {
	var events []engine.Progress
	sink := engine.Sink(func(p engine.Progress) { events = append(events, p) })

	p := New(func() (engine.Engine, error) { return &stubEngine{}, nil }, time.Hour)
	defer p.Close()

	_, err := p.Acquire(context.Background(), sink)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "initializing engine", events[0].Stage)
	assert.Equal(t, 0.0, events[0].Fraction)
	assert.Equal(t, 1.0, events[1].Fraction)
}
