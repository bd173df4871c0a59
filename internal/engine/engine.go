// Package engine defines the recognition engine contract. The engine is an
// opaque capability: it accepts an encoded image and emits recognized text
// plus progress events. Lifecycle (creation, reuse, teardown) belongs to the
// warm pool, not to the engine itself.
package engine

import (
	"context"
	"fmt"
)

// Progress is an event from the engine's internal processing stages.
type Progress struct {
	Stage    string
	Fraction float64
}

// Sink receives progress events emitted during engine creation and
// recognition. A nil Sink is always allowed.
type Sink func(Progress)

// Emit sends p to the sink if one is set.
func (s Sink) Emit(p Progress) {
	if s != nil {
		s(p)
	}
}

// Result is the output of a single recognition call.
type Result struct {
	Text       string
	Confidence float64
}

// Engine recognizes text in one encoded image at a time. Implementations are
// stateful and must not be used concurrently; serialization is enforced by
// the job queue.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, image []byte, sink Sink) (Result, error)
	Close() error
}

// Factory constructs a fresh engine instance. Construction is expensive
// (trained data loading), which is why the pool amortizes it.
type Factory func() (Engine, error)

// InitError reports that engine construction failed. The pool resets its
// state on this error so the next caller can retry construction.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("engine init: %v", e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// RecognitionError reports that a live engine failed during recognition.
type RecognitionError struct {
	Err error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognition: %v", e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }
