package queue

import (
	"time"

	"github.com/google/uuid"
)

// Stage labels emitted as jobs move through the state machine.
const (
	StageQueued        = "queued"
	StageFetching      = "fetching"
	StageHashing       = "hashing"
	StageCacheCheck    = "cache_check"
	StagePreprocessing = "preprocessing"
	StageRecognizing   = "recognizing"
	StageDone          = "done"
	StageErrored       = "errored"
)

// Job is one unit of OCR work. A job is never mutated after creation; the
// queue consumes it and drops it once a terminal event has been emitted.
type Job struct {
	// CorrelationID ties the job to its progress/result/error events.
	CorrelationID string
	// SrcURL locates the image (http(s) or data: URL).
	SrcURL string
	// Data carries inline image bytes; when set, no fetch happens.
	Data []byte
	// Destination is the surface handle events are relayed to.
	Destination string
	// SubmittedAt records admission time.
	SubmittedAt time.Time
}

// NewJob builds a job for a source URL, minting a correlation id.
func NewJob(srcURL, destination string) Job {
	return Job{
		CorrelationID: uuid.NewString(),
		SrcURL:        srcURL,
		Destination:   destination,
		SubmittedAt:   time.Now(),
	}
}

// NewInlineJob builds a job for inline image bytes.
func NewInlineJob(data []byte, destination string) Job {
	return Job{
		CorrelationID: uuid.NewString(),
		Data:          data,
		Destination:   destination,
		SubmittedAt:   time.Now(),
	}
}
