package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/textlens/textlens/internal/queue"
	"github.com/textlens/textlens/internal/relay"
	"github.com/textlens/textlens/internal/version"
)

// healthHandler returns server health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:  "healthy",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to encode health response", "error", err)
	}
}

// cacheStatsHandler reports the number of cached recognition results.
func (s *Server) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n, err := s.store.Len()
	if err != nil {
		s.writeErrorResponse(w, "Failed to read cache stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(CacheStatsResponse{Entries: n}); err != nil {
		slog.Error("Failed to encode cache stats response", "error", err)
	}
}

// cacheClearHandler drops all cached recognition results.
func (s *Server) cacheClearHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.store.Clear(); err != nil {
		s.writeErrorResponse(w, "Failed to clear cache", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ocrImageHandler accepts a multipart image upload and blocks until the job
// reaches a terminal state.
func (s *Server) ocrImageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadMB*1024*1024)

	if err := r.ParseMultipartForm(s.maxUploadMB * 1024 * 1024); err != nil {
		s.writeErrorResponse(w, "Failed to parse form data", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		s.writeErrorResponse(w, "No image file provided", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > s.maxUploadMB*1024*1024 {
		s.writeErrorResponse(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}

	imageData, err := io.ReadAll(file)
	if err != nil {
		s.writeErrorResponse(w, "Failed to read image data", http.StatusInternalServerError)
		return
	}
	uploadSizeBytes.Observe(float64(len(imageData)))

	dest, events, release := s.ephemeralDestination()
	defer release()

	job := queue.NewInlineJob(imageData, dest)
	s.runJobToCompletion(w, job, events, "image")
}

// ocrURLHandler accepts a JSON body naming an image URL and blocks until the
// job reaches a terminal state. The download happens inside the job so queue
// ordering covers it.
func (s *Server) ocrURLHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		SrcURL string `json:"src_url"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		s.writeErrorResponse(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	body.SrcURL = strings.TrimSpace(body.SrcURL)
	if body.SrcURL == "" {
		s.writeErrorResponse(w, "src_url is required", http.StatusBadRequest)
		return
	}

	dest, events, release := s.ephemeralDestination()
	defer release()

	job := queue.NewJob(body.SrcURL, dest)
	s.runJobToCompletion(w, job, events, "url")
}

// ocrLastImageHandler asks a connected surface for the image most recently
// interacted with, then runs recognition on it. The surface is addressed by
// its session id.
func (s *Server) ocrLastImageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	surfaceID := r.URL.Query().Get("surface")
	if surfaceID == "" {
		s.writeErrorResponse(w, "surface query parameter is required", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(surfaceID)
	if !ok {
		s.writeErrorResponse(w, "No such surface", http.StatusNotFound)
		return
	}

	srcURL, err := sess.requestLastImage(s.resultTimeout())
	if err != nil {
		s.writeErrorResponse(w, "Surface did not report an image: "+err.Error(), http.StatusBadGateway)
		return
	}
	if srcURL == "" {
		s.writeErrorResponse(w, "Surface has no last image", http.StatusNotFound)
		return
	}

	// Progress and the result flow to the surface's own session, matching
	// the fire-and-forget submission path. The HTTP caller gets the job id.
	job := queue.NewJob(srcURL, surfaceID)
	if err := s.scheduler.Submit(job); err != nil {
		s.writeSubmitError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]string{"correlation_id": job.CorrelationID}); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// runJobToCompletion submits a job and waits for its terminal event.
func (s *Server) runJobToCompletion(w http.ResponseWriter, job queue.Job, events <-chan relay.Event, kind string) {
	start := time.Now()
	if err := s.scheduler.Submit(job); err != nil {
		ocrRequestsTotal.WithLabelValues(kind, "rejected").Inc()
		s.writeSubmitError(w, err)
		return
	}

	timeout := time.NewTimer(s.resultTimeout())
	defer timeout.Stop()

	for {
		select {
		case e := <-events:
			if e.CorrelationID != job.CorrelationID || !e.Terminal() {
				continue
			}
			if e.Type == relay.EventError {
				ocrRequestsTotal.WithLabelValues(kind, "error").Inc()
				s.writeErrorResponse(w, e.Message, http.StatusUnprocessableEntity)
				return
			}
			ocrRequestsTotal.WithLabelValues(kind, "success").Inc()
			ocrProcessingDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

			w.Header().Set("Content-Type", "application/json")
			resp := OCRResponse{
				Success: true,
				Result: OCRResult{
					CorrelationID: e.CorrelationID,
					Text:          e.Text,
					Cached:        e.Cached,
				},
			}
			if err := json.NewEncoder(w).Encode(resp); err != nil {
				slog.Error("Failed to encode OCR response", "error", err)
			}
			return
		case <-timeout.C:
			ocrRequestsTotal.WithLabelValues(kind, "timeout").Inc()
			s.writeErrorResponse(w, "Recognition timed out", http.StatusGatewayTimeout)
			return
		}
	}
}

// ephemeralDestination registers a channel-backed relay destination for a
// single synchronous request. The returned release function unregisters it.
func (s *Server) ephemeralDestination() (string, <-chan relay.Event, func()) {
	id := "http-" + uuid.NewString()
	events := make(chan relay.Event, 32)
	s.relay.Register(relay.NewDestination(id, func(e relay.Event) error {
		select {
		case events <- e:
		default:
		}
		return nil
	}))
	return id, events, func() { s.relay.Unregister(id) }
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, queue.ErrQueueFull):
		s.writeErrorResponse(w, "Queue is full, try again later", http.StatusServiceUnavailable)
	case errors.Is(err, queue.ErrClosed):
		s.writeErrorResponse(w, "Server is shutting down", http.StatusServiceUnavailable)
	default:
		s.writeErrorResponse(w, "Failed to enqueue job", http.StatusInternalServerError)
	}
}

// writeErrorResponse writes a JSON error response.
func (s *Server) writeErrorResponse(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(OCRResponse{Success: false, Error: message}); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}
