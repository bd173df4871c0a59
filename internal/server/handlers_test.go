package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textlens/textlens/internal/cache"
	"github.com/textlens/textlens/internal/queue"
	"github.com/textlens/textlens/internal/relay"
)

// stubScheduler plays the queue's role: it accepts jobs and emits lifecycle
// events to the job's destination from a separate goroutine.
type stubScheduler struct {
	relay     *relay.Relay
	submitErr error
	fail      bool
	text      string

	mu   sync.Mutex
	jobs []queue.Job
}

func (s *stubScheduler) Submit(job queue.Job) error {
	if s.submitErr != nil {
		return s.submitErr
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()

	go func() {
		s.relay.Emit(job.Destination, relay.Progress(job.CorrelationID, queue.StageRecognizing, relay.Fraction(0.5)))
		if s.fail {
			s.relay.Emit(job.Destination, relay.Error(job.CorrelationID, "unexpected status (404)"))
			return
		}
		s.relay.Emit(job.Destination, relay.Result(job.CorrelationID, s.text, false))
	}()
	return nil
}

func (s *stubScheduler) submitted() []queue.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]queue.Job(nil), s.jobs...)
}

func newTestServer(t *testing.T, sched *stubScheduler) (*Server, *http.ServeMux) {
	t.Helper()
	store, err := cache.NewMemoryStore(16)
	require.NoError(t, err)

	srv := NewServer(Config{
		CORSOrigin:  "*",
		MaxUploadMB: 4,
		TimeoutSec:  5,
	}, sched, sched.relay, store)

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	return srv, mux
}

func TestHealthHandler(t *testing.T) {
	sched := &stubScheduler{relay: relay.New(), text: "ok"}
	_, mux := newTestServer(t, sched)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.NotEmpty(t, resp.Time)
}

func TestHealthHandlerMethodNotAllowed(t *testing.T) {
	sched := &stubScheduler{relay: relay.New()}
	_, mux := newTestServer(t, sched)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCacheStatsHandler(t *testing.T) {
	sched := &stubScheduler{relay: relay.New()}
	srv, mux := newTestServer(t, sched)

	key := cache.Key([]byte("img"))
	require.NoError(t, srv.store.Put(key, cache.Entry{Key: key, Text: "cached"}))

	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp CacheStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Entries)
}

func TestCacheClearHandler(t *testing.T) {
	sched := &stubScheduler{relay: relay.New()}
	srv, mux := newTestServer(t, sched)

	key := cache.Key([]byte("img"))
	require.NoError(t, srv.store.Put(key, cache.Entry{Key: key, Text: "cached"}))

	req := httptest.NewRequest(http.MethodPost, "/cache/clear", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	n, err := srv.store.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func multipartImage(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestOCRImageHandler(t *testing.T) {
	sched := &stubScheduler{relay: relay.New(), text: "hello world"}
	_, mux := newTestServer(t, sched)

	body, contentType := multipartImage(t, "image", "shot.png", []byte("fake png bytes"))
	req := httptest.NewRequest(http.MethodPost, "/ocr/image", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp OCRResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "hello world", resp.Result.Text)
	assert.False(t, resp.Result.Cached)
	assert.NotEmpty(t, resp.Result.CorrelationID)

	jobs := sched.submitted()
	require.Len(t, jobs, 1)
	assert.Equal(t, []byte("fake png bytes"), jobs[0].Data)
}

func TestOCRImageHandlerMissingFile(t *testing.T) {
	sched := &stubScheduler{relay: relay.New()}
	_, mux := newTestServer(t, sched)

	body, contentType := multipartImage(t, "wrong_field", "shot.png", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/ocr/image", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp OCRResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "No image file")
}

func TestOCRImageHandlerJobError(t *testing.T) {
	sched := &stubScheduler{relay: relay.New(), fail: true}
	_, mux := newTestServer(t, sched)

	body, contentType := multipartImage(t, "image", "shot.png", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/ocr/image", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp OCRResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "(404)")
}

func TestOCRImageHandlerQueueFull(t *testing.T) {
	sched := &stubScheduler{relay: relay.New(), submitErr: queue.ErrQueueFull}
	_, mux := newTestServer(t, sched)

	body, contentType := multipartImage(t, "image", "shot.png", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/ocr/image", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOCRURLHandler(t *testing.T) {
	sched := &stubScheduler{relay: relay.New(), text: "from url"}
	_, mux := newTestServer(t, sched)

	req := httptest.NewRequest(http.MethodPost, "/ocr/url",
		strings.NewReader(`{"src_url":"https://example.com/menu.png"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp OCRResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "from url", resp.Result.Text)

	jobs := sched.submitted()
	require.Len(t, jobs, 1)
	assert.Equal(t, "https://example.com/menu.png", jobs[0].SrcURL)
}

func TestOCRURLHandlerMissingURL(t *testing.T) {
	sched := &stubScheduler{relay: relay.New()}
	_, mux := newTestServer(t, sched)

	req := httptest.NewRequest(http.MethodPost, "/ocr/url", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOCRLastImageHandlerUnknownSurface(t *testing.T) {
	sched := &stubScheduler{relay: relay.New()}
	_, mux := newTestServer(t, sched)

	req := httptest.NewRequest(http.MethodPost, "/ocr/last?surface=nope", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	sched := &stubScheduler{relay: relay.New()}
	_, mux := newTestServer(t, sched)

	req := httptest.NewRequest(http.MethodOptions, "/ocr/image", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestRateLimitMiddleware(t *testing.T) {
	sched := &stubScheduler{relay: relay.New(), text: "ok"}
	store, err := cache.NewMemoryStore(4)
	require.NoError(t, err)

	srv := NewServer(Config{
		CORSOrigin:         "*",
		MaxUploadMB:        4,
		TimeoutSec:         5,
		RateLimitPerMinute: 1,
	}, sched, sched.relay, store)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	send := func(ip string) int {
		body, contentType := multipartImage(t, "image", "shot.png", []byte("x"))
		req := httptest.NewRequest(http.MethodPost, "/ocr/image", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Forwarded-For", ip)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1"))
	// A different client has its own bucket.
	assert.Equal(t, http.StatusOK, send("10.0.0.2"))
}

func TestResultTimeout(t *testing.T) {
	sched := &stubScheduler{relay: relay.New()}
	store, err := cache.NewMemoryStore(4)
	require.NoError(t, err)
	srv := NewServer(Config{TimeoutSec: 7}, sched, sched.relay, store)
	assert.Equal(t, 7*time.Second, srv.resultTimeout())

	srv = NewServer(Config{}, sched, sched.relay, store)
	assert.Equal(t, 2*time.Minute, srv.resultTimeout())
}
