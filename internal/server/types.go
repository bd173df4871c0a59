package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/textlens/textlens/internal/cache"
	"github.com/textlens/textlens/internal/queue"
	"github.com/textlens/textlens/internal/relay"
)

// JobSubmitter enqueues recognition jobs. Satisfied by *queue.Scheduler.
type JobSubmitter interface {
	Submit(job queue.Job) error
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	scheduler   JobSubmitter
	relay       *relay.Relay
	store       cache.Store
	rateLimiter *RateLimiter
	corsOrigin  string
	maxUploadMB int64
	timeoutSec  int
	sessions    *sessionRegistry
}

// Config holds server configuration.
type Config struct {
	Host               string
	Port               int
	CORSOrigin         string
	MaxUploadMB        int64
	TimeoutSec         int
	RateLimitPerMinute int
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
}

// CacheStatsResponse is the /cache/stats payload.
type CacheStatsResponse struct {
	Entries int `json:"entries"`
}

// OCRResult carries the recognized text for synchronous HTTP requests.
type OCRResult struct {
	CorrelationID string `json:"correlation_id"`
	Text          string `json:"text"`
	Cached        bool   `json:"cached"`
}

// OCRResponse wraps an OCRResult for API responses.
type OCRResponse struct {
	Success bool      `json:"success"`
	Result  OCRResult `json:"result,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// NewServer creates a new recognition server instance.
func NewServer(config Config, scheduler JobSubmitter, r *relay.Relay, store cache.Store) *Server {
	var limiter *RateLimiter
	if config.RateLimitPerMinute > 0 {
		limiter = NewRateLimiter(config.RateLimitPerMinute)
	}

	return &Server{
		scheduler:   scheduler,
		relay:       r,
		store:       store,
		rateLimiter: limiter,
		corsOrigin:  config.CORSOrigin,
		maxUploadMB: config.MaxUploadMB,
		timeoutSec:  config.TimeoutSec,
		sessions:    newSessionRegistry(),
	}
}

// resultTimeout bounds how long a synchronous HTTP request waits for its
// terminal event.
func (s *Server) resultTimeout() time.Duration {
	if s.timeoutSec <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(s.timeoutSec) * time.Second
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.HandleFunc("/cache/stats", s.corsMiddleware(s.cacheStatsHandler))
	mux.HandleFunc("/cache/clear", s.corsMiddleware(s.cacheClearHandler))
	mux.HandleFunc("/ocr/image", s.corsMiddleware(s.rateLimitMiddleware(s.ocrImageHandler)))
	mux.HandleFunc("/ocr/url", s.corsMiddleware(s.rateLimitMiddleware(s.ocrURLHandler)))
	mux.HandleFunc("/ocr/last", s.corsMiddleware(s.rateLimitMiddleware(s.ocrLastImageHandler)))
	mux.HandleFunc("/ws", s.sessionHandler)
	mux.Handle("/metrics", promhttp.Handler())
}
