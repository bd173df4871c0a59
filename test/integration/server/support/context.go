// Package support holds the step definitions and fixtures for the server
// integration features. The server runs in-process with a stub recognition
// engine so scenarios exercise the queue, cache and relay without trained
// data installed.
package support

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/cucumber/godog"
	"github.com/textlens/textlens/internal/cache"
	"github.com/textlens/textlens/internal/engine"
	"github.com/textlens/textlens/internal/pool"
	"github.com/textlens/textlens/internal/queue"
	"github.com/textlens/textlens/internal/relay"
	"github.com/textlens/textlens/internal/server"
	"github.com/textlens/textlens/internal/testutil"
)

// stubEngine counts recognitions and returns a fixed text.
type stubEngine struct {
	mu    sync.Mutex
	calls int
}

func (e *stubEngine) Name() string { return "stub" }

func (e *stubEngine) Recognize(_ context.Context, _ []byte, sink engine.Sink) (engine.Result, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	sink.Emit(engine.Progress{Stage: "recognizing text", Fraction: 0.5})
	return engine.Result{Text: "integration text"}, nil
}

func (e *stubEngine) Close() error { return nil }

func (e *stubEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// TestContext carries state across the steps of one scenario.
type TestContext struct {
	httpServer *httptest.Server
	scheduler  *queue.Scheduler
	enginePool *pool.Pool
	eng        *stubEngine

	imageBytes []byte

	lastStatus int
	lastBody   []byte
}

// NewTestContext builds a fresh in-process server stack.
func NewTestContext() (*TestContext, error) {
	store, err := cache.NewMemoryStore(64)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	eng := &stubEngine{}
	enginePool := pool.New(func() (engine.Engine, error) { return eng, nil }, time.Minute)
	eventRelay := relay.New()
	scheduler := queue.New(nil, store, enginePool, eventRelay, queue.DefaultConfig())

	srv := server.NewServer(server.Config{
		CORSOrigin:  "*",
		MaxUploadMB: 4,
		TimeoutSec:  10,
	}, scheduler, eventRelay, store)

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	var fixture bytes.Buffer
	if err := png.Encode(&fixture, testutil.Checkerboard(16, 16, 4, 40, 210)); err != nil {
		return nil, fmt.Errorf("failed to encode fixture image: %w", err)
	}

	return &TestContext{
		httpServer: httptest.NewServer(mux),
		scheduler:  scheduler,
		enginePool: enginePool,
		eng:        eng,
		imageBytes: fixture.Bytes(),
	}, nil
}

// Close stops the server and drains the queue.
func (tc *TestContext) Close() {
	tc.httpServer.Close()
	tc.scheduler.Close()
	tc.enginePool.Close()
}

// RegisterSteps wires the step definitions into the scenario.
func (tc *TestContext) RegisterSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a running recognition server$`, tc.aRunningServer)
	sc.Step(`^I request the health endpoint$`, tc.requestHealth)
	sc.Step(`^the response status is (\d+)$`, tc.responseStatusIs)
	sc.Step(`^the health status is "([^"]*)"$`, tc.healthStatusIs)
	sc.Step(`^I upload an image for recognition$`, tc.uploadImage)
	sc.Step(`^I upload the same image again$`, tc.uploadImage)
	sc.Step(`^an image has been recognized$`, tc.uploadImage)
	sc.Step(`^the recognized text is "([^"]*)"$`, tc.recognizedTextIs)
	sc.Step(`^the result is marked cached$`, tc.resultIsCached)
	sc.Step(`^the result is not marked cached$`, tc.resultIsNotCached)
	sc.Step(`^the engine ran (\d+) time(?:s)?$`, tc.engineRanTimes)
	sc.Step(`^I request cache stats$`, tc.requestCacheStats)
	sc.Step(`^the cache holds (\d+) entries$`, tc.cacheHolds)
	sc.Step(`^I clear the cache$`, tc.clearCache)
	sc.Step(`^I post to the image endpoint without a file$`, tc.postWithoutFile)
}

func (tc *TestContext) aRunningServer() error {
	if tc.httpServer == nil {
		return fmt.Errorf("server not started")
	}
	return nil
}

func (tc *TestContext) record(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	tc.lastStatus = resp.StatusCode
	tc.lastBody = buf.Bytes()
	return nil
}

func (tc *TestContext) requestHealth() error {
	resp, err := http.Get(tc.httpServer.URL + "/health")
	if err != nil {
		return err
	}
	return tc.record(resp)
}

func (tc *TestContext) responseStatusIs(status int) error {
	if tc.lastStatus != status {
		return fmt.Errorf("expected status %d, got %d (body: %s)", status, tc.lastStatus, tc.lastBody)
	}
	return nil
}

func (tc *TestContext) healthStatusIs(want string) error {
	var resp server.HealthResponse
	if err := json.Unmarshal(tc.lastBody, &resp); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}
	if resp.Status != want {
		return fmt.Errorf("expected health status %q, got %q", want, resp.Status)
	}
	return nil
}

func (tc *TestContext) uploadImage() error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "fixture.png")
	if err != nil {
		return err
	}
	if _, err := fw.Write(tc.imageBytes); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	resp, err := http.Post(tc.httpServer.URL+"/ocr/image", mw.FormDataContentType(), &body)
	if err != nil {
		return err
	}
	return tc.record(resp)
}

func (tc *TestContext) lastOCRResponse() (server.OCRResponse, error) {
	var resp server.OCRResponse
	if err := json.Unmarshal(tc.lastBody, &resp); err != nil {
		return resp, fmt.Errorf("failed to decode OCR response: %w", err)
	}
	return resp, nil
}

func (tc *TestContext) recognizedTextIs(want string) error {
	resp, err := tc.lastOCRResponse()
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("request failed: %s", resp.Error)
	}
	if resp.Result.Text != want {
		return fmt.Errorf("expected text %q, got %q", want, resp.Result.Text)
	}
	return nil
}

func (tc *TestContext) resultIsCached() error {
	resp, err := tc.lastOCRResponse()
	if err != nil {
		return err
	}
	if !resp.Result.Cached {
		return fmt.Errorf("expected a cached result")
	}
	return nil
}

func (tc *TestContext) resultIsNotCached() error {
	resp, err := tc.lastOCRResponse()
	if err != nil {
		return err
	}
	if resp.Result.Cached {
		return fmt.Errorf("expected a freshly recognized result")
	}
	return nil
}

func (tc *TestContext) engineRanTimes(want int) error {
	if got := tc.eng.callCount(); got != want {
		return fmt.Errorf("expected %d engine runs, got %d", want, got)
	}
	return nil
}

func (tc *TestContext) requestCacheStats() error {
	resp, err := http.Get(tc.httpServer.URL + "/cache/stats")
	if err != nil {
		return err
	}
	return tc.record(resp)
}

func (tc *TestContext) cacheHolds(want int) error {
	var resp server.CacheStatsResponse
	if err := json.Unmarshal(tc.lastBody, &resp); err != nil {
		return fmt.Errorf("failed to decode cache stats: %w", err)
	}
	if resp.Entries != want {
		return fmt.Errorf("expected %d cache entries, got %d", want, resp.Entries)
	}
	return nil
}

func (tc *TestContext) clearCache() error {
	resp, err := http.Post(tc.httpServer.URL+"/cache/clear", "application/json", nil)
	if err != nil {
		return err
	}
	return tc.record(resp)
}

func (tc *TestContext) postWithoutFile() error {
	resp, err := http.Post(tc.httpServer.URL+"/ocr/image", "application/json", bytes.NewReader(nil))
	if err != nil {
		return err
	}
	return tc.record(resp)
}
