// Package tesseract provides the gosseract-backed recognition engine.
package tesseract

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
	"github.com/textlens/textlens/internal/engine"
)

// Config holds tesseract engine settings.
type Config struct {
	// Languages lists trained-data language codes, e.g. "eng", "vie".
	Languages []string `mapstructure:"languages"`
	// TessdataPrefix overrides the trained data directory when non-empty.
	TessdataPrefix string `mapstructure:"tessdata_prefix"`
	// Variables passes engine-specific knobs (e.g. "user_defined_dpi")
	// without hard-coding them into the API surface.
	Variables map[string]string `mapstructure:"variables"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{Languages: []string{"eng"}}
}

// Engine wraps a live gosseract client. The client holds loaded trained
// data, so instances are meant to stay warm across recognitions.
type Engine struct {
	client *gosseract.Client
}

// New creates a tesseract engine, loading trained data for the configured
// languages. Fails with engine.InitError when the client cannot be set up.
func New(cfg Config) (*Engine, error) {
	client := gosseract.NewClient()
	if cfg.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(cfg.TessdataPrefix); err != nil {
			_ = client.Close()
			return nil, &engine.InitError{Err: fmt.Errorf("tessdata prefix: %w", err)}
		}
	}
	if len(cfg.Languages) > 0 {
		if err := client.SetLanguage(cfg.Languages...); err != nil {
			_ = client.Close()
			return nil, &engine.InitError{Err: fmt.Errorf("set languages: %w", err)}
		}
	}
	for k, v := range cfg.Variables {
		if err := client.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			_ = client.Close()
			return nil, &engine.InitError{Err: fmt.Errorf("set variable %s: %w", k, err)}
		}
	}
	return &Engine{client: client}, nil
}

// Factory returns an engine.Factory for the warm pool.
func Factory(cfg Config) engine.Factory {
	return func() (engine.Engine, error) { return New(cfg) }
}

// Name identifies the backend.
func (e *Engine) Name() string { return "tesseract" }

// Recognize runs OCR over the encoded image and reports coarse internal
// progress on the sink.
func (e *Engine) Recognize(ctx context.Context, image []byte, sink engine.Sink) (engine.Result, error) {
	select {
	case <-ctx.Done():
		return engine.Result{}, &engine.RecognitionError{Err: ctx.Err()}
	default:
	}

	sink.Emit(engine.Progress{Stage: "loading image", Fraction: 0.1})
	if err := e.client.SetImageFromBytes(image); err != nil {
		return engine.Result{}, &engine.RecognitionError{Err: fmt.Errorf("set image: %w", err)}
	}

	sink.Emit(engine.Progress{Stage: "recognizing text", Fraction: 0.3})
	text, err := e.client.Text()
	if err != nil {
		return engine.Result{}, &engine.RecognitionError{Err: fmt.Errorf("extract text: %w", err)}
	}

	sink.Emit(engine.Progress{Stage: "recognizing text", Fraction: 0.9})
	return engine.Result{
		Text:       normalizeText(text),
		Confidence: averageConfidence(e.client),
	}, nil
}

// Close releases the client and its trained data.
func (e *Engine) Close() error {
	return e.client.Close()
}

func averageConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes))
}
