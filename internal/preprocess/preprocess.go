// Package preprocess applies deterministic image transforms ahead of
// recognition: grayscale conversion, linear contrast stretch and automatic
// global binarization (Otsu). Same input bytes and options always produce
// the same output bytes.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
)

// Options selects the transforms to apply.
type Options struct {
	// Grayscale derives the working gray value from luma
	// (0.299 R + 0.587 G + 0.114 B); otherwise the red channel is used.
	Grayscale bool `mapstructure:"grayscale"`
	// Contrast is a multiplicative stretch around mid-gray:
	// out = 128 + (in-128)*(1+contrast), clamped to [0,255]. Zero disables.
	Contrast float64 `mapstructure:"contrast"`
	// Threshold binarizes against an Otsu-selected global threshold.
	Threshold bool `mapstructure:"threshold"`
}

// DefaultOptions enables grayscale and binarization with no extra contrast.
func DefaultOptions() Options {
	return Options{Grayscale: true, Contrast: 0, Threshold: true}
}

// Apply decodes data, runs the configured transforms and re-encodes the
// result losslessly as PNG. It is a pure function with no side effects.
func Apply(data []byte, opts Options) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	out := Transform(img, opts)

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Transform applies the configured transforms to a decoded image.
func Transform(img image.Image, opts Options) *image.NRGBA {
	src := imaging.Clone(img)
	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	grays := make([]uint8, width*height)
	var hist [256]int

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := src.PixOffset(x, y)
			r := src.Pix[i]
			g := src.Pix[i+1]
			b := src.Pix[i+2]

			gray := r
			if opts.Grayscale {
				gray = luma(r, g, b)
			}
			if opts.Contrast != 0 {
				gray = stretch(gray, opts.Contrast)
			}
			grays[y*width+x] = gray
			hist[gray]++
		}
	}

	if opts.Threshold {
		t := OtsuThreshold(hist, width*height)
		for i, g := range grays {
			if g > uint8(t) {
				grays[i] = 255
			} else {
				grays[i] = 0
			}
		}
	}

	out := image.NewNRGBA(bounds)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := grays[y*width+x]
			a := src.Pix[src.PixOffset(x, y)+3]
			out.SetNRGBA(x, y, color.NRGBA{R: g, G: g, B: g, A: a})
		}
	}
	return out
}

// OtsuThreshold picks the global binarization threshold maximizing the
// between-class variance wB*wF*(mB-mF)^2 over a 256-bin histogram. Ties are
// broken by the first maximum scanning ascending.
func OtsuThreshold(hist [256]int, total int) int {
	if total == 0 {
		return 0
	}

	var sum float64
	for v, count := range hist {
		sum += float64(v) * float64(count)
	}

	var sumB, wB float64
	best := 0
	bestVariance := -1.0
	for t := 0; t < 256; t++ {
		wB += float64(hist[t])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * float64(hist[t])
		mB := sumB / wB
		mF := (sum - sumB) / wF
		variance := wB * wF * (mB - mF) * (mB - mF)
		if variance > bestVariance {
			bestVariance = variance
			best = t
		}
	}
	return best
}

func luma(r, g, b uint8) uint8 {
	v := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
	return clamp(v)
}

func stretch(v uint8, contrast float64) uint8 {
	return clamp(128 + (float64(v)-128)*(1+contrast))
}

func clamp(v float64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
