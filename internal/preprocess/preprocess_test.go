package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textlens/textlens/internal/testutil"
)

func TestOtsuThreshold(t *testing.T) {
	tests := []struct {
		name     string
		hist     func() [256]int
		total    int
		expected int
	}{
		{
			name: "two-value histogram picks first maximum",
			hist: func() [256]int {
				var h [256]int
				h[50] = 32
				h[200] = 32
				return h
			},
			total:    64,
			expected: 50,
		},
		{
			name: "black and white splits at zero",
			hist: func() [256]int {
				var h [256]int
				h[0] = 10
				h[255] = 10
				return h
			},
			total:    20,
			expected: 0,
		},
		{
			name: "unbalanced populations still separate",
			hist: func() [256]int {
				var h [256]int
				h[30] = 90
				h[220] = 10
				return h
			},
			total:    100,
			expected: 30,
		},
		{
			name:     "empty histogram",
			hist:     func() [256]int { return [256]int{} },
			total:    0,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, OtsuThreshold(tt.hist(), tt.total))
		})
	}
}

func TestApply_CheckerboardBinarization(t *testing.T) {
	// 8x8 board, 32 pixels at 50 and 32 at 200. Otsu picks 50; every pixel
	// above it becomes 255, the rest 0.
	data := testutil.PNGBytes(t, testutil.Checkerboard(8, 8, 2, 50, 200))

	out, err := Apply(data, Options{Grayscale: true, Threshold: true})
	require.NoError(t, err)

	img, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)

	counts := map[uint8]int{}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			v := uint8(r >> 8)
			assert.Equal(t, v, uint8(g>>8))
			assert.Equal(t, v, uint8(b>>8))
			counts[v]++
		}
	}
	// Strictly binary output with the original populations intact.
	assert.Equal(t, 32, counts[0])
	assert.Equal(t, 32, counts[255])
	assert.Len(t, counts, 2)
}

func TestApply_Deterministic(t *testing.T) {
	data := testutil.PNGBytes(t, testutil.TextImage("sample", 120, 40))
	opts := Options{Grayscale: true, Contrast: 0.4, Threshold: true}

	first, err := Apply(data, opts)
	require.NoError(t, err)
	second, err := Apply(data, opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestApply_InvalidInput(t *testing.T) {
	_, err := Apply([]byte("not an image"), DefaultOptions())
	assert.Error(t, err)
}

func TestTransform_ContrastStretch(t *testing.T) {
	tests := []struct {
		name     string
		in       uint8
		contrast float64
		expected uint8
	}{
		{name: "mid gray unchanged", in: 128, contrast: 1.0, expected: 128},
		{name: "darker darkens", in: 100, contrast: 1.0, expected: 72},
		{name: "lighter lightens", in: 160, contrast: 0.5, expected: 176},
		{name: "clamps high", in: 250, contrast: 2.0, expected: 255},
		{name: "clamps low", in: 10, contrast: 2.0, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := testutil.Solid(2, 2, color.NRGBA{R: tt.in, G: tt.in, B: tt.in, A: 255})
			out := Transform(src, Options{Grayscale: true, Contrast: tt.contrast})
			assert.Equal(t, tt.expected, out.NRGBAAt(0, 0).R)
		})
	}
}

func TestTransform_RedChannelWithoutGrayscale(t *testing.T) {
	src := testutil.Solid(2, 2, color.NRGBA{R: 30, G: 240, B: 240, A: 255})
	out := Transform(src, Options{})
	// Without grayscale the red channel is the working gray value.
	assert.Equal(t, uint8(30), out.NRGBAAt(1, 1).R)
}

func TestTransform_LumaWeights(t *testing.T) {
	src := testutil.Solid(1, 1, color.NRGBA{R: 100, G: 150, B: 200, A: 255})
	out := Transform(src, Options{Grayscale: true})
	// 0.299*100 + 0.587*150 + 0.114*200 = 140.75 -> 141
	assert.Equal(t, uint8(141), out.NRGBAAt(0, 0).R)
}
