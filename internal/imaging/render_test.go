package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestResize(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2000, 1000))

	tests := []struct {
		name  string
		spec  domain.VariantSpec
		wantW int
		wantH int
	}{
		{"crop square", domain.VariantSpec{Width: 300, Height: 300, Crop: true}, 300, 300},
		{"width only", domain.VariantSpec{Width: 800}, 800, 400},
		{"height only", domain.VariantSpec{Height: 500}, 1000, 500},
		{"fit box", domain.VariantSpec{Width: 400, Height: 400}, 400, 200},
		{"no upscale", domain.VariantSpec{Width: 4000}, 2000, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resize(src, tt.spec).Bounds()
			assert.Equal(t, tt.wantW, got.Dx())
			assert.Equal(t, tt.wantH, got.Dy())
		})
	}
}

func TestRender_ImageVariants(t *testing.T) {
	out, err := Render(pngBytes(t, 1200, 900), domain.ImageVariants, 8000, 8000)
	require.NoError(t, err)
	require.Len(t, out, len(domain.ImageVariants))

	byName := map[string]Variant{}
	for _, v := range out {
		byName[v.Name] = v
		assert.Equal(t, "image/jpeg", v.ContentType)

		_, err := jpeg.Decode(bytes.NewReader(v.Data))
		assert.NoError(t, err, v.Name)
	}
	assert.Equal(t, 300, byName["thumb"].Width)
	assert.Equal(t, 300, byName["thumb"].Height)
	assert.Equal(t, 800, byName["medium"].Width)
	assert.Equal(t, 600, byName["medium"].Height)
	assert.Equal(t, 1200, byName["large"].Width)
}

func TestRender_Errors(t *testing.T) {
	_, err := Render([]byte("definitely not an image, just text"), domain.ImageVariants, 8000, 8000)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = Render(pngBytes(t, 100, 50), domain.ImageVariants, 80, 80)
	assert.ErrorContains(t, err, "image too large")
}

func TestDecode_SniffsContent(t *testing.T) {
	_, mt, err := Decode(pngBytes(t, 4, 4))
	require.NoError(t, err)
	assert.Equal(t, "image/png", mt)
}
