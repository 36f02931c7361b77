package intake

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
)

const mb = 1024 * 1024

func testRules() Rules {
	return Rules{
		ImageTypes:   []string{"image/jpeg", "image/png", "image/webp", "image/gif"},
		VideoTypes:   []string{"video/mp4", "video/quicktime", "video/webm"},
		MaxImageSize: 10 * mb,
		MaxVideoSize: 100 * mb,
	}
}

func sized(name, contentType string, size int64) File {
	return NewFile(name, contentType, size, nil)
}

func TestValidate_AcceptsWithinLimits(t *testing.T) {
	v := NewValidator(testRules())

	cases := []struct {
		file File
		kind domain.Kind
	}{
		{sized("a.jpg", "image/jpeg", 2*mb), domain.KindImage},
		{sized("a.png", "image/png", 10*mb), domain.KindImage},
		{sized("a.gif", "IMAGE/GIF", 1), domain.KindImage},
		{sized("a.webp", "image/webp; charset=binary", 512), domain.KindImage},
		{sized("a.mp4", "video/mp4", 99*mb), domain.KindVideo},
		{sized("a.mov", "video/quicktime", 100*mb), domain.KindVideo},
	}
	for _, tc := range cases {
		t.Run(tc.file.Name, func(t *testing.T) {
			res := v.Validate(tc.file)
			assert.True(t, res.OK)
			assert.Equal(t, tc.kind, res.Kind)
			assert.NoError(t, res.Err())
		})
	}
}

func TestValidate_RejectsWithReason(t *testing.T) {
	v := NewValidator(testRules())

	cases := []struct {
		name   string
		file   File
		reason domain.RejectReason
	}{
		{"pdf", sized("a.pdf", "application/pdf", mb), domain.ReasonUnsupportedType},
		{"svg", sized("a.svg", "image/svg+xml", mb), domain.ReasonUnsupportedType},
		{"no type", sized("a", "", mb), domain.ReasonUnsupportedType},
		{"image over limit", sized("a.jpg", "image/jpeg", 11*mb), domain.ReasonTooLarge},
		{"image one byte over", sized("a.jpg", "image/jpeg", 10*mb+1), domain.ReasonTooLarge},
		{"video over limit", sized("a.mp4", "video/mp4", 101*mb), domain.ReasonTooLarge},
		{"empty", sized("a.png", "image/png", 0), domain.ReasonEmpty},
		{"bad type and size", sized("a.exe", "application/x-msdownload", 500*mb), domain.ReasonUnsupportedType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := v.Validate(tc.file)
			assert.False(t, res.OK)
			assert.Equal(t, tc.reason, res.Reason)

			var verr *domain.ValidationError
			require.ErrorAs(t, res.Err(), &verr)
			assert.Equal(t, tc.reason, verr.Reason)
		})
	}
}

func TestValidate_ImageCeilingBelowVideoCeiling(t *testing.T) {
	v := NewValidator(testRules())

	assert.False(t, v.Validate(sized("big.jpg", "image/jpeg", 50*mb)).OK)
	assert.True(t, v.Validate(sized("big.mp4", "video/mp4", 50*mb)).OK)
	assert.Equal(t, "File too large. Maximum size is 10MB.", v.Validate(sized("big.jpg", "image/jpeg", 50*mb)).Message)
}

func TestOpen_SniffsContentType(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	require.NoError(t, png.Encode(&buf, img))

	// wrong extension on purpose: magic bytes win
	path := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	f, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "photo.jpg", f.Name)
	assert.Equal(t, "image/png", f.ContentType)
	assert.Equal(t, int64(buf.Len()), f.Size)

	r, err := f.Reader()
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), data)
}

func TestOpen_FallsBackToExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.webp")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0x01, 0x02, 0x03, 0x04}, 0o600))

	f, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "image/webp", f.ContentType)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)

	_, err = Open(t.TempDir())
	assert.Error(t, err)

	_, err = sized("x.png", "image/png", 1).Reader()
	assert.Error(t, err)
}

func TestPreviewRegistry_RevokeIsIdempotent(t *testing.T) {
	reg := NewPreviewRegistry()
	f := FromBytes("a.png", "image/png", []byte("png"))

	p1 := reg.Create(f)
	p2 := reg.Create(FromBytes("b.mp4", "video/mp4", []byte("mp4")))
	assert.Equal(t, 2, reg.Live())
	assert.Equal(t, "image", p1.Kind)
	assert.Equal(t, "video", p2.Kind)

	got, ok := reg.Resolve(p1.ID)
	require.True(t, ok)
	assert.Equal(t, "a.png", got.Name)

	p1.Revoke()
	p1.Revoke()
	assert.Equal(t, 1, reg.Live())
	_, ok = reg.Resolve(p1.ID)
	assert.False(t, ok)

	p2.Revoke()
	assert.Equal(t, 0, reg.Live())

	var nilPreview *Preview
	assert.NotPanics(t, nilPreview.Revoke)
}
