package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/webp"

	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
)

var ErrUnsupported = errors.New("unsupported image type")

// Variant is one rendered derivative.
type Variant struct {
	Name        string
	ContentType string
	Data        []byte
	Width       int
	Height      int
}

// Decode sniffs the real type from content and decodes the image.
func Decode(data []byte) (image.Image, string, error) {
	mt := mimetype.Detect(data).String()

	r := bytes.NewReader(data)
	var (
		img image.Image
		err error
	)
	switch mt {
	case "image/jpeg":
		img, err = jpeg.Decode(r)
	case "image/png":
		img, err = png.Decode(r)
	case "image/webp":
		img, err = webp.Decode(r)
	case "image/gif":
		img, err = gif.Decode(r)
	default:
		return nil, mt, fmt.Errorf("%w: %s", ErrUnsupported, mt)
	}
	if err != nil {
		return nil, mt, fmt.Errorf("failed to decode %s: %w", mt, err)
	}
	return img, mt, nil
}

// Resize scales img to fit spec. Crop specs are center-cropped to the exact
// box; others keep the aspect ratio. Images are never upscaled.
func Resize(img image.Image, spec domain.VariantSpec) image.Image {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()

	var dstW, dstH int
	if spec.Crop {
		dstW, dstH = spec.Width, spec.Height

		aspectSrc := float64(srcW) / float64(srcH)
		aspectDst := float64(dstW) / float64(dstH)

		var crop image.Rectangle
		if aspectSrc > aspectDst {
			w := int(float64(srcH) * aspectDst)
			x := b.Min.X + (srcW-w)/2
			crop = image.Rect(x, b.Min.Y, x+w, b.Max.Y)
		} else {
			h := int(float64(srcW) / aspectDst)
			y := b.Min.Y + (srcH-h)/2
			crop = image.Rect(b.Min.X, y, b.Max.X, y+h)
		}

		cropped := image.NewRGBA(image.Rect(0, 0, crop.Dx(), crop.Dy()))
		draw.Draw(cropped, cropped.Bounds(), img, crop.Min, draw.Src)
		img = cropped
		srcW, srcH = crop.Dx(), crop.Dy()
	} else {
		switch {
		case spec.Height == 0:
			dstW = spec.Width
			dstH = int(float64(srcH) * float64(spec.Width) / float64(srcW))
		case spec.Width == 0:
			dstH = spec.Height
			dstW = int(float64(srcW) * float64(spec.Height) / float64(srcH))
		default:
			ratio := min(float64(spec.Width)/float64(srcW), float64(spec.Height)/float64(srcH))
			dstW = int(float64(srcW) * ratio)
			dstH = int(float64(srcH) * ratio)
		}
	}

	if dstW > srcW || dstH > srcH {
		dstW, dstH = srcW, srcH
	}
	dstW, dstH = max(dstW, 1), max(dstH, 1)

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// Render decodes data, checks its dimensions and encodes one JPEG per spec.
func Render(data []byte, specs []domain.VariantSpec, maxWidth, maxHeight int) ([]Variant, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	if b.Dx() > maxWidth || b.Dy() > maxHeight {
		return nil, fmt.Errorf("image too large: %dx%d (max %dx%d)", b.Dx(), b.Dy(), maxWidth, maxHeight)
	}

	out := make([]Variant, 0, len(specs))
	for _, spec := range specs {
		resized := Resize(img, spec)

		var buf bytes.Buffer
		// x/image/webp only decodes, so derivatives are JPEG
		if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", spec.Name, err)
		}
		out = append(out, Variant{
			Name:        spec.Name,
			ContentType: "image/jpeg",
			Data:        buf.Bytes(),
			Width:       resized.Bounds().Dx(),
			Height:      resized.Bounds().Dy(),
		})
	}
	return out, nil
}
