// Package thumb generates JPEG thumbnails for stored images.
package thumb

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"strings"

	_ "image/gif"
	_ "image/png"
)

// MaxDimension bounds the longer edge of a generated thumbnail.
const MaxDimension = 256

// jpegQuality trades size for fidelity; thumbnails are preview-only.
const jpegQuality = 80

// ErrUnsupported is returned for content that is not a decodable image.
var ErrUnsupported = errors.New("unsupported content type for thumbnail")

// Supported reports whether mimeType is eligible for thumbnailing.
func Supported(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/png", "image/gif":
		return true
	}
	return false
}

// Generate decodes an image and returns a JPEG thumbnail whose longer
// edge is at most MaxDimension pixels. Images already small enough are
// re-encoded without scaling.
func Generate(r io.Reader, mimeType string) ([]byte, error) {
	if !Supported(mimeType) {
		return nil, ErrUnsupported
	}

	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	dst := scale(src, MaxDimension)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// scale downsamples src so its longer edge is at most maxDim, averaging
// the source pixels behind each destination pixel.
func scale(src image.Image, maxDim int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxDim && h <= maxDim {
		return src
	}

	outW, outH := w, h
	if w >= h {
		outW = maxDim
		outH = h * maxDim / w
	} else {
		outH = maxDim
		outW = w * maxDim / h
	}
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	for dy := 0; dy < outH; dy++ {
		sy0 := bounds.Min.Y + dy*h/outH
		sy1 := bounds.Min.Y + (dy+1)*h/outH
		if sy1 <= sy0 {
			sy1 = sy0 + 1
		}
		for dx := 0; dx < outW; dx++ {
			sx0 := bounds.Min.X + dx*w/outW
			sx1 := bounds.Min.X + (dx+1)*w/outW
			if sx1 <= sx0 {
				sx1 = sx0 + 1
			}

			var r, g, b, a, n uint64
			for sy := sy0; sy < sy1; sy++ {
				for sx := sx0; sx < sx1; sx++ {
					pr, pg, pb, pa := src.At(sx, sy).RGBA()
					r += uint64(pr)
					g += uint64(pg)
					b += uint64(pb)
					a += uint64(pa)
					n++
				}
			}
			dst.SetRGBA(dx, dy, color.RGBA{
				R: uint8(r / n >> 8),
				G: uint8(g / n >> 8),
				B: uint8(b / n >> 8),
				A: uint8(a / n >> 8),
			})
		}
	}
	return dst
}
