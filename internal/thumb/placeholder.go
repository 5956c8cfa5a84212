package thumb

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"sync"
)

// placeholderSize is the edge length of generated placeholder tiles.
const placeholderSize = 128

// Media classes get distinct tile colors so clients can tell an audio
// file from a video at a glance.
var classColors = map[string]color.RGBA{
	"video": {R: 0x37, G: 0x47, B: 0x4f, A: 0xff},
	"audio": {R: 0x4e, G: 0x34, B: 0x2e, A: 0xff},
	"text":  {R: 0x26, G: 0x32, B: 0x38, A: 0xff},
	"other": {R: 0x42, G: 0x42, B: 0x42, A: 0xff},
}

var (
	placeholderMu    sync.Mutex
	placeholderCache = map[string][]byte{}
)

// Placeholder returns a static JPEG tile for content that cannot be
// thumbnailed. Tiles are generated once per media class and cached.
func Placeholder(mimeType string) []byte {
	class := mediaClass(mimeType)

	placeholderMu.Lock()
	defer placeholderMu.Unlock()
	if cached, ok := placeholderCache[class]; ok {
		return cached
	}

	tile := renderTile(classColors[class])
	placeholderCache[class] = tile
	return tile
}

func mediaClass(mimeType string) string {
	mt := strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mt, "video/"):
		return "video"
	case strings.HasPrefix(mt, "audio/"):
		return "audio"
	case strings.HasPrefix(mt, "text/"):
		return "text"
	default:
		return "other"
	}
}

func renderTile(base color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, placeholderSize, placeholderSize))
	for y := 0; y < placeholderSize; y++ {
		// Vertical gradient toward a lighter shade.
		f := float64(y) / placeholderSize
		c := color.RGBA{
			R: lighten(base.R, f),
			G: lighten(base.G, f),
			B: lighten(base.B, f),
			A: 0xff,
		}
		for x := 0; x < placeholderSize; x++ {
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	// Encoding a flat gradient cannot fail in practice.
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality})
	return buf.Bytes()
}

func lighten(v uint8, f float64) uint8 {
	return v + uint8(f*float64(0xff-v)*0.25)
}
