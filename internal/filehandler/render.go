package filehandler

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrProcessing is returned when a source cannot be decoded or the result
// cannot be encoded. It concerns one request only.
var ErrProcessing = errors.New("image processing failed")

// DefaultQuality is the JPEG quality used when RenderOptions.Quality is unset.
const DefaultQuality = 75

// RenderOptions controls how an original is turned into a derived JPEG.
type RenderOptions struct {
	// MaxWidth and MaxHeight bound the output. Zero or negative means no
	// bound on that axis. Images are never upscaled.
	MaxWidth  int
	MaxHeight int

	// Quality is the JPEG quality, 1-100.
	Quality int

	Overlays Overlays
}

// Rendered is the output of Render.
type Rendered struct {
	Data         []byte
	ContentType  string
	Width        int
	Height       int
	SourceWidth  int
	SourceHeight int
}

// Render decodes the photo at path, corrects its EXIF orientation, fits it
// within the configured bounds, draws overlay captions and encodes a JPEG.
// The output carries no metadata: the pixels are re-encoded from scratch.
func Render(path string, opts RenderOptions) (*Rendered, error) {
	src, err := decodeSource(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProcessing, filepath.Base(path), err)
	}

	if !isHEIC(path) {
		if meta, err := ExtractImageMetadata(path); err == nil && meta.Orientation > 1 {
			src = applyOrientation(src, meta.Orientation)
		}
	}

	srcW, srcH := src.Bounds().Dx(), src.Bounds().Dy()
	if srcW == 0 || srcH == 0 {
		return nil, fmt.Errorf("%w: %s: empty image", ErrProcessing, filepath.Base(path))
	}
	dstW, dstH := FitDimensions(srcW, srcH, opts.MaxWidth, opts.MaxHeight)

	// JPEG has no alpha channel; composite onto white so transparent
	// regions do not come out black.
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if dstW == srcW && dstH == srcH {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	}

	if err := drawOverlays(dst, opts.Overlays); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to draw overlays, continuing without them")
	}

	quality := opts.Quality
	if quality <= 0 {
		quality = DefaultQuality
	}
	if quality > 100 {
		quality = 100
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: failed to encode JPEG: %w", ErrProcessing, err)
	}

	log.Debug().
		Str("path", path).
		Int("orig_width", srcW).
		Int("orig_height", srcH).
		Int("new_width", dstW).
		Int("new_height", dstH).
		Int("quality", quality).
		Int("output_size", buf.Len()).
		Msg("Photo rendered")

	return &Rendered{
		Data:         buf.Bytes(),
		ContentType:  "image/jpeg",
		Width:        dstW,
		Height:       dstH,
		SourceWidth:  srcW,
		SourceHeight: srcH,
	}, nil
}

func decodeSource(path string) (image.Image, error) {
	if isHEIC(path) {
		return decodeHEIC(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// FitDimensions returns the largest size that fits within maxWidth x
// maxHeight while keeping the aspect ratio of width x height. Sources that
// already fit are returned unchanged; nothing is ever upscaled.
func FitDimensions(width, height, maxWidth, maxHeight int) (int, int) {
	scale := 1.0
	if maxWidth > 0 && width > maxWidth {
		scale = math.Min(scale, float64(maxWidth)/float64(width))
	}
	if maxHeight > 0 && height > maxHeight {
		scale = math.Min(scale, float64(maxHeight)/float64(height))
	}
	if scale >= 1 {
		return width, height
	}

	newWidth := int(math.Round(float64(width) * scale))
	newHeight := int(math.Round(float64(height) * scale))
	if maxWidth > 0 && newWidth > maxWidth {
		newWidth = maxWidth
	}
	if maxHeight > 0 && newHeight > maxHeight {
		newHeight = maxHeight
	}
	return max(newWidth, 1), max(newHeight, 1)
}
