package filehandler

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Overlays holds caption text for each corner of a rendered photo.
// Empty strings are not drawn.
type Overlays struct {
	TopLeft     string `json:"topLeft,omitempty"`
	TopRight    string `json:"topRight,omitempty"`
	BottomLeft  string `json:"bottomLeft,omitempty"`
	BottomRight string `json:"bottomRight,omitempty"`
}

// Empty reports whether no corner has text.
func (o Overlays) Empty() bool {
	return o.TopLeft == "" && o.TopRight == "" && o.BottomLeft == "" && o.BottomRight == ""
}

const (
	minFontSize   = 12
	fontScale     = 0.01
	paddingScale  = 0.02
	shadowOffsetP = 2
)

var (
	overlayFontOnce sync.Once
	overlayFont     *opentype.Font
	overlayFontErr  error
)

func loadOverlayFont() (*opentype.Font, error) {
	overlayFontOnce.Do(func() {
		overlayFont, overlayFontErr = opentype.Parse(goregular.TTF)
	})
	return overlayFont, overlayFontErr
}

// drawOverlays renders the corner captions onto img: white text over a black
// drop shadow, sized at 1% of the image height (minimum 12px) and inset by
// 2% of the height.
func drawOverlays(img *image.RGBA, o Overlays) error {
	if o.Empty() {
		return nil
	}

	f, err := loadOverlayFont()
	if err != nil {
		return fmt.Errorf("failed to parse overlay font: %w", err)
	}

	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	size := float64(height) * fontScale
	if size < minFontSize {
		size = minFontSize
	}

	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return fmt.Errorf("failed to create overlay font face: %w", err)
	}
	defer face.Close()

	metrics := face.Metrics()
	ascent := metrics.Ascent.Ceil()
	textHeight := ascent + metrics.Descent.Ceil()
	padding := int(float64(height) * paddingScale)

	corners := []struct {
		text         string
		right, lower bool
	}{
		{o.TopLeft, false, false},
		{o.TopRight, true, false},
		{o.BottomLeft, false, true},
		{o.BottomRight, true, true},
	}

	for _, c := range corners {
		if c.text == "" {
			continue
		}
		d := &font.Drawer{Dst: img, Face: face}
		textWidth := d.MeasureString(c.text).Ceil()

		x, top := padding, padding
		if c.right {
			x = width - textWidth - padding
		}
		if c.lower {
			top = height - textHeight - padding
		}
		baseline := top + ascent

		d.Src = image.NewUniform(color.Black)
		d.Dot = fixed.P(x+shadowOffsetP, baseline+shadowOffsetP)
		d.DrawString(c.text)

		d.Src = image.NewUniform(color.White)
		d.Dot = fixed.P(x, baseline)
		d.DrawString(c.text)
	}
	return nil
}
