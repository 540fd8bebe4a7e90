package filehandler

import (
	"image"

	"golang.org/x/image/draw"
)

// toRGBA returns img as an *image.RGBA whose bounds start at the origin.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// applyOrientation returns img transformed so that it displays upright for
// the given EXIF orientation value. Values outside 2..8 return img unchanged.
func applyOrientation(img image.Image, orientation int) image.Image {
	if orientation < 2 || orientation > 8 {
		return img
	}

	src := toRGBA(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()

	dw, dh := w, h
	if orientation >= 5 {
		dw, dh = h, w
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))

	// sourceAt maps a destination pixel back to the source pixel it shows.
	var sourceAt func(x, y int) (int, int)
	switch orientation {
	case 2: // mirror horizontal
		sourceAt = func(x, y int) (int, int) { return w - 1 - x, y }
	case 3: // rotate 180
		sourceAt = func(x, y int) (int, int) { return w - 1 - x, h - 1 - y }
	case 4: // mirror vertical
		sourceAt = func(x, y int) (int, int) { return x, h - 1 - y }
	case 5: // transpose
		sourceAt = func(x, y int) (int, int) { return y, x }
	case 6: // rotate 90 clockwise
		sourceAt = func(x, y int) (int, int) { return y, h - 1 - x }
	case 7: // transverse
		sourceAt = func(x, y int) (int, int) { return w - 1 - y, h - 1 - x }
	case 8: // rotate 90 counter-clockwise
		sourceAt = func(x, y int) (int, int) { return w - 1 - y, x }
	}

	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			sx, sy := sourceAt(x, y)
			si := src.PixOffset(sx, sy)
			di := dst.PixOffset(x, y)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}
