package filehandler

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func writeJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solidImage(w, h, color.RGBA{R: 200, G: 120, B: 40, A: 255}), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	writeFile(t, path, buf.Bytes())
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(w, h, color.RGBA{G: 200, A: 255})); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	writeFile(t, path, buf.Bytes())
}

// writeJPEGWithExifDate writes a small JPEG carrying an APP1 EXIF segment
// whose DateTimeOriginal is dateTime ("YYYY:MM:DD HH:MM:SS").
func writeJPEGWithExifDate(t *testing.T, path, dateTime string) {
	t.Helper()
	if len(dateTime) != 19 {
		t.Fatalf("dateTime must be 19 characters, got %q", dateTime)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solidImage(16, 16, color.Gray{Y: 128}), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	encoded := buf.Bytes()

	le := binary.LittleEndian
	tiff := make([]byte, 0, 64)
	tiff = append(tiff, 'I', 'I', 0x2A, 0x00)
	tiff = le.AppendUint32(tiff, 8)
	// IFD0: one entry pointing at the Exif sub-IFD at offset 26.
	tiff = le.AppendUint16(tiff, 1)
	tiff = le.AppendUint16(tiff, 0x8769)
	tiff = le.AppendUint16(tiff, 4)
	tiff = le.AppendUint32(tiff, 1)
	tiff = le.AppendUint32(tiff, 26)
	tiff = le.AppendUint32(tiff, 0)
	// Exif IFD: DateTimeOriginal, ASCII[20] stored at offset 44.
	tiff = le.AppendUint16(tiff, 1)
	tiff = le.AppendUint16(tiff, 0x9003)
	tiff = le.AppendUint16(tiff, 2)
	tiff = le.AppendUint32(tiff, 20)
	tiff = le.AppendUint32(tiff, 44)
	tiff = le.AppendUint32(tiff, 0)
	tiff = append(tiff, []byte(dateTime)...)
	tiff = append(tiff, 0)

	payload := append([]byte("Exif\x00\x00"), tiff...)
	segment := []byte{0xFF, 0xE1}
	segment = binary.BigEndian.AppendUint16(segment, uint16(len(payload)+2))
	segment = append(segment, payload...)

	out := make([]byte, 0, len(encoded)+len(segment))
	out = append(out, encoded[:2]...) // SOI
	out = append(out, segment...)
	out = append(out, encoded[2:]...)
	writeFile(t, path, out)
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
