package filehandler

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// IsFFmpegAvailable reports whether ffmpeg is on PATH. HEIC/HEIF sources
// cannot be decoded without it.
func IsFFmpegAvailable() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// decodeHEIC converts a HEIC/HEIF file to PNG with ffmpeg and decodes it.
// Go has no HEVC decoder, so the conversion goes through an external tool,
// the same way thumbnails of these formats are produced.
func decodeHEIC(filePath string) (image.Image, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: HEIC conversion requires ffmpeg")
	}

	tmpFile, err := os.CreateTemp("", "heic-*.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	// -frames:v 1: HEIC is a single image; ffmpeg applies the container rotation
	cmd := exec.Command(ffmpegPath,
		"-loglevel", "error",
		"-i", filePath,
		"-frames:v", "1",
		"-y", tmpPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg HEIC conversion failed: %w: %s", err, string(output))
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read converted frame: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode converted frame: %w", err)
	}

	log.Debug().
		Str("file", filepath.Base(filePath)).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Msg("HEIC converted via ffmpeg")

	return img, nil
}
