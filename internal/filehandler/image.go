package filehandler

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
)

// Names of the EXIF date tags consulted, in priority order.
const (
	TagDateTimeOriginal  = "DateTimeOriginal"
	TagDateTimeDigitized = "DateTimeDigitized"
	TagDateTime          = "DateTime"
)

// ImageMetadata contains the EXIF fields this package cares about.
//
// imagemeta parses JPEG, HEIC/HEIF (BMFF container), TIFF and degrades
// gracefully on PNG/WebP. It reads through an io.ReadSeeker so only the
// metadata block is read, not the whole image.
type ImageMetadata struct {
	// DateTaken is the first non-zero of DateTimeOriginal, the digitized
	// time and the generic modify time.
	DateTaken time.Time
	HasDate   bool
	DateTag   string

	// Orientation is the raw EXIF orientation (1-8). 0 means absent.
	Orientation int

	CameraMake  string
	CameraModel string
}

// ExtractImageMetadata extracts EXIF metadata from an image file using the imagemeta library.
//
// An error means no usable metadata could be read (unknown container, no EXIF
// block, truncated file). Callers treat that as "no metadata", not as fatal.
func ExtractImageMetadata(filePath string) (*ImageMetadata, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	// Auto-detects the format (JPEG, HEIC, TIFF) from file headers
	exifData, err := imagemeta.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode EXIF metadata: %w", err)
	}

	metadata := &ImageMetadata{
		Orientation: int(exifData.Orientation),
		CameraMake:  strings.TrimSpace(exifData.Make),
		CameraModel: strings.TrimSpace(exifData.Model),
	}

	// Priority: DateTimeOriginal > CreateDate (digitized) > ModifyDate
	if t := exifData.DateTimeOriginal(); !t.IsZero() {
		metadata.DateTaken, metadata.DateTag = t, TagDateTimeOriginal
	} else if t := exifData.CreateDate(); !t.IsZero() {
		metadata.DateTaken, metadata.DateTag = t, TagDateTimeDigitized
	} else if t := exifData.ModifyDate(); !t.IsZero() {
		metadata.DateTaken, metadata.DateTag = t, TagDateTime
	}
	metadata.HasDate = metadata.DateTag != ""

	log.Debug().
		Str("path", filePath).
		Bool("has_date", metadata.HasDate).
		Str("date_tag", metadata.DateTag).
		Int("orientation", metadata.Orientation).
		Msg("Image metadata extraction complete")

	return metadata, nil
}
