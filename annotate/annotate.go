// Package annotate renders detections onto frames and re-encodes them.
// Every function is pure and safe for concurrent use.
package annotate

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // frames may be published as PNG

	"github.com/c360/framestream/errors"
)

// DefaultJPEGQuality is the quality used when none is configured
const DefaultJPEGQuality = 90

// ContentType of encoded artifacts
const ContentType = "image/jpeg"

// Decode turns base64 frame data into an image. Undecodable data is invalid
// and never retried.
func Decode(frameData string) (image.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(frameData)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: base64: %v", errors.ErrInvalidData, err),
			"Annotator", "Decode", "decode frame data")
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: image: %v", errors.ErrInvalidData, err),
			"Annotator", "Decode", "decode image")
	}
	return img, nil
}

// Encode writes img as JPEG. Quality outside 1..100 falls back to
// DefaultJPEGQuality.
func Encode(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "Annotator", "Encode", "encode jpeg")
	}
	return buf.Bytes(), nil
}
