// Package codec implements the frame codec (C2): decoding a client's
// base64 raster into an in-memory image, scaling it, and re-encoding it
// as a base64 JPEG honoring a quality profile's knobs. Both decode and
// encode are pure and fail closed on malformed input.
package codec

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"

	"github.com/prats-2311/story-sign-sub001/internal/apperrors"
)

const (
	// MinFrameBytes and MaxFrameBytes bound a decodable raw frame.
	MinFrameBytes = 500
	MaxFrameBytes = 20 * 1024 * 1024
)

var dataURIPrefixes = []string{
	"data:image/jpeg;base64,",
	"data:image/jpg;base64,",
	"data:image/png;base64,",
	"data:image/gif;base64,",
	"data:image/webp;base64,",
}

// magic bytes for the formats we accept. WebP's RIFF....WEBP header is
// checked by prefix + a second marker at offset 8.
var magicChecks = []struct {
	name string
	sig  []byte
}{
	{"jpeg", []byte{0xFF, 0xD8, 0xFF}},
	{"png", []byte{0x89, 0x50, 0x4E, 0x47}},
	{"gif", []byte{0x47, 0x49, 0x46, 0x38}},
}

// Decode validates and decodes a (possibly data-URI-prefixed) base64
// raster into an image.Image. It fails on undersized/oversized payloads,
// invalid base64, or input lacking a recognized magic header.
func Decode(b64 string) (image.Image, error) {
	raw := stripDataURIPrefix(b64)

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, apperrors.WithCode(apperrors.Wrap(err, "invalid base64 frame payload"), apperrors.CodeValidation)
	}

	if len(data) < MinFrameBytes {
		return nil, apperrors.WithCode(apperrors.Newf("frame too small: %d bytes (min %d)", len(data), MinFrameBytes), apperrors.CodeValidation)
	}
	if len(data) > MaxFrameBytes {
		return nil, apperrors.WithCode(apperrors.Newf("frame too large: %d bytes (max %d)", len(data), MaxFrameBytes), apperrors.CodeValidation)
	}

	if !hasRecognizedMagic(data) {
		return nil, apperrors.WithCode(apperrors.New("unrecognized image format: expected JPEG, PNG, GIF or WebP magic bytes"), apperrors.CodeValidation)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.WithCode(apperrors.Wrap(err, "failed to decode image raster"), apperrors.CodeValidation)
	}
	return img, nil
}

func stripDataURIPrefix(s string) string {
	for _, p := range dataURIPrefixes {
		if strings.HasPrefix(s, p) {
			return s[len(p):]
		}
	}
	if idx := strings.Index(s, ";base64,"); idx >= 0 {
		return s[idx+len(";base64,"):]
	}
	return s
}

func hasRecognizedMagic(data []byte) bool {
	for _, m := range magicChecks {
		if len(data) >= len(m.sig) && bytes.Equal(data[:len(m.sig)], m.sig) {
			return true
		}
	}
	// WebP: "RIFF" .... "WEBP"
	if len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		return true
	}
	return false
}

// EncodeOptions carries the subset of a QualityProfile relevant to
// re-encoding a processed frame.
type EncodeOptions struct {
	Quality          int // JPEG quality, 1..100
	CompressionLevel int // optimization only kicks in below 5
}

// optimizeStep is how many JPEG quality points the optimization pass
// trims when CompressionLevel < 5, per spec §4.3.
const optimizeStep = 5

// Encode re-encodes img as a base64 JPEG. Progressive encoding is never
// used. Go's jpeg encoder has no separate optimize flag beyond quality,
// so "optimization" here means re-encoding at optimizeStep fewer quality
// points, picking whichever result is smaller — bytes actually saved
// rather than a second pass that might not help. This only runs when
// CompressionLevel < 5, matching spec §4.3.
func Encode(img image.Image, opts EncodeOptions) (string, error) {
	q := opts.Quality
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return "", apperrors.WithCode(apperrors.Wrap(err, "failed to encode JPEG"), apperrors.CodeInternal)
	}

	if opts.CompressionLevel < 5 && q > optimizeStep {
		var optimized bytes.Buffer
		if err := jpeg.Encode(&optimized, img, &jpeg.Options{Quality: q - optimizeStep}); err == nil {
			if optimized.Len() < buf.Len() {
				buf = optimized
			}
		}
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Scale performs a bilinear resize of img by the given linear scale
// factor in (0,1]. A scale of 1 returns img unchanged.
func Scale(img image.Image, scale float64) image.Image {
	if scale <= 0 {
		scale = 1
	}
	if scale >= 1 {
		return img
	}

	b := img.Bounds()
	newW := maxInt(1, int(float64(b.Dx())*scale))
	newH := maxInt(1, int(float64(b.Dy())*scale))

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
