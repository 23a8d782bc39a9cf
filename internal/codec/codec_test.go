package codec_test

import (
	"encoding/base64"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prats-2311/story-sign-sub001/internal/codec"
)

func noisyImage(t *testing.T) image.Image {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 7 % 256), uint8(y * 13 % 256), uint8((x ^ y) % 256), 255})
		}
	}
	return img
}

func TestEncode_CompressionLevelBelowFive_NeverProducesLargerOutput(t *testing.T) {
	img := noisyImage(t)

	baseline, err := codec.Encode(img, codec.EncodeOptions{Quality: 90, CompressionLevel: 9})
	require.NoError(t, err)

	optimized, err := codec.Encode(img, codec.EncodeOptions{Quality: 90, CompressionLevel: 4})
	require.NoError(t, err)

	baselineBytes, err := base64.StdEncoding.DecodeString(baseline)
	require.NoError(t, err)
	optimizedBytes, err := base64.StdEncoding.DecodeString(optimized)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(optimizedBytes), len(baselineBytes))
}

func TestEncode_LowQuality_SkipsOptimizationStep(t *testing.T) {
	img := noisyImage(t)
	out, err := codec.Encode(img, codec.EncodeOptions{Quality: 3, CompressionLevel: 0})
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}
