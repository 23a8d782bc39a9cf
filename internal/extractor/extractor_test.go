package extractor_test

import (
	"context"
	"image"
	"image/color"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prats-2311/story-sign-sub001/internal/extractor"
)

func sampleImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}
	return img
}

func TestNoOp_AlwaysReportsNoDetections(t *testing.T) {
	var e extractor.NoOp
	flags, landmarks, err := e.Extract(context.Background(), sampleImage(), 1)
	require.NoError(t, err)
	assert.Nil(t, landmarks)
	assert.False(t, flags.HandsDetected)
	assert.False(t, flags.FaceDetected)
	assert.False(t, flags.PoseDetected)
}

func TestNoOp_TreatsAnyPayloadAsANonEvent(t *testing.T) {
	// Unlike StdioExtractor, NoOp never inspects its payload, so it never
	// errors regardless of what's passed.
	var e extractor.NoOp
	_, landmarks, err := e.Extract(context.Background(), "not-an-image", 1)
	require.NoError(t, err)
	assert.Nil(t, landmarks)
}

// echoScript is a minimal external "extractor": for every JSON request line
// it reads, it writes back one JSON response line reporting hands detected,
// proving StdioExtractor's one-line-request/one-line-response round trip
// without depending on a real MediaPipe-style binary being present.
const echoScript = `
import sys, json
for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    req = json.loads(line)
    resp = {"id": req["id"], "hands_detected": True, "face_detected": False, "pose_detected": False, "hand_center_x": 0.5, "hand_center_y": 0.5}
    sys.stdout.write(json.dumps(resp) + "\n")
    sys.stdout.flush()
`

func TestStdioExtractor_RoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on a python3 interpreter on PATH")
	}

	scriptPath := writeTempScript(t, echoScript)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ext, err := extractor.New(ctx, "python3", []string{scriptPath}, 2*time.Second)
	if err != nil {
		t.Skipf("python3 unavailable in this environment: %v", err)
	}
	defer ext.Close()

	flags, _, err := ext.Extract(context.Background(), sampleImage(), 1)
	require.NoError(t, err)
	assert.True(t, flags.HandsDetected)
	assert.False(t, flags.FaceDetected)
	assert.InDelta(t, 0.5, flags.HandCenterX, 0.0001)
}

func TestStdioExtractor_RejectsNonImagePayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scriptPath := writeTempScript(t, echoScript)
	ext, err := extractor.New(ctx, "python3", []string{scriptPath}, 2*time.Second)
	if err != nil {
		t.Skipf("python3 unavailable in this environment: %v", err)
	}
	defer ext.Close()

	_, _, err = ext.Extract(context.Background(), "not-an-image", 1)
	require.Error(t, err)
}

func writeTempScript(t *testing.T, contents string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "extractor-*.py")
	require.NoError(t, err)
	_, err = f.WriteString(contents)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}
