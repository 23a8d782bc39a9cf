package pipeline_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prats-2311/story-sign-sub001/internal/analysis"
	"github.com/prats-2311/story-sign-sub001/internal/gesture"
	"github.com/prats-2311/story-sign-sub001/internal/pipeline"
	"github.com/prats-2311/story-sign-sub001/internal/profile"
	"github.com/prats-2311/story-sign-sub001/internal/quality"
)

type stubExtractor struct {
	fail bool
}

func (s *stubExtractor) Extract(ctx context.Context, img interface{}, complexity int) (gesture.DetectionFlags, interface{}, error) {
	if s.fail {
		return gesture.DetectionFlags{}, nil, assertErr
	}
	return gesture.DetectionFlags{HandsDetected: true, HandCenterX: 0.5, HandCenterY: 0.5}, nil, nil
}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

var assertErr = &testErr{"extract failed"}

func sampleJPEGBase64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			img.Set(x, y, color.RGBA{uint8((x * 7) % 256), uint8((y * 13) % 256), uint8((x + y) % 256), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newTestPipeline(t *testing.T, extractor pipeline.Extractor) *pipeline.Pipeline {
	fsm := gesture.New(gesture.DefaultConfig())
	fsm.StartSession([]string{"hello"})

	// High neither skips frames nor collapses micro-batches, so every
	// call takes the full decode→extract→encode path.
	qc := quality.New(quality.DefaultConfig(), profile.High)
	dispatcher := analysis.New(analysis.Config{BaseURL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond, MaxRetries: 0})

	cfg := pipeline.DefaultConfig()
	cfg.Extractor = extractor
	cfg.Dispatcher = dispatcher
	cfg.Quality = qc
	cfg.FSM = fsm

	return pipeline.New(cfg, nil, nil)
}

func TestProcessFrame_HappyPath(t *testing.T) {
	p := newTestPipeline(t, &stubExtractor{})
	frameData := sampleJPEGBase64(t)

	resp := p.ProcessFrame(context.Background(), pipeline.RawFrame{FrameData: frameData, ClientFrameNumber: 1})

	assert.True(t, resp.Success)
	assert.False(t, resp.Fallback)
	assert.NotEmpty(t, resp.FrameData)
	assert.True(t, resp.HandsDetected)
}

func TestProcessFrame_ExtractorFailure_FallsBackToOriginal(t *testing.T) {
	p := newTestPipeline(t, &stubExtractor{fail: true})
	frameData := sampleJPEGBase64(t)

	resp := p.ProcessFrame(context.Background(), pipeline.RawFrame{FrameData: frameData, ClientFrameNumber: 2})

	assert.True(t, resp.Success)
	assert.True(t, resp.Fallback)
	assert.Equal(t, frameData, resp.FrameData)

	stats := p.Snapshot()
	assert.Equal(t, int64(1), stats.FallbackFrames)
}

func TestProcessFrame_MalformedFrame_Degrades(t *testing.T) {
	p := newTestPipeline(t, &stubExtractor{})
	resp := p.ProcessFrame(context.Background(), pipeline.RawFrame{FrameData: "not-base64!!", ClientFrameNumber: 3})

	assert.True(t, resp.Success)
	assert.True(t, resp.Fallback)
}

func TestProcessFrame_RepeatedCriticalFailures_SignalsCritical(t *testing.T) {
	var criticalFired bool
	fsm := gesture.New(gesture.DefaultConfig())
	fsm.StartSession([]string{"hello"})
	qc := quality.New(quality.DefaultConfig(), profile.High)
	dispatcher := analysis.New(analysis.Config{BaseURL: "http://127.0.0.1:1"})

	cfg := pipeline.DefaultConfig()
	cfg.Extractor = &stubExtractor{fail: true}
	cfg.Dispatcher = dispatcher
	cfg.Quality = qc
	cfg.FSM = fsm
	cfg.CriticalFailureThreshold = 3

	p := pipeline.New(cfg, nil, func(reason string) { criticalFired = true })

	frameData := sampleJPEGBase64(t)
	for i := 0; i < 3; i++ {
		p.ProcessFrame(context.Background(), pipeline.RawFrame{FrameData: frameData, ClientFrameNumber: int64(i)})
	}

	assert.True(t, criticalFired)
}
