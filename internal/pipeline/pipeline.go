// Package pipeline implements the per-client processing pipeline (C5):
// decode → scale → extract → FSM step → encode, with fallback on any
// stage failure, micro-batch collapse, and stats feeding the adaptive
// quality controller. Grounded on the teacher's server/vidstream.go
// per-frame orchestration and server/client.go's per-client ownership.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/prats-2311/story-sign-sub001/internal/analysis"
	"github.com/prats-2311/story-sign-sub001/internal/apperrors"
	"github.com/prats-2311/story-sign-sub001/internal/codec"
	"github.com/prats-2311/story-sign-sub001/internal/gesture"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/profile"
	"github.com/prats-2311/story-sign-sub001/internal/quality"
)

// Extractor is C1, the landmark-extraction operator: a pure function
// from a decoded+scaled raster and a complexity knob to detection flags
// plus an opaque annotated-frame payload. The real extractor is an
// external operator (e.g. MediaPipe via CGO or a subprocess); this
// interface keeps it swappable and testable.
type Extractor interface {
	Extract(ctx context.Context, img interface{}, complexity int) (gesture.DetectionFlags, interface{}, error)
}

// RawFrame is the decoded ingress envelope for a raw_frame message.
type RawFrame struct {
	FrameData        string // base64
	ClientFrameNumber int64
	NetworkLatencyMS  float64
	ThroughputMbps    float64
}

// Response is the egress ProcessedFrame envelope.
type Response struct {
	Type              string  `json:"type"`
	ServerFrameNumber int64   `json:"server_frame_number"`
	ClientFrameNumber int64   `json:"client_frame_number"`
	FrameData         string  `json:"frame_data,omitempty"`
	HandsDetected     bool    `json:"hands_detected"`
	FaceDetected      bool    `json:"face_detected"`
	PoseDetected      bool    `json:"pose_detected"`
	ProcessingTimeMS  float64 `json:"processing_time_ms"`
	TotalPipelineMS   float64 `json:"total_pipeline_ms"`
	QualityProfile    string  `json:"quality_profile"`
	Success           bool    `json:"success"`
	Fallback          bool    `json:"fallback,omitempty"`
	Error             string  `json:"error,omitempty"`
	Skipped           bool    `json:"skipped,omitempty"`
	Dropped           bool    `json:"dropped,omitempty"`
}

// Stats are the monotone per-client counters spec §4.6 requires.
type Stats struct {
	FramesProcessed int64
	FramesDropped   int64
	FallbackFrames  int64
	Errors          int64
	PeakProcessingMS int64 // microseconds, guarded by the pipeline mutex
}

// Config bundles the dependencies and limits a Pipeline needs.
type Config struct {
	Extractor      Extractor
	Dispatcher     *analysis.Dispatcher
	Quality        *quality.Controller
	FSM            *gesture.Machine
	MicroBatchWindow time.Duration
	CriticalFailureThreshold int
}

func DefaultConfig() Config {
	return Config{
		MicroBatchWindow:         50 * time.Millisecond,
		CriticalFailureThreshold: 10,
	}
}

// Pipeline is the single worker owning one client's C2→C1→C3→(C4)→C2
// orchestration. Not safe for concurrent Process calls — exactly one
// pipeline worker per client drives it, per spec §4.4's concurrency
// note and §9's "CPU-bound calls from async → worker pool, one in-flight
// extraction per client" design note.
type Pipeline struct {
	cfg Config

	mu sync.Mutex

	serverFrameSeq  int64
	consecutiveCriticalFailures int

	stats Stats

	pendingBatch   []RawFrame
	batchTimer     *time.Timer

	onFeedback func(targetSentence string, r analysis.Result)
	onCritical func(reason string)
}

// New creates a Pipeline. onFeedback is invoked (off the caller's
// goroutine) when C4 resolves a segment's analysis; onCritical signals
// the owning session to emit critical_error and close.
func New(cfg Config, onFeedback func(string, analysis.Result), onCritical func(string)) *Pipeline {
	return &Pipeline{cfg: cfg, onFeedback: onFeedback, onCritical: onCritical}
}

// Snapshot returns a copy of the pipeline's monotone counters.
func (p *Pipeline) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ProcessFrame runs one ingress raw_frame through the pipeline,
// applying skip-frame and micro-batch collapse rules before the full
// decode→extract→FSM→encode path.
func (p *Pipeline) ProcessFrame(ctx context.Context, f RawFrame) Response {
	prof := p.cfg.Quality.Current()

	p.mu.Lock()
	p.serverFrameSeq++
	seq := p.serverFrameSeq
	skip := prof.SkipFrames > 0 && seq%int64(prof.SkipFrames+1) != 0
	p.mu.Unlock()

	if skip {
		return Response{Type: "processed_frame", ServerFrameNumber: seq, ClientFrameNumber: f.ClientFrameNumber,
			QualityProfile: prof.Name, Success: true, Skipped: true}
	}

	if prof.BatchSize > 1 {
		if collapsed, ok := p.collapseBatch(f, prof); ok {
			f = collapsed
		} else {
			return Response{Type: "processed_frame", ServerFrameNumber: seq, ClientFrameNumber: f.ClientFrameNumber,
				QualityProfile: prof.Name, Success: true, Dropped: true}
		}
	}

	return p.processOne(ctx, f, prof, seq)
}

// collapseBatch adds f to the pending micro-batch; returns the most
// recent frame (the one to actually process) once the batch fills, and
// false if this call should just accumulate. Simplified synchronous
// model: since ProcessFrame is called serially by the single owning
// worker, the collapse is count-based only — once prof.BatchSize frames
// have accumulated, process the latest and drop the rest. There is no
// flush timer: a partly filled batch stays pending until further frames
// arrive.
func (p *Pipeline) collapseBatch(f RawFrame, prof profile.Profile) (RawFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pendingBatch = append(p.pendingBatch, f)
	if len(p.pendingBatch) < prof.BatchSize {
		return RawFrame{}, false
	}

	latest := p.pendingBatch[len(p.pendingBatch)-1]
	dropped := int64(len(p.pendingBatch) - 1)
	p.stats.FramesDropped += dropped
	p.pendingBatch = nil
	return latest, true
}

func (p *Pipeline) processOne(ctx context.Context, f RawFrame, prof profile.Profile, seq int64) Response {
	start := time.Now()

	img, err := codec.Decode(f.FrameData)
	if err != nil {
		return p.fallback(f, prof, seq, "decode failed", err)
	}

	scaled := codec.Scale(img, prof.ResolutionScale)

	flags, payload, err := p.cfg.Extractor.Extract(ctx, scaled, prof.ExtractorComplexity)
	if err != nil {
		return p.fallback(f, prof, seq, "extraction failed", err)
	}

	p.mu.Lock()
	edge := p.cfg.FSM.Step(flags, payload, time.Now())
	p.mu.Unlock()
	if edge == gesture.EdgeSegmentFrozen {
		p.dispatchAnalysis(ctx)
	}

	encoded, err := codec.Encode(scaled, codec.EncodeOptions{Quality: prof.EncodeQuality, CompressionLevel: 4})
	if err != nil {
		return p.fallback(f, prof, seq, "encode failed", err)
	}

	elapsed := time.Since(start)

	p.mu.Lock()
	p.stats.FramesProcessed++
	p.consecutiveCriticalFailures = 0
	if us := elapsed.Microseconds(); us > p.stats.PeakProcessingMS {
		p.stats.PeakProcessingMS = us
	}
	p.mu.Unlock()

	return Response{
		Type:              "processed_frame",
		ServerFrameNumber: seq,
		ClientFrameNumber: f.ClientFrameNumber,
		FrameData:         encoded,
		HandsDetected:     flags.HandsDetected,
		FaceDetected:      flags.FaceDetected,
		PoseDetected:      flags.PoseDetected,
		ProcessingTimeMS:  float64(elapsed.Microseconds()) / 1000.0,
		TotalPipelineMS:   float64(elapsed.Microseconds()) / 1000.0,
		QualityProfile:    prof.Name,
		Success:           true,
	}
}

// fallback degrades to returning the original unprocessed frame per
// spec §4.6 step 7 / §7's InternalProcessingError policy. Repeated
// critical failures escalate to a critical_error signal.
func (p *Pipeline) fallback(f RawFrame, prof profile.Profile, seq int64, stage string, cause error) Response {
	p.mu.Lock()
	p.stats.FallbackFrames++
	p.stats.Errors++
	p.consecutiveCriticalFailures++
	critical := p.consecutiveCriticalFailures >= p.cfg.CriticalFailureThreshold
	p.mu.Unlock()

	logging.Warnw("pipeline stage failed, falling back to original frame", "stage", stage, "error", cause)

	if critical && p.onCritical != nil {
		p.onCritical(stage)
	}

	return Response{
		Type:              "processed_frame",
		ServerFrameNumber: seq,
		ClientFrameNumber: f.ClientFrameNumber,
		FrameData:         f.FrameData,
		QualityProfile:    prof.Name,
		Success:           true,
		Fallback:          true,
		Error:             apperrors.Wrap(cause, stage).Error(),
	}
}

// dispatchAnalysis ships the just-frozen segment to C4 off the hot
// path. The pipeline continues to serve frames while it runs.
func (p *Pipeline) dispatchAnalysis(ctx context.Context) {
	p.mu.Lock()
	segment := p.cfg.FSM.TakeSegment()
	sentence, _ := p.cfg.FSM.Cursor().Current()
	p.mu.Unlock()

	go func() {
		result := p.cfg.Dispatcher.Analyze(context.Background(), segment, sentence)

		p.mu.Lock()
		p.cfg.FSM.ResolveFeedback(gesture.Feedback{
			TargetSentence: sentence,
			Text:           result.Text,
			Confidence:     result.Confidence,
			Suggestions:    result.Suggestions,
			Summary:        result.Summary,
			Err:            result.Err,
		})
		p.mu.Unlock()

		if p.onFeedback != nil {
			p.onFeedback(sentence, result)
		}
	}()
}
