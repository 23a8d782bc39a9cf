// Package extractor implements C1, the landmark-extraction operator,
// as a long-lived external subprocess speaking line-delimited JSON over
// stdio. Grounded on qntx-code/langserver/gopls/client.go's StdioClient
// (one persistent child process), but without its pending-request map:
// a mutex keeps one request in flight at a time, and the id each request
// carries is not checked against the response line read back.
package extractor

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prats-2311/story-sign-sub001/internal/apperrors"
	"github.com/prats-2311/story-sign-sub001/internal/gesture"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
)

type request struct {
	ID         int64  `json:"id"`
	ImageB64   string `json:"image_b64"`
	Complexity int    `json:"complexity"`
}

type response struct {
	ID            int64   `json:"id"`
	HandsDetected bool    `json:"hands_detected"`
	FaceDetected  bool    `json:"face_detected"`
	PoseDetected  bool    `json:"pose_detected"`
	HandCenterX   float64 `json:"hand_center_x"`
	HandCenterY   float64 `json:"hand_center_y"`
	Landmarks     json.RawMessage `json:"landmarks,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// StdioExtractor drives an external landmark-extraction process (e.g. a
// MediaPipe-backed server) over stdin/stdout, one JSON object per line
// in each direction.
type StdioExtractor struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	nextID  atomic.Int64
	mu      sync.Mutex // serializes request/response pairs: one in-flight call
	timeout time.Duration
}

// New spawns the extractor binary at path with args, ready to serve
// Extract calls. The caller owns the subprocess's lifetime and must
// call Close when done.
func New(ctx context.Context, path string, args []string, timeout time.Duration) (*StdioExtractor, error) {
	cmd := exec.CommandContext(ctx, path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open extractor stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open extractor stdout")
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, apperrors.Wrap(err, "failed to start extractor process")
	}

	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	return &StdioExtractor{cmd: cmd, stdin: stdin, stdout: scanner, timeout: timeout}, nil
}

// Close terminates the child process.
func (e *StdioExtractor) Close() error {
	_ = e.stdin.Close()
	return e.cmd.Process.Kill()
}

// Extract implements pipeline.Extractor by encoding img as JPEG,
// sending one request line, and decoding the matching response line.
func (e *StdioExtractor) Extract(ctx context.Context, img interface{}, complexity int) (gesture.DetectionFlags, interface{}, error) {
	raster, ok := img.(image.Image)
	if !ok {
		return gesture.DetectionFlags{}, nil, apperrors.New("extractor requires a decoded image")
	}

	var buf []byte
	{
		w := &byteWriter{}
		if err := jpeg.Encode(w, raster, &jpeg.Options{Quality: 85}); err != nil {
			return gesture.DetectionFlags{}, nil, apperrors.Wrap(err, "failed to encode frame for extractor")
		}
		buf = w.buf
	}

	req := request{
		ID:         e.nextID.Add(1),
		ImageB64:   base64.StdEncoding.EncodeToString(buf),
		Complexity: complexity,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	line, err := json.Marshal(req)
	if err != nil {
		return gesture.DetectionFlags{}, nil, apperrors.Wrap(err, "failed to marshal extractor request")
	}
	if _, err := e.stdin.Write(append(line, '\n')); err != nil {
		return gesture.DetectionFlags{}, nil, apperrors.WithCode(apperrors.Wrap(err, "failed to write to extractor"), apperrors.CodeTransient)
	}

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if !e.stdout.Scan() {
			done <- result{err: apperrors.WithCode(apperrors.New("extractor process closed its output"), apperrors.CodeCritical)}
			return
		}
		var resp response
		if err := json.Unmarshal(e.stdout.Bytes(), &resp); err != nil {
			done <- result{err: apperrors.Wrap(err, "failed to decode extractor response")}
			return
		}
		done <- result{resp: resp}
	}()

	select {
	case <-ctx.Done():
		return gesture.DetectionFlags{}, nil, ctx.Err()
	case <-time.After(e.timeout):
		return gesture.DetectionFlags{}, nil, apperrors.WithCode(apperrors.New("extractor response timed out"), apperrors.CodeTransient)
	case r := <-done:
		if r.err != nil {
			return gesture.DetectionFlags{}, nil, r.err
		}
		if r.resp.Error != "" {
			return gesture.DetectionFlags{}, nil, apperrors.New(r.resp.Error)
		}
		return gesture.DetectionFlags{
			HandsDetected: r.resp.HandsDetected,
			FaceDetected:  r.resp.FaceDetected,
			PoseDetected:  r.resp.PoseDetected,
			HandCenterX:   r.resp.HandCenterX,
			HandCenterY:   r.resp.HandCenterY,
		}, r.resp.Landmarks, nil
	}
}

type byteWriter struct{ buf []byte }

func (w *byteWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// NoOp is the zero-dependency fallback extractor used when no external
// landmark process is configured: it reports no detections and no
// error, so the pipeline processes each frame normally with every
// detection flag unset; no fallback response is produced.
type NoOp struct{}

func (NoOp) Extract(ctx context.Context, img interface{}, complexity int) (gesture.DetectionFlags, interface{}, error) {
	logging.Debugw("no extractor configured, reporting no detections")
	return gesture.DetectionFlags{}, nil, nil
}
