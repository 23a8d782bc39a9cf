// Package analysis implements the analysis dispatcher (C4): ships a
// frozen gesture segment to an external scoring service and returns
// asynchronous feedback, off the pipeline's hot path. Grounded on the
// teacher's pulse/async.WorkerPool retry/backoff loop.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/prats-2311/story-sign-sub001/internal/apperrors"
	"github.com/prats-2311/story-sign-sub001/internal/gesture"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
)

// Result is the feedback record produced for a completed segment.
type Result struct {
	Text        string   `json:"text"`
	Confidence  float64  `json:"confidence"`
	Suggestions []string `json:"suggestions"`
	Summary     string   `json:"summary"`
	Err         bool     `json:"error,omitempty"`
}

// Config parameterizes the dispatcher per spec §4.5 / §6.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	MaxBackoff time.Duration
}

// Dispatcher calls the external scoring service with bounded retry.
// One Dispatcher is shared across clients; in-flight concurrency per
// client is enforced by the caller (pipeline), which allows at most
// one outstanding analysis per client.
type Dispatcher struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return &Dispatcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Analyze scores a frozen gesture segment against a target sentence. On
// exhausted retries it returns a canned error-feedback record rather
// than an error — per spec §7, a TransientExternalError degrades to a
// successful asl_feedback with error:true, it never kills the session.
func (d *Dispatcher) Analyze(ctx context.Context, segment []gesture.Snapshot, targetSentence string) Result {
	var lastErr error
	backoff := 250 * time.Millisecond

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return cannedError(targetSentence)
			case <-time.After(backoff):
			}
			backoff = time.Duration(math.Min(float64(backoff*2), float64(d.cfg.MaxBackoff)))
		}

		result, err := d.callOnce(ctx, segment, targetSentence)
		if err == nil {
			return result
		}
		lastErr = err
		logging.Warnw("analysis attempt failed", "attempt", attempt, "target", targetSentence, "error", err)
	}

	logging.Errorw("analysis exhausted retries, returning canned feedback", "target", targetSentence, "error", lastErr)
	return cannedError(targetSentence)
}

func cannedError(targetSentence string) Result {
	return Result{
		Text:        fmt.Sprintf("We couldn't score your attempt at %q right now.", targetSentence),
		Confidence:  0,
		Suggestions: []string{"Check your connection and try again.", "Make sure your hands are clearly visible."},
		Summary:     "analysis service unavailable",
		Err:         true,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Format   string        `json:"format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (d *Dispatcher) callOnce(ctx context.Context, segment []gesture.Snapshot, targetSentence string) (Result, error) {
	prompt := buildPrompt(segment, targetSentence)

	reqBody := chatRequest{
		Model: d.cfg.Model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Format: "json",
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, apperrors.Wrap(err, "failed to marshal analysis request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+"/chat/completions", strings.NewReader(string(payload)))
	if err != nil {
		return Result{}, apperrors.Wrap(err, "failed to build analysis request")
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, apperrors.WithCode(apperrors.Wrap(err, "analysis request failed"), apperrors.CodeTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, apperrors.WithCode(apperrors.Newf("analysis service returned status %d", resp.StatusCode), apperrors.CodeTransient)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Result{}, apperrors.WithCode(apperrors.Wrap(err, "failed to decode analysis response envelope"), apperrors.CodeTransient)
	}
	if len(cr.Choices) == 0 {
		return Result{}, apperrors.WithCode(apperrors.New("analysis response had no choices"), apperrors.CodeTransient)
	}

	content := stripJSONFence(cr.Choices[0].Message.Content)

	var result Result
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return Result{}, apperrors.WithCode(apperrors.Wrap(err, "failed to parse analysis content as JSON"), apperrors.CodeTransient)
	}

	return result, nil
}

// stripJSONFence removes a ```json ... ``` (or bare ```...```) fence the
// LLM may wrap its JSON payload in, per spec §9's LLM client notes.
func stripJSONFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func buildPrompt(segment []gesture.Snapshot, targetSentence string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target sentence: %q\n", targetSentence)
	fmt.Fprintf(&b, "Captured %d landmark snapshots.\n", len(segment))
	b.WriteString("Score this ASL attempt. Respond as JSON: {\"text\":...,\"confidence\":0..1,\"suggestions\":[...],\"summary\":...}")
	return b.String()
}
