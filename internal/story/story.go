// Package story implements the story generation path (C9): given
// exactly one of a base64 frame, a simple word, or a custom prompt, it
// asks an LLM for five difficulty-tiered stories and falls back to a
// deterministic template when the LLM is unavailable or its output is
// unusable. Grounded on original_source's api/asl_world.py (request
// validation rules) and ollama_service.py (prompt shape and the
// five-tier fallback template), reworked onto this repo's
// internal/analysis HTTP-client conventions.
package story

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prats-2311/story-sign-sub001/internal/apperrors"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
)

// Request mirrors asl_world.py's StoryGenerationRequest: exactly one of
// the three fields must be set.
type Request struct {
	FrameData    string `json:"frame_data,omitempty"`
	SimpleWord   string `json:"simple_word,omitempty"`
	CustomPrompt string `json:"custom_prompt,omitempty"`
}

// Story is one difficulty tier's generated content.
type Story struct {
	Title     string   `json:"title"`
	Sentences []string `json:"sentences"`
}

// Levels holds all five difficulty tiers, matching asl_world.py's
// StoryLevels model exactly.
type Levels struct {
	Amateur   Story `json:"amateur"`
	Normal    Story `json:"normal"`
	MidLevel  Story `json:"mid_level"`
	Difficult Story `json:"difficult"`
	Expert    Story `json:"expert"`
}

// Response mirrors StoryGenerationResponse.
type Response struct {
	Success     bool   `json:"success"`
	Stories     Levels `json:"stories,omitempty"`
	UserMessage string `json:"user_message,omitempty"`
	Fallback    bool   `json:"fallback,omitempty"`
}

// ValidationError reports exactly-one-of and length-bound violations
// per asl_world.py's validation stage.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "story request validation failed: " + strings.Join(e.Errors, "; ")
}

const (
	minWordLen      = 2
	maxWordLen      = 50
	minPromptLen    = 3
	maxPromptLen    = 500
	minFrameBytes   = 1000
	maxFrameBytes   = 10 * 1024 * 1024
	fallbackTopic   = "a friendly cat"
)

// Validate enforces the exactly-one-of-{frame_data,simple_word,
// custom_prompt} rule and each field's length bounds.
func (r Request) Validate() error {
	var errs []string

	provided := 0
	if strings.TrimSpace(r.FrameData) != "" {
		provided++
	}
	if strings.TrimSpace(r.SimpleWord) != "" {
		provided++
	}
	if strings.TrimSpace(r.CustomPrompt) != "" {
		provided++
	}

	switch {
	case provided == 0:
		errs = append(errs, "no input provided: supply frame_data, simple_word, or custom_prompt")
	case provided > 1:
		errs = append(errs, "multiple input methods provided: supply exactly one of frame_data, simple_word, custom_prompt")
	}

	if w := strings.TrimSpace(r.SimpleWord); w != "" {
		if len(w) < minWordLen {
			errs = append(errs, "simple_word is too short")
		} else if len(w) > maxWordLen {
			errs = append(errs, "simple_word is too long")
		}
	}
	if p := strings.TrimSpace(r.CustomPrompt); p != "" {
		if len(p) < minPromptLen {
			errs = append(errs, "custom_prompt is too short")
		} else if len(p) > maxPromptLen {
			errs = append(errs, "custom_prompt is too long")
		}
	}

	if f := strings.TrimSpace(r.FrameData); f != "" {
		if err := validateFrameData(f); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// validateFrameData enforces asl_world.py's base64 size-bound checks:
// strip a data-URI prefix if present, decode, and reject images that
// are implausibly small or large enough to be a DoS risk.
func validateFrameData(frameData string) error {
	if strings.HasPrefix(frameData, "data:image/") {
		if idx := strings.Index(frameData, ","); idx >= 0 {
			frameData = frameData[idx+1:]
		}
	}
	decoded, err := base64.StdEncoding.DecodeString(frameData)
	if err != nil {
		return fmt.Errorf("invalid base64 image format: %w", err)
	}
	if len(decoded) < minFrameBytes {
		return fmt.Errorf("image data appears to be too small to be a valid image")
	}
	if len(decoded) > maxFrameBytes {
		return fmt.Errorf("image data is too large (maximum %dMB allowed)", maxFrameBytes/(1024*1024))
	}
	return nil
}

// Config parameterizes the LLM-backed generator.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// Generator produces story levels from a topic, using an LLM when
// available and a deterministic template otherwise.
type Generator struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	return &Generator{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Generate resolves req into a topic (the literal word/prompt, or a
// fixed default topic for frame_data) and asks the LLM for all five
// tiers, falling back to the deterministic template on any failure.
// Vision-based object identification from frame_data is out of scope
// for this server (spec's Non-goals exclude the separate local vision
// service); frame_data requests resolve directly to the same
// engagement fallback topic asl_world.py uses when vision identification
// fails, so the story endpoint remains usable end-to-end.
func (g *Generator) Generate(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	var topic string
	switch {
	case req.SimpleWord != "":
		topic = strings.TrimSpace(req.SimpleWord)
	case req.CustomPrompt != "":
		topic = strings.TrimSpace(req.CustomPrompt)
	default:
		topic = fallbackTopic
		logging.Infow("frame_data story request resolved to default fallback topic", "topic", topic)
	}

	levels, err := g.generateViaLLM(ctx, topic)
	if err != nil {
		logging.Warnw("story LLM generation failed, using template fallback", "topic", topic, "error", err)
		return Response{Success: true, Stories: fallbackLevels(topic), Fallback: true}, nil
	}
	return Response{Success: true, Stories: levels}, nil
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

type storiesEnvelope struct {
	Stories Levels `json:"stories"`
}

func (g *Generator) generateViaLLM(ctx context.Context, topic string) (Levels, error) {
	if g.cfg.BaseURL == "" {
		return Levels{}, apperrors.WithCode(apperrors.New("no story LLM configured"), apperrors.CodeTransient)
	}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Levels{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		levels, err := g.callOnce(ctx, topic)
		if err == nil {
			return levels, nil
		}
		lastErr = err
	}
	return Levels{}, lastErr
}

func (g *Generator) callOnce(ctx context.Context, topic string) (Levels, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    g.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: buildPrompt(topic)}},
		Format:   "json",
	})
	if err != nil {
		return Levels{}, apperrors.Wrap(err, "failed to marshal story request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/chat/completions", strings.NewReader(string(payload)))
	if err != nil {
		return Levels{}, apperrors.Wrap(err, "failed to build story request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Levels{}, apperrors.WithCode(apperrors.Wrap(err, "story request failed"), apperrors.CodeTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Levels{}, apperrors.WithCode(apperrors.Newf("story service returned status %d", resp.StatusCode), apperrors.CodeTransient)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Levels{}, apperrors.Wrap(err, "failed to decode story response envelope")
	}
	if len(cr.Choices) == 0 {
		return Levels{}, apperrors.New("story response had no choices")
	}

	content := stripJSONFence(cr.Choices[0].Message.Content)

	var env storiesEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return Levels{}, apperrors.Wrap(err, "failed to parse story content as JSON")
	}
	return env.Stories, nil
}

func buildPrompt(topic string) string {
	return fmt.Sprintf(`You are an expert curriculum designer for American Sign Language (ASL).
Create five short stories about the topic %q, one per ASL skill level:
amateur (3 sentences, basic vocabulary), normal (3-4 sentences), mid_level
(4 sentences, simple classifiers), difficult (4-5 sentences, more complex
grammar), expert (5 sentences, advanced concepts).
Respond with ONLY a JSON object: {"stories":{"amateur":{"title":...,"sentences":[...]},"normal":{...},"mid_level":{...},"difficult":{...},"expert":{...}}}`, topic)
}

// stripJSONFence removes a ```json ... ``` (or bare ```...```) fence.
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

// fallbackLevels is the deterministic five-tier template, transliterated
// from ollama_service.py's _generate_fallback_story into Go string
// building.
func fallbackLevels(topic string) Levels {
	lower := strings.ToLower(topic)
	return Levels{
		Amateur: Story{
			Title: fmt.Sprintf("The %s", topic),
			Sentences: []string{
				fmt.Sprintf("I see a %s.", lower),
				fmt.Sprintf("The %s is nice.", lower),
				fmt.Sprintf("I like the %s.", lower),
			},
		},
		Normal: Story{
			Title: fmt.Sprintf("A Story About %s", topic),
			Sentences: []string{
				fmt.Sprintf("Today I found a %s.", lower),
				fmt.Sprintf("The %s was very interesting.", lower),
				"I decided to learn more about it.",
				fmt.Sprintf("Now I understand %s better.", lower),
			},
		},
		MidLevel: Story{
			Title: fmt.Sprintf("The %s Adventure", topic),
			Sentences: []string{
				fmt.Sprintf("While walking, I discovered a %s.", lower),
				fmt.Sprintf("The %s had many interesting features.", lower),
				"I wondered how it worked and what it was for.",
				"After studying it carefully, I learned something new.",
			},
		},
		Difficult: Story{
			Title: fmt.Sprintf("Exploring the %s", topic),
			Sentences: []string{
				fmt.Sprintf("During my exploration, I encountered a fascinating %s.", lower),
				fmt.Sprintf("The %s exhibited unique characteristics that caught my attention.", lower),
				"I began to analyze its structure and function systematically.",
				"Through careful observation, I gained valuable insights.",
				fmt.Sprintf("This experience taught me to appreciate the complexity of %s.", lower),
			},
		},
		Expert: Story{
			Title: fmt.Sprintf("The Complex Nature of %s", topic),
			Sentences: []string{
				fmt.Sprintf("In my comprehensive study, I investigated the multifaceted aspects of %s.", lower),
				fmt.Sprintf("The %s demonstrated intricate relationships between form and function.", lower),
				"Through methodical analysis, I uncovered underlying principles governing its behavior.",
				"These discoveries challenged my preconceived notions.",
				fmt.Sprintf("Ultimately, this research expanded my understanding of how %s interacts with its environment.", lower),
			},
		},
	}
}
