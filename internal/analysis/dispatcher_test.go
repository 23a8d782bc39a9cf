package analysis_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prats-2311/story-sign-sub001/internal/analysis"
	"github.com/prats-2311/story-sign-sub001/internal/gesture"
)

func chatReply(content string) map[string]interface{} {
	return map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{"content": content}},
		},
	}
}

func TestAnalyze_SuccessStripsJSONFence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := chatReply("```json\n{\"text\":\"nice form\",\"confidence\":0.9,\"suggestions\":[\"slow down\"],\"summary\":\"good\"}\n```")
		json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	d := analysis.New(analysis.Config{BaseURL: srv.URL, Model: "test-model", Timeout: 2 * time.Second})
	result := d.Analyze(context.Background(), []gesture.Snapshot{}, "hello")

	assert.False(t, result.Err)
	assert.Equal(t, "nice form", result.Text)
	assert.Equal(t, 0.9, result.Confidence)
}

func TestAnalyze_ExhaustedRetries_ReturnsCannedFeedback(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := analysis.New(analysis.Config{BaseURL: srv.URL, Model: "test-model", Timeout: 2 * time.Second, MaxRetries: 2, MaxBackoff: 10 * time.Millisecond})
	result := d.Analyze(context.Background(), []gesture.Snapshot{}, "thank you")

	require.True(t, result.Err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "initial attempt + 2 retries")
	assert.NotEmpty(t, result.Suggestions)
}

func TestAnalyze_ContextCancelled_ReturnsCannedFeedback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := analysis.New(analysis.Config{BaseURL: srv.URL, MaxRetries: 5, MaxBackoff: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := d.Analyze(ctx, []gesture.Snapshot{}, "s")
	assert.True(t, result.Err)
}
