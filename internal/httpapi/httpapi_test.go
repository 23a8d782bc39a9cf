package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prats-2311/story-sign-sub001/internal/analysis"
	"github.com/prats-2311/story-sign-sub001/internal/gesture"
	"github.com/prats-2311/story-sign-sub001/internal/httpapi"
	"github.com/prats-2311/story-sign-sub001/internal/session"
	"github.com/prats-2311/story-sign-sub001/internal/story"
)

type stubExtractor struct{}

func (stubExtractor) Extract(ctx context.Context, img interface{}, complexity int) (gesture.DetectionFlags, interface{}, error) {
	return gesture.DetectionFlags{}, nil, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	cfg := session.DefaultConfig()
	cfg.Extractor = stubExtractor{}
	cfg.Dispatcher = analysis.New(analysis.Config{BaseURL: "http://127.0.0.1:1", MaxRetries: 0, Timeout: 100 * time.Millisecond})
	cfg.HealthCheckInterval = time.Hour
	pool := session.New(cfg)

	gen := story.New(story.Config{})

	api := httpapi.New(httpapi.Config{Pool: pool, StoryGenerator: gen, Version: "test"})
	return httptest.NewServer(api.Handler())
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleStats(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleStoryGenerate_Success(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"simple_word": "elephant"})
	resp, err := http.Post(srv.URL+"/api/asl-world/story/recognize_and_generate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out story.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Success)
	assert.NotEmpty(t, out.Stories.Amateur.Sentences)
}

func TestHandleStoryGenerate_ValidationError(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{})
	resp, err := http.Post(srv.URL+"/api/asl-world/story/recognize_and_generate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleCollaborative_NotImplemented(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/collaborative/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestHandleWebSocket_UpgradeAndPing(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping"}))

	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "pong", reply["type"])
}
