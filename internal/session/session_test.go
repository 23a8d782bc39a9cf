package session_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
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
	"github.com/prats-2311/story-sign-sub001/internal/session"
)

type stubExtractor struct{}

func (stubExtractor) Extract(ctx context.Context, img interface{}, complexity int) (gesture.DetectionFlags, interface{}, error) {
	return gesture.DetectionFlags{HandsDetected: true}, nil, nil
}

func sampleFrameB64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 3), uint8(y * 5), uint8(x + y), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newTestPool() *session.Pool {
	cfg := session.DefaultConfig()
	cfg.Extractor = stubExtractor{}
	cfg.Dispatcher = analysis.New(analysis.Config{BaseURL: "http://127.0.0.1:1", MaxRetries: 0, Timeout: 100 * time.Millisecond})
	cfg.HealthCheckInterval = time.Hour
	return session.New(cfg)
}

func newTestServer(t *testing.T, pool *session.Pool) (*httptest.Server, string) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, err = pool.Connect(conn, "default")
		require.NoError(t, err)
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dialClient(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

// readMessages reads one wire frame and returns it as a slice: a single
// unwrapped message as a one-element slice, or a {type:"batch",...}
// envelope's members, since two messages sent back-to-back within one
// handleControl call may or may not coalesce depending on writePump's
// batch timer.
func readMessages(t *testing.T, conn *websocket.Conn) []map[string]interface{} {
	t.Helper()
	var raw map[string]interface{}
	require.NoError(t, conn.ReadJSON(&raw))
	if raw["type"] != "batch" {
		return []map[string]interface{}{raw}
	}
	items, _ := raw["messages"].([]interface{})
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if ok {
			out = append(out, m)
		}
	}
	return out
}

func TestSession_PingPong(t *testing.T) {
	pool := newTestPool()
	srv, url := newTestServer(t, pool)
	defer srv.Close()

	conn := dialClient(t, url)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping"}))

	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "pong", reply["type"])
}

func TestSession_ControlStartSessionThenNextSentence(t *testing.T) {
	pool := newTestPool()
	srv, url := newTestServer(t, pool)
	defer srv.Close()

	conn := dialClient(t, url)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "control", "action": "start_session", "sentences": []string{"hello", "world"},
	}))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "control_response", reply["type"])
	assert.Equal(t, true, reply["success"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "control", "action": "next_sentence"}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "next_sentence", reply["action"])
}

func TestSession_ControlCompleteStory_ReportsTotalAndCompleted(t *testing.T) {
	pool := newTestPool()
	srv, url := newTestServer(t, pool)
	defer srv.Close()

	conn := dialClient(t, url)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "control", "action": "start_session", "sentences": []string{"hello", "world"},
	}))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "control", "action": "next_sentence"}))
	require.NoError(t, conn.ReadJSON(&reply))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "control", "action": "complete_story"}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "practice_session_response", reply["type"])
	assert.Equal(t, "complete_story", reply["action"])
	assert.Equal(t, true, reply["success"])
	assert.EqualValues(t, 2, reply["total"])
	assert.EqualValues(t, 1, reply["completed"])
}

func TestSession_ControlSetFeedback_EmitsFeedbackAndAck(t *testing.T) {
	pool := newTestPool()
	srv, url := newTestServer(t, pool)
	defer srv.Close()

	conn := dialClient(t, url)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "control", "action": "start_session", "sentences": []string{"hello"},
	}))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "control", "action": "set_feedback",
		"feedback_text": "great form", "feedback_confidence": 0.9,
		"feedback_suggestions": []string{"slow down"}, "feedback_summary": "good attempt",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	got := readMessages(t, conn)
	if len(got) < 2 {
		got = append(got, readMessages(t, conn)...)
	}

	byType := map[string]map[string]interface{}{}
	for _, m := range got {
		byType[m["type"].(string)] = m
	}

	feedback, ok := byType["asl_feedback"]
	require.True(t, ok, "expected an asl_feedback message, got %+v", got)
	assert.Equal(t, "hello", feedback["target_sentence"])

	ack, ok := byType["control_response"]
	require.True(t, ok, "expected a control_response message, got %+v", got)
	assert.Equal(t, "set_feedback", ack["action"])
	assert.Equal(t, true, ack["success"])
}

func TestSession_RawFrame_ReturnsProcessedFrame(t *testing.T) {
	pool := newTestPool()
	srv, url := newTestServer(t, pool)
	defer srv.Close()

	conn := dialClient(t, url)
	defer conn.Close()

	frameData := sampleFrameB64(t)
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "raw_frame", "frame_data": frameData, "client_frame_number": 1,
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "processed_frame", reply["type"])
	assert.Equal(t, true, reply["success"])
}

func TestSession_UnknownMessageType_ReturnsError(t *testing.T) {
	pool := newTestPool()
	srv, url := newTestServer(t, pool)
	defer srv.Close()

	conn := dialClient(t, url)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "bogus"}))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply["type"])
}

func TestPool_StatsReflectsActiveConnections(t *testing.T) {
	pool := newTestPool()
	srv, url := newTestServer(t, pool)
	defer srv.Close()

	conn := dialClient(t, url)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return pool.Stats().ActiveConnections == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPool_ShutdownClosesSessions(t *testing.T) {
	pool := newTestPool()
	srv, url := newTestServer(t, pool)
	defer srv.Close()

	conn := dialClient(t, url)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return pool.Stats().ActiveConnections == 1
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	assert.Equal(t, 0, pool.Stats().ActiveConnections)
}
