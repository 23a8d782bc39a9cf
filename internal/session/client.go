package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/prats-2311/story-sign-sub001/internal/analysis"
	"github.com/prats-2311/story-sign-sub001/internal/apperrors"
	"github.com/prats-2311/story-sign-sub001/internal/gesture"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/metrics"
	"github.com/prats-2311/story-sign-sub001/internal/pipeline"
	"github.com/prats-2311/story-sign-sub001/internal/profile"
	"github.com/prats-2311/story-sign-sub001/internal/quality"
	"github.com/prats-2311/story-sign-sub001/internal/queue"
)

// inboundEnvelope is the generic ingress shape: every message from a
// client carries a "type" discriminator, per spec §6. Grounded on the
// teacher's QueryMessage envelope in server/client.go.
type inboundEnvelope struct {
	Type                string   `json:"type"`
	FrameData           string   `json:"frame_data"`
	ClientFrameNumber   int64    `json:"client_frame_number"`
	NetworkLatencyMS    float64  `json:"network_latency_ms"`
	ThroughputMbps      float64  `json:"throughput_mbps"`
	Action              string   `json:"action"`
	Sentences           []string `json:"sentences"`
	ProfileName         string   `json:"profile"`
	FeedbackText        string   `json:"feedback_text"`
	FeedbackConfidence  float64  `json:"feedback_confidence"`
	FeedbackSuggestions []string `json:"feedback_suggestions"`
	FeedbackSummary     string   `json:"feedback_summary"`
}

// SessionMetrics are the read-only per-client counters exposed by the
// client_metrics operation.
type SessionMetrics struct {
	FramesProcessed int64
	FramesDropped   int64
	FallbackFrames  int64
	Errors          int64
	QualityProfile  string
}

// Session is one client's actor: a readPump/writePump goroutine pair
// plus its exclusively-owned pipeline, quality controller and gesture
// machine. Grounded on the teacher's Client type in server/client.go.
type Session struct {
	ID    string
	pool  *Pool
	conn  *websocket.Conn
	group string

	egress chan egressItem

	ingress *queue.Queue

	pipeline *pipeline.Pipeline
	quality  *quality.Controller
	fsm      *gesture.Machine

	healthy          atomic.Bool
	unhealthyStreak  atomic.Int32
	lastSeenUnixNano atomic.Int64

	closeOnce sync.Once
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

type egressItem struct {
	message  interface{}
	priority bool
}

func newSession(pool *Pool, conn *websocket.Conn, group string) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(pool.ctx)

	fsm := gesture.New(pool.cfg.GestureConfig)
	qc := quality.New(pool.cfg.QualityConfig, pool.cfg.DefaultProfile)

	ingressCfg := queue.DefaultConfig()
	if pool.cfg.MaxQueueSize > 0 {
		ingressCfg.MaxSize = pool.cfg.MaxQueueSize
	}
	ingress := queue.New(ingressCfg)

	s := &Session{
		ID:      id,
		pool:    pool,
		conn:    conn,
		group:   group,
		egress:  make(chan egressItem, 256),
		ingress: ingress,
		quality: qc,
		fsm:     fsm,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.healthy.Store(true)
	s.lastSeenUnixNano.Store(time.Now().UnixNano())

	s.pipeline = pipeline.New(
		pipeline.Config{
			Extractor:                pool.cfg.Extractor,
			Dispatcher:               pool.cfg.Dispatcher,
			Quality:                  qc,
			FSM:                      fsm,
			CriticalFailureThreshold: 10,
		},
		s.onFeedback,
		s.onCritical,
	)

	ingress.RegisterHandler(s.handleIngressMessage)
	return s
}

// start launches the session's worker goroutines: the priority-queue
// processors, the WebSocket read pump and the batching write pump.
func (s *Session) start() {
	s.ingress.Start(s.ctx)

	s.pool.wg.Add(2)
	go s.readPump()
	go s.writePump()
}

func (s *Session) lastActivity() time.Time {
	return time.Unix(0, s.lastSeenUnixNano.Load())
}

func (s *Session) touch() {
	s.lastSeenUnixNano.Store(time.Now().UnixNano())
}

func (s *Session) metricsSnapshot() SessionMetrics {
	st := s.pipeline.Snapshot()
	return SessionMetrics{
		FramesProcessed: st.FramesProcessed,
		FramesDropped:   st.FramesDropped,
		FallbackFrames:  st.FallbackFrames,
		Errors:          st.Errors,
		QualityProfile:  s.quality.Current().Name,
	}
}

// send queues message for egress. priority messages bypass batching and
// are written immediately by the write pump. Returns false if the
// session is marked unhealthy or its egress queue is full, per spec §4.1.
func (s *Session) send(message interface{}, priority bool) bool {
	if !s.healthy.Load() {
		return false
	}
	select {
	case s.egress <- egressItem{message: message, priority: priority}:
		return true
	default:
		logging.Warnw("egress channel full, dropping message", "client_id", s.ID)
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.ingress.Stop()
		close(s.done)
		_ = s.conn.Close()
	})
}

// readPump reads ingress frames and routes them. Grounded on the
// teacher's client.go readPump: SetReadLimit/SetReadDeadline/
// SetPongHandler plus JSON decode and type-switch dispatch, adapted to
// this domain's raw_frame/control/ping/stats_request envelope.
func (s *Session) readPump() {
	defer s.pool.wg.Done()
	defer s.pool.Disconnect(s.ID)

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		s.healthy.Store(true)
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		s.touch()

		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.send(map[string]interface{}{"type": "error", "message": "malformed message envelope"}, true)
			continue
		}

		s.routeMessage(env)
	}
}

func (s *Session) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		logging.Warnw("unexpected websocket close", "client_id", s.ID, "error", err)
		return
	}
	logging.Debugw("websocket read loop ended", "client_id", s.ID, "error", err)
}

// routeMessage dispatches one decoded ingress envelope by type.
// Grounded on the teacher's routeMessage type switch in client.go,
// adapted to this domain's four ingress kinds (spec §6).
func (s *Session) routeMessage(env inboundEnvelope) {
	switch env.Type {
	case "raw_frame":
		_, err := s.ingress.Enqueue(pipeline.RawFrame{
			FrameData:         env.FrameData,
			ClientFrameNumber: env.ClientFrameNumber,
			NetworkLatencyMS:  env.NetworkLatencyMS,
			ThroughputMbps:    env.ThroughputMbps,
		}, queue.Normal, 2*time.Second)
		if err != nil {
			s.send(map[string]interface{}{"type": "error", "message": "frame dropped: queue full"}, true)
		}
		if env.NetworkLatencyMS > 0 || env.ThroughputMbps > 0 {
			s.quality.ObserveNetwork(quality.NetworkSample{
				LatencyMS:      env.NetworkLatencyMS,
				ThroughputMbps: env.ThroughputMbps,
				At:             time.Now(),
			})
		}
	case "control":
		s.handleControl(env)
	case "ping":
		s.send(map[string]interface{}{"type": "pong", "timestamp": time.Now().UnixMilli()}, true)
	case "stats_request":
		st := s.metricsSnapshot()
		s.send(map[string]interface{}{
			"type":             "stats",
			"frames_processed": st.FramesProcessed,
			"frames_dropped":   st.FramesDropped,
			"fallback_frames":  st.FallbackFrames,
			"errors":           st.Errors,
			"quality_profile":  st.QualityProfile,
			"queue_depth":      s.ingress.Len(),
		}, false)
	default:
		s.send(map[string]interface{}{"type": "error", "message": "unknown message type: " + env.Type}, true)
	}
}

func (s *Session) handleControl(env inboundEnvelope) {
	switch env.Action {
	case "start_session":
		s.fsm.StartSession(env.Sentences)
		s.send(map[string]interface{}{"type": "control_response", "action": "start_session", "success": true}, false)
	case "next_sentence":
		s.fsm.NextSentence()
		sentence, ok := s.fsm.Cursor().Current()
		s.send(map[string]interface{}{"type": "control_response", "action": "next_sentence", "success": ok, "sentence": sentence}, false)
	case "try_again":
		s.fsm.TryAgain()
		s.send(map[string]interface{}{"type": "control_response", "action": "try_again", "success": true}, false)
	case "set_profile":
		p := profile.ByName(env.ProfileName)
		s.quality.ForceProfile(p)
		s.send(map[string]interface{}{"type": "control_response", "action": "set_profile", "success": true, "profile": p.Name}, false)
	case "stop_session":
		s.fsm.Stop()
		s.send(map[string]interface{}{"type": "control_response", "action": "stop_session", "success": true}, false)
	case "complete_story":
		total, completed := 0, 0
		if cursor := s.fsm.Cursor(); cursor != nil {
			total = cursor.Total()
			completed = cursor.Index()
		}
		s.fsm.CompleteStory()
		s.send(map[string]interface{}{
			"type":      "practice_session_response",
			"action":    "complete_story",
			"success":   true,
			"total":     total,
			"completed": completed,
		}, false)
	case "set_feedback":
		target, _ := s.fsm.Cursor().Current()
		result := analysis.Result{
			Text:        env.FeedbackText,
			Confidence:  env.FeedbackConfidence,
			Suggestions: env.FeedbackSuggestions,
			Summary:     env.FeedbackSummary,
		}
		s.fsm.ResolveFeedback(gesture.Feedback{
			TargetSentence: target,
			Text:           result.Text,
			Confidence:     result.Confidence,
			Suggestions:    result.Suggestions,
			Summary:        result.Summary,
		})
		s.onFeedback(target, result)
		s.send(map[string]interface{}{"type": "control_response", "action": "set_feedback", "success": true}, false)
	default:
		s.send(map[string]interface{}{"type": "error", "message": "unknown control action: " + env.Action}, true)
	}
}

// handleIngressMessage is the per-client queue.Handler invoked by the
// session's own priority queue worker(s): it runs each frame through the
// owned pipeline and ships the result back out. The queue may deliver a
// single frame or, per its own batching (spec §4.2), a []interface{} of
// several frames collected together — each is run through the pipeline
// individually and in order, since the pipeline's own micro-batch
// collapse (spec §4.6) operates on its call timing regardless of
// whether the calls arrived one at a time or grouped.
func (s *Session) handleIngressMessage(ctx context.Context, content interface{}) error {
	switch v := content.(type) {
	case pipeline.RawFrame:
		s.processRawFrame(ctx, v)
		return nil
	case []interface{}:
		for _, item := range v {
			frame, ok := item.(pipeline.RawFrame)
			if !ok {
				return apperrors.New("unexpected ingress content type in batch")
			}
			s.processRawFrame(ctx, frame)
		}
		return nil
	default:
		return apperrors.New("unexpected ingress content type")
	}
}

func (s *Session) processRawFrame(ctx context.Context, frame pipeline.RawFrame) {
	resp := s.pipeline.ProcessFrame(ctx, frame)
	s.send(resp, false)
}

func (s *Session) onFeedback(targetSentence string, result analysis.Result) {
	s.send(map[string]interface{}{
		"type":            "asl_feedback",
		"target_sentence": targetSentence,
		"result":          result,
	}, false)
}

// observePerformance folds a pool-wide CPU/memory sample together with
// this session's own queue depth, drop rate and error rate into one
// PerformanceSample for its quality controller, feeding the
// degrade/recover classifier spec §4.7 describes.
func (s *Session) observePerformance(sample metrics.Sample) {
	qstats := s.ingress.Snapshot()
	pstats := s.pipeline.Snapshot()

	var dropRate float64
	total := qstats.Processed + qstats.Failed + qstats.Expired
	if total > 0 {
		dropRate = float64(qstats.Failed+qstats.Expired) / float64(total) * 100
	}

	var errRate float64
	if pstats.FramesProcessed > 0 {
		errRate = float64(pstats.Errors) / float64(pstats.FramesProcessed) * 100
	}

	s.quality.ObservePerformance(quality.PerformanceSample{
		CPUPercent:    sample.CPUPercent,
		MemoryMB:      sample.MemoryMB,
		MemoryPercent: sample.MemoryPercent,
		ProcessingMS:  qstats.AvgProcessingMS,
		QueueDepth:    s.ingress.Len(),
		DropRatePct:   dropRate,
		ErrorRatePct:  errRate,
	})
}

func (s *Session) onCritical(reason string) {
	logging.Errorw("session hit critical failure threshold, closing", "client_id", s.ID, "reason", reason)
	s.send(map[string]interface{}{"type": "critical_error", "reason": reason}, true)
	go s.pool.Disconnect(s.ID)
}

// writePump drains egress, batching non-priority messages up to
// BatchSize or BatchTimeout, and maintains the ping keepalive. Grounded
// on the teacher's client.go writePump ticker/select shape.
func (s *Session) writePump() {
	defer s.pool.wg.Done()

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	keepaliveTicker := time.NewTicker(keepalivePeriod)
	defer keepaliveTicker.Stop()

	batchTimeout := s.pool.cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	batchSize := s.pool.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	batchTimer := time.NewTimer(batchTimeout)
	defer batchTimer.Stop()
	var batch []interface{}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		var payload interface{}
		if len(batch) == 1 {
			payload = batch[0]
		} else {
			payload = map[string]interface{}{"type": "batch", "count": len(batch), "messages": batch}
		}
		s.writeJSON(payload)
		batch = nil
	}

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case item := <-s.egress:
			if item.priority {
				flush()
				s.writeJSON(item.message)
				continue
			}
			batch = append(batch, item.message)
			if len(batch) >= batchSize {
				flush()
				if !batchTimer.Stop() {
					<-batchTimer.C
				}
				batchTimer.Reset(batchTimeout)
			}

		case <-batchTimer.C:
			flush()
			batchTimer.Reset(batchTimeout)

		case <-pingTicker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.healthy.Store(false)
				return
			}

		case now := <-keepaliveTicker.C:
			flush()
			s.writeJSON(map[string]interface{}{"type": "keepalive", "timestamp": now.UnixMilli()})
		}
	}
}

func (s *Session) writeJSON(v interface{}) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(v); err != nil {
		logging.Warnw("failed to write to client, closing", "client_id", s.ID, "error", err)
		go s.pool.Disconnect(s.ID)
	}
}
