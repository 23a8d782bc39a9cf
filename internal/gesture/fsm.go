// Package gesture implements the per-client gesture state machine (C3):
// Listening → Detecting → Analyzing → Feedback → Listening, plus Idle.
// Exactly one FSM instance exists per client; all transitions are driven
// from the pipeline worker that owns it — no external mutation.
package gesture

import (
	"math"
	"time"

	"github.com/prats-2311/story-sign-sub001/internal/logging"
)

// State is one of the FSM's five states.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateDetecting State = "detecting"
	StateAnalyzing State = "analyzing"
	StateFeedback  State = "feedback"
)

// DetectionFlags is the opaque-to-this-layer output of the extractor
// that the FSM reasons about: whether hands/face/pose were found, and
// the hand centroid used to compute velocity.
type DetectionFlags struct {
	HandsDetected bool
	FaceDetected  bool
	PoseDetected  bool
	HandCenterX   float64
	HandCenterY   float64
}

// Snapshot is one captured frame within a gesture segment. The payload
// itself (raw landmark data) is opaque to the FSM; only detection flags
// and timing are interpreted here.
type Snapshot struct {
	Flags     DetectionFlags
	Timestamp time.Time
	Payload   interface{}
}

// Config carries the tunables named in spec §4.4 / §6.
type Config struct {
	VelocityThreshold    float64
	PauseDuration        time.Duration
	MinGestureDuration   time.Duration
	BufferSize           int
	SmoothingWindow       int
	Enabled              bool
}

// DefaultConfig matches internal/config's gesture defaults.
func DefaultConfig() Config {
	return Config{
		VelocityThreshold:  0.02,
		PauseDuration:      1000 * time.Millisecond,
		MinGestureDuration: 500 * time.Millisecond,
		BufferSize:         150,
		SmoothingWindow:    5,
		Enabled:            true,
	}
}

// Feedback is the result stored on entering Feedback state, either from
// a successful analysis or an analysis error.
type Feedback struct {
	TargetSentence string
	Text           string
	Confidence     float64
	Suggestions    []string
	Summary        string
	Err            bool
}

// Edge reports a transition the caller (the pipeline) must act on:
// segment freezing (hand off to C4) or none.
type Edge int

const (
	EdgeNone Edge = iota
	EdgeSegmentFrozen
)

// Cursor wraps the ordered target-sentence list for a practice session.
type Cursor struct {
	sentences []string
	index     int
}

func NewCursor(sentences []string) *Cursor {
	return &Cursor{sentences: sentences}
}

func (c *Cursor) Current() (string, bool) {
	if c == nil || c.index >= len(c.sentences) {
		return "", false
	}
	return c.sentences[c.index], true
}

func (c *Cursor) Total() int { return len(c.sentences) }
func (c *Cursor) Index() int { return c.index }

func (c *Cursor) Advance() {
	if c.index < len(c.sentences) {
		c.index++
	}
}

func (c *Cursor) Reset() { c.index = 0 }

// Machine is the FSM for one client. Not safe for concurrent use — the
// owning pipeline worker is the sole caller.
type Machine struct {
	cfg    Config
	state  State
	cursor *Cursor

	segment       []Snapshot
	segmentStart  time.Time
	lastMovement  time.Time
	lastHandPos   *DetectionFlags
	lastHandAt    time.Time
	velocityRing  []float64

	feedback *Feedback
}

// New creates an FSM in Idle state; call StartSession to begin practice.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg, state: StateIdle}
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Cursor() *Cursor { return m.cursor }

func (m *Machine) Feedback() *Feedback { return m.feedback }

// StartSession begins (or restarts) a practice session with the given
// target sentences, transitioning to Listening.
func (m *Machine) StartSession(sentences []string) {
	m.cursor = NewCursor(sentences)
	m.resetSegment()
	m.feedback = nil
	m.state = StateListening
}

// Stop resets the FSM to Idle, discarding any in-flight segment.
func (m *Machine) Stop() {
	m.resetSegment()
	m.cursor = nil
	m.feedback = nil
	m.state = StateIdle
}

// CompleteStory resets the FSM to Idle like Stop, but marks a session
// that reached the natural end of its sentence list rather than one
// aborted mid-way. Callers should read Cursor() for a final
// completed/total tally before calling this, since it clears the cursor.
func (m *Machine) CompleteStory() {
	m.resetSegment()
	m.cursor = nil
	m.feedback = nil
	m.state = StateIdle
}

// NextSentence advances the cursor and returns to Listening from
// Feedback (or any state, per spec's "any → stop_session" but
// next_sentence/try_again are only meaningful from Feedback).
func (m *Machine) NextSentence() {
	if m.cursor != nil {
		m.cursor.Advance()
	}
	m.resetSegment()
	m.feedback = nil
	m.state = StateListening
}

// TryAgain resets to Listening without advancing the cursor.
func (m *Machine) TryAgain() {
	m.resetSegment()
	m.feedback = nil
	m.state = StateListening
}

func (m *Machine) resetSegment() {
	m.segment = nil
	m.lastHandPos = nil
	m.velocityRing = nil
}

// velocity computes smoothed hand velocity from consecutive centroids,
// per spec's corrected semantics (Euclidean distance / wall-clock
// delta, averaged over SmoothingWindow), not the source's placeholder.
func (m *Machine) velocity(flags DetectionFlags, now time.Time) float64 {
	if !flags.HandsDetected {
		m.lastHandPos = nil
		return 0
	}
	if m.lastHandPos == nil {
		m.lastHandPos = &flags
		m.lastHandAt = now
		return 0
	}

	dx := flags.HandCenterX - m.lastHandPos.HandCenterX
	dy := flags.HandCenterY - m.lastHandPos.HandCenterY
	dist := math.Sqrt(dx*dx + dy*dy)

	dt := now.Sub(m.lastHandAt).Seconds()
	m.lastHandPos = &flags
	m.lastHandAt = now
	if dt <= 0 {
		dt = 1.0 / 30.0
	}
	inst := dist / dt

	window := m.cfg.SmoothingWindow
	if window < 1 {
		window = 1
	}
	m.velocityRing = append(m.velocityRing, inst)
	if len(m.velocityRing) > window {
		m.velocityRing = m.velocityRing[len(m.velocityRing)-window:]
	}

	sum := 0.0
	for _, v := range m.velocityRing {
		sum += v
	}
	return sum / float64(len(m.velocityRing))
}

// Step advances the FSM by one frame's detection flags, appending to
// the segment buffer as needed and returning any edge the pipeline must
// act on.
func (m *Machine) Step(flags DetectionFlags, payload interface{}, now time.Time) Edge {
	if !m.cfg.Enabled || m.state == StateIdle {
		return EdgeNone
	}

	v := m.velocity(flags, now)

	switch m.state {
	case StateListening:
		if v > m.cfg.VelocityThreshold {
			m.segmentStart = now
			m.lastMovement = now
			m.segment = nil
			m.appendSnapshot(flags, payload, now)
			m.state = StateDetecting
		}
		return EdgeNone

	case StateDetecting:
		if v > m.cfg.VelocityThreshold {
			m.lastMovement = now
			m.appendSnapshot(flags, payload, now)
			return EdgeNone
		}

		pauseElapsed := now.Sub(m.lastMovement)
		if pauseElapsed >= m.cfg.PauseDuration {
			duration := m.lastMovement.Sub(m.segmentStart)
			if duration >= m.cfg.MinGestureDuration {
				m.state = StateAnalyzing
				return EdgeSegmentFrozen
			}
			logging.Debugw("gesture segment discarded: too short", "duration_ms", duration.Milliseconds())
			m.resetSegment()
			m.state = StateListening
			return EdgeNone
		}
		m.appendSnapshot(flags, payload, now)
		return EdgeNone

	default:
		return EdgeNone
	}
}

func (m *Machine) appendSnapshot(flags DetectionFlags, payload interface{}, now time.Time) {
	m.segment = append(m.segment, Snapshot{Flags: flags, Timestamp: now, Payload: payload})
	if len(m.segment) > m.cfg.BufferSize {
		m.segment = m.segment[len(m.segment)-m.cfg.BufferSize:]
	}
}

// TakeSegment returns and clears the frozen segment, for hand-off to
// the analysis dispatcher. Only meaningful immediately after a Step
// call returned EdgeSegmentFrozen.
func (m *Machine) TakeSegment() []Snapshot {
	seg := m.segment
	m.segment = nil
	return seg
}

// ResolveFeedback transitions Analyzing → Feedback, storing the result.
func (m *Machine) ResolveFeedback(fb Feedback) {
	m.feedback = &fb
	m.state = StateFeedback
}
