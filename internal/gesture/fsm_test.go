package gesture_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prats-2311/story-sign-sub001/internal/gesture"
)

func testConfig() gesture.Config {
	return gesture.Config{
		VelocityThreshold:  0.02,
		PauseDuration:      200 * time.Millisecond,
		MinGestureDuration: 100 * time.Millisecond,
		BufferSize:         150,
		SmoothingWindow:    3,
		Enabled:            true,
	}
}

func TestMachine_FullRoundTrip_ProducesExactlyOneFreeze(t *testing.T) {
	m := gesture.New(testConfig())
	m.StartSession([]string{"I am fine"})
	require.Equal(t, gesture.StateListening, m.State())

	base := time.Now()
	freezes := 0

	// Movement: hand drifts steadily for 150ms of simulated frames,
	// well above the velocity threshold.
	x := 0.0
	for i := 0; i < 10; i++ {
		now := base.Add(time.Duration(i) * 15 * time.Millisecond)
		x += 0.05
		edge := m.Step(gesture.DetectionFlags{HandsDetected: true, HandCenterX: x, HandCenterY: 0}, nil, now)
		if edge == gesture.EdgeSegmentFrozen {
			freezes++
		}
	}
	require.Equal(t, gesture.StateDetecting, m.State())

	// Pause: hands stop moving. With a smoothing window of 3 the first
	// two still frames still average above the threshold, so the pause
	// clock starts at the second one (t=210ms); six frames 60ms apart
	// carry it past PauseDuration at t=450ms.
	pauseStart := base.Add(10 * 15 * time.Millisecond)
	for i := 0; i < 6; i++ {
		now := pauseStart.Add(time.Duration(i) * 60 * time.Millisecond)
		edge := m.Step(gesture.DetectionFlags{HandsDetected: true, HandCenterX: x, HandCenterY: 0}, nil, now)
		if edge == gesture.EdgeSegmentFrozen {
			freezes++
		}
	}

	assert.Equal(t, 1, freezes, "exactly one analysis task should be produced")
	assert.Equal(t, gesture.StateAnalyzing, m.State())

	seg := m.TakeSegment()
	assert.NotEmpty(t, seg)
}

func TestMachine_TooShortGesture_DiscardsBackToListening(t *testing.T) {
	cfg := testConfig()
	cfg.MinGestureDuration = 500 * time.Millisecond
	// No smoothing, so the first still frame reads as zero velocity.
	cfg.SmoothingWindow = 1
	m := gesture.New(cfg)
	m.StartSession([]string{"hello"})

	base := time.Now()
	m.Step(gesture.DetectionFlags{HandsDetected: true, HandCenterX: 0.1}, nil, base)
	m.Step(gesture.DetectionFlags{HandsDetected: true, HandCenterX: 0.2}, nil, base.Add(10*time.Millisecond))
	require.Equal(t, gesture.StateDetecting, m.State())

	// Pause without having accumulated MinGestureDuration.
	edge := m.Step(gesture.DetectionFlags{HandsDetected: true, HandCenterX: 0.2}, nil, base.Add(250*time.Millisecond))
	assert.Equal(t, gesture.EdgeNone, edge)
	assert.Equal(t, gesture.StateListening, m.State())
}

func TestMachine_StopSessionFromAnyState(t *testing.T) {
	m := gesture.New(testConfig())
	m.StartSession([]string{"a", "b"})
	m.Step(gesture.DetectionFlags{HandsDetected: true, HandCenterX: 1}, nil, time.Now())
	m.Stop()
	assert.Equal(t, gesture.StateIdle, m.State())
}

func TestCursor_AdvanceAndTotal(t *testing.T) {
	c := gesture.NewCursor([]string{"one", "two", "three"})
	assert.Equal(t, 3, c.Total())
	s, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "one", s)

	c.Advance()
	s, _ = c.Current()
	assert.Equal(t, "two", s)
}

func TestMachine_NoHands_ZeroVelocity_StaysListening(t *testing.T) {
	m := gesture.New(testConfig())
	m.StartSession([]string{"x"})
	edge := m.Step(gesture.DetectionFlags{HandsDetected: false}, nil, time.Now())
	assert.Equal(t, gesture.EdgeNone, edge)
	assert.Equal(t, gesture.StateListening, m.State())
}
