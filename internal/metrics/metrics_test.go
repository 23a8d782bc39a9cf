package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prats-2311/story-sign-sub001/internal/metrics"
)

func TestSampler_RunPopulatesLatestSample(t *testing.T) {
	s, err := metrics.NewSampler()
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.Run(stop, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return !s.Latest().Timestamp.IsZero()
	}, time.Second, 10*time.Millisecond)

	sample := s.Latest()
	assert.GreaterOrEqual(t, sample.MemoryPercent, 0.0)
	assert.GreaterOrEqual(t, sample.MemoryMB, 0.0)

	close(stop)
	<-done
}
