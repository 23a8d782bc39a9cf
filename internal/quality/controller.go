// Package quality implements the adaptive quality controller (C6): a
// per-client feedback loop that classifies recent network/performance
// metrics and selects a profile, with hysteresis to avoid thrashing.
// Grounded on the teacher's pulse/budget.Limiter rolling-window
// sampling idiom; the classifier/estimator math itself follows spec
// §4.7 exactly.
package quality

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/profile"
)

// NetworkSample is one observation of client-reported network
// conditions for a single frame.
type NetworkSample struct {
	LatencyMS     float64
	ThroughputMbps float64
	LossPercent   float64
	At            time.Time
}

// PerformanceSample is one observation of system/pipeline load.
// MemoryPercent is the process's share of total system RAM (gopsutil's
// process.MemoryPercent), so the >85% violation threshold fires only
// when the host itself is actually under memory pressure.
type PerformanceSample struct {
	CPUPercent     float64
	MemoryMB       float64
	MemoryPercent  float64
	ProcessingMS   float64
	QueueDepth     int
	DropRatePct    float64
	ErrorRatePct   float64
	At             time.Time
}

// NetworkCondition classifies recent network samples.
type NetworkCondition string

const (
	Excellent NetworkCondition = "excellent"
	Good      NetworkCondition = "good"
	Fair      NetworkCondition = "fair"
	Poor      NetworkCondition = "poor"
	Critical  NetworkCondition = "critical"
)

// PerformanceCondition classifies recent performance samples.
type PerformanceCondition string

const (
	PerfGood     PerformanceCondition = "good"
	PerfModerate PerformanceCondition = "moderate"
	PerfPoor     PerformanceCondition = "poor"
	PerfUnknown  PerformanceCondition = "unknown"
)

// networkToPreset maps the dominant network condition to a base
// profile, before performance-driven downgrades.
var networkToPreset = map[NetworkCondition]profile.Profile{
	Excellent: profile.UltraHigh,
	Good:      profile.High,
	Fair:      profile.Medium,
	Poor:      profile.Low,
	Critical:  profile.UltraLow,
}

const windowDuration = 10 * time.Second

// Config carries C6's hysteresis tunables.
type Config struct {
	AdaptationInterval  time.Duration
	StabilityThreshold  time.Duration // upgrades only after this much stability
	DegradationThreshold time.Duration // downgrades may fire sooner
}

func DefaultConfig() Config {
	return Config{
		AdaptationInterval:   2 * time.Second,
		StabilityThreshold:   5 * time.Second,
		DegradationThreshold: 1 * time.Second,
	}
}

// Change records one adaptation event for telemetry.
type Change struct {
	From profile.Profile
	To   profile.Profile
	At   time.Time
	Reason string
}

// Controller is the per-client adaptive quality feedback loop.
type Controller struct {
	cfg Config

	mu             sync.Mutex
	network        []NetworkSample
	performance    []PerformanceSample
	current        profile.Profile
	lastChange     time.Time
	stableSince    time.Time
	forced         bool
	history        []Change

	estimator *BandwidthEstimator
}

// New creates a Controller starting from the given initial profile.
func New(cfg Config, initial profile.Profile) *Controller {
	now := time.Now()
	return &Controller{
		cfg:         cfg,
		current:     initial,
		lastChange:  now,
		stableSince: now,
		estimator:   NewBandwidthEstimator(),
	}
}

// Current returns the active profile (atomic read for the pipeline's
// per-frame snapshot).
func (c *Controller) Current() profile.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ObserveNetwork records a network sample and feeds the bandwidth
// estimator.
func (c *Controller) ObserveNetwork(s NetworkSample) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	c.mu.Lock()
	c.network = appendWindowed(c.network, s, s.At, windowDuration, func(n NetworkSample) time.Time { return n.At })
	c.mu.Unlock()
	c.estimator.Observe(s.ThroughputMbps, s.LatencyMS, s.LossPercent, s.At)
}

// ObservePerformance records a performance sample.
func (c *Controller) ObservePerformance(s PerformanceSample) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.performance = appendWindowed(c.performance, s, s.At, windowDuration, func(p PerformanceSample) time.Time { return p.At })
}

func appendWindowed[T any](slice []T, v T, at time.Time, window time.Duration, getAt func(T) time.Time) []T {
	slice = append(slice, v)
	cutoff := at.Add(-window)
	i := 0
	for i < len(slice) && getAt(slice[i]).Before(cutoff) {
		i++
	}
	return slice[i:]
}

// ForceProfile bypasses the controller, setting the profile directly.
// The next Adapt call may overwrite it.
func (c *Controller) ForceProfile(p profile.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = p
	c.forced = true
}

// ClassifyNetwork returns the dominant network condition over the
// current window, per spec §4.7's threshold table.
func (c *Controller) ClassifyNetwork() NetworkCondition {
	c.mu.Lock()
	samples := append([]NetworkSample(nil), c.network...)
	c.mu.Unlock()
	if len(samples) == 0 {
		return Good
	}

	var lat, bw, loss float64
	for _, s := range samples {
		lat += s.LatencyMS
		bw += s.ThroughputMbps
		loss += s.LossPercent
	}
	n := float64(len(samples))
	lat /= n
	bw /= n
	loss /= n

	switch {
	case lat <= 30 && bw >= 10 && loss <= 0.1:
		return Excellent
	case lat <= 50 && bw >= 5 && loss <= 0.5:
		return Good
	case lat <= 100 && bw >= 2 && loss <= 1.0:
		return Fair
	case lat <= 200 && bw >= 1 && loss <= 2.0:
		return Poor
	default:
		return Critical
	}
}

// ClassifyPerformance counts threshold violations over the current
// window per spec §4.7: 0 → good, 1-2 → moderate, >=3 → poor.
func (c *Controller) ClassifyPerformance() PerformanceCondition {
	c.mu.Lock()
	samples := append([]PerformanceSample(nil), c.performance...)
	c.mu.Unlock()
	if len(samples) == 0 {
		return PerfUnknown
	}

	var cpu, mem, proc, depth, drop, errRate float64
	for _, s := range samples {
		cpu += s.CPUPercent
		mem += s.MemoryPercent
		proc += s.ProcessingMS
		depth += float64(s.QueueDepth)
		drop += s.DropRatePct
		errRate += s.ErrorRatePct
	}
	n := float64(len(samples))
	cpu /= n
	mem /= n
	proc /= n
	depth /= n
	drop /= n
	errRate /= n

	violations := 0
	if cpu > 80 {
		violations++
	}
	if mem > 85 {
		violations++
	}
	if proc > 100 {
		violations++
	}
	if depth > 10 {
		violations++
	}
	if drop > 5 {
		violations++
	}
	if errRate > 2 {
		violations++
	}

	switch {
	case violations == 0:
		return PerfGood
	case violations <= 2:
		return PerfModerate
	default:
		return PerfPoor
	}
}

// Adapt runs one adaptation cycle: classify, select, apply hysteresis,
// and swap the active profile if warranted. Returns true if the profile
// changed. Intended to be called roughly once per second.
func (c *Controller) Adapt() bool {
	netCond := c.ClassifyNetwork()
	perfCond := c.ClassifyPerformance()

	base, ok := networkToPreset[netCond]
	if !ok {
		base = profile.Medium
	}

	target := base
	switch perfCond {
	case PerfModerate:
		target = profile.Step(base, -1)
	case PerfPoor:
		target = profile.Step(base, -2)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if target.Name == c.current.Name && !c.forced {
		return false
	}

	now := time.Now()
	sinceChange := now.Sub(c.lastChange)
	if sinceChange < c.cfg.AdaptationInterval {
		return false
	}

	upgrading := profile.IndexOf(target) > profile.IndexOf(c.current)
	if upgrading {
		if now.Sub(c.stableSince) < c.cfg.StabilityThreshold {
			return false
		}
	} else {
		if sinceChange < c.cfg.DegradationThreshold {
			return false
		}
	}

	prev := c.current
	c.current = target
	c.lastChange = now
	c.stableSince = now
	c.forced = false
	c.history = append(c.history, Change{From: prev, To: target, At: now, Reason: string(netCond) + "/" + string(perfCond)})
	if len(c.history) > 100 {
		c.history = c.history[len(c.history)-100:]
	}

	logging.Debugw("quality profile adapted", "from", prev.Name, "to", target.Name, "network", netCond, "performance", perfCond)
	return true
}

// History returns a copy of recorded adaptation events.
func (c *Controller) History() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Change(nil), c.history...)
}

// BandwidthEstimator maintains a rolling 30s window of (throughput,
// latency, loss) samples and reports an estimated bandwidth and
// confidence, per spec §4.7's exact blend.
type BandwidthEstimator struct {
	mu      sync.Mutex
	samples []bwSample
}

type bwSample struct {
	throughput float64
	latency    float64
	loss       float64
	at         time.Time
}

const bandwidthWindow = 30 * time.Second
const bandwidthMaxConfidenceSamples = 50

func NewBandwidthEstimator() *BandwidthEstimator {
	return &BandwidthEstimator{}
}

func (b *BandwidthEstimator) Observe(throughput, latency, loss float64, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = appendWindowed(b.samples, bwSample{throughput, latency, loss, at}, at, bandwidthWindow, func(s bwSample) time.Time { return s.at })
}

// Estimate returns (bandwidth_mbps, confidence).
func (b *BandwidthEstimator) Estimate() (float64, float64) {
	b.mu.Lock()
	samples := append([]bwSample(nil), b.samples...)
	b.mu.Unlock()

	if len(samples) == 0 {
		return 0, 0
	}

	throughputs := make([]float64, len(samples))
	for i, s := range samples {
		throughputs[i] = s.throughput
	}

	mean := meanOf(throughputs)
	median := medianOf(throughputs)
	p90 := percentile(throughputs, 0.9)

	var latencyPenalized, lossPenalized float64
	for _, s := range samples {
		latFactor := math.Max(0.1, 1-(s.latency-50)/200)
		lossFactor := math.Max(0.1, 1-s.loss/10)
		latencyPenalized += s.throughput * latFactor
		lossPenalized += s.throughput * lossFactor
	}
	n := float64(len(samples))
	latencyPenalized /= n
	lossPenalized /= n

	bandwidth := 0.3*mean + 0.2*median + 0.2*p90 + 0.15*latencyPenalized + 0.15*lossPenalized

	sampleConfidence := math.Min(1.0, n/bandwidthMaxConfidenceSamples)
	variance := varianceOf(throughputs, mean)
	varianceConfidence := 1.0
	if mean > 0 {
		cv := math.Sqrt(variance) / mean
		varianceConfidence = math.Max(0.1, 1-math.Min(cv, 1))
	}
	confidence := sampleConfidence * varianceConfidence

	return bandwidth, confidence
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func medianOf(xs []float64) float64 {
	return percentile(xs, 0.5)
}

func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func varianceOf(xs []float64, mean float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs))
}
