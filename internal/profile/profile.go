// Package profile defines the QualityProfile value type shared by the
// adaptive quality controller (C6), the processing pipeline (C5) and
// the frame codec (C2).
package profile

// Profile is an immutable tuple of encoding/processing knobs. The five
// named presets below are the only values the controller selects
// between; callers should treat a Profile as a value, never mutate one
// in place.
type Profile struct {
	Name                 string
	EncodeQuality        int     // JPEG quality, 1..100
	ResolutionScale       float64 // (0,1]
	FrameRate            int     // advisory hint returned to the client
	ExtractorComplexity  int     // 0 (fast), 1 (medium), 2 (accurate)
	BatchSize            int     // ingest batch collapse factor, >=1
	SkipFrames           int     // drop n of every n+1 frames
}

// Named presets, monotone in every dimension from UltraLow to
// UltraHigh except SkipFrames, which is inverted (lower quality skips
// more frames).
var (
	UltraLow = Profile{
		Name: "ultra_low", EncodeQuality: 30, ResolutionScale: 0.25,
		FrameRate: 10, ExtractorComplexity: 0, BatchSize: 4, SkipFrames: 3,
	}
	Low = Profile{
		Name: "low", EncodeQuality: 45, ResolutionScale: 0.4,
		FrameRate: 15, ExtractorComplexity: 0, BatchSize: 3, SkipFrames: 2,
	}
	Medium = Profile{
		Name: "medium", EncodeQuality: 65, ResolutionScale: 0.6,
		FrameRate: 20, ExtractorComplexity: 1, BatchSize: 2, SkipFrames: 1,
	}
	High = Profile{
		Name: "high", EncodeQuality: 80, ResolutionScale: 0.8,
		FrameRate: 25, ExtractorComplexity: 1, BatchSize: 1, SkipFrames: 0,
	}
	UltraHigh = Profile{
		Name: "ultra_high", EncodeQuality: 95, ResolutionScale: 1.0,
		FrameRate: 30, ExtractorComplexity: 2, BatchSize: 1, SkipFrames: 0,
	}
)

// Ordered is every preset from lowest to highest quality, the axis C6's
// up/downgrade stepping walks.
var Ordered = []Profile{UltraLow, Low, Medium, High, UltraHigh}

// ByName resolves a preset name, defaulting to Medium for unknown input.
func ByName(name string) Profile {
	for _, p := range Ordered {
		if p.Name == name {
			return p
		}
	}
	return Medium
}

// IndexOf returns p's position in Ordered, or the Medium index if p
// doesn't match a known preset by name.
func IndexOf(p Profile) int {
	for i, o := range Ordered {
		if o.Name == p.Name {
			return i
		}
	}
	return IndexOf(Medium)
}

// Step moves n positions along Ordered from p, clamped to
// [UltraLow, UltraHigh].
func Step(p Profile, n int) Profile {
	idx := IndexOf(p) + n
	if idx < 0 {
		idx = 0
	}
	if idx >= len(Ordered) {
		idx = len(Ordered) - 1
	}
	return Ordered[idx]
}
