// Package structure derives a descriptive arrangement model from a short-term loudness timeline.
package structure

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	minimumPoints          = 3
	lowPercentile          = 0.10
	highPercentile         = 0.90
	flatRangeLU            = 1e-6
	flatEnergy             = 0.5
	smoothingWindowSeconds = 3.0
	blendBoost             = 0.1
	crestFloorDB           = 6.0
	crestSpanDB            = 12.0
	densitySaturation      = 8.0
)

// Point is one short-term loudness reading.
type Point struct {
	TimeSeconds float64
	LUFS        float64
}

// Input carries the timeline plus the transient statistics used to boost energy.
// NaN statistics contribute nothing.
type Input struct {
	Timeline         []Point
	CrestMeanDB      float64
	TransientDensity float64
}

// EnergyPoint is one sample of the smoothed energy curve.
type EnergyPoint struct {
	TimeSeconds float64 `json:"t"`
	Energy      float64 `json:"e"`
}

// Zone is a density zone of the energy curve.
type Zone string

const (
	ZoneLow     Zone = "low"
	ZoneMid     Zone = "mid"
	ZoneHigh    Zone = "high"
	ZoneExtreme Zone = "extreme"
	ZoneMixed   Zone = "mixed"
)

// ZoneShares is the fraction of curve points in each zone.
type ZoneShares struct {
	Low     float64 `json:"low"`
	Mid     float64 `json:"mid"`
	High    float64 `json:"high"`
	Extreme float64 `json:"extreme"`
}

// Peak is a scored local maximum of the energy curve.
type Peak struct {
	TimeSeconds float64 `json:"t"`
	Energy      float64 `json:"energy"`
	Score       float64 `json:"score"`
}

// Result is the full structural description.
type Result struct {
	EnergyCurve  []EnergyPoint `json:"energy_curve"`
	Zones        ZoneShares    `json:"zones"`
	DominantZone Zone          `json:"dominant_zone"`
	EntropyScore float64       `json:"entropy_score"`
	Peaks        []Peak        `json:"peaks"`
	PrimaryPeak  *Peak         `json:"primary_peak,omitempty"`
	Sections     []Section     `json:"sections"`
	Tension      float64       `json:"tension_index"`
	Release      float64       `json:"release_index"`
	Balance      float64       `json:"balance_score"`
}

// Analyze returns nil when the timeline has fewer than three usable points.
func Analyze(input Input) *Result {
	points := make([]Point, 0, len(input.Timeline))
	for _, point := range input.Timeline {
		if finite(point.TimeSeconds) && finite(point.LUFS) {
			points = append(points, point)
		}
	}
	if len(points) < minimumPoints {
		return nil
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].TimeSeconds < points[j].TimeSeconds })

	curve := smooth(normalize(points, blend(input.CrestMeanDB, input.TransientDensity)), smoothingWindowSeconds)
	return describe(curve)
}

func blend(crestMeanDB, density float64) float64 {
	var crestScore, densityScore float64
	if finite(crestMeanDB) {
		crestScore = clamp01((crestMeanDB - crestFloorDB) / crestSpanDB)
	}
	if finite(density) {
		densityScore = clamp01(density / densitySaturation)
	}
	return 0.5*crestScore + 0.5*densityScore
}

func normalize(points []Point, blendValue float64) []EnergyPoint {
	loudness := make([]float64, len(points))
	for index, point := range points {
		loudness[index] = point.LUFS
	}
	sort.Float64s(loudness)
	low := stat.Quantile(lowPercentile, stat.Empirical, loudness, nil)
	high := stat.Quantile(highPercentile, stat.Empirical, loudness, nil)

	curve := make([]EnergyPoint, len(points))
	for index, point := range points {
		raw := flatEnergy
		if high-low > flatRangeLU {
			raw = clamp01((point.LUFS - low) / (high - low))
		}
		curve[index] = EnergyPoint{
			TimeSeconds: point.TimeSeconds,
			Energy:      clamp01(raw * (1 + blendBoost*blendValue)),
		}
	}
	return curve
}

// smooth applies a centered moving average over windowSeconds.
func smooth(curve []EnergyPoint, windowSeconds float64) []EnergyPoint {
	half := windowSeconds / 2
	smoothed := make([]EnergyPoint, len(curve))
	start, end := 0, 0
	sum := 0.0
	for index, point := range curve {
		for end < len(curve) && curve[end].TimeSeconds <= point.TimeSeconds+half {
			sum += curve[end].Energy
			end++
		}
		for curve[start].TimeSeconds < point.TimeSeconds-half {
			sum -= curve[start].Energy
			start++
		}
		smoothed[index] = EnergyPoint{TimeSeconds: point.TimeSeconds, Energy: clamp01(sum / float64(end-start))}
	}
	return smoothed
}

func describe(curve []EnergyPoint) *Result {
	if len(curve) < minimumPoints {
		return nil
	}
	result := &Result{EnergyCurve: curve}
	result.Zones, result.DominantZone, result.EntropyScore = classifyZones(curve)
	result.Peaks = detectPeaks(curve)
	if len(result.Peaks) > 0 {
		primary := result.Peaks[0]
		for _, peak := range result.Peaks[1:] {
			if peak.Score > primary.Score {
				primary = peak
			}
		}
		result.PrimaryPeak = &primary
	}
	result.Sections = sequence(deriveSections(curve, result.Peaks), curve)
	result.Tension, result.Release, result.Balance = tensionRelease(curve)
	return result
}

func zoneOf(energy float64) Zone {
	switch {
	case energy < 0.35:
		return ZoneLow
	case energy < 0.65:
		return ZoneMid
	case energy < 0.85:
		return ZoneHigh
	default:
		return ZoneExtreme
	}
}

func classifyZones(curve []EnergyPoint) (ZoneShares, Zone, float64) {
	counts := map[Zone]float64{}
	for _, point := range curve {
		counts[zoneOf(point.Energy)]++
	}
	total := float64(len(curve))
	shares := ZoneShares{
		Low:     counts[ZoneLow] / total,
		Mid:     counts[ZoneMid] / total,
		High:    counts[ZoneHigh] / total,
		Extreme: counts[ZoneExtreme] / total,
	}

	dominant := ZoneMixed
	switch {
	case shares.Extreme > 0.4:
		dominant = ZoneExtreme
	case shares.Low > 0.6:
		dominant = ZoneLow
	case shares.Mid > 0.6:
		dominant = ZoneMid
	case shares.High > 0.6:
		dominant = ZoneHigh
	}

	entropy := 0.0
	for _, share := range []float64{shares.Low, shares.Mid, shares.High, shares.Extreme} {
		if share > 0 {
			entropy -= share * math.Log2(share)
		}
	}
	return shares, dominant, entropy / 2
}

// tensionRelease averages forward 8 s and 4 s deltas; rising deltas feed tension,
// falling deltas feed release.
func tensionRelease(curve []EnergyPoint) (float64, float64, float64) {
	var rising, falling float64
	samples := 0
	for index, point := range curve {
		ahead8, ok8 := energyAt(curve, index, point.TimeSeconds+8)
		ahead4, ok4 := energyAt(curve, index, point.TimeSeconds+4)
		if !ok8 || !ok4 {
			break
		}
		delta := ((ahead8 - point.Energy) + (ahead4 - point.Energy)) / 2
		if delta > 0 {
			rising += delta
		} else {
			falling -= delta
		}
		samples++
	}
	if samples == 0 {
		return 0, 0, 0
	}
	tension := clamp01(rising / float64(samples) * 2)
	release := clamp01(falling / float64(samples) * 2)
	if tension+release == 0 {
		return tension, release, 0
	}
	return tension, release, 1 - math.Abs(tension-release)/(tension+release)
}

// energyAt returns the energy of the first point at or after seconds, searching from index.
func energyAt(curve []EnergyPoint, index int, seconds float64) (float64, bool) {
	for cursor := index; cursor < len(curve); cursor++ {
		if curve[cursor].TimeSeconds >= seconds {
			return curve[cursor].Energy, true
		}
	}
	return 0, false
}

func meanEnergy(curve []EnergyPoint, from, to float64, includeFrom, includeTo bool) (float64, bool) {
	sum, count := 0.0, 0
	for _, point := range curve {
		if point.TimeSeconds < from || point.TimeSeconds > to {
			continue
		}
		if (!includeFrom && point.TimeSeconds == from) || (!includeTo && point.TimeSeconds == to) {
			continue
		}
		sum += point.Energy
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

func finite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
