// Package rules maps a loudness/peak metrics bundle to hard-fail reasons.
package rules

import (
	"errors"
	"math"

	"github.com/tonipetergugic/immusic-sub001/internal/probe"
)

// Policy holds the hard-fail thresholds.
type Policy struct {
	TruePeakMaxDBTP   float64
	MaxClippedSamples float64
	HotLUFS           float64
	LowRangeLUFS      float64
	LowRangeMinLU     float64
}

// DefaultPolicy returns the catalog-wide thresholds.
func DefaultPolicy() Policy {
	return Policy{
		TruePeakMaxDBTP:   0.1,
		MaxClippedSamples: 0,
		HotLUFS:           -4.5,
		LowRangeLUFS:      -6,
		LowRangeMinLU:     1.0,
	}
}

var errNonFiniteThreshold = errors.New("rules: policy thresholds must be finite")
var errNegativeClipBudget = errors.New("rules: clipped sample budget must not be negative")

// Validate rejects policies that could never be evaluated.
func (p Policy) Validate() error {
	for _, threshold := range []float64{p.TruePeakMaxDBTP, p.MaxClippedSamples, p.HotLUFS, p.LowRangeLUFS, p.LowRangeMinLU} {
		if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
			return errNonFiniteThreshold
		}
	}
	if p.MaxClippedSamples < 0 {
		return errNegativeClipBudget
	}
	return nil
}

// Metrics is the input bundle. TruePeak is the effective true peak.
type Metrics struct {
	TruePeak       probe.Value
	IntegratedLUFS probe.Value
	LoudnessRange  probe.Value
	ClippedSamples probe.Value
}

// EffectiveTruePeak returns the larger of the summary true peak and every
// overshoot window peak. Non-finite peaks are ignored.
func EffectiveTruePeak(measured probe.Value, eventPeaks ...float64) probe.Value {
	effective := measured
	for _, peak := range eventPeaks {
		candidate := probe.Some(peak)
		value, ok := candidate.Get()
		if !ok {
			continue
		}
		if current, present := effective.Get(); !present || value > current {
			effective = candidate
		}
	}
	return effective
}

type rule func(Policy, Metrics) (Reason, bool)

// ruleSet is evaluated in full; its order fixes the order of the result.
var ruleSet = []rule{
	truePeakRule,
	clippedSamplesRule,
	tooHotRule,
	hotLowRangeRule,
}

// Evaluate collects every matching reason. Absent metrics never match.
func Evaluate(policy Policy, metrics Metrics) []Reason {
	reasons := make([]Reason, 0, len(ruleSet))
	for _, check := range ruleSet {
		if reason, matched := check(policy, metrics); matched {
			reasons = append(reasons, reason)
		}
	}
	return reasons
}

func truePeakRule(policy Policy, metrics Metrics) (Reason, bool) {
	peak, ok := metrics.TruePeak.Get()
	if !ok || peak <= policy.TruePeakMaxDBTP {
		return Reason{}, false
	}
	return Single(ReasonTruePeak, MetricTruePeak, policy.TruePeakMaxDBTP, peak), true
}

func clippedSamplesRule(policy Policy, metrics Metrics) (Reason, bool) {
	clipped, ok := metrics.ClippedSamples.Get()
	if !ok || clipped <= policy.MaxClippedSamples {
		return Reason{}, false
	}
	return Single(ReasonClippedSamples, MetricClippedSamples, policy.MaxClippedSamples, clipped), true
}

func tooHotRule(policy Policy, metrics Metrics) (Reason, bool) {
	integrated, ok := metrics.IntegratedLUFS.Get()
	if !ok || integrated <= policy.HotLUFS {
		return Reason{}, false
	}
	return Single(ReasonTooHot, MetricIntegrated, policy.HotLUFS, integrated), true
}

func hotLowRangeRule(policy Policy, metrics Metrics) (Reason, bool) {
	integrated, integratedOK := metrics.IntegratedLUFS.Get()
	loudnessRange, rangeOK := metrics.LoudnessRange.Get()
	if !integratedOK || !rangeOK {
		return Reason{}, false
	}
	if integrated <= policy.LowRangeLUFS || loudnessRange >= policy.LowRangeMinLU {
		return Reason{}, false
	}
	return Multi(ReasonHotLowRange,
		[]string{MetricIntegrated, MetricLoudnessRange},
		map[string]float64{MetricIntegrated: policy.LowRangeLUFS, MetricLoudnessRange: policy.LowRangeMinLU},
		map[string]float64{MetricIntegrated: integrated, MetricLoudnessRange: loudnessRange},
	), true
}
