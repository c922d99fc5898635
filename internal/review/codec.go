package review

import (
	"context"
	"time"

	"github.com/tonipetergugic/immusic-sub001/internal/probe"
	"github.com/tonipetergugic/immusic-sub001/internal/store"
	"go.uber.org/zap"
)

const (
	opCodecSimulate = "review.codec.simulate"

	lowRiskDeltaDB      = 0.5
	moderateRiskDeltaDB = 1.5
	lowRiskPostPeakDBTP = 0.0
)

// DistortionRisk is the qualitative codec risk.
type DistortionRisk string

const (
	RiskLow      DistortionRisk = "low"
	RiskModerate DistortionRisk = "moderate"
	RiskHigh     DistortionRisk = "high"
)

// ClassifyRisk maps a headroom delta and the post-codec true peak to a risk level.
// Without a pre-encode reference only the post peak is judged.
func ClassifyRisk(delta, postPeak probe.Value) DistortionRisk {
	post, _ := postPeak.Get()
	difference, known := delta.Get()
	if !known {
		if post <= lowRiskPostPeakDBTP {
			return RiskLow
		}
		return RiskHigh
	}
	switch {
	case difference < lowRiskDeltaDB && post <= lowRiskPostPeakDBTP:
		return RiskLow
	case difference < moderateRiskDeltaDB:
		return RiskModerate
	default:
		return RiskHigh
	}
}

// CodecProbe runs a lossy round trip.
type CodecProbe interface {
	CodecRoundTrip(ctx context.Context, path string, preset probe.CodecPreset) (probe.CodecRoundTrip, error)
}

// CodecSimulator estimates lossy-codec degradation. Every failure is swallowed.
type CodecSimulator struct {
	probe   CodecProbe
	presets []probe.CodecPreset
	logger  *zap.Logger
}

// NewCodecSimulator builds a simulator for presets.
func NewCodecSimulator(codecProbe CodecProbe, presets []probe.CodecPreset, logger *zap.Logger) *CodecSimulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CodecSimulator{probe: codecProbe, presets: presets, logger: logger}
}

// Simulate returns one row per preset that completed. A nil slice means no codec data.
func (s *CodecSimulator) Simulate(ctx context.Context, queueID, path string, preTruePeak probe.Value, now time.Time) []store.CodecSimulation {
	if s == nil || s.probe == nil {
		return nil
	}
	var simulations []store.CodecSimulation
	for _, preset := range s.presets {
		roundTrip, err := s.probe.CodecRoundTrip(ctx, path, preset)
		if err != nil {
			logWarn(s.logger, opCodecSimulate, "round_trip_failed", err,
				zap.String("queue_id", queueID),
				zap.String("preset", string(preset)))
			continue
		}
		post, ok := roundTrip.PostTruePeak.Get()
		if !ok {
			logWarn(s.logger, opCodecSimulate, "post_peak_missing", nil,
				zap.String("queue_id", queueID),
				zap.String("preset", string(preset)))
			continue
		}
		delta := probe.None()
		if pre, known := preTruePeak.Get(); known {
			delta = probe.Some(post - pre)
		}
		simulations = append(simulations, store.CodecSimulation{
			QueueID:          queueID,
			Preset:           string(preset),
			PreTruePeakDBTP:  preTruePeak.Ptr(),
			PostTruePeakDBTP: roundTrip.PostTruePeak.Ptr(),
			OvershootCount:   roundTrip.OvershootCount,
			HeadroomDeltaDB:  delta.Ptr(),
			DistortionRisk:   string(ClassifyRisk(delta, roundTrip.PostTruePeak)),
			CreatedAtSeconds: now.UTC().Unix(),
		})
	}
	return simulations
}
