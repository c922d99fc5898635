package feedback

import (
	"github.com/tonipetergugic/immusic-sub001/internal/probe"
	"github.com/tonipetergugic/immusic-sub001/internal/rules"
	"github.com/tonipetergugic/immusic-sub001/internal/store"
	"github.com/tonipetergugic/immusic-sub001/internal/structure"
)

// PayloadVersion is written into every payload and its row.
const PayloadVersion = 2

// Severity is the public overshoot severity scale.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// PublicSeverity maps the internal low/medium/high scale.
func PublicSeverity(internal string) Severity {
	switch probe.Severity(internal) {
	case probe.SeverityHigh:
		return SeverityCritical
	case probe.SeverityMedium:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}

// Payload is the client-safe report. It carries no wall-clock values so that a
// rebuild from unchanged inputs is byte-identical.
type Payload struct {
	Version         int                `json:"version"`
	QueueID         string             `json:"queue_id"`
	Title           string             `json:"title"`
	Decision        DecisionBlock      `json:"decision"`
	DurationSeconds *float64           `json:"duration_s"`
	Loudness        LoudnessBlock      `json:"loudness"`
	Silence         SilenceBlock       `json:"silence"`
	Stereo          StereoBlock        `json:"stereo"`
	Bands           []store.BandRecord `json:"bands"`
	Transients      TransientBlock     `json:"transients"`
	Structure       *structure.Result  `json:"structure"`
	Events          []Event            `json:"events"`
	HardFailReasons []rules.Reason     `json:"hard_fail_reasons"`
	Codec           *CodecBlock        `json:"codec,omitempty"`
}

// DecisionBlock is the queue outcome at build time.
type DecisionBlock struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// LoudnessBlock groups loudness, peak and level measurements.
type LoudnessBlock struct {
	IntegratedLUFS        *float64 `json:"integrated_lufs"`
	LoudnessRangeLU       *float64 `json:"lra_lu"`
	TruePeakDBTP          *float64 `json:"true_peak_dbtp"`
	EffectiveTruePeakDBTP *float64 `json:"effective_true_peak_dbtp"`
	SamplePeakDBFS        *float64 `json:"sample_peak_dbfs"`
	MeanVolumeDBFS        *float64 `json:"mean_volume_dbfs"`
	ClippedSamples        *float64 `json:"clipped_samples"`
	DCOffset              *float64 `json:"dc_offset"`
}

// SilenceBlock reports detected silence.
type SilenceBlock struct {
	TotalSeconds   *float64 `json:"total_s"`
	LongestSeconds *float64 `json:"longest_s"`
}

// StereoBlock reports stereo image measurements.
type StereoBlock struct {
	PhaseCorrelation   *float64 `json:"phase_correlation"`
	LowBandCorrelation *float64 `json:"low_band_correlation"`
	MidRMSDB           *float64 `json:"mid_rms_db"`
	SideRMSDB          *float64 `json:"side_rms_db"`
}

// TransientBlock reports punch statistics.
type TransientBlock struct {
	DensityPerSecond *float64 `json:"density_per_s"`
	PunchIndex       *float64 `json:"punch_index"`
	CrestMeanDB      *float64 `json:"crest_mean_db"`
	CrestP95DB       *float64 `json:"crest_p95_db"`
}

// Event is a timecoded overshoot window.
type Event struct {
	StartSeconds float64  `json:"start_s"`
	EndSeconds   float64  `json:"end_s"`
	PeakDBTP     float64  `json:"peak_dbtp"`
	Severity     Severity `json:"severity"`
}

// CodecBlock holds the lossy-codec estimates.
type CodecBlock struct {
	Simulations []CodecEntry `json:"simulations"`
}

// CodecEntry is one preset estimate.
type CodecEntry struct {
	Preset           string   `json:"preset"`
	PreTruePeakDBTP  *float64 `json:"pre_true_peak_dbtp"`
	PostTruePeakDBTP *float64 `json:"post_true_peak_dbtp"`
	OvershootCount   int      `json:"overshoot_count"`
	HeadroomDeltaDB  *float64 `json:"headroom_delta_db"`
	DistortionRisk   string   `json:"distortion_risk"`
}

func assemble(item store.QueueItem, metrics store.PrivateMetrics, analysis *structure.Result, bands []store.BandRecord,
	reasons []rules.Reason, events []store.PrivateEvent, simulations []store.CodecSimulation) Payload {
	payload := Payload{
		Version: PayloadVersion,
		QueueID: item.ID,
		Title:   item.Title,
		Decision: DecisionBlock{
			Status: string(item.Status),
			Reason: string(item.RejectionReason),
		},
		DurationSeconds: metrics.DurationSeconds,
		Loudness: LoudnessBlock{
			IntegratedLUFS:        metrics.IntegratedLUFS,
			LoudnessRangeLU:       metrics.LoudnessRangeLU,
			TruePeakDBTP:          metrics.TruePeakDBTP,
			EffectiveTruePeakDBTP: metrics.EffectiveTruePeakDBTP,
			SamplePeakDBFS:        metrics.SamplePeakDBFS,
			MeanVolumeDBFS:        metrics.MeanVolumeDBFS,
			ClippedSamples:        metrics.ClippedSamples,
			DCOffset:              metrics.DCOffset,
		},
		Silence: SilenceBlock{
			TotalSeconds:   metrics.SilenceTotalSeconds,
			LongestSeconds: metrics.SilenceLongestSeconds,
		},
		Stereo: StereoBlock{
			PhaseCorrelation:   metrics.PhaseCorrelation,
			LowBandCorrelation: metrics.LowBandCorrelation,
			MidRMSDB:           metrics.MidRMSDB,
			SideRMSDB:          metrics.SideRMSDB,
		},
		Bands: bands,
		Transients: TransientBlock{
			DensityPerSecond: metrics.TransientDensity,
			PunchIndex:       metrics.PunchIndex,
			CrestMeanDB:      metrics.CrestMeanDB,
			CrestP95DB:       metrics.CrestP95DB,
		},
		Structure:       analysis,
		Events:          make([]Event, 0, len(events)),
		HardFailReasons: reasons,
	}
	if payload.Bands == nil {
		payload.Bands = []store.BandRecord{}
	}
	if payload.HardFailReasons == nil {
		payload.HardFailReasons = []rules.Reason{}
	}
	for _, event := range events {
		payload.Events = append(payload.Events, Event{
			StartSeconds: event.StartSeconds,
			EndSeconds:   event.EndSeconds,
			PeakDBTP:     event.PeakDBTP,
			Severity:     PublicSeverity(event.Severity),
		})
	}
	if len(simulations) > 0 {
		block := &CodecBlock{Simulations: make([]CodecEntry, 0, len(simulations))}
		for _, simulation := range simulations {
			block.Simulations = append(block.Simulations, CodecEntry{
				Preset:           simulation.Preset,
				PreTruePeakDBTP:  simulation.PreTruePeakDBTP,
				PostTruePeakDBTP: simulation.PostTruePeakDBTP,
				OvershootCount:   simulation.OvershootCount,
				HeadroomDeltaDB:  simulation.HeadroomDeltaDB,
				DistortionRisk:   simulation.DistortionRisk,
			})
		}
		payload.Codec = block
	}
	return payload
}
