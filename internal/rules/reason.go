package rules

import (
	"encoding/json"
	"errors"
)

// ReasonID is a machine-readable rejection cause.
type ReasonID string

const (
	ReasonTruePeak       ReasonID = "tp_over_0_1"
	ReasonClippedSamples ReasonID = "clipped_samples"
	ReasonTooHot         ReasonID = "lufs_too_hot"
	ReasonHotLowRange    ReasonID = "lufs_plus_low_lra"

	ReasonDuration       ReasonID = "duration_out_of_range"
	ReasonSilenceDropout ReasonID = "silence_dropout"
	ReasonSilenceRatio   ReasonID = "silence_ratio"
	ReasonDCOffset       ReasonID = "dc_offset"
)

const (
	MetricTruePeak       = "true_peak_dbtp"
	MetricClippedSamples = "clipped_samples"
	MetricIntegrated     = "integrated_lufs"
	MetricLoudnessRange  = "lra_lu"
	MetricDuration       = "duration_s"
	MetricLongestSilence = "longest_silence_s"
	MetricSilenceRatio   = "silence_ratio"
	MetricDCOffset       = "dc_offset"
)

var errUnknownReasonShape = errors.New("rules: reason has neither metric nor metrics")

// Reason is either a single-metric reason (Metric, Threshold, Value) or a
// multi-metric reason (Metrics, Thresholds, Values).
type Reason struct {
	ID ReasonID

	Metric    string
	Threshold float64
	Value     float64

	Metrics    []string
	Thresholds map[string]float64
	Values     map[string]float64
}

// Single builds a single-metric reason.
func Single(id ReasonID, metric string, threshold, value float64) Reason {
	return Reason{ID: id, Metric: metric, Threshold: threshold, Value: value}
}

// Multi builds a multi-metric reason.
func Multi(id ReasonID, metrics []string, thresholds, values map[string]float64) Reason {
	return Reason{ID: id, Metrics: metrics, Thresholds: thresholds, Values: values}
}

// IsMulti reports the multi-metric shape.
func (r Reason) IsMulti() bool {
	return len(r.Metrics) > 0
}

type singleShape struct {
	ID        ReasonID `json:"id"`
	Metric    string   `json:"metric"`
	Threshold float64  `json:"threshold"`
	Value     float64  `json:"value"`
}

type multiShape struct {
	ID         ReasonID           `json:"id"`
	Metrics    []string           `json:"metrics"`
	Thresholds map[string]float64 `json:"thresholds"`
	Values     map[string]float64 `json:"values"`
}

// MarshalJSON emits exactly one of the two shapes.
func (r Reason) MarshalJSON() ([]byte, error) {
	if r.IsMulti() {
		return json.Marshal(multiShape{ID: r.ID, Metrics: r.Metrics, Thresholds: r.Thresholds, Values: r.Values})
	}
	return json.Marshal(singleShape{ID: r.ID, Metric: r.Metric, Threshold: r.Threshold, Value: r.Value})
}

// UnmarshalJSON accepts either shape.
func (r *Reason) UnmarshalJSON(data []byte) error {
	var keys struct {
		Metric  *string         `json:"metric"`
		Metrics json.RawMessage `json:"metrics"`
	}
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	switch {
	case len(keys.Metrics) > 0 && string(keys.Metrics) != "null":
		var shape multiShape
		if err := json.Unmarshal(data, &shape); err != nil {
			return err
		}
		*r = Multi(shape.ID, shape.Metrics, shape.Thresholds, shape.Values)
	case keys.Metric != nil:
		var shape singleShape
		if err := json.Unmarshal(data, &shape); err != nil {
			return err
		}
		*r = Single(shape.ID, shape.Metric, shape.Threshold, shape.Value)
	default:
		return errUnknownReasonShape
	}
	return nil
}

// IDs lists the reason identifiers in order.
func IDs(reasons []Reason) []ReasonID {
	ids := make([]ReasonID, 0, len(reasons))
	for _, reason := range reasons {
		ids = append(ids, reason.ID)
	}
	return ids
}
