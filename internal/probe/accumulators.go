package probe

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Correlation accumulates the Pearson correlation of the left and right channels.
type Correlation struct {
	count float64
	sumL  float64
	sumR  float64
	sumLL float64
	sumRR float64
	sumLR float64
}

// NewCorrelation constructs an empty accumulator.
func NewCorrelation() *Correlation {
	return &Correlation{}
}

// AddFrame implements FrameSink.
func (c *Correlation) AddFrame(left, right float64) {
	c.count++
	c.sumL += left
	c.sumR += right
	c.sumLL += left * left
	c.sumRR += right * right
	c.sumLR += left * right
}

// Finish implements FrameSink.
func (c *Correlation) Finish() {}

// Result returns the coefficient clamped to [-1, 1], or None for fewer than two
// frames or a channel without variance.
func (c *Correlation) Result() Value {
	if c.count < 2 {
		return None()
	}
	covariance := c.sumLR - c.sumL*c.sumR/c.count
	varianceL := c.sumLL - c.sumL*c.sumL/c.count
	varianceR := c.sumRR - c.sumR*c.sumR/c.count
	if varianceL <= epsilon || varianceR <= epsilon {
		return None()
	}
	return Some(clamp(covariance/math.Sqrt(varianceL*varianceR), -1, 1))
}

// Severity is the internal overshoot severity scale.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

const (
	overshootThresholdDBTP = -1.0
	overshootMediumDBTP    = 0.0
	overshootHighDBTP      = 0.5
)

// SeverityFor classifies an overshoot peak.
func SeverityFor(peakDBTP float64) Severity {
	switch {
	case peakDBTP > overshootHighDBTP:
		return SeverityHigh
	case peakDBTP > overshootMediumDBTP:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// OvershootEvent is a run of adjacent oversampled windows above the overshoot threshold.
type OvershootEvent struct {
	StartSeconds float64  `json:"start_s"`
	EndSeconds   float64  `json:"end_s"`
	PeakDBTP     float64  `json:"peak_dbtp"`
	Severity     Severity `json:"severity"`
}

// OvershootDetector finds true-peak overshoot windows in an oversampled stream.
type OvershootDetector struct {
	*windower
	thresholdDBTP float64
	events        []OvershootEvent
	open          *OvershootEvent
}

// NewOvershootDetector builds a detector for a stream at sampleRate.
func NewOvershootDetector(sampleRate int, windowSeconds, thresholdDBTP float64) *OvershootDetector {
	detector := &OvershootDetector{thresholdDBTP: thresholdDBTP}
	detector.windower = newWindower(sampleRate, windowSeconds, detector.observe)
	return detector
}

func (d *OvershootDetector) observe(window Window) {
	peak := DB(window.PeakAbs)
	if peak <= d.thresholdDBTP {
		d.close()
		return
	}
	if d.open != nil && math.Abs(d.open.EndSeconds-window.StartSeconds) < 1e-9 {
		d.open.EndSeconds = window.EndSeconds
		if peak > d.open.PeakDBTP {
			d.open.PeakDBTP = peak
		}
		return
	}
	d.close()
	d.open = &OvershootEvent{StartSeconds: window.StartSeconds, EndSeconds: window.EndSeconds, PeakDBTP: peak}
}

func (d *OvershootDetector) close() {
	if d.open == nil {
		return
	}
	event := *d.open
	event.Severity = SeverityFor(event.PeakDBTP)
	d.events = append(d.events, event)
	d.open = nil
}

// Finish flushes the trailing window and closes any open event.
func (d *OvershootDetector) Finish() {
	d.windower.Finish()
	d.close()
}

// Events returns the detected events in time order.
func (d *OvershootDetector) Events() []OvershootEvent {
	return d.events
}

// TransientReport summarizes short-window dynamics.
type TransientReport struct {
	Windows          int
	TransientCount   int
	DensityPerSecond Value
	PunchIndex       Value
	CrestMeanDB      Value
	CrestP95DB       Value
	RMSMeanDB        Value
}

const (
	transientRiseDB      = 6.0
	transientFloorDB     = -30.0
	transientSilenceDB   = -60.0
	punchCrestLowDB      = 3.0
	punchCrestSpanDB     = 15.0
	punchDensitySaturate = 6.0
)

// TransientAnalyzer measures RMS, peak and crest over short windows and counts
// onsets where the RMS rises sharply from one window to the next.
type TransientAnalyzer struct {
	*windower
	previousRMSDB float64
	hasPrevious   bool
	crests        []float64
	rmsValues     []float64
	transients    int
	windows       int
	seconds       float64
}

// NewTransientAnalyzer builds an analyzer for a stream at sampleRate.
func NewTransientAnalyzer(sampleRate int, windowSeconds float64) *TransientAnalyzer {
	analyzer := &TransientAnalyzer{}
	analyzer.windower = newWindower(sampleRate, windowSeconds, analyzer.observe)
	return analyzer
}

func (a *TransientAnalyzer) observe(window Window) {
	a.windows++
	a.seconds = window.EndSeconds
	rmsDB := DB(window.MonoRMS())
	peakDB := DB(window.MonoPeak)
	if a.hasPrevious && rmsDB-a.previousRMSDB >= transientRiseDB && peakDB > transientFloorDB {
		a.transients++
	}
	a.previousRMSDB = rmsDB
	a.hasPrevious = true
	if rmsDB <= transientSilenceDB {
		return
	}
	a.crests = append(a.crests, peakDB-rmsDB)
	a.rmsValues = append(a.rmsValues, rmsDB)
}

// Report computes the transient statistics.
func (a *TransientAnalyzer) Report() TransientReport {
	report := TransientReport{Windows: a.windows, TransientCount: a.transients}
	if a.seconds > 0 {
		report.DensityPerSecond = Some(float64(a.transients) / a.seconds)
	}
	if len(a.crests) == 0 {
		return report
	}
	crestMean := stat.Mean(a.crests, nil)
	report.CrestMeanDB = Some(crestMean)
	report.RMSMeanDB = Some(stat.Mean(a.rmsValues, nil))

	sorted := append([]float64(nil), a.crests...)
	sort.Float64s(sorted)
	report.CrestP95DB = Some(stat.Quantile(0.95, stat.Empirical, sorted, nil))

	density, _ := report.DensityPerSecond.Get()
	crestScore := clamp01((crestMean - punchCrestLowDB) / punchCrestSpanDB)
	densityScore := clamp01(density / punchDensitySaturate)
	report.PunchIndex = Some(100 * (0.6*crestScore + 0.4*densityScore))
	return report
}
