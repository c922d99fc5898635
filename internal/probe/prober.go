package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultFFmpegPath       = "ffmpeg"
	defaultFFprobePath      = "ffprobe"
	defaultAnalysisRate     = 48000
	defaultOversampleRate   = 192000
	defaultSilenceThreshold = -60.0
	silenceMinimumSeconds   = 0.5
	transientWindowSeconds  = 0.020
	overshootWindowSeconds  = 0.010
	lowBandLowHz            = 20
	lowBandHighHz           = 120
	fullScaleToleranceDB    = -0.001
	midPan                  = "mono|c0=0.5*c0+0.5*c1"
	sidePan                 = "mono|c0=0.5*c0-0.5*c1"
)

// ErrMissingDuration is returned when the container reports no usable duration.
var ErrMissingDuration = errors.New("probe: duration not reported")

// Band is a frequency band measured with a highpass/lowpass chain.
type Band struct {
	Name   string  `json:"name"`
	LowHz  float64 `json:"low_hz"`
	HighHz float64 `json:"high_hz"`
}

// DefaultBands covers the audible range in six engineering bands.
var DefaultBands = []Band{
	{Name: "sub", LowHz: 20, HighHz: 60},
	{Name: "bass", LowHz: 60, HighHz: 250},
	{Name: "low_mid", LowHz: 250, HighHz: 2000},
	{Name: "high_mid", LowHz: 2000, HighHz: 6000},
	{Name: "presence", LowHz: 6000, HighHz: 10000},
	{Name: "air", LowHz: 10000, HighHz: 20000},
}

// BandLevel is the RMS level measured inside a band.
type BandLevel struct {
	Band  Band
	RMSDB Value
}

// MidSideReport holds RMS levels of the mid and side signals.
type MidSideReport struct {
	MidRMSDB  Value
	SideRMSDB Value
}

// CorrelationReport holds whole-file and low-band phase correlation.
type CorrelationReport struct {
	Whole   Value
	LowBand Value
}

// CodecPreset names a lossy encode used for degradation estimates.
type CodecPreset string

const (
	CodecMP3128 CodecPreset = "mp3_128"
	CodecAAC128 CodecPreset = "aac_128"
)

type codecSettings struct {
	codec     string
	bitrate   string
	extension string
}

var codecPresets = map[CodecPreset]codecSettings{
	CodecMP3128: {codec: "libmp3lame", bitrate: "128k", extension: ".mp3"},
	CodecAAC128: {codec: "aac", bitrate: "128k", extension: ".m4a"},
}

// ParseCodecPreset validates a preset name.
func ParseCodecPreset(raw string) (CodecPreset, error) {
	preset := CodecPreset(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := codecPresets[preset]; !ok {
		return "", fmt.Errorf("probe: unknown codec preset %q", raw)
	}
	return preset, nil
}

// CodecRoundTrip is the remeasurement of a lossy round trip.
type CodecRoundTrip struct {
	Preset         CodecPreset
	PostTruePeak   Value
	OvershootCount int
}

// Config configures a Prober.
type Config struct {
	FFmpegPath         string
	FFprobePath        string
	Runner             Runner
	AnalysisRate       int
	OversampleRate     int
	SilenceThresholdDB float64
	Logger             *zap.Logger
}

// Prober runs the external toolchain and turns its output into typed metrics.
type Prober struct {
	ffmpeg             string
	ffprobe            string
	runner             Runner
	analysisRate       int
	oversampleRate     int
	silenceThresholdDB float64
	logger             *zap.Logger
}

// NewProber constructs a Prober with defaults for unset fields.
func NewProber(cfg Config) *Prober {
	prober := &Prober{
		ffmpeg:             cfg.FFmpegPath,
		ffprobe:            cfg.FFprobePath,
		runner:             cfg.Runner,
		analysisRate:       cfg.AnalysisRate,
		oversampleRate:     cfg.OversampleRate,
		silenceThresholdDB: cfg.SilenceThresholdDB,
		logger:             cfg.Logger,
	}
	if prober.ffmpeg == "" {
		prober.ffmpeg = defaultFFmpegPath
	}
	if prober.ffprobe == "" {
		prober.ffprobe = defaultFFprobePath
	}
	if prober.runner == nil {
		prober.runner = NewExecRunner()
	}
	if prober.analysisRate <= 0 {
		prober.analysisRate = defaultAnalysisRate
	}
	if prober.oversampleRate <= 0 {
		prober.oversampleRate = defaultOversampleRate
	}
	if prober.silenceThresholdDB == 0 {
		prober.silenceThresholdDB = defaultSilenceThreshold
	}
	if prober.logger == nil {
		prober.logger = zap.NewNop()
	}
	return prober
}

// Duration returns the container duration in seconds. Absent output is fatal.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	output, err := p.runner.Run(ctx, p.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, err
	}
	duration, ok := ParseDuration(string(output.Stdout)).Get()
	if !ok {
		return 0, ErrMissingDuration
	}
	return duration, nil
}

// Loudness runs ebur128 once and returns integrated loudness, loudness range,
// true peak and the short-term loudness timeline.
func (p *Prober) Loudness(ctx context.Context, path string) (EBUR128Report, error) {
	output, err := p.runner.Run(ctx, p.ffmpeg, p.summaryArgs(path, "ebur128=peak=true:framelog=info")...)
	if err != nil {
		return EBUR128Report{}, err
	}
	report := ParseEBUR128(output.Text())
	p.logger.Debug("loudness probed",
		zap.String("path", path),
		zap.Float64("integrated_lufs", report.Integrated.OrNaN()),
		zap.Float64("true_peak_dbtp", report.TruePeak.OrNaN()),
		zap.Int("timeline_points", len(report.Timeline)))
	return report, nil
}

// Volume returns the sample peak and mean volume from volumedetect.
func (p *Prober) Volume(ctx context.Context, path string) (VolumeReport, error) {
	output, err := p.runner.Run(ctx, p.ffmpeg, p.summaryArgs(path, "volumedetect")...)
	if err != nil {
		return VolumeReport{}, err
	}
	return ParseVolumeDetect(output.Text()), nil
}

// Silence returns silence runs below the configured threshold.
func (p *Prober) Silence(ctx context.Context, path string, durationSeconds float64) (SilenceReport, error) {
	filter := fmt.Sprintf("silencedetect=noise=%sdB:d=%s",
		formatFloat(p.silenceThresholdDB), formatFloat(silenceMinimumSeconds))
	output, err := p.runner.Run(ctx, p.ffmpeg, p.summaryArgs(path, filter)...)
	if err != nil {
		return SilenceReport{}, err
	}
	return ParseSilence(output.Text(), durationSeconds), nil
}

// DCOffset returns the largest absolute per-channel mean, falling back to the overall value.
func (p *Prober) DCOffset(ctx context.Context, path string) (Value, error) {
	report, err := p.astats(ctx, path, "")
	if err != nil {
		return None(), err
	}
	largest := None()
	for _, channel := range report.Channels {
		offset, ok := channel["dc_offset"].Get()
		if !ok {
			continue
		}
		if current, present := largest.Get(); !present || math.Abs(offset) > current {
			largest = Some(math.Abs(offset))
		}
	}
	if largest.Present() {
		return largest, nil
	}
	if overall, ok := report.Get("dc_offset").Get(); ok {
		return Some(math.Abs(overall)), nil
	}
	return None(), nil
}

// ClippedSamples counts samples sitting at digital full scale. astats reports how often
// the peak level was reached; that count only means clipping when the peak is full scale.
func (p *Prober) ClippedSamples(ctx context.Context, path string) (Value, error) {
	report, err := p.astats(ctx, path, "")
	if err != nil {
		return None(), err
	}
	peakLevel, peakOK := report.Get("peak_level_db").Get()
	peakCount, countOK := report.Get("peak_count").Get()
	if !peakOK || !countOK {
		return None(), nil
	}
	if peakLevel < fullScaleToleranceDB {
		return Some(0), nil
	}
	return Some(peakCount), nil
}

// BandRMS measures the RMS level inside band, optionally after a pan expression
// that folds the stereo signal to mono.
func (p *Prober) BandRMS(ctx context.Context, path string, band Band, pan string) (Value, error) {
	var chain []string
	if pan != "" {
		chain = append(chain, "pan="+pan)
	}
	if band.LowHz > 0 {
		chain = append(chain, "highpass=f="+formatFloat(band.LowHz))
	}
	if band.HighHz > 0 {
		chain = append(chain, "lowpass=f="+formatFloat(band.HighHz))
	}
	report, err := p.astats(ctx, path, strings.Join(chain, ","))
	if err != nil {
		return None(), err
	}
	return report.Get("rms_level_db"), nil
}

// BandLevels measures every default band on the mid signal.
func (p *Prober) BandLevels(ctx context.Context, path string) ([]BandLevel, error) {
	levels := make([]BandLevel, 0, len(DefaultBands))
	for _, band := range DefaultBands {
		level, err := p.BandRMS(ctx, path, band, midPan)
		if err != nil {
			return nil, err
		}
		levels = append(levels, BandLevel{Band: band, RMSDB: level})
	}
	return levels, nil
}

// MidSide measures full-band mid and side RMS.
func (p *Prober) MidSide(ctx context.Context, path string) (MidSideReport, error) {
	mid, err := p.BandRMS(ctx, path, Band{}, midPan)
	if err != nil {
		return MidSideReport{}, err
	}
	side, err := p.BandRMS(ctx, path, Band{}, sidePan)
	if err != nil {
		return MidSideReport{}, err
	}
	return MidSideReport{MidRMSDB: mid, SideRMSDB: side}, nil
}

// Correlation streams the decoded file twice: full band and 20-120 Hz.
func (p *Prober) Correlation(ctx context.Context, path string) (CorrelationReport, error) {
	whole := NewCorrelation()
	if err := p.stream(ctx, path, p.analysisRate, "", whole); err != nil {
		return CorrelationReport{}, err
	}
	lowBand := NewCorrelation()
	lowFilter := fmt.Sprintf("highpass=f=%d,lowpass=f=%d", lowBandLowHz, lowBandHighHz)
	if err := p.stream(ctx, path, p.analysisRate, lowFilter, lowBand); err != nil {
		return CorrelationReport{}, err
	}
	return CorrelationReport{Whole: whole.Result(), LowBand: lowBand.Result()}, nil
}

// Overshoots decodes at the oversampled rate and returns windows above -1 dBTP.
func (p *Prober) Overshoots(ctx context.Context, path string) ([]OvershootEvent, error) {
	detector := NewOvershootDetector(p.oversampleRate, overshootWindowSeconds, overshootThresholdDBTP)
	if err := p.stream(ctx, path, p.oversampleRate, "", detector); err != nil {
		return nil, err
	}
	return detector.Events(), nil
}

// Transients computes short-window punch statistics.
func (p *Prober) Transients(ctx context.Context, path string) (TransientReport, error) {
	analyzer := NewTransientAnalyzer(p.analysisRate, transientWindowSeconds)
	if err := p.stream(ctx, path, p.analysisRate, "", analyzer); err != nil {
		return TransientReport{}, err
	}
	return analyzer.Report(), nil
}

// Transcode encodes the deliverable MP3 at the given bitrate.
func (p *Prober) Transcode(ctx context.Context, inputPath, outputPath string, bitrateKbps int) error {
	_, err := p.runner.Run(ctx, p.ffmpeg,
		"-hide_banner", "-nostdin", "-v", "error", "-y",
		"-i", inputPath,
		"-vn", "-c:a", "libmp3lame", "-b:a", strconv.Itoa(bitrateKbps)+"k",
		outputPath)
	return err
}

// CodecRoundTrip encodes the file with preset next to the input, remeasures its true
// peak and overshoot count, and removes the encoded copy.
func (p *Prober) CodecRoundTrip(ctx context.Context, path string, preset CodecPreset) (CodecRoundTrip, error) {
	settings, ok := codecPresets[preset]
	if !ok {
		return CodecRoundTrip{}, fmt.Errorf("probe: unknown codec preset %q", preset)
	}
	encodedPath := strings.TrimSuffix(path, filepath.Ext(path)) + "." + string(preset) + settings.extension
	defer func() {
		if err := os.Remove(encodedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("codec round trip cleanup failed", zap.String("path", encodedPath), zap.Error(err))
		}
	}()

	if _, err := p.runner.Run(ctx, p.ffmpeg,
		"-hide_banner", "-nostdin", "-v", "error", "-y",
		"-i", path,
		"-vn", "-c:a", settings.codec, "-b:a", settings.bitrate,
		encodedPath); err != nil {
		return CodecRoundTrip{}, err
	}

	loudness, err := p.Loudness(ctx, encodedPath)
	if err != nil {
		return CodecRoundTrip{}, err
	}
	detector := NewOvershootDetector(p.oversampleRate, overshootWindowSeconds, overshootMediumDBTP)
	if err := p.stream(ctx, encodedPath, p.oversampleRate, "", detector); err != nil {
		return CodecRoundTrip{}, err
	}
	return CodecRoundTrip{
		Preset:         preset,
		PostTruePeak:   loudness.TruePeak,
		OvershootCount: len(detector.Events()),
	}, nil
}

func (p *Prober) summaryArgs(path, filter string) []string {
	return []string{"-hide_banner", "-nostats", "-nostdin", "-vn", "-i", path, "-af", filter, "-f", "null", "-"}
}

func (p *Prober) astats(ctx context.Context, path, chain string) (AstatsReport, error) {
	filter := "astats"
	if chain != "" {
		filter = chain + "," + filter
	}
	output, err := p.runner.Run(ctx, p.ffmpeg, p.summaryArgs(path, filter)...)
	if err != nil {
		return AstatsReport{}, err
	}
	return ParseAstats(output.Text()), nil
}

func (p *Prober) stream(ctx context.Context, path string, sampleRate int, filter string, sinks ...FrameSink) error {
	args := []string{"-hide_banner", "-nostdin", "-v", "error", "-i", path, "-vn"}
	if filter != "" {
		args = append(args, "-af", filter)
	}
	args = append(args,
		"-ac", strconv.Itoa(stereoChannels),
		"-ar", strconv.Itoa(sampleRate),
		"-f", "f32le", "-acodec", "pcm_f32le", "-")
	return p.runner.Stream(ctx, func(reader io.Reader) error {
		_, err := ReadStereoFrames(reader, sinks...)
		return err
	}, p.ffmpeg, args...)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
