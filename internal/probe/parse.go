package probe

import (
	"bufio"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// absoluteGateLUFS mirrors the EBU R128 absolute gate; short-term readings below it
// are warm-up or digital silence and carry no structural information.
const absoluteGateLUFS = -70.0

const numberPattern = `(-?(?:\d+(?:\.\d*)?|\.\d+)(?:[eE][-+]?\d+)?|-?inf|nan)`

var (
	durationPattern = regexp.MustCompile(`(?m)^\s*(?:duration=)?` + numberPattern + `\s*$`)

	summaryIntegratedPattern = regexp.MustCompile(`\bI:\s*` + numberPattern + `\s*LUFS`)
	summaryRangePattern      = regexp.MustCompile(`\bLRA:\s*` + numberPattern + `\s*LU\b`)
	summaryPeakPattern       = regexp.MustCompile(`\bPeak:\s*` + numberPattern + `\s*dBFS`)
	frameTimePattern         = regexp.MustCompile(`\bt:\s*` + numberPattern)
	frameShortTermPattern    = regexp.MustCompile(`\bS:\s*` + numberPattern)
	frameTruePeakPattern     = regexp.MustCompile(`\bTPK:\s*` + numberPattern + `(?:\s+` + numberPattern + `)?\s*dBFS`)

	volumeMaxPattern  = regexp.MustCompile(`max_volume:\s*` + numberPattern + `\s*dB`)
	volumeMeanPattern = regexp.MustCompile(`mean_volume:\s*` + numberPattern + `\s*dB`)

	logPrefixPattern = regexp.MustCompile(`^\[[^\]]*\]\s*`)

	silenceStartPattern = regexp.MustCompile(`silence_start:\s*` + numberPattern)
	silenceEndPattern   = regexp.MustCompile(`silence_end:\s*` + numberPattern)
)

// TimelinePoint is one short-term loudness reading.
type TimelinePoint struct {
	TimeSeconds float64 `json:"t"`
	LUFS        float64 `json:"lufs"`
}

// EBUR128Report holds the loudness family parsed from one ebur128 run.
type EBUR128Report struct {
	Integrated Value
	Range      Value
	TruePeak   Value
	Timeline   []TimelinePoint
}

// VolumeReport holds volumedetect output.
type VolumeReport struct {
	Max  Value
	Mean Value
}

// AstatsReport holds astats key/value pairs, per channel and overall.
type AstatsReport struct {
	Channels []map[string]Value
	Overall  map[string]Value
}

// Get returns an overall statistic.
func (r AstatsReport) Get(key string) Value {
	if r.Overall == nil {
		return None()
	}
	value, ok := r.Overall[key]
	if !ok {
		return None()
	}
	return value
}

// SilenceSpan is a detected silence run.
type SilenceSpan struct {
	StartSeconds float64 `json:"start_s"`
	EndSeconds   float64 `json:"end_s"`
}

// Duration returns the span length.
func (s SilenceSpan) Duration() float64 {
	return s.EndSeconds - s.StartSeconds
}

// SilenceReport aggregates the detected silence spans.
type SilenceReport struct {
	Spans          []SilenceSpan
	TotalSeconds   float64
	LongestSeconds float64
}

func parseToken(token string) Value {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(token), 64)
	if err != nil {
		return None()
	}
	return Some(parsed)
}

// lastFinite returns the last finite capture of pattern in text.
func lastFinite(pattern *regexp.Regexp, text string) Value {
	matches := pattern.FindAllStringSubmatch(text, -1)
	for index := len(matches) - 1; index >= 0; index-- {
		if value := parseToken(matches[index][1]); value.Present() {
			return value
		}
	}
	return None()
}

// ParseDuration reads the container duration printed by ffprobe.
func ParseDuration(text string) Value {
	return lastFinite(durationPattern, text)
}

// ParseEBUR128 parses the summary block and the per-frame log of the ebur128 filter.
// When the summary is missing the last frame values are used, and the true peak falls
// back to the maximum per-frame reading.
func ParseEBUR128(text string) EBUR128Report {
	report := EBUR128Report{}

	frames := text
	summary := ""
	if index := strings.LastIndex(text, "Summary:"); index >= 0 {
		frames = text[:index]
		summary = text[index:]
	}

	var frameTruePeak Value
	scanner := bufio.NewScanner(strings.NewReader(frames))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		timeMatch := frameTimePattern.FindStringSubmatch(line)
		if timeMatch == nil {
			continue
		}
		if shortTerm := frameShortTermPattern.FindStringSubmatch(line); shortTerm != nil {
			timeValue := parseToken(timeMatch[1])
			loudness := parseToken(shortTerm[1])
			seconds, timeOK := timeValue.Get()
			lufs, lufsOK := loudness.Get()
			if timeOK && lufsOK && lufs > absoluteGateLUFS {
				report.Timeline = append(report.Timeline, TimelinePoint{TimeSeconds: seconds, LUFS: lufs})
			}
		}
		if peak := frameTruePeakPattern.FindStringSubmatch(line); peak != nil {
			for _, token := range peak[1:] {
				value := parseToken(token)
				candidate, ok := value.Get()
				if !ok {
					continue
				}
				if current, present := frameTruePeak.Get(); !present || candidate > current {
					frameTruePeak = value
				}
			}
		}
	}

	if summary != "" {
		report.Integrated = lastFinite(summaryIntegratedPattern, summary)
		report.Range = lastFinite(summaryRangePattern, summary)
		report.TruePeak = lastFinite(summaryPeakPattern, summary)
	}
	if !report.Integrated.Present() {
		report.Integrated = lastFinite(summaryIntegratedPattern, frames)
	}
	if !report.Range.Present() {
		report.Range = lastFinite(summaryRangePattern, frames)
	}
	if !report.TruePeak.Present() {
		report.TruePeak = frameTruePeak
	}

	sort.SliceStable(report.Timeline, func(i, j int) bool {
		return report.Timeline[i].TimeSeconds < report.Timeline[j].TimeSeconds
	})
	return report
}

// ParseVolumeDetect parses volumedetect output.
func ParseVolumeDetect(text string) VolumeReport {
	return VolumeReport{
		Max:  lastFinite(volumeMaxPattern, text),
		Mean: lastFinite(volumeMeanPattern, text),
	}
}

// ParseAstats parses astats output into per-channel and overall sections.
// Keys are lower-cased with spaces replaced by underscores ("rms_level_db").
func ParseAstats(text string) AstatsReport {
	report := AstatsReport{}
	var current map[string]Value

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(logPrefixPattern.ReplaceAllString(scanner.Text(), ""))
		switch {
		case strings.HasPrefix(line, "Channel:"):
			current = map[string]Value{}
			report.Channels = append(report.Channels, current)
			continue
		case line == "Overall":
			current = map[string]Value{}
			report.Overall = current
			continue
		}
		if current == nil {
			continue
		}
		separator := strings.LastIndex(line, ":")
		if separator <= 0 {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(line[:separator]), " ", "_"))
		value := parseToken(line[separator+1:])
		if value.Present() {
			current[key] = value
		}
	}
	return report
}

// ParseSilence pairs silencedetect start/end markers. A run still open at the end
// of the stream is closed at durationSeconds.
func ParseSilence(text string, durationSeconds float64) SilenceReport {
	report := SilenceReport{}
	var start *float64

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if match := silenceStartPattern.FindStringSubmatch(line); match != nil {
			if value, ok := parseToken(match[1]).Get(); ok {
				startValue := value
				if startValue < 0 {
					startValue = 0
				}
				start = &startValue
			}
		}
		if match := silenceEndPattern.FindStringSubmatch(line); match != nil && start != nil {
			if end, ok := parseToken(match[1]).Get(); ok && end >= *start {
				report.add(SilenceSpan{StartSeconds: *start, EndSeconds: end})
			}
			start = nil
		}
	}
	if start != nil && durationSeconds > *start {
		report.add(SilenceSpan{StartSeconds: *start, EndSeconds: durationSeconds})
	}
	return report
}

func (r *SilenceReport) add(span SilenceSpan) {
	r.Spans = append(r.Spans, span)
	length := span.Duration()
	r.TotalSeconds += length
	if length > r.LongestSeconds {
		r.LongestSeconds = length
	}
}
