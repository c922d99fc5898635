package structure

import (
	"math"
	"sort"
)

const (
	peakMinimumEnergy   = 0.75
	peakWindowSeconds   = 3.0
	peakContrastSeconds = 8.0
	peakContrastSpan    = 0.5
	peakSustainSeconds  = 4.0
	peakDedupSeconds    = 2.0

	buildMinimumSeconds = 2.0
	breakSearchSeconds  = 6.0
	breakEnterEnergy    = 0.45
	breakExitEnergy     = 0.55
	breakMaximumSeconds = 16.0
	edgeLowEnergy       = 0.4
	relabelBuildEnergy  = 0.5

	timeTolerance = 1e-6
)

// SectionType labels an arrangement section.
type SectionType string

const (
	SectionIntro SectionType = "intro"
	SectionBuild SectionType = "build"
	SectionDrop  SectionType = "drop"
	SectionBreak SectionType = "break"
	SectionOutro SectionType = "outro"
)

var sectionOrder = map[SectionType]int{
	SectionIntro: 0,
	SectionBuild: 1,
	SectionDrop:  2,
	SectionBreak: 3,
	SectionOutro: 4,
}

// Section is a span of the curve. Drops are point events carrying an impact score;
// every other type is a range carrying its mean energy.
type Section struct {
	Type         SectionType `json:"type"`
	StartSeconds float64     `json:"start_s"`
	EndSeconds   float64     `json:"end_s"`
	MeanEnergy   float64     `json:"mean_energy"`
	Impact       float64     `json:"impact,omitempty"`
}

// IsRange reports whether the section spans time rather than marking an instant.
func (s Section) IsRange() bool {
	return s.Type != SectionDrop
}

func detectPeaks(curve []EnergyPoint) []Peak {
	var candidates []Peak
	for index, point := range curve {
		if point.Energy < peakMinimumEnergy || !isLocalMax(curve, index) {
			continue
		}
		preceding, hasPreceding := meanEnergy(curve, point.TimeSeconds-peakContrastSeconds, point.TimeSeconds, true, false)
		if !hasPreceding {
			preceding = 0
		}
		following, hasFollowing := meanEnergy(curve, point.TimeSeconds, point.TimeSeconds+peakSustainSeconds, false, true)
		sustain := 0.0
		if hasFollowing && point.Energy > 0 {
			sustain = clamp01(following / point.Energy)
		}
		contrast := clamp01((point.Energy - preceding) / peakContrastSpan)
		candidates = append(candidates, Peak{
			TimeSeconds: point.TimeSeconds,
			Energy:      point.Energy,
			Score:       0.5*point.Energy + 0.3*contrast + 0.2*sustain,
		})
	}

	var peaks []Peak
	for _, candidate := range candidates {
		last := len(peaks) - 1
		if last >= 0 && candidate.TimeSeconds-peaks[last].TimeSeconds < peakDedupSeconds {
			if candidate.Score > peaks[last].Score {
				peaks[last] = candidate
			}
			continue
		}
		peaks = append(peaks, candidate)
	}
	return peaks
}

// isLocalMax requires the point to beat every earlier point in the window and to be
// beaten by no later one. A plateau of normalized energy therefore reports its
// first point instead of none.
func isLocalMax(curve []EnergyPoint, index int) bool {
	center := curve[index]
	for cursor := index - 1; cursor >= 0 && center.TimeSeconds-curve[cursor].TimeSeconds <= peakWindowSeconds; cursor-- {
		if curve[cursor].Energy >= center.Energy {
			return false
		}
	}
	for cursor := index + 1; cursor < len(curve) && curve[cursor].TimeSeconds-center.TimeSeconds <= peakWindowSeconds; cursor++ {
		if curve[cursor].Energy > center.Energy {
			return false
		}
	}
	return true
}

func indexOf(curve []EnergyPoint, seconds float64) int {
	return sort.Search(len(curve), func(i int) bool { return curve[i].TimeSeconds >= seconds-timeTolerance })
}

func deriveSections(curve []EnergyPoint, peaks []Peak) []Section {
	var sections []Section
	rangeSection := func(kind SectionType, start, end float64) {
		if end-start <= timeTolerance {
			return
		}
		mean, _ := meanEnergy(curve, start, end, true, true)
		sections = append(sections, Section{Type: kind, StartSeconds: start, EndSeconds: end, MeanEnergy: mean})
	}

	for _, peak := range peaks {
		peakIndex := indexOf(curve, peak.TimeSeconds)

		start := peakIndex
		for start > 0 && curve[start-1].Energy < curve[start].Energy {
			start--
		}
		if peak.TimeSeconds-curve[start].TimeSeconds >= buildMinimumSeconds {
			rangeSection(SectionBuild, curve[start].TimeSeconds, peak.TimeSeconds)
		}

		preceding, ok := meanEnergy(curve, peak.TimeSeconds-peakContrastSeconds, peak.TimeSeconds, true, false)
		if !ok {
			preceding = 0
		}
		sections = append(sections, Section{
			Type:         SectionDrop,
			StartSeconds: peak.TimeSeconds,
			EndSeconds:   peak.TimeSeconds,
			MeanEnergy:   peak.Energy,
			Impact:       clamp01(peak.Energy - preceding),
		})

		if breakStart, found := breakEntry(curve, peakIndex, peak.TimeSeconds); found {
			rangeSection(SectionBreak, curve[breakStart].TimeSeconds, breakExit(curve, breakStart))
		}
	}

	leading := 0
	for leading < len(curve) && curve[leading].Energy < edgeLowEnergy {
		leading++
	}
	if leading > 0 {
		end := curve[len(curve)-1].TimeSeconds
		if leading < len(curve) {
			end = curve[leading].TimeSeconds
		}
		rangeSection(SectionIntro, curve[0].TimeSeconds, end)
	}

	trailing := len(curve)
	for trailing > 0 && curve[trailing-1].Energy < edgeLowEnergy {
		trailing--
	}
	if trailing < len(curve) && trailing > 0 {
		rangeSection(SectionOutro, curve[trailing].TimeSeconds, curve[len(curve)-1].TimeSeconds)
	}
	return sections
}

func breakEntry(curve []EnergyPoint, peakIndex int, peakSeconds float64) (int, bool) {
	for cursor := peakIndex + 1; cursor < len(curve); cursor++ {
		if curve[cursor].TimeSeconds-peakSeconds > breakSearchSeconds {
			break
		}
		if curve[cursor].Energy < breakEnterEnergy {
			return cursor, true
		}
	}
	return 0, false
}

func breakExit(curve []EnergyPoint, startIndex int) float64 {
	startSeconds := curve[startIndex].TimeSeconds
	limit := startSeconds + breakMaximumSeconds
	for cursor := startIndex + 1; cursor < len(curve); cursor++ {
		if curve[cursor].TimeSeconds >= limit {
			return limit
		}
		if curve[cursor].Energy > breakExitEnergy {
			return curve[cursor].TimeSeconds
		}
	}
	return curve[len(curve)-1].TimeSeconds
}

// sequence applies the arrangement rules: intro only first, outro only last, no build
// after the first drop, adjacent same-type ranges merged, identical sections removed.
func sequence(sections []Section, curve []EnergyPoint) []Section {
	ordered := append([]Section(nil), sections...)
	sortSections(ordered)

	firstDrop := math.Inf(1)
	for _, section := range ordered {
		if section.Type == SectionDrop && section.StartSeconds < firstDrop {
			firstDrop = section.StartSeconds
		}
	}

	for index := range ordered {
		section := &ordered[index]
		switch {
		case section.Type == SectionIntro && index != 0:
			section.Type = relabel(section.MeanEnergy)
		case section.Type == SectionOutro && index != len(ordered)-1:
			section.Type = relabel(section.MeanEnergy)
		}
		if section.Type == SectionBuild && section.StartSeconds > firstDrop+timeTolerance {
			section.Type = SectionBreak
		}
	}
	sortSections(ordered)

	merged := make([]Section, 0, len(ordered))
	for _, section := range ordered {
		last := len(merged) - 1
		if last >= 0 && section.IsRange() && merged[last].Type == section.Type {
			merged[last].StartSeconds = math.Min(merged[last].StartSeconds, section.StartSeconds)
			merged[last].EndSeconds = math.Max(merged[last].EndSeconds, section.EndSeconds)
			merged[last].MeanEnergy, _ = meanEnergy(curve, merged[last].StartSeconds, merged[last].EndSeconds, true, true)
			continue
		}
		merged = append(merged, section)
	}

	unique := merged[:0]
	for _, section := range merged {
		duplicate := false
		for _, existing := range unique {
			if sameSection(existing, section) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			unique = append(unique, section)
		}
	}
	return unique
}

func relabel(meanEnergy float64) SectionType {
	if meanEnergy >= relabelBuildEnergy {
		return SectionBuild
	}
	return SectionBreak
}

func sortSections(sections []Section) {
	sort.SliceStable(sections, func(i, j int) bool {
		if math.Abs(sections[i].StartSeconds-sections[j].StartSeconds) > timeTolerance {
			return sections[i].StartSeconds < sections[j].StartSeconds
		}
		return sectionOrder[sections[i].Type] < sectionOrder[sections[j].Type]
	})
}

func sameSection(a, b Section) bool {
	return a.Type == b.Type &&
		math.Abs(a.StartSeconds-b.StartSeconds) <= timeTolerance &&
		math.Abs(a.EndSeconds-b.EndSeconds) <= timeTolerance
}
