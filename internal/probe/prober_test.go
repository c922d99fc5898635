package probe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	name string
	args []string
}

// scriptedRunner answers Run calls by matching a filter fragment and Stream calls
// with a fixed PCM payload.
type scriptedRunner struct {
	mu        sync.Mutex
	responses map[string]Output
	pcm       []byte
	failOn    string
	calls     []recordedCall
}

func (r *scriptedRunner) record(name string, args []string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{name: name, args: append([]string(nil), args...)})
	return strings.Join(args, " ")
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) (Output, error) {
	joined := r.record(name, args)
	if r.failOn != "" && strings.Contains(joined, r.failOn) {
		return Output{}, errors.Join(ErrToolchain, errors.New("exit status 1"))
	}
	for fragment, output := range r.responses {
		if strings.Contains(joined, fragment) {
			return output, nil
		}
	}
	return Output{}, nil
}

func (r *scriptedRunner) Stream(_ context.Context, consume func(io.Reader) error, name string, args ...string) error {
	joined := r.record(name, args)
	if r.failOn != "" && strings.Contains(joined, r.failOn) {
		return errors.Join(ErrToolchain, errors.New("exit status 1"))
	}
	return consume(bytes.NewReader(r.pcm))
}

func TestProberDurationReadsFfprobeStdout(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]Output{
		"format=duration": {Stdout: []byte("201.5\n")},
	}}
	prober := NewProber(Config{Runner: runner, FFprobePath: "/opt/ffprobe"})

	duration, err := prober.Duration(context.Background(), "/tmp/master.wav")
	require.NoError(t, err)
	require.InDelta(t, 201.5, duration, 1e-9)
	require.Equal(t, "/opt/ffprobe", runner.calls[0].name)
}

func TestProberDurationMissingIsAnError(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]Output{
		"format=duration": {Stdout: []byte("N/A\n")},
	}}
	prober := NewProber(Config{Runner: runner})

	_, err := prober.Duration(context.Background(), "/tmp/master.wav")
	require.ErrorIs(t, err, ErrMissingDuration)
}

func TestProberClippedSamplesRequiresFullScalePeak(t *testing.T) {
	testCases := []struct {
		name     string
		output   string
		expected Value
	}{
		{
			name:     "full scale peak counts",
			output:   "Overall\nPeak level dB: 0.000000\nPeak count: 37.000000\n",
			expected: Some(37),
		},
		{
			name:     "peak below full scale",
			output:   "Overall\nPeak level dB: -0.400000\nPeak count: 3.000000\n",
			expected: Some(0),
		},
		{
			name:     "missing statistics",
			output:   "Overall\nRMS level dB: -12.000000\n",
			expected: None(),
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			runner := &scriptedRunner{responses: map[string]Output{
				"astats": {Stderr: []byte(testCase.output)},
			}}
			prober := NewProber(Config{Runner: runner})
			clipped, err := prober.ClippedSamples(context.Background(), "/tmp/master.wav")
			require.NoError(t, err)
			require.Equal(t, testCase.expected, clipped)
		})
	}
}

func TestProberDCOffsetUsesLargestChannel(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]Output{"astats": {Stderr: []byte(astatsOutput)}}}
	prober := NewProber(Config{Runner: runner})

	offset, err := prober.DCOffset(context.Background(), "/tmp/master.wav")
	require.NoError(t, err)
	value, ok := offset.Get()
	require.True(t, ok)
	require.InDelta(t, 0.061, value, 1e-9)
}

func TestProberBandLevelsBuildsFilterChains(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]Output{
		"astats": {Stderr: []byte("Overall\nRMS level dB: -18.500000\n")},
	}}
	prober := NewProber(Config{Runner: runner})

	levels, err := prober.BandLevels(context.Background(), "/tmp/master.wav")
	require.NoError(t, err)
	require.Len(t, levels, len(DefaultBands))
	for _, level := range levels {
		value, ok := level.RMSDB.Get()
		require.True(t, ok)
		require.InDelta(t, -18.5, value, 1e-9)
	}
	require.Contains(t, strings.Join(runner.calls[0].args, " "), "pan=mono|c0=0.5*c0+0.5*c1,highpass=f=20,lowpass=f=60,astats")
}

func TestProberCorrelationStreamsTwice(t *testing.T) {
	runner := &scriptedRunner{pcm: encodeFrames(sineFrames(960, 48000, 100, 0.5, false))}
	prober := NewProber(Config{Runner: runner})

	report, err := prober.Correlation(context.Background(), "/tmp/master.wav")
	require.NoError(t, err)
	whole, ok := report.Whole.Get()
	require.True(t, ok)
	require.InDelta(t, 1.0, whole, 1e-6)
	require.True(t, report.LowBand.Present())
	require.Len(t, runner.calls, 2)
	require.Contains(t, strings.Join(runner.calls[1].args, " "), "highpass=f=20,lowpass=f=120")
}

func TestProberPropagatesToolchainFailures(t *testing.T) {
	runner := &scriptedRunner{failOn: "ebur128"}
	prober := NewProber(Config{Runner: runner})

	_, err := prober.Loudness(context.Background(), "/tmp/master.wav")
	require.ErrorIs(t, err, ErrToolchain)
}

func TestProberCodecRoundTripRemeasuresEncode(t *testing.T) {
	loud := make([][2]float64, 1920)
	for index := range loud {
		loud[index] = [2]float64{0.2, 0.2}
	}
	loud[100] = [2]float64{1.1, 0.3}
	runner := &scriptedRunner{
		responses: map[string]Output{
			"ebur128": {Stderr: []byte("Summary:\n  True peak:\n    Peak:        0.8 dBFS\n")},
		},
		pcm: encodeFrames(loud),
	}
	prober := NewProber(Config{Runner: runner, OversampleRate: 48000})

	result, err := prober.CodecRoundTrip(context.Background(), t.TempDir()+"/master.wav", CodecMP3128)
	require.NoError(t, err)
	require.Equal(t, CodecMP3128, result.Preset)
	peak, ok := result.PostTruePeak.Get()
	require.True(t, ok)
	require.InDelta(t, 0.8, peak, 1e-9)
	require.Equal(t, 1, result.OvershootCount)
	require.Contains(t, strings.Join(runner.calls[0].args, " "), "libmp3lame")
}

func TestParseCodecPresetRejectsUnknownNames(t *testing.T) {
	preset, err := ParseCodecPreset(" AAC_128 ")
	require.NoError(t, err)
	require.Equal(t, CodecAAC128, preset)

	_, err = ParseCodecPreset("opus_96")
	require.Error(t, err)
}
