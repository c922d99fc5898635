package probe

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

const (
	stereoChannels  = 2
	bytesPerSample  = 4
	bytesPerFrame   = stereoChannels * bytesPerSample
	framesPerRead   = 8192
	readBufferBytes = framesPerRead * bytesPerFrame
)

// FrameSink consumes interleaved stereo frames.
type FrameSink interface {
	AddFrame(left, right float64)
	Finish()
}

// ReadStereoFrames decodes little-endian float32 interleaved stereo PCM from reader
// and feeds every finite frame to the sinks. A trailing partial frame is dropped.
// Finish is called on every sink once the stream ends.
func ReadStereoFrames(reader io.Reader, sinks ...FrameSink) (int64, error) {
	buffer := make([]byte, readBufferBytes)
	var frames int64
	for {
		read, err := io.ReadFull(reader, buffer)
		usable := read - read%bytesPerFrame
		for offset := 0; offset < usable; offset += bytesPerFrame {
			left := float64(math.Float32frombits(binary.LittleEndian.Uint32(buffer[offset:])))
			right := float64(math.Float32frombits(binary.LittleEndian.Uint32(buffer[offset+bytesPerSample:])))
			if !finite(left) || !finite(right) {
				continue
			}
			frames++
			for _, sink := range sinks {
				sink.AddFrame(left, right)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return frames, err
		}
	}
	for _, sink := range sinks {
		sink.Finish()
	}
	return frames, nil
}

func finite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

// Window summarizes one fixed-size block of frames.
type Window struct {
	Index        int
	Frames       int
	StartSeconds float64
	EndSeconds   float64
	// PeakAbs is the largest absolute sample across both channels.
	PeakAbs float64
	// MonoPeak and MonoSumSquares are computed on (L+R)/2.
	MonoPeak       float64
	MonoSumSquares float64
}

// MonoRMS returns the RMS of the mono downmix.
func (w Window) MonoRMS() float64 {
	if w.Frames == 0 {
		return 0
	}
	return math.Sqrt(w.MonoSumSquares / float64(w.Frames))
}

// windower splits a frame stream into non-overlapping windows of a fixed frame count
// and emits each one, including the trailing partial window.
type windower struct {
	sampleRate int
	size       int
	current    Window
	emit       func(Window)
}

func newWindower(sampleRate int, windowSeconds float64, emit func(Window)) *windower {
	size := int(math.Round(float64(sampleRate) * windowSeconds))
	if size < 1 {
		size = 1
	}
	return &windower{sampleRate: sampleRate, size: size, emit: emit}
}

func (w *windower) AddFrame(left, right float64) {
	if w.current.Frames == 0 {
		w.current.StartSeconds = float64(w.current.Index*w.size) / float64(w.sampleRate)
	}
	absLeft, absRight := math.Abs(left), math.Abs(right)
	if absLeft > w.current.PeakAbs {
		w.current.PeakAbs = absLeft
	}
	if absRight > w.current.PeakAbs {
		w.current.PeakAbs = absRight
	}
	mono := (left + right) / 2
	if math.Abs(mono) > w.current.MonoPeak {
		w.current.MonoPeak = math.Abs(mono)
	}
	w.current.MonoSumSquares += mono * mono
	w.current.Frames++
	if w.current.Frames == w.size {
		w.flush()
	}
}

func (w *windower) Finish() {
	if w.current.Frames > 0 {
		w.flush()
	}
}

func (w *windower) flush() {
	window := w.current
	window.EndSeconds = window.StartSeconds + float64(window.Frames)/float64(w.sampleRate)
	w.emit(window)
	w.current = Window{Index: window.Index + 1}
}
