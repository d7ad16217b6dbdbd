// Package dsp conditions synthesized PCM before it reaches the device:
// speaker-protecting high-pass, optional gain, and downsampling to the
// device playback rate.
package dsp

import (
	"errors"
	"math"
)

// ErrUpsample reports a synthesis rate below the device playback rate.
var ErrUpsample = errors.New("upsampling is not supported for playback")

// HighPass is a first-order high-pass filter with int16 clamping. State
// carries across calls so a stream can be filtered chunk by chunk.
type HighPass struct {
	alpha      float64
	prevInput  float64
	prevOutput float64
}

// NewHighPass builds a filter for the given cutoff at the given rate.
func NewHighPass(cutoffHz float64, sampleRate int) *HighPass {
	rc := 1.0 / (2.0 * math.Pi * cutoffHz)
	dt := 1.0 / float64(sampleRate)
	return &HighPass{alpha: rc / (rc + dt)}
}

func (f *HighPass) Reset() {
	f.prevInput = 0
	f.prevOutput = 0
}

// Process filters samples in place.
func (f *HighPass) Process(samples []int16) {
	for i, s := range samples {
		in := float64(s)
		out := f.alpha * (f.prevOutput + in - f.prevInput)
		f.prevInput = in
		f.prevOutput = out
		samples[i] = clamp(math.Round(out))
	}
}

// ApplyGain scales samples in place by the given decibel gain with
// int16 clamping. Zero gain is a no-op.
func ApplyGain(samples []int16, gainDB float64) {
	if gainDB == 0 {
		return
	}
	factor := math.Pow(10, gainDB/20)
	for i, s := range samples {
		samples[i] = clamp(math.Round(float64(s) * factor))
	}
}

// Resample linearly interpolates samples from srcRate down to dstRate.
// Equal rates return the input unchanged; upsampling is rejected.
func Resample(samples []int16, srcRate, dstRate int) ([]int16, error) {
	if dstRate <= 0 || srcRate == dstRate {
		return samples, nil
	}
	if dstRate > srcRate {
		return nil, ErrUpsample
	}
	if len(samples) == 0 {
		return samples, nil
	}

	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(samples)) / ratio)
	if outLen < 1 {
		outLen = 1
	}
	out := make([]int16, outLen)
	for i := range out {
		pos := float64(i) * ratio
		left := int(math.Floor(pos))
		right := left + 1
		if right >= len(samples) {
			right = len(samples) - 1
		}
		if right == left {
			out[i] = samples[left]
			continue
		}
		frac := pos - float64(left)
		out[i] = int16(math.Round(float64(samples[left]) + float64(samples[right]-samples[left])*frac))
	}
	return out, nil
}

func clamp(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
