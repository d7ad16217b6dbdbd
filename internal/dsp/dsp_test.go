package dsp

import (
	"errors"
	"math"
	"testing"
)

func TestHighPassRemovesDC(t *testing.T) {
	f := NewHighPass(250, 16000)

	in := make([]int16, 1600)
	for i := range in {
		in[i] = 1000
	}
	f.Process(in)

	// A constant offset must decay toward zero.
	tail := in[len(in)-100:]
	for _, s := range tail {
		if s > 50 || s < -50 {
			t.Fatalf("DC offset not attenuated: tail sample %d", s)
		}
	}
}

func TestHighPassPassesHighFrequency(t *testing.T) {
	f := NewHighPass(250, 16000)

	in := make([]int16, 1600)
	for i := range in {
		in[i] = int16(8000 * math.Sin(2*math.Pi*2000*float64(i)/16000))
	}
	f.Process(in)

	var peak int16
	for _, s := range in[800:] {
		if s > peak {
			peak = s
		}
	}
	if peak < 6000 {
		t.Errorf("2 kHz tone attenuated too much: peak %d", peak)
	}
}

func TestHighPassStateSpansChunks(t *testing.T) {
	whole := NewHighPass(250, 16000)
	chunked := NewHighPass(250, 16000)

	src := make([]int16, 640)
	for i := range src {
		src[i] = int16(4000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}

	a := make([]int16, len(src))
	copy(a, src)
	whole.Process(a)

	b := make([]int16, len(src))
	copy(b, src)
	chunked.Process(b[:256])
	chunked.Process(b[256:])

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("chunked output diverges at sample %d: %d != %d", i, b[i], a[i])
		}
	}
}

func TestApplyGain(t *testing.T) {
	samples := []int16{100, -100, 0}
	ApplyGain(samples, 6.0206) // factor very close to 2
	if samples[0] != 200 || samples[1] != -200 || samples[2] != 0 {
		t.Errorf("unexpected gain result: %v", samples)
	}
}

func TestApplyGainClamps(t *testing.T) {
	samples := []int16{30000, -30000}
	ApplyGain(samples, 12)
	if samples[0] != math.MaxInt16 {
		t.Errorf("positive overflow not clamped: %d", samples[0])
	}
	if samples[1] != math.MinInt16 {
		t.Errorf("negative overflow not clamped: %d", samples[1])
	}
}

func TestApplyGainZeroIsIdentity(t *testing.T) {
	samples := []int16{123, -456}
	ApplyGain(samples, 0)
	if samples[0] != 123 || samples[1] != -456 {
		t.Errorf("zero gain mutated samples: %v", samples)
	}
}

func TestResampleDownsamples(t *testing.T) {
	src := make([]int16, 22050)
	for i := range src {
		src[i] = int16(i % 1000)
	}
	out, err := Resample(src, 22050, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	want := int(float64(len(src)) * 16000 / 22050)
	if len(out) != want {
		t.Errorf("expected %d samples, got %d", want, len(out))
	}
}

func TestResampleSameRatePassthrough(t *testing.T) {
	src := []int16{1, 2, 3}
	out, err := Resample(src, 16000, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if &out[0] != &src[0] {
		t.Error("same-rate resample should return input unchanged")
	}
}

func TestResampleRejectsUpsampling(t *testing.T) {
	_, err := Resample([]int16{1, 2, 3}, 16000, 22050)
	if !errors.Is(err, ErrUpsample) {
		t.Fatalf("expected ErrUpsample, got %v", err)
	}
}
