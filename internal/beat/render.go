package beat

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"time"
)

// Render synthesizes bars of style at bpm as mono 16-bit little-endian PCM.
// The kick is a falling sine, the snare and hihat are filtered noise bursts.
func Render(style Style, bpm, bars, sampleRate int) ([]byte, error) {
	pattern, err := PatternFor(style)
	if err != nil {
		return nil, err
	}
	if bars < 1 {
		bars = 1
	}

	step := StepDuration(bpm)
	stepSamples := int(step.Seconds() * float64(sampleRate))
	mix := make([]float64, stepSamples*Steps*bars)
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < Steps*bars; i++ {
		offset := i * stepSamples
		for _, v := range pattern.Voices(i) {
			switch v {
			case Kick:
				addKick(mix[offset:], sampleRate)
			case Snare:
				addNoise(mix[offset:], sampleRate, 200*time.Millisecond, 1, rng)
			case Hihat:
				addNoise(mix[offset:], sampleRate, 50*time.Millisecond, 2, rng)
			}
		}
	}

	out := make([]byte, len(mix)*2)
	for i, s := range mix {
		s = math.Max(-1, math.Min(1, s*0.5))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*math.MaxInt16)))
	}
	return out, nil
}

// decay returns the gain of an exponential ramp from 1 to 0.01 over length.
func decay(t, length float64) float64 {
	return math.Pow(0.01, t/length)
}

func addKick(buf []float64, sampleRate int) {
	const length = 0.5
	n := min(len(buf), int(length*float64(sampleRate)))
	phase := 0.0
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		freq := 150 * math.Pow(0.01/150, t/length)
		phase += 2 * math.Pi * freq / float64(sampleRate)
		buf[i] += math.Sin(phase) * decay(t, length)
	}
}

// addNoise adds a decaying noise burst. Each differencing pass acts as a
// crude high-pass filter.
func addNoise(buf []float64, sampleRate int, length time.Duration, passes int, rng *rand.Rand) {
	n := min(len(buf), int(length.Seconds()*float64(sampleRate)))
	noise := make([]float64, n)
	for i := range noise {
		noise[i] = rng.Float64()*2 - 1
	}
	for range passes {
		prev := 0.0
		for i, s := range noise {
			noise[i], prev = (s-prev)/2, s
		}
	}
	for i, s := range noise {
		buf[i] += s * decay(float64(i)/float64(sampleRate), length.Seconds())
	}
}
