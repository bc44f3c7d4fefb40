// Package audio holds the small amount of PCM16 handling the voice path needs.
package audio

import (
	"encoding/binary"
	"errors"
	"time"
)

const (
	DefaultSampleRate   = 24000
	DefaultChunkSamples = 480
)

var ErrOddLength = errors.New("audio: pcm16 payload has odd length")

// Segment is mono signed 16-bit PCM at SampleRate.
type Segment struct {
	SampleRate int
	Samples    []int16
}

func (s Segment) Len() int { return len(s.Samples) }

func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}

// Decode reads little-endian PCM16 bytes.
func Decode(b []byte, sampleRate int) (Segment, error) {
	if len(b)%2 != 0 {
		return Segment{}, ErrOddLength
	}
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return Segment{SampleRate: sampleRate, Samples: samples}, nil
}

// Encode writes samples as little-endian PCM16 bytes.
func Encode(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Chunks splits samples into runs of at most size samples.
func Chunks(samples []int16, size int) [][]int16 {
	if size <= 0 {
		size = DefaultChunkSamples
	}
	var out [][]int16
	for start := 0; start < len(samples); start += size {
		end := min(start+size, len(samples))
		out = append(out, samples[start:end])
	}
	return out
}

// Silence returns d worth of zero samples at sampleRate.
func Silence(sampleRate int, d time.Duration) Segment {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	n := int(time.Duration(sampleRate) * d / time.Second)
	return Segment{SampleRate: sampleRate, Samples: make([]int16, n)}
}

// Resample converts s to rate by linear interpolation.
func Resample(s Segment, rate int) Segment {
	if rate <= 0 || s.SampleRate <= 0 || s.SampleRate == rate || len(s.Samples) == 0 {
		if rate > 0 {
			s.SampleRate = rate
		}
		return s
	}
	n := int(int64(len(s.Samples)) * int64(rate) / int64(s.SampleRate))
	if n == 0 {
		return Segment{SampleRate: rate}
	}
	out := make([]int16, n)
	step := float64(s.SampleRate) / float64(rate)
	last := len(s.Samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = s.Samples[last]
			continue
		}
		frac := pos - float64(idx)
		a, b := float64(s.Samples[idx]), float64(s.Samples[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return Segment{SampleRate: rate, Samples: out}
}
