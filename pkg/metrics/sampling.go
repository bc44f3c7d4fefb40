package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards roughly rate of the events it sees.
// Latency events are sampled; counters listed in keep always pass.
type SamplingObserver struct {
	inner       Observer
	rate        float64
	sampleEvery uint64
	counter     atomic.Uint64
	keep        map[string]struct{}
}

func NewSamplingObserver(inner Observer, rate float64, keep ...string) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	switch rate {
	case 0:
		every = 0
	case 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	k := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		k[name] = struct{}{}
	}
	return &SamplingObserver{inner: OrNoop(inner), rate: rate, sampleEvery: every, keep: k}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if _, ok := s.keep[ev.Name]; ok {
		s.inner.RecordEvent(ev)
		return
	}
	if s.rate == 0 {
		return
	}
	if s.sampleEvery <= 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.counter.Add(1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
