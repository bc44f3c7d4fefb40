package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSamplingKeepsListedEvents(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0, EventTurnCommitted)
	Count(s, EventTurnCommitted, nil)
	Count(s, EventLLMLatency, nil)
	if mem.Count(EventTurnCommitted) != 1 {
		t.Fatalf("expected kept event to pass")
	}
	if mem.Count(EventLLMLatency) != 0 {
		t.Fatalf("expected sampled event to drop at rate 0")
	}
}

func TestSamplingEveryNth(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.5)
	for i := 0; i < 10; i++ {
		Count(s, EventLLMLatency, nil)
	}
	if got := mem.Count(EventLLMLatency); got != 5 {
		t.Fatalf("expected 5 sampled events, got %d", got)
	}
}

func TestAsyncObserverDrainsOnClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 16)
	for i := 0; i < 8; i++ {
		Count(a, EventTransitionApplied, nil)
	}
	a.Close()
	if mem.Count(EventTransitionApplied) != 8 {
		t.Fatalf("expected all events delivered, got %d", mem.Count(EventTransitionApplied))
	}
	Count(a, EventTransitionApplied, nil)
	if mem.Count(EventTransitionApplied) != 8 {
		t.Fatalf("expected events after close to be ignored")
	}
}

func TestJSONLObserverWritesTurnRecord(t *testing.T) {
	var buf bytes.Buffer
	o := NewJSONLObserver(&buf)
	CountAt(o, EventTurnCommitted,
		map[string]string{"modality": "voice", "outcome": "model", "region": "jp"},
		map[string]any{"scene": "town", "page": "highway", "mood": "笑顔"})
	Count(o, EventMoodSubstituted, nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %q", buf.String())
	}
	var rec Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Event != EventTurnCommitted || rec.Modality != "voice" || rec.Outcome != "model" || rec.Value != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Scene != "town" || rec.Page != "highway" || rec.Mood != "笑顔" {
		t.Fatalf("expected scenario location in record, got %+v", rec)
	}
	if rec.Extra["region"] != "jp" || rec.At.IsZero() {
		t.Fatalf("unexpected extra or time %+v", rec)
	}
	if !strings.Contains(lines[1], `"event":"mood_substituted"`) || strings.Contains(lines[1], `"scene"`) {
		t.Fatalf("unexpected second line %q", lines[1])
	}
}

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewPrometheusObserver(reg, "test")
	if err != nil {
		t.Fatalf("new observer: %v", err)
	}
	Count(o, EventTurnCommitted, map[string]string{"modality": "voice", "outcome": "model"})
	Count(o, EventTurnCommitted, map[string]string{"modality": "voice", "outcome": "model"})
	Latency(o, EventLLMLatency, time.Now().Add(-20*time.Millisecond), map[string]string{"provider": "openai"})

	events, latency := o.Collectors()
	got := testutil.ToFloat64(events.WithLabelValues(EventTurnCommitted, "voice", "model", "", ""))
	if got != 2 {
		t.Fatalf("expected counter 2, got %v", got)
	}
	if n := testutil.CollectAndCount(latency); n != 1 {
		t.Fatalf("expected one latency series, got %d", n)
	}
}
