package metrics

import (
	"io"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Record is one line of the metrics log. Known tags and fields get their own
// keys; anything else lands in Extra.
type Record struct {
	Event     string         `json:"event"`
	At        time.Time      `json:"at"`
	Value     float64        `json:"value"`
	Modality  string         `json:"modality,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Component string         `json:"component,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Scene     string         `json:"scene,omitempty"`
	Page      string         `json:"page,omitempty"`
	Mood      string         `json:"mood,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

func newRecord(ev MetricsEvent) Record {
	r := Record{Event: ev.Name, At: ev.Time, Value: ev.Value}
	extra := map[string]any{}
	for k, v := range ev.Tags {
		switch k {
		case "modality":
			r.Modality = v
		case "outcome":
			r.Outcome = v
		case "component":
			r.Component = v
		case "provider":
			r.Provider = v
		default:
			extra[k] = v
		}
	}
	for k, v := range ev.Fields {
		s, _ := v.(string)
		switch k {
		case "scene":
			r.Scene = s
		case "page":
			r.Page = s
		case "mood":
			r.Mood = s
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		r.Extra = extra
	}
	return r
}

// JSONLObserver appends one Record per event.
type JSONLObserver struct {
	mu  sync.Mutex
	enc sonic.Encoder
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{enc: sonic.ConfigStd.NewEncoder(w)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_ = o.enc.Encode(newRecord(ev))
}
