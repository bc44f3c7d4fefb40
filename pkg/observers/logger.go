package observers

import (
	"context"
	"log/slog"

	"github.com/harunnryd/kamishibai/pkg/metrics"
)

// LoggerObserver writes every metrics event as a debug log line.
type LoggerObserver struct {
	log   *slog.Logger
	level slog.Level
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log, level: slog.LevelDebug}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	if !o.log.Enabled(context.Background(), o.level) {
		return
	}
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.Background(), o.level, "metrics", attrs...)
}

// MultiObserver fans one event out to several observers.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	out := make([]metrics.Observer, 0, len(list))
	for _, obs := range list {
		if obs != nil {
			out = append(out, obs)
		}
	}
	return &MultiObserver{list: out}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		obs.RecordEvent(ev)
	}
}

// Len reports how many observers receive events.
func (m *MultiObserver) Len() int { return len(m.list) }
