package events

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/harunnryd/outcall/pkg/redact"
)

// LogSink writes events as structured log records, redacting free text.
type LogSink struct {
	log   *slog.Logger
	level slog.Level
}

func NewLogSink(log *slog.Logger, level slog.Level) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log, level: level}
}

func (s *LogSink) Record(ev Event) {
	attrs := []slog.Attr{
		slog.String("type", string(ev.Type)),
		slog.String("call_id", ev.CallID),
		slog.Time("time", ev.Time),
	}
	if ev.RowID != "" {
		attrs = append(attrs, slog.String("row_id", ev.RowID))
	}
	if ev.State != "" {
		attrs = append(attrs, slog.String("state", ev.State))
	}
	if ev.Status != "" {
		attrs = append(attrs, slog.String("status", ev.Status))
	}
	for _, k := range slices.Sorted(maps.Keys(ev.Facts)) {
		attrs = append(attrs, slog.String("fact_"+k, ev.Facts[k]))
	}
	if ev.Type == TypeBargeIn {
		attrs = append(attrs, slog.Int64("latency_ms", ev.LatencyMS))
	}
	if ev.Transcript != "" {
		attrs = append(attrs, slog.String("transcript", redact.Text(ev.Transcript)))
	}
	if ev.Reply != "" {
		attrs = append(attrs, slog.String("reply", redact.Text(ev.Reply)))
	}
	s.log.LogAttrs(context.Background(), s.level, "call_event", attrs...)
}
