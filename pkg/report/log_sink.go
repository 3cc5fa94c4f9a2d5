package report

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// LogSink logs a one-line summary of each report (topic, window count,
// node id) to the structured logger instead of sending it to a broker. It's the default Sink when no Kafka report brokers are
// configured, mirroring how the console reporter plugin stands in for a
// real transport during development (plugins/reporter/console).
type LogSink struct {
	sent atomic.Uint64
}

// NewLogSink creates a LogSink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) SendFlowReport(_ context.Context, topic string, r FlowReport) error {
	slog.Info("flow report", "topic", topic, "windows", len(r.Windows), "node_id", r.ObservationPoint.NodeID)
	s.sent.Add(1)
	return nil
}

func (s *LogSink) SendInterfaceReport(_ context.Context, topic string, r InterfaceReport) error {
	slog.Info("interface report", "topic", topic, "windows", len(r.Windows), "node_id", r.ObservationPoint.NodeID)
	s.sent.Add(1)
	return nil
}

func (s *LogSink) Close() error { return nil }

// Sent reports how many records this sink has emitted.
func (s *LogSink) Sent() uint64 { return s.sent.Load() }
