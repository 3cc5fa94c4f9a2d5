package report

import "context"

// Sink is the transport-agnostic destination for framed reports. A
// ReportConfig's mqtt_topic names the logical destination; a concrete Sink
// implementation (KafkaSink here) owns the broker connection.
type Sink interface {
	SendFlowReport(ctx context.Context, topic string, r FlowReport) error
	SendInterfaceReport(ctx context.Context, topic string, r InterfaceReport) error
	Close() error
}
