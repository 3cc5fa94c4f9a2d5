// Package report builds the two outbound record shapes the FCM scheduler
// emits on a collector's report tick — the flow report and the interface
// report — and frames them with pkg/wire for transport over the
// mqtt_topic a ReportConfig/CollectorConfig names.
package report

import (
	"encoding/json"
	"time"

	"flowguard/pkg/aggregator"
	"flowguard/pkg/flowkey"
	"flowguard/pkg/wire"
)

// ObservationPoint identifies which node/location emitted a report, taken
// from the AWLAN_Node mqtt_headers (internal/config.Dispatcher.ObservationPoint).
type ObservationPoint struct {
	NodeID     string `json:"node_id"`
	LocationID string `json:"location_id"`
}

// DataReportTag is the {id, features} record the report tagger attaches to
// a stat's flow_key when the stat's source or dest MAC carries a non-empty
// tag set (§4.3).
type DataReportTag struct {
	ID       string   `json:"id"`
	Features []string `json:"features"`
}

// FlowStat is one flow_key + counters row within a flow-report window,
// with the optional data-report tags the tagger attached.
type FlowStat struct {
	FlowKey  flowkey.Key      `json:"flow_key"`
	Counters flowkey.Counters `json:"counters"`
	Tags     []DataReportTag  `json:"data_report_tags,omitempty"`
}

// UplinkDescriptor annotates whether a window's traffic moved over a
// different WAN interface type than the previous window.
type UplinkDescriptor struct {
	IfType  string `json:"if_type"`
	Changed bool   `json:"changed"`
}

// FlowWindow is one closed observation window as it appears in a flow
// report.
type FlowWindow struct {
	StartedAt    time.Time        `json:"started_at"`
	EndedAt      time.Time        `json:"ended_at"`
	DroppedFlows int              `json:"dropped_flows"`
	Uplink       UplinkDescriptor `json:"uplink"`
	Stats        []FlowStat       `json:"stats"`
}

// FlowReport is the §6.3 flow report: {reported_at, observation_point,
// windows[]}.
type FlowReport struct {
	ReportedAt       time.Time        `json:"reported_at"`
	ObservationPoint ObservationPoint `json:"observation_point"`
	Windows          []FlowWindow     `json:"windows"`
}

// InterfaceStat is one interface's byte/packet counters within an
// interface-report window.
type InterfaceStat struct {
	IfName    string `json:"if_name"`
	Role      string `json:"role"` // lan | wan | uplink
	TxBytes   uint64 `json:"tx_bytes"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxPackets uint64 `json:"tx_packets"`
	RxPackets uint64 `json:"rx_packets"`
}

// InterfaceWindow is one sampling window in an interface report.
type InterfaceWindow struct {
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	IntfStats []InterfaceStat `json:"intf_stats"`
}

// InterfaceReport is the §6.3 interface report: {reported_at,
// observation_point, windows[]}.
type InterfaceReport struct {
	ReportedAt       time.Time         `json:"reported_at"`
	ObservationPoint ObservationPoint  `json:"observation_point"`
	Windows          []InterfaceWindow `json:"windows"`
}

// FromAggregatorWindow converts an aggregator.Window (as drained by
// Aggregator.ClosedWindows) into the wire-shaped FlowWindow, resolving
// each stat's tags through tagsOf (nil is fine — tags are left empty).
func FromAggregatorWindow(w *aggregator.Window, tagsOf func(aggregator.Stat) []DataReportTag) FlowWindow {
	fw := FlowWindow{
		StartedAt:    w.StartedAt,
		EndedAt:      w.EndedAt,
		DroppedFlows: w.Dropped,
		Uplink:       UplinkDescriptor{IfType: w.Uplink.IfType, Changed: w.Uplink.Changed},
		Stats:        make([]FlowStat, 0, len(w.Stats)),
	}
	for _, s := range w.Stats {
		var tags []DataReportTag
		if tagsOf != nil {
			tags = tagsOf(s)
		}
		fw.Stats = append(fw.Stats, FlowStat{FlowKey: s.Key, Counters: s.Counters, Tags: tags})
	}
	return fw
}

// NewFlowReport assembles a FlowReport from already-closed windows.
func NewFlowReport(reportedAt time.Time, point ObservationPoint, windows []FlowWindow) FlowReport {
	return FlowReport{ReportedAt: reportedAt, ObservationPoint: point, Windows: windows}
}

// Frame serializes r as JSON and wraps it in a pkg/wire length-delimited
// record, the same framing gatekeeper cache persistence uses.
func Frame(r any) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return wire.WriteRecord(body), nil
}
