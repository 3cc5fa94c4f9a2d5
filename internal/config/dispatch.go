package config

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"flowguard/pkg/fcm"
	"flowguard/pkg/filter"
)

// Dispatcher routes decoded config-table events to the FCM manager and the
// filter engine, the two core-subsystem surfaces that react to the dynamic
// config stream described in §6.1. It also tracks the handful of
// singleton-ish rows (AWLAN_Node, Flow_Service_Manager_Config, SSL) that have
// no natural home in either, since they feed report emission / the
// gatekeeper client's request/reply contract rather than a core subsystem.
type Dispatcher struct {
	Manager *fcm.Manager
	Filter  *filter.Engine

	filterTables map[string]map[int]filter.Rule // filter_name -> rule_index -> rule

	locationID string
	nodeID     string
	uplinks    map[string]ConnectionManagerUplinkRecord
	gkURL      string
	ssl        SSLRecord

	// TotalRAMBytes is read once at startup by the caller wiring the
	// dispatcher together; it is the basis for the max_mem_percent ->
	// max_mem (kB) conversion NodeConfig events drive.
	TotalRAMBytes int64
	// OnMaxMemHit is forwarded to fcm.Manager.SetMaxMemKB on every
	// max_mem_percent update.
	OnMaxMemHit func()
}

// NewDispatcher builds a Dispatcher bound to the FCM manager and filter
// engine it will push config changes into.
func NewDispatcher(mgr *fcm.Manager, filterEngine *filter.Engine) *Dispatcher {
	return &Dispatcher{
		Manager:      mgr,
		Filter:       filterEngine,
		filterTables: make(map[string]map[int]filter.Rule),
		uplinks:      make(map[string]ConnectionManagerUplinkRecord),
	}
}

// Apply routes one ConfigEvent to its table-specific handler. Unknown table
// names are rejected; callers are expected to dispatch only the tables
// listed in §6.1.
func (d *Dispatcher) Apply(ev ConfigEvent) error {
	switch ev.Table {
	case "CollectorConfig":
		return d.applyCollectorConfig(ev)
	case "ReportConfig":
		return d.applyReportConfig(ev)
	case "FilterRule":
		return d.applyFilterRule(ev)
	case "NodeConfig":
		return d.applyNodeConfig(ev)
	case "AwlanNode":
		return d.applyAwlanNode(ev)
	case "ConnectionManagerUplink":
		return d.applyConnectionManagerUplink(ev)
	case "FlowServiceManagerConfig":
		return d.applyFlowServiceManagerConfig(ev)
	case "SSL":
		return d.applySSL(ev)
	default:
		return fmt.Errorf("config: unrecognized table %q", ev.Table)
	}
}

func (d *Dispatcher) applyCollectorConfig(ev ConfigEvent) error {
	var rec CollectorConfigRecord
	if err := ev.Decode(&rec); err != nil {
		return err
	}
	if ev.Kind == ChangeDelete {
		return d.Manager.DeleteCollectorConfig(rec.Name)
	}

	other := DecodeOtherConfig(ev.Record)
	cfg := fcm.CollectorConfig{
		Name:           rec.Name,
		SampleInterval: rec.SampleInterval,
		FilterName:     rec.FilterName,
		ReportName:     rec.ReportName,
		OtherConfig:    other,
		PluginName:     other["dso"],
	}
	if ev.Kind == ChangeNew {
		return d.Manager.AddCollectorConfig(cfg)
	}
	return d.Manager.UpdateCollectorConfig(cfg)
}

func (d *Dispatcher) applyReportConfig(ev ConfigEvent) error {
	var rec ReportConfigRecord
	if err := ev.Decode(&rec); err != nil {
		return err
	}
	if ev.Kind == ChangeDelete {
		d.Manager.DeleteReportConfig(rec.Name)
		return nil
	}
	d.Manager.AddReportConfig(fcm.ReportConfig{
		Name:           rec.Name,
		ReportInterval: rec.ReportInterval,
		Format:         fcm.ReportFormat(rec.Format),
		MQTTTopic:      rec.MQTTTopic,
		HistFilter:     rec.HistFilter,
		HistInterval:   rec.HistInterval,
		ReportFilter:   rec.ReportFilter,
		OtherConfig:    DecodeOtherConfig(ev.Record),
	})
	return nil
}

// applyFilterRule maintains the per-table rule_index -> Rule map and
// rebuilds/installs the whole filter.Table on every change, since
// filter.Engine.SetTable replaces a table wholesale (there is no
// indexed-update API on the engine itself — the index keying lives at the
// config layer, matching how the rule-index-keyed source table is described
// in §6.1).
func (d *Dispatcher) applyFilterRule(ev ConfigEvent) error {
	var rec FilterRuleRecord
	if err := ev.Decode(&rec); err != nil {
		return err
	}
	rules, ok := d.filterTables[rec.FilterName]
	if !ok {
		rules = make(map[int]filter.Rule)
		d.filterTables[rec.FilterName] = rules
	}

	if ev.Kind == ChangeDelete {
		delete(rules, rec.RuleIndex)
	} else {
		rule, err := toFilterRule(rec)
		if err != nil {
			return err
		}
		rules[rec.RuleIndex] = rule
	}

	indices := make([]int, 0, len(rules))
	for idx := range rules {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	ordered := make([]filter.Rule, 0, len(indices))
	for _, idx := range indices {
		ordered = append(ordered, rules[idx])
	}
	d.Filter.SetTable(&filter.Table{Name: rec.FilterName, Rules: ordered})
	return nil
}

// toFilterRule converts a decoded row into a filter.Rule. Every predicate
// set that is non-empty is given MemberIn semantics: the config surface
// does not carry a separate in/out flag per field, so "present and
// non-empty" is treated as an inclusion set. A rule with every predicate
// absent always matches, per the boundary behavior in §8.
func toFilterRule(rec FilterRuleRecord) (filter.Rule, error) {
	rule := filter.Rule{}

	if len(rec.SMAC) > 0 {
		rule.SMAC = filter.MemberIn
		rule.SMACSet = make(map[[6]byte]struct{}, len(rec.SMAC))
		for _, s := range rec.SMAC {
			mac, err := net.ParseMAC(s)
			if err != nil {
				return filter.Rule{}, fmt.Errorf("config: filter rule smac %q: %w", s, err)
			}
			var k [6]byte
			copy(k[:], mac)
			rule.SMACSet[k] = struct{}{}
		}
	}
	if len(rec.DMAC) > 0 {
		rule.DMAC = filter.MemberIn
		rule.DMACSet = make(map[[6]byte]struct{}, len(rec.DMAC))
		for _, s := range rec.DMAC {
			mac, err := net.ParseMAC(s)
			if err != nil {
				return filter.Rule{}, fmt.Errorf("config: filter rule dmac %q: %w", s, err)
			}
			var k [6]byte
			copy(k[:], mac)
			rule.DMACSet[k] = struct{}{}
		}
	}
	if len(rec.VLANIDs) > 0 {
		rule.VLAN = filter.MemberIn
		rule.VLANSet = make(map[uint16]struct{}, len(rec.VLANIDs))
		for _, v := range rec.VLANIDs {
			rule.VLANSet[uint16(v)] = struct{}{}
		}
	}
	if len(rec.SrcIP) > 0 {
		rule.SIP = filter.MemberIn
		for _, s := range rec.SrcIP {
			p, err := parsePrefix(s)
			if err != nil {
				return filter.Rule{}, fmt.Errorf("config: filter rule src_ip %q: %w", s, err)
			}
			rule.SIPSet = append(rule.SIPSet, p)
		}
	}
	if len(rec.DstIP) > 0 {
		rule.DIP = filter.MemberIn
		for _, s := range rec.DstIP {
			p, err := parsePrefix(s)
			if err != nil {
				return filter.Rule{}, fmt.Errorf("config: filter rule dst_ip %q: %w", s, err)
			}
			rule.DIPSet = append(rule.DIPSet, p)
		}
	}
	for _, s := range rec.SPort {
		r, err := parsePortRange(s)
		if err != nil {
			return filter.Rule{}, fmt.Errorf("config: filter rule sport %q: %w", s, err)
		}
		rule.SPortRanges = append(rule.SPortRanges, r)
	}
	for _, s := range rec.DPort {
		r, err := parsePortRange(s)
		if err != nil {
			return filter.Rule{}, fmt.Errorf("config: filter rule dport %q: %w", s, err)
		}
		rule.DPortRanges = append(rule.DPortRanges, r)
	}
	if len(rec.Proto) > 0 {
		rule.Proto = filter.MemberIn
		rule.ProtoSet = make(map[uint8]struct{}, len(rec.Proto))
		for _, p := range rec.Proto {
			rule.ProtoSet[uint8(p)] = struct{}{}
		}
	}
	if rec.PktCountCmp != "" {
		cmp, err := parseComparator(rec.PktCountCmp)
		if err != nil {
			return filter.Rule{}, err
		}
		rule.PktCount = cmp
		rule.PktCountN = rec.PktCountN
	}
	if len(rec.AppName) > 0 {
		rule.AppName = filter.MemberIn
		rule.AppNameSet = make(map[string]struct{}, len(rec.AppName))
		for _, a := range rec.AppName {
			rule.AppNameSet[a] = struct{}{}
		}
	}
	if len(rec.AppTag) > 0 {
		rule.AppTag = filter.MemberIn
		rule.AppTagSet = make(map[string]struct{}, len(rec.AppTag))
		for _, a := range rec.AppTag {
			rule.AppTagSet[a] = struct{}{}
		}
	}

	switch strings.ToLower(rec.Action) {
	case "", "include":
		rule.Action = filter.ActionInclude
	case "exclude":
		rule.Action = filter.ActionExclude
	case "default_include":
		rule.Action = filter.ActionDefaultInclude
	default:
		return filter.Rule{}, fmt.Errorf("config: unrecognized filter action %q", rec.Action)
	}
	return rule, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func parsePortRange(s string) (filter.PortRange, error) {
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		min, err := strconv.ParseUint(lo, 10, 16)
		if err != nil {
			return filter.PortRange{}, err
		}
		max, err := strconv.ParseUint(hi, 10, 16)
		if err != nil {
			return filter.PortRange{}, err
		}
		return filter.PortRange{Min: uint16(min), Max: uint16(max)}, nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return filter.PortRange{}, err
	}
	return filter.PortRange{Min: uint16(v)}, nil
}

func parseComparator(s string) (filter.Comparator, error) {
	switch strings.ToLower(s) {
	case "lt":
		return filter.CmpLT, nil
	case "le":
		return filter.CmpLE, nil
	case "gt":
		return filter.CmpGT, nil
	case "ge":
		return filter.CmpGE, nil
	case "eq":
		return filter.CmpEQ, nil
	case "ne":
		return filter.CmpNE, nil
	default:
		return filter.CmpNone, fmt.Errorf("config: unrecognized pktcnt_cmp %q", s)
	}
}

// applyNodeConfig recognizes only module="fcm", key="max_mem_percent": any
// other module/key combination is ignored (this table carries settings for
// many modules this core doesn't own).
func (d *Dispatcher) applyNodeConfig(ev ConfigEvent) error {
	var rec NodeConfigRecord
	if err := ev.Decode(&rec); err != nil {
		return err
	}
	if rec.Module != "fcm" || rec.Key != "max_mem_percent" {
		return nil
	}
	if ev.Kind == ChangeDelete {
		d.Manager.SetMaxMemKB(0, nil)
		return nil
	}
	percent, err := strconv.Atoi(rec.Value)
	if err != nil {
		return fmt.Errorf("config: node_config max_mem_percent %q: %w", rec.Value, err)
	}
	d.Manager.SetMaxMemKB(fcm.MaxMemKB(d.TotalRAMBytes, percent), d.OnMaxMemHit)
	return nil
}

// applyAwlanNode records the mqtt_headers locationId/nodeId pair used to
// stamp observation_point on every emitted report.
func (d *Dispatcher) applyAwlanNode(ev ConfigEvent) error {
	var rec AwlanNodeRecord
	if err := ev.Decode(&rec); err != nil {
		return err
	}
	if ev.Kind == ChangeDelete {
		d.locationID, d.nodeID = "", ""
		return nil
	}
	d.locationID = rec.MQTTHeaders["locationId"]
	d.nodeID = rec.MQTTHeaders["nodeId"]
	return nil
}

// ObservationPoint returns the current {node_id, location_id} pair for
// stamping reports.
func (d *Dispatcher) ObservationPoint() (nodeID, locationID string) {
	return d.nodeID, d.locationID
}

func (d *Dispatcher) applyConnectionManagerUplink(ev ConfigEvent) error {
	var rec ConnectionManagerUplinkRecord
	if err := ev.Decode(&rec); err != nil {
		return err
	}
	if ev.Kind == ChangeDelete {
		delete(d.uplinks, rec.IfName)
		return nil
	}
	d.uplinks[rec.IfName] = rec
	return nil
}

// Uplink returns the currently tracked uplink record for an interface.
func (d *Dispatcher) Uplink(ifName string) (ConnectionManagerUplinkRecord, bool) {
	r, ok := d.uplinks[ifName]
	return r, ok
}

// applyFlowServiceManagerConfig records the gatekeeper server URL from
// other_config.gk_url; the HTTP/2 request pipeline itself is an external
// collaborator (out of scope here).
func (d *Dispatcher) applyFlowServiceManagerConfig(ev ConfigEvent) error {
	var rec FlowServiceManagerConfigRecord
	if err := ev.Decode(&rec); err != nil {
		return err
	}
	if ev.Kind == ChangeDelete || rec.Handler != "gatekeeper" {
		if ev.Kind == ChangeDelete {
			d.gkURL = ""
		}
		return nil
	}
	d.gkURL = DecodeOtherConfig(ev.Record)["gk_url"]
	return nil
}

// GatekeeperURL returns the currently configured gatekeeper server URL.
func (d *Dispatcher) GatekeeperURL() string { return d.gkURL }

func (d *Dispatcher) applySSL(ev ConfigEvent) error {
	var rec SSLRecord
	if err := ev.Decode(&rec); err != nil {
		return err
	}
	if ev.Kind == ChangeDelete {
		d.ssl = SSLRecord{}
		return nil
	}
	d.ssl = rec
	return nil
}

// GatekeeperTLS returns the current mTLS material for the gatekeeper
// client.
func (d *Dispatcher) GatekeeperTLS() SSLRecord { return d.ssl }
