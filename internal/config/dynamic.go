package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ChangeKind is the verb on a config-change event from the configuration
// database layer (table monitor semantics): a row was inserted, an existing
// row's fields changed, or a row was removed.
type ChangeKind string

const (
	ChangeNew    ChangeKind = "new"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
)

// ConfigEvent is one change notification for a logical table. Record is the
// raw decoded row (typically map[string]any from the database client); Decode
// converts it into one of the typed table structs below.
type ConfigEvent struct {
	Table  string
	Kind   ChangeKind
	Record map[string]any
}

// Decode fills out with ev.Record via mapstructure, honoring the `mapstructure`
// tags on the table structs in this file. A weakly-typed decode hook lets
// string-encoded other_config values (sample_interval="30") land on int
// fields without the caller doing its own conversion.
func (ev ConfigEvent) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("config: build decoder for table %q: %w", ev.Table, err)
	}
	if err := dec.Decode(ev.Record); err != nil {
		return fmt.Errorf("config: decode table %q record: %w", ev.Table, err)
	}
	return nil
}

// otherConfigPairs is the {key,value} list shape the database layer uses for
// free-form per-row settings; DecodeOtherConfig turns it into the flat map
// CollectorConfig/ReportConfig's OtherConfig fields expect.
type otherConfigPairs []struct {
	Key   string `mapstructure:"key"`
	Value string `mapstructure:"value"`
}

// DecodeOtherConfig extracts and flattens an other_config[{key,value}...]
// field from a raw record into a map, leaving the original record
// untouched for the rest of a struct decode.
func DecodeOtherConfig(record map[string]any) map[string]string {
	raw, ok := record["other_config"]
	if !ok {
		return nil
	}
	var pairs otherConfigPairs
	if err := mapstructure.Decode(raw, &pairs); err != nil {
		// other_config may already arrive as a flat map[string]string from
		// some callers (tests, fixture loaders); accept that shape too.
		if flat, ok := raw.(map[string]string); ok {
			return flat
		}
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.Key] = p.Value
	}
	return out
}

// CollectorConfigRecord is the raw CollectorConfig table row shape (§6.1):
// {name, sample_interval, filter_name, report_name, other_config[{key,value}]}.
// Recognized other_config keys: dso_path, dso_init, dso, parent_tag, active,
// ct_zone, intf_list.
type CollectorConfigRecord struct {
	Name           string `mapstructure:"name"`
	SampleInterval int    `mapstructure:"sample_interval"`
	FilterName     string `mapstructure:"filter_name"`
	ReportName     string `mapstructure:"report_name"`
}

// ReportConfigRecord is the raw ReportConfig table row shape (§6.1):
// {name, report_interval, format, mqtt_topic, hist_filter, hist_interval,
// report_filter, other_config}.
type ReportConfigRecord struct {
	Name           string `mapstructure:"name"`
	ReportInterval int    `mapstructure:"report_interval"`
	Format         string `mapstructure:"format"` // cumulative | delta | raw
	MQTTTopic      string `mapstructure:"mqtt_topic"`
	HistFilter     string `mapstructure:"hist_filter"`
	HistInterval   int    `mapstructure:"hist_interval"`
	ReportFilter   string `mapstructure:"report_filter"`
}

// NodeConfigRecord is the raw Node_Config row shape: {module, key, value}.
// The only recognized combination is module="fcm", key="max_mem_percent",
// value an integer string in 0..100.
type NodeConfigRecord struct {
	Module string `mapstructure:"module"`
	Key    string `mapstructure:"key"`
	Value  string `mapstructure:"value"`
}

// AwlanNodeRecord is the raw AWLAN_Node row shape: a flat map of
// mqtt_headers keyed by "locationId"/"nodeId" (and any vendor-specific
// header name), supplying the observation-point identifiers flow/interface
// reports attach.
type AwlanNodeRecord struct {
	MQTTHeaders map[string]string `mapstructure:"mqtt_headers"`
}

// ConnectionManagerUplinkRecord is the raw Connection_Manager_Uplink row
// shape: {if_name, if_type, is_used}, driving uplink tagging in interface
// reports.
type ConnectionManagerUplinkRecord struct {
	IfName string `mapstructure:"if_name"`
	IfType string `mapstructure:"if_type"` // eth | lte | ...
	IsUsed bool   `mapstructure:"is_used"`
}

// FlowServiceManagerConfigRecord is the raw Flow_Service_Manager_Config row
// shape for the gatekeeper handler: {handler="gatekeeper", other_config.gk_url}.
type FlowServiceManagerConfigRecord struct {
	Handler string `mapstructure:"handler"`
	GKURL   string `mapstructure:"-"` // populated from other_config by the caller
}

// SSLRecord is the raw SSL row shape: the gatekeeper client's mTLS material.
type SSLRecord struct {
	Certificate string `mapstructure:"certificate"`
	PrivateKey  string `mapstructure:"private_key"`
	CACert      string `mapstructure:"ca_cert"`
}

// FilterRuleRecord is one rule-index-keyed row of a FilterRule table: the
// predicate fields named in §3, plus the index that orders it within its
// filter_name table and the table it belongs to.
type FilterRuleRecord struct {
	FilterName string `mapstructure:"filter_name"`
	RuleIndex  int    `mapstructure:"index"`

	SMAC    []string `mapstructure:"smac"`
	DMAC    []string `mapstructure:"dmac"`
	VLANIDs []int    `mapstructure:"vlan_id"`
	SrcIP   []string `mapstructure:"src_ip"`
	DstIP   []string `mapstructure:"dst_ip"`
	SPort   []string `mapstructure:"sport"` // "80" or "1000-2000"
	DPort   []string `mapstructure:"dport"`
	Proto   []int    `mapstructure:"proto"`

	PktCountCmp string `mapstructure:"pktcnt_cmp"` // lt|le|gt|ge|eq|ne
	PktCountN   uint64  `mapstructure:"pktcnt"`

	AppName []string `mapstructure:"app_name"`
	AppTag  []string `mapstructure:"app_tag"`

	Action string `mapstructure:"action"` // include | exclude
}
