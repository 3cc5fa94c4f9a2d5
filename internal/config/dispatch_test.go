package config

import (
	"testing"
	"time"

	"flowguard/pkg/aggregator"
	"flowguard/pkg/fcm"
	"flowguard/pkg/filter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher() *Dispatcher {
	mgr := fcm.New(aggregator.New(time.Minute, 1000), filter.New(), nil)
	return NewDispatcher(mgr, filter.New())
}

func TestDispatchCollectorConfigNewThenDelete(t *testing.T) {
	d := newTestDispatcher()
	d.Manager.AddReportConfig(fcm.ReportConfig{Name: "rpt", ReportInterval: 60})

	err := d.Apply(ConfigEvent{
		Table: "CollectorConfig", Kind: ChangeNew,
		Record: map[string]any{
			"name":            "lan",
			"sample_interval": 30,
			"filter_name":     "f1",
			"report_name":     "rpt",
			"other_config": []map[string]any{
				{"key": "dso", "value": "builtin"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 30, d.Manager.MinSamplePeriod())

	err = d.Apply(ConfigEvent{Table: "CollectorConfig", Kind: ChangeDelete, Record: map[string]any{"name": "lan"}})
	require.NoError(t, err)
	assert.Equal(t, 0, d.Manager.MinSamplePeriod())
}

func TestDispatchReportConfigNewThenDelete(t *testing.T) {
	d := newTestDispatcher()
	err := d.Apply(ConfigEvent{
		Table: "ReportConfig", Kind: ChangeNew,
		Record: map[string]any{"name": "rpt", "report_interval": 120, "format": "delta"},
	})
	require.NoError(t, err)
	assert.Equal(t, 120, d.Manager.MaxReportInterval())

	err = d.Apply(ConfigEvent{Table: "ReportConfig", Kind: ChangeDelete, Record: map[string]any{"name": "rpt"}})
	require.NoError(t, err)
	assert.Equal(t, 0, d.Manager.MaxReportInterval())
}

func TestDispatchFilterRuleBuildsOrderedTable(t *testing.T) {
	d := newTestDispatcher()
	require.NoError(t, d.Apply(ConfigEvent{
		Table: "FilterRule", Kind: ChangeNew,
		Record: map[string]any{"filter_name": "f1", "index": 1, "action": "exclude", "proto": []int{6}},
	}))
	require.NoError(t, d.Apply(ConfigEvent{
		Table: "FilterRule", Kind: ChangeNew,
		Record: map[string]any{"filter_name": "f1", "index": 0, "action": "include"},
	}))

	table := d.Filter.Table("f1")
	require.NotNil(t, table)
	require.Len(t, table.Rules, 2)
	assert.Equal(t, filter.ActionInclude, table.Rules[0].Action)
	assert.Equal(t, filter.ActionExclude, table.Rules[1].Action)
}

func TestDispatchFilterRuleDeleteRemovesIndex(t *testing.T) {
	d := newTestDispatcher()
	require.NoError(t, d.Apply(ConfigEvent{
		Table: "FilterRule", Kind: ChangeNew,
		Record: map[string]any{"filter_name": "f1", "index": 0, "action": "include"},
	}))
	require.NoError(t, d.Apply(ConfigEvent{
		Table: "FilterRule", Kind: ChangeDelete,
		Record: map[string]any{"filter_name": "f1", "index": 0},
	}))
	table := d.Filter.Table("f1")
	require.NotNil(t, table)
	assert.Len(t, table.Rules, 0)
}

func TestDispatchNodeConfigMaxMemPercent(t *testing.T) {
	d := newTestDispatcher()
	d.TotalRAMBytes = 1_000_000_000
	err := d.Apply(ConfigEvent{
		Table: "NodeConfig", Kind: ChangeNew,
		Record: map[string]any{"module": "fcm", "key": "max_mem_percent", "value": "50"},
	})
	require.NoError(t, err)
}

func TestDispatchNodeConfigIgnoresOtherModules(t *testing.T) {
	d := newTestDispatcher()
	err := d.Apply(ConfigEvent{
		Table: "NodeConfig", Kind: ChangeNew,
		Record: map[string]any{"module": "other", "key": "whatever", "value": "x"},
	})
	assert.NoError(t, err)
}

func TestDispatchAwlanNodeObservationPoint(t *testing.T) {
	d := newTestDispatcher()
	require.NoError(t, d.Apply(ConfigEvent{
		Table: "AwlanNode", Kind: ChangeModify,
		Record: map[string]any{"mqtt_headers": map[string]any{"locationId": "loc1", "nodeId": "node1"}},
	}))
	node, loc := d.ObservationPoint()
	assert.Equal(t, "node1", node)
	assert.Equal(t, "loc1", loc)
}

func TestDispatchConnectionManagerUplink(t *testing.T) {
	d := newTestDispatcher()
	require.NoError(t, d.Apply(ConfigEvent{
		Table: "ConnectionManagerUplink", Kind: ChangeNew,
		Record: map[string]any{"if_name": "eth0", "if_type": "eth", "is_used": true},
	}))
	rec, ok := d.Uplink("eth0")
	require.True(t, ok)
	assert.True(t, rec.IsUsed)
}

func TestDispatchFlowServiceManagerConfigAndSSL(t *testing.T) {
	d := newTestDispatcher()
	require.NoError(t, d.Apply(ConfigEvent{
		Table: "FlowServiceManagerConfig", Kind: ChangeNew,
		Record: map[string]any{
			"handler": "gatekeeper",
			"other_config": []map[string]any{
				{"key": "gk_url", "value": "https://gk.example.com"},
			},
		},
	}))
	assert.Equal(t, "https://gk.example.com", d.GatekeeperURL())

	require.NoError(t, d.Apply(ConfigEvent{
		Table: "SSL", Kind: ChangeNew,
		Record: map[string]any{"certificate": "cert", "private_key": "key", "ca_cert": "ca"},
	}))
	assert.Equal(t, "cert", d.GatekeeperTLS().Certificate)
}

func TestDispatchUnrecognizedTable(t *testing.T) {
	d := newTestDispatcher()
	err := d.Apply(ConfigEvent{Table: "Unknown"})
	assert.Error(t, err)
}
