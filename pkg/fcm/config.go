package fcm

// ReportFormat mirrors the ReportConfig.format enum from the config
// surface (§6.1): cumulative, delta, or raw.
type ReportFormat string

const (
	FormatCumulative ReportFormat = "cumulative"
	FormatDelta      ReportFormat = "delta"
	FormatRaw        ReportFormat = "raw"
)

// CollectorConfig is the operational form of the CollectorConfig config
// event (§6.1): {name, sample_interval, filter_name, report_name,
// other_config}.
type CollectorConfig struct {
	Name            string
	SampleInterval  int // seconds
	FilterName      string
	ReportName      string
	OtherConfig     map[string]string
	PluginName      string // resolved from other_config["dso"] / static table key
}

// ReportConfig is the operational form of the ReportConfig config event:
// {name, report_interval, format, mqtt_topic, hist_filter, hist_interval,
// report_filter, other_config}.
type ReportConfig struct {
	Name           string
	ReportInterval int // seconds
	Format         ReportFormat
	MQTTTopic      string
	HistFilter     string
	HistInterval   int
	ReportFilter   string
	OtherConfig    map[string]string
}
