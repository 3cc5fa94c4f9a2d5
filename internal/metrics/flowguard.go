package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FCMCollectorsActive tracks the number of collectors currently
	// installed in the FCM scheduler's collect_tree.
	FCMCollectorsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_fcm_collectors_active",
			Help: "Number of collectors currently installed in the FCM scheduler",
		},
	)

	// FCMSampleTicksTotal counts sample-timer ticks per collector.
	FCMSampleTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_fcm_sample_ticks_total",
			Help: "Total number of sample-timer ticks delivered to a collector",
		},
		[]string{"collector"},
	)

	// FCMReportsSentTotal counts report-tick firings per collector.
	FCMReportsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_fcm_reports_sent_total",
			Help: "Total number of times a collector's send_report hook fired",
		},
		[]string{"collector"},
	)

	// FCMManagerRSSKB tracks the FCM manager tick's last-read VmRSS value.
	FCMManagerRSSKB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_fcm_manager_rss_kb",
			Help: "Process resident set size in kB as last read by the FCM memory watchdog",
		},
	)

	// AggregatorFlowsActive tracks the live accumulator count across both
	// the five-tuple and eth-pair aggregator trees.
	AggregatorFlowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_aggregator_flows_active",
			Help: "Number of live flow accumulators tracked by the aggregator",
		},
	)

	// AggregatorPurgedTotal counts accumulators evicted by TTL purge.
	AggregatorPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_aggregator_purged_total",
			Help: "Total number of flow accumulators evicted by TTL purge",
		},
	)

	// AggregatorWindowDroppedTotal counts accumulators that could not be
	// created because a window hit its capacity cap.
	AggregatorWindowDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_aggregator_window_dropped_total",
			Help: "Total number of flows dropped due to a window's capacity cap",
		},
	)

	// RTSHandlesActive tracks the number of live RTS handles.
	RTSHandlesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_rts_handles_active",
			Help: "Number of live RTS handles",
		},
	)

	// RTSPoolBytesInUse tracks current slab-of-slobs allocator usage summed
	// across every live handle's pool in the process.
	RTSPoolBytesInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_rts_pool_bytes_in_use",
			Help: "Current bytes allocated across all handles' slab-of-slobs pools",
		},
	)

	// RTSPoolAllocFailuresTotal counts pool exhaustion events across every
	// handle's pool.
	RTSPoolAllocFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_rts_pool_alloc_failures_total",
			Help: "Total number of slab-of-slobs allocation failures (pool exhausted)",
		},
	)

	// RTSSignatureBundleGeneration tracks the generation counter of the
	// currently installed signature bundle.
	RTSSignatureBundleGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_rts_signature_bundle_generation",
			Help: "Generation counter of the currently installed RTS signature bundle",
		},
	)

	// RTSScanMatchesTotal counts stream scans that reached a halt opcode
	// (a completed signature match) across every handle.
	RTSScanMatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_rts_scan_matches_total",
			Help: "Total number of RTS stream scans that completed with a halt (match)",
		},
	)

	// GatekeeperCacheEntries tracks the current attribute-cache entry count
	// by kind.
	GatekeeperCacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowguard_gatekeeper_cache_entries",
			Help: "Current number of gatekeeper cache entries by attribute kind",
		},
		[]string{"kind"},
	)

	// GatekeeperRestoreFailuresTotal counts per-entry restore failures by
	// attribute kind, mirroring RestoreResult.FailedByKind.
	GatekeeperRestoreFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_gatekeeper_restore_failures_total",
			Help: "Total number of gatekeeper cache entries that failed to restore, by kind",
		},
		[]string{"kind"},
	)

	// ReportSinkSentTotal and ReportSinkErrorsTotal mirror KafkaSink's own
	// atomic counters as Prometheus series, by topic.
	ReportSinkSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_report_sink_sent_total",
			Help: "Total number of reports successfully published by a report sink",
		},
		[]string{"topic"},
	)

	ReportSinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_report_sink_errors_total",
			Help: "Total number of report publish failures by a report sink",
		},
		[]string{"topic"},
	)
)
