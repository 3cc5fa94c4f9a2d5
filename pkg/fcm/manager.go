package fcm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"flowguard/internal/metrics"
	"flowguard/pkg/aggregator"
	"flowguard/pkg/ferr"
	"flowguard/pkg/filter"

	"github.com/sirupsen/logrus"
)

// collectorEntry is the manager's bookkeeping for one CollectorConfig:
// the resolved plugin, the referenced report config (once satisfied), the
// report-tick counter, and whether it is parked awaiting a report config.
type collectorEntry struct {
	cfg    CollectorConfig
	plugin Plugin

	reportCfg   *ReportConfig
	reportTicks int // report_interval / sample_interval; 0 disables reporting
	currTicks   int
	reportCount int

	parked bool // true while MissingReportConfig
}

// Manager is the FCM scheduler: a single logical owner of collect_tree and
// report_conf_tree. Its tick methods are pure with respect to wall time —
// SampleTick/ManagerTick take the caller-supplied "now" and the count of
// calls drives tick bookkeeping, matching the cooperative single-threaded
// event loop description in §4.1. Manager has no timer loop of its own:
// callers drive the tick methods from their timers, and tests call them
// directly.
type Manager struct {
	mu sync.Mutex

	agg    *aggregator.Aggregator
	filter *filter.Engine
	log    logrus.FieldLogger

	collectors map[string]*collectorEntry
	reports    map[string]*ReportConfig

	minSamplePeriod int

	maxMemKB    int64
	onMaxMemHit func() // invoked instead of os.Exit so tests can observe the trip

	readMemRSS func() (int64, string, error) // injected for testability; default reads /proc/self/status
}

// New builds a Manager bound to agg and a filter engine.
func New(agg *aggregator.Aggregator, filterEngine *filter.Engine, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		agg:        agg,
		filter:     filterEngine,
		log:        log,
		collectors: make(map[string]*collectorEntry),
		reports:    make(map[string]*ReportConfig),
		readMemRSS: readSelfStatusVmRSS,
	}
}

// AddCollectorConfig idempotently creates the collector entry, resolves the
// plugin from the static registry, and resolves the referenced report
// config. If the report config is not yet present the collector is parked
// (ErrMissingReportConfig, soft) and retried on report-config events.
func (m *Manager) AddCollectorConfig(cfg CollectorConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.collectors[cfg.Name]; ok {
		existing.cfg = cfg
		return m.applyCollectorLocked(existing)
	}

	p, ok := NewPlugin(cfg.PluginName)
	if !ok {
		return fmt.Errorf("fcm: collector %q plugin %q: %w", cfg.Name, cfg.PluginName, ferr.ErrPluginResolveError)
	}
	if err := p.Init(cfg.OtherConfig); err != nil {
		return fmt.Errorf("fcm: collector %q init: %w", cfg.Name, err)
	}

	entry := &collectorEntry{cfg: cfg, plugin: p}
	m.collectors[cfg.Name] = entry
	err := m.applyCollectorLocked(entry)
	m.recomputeMinSamplePeriodLocked()
	metrics.FCMCollectorsActive.Set(float64(len(m.collectors)))
	return err
}

// applyCollectorLocked resolves entry's report config and computes
// report_ticks; it parks the collector (not an error) when the report
// config is missing.
func (m *Manager) applyCollectorLocked(entry *collectorEntry) error {
	rc, ok := m.reports[entry.cfg.ReportName]
	if !ok {
		entry.parked = true
		entry.reportCfg = nil
		entry.reportTicks = 0
		return ferr.ErrMissingReportConfig
	}
	entry.parked = false
	entry.reportCfg = rc
	if entry.cfg.SampleInterval <= 0 {
		entry.reportTicks = 0
		return nil
	}
	entry.reportTicks = rc.ReportInterval / entry.cfg.SampleInterval
	return nil
}

// UpdateCollectorConfig re-applies report-config resolution (fields are
// assumed already merged by the caller — only the "changed" bits the
// config layer marks are expected to differ). The sample timer period is
// recomputed as the minimum sample_interval across all collectors.
func (m *Manager) UpdateCollectorConfig(cfg CollectorConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.collectors[cfg.Name]
	if !ok {
		return fmt.Errorf("fcm: update unknown collector %q", cfg.Name)
	}
	entry.cfg = cfg
	err := m.applyCollectorLocked(entry)
	m.recomputeMinSamplePeriodLocked()
	return err
}

// DeleteCollectorConfig stops the collector: invokes Close, deregisters it,
// and frees its entry.
func (m *Manager) DeleteCollectorConfig(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.collectors[name]
	if !ok {
		return nil
	}
	delete(m.collectors, name)
	m.recomputeMinSamplePeriodLocked()
	metrics.FCMCollectorsActive.Set(float64(len(m.collectors)))
	return entry.plugin.Close()
}

func (m *Manager) recomputeMinSamplePeriodLocked() {
	min := 0
	for _, e := range m.collectors {
		if e.cfg.SampleInterval <= 0 {
			continue
		}
		if min == 0 || e.cfg.SampleInterval < min {
			min = e.cfg.SampleInterval
		}
	}
	m.minSamplePeriod = min
}

// MinSamplePeriod returns the global minimum sample_interval across every
// live collector (the single shared sample timer period).
func (m *Manager) MinSamplePeriod() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minSamplePeriod
}

// AddReportConfig inserts/updates a report config. On add, every parked
// collector referencing it is reapplied, matching the spec's "sweep
// revisits parked collectors" behavior. The purge interval (caller's
// responsibility to read back via MaxReportInterval) becomes
// max(report_interval) across all configs.
func (m *Manager) AddReportConfig(rc ReportConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[rc.Name] = &rc

	for _, entry := range m.collectors {
		if entry.parked && entry.cfg.ReportName == rc.Name {
			_ = m.applyCollectorLocked(entry)
		} else if entry.reportCfg != nil && entry.cfg.ReportName == rc.Name {
			_ = m.applyCollectorLocked(entry)
		}
	}
}

// DeleteReportConfig removes a report config; every collector referencing
// it is parked.
func (m *Manager) DeleteReportConfig(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reports, name)
	for _, entry := range m.collectors {
		if entry.cfg.ReportName == name {
			entry.parked = true
			entry.reportCfg = nil
			entry.reportTicks = 0
		}
	}
}

// MaxReportInterval returns max(report_interval) across all report
// configs — the aggregator purge timer's period.
func (m *Manager) MaxReportInterval() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, rc := range m.reports {
		if rc.ReportInterval > max {
			max = rc.ReportInterval
		}
	}
	return max
}

// SampleTick runs one sample-timer firing for the named collector: return
// ErrMissingReportConfig while it is parked, pull flows (left to the
// plugin/caller), invoke CollectPeriodic, advance the report-tick counter, and invoke SendReport
// once curr_ticks reaches a non-zero report_ticks.
func (m *Manager) SampleTick(ctx context.Context, name string, now int64) error {
	m.mu.Lock()
	entry, ok := m.collectors[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("fcm: sample tick for unknown collector %q", name)
	}
	if entry.parked {
		m.mu.Unlock()
		return ferr.ErrMissingReportConfig
	}
	m.mu.Unlock()

	if err := entry.plugin.CollectPeriodic(ctx, now); err != nil {
		m.log.WithField("collector", name).WithError(err).Warn("collect_periodic failed")
		return err
	}
	metrics.FCMSampleTicksTotal.WithLabelValues(name).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.reportTicks <= 0 {
		return nil
	}
	entry.currTicks++
	if entry.currTicks >= entry.reportTicks {
		if err := entry.plugin.SendReport(ctx, now); err != nil {
			m.log.WithField("collector", name).WithError(err).Warn("send_report failed")
			return err
		}
		entry.reportCount++
		entry.currTicks = 0
		metrics.FCMReportsSentTotal.WithLabelValues(name).Inc()
	}
	return nil
}

// ReportCount returns the named collector's report.count, for tests and
// diagnostics (see §8 scenario 1).
func (m *Manager) ReportCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.collectors[name]; ok {
		return e.reportCount
	}
	return 0
}

// Status is a point-in-time snapshot of the manager's bookkeeping, for the
// fcm.status control-plane command.
type Status struct {
	Collectors      int
	ParkedCollectors int
	Reports         int
	MinSamplePeriod int
	MaxMemKB        int64
}

// Status reports collector/report counts and the memory watchdog
// threshold, matching fcmctl's `status` subcommand.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		Collectors:      len(m.collectors),
		Reports:         len(m.reports),
		MinSamplePeriod: m.minSamplePeriod,
		MaxMemKB:        m.maxMemKB,
	}
	for _, e := range m.collectors {
		if e.parked {
			s.ParkedCollectors++
		}
	}
	return s
}

// SetMaxMemKB sets the memory watchdog threshold (kB) and the callback
// invoked when it trips. In production the callback triggers a clean
// process exit; the orchestrator restarts it.
func (m *Manager) SetMaxMemKB(kb int64, onHit func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxMemKB = kb
	m.onMaxMemHit = onHit
}

// ManagerTick runs the coarse manager-periodic firing: reads self RSS and
// trips the watchdog if it exceeds max_mem, then purges the aggregator's
// expired accumulators. Any plugin exposing a Periodic hook (via
// PeriodicPlugin) is also invoked.
func (m *Manager) ManagerTick(now int64) {
	rss, unit, err := m.readMemRSS()
	if err != nil {
		m.log.WithError(err).Warn("failed to read self memory status")
	} else {
		metrics.FCMManagerRSSKB.Set(float64(rss))
		if unit != "kB" {
			// Open question (preserved): non-kB units warn but do not
			// abort the check.
			m.log.WithField("unit", unit).Warn("unexpected memory unit in /proc/self/status")
		}
		m.mu.Lock()
		maxMem := m.maxMemKB
		onHit := m.onMaxMemHit
		m.mu.Unlock()
		if maxMem > 0 && rss > maxMem {
			m.log.WithField("rss_kb", rss).WithField("max_mem_kb", maxMem).Warn("memory watchdog tripped, exiting")
			if onHit != nil {
				onHit()
			}
		}
	}

	if m.agg != nil {
		m.agg.Purge(timeFromUnix(now))
	}

	m.mu.Lock()
	entries := make([]*collectorEntry, 0, len(m.collectors))
	for _, e := range m.collectors {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].cfg.Name < entries[j].cfg.Name })
	for _, e := range entries {
		if pp, ok := e.plugin.(PeriodicPlugin); ok {
			if err := pp.Periodic(now); err != nil {
				m.log.WithField("collector", e.cfg.Name).WithError(err).Warn("periodic hook failed")
			}
		}
	}
}

// PeriodicPlugin is an optional extension a Plugin may implement to receive
// the coarse manager-periodic tick (in addition to its own sample timer).
type PeriodicPlugin interface {
	Periodic(now int64) error
}

// MaxMemKB computes the Node_Config max_mem_percent -> Node_State.max_mem
// conversion: max_mem (kB) = (total_ram_bytes * percent) / 100 / 1000.
func MaxMemKB(totalRAMBytes int64, percent int) int64 {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return (totalRAMBytes * int64(percent)) / 100 / 1000
}
