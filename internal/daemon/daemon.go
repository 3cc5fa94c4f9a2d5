// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"flowguard/internal/command"
	"flowguard/internal/config"
	logpkg "flowguard/internal/log"
	"flowguard/internal/metrics"
	"flowguard/internal/task"
	"flowguard/pkg/aggregator"
	"flowguard/pkg/fcm"
	"flowguard/pkg/filter"
	"flowguard/pkg/gatekeeper"
	"flowguard/pkg/report"
	"flowguard/pkg/rts"
)

// Daemon manages the capture-agent daemon process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	taskManager   *task.TaskManager
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	kafkaConsumer *command.KafkaCommandConsumer // nil if command channel disabled
	metricsServer *metrics.Server               // nil if metrics disabled

	// Flow collection manager / RTS / gatekeeper runtime
	aggregator    *aggregator.Aggregator
	filterEngine  *filter.Engine
	fcmManager    *fcm.Manager
	cfgDispatcher *config.Dispatcher
	rtsQueue      *rts.Queue
	rtsPool       *rts.HandlePool
	gkCache       *gatekeeper.Cache
	gkStore       *gatekeeper.FileStore
	gkTicker      *time.Ticker
	reportSink    report.Sink
	reportTopic   string
	reportTicker  *time.Ticker

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal // promoted from Run() local for cleanup in Stop()
}

// New creates a new Daemon instance.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	// Load global configuration
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Create daemon instance
	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
	}

	// Create context for lifecycle management
	d.ctx, d.cancel = context.WithCancel(context.Background())

	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	slog.Info("starting capture-agent daemon",
		"version", "0.1.0",
		"hostname", d.config.Node.Hostname,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Create task manager with optional persistence store.
	var taskStore task.TaskStore
	if d.config.TaskPersistence.Enabled {
		storeDir := filepath.Join(d.config.DataDir, "tasks")
		store, storeErr := task.NewFileTaskStore(storeDir)
		if storeErr != nil {
			slog.Warn("failed to initialise task store, persistence disabled",
				"dir", storeDir, "error", storeErr)
		} else {
			taskStore = store
		}
	}
	d.taskManager = task.NewTaskManager(d.config.Node.Hostname, taskStore)

	// Restore previously active tasks from the persistent store.
	if d.config.TaskPersistence.Enabled && taskStore != nil {
		d.taskManager.Restore(d.config.TaskPersistence.AutoRestart)
	}

	// Start in-process GC goroutine to prune stale task history records.
	if d.config.TaskPersistence.Enabled && taskStore != nil {
		gcInterval, err := time.ParseDuration(d.config.TaskPersistence.GCInterval)
		if err != nil {
			slog.Warn("invalid task_persistence.gc_interval, defaulting to 1h",
				"value", d.config.TaskPersistence.GCInterval, "error", err)
			gcInterval = time.Hour
		}
		go func() {
			ticker := time.NewTicker(gcInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					d.taskManager.GCOldTasks(d.config.TaskPersistence.MaxTaskHistory)
				case <-d.ctx.Done():
					return
				}
			}
		}()
	}

	// 5. Create command handler
	d.cmdHandler = command.NewCommandHandler(d.taskManager, d)

	// 6. Wire shutdown handler so daemon_shutdown command can trigger graceful stop
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon_shutdown command")
		d.TriggerShutdown()
	})

	// 6a. Initialize the flow collection manager / RTS / gatekeeper runtime
	// and expose it over the same control socket.
	if err := d.startFlowCollection(); err != nil {
		return fmt.Errorf("failed to start flow collection manager: %w", err)
	}
	d.cmdHandler.SetFlowCollection(d.fcmManager, d.rtsPool, d.gkCache, d.gkStore, d.cfgDispatcher, d)

	// 7. Start UDS server for CLI control
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && err != context.Canceled {
			slog.Error("uds server failed", "error", err)
		}
	}()

	// 8. Start Kafka command consumer (if enabled)
	if d.config.CommandChannel.Enabled && d.config.CommandChannel.Type == "kafka" {
		if err := d.startKafkaConsumer(); err != nil {
			slog.Error("failed to start kafka consumer", "error", err)
			// Non-fatal: daemon can still run with UDS-only control
		}
	}

	slog.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components.
func (d *Daemon) Stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop Kafka command consumer first (no new commands)
	if d.kafkaConsumer != nil {
		slog.Info("stopping kafka command consumer")
		if err := d.kafkaConsumer.Stop(); err != nil {
			slog.Error("error stopping kafka consumer", "error", err)
		}
		d.kafkaConsumer = nil // prevent double-stop on repeated calls
	}

	// 2. Stop all running tasks
	slog.Info("stopping all tasks")
	if err := d.taskManager.StopAll(); err != nil {
		slog.Error("error stopping tasks", "error", err)
	}

	// 3. Stop UDS server (no new CLI commands)
	slog.Info("stopping uds server")
	d.udsServer.Stop()

	// 4. Stop metrics server
	if d.metricsServer != nil {
		slog.Info("stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	// 5. Stop the gatekeeper persist ticker and flush one last snapshot
	if d.gkTicker != nil {
		d.gkTicker.Stop()
	}
	if d.gkStore != nil && d.gkCache != nil {
		slog.Info("persisting gatekeeper cache", "entries", d.gkCache.Len())
		gatekeeper.Persist(d.gkStore, d.gkCache)
	}

	// 5b. Stop the report ticker and close the sink
	if d.reportTicker != nil {
		d.reportTicker.Stop()
	}
	if d.reportSink != nil {
		if err := d.reportSink.Close(); err != nil {
			slog.Error("error closing report sink", "error", err)
		}
	}

	// 5a. Cancel context to signal all goroutines
	d.cancel()

	// 6. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 7. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	// 8. Flush logs
	logpkg.Flush()

	slog.Info("daemon stopped gracefully")
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon_shutdown command via UDS/Kafka
//  3. SIGHUP triggers config reload
func (d *Daemon) Run() error {
	// Setup signal handling
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				} else {
					slog.Info("configuration reloaded successfully")
				}
			}

		case <-d.shutdownChan:
			// Shutdown triggered by daemon_shutdown command
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			// Context cancelled externally
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload reloads the global configuration.
// Hot-reloadable: log level/format, metrics collect interval.
// Cold (requires restart): node.hostname, task definitions, listen addresses.
// Implements ConfigReloader interface for CommandHandler.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	// Track what was hot-reloaded for the log message
	hotReloaded := []string{}

	// 1. Re-initialize logging with new config (log level + format)
	oldConfig := d.config
	oldLevel := oldConfig.Log.Level
	oldFormat := oldConfig.Log.Format
	d.config = newConfig
	if err := d.initLogging(); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
		// Non-fatal: old logging continues
	} else if newConfig.Log.Level != oldLevel || newConfig.Log.Format != oldFormat {
		hotReloaded = append(hotReloaded, "log")
	}

	// 2. Update metrics collection interval if changed
	if newConfig.Metrics.CollectInterval != "" {
		if interval, err := time.ParseDuration(newConfig.Metrics.CollectInterval); err == nil && interval > 0 {
			d.taskManager.UpdateMetricsInterval(interval)
			hotReloaded = append(hotReloaded, "metrics_interval")
		} else if err != nil {
			slog.Warn("invalid metrics.collect_interval, ignoring",
				"value", newConfig.Metrics.CollectInterval,
				"error", err)
		}
	}

	// 3. Warn about cold-reload items that changed
	requiresRestart := []string{}
	if newConfig.Node.Hostname != oldConfig.Node.Hostname {
		requiresRestart = append(requiresRestart, "node.hostname")
	}
	if newConfig.Metrics.Listen != oldConfig.Metrics.Listen {
		requiresRestart = append(requiresRestart, "metrics.listen")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)

	return nil
}

// TriggerShutdown triggers graceful shutdown from external caller (e.g., daemon_shutdown command).
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
		// Shutdown signal sent
	default:
		// Channel already has a value (shutdown pending), no-op
	}
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}

	// Update global slog default to use the configured logger
	slog.SetDefault(logpkg.Get())

	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)

	return nil
}

// startFlowCollection builds the flow collection manager, its shared
// aggregator and filter engine, the RTS signature-engine handle pool, and
// the gatekeeper attribute cache (restoring it from disk if a prior
// snapshot exists). It wires internal/config.Dispatcher so later dynamic
// CollectorConfig/ReportConfig/FilterConfig events reach the right
// subsystem, and starts the background tickers that drive the manager
// tick, the flow report and the gatekeeper cache's periodic flush.
func (d *Daemon) startFlowCollection() error {
	fcmCfg := d.config.FCM

	windowTTL, err := time.ParseDuration(fcmCfg.Aggregator.WindowTTL)
	if err != nil {
		slog.Warn("invalid fcm.aggregator.window_ttl, defaulting to 5m",
			"value", fcmCfg.Aggregator.WindowTTL, "error", err)
		windowTTL = 5 * time.Minute
	}
	capacity := fcmCfg.Aggregator.Capacity
	if capacity <= 0 {
		capacity = 16384
	}
	d.aggregator = aggregator.New(windowTTL, capacity)
	d.filterEngine = filter.New()
	d.fcmManager = fcm.New(d.aggregator, d.filterEngine, nil)
	d.fcmManager.SetMaxMemKB(fcm.MaxMemKB(readTotalRAMBytes(), 80), func() {
		slog.Error("memory watchdog tripped, triggering graceful shutdown")
		d.TriggerShutdown()
	})

	d.cfgDispatcher = config.NewDispatcher(d.fcmManager, d.filterEngine)
	d.cfgDispatcher.TotalRAMBytes = readTotalRAMBytes()
	d.cfgDispatcher.OnMaxMemHit = func() { d.TriggerShutdown() }

	handleCount := fcmCfg.RTS.Handles
	if handleCount <= 0 {
		handleCount = 1
	}
	poolBytes := fcmCfg.RTS.PoolBytes
	if poolBytes <= 0 {
		poolBytes = 2 << 20
	}
	d.rtsQueue = rts.NewQueue()
	d.rtsPool = rts.NewHandlePool()
	for i := 0; i < handleCount; i++ {
		name := fmt.Sprintf("handle-%d", i)
		d.rtsPool.AddHandle(name, rts.NewHandleSized(d.rtsQueue, poolBytes))
	}
	if fcmCfg.RTS.SignatureBundlePath != "" {
		if err := d.LoadSignatureBundle(fcmCfg.RTS.SignatureBundlePath); err != nil {
			slog.Warn("failed to load initial RTS signature bundle, handles start unloaded",
				"path", fcmCfg.RTS.SignatureBundlePath, "error", err)
		}
	}

	gkDir := filepath.Join(d.config.DataDir, "gatekeeper")
	gkStore, err := gatekeeper.NewFileStore(gkDir)
	if err != nil {
		return fmt.Errorf("create gatekeeper store: %w", err)
	}
	d.gkStore = gkStore
	d.gkCache = gatekeeper.NewCache()
	if result, err := gatekeeper.Restore(d.gkStore, d.gkCache); err != nil {
		slog.Warn("failed to restore gatekeeper cache, starting empty", "error", err)
	} else if result.Succeeded > 0 || result.Failed > 0 {
		slog.Info("restored gatekeeper cache",
			"succeeded", result.Succeeded, "failed", result.Failed)
	}

	persistInterval, err := time.ParseDuration(fcmCfg.Gatekeeper.PersistInterval)
	if err != nil {
		slog.Warn("invalid fcm.gatekeeper.persist_interval, defaulting to 1m",
			"value", fcmCfg.Gatekeeper.PersistInterval, "error", err)
		persistInterval = time.Minute
	}
	d.gkTicker = time.NewTicker(persistInterval)
	go func() {
		for {
			select {
			case <-d.gkTicker.C:
				gatekeeper.Persist(d.gkStore, d.gkCache)
			case <-d.ctx.Done():
				return
			}
		}
	}()

	if len(fcmCfg.Report.Brokers) > 0 {
		sink, err := report.NewKafkaSink(report.KafkaConfig{Brokers: fcmCfg.Report.Brokers})
		if err != nil {
			slog.Warn("failed to build kafka report sink, falling back to log sink", "error", err)
			d.reportSink = report.NewLogSink()
		} else {
			d.reportSink = sink
		}
	} else {
		d.reportSink = report.NewLogSink()
	}
	d.reportTopic = fcmCfg.Report.Topic
	if d.reportTopic == "" {
		d.reportTopic = "flow-reports"
	}

	reportInterval, err := time.ParseDuration(fcmCfg.Report.Interval)
	if err != nil {
		slog.Warn("invalid fcm.report.interval, defaulting to 30s",
			"value", fcmCfg.Report.Interval, "error", err)
		reportInterval = 30 * time.Second
	}
	d.reportTicker = time.NewTicker(reportInterval)
	go d.runReportTicks()

	go d.runFlowCollectionManagerTicks()

	slog.Info("flow collection manager started",
		"rts_handles", handleCount, "rts_pool_bytes", poolBytes,
		"aggregator_window_ttl", windowTTL, "aggregator_capacity", capacity)
	return nil
}

// runReportTicks closes the aggregator's active window on each tick,
// drains every window ClosedWindows has accumulated since the last run,
// and ships them as one FlowReport through the configured Sink.
func (d *Daemon) runReportTicks() {
	for {
		select {
		case <-d.reportTicker.C:
			now := time.Now()
			d.aggregator.CloseActiveWindow(now, aggregator.FormatCumulative)
			closed := d.aggregator.ClosedWindows()
			if len(closed) == 0 {
				continue
			}
			windows := make([]report.FlowWindow, 0, len(closed))
			for _, w := range closed {
				windows = append(windows, report.FromAggregatorWindow(w, nil))
			}
			nodeID, locationID := d.cfgDispatcher.ObservationPoint()
			r := report.NewFlowReport(now, report.ObservationPoint{NodeID: nodeID, LocationID: locationID}, windows)
			if err := d.reportSink.SendFlowReport(d.ctx, d.reportTopic, r); err != nil {
				slog.Warn("failed to send flow report", "error", err)
				metrics.ReportSinkErrorsTotal.WithLabelValues(d.reportTopic).Inc()
			} else {
				metrics.ReportSinkSentTotal.WithLabelValues(d.reportTopic).Inc()
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// runFlowCollectionManagerTicks is the manager's production driver: a
// one-second wall clock tick feeds ManagerTick (memory watchdog, purge,
// periodic plugin hook). It does not call SampleTick, so collectors'
// sample timers, and the report ticks that SampleTick advances, are not
// driven by this loop. Manager.SampleTick/ManagerTick take the
// caller-supplied "now", so tests exercise them directly without this loop.
func (d *Daemon) runFlowCollectionManagerTicks() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now().Unix()
			d.fcmManager.ManagerTick(now)
		case <-d.ctx.Done():
			return
		}
	}
}

// LoadSignatureBundle reads path and loads it into every handle in the
// pool, matching rts.reload_signatures's on-demand hot-reload contract. A
// handle that fails to load the new bundle keeps running its previous one
// (Handle.Load only swaps state after a successful parse), so one bad
// handle doesn't take the rest of the pool down. Implements
// command.SignatureLoader.
func (d *Daemon) LoadSignatureBundle(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read signature bundle %q: %w", path, err)
	}
	var errs error
	d.rtsPool.Each(func(name string, h *rts.Handle) {
		if err := h.Load(data); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("handle %q: %w", name, err))
		}
	})
	return errs
}

// readTotalRAMBytes reads /proc/meminfo's MemTotal for the
// max_mem_percent -> max_mem (kB) conversion; 0 disables the watchdog
// threshold if it cannot be determined.
func readTotalRAMBytes() int64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range splitLines(string(data)) {
		var label string
		var kb int64
		if n, _ := fmt.Sscanf(line, "%s %d kB", &label, &kb); n == 2 && label == "MemTotal:" {
			return kb * 1024
		}
	}
	return 0
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// startKafkaConsumer starts the Kafka command consumer in background.
func (d *Daemon) startKafkaConsumer() error {
	consumer, err := command.NewKafkaCommandConsumer(
		d.config.CommandChannel,
		d.config.Node.Hostname,
		d.cmdHandler,
	)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	d.kafkaConsumer = consumer

	// Start consumer in background goroutine
	go func() {
		if err := consumer.Start(d.ctx); err != nil && err != context.Canceled {
			slog.Error("kafka consumer stopped with error", "error", err)
		}
	}()

	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	slog.Info("metrics server started",
		"addr", d.config.Metrics.Listen,
		"path", d.config.Metrics.Path,
	)

	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
