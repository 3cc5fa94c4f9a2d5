package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowguard/internal/core"
	"flowguard/pkg/plugin"
)

// mockBatchReporter implements both Reporter and BatchReporter.
type mockBatchReporter struct {
	mockReporter
	batchCalls []int // records len(batch) for each ReportBatch call
	batchMu    sync.Mutex
	batchErr   error // if non-nil, ReportBatch returns this
}

func (m *mockBatchReporter) ReportBatch(ctx context.Context, pkts []*core.OutputPacket) error {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	m.batchCalls = append(m.batchCalls, len(pkts))
	if m.batchErr != nil {
		return m.batchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pkt := range pkts {
		m.reported = append(m.reported, *pkt)
	}
	return nil
}

func (m *mockBatchReporter) getBatchCalls() []int {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	cp := make([]int, len(m.batchCalls))
	copy(cp, m.batchCalls)
	return cp
}

// --- Tests ---

func TestReporterWrapper_BatchesBySize(t *testing.T) {
	br := &mockBatchReporter{mockReporter: mockReporter{name: "batch-test"}}
	w := NewReporterWrapper(WrapperConfig{
		Primary:      br,
		BatchSize:    5,
		BatchTimeout: 1 * time.Second, // long timeout so only size triggers flush
	})

	ctx := context.Background()
	w.Start(ctx)

	// Send exactly 10 packets → expect 2 batches of 5
	for i := 0; i < 10; i++ {
		w.Send(&core.OutputPacket{SrcPort: uint16(i)})
	}

	// Close and wait for drain
	w.Close()

	calls := br.getBatchCalls()
	totalPkts := 0
	for _, n := range calls {
		totalPkts += n
	}
	if totalPkts != 10 {
		t.Errorf("expected 10 total packets, got %d across %d calls", totalPkts, len(calls))
	}

	pkts := br.packets()
	if len(pkts) != 10 {
		t.Errorf("expected 10 reported packets, got %d", len(pkts))
	}
}

func TestReporterWrapper_BatchesByTimeout(t *testing.T) {
	br := &mockBatchReporter{mockReporter: mockReporter{name: "timeout-test"}}
	w := NewReporterWrapper(WrapperConfig{
		Primary:      br,
		BatchSize:    1000, // large batch size so only timeout triggers
		BatchTimeout: 20 * time.Millisecond,
	})

	ctx := context.Background()
	w.Start(ctx)

	// Send 3 packets (below batch size)
	for i := 0; i < 3; i++ {
		w.Send(&core.OutputPacket{SrcPort: uint16(i)})
	}

	// Wait for timeout to trigger flush
	time.Sleep(100 * time.Millisecond)

	// Verify packets were flushed by timeout
	pkts := br.packets()
	if len(pkts) != 3 {
		t.Errorf("expected 3 packets flushed by timeout, got %d", len(pkts))
	}

	w.Close()
}

func TestReporterWrapper_FallbackOnPrimaryFailure(t *testing.T) {
	primary := &mockBatchReporter{
		mockReporter: mockReporter{name: "primary"},
		batchErr:     fmt.Errorf("kafka unavailable"),
	}
	fallback := &mockReporter{name: "fallback"}

	w := NewReporterWrapper(WrapperConfig{
		Primary:      primary,
		Fallback:     fallback,
		BatchSize:    5,
		BatchTimeout: 1 * time.Second,
	})

	ctx := context.Background()
	w.Start(ctx)

	// Send 5 packets → batch triggers → primary fails → fallback receives all
	for i := 0; i < 5; i++ {
		w.Send(&core.OutputPacket{SrcPort: uint16(i)})
	}

	w.Close()

	// Primary should have been called but failed
	calls := primary.getBatchCalls()
	if len(calls) == 0 {
		t.Error("expected primary ReportBatch to be called at least once")
	}

	// Primary should have no successful packets
	primaryPkts := primary.packets()
	if len(primaryPkts) != 0 {
		t.Errorf("expected 0 packets in primary (it failed), got %d", len(primaryPkts))
	}

	// Fallback should have received all 5
	fallbackPkts := fallback.packets()
	if len(fallbackPkts) != 5 {
		t.Errorf("expected 5 packets in fallback, got %d", len(fallbackPkts))
	}
}

func TestReporterWrapper_NonBatchReporterFallsBack(t *testing.T) {
	// mockReporter does NOT implement BatchReporter, so wrapper sends one-by-one.
	rep := &mockReporter{name: "non-batch"}
	w := NewReporterWrapper(WrapperConfig{
		Primary:      rep,
		BatchSize:    3,
		BatchTimeout: 1 * time.Second,
	})

	ctx := context.Background()
	w.Start(ctx)

	for i := 0; i < 3; i++ {
		w.Send(&core.OutputPacket{SrcPort: uint16(i)})
	}

	w.Close()

	pkts := rep.packets()
	if len(pkts) != 3 {
		t.Errorf("expected 3 packets via Report(), got %d", len(pkts))
	}
}

func TestReporterWrapper_FlushOnClose(t *testing.T) {
	// Verify that Close() flushes remaining packets even if batch is not full.
	var received atomic.Int32
	rep := &mockReporter{
		name: "flush-test",
		reportHook: func(ctx context.Context, pkt *core.OutputPacket) error {
			received.Add(1)
			return nil
		},
	}
	w := NewReporterWrapper(WrapperConfig{
		Primary:      rep,
		BatchSize:    1000,          // never hits size threshold
		BatchTimeout: 1 * time.Hour, // never hits timeout
	})

	ctx := context.Background()
	w.Start(ctx)

	// Send 7 packets (well below batch size and timeout)
	for i := 0; i < 7; i++ {
		w.Send(&core.OutputPacket{SrcPort: uint16(i)})
	}

	// Close forces flush
	w.Close()

	if received.Load() != 7 {
		t.Errorf("expected 7 packets flushed on Close, got %d", received.Load())
	}
}

// Verify the BatchReporter interface contract with the test's mockBatchReporter
// at compile time.
func TestBatchReporterInterface(t *testing.T) {
	// This is a compile-time check. If mockBatchReporter doesn't satisfy
	// BatchReporter, this won't compile.
	var _ plugin.BatchReporter = (*mockBatchReporter)(nil)
}

func TestReporterWrapper_MetricsRecorded(t *testing.T) {
	// Run the wrapper with a TaskID set (the batch-size histogram's label) and
	// verify the batches it delivers.
	br := &mockBatchReporter{mockReporter: mockReporter{name: "metrics-test"}}
	w := NewReporterWrapper(WrapperConfig{
		Primary:      br,
		TaskID:       "task-metrics-test",
		BatchSize:    3,
		BatchTimeout: 1 * time.Second,
	})

	ctx := context.Background()
	w.Start(ctx)

	for i := 0; i < 6; i++ {
		w.Send(&core.OutputPacket{SrcPort: uint16(i)})
	}
	w.Close()

	calls := br.getBatchCalls()
	if len(calls) < 2 {
		t.Fatalf("expected at least 2 batch calls, got %d", len(calls))
	}

	// We can't easily read promauto metrics in tests without the Prometheus
	// registry, but the fact that build+run succeeds means the metric vars
	// are correctly wired. We verify the wrapper records batches.
	total := 0
	for _, n := range calls {
		total += n
	}
	if total != 6 {
		t.Errorf("expected 6 total packets across batches, got %d", total)
	}
}

func TestReporterWrapper_ErrorMetricsRecorded(t *testing.T) {
	primary := &mockBatchReporter{
		mockReporter: mockReporter{name: "err-metrics"},
		batchErr:     fmt.Errorf("send failed"),
	}
	w := NewReporterWrapper(WrapperConfig{
		Primary:      primary,
		TaskID:       "task-err-test",
		BatchSize:    2,
		BatchTimeout: 1 * time.Second,
	})

	ctx := context.Background()
	w.Start(ctx)

	for i := 0; i < 2; i++ {
		w.Send(&core.OutputPacket{SrcPort: uint16(i)})
	}
	w.Close()

	// Primary should have been called and failed
	calls := primary.getBatchCalls()
	if len(calls) == 0 {
		t.Error("expected primary batch call")
	}
}
