package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/policyshield/policyshield/internal/domain/trace"
)

// memTraceStore collects appended records for assertions.
type memTraceStore struct {
	mu      sync.Mutex
	records []trace.Record
	flushes int
	delay   time.Duration
}

func (m *memTraceStore) Append(_ context.Context, records ...trace.Record) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *memTraceStore) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func (m *memTraceStore) Close() error { return nil }

func (m *memTraceStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *memTraceStore) flushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

func (m *memTraceStore) all() []trace.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]trace.Record, len(m.records))
	copy(out, m.records)
	return out
}

// eventually polls cond until it returns true or the deadline passes.
func eventually(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTraceService_BatchFlushOnSize(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memTraceStore{}
	svc := NewTraceService(store, discardLogger(),
		WithBatchSize(3),
		WithFlushInterval(time.Hour), // only size-based flushing
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 3; i++ {
		svc.Record(trace.Record{Tool: fmt.Sprintf("tool_%d", i), TS: time.Now().UTC()})
	}

	eventually(t, 2*time.Second, "batch write", func() bool { return store.count() == 3 })

	svc.Stop()
}

func TestTraceService_FlushWritesPendingAndSyncs(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memTraceStore{}
	svc := NewTraceService(store, discardLogger(),
		WithBatchSize(100),
		WithFlushInterval(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	svc.Record(trace.Record{Tool: "a", TS: time.Now().UTC()})
	svc.Record(trace.Record{Tool: "b", TS: time.Now().UTC()})

	if err := svc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if got := store.count(); got != 2 {
		t.Errorf("records after Flush = %d, want 2", got)
	}
	if store.flushCount() == 0 {
		t.Error("store.Flush was never called")
	}

	svc.Stop()
}

func TestTraceService_StopFlushesPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memTraceStore{}
	svc := NewTraceService(store, discardLogger(),
		WithBatchSize(100),
		WithFlushInterval(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	svc.Record(trace.Record{Tool: "a", TS: time.Now().UTC()})
	svc.Record(trace.Record{Tool: "b", TS: time.Now().UTC()})
	svc.Stop()

	if got := store.count(); got != 2 {
		t.Errorf("records after Stop = %d, want 2", got)
	}
	if store.flushCount() == 0 {
		t.Error("store.Flush was never called on shutdown")
	}
}

func TestTraceService_PrivacyModeHashesArgs(t *testing.T) {
	store := &memTraceStore{}
	svc := NewTraceService(store, discardLogger(), WithPrivacyMode(true))

	// Worker not started: inspect the queued record directly.
	svc.Record(trace.Record{
		Tool: "db_query",
		Args: map[string]interface{}{"query": "SELECT 1", "limit": 10},
	})
	got := <-svc.traceChan

	if got.Args != nil {
		t.Errorf("privacy mode kept args: %v", got.Args)
	}
	if len(got.ArgsHash) != 64 {
		t.Errorf("args_hash = %q, want 64 hex chars", got.ArgsHash)
	}

	// A record without args carries neither field.
	svc.Record(trace.Record{Tool: "ping"})
	got = <-svc.traceChan
	if got.Args != nil || got.ArgsHash != "" {
		t.Errorf("empty-args record = args %v hash %q, want neither", got.Args, got.ArgsHash)
	}
}

func TestTraceService_NormalModeRedactsSensitiveKeys(t *testing.T) {
	store := &memTraceStore{}
	svc := NewTraceService(store, discardLogger())

	svc.Record(trace.Record{
		Tool: "http_post",
		Args: map[string]interface{}{"url": "https://example.com", "api_key": "sk-123"},
	})
	got := <-svc.traceChan

	if got.ArgsHash != "" {
		t.Errorf("normal mode set args_hash %q", got.ArgsHash)
	}
	if got.Args["api_key"] != "***REDACTED***" {
		t.Errorf("api_key = %v, want redacted", got.Args["api_key"])
	}
	if got.Args["url"] != "https://example.com" {
		t.Errorf("url = %v, want untouched", got.Args["url"])
	}
}

func TestTraceService_OverflowWithTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Slow store to cause backpressure
	slowStore := &memTraceStore{delay: 50 * time.Millisecond}

	svc := NewTraceService(slowStore, discardLogger(),
		WithChannelSize(2),
		WithSendTimeout(10*time.Millisecond),
		WithBatchSize(1),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 10; i++ {
		svc.Record(trace.Record{Tool: fmt.Sprintf("tool_%d", i), TS: time.Now()})
	}

	time.Sleep(150 * time.Millisecond)

	if drops := svc.DroppedRecords(); drops == 0 {
		t.Error("expected some records to be dropped due to timeout")
	}
	if capacity := svc.ChannelCapacity(); capacity != 2 {
		t.Errorf("expected capacity=2, got %d", capacity)
	}

	cancel()
	svc.Stop()
}

func TestTraceService_DroppedRecordsCounter(t *testing.T) {
	defer goleak.VerifyNone(t)

	slowStore := &memTraceStore{delay: 500 * time.Millisecond}

	svc := NewTraceService(slowStore, discardLogger(),
		WithChannelSize(1),
		WithSendTimeout(0), // Drop immediately
		WithBatchSize(1),
	)

	if drops := svc.DroppedRecords(); drops != 0 {
		t.Errorf("expected 0 initial drops, got %d", drops)
	}

	// Fill channel directly (1 record) - don't start worker yet
	select {
	case svc.traceChan <- trace.Record{Tool: "fill"}:
	default:
		t.Fatal("failed to fill channel")
	}

	// All dropped: channel full, no timeout, no worker draining
	svc.Record(trace.Record{Tool: "drop1"})
	svc.Record(trace.Record{Tool: "drop2"})
	svc.Record(trace.Record{Tool: "drop3"})

	if drops := svc.DroppedRecords(); drops != 3 {
		t.Errorf("expected 3 drops, got %d", drops)
	}

	// Drain channel to avoid leak
	close(svc.traceChan)
	for range svc.traceChan {
	}
}

func TestTraceService_ChannelDepthWarning(t *testing.T) {
	defer goleak.VerifyNone(t)

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	slowStore := &memTraceStore{delay: 100 * time.Millisecond}

	svc := NewTraceService(slowStore, logger,
		WithChannelSize(10),
		WithWarningThreshold(80),
		WithSendTimeout(0),
	)

	// Don't start worker - let channel fill up to 90%
	for i := 0; i < 9; i++ {
		select {
		case svc.traceChan <- trace.Record{Tool: fmt.Sprintf("tool_%d", i)}:
		default:
			t.Fatalf("channel unexpectedly full at %d", i)
		}
	}

	// Next Record() crosses the 80% threshold
	svc.Record(trace.Record{Tool: "trigger"})

	if !strings.Contains(logBuf.String(), "approaching capacity") {
		t.Errorf("expected warning log about channel capacity, got: %s", logBuf.String())
	}

	// Drain channel to avoid leak
	close(svc.traceChan)
	for range svc.traceChan {
	}
}

func TestTraceService_ContextCancelDrainsQueued(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memTraceStore{}
	svc := NewTraceService(store, discardLogger(),
		WithBatchSize(100),
		WithFlushInterval(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	svc.Record(trace.Record{Tool: "a"})
	svc.Record(trace.Record{Tool: "b"})
	cancel()

	eventually(t, 2*time.Second, "drain on cancel", func() bool { return store.count() == 2 })
	svc.Stop()
}

func TestTraceService_NoDropWithSufficientBuffer(t *testing.T) {
	defer goleak.VerifyNone(t)

	slowStore := &memTraceStore{delay: 10 * time.Millisecond}

	svc := NewTraceService(slowStore, discardLogger(),
		WithChannelSize(100),
		WithSendTimeout(100*time.Millisecond),
		WithBatchSize(10),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 50; i++ {
		svc.Record(trace.Record{Tool: fmt.Sprintf("tool_%d", i), TS: time.Now()})
	}

	time.Sleep(200 * time.Millisecond)

	if drops := svc.DroppedRecords(); drops != 0 {
		t.Errorf("expected 0 drops with large buffer, got %d", drops)
	}

	cancel()
	svc.Stop()
}

func TestTraceService_RecordOrderPreserved(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memTraceStore{}
	svc := NewTraceService(store, discardLogger(),
		WithBatchSize(2),
		WithFlushInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 5; i++ {
		svc.Record(trace.Record{RequestID: fmt.Sprintf("req-%d", i)})
	}
	eventually(t, 2*time.Second, "all records written", func() bool { return store.count() == 5 })

	for i, rec := range store.all() {
		if want := fmt.Sprintf("req-%d", i); rec.RequestID != want {
			t.Errorf("record[%d].RequestID = %q, want %q", i, rec.RequestID, want)
		}
	}

	svc.Stop()
}
