package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wolfman30/replies-engine/pkg/logging"
)

type mockExtender struct {
	mu    sync.Mutex
	calls []int32
	err   error
}

func (m *mockExtender) ExtendVisibility(_ context.Context, _ string, extensionSeconds int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, extensionSeconds)
	return m.err
}

func (m *mockExtender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestHeartbeat_ExtendsUntilStopped(t *testing.T) {
	extender := &mockExtender{}
	hb := NewHeartbeat(extender, "handle-1", 10*time.Millisecond, 600*time.Second, logging.Default())

	hb.Start(context.Background())
	time.Sleep(55 * time.Millisecond)
	if err := hb.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	count := extender.callCount()
	if count < 2 {
		t.Fatalf("expected at least 2 extensions, got %d", count)
	}
	extender.mu.Lock()
	first := extender.calls[0]
	extender.mu.Unlock()
	if first != 600 {
		t.Fatalf("extension seconds = %d, want 600", first)
	}

	after := count
	time.Sleep(30 * time.Millisecond)
	if extender.callCount() != after {
		t.Fatal("heartbeat kept ticking after Stop")
	}
}

func TestHeartbeat_ReportsFirstError(t *testing.T) {
	wantErr := errors.New("receipt handle expired")
	extender := &mockExtender{err: wantErr}
	hb := NewHeartbeat(extender, "handle-1", 5*time.Millisecond, time.Second, logging.Default())

	hb.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	if err := hb.Stop(); !errors.Is(err, wantErr) {
		t.Fatalf("Stop error = %v, want %v", err, wantErr)
	}
}

func TestHeartbeat_StopsExtendingAfterFirstError(t *testing.T) {
	extender := &mockExtender{err: errors.New("receipt handle expired")}
	hb := NewHeartbeat(extender, "handle-1", 5*time.Millisecond, time.Second, logging.Default())

	hb.Start(context.Background())
	time.Sleep(60 * time.Millisecond)

	if count := extender.callCount(); count != 1 {
		t.Fatalf("extend calls after first error = %d, want 1", count)
	}
	if err := hb.Stop(); err == nil {
		t.Fatal("expected Stop to surface the extension error")
	}
}

func TestHeartbeat_StopIsIdempotent(t *testing.T) {
	hb := NewHeartbeat(&mockExtender{}, "handle-1", time.Hour, time.Second, logging.Default())
	hb.Start(context.Background())
	if err := hb.Stop(); err != nil {
		t.Fatalf("first Stop returned error: %v", err)
	}
	if err := hb.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
}

func TestHeartbeat_StopsOnContextCancel(t *testing.T) {
	extender := &mockExtender{}
	hb := NewHeartbeat(extender, "handle-1", 5*time.Millisecond, time.Second, logging.Default())

	ctx, cancel := context.WithCancel(context.Background())
	hb.Start(ctx)
	cancel()
	time.Sleep(20 * time.Millisecond)

	before := extender.callCount()
	time.Sleep(20 * time.Millisecond)
	if extender.callCount() != before {
		t.Fatal("heartbeat kept ticking after context cancellation")
	}
}
