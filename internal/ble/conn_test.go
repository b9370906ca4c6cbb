package ble

import (
	"testing"
	"time"

	"github.com/arkproject/soletrack/internal/errs"
	"github.com/arkproject/soletrack/internal/event"
)

func fastConnOptions() ConnOptions {
	return ConnOptions{
		AcquireAttempts: 3,
		AcquireDelay:    time.Millisecond,
		PowerSettle:     time.Millisecond,
		ResetWait:       time.Millisecond,
	}
}

func TestInitializeBecomesReady(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	adapter := newMockAdapter()
	conn := NewConn(&mockProvider{adapter: adapter}, bus, fastConnOptions())

	if err := conn.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if !conn.Ready() {
		t.Errorf("Status() = %q, want %q", conn.Status(), StateReady)
	}
	if conn.Adapter() == nil {
		t.Error("Adapter() should be non-nil after Initialize")
	}
}

func TestInitializePowersOnUnpoweredAdapter(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	adapter := newMockAdapter()
	adapter.powered = false
	conn := NewConn(&mockProvider{adapter: adapter}, bus, fastConnOptions())

	if err := conn.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.setPoweredLog) != 1 || !adapter.setPoweredLog[0] {
		t.Errorf("SetPowered calls = %v, want [true]", adapter.setPoweredLog)
	}
}

func TestInitializeRetriesAcquisition(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	provider := &mockProvider{adapter: newMockAdapter(), failFirst: 2}
	conn := NewConn(provider, bus, fastConnOptions())

	if err := conn.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v, want success on third attempt", err)
	}
	if provider.attempts != 3 {
		t.Errorf("acquisition attempts = %d, want 3", provider.attempts)
	}
}

func TestInitializeExhaustionFailsWithAdapterNotFound(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	provider := &mockProvider{failFirst: 99}
	conn := NewConn(provider, bus, fastConnOptions())

	err := conn.Initialize()
	if err == nil {
		t.Fatal("Initialize() succeeded with no adapter available")
	}
	if !errs.IsCode(err, errs.AdapterNotFound) {
		t.Errorf("error = %v, want code adapter_not_found", err)
	}
	if provider.attempts != 3 {
		t.Errorf("acquisition attempts = %d, want 3", provider.attempts)
	}
	if conn.Status() != StateError {
		t.Errorf("Status() = %q, want %q", conn.Status(), StateError)
	}
}

func TestInitializeRecoversFromErrorState(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	provider := &mockProvider{adapter: newMockAdapter(), failFirst: 3}
	conn := NewConn(provider, bus, fastConnOptions())

	if err := conn.Initialize(); err == nil {
		t.Fatal("first Initialize() should fail")
	}
	if err := conn.Initialize(); err != nil {
		t.Fatalf("second Initialize() error = %v, want recovery", err)
	}
	if !conn.Ready() {
		t.Errorf("Status() = %q, want %q", conn.Status(), StateReady)
	}
}

func TestInitializeResetsLiveHandleFirst(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	adapter := newMockAdapter()
	conn := NewConn(&mockProvider{adapter: adapter}, bus, fastConnOptions())

	if err := conn.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := conn.Initialize(); err != nil {
		t.Fatalf("re-Initialize() error = %v", err)
	}

	adapter.mu.Lock()
	released := adapter.released
	adapter.mu.Unlock()
	if !released {
		t.Error("re-initializing over a live handle should release it first")
	}
}

func TestResetNeverFails(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	conn := NewConn(&mockProvider{}, bus, fastConnOptions())

	// Reset with no adapter held must not panic and must land disconnected.
	conn.Reset()
	if conn.Status() != StateDisconnected {
		t.Errorf("Status() = %q, want %q", conn.Status(), StateDisconnected)
	}
}

func TestResetStopsInFlightDiscovery(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	adapter := newMockAdapter()
	conn := NewConn(&mockProvider{adapter: adapter}, bus, fastConnOptions())

	if err := conn.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	adapter.StartDiscovery()
	conn.Reset()

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.discovering {
		t.Error("reset should stop in-flight discovery")
	}
	if !adapter.released {
		t.Error("reset should release the adapter handle")
	}
}

func TestStateTransitionsAreEmitted(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(16, event.AdapterStateChanged)
	defer cancel()

	conn := NewConn(&mockProvider{adapter: newMockAdapter()}, bus, fastConnOptions())
	if err := conn.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	var got []string
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev.Fields["new"].(string))
		case <-timeout:
			t.Fatalf("timed out, transitions so far: %v", got)
		}
	}
	want := []string{string(StateInitializing), string(StateReady)}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCleanupIsRepeatable(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	conn := NewConn(&mockProvider{adapter: newMockAdapter()}, bus, fastConnOptions())

	if err := conn.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	conn.Cleanup()
	conn.Cleanup() // must not panic or error
	if conn.Status() != StateDisconnected {
		t.Errorf("Status() = %q, want %q", conn.Status(), StateDisconnected)
	}
}
