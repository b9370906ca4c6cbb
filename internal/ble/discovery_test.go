package ble

import (
	"errors"
	"testing"
	"time"

	"github.com/arkproject/soletrack/internal/errs"
	"github.com/arkproject/soletrack/internal/event"
)

func fastDiscoveryOptions() DiscoveryOptions {
	return DiscoveryOptions{
		PollInterval:  5 * time.Millisecond,
		FetchTimeout:  50 * time.Millisecond,
		CacheTTL:      time.Hour, // effectively no expiry unless a test overrides
		SweepInterval: time.Hour,
		FindPoll:      5 * time.Millisecond,
	}
}

func insole(addr string) *mockDevice {
	return &mockDevice{addr: addr, name: "SoleTrack-Insole", rssi: -60}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartPopulatesCacheAndEmitsDeviceFound(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(16, event.DeviceFound)
	defer cancel()

	adapter := newMockAdapter(insole("AA:BB:CC:DD:EE:01"))
	disc := NewDiscovery(bus, fastDiscoveryOptions())
	defer disc.Cleanup()
	disc.SetAdapter(adapter)

	if err := disc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(disc.Devices(false)) == 1 },
		"device never appeared in cache")

	select {
	case ev := <-ch:
		if ev.Fields["address"] != "AA:BB:CC:DD:EE:01" {
			t.Errorf("device_found address = %v", ev.Fields["address"])
		}
		if ev.Fields["name"] != "SoleTrack-Insole" {
			t.Errorf("device_found name = %v", ev.Fields["name"])
		}
	case <-time.After(time.Second):
		t.Fatal("no device_found event")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(64, event.DeviceFound)
	defer cancel()

	adapter := newMockAdapter(insole("AA:BB:CC:DD:EE:01"))
	disc := NewDiscovery(bus, fastDiscoveryOptions())
	defer disc.Cleanup()
	disc.SetAdapter(adapter)

	if err := disc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := disc.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(disc.Devices(false)) == 1 },
		"device never appeared in cache")
	// Let several poll intervals elapse; a second loop would duplicate events.
	time.Sleep(50 * time.Millisecond)

	found := 0
	for {
		select {
		case <-ch:
			found++
			continue
		default:
		}
		break
	}
	if found != 1 {
		t.Errorf("device_found events = %d, want exactly 1", found)
	}
}

func TestStopWhenNotDiscoveringEmitsNothing(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(4, event.DiscoveryStopped)
	defer cancel()

	disc := NewDiscovery(bus, fastDiscoveryOptions())
	defer disc.Cleanup()
	disc.SetAdapter(newMockAdapter())

	if err := disc.Stop(); err != nil {
		t.Fatalf("Stop() while idle error = %v", err)
	}
	select {
	case <-ch:
		t.Error("stopped event emitted for a stop with no active discovery")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStopSwallowsNoDiscoveryInProgress(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	adapter := newMockAdapter()
	adapter.stopErr = errors.New("org.bluez.Error.Failed: No discovery started")
	disc := NewDiscovery(bus, fastDiscoveryOptions())
	defer disc.Cleanup()
	disc.SetAdapter(adapter)

	if err := disc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := disc.Stop(); err != nil {
		t.Errorf("Stop() error = %v, want transport 'no discovery' treated as success", err)
	}
}

func TestStopSurfacesOtherTransportErrors(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	adapter := newMockAdapter()
	adapter.stopErr = errors.New("org.bluez.Error.Failed: resource busy")
	disc := NewDiscovery(bus, fastDiscoveryOptions())
	defer disc.Cleanup()
	disc.SetAdapter(adapter)

	if err := disc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	err := disc.Stop()
	if err == nil {
		t.Fatal("Stop() swallowed a non-'no discovery' transport error")
	}
	if !errs.IsCode(err, errs.DiscoveryError) {
		t.Errorf("error = %v, want code discovery_error", err)
	}
}

func TestCacheTTLHidesStaleEntries(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	opts := fastDiscoveryOptions()
	opts.CacheTTL = 30 * time.Millisecond
	disc := NewDiscovery(bus, opts)
	defer disc.Cleanup()

	adapter := newMockAdapter(insole("AA:BB:CC:DD:EE:01"))
	disc.SetAdapter(adapter)
	if err := disc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(disc.Devices(false)) == 1 },
		"device never appeared in cache")

	// Stop discovery so the entry is no longer refreshed, then outlive the TTL.
	if err := disc.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(disc.Devices(false)) == 0 },
		"stale entry still listed after TTL")

	if got := len(disc.Devices(true)); got != 1 {
		t.Errorf("Devices(true) = %d entries, want 1 (expired but unswept)", got)
	}
}

func TestSweepPurgesExpiredEntries(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	opts := fastDiscoveryOptions()
	opts.CacheTTL = 10 * time.Millisecond
	opts.SweepInterval = 20 * time.Millisecond
	disc := NewDiscovery(bus, opts)
	defer disc.Cleanup()

	adapter := newMockAdapter(insole("AA:BB:CC:DD:EE:01"))
	disc.SetAdapter(adapter)
	if err := disc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(disc.Devices(true)) == 1 },
		"device never appeared in cache")
	if err := disc.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(disc.Devices(true)) == 0 },
		"sweep never physically removed the expired entry")
}

func TestFindMatchesByNameAndRSSI(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	weak := &mockDevice{addr: "AA:BB:CC:DD:EE:01", name: "SoleTrack-Insole", rssi: -95}
	strong := &mockDevice{addr: "AA:BB:CC:DD:EE:02", name: "SoleTrack-Insole", rssi: -55}
	other := &mockDevice{addr: "AA:BB:CC:DD:EE:03", name: "FitnessTracker", rssi: -40}

	disc := NewDiscovery(bus, fastDiscoveryOptions())
	defer disc.Cleanup()
	disc.SetAdapter(newMockAdapter(weak, strong, other))

	dev, err := disc.Find(Criteria{Name: "SoleTrack-Insole", MinRSSI: -80, HasMinRSSI: true}, time.Second)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if dev.Address() != strong.addr {
		t.Errorf("Find() matched %s, want %s (only device above threshold)", dev.Address(), strong.addr)
	}
	if disc.Discovering() {
		t.Error("Find() should stop discovery after a match")
	}
}

func TestFindTimesOutWithDeviceNotFound(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	disc := NewDiscovery(bus, fastDiscoveryOptions())
	defer disc.Cleanup()
	disc.SetAdapter(newMockAdapter(insole("AA:BB:CC:DD:EE:01")))

	_, err := disc.Find(Criteria{Name: "SomethingElse"}, 50*time.Millisecond)
	if err == nil {
		t.Fatal("Find() succeeded with no matching device")
	}
	if !errs.IsCode(err, errs.DeviceNotFound) {
		t.Errorf("error = %v, want code device_not_found", err)
	}
	if disc.Discovering() {
		t.Error("Find() should stop discovery after timeout")
	}
}

func TestFindSeesDeviceAppearingLate(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	adapter := newMockAdapter()
	disc := NewDiscovery(bus, fastDiscoveryOptions())
	defer disc.Cleanup()
	disc.SetAdapter(adapter)

	go func() {
		time.Sleep(30 * time.Millisecond)
		adapter.addDevice(insole("AA:BB:CC:DD:EE:07"))
	}()

	dev, err := disc.Find(Criteria{Name: "SoleTrack-Insole"}, time.Second)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if dev.Address() != "AA:BB:CC:DD:EE:07" {
		t.Errorf("Find() matched %s", dev.Address())
	}
}

func TestStalledFetchDegradesToUnavailable(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	opts := fastDiscoveryOptions()
	opts.FetchTimeout = 10 * time.Millisecond
	disc := NewDiscovery(bus, opts)
	defer disc.Cleanup()

	stalled := &mockDevice{addr: "AA:BB:CC:DD:EE:01", name: "SoleTrack-Insole", nameDelay: time.Second}
	healthy := &mockDevice{addr: "AA:BB:CC:DD:EE:02", name: "Other", rssi: -50}
	disc.SetAdapter(newMockAdapter(stalled, healthy))

	if err := disc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// The stalled device must not prevent the healthy one from being cached.
	waitFor(t, time.Second, func() bool {
		for _, d := range disc.Devices(false) {
			if d.Address == healthy.addr {
				return true
			}
		}
		return false
	}, "healthy device blocked by a stalled fetch")

	waitFor(t, time.Second, func() bool {
		for _, d := range disc.Devices(false) {
			if d.Address == stalled.addr && d.Name == "unavailable" {
				return true
			}
		}
		return false
	}, "stalled device should be cached with name 'unavailable'")
}

func TestEnumerationErrorDoesNotKillPollLoop(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	adapter := newMockAdapter(insole("AA:BB:CC:DD:EE:01"))
	adapter.enumerateErr = errors.New("dbus: connection reset")
	disc := NewDiscovery(bus, fastDiscoveryOptions())
	defer disc.Cleanup()
	disc.SetAdapter(adapter)

	if err := disc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	adapter.mu.Lock()
	adapter.enumerateErr = nil
	adapter.mu.Unlock()

	waitFor(t, time.Second, func() bool { return len(disc.Devices(false)) == 1 },
		"poll loop died after a transient enumeration error")
}

func TestCleanupIsReentrantSafe(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	disc := NewDiscovery(bus, fastDiscoveryOptions())
	disc.SetAdapter(newMockAdapter(insole("AA:BB:CC:DD:EE:01")))
	if err := disc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan struct{}, 2)
	go func() { disc.Cleanup(); done <- struct{}{} }()
	go func() { disc.Cleanup(); done <- struct{}{} }()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("concurrent Cleanup() deadlocked")
		}
	}

	if len(disc.Devices(true)) != 0 {
		t.Error("cache should be empty after cleanup")
	}
	if err := disc.Start(); err == nil {
		t.Error("Start() after Cleanup() should fail")
	}
}
