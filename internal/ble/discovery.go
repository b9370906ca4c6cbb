package ble

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arkproject/soletrack/internal/errs"
	"github.com/arkproject/soletrack/internal/event"
)

// DiscoveryOptions configures the poll/cache machinery.
type DiscoveryOptions struct {
	PollInterval  time.Duration // visibility poll period (default 1s)
	FetchTimeout  time.Duration // per-device name/RSSI fetch guard (default 2s)
	CacheTTL      time.Duration // age after which a cache entry is stale (default 10s)
	SweepInterval time.Duration // stale entry purge period (default 30s)
	FindPoll      time.Duration // cache check period inside Find (default 500ms)
}

// DefaultDiscoveryOptions returns the production defaults.
func DefaultDiscoveryOptions() DiscoveryOptions {
	return DiscoveryOptions{
		PollInterval:  time.Second,
		FetchTimeout:  2 * time.Second,
		CacheTTL:      10 * time.Second,
		SweepInterval: 30 * time.Second,
		FindPoll:      500 * time.Millisecond,
	}
}

// CachedDevice is one discovery sighting. RSSIValid is false when the
// signal strength could not be read within the fetch guard.
type CachedDevice struct {
	Address    string
	Name       string
	RSSI       int16
	RSSIValid  bool
	ObservedAt time.Time
}

// Criteria selects a device during Find: exact name match, plus a minimum
// signal strength when HasMinRSSI is set. A device whose RSSI is
// unavailable passes the strength check; name identity is authoritative
// and a missing reading must not hide the target.
type Criteria struct {
	Name       string
	MinRSSI    int16
	HasMinRSSI bool
}

func (c Criteria) matches(d CachedDevice) bool {
	if d.Name != c.Name {
		return false
	}
	if c.HasMinRSSI && d.RSSIValid && d.RSSI < c.MinRSSI {
		return false
	}
	return true
}

// Discovery drives scan start/stop against the adapter and maintains a
// short-TTL cache of sightings so that name/RSSI are not re-fetched on
// every poll tick. Entries older than the TTL are logically expired and
// hidden from default listings; a periodic sweep removes them physically.
//
// Manual scanning and targeted Find share this one poll/cache path so the
// two cannot diverge.
type Discovery struct {
	bus  *event.Bus
	opts DiscoveryOptions

	mu          sync.Mutex
	adapter     Adapter
	cache       map[string]CachedDevice
	discovering bool
	pollDone    chan struct{}
	cleaned     bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewDiscovery creates a Discovery and starts its background cache sweep,
// which runs until Cleanup regardless of whether discovery is active. Zero
// option fields are replaced with defaults.
func NewDiscovery(bus *event.Bus, opts DiscoveryOptions) *Discovery {
	def := DefaultDiscoveryOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = def.FetchTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.FindPoll <= 0 {
		opts.FindPoll = def.FindPoll
	}

	d := &Discovery{
		bus:       bus,
		opts:      opts,
		cache:     make(map[string]CachedDevice),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go d.sweepLoop()
	return d
}

// SetAdapter binds the adapter handle to scan with.
func (d *Discovery) SetAdapter(a Adapter) {
	d.mu.Lock()
	d.adapter = a
	d.mu.Unlock()
	fields := map[string]any{}
	if a != nil {
		fields["address"] = a.Address()
	}
	d.bus.Publish(event.AdapterSet, fields)
}

// Start begins discovery. It is idempotent: when already discovering it
// returns immediately with no side effects. Otherwise it stops any stale
// discovery left on the adapter, clears the cache, starts the transport
// scan and launches the background poll loop.
func (d *Discovery) Start() error {
	d.mu.Lock()
	if d.cleaned {
		d.mu.Unlock()
		err := errs.New(errs.DiscoveryError, "discovery already cleaned up")
		d.bus.PublishError(err)
		return err
	}
	if d.discovering {
		d.mu.Unlock()
		slog.Debug("[DISCOVERY] already discovering")
		return nil
	}
	adapter := d.adapter
	if adapter == nil {
		d.mu.Unlock()
		err := errs.New(errs.DiscoveryError, "no adapter bound")
		d.bus.PublishError(err)
		return err
	}
	d.cache = make(map[string]CachedDevice)
	d.mu.Unlock()

	// Clear any discovery a previous run left behind. "Not discovering"
	// from the transport is fine here.
	if err := adapter.StopDiscovery(); err != nil && !isNotDiscoveringErr(err) {
		slog.Warn("[DISCOVERY] stopping stale discovery", "error", err)
	}

	if err := adapter.StartDiscovery(); err != nil && !isAlreadyInProgressErr(err) {
		werr := errs.Wrap(errs.DiscoveryError, "starting discovery", err).
			With("address", adapter.Address())
		d.bus.PublishError(werr)
		return werr
	}

	done := make(chan struct{})
	d.mu.Lock()
	d.discovering = true
	d.pollDone = done
	d.mu.Unlock()

	go d.pollLoop(adapter, done)
	d.bus.Publish(event.DiscoveryStarted, nil)
	return nil
}

// Stop ends discovery. When not discovering it logs and returns without
// emitting a stopped event, so stop side effects fire at most once. The
// discovering flag is flipped before the transport stop call, so no new
// poll iteration can start once stopping has begun.
func (d *Discovery) Stop() error {
	d.mu.Lock()
	if !d.discovering {
		d.mu.Unlock()
		slog.Debug("[DISCOVERY] stop requested while not discovering")
		return nil
	}
	d.discovering = false
	adapter := d.adapter
	count := len(d.cache)
	d.mu.Unlock()

	if adapter != nil {
		if err := adapter.StopDiscovery(); err != nil && !isNotDiscoveringErr(err) {
			werr := errs.Wrap(errs.DiscoveryError, "stopping discovery", err).
				With("address", adapter.Address())
			d.bus.PublishError(werr)
			d.bus.Publish(event.DiscoveryStopped, map[string]any{"devices": count})
			return werr
		}
	}

	d.bus.Publish(event.DiscoveryStopped, map[string]any{"devices": count})
	return nil
}

// Find starts discovery and polls the cache until a device matches the
// criteria or the timeout elapses. Discovery is stopped on both outcomes.
// On success the live device handle is returned; on timeout the error is
// device_not_found.
func (d *Discovery) Find(criteria Criteria, timeout time.Duration) (Device, error) {
	if err := d.Start(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		if match, ok := d.firstMatch(criteria); ok {
			d.mu.Lock()
			adapter := d.adapter
			d.mu.Unlock()

			if err := d.Stop(); err != nil {
				slog.Warn("[DISCOVERY] stopping after match", "error", err)
			}
			if adapter == nil {
				break
			}
			dev, err := adapter.Device(match.Address)
			if err != nil {
				return nil, errs.Wrap(errs.DeviceNotFound, "fetching matched device handle", err).
					With("address", match.Address)
			}
			return dev, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if remaining < d.opts.FindPoll {
			time.Sleep(remaining)
		} else {
			time.Sleep(d.opts.FindPoll)
		}
	}

	if err := d.Stop(); err != nil {
		slog.Warn("[DISCOVERY] stopping after find timeout", "error", err)
	}
	return nil, errs.New(errs.DeviceNotFound, "no device matched within timeout").
		With("name", criteria.Name).
		With("timeout", timeout.String())
}

func (d *Discovery) firstMatch(criteria Criteria) (CachedDevice, bool) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cd := range d.cache {
		if d.valid(cd, now) && criteria.matches(cd) {
			return cd, true
		}
	}
	return CachedDevice{}, false
}

// Devices returns a snapshot of the cache. Logically expired entries are
// excluded unless includeExpired is set.
func (d *Discovery) Devices(includeExpired bool) []CachedDevice {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]CachedDevice, 0, len(d.cache))
	for _, cd := range d.cache {
		if includeExpired || d.valid(cd, now) {
			out = append(out, cd)
		}
	}
	return out
}

// Discovering reports whether the poll loop is active.
func (d *Discovery) Discovering() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discovering
}

// Cleanup cancels the sweep, stops discovery if active, waits for the poll
// loop to exit so no further cache mutation can happen, then clears the
// cache and releases the adapter reference. Safe to call more than once.
func (d *Discovery) Cleanup() {
	d.mu.Lock()
	if d.cleaned {
		d.mu.Unlock()
		return
	}
	d.cleaned = true
	pollDone := d.pollDone
	d.mu.Unlock()

	close(d.sweepStop)
	<-d.sweepDone

	if err := d.Stop(); err != nil {
		slog.Warn("[DISCOVERY] stop during cleanup", "error", err)
	}
	if pollDone != nil {
		<-pollDone
	}

	d.mu.Lock()
	d.cache = make(map[string]CachedDevice)
	d.adapter = nil
	d.mu.Unlock()
}

// pollLoop enumerates visible devices every PollInterval while the
// discovering flag holds. The flag is checked at the top of every
// iteration, so stopping has a worst-case latency of one interval.
func (d *Discovery) pollLoop(adapter Adapter, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for range ticker.C {
		d.mu.Lock()
		active := d.discovering
		d.mu.Unlock()
		if !active {
			return
		}
		d.pollOnce(adapter)
	}
}

// pollOnce upserts a cache entry for every visible device that is not
// cache-valid. A failure on one device is logged and must not abort the
// rest of the iteration.
func (d *Discovery) pollOnce(adapter Adapter) {
	addrs, err := adapter.DeviceAddresses()
	if err != nil {
		d.bus.PublishError(errs.Wrap(errs.DiscoveryError, "enumerating devices", err))
		return
	}

	now := time.Now()
	for _, addr := range addrs {
		d.mu.Lock()
		existing, known := d.cache[addr]
		stillValid := known && d.valid(existing, now)
		d.mu.Unlock()
		if stillValid {
			continue
		}

		cd, err := d.fetchDevice(adapter, addr)
		if err != nil {
			slog.Warn("[DISCOVERY] device fetch failed", "address", addr, "error", err)
			continue
		}

		d.mu.Lock()
		if !d.discovering {
			// Stopped while this fetch was in flight; discard the result.
			d.mu.Unlock()
			return
		}
		d.cache[addr] = cd
		d.mu.Unlock()

		fields := map[string]any{"address": cd.Address, "name": cd.Name}
		if cd.RSSIValid {
			fields["rssi"] = cd.RSSI
		} else {
			fields["rssi"] = "unavailable"
		}
		if known {
			d.bus.Publish(event.DeviceUpdated, fields)
		} else {
			d.bus.Publish(event.DeviceFound, fields)
		}
	}
}

// fetchDevice reads name and RSSI for one device, each guarded by an
// independent timeout so one unresponsive peripheral cannot stall the rest
// of the poll tick. Either value falling to the guard degrades to
// "unavailable" instead of failing the sighting.
func (d *Discovery) fetchDevice(adapter Adapter, addr string) (CachedDevice, error) {
	dev, err := adapter.Device(addr)
	if err != nil {
		return CachedDevice{}, err
	}

	cd := CachedDevice{Address: addr, ObservedAt: time.Now()}

	name, err := fetchWithTimeout(d.opts.FetchTimeout, dev.Name)
	if err != nil {
		slog.Debug("[DISCOVERY] name unavailable", "address", addr, "error", err)
		cd.Name = "unavailable"
	} else {
		cd.Name = name
	}

	rssi, err := fetchWithTimeout(d.opts.FetchTimeout, dev.RSSI)
	if err != nil {
		slog.Debug("[DISCOVERY] rssi unavailable", "address", addr, "error", err)
	} else {
		cd.RSSI = rssi
		cd.RSSIValid = true
	}

	return cd, nil
}

// sweepLoop physically removes expired cache entries every SweepInterval.
// It runs from construction until Cleanup, independent of discovery state.
func (d *Discovery) sweepLoop() {
	defer close(d.sweepDone)

	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.sweepStop:
			return
		case <-ticker.C:
			now := time.Now()
			d.mu.Lock()
			removed := 0
			for addr, cd := range d.cache {
				if !d.valid(cd, now) {
					delete(d.cache, addr)
					removed++
				}
			}
			d.mu.Unlock()
			if removed > 0 {
				slog.Debug("[DISCOVERY] swept expired entries", "removed", removed)
			}
		}
	}
}

// valid reports whether a cache entry is within its TTL. Callers hold d.mu
// or operate on a copy.
func (d *Discovery) valid(cd CachedDevice, now time.Time) bool {
	return now.Sub(cd.ObservedAt) <= d.opts.CacheTTL
}

var errFetchTimeout = errors.New("ble: fetch timed out")

// fetchWithTimeout races fn against a timeout. The underlying call is not
// aborted; a late result is simply discarded.
func fetchWithTimeout[T any](timeout time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-timer.C:
		var zero T
		return zero, errFetchTimeout
	}
}

// isNotDiscoveringErr matches the transport's "no discovery in progress"
// family of errors, which stop paths treat as success.
func isNotDiscoveringErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotDiscovering) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no discovery") || strings.Contains(msg, "not discovering")
}

// isAlreadyInProgressErr matches BlueZ's "operation already in progress",
// which start paths treat as success.
func isAlreadyInProgressErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "in progress")
}
