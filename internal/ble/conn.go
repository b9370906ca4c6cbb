package ble

import (
	"log/slog"
	"sync"
	"time"

	"github.com/arkproject/soletrack/internal/errs"
	"github.com/arkproject/soletrack/internal/event"
)

// State is the adapter connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateResetting    State = "resetting"
	StateError        State = "error"
)

// ConnOptions configures adapter acquisition and reset behavior.
type ConnOptions struct {
	AcquireAttempts int           // adapter acquisition retries (default 3)
	AcquireDelay    time.Duration // delay between acquisition attempts (default 1s)
	PowerSettle     time.Duration // fixed wait after power-on (default 2s)
	ResetWait       time.Duration // teardown wait inside reset (default 1s)
}

// DefaultConnOptions returns the production defaults.
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		AcquireAttempts: 3,
		AcquireDelay:    time.Second,
		PowerSettle:     2 * time.Second,
		ResetWait:       time.Second,
	}
}

// Conn owns the adapter handle lifecycle: acquire with retry, power-on,
// reset and a single current state. State transitions happen only here and
// each one is published on the bus.
//
// Conn is not safe for concurrent Initialize/Reset calls; the orchestrator
// drives it from a single flow. Accessors are safe from any goroutine.
type Conn struct {
	provider Provider
	bus      *event.Bus
	opts     ConnOptions

	mu      sync.Mutex
	adapter Adapter
	state   State
}

// NewConn creates a Conn in the disconnected state. Zero option fields are
// replaced with defaults.
func NewConn(provider Provider, bus *event.Bus, opts ConnOptions) *Conn {
	def := DefaultConnOptions()
	if opts.AcquireAttempts <= 0 {
		opts.AcquireAttempts = def.AcquireAttempts
	}
	if opts.AcquireDelay <= 0 {
		opts.AcquireDelay = def.AcquireDelay
	}
	if opts.PowerSettle <= 0 {
		opts.PowerSettle = def.PowerSettle
	}
	if opts.ResetWait <= 0 {
		opts.ResetWait = def.ResetWait
	}
	return &Conn{provider: provider, bus: bus, opts: opts, state: StateDisconnected}
}

// Initialize acquires a fresh adapter handle and brings it to ready. If a
// live handle is already held it is reset first. Acquisition is retried up
// to AcquireAttempts times; exhaustion fails with adapter_not_found. An
// unpowered adapter is powered on followed by a fixed settling wait (no
// poll-until-ready; the settle delay is the contract).
func (c *Conn) Initialize() error {
	if c.Adapter() != nil {
		c.Reset()
	}
	c.setState(StateInitializing)

	var adapter Adapter
	var lastErr error
	for attempt := 1; attempt <= c.opts.AcquireAttempts; attempt++ {
		a, err := c.provider.Acquire()
		if err == nil {
			adapter = a
			break
		}
		lastErr = err
		slog.Warn("[BLE] adapter acquisition failed", "attempt", attempt, "error", err)
		if attempt < c.opts.AcquireAttempts {
			time.Sleep(c.opts.AcquireDelay)
		}
	}
	if adapter == nil {
		return c.fail(errs.Wrap(errs.AdapterNotFound, "no bluetooth adapter available", lastErr).
			With("attempts", c.opts.AcquireAttempts))
	}

	powered, err := adapter.Powered()
	if err != nil {
		return c.fail(errs.Wrap(errs.AdapterInitializationFailed, "reading adapter power state", err).
			With("address", adapter.Address()))
	}
	if !powered {
		if err := adapter.SetPowered(true); err != nil {
			return c.fail(errs.Wrap(errs.AdapterInitializationFailed, "powering on adapter", err).
				With("address", adapter.Address()))
		}
		slog.Info("[BLE] adapter powered on, settling", "wait", c.opts.PowerSettle)
		time.Sleep(c.opts.PowerSettle)
	}

	c.mu.Lock()
	c.adapter = adapter
	c.mu.Unlock()
	c.setState(StateReady)
	slog.Info("[BLE] adapter ready", "address", adapter.Address())
	return nil
}

// fail reports err through the bus, moves to the error state and returns
// err for the caller to decide whether to abort or retry the session.
func (c *Conn) fail(err error) error {
	c.setState(StateError)
	c.bus.PublishError(err)
	return err
}

// Reset performs a best-effort teardown: stop any in-flight discovery,
// release the handle, wait for the stack to settle, end up disconnected.
// Reset is itself a recovery path, so it never fails the caller; internal
// errors are logged and swallowed.
func (c *Conn) Reset() {
	c.setState(StateResetting)

	c.mu.Lock()
	adapter := c.adapter
	c.adapter = nil
	c.mu.Unlock()

	if adapter != nil {
		if discovering, err := adapter.Discovering(); err == nil && discovering {
			if err := adapter.StopDiscovery(); err != nil && err != ErrNotDiscovering {
				slog.Warn("[BLE] stop discovery during reset", "error", err)
			}
		}
		if err := adapter.Release(); err != nil {
			slog.Warn("[BLE] release adapter during reset", "error", err)
		}
	}

	time.Sleep(c.opts.ResetWait)
	c.setState(StateDisconnected)
}

// Adapter returns the current adapter handle, or nil before Initialize.
func (c *Conn) Adapter() Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adapter
}

// Ready reports whether the adapter is initialized and usable.
func (c *Conn) Ready() bool { return c.Status() == StateReady }

// Status returns the current lifecycle state.
func (c *Conn) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cleanup resets the adapter, bracketed by log markers so shutdown order is
// visible in session logs.
func (c *Conn) Cleanup() {
	slog.Info("[BLE] adapter cleanup starting")
	c.Reset()
	slog.Info("[BLE] adapter cleanup complete")
}

func (c *Conn) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev == next {
		return
	}
	c.bus.Publish(event.AdapterStateChanged, map[string]any{
		"old": string(prev),
		"new": string(next),
	})
}
