// Package session orchestrates one telemetry acquisition run: adapter
// bring-up, target discovery, GATT subscription, frame decoding, reconnect
// and coordinated teardown.
package session

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkproject/soletrack/internal/ble"
	"github.com/arkproject/soletrack/internal/ble/frame"
	"github.com/arkproject/soletrack/internal/errs"
	"github.com/arkproject/soletrack/internal/event"
)

// Sink is the append-only record consumer the session writes into: one call
// per decoded frame and one per decode error. Rotation policy belongs to
// the sink, not the session.
type Sink interface {
	WriteFrame(f frame.Frame) error
	WriteDecodeError(reason error, raw []byte) error
}

// Options configures a session.
type Options struct {
	TargetName     string
	MinRSSI        int16         // discovery quality floor in dBm (default -80)
	RetryAttempts  int           // find-and-connect attempts (default 3)
	RetryDelay     time.Duration // delay between attempts and before reconnect (default 5s)
	FindTimeout    time.Duration // per-attempt device search window (default 30s)
	ConnectTimeout time.Duration // GATT connect guard (default 30s)
	AutoReconnect  bool
	ServiceUUID    string // defaults to ble.ServiceUUID
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MinRSSI:        -80,
		RetryAttempts:  3,
		RetryDelay:     5 * time.Second,
		FindTimeout:    30 * time.Second,
		ConnectTimeout: 30 * time.Second,
		AutoReconnect:  true,
		ServiceUUID:    ble.ServiceUUID,
	}
}

// Session composes the adapter connection, discovery, listener registry and
// frame codec into one acquisition flow. All state mutation happens under
// mu; the long-lived background work (poll loop, sweep) lives in the owned
// components.
type Session struct {
	id   uuid.UUID
	opts Options

	conn *ble.Conn
	disc *ble.Discovery
	reg  *ble.Registry
	bus  *event.Bus
	sink Sink

	tracker frame.Tracker

	mu             sync.Mutex
	device         ble.Device
	targetAddr     string
	connected      bool
	connectedSince time.Time
	reconnectTimer *time.Timer
	reconnects     int
	cleaned        bool

	stopOnce sync.Once
	stopCh   chan struct{} // closed on cleanup to cancel waits
}

// New creates a session. Zero option fields are replaced with defaults.
func New(conn *ble.Conn, disc *ble.Discovery, reg *ble.Registry, bus *event.Bus, sink Sink, opts Options) *Session {
	def := DefaultOptions()
	if opts.MinRSSI == 0 {
		opts.MinRSSI = def.MinRSSI
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = def.RetryAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.FindTimeout <= 0 {
		opts.FindTimeout = def.FindTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	return &Session{
		id:     uuid.New(),
		opts:   opts,
		conn:   conn,
		disc:   disc,
		reg:    reg,
		bus:    bus,
		sink:   sink,
		stopCh: make(chan struct{}),
	}
}

// ID returns the session identifier stamped on emitted records.
func (s *Session) ID() uuid.UUID { return s.id }

// Connected reports the target link state and when it was established.
func (s *Session) Connected() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected, s.connectedSince
}

// ensureInitialized brings the adapter up and binds it to discovery. Safe
// to call repeatedly; a ready adapter is reused.
func (s *Session) ensureInitialized() error {
	if s.conn.Ready() {
		return nil
	}
	if err := s.conn.Initialize(); err != nil {
		return err
	}
	s.disc.SetAdapter(s.conn.Adapter())
	return nil
}

// StartScan runs discovery for the given duration and returns the cache
// snapshot observed when the timer fires. Cleanup cancels the wait early.
func (s *Session) StartScan(duration time.Duration) ([]ble.CachedDevice, error) {
	if err := s.ensureInitialized(); err != nil {
		return nil, err
	}
	if err := s.disc.Start(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.stopCh:
	}

	if err := s.disc.Stop(); err != nil {
		slog.Warn("[SESSION] stopping scan", "error", err)
	}
	devices := s.disc.Devices(false)
	s.bus.Publish(event.ScanComplete, map[string]any{"devices": len(devices)})
	return devices, nil
}

// AutoConnect searches for the configured target and connects, retrying up
// to RetryAttempts times with RetryDelay between attempts. Exhaustion
// fails with device_not_found.
func (s *Session) AutoConnect() error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}

	criteria := ble.Criteria{
		Name:       s.opts.TargetName,
		MinRSSI:    s.opts.MinRSSI,
		HasMinRSSI: true,
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.RetryAttempts; attempt++ {
		select {
		case <-s.stopCh:
			return errs.New(errs.ConnectionFailed, "session stopped during connect")
		default:
		}

		dev, err := s.disc.Find(criteria, s.opts.FindTimeout)
		if err == nil {
			s.bus.Publish(event.TargetFound, map[string]any{"address": dev.Address()})
			if err := s.connectAndSetup(dev); err == nil {
				return nil
			} else {
				lastErr = err
				s.bus.PublishError(err)
			}
		} else {
			lastErr = err
			slog.Warn("[SESSION] target not found", "attempt", attempt, "name", s.opts.TargetName, "error", err)
		}

		if attempt < s.opts.RetryAttempts {
			select {
			case <-time.After(s.opts.RetryDelay):
			case <-s.stopCh:
				return errs.New(errs.ConnectionFailed, "session stopped during connect")
			}
		}
	}

	err := errs.Wrap(errs.DeviceNotFound, "target not reachable after all attempts", lastErr).
		With("name", s.opts.TargetName).
		With("attempts", s.opts.RetryAttempts)
	s.bus.PublishError(err)
	return err
}

// connectAndSetup connects to dev, registers the disconnect watcher when
// auto-reconnect is on, resolves the telemetry service and subscribes to
// every characteristic on it. A single characteristic failing to set up is
// logged and does not abort the rest.
func (s *Session) connectAndSetup(dev ble.Device) error {
	addr := dev.Address()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	defer cancel()
	if err := dev.Connect(ctx); err != nil {
		return errs.Wrap(errs.ConnectionFailed, "connecting to target", err).
			With("address", addr)
	}

	s.mu.Lock()
	s.device = dev
	s.targetAddr = addr
	s.connected = true
	s.connectedSince = time.Now()
	s.reconnects = 0
	s.mu.Unlock()
	s.tracker.Reset()

	if s.opts.AutoReconnect {
		attach := func(wrapped func([]byte)) (func() error, error) {
			return dev.OnDisconnect(func() { wrapped(nil) })
		}
		err := s.reg.Add(addr, "disconnect", attach, func([]byte) { s.handleDisconnect(addr) })
		if err != nil {
			slog.Warn("[SESSION] registering disconnect watcher", "address", addr, "error", err)
		}
	}

	svc, err := dev.Service(s.opts.ServiceUUID)
	if err != nil {
		return errs.Wrap(errs.ConnectionFailed, "resolving telemetry service", err).
			With("address", addr).
			With("uuid", s.opts.ServiceUUID)
	}
	chars, err := svc.Characteristics()
	if err != nil {
		return errs.Wrap(errs.CharacteristicError, "enumerating characteristics", err).
			With("address", addr).
			With("uuid", s.opts.ServiceUUID)
	}

	subscribed := 0
	for _, ch := range chars {
		ch := ch
		attach := func(wrapped func([]byte)) (func() error, error) {
			if err := ch.Subscribe(wrapped); err != nil {
				return nil, err
			}
			return ch.Unsubscribe, nil
		}
		err := s.reg.Add(addr, "notify:"+ch.UUID(), attach, func(data []byte) {
			s.handleNotification(data)
		})
		if err != nil {
			s.bus.PublishError(errs.Wrap(errs.CharacteristicError, "subscribing to characteristic", err).
				With("address", addr).
				With("uuid", ch.UUID()))
			continue
		}
		subscribed++
	}

	s.bus.Publish(event.TargetConnected, map[string]any{
		"address":         addr,
		"characteristics": subscribed,
	})
	slog.Info("[SESSION] connected", "address", addr, "characteristics", subscribed)
	return nil
}

// handleNotification routes one raw buffer through the codec and into the
// sink. Decode failures are reported and persisted but never propagate
// into the transport callback.
func (s *Session) handleNotification(data []byte) {
	f, err := frame.Decode(data)
	if err != nil {
		s.bus.PublishError(err)
		s.bus.Publish(event.DecodeError, map[string]any{
			"error": err.Error(),
			"raw":   hex.EncodeToString(data),
		})
		if s.sink != nil {
			if werr := s.sink.WriteDecodeError(err, data); werr != nil {
				slog.Warn("[SESSION] writing decode error record", "error", werr)
			}
		}
		return
	}

	if gap, broken := s.tracker.Check(f); broken {
		s.bus.Publish(event.SequenceGap, map[string]any{
			"expected": gap.Expected,
			"received": gap.Received,
		})
	}

	s.bus.Publish(event.FrameDecoded, map[string]any{"seq": f.Sequence})
	if s.sink != nil {
		if err := s.sink.WriteFrame(f); err != nil {
			slog.Warn("[SESSION] writing frame", "seq", f.Sequence, "error", err)
		}
	}
}

// handleDisconnect clears the connection context and schedules a reconnect
// attempt after RetryDelay.
func (s *Session) handleDisconnect(addr string) {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.device = nil
	s.connectedSince = time.Time{}
	s.mu.Unlock()

	s.reg.RemoveAll(addr)
	s.bus.Publish(event.TargetDisconnected, map[string]any{"address": addr})
	slog.Warn("[SESSION] target disconnected, reconnecting", "address", addr, "delay", s.opts.RetryDelay)

	s.mu.Lock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnects++
	attempt := s.reconnects
	s.reconnectTimer = time.AfterFunc(s.opts.RetryDelay, func() {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if err := s.AutoConnect(); err != nil {
			slog.Error("[SESSION] reconnect failed", "error", err)
		}
	})
	s.mu.Unlock()
	s.bus.Publish(event.ReconnectScheduled, map[string]any{
		"address": addr,
		"delay":   s.opts.RetryDelay.String(),
		"attempt": attempt,
	})
}

// Disconnect removes all listeners for the target and drops the link.
// Errors are reported, never returned: disconnect is a teardown path.
func (s *Session) Disconnect() {
	s.mu.Lock()
	dev := s.device
	addr := s.targetAddr
	s.device = nil
	s.connected = false
	s.connectedSince = time.Time{}
	s.mu.Unlock()

	if addr != "" {
		s.reg.RemoveAll(addr)
	}
	if dev != nil {
		if err := dev.Disconnect(); err != nil {
			s.bus.PublishError(errs.Wrap(errs.DisconnectError, "disconnecting from target", err).
				With("address", addr))
		}
		s.bus.Publish(event.TargetDisconnected, map[string]any{"address": addr})
	}
}

// Cleanup cancels pending timers, stops scanning, disconnects and cascades
// teardown into discovery and then the adapter (discovery first, since it
// holds the adapter handle). Safe to call more than once.
func (s *Session) Cleanup() {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.cleaned = true
	timer := s.reconnectTimer
	s.reconnectTimer = nil
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	if timer != nil {
		timer.Stop()
	}

	s.Disconnect()
	s.disc.Cleanup()
	s.conn.Cleanup()
	slog.Info("[SESSION] cleanup complete", "session", s.id)
}
