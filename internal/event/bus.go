// Package event provides the typed publish/subscribe hub that decouples the
// acquisition components from their observers (CLI, sinks, log output). A Bus
// is constructed explicitly and injected into every component that publishes
// on it; there is no package-level default.
package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/arkproject/soletrack/internal/errs"
)

// Type names one kind of lifecycle event.
type Type string

const (
	AdapterStateChanged Type = "adapter_state_changed"
	AdapterSet          Type = "adapter_set"
	DiscoveryStarted    Type = "discovery_started"
	DiscoveryStopped    Type = "discovery_stopped"
	DeviceFound         Type = "device_found"
	DeviceUpdated       Type = "device_updated"
	ScanComplete        Type = "scan_complete"
	TargetFound         Type = "target_found"
	TargetConnected     Type = "target_connected"
	TargetDisconnected  Type = "target_disconnected"
	ReconnectScheduled  Type = "reconnect_scheduled"
	FrameDecoded        Type = "frame_decoded"
	SequenceGap         Type = "sequence_gap"
	DecodeError         Type = "decode_error"
	Error               Type = "error"
)

// Event is one published notification. Fields is a shallow snapshot; values
// placed in it must not be mutated after publishing.
type Event struct {
	Type   Type
	Time   time.Time
	Fields map[string]any
}

type subscription struct {
	types map[Type]bool // nil means all types
	ch    chan Event
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose channel is full has the event dropped, because a stalled observer
// must not stall the radio path.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers interest in the given event types (all types when none
// are given). It returns the receive channel and a cancel function that
// unregisters the subscription and closes the channel. buffer is the channel
// depth; events published while the buffer is full are dropped.
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event of type t with the given fields to every
// matching subscriber.
func (b *Bus) Publish(t Type, fields map[string]any) {
	ev := Event{Type: t, Time: time.Now(), Fields: fields}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[t] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slog.Debug("[EVENT] subscriber buffer full, dropping", "type", t)
		}
	}
}

// PublishError reports err as an Error event, flattening its taxonomy code
// and details when it carries them.
func (b *Bus) PublishError(err error) {
	fields := map[string]any{"message": err.Error()}
	if code, ok := errs.CodeOf(err); ok {
		fields["code"] = string(code)
	}
	if details := errs.DetailsOf(err); details != nil {
		fields["details"] = details
	}
	b.Publish(Error, fields)
}

// Close shuts the bus down, closing all subscriber channels. Publishing on a
// closed bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
