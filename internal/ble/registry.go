package ble

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arkproject/soletrack/internal/errs"
	"github.com/arkproject/soletrack/internal/event"
)

// AttachFunc connects a callback to an external notification source and
// returns a detach function. The registry calls it with the wrapped
// (panic-safe) callback, never the original.
type AttachFunc func(cb func(data []byte)) (detach func() error, err error)

type listenerKey struct {
	target string
	event  string
}

type listenerRecord struct {
	detach       func() error
	registeredAt time.Time
}

// Registry is the single path by which callbacks are attached to external
// notification sources (device disconnect watchers, characteristic value
// streams). It guarantees at most one active registration per
// (target, event) pair and centralizes teardown, so no listener can leak
// past a disconnect or cleanup.
type Registry struct {
	bus *event.Bus

	mu      sync.Mutex
	records map[listenerKey]listenerRecord
}

// NewRegistry creates an empty registry reporting on bus.
func NewRegistry(bus *event.Bus) *Registry {
	return &Registry{
		bus:     bus,
		records: make(map[listenerKey]listenerRecord),
	}
}

// Add attaches cb to a source identified by (target, eventName). Any
// pre-existing registration for the same key is detached first. The
// callback is wrapped so that a panic inside it is caught and reported as
// notification_handling_error instead of propagating into the transport's
// delivery goroutine.
func (r *Registry) Add(target, eventName string, attach AttachFunc, cb func(data []byte)) error {
	key := listenerKey{target: target, event: eventName}

	r.mu.Lock()
	if existing, ok := r.records[key]; ok {
		delete(r.records, key)
		r.mu.Unlock()
		if err := existing.detach(); err != nil {
			slog.Warn("[REGISTRY] detaching replaced listener", "target", target, "event", eventName, "error", err)
		}
	} else {
		r.mu.Unlock()
	}

	wrapped := func(data []byte) {
		defer func() {
			if rec := recover(); rec != nil {
				r.bus.PublishError(
					errs.New(errs.NotificationHandlingError, fmt.Sprintf("listener panicked: %v", rec)).
						With("target", target).
						With("event", eventName))
			}
		}()
		cb(data)
	}

	detach, err := attach(wrapped)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.records[key] = listenerRecord{detach: detach, registeredAt: time.Now()}
	r.mu.Unlock()
	return nil
}

// Remove detaches the registration for (target, eventName), if any.
func (r *Registry) Remove(target, eventName string) {
	key := listenerKey{target: target, event: eventName}
	r.mu.Lock()
	rec, ok := r.records[key]
	delete(r.records, key)
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := rec.detach(); err != nil {
		slog.Warn("[REGISTRY] detach failed", "target", target, "event", eventName, "error", err)
	}
}

// RemoveAll detaches every registration for the given target. Used on
// disconnect and cleanup.
func (r *Registry) RemoveAll(target string) {
	r.mu.Lock()
	removed := make(map[listenerKey]listenerRecord)
	for key, rec := range r.records {
		if key.target == target {
			removed[key] = rec
			delete(r.records, key)
		}
	}
	r.mu.Unlock()

	for key, rec := range removed {
		if err := rec.detach(); err != nil {
			slog.Warn("[REGISTRY] detach failed", "target", key.target, "event", key.event, "error", err)
		}
	}
}

// Cleanup detaches everything unconditionally, logging and continuing past
// individual detach failures.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	records := r.records
	r.records = make(map[listenerKey]listenerRecord)
	r.mu.Unlock()

	for key, rec := range records {
		if err := rec.detach(); err != nil {
			slog.Warn("[REGISTRY] detach during cleanup", "target", key.target, "event", key.event, "error", err)
		}
	}
}

// Len returns the number of active registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// CountFor returns the number of active registrations for one target.
func (r *Registry) CountFor(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key := range r.records {
		if key.target == target {
			n++
		}
	}
	return n
}
