// Package frame decodes the fixed 20-byte insole telemetry frame delivered
// in BLE notifications. Decoding is pure: no I/O, no shared state. The only
// stateful piece is Tracker, which remembers the last sequence number to
// detect gaps.
package frame

import (
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/arkproject/soletrack/internal/errs"
)

// Size is the exact length of a telemetry frame in bytes.
const Size = 20

// Wire layout. The sequence number is big-endian; all sensor fields are
// little-endian. Bytes 18-19 are reserved by the firmware and ignored.
const (
	offSequence  = 0
	offAccelX    = 2
	offAccelY    = 4
	offAccelZ    = 6
	offHeel      = 8
	offForefoot1 = 10
	offForefoot2 = 12
	offSignal1   = 14
	offSignal2   = 16
)

// Frame is one decoded telemetry sample. Immutable once constructed.
type Frame struct {
	Sequence          uint16
	AccelX            int16
	AccelY            int16
	AccelZ            int16
	HeelPressure      uint16
	ForefootPressure1 uint16
	ForefootPressure2 uint16
	Signal1           uint16
	Signal2           uint16
	Timestamp         time.Time
	RawHex            string
}

// Decode parses exactly one 20-byte buffer into a Frame. It fails with an
// invalid_frame error when the buffer is not exactly Size bytes or when a
// decoded field falls outside its declared range.
func Decode(buf []byte) (Frame, error) {
	if len(buf) != Size {
		return Frame{}, errs.New(errs.InvalidFrame, "frame must be exactly 20 bytes").
			With("length", len(buf)).
			With("raw", hex.EncodeToString(buf))
	}

	f := Frame{
		Sequence:          binary.BigEndian.Uint16(buf[offSequence:]),
		AccelX:            int16(binary.LittleEndian.Uint16(buf[offAccelX:])),
		AccelY:            int16(binary.LittleEndian.Uint16(buf[offAccelY:])),
		AccelZ:            int16(binary.LittleEndian.Uint16(buf[offAccelZ:])),
		HeelPressure:      binary.LittleEndian.Uint16(buf[offHeel:]),
		ForefootPressure1: binary.LittleEndian.Uint16(buf[offForefoot1:]),
		ForefootPressure2: binary.LittleEndian.Uint16(buf[offForefoot2:]),
		Signal1:           binary.LittleEndian.Uint16(buf[offSignal1:]),
		Signal2:           binary.LittleEndian.Uint16(buf[offSignal2:]),
		Timestamp:         time.Now(),
		RawHex:            hex.EncodeToString(buf),
	}

	if err := validate(f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// validate range-checks every decoded field against its declared range.
//
// For the current full-width 16-bit fields every representable bit pattern
// is in range, so this check cannot fire today. It is kept so that narrower
// fields added by future firmware get rejected here instead of flowing
// downstream as garbage.
func validate(f Frame) error {
	checks := []struct {
		name string
		v    int64
		min  int64
		max  int64
	}{
		{"sequence", int64(f.Sequence), 0, 65535},
		{"accel_x", int64(f.AccelX), -32768, 32767},
		{"accel_y", int64(f.AccelY), -32768, 32767},
		{"accel_z", int64(f.AccelZ), -32768, 32767},
		{"heel_pressure", int64(f.HeelPressure), 0, 65535},
		{"forefoot_pressure_1", int64(f.ForefootPressure1), 0, 65535},
		{"forefoot_pressure_2", int64(f.ForefootPressure2), 0, 65535},
		{"signal_1", int64(f.Signal1), 0, 65535},
		{"signal_2", int64(f.Signal2), 0, 65535},
	}
	for _, c := range checks {
		if c.v < c.min || c.v > c.max {
			return errs.New(errs.InvalidFrame, "field out of range").
				With("field", c.name).
				With("value", c.v).
				With("raw", f.RawHex)
		}
	}
	return nil
}

// Gap describes a sequence discontinuity between two consecutive frames.
type Gap struct {
	Expected uint16
	Received uint16
}

// Tracker detects sequence gaps across a stream of frames. Gaps are
// expected under radio loss; they are observability data, not corruption,
// so Check never rejects a frame.
type Tracker struct {
	mu   sync.Mutex
	last uint16
	seen bool
}

// Check records f's sequence number and reports whether it broke the
// expected (previous+1 mod 65536) progression.
func (t *Tracker) Check(f Frame) (Gap, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seen {
		t.seen = true
		t.last = f.Sequence
		return Gap{}, false
	}

	expected := t.last + 1 // uint16 arithmetic wraps at 65536
	t.last = f.Sequence
	if f.Sequence != expected {
		return Gap{Expected: expected, Received: f.Sequence}, true
	}
	return Gap{}, false
}

// Reset forgets the last seen sequence number, e.g. after a reconnect.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = false
}
