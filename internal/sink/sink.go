// Package sink persists the decoded telemetry stream. FileSink writes one
// JSON record per frame through a size-rotated log file and additionally
// rotates on a session-duration timer; SQLiteSink keeps the same records
// queryable in a local database.
package sink

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/arkproject/soletrack/internal/ble/frame"
	"github.com/arkproject/soletrack/internal/errs"
)

// frameRecord is the JSON line written per decoded frame.
type frameRecord struct {
	Session           string    `json:"session"`
	Time              time.Time `json:"time"`
	Sequence          uint16    `json:"seq"`
	AccelX            int16     `json:"accel_x"`
	AccelY            int16     `json:"accel_y"`
	AccelZ            int16     `json:"accel_z"`
	HeelPressure      uint16    `json:"heel_pressure"`
	ForefootPressure1 uint16    `json:"forefoot_pressure_1"`
	ForefootPressure2 uint16    `json:"forefoot_pressure_2"`
	Signal1           uint16    `json:"signal_1"`
	Signal2           uint16    `json:"signal_2"`
	Raw               string    `json:"raw"`
}

// errorRecord is the JSON line written per decode failure.
type errorRecord struct {
	Session string    `json:"session"`
	Time    time.Time `json:"time"`
	Code    string    `json:"code,omitempty"`
	Error   string    `json:"error"`
	Raw     string    `json:"raw"`
}

// FileSinkOptions configures the rotating file sink.
type FileSinkOptions struct {
	Path            string        // log file path
	MaxSizeMB       int           // size-based rotation threshold (default 10)
	MaxBackups      int           // rotated files kept (default 20)
	SessionDuration time.Duration // session rotation period; 0 disables the timer
}

// FileSink appends JSON-lines records to a rotating file. Size rotation is
// handled by lumberjack; on top of that a session timer rotates the file
// and issues a fresh session ID, so each file maps to one logical
// recording session.
type FileSink struct {
	mu      sync.Mutex
	logger  *lumberjack.Logger
	enc     *json.Encoder
	session uuid.UUID

	stop chan struct{}
	done chan struct{}
}

// NewFileSink creates the sink and starts its session rotation timer.
func NewFileSink(opts FileSinkOptions) *FileSink {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 20
	}
	logger := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
	}
	s := &FileSink{
		logger:  logger,
		enc:     json.NewEncoder(logger),
		session: uuid.New(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opts.SessionDuration > 0 {
		go s.rotateLoop(opts.SessionDuration)
	} else {
		close(s.done)
	}
	return s
}

// Session returns the current session identifier.
func (s *FileSink) Session() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// WriteFrame appends one decoded frame record.
func (s *FileSink) WriteFrame(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(frameRecord{
		Session:           s.session.String(),
		Time:              f.Timestamp,
		Sequence:          f.Sequence,
		AccelX:            f.AccelX,
		AccelY:            f.AccelY,
		AccelZ:            f.AccelZ,
		HeelPressure:      f.HeelPressure,
		ForefootPressure1: f.ForefootPressure1,
		ForefootPressure2: f.ForefootPressure2,
		Signal1:           f.Signal1,
		Signal2:           f.Signal2,
		Raw:               f.RawHex,
	})
}

// WriteDecodeError appends one decode failure record.
func (s *FileSink) WriteDecodeError(reason error, raw []byte) error {
	rec := errorRecord{
		Time:  time.Now(),
		Error: reason.Error(),
		Raw:   hex.EncodeToString(raw),
	}
	if code, ok := errs.CodeOf(reason); ok {
		rec.Code = string(code)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Session = s.session.String()
	return s.enc.Encode(rec)
}

// rotateSession rotates the underlying file and issues a fresh session ID.
func (s *FileSink) rotateSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.logger.Rotate(); err != nil {
		slog.Warn("[SINK] session rotation failed", "error", err)
		return
	}
	s.session = uuid.New()
	slog.Info("[SINK] session rotated", "session", s.session)
}

func (s *FileSink) rotateLoop(every time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.rotateSession()
		}
	}
}

// Close stops the rotation timer and closes the file.
func (s *FileSink) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger.Close()
}

// Multi fans records out to several sinks. Every sink is written even when
// an earlier one fails; the joined error is returned.
type Multi struct {
	sinks []FrameSink
}

// FrameSink is the full sink contract including teardown.
type FrameSink interface {
	WriteFrame(f frame.Frame) error
	WriteDecodeError(reason error, raw []byte) error
	Close() error
}

// NewMulti combines sinks into one.
func NewMulti(sinks ...FrameSink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) WriteFrame(f frame.Frame) error {
	var errsOut []error
	for _, s := range m.sinks {
		if err := s.WriteFrame(f); err != nil {
			errsOut = append(errsOut, err)
		}
	}
	return errors.Join(errsOut...)
}

func (m *Multi) WriteDecodeError(reason error, raw []byte) error {
	var errsOut []error
	for _, s := range m.sinks {
		if err := s.WriteDecodeError(reason, raw); err != nil {
			errsOut = append(errsOut, err)
		}
	}
	return errors.Join(errsOut...)
}

func (m *Multi) Close() error {
	var errsOut []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errsOut = append(errsOut, err)
		}
	}
	return errors.Join(errsOut...)
}
