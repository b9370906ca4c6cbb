package sink

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/arkproject/soletrack/internal/ble/frame"
	"github.com/arkproject/soletrack/internal/errs"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS frames (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session TEXT NOT NULL,
	ts TEXT NOT NULL,
	seq INTEGER NOT NULL,
	accel_x INTEGER NOT NULL,
	accel_y INTEGER NOT NULL,
	accel_z INTEGER NOT NULL,
	heel_pressure INTEGER NOT NULL,
	forefoot_pressure_1 INTEGER NOT NULL,
	forefoot_pressure_2 INTEGER NOT NULL,
	signal_1 INTEGER NOT NULL,
	signal_2 INTEGER NOT NULL,
	raw TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS decode_errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session TEXT NOT NULL,
	ts TEXT NOT NULL,
	code TEXT,
	message TEXT NOT NULL,
	raw TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_frames_session ON frames(session);
`

// SQLiteSink persists frames and decode errors to a local SQLite database,
// one row per record, stamped with the sink's session ID.
type SQLiteSink struct {
	db      *sql.DB
	session uuid.UUID
}

// NewSQLiteSink opens (creating if needed) the database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sink: open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: create schema: %w", err)
	}
	return &SQLiteSink{db: db, session: uuid.New()}, nil
}

// Session returns the session identifier stamped on rows.
func (s *SQLiteSink) Session() uuid.UUID { return s.session }

// WriteFrame inserts one decoded frame row.
func (s *SQLiteSink) WriteFrame(f frame.Frame) error {
	_, err := s.db.Exec(
		`INSERT INTO frames (session, ts, seq, accel_x, accel_y, accel_z,
			heel_pressure, forefoot_pressure_1, forefoot_pressure_2,
			signal_1, signal_2, raw)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.session.String(), f.Timestamp.Format(time.RFC3339Nano), f.Sequence,
		f.AccelX, f.AccelY, f.AccelZ,
		f.HeelPressure, f.ForefootPressure1, f.ForefootPressure2,
		f.Signal1, f.Signal2, f.RawHex)
	if err != nil {
		return fmt.Errorf("sink: insert frame: %w", err)
	}
	return nil
}

// WriteDecodeError inserts one decode failure row.
func (s *SQLiteSink) WriteDecodeError(reason error, raw []byte) error {
	var code string
	if c, ok := errs.CodeOf(reason); ok {
		code = string(c)
	}
	_, err := s.db.Exec(
		`INSERT INTO decode_errors (session, ts, code, message, raw) VALUES (?, ?, ?, ?, ?)`,
		s.session.String(), time.Now().Format(time.RFC3339Nano), code,
		reason.Error(), hex.EncodeToString(raw))
	if err != nil {
		return fmt.Errorf("sink: insert decode error: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
