package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/scribeware/scribe-core/internal/config"
	_ "modernc.org/sqlite"
)

// timeLayout keeps timestamps fixed-width UTC text so lexicographic
// comparison in SQL matches chronological order.
const timeLayout = "2006-01-02 15:04:05.000000000Z07:00"

// StoredSegment is one finalized transcript segment as persisted.
type StoredSegment struct {
	ID           int64
	RecordingID  string
	SessionID    uint64
	SegmentIndex int
	Text         string
	CreatedAt    time.Time
}

// Recording is one user-initiated capture from start to stop.
type Recording struct {
	ID        string
	StartedAt time.Time
	StoppedAt time.Time
	AudioPath string
}

// Store persists finalized transcript segments per recording in SQLite.
// Ephemeral mode keeps nothing and every write is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.TranscriptStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the transcript store according to config.
func Open(ctx context.Context, cfg config.TranscriptStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("transcript store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("transcript store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    recording_id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    stopped_at TIMESTAMP,
    audio_path TEXT
);
CREATE TABLE IF NOT EXISTS segments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id TEXT NOT NULL,
    session_id INTEGER NOT NULL,
    segment_index INTEGER NOT NULL,
    text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(recording_id, session_id, segment_index),
    FOREIGN KEY(recording_id) REFERENCES recordings(recording_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_segments_recording ON segments(recording_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRecording ensures a recording row exists.
func (s *Store) BeginRecording(ctx context.Context, recordingID string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(recording_id, started_at)
		 VALUES(?, ?)
		 ON CONFLICT(recording_id) DO NOTHING`,
		recordingID, s.clock().UTC().Format(timeLayout))
	return err
}

// FinishRecording stamps the stop time and optional audio archive path.
func (s *Store) FinishRecording(ctx context.Context, recordingID, audioPath string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET stopped_at = ?, audio_path = ? WHERE recording_id = ?`,
		s.clock().UTC().Format(timeLayout), audioPath, recordingID)
	return err
}

// AppendSegment writes one finalized segment. Duplicate deliveries of the
// same session/segment pair are ignored, mirroring the accumulator.
func (s *Store) AppendSegment(ctx context.Context, recordingID string, seg Segment) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segments(recording_id, session_id, segment_index, text, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(recording_id, session_id, segment_index) DO NOTHING`,
		recordingID, seg.SessionID, seg.SegmentIndex, seg.Text, s.clock().UTC().Format(timeLayout))
	return err
}

// ListSegments retrieves up to limit segments for a recording in insertion order.
func (s *Store) ListSegments(ctx context.Context, recordingID string, limit int) ([]StoredSegment, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recording_id, session_id, segment_index, text, created_at
		 FROM segments WHERE recording_id = ? ORDER BY id ASC LIMIT ?`, recordingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []StoredSegment
	for rows.Next() {
		var seg StoredSegment
		var created string
		if err := rows.Scan(&seg.ID, &seg.RecordingID, &seg.SessionID, &seg.SegmentIndex, &seg.Text, &created); err != nil {
			return nil, err
		}
		ts, err := time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("parse segment timestamp %q: %w", created, err)
		}
		seg.CreatedAt = ts
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		if _, err = tx.ExecContext(ctx, `DELETE FROM segments WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecordings > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE recording_id IN (
			SELECT recording_id FROM recordings ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecordings)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
