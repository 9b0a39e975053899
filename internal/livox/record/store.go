// Package record persists decoded point batches to SQLite. It is the
// reference PointSink implementation used by the capture daemon; the
// session core knows nothing about the storage format.
package record

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/livox/internal/livox"
)

// Store writes captures and their points to a SQLite database. One
// capture groups all points recorded between BeginCapture and
// EndCapture; batches arriving outside a capture are rejected.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	captureID string
	points    int64
}

// NewStore opens (creating if necessary) the capture database at path.
// Pass ":memory:" for an in-memory database in tests.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS captures (
			capture_id        TEXT PRIMARY KEY,
			broadcast_code    TEXT,
			started_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			ended_at          TIMESTAMP,
			point_count       BIGINT DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS points (
			capture_id        TEXT,
			x                 DOUBLE,
			y                 DOUBLE,
			z                 DOUBLE,
			reflectivity      INTEGER,
			stamp_ns          BIGINT,
			FOREIGN KEY(capture_id) REFERENCES captures(capture_id)
		);
		CREATE INDEX IF NOT EXISTS idx_points_capture ON points(capture_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create capture schema: %w", err)
	}

	return &Store{db: db}, nil
}

// BeginCapture opens a new capture for the given device and returns its
// id. Any previous capture must be ended first.
func (s *Store) BeginCapture(broadcastCode string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captureID != "" {
		return "", fmt.Errorf("capture %s still open", s.captureID)
	}

	id := uuid.NewString()
	if _, err := s.db.Exec(
		`INSERT INTO captures (capture_id, broadcast_code) VALUES (?, ?)`,
		id, broadcastCode,
	); err != nil {
		return "", fmt.Errorf("failed to create capture: %w", err)
	}

	s.captureID = id
	s.points = 0
	return id, nil
}

// OnPointBatch implements livox.PointSink, writing one decoded batch
// inside a single transaction.
func (s *Store) OnPointBatch(points []livox.PointRecord) error {
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captureID == "" {
		return fmt.Errorf("no capture open")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin point batch: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO points (capture_id, x, y, z, reflectivity, stamp_ns) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare point insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.Exec(s.captureID, p.X, p.Y, p.Z, p.Reflectivity, p.Timestamp.UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert point: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit point batch: %w", err)
	}

	s.points += int64(len(points))
	return nil
}

// EndCapture closes the open capture, stamping its end time and final
// point count.
func (s *Store) EndCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captureID == "" {
		return nil
	}

	_, err := s.db.Exec(
		`UPDATE captures SET ended_at = ?, point_count = ? WHERE capture_id = ?`,
		time.Now().UTC(), s.points, s.captureID)
	if err != nil {
		return fmt.Errorf("failed to close capture: %w", err)
	}

	s.captureID = ""
	s.points = 0
	return nil
}

// PointCount returns the number of points stored for a capture.
func (s *Store) PointCount(captureID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM points WHERE capture_id = ?`, captureID).Scan(&n)
	return n, err
}

// Captures returns the ids of every capture in the store, oldest first.
func (s *Store) Captures() ([]string, error) {
	rows, err := s.db.Query(`SELECT capture_id FROM captures ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close ends any open capture and closes the database.
func (s *Store) Close() error {
	if err := s.EndCapture(); err != nil {
		return err
	}
	return s.db.Close()
}
