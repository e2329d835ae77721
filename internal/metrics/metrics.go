package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"support-kb-backend/models"
)

// ErrNotFound is returned when a feedback update references an unknown
// interaction id.
var ErrNotFound = errors.New("interaction not found")

// Store persists one row per chat interaction and attaches feedback scores
// after the fact by id.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and its parent directory) if needed and
// ensures the chat_logs table exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating metrics directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening metrics database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_logs (
			id             TEXT PRIMARY KEY,
			timestamp      DATETIME NOT NULL,
			query          TEXT NOT NULL,
			response       TEXT NOT NULL,
			sources        TEXT NOT NULL,
			latency_ms     REAL NOT NULL,
			ttft_ms        REAL NOT NULL,
			feedback_score INTEGER
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating chat_logs table: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Log records one completed interaction and returns its freshly minted id.
func (s *Store) Log(ctx context.Context, query, response string, sources []models.Source, latencyMS, ttftMS float64) (string, error) {
	id := uuid.NewString()

	if sources == nil {
		sources = []models.Source{}
	}
	serialized, err := json.Marshal(sources)
	if err != nil {
		return "", fmt.Errorf("serializing sources: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_logs (id, timestamp, query, response, sources, latency_ms, ttft_ms, feedback_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
	`, id, time.Now().UTC().Format(time.RFC3339Nano), query, response, string(serialized), latencyMS, ttftMS)
	if err != nil {
		return "", fmt.Errorf("inserting interaction log: %w", err)
	}
	return id, nil
}

// UpdateFeedback sets the feedback score for an interaction. An unknown id is
// an error surfaced to the caller, not silently dropped.
func (s *Store) UpdateFeedback(ctx context.Context, id string, score int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_logs SET feedback_score = ? WHERE id = ?`, score, id)
	if err != nil {
		return fmt.Errorf("updating feedback: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking feedback update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get fetches one interaction row by id.
func (s *Store) Get(ctx context.Context, id string) (*models.InteractionLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, query, response, sources, latency_ms, ttft_ms, feedback_score
		FROM chat_logs WHERE id = ?
	`, id)

	var (
		rec   models.InteractionLog
		ts    string
		score sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &ts, &rec.Query, &rec.Response, &rec.Sources,
		&rec.LatencyMS, &rec.TTFTMS, &score); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading interaction log: %w", err)
	}

	if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		rec.Timestamp = parsed
	}
	if score.Valid {
		v := int(score.Int64)
		rec.FeedbackScore = &v
	}
	return &rec, nil
}
