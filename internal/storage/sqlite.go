package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cartridge/learner/internal/types"
)

// SQLiteStore implements RunStore on an embedded SQLite file.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore creates a store for path; call Init before use.
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

// Init opens the database and creates the tables.
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createSQLiteTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run types.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, agent, environment, state, config, current_step, episodes,
						  average_reward, last_error, started_at, ended_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Agent, run.Environment, string(run.State), nullableJSON(run.Config),
		run.CurrentStep, run.Episodes, run.AverageReward, run.LastError,
		nullableTime(run.StartedAt), nullableTime(run.EndedAt), run.CreatedAt.UTC(), run.UpdatedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrConflict
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (types.Run, error) {
	db, err := s.getDB()
	if err != nil {
		return types.Run{}, err
	}

	var run types.Run
	var state string
	var config []byte
	var startedAt, endedAt sql.NullTime
	err = db.QueryRowContext(ctx, `
		SELECT id, agent, environment, state, config, current_step, episodes,
			   average_reward, last_error, started_at, ended_at, created_at, updated_at
		FROM runs WHERE id = ?`, id).Scan(
		&run.ID, &run.Agent, &run.Environment, &state, &config, &run.CurrentStep,
		&run.Episodes, &run.AverageReward, &run.LastError, &startedAt, &endedAt,
		&run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Run{}, ErrNotFound
	}
	if err != nil {
		return types.Run{}, fmt.Errorf("failed to get run: %w", err)
	}

	run.State = types.RunState(state)
	run.Config = config
	run.StartedAt = timePtr(startedAt)
	run.EndedAt = timePtr(endedAt)
	return run, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run types.Run) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `
		UPDATE runs SET
			state = ?, current_step = ?, episodes = ?, average_reward = ?,
			last_error = ?, started_at = ?, ended_at = ?, updated_at = ?
		WHERE id = ?`,
		string(run.State), run.CurrentStep, run.Episodes, run.AverageReward,
		run.LastError, nullableTime(run.StartedAt), nullableTime(run.EndedAt),
		run.UpdatedAt.UTC(), run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return requireRow(result)
}

func (s *SQLiteStore) AppendTransition(ctx context.Context, transition RunTransition) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if err := s.requireRun(ctx, db, transition.RunID); err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO run_transitions (run_id, from_state, to_state, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		transition.RunID, string(transition.FromState), string(transition.ToState),
		transition.Reason, transition.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTransitions(ctx context.Context, runID string) ([]RunTransition, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if err := s.requireRun(ctx, db, runID); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT run_id, from_state, to_state, reason, created_at
		FROM run_transitions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out []RunTransition
	for rows.Next() {
		var tr RunTransition
		var from, to string
		if err := rows.Scan(&tr.RunID, &from, &to, &tr.Reason, &tr.CreatedAt); err != nil {
			return nil, err
		}
		tr.FromState = types.RunState(from)
		tr.ToState = types.RunState(to)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendEpisode(ctx context.Context, episode types.Episode) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if err := s.requireRun(ctx, db, episode.RunID); err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO run_episodes (run_id, episode, steps, reward, terminated, total_steps, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		episode.RunID, episode.Episode, episode.Steps, episode.Reward,
		episode.Terminated, episode.TotalSteps, episode.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append episode: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEpisodes(ctx context.Context, runID string, limit int) ([]types.Episode, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if err := s.requireRun(ctx, db, runID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := db.QueryContext(ctx, `
		SELECT run_id, episode, steps, reward, terminated, total_steps, created_at
		FROM run_episodes WHERE run_id = ? ORDER BY episode DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	defer rows.Close()

	episodes, err := scanEpisodes(rows)
	if err != nil {
		return nil, err
	}
	reverseEpisodes(episodes)
	return episodes, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func (s *SQLiteStore) requireRun(ctx context.Context, db *sql.DB, runID string) error {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func createSQLiteTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			environment TEXT NOT NULL,
			state TEXT NOT NULL,
			config BLOB,
			current_step INTEGER NOT NULL DEFAULT 0,
			episodes INTEGER NOT NULL DEFAULT 0,
			average_reward REAL NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_episodes (
			run_id TEXT NOT NULL REFERENCES runs(id),
			episode INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			reward REAL NOT NULL,
			terminated BOOLEAN NOT NULL,
			total_steps INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, episode)
		);
	`)
	return err
}

// Helper functions shared by the SQL stores

type rowScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEpisodes(rows rowScanner) ([]types.Episode, error) {
	var out []types.Episode
	for rows.Next() {
		var ep types.Episode
		if err := rows.Scan(&ep.RunID, &ep.Episode, &ep.Steps, &ep.Reward, &ep.Terminated, &ep.TotalSteps, &ep.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func reverseEpisodes(episodes []types.Episode) {
	for i, j := 0, len(episodes)-1; i < j; i, j = i+1, j-1 {
		episodes[i], episodes[j] = episodes[j], episodes[i]
	}
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
