package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/cartridge/learner/internal/types"
)

// PostgresStore implements RunStore backed by PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects to dsn and makes sure the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	store := NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the registry tables if they are missing.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			environment TEXT NOT NULL,
			state TEXT NOT NULL,
			config JSONB,
			current_step BIGINT NOT NULL DEFAULT 0,
			episodes BIGINT NOT NULL DEFAULT 0,
			average_reward DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_transitions (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_episodes (
			run_id TEXT NOT NULL REFERENCES runs(id),
			episode INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			reward DOUBLE PRECISION NOT NULL,
			terminated BOOLEAN NOT NULL,
			total_steps INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, episode)
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateRun(ctx context.Context, run types.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO runs (id, agent, environment, state, config, current_step, episodes,
						  average_reward, last_error, started_at, ended_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := p.db.ExecContext(ctx, query,
		run.ID, run.Agent, run.Environment, string(run.State), nullableJSON(run.Config),
		run.CurrentStep, run.Episodes, run.AverageReward, run.LastError,
		nullableTime(run.StartedAt), nullableTime(run.EndedAt), run.CreatedAt, run.UpdatedAt)

	if err != nil {
		// Check for unique constraint violation
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

func (p *PostgresStore) GetRun(ctx context.Context, id string) (types.Run, error) {
	query := `
		SELECT id, agent, environment, state, config, current_step, episodes,
			   average_reward, last_error, started_at, ended_at, created_at, updated_at
		FROM runs WHERE id = $1`

	var run types.Run
	var state string
	var config []byte
	var startedAt, endedAt sql.NullTime

	err := p.db.QueryRowContext(ctx, query, id).Scan(
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

func (p *PostgresStore) UpdateRun(ctx context.Context, run types.Run) error {
	query := `
		UPDATE runs SET
			state = $2, current_step = $3, episodes = $4, average_reward = $5,
			last_error = $6, started_at = $7, ended_at = $8, updated_at = $9
		WHERE id = $1`

	result, err := p.db.ExecContext(ctx, query,
		run.ID, string(run.State), run.CurrentStep, run.Episodes, run.AverageReward,
		run.LastError, nullableTime(run.StartedAt), nullableTime(run.EndedAt), run.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	return requireRow(result)
}

func (p *PostgresStore) AppendTransition(ctx context.Context, transition RunTransition) error {
	query := `
		INSERT INTO run_transitions (run_id, from_state, to_state, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := p.db.ExecContext(ctx, query,
		transition.RunID, string(transition.FromState), string(transition.ToState),
		transition.Reason, transition.CreatedAt)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListTransitions(ctx context.Context, runID string) ([]RunTransition, error) {
	if err := p.requireRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT run_id, from_state, to_state, reason, created_at
		FROM run_transitions WHERE run_id = $1 ORDER BY id`, runID)
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

func (p *PostgresStore) AppendEpisode(ctx context.Context, episode types.Episode) error {
	query := `
		INSERT INTO run_episodes (run_id, episode, steps, reward, terminated, total_steps, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := p.db.ExecContext(ctx, query,
		episode.RunID, episode.Episode, episode.Steps, episode.Reward,
		episode.Terminated, episode.TotalSteps, episode.CreatedAt)
	switch {
	case isForeignKeyViolation(err):
		return ErrNotFound
	case isUniqueViolation(err):
		return ErrConflict
	case err != nil:
		return fmt.Errorf("failed to append episode: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListEpisodes(ctx context.Context, runID string, limit int) ([]types.Episode, error) {
	if err := p.requireRun(ctx, runID); err != nil {
		return nil, err
	}

	// LIMIT NULL means no limit.
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT run_id, episode, steps, reward, terminated, total_steps, created_at
		FROM run_episodes WHERE run_id = $1 ORDER BY episode DESC LIMIT $2`, runID, lim)
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

// Close closes the underlying connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) requireRun(ctx context.Context, runID string) error {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = $1`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
