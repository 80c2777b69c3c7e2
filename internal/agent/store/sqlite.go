// Package store persists agents and agent runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forgehook/forgehook/internal/agent/models"
	"github.com/forgehook/forgehook/internal/errs"
)

// Store is the persistence contract the orchestrator and handlers depend on.
type Store interface {
	UpsertAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, idOrSlug string) (*models.Agent, error)
	ListAgents(ctx context.Context, includePrivate bool, limit, offset int) ([]*models.Agent, error)
	SoftDeleteAgent(ctx context.Context, id string) error

	CreateRun(ctx context.Context, run *models.AgentRun) error
	FinalizeRun(ctx context.Context, run *models.AgentRun) error
	GetRun(ctx context.Context, id string) (*models.AgentRun, error)
	RunsByAgent(ctx context.Context, agentID string, limit, offset int) ([]*models.AgentRun, error)
	RecentRuns(ctx context.Context, limit int) ([]*models.AgentRun, error)

	Close() error
}

// SQLiteStore implements Store on SQLite via sqlx.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore wraps the shared connection and ensures the agent schema.
func NewSQLiteStore(conn *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: sqlx.NewDb(conn, "sqlite3")}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id            TEXT PRIMARY KEY,
		slug          TEXT NOT NULL UNIQUE,
		name          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		provider      TEXT NOT NULL,
		model         TEXT NOT NULL,
		system_prompt TEXT NOT NULL DEFAULT '',
		tool_hook_ids TEXT NOT NULL DEFAULT '[]',
		config        TEXT NOT NULL DEFAULT '{}',
		is_public     INTEGER NOT NULL DEFAULT 0,
		created_by    TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL,
		deleted_at    TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agent_runs (
		id            TEXT PRIMARY KEY,
		agent_id      TEXT NOT NULL,
		input_text    TEXT NOT NULL DEFAULT '',
		input_data    TEXT NOT NULL DEFAULT 'null',
		output        TEXT NOT NULL DEFAULT 'null',
		output_text   TEXT NOT NULL DEFAULT '',
		steps         TEXT NOT NULL DEFAULT '[]',
		total_steps   INTEGER NOT NULL DEFAULT 0,
		tokens_input  INTEGER NOT NULL DEFAULT 0,
		tokens_output INTEGER NOT NULL DEFAULT 0,
		duration_ms   INTEGER,
		status        TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMP NOT NULL,
		completed_at  TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_agent ON agent_runs(agent_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create agent tables: %w", err)
	}
	return nil
}

type agentRow struct {
	ID           string       `db:"id"`
	Slug         string       `db:"slug"`
	Name         string       `db:"name"`
	Description  string       `db:"description"`
	Provider     string       `db:"provider"`
	Model        string       `db:"model"`
	SystemPrompt string       `db:"system_prompt"`
	ToolHookIDs  string       `db:"tool_hook_ids"`
	Config       string       `db:"config"`
	IsPublic     bool         `db:"is_public"`
	CreatedBy    string       `db:"created_by"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
	DeletedAt    sql.NullTime `db:"deleted_at"`
}

func (r *agentRow) toAgent() (*models.Agent, error) {
	agent := &models.Agent{
		ID:           r.ID,
		Slug:         r.Slug,
		Name:         r.Name,
		Description:  r.Description,
		Provider:     r.Provider,
		Model:        r.Model,
		SystemPrompt: r.SystemPrompt,
		IsPublic:     r.IsPublic,
		CreatedBy:    r.CreatedBy,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time
		agent.DeletedAt = &t
	}
	if err := json.Unmarshal([]byte(r.ToolHookIDs), &agent.ToolHookIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool hook ids: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Config), &agent.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent config: %w", err)
	}
	return agent, nil
}

// UpsertAgent inserts or replaces an agent row.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	hookIDs, err := json.Marshal(agent.ToolHookIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal tool hook ids: %w", err)
	}
	cfg, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal agent config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agents (
			id, slug, name, description, provider, model, system_prompt,
			tool_hook_ids, config, is_public, created_by,
			created_at, updated_at, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Slug, agent.Name, agent.Description,
		agent.Provider, agent.Model, agent.SystemPrompt,
		string(hookIDs), string(cfg), agent.IsPublic, agent.CreatedBy,
		agent.CreatedAt, agent.UpdatedAt, nullableTime(agent.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", agent.ID, err)
	}
	return nil
}

// GetAgent fetches a non-deleted agent by id or slug.
func (s *SQLiteStore) GetAgent(ctx context.Context, idOrSlug string) (*models.Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM agents
		WHERE (id = ? OR slug = ?) AND deleted_at IS NULL`, idOrSlug, idOrSlug)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "agent %s not found", idOrSlug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %w", idOrSlug, err)
	}
	return row.toAgent()
}

// ListAgents returns non-deleted agents, newest first. Private agents are
// included only when requested.
func (s *SQLiteStore) ListAgents(ctx context.Context, includePrivate bool, limit, offset int) ([]*models.Agent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT * FROM agents WHERE deleted_at IS NULL`
	if !includePrivate {
		query += ` AND is_public = 1`
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	out := make([]*models.Agent, 0, len(rows))
	for i := range rows {
		agent, err := rows[i].toAgent()
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, nil
}

// SoftDeleteAgent marks an agent deleted without dropping its runs.
func (s *SQLiteStore) SoftDeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.CodeNotFound, "agent %s not found", id)
	}
	return nil
}

type runRow struct {
	ID           string        `db:"id"`
	AgentID      string        `db:"agent_id"`
	InputText    string        `db:"input_text"`
	InputData    string        `db:"input_data"`
	Output       string        `db:"output"`
	OutputText   string        `db:"output_text"`
	Steps        string        `db:"steps"`
	TotalSteps   int           `db:"total_steps"`
	TokensInput  int           `db:"tokens_input"`
	TokensOutput int           `db:"tokens_output"`
	DurationMs   sql.NullInt64 `db:"duration_ms"`
	Status       string        `db:"status"`
	ErrorMessage string        `db:"error_message"`
	CreatedAt    time.Time     `db:"created_at"`
	CompletedAt  sql.NullTime  `db:"completed_at"`
}

func (r *runRow) toRun() (*models.AgentRun, error) {
	run := &models.AgentRun{
		ID:           r.ID,
		AgentID:      r.AgentID,
		InputText:    r.InputText,
		OutputText:   r.OutputText,
		TotalSteps:   r.TotalSteps,
		TokensInput:  r.TokensInput,
		TokensOutput: r.TokensOutput,
		Status:       r.Status,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
	}
	if r.DurationMs.Valid {
		d := r.DurationMs.Int64
		run.DurationMs = &d
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		run.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(r.InputData), &run.InputData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run input data: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Output), &run.Output); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run output: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Steps), &run.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run steps: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) writeRun(ctx context.Context, run *models.AgentRun) error {
	inputData, err := json.Marshal(run.InputData)
	if err != nil {
		return fmt.Errorf("failed to marshal run input data: %w", err)
	}
	output, err := json.Marshal(run.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal run output: %w", err)
	}
	steps := run.Steps
	if steps == nil {
		steps = []models.Step{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("failed to marshal run steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agent_runs (
			id, agent_id, input_text, input_data, output, output_text,
			steps, total_steps, tokens_input, tokens_output, duration_ms,
			status, error_message, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.AgentID, run.InputText, string(inputData), string(output), run.OutputText,
		string(stepsJSON), run.TotalSteps, run.TokensInput, run.TokensOutput, nullableInt64(run.DurationMs),
		run.Status, run.ErrorMessage, run.CreatedAt, nullableTime(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to write run %s: %w", run.ID, err)
	}
	return nil
}

// CreateRun persists a newly started run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.AgentRun) error {
	return s.writeRun(ctx, run)
}

// FinalizeRun persists the terminal state of a run.
func (s *SQLiteStore) FinalizeRun(ctx context.Context, run *models.AgentRun) error {
	return s.writeRun(ctx, run)
}

// GetRun fetches one run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agent_runs WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return row.toRun()
}

// RunsByAgent returns an agent's runs, newest first.
func (s *SQLiteStore) RunsByAgent(ctx context.Context, agentID string, limit, offset int) ([]*models.AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM agent_runs WHERE agent_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for agent %s: %w", agentID, err)
	}
	return rowsToRuns(rows)
}

// RecentRuns returns the most recent runs across all agents.
func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]*models.AgentRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM agent_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent runs: %w", err)
	}
	return rowsToRuns(rows)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func rowsToRuns(rows []runRow) ([]*models.AgentRun, error) {
	out := make([]*models.AgentRun, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableInt64(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}
