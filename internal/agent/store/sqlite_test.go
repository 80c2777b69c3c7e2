package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehook/forgehook/internal/agent/models"
	"github.com/forgehook/forgehook/internal/db"
	"github.com/forgehook/forgehook/internal/errs"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	s, err := NewSQLiteStore(conn)
	require.NoError(t, err)
	return s
}

func testAgent(name string, public bool) *models.Agent {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Agent{
		ID:           uuid.New().String(),
		Slug:         models.Slugify(name),
		Name:         name,
		Provider:     "anthropic",
		Model:        "claude-sonnet",
		SystemPrompt: "You are a helpful assistant.",
		ToolHookIDs:  []string{"echo", "lookup"},
		Config:       models.DefaultRunConfig(),
		IsPublic:     public,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestUpsertAndGetAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := testAgent("Research Assistant", true)

	require.NoError(t, s.UpsertAgent(ctx, agent))

	byID, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "research-assistant", byID.Slug)
	assert.Equal(t, []string{"echo", "lookup"}, byID.ToolHookIDs)
	assert.Equal(t, agent.Config.MaxSteps, byID.Config.MaxSteps)

	bySlug, err := s.GetAgent(ctx, "research-assistant")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, bySlug.ID)

	_, err = s.GetAgent(ctx, "missing")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestListAgentsVisibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, testAgent("Public One", true)))
	require.NoError(t, s.UpsertAgent(ctx, testAgent("Private One", false)))

	public, err := s.ListAgents(ctx, false, 10, 0)
	require.NoError(t, err)
	assert.Len(t, public, 1)
	assert.Equal(t, "public-one", public[0].Slug)

	all, err := s.ListAgents(ctx, true, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSoftDeleteAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := testAgent("Doomed", true)
	require.NoError(t, s.UpsertAgent(ctx, agent))

	require.NoError(t, s.SoftDeleteAgent(ctx, agent.ID))
	_, err := s.GetAgent(ctx, agent.ID)
	assert.True(t, errs.Is(err, errs.CodeNotFound))

	err = s.SoftDeleteAgent(ctx, agent.ID)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := testAgent("Runner", true)
	require.NoError(t, s.UpsertAgent(ctx, agent))

	run := &models.AgentRun{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		InputText: "do the thing",
		InputData: map[string]any{"key": "value"},
		Status:    models.RunStatusRunning,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.Equal(t, "value", got.InputData["key"])
	assert.Empty(t, got.Steps)

	now := time.Now().UTC().Truncate(time.Second)
	duration := int64(1234)
	run.Status = models.RunStatusCompleted
	run.OutputText = "done"
	run.Output = map[string]any{"result": "done"}
	run.Steps = []models.Step{
		{Step: 1, Tool: "echo", Action: "post_run", Input: map[string]any{"msg": "hi"},
			Output: map[string]any{"ok": true}, DurationMs: 42, At: now},
	}
	run.TotalSteps = 1
	run.TokensInput = 100
	run.TokensOutput = 50
	run.DurationMs = &duration
	run.CompletedAt = &now
	require.NoError(t, s.FinalizeRun(ctx, run))

	final, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	require.Len(t, final.Steps, 1)
	assert.Equal(t, "echo", final.Steps[0].Tool)
	assert.Equal(t, 1, final.TotalSteps)
	assert.Equal(t, int64(1234), *final.DurationMs)
	assert.NotNil(t, final.CompletedAt)
}

func TestRunQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := testAgent("Runner", true)
	require.NoError(t, s.UpsertAgent(ctx, agent))

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateRun(ctx, &models.AgentRun{
			ID:        uuid.New().String(),
			AgentID:   agent.ID,
			Status:    models.RunStatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := s.RunsByAgent(ctx, agent.ID, 2, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	// Newest first.
	assert.True(t, runs[0].CreatedAt.After(runs[1].CreatedAt))

	recent, err := s.RecentRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	_, err = s.GetRun(ctx, "missing")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}
