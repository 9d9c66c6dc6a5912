package sqlstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/config"
	"github.com/kandev/relay/internal/session"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	dir := t.TempDir()
	repo, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(dir, "relay.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func sampleSession(id string) *session.Session {
	now := time.Now().UTC()
	return &session.Session{
		ID:             id,
		State:          session.StateCreated,
		Directory:      "/tmp/work",
		Adapter:        "acp",
		ApprovalMode:   session.ApprovalInteractive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestRepository_InsertAndLoad(t *testing.T) {
	repo := newTestRepo(t)

	s := sampleSession("sess_1")
	require.NoError(t, repo.Insert(s))

	rows, err := repo.Load()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "sess_1", rows[0].ID)
	require.Equal(t, session.StateCreated, rows[0].State)
}

func TestRepository_UpdateRoundTripsNullableFields(t *testing.T) {
	repo := newTestRepo(t)

	s := sampleSession("sess_2")
	require.NoError(t, repo.Insert(s))

	started := time.Now().UTC()
	ended := started.Add(time.Minute)
	exitCode := 1
	s.State = session.StateError
	s.StartedAt = &started
	s.EndedAt = &ended
	s.ExitCode = &exitCode
	s.RunnerSessionID = "ext-123"
	require.NoError(t, repo.Update(s))

	rows, err := repo.Load()
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got := rows[0]
	require.Equal(t, session.StateError, got.State)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.EndedAt)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 1, *got.ExitCode)
	require.Equal(t, "ext-123", got.RunnerSessionID)
}

func TestRepository_UpdateUnknownSessionFails(t *testing.T) {
	repo := newTestRepo(t)
	err := repo.Update(sampleSession("does-not-exist"))
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestRepository_DeleteRemovesRow(t *testing.T) {
	repo := newTestRepo(t)
	s := sampleSession("sess_3")
	require.NoError(t, repo.Insert(s))
	require.NoError(t, repo.Delete(s.ID))

	rows, err := repo.Load()
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRepository_LoadOrdersByCreatedAt(t *testing.T) {
	repo := newTestRepo(t)

	first := sampleSession("sess_a")
	first.CreatedAt = time.Now().UTC().Add(-time.Hour)
	second := sampleSession("sess_b")
	second.CreatedAt = time.Now().UTC()

	require.NoError(t, repo.Insert(second))
	require.NoError(t, repo.Insert(first))

	rows, err := repo.Load()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "sess_a", rows[0].ID)
	require.Equal(t, "sess_b", rows[1].ID)
}
