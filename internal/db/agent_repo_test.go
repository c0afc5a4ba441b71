package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/hub/internal/models"
)

func setupAgentRepoTest(t *testing.T) (*AgentRepo, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	repo := NewAgentRepo(NewDatabaseForTesting(mockDB))
	return repo, mock, func() { mockDB.Close() }
}

func TestAgentRepo_APIKeyHash_Found(t *testing.T) {
	repo, mock, cleanup := setupAgentRepoTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT api_key_hash FROM agents WHERE agent_id = \$1`).
		WithArgs("agent-a").
		WillReturnRows(sqlmock.NewRows([]string{"api_key_hash"}).AddRow("hash-1"))

	hash, ok, err := repo.APIKeyHash(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hash-1", hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentRepo_APIKeyHash_NoRows(t *testing.T) {
	repo, mock, cleanup := setupAgentRepoTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT api_key_hash FROM agents WHERE agent_id = \$1`).
		WithArgs("never-seen").
		WillReturnError(sql.ErrNoRows)

	hash, ok, err := repo.APIKeyHash(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentRepo_APIKeyHash_NullHash(t *testing.T) {
	repo, mock, cleanup := setupAgentRepoTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT api_key_hash FROM agents WHERE agent_id = \$1`).
		WithArgs("agent-a").
		WillReturnRows(sqlmock.NewRows([]string{"api_key_hash"}).AddRow(sql.NullString{Valid: false}))

	_, ok, err := repo.APIKeyHash(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.False(t, ok, "a NULL api_key_hash means the agent has never bootstrapped")
}

func TestAgentRepo_Upsert(t *testing.T) {
	repo, mock, cleanup := setupAgentRepoTest(t)
	defer cleanup()

	agent := &models.Agent{AgentID: "agent-a", Name: "agent-a", Type: "scanner", Status: models.AgentOnline, Activity: "idle"}
	mock.ExpectExec(`INSERT INTO agents`).
		WithArgs(agent.AgentID, agent.Name, agent.Type, agent.Status, agent.Activity, agent.OwnerUserID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Upsert(context.Background(), agent))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentRepo_UpdateStatus(t *testing.T) {
	repo, mock, cleanup := setupAgentRepoTest(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectExec(`UPDATE agents SET status`).
		WithArgs(models.AgentOffline, &now, "agent-a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateStatus(context.Background(), "agent-a", models.AgentOffline, &now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentRepo_Exists(t *testing.T) {
	repo, mock, cleanup := setupAgentRepoTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT 1 FROM agents WHERE agent_id = \$1`).
		WithArgs("agent-a").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	known, err := repo.Exists(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.True(t, known)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentRepo_Exists_NeverRegistered(t *testing.T) {
	repo, mock, cleanup := setupAgentRepoTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT 1 FROM agents WHERE agent_id = \$1`).
		WithArgs("never-seen").
		WillReturnError(sql.ErrNoRows)

	known, err := repo.Exists(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestAgentRepo_Get_NotFound(t *testing.T) {
	repo, mock, cleanup := setupAgentRepoTest(t)
	defer cleanup()

	mock.ExpectQuery(`(?s)SELECT agent_id.+FROM agents WHERE agent_id = \$1`).
		WithArgs("never-seen").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "never-seen")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestAgentRepo_List(t *testing.T) {
	repo, mock, cleanup := setupAgentRepoTest(t)
	defer cleanup()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"agent_id", "name", "type", "status", "activity", "owner_user_id", "last_heartbeat", "created_at", "updated_at"}).
		AddRow("agent-a", "agent-a", "scanner", models.AgentOnline, "idle", "", now, now, now).
		AddRow("agent-b", "agent-b", "scanner", models.AgentOffline, "idle", "", nil, now, now)

	mock.ExpectQuery(`(?s)SELECT agent_id.+FROM agents ORDER BY name`).WillReturnRows(rows)

	out, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "agent-a", out[0].AgentID)
	assert.NotNil(t, out[0].LastHeartbeat)
	assert.Nil(t, out[1].LastHeartbeat)
	assert.NoError(t, mock.ExpectationsWereMet())
}
