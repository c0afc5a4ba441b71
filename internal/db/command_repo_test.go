package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/hub/internal/models"
)

func setupCommandRepoTest(t *testing.T) (*CommandRepo, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	repo := NewCommandRepo(NewDatabaseForTesting(mockDB))
	return repo, mock, func() { mockDB.Close() }
}

func TestCommandRepo_Create(t *testing.T) {
	repo, mock, cleanup := setupCommandRepoTest(t)
	defer cleanup()

	cmd := &models.Command{
		CommandID:    "c1",
		IssuerUserID: "user-1",
		TargetAgents: []string{"agent-a"},
		Priority:     5,
		Status:       models.CommandPending,
		Action:       "run",
		CreatedAt:    time.Now(),
	}

	mock.ExpectExec(`INSERT INTO commands`).
		WithArgs(cmd.CommandID, cmd.IssuerUserID, sqlmock.AnyArg(), cmd.Broadcast, cmd.Priority, cmd.Status, cmd.Action, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Create(context.Background(), cmd))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommandRepo_UpdateStatus(t *testing.T) {
	repo, mock, cleanup := setupCommandRepoTest(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE commands SET status`).
		WithArgs(models.CommandCancelled, sqlmock.AnyArg(), "drill", "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), "c1", models.CommandCancelled, nil, "drill")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommandRepo_GetRunning(t *testing.T) {
	repo, mock, cleanup := setupCommandRepoTest(t)
	defer cleanup()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"command_id", "issuer_user_id", "target_agents", "broadcast", "priority", "status", "action", "payload", "created_at", "updated_at"}).
		AddRow("c1", "user-1", []byte(`["agent-a"]`), false, 5, models.CommandExecuting, "run", []byte(`{}`), now, now)

	mock.ExpectQuery(`(?s)SELECT command_id.+FROM commands WHERE status = \$1`).
		WithArgs(models.CommandExecuting, "agent-a").
		WillReturnRows(rows)

	out, err := repo.GetRunning(context.Background(), "agent-a")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c1", out[0].CommandID)
	assert.Equal(t, []string{"agent-a"}, out[0].TargetAgents)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommandRepo_GetQueued_CombinesPendingAndQueued(t *testing.T) {
	repo, mock, cleanup := setupCommandRepoTest(t)
	defer cleanup()

	now := time.Now()
	cols := []string{"command_id", "issuer_user_id", "target_agents", "broadcast", "priority", "status", "action", "payload", "created_at", "updated_at"}

	mock.ExpectQuery(`(?s)SELECT command_id.+FROM commands WHERE status = \$1`).
		WithArgs(models.CommandPending, "agent-a").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("c-pending", "user-1", []byte(`["agent-a"]`), false, 1, models.CommandPending, "run", nil, now, now))

	mock.ExpectQuery(`(?s)SELECT command_id.+FROM commands WHERE status = \$1`).
		WithArgs(models.CommandQueued, "agent-a").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("c-queued", "user-1", []byte(`["agent-a"]`), false, 1, models.CommandQueued, "run", nil, now, now))

	out, err := repo.GetQueued(context.Background(), "agent-a")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "c-pending", out[0].CommandID)
	assert.Equal(t, "c-queued", out[1].CommandID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommandRepo_Complete(t *testing.T) {
	repo, mock, cleanup := setupCommandRepoTest(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE commands SET status = \$1.+completed_at = NOW\(\)`).
		WithArgs(models.CommandCompleted, sqlmock.AnyArg(), "", "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Complete(context.Background(), "c1", models.CommandCompleted, map[string]interface{}{"exit": 0}, "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommandRepo_AppendOutput(t *testing.T) {
	repo, mock, cleanup := setupCommandRepoTest(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO command_output`).
		WithArgs("c1", "agent-a", "hello", models.StreamStdout).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.AppendOutput(context.Background(), "c1", "agent-a", "hello", models.StreamStdout))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommandRepo_AppendTrace(t *testing.T) {
	repo, mock, cleanup := setupCommandRepoTest(t)
	defer cleanup()

	trace := &models.TraceEvent{CommandID: "c1", AgentID: "agent-a", Name: "step", Timestamp: time.Now()}
	mock.ExpectExec(`INSERT INTO command_traces`).
		WithArgs(trace.CommandID, trace.AgentID, trace.Name, sqlmock.AnyArg(), trace.Timestamp).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.AppendTrace(context.Background(), trace))
	assert.NoError(t, mock.ExpectationsWereMet())
}
