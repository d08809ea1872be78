package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedback-triage/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(":memory:")
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func newRun(id string, created time.Time) *models.RunRecord {
	return &models.RunRecord{
		ID:         id,
		Filename:   "feedback.csv",
		Schema:     "structured",
		Model:      "gpt-4",
		Prompt:     "classify",
		TextColumn: "feedback",
		Status:     models.RunStatusRunning,
		TotalRows:  3,
		CreatedAt:  created,
	}
}

func TestRunLifecycle(t *testing.T) {
	c := newTestClient(t)
	run := newRun("run-1", time.Unix(1700000000, 0))

	require.NoError(t, c.InsertRun(run))

	got, err := c.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)

	done := time.Unix(1700000100, 0)
	run.Status = models.RunStatusDone
	run.ProcessedRows = 3
	run.FailedRows = 1
	run.CompletedAt = &done
	failures := []models.RowFailure{{Row: 1, Message: "connection reset"}}
	require.NoError(t, c.CompleteRun(run, failures, []byte("feedback,Score\na,1\n")))

	got, err = c.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusDone, got.Status)
	assert.Equal(t, 3, got.ProcessedRows)
	assert.Equal(t, 1, got.FailedRows)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, done.Unix(), got.CompletedAt.Unix())

	output, err := c.GetRunOutput("run-1")
	require.NoError(t, err)
	assert.Equal(t, "feedback,Score\na,1\n", string(output))

	stored, err := c.GetRunFailures("run-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 1, stored[0].Row)
	assert.Equal(t, "connection reset", stored[0].Message)
}

func TestGetRun_NotFound(t *testing.T) {
	c := newTestClient(t)

	_, err := c.GetRun("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.GetRunOutput("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = c.CompleteRun(newRun("missing", time.Now()), nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRuns(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, c.InsertRun(newRun("old", time.Unix(100, 0))))
	require.NoError(t, c.InsertRun(newRun("new", time.Unix(200, 0))))

	runs, err := c.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)

	runs, err = c.ListRuns(1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestMarkInterrupted(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, c.InsertRun(newRun("stuck", time.Unix(100, 0))))

	n, err := c.MarkInterrupted()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := c.GetRun("stuck")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}
