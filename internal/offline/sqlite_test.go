package offline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/core/internal/model"
)

func openTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestCheckpointLatestWins(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.SaveCheckpoint("job-1", "aaaa1111", "n1", []byte(`{"v":1}`)))
	require.NoError(t, s.SaveCheckpoint("job-1", "bbbb2222", "n2", []byte(`{"v":2}`)))
	require.NoError(t, s.SaveCheckpoint("job-2", "cccc3333", "n1", []byte(`{"v":3}`)))

	blob, err := s.GetLatestCheckpoint("job-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(blob))

	blob, err = s.GetLatestCheckpoint("job-2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":3}`, string(blob))
}

func TestCheckpointMissingJobYieldsNil(t *testing.T) {
	s, _ := openTestStore(t)
	blob, err := s.GetLatestCheckpoint("ghost")
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestClearCheckpointsIsScopedToJob(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.SaveCheckpoint("job-1", "aaaa1111", "n1", []byte(`{}`)))
	require.NoError(t, s.SaveCheckpoint("job-2", "bbbb2222", "n1", []byte(`{}`)))

	require.NoError(t, s.ClearCheckpoints("job-1"))

	blob, err := s.GetLatestCheckpoint("job-1")
	require.NoError(t, err)
	assert.Nil(t, blob)

	blob, err = s.GetLatestCheckpoint("job-2")
	require.NoError(t, err)
	assert.NotNil(t, blob)
}

func TestJobQueueDrainsInEnqueueOrder(t *testing.T) {
	s, _ := openTestStore(t)
	for _, id := range []model.JobID{"j1", "j2", "j3"} {
		require.NoError(t, s.EnqueueJob(&model.Job{
			ID: id, Status: model.JobPending, CreatedAt: time.Now().UTC(),
		}))
	}

	jobs, err := s.DrainJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, model.JobID("j1"), jobs[0].ID)
	assert.Equal(t, model.JobID("j3"), jobs[2].ID)

	// Drain empties the queue.
	jobs, err = s.DrainJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCompletionQueueRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.EnqueueCompletion(&model.JobCompletion{
		JobID:       "j1",
		Success:     true,
		Result:      map[string]any{"rows": float64(12)},
		CompletedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}))

	completions, err := s.DrainCompletions()
	require.NoError(t, err)
	require.Len(t, completions, 1)
	assert.Equal(t, model.JobID("j1"), completions[0].JobID)
	assert.True(t, completions[0].Success)
	assert.Equal(t, float64(12), completions[0].Result["rows"])

	completions, err = s.DrainCompletions()
	require.NoError(t, err)
	assert.Empty(t, completions)
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveCheckpoint("job-1", "aaaa1111", "n1", []byte(`{"v":1}`)))
	require.NoError(t, s.EnqueueJob(&model.Job{ID: "j1", Status: model.JobPending}))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	blob, err := reopened.GetLatestCheckpoint("job-1")
	require.NoError(t, err)
	assert.NotNil(t, blob)

	jobs, err := reopened.DrainJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
