package export

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() Spec {
	return Spec{
		Columns:   ExportableColumns,
		Delimiter: ',',
		QuoteChar: '"',
	}
}

func TestRegistryCreateAndGet(t *testing.T) {
	reg := NewRegistry(5)
	id := reg.Create(testSpec())

	_, err := uuid.Parse(id)
	require.NoError(t, err, "job ids are canonical UUIDs")

	job, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, Progress{}, job.Progress)
	assert.False(t, job.CreatedAt.IsZero())
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.Empty(t, job.FilePath)

	_, err = reg.Get("no-such-id")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRegistryIDsAreUnique(t *testing.T) {
	reg := NewRegistry(5)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := reg.Create(testSpec())
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestRegistryHappyPath(t *testing.T) {
	reg := NewRegistry(5)
	id := reg.Create(testSpec())

	require.NoError(t, reg.StartJob(id))
	job, _ := reg.Get(id)
	assert.Equal(t, StatusProcessing, job.Status)
	require.NotNil(t, job.StartedAt)

	reg.UpdateProgress(id, 50, 200)
	job, _ = reg.Get(id)
	assert.Equal(t, int64(200), job.Progress.TotalRows)
	assert.Equal(t, int64(50), job.Progress.ProcessedRows)
	assert.Equal(t, 25, job.Progress.Percentage)

	require.NoError(t, reg.CompleteJob(id, "/tmp/out.csv"))
	job, _ = reg.Get(id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, "/tmp/out.csv", job.FilePath)
	assert.Equal(t, 100, job.Progress.Percentage)
	assert.Equal(t, int64(200), job.Progress.ProcessedRows)
	require.NotNil(t, job.CompletedAt)
}

func TestRegistryRejectsBackEdges(t *testing.T) {
	reg := NewRegistry(5)
	id := reg.Create(testSpec())

	// completed requires processing
	assert.ErrorIs(t, reg.CompleteJob(id, "/tmp/x.csv"), ErrInvalidTransition)

	require.NoError(t, reg.StartJob(id))
	assert.ErrorIs(t, reg.StartJob(id), ErrInvalidTransition)

	require.NoError(t, reg.CompleteJob(id, "/tmp/x.csv"))
	assert.ErrorIs(t, reg.CompleteJob(id, "/tmp/x.csv"), ErrInvalidTransition)

	// first terminal transition wins; failing afterwards is a no-op
	require.NoError(t, reg.FailJob(id, "boom"))
	job, _ := reg.Get(id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Empty(t, job.Error)
}

func TestRegistryFailFromPending(t *testing.T) {
	reg := NewRegistry(5)
	id := reg.Create(testSpec())

	require.NoError(t, reg.FailJob(id, "connection refused"))
	job, _ := reg.Get(id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "connection refused", job.Error)
	require.NotNil(t, job.CompletedAt)
}

func TestRegistryCancel(t *testing.T) {
	reg := NewRegistry(5)

	id := reg.Create(testSpec())
	ok, err := reg.CancelJob(id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, reg.IsCancelled(id))

	job, _ := reg.Get(id)
	assert.Equal(t, StatusCancelled, job.Status)
	require.NotNil(t, job.CompletedAt)

	// cancelling a terminal job reports false, not an error
	ok, err = reg.CancelJob(id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = reg.CancelJob("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRegistryProgressMonotonicAndFrozenWhenTerminal(t *testing.T) {
	reg := NewRegistry(5)
	id := reg.Create(testSpec())
	require.NoError(t, reg.StartJob(id))

	reg.UpdateProgress(id, 10, 100)
	reg.UpdateProgress(id, 5, 100) // counters never go backwards
	job, _ := reg.Get(id)
	assert.Equal(t, int64(10), job.Progress.ProcessedRows)

	ok, _ := reg.CancelJob(id)
	require.True(t, ok)
	reg.UpdateProgress(id, 90, 100) // no-op after terminal
	job, _ = reg.Get(id)
	assert.Equal(t, int64(10), job.Progress.ProcessedRows)
}

func TestRegistryZeroTotalPercentage(t *testing.T) {
	reg := NewRegistry(5)
	id := reg.Create(testSpec())
	require.NoError(t, reg.StartJob(id))

	reg.UpdateProgress(id, 0, 0)
	job, _ := reg.Get(id)
	assert.Equal(t, 0, job.Progress.Percentage)
}

func TestRegistryListAndActiveCount(t *testing.T) {
	reg := NewRegistry(2)
	first := reg.Create(testSpec())
	second := reg.Create(testSpec())

	jobs := reg.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, second, jobs[0].ID, "newest first")
	assert.Equal(t, first, jobs[1].ID)
	assert.Equal(t, 2, reg.ActiveCount())

	ok, _ := reg.CancelJob(first)
	require.True(t, ok)
	assert.Equal(t, 1, reg.ActiveCount())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry(5)
	id := reg.Create(testSpec())
	require.NoError(t, reg.StartJob(id))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int64) {
			defer wg.Done()
			reg.UpdateProgress(id, n, 100)
		}(int64(i))
		go func() {
			defer wg.Done()
			job, err := reg.Get(id)
			assert.NoError(t, err)
			assert.LessOrEqual(t, job.Progress.ProcessedRows, job.Progress.TotalRows+1)
		}()
	}
	wg.Wait()
}

func TestSnapshotIsACopy(t *testing.T) {
	reg := NewRegistry(5)
	id := reg.Create(testSpec())

	job, _ := reg.Get(id)
	job.Status = StatusFailed
	job.Columns[0] = "tampered"

	fresh, _ := reg.Get(id)
	assert.Equal(t, StatusPending, fresh.Status)
	assert.Equal(t, "id", fresh.Columns[0])
}
