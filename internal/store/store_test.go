package store_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"modelgen-service/internal/entity"
	"modelgen-service/internal/store"
)

func newJob() *entity.Job {
	now := time.Now().UTC()
	return &entity.Job{
		ID:        uuid.New(),
		State:     entity.StateSubmitted,
		Prompt:    "a small table",
		CreatedAt: now,
		StartedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := store.NewMemoryStore()
	job := newJob()
	s.Create(job)

	got, err := s.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, entity.StateSubmitted, got.State)

	_, err = s.Get(uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_Latest(t *testing.T) {
	s := store.NewMemoryStore()

	_, err := s.Latest()
	require.ErrorIs(t, err, store.ErrNotFound)

	first := newJob()
	second := newJob()
	s.Create(first)
	s.Create(second)

	got, err := s.Latest()
	require.NoError(t, err)
	require.Equal(t, second.ID, got.ID)
}

func TestMemoryStore_UpdateIsAtomicAndBumpsUpdatedAt(t *testing.T) {
	s := store.NewMemoryStore()
	job := newJob()
	s.Create(job)

	before := job.UpdatedAt
	updated, err := s.Update(job.ID, func(j *entity.Job) {
		j.State = entity.StateRunning
	})
	require.NoError(t, err)
	require.Equal(t, entity.StateRunning, updated.State)
	require.False(t, updated.UpdatedAt.Before(before))

	got, err := s.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, entity.StateRunning, got.State)

	_, err = s.Update(uuid.New(), func(j *entity.Job) {})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	s := store.NewMemoryStore()
	job := newJob()
	s.Create(job)

	_, err := s.Update(job.ID, func(j *entity.Job) {
		j.ExportedFiles = []string{"model.gltf"}
		j.Error = &entity.FailureInfo{Cause: entity.CauseWorkerExecution, Message: "x"}
	})
	require.NoError(t, err)

	got, err := s.Get(job.ID)
	require.NoError(t, err)

	// Mutating the snapshot must not leak back into the store.
	got.ExportedFiles[0] = "hacked"
	got.Error.Message = "hacked"
	got.State = entity.StateDone

	fresh, err := s.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"model.gltf"}, fresh.ExportedFiles)
	require.Equal(t, "x", fresh.Error.Message)
	require.Equal(t, entity.StateSubmitted, fresh.State)
}

func TestMemoryStore_HistoryIsBounded(t *testing.T) {
	s := store.NewMemoryStore()

	var first *entity.Job
	for i := 0; i < 40; i++ {
		job := newJob()
		if i == 0 {
			first = job
		}
		s.Create(job)
	}

	_, err := s.Get(first.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Latest()
	require.NoError(t, err)
}
