package orchestrator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"modelgen-service/internal/artifact"
	"modelgen-service/internal/entity"
	"modelgen-service/internal/orchestrator"
	"modelgen-service/internal/store"
	"modelgen-service/internal/worker"
)

// ---- fakes ----

type fakeGenerator struct {
	mu     sync.Mutex
	script string
	err    error
	calls  int
}

func (g *fakeGenerator) Generate(_ context.Context, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return g.script, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeWorker struct {
	mu         sync.Mutex
	executeErr error
	executed   []string
	result     worker.Result
	aborted    bool
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{result: worker.Result{State: worker.ResultPending}}
}

func (w *fakeWorker) Execute(_ context.Context, script string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.executeErr != nil {
		return w.executeErr
	}
	w.executed = append(w.executed, script)
	return nil
}

func (w *fakeWorker) Poll(_ context.Context) (worker.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result, nil
}

func (w *fakeWorker) Abort(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborted = true
	return nil
}

func (w *fakeWorker) Ping(_ context.Context) error { return nil }

func (w *fakeWorker) finish(res worker.Result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.result = res
}

func (w *fakeWorker) wasAborted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aborted
}

type fakeArchiver struct {
	mu   sync.Mutex
	jobs []*entity.Job
}

func (a *fakeArchiver) Archive(_ context.Context, job *entity.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, job)
	return nil
}

// ---- harness ----

type env struct {
	orch     *orchestrator.Orchestrator
	store    *store.MemoryStore
	registry *artifact.Registry
	gen      *fakeGenerator
	worker   *fakeWorker
	archiver *fakeArchiver
	dir      string
}

func newEnv(t *testing.T, cfg orchestrator.Config) *env {
	t.Helper()

	dir := t.TempDir()
	fs, err := artifact.NewFSStore(dir)
	require.NoError(t, err)
	registry, err := artifact.NewRegistry(fs, nil, 5, nil)
	require.NoError(t, err)

	if cfg.WorkerDeadline == 0 {
		cfg.WorkerDeadline = 2 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Millisecond
	}

	e := &env{
		store:    store.NewMemoryStore(),
		registry: registry,
		gen:      &fakeGenerator{script: "import bpy\nbpy.ops.mesh.primitive_cube_add()\n"},
		worker:   newFakeWorker(),
		archiver: &fakeArchiver{},
		dir:      dir,
	}
	e.orch = orchestrator.New(cfg, orchestrator.Deps{
		Store:     e.store,
		Generator: e.gen,
		Worker:    e.worker,
		Artifacts: registry,
		Scripts:   fs,
		Archiver:  e.archiver,
	})
	return e
}

func (e *env) writeOutput(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.dir, name), []byte(content), 0o644))
}

func waitForState(t *testing.T, e *env, id uuid.UUID, want entity.JobState) *entity.Job {
	t.Helper()
	var job *entity.Job
	require.Eventually(t, func() bool {
		j, err := e.store.Get(id)
		if err != nil {
			return false
		}
		job = j
		return j.State == want
	}, 3*time.Second, 2*time.Millisecond, "job never reached state %s", want)
	return job
}

// waitForSlot blocks until a new submission is accepted again.
func waitForSlot(t *testing.T, e *env) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	require.Eventually(t, func() bool {
		got, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{Script: "import bpy\n"})
		if err != nil {
			return false
		}
		id = got
		return true
	}, 3*time.Second, 2*time.Millisecond)
	return id
}

// ---- tests ----

func TestSubmit_InvalidInput(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})

	_, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{})
	require.ErrorIs(t, err, orchestrator.ErrInvalidInput)

	_, err = e.orch.Submit(context.Background(), orchestrator.SubmitInput{Prompt: "   "})
	require.ErrorIs(t, err, orchestrator.ErrInvalidInput)

	_, err = e.orch.Submit(context.Background(), orchestrator.SubmitInput{Prompt: "a table", Script: "import bpy"})
	require.ErrorIs(t, err, orchestrator.ErrInvalidInput)

	// No job was created by the rejected submissions.
	_, err = e.orch.Status(nil)
	require.ErrorIs(t, err, store.ErrNotFound)

	// A valid submission right after still works.
	_, err = e.orch.Submit(context.Background(), orchestrator.SubmitInput{Prompt: "a table"})
	require.NoError(t, err)
}

func TestPromptFlow_DoneWithArtifacts(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})
	e.writeOutput(t, "model.gltf", "gltf-bytes")
	e.writeOutput(t, "model.obj", "obj-bytes")
	e.writeOutput(t, "preview_001.png", "png-bytes")
	e.worker.finish(worker.Result{
		State:         worker.ResultSucceeded,
		ExportedFiles: []string{"model.gltf", "model.obj"},
		PreviewName:   "preview_001.png",
	})

	id, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{Prompt: "a small wooden table"})
	require.NoError(t, err)

	job := waitForState(t, e, id, entity.StateDone)
	require.Equal(t, []string{"model.gltf", "model.obj"}, job.ExportedFiles)
	require.Equal(t, "preview_001.png", job.PreviewName)
	require.Nil(t, job.Error)
	require.Equal(t, 1, e.gen.callCount())

	// Artifacts retrievable by name.
	data, err := e.registry.Get(context.Background(), "model.gltf")
	require.NoError(t, err)
	require.Equal(t, []byte("gltf-bytes"), data)
	data, err = e.registry.Get(context.Background(), "model.obj")
	require.NoError(t, err)
	require.Equal(t, []byte("obj-bytes"), data)

	kind := entity.KindPreview
	require.Len(t, e.registry.List(&kind), 1)

	// The resolved script was persisted for later retrieval.
	script, err := e.registry.Get(context.Background(), orchestrator.LatestScriptName)
	require.NoError(t, err)
	require.Contains(t, string(script), "import bpy")
}

func TestRawScript_SkipsGeneration(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})
	e.worker.finish(worker.Result{State: worker.ResultSucceeded})

	raw := "import bpy\nbpy.ops.mesh.primitive_cylinder_add()\n"
	id, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{Script: raw})
	require.NoError(t, err)

	waitForState(t, e, id, entity.StateDone)
	require.Equal(t, 0, e.gen.callCount())

	job, err := e.store.Get(id)
	require.NoError(t, err)
	require.Equal(t, strings.TrimSpace(raw), job.Script)
}

func TestSubmit_BusyWhileActive(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})

	first, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{Prompt: "a chair"})
	require.NoError(t, err)

	// Worker stays pending: the slot is held.
	waitForState(t, e, first, entity.StateRunning)
	_, err = e.orch.Submit(context.Background(), orchestrator.SubmitInput{Prompt: "another chair"})
	require.ErrorIs(t, err, orchestrator.ErrBusy)

	e.worker.finish(worker.Result{State: worker.ResultSucceeded})
	waitForState(t, e, first, entity.StateDone)

	second := waitForSlot(t, e)
	require.NotEqual(t, first, second)
}

func TestZeroExportedFilesIsStillDone(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})
	e.worker.finish(worker.Result{State: worker.ResultSucceeded})

	id, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{Prompt: "nothing much"})
	require.NoError(t, err)

	job := waitForState(t, e, id, entity.StateDone)
	require.Empty(t, job.ExportedFiles)
	require.Nil(t, job.Error)
}

func TestScriptGenerationFailure(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})
	e.gen.err = errors.New("provider returned status 503")

	id, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{Prompt: "a castle"})
	require.NoError(t, err)

	job := waitForState(t, e, id, entity.StateError)
	require.Equal(t, entity.CauseScriptGeneration, job.Error.Cause)
	require.Contains(t, job.Error.Message, "503")

	// The failed job freed the slot.
	waitForSlot(t, e)
}

func TestDispatchFailure_WorkerBusy(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})
	e.worker.executeErr = worker.ErrBusy

	id, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{Script: "import bpy\n"})
	require.NoError(t, err)

	job := waitForState(t, e, id, entity.StateError)
	require.Equal(t, entity.CauseWorkerBusy, job.Error.Cause)
}

func TestDispatchFailure_WorkerUnavailable(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})
	e.worker.executeErr = worker.ErrUnavailable

	id, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{Script: "import bpy\n"})
	require.NoError(t, err)

	job := waitForState(t, e, id, entity.StateError)
	require.Equal(t, entity.CauseWorkerUnavailable, job.Error.Cause)
}

func TestWorkerExecutionFailure(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})
	e.worker.finish(worker.Result{State: worker.ResultFailed, Reason: "export error"})

	id, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{Script: "import bpy\n"})
	require.NoError(t, err)

	job := waitForState(t, e, id, entity.StateError)
	require.Equal(t, entity.CauseWorkerExecution, job.Error.Cause)
	require.Equal(t, "export error", job.Error.Message)

	// Slot released right after the failure: a new submission goes through.
	waitForSlot(t, e)
}

func TestWorkerTimeout(t *testing.T) {
	e := newEnv(t, orchestrator.Config{
		WorkerDeadline: 30 * time.Millisecond,
		PollInterval:   2 * time.Millisecond,
	})
	// Worker never reports completion.

	id, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{Script: "import bpy\n"})
	require.NoError(t, err)

	job := waitForState(t, e, id, entity.StateError)
	require.Equal(t, entity.CauseWorkerTimeout, job.Error.Cause)
	require.True(t, e.worker.wasAborted())

	waitForSlot(t, e)
}

func TestCancel_HoldsSlotUntilWorkerResolves(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})

	id, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{Script: "import bpy\n"})
	require.NoError(t, err)
	waitForState(t, e, id, entity.StateRunning)

	require.NoError(t, e.orch.Cancel(id))

	job := waitForState(t, e, id, entity.StateError)
	require.Equal(t, entity.CauseCancelled, job.Error.Cause)
	require.True(t, e.worker.wasAborted())

	// The record is terminal but the worker call is still outstanding:
	// new submissions stay rejected.
	_, err = e.orch.Submit(context.Background(), orchestrator.SubmitInput{Prompt: "next"})
	require.ErrorIs(t, err, orchestrator.ErrBusy)

	// Once the worker resolves, the slot frees and the cancelled job
	// never regresses out of its terminal state.
	e.worker.finish(worker.Result{State: worker.ResultSucceeded, ExportedFiles: []string{"late.obj"}})
	waitForSlot(t, e)

	final, err := e.store.Get(id)
	require.NoError(t, err)
	require.Equal(t, entity.StateError, final.State)
	require.Equal(t, entity.CauseCancelled, final.Error.Cause)
	require.Empty(t, final.ExportedFiles)
}

func TestCancel_TerminalJobIsNoop(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})
	e.worker.finish(worker.Result{State: worker.ResultSucceeded})

	id, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{Script: "import bpy\n"})
	require.NoError(t, err)
	waitForState(t, e, id, entity.StateDone)

	require.NoError(t, e.orch.Cancel(id))

	job, err := e.store.Get(id)
	require.NoError(t, err)
	require.Equal(t, entity.StateDone, job.State)
}

func TestStatus_LatestAndById(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})
	e.worker.finish(worker.Result{State: worker.ResultSucceeded})

	_, err := e.orch.Status(nil)
	require.ErrorIs(t, err, store.ErrNotFound)

	id, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{Script: "import bpy\n"})
	require.NoError(t, err)
	waitForState(t, e, id, entity.StateDone)

	latest, err := e.orch.Status(nil)
	require.NoError(t, err)
	require.Equal(t, id, latest.ID)

	byID, err := e.orch.Status(&id)
	require.NoError(t, err)
	require.Equal(t, id, byID.ID)

	unknown := uuid.New()
	_, err = e.orch.Status(&unknown)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTerminalJobsAreArchived(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})
	e.worker.finish(worker.Result{State: worker.ResultFailed, Reason: "export error"})

	id, err := e.orch.Submit(context.Background(), orchestrator.SubmitInput{Script: "import bpy\n"})
	require.NoError(t, err)
	waitForState(t, e, id, entity.StateError)

	require.Eventually(t, func() bool {
		e.archiver.mu.Lock()
		defer e.archiver.mu.Unlock()
		return len(e.archiver.jobs) == 1 && e.archiver.jobs[0].ID == id
	}, time.Second, 2*time.Millisecond)
}
