// Package orchestrator owns the lifecycle of one generation job: it resolves
// the prompt to a script, dispatches the script to the modeling-engine
// worker, and records progress and artifacts for pollers. One job runs at a
// time; a submission while one is active is rejected, never queued.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"modelgen-service/internal/entity"
	"modelgen-service/internal/worker"
)

var (
	// ErrInvalidInput means neither a prompt nor a script was supplied (or
	// both were). No job is created.
	ErrInvalidInput = errors.New("exactly one of prompt or script is required")
	// ErrBusy means a job is still active. No job is created.
	ErrBusy = errors.New("a generation job is already in progress")
)

// LatestScriptName is the blob the resolved script is persisted under, so
// callers can fetch and re-submit it.
const LatestScriptName = "last_model_script.py"

// JobStore is the mutation authority boundary: the orchestrator is the only
// writer, pollers read copies.
type JobStore interface {
	Create(job *entity.Job)
	Get(id uuid.UUID) (*entity.Job, error)
	Latest() (*entity.Job, error)
	Update(id uuid.UUID, mutate func(*entity.Job)) (*entity.Job, error)
}

// ScriptGenerator resolves a prompt to an executable script.
type ScriptGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ArtifactRegistry receives the outputs of a completed job.
type ArtifactRegistry interface {
	Register(ctx context.Context, jobID uuid.UUID, name string, kind entity.ArtifactKind) entity.Artifact
}

// ScriptSink persists the resolved script for later retrieval.
type ScriptSink interface {
	Put(ctx context.Context, name string, content []byte) error
}

// Archiver receives terminal jobs. Optional.
type Archiver interface {
	Archive(ctx context.Context, job *entity.Job) error
}

type Config struct {
	// WorkerDeadline bounds the running state wall-clock. Defaults to 5m.
	WorkerDeadline time.Duration
	// PollInterval is the delay between worker status polls. Defaults to 2s.
	PollInterval time.Duration
}

type Deps struct {
	Store     JobStore
	Generator ScriptGenerator
	Worker    worker.Client
	Artifacts ArtifactRegistry
	Scripts   ScriptSink // optional
	Archiver  Archiver   // optional
	Logger    *zap.Logger
}

type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	// mu guards the single-flight slot. activeID stays set after a Cancel
	// until the outstanding worker call resolves, so two scripts can never
	// execute in the worker concurrently.
	mu        sync.Mutex
	activeID  uuid.UUID
	cancelled bool
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.WorkerDeadline <= 0 {
		cfg.WorkerDeadline = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, log: deps.Logger}
}

// SubmitInput carries the caller's request: exactly one field set.
type SubmitInput struct {
	Prompt string
	Script string
}

// Submit creates a job and advances it in the background. It returns as soon
// as the job exists; progression failures surface through Status, never here.
func (o *Orchestrator) Submit(_ context.Context, in SubmitInput) (uuid.UUID, error) {
	prompt := strings.TrimSpace(in.Prompt)
	script := strings.TrimSpace(in.Script)
	if (prompt == "") == (script == "") {
		return uuid.Nil, ErrInvalidInput
	}

	o.mu.Lock()
	if o.activeID != uuid.Nil {
		o.mu.Unlock()
		return uuid.Nil, ErrBusy
	}

	now := time.Now().UTC()
	job := &entity.Job{
		ID:        uuid.New(),
		State:     entity.StateSubmitted,
		Prompt:    prompt,
		Script:    script,
		CreatedAt: now,
		StartedAt: now,
		UpdatedAt: now,
	}
	o.deps.Store.Create(job)
	o.activeID = job.ID
	o.cancelled = false
	o.mu.Unlock()

	o.log.Info("job submitted",
		zap.String("job_id", job.ID.String()),
		zap.Bool("raw_script", script != ""),
	)

	go o.run(job.ID, prompt, script)
	return job.ID, nil
}

// Status returns a read-only snapshot of the given job, or of the most
// recent one when id is nil. Never blocks on job progression.
func (o *Orchestrator) Status(id *uuid.UUID) (*entity.Job, error) {
	if id == nil {
		return o.deps.Store.Latest()
	}
	return o.deps.Store.Get(*id)
}

// Cancel marks the job record terminal with a cancellation cause and asks
// the worker to abort. Best-effort: the worker may keep running, and the
// single-flight slot stays occupied until its call resolves.
func (o *Orchestrator) Cancel(id uuid.UUID) error {
	job, err := o.deps.Store.Get(id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}

	o.fail(id, entity.CauseCancelled, "cancelled by caller")

	o.mu.Lock()
	active := o.activeID == id
	if active {
		o.cancelled = true
	}
	o.mu.Unlock()

	if active {
		if err := o.deps.Worker.Abort(context.Background()); err != nil {
			o.log.Warn("worker abort failed", zap.String("job_id", id.String()), zap.Error(err))
		}
	}
	return nil
}

// PingWorker probes the worker process.
func (o *Orchestrator) PingWorker(ctx context.Context) error {
	return o.deps.Worker.Ping(ctx)
}

// run drives the state machine on its own goroutine. Every external call
// (provider, dispatch, poll) is a suspension point; the cancel flag is
// checked after each one.
func (o *Orchestrator) run(id uuid.UUID, prompt, script string) {
	ctx := context.Background()
	log := o.log.With(zap.String("job_id", id.String()))

	if script == "" {
		o.transition(id, entity.StateGeneratingScript)

		generated, err := o.deps.Generator.Generate(ctx, prompt)
		if err != nil {
			o.fail(id, entity.CauseScriptGeneration, err.Error())
			o.release()
			return
		}
		script = generated
	}
	if o.isCancelled() {
		// Nothing dispatched yet, so the slot frees immediately.
		o.release()
		return
	}

	if _, err := o.deps.Store.Update(id, func(j *entity.Job) {
		if j.State.Terminal() {
			return
		}
		j.Script = script
		j.State = entity.StateDispatched
	}); err != nil {
		log.Error("job vanished before dispatch", zap.Error(err))
		o.release()
		return
	}

	if o.deps.Scripts != nil {
		if err := o.deps.Scripts.Put(ctx, LatestScriptName, []byte(script)); err != nil {
			log.Warn("failed to persist script", zap.Error(err))
		}
	}

	if err := o.deps.Worker.Execute(ctx, script); err != nil {
		cause := entity.CauseWorkerUnavailable
		if errors.Is(err, worker.ErrBusy) {
			cause = entity.CauseWorkerBusy
		}
		o.fail(id, cause, err.Error())
		o.release()
		return
	}

	o.transition(id, entity.StateRunning)
	o.awaitCompletion(ctx, id, log)
	o.release()
}

// awaitCompletion polls the worker until it reports a result or the
// wall-clock deadline fires. Transient poll errors do not fail the job; the
// deadline still bounds them.
func (o *Orchestrator) awaitCompletion(ctx context.Context, id uuid.UUID, log *zap.Logger) {
	deadline := time.Now().Add(o.cfg.WorkerDeadline)

	for {
		if time.Now().After(deadline) {
			o.fail(id, entity.CauseWorkerTimeout,
				fmt.Sprintf("no completion within %s", o.cfg.WorkerDeadline))
			if err := o.deps.Worker.Abort(ctx); err != nil {
				log.Warn("worker abort after timeout failed", zap.Error(err))
			}
			return
		}

		res, err := o.deps.Worker.Poll(ctx)
		if err != nil {
			log.Warn("worker poll failed", zap.Error(err))
			time.Sleep(o.cfg.PollInterval)
			continue
		}

		switch res.State {
		case worker.ResultSucceeded:
			o.complete(ctx, id, res, log)
			return
		case worker.ResultFailed:
			o.fail(id, entity.CauseWorkerExecution, res.Reason)
			return
		default:
			time.Sleep(o.cfg.PollInterval)
		}
	}
}

// complete moves the job to done and registers its outputs. Zero exported
// files is still done: the caller inspects and decides.
func (o *Orchestrator) complete(ctx context.Context, id uuid.UUID, res worker.Result, log *zap.Logger) {
	if o.isCancelled() {
		// The record is already terminal with a cancellation cause; the
		// worker's late result only frees the slot.
		log.Info("worker finished after cancellation, discarding result")
		return
	}

	job, err := o.deps.Store.Update(id, func(j *entity.Job) {
		if j.State.Terminal() {
			return
		}
		j.State = entity.StateDone
		j.ExportedFiles = append([]string{}, res.ExportedFiles...)
		j.PreviewName = res.PreviewName
	})
	if err != nil {
		log.Error("job vanished before completion", zap.Error(err))
		return
	}

	for _, name := range res.ExportedFiles {
		o.deps.Artifacts.Register(ctx, id, name, entity.KindModel)
	}
	if res.PreviewName != "" {
		o.deps.Artifacts.Register(ctx, id, res.PreviewName, entity.KindPreview)
	}

	log.Info("job done",
		zap.Int("exported_files", len(res.ExportedFiles)),
		zap.String("preview", res.PreviewName),
	)
	o.archive(ctx, job)
}

// fail records a structured failure on the job unless it is already
// terminal; the first terminal cause wins.
func (o *Orchestrator) fail(id uuid.UUID, cause entity.FailureCause, message string) {
	job, err := o.deps.Store.Update(id, func(j *entity.Job) {
		if j.State.Terminal() {
			return
		}
		j.State = entity.StateError
		j.Error = &entity.FailureInfo{Cause: cause, Message: message}
	})
	if err != nil {
		o.log.Error("failed to record job failure",
			zap.String("job_id", id.String()), zap.Error(err))
		return
	}
	if job.Error != nil && job.Error.Cause == cause {
		o.log.Info("job failed",
			zap.String("job_id", id.String()),
			zap.String("cause", string(cause)),
			zap.String("message", message),
		)
		o.archive(context.Background(), job)
	}
}

func (o *Orchestrator) transition(id uuid.UUID, state entity.JobState) {
	if _, err := o.deps.Store.Update(id, func(j *entity.Job) {
		if j.State.Terminal() {
			return
		}
		j.State = state
	}); err != nil {
		o.log.Error("state transition failed",
			zap.String("job_id", id.String()),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) archive(ctx context.Context, job *entity.Job) {
	if o.deps.Archiver == nil {
		return
	}
	if err := o.deps.Archiver.Archive(ctx, job); err != nil {
		o.log.Warn("job archive failed",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

func (o *Orchestrator) isCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// release frees the single-flight slot for the next Submit.
func (o *Orchestrator) release() {
	o.mu.Lock()
	o.activeID = uuid.Nil
	o.cancelled = false
	o.mu.Unlock()
}
