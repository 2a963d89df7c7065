package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	StateSubmitted        JobState = "submitted"
	StateGeneratingScript JobState = "generating_script"
	StateDispatched       JobState = "dispatched"
	StateRunning          JobState = "running"
	StateDone             JobState = "done"
	StateError            JobState = "error"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateError
}

type FailureCause string

const (
	CauseScriptGeneration  FailureCause = "script_generation_failed"
	CauseWorkerUnavailable FailureCause = "worker_unavailable"
	CauseWorkerBusy        FailureCause = "worker_busy"
	CauseWorkerTimeout     FailureCause = "worker_timeout"
	CauseWorkerExecution   FailureCause = "worker_execution_failed"
	CauseCancelled         FailureCause = "cancelled"
)

// FailureInfo is the structured error recorded on a job in StateError.
type FailureInfo struct {
	Cause   FailureCause `json:"cause"`
	Message string       `json:"message"`
}

// Job is one generation request and its lifecycle state. Exactly one of
// Prompt and Script is set at submission; Script is later filled in with the
// resolved executable script.
type Job struct {
	ID            uuid.UUID
	State         JobState
	Prompt        string
	Script        string
	Error         *FailureInfo
	ExportedFiles []string
	PreviewName   string
	CreatedAt     time.Time
	StartedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy safe to hand to readers while the original keeps
// mutating under the store lock.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.ExportedFiles != nil {
		c.ExportedFiles = append([]string(nil), j.ExportedFiles...)
	}
	return &c
}

type ArtifactKind string

const (
	KindModel   ArtifactKind = "model"
	KindPreview ArtifactKind = "preview"
)

// Artifact is a named output file produced by a completed job.
type Artifact struct {
	Name       string       `json:"name"`
	Kind       ArtifactKind `json:"kind"`
	JobID      uuid.UUID    `json:"job_id"`
	SizeBytes  int64        `json:"size_bytes"`
	ProducedAt time.Time    `json:"produced_at"`
}
