package models

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a transcription job.
type JobStatus string

const (
	// StatusPending - job accepted, not yet segmented.
	StatusPending JobStatus = "PENDING"
	// StatusRunning - audio segmented and chunk units dispatched.
	StatusRunning JobStatus = "RUNNING"
	// StatusDone - every chunk recorded, results assembled.
	StatusDone JobStatus = "DONE"
	// StatusFailed - unrecoverable error, see JobState.Error.
	StatusFailed JobStatus = "FAILED"
)

// String returns the status name.
func (s JobStatus) String() string {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusFailed:
		return string(s)
	default:
		return fmt.Sprintf("UNKNOWN(%s)", string(s))
	}
}

// IsTerminal returns true for DONE and FAILED.
func (s JobStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

func (s JobStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusDone, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Errors for invalid status transitions.
var (
	ErrTerminalState     = errors.New("job is in a terminal state")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// ChunkOutcome is the recorded result of one chunk index.
// Error is set when a chunk failure was demoted to an empty result.
type ChunkOutcome struct {
	Result TranscriptionResult `json:"result"`
	Error  string              `json:"error,omitempty"`
}

// JobState is the record kept in the job state store.
//
// Status transitions:
//
//	PENDING → RUNNING → DONE
//	   │         │
//	   └─────────┴────→ FAILED
//
// Terminal states absorb: every transition out of DONE or FAILED is rejected.
type JobState struct {
	OperationName string                `json:"operation_name"`
	AudioURI      string                `json:"audio_uri"`
	Config        RecognitionConfig     `json:"config"`
	Status        JobStatus             `json:"status"`
	ChunkCount    int                   `json:"chunk_count"`
	Completed     map[int]ChunkOutcome  `json:"completed,omitempty"`
	Results       []TranscriptionResult `json:"results,omitempty"`
	Error         string                `json:"error,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// NewJobState returns a PENDING job for req.
func NewJobState(req JobRequest, now time.Time) *JobState {
	return &JobState{
		OperationName: req.OperationName,
		AudioURI:      req.AudioURI,
		Config:        req.Config,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the job to next, rejecting backward moves and moves out of terminal states.
func (j *JobState) Transition(next JobStatus, now time.Time) error {
	if j.Status.IsTerminal() {
		return ErrTerminalState
	}
	if next.rank() < 0 || next.rank() <= j.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	j.UpdatedAt = now
	return nil
}

// Start marks the job RUNNING with n outstanding chunks.
func (j *JobState) Start(n int, now time.Time) error {
	if err := j.Transition(StatusRunning, now); err != nil {
		return err
	}
	j.ChunkCount = n
	j.Completed = make(map[int]ChunkOutcome, n)
	return nil
}

// Fail marks the job FAILED with msg and discards any gathered chunk results.
func (j *JobState) Fail(msg string, now time.Time) error {
	if err := j.Transition(StatusFailed, now); err != nil {
		return err
	}
	j.Error = msg
	j.Results = nil
	j.Completed = nil
	return nil
}

// Finish marks the job DONE with results.
func (j *JobState) Finish(results []TranscriptionResult, now time.Time) error {
	if err := j.Transition(StatusDone, now); err != nil {
		return err
	}
	if results == nil {
		results = []TranscriptionResult{}
	}
	j.Results = results
	j.Completed = nil
	return nil
}

// Record stores the outcome for a chunk index. It returns false when the
// index was already recorded or is out of range, so redelivery is a no-op.
func (j *JobState) Record(index int, outcome ChunkOutcome) bool {
	if j.Status != StatusRunning || index < 0 || index >= j.ChunkCount {
		return false
	}
	if _, seen := j.Completed[index]; seen {
		return false
	}
	if j.Completed == nil {
		j.Completed = make(map[int]ChunkOutcome, j.ChunkCount)
	}
	j.Completed[index] = outcome
	return true
}

// HasChunk reports whether the outcome for index is already recorded.
func (j *JobState) HasChunk(index int) bool {
	_, ok := j.Completed[index]
	return ok
}

// AllRecorded reports whether every index 0..ChunkCount-1 has an outcome.
func (j *JobState) AllRecorded() bool {
	return j.Status == StatusRunning && j.ChunkCount > 0 && len(j.Completed) == j.ChunkCount
}

// Response renders the job as a synchronous/notification response.
func (j *JobState) Response() Response {
	return NewResponse(j.OperationName, j.Results, j.Error)
}
