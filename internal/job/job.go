// Package job provides the Job aggregate tracked by the orchestrator for
// every generation it runs, the repository it is stored in, the progress
// broker, and the Service that drives submissions, polling, caching and
// continuity chains.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/maauso/clipchain-api/internal/fingerprint"
	"github.com/maauso/clipchain-api/internal/generator"
	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/job/id"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusPending indicates the job has not been submitted yet.
	StatusPending Status = "PENDING"
	// StatusProcessing indicates a provider task is working on the job, or
	// the job joined another caller's identical task.
	StatusProcessing Status = "PROCESSING"
	// StatusSucceeded indicates the artifact is stored.
	StatusSucceeded Status = "SUCCEEDED"
	// StatusFailed indicates the job failed before or during generation.
	StatusFailed Status = "FAILED"
	// StatusTimedOut indicates polling gave up. The provider task may still
	// finish and will be picked up by reconciliation.
	StatusTimedOut Status = "TIMED_OUT"
	// StatusCancelled indicates the caller cancelled the job.
	StatusCancelled Status = "CANCELLED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusSucceeded, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled},
	StatusSucceeded:  {},
	StatusFailed:     {},
	StatusTimedOut:   {},
	StatusCancelled:  {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	allowed, ok := validTransitions[s]
	return ok && len(allowed) == 0
}

// Job is one generation as seen by API clients.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// ChainID is set when the job is an element of a chain.
	ChainID string
	// Index is the position of the job in its chain.
	Index int
	// Provider is the adapter name.
	Provider string
	Tier     generator.QualityTier
	// Fingerprint identifies the unit of work; set once the request is
	// normalized.
	Fingerprint fingerprint.Fingerprint
	Status      Status
	// ProviderState is the last normalized provider state observed.
	ProviderState  generator.State
	ProviderTaskID string
	// Error is the public error of a FAILED, TIMED_OUT or CANCELLED job.
	Error *generr.Public
	// ArtifactPath is the stored artifact of a SUCCEEDED job.
	ArtifactPath string
	ArtifactSize int64
	// VideoSeconds is the probed length of the artifact, when known.
	VideoSeconds      float64
	RequestedDuration int
	SubmittedDuration int
	// Cached is true when the artifact came from the result cache.
	Cached bool
	// Seeded is true when the request carried a continuity seed.
	Seeded bool
	// Resumed is true when the job was recovered from the journal.
	Resumed     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// New creates a new PENDING Job with a generated ID.
func New(provider string, tier generator.QualityTier) *Job {
	return NewWithID(id.Generate(), provider, tier)
}

// NewWithID creates a new PENDING Job with the specified ID.
func NewWithID(jobID, provider string, tier generator.QualityTier) *Job {
	now := time.Now()
	return &Job{
		ID:        jobID,
		Provider:  provider,
		Tier:      tier,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status)
}

func (j *Job) transitionLocked(status Status) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusProcessing:
		j.StartedAt = j.UpdatedAt
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut:
		j.CompletedAt = j.UpdatedAt
	}
	return nil
}

// Start transitions the job from PENDING to PROCESSING.
func (j *Job) Start() error {
	return j.TransitionTo(StatusProcessing)
}

// Succeed stores the artifact and transitions the job to SUCCEEDED.
func (j *Job) Succeed(path string, size int64, cached bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusSucceeded); err != nil {
		return err
	}
	j.ArtifactPath = path
	j.ArtifactSize = size
	j.Cached = cached
	return nil
}

// Finish moves the job to the terminal status matching err's kind:
// TIMED_OUT for timeouts, CANCELLED for cancellations, FAILED otherwise.
func (j *Job) Finish(err error) error {
	status := StatusFailed
	switch generr.KindOf(err) {
	case generr.KindTimeout:
		status = StatusTimedOut
	case generr.KindCancelled:
		status = StatusCancelled
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	// A job that never reached a provider cannot time out.
	if status == StatusTimedOut && j.Status == StatusPending {
		status = StatusFailed
	}
	if err := j.transitionLocked(status); err != nil {
		return err
	}
	pub := generr.ToPublic(err)
	j.Error = &pub
	return nil
}

// Prepare records the normalized unit of work.
func (j *Job) Prepare(fp fingerprint.Fingerprint, plan generator.DurationPlan, seeded bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Fingerprint = fp
	j.RequestedDuration = plan.Requested
	j.SubmittedDuration = plan.Submitted
	j.Seeded = seeded
	j.UpdatedAt = time.Now()
}

// SetHandle records the provider task.
func (j *Job) SetHandle(h generator.Handle) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ProviderTaskID = h.ProviderTaskID
	j.RequestedDuration = h.RequestedDuration
	j.SubmittedDuration = h.SubmittedDuration
	j.UpdatedAt = time.Now()
}

// SetProviderState records the last provider state observed.
func (j *Job) SetProviderState(s generator.State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ProviderState = s
	j.UpdatedAt = time.Now()
}

// SetVideoSeconds records the probed artifact length.
func (j *Job) SetVideoSeconds(v float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.VideoSeconds = v
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.GetStatus().IsTerminal()
}

// Clone creates a copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var pub *generr.Public
	if j.Error != nil {
		p := *j.Error
		pub = &p
	}
	return &Job{
		ID:                j.ID,
		ChainID:           j.ChainID,
		Index:             j.Index,
		Provider:          j.Provider,
		Tier:              j.Tier,
		Fingerprint:       j.Fingerprint,
		Status:            j.Status,
		ProviderState:     j.ProviderState,
		ProviderTaskID:    j.ProviderTaskID,
		Error:             pub,
		ArtifactPath:      j.ArtifactPath,
		ArtifactSize:      j.ArtifactSize,
		VideoSeconds:      j.VideoSeconds,
		RequestedDuration: j.RequestedDuration,
		SubmittedDuration: j.SubmittedDuration,
		Cached:            j.Cached,
		Seeded:            j.Seeded,
		Resumed:           j.Resumed,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
		StartedAt:         j.StartedAt,
		CompletedAt:       j.CompletedAt,
	}
}
