// Package store persists job state with a per-record expiry.
package store

import (
	"context"
	"errors"
	"time"

	"kaldi-serve/internal/models"
)

// DefaultTTL is how long a job record survives its last write.
const DefaultTTL = 3 * time.Hour

var (
	// ErrNotFound is returned for unknown or expired jobs.
	ErrNotFound = errors.New("job not found")

	// ErrExists is returned by Create when id is already stored.
	ErrExists = errors.New("job already exists")

	// ErrSkip, returned by a Mutator, leaves the record unchanged.
	ErrSkip = errors.New("skip update")
)

// Mutator modifies a job in place. It may run more than once when an
// update is retried, so it must not keep side effects from earlier attempts.
type Mutator func(st *models.JobState) error

// Store is a key/value store of job state. Implementations are safe for
// concurrent use and apply Update atomically per job.
type Store interface {
	// Put writes st under id, replacing any existing record.
	Put(ctx context.Context, id string, st *models.JobState, ttl time.Duration) error

	// Create writes st under id unless a live record already exists.
	Create(ctx context.Context, id string, st *models.JobState, ttl time.Duration) error

	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (*models.JobState, error)

	// Update reads the record for id, applies fn and writes the result,
	// refreshing its expiry. It returns the state after fn. When fn returns
	// ErrSkip nothing is written and the current state is returned.
	Update(ctx context.Context, id string, fn Mutator) (*models.JobState, error)
}
