// Package store is the single source of truth for job lifecycle: durable
// jobs, their decision history, and their completion stats. Grounded on the
// teacher's internal/store package (SQLiteStore, WAL mode, versioned
// migrations), generalized from the teacher's single jobs table into the
// normalized jobs/decisions/encode_stats schema spec §3 describes.
package store

import (
	"context"

	"github.com/alchemist-sh/alchemist/internal/job"
)

// Filter narrows GetJobsFiltered's result set.
type Filter struct {
	States []job.State
	Search string // case-insensitive substring match against input_path
	Sort   string // "created_at", "updated_at", "priority"; empty defaults to "created_at"
	Desc   bool
	Limit  int
	Offset int
}

// Store defines the persistence interface for job/decision/stats data.
// Implementations must be safe for concurrent use; ClaimNextJob in
// particular must be linearizable across concurrent callers.
type Store interface {
	// UpsertJob inserts a new Queued job, or if input already exists with a
	// changed mtimeFingerprint, replaces its output path/fingerprint and
	// resets it to Queued. A matching fingerprint on an existing row is a
	// no-op.
	UpsertJob(ctx context.Context, input, output, mtimeFingerprint string) error

	// ClaimNextJob atomically selects the highest-priority, oldest Queued
	// job, transitions it to Analyzing, increments its attempt count, and
	// returns it. Returns (nil, nil) when no Queued job exists.
	ClaimNextJob(ctx context.Context) (*job.Job, error)

	// GetJob retrieves a job by id. Returns job.ErrNotFound if absent.
	GetJob(ctx context.Context, id int64) (*job.Job, error)

	UpdateState(ctx context.Context, id int64, state job.State) error
	SetProgress(ctx context.Context, id int64, pct float64) error
	SetPriority(ctx context.Context, id int64, priority int) error
	AddDecision(ctx context.Context, id int64, action job.Action, reason string) error
	SaveStats(ctx context.Context, stats job.EncodeStats) error

	// ResetInterrupted transitions any Analyzing or Encoding job back to
	// Queued. Called exactly once during process startup.
	ResetInterrupted(ctx context.Context) (int, error)

	BatchUpdateState(ctx context.Context, from, to job.State) (int, error)
	DeleteJob(ctx context.Context, id int64) error
	ClearCompleted(ctx context.Context) (int, error)
	GetJobsFiltered(ctx context.Context, f Filter) ([]*job.Job, error)

	Close() error
}
