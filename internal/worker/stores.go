// Package worker contains the two queue consumers of the pipeline: the
// watch workers that poll showtime availability (concurrency 2, dispatch
// rate limited) and the single booking worker that executes purchases
// (concurrency 1, the system's serialization guarantee).
package worker

import (
	"context"

	"github.com/iliyamo/showtime-sniper/internal/model"
	"github.com/iliyamo/showtime-sniper/internal/notify"
)

// JobStore is the subset of repository.JobRepo the workers depend on.
type JobStore interface {
	GetByID(ctx context.Context, id uint64) (*model.BookingJob, error)
	TransitionStatus(ctx context.Context, id uint64, from, to model.JobStatus) (bool, error)
	IncrementAttempts(ctx context.Context, id uint64) (uint32, error)
	SetLastError(ctx context.Context, id uint64, msg string) error
	SetOutcome(ctx context.Context, id uint64, to model.JobStatus, res model.BookingResult) (bool, error)
}

// CardStore is the subset of repository.GiftCardRepo the workers depend on.
type CardStore interface {
	ListForJob(ctx context.Context, jobID uint64) ([]model.GiftCard, error)
	MarkUsed(ctx context.Context, id uint64) error
}

// Notifier publishes lifecycle events to the job owner.
type Notifier interface {
	Notify(ctx context.Context, userID uint64, typ notify.EventType, detail string)
}

// CycleReporter receives the completion of a watch cycle. The scheduler
// implements it; the report is what frees the job's queue slot and schedules
// the next arm, so a job never holds more than one watch task at a time.
// found is true when the cycle ended the job's watch phase, either by
// finding tickets or by observing the job gone.
type CycleReporter interface {
	CycleDone(jobID uint64, found bool)
}
