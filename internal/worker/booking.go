package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/iliyamo/showtime-sniper/internal/flow"
	"github.com/iliyamo/showtime-sniper/internal/model"
	"github.com/iliyamo/showtime-sniper/internal/notify"
	"github.com/iliyamo/showtime-sniper/internal/queue"
)

// FlowRunner executes one booking attempt to a terminal state.
type FlowRunner interface {
	Run(ctx context.Context, req flow.Request) flow.Outcome
}

// BookingWorker is the thin driver around the booking flow. Exactly one
// execution is in flight process-wide: the consume loop runs with
// concurrency 1 and ProcessBookingTask additionally holds a mutex, which is
// what keeps a shared gift card from ever being spent by two purchases at
// once.
type BookingWorker struct {
	jobs        JobStore
	cards       CardStore
	flow        FlowRunner
	notifier    Notifier
	maxAttempts int

	mu sync.Mutex // global purchase serialization
}

// NewBookingWorker builds a BookingWorker. maxAttempts bounds how many
// booking attempts a job may accumulate before a recoverable failure is
// escalated to FAILED.
func NewBookingWorker(jobs JobStore, cards CardStore, fl FlowRunner, notifier Notifier, maxAttempts int) *BookingWorker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &BookingWorker{jobs: jobs, cards: cards, flow: fl, notifier: notifier, maxAttempts: maxAttempts}
}

// Run consumes the booking queue until ctx is cancelled.
func (w *BookingWorker) Run(ctx context.Context, amqpURL string) error {
	return queue.ConsumeLoop(ctx, amqpURL, queue.BookingQueue, 1, w.handle)
}

func (w *BookingWorker) handle(ctx context.Context, body []byte) error {
	var task queue.BookingTask
	if err := json.Unmarshal(body, &task); err != nil {
		return fmt.Errorf("%w: bad booking task: %v", queue.ErrDrop, err)
	}
	_, err := w.ProcessBookingTask(ctx, task)
	return err
}

// ProcessBookingTask runs one purchase attempt and persists its outcome. A
// recoverable failure sends the job back to WATCHING until the attempt
// bound is reached; everything else lands in a terminal status.
func (w *BookingWorker) ProcessBookingTask(ctx context.Context, task queue.BookingTask) (model.BookingResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	res := model.BookingResult{JobID: task.JobID}

	job, err := w.jobs.GetByID(ctx, task.JobID)
	if err != nil {
		return res, fmt.Errorf("%w: load job %d: %v", queue.ErrDrop, task.JobID, err)
	}
	if job.Status != model.JobBooking {
		// Cancelled between enqueue and execution; nothing to do.
		return res, nil
	}

	attempts, err := w.jobs.IncrementAttempts(ctx, job.ID)
	if err != nil {
		return res, fmt.Errorf("count attempt for job %d: %w", job.ID, err)
	}
	w.notifier.Notify(ctx, job.UserID, notify.BookingStarted,
		fmt.Sprintf("%s, %s at %s (attempt %d)", job.MovieTitle, task.Showtime, task.Theatre, attempts))

	out := w.flow.Run(ctx, flow.Request{
		JobID:       job.ID,
		MovieTitle:  job.MovieTitle,
		City:        job.City,
		Theatre:     task.Theatre,
		Showtime:    task.Showtime,
		Pref:        task.Pref,
		GiftCardIDs: task.GiftCardIDs,
		Cancelled:   w.cancelledCheck(job.ID),
	})

	switch out.State {
	case flow.StateConfirmed:
		res.Success = true
		res.BookingID = out.BookingID
		if _, err := w.jobs.SetOutcome(ctx, job.ID, model.JobSucceeded, res); err != nil {
			return res, fmt.Errorf("persist success for job %d: %w", job.ID, err)
		}
		if out.UsedCardID != 0 {
			if err := w.cards.MarkUsed(ctx, out.UsedCardID); err != nil {
				log.Printf("booking-worker: mark card %d used: %v", out.UsedCardID, err)
			}
		}
		w.notifier.Notify(ctx, job.UserID, notify.BookingSucceeded,
			fmt.Sprintf("confirmed %s: %s at %s, booking id %s", job.MovieTitle, task.Showtime, task.Theatre, out.BookingID))
		return res, nil

	case flow.StateCancelled:
		// The user already moved the job to CANCELLED; the flow just
		// confirmed it stopped before committing anything.
		log.Printf("booking-worker: job %d cancelled mid-attempt", job.ID)
		return res, nil

	default: // flow.StateFailed
		res.Error = out.Err.Error()
		res.EvidencePath = out.EvidencePath
		if out.Recoverable && int(attempts) < w.maxAttempts {
			ok, err := w.jobs.TransitionStatus(ctx, job.ID, model.JobBooking, model.JobWatching)
			if err != nil {
				return res, fmt.Errorf("requeue job %d for watching: %w", job.ID, err)
			}
			if ok {
				if err := w.jobs.SetLastError(ctx, job.ID, res.Error); err != nil {
					log.Printf("booking-worker: record error for job %d: %v", job.ID, err)
				}
			}
			return res, nil
		}
		if out.Recoverable {
			res.Error = fmt.Sprintf("%s (attempt limit %d reached)", res.Error, w.maxAttempts)
		}
		if _, err := w.jobs.SetOutcome(ctx, job.ID, model.JobFailed, res); err != nil {
			return res, fmt.Errorf("persist failure for job %d: %w", job.ID, err)
		}
		w.notifier.Notify(ctx, job.UserID, notify.BookingFailed,
			fmt.Sprintf("%s, %s at %s: %s", job.MovieTitle, task.Showtime, task.Theatre, res.Error))
		return res, nil
	}
}

// cancelledCheck polls the job status so the flow can observe a user cancel
// before its point of no return.
func (w *BookingWorker) cancelledCheck(jobID uint64) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		job, err := w.jobs.GetByID(ctx, jobID)
		if err != nil {
			return false
		}
		return job.Status == model.JobCancelled
	}
}
