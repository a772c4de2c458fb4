package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/iliyamo/showtime-sniper/internal/browser"
	"github.com/iliyamo/showtime-sniper/internal/limiter"
	"github.com/iliyamo/showtime-sniper/internal/model"
	"github.com/iliyamo/showtime-sniper/internal/notify"
	"github.com/iliyamo/showtime-sniper/internal/queue"
)

// WatchConcurrency bounds how many watch cycles run at once.
const WatchConcurrency = 2

// watchCycleTimeout caps one full cycle, including the wait for a dispatch
// slot. It stays under the scheduler's base re-arm delay.
const watchCycleTimeout = 25 * time.Second

// WatchWorker executes watch cycles: it checks availability for a job's
// candidate theatres and times and, on the first bookable match, advances
// the job to BOOKING and hands it to the booking queue. Dispatches are rate
// limited to protect the target site from abusive polling. Every finished
// cycle is reported back to the scheduler through CycleReporter, which is
// what allows the next task for the job to be armed.
type WatchWorker struct {
	jobs         JobStore
	cards        CardStore
	provider     browser.Provider
	pub          queue.Publisher
	limit        *limiter.Window
	notifier     Notifier
	report       CycleReporter
	cycleTimeout time.Duration
}

// NewWatchWorker builds a WatchWorker.
func NewWatchWorker(jobs JobStore, cards CardStore, provider browser.Provider, pub queue.Publisher, limit *limiter.Window, notifier Notifier, report CycleReporter) *WatchWorker {
	return &WatchWorker{
		jobs:         jobs,
		cards:        cards,
		provider:     provider,
		pub:          pub,
		limit:        limit,
		notifier:     notifier,
		report:       report,
		cycleTimeout: watchCycleTimeout,
	}
}

// Run consumes the watch queue until ctx is cancelled.
func (w *WatchWorker) Run(ctx context.Context, amqpURL string) error {
	return queue.ConsumeLoop(ctx, amqpURL, queue.WatchQueue, WatchConcurrency, w.handle)
}

func (w *WatchWorker) handle(ctx context.Context, body []byte) error {
	var task queue.WatchTask
	if err := json.Unmarshal(body, &task); err != nil {
		return fmt.Errorf("%w: bad watch task: %v", queue.ErrDrop, err)
	}
	_, err := w.ProcessWatchTask(ctx, task)
	return err
}

// ProcessWatchTask runs one watch cycle. The returned error is the queue
// retry signal: on a transient probe failure the cycle stays unreported and
// the consume loop redelivers the task, so the job's single queue slot is
// still occupied by that task. Every path that finishes the cycle, whether
// it found tickets or not, reports CycleDone so the scheduler may arm the
// next one.
func (w *WatchWorker) ProcessWatchTask(ctx context.Context, task queue.WatchTask) (model.WatchResult, error) {
	res := model.WatchResult{JobID: task.JobID}

	job, err := w.jobs.GetByID(ctx, task.JobID)
	if err != nil {
		w.report.CycleDone(task.JobID, true)
		return res, fmt.Errorf("%w: load job %d: %v", queue.ErrDrop, task.JobID, err)
	}
	if job.Status != model.JobWatching {
		// Cancelled or already advanced by an earlier cycle; stale task.
		w.report.CycleDone(task.JobID, true)
		return res, nil
	}

	cycleCtx, cancel := context.WithTimeout(ctx, w.cycleTimeout)
	defer cancel()

	// The dispatch rate limit counts cycle starts, independent of the
	// concurrency ceiling. The wait runs under the cycle deadline so a slot
	// is never held hostage by an exhausted budget.
	if err := w.limit.Wait(cycleCtx); err != nil {
		if ctx.Err() != nil {
			return res, err // shutting down; the task is redelivered elsewhere
		}
		// No dispatch slot within the whole cycle window. Yield and let the
		// scheduler re-arm with backoff.
		w.report.CycleDone(task.JobID, false)
		return res, nil
	}

	var probeErr error
scan:
	for _, theatre := range task.Theatres {
		for _, showtime := range task.Times {
			m, err := w.provider.Availability(cycleCtx, task.MovieTitle, task.City, theatre, showtime)
			if err != nil {
				if errors.Is(err, browser.ErrShowtimeNotFound) {
					continue // combination not listed right now
				}
				probeErr = err
				continue
			}
			if m.FreeSeats() >= task.SeatCount {
				seats := m
				res.TicketsFound = true
				res.Theatre = theatre
				res.Showtime = showtime
				res.Seats = &seats
				break scan
			}
		}
	}

	if !res.TicketsFound {
		if probeErr != nil && !errors.Is(probeErr, context.DeadlineExceeded) {
			return res, fmt.Errorf("watch job %d: %w", task.JobID, probeErr)
		}
		w.report.CycleDone(task.JobID, false)
		return res, nil
	}

	// Advance to BOOKING before the handoff so the scheduler stops re-arming
	// this job. Losing the transition means the user cancelled meanwhile.
	ok, err := w.jobs.TransitionStatus(ctx, task.JobID, model.JobWatching, model.JobBooking)
	if err != nil {
		return res, fmt.Errorf("advance job %d: %w", task.JobID, err)
	}
	if !ok {
		res.TicketsFound = false
		w.report.CycleDone(task.JobID, true)
		return res, nil
	}
	if err := w.enqueueBooking(ctx, job, res); err != nil {
		// Hand the job back to the scheduler rather than leaving it stuck.
		if _, rerr := w.jobs.TransitionStatus(ctx, task.JobID, model.JobBooking, model.JobWatching); rerr != nil {
			log.Printf("watch-worker: roll back job %d: %v", task.JobID, rerr)
		}
		return res, err
	}
	w.report.CycleDone(task.JobID, true)
	w.notifier.Notify(ctx, job.UserID, notify.TicketsFound,
		fmt.Sprintf("%s, %s at %s", job.MovieTitle, res.Showtime, res.Theatre))
	return res, nil
}

func (w *WatchWorker) enqueueBooking(ctx context.Context, job *model.BookingJob, res model.WatchResult) error {
	cards, err := w.cards.ListForJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list cards for job %d: %w", job.ID, err)
	}
	cardIDs := make([]uint64, 0, len(cards))
	for _, c := range cards {
		cardIDs = append(cardIDs, c.ID)
	}
	task := queue.BookingTask{
		JobID:       job.ID,
		Theatre:     res.Theatre,
		Showtime:    res.Showtime,
		Pref:        job.Pref,
		GiftCardIDs: cardIDs,
	}
	if err := w.pub.PublishJSON(ctx, queue.BookingQueue, task); err != nil {
		return fmt.Errorf("enqueue booking for job %d: %w", job.ID, err)
	}
	return nil
}
