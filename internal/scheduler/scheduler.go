// Package scheduler arms watch cycles for active jobs. It periodically scans
// the job store and publishes a watch task for every job that is due, but a
// job is only ever due when its previous task finished: the watch worker
// reports each cycle's completion back through CycleDone, and that report is
// what schedules the next arm. Jobs that reach BOOKING or a terminal status
// simply stop showing up in the active scan and are forgotten.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/iliyamo/showtime-sniper/internal/model"
	"github.com/iliyamo/showtime-sniper/internal/notify"
	"github.com/iliyamo/showtime-sniper/internal/queue"
)

// inflightLease bounds how long a published task may stay unreported before
// the scheduler presumes it lost (broker wiped, or dropped after exhausting
// redelivery) and arms a fresh one. It is sized well past the redelivery
// budget of a single task so it can never race a live cycle.
const inflightLease = 10 * time.Minute

// JobLister is the subset of repository.JobRepo the scheduler depends on.
type JobLister interface {
	ListActive(ctx context.Context) ([]model.BookingJob, error)
	TransitionStatus(ctx context.Context, id uint64, from, to model.JobStatus) (bool, error)
}

// Notifier publishes lifecycle events to the job owner.
type Notifier interface {
	Notify(ctx context.Context, userID uint64, typ notify.EventType, detail string)
}

// Scheduler arms watch cycles. Arming is non-blocking with respect to the
// workers: it only performs a status transition and a queue publish. A job
// holds at most one queued or running watch task at a time; the per-job
// re-arm delay doubles from base up to max while cycles keep coming up empty
// and resets once a cycle finds tickets.
type Scheduler struct {
	jobs     JobLister
	pub      queue.Publisher
	notifier Notifier
	tick     time.Duration
	base     time.Duration
	max      time.Duration

	mu       sync.Mutex
	inflight map[uint64]time.Time     // jobs with a task queued or running, by arm time
	next     map[uint64]time.Time     // earliest next arm per job
	delay    map[uint64]time.Duration // current backoff per job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Scheduler. tick is the scan interval, base/max bound the
// per-job re-arm backoff.
func New(jobs JobLister, pub queue.Publisher, notifier Notifier, tick, base, max time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	if base <= 0 {
		base = 30 * time.Second
	}
	if max < base {
		max = base
	}
	return &Scheduler{
		jobs:     jobs,
		pub:      pub,
		notifier: notifier,
		tick:     tick,
		base:     base,
		max:      max,
		inflight: make(map[uint64]time.Time),
		next:     make(map[uint64]time.Time),
		delay:    make(map[uint64]time.Duration),
	}
}

// Start launches the scan loop. An initial scan runs immediately so jobs
// queued while the process was down are re-armed on startup.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tickOnce(ctx)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tickOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight scan to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// CycleDone is the watch worker's completion report for one task. It frees
// the job's queue slot: an empty cycle schedules the next arm with backoff,
// a cycle that found tickets (or found the job gone) resets the job's state
// so a later watch phase starts from the base delay again.
func (s *Scheduler) CycleDone(jobID uint64, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, jobID)
	if found {
		delete(s.next, jobID)
		delete(s.delay, jobID)
		return
	}
	d := s.delay[jobID]
	if d == 0 {
		d = s.base
	} else {
		d *= 2
		if d > s.max {
			d = s.max
		}
	}
	s.delay[jobID] = d
	s.next[jobID] = time.Now().Add(d)
}

// tickOnce performs one scan over the active jobs.
func (s *Scheduler) tickOnce(ctx context.Context) {
	jobs, err := s.jobs.ListActive(ctx)
	if err != nil {
		log.Printf("scheduler: list active jobs: %v", err)
		return
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	active := make(map[uint64]struct{}, len(jobs))
	for i := range jobs {
		job := jobs[i]
		active[job.ID] = struct{}{}
		if armed, ok := s.inflight[job.ID]; ok {
			if now.Sub(armed) < inflightLease {
				continue // one queue entry per job; wait for CycleDone
			}
			log.Printf("scheduler: job %d watch task unreported for %s, presuming lost", job.ID, inflightLease)
			delete(s.inflight, job.ID)
		}
		if due, ok := s.next[job.ID]; ok && now.Before(due) {
			continue
		}
		s.armLocked(ctx, job, now)
	}
	// Forget jobs that left the active set (matched, finished or cancelled)
	// so a later watch phase starts from the base delay again.
	for id := range s.next {
		if _, ok := active[id]; !ok {
			delete(s.next, id)
			delete(s.delay, id)
		}
	}
	for id := range s.inflight {
		if _, ok := active[id]; !ok {
			delete(s.inflight, id)
		}
	}
}

// armLocked arms one job: first arm flips PENDING to WATCHING, every arm
// publishes a watch task and records it in flight until the worker reports
// back.
func (s *Scheduler) armLocked(ctx context.Context, job model.BookingJob, now time.Time) {
	if job.Status == model.JobPending {
		ok, err := s.jobs.TransitionStatus(ctx, job.ID, model.JobPending, model.JobWatching)
		if err != nil {
			log.Printf("scheduler: start watching job %d: %v", job.ID, err)
			return
		}
		if !ok {
			return // cancelled before the first arm
		}
		s.notifier.Notify(ctx, job.UserID, notify.WatchStarted,
			fmt.Sprintf("watching %s in %s", job.MovieTitle, job.City))
	}
	task := queue.WatchTask{
		JobID:      job.ID,
		MovieTitle: job.MovieTitle,
		City:       job.City,
		Theatres:   job.Theatres,
		Times:      job.Times,
		SeatCount:  job.Pref.SeatCount,
	}
	if err := s.pub.PublishJSON(ctx, queue.WatchQueue, task); err != nil {
		// Nothing went in flight; the next scan retries promptly.
		log.Printf("scheduler: enqueue watch for job %d: %v", job.ID, err)
		return
	}
	s.inflight[job.ID] = now
	delete(s.next, job.ID)
}
