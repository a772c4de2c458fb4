package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/showtime-sniper/internal/model"
	"github.com/iliyamo/showtime-sniper/internal/notify"
	"github.com/iliyamo/showtime-sniper/internal/queue"
)

type fakeLister struct {
	mu             sync.Mutex
	jobs           map[uint64]*model.BookingJob
	denyTransition bool
}

func newFakeLister(jobs ...*model.BookingJob) *fakeLister {
	l := &fakeLister{jobs: map[uint64]*model.BookingJob{}}
	for _, j := range jobs {
		l.jobs[j.ID] = j
	}
	return l
}

func (l *fakeLister) ListActive(ctx context.Context) ([]model.BookingJob, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.BookingJob
	for _, j := range l.jobs {
		if j.Status == model.JobPending || j.Status == model.JobWatching {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (l *fakeLister) TransitionStatus(ctx context.Context, id uint64, from, to model.JobStatus) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[id]
	if !ok {
		return false, errors.New("job not found")
	}
	if l.denyTransition || j.Status != from {
		return false, nil
	}
	j.Status = to
	return true, nil
}

func (l *fakeLister) setStatus(id uint64, st model.JobStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs[id].Status = st
}

func (l *fakeLister) status(id uint64) model.JobStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.jobs[id].Status
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	msgs [][]byte
}

func (p *fakePublisher) PublishJSON(ctx context.Context, queueName string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	b, _ := json.Marshal(v)
	p.msgs = append(p.msgs, b)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.EventType
}

func (n *fakeNotifier) Notify(ctx context.Context, userID uint64, typ notify.EventType, detail string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, typ)
}

func (n *fakeNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.EventType(nil), n.events...)
}

func pendingJob(id uint64) *model.BookingJob {
	return &model.BookingJob{
		ID:         id,
		UserID:     42,
		MovieTitle: "Interstellar",
		City:       "Tehran",
		Theatres:   []string{"Grand Cinema"},
		Times:      []string{"19:30"},
		Pref:       model.SeatPreference{SeatCount: 2},
		Status:     model.JobPending,
	}
}

// expireNext pretends the job's re-arm delay elapsed.
func expireNext(s *Scheduler, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[id] = time.Now().Add(-time.Second)
}

func TestTickOnce_ArmsPendingJob(t *testing.T) {
	lister := newFakeLister(pendingJob(1))
	pub := &fakePublisher{}
	notifier := &fakeNotifier{}
	s := New(lister, pub, notifier, time.Second, 30*time.Second, 5*time.Minute)

	s.tickOnce(context.Background())

	require.Equal(t, model.JobWatching, lister.status(1))
	require.Equal(t, 1, pub.count())
	require.Equal(t, []notify.EventType{notify.WatchStarted}, notifier.types())

	var task queue.WatchTask
	require.NoError(t, json.Unmarshal(pub.msgs[0], &task))
	require.Equal(t, uint64(1), task.JobID)
	require.Equal(t, "Interstellar", task.MovieTitle)
	require.Equal(t, 2, task.SeatCount)
}

func TestTickOnce_OutstandingTaskIsNeverDuplicated(t *testing.T) {
	// Until the worker reports the cycle done, a job holds exactly one queue
	// entry no matter how many scans run or how much time the scans believe
	// has passed.
	lister := newFakeLister(pendingJob(1))
	pub := &fakePublisher{}
	s := New(lister, pub, &fakeNotifier{}, time.Second, 30*time.Second, 5*time.Minute)

	s.tickOnce(context.Background())
	expireNext(s, 1)
	s.tickOnce(context.Background())
	s.tickOnce(context.Background())

	require.Equal(t, 1, pub.count(), "second task published while the first was outstanding")

	// The completion report is what frees the slot.
	s.CycleDone(1, false)
	expireNext(s, 1)
	s.tickOnce(context.Background())
	require.Equal(t, 2, pub.count())
}

func TestCycleDone_EmptyCycleDoublesBackoff(t *testing.T) {
	lister := newFakeLister(pendingJob(1))
	pub := &fakePublisher{}
	s := New(lister, pub, &fakeNotifier{}, time.Second, 30*time.Second, 5*time.Minute)

	s.tickOnce(context.Background())
	s.CycleDone(1, false)
	require.Equal(t, 30*time.Second, s.delay[1])

	// A fresh scan must wait out the delay.
	s.tickOnce(context.Background())
	require.Equal(t, 1, pub.count())

	expireNext(s, 1)
	s.tickOnce(context.Background())
	require.Equal(t, 2, pub.count())
	s.CycleDone(1, false)
	require.Equal(t, time.Minute, s.delay[1])
	// No WatchStarted repeat: the job is already WATCHING.
	require.Equal(t, model.JobWatching, lister.status(1))
}

func TestCycleDone_BackoffIsCapped(t *testing.T) {
	lister := newFakeLister(pendingJob(1))
	pub := &fakePublisher{}
	s := New(lister, pub, &fakeNotifier{}, time.Second, 30*time.Second, time.Minute)

	for i := 0; i < 5; i++ {
		expireNext(s, 1)
		s.tickOnce(context.Background())
		s.CycleDone(1, false)
	}

	require.Equal(t, time.Minute, s.delay[1])
}

func TestCycleDone_FoundResetsBackoff(t *testing.T) {
	lister := newFakeLister(pendingJob(1))
	pub := &fakePublisher{}
	s := New(lister, pub, &fakeNotifier{}, time.Second, 30*time.Second, 5*time.Minute)

	s.tickOnce(context.Background())
	s.CycleDone(1, false)
	expireNext(s, 1)
	s.tickOnce(context.Background())
	s.CycleDone(1, true)

	require.NotContains(t, s.delay, uint64(1))
	require.NotContains(t, s.next, uint64(1))
	require.NotContains(t, s.inflight, uint64(1))
}

func TestTickOnce_LostTaskRearmedAfterLease(t *testing.T) {
	lister := newFakeLister(pendingJob(1))
	pub := &fakePublisher{}
	s := New(lister, pub, &fakeNotifier{}, time.Second, 30*time.Second, 5*time.Minute)

	s.tickOnce(context.Background())
	require.Equal(t, 1, pub.count())

	// The task vanished without a report; once the lease runs out the
	// scheduler arms a fresh one rather than stalling the job forever.
	s.mu.Lock()
	s.inflight[1] = time.Now().Add(-inflightLease - time.Second)
	s.mu.Unlock()
	s.tickOnce(context.Background())

	require.Equal(t, 2, pub.count())
}

func TestTickOnce_CancelledBeforeFirstArm(t *testing.T) {
	lister := newFakeLister(pendingJob(1))
	lister.denyTransition = true // the cancel won the race
	pub := &fakePublisher{}
	notifier := &fakeNotifier{}
	s := New(lister, pub, notifier, time.Second, 30*time.Second, 5*time.Minute)

	s.tickOnce(context.Background())

	require.Zero(t, pub.count())
	require.Empty(t, notifier.types())
}

func TestTickOnce_PublishFailureRetriesNextScan(t *testing.T) {
	lister := newFakeLister(pendingJob(1))
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	s := New(lister, pub, &fakeNotifier{}, time.Second, 30*time.Second, 5*time.Minute)

	s.tickOnce(context.Background())
	require.Zero(t, pub.count())
	require.NotContains(t, s.inflight, uint64(1), "a failed publish must not occupy the slot")

	// Broker recovers; the very next scan arms without waiting out a delay.
	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	s.tickOnce(context.Background())

	require.Equal(t, 1, pub.count())
}

func TestTickOnce_ForgetsInactiveJobs(t *testing.T) {
	lister := newFakeLister(pendingJob(1))
	pub := &fakePublisher{}
	s := New(lister, pub, &fakeNotifier{}, time.Second, 30*time.Second, 5*time.Minute)

	s.tickOnce(context.Background())
	require.Contains(t, s.inflight, uint64(1))

	// The job advances to BOOKING; the next scan prunes its state so a later
	// watch phase starts fresh.
	lister.setStatus(1, model.JobBooking)
	s.tickOnce(context.Background())

	require.NotContains(t, s.next, uint64(1))
	require.NotContains(t, s.delay, uint64(1))
	require.NotContains(t, s.inflight, uint64(1))
}

func TestStartStop(t *testing.T) {
	lister := newFakeLister(pendingJob(1))
	pub := &fakePublisher{}
	s := New(lister, pub, &fakeNotifier{}, time.Hour, 30*time.Second, 5*time.Minute)

	s.Start(context.Background())
	defer s.Stop()

	// The startup scan runs immediately, ahead of the first tick.
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, model.JobWatching, lister.status(1))
}
