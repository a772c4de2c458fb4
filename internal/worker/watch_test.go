package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/showtime-sniper/internal/browser"
	"github.com/iliyamo/showtime-sniper/internal/flow"
	"github.com/iliyamo/showtime-sniper/internal/limiter"
	"github.com/iliyamo/showtime-sniper/internal/model"
	"github.com/iliyamo/showtime-sniper/internal/notify"
	"github.com/iliyamo/showtime-sniper/internal/queue"
)

// fakeJobStore is an in-memory JobStore shared by the worker tests.
type fakeJobStore struct {
	mu             sync.Mutex
	jobs           map[uint64]*model.BookingJob
	outcomes       map[uint64]model.BookingResult
	lastErrs       map[uint64]string
	denyTransition bool // simulate losing the status race
}

func newFakeJobStore(jobs ...*model.BookingJob) *fakeJobStore {
	s := &fakeJobStore{
		jobs:     map[uint64]*model.BookingJob{},
		outcomes: map[uint64]model.BookingResult{},
		lastErrs: map[uint64]string{},
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeJobStore) GetByID(ctx context.Context, id uint64) (*model.BookingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("job not found")
	}
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) TransitionStatus(ctx context.Context, id uint64, from, to model.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, errors.New("job not found")
	}
	if s.denyTransition || j.Status != from {
		return false, nil
	}
	j.Status = to
	return true, nil
}

func (s *fakeJobStore) IncrementAttempts(ctx context.Context, id uint64) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return 0, errors.New("job not found")
	}
	j.Attempts++
	return j.Attempts, nil
}

func (s *fakeJobStore) SetLastError(ctx context.Context, id uint64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErrs[id] = msg
	return nil
}

func (s *fakeJobStore) SetOutcome(ctx context.Context, id uint64, to model.JobStatus, res model.BookingResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, errors.New("job not found")
	}
	if j.Status != model.JobBooking {
		return false, nil
	}
	j.Status = to
	s.outcomes[id] = res
	return true, nil
}

func (s *fakeJobStore) status(id uint64) model.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Status
}

type fakeCardStore struct {
	mu    sync.Mutex
	cards map[uint64][]model.GiftCard
	used  []uint64
}

func (s *fakeCardStore) ListForJob(ctx context.Context, jobID uint64) ([]model.GiftCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cards[jobID], nil
}

func (s *fakeCardStore) MarkUsed(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = append(s.used, id)
	return nil
}

type published struct {
	queue string
	body  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) PublishJSON(ctx context.Context, queueName string, v any) error {
	if p.err != nil {
		return p.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{queue: queueName, body: b})
	return nil
}

type notified struct {
	userID uint64
	typ    notify.EventType
	detail string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notified
}

func (n *fakeNotifier) Notify(ctx context.Context, userID uint64, typ notify.EventType, detail string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notified{userID: userID, typ: typ, detail: detail})
}

func (n *fakeNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.typ)
	}
	return out
}

// availProvider serves canned seat maps keyed by "theatre|showtime".
type availProvider struct {
	maps map[string]model.SeatMap
	errs map[string]error
}

func (p *availProvider) NewSession(ctx context.Context) (browser.Session, error) {
	return nil, errors.New("watch cycles never open a session")
}

func (p *availProvider) Availability(ctx context.Context, movie, city, theatre, showtime string) (model.SeatMap, error) {
	key := theatre + "|" + showtime
	if err := p.errs[key]; err != nil {
		return model.SeatMap{}, err
	}
	m, ok := p.maps[key]
	if !ok {
		return model.SeatMap{}, browser.ErrShowtimeNotFound
	}
	return m, nil
}

func hallWithFree(free int) model.SeatMap {
	seats := make([]bool, 10)
	for i := 0; i < free; i++ {
		seats[i] = true
	}
	return model.SeatMap{Rows: []model.SeatRow{{Label: "A", Free: seats}}}
}

func watchingJob(id uint64) *model.BookingJob {
	return &model.BookingJob{
		ID:         id,
		UserID:     42,
		MovieTitle: "Interstellar",
		City:       "Tehran",
		Theatres:   []string{"Grand Cinema", "Mellat"},
		Times:      []string{"19:30", "22:00"},
		Pref:       model.SeatPreference{SeatCount: 2, NeedAdjacent: true},
		Status:     model.JobWatching,
	}
}

func watchTask(job *model.BookingJob) queue.WatchTask {
	return queue.WatchTask{
		JobID:      job.ID,
		MovieTitle: job.MovieTitle,
		City:       job.City,
		Theatres:   job.Theatres,
		Times:      job.Times,
		SeatCount:  job.Pref.SeatCount,
	}
}

func openLimiter() *limiter.Window {
	return limiter.New(nil, "test:watch", 100, time.Minute)
}

// cycleReport records the completion reports handed back to the scheduler.
type cycleReport struct {
	jobID uint64
	found bool
}

type fakeReporter struct {
	mu    sync.Mutex
	calls []cycleReport
}

func (r *fakeReporter) CycleDone(jobID uint64, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cycleReport{jobID: jobID, found: found})
}

func (r *fakeReporter) reports() []cycleReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cycleReport(nil), r.calls...)
}

func TestProcessWatchTask_NoMatchLeavesJobWatching(t *testing.T) {
	job := watchingJob(1)
	jobs := newFakeJobStore(job)
	pub := &fakePublisher{}
	notifier := &fakeNotifier{}
	provider := &availProvider{maps: map[string]model.SeatMap{
		"Grand Cinema|19:30": hallWithFree(1), // one seat short
	}}
	report := &fakeReporter{}
	w := NewWatchWorker(jobs, &fakeCardStore{}, provider, pub, openLimiter(), notifier, report)

	res, err := w.ProcessWatchTask(context.Background(), watchTask(job))

	require.NoError(t, err)
	require.False(t, res.TicketsFound)
	require.Equal(t, model.JobWatching, jobs.status(1))
	require.Empty(t, pub.msgs)
	require.Empty(t, notifier.events)
	require.Equal(t, []cycleReport{{jobID: 1, found: false}}, report.reports())
}

func TestProcessWatchTask_MatchAdvancesAndEnqueues(t *testing.T) {
	job := watchingJob(2)
	jobs := newFakeJobStore(job)
	cards := &fakeCardStore{cards: map[uint64][]model.GiftCard{
		2: {{ID: 10}, {ID: 11}},
	}}
	pub := &fakePublisher{}
	notifier := &fakeNotifier{}
	provider := &availProvider{maps: map[string]model.SeatMap{
		"Grand Cinema|19:30": hallWithFree(1),
		"Grand Cinema|22:00": hallWithFree(4),
	}}
	report := &fakeReporter{}
	w := NewWatchWorker(jobs, cards, provider, pub, openLimiter(), notifier, report)

	res, err := w.ProcessWatchTask(context.Background(), watchTask(job))

	require.NoError(t, err)
	require.True(t, res.TicketsFound)
	require.Equal(t, "Grand Cinema", res.Theatre)
	require.Equal(t, "22:00", res.Showtime)
	require.Equal(t, model.JobBooking, jobs.status(2))

	require.Len(t, pub.msgs, 1)
	require.Equal(t, queue.BookingQueue, pub.msgs[0].queue)
	var task queue.BookingTask
	require.NoError(t, json.Unmarshal(pub.msgs[0].body, &task))
	require.Equal(t, uint64(2), task.JobID)
	require.Equal(t, []uint64{10, 11}, task.GiftCardIDs)

	require.Equal(t, []notify.EventType{notify.TicketsFound}, notifier.types())
	require.Equal(t, []cycleReport{{jobID: 2, found: true}}, report.reports())
}

func TestProcessWatchTask_PrefersListedOrder(t *testing.T) {
	// Both theatres can serve the job; the first listed combination wins.
	job := watchingJob(3)
	jobs := newFakeJobStore(job)
	pub := &fakePublisher{}
	provider := &availProvider{maps: map[string]model.SeatMap{
		"Grand Cinema|19:30": hallWithFree(5),
		"Mellat|19:30":       hallWithFree(10),
	}}
	w := NewWatchWorker(jobs, &fakeCardStore{}, provider, pub, openLimiter(), &fakeNotifier{}, &fakeReporter{})

	res, err := w.ProcessWatchTask(context.Background(), watchTask(job))

	require.NoError(t, err)
	require.Equal(t, "Grand Cinema", res.Theatre)
	require.Equal(t, "19:30", res.Showtime)
}

func TestProcessWatchTask_StaleTaskIsNoop(t *testing.T) {
	job := watchingJob(4)
	job.Status = model.JobCancelled
	jobs := newFakeJobStore(job)
	pub := &fakePublisher{}
	report := &fakeReporter{}
	w := NewWatchWorker(jobs, &fakeCardStore{}, &availProvider{}, pub, openLimiter(), &fakeNotifier{}, report)

	res, err := w.ProcessWatchTask(context.Background(), watchTask(job))

	require.NoError(t, err)
	require.False(t, res.TicketsFound)
	require.Equal(t, model.JobCancelled, jobs.status(4))
	require.Empty(t, pub.msgs)
	// Stale tasks still free the scheduler's slot for the job.
	require.Equal(t, []cycleReport{{jobID: 4, found: true}}, report.reports())
}

func TestProcessWatchTask_LostRaceSuppressesHandoff(t *testing.T) {
	job := watchingJob(5)
	jobs := newFakeJobStore(job)
	jobs.denyTransition = true
	pub := &fakePublisher{}
	notifier := &fakeNotifier{}
	provider := &availProvider{maps: map[string]model.SeatMap{
		"Grand Cinema|19:30": hallWithFree(5),
	}}
	report := &fakeReporter{}
	w := NewWatchWorker(jobs, &fakeCardStore{}, provider, pub, openLimiter(), notifier, report)

	res, err := w.ProcessWatchTask(context.Background(), watchTask(job))

	require.NoError(t, err)
	require.False(t, res.TicketsFound)
	require.Empty(t, pub.msgs)
	require.Empty(t, notifier.events)
	require.Equal(t, []cycleReport{{jobID: 5, found: true}}, report.reports())
}

func TestProcessWatchTask_EnqueueFailureRollsBack(t *testing.T) {
	job := watchingJob(6)
	jobs := newFakeJobStore(job)
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	provider := &availProvider{maps: map[string]model.SeatMap{
		"Grand Cinema|19:30": hallWithFree(5),
	}}
	report := &fakeReporter{}
	w := NewWatchWorker(jobs, &fakeCardStore{}, provider, pub, openLimiter(), &fakeNotifier{}, report)

	_, err := w.ProcessWatchTask(context.Background(), watchTask(job))

	require.Error(t, err)
	require.Equal(t, model.JobWatching, jobs.status(6), "job must return to the scheduler")
	// The cycle is not finished: the redelivered task still owns the slot.
	require.Empty(t, report.reports())
}

func TestProcessWatchTask_TransientProbeFailureRetries(t *testing.T) {
	job := watchingJob(7)
	jobs := newFakeJobStore(job)
	provider := &availProvider{errs: map[string]error{
		"Grand Cinema|19:30": errors.New("proxy timeout"),
		"Grand Cinema|22:00": errors.New("proxy timeout"),
		"Mellat|19:30":       errors.New("proxy timeout"),
		"Mellat|22:00":       errors.New("proxy timeout"),
	}}
	report := &fakeReporter{}
	w := NewWatchWorker(jobs, &fakeCardStore{}, provider, &fakePublisher{}, openLimiter(), &fakeNotifier{}, report)

	_, err := w.ProcessWatchTask(context.Background(), watchTask(job))

	require.Error(t, err)
	require.NotErrorIs(t, err, queue.ErrDrop, "transient failures must be requeued, not dropped")
	require.Equal(t, model.JobWatching, jobs.status(7))
	require.Empty(t, report.reports(), "an unreported cycle keeps its queue slot for the retry")
}

func TestProcessWatchTask_UnlistedCombinationsAreSkipped(t *testing.T) {
	// Only the last combination is listed; the not-found probes before it must
	// not abort the scan.
	job := watchingJob(8)
	jobs := newFakeJobStore(job)
	provider := &availProvider{maps: map[string]model.SeatMap{
		"Mellat|22:00": hallWithFree(6),
	}}
	w := NewWatchWorker(jobs, &fakeCardStore{}, provider, &fakePublisher{}, openLimiter(), &fakeNotifier{}, &fakeReporter{})

	res, err := w.ProcessWatchTask(context.Background(), watchTask(job))

	require.NoError(t, err)
	require.True(t, res.TicketsFound)
	require.Equal(t, "Mellat", res.Theatre)
	require.Equal(t, "22:00", res.Showtime)
}

func TestProcessWatchTask_MissingJobDropsTask(t *testing.T) {
	jobs := newFakeJobStore()
	report := &fakeReporter{}
	w := NewWatchWorker(jobs, &fakeCardStore{}, &availProvider{}, &fakePublisher{}, openLimiter(), &fakeNotifier{}, report)

	_, err := w.ProcessWatchTask(context.Background(), queue.WatchTask{JobID: 999})

	require.ErrorIs(t, err, queue.ErrDrop)
	require.Equal(t, []cycleReport{{jobID: 999, found: true}}, report.reports())
}

func TestProcessWatchTask_ExhaustedRateBudgetYieldsCycle(t *testing.T) {
	// One dispatch per hour and the slot is already spent: the cycle must not
	// hold its worker slot past the cycle deadline, and must hand the job
	// back for a backed-off re-arm instead of erroring into redelivery.
	limit := limiter.New(nil, "test:watch", 1, time.Hour)
	require.NoError(t, limit.Wait(context.Background()))

	job := watchingJob(9)
	jobs := newFakeJobStore(job)
	pub := &fakePublisher{}
	report := &fakeReporter{}
	w := NewWatchWorker(jobs, &fakeCardStore{}, &availProvider{}, pub, limit, &fakeNotifier{}, report)
	w.cycleTimeout = 50 * time.Millisecond

	res, err := w.ProcessWatchTask(context.Background(), watchTask(job))

	require.NoError(t, err)
	require.False(t, res.TicketsFound)
	require.Empty(t, pub.msgs)
	require.Equal(t, []cycleReport{{jobID: 9, found: false}}, report.reports())
	require.Equal(t, model.JobWatching, jobs.status(9))
}

// fakeFlow is a scripted FlowRunner used by the booking worker tests. It
// lives here so both test files share one set of fakes.
type fakeFlow struct {
	mu         sync.Mutex
	outcome    flow.Outcome
	runs       int
	inFlight   int
	maxSeen    int
	hold       time.Duration
	lastReq    flow.Request
	perAttempt []flow.Outcome // overrides outcome run by run when set
}

func (f *fakeFlow) Run(ctx context.Context, req flow.Request) flow.Outcome {
	f.mu.Lock()
	f.runs++
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.lastReq = req
	out := f.outcome
	if len(f.perAttempt) > 0 {
		out = f.perAttempt[0]
		f.perAttempt = f.perAttempt[1:]
	}
	hold := f.hold
	f.mu.Unlock()

	if hold > 0 {
		time.Sleep(hold)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return out
}
