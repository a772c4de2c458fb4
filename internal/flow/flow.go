// Package flow drives one purchase attempt from search to confirmation as
// an explicit finite-state machine. Each state has a step function; the step
// emits an event and the transition table maps (state, event) to the next
// state. This keeps every transition unit-testable against a fake session,
// without a live browser.
//
// The point of no return is the seat-hold commit on the SELECT_SEATS step.
// Before it, failures are recoverable and leave no side effect on the site;
// after it, any failure is terminal and a diagnostic snapshot is captured
// for manual reconciliation.
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/showtime-sniper/internal/browser"
	"github.com/iliyamo/showtime-sniper/internal/model"
	"github.com/iliyamo/showtime-sniper/internal/seatpick"
)

// State is a node of the booking state machine.
type State string

const (
	StateInit           State = "INIT"
	StateSearch         State = "SEARCH"
	StateSelectShowtime State = "SELECT_SHOWTIME"
	StateSelectSeats    State = "SELECT_SEATS"
	StatePayment        State = "PAYMENT"
	StateConfirmed      State = "CONFIRMED"
	StateFailed         State = "FAILED"
	StateCancelled      State = "CANCELLED"
)

// event is what a step reports back to the machine.
type event string

const (
	evAdvance    event = "advance"    // step completed, move forward
	evNotFound   event = "not_found"  // inventory no longer listed (recoverable)
	evInfeasible event = "infeasible" // live seat map cannot satisfy the preference (recoverable)
	evTimeout    event = "timeout"    // per-step deadline exceeded
	evDeclined   event = "declined"   // every gift card was rejected
	evFatal      event = "fatal"      // unexpected failure
	evCancelled  event = "cancelled"  // user cancel observed before the point of no return
)

// transitions is the (state, event) -> next state table. Events absent for a
// state cannot occur there; a step emitting one anyway lands in FAILED.
var transitions = map[State]map[event]State{
	StateInit: {
		evAdvance:   StateSearch,
		evTimeout:   StateFailed,
		evFatal:     StateFailed,
		evCancelled: StateCancelled,
	},
	StateSearch: {
		evAdvance:   StateSelectShowtime,
		evNotFound:  StateFailed,
		evTimeout:   StateFailed,
		evFatal:     StateFailed,
		evCancelled: StateCancelled,
	},
	StateSelectShowtime: {
		evAdvance:    StateSelectSeats,
		evInfeasible: StateFailed,
		evNotFound:   StateFailed,
		evTimeout:    StateFailed,
		evFatal:      StateFailed,
		evCancelled:  StateCancelled,
	},
	StateSelectSeats: {
		evAdvance:    StatePayment,
		evInfeasible: StateFailed, // clean hold rejection, nothing held
		evTimeout:    StateFailed,
		evFatal:      StateFailed,
		evCancelled:  StateCancelled,
	},
	// Payment runs past the point of no return: cancellation is no longer
	// honored and every failure is terminal.
	StatePayment: {
		evAdvance:  StateConfirmed,
		evDeclined: StateFailed,
		evTimeout:  StateFailed,
		evFatal:    StateFailed,
	},
}

// CardSource resolves a gift card reference to its decrypted credentials at
// the moment of use.
type CardSource interface {
	Credentials(ctx context.Context, id uint64) (number, pin string, err error)
}

// Request describes one booking attempt.
type Request struct {
	JobID       uint64
	MovieTitle  string
	City        string
	Theatre     string // theatre matched by the watch cycle
	Showtime    string // showtime matched by the watch cycle
	Pref        model.SeatPreference
	GiftCardIDs []uint64 // tried in order at the payment step

	// Cancelled is polled before every step up to the point of no return. A
	// nil func means cancellation is never observed.
	Cancelled func(ctx context.Context) bool
}

// Outcome is the terminal result of one attempt. Recoverable is only set on
// FAILED outcomes that left no side effect on the site, meaning the job may
// safely return to WATCHING.
type Outcome struct {
	State        State
	BookingID    string
	UsedCardID   uint64
	Picks        []model.SeatPick
	EvidencePath string
	Recoverable  bool
	Err          error
}

// Flow runs booking attempts. It is safe for reuse across attempts; all
// per-attempt state lives in the run.
type Flow struct {
	provider    browser.Provider
	cards       CardSource
	stepTimeout time.Duration
}

// New builds a Flow. stepTimeout bounds every individual step.
func New(provider browser.Provider, cards CardSource, stepTimeout time.Duration) *Flow {
	if stepTimeout <= 0 {
		stepTimeout = 45 * time.Second
	}
	return &Flow{provider: provider, cards: cards, stepTimeout: stepTimeout}
}

// run carries the mutable state of one attempt.
type run struct {
	flow      *Flow
	req       Request
	session   browser.Session
	picks     []model.SeatPick
	committed bool // set once the seat hold succeeded
	usedCard  uint64
	bookingID string
	err       error // failure cause recorded by the step that observed it
}

// Run executes the machine until a terminal state and returns the outcome.
// The session acquired at INIT is torn down on every exit path.
func (f *Flow) Run(ctx context.Context, req Request) Outcome {
	r := &run{flow: f, req: req}
	defer func() {
		if r.session != nil {
			_ = r.session.Close()
		}
	}()

	state := StateInit
	for {
		ev := r.step(ctx, state)
		next, ok := transitions[state][ev]
		if !ok {
			next = StateFailed
			if r.err == nil {
				r.err = fmt.Errorf("no transition for event %s in state %s", ev, state)
			}
		}
		state = next
		switch state {
		case StateConfirmed:
			return Outcome{State: state, BookingID: r.bookingID, UsedCardID: r.usedCard, Picks: r.picks}
		case StateCancelled:
			return Outcome{State: state, Err: r.err}
		case StateFailed:
			return r.failed(ctx)
		}
	}
}

// failed assembles a FAILED outcome, capturing evidence when the attempt may
// have left a partial purchase behind.
func (r *run) failed(ctx context.Context) Outcome {
	out := Outcome{State: StateFailed, Err: r.err, Picks: r.picks}
	if !r.committed {
		out.Recoverable = true
		return out
	}
	if r.session != nil {
		// Best effort: the site may already be unresponsive.
		snapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if path, err := r.session.Snapshot(snapCtx); err == nil {
			out.EvidencePath = path
		}
	}
	return out
}

// step runs the step function for the given state with the per-step deadline
// applied, translating errors into machine events.
func (r *run) step(ctx context.Context, state State) event {
	// A user cancel is honored up to, not after, the point of no return.
	if !r.committed && r.req.Cancelled != nil && r.req.Cancelled(ctx) {
		r.err = errors.New("cancelled by user")
		return evCancelled
	}
	stepCtx, cancel := context.WithTimeout(ctx, r.flow.stepTimeout)
	defer cancel()

	var ev event
	switch state {
	case StateInit:
		ev = r.stepInit(stepCtx)
	case StateSearch:
		ev = r.stepSearch(stepCtx)
	case StateSelectShowtime:
		ev = r.stepSelectShowtime(stepCtx)
	case StateSelectSeats:
		ev = r.stepSelectSeats(stepCtx)
	case StatePayment:
		ev = r.stepPayment(stepCtx)
	default:
		r.err = fmt.Errorf("no step for state %s", state)
		return evFatal
	}
	if ev == evFatal && errors.Is(r.err, context.DeadlineExceeded) {
		return evTimeout
	}
	return ev
}

func (r *run) stepInit(ctx context.Context) event {
	s, err := r.flow.provider.NewSession(ctx)
	if err != nil {
		r.err = fmt.Errorf("acquire session: %w", err)
		return evFatal
	}
	r.session = s
	return evAdvance
}

func (r *run) stepSearch(ctx context.Context) event {
	err := r.session.SearchShowtime(ctx, r.req.MovieTitle, r.req.City, r.req.Theatre, r.req.Showtime)
	if err == nil {
		return evAdvance
	}
	r.err = err
	if errors.Is(err, browser.ErrShowtimeNotFound) {
		return evNotFound
	}
	return evFatal
}

// stepSelectShowtime re-fetches the live seat map (time has passed since the
// watch cycle) and runs the seat selector against it.
func (r *run) stepSelectShowtime(ctx context.Context) event {
	m, err := r.session.SeatMap(ctx)
	if err != nil {
		r.err = fmt.Errorf("fetch seat map: %w", err)
		if errors.Is(err, browser.ErrShowtimeNotFound) {
			return evNotFound
		}
		return evFatal
	}
	picks, err := seatpick.Choose(m, r.req.Pref)
	if err != nil {
		r.err = err
		if errors.Is(err, seatpick.ErrInfeasible) {
			return evInfeasible
		}
		return evFatal
	}
	r.picks = picks
	return evAdvance
}

// stepSelectSeats commits the seat hold. Success is the point of no return:
// from here on, failures are terminal and reported with evidence. A clean
// ErrSeatsTaken rejection held nothing and stays recoverable; any other
// failure during the commit is treated as potentially partial.
func (r *run) stepSelectSeats(ctx context.Context) event {
	err := r.session.HoldSeats(ctx, r.picks)
	if err == nil {
		r.committed = true
		return evAdvance
	}
	r.err = fmt.Errorf("hold seats: %w", err)
	if errors.Is(err, browser.ErrSeatsTaken) {
		return evInfeasible
	}
	r.committed = true // a hold may have landed despite the error
	return evFatal
}

// stepPayment tries each gift card in order, confirming the purchase with
// the first one the site accepts.
func (r *run) stepPayment(ctx context.Context) event {
	if len(r.req.GiftCardIDs) == 0 {
		r.err = errors.New("no gift cards attached to job")
		return evDeclined
	}
	for _, cardID := range r.req.GiftCardIDs {
		number, pin, err := r.flow.cards.Credentials(ctx, cardID)
		if err != nil {
			// A malformed stored secret is data corruption; surface it
			// instead of moving on to the next card.
			r.err = fmt.Errorf("card credentials: %w", err)
			return evFatal
		}
		err = r.session.ApplyGiftCard(ctx, number, pin)
		if err == nil {
			id, err := r.session.Confirm(ctx)
			if err != nil {
				r.err = fmt.Errorf("confirm purchase: %w", err)
				return evFatal
			}
			r.usedCard = cardID
			r.bookingID = id
			return evAdvance
		}
		if errors.Is(err, browser.ErrPaymentDeclined) {
			r.err = fmt.Errorf("card %d: %w", cardID, err)
			continue // try the next card
		}
		r.err = fmt.Errorf("apply gift card: %w", err)
		return evFatal
	}
	return evDeclined
}
