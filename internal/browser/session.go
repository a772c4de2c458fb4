// Package browser defines the browser-automation capability the booking
// pipeline consumes. The pipeline never touches pages or DOM queries
// directly: it drives these interfaces, and any implementation that
// satisfies them (one per target site revision) is substitutable. Drivers
// register themselves by name and are selected through configuration.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/iliyamo/showtime-sniper/internal/model"
)

// ErrShowtimeNotFound is returned when the target movie, theatre or time is
// no longer listed on the site. The inventory moved; the attempt is
// recoverable.
var ErrShowtimeNotFound = errors.New("showtime not found on site")

// ErrSeatsTaken is returned when a seat hold is cleanly rejected because the
// seats were grabbed by someone else first. No hold was placed.
var ErrSeatsTaken = errors.New("seats no longer available")

// ErrPaymentDeclined is returned when the site rejects a gift card.
var ErrPaymentDeclined = errors.New("payment declined")

// Session is one attempt-scoped automation session. It is acquired at the
// start of a booking attempt and must be closed on every exit path; a
// session never outlives its attempt.
type Session interface {
	// SearchShowtime navigates to the given movie in the given city and
	// selects the theatre and showtime. Returns ErrShowtimeNotFound when the
	// site no longer lists the combination.
	SearchShowtime(ctx context.Context, movie, city, theatre, showtime string) error

	// SeatMap reads the live seat availability for the selected showtime.
	SeatMap(ctx context.Context) (model.SeatMap, error)

	// HoldSeats submits the seat selection. A successful return means the
	// hold is committed on the site; ErrSeatsTaken means it was cleanly
	// rejected and nothing was held.
	HoldSeats(ctx context.Context, picks []model.SeatPick) error

	// ApplyGiftCard enters a payment credential. Returns ErrPaymentDeclined
	// when the site rejects the card.
	ApplyGiftCard(ctx context.Context, number, pin string) error

	// Confirm finalizes the purchase and returns the booking confirmation id.
	Confirm(ctx context.Context) (string, error)

	// Snapshot captures a diagnostic artifact (screenshot or page dump) and
	// returns its path. Used for manual reconciliation of failures past the
	// point of no return.
	Snapshot(ctx context.Context) (string, error)

	// Close releases the session and its underlying browser resources.
	Close() error
}

// Provider creates sessions and answers lightweight availability probes for
// the watch workers, which must not pay the cost of a full session per poll.
type Provider interface {
	NewSession(ctx context.Context) (Session, error)
	Availability(ctx context.Context, movie, city, theatre, showtime string) (model.SeatMap, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]func() (Provider, error))
)

// Register makes a driver available under the given name. It is intended to
// be called from a driver package's init function.
func Register(name string, factory func() (Provider, error)) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic("browser: Register called twice for driver " + name)
	}
	drivers[name] = factory
}

// Open instantiates the named driver.
func Open(name string) (Provider, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("browser: unknown driver %q", name)
	}
	return factory()
}
