package browser

import (
	"context"

	"github.com/iliyamo/showtime-sniper/internal/model"
)

// The stub driver lets the process run in environments without a real site
// binding (BROWSER_DRIVER=stub). Availability probes report nothing listed,
// so jobs keep watching and no attempt ever reaches a purchase.
func init() {
	Register("stub", func() (Provider, error) { return stubProvider{}, nil })
}

type stubProvider struct{}

func (stubProvider) NewSession(ctx context.Context) (Session, error) {
	return stubSession{}, nil
}

func (stubProvider) Availability(ctx context.Context, movie, city, theatre, showtime string) (model.SeatMap, error) {
	return model.SeatMap{}, ErrShowtimeNotFound
}

type stubSession struct{}

func (stubSession) SearchShowtime(ctx context.Context, movie, city, theatre, showtime string) error {
	return ErrShowtimeNotFound
}

func (stubSession) SeatMap(ctx context.Context) (model.SeatMap, error) {
	return model.SeatMap{}, ErrShowtimeNotFound
}

func (stubSession) HoldSeats(ctx context.Context, picks []model.SeatPick) error {
	return ErrSeatsTaken
}

func (stubSession) ApplyGiftCard(ctx context.Context, number, pin string) error {
	return ErrPaymentDeclined
}

func (stubSession) Confirm(ctx context.Context) (string, error) {
	return "", ErrShowtimeNotFound
}

func (stubSession) Snapshot(ctx context.Context) (string, error) {
	return "", nil
}

func (stubSession) Close() error { return nil }
