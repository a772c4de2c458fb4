package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/showtime-sniper/internal/model"
	"github.com/iliyamo/showtime-sniper/internal/queue"
)

type fakeUsers struct {
	user *model.User
	err  error
}

func (f *fakeUsers) GetByID(ctx context.Context, id uint64) (*model.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.user, nil
}

type fakeTransport struct {
	sent []queue.UserNotification
	err  error
}

func (f *fakeTransport) Send(ctx context.Context, n queue.UserNotification) error {
	f.sent = append(f.sent, n)
	return f.err
}

func chattyUser() *model.User {
	return &model.User{ID: 42, ChatID: "chat-42"}
}

func TestNotify_DeliversAllEventsByDefault(t *testing.T) {
	tr := &fakeTransport{}
	s := NewService(&fakeUsers{user: chattyUser()}, tr)

	for _, typ := range []EventType{WatchStarted, TicketsFound, BookingStarted, BookingSucceeded, BookingFailed} {
		s.Notify(context.Background(), 42, typ, "detail")
	}

	require.Len(t, tr.sent, 5)
	require.Equal(t, "chat-42", tr.sent[0].ChatID)
	require.Equal(t, string(WatchStarted), tr.sent[0].Type)
}

func TestNotify_OnlySuccessPreferenceFiltersProgress(t *testing.T) {
	user := chattyUser()
	user.NotifyOnlySuccess = true
	tr := &fakeTransport{}
	s := NewService(&fakeUsers{user: user}, tr)

	for _, typ := range []EventType{WatchStarted, TicketsFound, BookingStarted, BookingSucceeded, BookingFailed} {
		s.Notify(context.Background(), 42, typ, "detail")
	}

	// Final outcomes always get through; progress chatter is suppressed.
	require.Len(t, tr.sent, 2)
	require.Equal(t, string(BookingSucceeded), tr.sent[0].Type)
	require.Equal(t, string(BookingFailed), tr.sent[1].Type)
}

func TestNotify_LookupFailureIsSwallowed(t *testing.T) {
	tr := &fakeTransport{}
	s := NewService(&fakeUsers{err: errors.New("db down")}, tr)

	s.Notify(context.Background(), 42, BookingSucceeded, "detail")

	require.Empty(t, tr.sent)
}

func TestNotify_SendFailureIsSwallowed(t *testing.T) {
	tr := &fakeTransport{err: errors.New("broker down")}
	s := NewService(&fakeUsers{user: chattyUser()}, tr)

	// Must not panic or propagate; a missed notification never fails a booking.
	s.Notify(context.Background(), 42, BookingSucceeded, "detail")

	require.Len(t, tr.sent, 1)
}
