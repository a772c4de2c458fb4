// Package notify maps job lifecycle events to user-facing messages. It only
// decides what and whether to send; delivery is a Transport, in production
// the durable notify.user queue consumed by the chat relay.
package notify

import (
	"context"
	"log"

	"github.com/iliyamo/showtime-sniper/internal/model"
	"github.com/iliyamo/showtime-sniper/internal/queue"
)

// EventType enumerates the lifecycle milestones surfaced to users.
type EventType string

const (
	WatchStarted     EventType = "WatchStarted"
	TicketsFound     EventType = "TicketsFound"
	BookingStarted   EventType = "BookingStarted"
	BookingSucceeded EventType = "BookingSucceeded"
	BookingFailed    EventType = "BookingFailed"
)

// terminal reports whether the event describes a final outcome. Users with
// the notify-only-success preference receive only these.
func (t EventType) terminal() bool {
	return t == BookingSucceeded || t == BookingFailed
}

// Transport delivers one notification payload.
type Transport interface {
	Send(ctx context.Context, n queue.UserNotification) error
}

// PrefSource looks up the owning user for their delivery preference.
type PrefSource interface {
	GetByID(ctx context.Context, id uint64) (*model.User, error)
}

// Service filters lifecycle events by user preference and hands the
// survivors to the transport. Delivery problems are logged, never returned:
// a missed notification must not fail a booking.
type Service struct {
	users PrefSource
	tr    Transport
}

// NewService builds a notification Service.
func NewService(users PrefSource, tr Transport) *Service {
	return &Service{users: users, tr: tr}
}

// Notify delivers one event to the job's owner unless their preference
// suppresses it.
func (s *Service) Notify(ctx context.Context, userID uint64, typ EventType, detail string) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		log.Printf("notify: lookup user %d: %v", userID, err)
		return
	}
	if user.NotifyOnlySuccess && !typ.terminal() {
		return
	}
	n := queue.UserNotification{
		UserID: user.ID,
		ChatID: user.ChatID,
		Type:   string(typ),
		Detail: detail,
	}
	if err := s.tr.Send(ctx, n); err != nil {
		log.Printf("notify: send %s to user %d: %v", typ, userID, err)
	}
}

// AMQPTransport publishes notifications to the notify.user queue.
type AMQPTransport struct {
	Pub queue.Publisher
}

// Send implements Transport.
func (t AMQPTransport) Send(ctx context.Context, n queue.UserNotification) error {
	return t.Pub.PublishJSON(ctx, queue.NotifyQueue, n)
}
