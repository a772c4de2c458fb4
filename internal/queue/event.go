// Package queue connects the scheduler and the worker pools through durable
// RabbitMQ queues. It defines the task payloads exchanged over the broker,
// a connection-holding publisher and a reconnecting consume loop with
// bounded redelivery.
package queue

import "github.com/iliyamo/showtime-sniper/internal/model"

// Queue names. All three are declared durable and messages are published
// persistent, so queued work survives broker and worker restarts.
const (
	WatchQueue   = "watch.tasks"   // one message per armed watch cycle
	BookingQueue = "booking.tasks" // one message per purchase attempt
	NotifyQueue  = "notify.user"   // outbound user notifications for the chat relay
)

// WatchTask asks a watch worker to check availability for one job. It
// carries a snapshot of the job's search criteria so the worker can run
// without re-reading the job row for the hot path.
type WatchTask struct {
	JobID      uint64   `json:"job_id"`
	MovieTitle string   `json:"movie_title"`
	City       string   `json:"city"`
	Theatres   []string `json:"theatres"`
	Times      []string `json:"times"`
	SeatCount  int      `json:"min_seat_count"`
}

// BookingTask asks the booking worker to run one purchase attempt against
// the theatre and showtime a watch cycle matched.
type BookingTask struct {
	JobID       uint64               `json:"job_id"`
	Theatre     string               `json:"matched_theatre"`
	Showtime    string               `json:"matched_time"`
	Pref        model.SeatPreference `json:"preference"`
	GiftCardIDs []uint64             `json:"gift_card_ids"`
}

// UserNotification is the payload delivered to the chat relay via the
// notify.user queue.
type UserNotification struct {
	UserID uint64 `json:"user_id"`
	ChatID string `json:"chat_id,omitempty"`
	Type   string `json:"type"`
	Detail string `json:"detail"`
}
