package model

import "time"

// JobStatus enumerates the lifecycle states of a booking job. A job moves
// PENDING -> WATCHING -> BOOKING -> SUCCEEDED/FAILED, and may become
// CANCELLED from any non-terminal state. CANCELLED, SUCCEEDED and FAILED
// are absorbing: no further transition is allowed out of them.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"   // created, not yet armed by the scheduler
	JobWatching  JobStatus = "WATCHING"  // availability is being polled
	JobBooking   JobStatus = "BOOKING"   // a purchase attempt is queued or running
	JobSucceeded JobStatus = "SUCCEEDED" // purchase confirmed
	JobFailed    JobStatus = "FAILED"    // terminal failure, see LastError
	JobCancelled JobStatus = "CANCELLED" // cancelled by the owning user
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// SeatPreference describes how seats should be chosen for a job. It is
// immutable and embedded in BookingJob.
//
// Fields:
//
//	SeatCount    - number of seats to purchase.
//	AvoidRows    - number of rows at the back of the hall to exclude.
//	PreferCenter - rank candidates by distance from the horizontal center.
//	NeedAdjacent - all seats must form one contiguous run in a single row.
type SeatPreference struct {
	SeatCount    int  `json:"seat_count"`
	AvoidRows    int  `json:"avoid_rows"`
	PreferCenter bool `json:"prefer_center"`
	NeedAdjacent bool `json:"need_adjacent"`
}

// BookingJob is one user's request to purchase seats for a movie. The job
// carries the search criteria (movie, city, acceptable theatres and times,
// both in preference order) together with its lifecycle state. Status is
// mutated only through JobRepo's atomic transition so that the scheduler and
// the two worker pools never race each other on the same job.
//
// Fields:
//
//	ID         - primary key identifier.
//	UserID     - owning user.
//	MovieTitle - exact movie title to search for.
//	City       - city the theatres are searched in.
//	Theatres   - acceptable theatre name fragments, most preferred first.
//	Times      - acceptable show time strings, most preferred first.
//	Pref       - seat selection preference.
//	Status     - lifecycle state, see JobStatus.
//	Attempts   - number of booking attempts made; only ever increases.
//	LastError  - description of the most recent failure, if any.
//	BookingRef - confirmation id of a successful purchase.
//	EvidencePath - diagnostic artifact captured for a post-commit failure.
type BookingJob struct {
	ID           uint64         `json:"id"`
	UserID       uint64         `json:"user_id"`
	MovieTitle   string         `json:"movie_title"`
	City         string         `json:"city"`
	Theatres     []string       `json:"theatres"`
	Times        []string       `json:"times"`
	Pref         SeatPreference `json:"preference"`
	Status       JobStatus      `json:"status"`
	Attempts     uint32         `json:"attempts"`
	LastError    *string        `json:"last_error,omitempty"`
	BookingRef   *string        `json:"booking_ref,omitempty"`
	EvidencePath *string        `json:"evidence_path,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
