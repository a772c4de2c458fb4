package model

// WatchResult is the outcome of a single watch cycle. It is transient: the
// worker reports it to the queue layer and to the job status update, but it
// is never persisted on its own.
type WatchResult struct {
	JobID        uint64   `json:"job_id"`
	TicketsFound bool     `json:"tickets_found"`
	Theatre      string   `json:"matched_theatre,omitempty"`
	Showtime     string   `json:"matched_time,omitempty"`
	Seats        *SeatMap `json:"-"`
}

// BookingResult is the terminal record of one booking attempt.
type BookingResult struct {
	JobID        uint64 `json:"job_id"`
	Success      bool   `json:"success"`
	BookingID    string `json:"booking_id,omitempty"`
	EvidencePath string `json:"diagnostic_artifact_path,omitempty"`
	Error        string `json:"error,omitempty"`
}
