package model

// SeatRow is the occupancy of a single row of seats. Seats are numbered from
// 1 at the leftmost position; Free[i] reports whether seat i+1 is available.
type SeatRow struct {
	Label string `json:"label"`
	Free  []bool `json:"free"`
}

// SeatMap is a point-in-time availability snapshot for one showtime. Rows are
// ordered from the screen outward, so Rows[0] is the row closest to the
// screen and the final rows are the "bottom" rows a preference may exclude.
type SeatMap struct {
	Theatre  string    `json:"theatre"`
	Showtime string    `json:"showtime"`
	Rows     []SeatRow `json:"rows"`
}

// FreeSeats counts the available seats across all rows.
func (m SeatMap) FreeSeats() int {
	n := 0
	for _, row := range m.Rows {
		for _, free := range row.Free {
			if free {
				n++
			}
		}
	}
	return n
}

// SeatPick identifies one chosen seat by row label and 1-based seat number.
type SeatPick struct {
	Row  string `json:"row"`
	Seat int    `json:"seat"`
}
