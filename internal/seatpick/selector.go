// Package seatpick chooses seats from an availability snapshot according to
// a user's preference. Choose is a pure function: identical inputs always
// yield identical output, so a re-selection after a transient failure picks
// the same seats unless the map itself changed.
package seatpick

import (
	"errors"
	"fmt"
	"sort"

	"github.com/iliyamo/showtime-sniper/internal/model"
)

// ErrInfeasible is returned when the preference cannot be satisfied by the
// given seat map. Choose never returns a partial selection.
var ErrInfeasible = errors.New("seat preference infeasible")

// Choose returns exactly pref.SeatCount seats from the map, or
// ErrInfeasible. Rows are ordered from the screen outward; the last
// pref.AvoidRows rows are excluded. With NeedAdjacent the seats form one
// contiguous run in a single row. With PreferCenter candidates are ranked by
// absolute distance from the row's horizontal center, ties broken by the
// smaller row index (closer to the screen) and then the leftmost position;
// otherwise candidates are taken in row order, leftmost first.
func Choose(m model.SeatMap, pref model.SeatPreference) ([]model.SeatPick, error) {
	if pref.SeatCount <= 0 {
		return nil, fmt.Errorf("seat count must be positive, got %d", pref.SeatCount)
	}
	rows := m.Rows
	if pref.AvoidRows > 0 {
		if pref.AvoidRows >= len(rows) {
			return nil, ErrInfeasible
		}
		rows = rows[:len(rows)-pref.AvoidRows]
	}
	if pref.NeedAdjacent {
		return chooseRun(rows, pref)
	}
	return chooseSeats(rows, pref)
}

// candidate is a run window or a single seat, ranked during selection.
type candidate struct {
	rowIdx int
	start  int // 0-based index of the first seat
	dist   float64
}

func chooseRun(rows []model.SeatRow, pref model.SeatPreference) ([]model.SeatPick, error) {
	count := pref.SeatCount
	var cands []candidate
	for ri, row := range rows {
		center := rowCenter(len(row.Free))
		// Walk the maximal free runs of this row.
		start := -1
		for i := 0; i <= len(row.Free); i++ {
			free := i < len(row.Free) && row.Free[i]
			if free && start < 0 {
				start = i
			}
			if !free && start >= 0 {
				if runLen := i - start; runLen >= count {
					cands = append(cands, bestWindow(ri, start, runLen, count, center))
				}
				start = -1
			}
		}
	}
	if len(cands) == 0 {
		return nil, ErrInfeasible
	}
	sort.SliceStable(cands, func(a, b int) bool {
		if pref.PreferCenter && cands[a].dist != cands[b].dist {
			return cands[a].dist < cands[b].dist
		}
		if cands[a].rowIdx != cands[b].rowIdx {
			return cands[a].rowIdx < cands[b].rowIdx
		}
		return cands[a].start < cands[b].start
	})
	best := cands[0]
	picks := make([]model.SeatPick, 0, count)
	for i := 0; i < count; i++ {
		picks = append(picks, model.SeatPick{Row: rows[best.rowIdx].Label, Seat: best.start + i + 1})
	}
	return picks, nil
}

// bestWindow finds the window of length count inside a free run that sits
// closest to the row center. Ties resolve to the leftmost window so the
// result is deterministic.
func bestWindow(rowIdx, runStart, runLen, count int, center float64) candidate {
	best := candidate{rowIdx: rowIdx, start: runStart, dist: windowDist(runStart, count, center)}
	for s := runStart + 1; s <= runStart+runLen-count; s++ {
		if d := windowDist(s, count, center); d < best.dist {
			best = candidate{rowIdx: rowIdx, start: s, dist: d}
		}
	}
	return best
}

func chooseSeats(rows []model.SeatRow, pref model.SeatPreference) ([]model.SeatPick, error) {
	var cands []candidate
	for ri, row := range rows {
		center := rowCenter(len(row.Free))
		for i, free := range row.Free {
			if !free {
				continue
			}
			cands = append(cands, candidate{rowIdx: ri, start: i, dist: seatDist(i, center)})
		}
	}
	if len(cands) < pref.SeatCount {
		return nil, ErrInfeasible
	}
	sort.SliceStable(cands, func(a, b int) bool {
		if pref.PreferCenter && cands[a].dist != cands[b].dist {
			return cands[a].dist < cands[b].dist
		}
		if cands[a].rowIdx != cands[b].rowIdx {
			return cands[a].rowIdx < cands[b].rowIdx
		}
		return cands[a].start < cands[b].start
	})
	picks := make([]model.SeatPick, 0, pref.SeatCount)
	for _, c := range cands[:pref.SeatCount] {
		picks = append(picks, model.SeatPick{Row: rows[c.rowIdx].Label, Seat: c.start + 1})
	}
	return picks, nil
}

// rowCenter is the horizontal center of a row in 1-based seat numbering,
// e.g. 5.5 for a 10-seat row.
func rowCenter(width int) float64 {
	return float64(width+1) / 2
}

// seatDist is the distance of a 0-based seat index from the row center.
func seatDist(idx int, center float64) float64 {
	d := float64(idx+1) - center
	if d < 0 {
		return -d
	}
	return d
}

// windowDist is the distance of a count-wide window starting at the 0-based
// index from the row center.
func windowDist(start, count int, center float64) float64 {
	// Seats start+1 .. start+count; their midpoint in 1-based numbering.
	mid := float64(2*start+count+1) / 2
	d := mid - center
	if d < 0 {
		return -d
	}
	return d
}
