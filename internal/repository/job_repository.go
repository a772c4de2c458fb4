package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/iliyamo/showtime-sniper/internal/model"
)

// JobRepo provides CRUD and status-transition operations for booking jobs.
// Status changes go through TransitionStatus, a conditional UPDATE, so that
// the scheduler and the worker pools cannot both advance the same job: the
// loser of the race sees zero affected rows and backs off. All timestamp
// fields are assumed to be stored in UTC.
type JobRepo struct {
	db *sql.DB
}

// NewJobRepo returns a new JobRepo bound to the given database.
func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{db: db} }

const jobColumns = `id, user_id, movie_title, city, theatres, show_times, seat_count,
	avoid_rows, prefer_center, need_adjacent, status, attempts, last_error,
	booking_ref, evidence_path, created_at, updated_at`

// Create inserts a new job in PENDING state and populates the generated ID
// and timestamps on the provided struct. Theatre and time candidate lists
// are stored as JSON columns.
func (r *JobRepo) Create(ctx context.Context, job *model.BookingJob) error {
	theatres, err := json.Marshal(job.Theatres)
	if err != nil {
		return fmt.Errorf("marshal theatres: %w", err)
	}
	times, err := json.Marshal(job.Times)
	if err != nil {
		return fmt.Errorf("marshal times: %w", err)
	}
	const q = `INSERT INTO booking_jobs
		(user_id, movie_title, city, theatres, show_times, seat_count, avoid_rows, prefer_center, need_adjacent, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'PENDING')`
	result, err := r.db.ExecContext(ctx, q,
		job.UserID, job.MovieTitle, job.City, theatres, times,
		job.Pref.SeatCount, job.Pref.AvoidRows, job.Pref.PreferCenter, job.Pref.NeedAdjacent,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	job.ID = uint64(id)
	// Query back the full row to populate timestamps and defaults.
	fresh, err := r.GetByID(ctx, job.ID)
	if err != nil {
		return err
	}
	*job = *fresh
	return nil
}

// GetByID returns the job with the given id or ErrJobNotFound.
func (r *JobRepo) GetByID(ctx context.Context, id uint64) (*model.BookingJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM booking_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListActive returns every job in PENDING or WATCHING state, oldest first.
// The scheduler uses this to (re-)arm watch cycles.
func (r *JobRepo) ListActive(ctx context.Context) ([]model.BookingJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM booking_jobs WHERE status IN ('PENDING','WATCHING') ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListByUser returns all jobs owned by the given user, newest first.
func (r *JobRepo) ListByUser(ctx context.Context, userID uint64) ([]model.BookingJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM booking_jobs WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// TransitionStatus atomically moves a job from one status to another. It
// returns false when the job was not in the expected source status, which
// callers must treat as losing the transition race (typically because the
// user cancelled the job in the meantime).
func (r *JobRepo) TransitionStatus(ctx context.Context, id uint64, from, to model.JobStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE booking_jobs SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IncrementAttempts bumps the attempts counter and returns the new value.
func (r *JobRepo) IncrementAttempts(ctx context.Context, id uint64) (uint32, error) {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE booking_jobs SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return 0, err
	}
	var attempts uint32
	if err := r.db.QueryRowContext(ctx,
		`SELECT attempts FROM booking_jobs WHERE id = ?`, id).Scan(&attempts); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrJobNotFound
		}
		return 0, err
	}
	return attempts, nil
}

// SetLastError records the most recent failure description without changing
// the job status. Used when a recoverable failure sends a job back to
// WATCHING.
func (r *JobRepo) SetLastError(ctx context.Context, id uint64, msg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE booking_jobs SET last_error = ? WHERE id = ?`, msg, id)
	return err
}

// SetOutcome moves a job into a terminal status together with the result
// details of its final booking attempt. The transition is conditional on the
// job still being in BOOKING so a concurrent cancel is never overwritten.
func (r *JobRepo) SetOutcome(ctx context.Context, id uint64, to model.JobStatus, res model.BookingResult) (bool, error) {
	var bookingRef, evidence, lastErr sql.NullString
	if res.BookingID != "" {
		bookingRef = sql.NullString{String: res.BookingID, Valid: true}
	}
	if res.EvidencePath != "" {
		evidence = sql.NullString{String: res.EvidencePath, Valid: true}
	}
	if res.Error != "" {
		lastErr = sql.NullString{String: res.Error, Valid: true}
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE booking_jobs SET status = ?, booking_ref = ?, evidence_path = ?, last_error = ?
		 WHERE id = ? AND status = 'BOOKING'`,
		to, bookingRef, evidence, lastErr, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Cancel marks a job CANCELLED on behalf of its owner. It returns
// ErrJobNotFound when the job does not exist, ErrForbidden when it belongs
// to a different user and ErrConflict when the job already reached a
// terminal status.
func (r *JobRepo) Cancel(ctx context.Context, id, userID uint64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE booking_jobs SET status = 'CANCELLED'
		 WHERE id = ? AND user_id = ? AND status IN ('PENDING','WATCHING','BOOKING')`, id, userID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}
	// Figure out why nothing changed.
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return ErrForbidden
	}
	return ErrConflict
}

func scanJob(row *sql.Row) (*model.BookingJob, error) {
	var (
		job                           model.BookingJob
		theatres, times               []byte
		lastErr, bookingRef, evidence sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.UserID, &job.MovieTitle, &job.City, &theatres, &times,
		&job.Pref.SeatCount, &job.Pref.AvoidRows, &job.Pref.PreferCenter, &job.Pref.NeedAdjacent,
		&job.Status, &job.Attempts, &lastErr, &bookingRef, &evidence,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeJobLists(&job, theatres, times); err != nil {
		return nil, err
	}
	assignNullable(&job, lastErr, bookingRef, evidence)
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]model.BookingJob, error) {
	var jobs []model.BookingJob
	for rows.Next() {
		var (
			job                           model.BookingJob
			theatres, times               []byte
			lastErr, bookingRef, evidence sql.NullString
		)
		err := rows.Scan(
			&job.ID, &job.UserID, &job.MovieTitle, &job.City, &theatres, &times,
			&job.Pref.SeatCount, &job.Pref.AvoidRows, &job.Pref.PreferCenter, &job.Pref.NeedAdjacent,
			&job.Status, &job.Attempts, &lastErr, &bookingRef, &evidence,
			&job.CreatedAt, &job.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := decodeJobLists(&job, theatres, times); err != nil {
			return nil, err
		}
		assignNullable(&job, lastErr, bookingRef, evidence)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func decodeJobLists(job *model.BookingJob, theatres, times []byte) error {
	if err := json.Unmarshal(theatres, &job.Theatres); err != nil {
		return fmt.Errorf("decode theatres for job %d: %w", job.ID, err)
	}
	if err := json.Unmarshal(times, &job.Times); err != nil {
		return fmt.Errorf("decode times for job %d: %w", job.ID, err)
	}
	return nil
}

func assignNullable(job *model.BookingJob, lastErr, bookingRef, evidence sql.NullString) {
	if lastErr.Valid {
		v := lastErr.String
		job.LastError = &v
	}
	if bookingRef.Valid {
		v := bookingRef.String
		job.BookingRef = &v
	}
	if evidence.Valid {
		v := evidence.String
		job.EvidencePath = &v
	}
}
