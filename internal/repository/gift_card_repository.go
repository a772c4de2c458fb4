package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/iliyamo/showtime-sniper/internal/model"
	"github.com/iliyamo/showtime-sniper/internal/utils"
)

// GiftCardRepo stores gift cards with their PIN sealed at rest. The secret
// box is part of the repository so that plaintext PINs exist only in two
// places: the add-card request and the payment step of a booking attempt.
type GiftCardRepo struct {
	db  *sql.DB
	box *utils.SecretBox
}

// NewGiftCardRepo returns a new GiftCardRepo bound to the given database and
// sealing key.
func NewGiftCardRepo(db *sql.DB, box *utils.SecretBox) *GiftCardRepo {
	return &GiftCardRepo{db: db, box: box}
}

// Add seals the PIN and inserts the card. The generated ID is populated on
// the provided struct.
func (r *GiftCardRepo) Add(ctx context.Context, card *model.GiftCard, pin string) error {
	sealed, err := r.box.Seal(pin)
	if err != nil {
		return fmt.Errorf("seal pin: %w", err)
	}
	const q = `INSERT INTO gift_cards (user_id, job_id, card_number, pin_enc) VALUES (?, ?, ?, ?)`
	result, err := r.db.ExecContext(ctx, q, card.UserID, card.JobID, card.CardNumber, sealed)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	card.ID = uint64(id)
	card.PINEnc = sealed
	return nil
}

// ListForJob returns the unused cards attached to a job in insertion order,
// which is the order the payment step tries them in.
func (r *GiftCardRepo) ListForJob(ctx context.Context, jobID uint64) ([]model.GiftCard, error) {
	const q = `SELECT id, user_id, job_id, card_number, pin_enc, used, created_at
		FROM gift_cards WHERE job_id = ? AND used = 0 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cards []model.GiftCard
	for rows.Next() {
		var c model.GiftCard
		if err := rows.Scan(&c.ID, &c.UserID, &c.JobID, &c.CardNumber, &c.PINEnc, &c.Used, &c.CreatedAt); err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// Credentials returns the card number and decrypted PIN for one card. A PIN
// that cannot be opened surfaces utils.ErrMalformedSecret: that indicates
// data corruption, not a transient failure, and must not be retried.
func (r *GiftCardRepo) Credentials(ctx context.Context, id uint64) (number, pin string, err error) {
	const q = `SELECT card_number, pin_enc FROM gift_cards WHERE id = ?`
	var enc string
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&number, &enc); err != nil {
		if err == sql.ErrNoRows {
			return "", "", ErrCardNotFound
		}
		return "", "", err
	}
	pin, err = r.box.Open(enc)
	if err != nil {
		return "", "", fmt.Errorf("card %d: %w", id, err)
	}
	return number, pin, nil
}

// MarkUsed flags a card as consumed by a confirmed purchase.
func (r *GiftCardRepo) MarkUsed(ctx context.Context, id uint64) error {
	result, err := r.db.ExecContext(ctx, `UPDATE gift_cards SET used = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrCardNotFound
	}
	return nil
}
