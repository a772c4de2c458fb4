package model

import "time"

// GiftCard is a stored payment instrument attached to a booking job. The PIN
// is sealed with AES-GCM before it reaches the database and is only opened
// at the payment step of a booking attempt. Cards are shared state between
// attempts: the single-concurrency booking pool is what guarantees a card is
// never consumed by two purchases at once.
//
// Fields:
//
//	ID         - primary key identifier.
//	UserID     - owning user.
//	JobID      - job this card may pay for.
//	CardNumber - gift card number, stored in clear for display.
//	PINEnc     - sealed PIN, hex(nonce||ciphertext).
//	Used       - set once the card paid for a confirmed purchase.
type GiftCard struct {
	ID         uint64    `json:"id"`
	UserID     uint64    `json:"user_id"`
	JobID      uint64    `json:"job_id"`
	CardNumber string    `json:"card_number"`
	PINEnc     string    `json:"-"`
	Used       bool      `json:"used"`
	CreatedAt  time.Time `json:"created_at"`
}
