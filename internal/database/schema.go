package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema lists the DDL statements required by the application. Statements are
// idempotent so EnsureSchema can run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		email VARCHAR(255) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		chat_id VARCHAR(64) NOT NULL DEFAULT '',
		notify_only_success TINYINT(1) NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS booking_jobs (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT UNSIGNED NOT NULL,
		movie_title VARCHAR(255) NOT NULL,
		city VARCHAR(128) NOT NULL,
		theatres JSON NOT NULL,
		show_times JSON NOT NULL,
		seat_count INT UNSIGNED NOT NULL,
		avoid_rows INT UNSIGNED NOT NULL DEFAULT 0,
		prefer_center TINYINT(1) NOT NULL DEFAULT 0,
		need_adjacent TINYINT(1) NOT NULL DEFAULT 0,
		status ENUM('PENDING','WATCHING','BOOKING','SUCCEEDED','FAILED','CANCELLED') NOT NULL DEFAULT 'PENDING',
		attempts INT UNSIGNED NOT NULL DEFAULT 0,
		last_error TEXT NULL,
		booking_ref VARCHAR(128) NULL,
		evidence_path VARCHAR(512) NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		KEY idx_jobs_status (status),
		KEY idx_jobs_user (user_id),
		CONSTRAINT fk_jobs_user FOREIGN KEY (user_id) REFERENCES users(id)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS gift_cards (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT UNSIGNED NOT NULL,
		job_id BIGINT UNSIGNED NOT NULL,
		card_number VARCHAR(64) NOT NULL,
		pin_enc VARCHAR(255) NOT NULL,
		used TINYINT(1) NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		KEY idx_cards_job (job_id),
		CONSTRAINT fk_cards_user FOREIGN KEY (user_id) REFERENCES users(id),
		CONSTRAINT fk_cards_job FOREIGN KEY (job_id) REFERENCES booking_jobs(id)
	) ENGINE=InnoDB`,
}

// EnsureSchema creates the application tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
