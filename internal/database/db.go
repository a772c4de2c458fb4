package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Settings describes one MySQL endpoint together with its pool tuning. The
// zero values for the pool fields are replaced by defaults in Open, so only
// the endpoint fields are mandatory.
type Settings struct {
	User            string
	Pass            string // empty allowed, e.g. local development
	Host            string
	Port            string
	Name            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// Open builds the DSN, opens the pool and verifies connectivity with a
// bounded ping. Times are stored and read as UTC; DATETIME columns scan into
// time.Time via parseTime.
func Open(s Settings) (*sql.DB, error) {
	auth := s.User
	if s.Pass != "" {
		auth = s.User + ":" + s.Pass
	}
	dsn := fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		auth, s.Host, s.Port, s.Name)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	if s.MaxOpenConns <= 0 {
		s.MaxOpenConns = 25
	}
	if s.MaxIdleConns <= 0 {
		s.MaxIdleConns = s.MaxOpenConns
	}
	if s.ConnMaxLifetime <= 0 {
		s.ConnMaxLifetime = 30 * time.Minute
	}
	if s.PingTimeout <= 0 {
		s.PingTimeout = 5 * time.Second
	}
	db.SetMaxOpenConns(s.MaxOpenConns)
	db.SetMaxIdleConns(s.MaxIdleConns)
	db.SetConnMaxLifetime(s.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), s.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
