package model

import "time"

// User is an account that owns booking jobs. ChatID identifies the user on
// the chat transport that delivers notifications; the chat front end itself
// lives outside this service. NotifyOnlySuccess suppresses intermediate
// lifecycle notifications so the user only hears about terminal outcomes.
type User struct {
	ID                uint64    `json:"id"`
	Email             string    `json:"email"`
	PasswordHash      string    `json:"-"`
	ChatID            string    `json:"chat_id"`
	NotifyOnlySuccess bool      `json:"notify_only_success"`
	CreatedAt         time.Time `json:"created_at"`
}
