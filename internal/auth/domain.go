package auth

import "time"

// User carries the credential fields needed for authentication.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
