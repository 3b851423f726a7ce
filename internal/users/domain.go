package users

import "time"

// User represents a platform account: customer or staff.
type User struct {
	ID        int64
	Email     string
	Name      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
