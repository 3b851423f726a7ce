package users

import (
	"context"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	FindByID(ctx context.Context, id int64) (User, error)
	UserExists(ctx context.Context, id int64) (bool, error)
}

// Service handles user directory logic. It also serves as the directory
// collaborator for the impersonation manager.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// GetUser fetches a user by ID.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.repo.FindByID(ctx, id)
}

// UserExists reports whether a user exists.
func (s *Service) UserExists(ctx context.Context, id int64) (bool, error) {
	return s.repo.UserExists(ctx, id)
}
