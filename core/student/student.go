// Package student exposes the read side of the student directory.
// Student CRUD lives outside this module; attendance and fees only read from it.
package student

import (
	"context"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("student not found")

type Student struct {
	ID       string `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Email    string `json:"email" db:"email"`
	IsActive bool   `json:"is_active" db:"is_active"`
}

type Repository interface {
	CreateStudent(ctx context.Context, s Student) (Student, error)
	GetStudent(ctx context.Context, id string) (Student, error)
	ListStudents(ctx context.Context, activeOnly bool) ([]Student, error)
}
