package dummydb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/ccscampus/campus/core/student"
)

type studentRepository struct {
	db *studentTable
}

var _ student.Repository = (*studentRepository)(nil) // interface compliance check

func NewStudentRepository(db *DB) student.Repository {
	return &studentRepository{db: db.student}
}

func (repo *studentRepository) CreateStudent(_ context.Context, s student.Student) (student.Student, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	repo.db.table[s.ID] = &s
	return s, nil
}

func (repo *studentRepository) GetStudent(_ context.Context, id string) (student.Student, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if s, ok := repo.db.table[id]; ok {
		return *s, nil
	}
	return student.Student{}, student.ErrNotFound
}

func (repo *studentRepository) ListStudents(_ context.Context, activeOnly bool) ([]student.Student, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	return repo.db.list(activeOnly), nil
}

// list returns the students ordered by name then id. Callers hold the lock.
func (t *studentTable) list(activeOnly bool) []student.Student {
	students := make([]student.Student, 0, len(t.table))
	for _, s := range t.table {
		if activeOnly && !s.IsActive {
			continue
		}
		students = append(students, *s)
	}
	sort.Slice(students, func(i, j int) bool {
		if students[i].Name != students[j].Name {
			return students[i].Name < students[j].Name
		}
		return students[i].ID < students[j].ID
	})
	return students
}
