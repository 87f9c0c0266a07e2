package sqlxrepos

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/student"
)

type studentRepository struct {
	exec core.DBExecutor
}

var _ student.Repository = (*studentRepository)(nil) // interface compliance check

func NewStudentRepository(exec core.DBExecutor) *studentRepository {
	return &studentRepository{exec: exec}
}

type studentRow struct {
	ID       string      `db:"id"`
	Name     string      `db:"name"`
	Email    null.String `db:"email"`
	IsActive bool        `db:"is_active"`
}

func (row studentRow) student() student.Student {
	return student.Student{ID: row.ID, Name: row.Name, Email: row.Email.String, IsActive: row.IsActive}
}

func (repo studentRepository) CreateStudent(ctx context.Context, s student.Student) (student.Student, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	_, err := repo.exec.ExecContext(ctx,
		`INSERT INTO student (id, name, email, is_active) VALUES ($1, $2, $3, $4)`,
		s.ID, s.Name, null.NewString(s.Email, s.Email != ""), s.IsActive)
	if err != nil {
		return student.Student{}, errors.Wrap(err, "inserting student")
	}
	return s, nil
}

func (repo studentRepository) GetStudent(ctx context.Context, id string) (student.Student, error) {
	if _, err := uuid.Parse(id); err != nil {
		return student.Student{}, student.ErrNotFound
	}
	var row studentRow
	err := repo.exec.GetContext(ctx, &row, `SELECT id, name, email, is_active FROM student WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return student.Student{}, student.ErrNotFound
		}
		return student.Student{}, errors.Wrap(err, "getting student")
	}
	return row.student(), nil
}

var studentOrdering = []core.DBOrdering{{Field: "name", Ascending: true}, {Field: "id", Ascending: true}}

func (repo studentRepository) ListStudents(ctx context.Context, activeOnly bool) ([]student.Student, error) {
	var rows []studentRow
	q := `SELECT id, name, email, is_active FROM student WHERE (NOT $1 OR is_active)` + orderBy(studentOrdering...)
	if err := repo.exec.SelectContext(ctx, &rows, q, activeOnly); err != nil {
		return nil, errors.Wrap(err, "listing students")
	}
	students := make([]student.Student, 0, len(rows))
	for _, row := range rows {
		students = append(students, row.student())
	}
	return students, nil
}
