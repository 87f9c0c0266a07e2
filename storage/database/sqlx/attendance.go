package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/attendance"
	"github.com/ccscampus/campus/core/student"
	"github.com/ccscampus/campus/storage/changefeed"
)

type attendanceRepository struct {
	db core.DB
}

var _ attendance.Store = (*attendanceRepository)(nil) // interface compliance check

func NewAttendanceRepository(db core.DB) *attendanceRepository {
	return &attendanceRepository{db: db}
}

type attendanceRow struct {
	ID            null.String     `db:"id"`
	StudentID     string          `db:"student_id"`
	Date          attendance.Date `db:"date"`
	HourlyStatus  null.JSON       `db:"hourly_status"`
	SelectedSlots null.JSON       `db:"selected_slots"`
	Version       int             `db:"version"`
}

const attendanceColumns = `id, student_id, date, hourly_status, selected_slots, version`

func (row attendanceRow) record() (attendance.Record, error) {
	rec := attendance.NewRecord(row.StudentID, row.Date)
	rec.ID = row.ID.String
	rec.Version = row.Version
	if row.HourlyStatus.Valid {
		if err := row.HourlyStatus.Unmarshal(&rec.HourlyStatus); err != nil {
			return attendance.Record{}, errors.Wrap(err, "decoding hourly status")
		}
		if rec.HourlyStatus == nil {
			rec.HourlyStatus = []attendance.HourEntry{}
		}
	}
	if row.SelectedSlots.Valid {
		if err := row.SelectedSlots.Unmarshal(&rec.SelectedSlots); err != nil {
			return attendance.Record{}, errors.Wrap(err, "decoding selected slots")
		}
	}
	return rec, nil
}

func records(rows []attendanceRow) ([]attendance.Record, error) {
	recs := make([]attendance.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// jsonb parameters are sent as text; lib/pq would encode []byte as bytea.
func jsonParam(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encoding json")
	}
	return string(b), nil
}

func notify(ctx context.Context, exec core.DBExecutor, rec attendance.Record) error {
	payload, err := changefeed.Payload(rec)
	if err != nil {
		return err
	}
	if _, err = exec.ExecContext(ctx, `SELECT pg_notify($1, $2)`, changefeed.Channel(rec.Date), payload); err != nil {
		return errors.Wrap(err, "notifying attendance change")
	}
	return nil
}

func (repo attendanceRepository) FetchForDate(ctx context.Context, date attendance.Date) ([]attendance.Record, error) {
	q := `SELECT a.id, s.id AS student_id, $1::date AS date, a.hourly_status, a.selected_slots,
			COALESCE(a.version, 0) AS version
		FROM student s
		LEFT JOIN attendance a ON a.student_id = s.id AND a.date = $1
		WHERE s.is_active
		ORDER BY s.name, s.id`
	var rows []attendanceRow
	if err := repo.db.SelectContext(ctx, &rows, q, date); err != nil {
		return nil, errors.Wrap(err, "fetching attendance")
	}
	return records(rows)
}

func (repo attendanceRepository) GetRecords(ctx context.Context, keys ...attendance.Key) (map[attendance.Key]attendance.Record, error) {
	recs := make(map[attendance.Key]attendance.Record, len(keys))
	if len(keys) == 0 {
		return recs, nil
	}

	tuples := make([]string, 0, len(keys))
	args := make([]interface{}, 0, 2*len(keys))
	for _, k := range keys {
		if _, err := uuid.Parse(k.StudentID); err != nil {
			continue
		}
		tuples = append(tuples, fmt.Sprintf("($%d::uuid, $%d::date)", len(args)+1, len(args)+2))
		args = append(args, k.StudentID, k.Date)
	}
	if len(tuples) == 0 {
		return recs, nil
	}

	q := `SELECT ` + attendanceColumns + ` FROM attendance WHERE (student_id, date) IN (` + strings.Join(tuples, ", ") + `)`
	var rows []attendanceRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "getting attendance records")
	}
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		recs[rec.Key()] = rec
	}
	return recs, nil
}

// UpsertBatch only overwrites a stored row carrying an older version; otherwise the
// whole batch is rolled back with attendance.ErrStaleWrite.
func (repo attendanceRepository) UpsertBatch(ctx context.Context, recs []attendance.Record) ([]attendance.Record, error) {
	for _, rec := range recs {
		if err := attendance.ValidateRecord(rec); err != nil {
			return nil, err
		}
	}

	q := `INSERT INTO attendance (id, student_id, date, hourly_status, version, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		ON CONFLICT (student_id, date) DO UPDATE
		SET hourly_status = EXCLUDED.hourly_status, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
		WHERE attendance.version < EXCLUDED.version
		RETURNING ` + attendanceColumns

	saved := make([]attendance.Record, 0, len(recs))
	err := withTx(ctx, repo.db, func(tx core.DBExecutor) error {
		now := time.Now().UTC()
		for _, rec := range recs {
			hours, err := jsonParam(rec.HourlyStatus)
			if err != nil {
				return err
			}

			var row attendanceRow
			err = tx.GetContext(ctx, &row, q, uuid.New().String(), rec.StudentID, rec.Date, hours, rec.Version, now)
			switch {
			case err == sql.ErrNoRows:
				return errors.Wrapf(attendance.ErrStaleWrite, "%s: incoming v%d", rec.Key(), rec.Version)
			case pqCode(err) == foreignKeyViolation:
				return errors.Wrapf(student.ErrNotFound, "student %s", rec.StudentID)
			case pqCode(err) == checkViolation:
				return core.NewValidationError(nil, core.FieldError{
					Field: rec.StudentID,
					Error: fmt.Sprintf("student %s has more than %d hours marked present", rec.StudentID, attendance.MaxPresentHours),
				})
			case err != nil:
				return errors.Wrapf(err, "upserting %s", rec.Key())
			}

			stored, err := row.record()
			if err != nil {
				return err
			}
			if err = notify(ctx, tx, stored); err != nil {
				return err
			}
			saved = append(saved, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// DeleteForDate clears the hours and the selected slots of every record of date.
// Rows are kept at their next version.
func (repo attendanceRepository) DeleteForDate(ctx context.Context, date attendance.Date) error {
	return withTx(ctx, repo.db, func(tx core.DBExecutor) error {
		var rows []attendanceRow
		q := `UPDATE attendance
			SET hourly_status = '[]'::jsonb, selected_slots = NULL, version = version + 1, updated_at = $2
			WHERE date = $1 AND (hourly_status <> '[]'::jsonb OR selected_slots IS NOT NULL)
			RETURNING ` + attendanceColumns
		if err := tx.SelectContext(ctx, &rows, q, date, time.Now().UTC()); err != nil {
			return errors.Wrap(err, "resetting attendance")
		}
		recs, err := records(rows)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err = notify(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (repo attendanceRepository) DeleteHourForDate(ctx context.Context, date attendance.Date, hour int) error {
	return withTx(ctx, repo.db, func(tx core.DBExecutor) error {
		var rows []attendanceRow
		q := `SELECT ` + attendanceColumns + ` FROM attendance WHERE date = $1 ORDER BY student_id FOR UPDATE`
		if err := tx.SelectContext(ctx, &rows, q, date); err != nil {
			return errors.Wrap(err, "selecting attendance")
		}
		recs, err := records(rows)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, rec := range recs {
			updated := rec.Clone()
			if !updated.RemoveHour(hour) {
				continue
			}

			hours, err := jsonParam(updated.HourlyStatus)
			if err != nil {
				return err
			}
			updated.Version++
			_, err = tx.ExecContext(ctx,
				`UPDATE attendance SET hourly_status = $1::jsonb, version = $2, updated_at = $3 WHERE id = $4`,
				hours, updated.Version, now, rec.ID)
			if err != nil {
				return errors.Wrapf(err, "updating %s", rec.Key())
			}
			if err = notify(ctx, tx, updated); err != nil {
				return err
			}
		}
		return nil
	})
}

func (repo attendanceRepository) SetSelectedSlots(ctx context.Context, studentID string, date attendance.Date, slots []int) (attendance.Record, error) {
	var param null.String
	if slots != nil {
		s, err := jsonParam(slots)
		if err != nil {
			return attendance.Record{}, err
		}
		param = null.StringFrom(s)
	}

	q := `INSERT INTO attendance (id, student_id, date, selected_slots)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (student_id, date) DO UPDATE SET selected_slots = EXCLUDED.selected_slots
		RETURNING ` + attendanceColumns
	var row attendanceRow
	err := repo.db.GetContext(ctx, &row, q, uuid.New().String(), studentID, date, param)
	if err != nil {
		if pqCode(err) == foreignKeyViolation {
			return attendance.Record{}, errors.Wrapf(student.ErrNotFound, "student %s", studentID)
		}
		return attendance.Record{}, errors.Wrap(err, "setting selected slots")
	}
	return row.record()
}

func (repo attendanceRepository) ListForStudent(ctx context.Context, studentID string, from, to attendance.Date) ([]attendance.Record, error) {
	if _, err := uuid.Parse(studentID); err != nil {
		return nil, nil
	}
	q := `SELECT ` + attendanceColumns + ` FROM attendance
		WHERE student_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date`
	var rows []attendanceRow
	if err := repo.db.SelectContext(ctx, &rows, q, studentID, from, to); err != nil {
		return nil, errors.Wrap(err, "listing student attendance")
	}
	return records(rows)
}
