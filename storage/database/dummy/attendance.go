package dummydb

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ccscampus/campus/core/attendance"
	"github.com/ccscampus/campus/core/student"
)

type attendanceRepository struct {
	db       *attendanceTable
	students *studentTable
	feed     *ChangeFeed
}

var _ attendance.Store = (*attendanceRepository)(nil) // interface compliance check

func NewAttendanceRepository(db *DB) attendance.Store {
	return &attendanceRepository{db: db.attendance, students: db.student, feed: db.feed}
}

func (repo *attendanceRepository) FetchForDate(_ context.Context, date attendance.Date) ([]attendance.Record, error) {
	repo.students.RLock()
	students := repo.students.list(true)
	repo.students.RUnlock()

	repo.db.RLock()
	defer repo.db.RUnlock()

	recs := make([]attendance.Record, 0, len(students))
	for _, s := range students {
		if rec, ok := repo.db.table[attendance.Key{StudentID: s.ID, Date: date}]; ok {
			recs = append(recs, rec.Clone())
		} else {
			recs = append(recs, attendance.NewRecord(s.ID, date))
		}
	}
	return recs, nil
}

func (repo *attendanceRepository) GetRecords(_ context.Context, keys ...attendance.Key) (map[attendance.Key]attendance.Record, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	recs := make(map[attendance.Key]attendance.Record, len(keys))
	for _, k := range keys {
		if rec, ok := repo.db.table[k]; ok {
			recs[k] = rec.Clone()
		}
	}
	return recs, nil
}

func (repo *attendanceRepository) UpsertBatch(_ context.Context, recs []attendance.Record) ([]attendance.Record, error) {
	// check the whole batch before writing anything
	for _, rec := range recs {
		if err := attendance.ValidateRecord(rec); err != nil {
			return nil, err
		}
		if !repo.studentExists(rec.StudentID) {
			return nil, errors.Wrapf(student.ErrNotFound, "student %s", rec.StudentID)
		}
	}

	repo.db.Lock()
	for _, rec := range recs {
		if stored, ok := repo.db.table[rec.Key()]; ok && stored.Version >= rec.Version {
			repo.db.Unlock()
			return nil, errors.Wrapf(attendance.ErrStaleWrite, "%s: stored v%d, incoming v%d", rec.Key(), stored.Version, rec.Version)
		}
	}

	saved := make([]attendance.Record, 0, len(recs))
	for _, rec := range recs {
		rec = rec.Clone()
		if stored, ok := repo.db.table[rec.Key()]; ok {
			rec.ID = stored.ID
			rec.SelectedSlots = stored.SelectedSlots
		} else {
			rec.ID = uuid.New().String()
			rec.SelectedSlots = nil
		}
		repo.db.table[rec.Key()] = &rec
		saved = append(saved, rec.Clone())
	}
	repo.feed.publish(repo.db.Unlock, saved)
	return saved, nil
}

func (repo *attendanceRepository) studentExists(id string) bool {
	repo.students.RLock()
	defer repo.students.RUnlock()
	_, ok := repo.students.table[id]
	return ok
}

// DeleteForDate clears the hours and the selected slots of every record of date.
// Rows are kept at their next version.
func (repo *attendanceRepository) DeleteForDate(_ context.Context, date attendance.Date) error {
	repo.db.Lock()
	var changed []attendance.Record
	for k, rec := range repo.db.table {
		if k.Date != date || (len(rec.HourlyStatus) == 0 && rec.SelectedSlots == nil) {
			continue
		}
		cleared := rec.Cleared()
		cleared.SelectedSlots = nil
		repo.db.table[k] = &cleared
		changed = append(changed, cleared.Clone())
	}
	sortByStudent(changed)
	repo.feed.publish(repo.db.Unlock, changed)
	return nil
}

func (repo *attendanceRepository) DeleteHourForDate(_ context.Context, date attendance.Date, hour int) error {
	repo.db.Lock()
	var changed []attendance.Record
	for k, rec := range repo.db.table {
		if k.Date != date {
			continue
		}
		updated := rec.Clone()
		if !updated.RemoveHour(hour) {
			continue
		}
		updated.Version++
		repo.db.table[k] = &updated
		changed = append(changed, updated.Clone())
	}
	sortByStudent(changed)
	repo.feed.publish(repo.db.Unlock, changed)
	return nil
}

func (repo *attendanceRepository) SetSelectedSlots(_ context.Context, studentID string, date attendance.Date, slots []int) (attendance.Record, error) {
	if !repo.studentExists(studentID) {
		return attendance.Record{}, errors.Wrapf(student.ErrNotFound, "student %s", studentID)
	}

	repo.db.Lock()
	defer repo.db.Unlock()

	k := attendance.Key{StudentID: studentID, Date: date}
	rec, ok := repo.db.table[k]
	if !ok {
		r := attendance.NewRecord(studentID, date)
		r.ID = uuid.New().String()
		rec = &r
		repo.db.table[k] = rec
	}
	if slots == nil {
		rec.SelectedSlots = nil
	} else {
		rec.SelectedSlots = append([]int(nil), slots...)
	}
	return rec.Clone(), nil
}

func (repo *attendanceRepository) ListForStudent(_ context.Context, studentID string, from, to attendance.Date) ([]attendance.Record, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var recs []attendance.Record
	for k, rec := range repo.db.table {
		if k.StudentID == studentID && k.Date >= from && k.Date <= to {
			recs = append(recs, rec.Clone())
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Date < recs[j].Date })
	return recs, nil
}

func sortByStudent(recs []attendance.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].StudentID < recs[j].StudentID })
}
