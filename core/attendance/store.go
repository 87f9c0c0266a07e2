package attendance

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/ccscampus/campus/core/student"
)

var (
	// ErrStaleWrite is returned by Store.UpsertBatch when a stored row already
	// carries a version greater or equal to the incoming one. Nothing of the batch is written.
	ErrStaleWrite = errors.New("attendance record was written concurrently")

	ErrStudentNotFound = student.ErrNotFound
)

type (
	// Store is the durable attendance row store.
	// Every accepted write (upsert or delete) is published to the ChangeFeed listeners of its date.
	Store interface {
		// FetchForDate returns one record per active student, synthesizing
		// empty version 0 records for students without a stored row.
		FetchForDate(ctx context.Context, date Date) ([]Record, error)

		// GetRecords returns the stored records for keys; missing keys are absent from the map.
		GetRecords(ctx context.Context, keys ...Key) (map[Key]Record, error)

		// UpsertBatch writes all records atomically, keyed by (student, date).
		// Selected slots are not touched.
		UpsertBatch(ctx context.Context, recs []Record) ([]Record, error)

		// DeleteForDate clears every record of the date. Cleared rows are kept
		// at their next version so a key's version never decreases.
		DeleteForDate(ctx context.Context, date Date) error

		// DeleteHourForDate removes hour from every record of the date, bumping their version.
		DeleteHourForDate(ctx context.Context, date Date, hour int) error

		SetSelectedSlots(ctx context.Context, studentID string, date Date, slots []int) (Record, error)

		// ListForStudent returns the stored records of a student in [from, to].
		ListForStudent(ctx context.Context, studentID string, from, to Date) ([]Record, error)
	}

	// FeedChannel is one open subscription on a ChangeFeed.
	FeedChannel interface {
		Close() error
	}

	// ChangeFeed delivers the post-write record of every accepted write for a date,
	// in the order the store accepted them.
	ChangeFeed interface {
		Listen(ctx context.Context, date Date, onChange func(Record)) (FeedChannel, error)
	}
)

// StoreError carries the context of a failed store operation.
type StoreError struct {
	Op        string
	Date      Date
	StudentID string
	Err       error
}

func (e *StoreError) Error() string {
	msg := "attendance: " + e.Op
	if !e.Date.IsZero() {
		msg += " on " + e.Date.String()
	}
	if e.StudentID != "" {
		msg += fmt.Sprintf(" (student %s)", e.StudentID)
	}
	return msg + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func newStoreError(op string, date Date, studentID string, err error) error {
	return &StoreError{Op: op, Date: date, StudentID: studentID, Err: err}
}
