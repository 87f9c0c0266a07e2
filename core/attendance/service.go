package attendance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/student"
)

var NowFunc = time.Now // mockable

// Service saves attendance through the conflict resolver and exposes the store operations.
type Service struct {
	store       Store
	students    student.Repository
	logger      core.Logger
	maxAttempts int
}

func NewService(store Store, students student.Repository, conf *core.Config, logger core.Logger) *Service {
	attempts := conf.Attendance.MaxMergeAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Service{
		store:       store,
		students:    students,
		logger:      logger,
		maxAttempts: attempts,
	}
}

func (svc *Service) FetchForDate(ctx context.Context, date Date) ([]Record, error) {
	recs, err := svc.store.FetchForDate(ctx, date)
	if err != nil {
		return nil, newStoreError("fetch", date, "", err)
	}
	return recs, nil
}

// Save validates every record, merges each one against the latest stored record
// and writes the batch at once. Any validation failure rejects the whole batch.
// A batch losing a concurrent write race is re-merged and retried.
func (svc *Service) Save(ctx context.Context, recs []Record) ([]Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	if err := ValidateRecords(recs); err != nil {
		return nil, err
	}

	keys := make([]Key, 0, len(recs))
	seen := make(map[Key]bool, len(recs))
	for _, rec := range recs {
		k := rec.Key()
		if seen[k] {
			return nil, core.NewValidationError(nil, core.FieldError{
				Field: rec.StudentID,
				Error: fmt.Sprintf("student %s appears more than once for %s", rec.StudentID, rec.Date),
			})
		}
		seen[k] = true
		keys = append(keys, k)
	}

	date := recs[0].Date
	var lastErr error
	for attempt := 1; attempt <= svc.maxAttempts; attempt++ {
		remotes, err := svc.store.GetRecords(ctx, keys...)
		if err != nil {
			return nil, newStoreError("fetch latest", date, "", err)
		}

		resolved := make([]Record, 0, len(recs))
		for _, local := range recs {
			remote, ok := remotes[local.Key()]
			if !ok {
				remote = NewRecord(local.StudentID, local.Date)
			}
			merged := Resolve(local, remote)
			if remote.Version > local.Version {
				svc.logger.Debug(fmt.Sprintf(
					"attendance: merged %s (local v%d, remote v%d) into v%d",
					local.Key(), local.Version, remote.Version, merged.Version))
			}
			resolved = append(resolved, merged)
		}
		if err = ValidateRecords(resolved); err != nil {
			return nil, err
		}

		saved, err := svc.store.UpsertBatch(ctx, resolved)
		if err == nil {
			return saved, nil
		}
		if errors.Cause(err) != ErrStaleWrite {
			return nil, newStoreError("save", date, "", err)
		}
		lastErr = err
		svc.logger.Debug(fmt.Sprintf("attendance: stale write on %s, attempt %d/%d", date, attempt, svc.maxAttempts))
	}
	return nil, newStoreError("save", date, "", lastErr)
}

func (svc *Service) DeleteForDate(ctx context.Context, date Date) error {
	if err := svc.store.DeleteForDate(ctx, date); err != nil {
		return newStoreError("reset date", date, "", err)
	}
	return nil
}

func (svc *Service) DeleteHourForDate(ctx context.Context, date Date, hour int) error {
	if !IsValidHour(hour) {
		return core.NewValidationError(nil, core.FieldError{
			Field: "hour",
			Error: fmt.Sprintf("hour must be between %d and %d", MinHour, MaxHour),
		})
	}
	if err := svc.store.DeleteHourForDate(ctx, date, hour); err != nil {
		return newStoreError(fmt.Sprintf("reset hour %d", hour), date, "", err)
	}
	return nil
}

// SetSelectedSlots sets the hours of a day that count toward monthly statistics.
// An empty slots list resets to every slot.
func (svc *Service) SetSelectedSlots(ctx context.Context, studentID string, date Date, slots []int) (Record, error) {
	if err := ValidateSlots(slots); err != nil {
		return Record{}, err
	}
	if _, err := svc.students.GetStudent(ctx, studentID); err != nil {
		if errors.Cause(err) == student.ErrNotFound {
			return Record{}, ErrStudentNotFound
		}
		return Record{}, errors.Wrap(err, "getting student")
	}

	var sorted []int
	if len(slots) > 0 {
		sorted = append(sorted, slots...)
		sort.Ints(sorted)
	}
	rec, err := svc.store.SetSelectedSlots(ctx, studentID, date, sorted)
	if err != nil {
		return Record{}, newStoreError("set selected slots", date, studentID, err)
	}
	return rec, nil
}
