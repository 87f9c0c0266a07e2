package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/student"
)

type MonthlyStats struct {
	StudentID      string         `json:"student_id"`
	Month          string         `json:"month"` // YYYY-MM
	Days           int            `json:"days"`
	CountedHours   int            `json:"counted_hours"`
	Counts         map[Status]int `json:"counts"`
	PresentPercent float64        `json:"present_percent"`
}

// ParseMonth parses a YYYY-MM month into its first day.
func ParseMonth(s string) (time.Time, error) {
	t, err := time.Parse(MonthLayout, s)
	if err != nil {
		return time.Time{}, core.NewValidationError(nil, core.FieldError{Field: "month", Error: "month must be formatted as YYYY-MM"})
	}
	return t, nil
}

// MonthlyStats counts the statuses of a student's selected hours over a month.
// Late hours count as attended.
func (svc *Service) MonthlyStats(ctx context.Context, studentID string, month time.Time) (MonthlyStats, error) {
	if _, err := svc.students.GetStudent(ctx, studentID); err != nil {
		if errors.Cause(err) == student.ErrNotFound {
			return MonthlyStats{}, ErrStudentNotFound
		}
		return MonthlyStats{}, errors.Wrap(err, "getting student")
	}

	first := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	recs, err := svc.store.ListForStudent(ctx, studentID, DateOf(first), DateOf(last))
	if err != nil {
		return MonthlyStats{}, newStoreError("list month", DateOf(first), studentID, err)
	}
	return ComputeMonthlyStats(studentID, first, recs), nil
}

// ComputeMonthlyStats aggregates recs, which must all belong to studentID and month.
func ComputeMonthlyStats(studentID string, month time.Time, recs []Record) MonthlyStats {
	stats := MonthlyStats{
		StudentID: studentID,
		Month:     month.Format(MonthLayout),
		Counts:    make(map[Status]int, len(AllStatuses)),
	}
	for _, st := range AllStatuses {
		stats.Counts[st] = 0
	}

	for _, rec := range recs {
		slots := make(map[int]bool, MaxHour)
		for _, h := range rec.Slots() {
			slots[h] = true
		}
		var counted bool
		for _, e := range rec.HourlyStatus {
			if !slots[e.Hour] {
				continue
			}
			stats.Counts[e.Status]++
			stats.CountedHours++
			counted = true
		}
		if counted {
			stats.Days++
		}
	}

	if stats.CountedHours > 0 {
		attended := stats.Counts[StatusPresent] + stats.Counts[StatusLate]
		pct := decimal.NewFromInt(int64(attended * 100)).
			DivRound(decimal.NewFromInt(int64(stats.CountedHours)), 2)
		stats.PresentPercent, _ = pct.Float64()
	}
	return stats
}

func (s MonthlyStats) String() string {
	return fmt.Sprintf("%s %s: %.2f%% over %d hours", s.StudentID, s.Month, s.PresentPercent, s.CountedHours)
}
