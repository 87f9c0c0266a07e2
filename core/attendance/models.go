package attendance

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/ccscampus/campus/core"
)

const (
	MinHour         = 1
	MaxHour         = 15
	MaxPresentHours = 12

	// MaxReasonLength keeps a full record's change notification under the
	// 8000 bytes PostgreSQL accepts for a NOTIFY payload.
	MaxReasonLength = 64

	DateLayout  = "2006-01-02"
	MonthLayout = "2006-01"
)

type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
	StatusLeave   Status = "leave"
	StatusIn      Status = "in"
	StatusOut     Status = "out"
	StatusExam    Status = "exam"
	StatusMedical Status = "medical"
)

var AllStatuses = []Status{
	StatusPresent, StatusAbsent, StatusLate, StatusLeave,
	StatusIn, StatusOut, StatusExam, StatusMedical,
}

func (s Status) IsValid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// IsPresent reports whether the status counts toward the daily present-hour cap.
func (s Status) IsPresent() bool {
	return s == StatusPresent
}

// TakesReason reports whether a reason is kept alongside the status.
func (s Status) TakesReason() bool {
	return s == StatusLeave
}

func IsValidReason(reason string) bool {
	return utf8.RuneCountInString(reason) <= MaxReasonLength
}

func IsValidHour(hour int) bool {
	return hour >= MinHour && hour <= MaxHour
}

// AllSlots returns every hour slot of a day.
func AllSlots() []int {
	slots := make([]int, 0, MaxHour)
	for h := MinHour; h <= MaxHour; h++ {
		slots = append(slots, h)
	}
	return slots
}

// Date is a calendar date without a time component, formatted as YYYY-MM-DD.
type Date string

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", errors.Wrapf(err, "parsing date %q", s)
	}
	return DateOf(t), nil
}

func DateOf(t time.Time) Date {
	return Date(t.Format(DateLayout))
}

// Time returns midnight UTC of the date.
func (d Date) Time() time.Time {
	t, _ := time.Parse(DateLayout, string(d))
	return t
}

func (d Date) String() string {
	return string(d)
}

func (d Date) IsZero() bool {
	return d == ""
}

// Scan implements the sql.Scanner interface.
func (d *Date) Scan(value interface{}) error {
	switch v := value.(type) {
	case time.Time:
		*d = DateOf(v)
	case []byte:
		return d.parse(string(v))
	case string:
		return d.parse(v)
	case nil:
		*d = ""
	default:
		return fmt.Errorf("attendance: cannot scan %T into Date", value)
	}
	return nil
}

func (d *Date) parse(s string) error {
	if len(s) > len(DateLayout) {
		s = s[:len(DateLayout)]
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Value implements the driver.Valuer interface.
func (d Date) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return string(d), nil
}

type HourEntry struct {
	Hour   int         `json:"hour"`
	Status Status      `json:"status"`
	Time   null.Time   `json:"time"`
	Reason null.String `json:"reason"`
}

// Key identifies one attendance record and its change stream.
type Key struct {
	StudentID string
	Date      Date
}

func (k Key) String() string {
	return k.StudentID + "@" + k.Date.String()
}

type Record struct {
	ID            string      `json:"id,omitempty"` // empty until persisted
	StudentID     string      `json:"student_id"`
	Date          Date        `json:"date"`
	HourlyStatus  []HourEntry `json:"hourly_status"`
	Version       int         `json:"version"`
	SelectedSlots []int       `json:"selected_slots,omitempty"` // nil means every slot
}

// NewRecord returns a not yet persisted record with no hours.
func NewRecord(studentID string, date Date) Record {
	return Record{StudentID: studentID, Date: date, HourlyStatus: []HourEntry{}}
}

func (r Record) Key() Key {
	return Key{StudentID: r.StudentID, Date: r.Date}
}

func (r Record) IsPersisted() bool {
	return r.ID != ""
}

// Cleared is the record left by a reset: no hours, next version. The row is kept
// so the version of its key keeps increasing across resets.
func (r Record) Cleared() Record {
	c := r.Clone()
	c.HourlyStatus = []HourEntry{}
	c.Version = r.Version + 1
	return c
}

func (r Record) Clone() Record {
	c := r
	c.HourlyStatus = append(make([]HourEntry, 0, len(r.HourlyStatus)), r.HourlyStatus...)
	if r.SelectedSlots != nil {
		c.SelectedSlots = append(make([]int, 0, len(r.SelectedSlots)), r.SelectedSlots...)
	}
	return c
}

func (r Record) Hour(hour int) (HourEntry, bool) {
	for _, e := range r.HourlyStatus {
		if e.Hour == hour {
			return e, true
		}
	}
	return HourEntry{}, false
}

// SetHour inserts or replaces the entry for e.Hour, keeping hours ordered.
func (r *Record) SetHour(e HourEntry) {
	for i := range r.HourlyStatus {
		if r.HourlyStatus[i].Hour == e.Hour {
			r.HourlyStatus[i] = e
			return
		}
	}
	r.HourlyStatus = append(r.HourlyStatus, e)
	sortHours(r.HourlyStatus)
}

// RemoveHour drops the entry for hour and reports whether it existed.
func (r *Record) RemoveHour(hour int) bool {
	for i, e := range r.HourlyStatus {
		if e.Hour == hour {
			r.HourlyStatus = append(r.HourlyStatus[:i:i], r.HourlyStatus[i+1:]...)
			return true
		}
	}
	return false
}

func (r Record) PresentCount() int {
	var n int
	for _, e := range r.HourlyStatus {
		if e.Status.IsPresent() {
			n++
		}
	}
	return n
}

// Slots returns the hours counted toward monthly statistics.
func (r Record) Slots() []int {
	if r.SelectedSlots == nil {
		return AllSlots()
	}
	return r.SelectedSlots
}

func sortHours(entries []HourEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Hour < entries[j].Hour })
}

// ValidateRecord checks hour ranges, uniqueness, statuses and the present-hour cap.
func ValidateRecord(rec Record) error {
	var flds []core.FieldError
	seen := make(map[int]bool, len(rec.HourlyStatus))
	for _, e := range rec.HourlyStatus {
		switch {
		case !IsValidHour(e.Hour):
			flds = append(flds, core.FieldError{
				Field: rec.StudentID,
				Error: fmt.Sprintf("hour %d is out of range [%d, %d]", e.Hour, MinHour, MaxHour),
			})
		case seen[e.Hour]:
			flds = append(flds, core.FieldError{
				Field: rec.StudentID,
				Error: fmt.Sprintf("hour %d is set more than once", e.Hour),
			})
		case !e.Status.IsValid():
			flds = append(flds, core.FieldError{
				Field: rec.StudentID,
				Error: fmt.Sprintf("hour %d has an invalid status %q", e.Hour, e.Status),
			})
		case !IsValidReason(e.Reason.String):
			flds = append(flds, core.FieldError{
				Field: rec.StudentID,
				Error: fmt.Sprintf("hour %d has a reason longer than %d characters", e.Hour, MaxReasonLength),
			})
		}
		seen[e.Hour] = true
	}
	if n := rec.PresentCount(); n > MaxPresentHours {
		flds = append(flds, core.FieldError{
			Field: rec.StudentID,
			Error: fmt.Sprintf("student %s has %d hours marked present, at most %d are allowed", rec.StudentID, n, MaxPresentHours),
		})
	}
	if len(flds) > 0 {
		return core.NewValidationError(nil, flds...)
	}
	return nil
}

// ValidateRecords validates every record and reports all offending students at once.
func ValidateRecords(recs []Record) error {
	var flds []core.FieldError
	for _, rec := range recs {
		if err := ValidateRecord(rec); err != nil {
			flds = append(flds, err.(*core.ValidationError).Fields...)
		}
	}
	if len(flds) > 0 {
		return core.NewValidationError(nil, flds...)
	}
	return nil
}

// ValidateSlots checks a selected slots list: hours in range, no duplicates.
func ValidateSlots(slots []int) error {
	seen := make(map[int]bool, len(slots))
	for _, h := range slots {
		if !IsValidHour(h) {
			return core.NewValidationError(nil, core.FieldError{
				Field: "hours",
				Error: fmt.Sprintf("hour %d is out of range [%d, %d]", h, MinHour, MaxHour),
			})
		}
		if seen[h] {
			return core.NewValidationError(nil, core.FieldError{
				Field: "hours",
				Error: fmt.Sprintf("hour %d is listed more than once", h),
			})
		}
		seen[h] = true
	}
	return nil
}
