package attendance

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"

	"github.com/ccscampus/campus/core"
)

var (
	hourTag  = "hour"
	hourText = "hour must be between 1 and 15"

	statusTag  = "attendance_status"
	statusText = "invalid attendance status"
)

// InitValidators registers the attendance validators & their translations.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(hourTag, hourValidation)
	core.RegisterCustomTranslation(validate, translator, hourTag, hourText)

	_ = validate.RegisterValidation(statusTag, statusValidation)
	core.RegisterCustomTranslation(validate, translator, statusTag, statusText)
}

func hourValidation(fl validator.FieldLevel) bool {
	return IsValidHour(int(fl.Field().Int()))
}

func statusValidation(fl validator.FieldLevel) bool {
	if st, ok := fl.Field().Interface().(Status); ok {
		return st.IsValid()
	}
	return false
}

type (
	HourInput struct {
		Hour   int         `json:"hour" validate:"hour"`
		Status Status      `json:"status" validate:"required,attendance_status"`
		Time   null.Time   `json:"time"`
		Reason null.String `json:"reason"`
	}

	RecordInput struct {
		StudentID    string      `json:"student_id" validate:"required,uuid"`
		Version      int         `json:"version" validate:"gte=0"`
		HourlyStatus []HourInput `json:"hourly_status" validate:"dive"`
	}

	// SaveInput is a batch of edited records for one date.
	SaveInput struct {
		Records []RecordInput `json:"records" validate:"required,min=1,dive"`
	}

	SlotsInput struct {
		Hours []int `json:"hours" validate:"dive,hour"`
	}
)

// ToRecords builds the records to save on date. Hours sent without a time, or with
// a time in the future, are stamped now.
func (in SaveInput) ToRecords(date Date) []Record {
	now := NowFunc().UTC()
	recs := make([]Record, 0, len(in.Records))
	for _, ri := range in.Records {
		rec := NewRecord(ri.StudentID, date)
		rec.Version = ri.Version
		for _, hi := range ri.HourlyStatus {
			e := HourEntry{Hour: hi.Hour, Status: hi.Status, Time: hi.Time}
			if !e.Time.Valid || e.Time.Time.After(now) {
				e.Time = null.TimeFrom(now)
			}
			if hi.Status.TakesReason() && hi.Reason.Valid && core.CleanString(hi.Reason.String) != "" {
				e.Reason = null.StringFrom(core.CleanString(hi.Reason.String))
			}
			rec.HourlyStatus = append(rec.HourlyStatus, e)
		}
		sortHours(rec.HourlyStatus)
		recs = append(recs, rec)
	}
	return recs
}
