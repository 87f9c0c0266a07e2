package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/volatiletech/null/v8"
)

func at(min int) null.Time {
	return null.TimeFrom(time.Date(2021, 3, 1, 8, min, 0, 0, time.UTC))
}

func entry(hour int, st Status, t null.Time) HourEntry {
	return HourEntry{Hour: hour, Status: st, Time: t}
}

func record(version int, entries ...HourEntry) Record {
	rec := NewRecord("s1", "2021-03-01")
	rec.Version = version
	for _, e := range entries {
		rec.SetHour(e)
	}
	return rec
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		local  Record
		remote Record
		want   Record
	}{
		{
			name:   "no remote: local wins, version bumped",
			local:  record(0, entry(1, StatusPresent, at(0))),
			remote: Record{},
			want:   record(1, entry(1, StatusPresent, at(0))),
		},
		{
			name:   "remote not newer: local wins whole",
			local:  record(3, entry(1, StatusAbsent, at(0))),
			remote: record(3, entry(1, StatusPresent, at(5)), entry(2, StatusPresent, at(5))),
			want:   record(4, entry(1, StatusAbsent, at(0))),
		},
		{
			name:   "disjoint hours are unioned",
			local:  record(1, entry(1, StatusPresent, at(0))),
			remote: record(2, entry(2, StatusLate, at(1))),
			want:   record(3, entry(1, StatusPresent, at(0)), entry(2, StatusLate, at(1))),
		},
		{
			name:   "later remote entry wins",
			local:  record(1, entry(1, StatusAbsent, at(0))),
			remote: record(2, entry(1, StatusPresent, at(9))),
			want:   record(3, entry(1, StatusPresent, at(9))),
		},
		{
			name:   "later local entry wins",
			local:  record(1, entry(1, StatusAbsent, at(9))),
			remote: record(2, entry(1, StatusPresent, at(0))),
			want:   record(3, entry(1, StatusAbsent, at(9))),
		},
		{
			name:   "tie keeps local",
			local:  record(1, entry(1, StatusAbsent, at(4))),
			remote: record(2, entry(1, StatusPresent, at(4))),
			want:   record(3, entry(1, StatusAbsent, at(4))),
		},
		{
			name:   "missing remote time loses",
			local:  record(1, entry(1, StatusAbsent, at(0))),
			remote: record(2, entry(1, StatusPresent, null.Time{})),
			want:   record(3, entry(1, StatusAbsent, at(0))),
		},
		{
			name:   "missing local time loses",
			local:  record(1, entry(1, StatusAbsent, null.Time{})),
			remote: record(2, entry(1, StatusPresent, at(0))),
			want:   record(3, entry(1, StatusPresent, at(0))),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.local, tt.remote)
			assert.Equal(t, tt.want.Version, got.Version)
			assert.Equal(t, tt.want.HourlyStatus, got.HourlyStatus)
		})
	}
}

func TestResolve_keepsIdentityAndSlots(t *testing.T) {
	remote := record(2, entry(1, StatusPresent, at(0)))
	remote.ID = "rec-1"
	remote.SelectedSlots = []int{1, 2}

	got := Resolve(record(1), remote)
	assert.Equal(t, "rec-1", got.ID)
	assert.Equal(t, []int{1, 2}, got.SelectedSlots)

	// the inputs are not aliased
	got.SelectedSlots[0] = 9
	assert.Equal(t, []int{1, 2}, remote.SelectedSlots)
}
