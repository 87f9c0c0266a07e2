package attendance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/attendance"
	"github.com/ccscampus/campus/core/student"
	dummydb "github.com/ccscampus/campus/storage/database/dummy"
	"github.com/ccscampus/campus/tests"
)

const day = attendance.Date("2021-03-01")

type fixture struct {
	db       *dummydb.DB
	store    attendance.Store
	students student.Repository
	svc      *attendance.Service
	notifier *attendance.NotifierService
	alice    student.Student
	bob      student.Student
}

func newFixture(t *testing.T, wrap ...func(attendance.Store) attendance.Store) *fixture {
	db, err := dummydb.Open()
	require.NoError(t, err)

	conf := testutil.NewConfig()
	logger := testutil.NewLogger(conf)

	f := &fixture{db: db, store: dummydb.NewAttendanceRepository(db), students: dummydb.NewStudentRepository(db)}
	store := f.store
	for _, w := range wrap {
		store = w(store)
	}
	f.svc = attendance.NewService(store, f.students, conf, logger)
	f.notifier = attendance.NewNotifierService(db.Feed(), logger)
	f.alice = testutil.CreateStudent(t, f.students, "Alice", "alice@test.cd", true)
	f.bob = testutil.CreateStudent(t, f.students, "Bob", "bob@test.cd", true)
	testutil.CreateStudent(t, f.students, "Zed", "zed@test.cd", false)
	return f
}

func stamp(min int) null.Time {
	return null.TimeFrom(time.Date(2021, 3, 1, 8, min, 0, 0, time.UTC))
}

func withHours(studentID string, version int, entries ...attendance.HourEntry) attendance.Record {
	rec := attendance.NewRecord(studentID, day)
	rec.Version = version
	for _, e := range entries {
		rec.SetHour(e)
	}
	return rec
}

func present(hours ...int) []attendance.HourEntry {
	entries := make([]attendance.HourEntry, 0, len(hours))
	for _, h := range hours {
		entries = append(entries, attendance.HourEntry{Hour: h, Status: attendance.StatusPresent, Time: stamp(h)})
	}
	return entries
}

func hoursRange(from, to int) []int {
	var hours []int
	for h := from; h <= to; h++ {
		hours = append(hours, h)
	}
	return hours
}

func TestService_FetchForDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recs, err := f.svc.FetchForDate(ctx, day)
	require.NoError(t, err)
	require.Len(t, recs, 2, "one record per active student")
	assert.Equal(t, f.alice.ID, recs[0].StudentID)
	assert.Equal(t, 0, recs[0].Version)
	assert.False(t, recs[0].IsPersisted())
}

func TestService_Save(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	saved, err := f.svc.Save(ctx, []attendance.Record{
		withHours(f.alice.ID, 0, present(1, 2)...),
		withHours(f.bob.ID, 0, attendance.HourEntry{Hour: 1, Status: attendance.StatusLeave, Reason: null.StringFrom("sick")}),
	})
	require.NoError(t, err)
	require.Len(t, saved, 2)
	for _, rec := range saved {
		assert.Equal(t, 1, rec.Version)
		assert.True(t, rec.IsPersisted())
	}

	recs, err := f.svc.FetchForDate(ctx, day)
	require.NoError(t, err)
	assert.Len(t, recs[0].HourlyStatus, 2)
	assert.Equal(t, "sick", recs[1].HourlyStatus[0].Reason.String)
}

func TestService_Save_rejects(t *testing.T) {
	tests := []struct {
		name    string
		recs    func(f *fixture) []attendance.Record
		wantErr func(t *testing.T, err error)
	}{
		{
			name: "present cap exceeded",
			recs: func(f *fixture) []attendance.Record {
				return []attendance.Record{
					withHours(f.alice.ID, 0, present(1)...),
					withHours(f.bob.ID, 0, present(hoursRange(1, 13)...)...),
				}
			},
			wantErr: func(t *testing.T, err error) { assert.True(t, core.IsValidationError(err), "%v", err) },
		},
		{
			name: "student twice",
			recs: func(f *fixture) []attendance.Record {
				return []attendance.Record{withHours(f.alice.ID, 0, present(1)...), withHours(f.alice.ID, 0, present(2)...)}
			},
			wantErr: func(t *testing.T, err error) { assert.True(t, core.IsValidationError(err), "%v", err) },
		},
		{
			name: "unknown student",
			recs: func(f *fixture) []attendance.Record {
				return []attendance.Record{withHours(f.alice.ID, 0, present(1)...), withHours("nobody", 0, present(1)...)}
			},
			wantErr: func(t *testing.T, err error) {
				assert.True(t, errors.Is(err, attendance.ErrStudentNotFound), "%v", err)
				var sErr *attendance.StoreError
				assert.True(t, errors.As(err, &sErr))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Save(context.Background(), tt.recs(f))
			require.Error(t, err)
			tt.wantErr(t, err)

			// nothing of the batch was written
			stored, err := f.store.GetRecords(context.Background(), attendance.Key{StudentID: f.alice.ID, Date: day})
			require.NoError(t, err)
			assert.Empty(t, stored)
		})
	}
}

func TestService_Save_mergesConcurrentWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// both operators loaded version 0
	_, err := f.svc.Save(ctx, []attendance.Record{withHours(f.alice.ID, 0, present(2)...)})
	require.NoError(t, err)
	saved, err := f.svc.Save(ctx, []attendance.Record{withHours(f.alice.ID, 0, present(1)...)})
	require.NoError(t, err)

	require.Len(t, saved, 1)
	assert.Equal(t, 2, saved[0].Version)
	assert.Len(t, saved[0].HourlyStatus, 2)
}

func TestService_Save_mergeOverCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, []attendance.Record{withHours(f.alice.ID, 0, present(hoursRange(1, 7)...)...)})
	require.NoError(t, err)
	_, err = f.svc.Save(ctx, []attendance.Record{withHours(f.alice.ID, 0, present(hoursRange(8, 13)...)...)})
	assert.True(t, core.IsValidationError(err), "the merged record holds 13 present hours: %v", err)
}

// racingStore writes a competing record right after the service read the latest ones.
type racingStore struct {
	attendance.Store
	once    sync.Once
	compete attendance.Record
	upserts int
}

func (s *racingStore) GetRecords(ctx context.Context, keys ...attendance.Key) (map[attendance.Key]attendance.Record, error) {
	recs, err := s.Store.GetRecords(ctx, keys...)
	s.once.Do(func() {
		_, _ = s.Store.UpsertBatch(ctx, []attendance.Record{s.compete})
	})
	return recs, err
}

func (s *racingStore) UpsertBatch(ctx context.Context, recs []attendance.Record) ([]attendance.Record, error) {
	s.upserts++
	return s.Store.UpsertBatch(ctx, recs)
}

func TestService_Save_retriesStaleWrites(t *testing.T) {
	var racer *racingStore
	f := newFixture(t, func(store attendance.Store) attendance.Store {
		racer = &racingStore{Store: store}
		return racer
	})
	racer.compete = withHours(f.alice.ID, 1, present(5)...)

	saved, err := f.svc.Save(context.Background(), []attendance.Record{withHours(f.alice.ID, 0, present(1)...)})
	require.NoError(t, err)
	assert.Equal(t, 2, racer.upserts)
	require.Len(t, saved, 1)
	assert.Equal(t, 2, saved[0].Version)
	assert.Len(t, saved[0].HourlyStatus, 2)
}

func TestService_DeleteHourForDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, []attendance.Record{
		withHours(f.alice.ID, 0, present(1, 2)...),
		withHours(f.bob.ID, 0, present(2)...),
	})
	require.NoError(t, err)

	var changes []attendance.Record
	unsub, err := f.notifier.Subscribe(ctx, day, func(r attendance.Record) { changes = append(changes, r) })
	require.NoError(t, err)
	defer unsub()

	assert.True(t, core.IsValidationError(f.svc.DeleteHourForDate(ctx, day, 16)))
	require.NoError(t, f.svc.DeleteHourForDate(ctx, day, 2))

	stored, err := f.store.GetRecords(ctx,
		attendance.Key{StudentID: f.alice.ID, Date: day},
		attendance.Key{StudentID: f.bob.ID, Date: day})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	alice := stored[attendance.Key{StudentID: f.alice.ID, Date: day}]
	assert.Equal(t, 2, alice.Version)
	assert.Len(t, alice.HourlyStatus, 1)
	bob := stored[attendance.Key{StudentID: f.bob.ID, Date: day}]
	assert.Equal(t, 2, bob.Version, "a record left with no hour keeps its version")
	assert.Empty(t, bob.HourlyStatus)

	require.Len(t, changes, 2)
	for _, c := range changes {
		if c.StudentID == f.bob.ID {
			assert.Empty(t, c.HourlyStatus)
			assert.Equal(t, 2, c.Version)
		}
	}
}

func TestService_DeleteForDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, []attendance.Record{withHours(f.alice.ID, 0, present(1)...)})
	require.NoError(t, err)
	_, err = f.svc.SetSelectedSlots(ctx, f.alice.ID, day, []int{1})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteForDate(ctx, day))

	recs, err := f.svc.FetchForDate(ctx, day)
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Empty(t, rec.HourlyStatus)
		assert.Nil(t, rec.SelectedSlots)
		switch rec.StudentID {
		case f.alice.ID:
			assert.Equal(t, 2, rec.Version)
		case f.bob.ID:
			assert.Equal(t, 0, rec.Version, "nothing to reset")
		}
	}

	// a stale writer from before the reset has to merge with the cleared row
	_, err = f.svc.Save(ctx, []attendance.Record{withHours(f.alice.ID, 1, present(3)...)})
	require.NoError(t, err)
	stored, err := f.store.GetRecords(ctx, attendance.Key{StudentID: f.alice.ID, Date: day})
	require.NoError(t, err)
	assert.Equal(t, 3, stored[attendance.Key{StudentID: f.alice.ID, Date: day}].Version)
}

func TestService_SetSelectedSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.SetSelectedSlots(ctx, f.alice.ID, day, []int{3, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, rec.SelectedSlots)

	// saving hours does not touch the slots
	saved, err := f.svc.Save(ctx, []attendance.Record{withHours(f.alice.ID, rec.Version, present(1)...)})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, saved[0].SelectedSlots)

	rec, err = f.svc.SetSelectedSlots(ctx, f.alice.ID, day, nil)
	require.NoError(t, err)
	assert.Nil(t, rec.SelectedSlots)
	assert.Equal(t, attendance.AllSlots(), rec.Slots())

	_, err = f.svc.SetSelectedSlots(ctx, "nobody", day, []int{1})
	assert.Equal(t, attendance.ErrStudentNotFound, err)
	_, err = f.svc.SetSelectedSlots(ctx, f.alice.ID, day, []int{0})
	assert.True(t, core.IsValidationError(err))
}

func TestService_MonthlyStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, []attendance.Record{withHours(f.alice.ID, 0,
		attendance.HourEntry{Hour: 1, Status: attendance.StatusPresent, Time: stamp(1)},
		attendance.HourEntry{Hour: 2, Status: attendance.StatusAbsent, Time: stamp(2)},
	)})
	require.NoError(t, err)

	month, err := attendance.ParseMonth("2021-03")
	require.NoError(t, err)
	stats, err := f.svc.MonthlyStats(ctx, f.alice.ID, month)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Days)
	assert.Equal(t, 50.0, stats.PresentPercent)

	_, err = f.svc.MonthlyStats(ctx, "nobody", month)
	assert.Equal(t, attendance.ErrStudentNotFound, err)
}
