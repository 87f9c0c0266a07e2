package attendance_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/attendance"
	"github.com/ccscampus/campus/core/user"
	"github.com/ccscampus/campus/tests"
)

type updates struct {
	sync.Mutex
	list []attendance.RemoteUpdate
}

func (u *updates) add(up attendance.RemoteUpdate) {
	u.Lock()
	defer u.Unlock()
	u.list = append(u.list, up)
}

func (u *updates) all() []attendance.RemoteUpdate {
	u.Lock()
	defer u.Unlock()
	return append([]attendance.RemoteUpdate(nil), u.list...)
}

func (f *fixture) session(t *testing.T, role user.Role) (*attendance.Session, *updates) {
	logger := testutil.NewLogger(testutil.NewConfig())
	sess := attendance.NewSession(f.svc, f.notifier, role, time.Minute, logger)
	ups := new(updates)
	sess.OnRemoteUpdate(ups.add)
	t.Cleanup(sess.Close)
	return sess, ups
}

func TestSession_lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, _ := f.session(t, user.RoleTeacher)

	assert.Equal(t, attendance.StateIdle, sess.State())
	assert.Equal(t, attendance.ErrNotReady, sess.EditHour(f.alice.ID, 1, attendance.StatusPresent, ""))
	assert.Equal(t, attendance.ErrNotReady, sess.Save(ctx))
	assert.Equal(t, attendance.ErrNotReady, sess.Reload(ctx))

	require.NoError(t, sess.LoadDate(ctx, day))
	assert.Equal(t, attendance.StateReady, sess.State())
	assert.Equal(t, day, sess.Date())
	assert.Len(t, sess.Records(), 2)
	assert.Equal(t, 1, f.notifier.Subscribers(day))

	assert.Equal(t, attendance.ErrStudentNotFound, sess.EditHour("nobody", 1, attendance.StatusPresent, ""))
	assert.True(t, core.IsValidationError(sess.EditHour(f.alice.ID, 16, attendance.StatusPresent, "")))
	assert.True(t, core.IsValidationError(sess.EditHour(f.alice.ID, 1, "lol", "")))

	// moving to another date follows that date only
	require.NoError(t, sess.LoadDate(ctx, "2021-03-02"))
	assert.Equal(t, 0, f.notifier.Subscribers(day))
	assert.Equal(t, 1, f.notifier.Subscribers("2021-03-02"))

	sess.Close()
	sess.Close()
	assert.Equal(t, 0, f.notifier.Subscribers("2021-03-02"))
	assert.Equal(t, attendance.ErrSessionClosed, sess.EditHour(f.alice.ID, 1, attendance.StatusPresent, ""))
	assert.Equal(t, attendance.ErrSessionClosed, sess.LoadDate(ctx, day))
}

func TestSession_EditAndSave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, _ := f.session(t, user.RoleTeacher)
	require.NoError(t, sess.LoadDate(ctx, day))

	require.NoError(t, sess.EditHour(f.alice.ID, 1, attendance.StatusPresent, ""))
	require.NoError(t, sess.EditHour(f.alice.ID, 2, attendance.StatusLeave, "  doctor "))
	require.NoError(t, sess.EditHour(f.bob.ID, 1, attendance.StatusAbsent, "ignored"))
	assert.ElementsMatch(t, []string{f.alice.ID, f.bob.ID}, sess.Dirty())

	bob, _ := sess.Record(f.bob.ID)
	assert.False(t, bob.HourlyStatus[0].Reason.Valid, "only leave keeps a reason")

	long := strings.Repeat("x", attendance.MaxReasonLength+1)
	assert.True(t, core.IsValidationError(sess.EditHour(f.alice.ID, 3, attendance.StatusLeave, long)))
	rec, _ := sess.Record(f.alice.ID)
	_, hasHour := rec.Hour(3)
	assert.False(t, hasHour)
	require.NoError(t, sess.EditHour(f.bob.ID, 2, attendance.StatusAbsent, long), "dropped reasons are not checked")

	require.NoError(t, sess.Save(ctx))
	assert.Empty(t, sess.Dirty())
	assert.Empty(t, sess.RecentlyUpdated(), "our own writes are not remote updates")

	alice, ok := sess.Record(f.alice.ID)
	require.True(t, ok)
	assert.Equal(t, 1, alice.Version)
	assert.True(t, alice.IsPersisted())
	assert.Equal(t, "doctor", alice.HourlyStatus[1].Reason.String)

	// nothing dirty: no-op
	require.NoError(t, sess.Save(ctx))
}

func TestSession_SaveFailureKeepsEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, _ := f.session(t, user.RoleTeacher)
	require.NoError(t, sess.LoadDate(ctx, day))

	for h := 1; h <= attendance.MaxPresentHours+1; h++ {
		require.NoError(t, sess.EditHour(f.alice.ID, h, attendance.StatusPresent, ""))
	}
	assert.True(t, core.IsValidationError(sess.Save(ctx)))
	assert.Equal(t, []string{f.alice.ID}, sess.Dirty())
	assert.Equal(t, attendance.StateReady, sess.State())

	// fixing the record lets the retry through
	require.NoError(t, sess.EditHour(f.alice.ID, 13, attendance.StatusAbsent, ""))
	require.NoError(t, sess.Save(ctx))
	assert.Empty(t, sess.Dirty())
}

func TestSession_RemoteUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine, _ := f.session(t, user.RoleTeacher)
	theirs, theirUpdates := f.session(t, user.RoleTeacher)
	require.NoError(t, mine.LoadDate(ctx, day))
	require.NoError(t, theirs.LoadDate(ctx, day))

	require.NoError(t, mine.EditHour(f.alice.ID, 1, attendance.StatusPresent, ""))
	require.NoError(t, mine.Save(ctx))

	ups := theirUpdates.all()
	require.Len(t, ups, 1)
	assert.True(t, ups[0].Applied)
	assert.Equal(t, f.alice.ID, ups[0].Record.StudentID)

	alice, _ := theirs.Record(f.alice.ID)
	assert.Equal(t, 1, alice.Version)
	assert.Len(t, alice.HourlyStatus, 1)
	assert.True(t, theirs.IsRecentlyUpdated(f.alice.ID))
	assert.False(t, theirs.IsRecentlyUpdated(f.bob.ID))

	// stale and foreign date records are ignored
	theirs.RemoteUpdate(attendance.NewRecord(f.alice.ID, day))
	other := attendance.NewRecord(f.bob.ID, "2021-03-02")
	other.Version = 9
	theirs.RemoteUpdate(other)
	assert.Len(t, theirUpdates.all(), 1)

	// a reload clears the highlights
	require.NoError(t, theirs.Reload(ctx))
	assert.Empty(t, theirs.RecentlyUpdated())
}

func TestSession_RemoteUpdateDoesNotClobberEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine, myUpdates := f.session(t, user.RoleTeacher)
	theirs, theirUpdates := f.session(t, user.RoleTeacher)
	require.NoError(t, mine.LoadDate(ctx, day))
	require.NoError(t, theirs.LoadDate(ctx, day))

	require.NoError(t, theirs.EditHour(f.alice.ID, 2, attendance.StatusLate, ""))
	require.NoError(t, mine.EditHour(f.alice.ID, 1, attendance.StatusPresent, ""))
	require.NoError(t, mine.Save(ctx))

	ups := theirUpdates.all()
	require.Len(t, ups, 1)
	assert.False(t, ups[0].Applied)
	assert.True(t, theirs.IsDirty(f.alice.ID))
	assert.True(t, theirs.IsRecentlyUpdated(f.alice.ID))

	local, _ := theirs.Record(f.alice.ID)
	assert.Equal(t, 0, local.Version)
	require.Len(t, local.HourlyStatus, 1)
	assert.Equal(t, 2, local.HourlyStatus[0].Hour)

	// the later save merges both edits
	require.NoError(t, theirs.Save(ctx))
	merged, _ := theirs.Record(f.alice.ID)
	assert.Equal(t, 2, merged.Version)
	assert.Len(t, merged.HourlyStatus, 2)

	mineUps := myUpdates.all()
	require.Len(t, mineUps, 1)
	assert.True(t, mineUps[0].Applied)
	assert.Equal(t, 2, mineUps[0].Record.Version)
}

func TestSession_Reset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	teacher, teacherUpdates := f.session(t, user.RoleTeacher)
	admin, _ := f.session(t, user.RoleAdmin)
	require.NoError(t, teacher.LoadDate(ctx, day))
	require.NoError(t, admin.LoadDate(ctx, day))

	require.NoError(t, teacher.EditHour(f.alice.ID, 1, attendance.StatusPresent, ""))
	require.NoError(t, teacher.EditHour(f.alice.ID, 2, attendance.StatusPresent, ""))
	require.NoError(t, teacher.Save(ctx))

	assert.Equal(t, attendance.ErrForbidden, teacher.ResetDate(ctx))
	assert.Equal(t, attendance.ErrForbidden, teacher.ResetHour(ctx, 1))

	require.NoError(t, admin.ResetHour(ctx, 1))
	alice, _ := admin.Record(f.alice.ID)
	assert.Len(t, alice.HourlyStatus, 1)
	assert.Equal(t, 2, alice.Version)

	require.NoError(t, admin.ResetDate(ctx))
	alice, _ = admin.Record(f.alice.ID)
	assert.Empty(t, alice.HourlyStatus)
	assert.Equal(t, 3, alice.Version, "versions keep increasing across resets")

	// the teacher saw both resets as remote updates
	ups := teacherUpdates.all()
	require.Len(t, ups, 2)
	assert.Equal(t, 3, ups[1].Record.Version)
	assert.Empty(t, ups[1].Record.HourlyStatus)
	assert.True(t, ups[1].Applied)
}

func TestSession_WritersAfterReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	teacher, teacherUpdates := f.session(t, user.RoleTeacher)
	admin, adminUpdates := f.session(t, user.RoleAdmin)
	require.NoError(t, teacher.LoadDate(ctx, day))
	require.NoError(t, admin.LoadDate(ctx, day))

	require.NoError(t, teacher.EditHour(f.alice.ID, 1, attendance.StatusPresent, ""))
	require.NoError(t, teacher.EditHour(f.alice.ID, 2, attendance.StatusPresent, ""))
	require.NoError(t, teacher.Save(ctx))
	require.NoError(t, admin.ResetDate(ctx))

	alice, _ := teacher.Record(f.alice.ID)
	assert.Empty(t, alice.HourlyStatus)
	assert.Equal(t, 2, alice.Version)

	// the admin writes first: the teacher must hear about it
	require.NoError(t, admin.EditHour(f.alice.ID, 5, attendance.StatusAbsent, ""))
	require.NoError(t, admin.Save(ctx))
	ups := teacherUpdates.all()
	require.NotEmpty(t, ups)
	last := ups[len(ups)-1]
	assert.True(t, last.Applied)
	assert.Equal(t, 3, last.Record.Version)

	// then the teacher: both hours survive
	require.NoError(t, teacher.EditHour(f.alice.ID, 6, attendance.StatusLate, ""))
	require.NoError(t, teacher.Save(ctx))

	stored, err := f.store.GetRecords(ctx, attendance.Key{StudentID: f.alice.ID, Date: day})
	require.NoError(t, err)
	rec := stored[attendance.Key{StudentID: f.alice.ID, Date: day}]
	assert.Equal(t, 4, rec.Version)
	var hours []int
	for _, e := range rec.HourlyStatus {
		hours = append(hours, e.Hour)
	}
	assert.Equal(t, []int{5, 6}, hours)

	adminUps := adminUpdates.all()
	require.NotEmpty(t, adminUps)
	assert.Equal(t, 4, adminUps[len(adminUps)-1].Record.Version)
}
