package attendance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/user"
)

var (
	ErrSessionClosed  = errors.New("attendance session is closed")
	ErrSaveInProgress = errors.New("a save is already in progress")
	ErrLoadInProgress = errors.New("a load is already in progress")
	ErrNotReady       = errors.New("no date loaded")
	ErrForbidden      = errors.New("role is not allowed to perform this action")
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateSaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateSaving:
		return "saving"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// RemoteUpdate is a write made elsewhere that reached a session.
// Applied is false when the session kept its own unsaved copy of the record.
type RemoteUpdate struct {
	Record  Record
	Applied bool
}

// Session holds one operator's view of a date: loaded records, unsaved edits
// and the students recently updated by someone else.
type Session struct {
	svc      *Service
	notifier *NotifierService
	role     user.Role
	logger   core.Logger

	mu          sync.Mutex
	state       State
	closed      bool
	date        Date
	order       []string
	records     map[string]Record
	dirty       map[string]uint64 // studentID: edit generation
	gen         uint64
	recent      *ExpiringSet
	unsubscribe func()
	onRemote    func(RemoteUpdate)

	inFlight map[string]bool   // students being saved
	deferred map[string]Record // remote updates received for inFlight students
}

func NewSession(svc *Service, notifier *NotifierService, role user.Role, recentTTL time.Duration, logger core.Logger) *Session {
	return &Session{
		svc:      svc,
		notifier: notifier,
		role:     role,
		logger:   logger,
		records:  make(map[string]Record),
		dirty:    make(map[string]uint64),
		recent:   NewExpiringSet(recentTTL),
	}
}

// OnRemoteUpdate sets the callback invoked after each remote update was reconciled.
func (s *Session) OnRemoteUpdate(fn func(RemoteUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemote = fn
}

func (s *Session) Role() user.Role {
	return s.role
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Date() Date {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.date
}

// LoadDate loads every record of date, dropping unsaved edits,
// and follows the changes made to that date elsewhere.
func (s *Session) LoadDate(ctx context.Context, date Date) error {
	s.mu.Lock()
	if err := s.checkIdleOrReady(); err != nil {
		s.mu.Unlock()
		return err
	}
	prev, prevDate := s.state, s.date
	s.state = StateLoading
	s.mu.Unlock()

	if date != prevDate {
		if err := s.follow(ctx, date); err != nil {
			s.mu.Lock()
			s.state = prev
			s.mu.Unlock()
			return err
		}
	}

	recs, err := s.svc.FetchForDate(ctx, date)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err != nil {
		if date == prevDate {
			s.state = prev
		} else {
			s.state = StateIdle // the previous date is no longer followed
			s.date = date
			s.replace(nil, false)
		}
		s.logger.Error(fmt.Sprintf("attendance: loading %s: %v", date, err), err)
		return err
	}
	s.date = date
	s.replace(recs, false)
	s.recent.Clear()
	s.state = StateReady
	return nil
}

// follow moves the change subscription to date.
func (s *Session) follow(ctx context.Context, date Date) error {
	unsub, err := s.notifier.Subscribe(ctx, date, s.RemoteUpdate)
	if err != nil {
		return newStoreError("subscribe", date, "", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		return ErrSessionClosed
	}
	old := s.unsubscribe
	s.unsubscribe = unsub
	s.mu.Unlock()

	if old != nil {
		old()
	}
	return nil
}

// replace swaps the loaded records; keepDirty preserves unsaved local copies.
// Callers hold s.mu.
func (s *Session) replace(recs []Record, keepDirty bool) {
	records := make(map[string]Record, len(recs))
	order := make([]string, 0, len(recs))
	for _, rec := range recs {
		if keepDirty {
			if _, ok := s.dirty[rec.StudentID]; ok {
				if local, ok := s.records[rec.StudentID]; ok {
					rec = local
				}
			}
		}
		records[rec.StudentID] = rec
		order = append(order, rec.StudentID)
	}
	if keepDirty {
		for id := range s.dirty {
			if _, ok := records[id]; !ok {
				if local, ok := s.records[id]; ok {
					records[id] = local
					order = append(order, id)
				}
			}
		}
	} else {
		s.dirty = make(map[string]uint64)
	}
	s.records = records
	s.order = order
}

// EditHour sets the status of one hour for a student. The change stays local until Save.
func (s *Session) EditHour(studentID string, hour int, status Status, reason string) error {
	if !s.role.CanMarkAttendance() {
		return ErrForbidden
	}
	if !IsValidHour(hour) {
		return core.NewValidationError(nil, core.FieldError{
			Field: "hour",
			Error: fmt.Sprintf("hour must be between %d and %d", MinHour, MaxHour),
		})
	}
	if !status.IsValid() {
		return core.NewValidationError(nil, core.FieldError{
			Field: "status",
			Error: fmt.Sprintf("invalid attendance status %q", status),
		})
	}
	reason = core.CleanString(reason)
	if !status.TakesReason() {
		reason = ""
	}
	if !IsValidReason(reason) {
		return core.NewValidationError(nil, core.FieldError{
			Field: "reason",
			Error: fmt.Sprintf("reason must be at most %d characters", MaxReasonLength),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != StateReady && s.state != StateSaving {
		return ErrNotReady
	}
	rec, ok := s.records[studentID]
	if !ok {
		return ErrStudentNotFound
	}

	entry := HourEntry{Hour: hour, Status: status, Time: null.TimeFrom(NowFunc().UTC())}
	if reason != "" {
		entry.Reason = null.StringFrom(reason)
	}
	rec = rec.Clone()
	rec.SetHour(entry)
	s.records[studentID] = rec

	s.gen++
	s.dirty[studentID] = s.gen
	return nil
}

// RemoteUpdate reconciles a record written elsewhere. Records of other dates and
// versions not newer than the local one are ignored. A student with unsaved local
// edits keeps them; the student is only flagged as recently updated.
func (s *Session) RemoteUpdate(rec Record) {
	s.mu.Lock()
	if s.closed || rec.Date != s.date {
		s.mu.Unlock()
		return
	}
	if s.state == StateSaving && s.inFlight[rec.StudentID] {
		if d, ok := s.deferred[rec.StudentID]; !ok || rec.Version > d.Version {
			s.deferred[rec.StudentID] = rec
		}
		s.mu.Unlock()
		return
	}
	update, ok := s.reconcile(rec)
	cb := s.onRemote
	s.mu.Unlock()

	if ok && cb != nil {
		cb(update)
	}
}

// reconcile applies rec to the local state. Callers hold s.mu.
func (s *Session) reconcile(rec Record) (RemoteUpdate, bool) {
	local, ok := s.records[rec.StudentID]
	if ok && rec.Version <= local.Version {
		return RemoteUpdate{}, false
	}
	s.recent.Add(rec.StudentID)
	if _, dirty := s.dirty[rec.StudentID]; dirty {
		return RemoteUpdate{Record: rec, Applied: false}, true
	}
	if !ok {
		s.order = append(s.order, rec.StudentID)
	}
	s.records[rec.StudentID] = rec
	return RemoteUpdate{Record: rec, Applied: true}, true
}

// Save writes every student with unsaved edits in one batch. Edits made while
// the save is in flight stay unsaved. On failure, every edit is kept for a retry.
func (s *Session) Save(ctx context.Context) error {
	if !s.role.CanMarkAttendance() {
		return ErrForbidden
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	switch s.state {
	case StateSaving:
		s.mu.Unlock()
		return ErrSaveInProgress
	case StateReady:
	default:
		s.mu.Unlock()
		return ErrNotReady
	}
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}

	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	gens := make(map[string]uint64, len(ids))
	batch := make([]Record, 0, len(ids))
	for _, id := range ids {
		gens[id] = s.dirty[id]
		batch = append(batch, s.records[id].Clone())
	}
	if err := ValidateRecords(batch); err != nil {
		s.mu.Unlock()
		return err
	}
	date := s.date
	s.state = StateSaving
	s.inFlight = make(map[string]bool, len(ids))
	for _, id := range ids {
		s.inFlight[id] = true
	}
	s.deferred = make(map[string]Record)
	s.mu.Unlock()

	saved, err := s.svc.Save(ctx, batch)
	var fresh []Record
	var reloadErr error
	if err == nil {
		fresh, reloadErr = s.svc.FetchForDate(ctx, date)
	}

	s.mu.Lock()
	s.state = StateReady
	deferred := s.deferred
	s.inFlight, s.deferred = nil, nil
	if s.closed {
		s.mu.Unlock()
		return err
	}

	var updates []RemoteUpdate
	if err != nil {
		s.logger.Error(fmt.Sprintf("attendance: saving %s: %v", date, err), err)
	} else {
		savedVersions := make(map[string]int, len(saved))
		for _, rec := range saved {
			savedVersions[rec.StudentID] = rec.Version
		}
		for id, g := range gens {
			if s.dirty[id] == g {
				delete(s.dirty, id)
			}
		}
		if reloadErr != nil {
			s.logger.Error(fmt.Sprintf("attendance: reloading %s after save: %v", date, reloadErr), reloadErr)
			for _, rec := range saved {
				if _, dirty := s.dirty[rec.StudentID]; !dirty {
					s.records[rec.StudentID] = rec
				}
			}
		} else {
			s.replace(fresh, true)
		}
		// our own writes echoed back by the change feed are not remote updates,
		// older ones were merged into the save
		for id, rec := range deferred {
			if v, ok := savedVersions[id]; ok && rec.Version <= v {
				if rec.Version < v {
					s.recent.Add(id)
				}
				delete(deferred, id)
			}
		}
	}
	for _, rec := range deferred {
		if u, ok := s.reconcile(rec); ok {
			updates = append(updates, u)
		}
	}
	cb := s.onRemote
	s.mu.Unlock()

	if cb != nil {
		for _, u := range updates {
			cb(u)
		}
	}
	return err
}

// ResetDate deletes every record of the loaded date, then reloads it.
func (s *Session) ResetDate(ctx context.Context) error {
	return s.reset(ctx, func(date Date) error { return s.svc.DeleteForDate(ctx, date) })
}

// ResetHour removes hour from every record of the loaded date, then reloads it.
func (s *Session) ResetHour(ctx context.Context, hour int) error {
	return s.reset(ctx, func(date Date) error { return s.svc.DeleteHourForDate(ctx, date, hour) })
}

func (s *Session) reset(ctx context.Context, del func(Date) error) error {
	if !s.role.CanResetAttendance() {
		return ErrForbidden
	}
	s.mu.Lock()
	if err := s.checkIdleOrReady(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state != StateReady {
		s.mu.Unlock()
		return ErrNotReady
	}
	date := s.date
	s.mu.Unlock()

	if err := del(date); err != nil {
		s.logger.Error(fmt.Sprintf("attendance: resetting %s: %v", date, err), err)
		return err
	}
	return s.LoadDate(ctx, date)
}

// Reload reloads the loaded date, dropping unsaved edits.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	date := s.date
	s.mu.Unlock()
	if date.IsZero() {
		return ErrNotReady
	}
	return s.LoadDate(ctx, date)
}

// checkIdleOrReady is called with s.mu held.
func (s *Session) checkIdleOrReady() error {
	if s.closed {
		return ErrSessionClosed
	}
	switch s.state {
	case StateSaving:
		return ErrSaveInProgress
	case StateLoading:
		return ErrLoadInProgress
	}
	return nil
}

// Records returns the loaded records in load order, unsaved edits included.
func (s *Session) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		recs = append(recs, s.records[id].Clone())
	}
	return recs
}

func (s *Session) Record(studentID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[studentID]
	return rec.Clone(), ok
}

// Dirty returns the students with unsaved edits, sorted.
func (s *Session) Dirty() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Session) IsDirty(studentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dirty[studentID]
	return ok
}

// RecentlyUpdated returns the students recently updated by someone else, sorted.
func (s *Session) RecentlyUpdated() []string {
	return s.recent.Keys()
}

func (s *Session) IsRecentlyUpdated(studentID string) bool {
	return s.recent.Has(studentID)
}

// Close stops following changes and cancels pending expirations.
// Later remote updates are ignored. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.recent.Close()
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
