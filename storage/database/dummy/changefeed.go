package dummydb

import (
	"context"
	"sync"

	"github.com/ccscampus/campus/core/attendance"
)

// ChangeFeed delivers the attendance writes of a DB synchronously, in write order.
// Listeners must not write to the DB from their callback.
type ChangeFeed struct {
	mu        sync.RWMutex
	listeners map[attendance.Date]map[uint64]func(attendance.Record)
	lastID    uint64
	listens   int

	deliverMu sync.Mutex
}

var _ attendance.ChangeFeed = (*ChangeFeed)(nil) // interface compliance check

func newChangeFeed() *ChangeFeed {
	return &ChangeFeed{listeners: make(map[attendance.Date]map[uint64]func(attendance.Record))}
}

func (f *ChangeFeed) Listen(_ context.Context, date attendance.Date, onChange func(attendance.Record)) (attendance.FeedChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastID++
	if f.listeners[date] == nil {
		f.listeners[date] = make(map[uint64]func(attendance.Record))
	}
	f.listeners[date][f.lastID] = onChange
	f.listens++
	return &feedChannel{feed: f, date: date, id: f.lastID}, nil
}

// OpenChannels returns the number of open channels on date.
func (f *ChangeFeed) OpenChannels(date attendance.Date) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners[date])
}

// Listens returns the number of channels ever opened.
func (f *ChangeFeed) Listens() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.listens
}

// publish takes over the delivery lock before unlock releases the table,
// so writes are delivered in the order they were applied.
func (f *ChangeFeed) publish(unlock func(), recs []attendance.Record) {
	f.deliverMu.Lock()
	unlock()
	defer f.deliverMu.Unlock()

	for _, rec := range recs {
		f.mu.RLock()
		callbacks := make([]func(attendance.Record), 0, len(f.listeners[rec.Date]))
		for _, cb := range f.listeners[rec.Date] {
			callbacks = append(callbacks, cb)
		}
		f.mu.RUnlock()

		for _, cb := range callbacks {
			cb(rec.Clone())
		}
	}
}

type feedChannel struct {
	feed *ChangeFeed
	date attendance.Date
	id   uint64
	once sync.Once
}

func (c *feedChannel) Close() error {
	c.once.Do(func() {
		c.feed.mu.Lock()
		defer c.feed.mu.Unlock()
		delete(c.feed.listeners[c.date], c.id)
		if len(c.feed.listeners[c.date]) == 0 {
			delete(c.feed.listeners, c.date)
		}
	})
	return nil
}
