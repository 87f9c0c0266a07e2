package attendance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/ccscampus/campus/core"
)

type (
	// NotifierService multiplexes many callbacks over one change channel per date.
	NotifierService struct {
		feed   ChangeFeed
		logger core.Logger

		openMu   sync.Mutex // serializes opening & closing of feed channels
		mu       sync.Mutex
		channels map[Date]*dateChannel
		lastID   uint64
	}

	dateChannel struct {
		handle FeedChannel
		subs   []*subscription // registration order
	}

	subscription struct {
		id       uint64
		date     Date
		callback func(Record)
		closed   int32
	}
)

func NewNotifierService(feed ChangeFeed, logger core.Logger) *NotifierService {
	return &NotifierService{
		feed:     feed,
		logger:   logger,
		channels: make(map[Date]*dateChannel),
	}
}

// Subscribe registers callback for every accepted write on date.
// The returned unsubscribe func is safe to call more than once.
func (n *NotifierService) Subscribe(ctx context.Context, date Date, callback func(Record)) (func(), error) {
	n.openMu.Lock()
	defer n.openMu.Unlock()

	n.mu.Lock()
	n.lastID++
	sub := &subscription{id: n.lastID, date: date, callback: callback}
	if ch, ok := n.channels[date]; ok {
		ch.subs = append(ch.subs, sub)
		n.mu.Unlock()
		return func() { n.unsubscribe(sub) }, nil
	}
	n.mu.Unlock()

	handle, err := n.feed.Listen(ctx, date, func(rec Record) { n.dispatch(date, rec) })
	if err != nil {
		return nil, errors.Wrapf(err, "listening to attendance changes on %s", date)
	}

	n.mu.Lock()
	n.channels[date] = &dateChannel{handle: handle, subs: []*subscription{sub}}
	n.mu.Unlock()
	return func() { n.unsubscribe(sub) }, nil
}

func (n *NotifierService) unsubscribe(sub *subscription) {
	if !atomic.CompareAndSwapInt32(&sub.closed, 0, 1) {
		return
	}

	n.openMu.Lock()
	defer n.openMu.Unlock()

	n.mu.Lock()
	ch, ok := n.channels[sub.date]
	if !ok {
		n.mu.Unlock()
		return
	}
	for i, s := range ch.subs {
		if s.id == sub.id {
			ch.subs = append(ch.subs[:i:i], ch.subs[i+1:]...)
			break
		}
	}
	if len(ch.subs) > 0 {
		n.mu.Unlock()
		return
	}
	delete(n.channels, sub.date)
	n.mu.Unlock()

	n.closeChannel(sub.date, ch)
}

func (n *NotifierService) closeChannel(date Date, ch *dateChannel) {
	if err := ch.handle.Close(); err != nil {
		n.logger.Error(fmt.Sprintf("closing attendance channel for %s: %v", date, err), err)
	}
}

func (n *NotifierService) dispatch(date Date, rec Record) {
	if rec.Date != date {
		return
	}
	n.mu.Lock()
	ch, ok := n.channels[date]
	var subs []*subscription
	if ok {
		subs = append(subs, ch.subs...)
	}
	n.mu.Unlock()

	for _, sub := range subs {
		if atomic.LoadInt32(&sub.closed) == 0 {
			sub.callback(rec.Clone())
		}
	}
}

// Subscribers returns the number of live callbacks for date.
func (n *NotifierService) Subscribers(date Date) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.channels[date]; ok {
		return len(ch.subs)
	}
	return 0
}

// Close tears down every open channel. Pending unsubscribe funcs become no-ops.
func (n *NotifierService) Close() {
	n.openMu.Lock()
	defer n.openMu.Unlock()

	n.mu.Lock()
	channels := n.channels
	n.channels = make(map[Date]*dateChannel)
	n.mu.Unlock()

	for date, ch := range channels {
		for _, sub := range ch.subs {
			atomic.StoreInt32(&sub.closed, 1)
		}
		n.closeChannel(date, ch)
	}
}
