// Package changefeed follows attendance writes through PostgreSQL LISTEN/NOTIFY.
// Writers publish the post-write record as JSON with pg_notify on the date's channel,
// inside the writing transaction, so listeners only hear about committed writes, in commit order.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/attendance"
)

const (
	channelPrefix        = "attendance_"
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second

	// MaxPayloadSize is the exclusive NOTIFY payload limit of PostgreSQL.
	MaxPayloadSize = 8000
)

// Channel returns the notification channel of date.
func Channel(date attendance.Date) string {
	return channelPrefix + strings.ReplaceAll(date.String(), "-", "")
}

// Payload encodes rec as a notification payload.
func Payload(rec attendance.Record) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, "encoding attendance notification")
	}
	if len(b) >= MaxPayloadSize {
		return "", errors.Errorf("attendance notification for %s is %d bytes, the limit is %d", rec.Key(), len(b), MaxPayloadSize)
	}
	return string(b), nil
}

type Feed struct {
	listener *pq.Listener
	logger   core.Logger

	mu       sync.RWMutex
	handlers map[string]map[uint64]func(attendance.Record) // {channel: {id: callback}}
	lastID   uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ attendance.ChangeFeed = (*Feed)(nil) // interface compliance check

// New opens a dedicated listening connection on connURL.
func New(connURL string, logger core.Logger) *Feed {
	f := &Feed{
		logger:   logger,
		handlers: make(map[string]map[uint64]func(attendance.Record)),
		done:     make(chan struct{}),
	}
	f.listener = pq.NewListener(connURL, minReconnectInterval, maxReconnectInterval, f.onEvent)

	f.wg.Add(1)
	go f.run()
	return f
}

func (f *Feed) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		f.logger.Error(fmt.Sprintf("changefeed: disconnected: %v", err), err)
	case pq.ListenerEventConnectionAttemptFailed:
		f.logger.Warn(fmt.Sprintf("changefeed: reconnection failed: %v", err))
	case pq.ListenerEventReconnected:
		f.logger.Warn("changefeed: reconnected, notifications sent while disconnected are lost")
	}
}

func (f *Feed) run() {
	defer f.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			if n == nil { // connection re-established
				continue
			}
			f.dispatch(n)
		case <-ticker.C:
			go func() {
				if err := f.listener.Ping(); err != nil {
					f.logger.Warn(fmt.Sprintf("changefeed: ping: %v", err))
				}
			}()
		}
	}
}

func (f *Feed) dispatch(n *pq.Notification) {
	var rec attendance.Record
	if err := json.Unmarshal([]byte(n.Extra), &rec); err != nil {
		f.logger.Error(fmt.Sprintf("changefeed: decoding %s notification: %v", n.Channel, err), err)
		return
	}

	f.mu.RLock()
	callbacks := make([]func(attendance.Record), 0, len(f.handlers[n.Channel]))
	for _, cb := range f.handlers[n.Channel] {
		callbacks = append(callbacks, cb)
	}
	f.mu.RUnlock()

	for _, cb := range callbacks {
		cb(rec.Clone())
	}
}

// Listen starts listening on the date's channel when nobody listens to it yet.
func (f *Feed) Listen(_ context.Context, date attendance.Date, onChange func(attendance.Record)) (attendance.FeedChannel, error) {
	name := Channel(date)

	f.mu.Lock()
	f.lastID++
	id := f.lastID
	first := len(f.handlers[name]) == 0
	if first {
		f.handlers[name] = make(map[uint64]func(attendance.Record))
	}
	f.handlers[name][id] = onChange
	f.mu.Unlock()

	if first {
		if err := f.listener.Listen(name); err != nil && err != pq.ErrChannelAlreadyOpen {
			f.remove(name, id)
			return nil, errors.Wrapf(err, "listening on %s", name)
		}
	}
	return &channel{feed: f, name: name, id: id}, nil
}

// remove drops a callback and reports whether the channel has no callback left.
func (f *Feed) remove(name string, id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[name], id)
	if len(f.handlers[name]) == 0 {
		delete(f.handlers, name)
		return true
	}
	return false
}

// Close stops listening altogether.
func (f *Feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.listener.Close()
		f.wg.Wait()
	})
	return err
}

type channel struct {
	feed *Feed
	name string
	id   uint64
	once sync.Once
}

func (c *channel) Close() error {
	var err error
	c.once.Do(func() {
		if !c.feed.remove(c.name, c.id) {
			return
		}
		if e := c.feed.listener.Unlisten(c.name); e != nil && e != pq.ErrChannelNotOpen {
			err = errors.Wrapf(e, "unlistening %s", c.name)
		}
	})
	return err
}
