package echoapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/attendance"
	"github.com/ccscampus/campus/core/user"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 64
)

// client messages
const (
	msgEdit      = "edit"
	msgSave      = "save"
	msgReload    = "reload"
	msgResetDate = "reset_date"
	msgResetHour = "reset_hour"
)

// server messages
const (
	msgState        = "state"
	msgRemoteUpdate = "remote_update"
	msgSaved        = "saved"
	msgError        = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type (
	// ClientMessage is a command sent by an operator over the session socket.
	ClientMessage struct {
		Type      string            `json:"type"`
		StudentID string            `json:"student_id,omitempty"`
		Hour      int               `json:"hour,omitempty"`
		Status    attendance.Status `json:"status,omitempty"`
		Reason    string            `json:"reason,omitempty"`
	}

	// ServerMessage is pushed to the operator.
	ServerMessage struct {
		Type            string              `json:"type"`
		State           string              `json:"state,omitempty"`
		Date            attendance.Date     `json:"date,omitempty"`
		Records         []attendance.Record `json:"records,omitempty"`
		Dirty           []string            `json:"dirty,omitempty"`
		RecentlyUpdated []string            `json:"recently_updated,omitempty"`
		Record          *attendance.Record  `json:"record,omitempty"`
		Applied         bool                `json:"applied,omitempty"`
		Error           interface{}         `json:"error,omitempty"`
	}
)

func registerSessionAPI(g *echo.Group, jwt echo.MiddlewareFunc, api *attendanceApi) {
	g.GET("/attendance/:date/ws", api.session, jwt, roleMiddleware(user.Role.CanMarkAttendance))
}

// session upgrades the request and runs one attendance.Session for the connection.
func (api *attendanceApi) session(ctx echo.Context) error {
	date, err := dateParam(ctx)
	if err != nil {
		return err
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		// the upgrader already replied
		api.logger.Warn(fmt.Sprintf("attendance: websocket upgrade failed: %v", err))
		return nil
	}

	sess := attendance.NewSession(api.svc, api.notifier, claims.Role, api.conf.Attendance.RecentlyUpdatedTTL, api.logger)
	c := &sessionConn{
		conn:   conn,
		sess:   sess,
		send:   make(chan ServerMessage, wsSendBuffer),
		done:   make(chan struct{}),
		logger: api.logger,
	}
	sess.OnRemoteUpdate(c.remoteUpdate)

	go c.writePump()
	c.readPump(date)
	return nil
}

// sessionConn pumps messages between a websocket and its session.
// writePump is the only writer of conn.
type sessionConn struct {
	conn   *websocket.Conn
	sess   *attendance.Session
	send   chan ServerMessage
	done   chan struct{}
	saves  sync.WaitGroup
	logger core.Logger
}

func (c *sessionConn) push(msg ServerMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *sessionConn) pushState() {
	c.push(ServerMessage{
		Type:            msgState,
		State:           c.sess.State().String(),
		Date:            c.sess.Date(),
		Records:         c.sess.Records(),
		Dirty:           c.sess.Dirty(),
		RecentlyUpdated: c.sess.RecentlyUpdated(),
	})
}

func (c *sessionConn) pushError(err error) {
	code, message, ok := classify(err)
	if !ok {
		message = http.StatusText(code)
	}
	c.push(ServerMessage{Type: msgError, Error: message})
}

func (c *sessionConn) remoteUpdate(u attendance.RemoteUpdate) {
	rec := u.Record
	c.push(ServerMessage{
		Type:            msgRemoteUpdate,
		Record:          &rec,
		Applied:         u.Applied,
		RecentlyUpdated: c.sess.RecentlyUpdated(),
	})
}

func (c *sessionConn) readPump(date attendance.Date) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		close(c.done)
		c.saves.Wait()
		c.sess.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	if err := c.sess.LoadDate(ctx, date); err != nil {
		c.pushError(err)
	} else {
		c.pushState()
	}

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn(fmt.Sprintf("attendance: websocket read: %v", err))
			}
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *sessionConn) handle(ctx context.Context, msg ClientMessage) {
	var err error
	switch msg.Type {
	case msgEdit:
		err = c.sess.EditHour(msg.StudentID, msg.Hour, msg.Status, msg.Reason)
	case msgSave:
		// edits keep flowing while the save is in flight
		c.saves.Add(1)
		go func() {
			defer c.saves.Done()
			if err := c.sess.Save(ctx); err != nil {
				c.pushError(err)
			} else {
				c.push(ServerMessage{Type: msgSaved, Date: c.sess.Date()})
			}
			c.pushState()
		}()
		return
	case msgReload:
		err = c.sess.Reload(ctx)
	case msgResetDate:
		err = c.sess.ResetDate(ctx)
	case msgResetHour:
		err = c.sess.ResetHour(ctx, msg.Hour)
	default:
		err = errors.Errorf("unknown message type %q", msg.Type)
		c.push(ServerMessage{Type: msgError, Error: err.Error()})
		return
	}
	if err != nil {
		c.pushError(err)
	}
	c.pushState()
}

func (c *sessionConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
