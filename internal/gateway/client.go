package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/internal/op"
)

var errNoSession = errors.New("gateway: no session on this connection")

// client is one websocket connection. Frames are handled in arrival order;
// pushed operations and presence events interleave with replies.
type client struct {
	s          *Server
	conn       *websocket.Conn
	documentID string
	logger     *slog.Logger
	send       chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	// forwarders feed send; send is closed once they are all gone.
	forwarders sync.WaitGroup

	sessionID string
	stopOps   context.CancelFunc
	stopWatch context.CancelFunc
}

func newClient(s *Server, conn *websocket.Conn, documentID string) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		s:          s,
		conn:       conn,
		documentID: documentID,
		logger:     s.logger.With(slog.String("document_id", documentID)),
		send:       make(chan []byte, sendBuffer),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// readPump handles frames until the connection fails. The session is kept:
// it expires by heartbeat unless the client resumes it elsewhere.
func (c *client) readPump() {
	defer func() {
		c.cancel()
		c.forwarders.Wait()
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("client disconnected", slog.Any("error", err))
			}
			return
		}
		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(Reply{Type: FrameError, Error: &ErrorBody{Code: "bad_frame", Message: err.Error()}})
			continue
		}
		c.reply(c.handle(req))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("writing to client failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handle(req Request) Reply {
	if req.SessionID != "" {
		c.sessionID = req.SessionID
	}
	out := Reply{ID: req.ID, SessionID: c.sessionID}
	fail := func(err error) Reply {
		out.Type = FrameError
		out.Error = errorBody(err)
		return out
	}
	if req.Type != FrameJoin && c.sessionID == "" {
		return fail(errNoSession)
	}

	ctx := c.ctx
	switch req.Type {
	case FrameJoin:
		id, err := c.s.core.Join(ctx, req.UserID, c.documentID, req.Token, req.Presence)
		if err != nil {
			return fail(err)
		}
		c.sessionID = id
		out.SessionID = id
		out.Type = FrameJoined
		c.watch()

	case FrameSubmit:
		if req.Op == nil {
			return fail(fmt.Errorf("%w: submit without op", op.ErrInvalidOperation))
		}
		accepted, err := c.s.core.Submit(ctx, c.sessionID, *req.Op)
		if err != nil {
			return fail(err)
		}
		out.Type = FrameAccepted
		out.Op = &accepted

	case FrameHeartbeat:
		if err := c.s.core.Heartbeat(ctx, c.sessionID, req.Presence); err != nil {
			return fail(err)
		}
		if c.stopWatch == nil {
			c.watch()
		}
		out.Type = FrameOK

	case FrameLeave:
		if err := c.s.core.Leave(ctx, c.sessionID); err != nil {
			return fail(err)
		}
		c.stop()
		c.sessionID = ""
		out.Type = FrameOK

	case FrameSubscribe:
		if err := c.follow(req.From); err != nil {
			return fail(err)
		}
		out.Type = FrameSubscribed

	case FrameState:
		st, err := c.s.core.State(ctx, c.sessionID)
		if err != nil {
			return fail(err)
		}
		out.Type = FrameSnapshot
		out.State = &st

	case FrameDecide:
		rec, err := c.s.core.Decide(ctx, c.sessionID, req.ConflictID, req.AcceptHeld)
		if err != nil {
			return fail(err)
		}
		out.Type = FrameDecided
		out.Conflict = &rec

	default:
		out.Type = FrameError
		out.Error = &ErrorBody{Code: "bad_frame", Message: "unknown frame type " + req.Type}
	}
	return out
}

// follow replaces the connection's operation stream with one starting at
// from.
func (c *client) follow(from uint64) error {
	if c.stopOps != nil {
		c.stopOps()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	sub, err := c.s.core.Subscribe(ctx, c.sessionID, from)
	if err != nil {
		cancel()
		return err
	}
	c.stopOps = cancel
	c.forwarders.Add(1)
	go func() {
		defer c.forwarders.Done()
		defer sub.Close()
		for {
			select {
			case o, ok := <-sub.C():
				if !ok {
					return
				}
				if !c.push(ctx, Reply{Type: FrameOp, Op: &o}) {
					return
				}
				sub.Ack(o.Seq())
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// watch forwards the document's presence events to the connection.
func (c *client) watch() {
	if c.stopWatch != nil {
		c.stopWatch()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	sub, err := c.s.core.WatchPresence(ctx, c.sessionID)
	if err != nil {
		cancel()
		c.logger.Warn("watching presence failed", slog.Any("error", err))
		return
	}
	c.stopWatch = cancel
	c.forwarders.Add(1)
	go func() {
		defer c.forwarders.Done()
		defer sub.Close()
		for {
			select {
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if !c.push(ctx, Reply{Type: FramePresence, Presence: &ev}) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *client) stop() {
	if c.stopOps != nil {
		c.stopOps()
		c.stopOps = nil
	}
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
}

func (c *client) reply(r Reply) {
	c.push(c.ctx, r)
}

// push queues a frame, blocking while the client is slow.
func (c *client) push(ctx context.Context, r Reply) bool {
	b, err := json.Marshal(r)
	if err != nil {
		c.logger.Error("encoding frame failed", slog.String("type", r.Type), slog.Any("error", err))
		return true
	}
	select {
	case c.send <- b:
		return true
	case <-ctx.Done():
		return false
	}
}
