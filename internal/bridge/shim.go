package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/getathos/athos-agent/internal/credential"
	"github.com/getathos/athos-agent/internal/host"
	"github.com/getathos/athos-agent/internal/model"
)

// Command types sent to the shim.
const (
	CmdRedirectTab    = "redirect_tab"
	CmdCancelDownload = "cancel_download"
	CmdNotify         = "notify"
	CmdGetTab         = "get_tab"
	CmdActiveTab      = "active_tab"
	CmdCountTabs      = "count_tabs"
	CmdSession        = "session"
)

// errNoTabReply is the error string the shim uses for a missing tab.
const errNoTabReply = "no_tab"

// DefaultCommandTimeout bounds every round trip to the shim.
const DefaultCommandTimeout = 5 * time.Second

// Command is an agent → shim request.
type Command struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Params any    `json:"params,omitempty"`
}

// Reply is a shim → agent response to a Command.
type Reply struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	// The listener is bound to loopback; extension origins are not stable
	// across browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Shim is the websocket-attached browser extension. It implements
// host.Host by sending commands and waiting for replies. Only the most
// recently attached connection receives commands.
type Shim struct {
	log     *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]pendingCall

	writeMu sync.Mutex
}

// pendingCall is a command awaiting its reply on conn.
type pendingCall struct {
	conn *websocket.Conn
	ch   chan Reply
}

var _ host.Host = (*Shim)(nil)

// NewShim creates a detached shim endpoint.
func NewShim(timeout time.Duration, log *zap.Logger) *Shim {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Shim{log: log, timeout: timeout, pending: make(map[string]pendingCall)}
}

// Connected reports whether a shim is attached.
func (s *Shim) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Serve upgrades the request and reads replies until the connection drops.
func (s *Shim) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.attach(conn)
	defer s.detach(conn)

	s.log.Info("shim attached", zap.String("remote", r.RemoteAddr))
	for {
		var rep Reply
		if err := conn.ReadJSON(&rep); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("shim read error", zap.Error(err))
			}
			return
		}
		s.resolve(conn, rep)
	}
}

// attach makes conn the command target. Commands in flight on a
// superseded connection fail at once.
func (s *Shim) attach(conn *websocket.Conn) {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	if old != nil {
		s.failLocked(old)
	}
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (s *Shim) detach(conn *websocket.Conn) {
	conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(conn)
	if s.conn != conn {
		return
	}
	s.conn = nil
	s.log.Info("shim detached")
}

// failLocked closes the reply channel of every command sent on conn.
func (s *Shim) failLocked(conn *websocket.Conn) {
	for id, p := range s.pending {
		if p.conn == conn {
			close(p.ch)
			delete(s.pending, id)
		}
	}
}

func (s *Shim) resolve(conn *websocket.Conn, rep Reply) {
	s.mu.Lock()
	p, ok := s.pending[rep.ID]
	if ok && p.conn == conn {
		delete(s.pending, rep.ID)
	} else {
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		s.log.Debug("reply for unknown command", zap.String("id", rep.ID))
		return
	}
	p.ch <- rep
}

// call sends a command and decodes the reply data into out when non-nil.
func (s *Shim) call(ctx context.Context, typ string, params any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id := uuid.NewString()
	ch := make(chan Reply, 1)

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return host.ErrDisconnected
	}
	s.pending[id] = pendingCall{conn: conn, ch: ch}
	s.mu.Unlock()

	s.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	err := conn.WriteJSON(Command{ID: id, Type: typ, Params: params})
	s.writeMu.Unlock()
	if err != nil {
		s.forget(id)
		return fmt.Errorf("send %s: %w", typ, err)
	}

	select {
	case rep, ok := <-ch:
		if !ok {
			return host.ErrDisconnected
		}
		if !rep.OK {
			if rep.Error == errNoTabReply {
				return host.ErrNoTab
			}
			return fmt.Errorf("%s: %s", typ, rep.Error)
		}
		if out != nil {
			if err := json.Unmarshal(rep.Data, out); err != nil {
				return fmt.Errorf("decode %s reply: %w", typ, err)
			}
		}
		return nil
	case <-ctx.Done():
		s.forget(id)
		return fmt.Errorf("%s: %w", typ, ctx.Err())
	}
}

func (s *Shim) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Shim) RedirectTab(ctx context.Context, tabID int, url string) error {
	return s.call(ctx, CmdRedirectTab, map[string]any{"tab_id": tabID, "url": url}, nil)
}

func (s *Shim) CancelDownload(ctx context.Context, downloadID int) error {
	return s.call(ctx, CmdCancelDownload, map[string]any{"download_id": downloadID}, nil)
}

func (s *Shim) Notify(ctx context.Context, title, message string) error {
	return s.call(ctx, CmdNotify, map[string]any{"title": title, "message": message}, nil)
}

func (s *Shim) Tab(ctx context.Context, tabID int) (model.TabInfo, error) {
	var tab model.TabInfo
	err := s.call(ctx, CmdGetTab, map[string]any{"tab_id": tabID}, &tab)
	return tab, err
}

func (s *Shim) ActiveTab(ctx context.Context) (model.TabInfo, error) {
	var tab model.TabInfo
	err := s.call(ctx, CmdActiveTab, nil, &tab)
	return tab, err
}

func (s *Shim) CountTabs(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := s.call(ctx, CmdCountTabs, nil, &out)
	return out.Count, err
}

// OnCredentialChange tells the shim to attach or detach its content-script
// interaction capture.
func (s *Shim) OnCredentialChange(ch credential.Change) {
	active := ch.Present()
	go func() {
		err := s.call(context.Background(), CmdSession, map[string]any{"active": active}, nil)
		if err != nil && !errors.Is(err, host.ErrDisconnected) {
			s.log.Warn("session push failed", zap.Bool("active", active), zap.Error(err))
		}
	}()
}
