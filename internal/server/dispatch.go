package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/AjaxZhan/devspace/internal/fsproxy"
	"github.com/AjaxZhan/devspace/internal/logging"
	"github.com/AjaxZhan/devspace/internal/protocol"
	"github.com/AjaxZhan/devspace/internal/security"
	"github.com/AjaxZhan/devspace/internal/session"
	"github.com/AjaxZhan/devspace/internal/terminal"
	"github.com/AjaxZhan/devspace/pkg/types"
)

// authenticated is implemented by every payload carrying session credentials.
type authenticated interface {
	credentials() protocol.Auth
}

type inputMsg struct{ protocol.InputRequest }
type resizeMsg struct{ protocol.ResizeRequest }
type sessionMsg struct{ protocol.SessionRequest }
type fsMsg struct{ protocol.FSRequest }

func (m *inputMsg) credentials() protocol.Auth   { return m.Auth }
func (m *resizeMsg) credentials() protocol.Auth  { return m.Auth }
func (m *sessionMsg) credentials() protocol.Auth { return m.Auth }
func (m *fsMsg) credentials() protocol.Auth      { return m.Auth }

var fsOps = map[string]string{
	protocol.EventFSList:      fsproxy.OpList,
	protocol.EventFSRead:      fsproxy.OpRead,
	protocol.EventFSWrite:     fsproxy.OpWrite,
	protocol.EventFSCreateDir: fsproxy.OpCreateDir,
	protocol.EventFSDelete:    fsproxy.OpDelete,
	protocol.EventFSRename:    fsproxy.OpRename,
	protocol.EventFSDownload:  fsproxy.OpDownload,
}

func (c *conn) dispatch(ctx context.Context, msg *protocol.Message) {
	switch msg.Event {
	case protocol.EventInit:
		c.handleInit(ctx, msg)
	case protocol.EventInput:
		var m inputMsg
		if s := c.authorize(msg, &m); s != nil {
			c.handleInput(s, m.Data)
		}
	case protocol.EventResize:
		var m resizeMsg
		if s := c.authorize(msg, &m); s != nil {
			s.Resize(ctx, m.Cols, m.Rows)
		}
	case protocol.EventKill:
		var m sessionMsg
		if s := c.authorize(msg, &m); s != nil {
			logging.Info("Kill requested", logging.SessionID(s.ID()), logging.ConnID(c.id))
			s.Terminate(session.ReasonKill)
		}
	case protocol.EventStatsSubscribe:
		var m sessionMsg
		if s := c.authorize(msg, &m); s != nil {
			s.SubscribeStats()
		}
	case protocol.EventStatsUnsub:
		var m sessionMsg
		if s := c.authorize(msg, &m); s != nil {
			s.UnsubscribeStats()
		}
	case protocol.EventTreeResync:
		if s := c.bound(msg); s != nil {
			s.Tree().Resync()
		}
	case protocol.EventPong:
		if s := c.bound(msg); s != nil {
			s.Pong()
		}
	default:
		if op, ok := fsOps[msg.Event]; ok {
			var m fsMsg
			if s := c.authorize(msg, &m); s != nil {
				event := msg.Event
				c.enqueueFS(func(ctx context.Context) {
					c.handleFS(ctx, s, event, op, &m.FSRequest)
				})
			}
			return
		}
		logging.Debug("Unknown event", logging.ConnID(c.id), logging.String("event", msg.Event))
	}
}

// authorize decodes and validates an authenticated payload and resolves
// its session. Invalid payloads are reported on the event's error channel;
// credential failures are dropped without a reply.
func (c *conn) authorize(msg *protocol.Message, v authenticated) *session.Session {
	if err := msg.Decode(v); err != nil {
		c.rejectInvalid(msg.Event, v, err)
		return nil
	}
	return c.resolve(msg.Event, v)
}

// bound resolves the session for events whose credentials are optional.
// An empty payload addresses the session bound to this connection; one
// that carries credentials is checked like any other request.
func (c *conn) bound(msg *protocol.Message) *session.Session {
	var m sessionMsg
	if err := msg.Decode(&m); err != nil {
		c.rejectInvalid(msg.Event, &m, err)
		return nil
	}
	if m.Auth != (protocol.Auth{}) {
		return c.resolve(msg.Event, &m)
	}
	s, ok := c.srv.ctrl.Registry().ByConn(c.id)
	if !ok || s.Closed() {
		logging.Debug("No session bound to connection",
			logging.ConnID(c.id), logging.String("event", msg.Event))
		return nil
	}
	if !protocol.Passive(msg.Event) {
		s.Touch()
	}
	return s
}

func (c *conn) resolve(event string, v authenticated) *session.Session {
	if err := security.Validate(v); err != nil {
		c.rejectInvalid(event, v, err)
		return nil
	}
	s, err := c.srv.ctrl.Authorize(c.id, v.credentials())
	if err != nil {
		logging.Debug("Unauthorized request dropped",
			logging.ConnID(c.id), logging.String("event", event))
		return nil
	}
	if !protocol.Passive(event) {
		s.Touch()
	}
	return s
}

func (c *conn) rejectInvalid(event string, v authenticated, err error) {
	if op, ok := fsOps[event]; ok {
		fe := protocol.FSError{Op: op, Message: "Invalid " + event}
		if m, ok := v.(*fsMsg); ok {
			fe.RequestID = m.RequestID
			fe.Path = security.SanitizeRelPath(m.Path)
		}
		c.Send(protocol.EventFSError, fe)
		return
	}
	c.Send(protocol.EventData, fmt.Sprintf("\r\n[invalid %s] %s\r\n", event, err))
}

func (c *conn) handleInit(ctx context.Context, msg *protocol.Message) {
	var req protocol.InitRequest
	if err := msg.Decode(&req); err != nil {
		c.Send(protocol.EventError, protocol.ErrorMessage{Message: types.ErrUnauthorized.Error()})
		return
	}
	if _, err := c.srv.ctrl.Init(ctx, c, &req); err != nil {
		c.Send(protocol.EventError, protocol.ErrorMessage{Message: initErrorMessage(err)})
	}
}

// initErrorMessage maps an init failure to the message shown to the client.
func initErrorMessage(err error) string {
	if types.IsValidation(err) {
		return types.ErrUnauthorized.Error()
	}
	return err.Error()
}

func (c *conn) handleInput(s *session.Session, data string) {
	err := s.Input(data)
	if errors.Is(err, terminal.ErrThrottled) {
		c.Send(protocol.EventData, terminal.ThrottledNotice)
		return
	}
	if err != nil && !errors.Is(err, types.ErrSessionClosed) {
		logging.Warn("Shell write failed", logging.SessionID(s.ID()), logging.Err(err))
	}
}

func (c *conn) handleFS(ctx context.Context, s *session.Session, event, op string, req *protocol.FSRequest) {
	fs := s.FS()
	var (
		result any
		err    error
	)

	switch event {
	case protocol.EventFSList:
		var entries []types.FileEntry
		entries, err = fs.List(ctx, req.Path)
		result = protocol.FSListResult{RequestID: req.RequestID, Path: security.SanitizeRelPath(req.Path), Entries: entries}
	case protocol.EventFSRead:
		var content *types.FileContent
		if content, err = fs.Read(ctx, req.Path); err == nil {
			result = protocol.FSReadResult{RequestID: req.RequestID, FileContent: *content}
		}
	case protocol.EventFSWrite:
		if req.Content == nil {
			err = &types.OpError{Op: op, Path: security.SanitizeRelPath(req.Path), Err: errors.New("content required")}
			break
		}
		var entry *types.FileEntry
		if entry, err = fs.Write(ctx, req.Path, *req.Content); err == nil {
			result = protocol.FSMutationResult{RequestID: req.RequestID, Path: entry.Path, Size: entry.Size, Mtime: entry.Mtime, OK: true}
		}
	case protocol.EventFSCreateDir:
		err = fs.Mkdir(ctx, req.Path)
		result = protocol.FSMutationResult{RequestID: req.RequestID, Path: security.SanitizeRelPath(req.Path), OK: true}
	case protocol.EventFSDelete:
		err = fs.Delete(ctx, req.Path)
		result = protocol.FSMutationResult{RequestID: req.RequestID, Path: security.SanitizeRelPath(req.Path), OK: true}
	case protocol.EventFSRename:
		err = fs.Rename(ctx, req.From, req.To)
		result = protocol.FSMutationResult{
			RequestID: req.RequestID,
			From:      security.SanitizeRelPath(req.From),
			To:        security.SanitizeRelPath(req.To),
			OK:        true,
		}
	case protocol.EventFSDownload:
		token := c.srv.downloads.Issue(fs, s.ID(), req.Path)
		c.Send(protocol.EventDownloadRes, protocol.DownloadTokenResult{
			RequestID: req.RequestID,
			Token:     token,
			URL:       "/download?token=" + url.QueryEscape(token),
		})
		return
	}

	c.srv.metrics.FSOp(op, err)
	if err != nil {
		logging.Debug("Filesystem operation failed",
			logging.SessionID(s.ID()), logging.String("op", op), logging.Err(err))
		c.Send(protocol.EventFSError, protocol.FSError{
			RequestID: req.RequestID,
			Op:        op,
			Path:      fsErrorPath(err, req),
			Message:   fsErrorMessage(err),
		})
		return
	}
	c.Send(protocol.ResultEvent(event), result)
}

// fsErrorMessage strips the operation context from a proxy error, leaving
// the cause the client can act on.
func fsErrorMessage(err error) string {
	var opErr *types.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		return opErr.Err.Error()
	}
	return err.Error()
}

// fsErrorPath names the path a failed operation was working on.
func fsErrorPath(err error, req *protocol.FSRequest) string {
	var opErr *types.OpError
	if errors.As(err, &opErr) && opErr.Path != "" {
		return opErr.Path
	}
	if req.Path == "" {
		return security.SanitizeRelPath(req.From)
	}
	return security.SanitizeRelPath(req.Path)
}
