package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/AjaxZhan/devspace/internal/logging"
	"github.com/AjaxZhan/devspace/internal/protocol"
)

const (
	outboundQueue = 1024
	inboundQueue  = 64
	fsQueue       = 64
	writeTimeout  = 10 * time.Second
	maxFrameBytes = 8 << 20
)

// conn is one realtime client connection. Inbound messages are handled
// one at a time by the connection's event loop. Filesystem operations are
// authorized there but run in order on a separate worker, so terminal
// input never waits behind a slow exec. Outbound frames go through a
// queue drained by a single writer.
type conn struct {
	id    string
	srv   *Server
	ws    *websocket.Conn
	codec protocol.Codec

	fs        chan func(context.Context)
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{protocol.SubprotocolJSON, protocol.SubprotocolCBOR},
		OriginPatterns: s.config.Server.AllowedOrigins,
	})
	if err != nil {
		logging.Warn("Websocket accept failed", logging.Err(err))
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	c := &conn{
		id:    uuid.NewString(),
		srv:   s,
		ws:    ws,
		codec: protocol.ForSubprotocol(ws.Subprotocol()),
		fs:    make(chan func(context.Context), fsQueue),
		out:   make(chan []byte, outboundQueue),
		done:  make(chan struct{}),
	}
	s.conns.Add(1)
	defer s.conns.Done()
	c.serve(r.Context())
}

// ID implements session.Sink.
func (c *conn) ID() string { return c.id }

// Send implements session.Sink. It never blocks: a client too slow to
// drain its queue is disconnected.
func (c *conn) Send(event string, payload any) {
	frame, err := c.codec.Encode(event, payload)
	if err != nil {
		logging.Error("Failed to encode event", logging.ConnID(c.id), logging.String("event", event), logging.Err(err))
		return
	}
	select {
	case <-c.done:
	case c.out <- frame:
	default:
		logging.Warn("Outbound queue full, dropping connection", logging.ConnID(c.id))
		c.close(websocket.StatusPolicyViolation, "slow consumer")
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		go c.ws.Close(code, reason)
	})
}

func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.srv.metrics.ConnectionOpened()
	logging.Debug("Client connected", logging.ConnID(c.id), logging.String("codec", c.codec.Name()))

	go c.writeLoop(ctx)
	fsDone := make(chan struct{})
	go c.fsLoop(ctx, fsDone)

	inbox := make(chan *protocol.Message, inboundQueue)
	go c.readLoop(ctx, inbox)

	for msg := range inbox {
		c.dispatch(ctx, msg)
	}

	c.close(websocket.StatusNormalClosure, "")
	cancel()
	close(c.fs)
	<-fsDone
	c.srv.ctrl.Disconnect(c.id)
	c.srv.metrics.ConnectionClosed()
	logging.Debug("Client disconnected", logging.ConnID(c.id))
}

// enqueueFS hands an authorized filesystem operation to the worker. It
// blocks while the worker is saturated.
func (c *conn) enqueueFS(job func(context.Context)) {
	select {
	case c.fs <- job:
	case <-c.done:
	}
}

func (c *conn) fsLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for job := range c.fs {
		job(ctx)
	}
}

func (c *conn) readLoop(ctx context.Context, inbox chan<- *protocol.Message) {
	defer close(inbox)
	for {
		_, frame, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				logging.Debug("Connection read ended", logging.ConnID(c.id), logging.Err(err))
			}
			return
		}
		msg, err := c.codec.Decode(frame)
		if err != nil {
			logging.Debug("Dropping malformed frame", logging.ConnID(c.id), logging.Err(err))
			continue
		}
		select {
		case inbox <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	typ := websocket.MessageText
	if c.codec.Binary() {
		typ = websocket.MessageBinary
	}
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case frame := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, typ, frame)
			cancel()
			if err != nil {
				logging.Debug("Connection write failed", logging.ConnID(c.id), logging.Err(err))
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
