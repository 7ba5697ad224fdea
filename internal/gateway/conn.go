package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/collabsync/internal/session"
)

var errConnClosed = errors.New("connection closed")

// conn is one websocket client attached to a session. Frames for the client
// go through a bounded outbox drained by the writer goroutine.
type conn struct {
	id     string
	grant  Grant
	ws     *websocket.Conn
	logger zerolog.Logger

	pingInterval time.Duration
	writeTimeout time.Duration

	outbox    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	code      session.CloseCode
	reason    string
}

// newConn builds a connection whose ws is set once the upgrade succeeds.
func newConn(grant Grant, cfg ServerConfig, logger zerolog.Logger) *conn {
	id := uuid.NewString()
	return &conn{
		id:           id,
		grant:        grant,
		logger:       logger.With().Str("connection_id", id).Str("subject", grant.Subject).Logger(),
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		outbox:       make(chan []byte, cfg.OutboxHighWater),
		closed:       make(chan struct{}),
	}
}

func (c *conn) ID() string {
	return c.id
}

func (c *conn) Capability() session.Capability {
	return c.grant.Capability
}

// Send queues frame without blocking. It reports false once the outbox is at
// its high-water mark. Frames sent after Close are discarded.
func (c *conn) Send(frame []byte) bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	select {
	case c.outbox <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) Close(code session.CloseCode, reason string) {
	c.closeOnce.Do(func() {
		c.code = code
		c.reason = reason
		close(c.closed)
	})
}

func (c *conn) closeStatus() (session.CloseCode, string) {
	<-c.closed
	return c.code, c.reason
}

// serve pumps frames until either side closes. Inbound frames are handed to
// the session in arrival order. The reader stops without an error after
// closing the connection itself so the writer still sends the close frame.
func (c *conn) serve(ctx context.Context, s *session.Session) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, s) })
	g.Go(func() error { return c.writeLoop(gctx) })
	return g.Wait()
}

func (c *conn) readLoop(ctx context.Context, s *session.Session) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			c.Close(session.CloseUnsupportedData, "binary frames only")
			return nil
		}
		in, err := session.DecodeInbound(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("rejecting corrupt frame")
			c.Close(session.CloseUnsupportedData, "corrupt update")
			return nil
		}
		if err := s.Deliver(ctx, c, in); err != nil {
			if errors.Is(err, session.ErrSessionClosed) {
				c.Close(session.CloseGoingAway, "document closed")
				return nil
			}
			return err
		}
	}
}

func (c *conn) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.outbox:
			if err := c.write(ctx, frame); err != nil {
				return err
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		case <-c.closed:
			code, reason := c.closeStatus()
			if code == session.CloseGoingAway {
				c.drain(ctx)
			}
			_ = c.ws.Close(websocket.StatusCode(code), reason)
			return errConnClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *conn) write(ctx context.Context, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageBinary, frame)
}

// drain writes frames already queued before a graceful close.
func (c *conn) drain(ctx context.Context) {
	for {
		select {
		case frame := <-c.outbox:
			if err := c.write(ctx, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
