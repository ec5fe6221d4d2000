package raop

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/airplay-go/raop/auth"
	"github.com/airplay-go/raop/collab"
	"github.com/airplay-go/raop/rtsp"
	"github.com/airplay-go/raop/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// connection is a single accepted TCP session (the Connection data model
// of spec.md 3): owns the socket, the worker goroutine's lifetime, a
// running flag, and a lazily-created auth nonce (via gate).
type connection struct {
	id   string
	conn net.Conn
	cfg  *Config
	reg  *session.Registry
	log  zerolog.Logger

	reader *rtsp.Reader
	gate   *auth.Gate
	resp   *auth.Responder

	running atomic.Bool

	sessionHeldByMe bool
	stream          *session.StreamConfig
	rtp             collab.RTP
	player          collab.Player
	latency         int
}

func newConnection(c net.Conn, cfg *Config, reg *session.Registry) *connection {
	id := uuid.NewString()
	conn := &connection{
		id:     id,
		conn:   c,
		cfg:    cfg,
		reg:    reg,
		log:    cfg.Logger.With().Str("conn", id).Str("remote", c.RemoteAddr().String()).Logger(),
		reader: rtsp.NewReader(c),
		gate:   auth.NewGate(cfg.Password),
		resp:   &auth.Responder{PrivateKey: cfg.PrivateKey, HWAddr: cfg.HWAddr},
	}
	conn.running.Store(true)
	return conn
}

// Interrupt implements session.Owner: force the blocked Read to return
// immediately, the in-band equivalent of the source's signal-delivered
// EINTR (spec.md 9's design note).
func (c *connection) Interrupt() {
	c.conn.SetReadDeadline(time.Now())
}

// Running reports whether the worker's loop is still active; the
// acceptor reaps connections once this is false.
func (c *connection) Running() bool {
	return c.running.Load()
}

// serve runs the connection's read-dispatch-write loop until the peer
// disconnects, the connection is torn down, or it is pre-empted.
func (c *connection) serve() {
	defer c.cleanup()

	for {
		msg, err := c.reader.ReadMessage()

		if c.reg.ShutdownRequested() {
			c.log.Debug().Msg("shutdown requested, unwinding")
			return
		}

		if err != nil {
			if isTimeout(err) {
				continue
			}
			if err == rtsp.ErrConnectionClosed {
				c.log.Debug().Msg("peer closed connection")
				return
			}
			if err == rtsp.ErrTooManyHeaders {
				c.log.Debug().Msg("too many headers, rejecting")
				resp := rtsp.NewResponse(400)
				if werr := rtsp.WriteMessage(c.conn, resp); werr != nil {
					c.log.Debug().Err(werr).Msg("write response failed")
				}
				return
			}
			c.log.Debug().Err(err).Msg("malformed request, closing connection")
			return
		}

		resp := c.handleMessage(msg)

		if err := rtsp.WriteMessage(c.conn, resp); err != nil {
			c.log.Debug().Err(err).Msg("write response failed")
			return
		}

		if closeHdr, ok := resp.Header("Connection"); ok && closeHdr == "close" {
			return
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// cleanup implements the component H "on exit" sequence: release audio/RTP resources and the player lock if this worker owned the
// player, release the session lock if this worker took it, close the
// socket, mark not-running.
func (c *connection) cleanup() {
	if c.reg.IsPlaying(c) {
		if c.rtp != nil {
			c.rtp.Shutdown()
		}
		if c.player != nil {
			c.player.Stop()
		}
		c.reg.ReleasePlayer(c)
	}
	if c.sessionHeldByMe {
		c.reg.ReleaseSession()
		c.sessionHeldByMe = false
	}
	c.conn.Close()
	c.running.Store(false)
}
