// Package raop implements an AirPlay (RAOP) RTSP receiver: the control
// plane only. RTP data-plane, audio output, mDNS, and metadata fan-out
// are collaborator façades the caller supplies (see package collab).
package raop

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/airplay-go/raop/session"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// reapInterval is the worker-reaping heartbeat; spec.md 4.I calls for
// 300s, used purely to bound how long a finished worker can linger
// unreaped when no new connection arrives.
const reapInterval = 300 * time.Second

// Server is the listener/acceptor of spec.md 4.I: it binds every address
// family it can, advertises via mDNS once, and spawns one connection
// worker per accepted socket.
type Server struct {
	cfg *Config
	reg *session.Registry
	log zerolog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	conns     []*connection
}

// NewServer wraps cfg without validating it. cfg must not be mutated afterwards;
// it is read-only process-wide state once the accept loop starts.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg: &cfg,
		reg: session.NewRegistry(),
		log: cfg.Logger,
	}
}

// listenConfig sets SO_REUSEADDR on every socket and IPV6_V6ONLY on IPv6
// sockets so a v4 and a v6 listener can coexist on the same port,
// matching spec.md 4.I exactly.
func listenConfig(v6Only bool) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if ctrlErr != nil {
					return
				}
				if v6Only {
					ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
}

// bindAll resolves the configured port with AI_PASSIVE/AF_UNSPEC
// semantics by simply attempting both "tcp4" and "tcp6" binds, silently
// skipping whichever family fails (spec.md 4.I).
func (s *Server) bindAll(ctx context.Context) error {
	port := strconv.Itoa(s.cfg.Port)

	families := []struct {
		network string
		v6Only  bool
	}{
		{"tcp4", false},
		{"tcp6", true},
	}

	for _, fam := range families {
		lc := listenConfig(fam.v6Only)
		ln, err := lc.Listen(ctx, fam.network, ":"+port)
		if err != nil {
			s.log.Debug().Err(err).Str("network", fam.network).Msg("bind failed, skipping family")
			continue
		}
		s.listeners = append(s.listeners, ln)
	}

	if len(s.listeners) == 0 {
		return ErrBindAllFailed
	}
	return nil
}

// ListenAndServe binds, registers with mDNS once, then accepts
// connections until ctx is cancelled. A failure of a single Accept is
// logged and the loop continues; only bind-all-failed is fatal.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.bindAll(ctx); err != nil {
		return err
	}
	defer s.closeListeners()

	if s.cfg.MDNS != nil {
		if err := s.cfg.MDNS.Register(); err != nil {
			s.log.Error().Err(err).Msg("mdns registration failed")
		}
	}

	accepted := make(chan net.Conn)

	for _, ln := range s.listeners {
		go s.acceptLoop(ctx, ln, accepted)
	}

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-accepted:
			s.reapFinished()
			s.spawn(c)

		case <-ticker.C:
			s.reapFinished()
		}
	}
}

// acceptMinBackoff/acceptMaxBackoff bound the retry delay after a transient
// Accept failure (e.g. the process running out of file descriptors),
// mirroring net/http.Server.Serve's accept-retry loop.
const (
	acceptMinBackoff = 5 * time.Millisecond
	acceptMaxBackoff = time.Second
)

// acceptLoop accepts connections off ln until ctx is cancelled or ln is
// closed. Per spec.md 4.I, a single failed Accept is not fatal: it is
// logged and retried with a capped exponential backoff, exactly like the
// listener-closed/select-failure distinction the source's listen loop
// makes between accept() failing (continue) and select() failing (fatal).
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, accepted chan<- net.Conn) {
	var backoff time.Duration

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			if backoff == 0 {
				backoff = acceptMinBackoff
			} else {
				backoff *= 2
			}
			if backoff > acceptMaxBackoff {
				backoff = acceptMaxBackoff
			}
			s.log.Error().Err(err).Dur("backoff", backoff).Msg("accept failed, retrying")

			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
			continue
		}

		backoff = 0
		select {
		case accepted <- c:
		case <-ctx.Done():
			c.Close()
			return
		}
	}
}

func (s *Server) spawn(c net.Conn) {
	conn := newConnection(c, s.cfg, s.reg)
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	go conn.serve()
}

// reapFinished drops connection records whose worker has exited, the
// between-accepts reaping spec.md 4.I describes.
func (s *Server) reapFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.conns[:0]
	for _, c := range s.conns {
		if c.Running() {
			live = append(live, c)
		}
	}
	s.conns = live
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		ln.Close()
	}
}
