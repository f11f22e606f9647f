package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// Listener accepts TCP (optionally TLS-wrapped) connections and hands each
// one to a Server for the lifetime of the connection. It is grounded on
// the teacher's cmd/switchboard main accept loop, generalized to carry an
// optional TLS config and a graceful-shutdown path that closes every live
// socket (not just the listener) so blocked reads unblock and flow through
// the normal per-connection cleanup.
type Listener struct {
	srv      *Server
	listener net.Listener
	log      zerolog.Logger

	wg sync.WaitGroup

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// ListenConfig carries the subset of config.Config the listener needs.
type ListenConfig struct {
	Host          string
	Port          int
	ListenBacklog int
	TLSConfig     *tls.Config // nil disables TLS
}

// NewListener binds the listening socket. Binding happens here so that
// Serve can be called from a goroutine while the caller still observes
// bind errors synchronously. TLS, when configured, wraps the plain TCP
// listener rather than going through tls.Listen directly, so the backlog
// tweak below can reach the real *net.TCPListener either way.
func NewListener(srv *Server, cfg ListenConfig, log zerolog.Logger) (*Listener, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	applyListenBacklog(tcpLn, cfg.ListenBacklog, log)

	var ln net.Listener = tcpLn
	if cfg.TLSConfig != nil {
		ln = tls.NewListener(tcpLn, cfg.TLSConfig)
	}
	return &Listener{srv: srv, listener: ln, log: log, conns: make(map[*Connection]struct{})}, nil
}

// applyListenBacklog raises the kernel's pending-connection accept queue
// beyond Go's small built-in default, so a burst of simultaneous dials
// doesn't get refused before Accept can drain it. Best-effort: on
// platforms or listener types where this isn't available it logs and
// leaves the OS default in place.
func applyListenBacklog(ln net.Listener, backlog int, log zerolog.Logger) {
	if backlog <= 0 {
		return
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return
	}
	file, err := tcpLn.File()
	if err != nil {
		log.Warn().Err(err).Msg("could not access listener fd to set backlog")
		return
	}
	defer file.Close()
	if err := syscall.Listen(int(file.Fd()), backlog); err != nil {
		log.Warn().Err(err).Msg("could not set custom listen backlog")
		return
	}
	log.Debug().Int("backlog", backlog).Msg("set custom TCP listen backlog")
}

// Addr returns the bound address, useful when Port 0 was requested.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each accepted connection is handled on its own goroutine. When
// ctx is cancelled, Serve closes the listening socket and every
// currently-tracked connection (authenticated or not), then waits for all
// handler goroutines to unwind before returning.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.listener.Close()
		l.closeAllConns()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				l.wg.Wait()
				return nil
			}
			l.log.Error().Err(err).Msg("accept failed")
			continue
		}

		c := newConnection(conn, l.log)
		c.setRateLimiter(l.srv.RateLimitMax, l.srv.RateLimitWindow)
		l.trackConn(c)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrackConn(c)
			l.srv.HandleConnection(ctx, c)
		}()
	}
}

func (l *Listener) trackConn(c *Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[c] = struct{}{}
}

func (l *Listener) untrackConn(c *Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, c)
}

func (l *Listener) closeAllConns() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.conns {
		_ = c.Close()
	}
}

// Close closes the listening socket without waiting for in-flight
// connections; callers that want a graceful drain should cancel the
// context passed to Serve instead, which also unblocks and drains them.
func (l *Listener) Close() error {
	return l.listener.Close()
}
