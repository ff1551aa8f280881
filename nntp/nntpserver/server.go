// Package nntpserver implements the NNTP engine: connection state machine,
// command dispatch, the POST continuation handler, and control-message
// authorization. Grounded on spilled-ink-spilld's smtp/smtpserver.go server
// shape (accept loop with backoff, sync.Cond-gated session limit, Shutdown
// drain) fused with imap/imapserver.go's per-connection state fields.
package nntpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"crawshaw.io/iox"

	"vellum.news/catalog"
	"vellum.news/internal/metrics"
	"vellum.news/internal/ratelimit"
	"vellum.news/wire"
)

// ErrServerClosed is returned by Serve after Shutdown has completed.
var ErrServerClosed = errors.New("nntpserver: server closed")

// Server is an NNTP server bound to a single listener; Serve may be called
// once per Server.
type Server struct {
	Hostname      string
	Store         catalog.Store
	AllowPosting  bool
	AllowStartTLS bool
	TLSConfig     *tls.Config
	MaxSessions   int
	ReadTimeout   time.Duration
	Logf          func(format string, v ...interface{})
	Metrics       metrics.Collector
	Limiter       *ratelimit.Limiter // guards AUTHINFO PASS
	Filer         *iox.Filer         // backs POST's article buffer; defaulted in Serve

	ln net.Listener

	shutdown         chan struct{}
	shutdownCtx      context.Context
	shutdownComplete chan struct{}

	sessionsMu   sync.Mutex
	sessionsCond *sync.Cond
	sessions     map[*session]struct{}
}

// Shutdown stops accepting new connections and waits for in-flight
// sessions to drain, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownCtx = ctx
	close(s.shutdown)
	s.ln.Close()

	select {
	case <-s.shutdownComplete:
	case <-ctx.Done():
	}
	return nil
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	if s.MaxSessions == 0 {
		s.MaxSessions = 64
	}
	if s.Logf == nil {
		s.Logf = log.Printf
	}
	if s.Metrics == nil {
		s.Metrics = metrics.Noop{}
	}
	if s.Filer == nil {
		s.Filer = iox.NewFiler(0)
	}

	s.sessionsMu.Lock()
	s.sessionsCond = sync.NewCond(&s.sessionsMu)
	s.sessions = make(map[*session]struct{})
	s.sessionsMu.Unlock()

	s.shutdown = make(chan struct{})
	s.shutdownComplete = make(chan struct{})
	s.ln = ln
	defer func() {
		ln.Close()
		close(s.shutdownComplete)
	}()

	var tempDelay time.Duration

acceptLoop:
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				break acceptLoop
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.Logf("nntpserver: accept error: %v", err)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go s.serveConn(c)
	}

	for {
		select {
		case <-s.shutdownCtx.Done():
			s.sessionsMu.Lock()
			for sess := range s.sessions {
				sess.conn.Close()
			}
			s.sessionsMu.Unlock()
			return ErrServerClosed
		default:
			s.sessionsMu.Lock()
			n := len(s.sessions)
			s.sessionsMu.Unlock()
			if n == 0 {
				return ErrServerClosed
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (s *Server) serveConn(c net.Conn) {
	sess := &session{
		server: s,
		conn:   wire.NewConn(c),
		state:  stateInitial,
	}

	s.sessionsMu.Lock()
	for len(s.sessions) >= s.MaxSessions {
		s.sessionsCond.Wait()
	}
	s.sessions[sess] = struct{}{}
	s.sessionsMu.Unlock()

	s.Metrics.ConnectionOpened("nntp")
	sess.serve()

	s.sessionsMu.Lock()
	delete(s.sessions, sess)
	s.sessionsCond.Signal()
	s.sessionsMu.Unlock()
	s.Metrics.ConnectionClosed("nntp")
}
