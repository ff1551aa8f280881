// Package vellumd wires the NNTP and IMAP engines to a set of listeners
// (spec.md §4.G). Grounded on spilled-ink-spilld's spilldb/spilldb.go
// Server shape: a ServerAddr per listener, each served on its own
// goroutine, with a shutdownFns slice drained on Shutdown. The teacher
// wires SMTP/MSA/IMAP servers against sqlite-backed subsystems; we trim
// that down to the two protocol engines this spec covers, fused against
// the shared catalog.Store rather than a database layer.
package vellumd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"

	"vellum.news/catalog"
	"vellum.news/imap/imapserver"
	"vellum.news/internal/metrics"
	"vellum.news/internal/ratelimit"
	"vellum.news/nntp/nntpserver"
)

// PortClass describes how a listener's connections reach TLS, per spec
// §4.G: a clear-text port may later STARTTLS, an implicit-TLS port
// handshakes before the protocol greeting, and an explicit-TLS port is
// clear-text only (used for loopback/test listeners that never upgrade).
type PortClass int

const (
	ClearText PortClass = iota
	ImplicitTLS
	ExplicitTLS
)

// ServerAddr binds a listener to a hostname, TLS configuration, and port
// class. One ServerAddr is passed per listener to Serve.
type ServerAddr struct {
	Hostname  string
	Ln        net.Listener
	TLSConfig *tls.Config
	PortClass PortClass
}

// Server runs the NNTP and IMAP engines against a shared catalog.Store.
type Server struct {
	Store   catalog.Store
	Logf    func(format string, v ...interface{})
	Metrics metrics.Collector
	Limiter *ratelimit.Limiter

	AllowPosting  bool
	AllowStartTLS bool

	shutdownFnsMu sync.Mutex
	shutdownFns   []func(context.Context) error
}

func (s *Server) addShutdownFn(fn func(context.Context) error) {
	s.shutdownFnsMu.Lock()
	s.shutdownFns = append(s.shutdownFns, fn)
	s.shutdownFnsMu.Unlock()
}

func (s *Server) logf(format string, v ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, v...)
		return
	}
	log.Printf(format, v...)
}

// Serve starts one goroutine per listener and blocks until all of them
// return. An implicit-TLS address is wrapped with tls.NewListener so the
// handshake happens before the accepted net.Conn ever reaches the
// protocol engine, mirroring how the teacher's imapserver.serveSession
// unconditionally wraps every connection in tls.Server; here it is
// conditional on PortClass, since clear-text and explicit-TLS-only
// listeners must not be wrapped.
func (s *Server) Serve(nntp, imap []ServerAddr) error {
	errCh := make(chan error, len(nntp)+len(imap))
	var wg sync.WaitGroup

	for _, addr := range nntp {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logf("vellumd: NNTP %s, %s: starting", addr.Hostname, addr.Ln.Addr())
			if err := s.serveNNTP(addr); err != nil {
				if err != nntpserver.ErrServerClosed {
					errCh <- fmt.Errorf("vellumd NNTP %s: %v", addr.Hostname, err)
				}
			}
			s.logf("vellumd: NNTP %s, %s: shutdown", addr.Hostname, addr.Ln.Addr())
		}()
	}

	for _, addr := range imap {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logf("vellumd: IMAP %s, %s: starting", addr.Hostname, addr.Ln.Addr())
			if err := s.serveIMAP(addr); err != nil {
				if err != imapserver.ErrServerClosed {
					errCh <- fmt.Errorf("vellumd IMAP %s: %v", addr.Hostname, err)
				}
			}
			s.logf("vellumd: IMAP %s, %s: shutdown", addr.Hostname, addr.Ln.Addr())
		}()
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) listener(addr ServerAddr) net.Listener {
	if addr.PortClass == ImplicitTLS && addr.TLSConfig != nil {
		return tls.NewListener(addr.Ln, addr.TLSConfig)
	}
	return addr.Ln
}

func (s *Server) serveNNTP(addr ServerAddr) error {
	srv := &nntpserver.Server{
		Hostname:      addr.Hostname,
		Store:         s.Store,
		AllowPosting:  s.AllowPosting,
		AllowStartTLS: s.AllowStartTLS && addr.PortClass == ClearText,
		TLSConfig:     addr.TLSConfig,
		Logf:          s.Logf,
		Metrics:       s.Metrics,
		Limiter:       s.Limiter,
	}
	s.addShutdownFn(srv.Shutdown)
	return srv.Serve(s.listener(addr))
}

func (s *Server) serveIMAP(addr ServerAddr) error {
	srv := &imapserver.Server{
		Hostname:      addr.Hostname,
		Store:         s.Store,
		AllowStartTLS: s.AllowStartTLS && addr.PortClass == ClearText,
		TLSConfig:     addr.TLSConfig,
		Logf:          s.Logf,
		Metrics:       s.Metrics,
		Limiter:       s.Limiter,
	}
	s.addShutdownFn(srv.Shutdown)
	return srv.Serve(s.listener(addr))
}

// Shutdown drains every registered listener's Shutdown, matching the
// teacher's staged shutdown: serving elements stop first, then the
// caller is free to bring down whatever store backs s.Store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logf("vellumd: shutdown started")

	s.shutdownFnsMu.Lock()
	fns := s.shutdownFns
	s.shutdownFns = nil
	s.shutdownFnsMu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(fns))
	for _, fn := range fns {
		wg.Add(1)
		fn := fn
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()

	s.logf("vellumd: shutdown complete")
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
