// Command vellumd runs the NNTP and IMAP engines against an in-memory
// catalog store. Grounded on spilled-ink-spilld's cmd/spilld/main.go:
// flag parsing, devcert for -dev, autocert otherwise, and a pprof debug
// server. The teacher also opens SMTP/MSA listeners against a sqlite
// store; this spec's scope is NNTP+IMAP against catalog.Store, so those
// are dropped (concrete storage backends and TLS certificate acquisition
// beyond the dev convenience are both explicit Non-goals).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/acme/autocert"

	"vellum.news/catalog/memstore"
	"vellum.news/internal/devcert"
	"vellum.news/internal/metrics"
	"vellum.news/internal/ratelimit"
	"vellum.news/vellumd"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func main() {
	log.SetFlags(0)
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("cannot read hostname: %v, using localhost", err)
		hostname = "localhost"
	}

	flagDev := flag.Bool("dev", false, "development server, local CA is used")
	flagCertDir := flag.String("cert_dir", "", "directory for autocert's certificate cache")
	flagDebugAddr := flag.String("debug_addr", "", "HTTP address for the debug server (do *not* expose to the public)")
	flagNNTPHostname := flag.String("nntp_hostname", hostname, "NNTP hostname")
	flagNNTPAddr := flag.String("nntp_addr", ":119", "NNTP address")
	flagIMAPHostname := flag.String("imap_hostname", hostname, "IMAP hostname")
	flagIMAPAddr := flag.String("imap_addr", ":143", "IMAP address")
	flagHTTPAddr := flag.String("http_addr", ":80", "address for HTTP (used by Let's Encrypt autocert)")
	flagDomain := flag.String("domain", hostname, "domain suffix for generated message-ids")
	flagDelimiter := flag.String("hierarchy_delimiter", ".", "catalog hierarchy delimiter")

	flag.Parse()

	log.Printf("vellumd, version %s, starting at %s", version, time.Now())

	var certManager *autocert.Manager
	var tlsConfig *tls.Config
	if *flagDev {
		log.Printf("***DEVELOPMENT MODE***")
		tlsConfig, err = devcert.Config()
		if err != nil {
			log.Fatal(err)
		}
	} else {
		var hosts []string
		if *flagNNTPHostname != "" {
			hosts = append(hosts, *flagNNTPHostname)
		}
		if *flagIMAPHostname != "" {
			hosts = append(hosts, *flagIMAPHostname)
		}
		cacheDir := *flagCertDir
		if cacheDir == "" {
			cacheDir = filepath.Join(os.TempDir(), "vellumd-certs")
		}
		certManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(hosts...),
			Cache:      autocert.DirCache(cacheDir),
		}
		tlsConfig = &tls.Config{
			GetCertificate: certManager.GetCertificate,
		}
	}

	store := memstore.New(*flagDelimiter, *flagDomain)

	srv := &vellumd.Server{
		Store:         store,
		Logf:          log.Printf,
		Metrics:       metrics.NewPrometheus(prometheus.DefaultRegisterer),
		Limiter:       &ratelimit.Limiter{},
		AllowPosting:  true,
		AllowStartTLS: true,
	}

	var nntpAddrs, imapAddrs []vellumd.ServerAddr

	if *flagNNTPAddr != "" {
		ln, err := net.Listen("tcp", *flagNNTPAddr)
		if err != nil {
			log.Fatal(err)
		}
		nntpAddrs = append(nntpAddrs, vellumd.ServerAddr{
			Hostname:  *flagNNTPHostname,
			Ln:        ln,
			TLSConfig: tlsConfig,
			PortClass: vellumd.ClearText,
		})
	}
	if *flagIMAPAddr != "" {
		ln, err := net.Listen("tcp", *flagIMAPAddr)
		if err != nil {
			log.Fatal(err)
		}
		imapAddrs = append(imapAddrs, vellumd.ServerAddr{
			Hostname:  *flagIMAPHostname,
			Ln:        ln,
			TLSConfig: tlsConfig,
			PortClass: vellumd.ClearText,
		})
	}

	if *flagDev && *flagDebugAddr == "" {
		*flagDebugAddr = ":1380"
	}
	if *flagDebugAddr != "" {
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", pprof.Index)
		debugMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		debugMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		debugMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		debugMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		debugServer := &http.Server{Handler: debugMux}
		go func() {
			ln, err := net.Listen("tcp", *flagDebugAddr)
			if err != nil {
				log.Printf("http debug server: %s", err)
				return
			}
			log.Printf("debug HTTP starting on %s", ln.Addr())
			if err := debugServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Printf("http debug serving error: %v", err)
			}
		}()
	}

	if certManager != nil && *flagHTTPAddr != "" {
		go func() {
			err := http.ListenAndServe(*flagHTTPAddr, certManager.HTTPHandler(nil))
			if err != nil && err != http.ErrServerClosed {
				log.Fatalf("HTTP: %v", err)
			}
		}()
	}

	go func() {
		if err := srv.Serve(nntpAddrs, imapAddrs); err != nil {
			log.Printf("vellumd serve error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		cancel()
	}()
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		srv.Shutdown(shutdownCtx)
		wg.Done()
	}()
	wg.Wait()

	log.Printf("vellumd: shut down")
}
