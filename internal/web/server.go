// Package web exposes the account summary over HTTP: JSON endpoints, an SSE stream,
// an explicit sync trigger and Prometheus metrics.
package web

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/cabinet/internal/clients"
	"github.com/vadiminshakov/cabinet/internal/domain"
)

const defaultHeartbeat = 30 * time.Second

type summarySource interface {
	Summary() domain.AccountSummary
	Balances() []domain.AccountBalance
	Load(ctx context.Context) error
}

type summaryStream interface {
	Subscribe() chan domain.AccountSummary
	Unsubscribe(ch chan domain.AccountSummary)
}

// Server exposes HTTP endpoints serving the summary and an SSE stream.
type Server struct {
	Addr      string
	Source    summarySource
	Stream    summaryStream
	Heartbeat time.Duration
	l         *zap.Logger
}

// NewServer creates a new web server instance.
func NewServer(addr string, source summarySource, stream summaryStream, l *zap.Logger) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	return &Server{Addr: addr, Source: source, Stream: stream, Heartbeat: defaultHeartbeat, l: l}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/summary", gzipped(http.HandlerFunc(s.handleSummary)))
	mux.Handle("/accounts", gzipped(http.HandlerFunc(s.handleAccounts)))
	mux.HandleFunc("/summary/stream", s.handleSummaryStream)
	mux.HandleFunc("/sync", s.handleSync)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("web server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "web server")
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with automatic TLS certificates via ACME.
// It also starts an HTTP server on port 80 to handle ACME HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if len(domains) == 0 {
		return errors.New("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("http (acme) server shutdown error", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("https server shutdown error", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("http (acme) server error", zap.Error(err))
		}
	}()

	s.l.Info("web server listening with automatic TLS",
		zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "https server")
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.Source.Summary())
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.Source.Balances())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.Source.Load(r.Context()); err != nil {
		if errors.Is(err, clients.ErrUnauthenticated) {
			http.Error(w, "not authenticated", http.StatusUnauthorized)
			return
		}
		s.l.Error("sync failed", zap.Error(err))
		http.Error(w, "sync failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusAccepted, s.Source.Summary())
}

func (s *Server) handleSummaryStream(w http.ResponseWriter, r *http.Request) {
	if s.Stream == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "summary stream not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.Stream.Subscribe()
	defer s.Stream.Unsubscribe(ch)

	// send a comment heartbeat so proxies keep connection
	heartbeat := time.NewTicker(s.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case summary, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(summary)
			if err != nil {
				s.l.Warn("summary stream marshal", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: summary\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.l.Warn("failed to write response", zap.Error(err))
	}
}

func gzipped(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")

		gz := gzip.NewWriter(w)
		defer gz.Close()

		next.ServeHTTP(&gzipResponseWriter{ResponseWriter: w, writer: gz}, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipResponseWriter) WriteHeader(statusCode int) {
	w.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	return w.writer.Write(b)
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Cabinet</title>
  <style>
    body { font-family: 'Space Mono', monospace; margin: 2rem; color: #111; }
    dt { color: #4d4d4d; margin-top: .75rem; }
    dd { margin: 0; font-size: 1.5rem; }
    .loading { color: #9c9c9c; }
  </style>
</head>
<body>
  <h1>Accounts summary</h1>
  <dl id="summary" class="loading">
    <dt>Balance</dt><dd id="total_balance">-</dd>
    <dt>Credit</dt><dd id="total_credit">-</dd>
    <dt>Equity</dt><dd id="total_equity">-</dd>
    <dt>Deposits</dt><dd id="total_deposits">-</dd>
    <dt>Withdrawals</dt><dd id="total_withdrawals">-</dd>
  </dl>
  <script>
    const fields = ['total_balance', 'total_credit', 'total_equity', 'total_deposits', 'total_withdrawals'];
    const render = (s) => {
      fields.forEach((f) => { document.getElementById(f).textContent = s[f]; });
      document.getElementById('summary').className = s.loading ? 'loading' : '';
    };
    fetch('/summary').then((r) => r.json()).then(render);
    const es = new EventSource('/summary/stream');
    es.addEventListener('summary', (e) => render(JSON.parse(e.data)));
  </script>
</body>
</html>`
