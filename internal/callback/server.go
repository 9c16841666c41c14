// Package callback receives OAuth redirects on a loopback address and
// delivers them to a flow.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/florianilch/oauthkeep/internal/oauthflow"
	"github.com/florianilch/oauthkeep/internal/tokenstore"
)

// DeliverFunc completes a flow with the redirect's parameters.
type DeliverFunc func(ctx context.Context, payload oauthflow.CallbackPayload) (*tokenstore.Record, error)

const (
	successPage = `<!doctype html><title>Signed in</title><p>Sign-in complete. You can close this window.</p>`
	failurePage = `<!doctype html><title>Sign-in failed</title><p>Sign-in failed. Return to the application for details.</p>`
	handledPage = `<!doctype html><title>Sign-in</title><p>This sign-in was already handled. You can close this window.</p>`
)

// Server is a one-shot redirect listener bound to one flow. The first
// request carrying a code or an error is delivered; later ones are answered
// but ignored.
type Server struct {
	flowID  string
	path    string
	deliver DeliverFunc

	mux      *http.ServeMux
	server   *http.Server
	resolved atomic.Bool
	done     chan struct{}
	err      error
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// New creates a Server for flowID that listens on redirectURI's path.
func New(flowID, redirectURI string, deliver DeliverFunc) (*Server, error) {
	if flowID == "" {
		return nil, fmt.Errorf("missing flow id")
	}
	if deliver == nil {
		return nil, fmt.Errorf("missing deliver func")
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect uri: %w", err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	s := &Server{
		flowID:  flowID,
		path:    path,
		deliver: deliver,
		done:    make(chan struct{}),
	}

	s.mux = http.NewServeMux()
	s.mux.Handle("GET "+path, applyMiddlewares(http.HandlerFunc(s.handle),
		ScrubQuery,
		Logging(slog.Default()),
		Recovery,
	))
	return s, nil
}

// ListenAddress returns the host:port a redirect URI points at. Only loopback
// hosts are accepted.
func ListenAddress(redirectURI string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect uri: %w", err)
	}
	if u.Scheme != "http" {
		return "", fmt.Errorf("redirect uri %q is not a local http address", redirectURI)
	}
	host := u.Hostname()
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return "", fmt.Errorf("redirect uri host %q is not a loopback address", host)
		}
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}
	return net.JoinHostPort(host, port), nil
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	q := queryFrom(r)
	payload := oauthflow.CallbackPayload{
		FlowID:           s.flowID,
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		SessionID:        q.Get("session_id"),
	}
	if payload.Code == "" && payload.Error == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	if !s.resolved.CompareAndSwap(false, true) {
		_, _ = w.Write([]byte(handledPage))
		return
	}

	_, err := s.deliver(r.Context(), payload)
	s.err = err
	close(s.done)

	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(failurePage))
		return
	}
	_, _ = w.Write([]byte(successPage))
}

// Done is closed after the first redirect was delivered.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the delivery error once Done is closed.
func (s *Server) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Start starts the HTTP server in the background and returns immediately.
// Startup errors (port in use, permission denied) are returned immediately;
// runtime errors are sent to the returned channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute, // covers the token exchange behind the redirect
		IdleTimeout:       30 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
