// Package server owns the lifecycle of a running demo server: bind, serve in
// the background, and stop with a graceful drain.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"demoserve/internal/httpapi"
	"demoserve/internal/iface"
	"demoserve/internal/ports"
)

// Options configures Start.
type Options struct {
	API    httpapi.Options
	Logger zerolog.Logger
	// ReadHeaderTimeout guards against slow clients; defaults to 10s.
	ReadHeaderTimeout time.Duration
}

// Handle is a running server. Exactly one Handle owns a bound port.
type Handle struct {
	srv      *http.Server
	ln       net.Listener
	api      *httpapi.Server
	log      zerolog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	stopOnce sync.Once
	stopErr  error
}

// Start binds host:port synchronously and serves on a background goroutine.
// Bind errors are returned to the caller; Start never blocks on serving.
func Start(ctx context.Context, i *iface.Interface, host string, port int, dir string, opts Options) (*Handle, error) {
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	apiOpts := opts.API
	apiOpts.BaseContext = base
	api, err := httpapi.New(i, dir, apiOpts)
	if err != nil {
		cancel()
		return nil, err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	rht := opts.ReadHeaderTimeout
	if rht <= 0 {
		rht = 10 * time.Second
	}
	h := &Handle{
		srv: &http.Server{
			Handler:           api.Handler(),
			ReadHeaderTimeout: rht,
			BaseContext:       func(net.Listener) context.Context { return base },
		},
		ln:     ln,
		api:    api,
		log:    opts.Logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.serve()
	h.log.Info().Str("addr", h.Addr()).Str("dir", dir).Msg("demo server listening")
	return h, nil
}

func (h *Handle) serve() {
	defer close(h.done)
	err := h.srv.Serve(h.ln)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err != nil {
		h.log.Error().Err(err).Msg("serve failed")
	}
	h.err = err
}

// StartSimple picks the first free port in [port, port+window) and starts
// the server on it.
func StartSimple(ctx context.Context, i *iface.Interface, host string, port, window int, dir string, opts Options) (*Handle, error) {
	p, err := ports.Find(host, port, port+window)
	if err != nil {
		return nil, err
	}
	return Start(ctx, i, host, p, dir, opts)
}

// Stop stops accepting connections, drains in-flight requests until ctx is
// done, then cancels outstanding model calls and closes the socket. Only the
// first call acts; later calls return the first result.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		err := h.srv.Shutdown(ctx)
		h.cancel()
		if err != nil {
			// drain timed out: drop the remaining connections
			_ = h.srv.Close()
			h.stopErr = fmt.Errorf("shutdown: %w", err)
		}
		<-h.done
		h.log.Info().Str("addr", h.Addr()).Msg("demo server stopped")
	})
	return h.stopErr
}

// Done is closed once the serve goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports why serving ended. It is nil while running and after a
// deliberate Stop.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Addr is the bound address.
func (h *Handle) Addr() string { return h.ln.Addr().String() }

// Port is the bound port.
func (h *Handle) Port() int {
	if a, ok := h.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// URL is the local base URL.
func (h *Handle) URL() string { return "http://" + h.Addr() + "/" }

// API exposes the HTTP layer, mainly for its flag log.
func (h *Handle) API() *httpapi.Server { return h.api }
