// Package gateway implements the client-facing side of the aggregating MCP
// gateway: a JSON-RPC router over the shared catalog, a Streamable HTTP
// session manager, a legacy SSE session manager, and the HTTP server tying
// them together with CORS, health endpoints, and ordered shutdown.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/yulin0629/mcp-sse-proxy/pkg/catalog"
	"github.com/yulin0629/mcp-sse-proxy/pkg/upstream"
)

const (
	defaultMCPPath     = "/mcp"
	defaultSSEPath     = "/sse"
	defaultMessagePath = "/messages"

	httpCloseTimeout = 5 * time.Second
	tcpKeepAlive     = 15 * time.Second
)

// Options configure the Server.
type Options struct {
	// Port is the TCP listen port. Defaults to 3006.
	Port int
	// Path mounts the modern transport. Defaults to "/mcp".
	Path string
	// SSEPath mounts the legacy event stream. Defaults to "/sse".
	SSEPath string
	// MessagePath mounts the legacy POST ingress. Defaults to "/messages".
	MessagePath string
	// HealthEndpoints are additional paths answering 200 "ok".
	HealthEndpoints []string
	// EnableCORS wraps the surface in a permissive CORS layer. On by
	// default at the CLI.
	EnableCORS bool
	// MaxRequestsPerSession caps in-flight requests per modern session.
	// Defaults to 10.
	MaxRequestsPerSession int
	// Logger receives structured diagnostics.
	Logger *zap.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Port == 0 {
		opts.Port = 3006
	}
	if opts.Path == "" {
		opts.Path = defaultMCPPath
	}
	if opts.SSEPath == "" {
		opts.SSEPath = defaultSSEPath
	}
	if opts.MessagePath == "" {
		opts.MessagePath = defaultMessagePath
	}
	if opts.MaxRequestsPerSession <= 0 {
		opts.MaxRequestsPerSession = 10
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// Server is the assembled gateway front door.
type Server struct {
	opts   Options
	logger *zap.Logger

	pool    *upstream.Pool
	catalog *catalog.Catalog
	router  *Router
	modern  *ModernManager
	legacy  *LegacyManager

	handler    http.Handler
	httpServer *http.Server

	fatalOnce sync.Once
	fatal     chan struct{}

	shutdownOnce sync.Once
}

// New assembles the gateway over a connected upstream pool and wires the
// pool's list-changed events into client broadcasts.
func New(pool *upstream.Pool, opts *Options) *Server {
	o := opts.withDefaults()
	s := &Server{
		opts:   o,
		logger: o.Logger,
		pool:   pool,
		fatal:  make(chan struct{}),
	}
	s.catalog = catalog.New(pool, o.Logger)
	s.router = NewRouter(s.catalog, o.Logger)
	s.modern = NewModernManager(s.router, o.MaxRequestsPerSession, o.Logger)
	s.legacy = NewLegacyManager(s.router, o.MessagePath, o.Path, o.Logger)
	s.handler = s.buildHandler()
	return s
}

// Router exposes the router so the upstream pool's notification hook can be
// bound before connecting.
func (s *Server) Router() *Router { return s.router }

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// FatalNotify is closed when a handler panic asks for a graceful shutdown.
func (s *Server) FatalNotify() <-chan struct{} { return s.fatal }

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(s.opts.Path, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.modern.HandlePost(w, r)
		case http.MethodGet:
			s.modern.HandleGet(w, r)
		case http.MethodDelete:
			s.modern.HandleDelete(w, r)
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc(s.opts.SSEPath, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.legacy.HandleSSE(w, r)
		case http.MethodPost:
			s.legacy.HandleSSEPost(w, r)
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc(s.opts.MessagePath, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.legacy.HandleMessage(w, r)
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	for _, path := range s.opts.HealthEndpoints {
		mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "ok")
		})
	}

	var handler http.Handler = mux
	if s.opts.EnableCORS {
		handler = cors.New(cors.Options{
			AllowedOrigins:       []string{"*"},
			AllowedMethods:       []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:       []string{"Content-Type", headerSessionID, "Cache-Control"},
			ExposedHeaders:       []string{headerSessionID, "Content-Type"},
			OptionsSuccessStatus: http.StatusOK,
		}).Handler(handler)
	}
	return s.recoverPanics(handler)
}

// recoverPanics keeps one broken handler from taking the process down, and
// asks the lifecycle for a graceful shutdown instead.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path))
				writeRPCMessage(w, http.StatusInternalServerError,
					errorMessage(nil, codeInternal, "internal server error"))
				s.fatalOnce.Do(func() { close(s.fatal) })
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe binds the listener (with 15s TCP keep-alive probes for the
// long-lived SSE sockets) and serves until ctx is cancelled, then runs the
// ordered shutdown. The returned error is non-nil when any shutdown step
// exceeded its cap.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{KeepAlive: tcpKeepAlive}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("bind port %d: %w", s.opts.Port, err)
	}
	s.httpServer = &http.Server{Handler: s.handler}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()
	s.logger.Info("gateway listening", zap.Int("port", s.opts.Port))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown runs the ordered teardown: upstreams in parallel (10s each),
// then sessions (each close is non-blocking, so no per-session wait is
// applied), then the HTTP listener (5s). Individual
// failures are logged and do not halt later steps; a non-nil return means
// a cap was exceeded and the process should exit non-zero.
func (s *Server) Shutdown() error {
	var result error
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down")
		s.modern.SetDraining()
		s.legacy.SetDraining()

		if err := s.pool.DisconnectAll(context.Background()); err != nil {
			s.logger.Warn("upstream disconnect incomplete", zap.Error(err))
			if errors.Is(err, context.DeadlineExceeded) {
				result = err
			}
		}

		s.modern.CloseAll()
		s.legacy.CloseAll()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), httpCloseTimeout)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Warn("http close exceeded cap, forcing", zap.Error(err))
				_ = s.httpServer.Close()
				result = err
			}
		}
		s.logger.Info("shutdown complete")
	})
	return result
}

// Shared HTTP helpers.

func jsonEncode(msg *rpcMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func writeRPCMessage(w http.ResponseWriter, status int, msg *rpcMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if msg == nil {
		return
	}
	data, err := jsonEncode(msg)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}

func setEventStreamHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func writeSSEMessage(w io.Writer, flusher http.Flusher, msg *rpcMessage) error {
	data, err := jsonEncode(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
