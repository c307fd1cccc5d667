package webhook

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fclairamb/kbsync/internal/drive"
	"github.com/fclairamb/kbsync/internal/store"
	"github.com/fclairamb/kbsync/internal/version"
)

const (
	// HTTP server timeouts.
	readHeaderTimeout = 10 * time.Second // Timeout for reading request headers
	shutdownTimeout   = 30 * time.Second // Timeout for graceful shutdown
)

// ChannelRegistrar registers and stops Drive push channels.
type ChannelRegistrar interface {
	WatchChanges(ctx context.Context, cred drive.Credential, collectionID, pageToken, address, token string) (*drive.Channel, error)
	StopChannel(ctx context.Context, cred drive.Credential, ch *drive.Channel) error
}

// Server represents the webhook HTTP server.
type Server struct {
	handler        *Handler
	router         chi.Router
	httpServer     *http.Server
	config         *ServerConfig
	logger         *slog.Logger
	syncWorker     *SyncWorker
	syncWorkerDone chan struct{}
	workerErr      chan error
	cancelFunc     context.CancelFunc

	channels ChannelRegistrar
	store    *store.Store
	cred     drive.Credential
	channel  *drive.Channel
	addr     chan net.Addr
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithChannels registers a push channel for the change feed of the drive bound
// in st when the config has an address.
func WithChannels(reg ChannelRegistrar, st *store.Store, cred drive.Credential) ServerOption {
	return func(s *Server) {
		s.channels = reg
		s.store = st
		s.cred = cred
	}
}

// NewServer creates a new webhook server. api, when not nil, is mounted at the
// root and serves every path the server does not.
// If syncWorker is not nil, it will be started alongside the HTTP server.
func NewServer(
	cfg *ServerConfig,
	api http.Handler,
	syncWorker *SyncWorker,
	logger *slog.Logger,
	opts ...ServerOption,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	var notifier Notifier
	if syncWorker != nil {
		notifier = syncWorker
	}
	handler := NewHandler(cfg.Secret, notifier, logger)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler { return loggingMiddleware(next, logger) })
	r.Get("/health", handler.HandleHealth)
	r.Get("/api/version", handler.HandleVersion)
	r.HandleFunc(cfg.Path, handler.HandleWebhook)
	if api != nil {
		r.Mount("/", api)
	}

	s := &Server{
		handler:    handler,
		router:     r,
		config:     cfg,
		logger:     logger,
		syncWorker: syncWorker,
		addr:       make(chan net.Addr, 1),
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server. This method blocks until the context is
// canceled, the listener fails, or the sync worker stops on a fatal error.
func (s *Server) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting webhook server",
		"port", s.config.Port,
		"path", s.config.Path,
		"sync_delay", s.config.SyncDelay,
		"schedule", s.config.Schedule,
		"version", version.Version,
		"commit", version.Commit,
		"build_time", version.GitTime)

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.addr <- ln.Addr()

	workerCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	if s.syncWorker != nil {
		s.syncWorkerDone = make(chan struct{})
		s.workerErr = make(chan error, 1)
		go func() {
			defer close(s.syncWorkerDone)
			if err := s.syncWorker.Start(workerCtx); err != nil {
				s.workerErr <- err
			}
		}()

		// Catch up on anything missed while the server was down.
		s.syncWorker.Notify()
	}

	s.registerChannel(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}

	select {
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "shutting down webhook server")
		return shutdown()
	case err := <-s.workerErr:
		return errors.Join(err, shutdown())
	case err := <-errCh:
		return errors.Join(err, shutdown())
	}
}

// registerChannel asks Drive to push change notifications to the configured
// address. A failure only disables push: the cron schedule still syncs.
func (s *Server) registerChannel(ctx context.Context) {
	if !s.config.RegistersChannel() || s.channels == nil || s.store == nil {
		return
	}

	cursor, err := s.store.GetCursor(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load cursor, push channel not registered", "error", err)
		return
	}
	if !cursor.HasToken() {
		s.logger.WarnContext(ctx, "no full sync yet, push channel not registered")
		return
	}

	address := s.config.Address + s.config.Path
	ch, err := s.channels.WatchChanges(ctx, s.cred, cursor.DriveID, cursor.NextChangeToken, address, s.config.Secret)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to register push channel", "address", address, "error", err)
		return
	}
	s.channel = ch
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.channel != nil {
		if err := s.channels.StopChannel(ctx, s.cred, s.channel); err != nil {
			s.logger.WarnContext(ctx, "failed to stop push channel", "channel_id", s.channel.ID, "error", err)
		}
		s.channel = nil
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	if s.syncWorkerDone != nil {
		s.logger.InfoContext(ctx, "waiting for sync worker to finish")
		<-s.syncWorkerDone
		s.logger.InfoContext(ctx, "sync worker finished")
	}

	return s.httpServer.Shutdown(ctx)
}

// Addr blocks until the server listens and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case addr := <-s.addr:
		s.addr <- addr
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// responseWriter records the status and body size of a response.
type responseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.written {
		return
	}
	rw.status = code
	rw.written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.WriteHeader(http.StatusOK)
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Hijack lets the event stream upgrade to a websocket through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNotHijacker
	}
	rw.status = http.StatusSwitchingProtocols
	rw.written = true
	return hj.Hijack()
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

var errNotHijacker = errors.New("response writer does not support hijacking")

// loggingMiddleware logs every request once it has been served. Health checks
// are logged at debug level.
func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, req)

		level := slog.LevelInfo
		if req.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		logger.Log(req.Context(), level, "http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rw.status,
			"bytes", rw.bytes,
			"remote_addr", req.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
