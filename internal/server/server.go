package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"forgeauth/internal/clock"
	"forgeauth/internal/oauth"
	"forgeauth/internal/recovery"
	"forgeauth/internal/session"
	"forgeauth/pkg/logging"
	"forgeauth/pkg/redact"
)

const (
	DefaultCallbackPath      = "/oauth/callback"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultWriteTimeout      = 120 * time.Second
	DefaultIdleTimeout       = 120 * time.Second

	// requestTimeout bounds a single request including remote calls.
	requestTimeout = 60 * time.Second
)

// Authenticator is the token exchanger as seen by the HTTP layer.
type Authenticator interface {
	StartAuthorization(ctx context.Context, req oauth.AuthorizationRequest) (*oauth.AuthorizationResult, error)
	ExchangeCode(ctx context.Context, req oauth.ExchangeRequest) (*oauth.TokenPair, error)
	FetchUserInfo(ctx context.Context, applicationID string, token *oauth.AccessToken) (*oauth.UserInfo, error)
	RevokeRefreshToken(ctx context.Context, refreshTokenID string) error
}

// Sessions is the session manager as seen by the HTTP layer.
type Sessions interface {
	CreateSession(ctx context.Context, req session.CreateRequest) (*session.UserSession, error)
	GetSession(ctx context.Context, id string) (*session.UserSession, error)
	UpdateActivity(ctx context.Context, id string) error
	RefreshSessionToken(ctx context.Context, id string) (*oauth.AccessToken, error)
	RevokeSession(ctx context.Context, id string) error
	GetUserSessions(ctx context.Context, userID string) []*session.UserSession
}

// ErrorHandler turns failures into recovery outcomes.
type ErrorHandler interface {
	HandleError(ctx context.Context, err error, rc recovery.RecoveryContext) recovery.RecoveryResult
}

// Options wires a Server.
type Options struct {
	ListenAddr   string
	CallbackPath string

	Auth     Authenticator
	Sessions Sessions
	Recovery ErrorHandler

	// APIToken is the operator bearer token for the session endpoints.
	APIToken redact.Secret

	// Metrics serves /metrics when set.
	Metrics http.Handler

	Clock  clock.Clock
	Logger *logging.Logger
}

// Server is the HTTP front end.
type Server struct {
	opts    Options
	router  chi.Router
	clock   clock.Clock
	logger  *logging.Logger
	started time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// New builds the server and its routes.
func New(opts Options) *Server {
	if opts.CallbackPath == "" {
		opts.CallbackPath = DefaultCallbackPath
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	s := &Server{
		opts:    opts,
		clock:   clk,
		logger:  opts.Logger,
		started: clk.Now(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Get("/oauth/authorize", s.handleAuthorize)
	r.Get(s.opts.CallbackPath, s.handleCallback)

	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Use(s.requireSessionOwner)
		r.Get("/", s.handleGetSession)
		r.Delete("/", s.handleRevokeSession)
		r.Post("/activity", s.handleActivity)
		r.Post("/refresh", s.handleRefresh)
	})
	r.With(s.requireOperator).Get("/users/{userID}/sessions", s.handleUserSessions)

	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.ListenAddr, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server", err, "HTTP server stopped unexpectedly")
		}
	}(s.httpServer)

	s.logger.Info("Server", "Listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP", "%s %s -> %d (%v) [%s]",
			r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}
