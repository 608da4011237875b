package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
	"github.com/helGmoro/tardiaplataforma-code/internal/service/auth"
	"github.com/helGmoro/tardiaplataforma-code/internal/service/bot"
	"github.com/helGmoro/tardiaplataforma-code/internal/ws"
)

// AuthService is the account surface used by the API.
type AuthService interface {
	Register(ctx context.Context, email, password string) (auth.Session, error)
	Login(ctx context.Context, email, password string) (auth.Session, error)
	Authorize(ctx context.Context, token string) (*domain.User, error)
}

// BotService is the bot lifecycle surface used by the API.
type BotService interface {
	Create(ctx context.Context, in bot.CreateInput) (*domain.Bot, error)
	List(ctx context.Context, ownerID int64) ([]domain.Bot, error)
	Get(ctx context.Context, ownerID, id int64) (*domain.Bot, error)
	Delete(ctx context.Context, ownerID, id int64) error
}

// HealthCheck probes one dependency.
type HealthCheck func(context.Context) error

// Deps are the collaborators of the Router.
type Deps struct {
	Logger  *slog.Logger
	Auth    AuthService
	Bots    BotService
	Hub     *ws.Hub
	Limiter RateLimiter
	// Health checks run by /health, keyed by component name.
	Health map[string]HealthCheck
	// Debug returns static platform information for /api/debug.
	Debug func() map[string]any
	// DeleteTimeout bounds how long a delete waits for an in-flight pipeline.
	DeleteTimeout time.Duration
	// Registerer receives the HTTP metrics; nil means the default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux           chi.Router
	logger        *slog.Logger
	auth          AuthService
	bots          BotService
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	health        map[string]HealthCheck
	debug         func() map[string]any
	deleteTimeout time.Duration
	started       time.Time

	metricsOnce        sync.Once
	metricsInitialized bool
	registerer         prometheus.Registerer
	gatherer           prometheus.Gatherer
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRegister  = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 30
	rateLimitUserRead  = 120
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 25 * time.Second
	maxBodyBytes       = 64 << 10
)

// NewRouter assembles routes with dependencies.
func NewRouter(deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    chi.NewRouter(),
		logger: logger,
		auth:   deps.Auth,
		bots:   deps.Bots,
		hub:    deps.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       deps.Limiter,
		health:        deps.Health,
		debug:         deps.Debug,
		deleteTimeout: deps.DeleteTimeout,
		started:       time.Now(),
		registerer:    deps.Registerer,
		gatherer:      deps.Gatherer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.deleteTimeout <= 0 {
		r.deleteTimeout = 30 * time.Second
	}
	if r.registerer == nil {
		r.registerer = prometheus.DefaultRegisterer
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	m := r.mux
	m.Use(middleware.Recoverer)
	m.Use(r.requestID)
	m.Use(r.audit)
	m.NotFound(func(w http.ResponseWriter, _ *http.Request) { r.notFound(w) })
	m.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) { r.methodNotAllowed(w) })

	m.Get("/health", r.handleHealth)
	m.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	m.Route("/api", func(api chi.Router) {
		api.With(r.rateLimit("auth_register", rateLimitRegister, rateWindowDefault, rateLimitKeyIP)).
			Post("/auth/register", r.handleRegister)
		api.With(r.rateLimit("auth_login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP)).
			Post("/auth/login", r.handleLogin)

		api.Group(func(authed chi.Router) {
			authed.Use(r.requireAuth)

			authed.With(r.rateLimit("debug", rateLimitUserRead, rateWindowDefault, rateLimitKeyUser)).
				Get("/debug", r.handleDebug)

			read := authed.With(r.rateLimit("bots_read", rateLimitUserRead, rateWindowDefault, rateLimitKeyUser))
			write := authed.With(r.rateLimit("bots_write", rateLimitUserWrite, rateWindowDefault, rateLimitKeyUser))
			stream := authed.With(r.rateLimit("bots_events", rateLimitStream, rateWindowRealtime, rateLimitKeyUser))

			read.Get("/bots", r.handleListBots)
			write.Post("/bots", r.handleCreateBot)
			write.Post("/crear-bot", r.handleCreateBot)
			stream.Get("/bots/events", r.handleBotEvents)
			read.Get("/bots/{id}", r.handleGetBot)
			write.Delete("/bots/{id}", r.handleDeleteBot)
		})
	})

	m.With(r.requireAuth, r.rateLimit("ws_bots", rateLimitStream, rateWindowRealtime, rateLimitKeyUser)).
		Get("/ws/bots", r.handleBotsWS)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
