package api

import (
    "context"
    "crypto/subtle"
    "log/slog"
    "net/http"
    "strings"

    "gridx.coordinator/internal/coordinator"
    "gridx.coordinator/internal/jobs"
    "gridx.coordinator/internal/ledger"
    "gridx.coordinator/internal/registry"
    "gridx.coordinator/internal/status"
)

type Coordinator interface {
    Submit(ctx context.Context, sub coordinator.Submission) (jobs.Job, error)
    GetJob(ctx context.Context, jobID string) (jobs.Job, error)
    ListJobs(ctx context.Context, f jobs.Filter) ([]jobs.Job, error)
    Cancel(ctx context.Context, userID, jobID string) (jobs.Job, error)
    OpenAccount(ctx context.Context, userID string, balance int64) (ledger.Account, error)
    GetBalance(ctx context.Context, userID string) (int64, error)
    Entries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error)
}

type WorkerLister interface {
    List() []registry.Worker
}

type StatusReporter interface {
    Snapshot(ctx context.Context) (status.Snapshot, error)
}

type Pinger interface {
    Ping(ctx context.Context) error
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
    return func(s *Server) { s.logger = l }
}

func WithWorkers(w WorkerLister) Option {
    return func(s *Server) { s.workers = w }
}

func WithStatus(r StatusReporter) Option {
    return func(s *Server) { s.status = r }
}

func WithHealth(p Pinger) Option {
    return func(s *Server) { s.health = p }
}

// WithGateway mounts the worker WebSocket endpoint.
func WithGateway(h http.Handler) Option {
    return func(s *Server) { s.gateway = h }
}

// WithSubmitLimit caps job submissions per user per minute. Zero disables
// the limit.
func WithSubmitLimit(perMinute int) Option {
    return func(s *Server) { s.limiter = newUserLimiter(perMinute) }
}

type Server struct {
    coord     Coordinator
    authToken string
    logger    *slog.Logger
    workers   WorkerLister
    status    StatusReporter
    health    Pinger
    gateway   http.Handler
    limiter   *userLimiter
}

func NewServer(coord Coordinator, authToken string, opts ...Option) *Server {
    s := &Server{
        coord:     coord,
        authToken: authToken,
        logger:    slog.Default(),
    }
    for _, opt := range opts {
        opt(s)
    }
    return s
}

func (s *Server) Routes() http.Handler {
    mux := http.NewServeMux()
    mux.Handle("/health", http.HandlerFunc(s.handleHealth))
    mux.Handle("/status", s.authMiddleware(http.HandlerFunc(s.handleStatus)))
    mux.Handle("/v1/accounts", s.authMiddleware(http.HandlerFunc(s.handleAccounts)))
    mux.Handle("/v1/accounts/", s.authMiddleware(http.HandlerFunc(s.handleAccountByID)))
    mux.Handle("/v1/jobs", s.authMiddleware(http.HandlerFunc(s.handleJobs)))
    mux.Handle("/v1/jobs/", s.authMiddleware(http.HandlerFunc(s.handleJobByID)))
    mux.Handle("/v1/workers", s.authMiddleware(http.HandlerFunc(s.handleWorkers)))
    if s.gateway != nil {
        mux.Handle("/v1/workers/connect", s.authMiddleware(s.gateway))
    }
    return mux
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        token := extractBearerToken(r.Header.Get("Authorization"))
        if !secureCompare(token, s.authToken) {
            writeError(w, http.StatusUnauthorized, "unauthorized")
            return
        }
        next.ServeHTTP(w, r)
    })
}

func extractBearerToken(header string) string {
    if header == "" {
        return ""
    }
    parts := strings.SplitN(header, " ", 2)
    if len(parts) != 2 {
        return ""
    }
    if !strings.EqualFold(parts[0], "Bearer") {
        return ""
    }
    return strings.TrimSpace(parts[1])
}

func secureCompare(a, b string) bool {
    if len(a) != len(b) {
        return false
    }
    return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
