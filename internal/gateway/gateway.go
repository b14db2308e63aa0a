// Package gateway is the WebSocket endpoint workers connect to. A worker
// says hello, receives assignments, and reports progress and results.
package gateway

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log/slog"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/gobwas/ws"
    "github.com/gobwas/ws/wsutil"
    "github.com/google/uuid"

    "gridx.coordinator/internal/dispatcher"
    "gridx.coordinator/internal/owners"
    "gridx.coordinator/internal/registry"
)

// CloseAuthFailed is the close code sent when a hello fails owner
// authentication.
const CloseAuthFailed ws.StatusCode = 4401

// Workers is the registry surface the gateway drives.
type Workers interface {
    Register(ctx context.Context, w registry.Worker, conn registry.Conn) (registry.Worker, error)
    Deregister(ctx context.Context, workerID string, conn registry.Conn) (string, bool)
    Evict(ctx context.Context, workerID, ownerID string) (registry.Worker, bool)
    Get(workerID string) (registry.Worker, bool)
    Touch(ctx context.Context, workerID string) bool
}

// Dispatcher receives the events a worker reports.
type Dispatcher interface {
    Notify()
    JobStarted(ctx context.Context, workerID, jobID string) error
    JobFinished(ctx context.Context, workerID, jobID string, out dispatcher.Outcome) error
    WorkerLost(ctx context.Context, workerID string) error
}

type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
    return func(g *Gateway) { g.logger = l }
}

// WithOwners makes a hello that names an owner prove it with the owner's
// token. Without it owner claims are taken as given.
func WithOwners(o owners.Store) Option {
    return func(g *Gateway) { g.owners = o }
}

// WithReadTimeout bounds the silence between two frames from a worker.
func WithReadTimeout(d time.Duration) Option {
    return func(g *Gateway) { g.readTimeout = d }
}

type Gateway struct {
    workers      Workers
    dispatch     Dispatcher
    owners       owners.Store
    logger       *slog.Logger
    helloTimeout time.Duration
    readTimeout  time.Duration
    writeTimeout time.Duration
}

func New(workers Workers, d Dispatcher, opts ...Option) *Gateway {
    g := &Gateway{
        workers:      workers,
        dispatch:     d,
        logger:       slog.Default(),
        helloTimeout: 10 * time.Second,
        readTimeout:  90 * time.Second,
        writeTimeout: 10 * time.Second,
    }
    for _, opt := range opts {
        opt(g)
    }
    return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
    conn, _, _, err := ws.UpgradeHTTP(r, w)
    if err != nil {
        g.logger.Warn("worker upgrade failed", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
        return
    }

    ctx, cancel := context.WithCancel(r.Context())
    defer cancel()
    go func() {
        <-ctx.Done()
        conn.Close()
    }()

    if err := g.serve(ctx, conn); err != nil {
        g.logger.Info("worker session ended", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
    }
}

func (g *Gateway) serve(ctx context.Context, conn net.Conn) error {
    hello, err := g.readHello(conn)
    if err != nil {
        writeJSON(conn, &Frame{Type: TypeError, Error: err.Error()})
        return err
    }

    id := hello.WorkerID
    authenticated := false
    if hello.OwnerID != "" && g.owners != nil {
        owner, err := g.owners.Authenticate(ctx, hello.OwnerID, hello.AuthToken)
        if err != nil {
            rejectAuth(conn, err)
            return fmt.Errorf("authenticate owner %s: %w", hello.OwnerID, err)
        }
        authenticated = true
        if id == "" && owner.WorkerID != "" {
            // resume the owner's last worker unless it is still connected
            if _, live := g.workers.Get(owner.WorkerID); !live {
                id = owner.WorkerID
            }
        }
    }
    if id == "" {
        id = uuid.NewString()
    }

    // A verified owner naming a live worker id takes it over; the old
    // session's jobs are failed before the id can receive new work.
    if authenticated && hello.WorkerID != "" {
        if old, ok := g.workers.Evict(ctx, id, hello.OwnerID); ok {
            if err := g.dispatch.WorkerLost(context.WithoutCancel(ctx), old.ID); err != nil {
                g.logger.Error("fail jobs of replaced worker", slog.String("worker_id", old.ID), slog.String("error", err.Error()))
            }
        }
    }

    codec := CodecFor(hello.Format)
    wc := &workerConn{conn: conn, codec: codec, timeout: g.writeTimeout}

    w := registry.Worker{ID: id, OwnerID: hello.OwnerID}
    if hello.Caps != nil {
        w.Caps = *hello.Caps
    }
    w, err = g.workers.Register(ctx, w, wc)
    if err != nil {
        writeJSON(conn, &Frame{Type: TypeError, Error: err.Error()})
        return fmt.Errorf("register worker: %w", err)
    }
    defer g.disconnect(ctx, w.ID, wc)

    if authenticated {
        if err := g.owners.BindWorker(ctx, w.OwnerID, w.ID); err != nil {
            g.logger.Warn("bind worker to owner", slog.String("worker_id", w.ID), slog.String("owner_id", w.OwnerID), slog.String("error", err.Error()))
        }
    }

    if err := wc.write(&Frame{Type: TypeHelloAck, WorkerID: w.ID, Format: codec.Name()}); err != nil {
        return err
    }
    g.dispatch.Notify()

    for {
        if g.readTimeout > 0 {
            conn.SetReadDeadline(time.Now().Add(g.readTimeout))
        }
        data, _, err := wsutil.ReadClientData(conn)
        if err != nil {
            return err
        }
        g.workers.Touch(ctx, w.ID)

        f, err := codec.Decode(data)
        if err != nil {
            wc.write(&Frame{Type: TypeError, Error: "invalid frame: " + err.Error()})
            continue
        }
        if err := g.handle(ctx, w.ID, f); err != nil {
            g.logger.Warn("worker frame rejected",
                slog.String("worker_id", w.ID),
                slog.String("type", f.Type),
                slog.String("job_id", f.JobID),
                slog.String("error", err.Error()),
            )
            wc.write(&Frame{Type: TypeError, JobID: f.JobID, Error: err.Error()})
        }
    }
}

func (g *Gateway) readHello(conn net.Conn) (*Frame, error) {
    conn.SetReadDeadline(time.Now().Add(g.helloTimeout))
    defer conn.SetReadDeadline(time.Time{})

    data, _, err := wsutil.ReadClientData(conn)
    if err != nil {
        return nil, fmt.Errorf("read hello: %w", err)
    }
    var f Frame
    if err := json.Unmarshal(data, &f); err != nil {
        return nil, fmt.Errorf("decode hello: %w", err)
    }
    if f.Type != TypeHello {
        return nil, fmt.Errorf("first frame must be %s, got %q", TypeHello, f.Type)
    }
    return &f, nil
}

func (g *Gateway) handle(ctx context.Context, workerID string, f *Frame) error {
    switch f.Type {
    case TypeHeartbeat:
        return nil
    case TypeJobStarted:
        return g.dispatch.JobStarted(ctx, workerID, f.JobID)
    case TypeJobResult:
        out := dispatcher.Outcome{Stdout: f.Stdout, Stderr: f.Stderr, Error: f.Error}
        if f.ExitCode != nil {
            out.ExitCode = *f.ExitCode
        } else if f.Error == "" {
            out.Error = "missing exit code"
        }
        return g.dispatch.JobFinished(ctx, workerID, f.JobID, out)
    default:
        return errors.New("unknown frame type " + f.Type)
    }
}

// disconnect runs after the read loop ends, including on shutdown, so it
// works on a context that is no longer cancelled.
func (g *Gateway) disconnect(ctx context.Context, workerID string, wc *workerConn) {
    ctx = context.WithoutCancel(ctx)

    if _, ok := g.workers.Deregister(ctx, workerID, wc); !ok {
        return
    }
    if err := g.dispatch.WorkerLost(ctx, workerID); err != nil {
        g.logger.Error("fail jobs of disconnected worker", slog.String("worker_id", workerID), slog.String("error", err.Error()))
    }
}

// workerConn serializes writes to one worker socket.
type workerConn struct {
    mu      sync.Mutex
    conn    net.Conn
    codec   Codec
    timeout time.Duration
    once    sync.Once
}

func (c *workerConn) Send(_ context.Context, a registry.Assignment) error {
    return c.write(&Frame{
        Type:     TypeAssignJob,
        JobID:    a.JobID,
        UserID:   a.UserID,
        Code:     a.Code,
        Language: a.Language,
        Limits:   &a.Limits,
    })
}

func (c *workerConn) write(f *Frame) error {
    data, err := c.codec.Encode(f)
    if err != nil {
        return err
    }

    c.mu.Lock()
    defer c.mu.Unlock()
    if c.timeout > 0 {
        c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
    }
    return wsutil.WriteServerMessage(c.conn, c.codec.OpCode(), data)
}

func (c *workerConn) Close() error {
    var err error
    c.once.Do(func() { err = c.conn.Close() })
    return err
}

func rejectAuth(conn net.Conn, err error) {
    writeJSON(conn, &Frame{Type: TypeAuthError, Error: err.Error()})
    wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(CloseAuthFailed, "authentication failed"))
}

func writeJSON(conn net.Conn, f *Frame) {
    data, err := json.Marshal(f)
    if err != nil {
        return
    }
    wsutil.WriteServerText(conn, data)
}
