// Package registry tracks connected workers and the job each one holds.
package registry

import (
    "context"
    "errors"
    "log/slog"
    "sort"
    "sync"
    "time"

    "gridx.coordinator/internal/jobs"
    "gridx.coordinator/internal/validate"
)

type Status string

const (
    StatusIdle Status = "idle"
    StatusBusy Status = "busy"
)

type Capabilities struct {
    CPUCores int  `json:"cpu_cores" msgpack:"cpu_cores"`
    MemoryMB int  `json:"memory_mb" msgpack:"memory_mb"`
    GPU      bool `json:"gpu" msgpack:"gpu"`
}

type Worker struct {
    ID           string
    OwnerID      string
    Caps         Capabilities
    Status       Status
    CurrentJobID string
    ConnectedAt  time.Time
    LastSeen     time.Time
}

// Limits bound one execution on the worker.
type Limits struct {
    TimeoutSecs int `json:"timeout_s" msgpack:"timeout_s"`
}

// Assignment is what a worker receives to execute.
type Assignment struct {
    JobID    string `json:"job_id"`
    UserID   string `json:"user_id"`
    Code     string `json:"code"`
    Language string `json:"language"`
    Limits   Limits `json:"limits"`
}

// Conn delivers assignments to one connected worker.
type Conn interface {
    Send(ctx context.Context, a Assignment) error
    Close() error
}

// Presence mirrors worker liveness outside this process so that other
// coordinator instances can tell whether a worker is still connected.
type Presence interface {
    Publish(ctx context.Context, w Worker) error
    Remove(ctx context.Context, workerID string) error
    Alive(ctx context.Context, workerID string) (bool, error)
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
    return func(r *Registry) { r.logger = l }
}

func WithPresence(p Presence) Option {
    return func(r *Registry) { r.presence = p }
}

type entry struct {
    worker Worker
    conn   Conn
}

type Registry struct {
    mu       sync.RWMutex
    workers  map[string]*entry
    presence Presence
    logger   *slog.Logger
    now      func() time.Time
}

func New(opts ...Option) *Registry {
    r := &Registry{
        workers: make(map[string]*entry),
        logger:  slog.Default(),
        now:     func() time.Time { return time.Now().UTC() },
    }
    for _, opt := range opts {
        opt(r)
    }
    return r
}

func (r *Registry) Register(ctx context.Context, w Worker, conn Conn) (Worker, error) {
    if err := validate.ID("worker_id", w.ID); err != nil {
        return Worker{}, err
    }
    if w.OwnerID != "" {
        if err := validate.UserID(w.OwnerID); err != nil {
            return Worker{}, err
        }
    }

    r.mu.Lock()
    if _, ok := r.workers[w.ID]; ok {
        r.mu.Unlock()
        return Worker{}, ErrWorkerExists
    }
    now := r.now()
    w.Status = StatusIdle
    w.CurrentJobID = ""
    w.ConnectedAt = now
    w.LastSeen = now
    r.workers[w.ID] = &entry{worker: w, conn: conn}
    r.mu.Unlock()

    r.publish(ctx, w)
    r.logger.InfoContext(ctx, "worker registered",
        slog.String("worker_id", w.ID),
        slog.String("owner_id", w.OwnerID),
        slog.Int("cpu_cores", w.Caps.CPUCores),
    )
    return w, nil
}

// Deregister drops the worker if it is still served by conn and returns the
// job it was holding, if any. A nil conn drops it whichever connection
// serves it.
func (r *Registry) Deregister(ctx context.Context, workerID string, conn Conn) (string, bool) {
    r.mu.Lock()
    e, ok := r.workers[workerID]
    if ok && conn != nil && e.conn != conn {
        ok = false
    }
    if ok {
        delete(r.workers, workerID)
    }
    r.mu.Unlock()
    if !ok {
        return "", false
    }

    r.unpublish(ctx, workerID)
    r.logger.InfoContext(ctx, "worker deregistered", slog.String("worker_id", workerID))
    return e.worker.CurrentJobID, true
}

// Evict closes and drops a connected worker so that a reconnect from the
// same owner can take its id. It refuses when ownerID does not match.
func (r *Registry) Evict(ctx context.Context, workerID, ownerID string) (Worker, bool) {
    r.mu.Lock()
    e, ok := r.workers[workerID]
    if ok && e.worker.OwnerID != ownerID {
        ok = false
    }
    if ok {
        delete(r.workers, workerID)
    }
    r.mu.Unlock()
    if !ok {
        return Worker{}, false
    }

    if e.conn != nil {
        _ = e.conn.Close()
    }
    r.unpublish(ctx, workerID)
    r.logger.WarnContext(ctx, "worker replaced by a new connection",
        slog.String("worker_id", workerID),
        slog.String("job_id", e.worker.CurrentJobID),
    )
    return e.worker, true
}

func (r *Registry) Touch(ctx context.Context, workerID string) bool {
    r.mu.Lock()
    e, ok := r.workers[workerID]
    if ok {
        e.worker.LastSeen = r.now()
    }
    var w Worker
    if ok {
        w = e.worker
    }
    r.mu.Unlock()

    if ok {
        r.publish(ctx, w)
    }
    return ok
}

func (r *Registry) Get(workerID string) (Worker, bool) {
    r.mu.RLock()
    defer r.mu.RUnlock()

    e, ok := r.workers[workerID]
    if !ok {
        return Worker{}, false
    }
    return e.worker, true
}

// List returns all connected workers, oldest connection first.
func (r *Registry) List() []Worker {
    r.mu.RLock()
    out := make([]Worker, 0, len(r.workers))
    for _, e := range r.workers {
        out = append(out, e.worker)
    }
    r.mu.RUnlock()

    sort.Slice(out, func(i, j int) bool {
        if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
            return out[i].ID < out[j].ID
        }
        return out[i].ConnectedAt.Before(out[j].ConnectedAt)
    })
    return out
}

// Available returns idle workers, the longest idle first.
func (r *Registry) Available(_ context.Context) []Worker {
    all := r.List()
    out := all[:0]
    for _, w := range all {
        if w.Status == StatusIdle {
            out = append(out, w)
        }
    }
    return out
}

// Reserve marks an idle worker busy with jobID. It fails if the worker is
// gone or already holding a job.
func (r *Registry) Reserve(ctx context.Context, workerID, jobID string) error {
    r.mu.Lock()
    e, ok := r.workers[workerID]
    if !ok {
        r.mu.Unlock()
        return ErrWorkerUnavailable
    }
    if e.worker.Status != StatusIdle {
        r.mu.Unlock()
        return ErrWorkerBusy
    }
    e.worker.Status = StatusBusy
    e.worker.CurrentJobID = jobID
    w := e.worker
    r.mu.Unlock()

    r.publish(ctx, w)
    return nil
}

// Release returns the worker to idle if it is still holding jobID. An empty
// jobID releases unconditionally.
func (r *Registry) Release(ctx context.Context, workerID, jobID string) {
    r.mu.Lock()
    e, ok := r.workers[workerID]
    if !ok || (jobID != "" && e.worker.CurrentJobID != jobID) {
        r.mu.Unlock()
        return
    }
    e.worker.Status = StatusIdle
    e.worker.CurrentJobID = ""
    w := e.worker
    r.mu.Unlock()

    r.publish(ctx, w)
}

// Execute hands j to the worker it was reserved for.
func (r *Registry) Execute(ctx context.Context, workerID string, j jobs.Job) error {
    r.mu.RLock()
    e, ok := r.workers[workerID]
    var conn Conn
    if ok {
        conn = e.conn
    }
    r.mu.RUnlock()
    if !ok || conn == nil {
        return ErrWorkerUnavailable
    }

    err := conn.Send(ctx, Assignment{
        JobID:    j.ID,
        UserID:   j.UserID,
        Code:     j.Code,
        Language: j.Language,
        Limits:   Limits{TimeoutSecs: j.TimeoutSecs},
    })
    if err != nil {
        return errors.Join(ErrWorkerUnavailable, err)
    }
    return nil
}

// Alive reports whether the worker is connected here or, with a presence
// mirror configured, to any coordinator instance.
func (r *Registry) Alive(ctx context.Context, workerID string) bool {
    if _, ok := r.Get(workerID); ok {
        return true
    }
    if r.presence == nil {
        return false
    }
    alive, err := r.presence.Alive(ctx, workerID)
    if err != nil {
        // treated as alive when the mirror cannot answer
        r.logger.WarnContext(ctx, "presence lookup failed", slog.String("worker_id", workerID), slog.String("error", err.Error()))
        return true
    }
    return alive
}

// Sweep removes workers not seen within timeout and returns them.
func (r *Registry) Sweep(ctx context.Context, timeout time.Duration) []Worker {
    cutoff := r.now().Add(-timeout)

    r.mu.Lock()
    var stale []*entry
    for id, e := range r.workers {
        if e.worker.LastSeen.Before(cutoff) {
            stale = append(stale, e)
            delete(r.workers, id)
        }
    }
    r.mu.Unlock()

    out := make([]Worker, 0, len(stale))
    for _, e := range stale {
        if e.conn != nil {
            _ = e.conn.Close()
        }
        r.unpublish(ctx, e.worker.ID)
        r.logger.WarnContext(ctx, "worker timed out",
            slog.String("worker_id", e.worker.ID),
            slog.Time("last_seen", e.worker.LastSeen),
        )
        out = append(out, e.worker)
    }
    return out
}

// Monitor sweeps every interval until ctx is done, calling onLost for each
// worker that timed out.
func (r *Registry) Monitor(ctx context.Context, interval, timeout time.Duration, onLost func(context.Context, Worker)) error {
    ticker := time.NewTicker(interval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return nil
        case <-ticker.C:
            for _, w := range r.Sweep(ctx, timeout) {
                if onLost != nil {
                    onLost(ctx, w)
                }
            }
        }
    }
}

type Counts struct {
    Total int `json:"total"`
    Idle  int `json:"idle"`
    Busy  int `json:"busy"`
}

func (r *Registry) Counts() Counts {
    r.mu.RLock()
    defer r.mu.RUnlock()

    c := Counts{Total: len(r.workers)}
    for _, e := range r.workers {
        if e.worker.Status == StatusIdle {
            c.Idle++
        } else {
            c.Busy++
        }
    }
    return c
}

func (r *Registry) publish(ctx context.Context, w Worker) {
    if r.presence == nil {
        return
    }
    if err := r.presence.Publish(ctx, w); err != nil {
        r.logger.WarnContext(ctx, "presence publish failed", slog.String("worker_id", w.ID), slog.String("error", err.Error()))
    }
}

func (r *Registry) unpublish(ctx context.Context, workerID string) {
    if r.presence == nil {
        return
    }
    if err := r.presence.Remove(ctx, workerID); err != nil {
        r.logger.WarnContext(ctx, "presence remove failed", slog.String("worker_id", workerID), slog.String("error", err.Error()))
    }
}
