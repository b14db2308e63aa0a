// Package dispatcher moves admitted jobs onto workers and records their
// progress. Every state change is a compare-and-swap in the job store, so
// several dispatchers can share one store.
package dispatcher

import (
    "context"
    "errors"
    "log/slog"
    "time"

    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/metric"

    "gridx.coordinator/internal/jobs"
    "gridx.coordinator/internal/registry"
    "gridx.coordinator/internal/validate"
)

const (
    ReasonWorkerUnavailable = "worker unavailable"
    ReasonWorkerLost        = "worker lost"
    ReasonTimedOut          = "execution timed out"

    // TimeoutGrace is how long past its own limit a running job may go
    // before the reaper gives up on the worker's result.
    TimeoutGrace = 30 * time.Second

    meterName = "gridx.dispatcher"
)

var ErrWorkerMismatch = errors.New("dispatcher: job is held by a different worker")

// Workers is the part of the worker registry the dispatcher needs.
type Workers interface {
    Available(ctx context.Context) []registry.Worker
    Reserve(ctx context.Context, workerID, jobID string) error
    Release(ctx context.Context, workerID, jobID string)
    Execute(ctx context.Context, workerID string, j jobs.Job) error
    Alive(ctx context.Context, workerID string) bool
}

// Outcome is what a worker reports when a job finishes.
type Outcome struct {
    ExitCode int
    Stdout   string
    Stderr   string
    Error    string
}

func (o Outcome) Succeeded() bool {
    return o.ExitCode == 0 && o.Error == ""
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
    return func(d *Dispatcher) { d.logger = l }
}

func WithPollInterval(v time.Duration) Option {
    return func(d *Dispatcher) { d.pollInterval = v }
}

func WithReapInterval(v time.Duration) Option {
    return func(d *Dispatcher) { d.reapInterval = v }
}

func WithMeter(m metric.Meter) Option {
    return func(d *Dispatcher) { d.meter = m }
}

func WithClock(now func() time.Time) Option {
    return func(d *Dispatcher) { d.now = now }
}

type Dispatcher struct {
    store        jobs.Store
    workers      Workers
    logger       *slog.Logger
    meter        metric.Meter
    batch        int
    pollInterval time.Duration
    reapInterval time.Duration
    notify       chan struct{}
    now          func() time.Time
    transitions  metric.Int64Counter
}

func New(store jobs.Store, workers Workers, opts ...Option) *Dispatcher {
    d := &Dispatcher{
        store:        store,
        workers:      workers,
        logger:       slog.Default(),
        batch:        jobs.DefaultListLimit,
        pollInterval: time.Second,
        reapInterval: 15 * time.Second,
        notify:       make(chan struct{}, 1),
        now:          func() time.Time { return time.Now().UTC() },
    }
    for _, opt := range opts {
        opt(d)
    }
    if d.meter == nil {
        d.meter = otel.Meter(meterName)
    }

    // the API returns a usable noop instrument alongside any error
    var err error
    d.transitions, err = d.meter.Int64Counter(
        "gridx.job.transitions",
        metric.WithDescription("Job state transitions applied by the dispatcher"),
        metric.WithUnit("{transition}"),
    )
    if err != nil {
        d.logger.Warn("create instrument", slog.String("instrument", "gridx.job.transitions"), slog.String("error", err.Error()))
    }
    return d
}

// Notify wakes Run for an immediate dispatch pass. It never blocks.
func (d *Dispatcher) Notify() {
    select {
    case d.notify <- struct{}{}:
    default:
    }
}

func (d *Dispatcher) Run(ctx context.Context) error {
    poll := time.NewTicker(d.pollInterval)
    defer poll.Stop()
    reap := time.NewTicker(d.reapInterval)
    defer reap.Stop()

    d.logger.Info("dispatcher started",
        slog.Duration("poll_interval", d.pollInterval),
        slog.Duration("reap_interval", d.reapInterval),
    )

    for {
        select {
        case <-ctx.Done():
            d.logger.Info("dispatcher stopped")
            return nil
        case <-reap.C:
            if err := d.Reap(ctx); err != nil && ctx.Err() == nil {
                d.logger.Error("reap failed", slog.String("error", err.Error()))
            }
            continue
        case <-poll.C:
        case <-d.notify:
        }

        if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
            d.logger.Error("dispatch failed", slog.String("error", err.Error()))
        }
    }
}

type assignResult int

const (
    assigned assignResult = iota
    lostRace
    workerTaken
    workerGone
)

// DispatchOnce pairs pending jobs, oldest first, with idle workers and
// returns how many were handed over.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
    workers := d.workers.Available(ctx)
    if len(workers) == 0 {
        return 0, nil
    }

    pending, err := d.store.ListJobs(ctx, jobs.Filter{
        States:      []jobs.State{jobs.StatePending},
        Limit:       d.batch,
        OldestFirst: true,
    })
    if err != nil {
        return 0, err
    }

    used := make(map[string]bool, len(workers))
    n := 0
    for _, j := range pending {
        for {
            w, ok := pickWorker(workers, used, j.UserID)
            if !ok {
                break
            }
            used[w.ID] = true

            res, err := d.assign(ctx, j, w.ID)
            if err != nil {
                return n, err
            }
            if res == workerTaken {
                continue
            }
            if res == lostRace {
                used[w.ID] = false
            }
            if res == assigned {
                n++
            }
            break
        }
    }
    return n, nil
}

// pickWorker skips workers owned by the job's submitter.
func pickWorker(workers []registry.Worker, used map[string]bool, userID string) (registry.Worker, bool) {
    for _, w := range workers {
        if used[w.ID] {
            continue
        }
        if w.OwnerID != "" && w.OwnerID == userID {
            continue
        }
        return w, true
    }
    return registry.Worker{}, false
}

func (d *Dispatcher) assign(ctx context.Context, j jobs.Job, workerID string) (assignResult, error) {
    if err := d.workers.Reserve(ctx, workerID, j.ID); err != nil {
        return workerTaken, nil
    }

    held, err := d.store.TransitionJob(ctx, j.ID, jobs.StatePending, jobs.StateAssigned, jobs.Update{WorkerID: workerID})
    if err != nil {
        d.workers.Release(ctx, workerID, j.ID)
        if errors.Is(err, jobs.ErrStaleState) {
            d.logger.Debug("job taken by another dispatcher", slog.String("job_id", j.ID))
            return lostRace, nil
        }
        return lostRace, err
    }
    d.record(ctx, jobs.StatePending, jobs.StateAssigned)

    if err := d.workers.Execute(ctx, workerID, held); err != nil {
        d.logger.Warn("worker unavailable after assignment",
            slog.String("job_id", j.ID),
            slog.String("worker_id", workerID),
            slog.String("error", err.Error()),
        )
        d.fail(ctx, held, ReasonWorkerUnavailable)
        return workerGone, nil
    }

    d.logger.Info("job assigned", slog.String("job_id", j.ID), slog.String("worker_id", workerID))
    return assigned, nil
}

// JobStarted records that workerID began executing jobID. Duplicate reports
// are ignored.
func (d *Dispatcher) JobStarted(ctx context.Context, workerID, jobID string) error {
    j, err := d.held(ctx, workerID, jobID)
    if err != nil {
        return err
    }
    if j.State == jobs.StateRunning {
        return nil
    }

    _, err = d.store.TransitionJob(ctx, jobID, jobs.StateAssigned, jobs.StateRunning, jobs.Update{})
    if err != nil {
        return err
    }
    d.record(ctx, jobs.StateAssigned, jobs.StateRunning)
    return nil
}

// JobFinished records a result. A result for a job never reported as
// started moves it through Running first.
func (d *Dispatcher) JobFinished(ctx context.Context, workerID, jobID string, out Outcome) error {
    j, err := d.held(ctx, workerID, jobID)
    if err != nil {
        return err
    }
    defer d.Notify()
    defer d.workers.Release(ctx, workerID, jobID)

    if j.State.Terminal() {
        return nil
    }
    if j.State == jobs.StateAssigned {
        _, err := d.store.TransitionJob(ctx, jobID, jobs.StateAssigned, jobs.StateRunning, jobs.Update{})
        switch {
        case err == nil:
            d.record(ctx, jobs.StateAssigned, jobs.StateRunning)
        case !errors.Is(err, jobs.ErrStaleState):
            return err
        }
    }

    to := jobs.StateFailed
    if out.Succeeded() {
        to = jobs.StateSucceeded
    }
    code := out.ExitCode
    done, err := d.store.TransitionJob(ctx, jobID, jobs.StateRunning, to, jobs.Update{
        Stdout:   validate.Truncate(out.Stdout),
        Stderr:   validate.Truncate(out.Stderr),
        ExitCode: &code,
        Error:    out.Error,
    })
    if err != nil {
        if errors.Is(err, jobs.ErrStaleState) {
            return nil
        }
        return err
    }
    d.record(ctx, jobs.StateRunning, to)
    d.logger.Info("job finished",
        slog.String("job_id", done.ID),
        slog.String("worker_id", workerID),
        slog.String("state", string(done.State)),
        slog.Int("exit_code", code),
    )
    return nil
}

// WorkerLost fails every job still held by workerID.
func (d *Dispatcher) WorkerLost(ctx context.Context, workerID string) error {
    held, err := d.store.ListJobs(ctx, jobs.Filter{
        WorkerID: workerID,
        States:   []jobs.State{jobs.StateAssigned, jobs.StateRunning},
        Limit:    jobs.MaxListLimit,
    })
    if err != nil {
        return err
    }
    for _, j := range held {
        d.fail(ctx, j, lossReason(j.State))
    }
    d.Notify()
    return nil
}

// Reap fails in-flight jobs whose worker is no longer alive anywhere, and
// running jobs that outlived their execution timeout on a live worker.
func (d *Dispatcher) Reap(ctx context.Context) error {
    inflight, err := d.store.ListJobs(ctx, jobs.Filter{
        States: []jobs.State{jobs.StateAssigned, jobs.StateRunning},
        Limit:  jobs.MaxListLimit,
    })
    if err != nil {
        return err
    }
    now := d.now()
    for _, j := range inflight {
        if j.WorkerID == "" || !d.workers.Alive(ctx, j.WorkerID) {
            d.fail(ctx, j, lossReason(j.State))
            continue
        }
        if j.Overdue(now, TimeoutGrace) {
            d.fail(ctx, j, ReasonTimedOut)
        }
    }
    return nil
}

func lossReason(s jobs.State) string {
    if s == jobs.StateRunning {
        return ReasonWorkerLost
    }
    return ReasonWorkerUnavailable
}

// fail moves an Assigned or Running job to Failed. Losing the race to
// another writer is fine.
func (d *Dispatcher) fail(ctx context.Context, j jobs.Job, reason string) {
    _, err := d.store.TransitionJob(ctx, j.ID, j.State, jobs.StateFailed, jobs.Update{Error: reason})
    switch {
    case err == nil:
        d.record(ctx, j.State, jobs.StateFailed)
        d.logger.Warn("job failed", slog.String("job_id", j.ID), slog.String("worker_id", j.WorkerID), slog.String("reason", reason))
    case errors.Is(err, jobs.ErrStaleState):
    default:
        d.logger.Error("fail job", slog.String("job_id", j.ID), slog.String("error", err.Error()))
    }
    if j.WorkerID != "" {
        d.workers.Release(ctx, j.WorkerID, j.ID)
    }
}

func (d *Dispatcher) held(ctx context.Context, workerID, jobID string) (jobs.Job, error) {
    j, err := d.store.GetJob(ctx, jobID)
    if err != nil {
        return jobs.Job{}, err
    }
    if j.WorkerID != workerID {
        return jobs.Job{}, ErrWorkerMismatch
    }
    return j, nil
}

func (d *Dispatcher) record(ctx context.Context, from, to jobs.State) {
    d.transitions.Add(ctx, 1, metric.WithAttributes(
        attribute.String("from", string(from)),
        attribute.String("to", string(to)),
    ))
}
