// Package status builds the operational snapshot served on /status.
package status

import (
    "context"
    "time"

    "gridx.coordinator/internal/jobs"
    "gridx.coordinator/internal/ledger"
    "gridx.coordinator/internal/registry"
)

const DefaultWindow = time.Minute

type JobCounter interface {
    CountJobs(ctx context.Context) (map[jobs.State]int64, error)
}

type ThroughputSource interface {
    Throughput(ctx context.Context, since time.Time) (ledger.Throughput, error)
}

type WorkerCounter interface {
    Counts() registry.Counts
}

type Jobs struct {
    Pending   int64 `json:"pending"`
    Assigned  int64 `json:"assigned"`
    Running   int64 `json:"running"`
    Succeeded int64 `json:"succeeded"`
    Failed    int64 `json:"failed"`
    Cancelled int64 `json:"cancelled"`
}

type Ledger struct {
    WindowSeconds  int64 `json:"window_seconds"`
    Debits         int64 `json:"debits"`
    Credits        int64 `json:"credits"`
    DebitedAmount  int64 `json:"debited_amount"`
    CreditedAmount int64 `json:"credited_amount"`
}

type Snapshot struct {
    Jobs    Jobs            `json:"jobs"`
    Workers registry.Counts `json:"workers"`
    Ledger  Ledger          `json:"ledger"`
    At      time.Time       `json:"at"`
}

type Reporter struct {
    jobs    JobCounter
    ledger  ThroughputSource
    workers WorkerCounter
    window  time.Duration
    now     func() time.Time
}

func NewReporter(j JobCounter, l ThroughputSource, w WorkerCounter) *Reporter {
    return &Reporter{
        jobs:    j,
        ledger:  l,
        workers: w,
        window:  DefaultWindow,
        now:     func() time.Time { return time.Now().UTC() },
    }
}

func (r *Reporter) Snapshot(ctx context.Context) (Snapshot, error) {
    now := r.now()

    counts, err := r.jobs.CountJobs(ctx)
    if err != nil {
        return Snapshot{}, err
    }
    tp, err := r.ledger.Throughput(ctx, now.Add(-r.window))
    if err != nil {
        return Snapshot{}, err
    }
    return Snapshot{
        Jobs: Jobs{
            Pending:   counts[jobs.StatePending],
            Assigned:  counts[jobs.StateAssigned],
            Running:   counts[jobs.StateRunning],
            Succeeded: counts[jobs.StateSucceeded],
            Failed:    counts[jobs.StateFailed],
            Cancelled: counts[jobs.StateCancelled],
        },
        Workers: r.workers.Counts(),
        Ledger: Ledger{
            WindowSeconds:  int64(r.window / time.Second),
            Debits:         tp.Debits,
            Credits:        tp.Credits,
            DebitedAmount:  tp.DebitedAmount,
            CreditedAmount: tp.CreditedAmount,
        },
        At: now,
    }, nil
}
