// Package jobs owns job records and their lifecycle. State changes only
// happen through a compare-and-swap on the current state.
package jobs

import (
    "context"
    "time"
)

type State string

const (
    StatePending   State = "pending"
    StateAssigned  State = "assigned"
    StateRunning   State = "running"
    StateSucceeded State = "succeeded"
    StateFailed    State = "failed"
    StateCancelled State = "cancelled"
)

var States = []State{
    StatePending,
    StateAssigned,
    StateRunning,
    StateSucceeded,
    StateFailed,
    StateCancelled,
}

var transitions = map[State][]State{
    StatePending:  {StateAssigned, StateCancelled},
    StateAssigned: {StateRunning, StateFailed},
    StateRunning:  {StateSucceeded, StateFailed},
}

func (s State) Terminal() bool {
    return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

func (s State) Valid() bool {
    for _, v := range States {
        if v == s {
            return true
        }
    }
    return false
}

func CanTransition(from, to State) bool {
    for _, next := range transitions[from] {
        if next == to {
            return true
        }
    }
    return false
}

type Job struct {
    ID           string
    UserID       string
    Code         string
    Language     string
    State        State
    WorkerID     string
    Cost         int64
    AdmissionKey string
    TimeoutSecs  int
    Stdout       string
    Stderr       string
    ExitCode     *int
    Error        string
    CreatedAt    time.Time
    UpdatedAt    time.Time
    StartedAt    *time.Time
    CompletedAt  *time.Time
}

type NewJob struct {
    UserID       string
    Code         string
    Language     string
    Cost         int64
    AdmissionKey string
    TimeoutSecs  int
}

// Overdue reports whether a running job has outlived its execution timeout
// by more than grace.
func (j Job) Overdue(now time.Time, grace time.Duration) bool {
    if j.State != StateRunning || j.StartedAt == nil || j.TimeoutSecs <= 0 {
        return false
    }
    deadline := j.StartedAt.Add(time.Duration(j.TimeoutSecs)*time.Second + grace)
    return now.After(deadline)
}

// Update carries the fields written alongside a transition. Empty fields
// leave the stored value unchanged.
type Update struct {
    WorkerID string
    Stdout   string
    Stderr   string
    ExitCode *int
    Error    string
}

// Filter selects jobs for ListJobs. Results are newest first unless
// OldestFirst is set, which dispatcher scans use.
type Filter struct {
    UserID      string
    WorkerID    string
    States      []State
    Limit       int
    OldestFirst bool
}

const (
    DefaultListLimit = 50
    MaxListLimit     = 200
)

func (f Filter) EffectiveLimit() int {
    switch {
    case f.Limit <= 0:
        return DefaultListLimit
    case f.Limit > MaxListLimit:
        return MaxListLimit
    default:
        return f.Limit
    }
}

// Store is implemented by Memory and by the PostgreSQL store.
//
// CreateJob is idempotent on AdmissionKey: a second call with the same key
// returns the job created by the first. A key is settled exactly once,
// either by CreateJob or by VoidAdmission. VoidAdmission on a key that
// already holds a job returns that job with ErrAlreadyAdmitted; CreateJob
// on a voided key fails with ErrAdmissionVoided.
type Store interface {
    CreateJob(ctx context.Context, in NewJob) (Job, error)
    VoidAdmission(ctx context.Context, key string) (Job, error)
    TransitionJob(ctx context.Context, id string, from, to State, u Update) (Job, error)
    GetJob(ctx context.Context, id string) (Job, error)
    ListJobs(ctx context.Context, f Filter) ([]Job, error)
    CountJobs(ctx context.Context) (map[State]int64, error)
}

// Apply writes a transition onto j in place.
func Apply(j *Job, to State, u Update, now time.Time) {
    j.State = to
    j.UpdatedAt = now
    if u.WorkerID != "" {
        j.WorkerID = u.WorkerID
    }
    if u.Stdout != "" {
        j.Stdout = u.Stdout
    }
    if u.Stderr != "" {
        j.Stderr = u.Stderr
    }
    if u.ExitCode != nil {
        code := *u.ExitCode
        j.ExitCode = &code
    }
    if u.Error != "" {
        j.Error = u.Error
    }
    if to == StateRunning {
        t := now
        j.StartedAt = &t
    }
    if to.Terminal() {
        t := now
        j.CompletedAt = &t
    }
}
