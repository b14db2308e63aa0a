package jobs

import (
    "context"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
)

var _ Store = (*Memory)(nil)

type Memory struct {
    mu         sync.RWMutex
    jobs       map[string]*Job
    admissions map[string]string
    voided     map[string]struct{}
    now        func() time.Time
}

func NewMemory() *Memory {
    return &Memory{
        jobs:       make(map[string]*Job),
        admissions: make(map[string]string),
        voided:     make(map[string]struct{}),
        now:        func() time.Time { return time.Now().UTC() },
    }
}

func (m *Memory) CreateJob(_ context.Context, in NewJob) (Job, error) {
    m.mu.Lock()
    defer m.mu.Unlock()

    if in.AdmissionKey != "" {
        if id, ok := m.admissions[in.AdmissionKey]; ok {
            return clone(m.jobs[id]), nil
        }
        if _, ok := m.voided[in.AdmissionKey]; ok {
            return Job{}, ErrAdmissionVoided
        }
    }

    now := m.now()
    j := &Job{
        ID:           uuid.NewString(),
        UserID:       in.UserID,
        Code:         in.Code,
        Language:     in.Language,
        State:        StatePending,
        Cost:         in.Cost,
        AdmissionKey: in.AdmissionKey,
        TimeoutSecs:  in.TimeoutSecs,
        CreatedAt:    now,
        UpdatedAt:    now,
    }
    m.jobs[j.ID] = j
    if in.AdmissionKey != "" {
        m.admissions[in.AdmissionKey] = j.ID
    }
    return clone(j), nil
}

func (m *Memory) VoidAdmission(_ context.Context, key string) (Job, error) {
    m.mu.Lock()
    defer m.mu.Unlock()

    if id, ok := m.admissions[key]; ok {
        return clone(m.jobs[id]), ErrAlreadyAdmitted
    }
    m.voided[key] = struct{}{}
    return Job{}, nil
}

func (m *Memory) TransitionJob(_ context.Context, id string, from, to State, u Update) (Job, error) {
    if !CanTransition(from, to) {
        return Job{}, ErrInvalidTransition
    }

    m.mu.Lock()
    defer m.mu.Unlock()

    j, ok := m.jobs[id]
    if !ok {
        return Job{}, ErrNotFound
    }
    if j.State != from {
        return Job{}, ErrStaleState
    }
    Apply(j, to, u, m.now())
    return clone(j), nil
}

func (m *Memory) GetJob(_ context.Context, id string) (Job, error) {
    m.mu.RLock()
    defer m.mu.RUnlock()

    j, ok := m.jobs[id]
    if !ok {
        return Job{}, ErrNotFound
    }
    return clone(j), nil
}

func (m *Memory) ListJobs(_ context.Context, f Filter) ([]Job, error) {
    m.mu.RLock()
    defer m.mu.RUnlock()

    out := make([]Job, 0)
    for _, j := range m.jobs {
        if f.UserID != "" && j.UserID != f.UserID {
            continue
        }
        if f.WorkerID != "" && j.WorkerID != f.WorkerID {
            continue
        }
        if len(f.States) > 0 && !containsState(f.States, j.State) {
            continue
        }
        out = append(out, clone(j))
    }

    if f.OldestFirst {
        sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
    } else {
        sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
    }

    if limit := f.EffectiveLimit(); len(out) > limit {
        out = out[:limit]
    }
    return out, nil
}

func (m *Memory) CountJobs(_ context.Context) (map[State]int64, error) {
    m.mu.RLock()
    defer m.mu.RUnlock()

    counts := make(map[State]int64, len(States))
    for _, s := range States {
        counts[s] = 0
    }
    for _, j := range m.jobs {
        counts[j.State]++
    }
    return counts, nil
}

func clone(j *Job) Job {
    out := *j
    if j.ExitCode != nil {
        code := *j.ExitCode
        out.ExitCode = &code
    }
    if j.StartedAt != nil {
        t := *j.StartedAt
        out.StartedAt = &t
    }
    if j.CompletedAt != nil {
        t := *j.CompletedAt
        out.CompletedAt = &t
    }
    return out
}

func containsState(states []State, s State) bool {
    for _, v := range states {
        if v == s {
            return true
        }
    }
    return false
}
