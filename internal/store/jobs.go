package store

import (
    "context"
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/jackc/pgx/v5"

    "gridx.coordinator/internal/jobs"
)

const jobColumns = `id, user_id, code, language, state, worker_id, cost, admission_key, timeout_s,
    stdout, stderr, exit_code, error, created_at, updated_at, started_at, completed_at`

// CreateJob and VoidAdmission both hold a transaction-scoped advisory lock
// on the admission key, so only one of them can settle it.
func (s *Store) CreateJob(ctx context.Context, in jobs.NewJob) (jobs.Job, error) {
    tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
    if err != nil {
        return jobs.Job{}, err
    }
    defer func() {
        _ = tx.Rollback(ctx)
    }()

    if in.AdmissionKey != "" {
        if err := lockAdmission(ctx, tx, in.AdmissionKey); err != nil {
            return jobs.Job{}, err
        }
        voided, err := admissionVoided(ctx, tx, in.AdmissionKey)
        if err != nil {
            return jobs.Job{}, err
        }
        if voided {
            return jobs.Job{}, jobs.ErrAdmissionVoided
        }
    }

    j, err := scanJob(tx.QueryRow(ctx, `
        INSERT INTO jobs (id, user_id, code, language, state, cost, admission_key, timeout_s)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (admission_key) DO NOTHING
        RETURNING `+jobColumns,
        uuid.NewString(),
        in.UserID,
        in.Code,
        in.Language,
        string(jobs.StatePending),
        in.Cost,
        nullable(in.AdmissionKey),
        in.TimeoutSecs,
    ))
    if errors.Is(err, pgx.ErrNoRows) {
        j, err = scanJob(tx.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE admission_key = $1", in.AdmissionKey))
        if err != nil {
            return jobs.Job{}, fmt.Errorf("store: load job for admission %q: %w", in.AdmissionKey, err)
        }
    }
    if err != nil {
        return jobs.Job{}, err
    }

    if err := tx.Commit(ctx); err != nil {
        return jobs.Job{}, err
    }
    return j, nil
}

func (s *Store) VoidAdmission(ctx context.Context, key string) (jobs.Job, error) {
    tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
    if err != nil {
        return jobs.Job{}, err
    }
    defer func() {
        _ = tx.Rollback(ctx)
    }()

    if err := lockAdmission(ctx, tx, key); err != nil {
        return jobs.Job{}, err
    }

    j, err := scanJob(tx.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE admission_key = $1", key))
    if err == nil {
        return j, jobs.ErrAlreadyAdmitted
    }
    if !errors.Is(err, pgx.ErrNoRows) {
        return jobs.Job{}, err
    }

    _, err = tx.Exec(ctx, "INSERT INTO voided_admissions (admission_key) VALUES ($1) ON CONFLICT (admission_key) DO NOTHING", key)
    if err != nil {
        return jobs.Job{}, err
    }
    if err := tx.Commit(ctx); err != nil {
        return jobs.Job{}, err
    }
    return jobs.Job{}, nil
}

func lockAdmission(ctx context.Context, tx pgx.Tx, key string) error {
    _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", key)
    return err
}

func admissionVoided(ctx context.Context, tx pgx.Tx, key string) (bool, error) {
    var voided bool
    err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM voided_admissions WHERE admission_key = $1)", key).Scan(&voided)
    return voided, err
}

// TransitionJob is a single conditional UPDATE; zero affected rows means
// another actor moved the job first or it does not exist.
func (s *Store) TransitionJob(ctx context.Context, id string, from, to jobs.State, u jobs.Update) (jobs.Job, error) {
    if !jobs.CanTransition(from, to) {
        return jobs.Job{}, jobs.ErrInvalidTransition
    }

    j, err := scanJob(s.pool.QueryRow(ctx, `
        UPDATE jobs SET
            state = $3::text,
            worker_id = COALESCE(NULLIF($4::text, ''), worker_id),
            stdout = COALESCE(NULLIF($5::text, ''), stdout),
            stderr = COALESCE(NULLIF($6::text, ''), stderr),
            exit_code = COALESCE($7::integer, exit_code),
            error = COALESCE(NULLIF($8::text, ''), error),
            updated_at = now(),
            started_at = CASE WHEN $3::text = 'running' THEN now() ELSE started_at END,
            completed_at = CASE WHEN $3::text IN ('succeeded', 'failed', 'cancelled') THEN now() ELSE completed_at END
        WHERE id = $1 AND state = $2
        RETURNING `+jobColumns,
        id,
        string(from),
        string(to),
        u.WorkerID,
        u.Stdout,
        u.Stderr,
        u.ExitCode,
        u.Error,
    ))
    if err == nil {
        return j, nil
    }
    if !errors.Is(err, pgx.ErrNoRows) {
        return jobs.Job{}, err
    }

    var state string
    err = s.pool.QueryRow(ctx, "SELECT state FROM jobs WHERE id = $1", id).Scan(&state)
    if err != nil {
        if errors.Is(err, pgx.ErrNoRows) {
            return jobs.Job{}, jobs.ErrNotFound
        }
        return jobs.Job{}, err
    }
    return jobs.Job{}, jobs.ErrStaleState
}

func (s *Store) GetJob(ctx context.Context, id string) (jobs.Job, error) {
    j, err := scanJob(s.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id))
    if err != nil {
        if errors.Is(err, pgx.ErrNoRows) {
            return jobs.Job{}, jobs.ErrNotFound
        }
        return jobs.Job{}, err
    }
    return j, nil
}

func (s *Store) ListJobs(ctx context.Context, f jobs.Filter) ([]jobs.Job, error) {
    var where []string
    var args []any

    if f.UserID != "" {
        args = append(args, f.UserID)
        where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
    }
    if f.WorkerID != "" {
        args = append(args, f.WorkerID)
        where = append(where, fmt.Sprintf("worker_id = $%d", len(args)))
    }
    if len(f.States) > 0 {
        states := make([]string, len(f.States))
        for i, st := range f.States {
            states[i] = string(st)
        }
        args = append(args, states)
        where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
    }

    query := "SELECT " + jobColumns + " FROM jobs"
    if len(where) > 0 {
        query += " WHERE " + strings.Join(where, " AND ")
    }
    if f.OldestFirst {
        query += " ORDER BY created_at ASC"
    } else {
        query += " ORDER BY created_at DESC"
    }
    args = append(args, f.EffectiveLimit())
    query += fmt.Sprintf(" LIMIT $%d", len(args))

    rows, err := s.pool.Query(ctx, query, args...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()

    out := make([]jobs.Job, 0)
    for rows.Next() {
        j, err := scanJob(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, j)
    }
    return out, rows.Err()
}

func (s *Store) CountJobs(ctx context.Context) (map[jobs.State]int64, error) {
    rows, err := s.pool.Query(ctx, "SELECT state, COUNT(*) FROM jobs GROUP BY state")
    if err != nil {
        return nil, err
    }
    defer rows.Close()

    counts := make(map[jobs.State]int64, len(jobs.States))
    for _, st := range jobs.States {
        counts[st] = 0
    }
    for rows.Next() {
        var state string
        var n int64
        if err := rows.Scan(&state, &n); err != nil {
            return nil, err
        }
        counts[jobs.State(state)] = n
    }
    return counts, rows.Err()
}

func scanJob(row pgx.Row) (jobs.Job, error) {
    var j jobs.Job
    var state string
    var workerID, admissionKey *string
    var exitCode *int32
    var startedAt, completedAt *time.Time

    err := row.Scan(
        &j.ID,
        &j.UserID,
        &j.Code,
        &j.Language,
        &state,
        &workerID,
        &j.Cost,
        &admissionKey,
        &j.TimeoutSecs,
        &j.Stdout,
        &j.Stderr,
        &exitCode,
        &j.Error,
        &j.CreatedAt,
        &j.UpdatedAt,
        &startedAt,
        &completedAt,
    )
    if err != nil {
        return jobs.Job{}, err
    }

    j.State = jobs.State(state)
    if workerID != nil {
        j.WorkerID = *workerID
    }
    if admissionKey != nil {
        j.AdmissionKey = *admissionKey
    }
    if exitCode != nil {
        code := int(*exitCode)
        j.ExitCode = &code
    }
    j.StartedAt = startedAt
    j.CompletedAt = completedAt
    return j, nil
}

func nullable(s string) *string {
    if s == "" {
        return nil
    }
    return &s
}
