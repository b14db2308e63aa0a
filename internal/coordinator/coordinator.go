// Package coordinator runs the admission protocol: debit the account, then
// create the job, and refund the debit if the job could not be created.
package coordinator

import (
    "context"
    "errors"
    "fmt"
    "log/slog"
    "time"

    "github.com/google/uuid"
    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/metric"

    "gridx.coordinator/internal/jobs"
    "gridx.coordinator/internal/ledger"
    "gridx.coordinator/internal/validate"
)

const DefaultJobCost int64 = 1

type Option func(*Coordinator)

func WithCost(cost int64) Option {
    return func(c *Coordinator) { c.cost = cost }
}

func WithAlerter(a Alerter) Option {
    return func(c *Coordinator) { c.alerter = a }
}

func WithLogger(l *slog.Logger) Option {
    return func(c *Coordinator) { c.logger = l }
}

func WithMeter(m metric.Meter) Option {
    return func(c *Coordinator) { c.meter = m }
}

// OnAdmitted registers a hook called after every admitted job, used to
// wake the dispatcher.
func OnAdmitted(fn func(jobs.Job)) Option {
    return func(c *Coordinator) { c.admitted = fn }
}

type Coordinator struct {
    ledger   ledger.Ledger
    jobs     jobs.Store
    cost     int64
    alerter  Alerter
    logger   *slog.Logger
    meter    metric.Meter
    metrics  *metrics
    admitted func(jobs.Job)
}

func New(l ledger.Ledger, js jobs.Store, opts ...Option) *Coordinator {
    c := &Coordinator{
        ledger: l,
        jobs:   js,
        cost:   DefaultJobCost,
        logger: slog.Default(),
    }
    for _, opt := range opts {
        opt(c)
    }
    if c.cost <= 0 {
        c.cost = DefaultJobCost
    }
    if c.alerter == nil {
        c.alerter = LogAlerter{Logger: c.logger}
    }
    if c.meter == nil {
        c.meter = otel.Meter(meterName)
    }
    c.metrics = newMetrics(c.meter, c.logger)
    return c
}

func (c *Coordinator) Cost() int64 {
    return c.cost
}

// Submission is one request to run code. RequestID identifies the request
// across retries; when empty a fresh one is generated and the submission
// cannot be safely retried. A zero TimeoutSecs takes the default limit.
type Submission struct {
    UserID      string
    Code        string
    Language    string
    RequestID   string
    TimeoutSecs int
}

type submissionKeys struct {
    debit     string
    refund    string
    admission string
}

func deriveKeys(userID, requestID string) submissionKeys {
    suffix := userID + ":" + requestID
    return submissionKeys{
        debit:     "debit:" + suffix,
        refund:    "refund:" + suffix,
        admission: "submit:" + suffix,
    }
}

func (c *Coordinator) Submit(ctx context.Context, sub Submission) (jobs.Job, error) {
    j, err := c.submit(ctx, sub)
    c.metrics.outcome(ctx, outcome(err))
    return j, err
}

func (c *Coordinator) submit(ctx context.Context, sub Submission) (jobs.Job, error) {
    if err := validate.UserID(sub.UserID); err != nil {
        return jobs.Job{}, err
    }
    if err := validate.Payload(sub.Code); err != nil {
        return jobs.Job{}, err
    }
    language, err := validate.Language(sub.Language)
    if err != nil {
        return jobs.Job{}, err
    }
    timeout, err := validate.Timeout(sub.TimeoutSecs)
    if err != nil {
        return jobs.Job{}, err
    }
    requestID := sub.RequestID
    if requestID == "" {
        requestID = uuid.NewString()
    } else if err := validate.RequestID(requestID); err != nil {
        return jobs.Job{}, err
    }
    keys := deriveKeys(sub.UserID, requestID)

    debit, err := c.ledger.Debit(ctx, sub.UserID, c.cost, keys.debit)
    if err != nil {
        return jobs.Job{}, err
    }
    if !debit.Replayed {
        c.metrics.debited.Add(ctx, c.cost)
    }

    j, err := c.jobs.CreateJob(ctx, jobs.NewJob{
        UserID:       sub.UserID,
        Code:         sub.Code,
        Language:     language,
        Cost:         c.cost,
        AdmissionKey: keys.admission,
        TimeoutSecs:  timeout,
    })
    switch {
    case errors.Is(err, jobs.ErrAdmissionVoided):
        // An earlier attempt gave up on this request. Its refund may still
        // be in flight, so finish it here; the credit key makes that safe.
        return jobs.Job{}, c.refund(ctx, sub.UserID, keys, err)
    case err != nil:
        j, err = c.compensate(ctx, sub.UserID, keys, err)
        if err != nil {
            return jobs.Job{}, err
        }
    }

    c.logger.InfoContext(ctx, "job admitted",
        slog.String("job_id", j.ID),
        slog.String("user_id", j.UserID),
        slog.Int64("cost", c.cost),
        slog.Int64("balance", debit.Balance),
        slog.Bool("replayed", debit.Replayed),
    )
    if c.admitted != nil {
        c.admitted(j)
    }
    return j, nil
}

// compensate settles the admission key before touching the ledger. If a job
// already holds the key (a concurrent retry created it, or the insert
// committed and only the reply was lost) that job is the outcome and the
// debit stays. Otherwise the key is voided and the debit refunded.
func (c *Coordinator) compensate(ctx context.Context, userID string, keys submissionKeys, createErr error) (jobs.Job, error) {
    settleCtx := context.WithoutCancel(ctx)

    j, err := c.jobs.VoidAdmission(settleCtx, keys.admission)
    switch {
    case errors.Is(err, jobs.ErrAlreadyAdmitted):
        c.logger.WarnContext(ctx, "job creation reported an error but the job exists",
            slog.String("job_id", j.ID),
            slog.String("admission_key", keys.admission),
            slog.String("error", createErr.Error()),
        )
        return j, nil
    case err != nil:
        return jobs.Job{}, c.escalate(settleCtx, userID, keys, createErr, fmt.Errorf("void admission: %w", err))
    }
    return jobs.Job{}, c.refund(ctx, userID, keys, createErr)
}

// refund gives back the debit for a voided admission. It runs even if the
// caller has gone away.
func (c *Coordinator) refund(ctx context.Context, userID string, keys submissionKeys, cause error) error {
    refundCtx := context.WithoutCancel(ctx)

    res, err := c.ledger.Credit(refundCtx, userID, c.cost, keys.refund)
    if err != nil {
        return c.escalate(refundCtx, userID, keys, cause, err)
    }

    if !res.Replayed {
        c.metrics.refunded.Add(refundCtx, c.cost)
        c.logger.WarnContext(ctx, "job creation failed, debit refunded",
            slog.String("user_id", userID),
            slog.String("refund_key", keys.refund),
            slog.Int64("amount", c.cost),
            slog.String("error", cause.Error()),
        )
    }
    return fmt.Errorf("%w: %w", ErrJobCreationFailed, cause)
}

func (c *Coordinator) escalate(ctx context.Context, userID string, keys submissionKeys, createErr, refundErr error) error {
    c.metrics.refundFailures.Add(ctx, 1)
    c.alerter.Alert(ctx, Alert{
        UserID:    userID,
        DebitKey:  keys.debit,
        RefundKey: keys.refund,
        Amount:    c.cost,
        CreateErr: createErr,
        RefundErr: refundErr,
        At:        time.Now().UTC(),
    })
    return &RefundFailedError{
        UserID:    userID,
        DebitKey:  keys.debit,
        RefundKey: keys.refund,
        Amount:    c.cost,
        CreateErr: createErr,
        RefundErr: refundErr,
    }
}

func (c *Coordinator) GetJob(ctx context.Context, jobID string) (jobs.Job, error) {
    if err := validate.ID("job_id", jobID); err != nil {
        return jobs.Job{}, err
    }
    return c.jobs.GetJob(ctx, jobID)
}

func (c *Coordinator) GetBalance(ctx context.Context, userID string) (int64, error) {
    if err := validate.UserID(userID); err != nil {
        return 0, err
    }
    return c.ledger.Balance(ctx, userID)
}

func (c *Coordinator) OpenAccount(ctx context.Context, userID string, balance int64) (ledger.Account, error) {
    if err := validate.UserID(userID); err != nil {
        return ledger.Account{}, err
    }
    if balance < 0 {
        return ledger.Account{}, &validate.Error{Field: "balance", Reason: "must not be negative"}
    }
    return c.ledger.OpenAccount(ctx, userID, balance)
}

func (c *Coordinator) Entries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
    if err := validate.UserID(userID); err != nil {
        return nil, err
    }
    if limit <= 0 || limit > jobs.MaxListLimit {
        limit = jobs.DefaultListLimit
    }
    return c.ledger.Entries(ctx, userID, limit)
}

func (c *Coordinator) ListJobs(ctx context.Context, f jobs.Filter) ([]jobs.Job, error) {
    if f.UserID != "" {
        if err := validate.UserID(f.UserID); err != nil {
            return nil, err
        }
    }
    for _, st := range f.States {
        if !st.Valid() {
            return nil, &validate.Error{Field: "state", Reason: "unknown state " + string(st)}
        }
    }
    return c.jobs.ListJobs(ctx, f)
}

// Cancel withdraws a job that has not been picked up yet. The debit stays
// committed.
func (c *Coordinator) Cancel(ctx context.Context, userID, jobID string) (jobs.Job, error) {
    if err := validate.UserID(userID); err != nil {
        return jobs.Job{}, err
    }
    if err := validate.ID("job_id", jobID); err != nil {
        return jobs.Job{}, err
    }

    j, err := c.jobs.GetJob(ctx, jobID)
    if err != nil {
        return jobs.Job{}, err
    }
    if j.UserID != userID {
        return jobs.Job{}, ErrForbidden
    }

    j, err = c.jobs.TransitionJob(ctx, jobID, jobs.StatePending, jobs.StateCancelled, jobs.Update{Error: "cancelled by owner"})
    if err != nil {
        return jobs.Job{}, err
    }
    c.logger.InfoContext(ctx, "job cancelled", slog.String("job_id", j.ID), slog.String("user_id", userID))
    return j, nil
}

func outcome(err error) string {
    var verr *validate.Error
    switch {
    case err == nil:
        return "admitted"
    case errors.As(err, &verr):
        return "invalid"
    case errors.Is(err, ledger.ErrInsufficientCredit):
        return "insufficient_credit"
    case errors.Is(err, ledger.ErrIdempotencyConflict):
        return "idempotency_conflict"
    case errors.Is(err, ledger.ErrAccountNotFound):
        return "account_not_found"
    case errors.Is(err, ErrRefundFailed):
        return "refund_failed"
    case errors.Is(err, ErrJobCreationFailed):
        return "job_creation_failed"
    default:
        return "error"
    }
}
