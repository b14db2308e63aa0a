package coordinator

import (
    "context"
    "log/slog"
    "time"
)

// Alert describes a charge that is left without a job.
type Alert struct {
    UserID    string
    DebitKey  string
    RefundKey string
    Amount    int64
    CreateErr error
    RefundErr error
    At        time.Time
}

// Alerter is the operator-facing path for refund failures.
type Alerter interface {
    Alert(ctx context.Context, a Alert)
}

// LogAlerter writes alerts as error records with alert=refund_failed, for
// log-based paging.
type LogAlerter struct {
    Logger *slog.Logger
}

func (l LogAlerter) Alert(ctx context.Context, a Alert) {
    logger := l.Logger
    if logger == nil {
        logger = slog.Default()
    }
    logger.ErrorContext(ctx, "refund failed, manual reconciliation required",
        slog.String("alert", "refund_failed"),
        slog.String("user_id", a.UserID),
        slog.String("debit_key", a.DebitKey),
        slog.String("refund_key", a.RefundKey),
        slog.Int64("amount", a.Amount),
        slog.String("create_error", errString(a.CreateErr)),
        slog.String("refund_error", errString(a.RefundErr)),
        slog.Time("at", a.At),
    )
}

func errString(err error) string {
    if err == nil {
        return ""
    }
    return err.Error()
}
