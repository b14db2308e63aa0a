package coordinator

import (
    "errors"
    "fmt"
)

var (
    ErrJobCreationFailed = errors.New("coordinator: job creation failed")
    ErrRefundFailed      = errors.New("coordinator: compensating refund failed")
    ErrForbidden         = errors.New("coordinator: job belongs to another user")
)

// RefundFailedError is returned when a job could not be created and the
// debit taken for it could not be given back. The account is left charged
// for a job that does not exist until an operator reconciles it.
type RefundFailedError struct {
    UserID    string
    DebitKey  string
    RefundKey string
    Amount    int64
    CreateErr error
    RefundErr error
}

func (e *RefundFailedError) Error() string {
    return fmt.Sprintf("coordinator: refund of %d to %s (key %s) failed after job creation error %v: %v",
        e.Amount, e.UserID, e.RefundKey, e.CreateErr, e.RefundErr)
}

func (e *RefundFailedError) Unwrap() []error {
    return []error{ErrRefundFailed, ErrJobCreationFailed, e.RefundErr}
}
