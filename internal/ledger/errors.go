package ledger

import "errors"

var (
    ErrInsufficientCredit  = errors.New("ledger: insufficient credit")
    ErrIdempotencyConflict = errors.New("ledger: idempotency key reused with different parameters")
    ErrAccountNotFound     = errors.New("ledger: account not found")
    ErrAccountExists       = errors.New("ledger: account already exists")
    ErrEntryNotFound       = errors.New("ledger: entry not found")
    ErrInvalidAmount       = errors.New("ledger: amount must be positive")
    ErrMissingKey          = errors.New("ledger: idempotency key is required")
)
