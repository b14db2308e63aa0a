// Package ledger owns per-account credit balances. Every committed balance
// change is recorded as an Entry keyed by its idempotency key, so replays of
// a committed key return the original result instead of applying twice.
package ledger

import (
    "context"
    "time"
)

type Kind string

const (
    KindDebit  Kind = "debit"
    KindCredit Kind = "credit"
)

type Account struct {
    ID        string
    Balance   int64
    CreatedAt time.Time
    UpdatedAt time.Time
}

// Entry is an immutable balance change. Amount is signed: debits are
// negative, credits positive.
type Entry struct {
    Key          string
    AccountID    string
    Kind         Kind
    Amount       int64
    BalanceAfter int64
    CreatedAt    time.Time
}

// Result is returned by Debit and Credit. Replayed is set when the key had
// already been committed and nothing was applied.
type Result struct {
    Entry    Entry
    Balance  int64
    Replayed bool
}

// Throughput aggregates committed entries since a point in time.
type Throughput struct {
    Since          time.Time
    Debits         int64
    Credits        int64
    DebitedAmount  int64
    CreditedAmount int64
}

// Ledger is the contract shared by the in-memory and PostgreSQL
// implementations. Debit and Credit are atomic per account.
type Ledger interface {
    OpenAccount(ctx context.Context, accountID string, balance int64) (Account, error)
    Debit(ctx context.Context, accountID string, amount int64, key string) (Result, error)
    Credit(ctx context.Context, accountID string, amount int64, key string) (Result, error)
    Balance(ctx context.Context, accountID string) (int64, error)
    Lookup(ctx context.Context, key string) (Entry, error)
    Entries(ctx context.Context, accountID string, limit int) ([]Entry, error)
    Throughput(ctx context.Context, since time.Time) (Throughput, error)
}

// CheckReplay decides whether a committed entry matches a fresh request
// for the same key.
func CheckReplay(existing Entry, accountID string, kind Kind, amount int64) (Result, error) {
    if existing.AccountID != accountID || existing.Kind != kind || abs(existing.Amount) != amount {
        return Result{}, ErrIdempotencyConflict
    }
    return Result{Entry: existing, Balance: existing.BalanceAfter, Replayed: true}, nil
}

func CheckRequest(amount int64, key string) error {
    if amount <= 0 {
        return ErrInvalidAmount
    }
    if key == "" {
        return ErrMissingKey
    }
    return nil
}

func Signed(kind Kind, amount int64) int64 {
    if kind == KindDebit {
        return -amount
    }
    return amount
}

func abs(v int64) int64 {
    if v < 0 {
        return -v
    }
    return v
}
