package store

import (
    "context"
    "errors"
    "time"

    "github.com/jackc/pgx/v5"

    "gridx.coordinator/internal/ledger"
)

func (s *Store) OpenAccount(ctx context.Context, accountID string, balance int64) (ledger.Account, error) {
    if balance < 0 {
        return ledger.Account{}, ledger.ErrInvalidAmount
    }

    var a ledger.Account
    err := s.pool.QueryRow(ctx, `
        INSERT INTO accounts (id, balance)
        VALUES ($1, $2)
        RETURNING id, balance, created_at, updated_at
    `, accountID, balance).Scan(
        &a.ID,
        &a.Balance,
        &a.CreatedAt,
        &a.UpdatedAt,
    )
    if err != nil {
        if isUniqueViolation(err) {
            return ledger.Account{}, ledger.ErrAccountExists
        }
        return ledger.Account{}, err
    }
    return a, nil
}

func (s *Store) Debit(ctx context.Context, accountID string, amount int64, key string) (ledger.Result, error) {
    return s.apply(ctx, accountID, ledger.KindDebit, amount, key)
}

func (s *Store) Credit(ctx context.Context, accountID string, amount int64, key string) (ledger.Result, error) {
    return s.apply(ctx, accountID, ledger.KindCredit, amount, key)
}

// apply locks the account row for the whole transaction, so changes to one
// account are serialized and the replay check cannot race the insert.
func (s *Store) apply(ctx context.Context, accountID string, kind ledger.Kind, amount int64, key string) (ledger.Result, error) {
    if err := ledger.CheckRequest(amount, key); err != nil {
        return ledger.Result{}, err
    }

    tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
    if err != nil {
        return ledger.Result{}, err
    }
    defer func() {
        _ = tx.Rollback(ctx)
    }()

    var balance int64
    err = tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&balance)
    if err != nil {
        if errors.Is(err, pgx.ErrNoRows) {
            if existing, lerr := lookupEntry(ctx, tx, key); lerr == nil {
                return ledger.CheckReplay(existing, accountID, kind, amount)
            }
            return ledger.Result{}, ledger.ErrAccountNotFound
        }
        return ledger.Result{}, err
    }

    existing, err := lookupEntry(ctx, tx, key)
    if err == nil {
        return ledger.CheckReplay(existing, accountID, kind, amount)
    }
    if !errors.Is(err, pgx.ErrNoRows) {
        return ledger.Result{}, err
    }

    if kind == ledger.KindDebit && balance < amount {
        return ledger.Result{}, ledger.ErrInsufficientCredit
    }
    balance += ledger.Signed(kind, amount)

    _, err = tx.Exec(ctx, "UPDATE accounts SET balance = $1, updated_at = now() WHERE id = $2", balance, accountID)
    if err != nil {
        return ledger.Result{}, err
    }

    entry, err := insertEntry(ctx, tx, ledger.Entry{
        Key:          key,
        AccountID:    accountID,
        Kind:         kind,
        Amount:       ledger.Signed(kind, amount),
        BalanceAfter: balance,
    })
    if err != nil {
        if isUniqueViolation(err) {
            // same key committed concurrently against another account
            _ = tx.Rollback(ctx)
            if existing, lerr := lookupEntry(ctx, s.pool, key); lerr == nil {
                return ledger.CheckReplay(existing, accountID, kind, amount)
            }
        }
        return ledger.Result{}, err
    }

    if err := tx.Commit(ctx); err != nil {
        return ledger.Result{}, err
    }

    return ledger.Result{Entry: entry, Balance: balance}, nil
}

func (s *Store) Balance(ctx context.Context, accountID string) (int64, error) {
    var balance int64
    err := s.pool.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1", accountID).Scan(&balance)
    if err != nil {
        if errors.Is(err, pgx.ErrNoRows) {
            return 0, ledger.ErrAccountNotFound
        }
        return 0, err
    }
    return balance, nil
}

func (s *Store) Lookup(ctx context.Context, key string) (ledger.Entry, error) {
    e, err := lookupEntry(ctx, s.pool, key)
    if err != nil {
        if errors.Is(err, pgx.ErrNoRows) {
            return ledger.Entry{}, ledger.ErrEntryNotFound
        }
        return ledger.Entry{}, err
    }
    return e, nil
}

func (s *Store) Entries(ctx context.Context, accountID string, limit int) ([]ledger.Entry, error) {
    if _, err := s.Balance(ctx, accountID); err != nil {
        return nil, err
    }
    if limit <= 0 {
        limit = 1000
    }

    rows, err := s.pool.Query(ctx, `
        SELECT idempotency_key, account_id, kind, amount, balance_after, created_at
        FROM ledger_entries
        WHERE account_id = $1
        ORDER BY id DESC
        LIMIT $2
    `, accountID, limit)
    if err != nil {
        return nil, err
    }
    defer rows.Close()

    out := make([]ledger.Entry, 0)
    for rows.Next() {
        var e ledger.Entry
        var kind string
        if err := rows.Scan(&e.Key, &e.AccountID, &kind, &e.Amount, &e.BalanceAfter, &e.CreatedAt); err != nil {
            return nil, err
        }
        e.Kind = ledger.Kind(kind)
        out = append(out, e)
    }
    return out, rows.Err()
}

func (s *Store) Throughput(ctx context.Context, since time.Time) (ledger.Throughput, error) {
    rows, err := s.pool.Query(ctx, `
        SELECT kind, COUNT(*), COALESCE(SUM(ABS(amount)), 0)
        FROM ledger_entries
        WHERE created_at >= $1
        GROUP BY kind
    `, since)
    if err != nil {
        return ledger.Throughput{}, err
    }
    defer rows.Close()

    t := ledger.Throughput{Since: since}
    for rows.Next() {
        var kind string
        var count, sum int64
        if err := rows.Scan(&kind, &count, &sum); err != nil {
            return ledger.Throughput{}, err
        }
        switch ledger.Kind(kind) {
        case ledger.KindDebit:
            t.Debits, t.DebitedAmount = count, sum
        case ledger.KindCredit:
            t.Credits, t.CreditedAmount = count, sum
        }
    }
    return t, rows.Err()
}

func insertEntry(ctx context.Context, tx pgx.Tx, e ledger.Entry) (ledger.Entry, error) {
    err := tx.QueryRow(ctx, `
        INSERT INTO ledger_entries (idempotency_key, account_id, kind, amount, balance_after)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING created_at
    `, e.Key, e.AccountID, string(e.Kind), e.Amount, e.BalanceAfter).Scan(&e.CreatedAt)
    return e, err
}

func lookupEntry(ctx context.Context, q querier, key string) (ledger.Entry, error) {
    var e ledger.Entry
    var kind string
    err := q.QueryRow(ctx, `
        SELECT idempotency_key, account_id, kind, amount, balance_after, created_at
        FROM ledger_entries
        WHERE idempotency_key = $1
    `, key).Scan(
        &e.Key,
        &e.AccountID,
        &kind,
        &e.Amount,
        &e.BalanceAfter,
        &e.CreatedAt,
    )
    e.Kind = ledger.Kind(kind)
    return e, err
}
