package ledger

import (
    "context"
    "sync"
    "time"
)

var _ Ledger = (*Memory)(nil)

// Memory is an in-process Ledger. A single mutex serializes all balance
// changes, which also serializes changes per account.
type Memory struct {
    mu       sync.Mutex
    accounts map[string]*Account
    entries  map[string]Entry
    order    []string
    now      func() time.Time
}

func NewMemory() *Memory {
    return &Memory{
        accounts: make(map[string]*Account),
        entries:  make(map[string]Entry),
        now:      func() time.Time { return time.Now().UTC() },
    }
}

func (m *Memory) OpenAccount(_ context.Context, accountID string, balance int64) (Account, error) {
    if balance < 0 {
        return Account{}, ErrInvalidAmount
    }

    m.mu.Lock()
    defer m.mu.Unlock()

    if _, ok := m.accounts[accountID]; ok {
        return Account{}, ErrAccountExists
    }
    now := m.now()
    a := &Account{ID: accountID, Balance: balance, CreatedAt: now, UpdatedAt: now}
    m.accounts[accountID] = a
    return *a, nil
}

func (m *Memory) Debit(_ context.Context, accountID string, amount int64, key string) (Result, error) {
    return m.apply(accountID, KindDebit, amount, key)
}

func (m *Memory) Credit(_ context.Context, accountID string, amount int64, key string) (Result, error) {
    return m.apply(accountID, KindCredit, amount, key)
}

func (m *Memory) apply(accountID string, kind Kind, amount int64, key string) (Result, error) {
    if err := CheckRequest(amount, key); err != nil {
        return Result{}, err
    }

    m.mu.Lock()
    defer m.mu.Unlock()

    if existing, ok := m.entries[key]; ok {
        return CheckReplay(existing, accountID, kind, amount)
    }

    a, ok := m.accounts[accountID]
    if !ok {
        return Result{}, ErrAccountNotFound
    }
    if kind == KindDebit && a.Balance < amount {
        return Result{}, ErrInsufficientCredit
    }

    now := m.now()
    a.Balance += Signed(kind, amount)
    a.UpdatedAt = now

    e := Entry{
        Key:          key,
        AccountID:    accountID,
        Kind:         kind,
        Amount:       Signed(kind, amount),
        BalanceAfter: a.Balance,
        CreatedAt:    now,
    }
    m.entries[key] = e
    m.order = append(m.order, key)

    return Result{Entry: e, Balance: a.Balance}, nil
}

func (m *Memory) Balance(_ context.Context, accountID string) (int64, error) {
    m.mu.Lock()
    defer m.mu.Unlock()

    a, ok := m.accounts[accountID]
    if !ok {
        return 0, ErrAccountNotFound
    }
    return a.Balance, nil
}

func (m *Memory) Lookup(_ context.Context, key string) (Entry, error) {
    m.mu.Lock()
    defer m.mu.Unlock()

    e, ok := m.entries[key]
    if !ok {
        return Entry{}, ErrEntryNotFound
    }
    return e, nil
}

func (m *Memory) Entries(_ context.Context, accountID string, limit int) ([]Entry, error) {
    m.mu.Lock()
    defer m.mu.Unlock()

    if _, ok := m.accounts[accountID]; !ok {
        return nil, ErrAccountNotFound
    }

    out := make([]Entry, 0)
    for i := len(m.order) - 1; i >= 0; i-- {
        e := m.entries[m.order[i]]
        if e.AccountID != accountID {
            continue
        }
        out = append(out, e)
        if limit > 0 && len(out) == limit {
            break
        }
    }
    return out, nil
}

func (m *Memory) Throughput(_ context.Context, since time.Time) (Throughput, error) {
    m.mu.Lock()
    defer m.mu.Unlock()

    t := Throughput{Since: since}
    for _, key := range m.order {
        e := m.entries[key]
        if e.CreatedAt.Before(since) {
            continue
        }
        switch e.Kind {
        case KindDebit:
            t.Debits++
            t.DebitedAmount += -e.Amount
        case KindCredit:
            t.Credits++
            t.CreditedAmount += e.Amount
        }
    }
    return t, nil
}
