package owners

import (
    "context"
    "sync"
    "time"
)

var _ Store = (*Memory)(nil)

type record struct {
    owner Owner
    hash  string
}

type Memory struct {
    mu     sync.Mutex
    owners map[string]*record
}

func NewMemory() *Memory {
    return &Memory{owners: make(map[string]*record)}
}

func (m *Memory) Authenticate(_ context.Context, ownerID, token string) (Owner, error) {
    if err := CheckRequest(ownerID, token); err != nil {
        return Owner{}, err
    }

    m.mu.Lock()
    defer m.mu.Unlock()

    if r, ok := m.owners[ownerID]; ok {
        if err := CheckToken(r.hash, token); err != nil {
            return Owner{}, err
        }
        return r.owner, nil
    }

    hash, err := HashToken(token)
    if err != nil {
        return Owner{}, err
    }
    r := &record{owner: Owner{ID: ownerID, CreatedAt: time.Now().UTC()}, hash: hash}
    m.owners[ownerID] = r
    return r.owner, nil
}

func (m *Memory) BindWorker(_ context.Context, ownerID, workerID string) error {
    m.mu.Lock()
    defer m.mu.Unlock()

    r, ok := m.owners[ownerID]
    if !ok {
        return ErrAuthFailed
    }
    r.owner.WorkerID = workerID
    return nil
}
