package store

import (
    "context"
    "errors"

    "github.com/jackc/pgx/v5"

    "gridx.coordinator/internal/owners"
)

var _ owners.Store = (*Store)(nil)

func (s *Store) Authenticate(ctx context.Context, ownerID, token string) (owners.Owner, error) {
    if err := owners.CheckRequest(ownerID, token); err != nil {
        return owners.Owner{}, err
    }

    o, hash, err := s.loadOwner(ctx, ownerID)
    if err == nil {
        if err := owners.CheckToken(hash, token); err != nil {
            return owners.Owner{}, err
        }
        return o, nil
    }
    if !errors.Is(err, pgx.ErrNoRows) {
        return owners.Owner{}, err
    }

    hash, err = owners.HashToken(token)
    if err != nil {
        return owners.Owner{}, err
    }
    err = s.pool.QueryRow(ctx, `
        INSERT INTO worker_owners (owner_id, token_hash)
        VALUES ($1, $2)
        ON CONFLICT (owner_id) DO NOTHING
        RETURNING owner_id, COALESCE(worker_id, ''), created_at
    `, ownerID, hash).Scan(&o.ID, &o.WorkerID, &o.CreatedAt)
    if err == nil {
        return o, nil
    }
    if !errors.Is(err, pgx.ErrNoRows) {
        return owners.Owner{}, err
    }

    // enrolled concurrently by another connection
    o, hash, err = s.loadOwner(ctx, ownerID)
    if err != nil {
        return owners.Owner{}, err
    }
    if err := owners.CheckToken(hash, token); err != nil {
        return owners.Owner{}, err
    }
    return o, nil
}

func (s *Store) BindWorker(ctx context.Context, ownerID, workerID string) error {
    tag, err := s.pool.Exec(ctx, "UPDATE worker_owners SET worker_id = $2, updated_at = now() WHERE owner_id = $1", ownerID, workerID)
    if err != nil {
        return err
    }
    if tag.RowsAffected() == 0 {
        return owners.ErrAuthFailed
    }
    return nil
}

func (s *Store) loadOwner(ctx context.Context, ownerID string) (owners.Owner, string, error) {
    var o owners.Owner
    var hash string
    err := s.pool.QueryRow(ctx, `
        SELECT owner_id, COALESCE(worker_id, ''), created_at, token_hash
        FROM worker_owners WHERE owner_id = $1
    `, ownerID).Scan(&o.ID, &o.WorkerID, &o.CreatedAt, &hash)
    return o, hash, err
}
