// Package owners holds the credentials a worker presents for the account
// that owns it. The first token seen for an owner enrolls it; later workers
// for that owner must present the same token.
package owners

import (
    "context"
    "errors"
    "time"

    "golang.org/x/crypto/bcrypt"

    "gridx.coordinator/internal/validate"
)

var ErrAuthFailed = errors.New("owners: authentication failed")

type Owner struct {
    ID        string
    WorkerID  string
    CreatedAt time.Time
}

// Store is implemented by Memory and by the PostgreSQL store.
type Store interface {
    // Authenticate checks token for ownerID, enrolling the owner on first
    // use. It returns ErrAuthFailed on a mismatch.
    Authenticate(ctx context.Context, ownerID, token string) (Owner, error)
    // BindWorker records the worker an owner last connected, so that a
    // hello without a worker id reconnects to it.
    BindWorker(ctx context.Context, ownerID, workerID string) error
}

func CheckRequest(ownerID, token string) error {
    if err := validate.UserID(ownerID); err != nil {
        return err
    }
    return validate.AuthToken(token)
}

func HashToken(token string) (string, error) {
    hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
    if err != nil {
        return "", err
    }
    return string(hash), nil
}

func CheckToken(hash, token string) error {
    if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
        return ErrAuthFailed
    }
    return nil
}
