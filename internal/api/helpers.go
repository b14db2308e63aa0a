package api

import (
    "encoding/json"
    "errors"
    "io"
    "log/slog"
    "net/http"
    "time"

    "gridx.coordinator/internal/coordinator"
    "gridx.coordinator/internal/jobs"
    "gridx.coordinator/internal/ledger"
    "gridx.coordinator/internal/registry"
    "gridx.coordinator/internal/validate"
)

const maxBodyBytes = 8 << 20

type errorResponse struct {
    Error  string `json:"error"`
    Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
    writeJSON(w, status, errorResponse{Error: code})
}

// decodeJSON reads exactly one JSON object with no unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
    dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
    dec.DisallowUnknownFields()
    if err := dec.Decode(v); err != nil {
        return err
    }
    if err := dec.Decode(&struct{}{}); err != io.EOF {
        return errors.New("unexpected trailing data")
    }
    return nil
}

// classify maps a domain error to its HTTP status and error code.
func classify(err error) (int, string) {
    var verr *validate.Error
    switch {
    case errors.As(err, &verr):
        return http.StatusBadRequest, "invalid_request"
    case errors.Is(err, ledger.ErrInsufficientCredit):
        return http.StatusPaymentRequired, "insufficient_credit"
    case errors.Is(err, ledger.ErrIdempotencyConflict):
        return http.StatusUnprocessableEntity, "idempotency_conflict"
    case errors.Is(err, ledger.ErrAccountNotFound):
        return http.StatusNotFound, "account_not_found"
    case errors.Is(err, ledger.ErrAccountExists):
        return http.StatusConflict, "account_exists"
    case errors.Is(err, jobs.ErrNotFound):
        return http.StatusNotFound, "not_found"
    case errors.Is(err, jobs.ErrStaleState), errors.Is(err, jobs.ErrInvalidTransition):
        return http.StatusConflict, "stale_state"
    case errors.Is(err, coordinator.ErrForbidden):
        return http.StatusForbidden, "forbidden"
    case errors.Is(err, coordinator.ErrRefundFailed):
        return http.StatusInternalServerError, "refund_failed"
    case errors.Is(err, coordinator.ErrJobCreationFailed):
        return http.StatusServiceUnavailable, "job_creation_failed"
    default:
        return http.StatusInternalServerError, "internal_error"
    }
}

// writeFailure writes the response for err and returns the error code.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, op string, err error) string {
    status, code := classify(err)
    resp := errorResponse{Error: code}

    var verr *validate.Error
    if errors.As(err, &verr) {
        resp.Detail = verr.Field + ": " + verr.Reason
    }
    if status >= http.StatusInternalServerError {
        s.logger.ErrorContext(r.Context(), op+" failed", slog.String("error", err.Error()), slog.String("code", code))
    }
    writeJSON(w, status, resp)
    return code
}

type jobResponse struct {
    ID          string     `json:"id"`
    UserID      string     `json:"user_id"`
    Language    string     `json:"language"`
    State       jobs.State `json:"state"`
    WorkerID    string     `json:"worker_id,omitempty"`
    Cost        int64      `json:"cost"`
    Limits      jobLimits  `json:"limits"`
    Stdout      string     `json:"stdout,omitempty"`
    Stderr      string     `json:"stderr,omitempty"`
    ExitCode    *int       `json:"exit_code,omitempty"`
    Error       string     `json:"error,omitempty"`
    CreatedAt   time.Time  `json:"created_at"`
    UpdatedAt   time.Time  `json:"updated_at"`
    StartedAt   *time.Time `json:"started_at,omitempty"`
    CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type accountResponse struct {
    UserID    string    `json:"user_id"`
    Balance   int64     `json:"balance"`
    CreatedAt time.Time `json:"created_at"`
}

type entryResponse struct {
    Key          string      `json:"key"`
    Kind         ledger.Kind `json:"kind"`
    Amount       int64       `json:"amount"`
    BalanceAfter int64       `json:"balance_after"`
    CreatedAt    time.Time   `json:"created_at"`
}

type workerResponse struct {
    ID           string                `json:"id"`
    OwnerID      string                `json:"owner_id,omitempty"`
    Caps         registry.Capabilities `json:"caps"`
    Status       registry.Status       `json:"status"`
    CurrentJobID string                `json:"current_job_id,omitempty"`
    ConnectedAt  time.Time             `json:"connected_at"`
    LastSeen     time.Time             `json:"last_seen"`
}

func toJobResponse(j jobs.Job) jobResponse {
    return jobResponse{
        ID:          j.ID,
        UserID:      j.UserID,
        Language:    j.Language,
        State:       j.State,
        WorkerID:    j.WorkerID,
        Cost:        j.Cost,
        Limits:      jobLimits{TimeoutSecs: j.TimeoutSecs},
        Stdout:      j.Stdout,
        Stderr:      j.Stderr,
        ExitCode:    j.ExitCode,
        Error:       j.Error,
        CreatedAt:   j.CreatedAt,
        UpdatedAt:   j.UpdatedAt,
        StartedAt:   j.StartedAt,
        CompletedAt: j.CompletedAt,
    }
}

func toJobResponses(js []jobs.Job) []jobResponse {
    out := make([]jobResponse, 0, len(js))
    for _, j := range js {
        out = append(out, toJobResponse(j))
    }
    return out
}

func toAccountResponse(a ledger.Account) accountResponse {
    return accountResponse{UserID: a.ID, Balance: a.Balance, CreatedAt: a.CreatedAt}
}

func toEntryResponse(e ledger.Entry) entryResponse {
    return entryResponse{
        Key:          e.Key,
        Kind:         e.Kind,
        Amount:       e.Amount,
        BalanceAfter: e.BalanceAfter,
        CreatedAt:    e.CreatedAt,
    }
}

func toWorkerResponse(w registry.Worker) workerResponse {
    return workerResponse{
        ID:           w.ID,
        OwnerID:      w.OwnerID,
        Caps:         w.Caps,
        Status:       w.Status,
        CurrentJobID: w.CurrentJobID,
        ConnectedAt:  w.ConnectedAt,
        LastSeen:     w.LastSeen,
    }
}
