package api

import (
    "context"
    "log/slog"
    "net/http"
    "strconv"
    "strings"
    "time"

    "gridx.coordinator/internal/coordinator"
    "gridx.coordinator/internal/jobs"
    "gridx.coordinator/internal/validate"
)

const idempotencyHeader = "Idempotency-Key"

type createJobRequest struct {
    UserID    string    `json:"user_id"`
    Code      string    `json:"code"`
    Language  string    `json:"language"`
    RequestID string    `json:"request_id"`
    Limits    jobLimits `json:"limits"`
}

type jobLimits struct {
    TimeoutSecs int `json:"timeout_s"`
}

type createAccountRequest struct {
    UserID  string `json:"user_id"`
    Balance int64  `json:"balance"`
}

type cancelJobRequest struct {
    UserID string `json:"user_id"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
    switch r.Method {
    case http.MethodPost:
        s.handleCreateJob(w, r)
    case http.MethodGet:
        s.handleListJobs(w, r)
    default:
        writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
    }
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
    path := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
    if path == "" {
        writeError(w, http.StatusNotFound, "not_found")
        return
    }
    parts := strings.Split(path, "/")
    if len(parts) == 2 && parts[1] == "cancel" {
        s.handleCancelJob(w, r, parts[0])
        return
    }
    if len(parts) != 1 {
        writeError(w, http.StatusNotFound, "not_found")
        return
    }
    if r.Method != http.MethodGet {
        writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
        return
    }

    job, err := s.coord.GetJob(r.Context(), parts[0])
    if err != nil {
        s.writeFailure(w, r, "get job", err)
        return
    }
    writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
    var req createJobRequest
    if err := decodeJSON(w, r, &req); err != nil {
        s.logEvent(r.Context(), "job_submit_failed", slog.String("reason", "invalid_request"))
        writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: err.Error()})
        return
    }

    if key := strings.TrimSpace(r.Header.Get(idempotencyHeader)); key != "" {
        if req.RequestID != "" && req.RequestID != key {
            s.logEvent(r.Context(), "job_submit_failed",
                slog.String("reason", "invalid_request"),
                slog.String("user_id", req.UserID),
            )
            writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: "request_id does not match " + idempotencyHeader})
            return
        }
        req.RequestID = key
    }

    if err := validate.UserID(req.UserID); err != nil {
        s.logEvent(r.Context(), "job_submit_failed", slog.String("reason", "invalid_request"))
        s.writeFailure(w, r, "submit job", err)
        return
    }
    if !s.limiter.Allow(req.UserID) {
        s.logEvent(r.Context(), "job_submit_failed",
            slog.String("reason", "rate_limited"),
            slog.String("user_id", req.UserID),
        )
        writeError(w, http.StatusTooManyRequests, "rate_limited")
        return
    }

    job, err := s.coord.Submit(r.Context(), coordinator.Submission{
        UserID:      req.UserID,
        Code:        req.Code,
        Language:    req.Language,
        RequestID:   req.RequestID,
        TimeoutSecs: req.Limits.TimeoutSecs,
    })
    if err != nil {
        reason := s.writeFailure(w, r, "submit job", err)
        s.logEvent(r.Context(), "job_submit_failed",
            slog.String("reason", reason),
            slog.String("user_id", req.UserID),
            slog.String("request_id", req.RequestID),
        )
        return
    }

    s.logEvent(r.Context(), "job_submitted",
        slog.String("job_id", job.ID),
        slog.String("user_id", job.UserID),
        slog.String("language", job.Language),
        slog.Int64("cost", job.Cost),
    )
    writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
    q := r.URL.Query()
    f := jobs.Filter{
        UserID:   q.Get("user_id"),
        WorkerID: q.Get("worker_id"),
    }
    for _, raw := range q["state"] {
        for _, st := range strings.Split(raw, ",") {
            if st = strings.TrimSpace(st); st != "" {
                f.States = append(f.States, jobs.State(st))
            }
        }
    }
    if raw := q.Get("limit"); raw != "" {
        limit, err := strconv.Atoi(raw)
        if err != nil || limit <= 0 || limit > jobs.MaxListLimit {
            writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: "limit: must be between 1 and 200"})
            return
        }
        f.Limit = limit
    }

    list, err := s.coord.ListJobs(r.Context(), f)
    if err != nil {
        s.writeFailure(w, r, "list jobs", err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"jobs": toJobResponses(list)})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
    if r.Method != http.MethodPost {
        writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
        return
    }

    var req cancelJobRequest
    if err := decodeJSON(w, r, &req); err != nil {
        writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: err.Error()})
        return
    }

    job, err := s.coord.Cancel(r.Context(), req.UserID, jobID)
    if err != nil {
        reason := s.writeFailure(w, r, "cancel job", err)
        s.logEvent(r.Context(), "job_cancel_failed",
            slog.String("reason", reason),
            slog.String("job_id", jobID),
            slog.String("user_id", req.UserID),
        )
        return
    }

    s.logEvent(r.Context(), "job_cancelled", slog.String("job_id", job.ID), slog.String("user_id", job.UserID))
    writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
        return
    }

    var req createAccountRequest
    if err := decodeJSON(w, r, &req); err != nil {
        s.logEvent(r.Context(), "account_create_failed", slog.String("reason", "invalid_request"))
        writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: err.Error()})
        return
    }

    account, err := s.coord.OpenAccount(r.Context(), req.UserID, req.Balance)
    if err != nil {
        reason := s.writeFailure(w, r, "open account", err)
        s.logEvent(r.Context(), "account_create_failed",
            slog.String("reason", reason),
            slog.String("user_id", req.UserID),
            slog.Int64("balance", req.Balance),
        )
        return
    }

    s.logEvent(r.Context(), "account_created",
        slog.String("user_id", account.ID),
        slog.Int64("balance", account.Balance),
    )
    writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

func (s *Server) handleAccountByID(w http.ResponseWriter, r *http.Request) {
    parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/accounts/"), "/")
    if len(parts) != 2 || parts[0] == "" {
        writeError(w, http.StatusNotFound, "not_found")
        return
    }
    if r.Method != http.MethodGet {
        writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
        return
    }

    userID := parts[0]
    switch parts[1] {
    case "balance":
        balance, err := s.coord.GetBalance(r.Context(), userID)
        if err != nil {
            s.writeFailure(w, r, "get balance", err)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
    case "entries":
        limit := 0
        if raw := r.URL.Query().Get("limit"); raw != "" {
            n, err := strconv.Atoi(raw)
            if err != nil || n <= 0 {
                writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: "limit: must be a positive integer"})
                return
            }
            limit = n
        }
        entries, err := s.coord.Entries(r.Context(), userID, limit)
        if err != nil {
            s.writeFailure(w, r, "list entries", err)
            return
        }
        out := make([]entryResponse, 0, len(entries))
        for _, e := range entries {
            out = append(out, toEntryResponse(e))
        }
        writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "entries": out})
    default:
        writeError(w, http.StatusNotFound, "not_found")
    }
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet {
        writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
        return
    }

    out := []workerResponse{}
    if s.workers != nil {
        for _, wk := range s.workers.List() {
            out = append(out, toWorkerResponse(wk))
        }
    }
    writeJSON(w, http.StatusOK, map[string]any{"workers": out})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet {
        writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
        return
    }
    if s.status == nil {
        writeError(w, http.StatusNotFound, "not_found")
        return
    }

    snap, err := s.status.Snapshot(r.Context())
    if err != nil {
        s.writeFailure(w, r, "status", err)
        return
    }
    writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet {
        writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
        return
    }
    if s.health != nil {
        ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
        defer cancel()
        if err := s.health.Ping(ctx); err != nil {
            s.logger.WarnContext(r.Context(), "health check failed", slog.String("error", err.Error()))
            writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
            return
        }
    }
    writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
