package api_test

import (
    "context"
    "errors"
    "fmt"
    "net/http"
    "strings"
    "sync"
    "testing"

    "gridx.coordinator/internal/api"
    "gridx.coordinator/internal/jobs"
)

func submit(t *testing.T, env *testEnv, body string, headers ...string) *http.Response {
    t.Helper()
    return env.doRequest(t, http.MethodPost, "/v1/jobs", body, headers...)
}

func TestSubmitJobSuccess(t *testing.T) {
    env := setupTest(t, memoryBackends(t))
    seedAccount(t, env.ledger, "u1", 10)

    resp := submit(t, env, `{"user_id":"u1","code":"print(1)"}`)
    expectStatus(t, resp, http.StatusCreated)

    var got jobBody
    decode(t, resp, &got)
    if got.State != string(jobs.StatePending) || got.Language != "python" || got.Cost != 1 {
        t.Fatalf("unexpected job: %+v", got)
    }
    if got.Limits.TimeoutSecs != 60 {
        t.Fatalf("expected default timeout 60, got %d", got.Limits.TimeoutSecs)
    }
    if balance := getBalance(t, env.ledger, "u1"); balance != 9 {
        t.Fatalf("expected balance 9, got %d", balance)
    }

    fetched := env.doRequest(t, http.MethodGet, "/v1/jobs/"+got.ID, "")
    expectStatus(t, fetched, http.StatusOK)
    var again jobBody
    decode(t, fetched, &again)
    if again.ID != got.ID || again.UserID != "u1" {
        t.Fatalf("unexpected job: %+v", again)
    }
}

func TestSubmitJobTimeoutLimit(t *testing.T) {
    env := setupTest(t, memoryBackends(t))
    seedAccount(t, env.ledger, "u1", 10)

    resp := submit(t, env, `{"user_id":"u1","code":"sleep 5","language":"bash","limits":{"timeout_s":120}}`)
    expectStatus(t, resp, http.StatusCreated)

    var got jobBody
    decode(t, resp, &got)
    if got.Limits.TimeoutSecs != 120 {
        t.Fatalf("expected timeout 120, got %d", got.Limits.TimeoutSecs)
    }
}

func TestSubmitJobIdempotencyKey(t *testing.T) {
    env := setupTest(t, memoryBackends(t))
    seedAccount(t, env.ledger, "u1", 10)

    var ids []string
    for i := 0; i < 3; i++ {
        resp := submit(t, env, `{"user_id":"u1","code":"print(1)"}`, "Idempotency-Key", "req-1")
        expectStatus(t, resp, http.StatusCreated)
        var got jobBody
        decode(t, resp, &got)
        ids = append(ids, got.ID)
    }
    if ids[0] != ids[1] || ids[1] != ids[2] {
        t.Fatalf("expected one job for one key, got %v", ids)
    }
    if balance := getBalance(t, env.ledger, "u1"); balance != 9 {
        t.Fatalf("expected balance 9, got %d", balance)
    }

    mismatch := submit(t, env, `{"user_id":"u1","code":"x","request_id":"req-2"}`, "Idempotency-Key", "req-1")
    defer mismatch.Body.Close()
    if mismatch.StatusCode != http.StatusBadRequest {
        t.Fatalf("expected %d, got %d", http.StatusBadRequest, mismatch.StatusCode)
    }
}

func TestSubmitJobInsufficientCredit(t *testing.T) {
    env := setupTest(t, memoryBackends(t))
    seedAccount(t, env.ledger, "u2", 0)

    resp := submit(t, env, `{"user_id":"u2","code":"print(1)"}`)
    defer resp.Body.Close()

    if resp.StatusCode != http.StatusPaymentRequired {
        t.Fatalf("expected %d, got %d", http.StatusPaymentRequired, resp.StatusCode)
    }
    counts, _ := env.jobs.CountJobs(context.Background())
    if counts[jobs.StatePending] != 0 {
        t.Fatalf("expected no jobs, got %d", counts[jobs.StatePending])
    }
}

func TestSubmitJobUnknownAccount(t *testing.T) {
    env := setupTest(t, memoryBackends(t))

    resp := submit(t, env, `{"user_id":"ghost","code":"print(1)"}`)
    expectStatus(t, resp, http.StatusNotFound)

    var got errorBody
    decode(t, resp, &got)
    if got.Error != "account_not_found" {
        t.Fatalf("expected account_not_found, got %s", got.Error)
    }
}

func TestSubmitJobInvalidRequest(t *testing.T) {
    env := setupTest(t, memoryBackends(t))
    seedAccount(t, env.ledger, "u1", 10)

    for _, body := range []string{
        `{"user_id":"u1","code":""}`,
        `{"user_id":"u1","code":"x","language":"cobol"}`,
        `{"user_id":"bad id","code":"x"}`,
        `{"user_id":"u1","code":"x","request_id":"has space"}`,
        `{"user_id":"u1","code":"x","limits":{"timeout_s":3601}}`,
        `{"user_id":"u1","code":"x","limits":{"timeout_s":-5}}`,
        `{"user_id":"u1","code":"x"} {}`,
    } {
        resp := submit(t, env, body)
        resp.Body.Close()
        if resp.StatusCode != http.StatusBadRequest {
            t.Fatalf("body %s: expected %d, got %d", body, http.StatusBadRequest, resp.StatusCode)
        }
    }
    if balance := getBalance(t, env.ledger, "u1"); balance != 10 {
        t.Fatalf("expected balance untouched, got %d", balance)
    }
}

func TestSubmitJobCreationFailureRefunds(t *testing.T) {
    b := memoryBackends(t)
    b.jobs = brokenJobs{Store: b.jobs}
    env := setupTest(t, b)
    seedAccount(t, env.ledger, "u1", 3)

    resp := submit(t, env, `{"user_id":"u1","code":"x"}`)
    expectStatus(t, resp, http.StatusServiceUnavailable)

    var got errorBody
    decode(t, resp, &got)
    if got.Error != "job_creation_failed" {
        t.Fatalf("expected job_creation_failed, got %s", got.Error)
    }
    if balance := getBalance(t, env.ledger, "u1"); balance != 3 {
        t.Fatalf("expected balance 3 after refund, got %d", balance)
    }
}

func TestConcurrentSubmissionsNeverOverdraw(t *testing.T) {
    env := setupTest(t, memoryBackends(t))
    runConcurrentSubmissions(t, env)
}

func TestConcurrentSubmissionsPostgres(t *testing.T) {
    env := setupTest(t, postgresBackends(t))
    runConcurrentSubmissions(t, env)
}

func runConcurrentSubmissions(t *testing.T, env *testEnv) {
    t.Helper()
    seedAccount(t, env.ledger, "u1", 3)

    type result struct {
        status int
        err    error
    }

    var wg sync.WaitGroup
    results := make(chan result, 10)
    for i := 0; i < 10; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            req, err := http.NewRequest(http.MethodPost, env.server.URL+"/v1/jobs",
                strings.NewReader(fmt.Sprintf(`{"user_id":"u1","code":"print(%d)","request_id":"r%d"}`, i, i)))
            if err != nil {
                results <- result{err: err}
                return
            }
            req.Header.Set("Authorization", "Bearer "+env.authToken)
            resp, err := env.client.Do(req)
            if err != nil {
                results <- result{err: err}
                return
            }
            resp.Body.Close()
            results <- result{status: resp.StatusCode}
        }(i)
    }
    wg.Wait()
    close(results)

    created, rejected := 0, 0
    for res := range results {
        if res.err != nil {
            t.Fatalf("request error: %v", res.err)
        }
        switch res.status {
        case http.StatusCreated:
            created++
        case http.StatusPaymentRequired:
            rejected++
        default:
            t.Fatalf("unexpected status: %d", res.status)
        }
    }

    if created != 3 || rejected != 7 {
        t.Fatalf("expected 3 created and 7 rejected, got %d and %d", created, rejected)
    }
    if balance := getBalance(t, env.ledger, "u1"); balance != 0 {
        t.Fatalf("expected balance 0, got %d", balance)
    }
}

func TestSubmitRateLimited(t *testing.T) {
    env := setupTest(t, memoryBackends(t), api.WithSubmitLimit(2))
    seedAccount(t, env.ledger, "u1", 10)
    seedAccount(t, env.ledger, "u2", 10)

    for i := 0; i < 2; i++ {
        resp := submit(t, env, `{"user_id":"u1","code":"x"}`)
        expectStatus(t, resp, http.StatusCreated)
        resp.Body.Close()
    }

    limited := submit(t, env, `{"user_id":"u1","code":"x"}`)
    defer limited.Body.Close()
    if limited.StatusCode != http.StatusTooManyRequests {
        t.Fatalf("expected %d, got %d", http.StatusTooManyRequests, limited.StatusCode)
    }

    other := submit(t, env, `{"user_id":"u2","code":"x"}`)
    defer other.Body.Close()
    if other.StatusCode != http.StatusCreated {
        t.Fatalf("expected other user to be unaffected, got %d", other.StatusCode)
    }
    if balance := getBalance(t, env.ledger, "u1"); balance != 8 {
        t.Fatalf("expected balance 8, got %d", balance)
    }
}

func TestGetJobErrors(t *testing.T) {
    env := setupTest(t, memoryBackends(t))

    bad := env.doRequest(t, http.MethodGet, "/v1/jobs/not-a-uuid", "")
    defer bad.Body.Close()
    if bad.StatusCode != http.StatusBadRequest {
        t.Fatalf("expected %d, got %d", http.StatusBadRequest, bad.StatusCode)
    }

    missing := env.doRequest(t, http.MethodGet, "/v1/jobs/6f1c1d4e-8a53-4c5e-9a1b-3f0f2b7c9d10", "")
    defer missing.Body.Close()
    if missing.StatusCode != http.StatusNotFound {
        t.Fatalf("expected %d, got %d", http.StatusNotFound, missing.StatusCode)
    }
}

func TestCancelJob(t *testing.T) {
    env := setupTest(t, memoryBackends(t))
    seedAccount(t, env.ledger, "u1", 10)

    resp := submit(t, env, `{"user_id":"u1","code":"x"}`)
    expectStatus(t, resp, http.StatusCreated)
    var created jobBody
    decode(t, resp, &created)

    forbidden := env.doRequest(t, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", `{"user_id":"u2"}`)
    forbidden.Body.Close()
    if forbidden.StatusCode != http.StatusForbidden {
        t.Fatalf("expected %d, got %d", http.StatusForbidden, forbidden.StatusCode)
    }

    cancel := env.doRequest(t, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", `{"user_id":"u1"}`)
    expectStatus(t, cancel, http.StatusOK)
    var cancelled jobBody
    decode(t, cancel, &cancelled)
    if cancelled.State != string(jobs.StateCancelled) {
        t.Fatalf("expected cancelled, got %s", cancelled.State)
    }

    again := env.doRequest(t, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", `{"user_id":"u1"}`)
    defer again.Body.Close()
    if again.StatusCode != http.StatusConflict {
        t.Fatalf("expected %d, got %d", http.StatusConflict, again.StatusCode)
    }
    if balance := getBalance(t, env.ledger, "u1"); balance != 9 {
        t.Fatalf("expected debit to stay committed, got balance %d", balance)
    }
}

func TestListJobs(t *testing.T) {
    env := setupTest(t, memoryBackends(t))
    seedAccount(t, env.ledger, "u1", 10)
    seedAccount(t, env.ledger, "u2", 10)

    for _, u := range []string{"u1", "u1", "u2"} {
        resp := submit(t, env, fmt.Sprintf(`{"user_id":%q,"code":"x"}`, u))
        expectStatus(t, resp, http.StatusCreated)
        resp.Body.Close()
    }

    resp := env.doRequest(t, http.MethodGet, "/v1/jobs?user_id=u1&state=pending,running&limit=10", "")
    expectStatus(t, resp, http.StatusOK)
    var got struct {
        Jobs []jobBody `json:"jobs"`
    }
    decode(t, resp, &got)
    if len(got.Jobs) != 2 {
        t.Fatalf("expected 2 jobs, got %d", len(got.Jobs))
    }

    for _, q := range []string{"state=bogus", "limit=0", "limit=201"} {
        bad := env.doRequest(t, http.MethodGet, "/v1/jobs?"+q, "")
        bad.Body.Close()
        if bad.StatusCode != http.StatusBadRequest {
            t.Fatalf("query %s: expected %d, got %d", q, http.StatusBadRequest, bad.StatusCode)
        }
    }
}

func TestStatusSnapshot(t *testing.T) {
    env := setupTest(t, memoryBackends(t))
    seedAccount(t, env.ledger, "u1", 10)

    resp := submit(t, env, `{"user_id":"u1","code":"x"}`)
    expectStatus(t, resp, http.StatusCreated)
    resp.Body.Close()

    st := env.doRequest(t, http.MethodGet, "/status", "")
    expectStatus(t, st, http.StatusOK)
    var got struct {
        Jobs struct {
            Pending int64 `json:"pending"`
        } `json:"jobs"`
        Workers struct {
            Total int `json:"total"`
        } `json:"workers"`
        Ledger struct {
            Debits int64 `json:"debits"`
        } `json:"ledger"`
    }
    decode(t, st, &got)
    if got.Jobs.Pending != 1 || got.Workers.Total != 0 || got.Ledger.Debits != 1 {
        t.Fatalf("unexpected status: %+v", got)
    }
}

type brokenJobs struct {
    jobs.Store
}

func (brokenJobs) CreateJob(context.Context, jobs.NewJob) (jobs.Job, error) {
    return jobs.Job{}, errors.New("insert failed")
}
