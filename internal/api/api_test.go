package api_test

import (
    "context"
    "encoding/json"
    "errors"
    "io"
    "log/slog"
    "net/http"
    "net/http/httptest"
    "os"
    "strings"
    "testing"
    "time"

    "gridx.coordinator/internal/api"
    "gridx.coordinator/internal/coordinator"
    "gridx.coordinator/internal/jobs"
    "gridx.coordinator/internal/ledger"
    "gridx.coordinator/internal/registry"
    "gridx.coordinator/internal/status"
    "gridx.coordinator/internal/store"
)

type testEnv struct {
    ledger    ledger.Ledger
    jobs      jobs.Store
    registry  *registry.Registry
    server    *httptest.Server
    client    *http.Client
    authToken string
}

type backends struct {
    ledger ledger.Ledger
    jobs   jobs.Store
    health api.Pinger
}

func memoryBackends(*testing.T) backends {
    return backends{ledger: ledger.NewMemory(), jobs: jobs.NewMemory()}
}

func postgresBackends(t *testing.T) backends {
    t.Helper()

    dbURL := os.Getenv("DATABASE_URL")
    if dbURL == "" {
        t.Skip("DATABASE_URL is not set")
    }

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    st, err := store.Open(ctx, dbURL)
    if err != nil {
        t.Fatalf("db connection: %v", err)
    }
    t.Cleanup(st.Close)

    if err := st.Migrate(ctx); err != nil {
        t.Fatalf("migrate: %v", err)
    }
    if _, err := st.Pool().Exec(ctx, "TRUNCATE ledger_entries, jobs, accounts, voided_admissions, worker_owners RESTART IDENTITY"); err != nil {
        t.Fatalf("reset db: %v", err)
    }
    return backends{ledger: st, jobs: st, health: st}
}

func setupTest(t *testing.T, b backends, opts ...api.Option) *testEnv {
    t.Helper()

    logger := slog.New(slog.NewTextHandler(io.Discard, nil))
    reg := registry.New(registry.WithLogger(logger))
    coord := coordinator.New(b.ledger, b.jobs, coordinator.WithLogger(logger))

    base := []api.Option{
        api.WithLogger(logger),
        api.WithWorkers(reg),
        api.WithStatus(status.NewReporter(b.jobs, b.ledger, reg)),
    }
    if b.health != nil {
        base = append(base, api.WithHealth(b.health))
    }

    authToken := "test-token"
    srv := api.NewServer(coord, authToken, append(base, opts...)...)
    ts := httptest.NewServer(srv.Routes())
    t.Cleanup(ts.Close)

    return &testEnv{
        ledger:    b.ledger,
        jobs:      b.jobs,
        registry:  reg,
        server:    ts,
        client:    &http.Client{Timeout: 3 * time.Second},
        authToken: authToken,
    }
}

func (e *testEnv) doRequest(t *testing.T, method, path, body string, headers ...string) *http.Response {
    t.Helper()

    req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
    if err != nil {
        t.Fatalf("new request: %v", err)
    }
    req.Header.Set("Authorization", "Bearer "+e.authToken)
    req.Header.Set("Content-Type", "application/json")
    for i := 0; i+1 < len(headers); i += 2 {
        req.Header.Set(headers[i], headers[i+1])
    }

    resp, err := e.client.Do(req)
    if err != nil {
        t.Fatalf("do request: %v", err)
    }
    return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
    t.Helper()

    defer resp.Body.Close()
    if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
        t.Fatalf("decode response: %v", err)
    }
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
    t.Helper()

    if resp.StatusCode != want {
        body, _ := io.ReadAll(resp.Body)
        resp.Body.Close()
        t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
    }
}

func seedAccount(t *testing.T, l ledger.Ledger, userID string, balance int64) {
    t.Helper()

    if _, err := l.OpenAccount(context.Background(), userID, balance); err != nil && !errors.Is(err, ledger.ErrAccountExists) {
        t.Fatalf("seed account: %v", err)
    }
}

func getBalance(t *testing.T, l ledger.Ledger, userID string) int64 {
    t.Helper()

    balance, err := l.Balance(context.Background(), userID)
    if err != nil {
        t.Fatalf("balance: %v", err)
    }
    return balance
}

type errorBody struct {
    Error  string `json:"error"`
    Detail string `json:"detail"`
}

type jobBody struct {
    ID       string `json:"id"`
    UserID   string `json:"user_id"`
    Language string `json:"language"`
    State    string `json:"state"`
    Cost     int64  `json:"cost"`
    Error    string `json:"error"`
    Limits   struct {
        TimeoutSecs int `json:"timeout_s"`
    } `json:"limits"`
}

func TestRequiresBearerToken(t *testing.T) {
    env := setupTest(t, memoryBackends(t))

    resp := env.doRequest(t, http.MethodGet, "/v1/workers", "", "Authorization", "Bearer wrong")
    defer resp.Body.Close()

    if resp.StatusCode != http.StatusUnauthorized {
        t.Fatalf("expected %d, got %d", http.StatusUnauthorized, resp.StatusCode)
    }
}

func TestHealthIsPublic(t *testing.T) {
    env := setupTest(t, memoryBackends(t))

    resp, err := env.client.Get(env.server.URL + "/health")
    if err != nil {
        t.Fatalf("get: %v", err)
    }
    expectStatus(t, resp, http.StatusOK)

    var got map[string]string
    decode(t, resp, &got)
    if got["status"] != "ok" {
        t.Fatalf("expected ok, got %q", got["status"])
    }
}

func TestHealthReportsStoreFailure(t *testing.T) {
    b := memoryBackends(t)
    b.health = pingerFunc(func(context.Context) error { return errors.New("down") })
    env := setupTest(t, b)

    resp, err := env.client.Get(env.server.URL + "/health")
    if err != nil {
        t.Fatalf("get: %v", err)
    }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusServiceUnavailable {
        t.Fatalf("expected %d, got %d", http.StatusServiceUnavailable, resp.StatusCode)
    }
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }
