package dispatcher_test

import (
    "bytes"
    "context"
    "errors"
    "log/slog"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/google/uuid"
    "go.opentelemetry.io/otel/metric"
    "go.opentelemetry.io/otel/metric/noop"
    sdkmetric "go.opentelemetry.io/otel/sdk/metric"
    "go.opentelemetry.io/otel/sdk/metric/metricdata"

    "gridx.coordinator/internal/dispatcher"
    "gridx.coordinator/internal/jobs"
    "gridx.coordinator/internal/registry"
)

type fakeConn struct {
    mu   sync.Mutex
    sent []registry.Assignment
    err  error
}

func (c *fakeConn) Send(_ context.Context, a registry.Assignment) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.err != nil {
        return c.err
    }
    c.sent = append(c.sent, a)
    return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) assignments() []registry.Assignment {
    c.mu.Lock()
    defer c.mu.Unlock()
    return append([]registry.Assignment(nil), c.sent...)
}

type fixture struct {
    store    *jobs.Memory
    registry *registry.Registry
    d        *dispatcher.Dispatcher
}

func newFixture() *fixture {
    s := jobs.NewMemory()
    r := registry.New()
    return &fixture{store: s, registry: r, d: dispatcher.New(s, r)}
}

func (f *fixture) worker(t *testing.T, owner string) (string, *fakeConn) {
    t.Helper()

    conn := &fakeConn{}
    w, err := f.registry.Register(context.Background(), registry.Worker{ID: uuid.NewString(), OwnerID: owner}, conn)
    if err != nil {
        t.Fatalf("register worker: %v", err)
    }
    return w.ID, conn
}

func (f *fixture) job(t *testing.T, userID string) jobs.Job {
    t.Helper()

    j, err := f.store.CreateJob(context.Background(), jobs.NewJob{UserID: userID, Code: "print(1)", Language: "python", Cost: 1})
    if err != nil {
        t.Fatalf("create job: %v", err)
    }
    return j
}

func (f *fixture) state(t *testing.T, id string) jobs.Job {
    t.Helper()

    j, err := f.store.GetJob(context.Background(), id)
    if err != nil {
        t.Fatalf("get job: %v", err)
    }
    return j
}

func TestDispatchAssignsPendingJob(t *testing.T) {
    f := newFixture()
    ctx := context.Background()
    workerID, conn := f.worker(t, "")
    j := f.job(t, "u1")

    n, err := f.d.DispatchOnce(ctx)
    if err != nil {
        t.Fatalf("dispatch: %v", err)
    }
    if n != 1 {
        t.Fatalf("expected 1 assignment, got %d", n)
    }

    got := f.state(t, j.ID)
    if got.State != jobs.StateAssigned || got.WorkerID != workerID {
        t.Fatalf("expected job assigned to %s, got %s on %q", workerID, got.State, got.WorkerID)
    }
    sent := conn.assignments()
    if len(sent) != 1 || sent[0].JobID != j.ID || sent[0].Code != "print(1)" {
        t.Fatalf("unexpected assignments: %+v", sent)
    }

    w, _ := f.registry.Get(workerID)
    if w.Status != registry.StatusBusy || w.CurrentJobID != j.ID {
        t.Fatalf("expected worker busy with %s, got %s %q", j.ID, w.Status, w.CurrentJobID)
    }
}

func TestDispatchOneJobPerWorker(t *testing.T) {
    f := newFixture()
    ctx := context.Background()
    f.worker(t, "")
    first := f.job(t, "u1")
    second := f.job(t, "u1")

    n, err := f.d.DispatchOnce(ctx)
    if err != nil {
        t.Fatalf("dispatch: %v", err)
    }
    if n != 1 {
        t.Fatalf("expected 1 assignment, got %d", n)
    }
    if f.state(t, first.ID).State != jobs.StateAssigned {
        t.Fatalf("expected oldest job to be assigned first")
    }
    if f.state(t, second.ID).State != jobs.StatePending {
        t.Fatalf("expected second job to stay pending")
    }
}

func TestDispatchSkipsOwnWorker(t *testing.T) {
    f := newFixture()
    ctx := context.Background()
    f.worker(t, "u1")
    j := f.job(t, "u1")

    n, err := f.d.DispatchOnce(ctx)
    if err != nil {
        t.Fatalf("dispatch: %v", err)
    }
    if n != 0 {
        t.Fatalf("expected no assignment, got %d", n)
    }

    other, _ := f.worker(t, "u2")
    if _, err := f.d.DispatchOnce(ctx); err != nil {
        t.Fatalf("dispatch: %v", err)
    }
    if got := f.state(t, j.ID); got.WorkerID != other {
        t.Fatalf("expected job on worker %s, got %q", other, got.WorkerID)
    }
}

func TestDispatchSendFailureFailsJob(t *testing.T) {
    f := newFixture()
    ctx := context.Background()
    workerID, conn := f.worker(t, "")
    conn.err = errors.New("broken pipe")
    j := f.job(t, "u1")

    n, err := f.d.DispatchOnce(ctx)
    if err != nil {
        t.Fatalf("dispatch: %v", err)
    }
    if n != 0 {
        t.Fatalf("expected 0 assignments, got %d", n)
    }

    got := f.state(t, j.ID)
    if got.State != jobs.StateFailed || got.Error != dispatcher.ReasonWorkerUnavailable {
        t.Fatalf("expected failed with %q, got %s %q", dispatcher.ReasonWorkerUnavailable, got.State, got.Error)
    }
    w, _ := f.registry.Get(workerID)
    if w.Status != registry.StatusIdle {
        t.Fatalf("expected worker released, got %s", w.Status)
    }
}

func TestJobLifecycleThroughDispatcher(t *testing.T) {
    f := newFixture()
    ctx := context.Background()
    workerID, _ := f.worker(t, "")
    j := f.job(t, "u1")

    if _, err := f.d.DispatchOnce(ctx); err != nil {
        t.Fatalf("dispatch: %v", err)
    }
    if err := f.d.JobStarted(ctx, workerID, j.ID); err != nil {
        t.Fatalf("started: %v", err)
    }
    if err := f.d.JobStarted(ctx, workerID, j.ID); err != nil {
        t.Fatalf("duplicate started: %v", err)
    }
    if got := f.state(t, j.ID); got.State != jobs.StateRunning {
        t.Fatalf("expected running, got %s", got.State)
    }

    if err := f.d.JobFinished(ctx, workerID, j.ID, dispatcher.Outcome{Stdout: "1\n"}); err != nil {
        t.Fatalf("finished: %v", err)
    }
    got := f.state(t, j.ID)
    if got.State != jobs.StateSucceeded || got.Stdout != "1\n" || got.ExitCode == nil || *got.ExitCode != 0 {
        t.Fatalf("unexpected job: %+v", got)
    }

    w, _ := f.registry.Get(workerID)
    if w.Status != registry.StatusIdle {
        t.Fatalf("expected worker idle after result, got %s", w.Status)
    }
    if err := f.d.JobFinished(ctx, workerID, j.ID, dispatcher.Outcome{ExitCode: 1}); err != nil {
        t.Fatalf("duplicate result: %v", err)
    }
    if f.state(t, j.ID).State != jobs.StateSucceeded {
        t.Fatalf("expected terminal state to be kept")
    }
}

func TestResultWithoutStartFailsOnNonZeroExit(t *testing.T) {
    f := newFixture()
    ctx := context.Background()
    workerID, _ := f.worker(t, "")
    j := f.job(t, "u1")

    if _, err := f.d.DispatchOnce(ctx); err != nil {
        t.Fatalf("dispatch: %v", err)
    }
    if err := f.d.JobFinished(ctx, workerID, j.ID, dispatcher.Outcome{ExitCode: 3, Stderr: "boom"}); err != nil {
        t.Fatalf("finished: %v", err)
    }

    got := f.state(t, j.ID)
    if got.State != jobs.StateFailed || got.Stderr != "boom" || *got.ExitCode != 3 {
        t.Fatalf("unexpected job: %+v", got)
    }
    if got.StartedAt == nil {
        t.Fatalf("expected started_at to be set")
    }
}

func TestReportsFromWrongWorkerRejected(t *testing.T) {
    f := newFixture()
    ctx := context.Background()
    f.worker(t, "")
    j := f.job(t, "u1")

    if _, err := f.d.DispatchOnce(ctx); err != nil {
        t.Fatalf("dispatch: %v", err)
    }
    if err := f.d.JobStarted(ctx, uuid.NewString(), j.ID); !errors.Is(err, dispatcher.ErrWorkerMismatch) {
        t.Fatalf("expected worker mismatch, got %v", err)
    }
    if err := f.d.JobFinished(ctx, uuid.NewString(), j.ID, dispatcher.Outcome{}); !errors.Is(err, dispatcher.ErrWorkerMismatch) {
        t.Fatalf("expected worker mismatch, got %v", err)
    }
}

func TestWorkerLostFailsHeldJobs(t *testing.T) {
    f := newFixture()
    ctx := context.Background()
    first, _ := f.worker(t, "")
    second, _ := f.worker(t, "")
    a := f.job(t, "u1")
    b := f.job(t, "u1")

    if n, err := f.d.DispatchOnce(ctx); err != nil || n != 2 {
        t.Fatalf("expected 2 assignments, got %d (%v)", n, err)
    }
    running := f.state(t, b.ID)
    if err := f.d.JobStarted(ctx, running.WorkerID, b.ID); err != nil {
        t.Fatalf("started: %v", err)
    }

    for _, id := range []string{first, second} {
        f.registry.Deregister(ctx, id, nil)
        if err := f.d.WorkerLost(ctx, id); err != nil {
            t.Fatalf("worker lost: %v", err)
        }
    }

    if got := f.state(t, a.ID); got.State != jobs.StateFailed || got.Error != dispatcher.ReasonWorkerUnavailable {
        t.Fatalf("expected assigned job failed as unavailable, got %s %q", got.State, got.Error)
    }
    if got := f.state(t, b.ID); got.State != jobs.StateFailed || got.Error != dispatcher.ReasonWorkerLost {
        t.Fatalf("expected running job failed as lost, got %s %q", got.State, got.Error)
    }
}

func TestReapFailsJobsOfDeadWorkers(t *testing.T) {
    f := newFixture()
    ctx := context.Background()
    workerID, _ := f.worker(t, "")
    j := f.job(t, "u1")

    if _, err := f.d.DispatchOnce(ctx); err != nil {
        t.Fatalf("dispatch: %v", err)
    }
    if err := f.d.Reap(ctx); err != nil {
        t.Fatalf("reap: %v", err)
    }
    if f.state(t, j.ID).State != jobs.StateAssigned {
        t.Fatalf("expected job of live worker to be kept")
    }

    f.registry.Deregister(ctx, workerID, nil)
    if err := f.d.Reap(ctx); err != nil {
        t.Fatalf("reap: %v", err)
    }
    if got := f.state(t, j.ID); got.State != jobs.StateFailed {
        t.Fatalf("expected failed, got %s", got.State)
    }
}

func TestReapFailsOverdueJobs(t *testing.T) {
    f := newFixture()
    ctx := context.Background()
    workerID, conn := f.worker(t, "")

    j, err := f.store.CreateJob(ctx, jobs.NewJob{UserID: "u1", Code: "sleep", Language: "bash", Cost: 1, TimeoutSecs: 60})
    if err != nil {
        t.Fatalf("create job: %v", err)
    }
    if _, err := f.d.DispatchOnce(ctx); err != nil {
        t.Fatalf("dispatch: %v", err)
    }
    if sent := conn.assignments(); len(sent) != 1 || sent[0].Limits.TimeoutSecs != 60 {
        t.Fatalf("expected assignment with a 60s limit, got %+v", sent)
    }
    if err := f.d.JobStarted(ctx, workerID, j.ID); err != nil {
        t.Fatalf("job started: %v", err)
    }
    started := *f.state(t, j.ID).StartedAt

    clock := started.Add(60*time.Second + dispatcher.TimeoutGrace/2)
    d := dispatcher.New(f.store, f.registry, dispatcher.WithClock(func() time.Time { return clock }))
    if err := d.Reap(ctx); err != nil {
        t.Fatalf("reap: %v", err)
    }
    if got := f.state(t, j.ID); got.State != jobs.StateRunning {
        t.Fatalf("expected running within grace, got %s", got.State)
    }

    clock = started.Add(60*time.Second + dispatcher.TimeoutGrace + time.Second)
    if err := d.Reap(ctx); err != nil {
        t.Fatalf("reap: %v", err)
    }
    got := f.state(t, j.ID)
    if got.State != jobs.StateFailed || got.Error != dispatcher.ReasonTimedOut {
        t.Fatalf("expected failed with %q, got %s %q", dispatcher.ReasonTimedOut, got.State, got.Error)
    }
    if w, _ := f.registry.Get(workerID); w.Status != registry.StatusIdle {
        t.Fatalf("expected worker released, got %s", w.Status)
    }
}

func TestConcurrentDispatchersAssignOnce(t *testing.T) {
    s := jobs.NewMemory()
    ctx := context.Background()
    j, err := s.CreateJob(ctx, jobs.NewJob{UserID: "u1", Code: "x", Language: "python", Cost: 1})
    if err != nil {
        t.Fatalf("create job: %v", err)
    }

    var (
        wg    sync.WaitGroup
        mu    sync.Mutex
        total int
    )
    for i := 0; i < 8; i++ {
        r := registry.New()
        if _, err := r.Register(ctx, registry.Worker{ID: uuid.NewString()}, &fakeConn{}); err != nil {
            t.Fatalf("register: %v", err)
        }
        d := dispatcher.New(s, r)

        wg.Add(1)
        go func() {
            defer wg.Done()
            n, err := d.DispatchOnce(ctx)
            if err != nil {
                t.Errorf("dispatch: %v", err)
                return
            }
            mu.Lock()
            total += n
            mu.Unlock()
        }()
    }
    wg.Wait()

    if total != 1 {
        t.Fatalf("expected 1 assignment across dispatchers, got %d", total)
    }
    got, _ := s.GetJob(ctx, j.ID)
    if got.State != jobs.StateAssigned {
        t.Fatalf("expected assigned, got %s", got.State)
    }
}

func TestRunDispatchesOnNotify(t *testing.T) {
    f := newFixture()
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    _, conn := f.worker(t, "")

    done := make(chan error, 1)
    go func() { done <- f.d.Run(ctx) }()

    f.job(t, "u1")
    f.d.Notify()

    for i := 0; i < 200 && len(conn.assignments()) == 0; i++ {
        time.Sleep(5 * time.Millisecond)
    }
    if len(conn.assignments()) != 1 {
        t.Fatalf("expected job to be dispatched")
    }

    cancel()
    if err := <-done; err != nil {
        t.Fatalf("run: %v", err)
    }
}

func TestTransitionsAreCounted(t *testing.T) {
    ctx := context.Background()
    reader := sdkmetric.NewManualReader()
    mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

    s := jobs.NewMemory()
    r := registry.New()
    d := dispatcher.New(s, r, dispatcher.WithMeter(mp.Meter("test")))

    w, err := r.Register(ctx, registry.Worker{ID: uuid.NewString()}, &fakeConn{})
    if err != nil {
        t.Fatalf("register: %v", err)
    }
    j, _ := s.CreateJob(ctx, jobs.NewJob{UserID: "u1", Code: "x", Language: "python", Cost: 1})
    if _, err := d.DispatchOnce(ctx); err != nil {
        t.Fatalf("dispatch: %v", err)
    }
    if err := d.JobFinished(ctx, w.ID, j.ID, dispatcher.Outcome{ExitCode: 1}); err != nil {
        t.Fatalf("finished: %v", err)
    }

    var rm metricdata.ResourceMetrics
    if err := reader.Collect(ctx, &rm); err != nil {
        t.Fatalf("collect: %v", err)
    }

    var total int64
    for _, sm := range rm.ScopeMetrics {
        for _, m := range sm.Metrics {
            if m.Name != "gridx.job.transitions" {
                continue
            }
            sum, ok := m.Data.(metricdata.Sum[int64])
            if !ok {
                t.Fatalf("unexpected data type %T", m.Data)
            }
            for _, dp := range sum.DataPoints {
                total += dp.Value
            }
        }
    }
    if total != 3 {
        t.Fatalf("expected 3 transitions, got %d", total)
    }
}

type brokenMeter struct {
    noop.Meter
}

func (brokenMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
    return noop.Int64Counter{}, errors.New("instrument rejected")
}

func TestInstrumentErrorIsLogged(t *testing.T) {
    var buf bytes.Buffer
    logger := slog.New(slog.NewTextHandler(&buf, nil))
    s := jobs.NewMemory()
    r := registry.New()
    d := dispatcher.New(s, r, dispatcher.WithMeter(brokenMeter{}), dispatcher.WithLogger(logger))

    if !strings.Contains(buf.String(), "instrument=gridx.job.transitions") {
        t.Fatalf("expected instrument error to be logged, got %s", buf.String())
    }

    ctx := context.Background()
    if _, err := r.Register(ctx, registry.Worker{ID: uuid.NewString()}, &fakeConn{}); err != nil {
        t.Fatalf("register: %v", err)
    }
    if _, err := s.CreateJob(ctx, jobs.NewJob{UserID: "u1", Code: "x", Language: "python", Cost: 1}); err != nil {
        t.Fatalf("create job: %v", err)
    }
    if n, err := d.DispatchOnce(ctx); err != nil || n != 1 {
        t.Fatalf("expected 1 assignment, got %d (%v)", n, err)
    }
}
