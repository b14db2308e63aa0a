package main

import (
    "context"
    "errors"
    "log/slog"
    "net"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/redis/go-redis/v9"
    "golang.org/x/sync/errgroup"

    "gridx.coordinator/internal/api"
    "gridx.coordinator/internal/coordinator"
    "gridx.coordinator/internal/dispatcher"
    "gridx.coordinator/internal/gateway"
    "gridx.coordinator/internal/jobs"
    "gridx.coordinator/internal/registry"
    "gridx.coordinator/internal/status"
    "gridx.coordinator/internal/store"
)

func main() {
    cfg, err := loadConfig()
    if err != nil {
        slog.Error("config error", slog.String("error", err.Error()))
        os.Exit(1)
    }

    logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
    slog.SetDefault(logger)

    if err := run(cfg, logger); err != nil {
        logger.Error("coordinator stopped", slog.String("error", err.Error()))
        os.Exit(1)
    }
}

func run(cfg config, logger *slog.Logger) error {
    ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer stop()

    openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
    defer cancel()

    st, err := store.Open(openCtx, cfg.DatabaseURL)
    if err != nil {
        return err
    }
    defer st.Close()

    if err := st.Migrate(openCtx); err != nil {
        return err
    }

    regOpts := []registry.Option{registry.WithLogger(logger)}
    if cfg.RedisAddr != "" {
        rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
        defer rdb.Close()
        if err := rdb.Ping(openCtx).Err(); err != nil {
            return err
        }
        regOpts = append(regOpts, registry.WithPresence(registry.NewRedisPresence(rdb, cfg.HeartbeatTimeout)))
        logger.Info("worker presence mirrored to redis", slog.String("addr", cfg.RedisAddr))
    }
    workers := registry.New(regOpts...)

    disp := dispatcher.New(st, workers,
        dispatcher.WithLogger(logger),
        dispatcher.WithPollInterval(cfg.DispatchInterval),
        dispatcher.WithReapInterval(cfg.ReapInterval),
    )
    coord := coordinator.New(st, st,
        coordinator.WithCost(cfg.JobCost),
        coordinator.WithLogger(logger),
        coordinator.OnAdmitted(func(jobs.Job) { disp.Notify() }),
    )
    gw := gateway.New(workers, disp,
        gateway.WithLogger(logger),
        gateway.WithOwners(st),
        gateway.WithReadTimeout(cfg.HeartbeatTimeout),
    )
    srv := api.NewServer(coord, cfg.AuthToken,
        api.WithLogger(logger),
        api.WithWorkers(workers),
        api.WithStatus(status.NewReporter(st, st, workers)),
        api.WithHealth(st),
        api.WithGateway(gw),
        api.WithSubmitLimit(cfg.RateLimit),
    )

    httpServer := &http.Server{
        Addr:              ":" + cfg.Port,
        Handler:           srv.Routes(),
        ReadHeaderTimeout: 5 * time.Second,
        BaseContext:       func(net.Listener) context.Context { return ctx },
    }

    g, gctx := errgroup.WithContext(ctx)
    g.Go(func() error {
        logger.Info("listening", slog.String("addr", httpServer.Addr), slog.Int64("job_cost", coord.Cost()))
        if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
            return err
        }
        return nil
    })
    g.Go(func() error {
        return disp.Run(gctx)
    })
    g.Go(func() error {
        return workers.Monitor(gctx, cfg.HeartbeatTimeout/3, cfg.HeartbeatTimeout, func(ctx context.Context, w registry.Worker) {
            if err := disp.WorkerLost(ctx, w.ID); err != nil {
                logger.Error("fail jobs of lost worker", slog.String("worker_id", w.ID), slog.String("error", err.Error()))
            }
        })
    })
    g.Go(func() error {
        <-gctx.Done()
        shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        defer cancel()
        return httpServer.Shutdown(shutdownCtx)
    })

    return g.Wait()
}
