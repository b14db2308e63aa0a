package main

import (
    "errors"
    "fmt"
    "log/slog"
    "os"
    "strconv"
    "strings"
    "time"
)

type config struct {
    DatabaseURL      string
    AuthToken        string
    Port             string
    JobCost          int64
    RedisAddr        string
    RedisPassword    string
    RateLimit        int
    DispatchInterval time.Duration
    HeartbeatTimeout time.Duration
    ReapInterval     time.Duration
    LogLevel         slog.Level
}

func loadConfig() (config, error) {
    dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
    if dbURL == "" {
        host := strings.TrimSpace(os.Getenv("DB_HOST"))
        if host == "" {
            host = "localhost"
        }
        port := strings.TrimSpace(os.Getenv("DB_PORT"))
        if port == "" {
            port = "5432"
        }
        user := strings.TrimSpace(os.Getenv("DB_USER"))
        password := strings.TrimSpace(os.Getenv("DB_PASSWORD"))
        name := strings.TrimSpace(os.Getenv("DB_NAME"))
        sslmode := strings.TrimSpace(os.Getenv("DB_SSLMODE"))
        if sslmode == "" {
            sslmode = "disable"
        }
        if user == "" || password == "" || name == "" {
            return config{}, errors.New("DATABASE_URL or DB_USER/DB_PASSWORD/DB_NAME are required")
        }
        dbURL = fmt.Sprintf(
            "host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
            host,
            port,
            user,
            password,
            name,
            sslmode,
        )
    }

    authToken := strings.TrimSpace(os.Getenv("AUTH_TOKEN"))
    if authToken == "" {
        return config{}, errors.New("AUTH_TOKEN is required")
    }

    port := strings.TrimSpace(os.Getenv("PORT"))
    if port == "" {
        port = "8080"
    }

    cfg := config{
        DatabaseURL:   dbURL,
        AuthToken:     authToken,
        Port:          port,
        RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
        RedisPassword: os.Getenv("REDIS_PASSWORD"),
    }

    var err error
    if cfg.JobCost, err = envInt64("JOB_COST", 1); err != nil {
        return config{}, err
    }
    if cfg.JobCost <= 0 {
        return config{}, errors.New("JOB_COST must be positive")
    }
    rateLimit, err := envInt64("RATE_LIMIT_PER_MINUTE", 100)
    if err != nil {
        return config{}, err
    }
    if rateLimit < 0 {
        return config{}, errors.New("RATE_LIMIT_PER_MINUTE must not be negative")
    }
    cfg.RateLimit = int(rateLimit)

    if cfg.DispatchInterval, err = envDuration("DISPATCH_INTERVAL", time.Second); err != nil {
        return config{}, err
    }
    if cfg.HeartbeatTimeout, err = envDuration("HEARTBEAT_TIMEOUT", 90*time.Second); err != nil {
        return config{}, err
    }
    if cfg.ReapInterval, err = envDuration("REAP_INTERVAL", 15*time.Second); err != nil {
        return config{}, err
    }

    level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
    if level == "" {
        level = "info"
    }
    if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
        return config{}, fmt.Errorf("LOG_LEVEL: %w", err)
    }

    return cfg, nil
}

func envInt64(key string, def int64) (int64, error) {
    raw := strings.TrimSpace(os.Getenv(key))
    if raw == "" {
        return def, nil
    }
    v, err := strconv.ParseInt(raw, 10, 64)
    if err != nil {
        return 0, fmt.Errorf("%s: %w", key, err)
    }
    return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
    raw := strings.TrimSpace(os.Getenv(key))
    if raw == "" {
        return def, nil
    }
    v, err := time.ParseDuration(raw)
    if err != nil {
        return 0, fmt.Errorf("%s: %w", key, err)
    }
    if v <= 0 {
        return 0, fmt.Errorf("%s must be positive", key)
    }
    return v, nil
}
