package registry

import (
    "context"
    "strconv"
    "time"

    "github.com/redis/go-redis/v9"
)

const (
    DefaultPresenceTTL    = 90 * time.Second
    defaultPresencePrefix = "gridx:worker:"
)

var _ Presence = (*RedisPresence)(nil)

// RedisPresence stores one hash per worker with a TTL that every publish
// refreshes. The caller owns the client.
type RedisPresence struct {
    client redis.Cmdable
    prefix string
    ttl    time.Duration
}

func NewRedisPresence(client redis.Cmdable, ttl time.Duration) *RedisPresence {
    if ttl <= 0 {
        ttl = DefaultPresenceTTL
    }
    return &RedisPresence{client: client, prefix: defaultPresencePrefix, ttl: ttl}
}

func (p *RedisPresence) key(workerID string) string {
    return p.prefix + workerID
}

func (p *RedisPresence) Publish(ctx context.Context, w Worker) error {
    key := p.key(w.ID)
    pipe := p.client.TxPipeline()
    pipe.HSet(ctx, key,
        "owner_id", w.OwnerID,
        "status", string(w.Status),
        "current_job_id", w.CurrentJobID,
        "cpu_cores", strconv.Itoa(w.Caps.CPUCores),
        "last_seen", w.LastSeen.UTC().Format(time.RFC3339Nano),
    )
    pipe.Expire(ctx, key, p.ttl)
    _, err := pipe.Exec(ctx)
    return err
}

func (p *RedisPresence) Remove(ctx context.Context, workerID string) error {
    return p.client.Del(ctx, p.key(workerID)).Err()
}

func (p *RedisPresence) Alive(ctx context.Context, workerID string) (bool, error) {
    n, err := p.client.Exists(ctx, p.key(workerID)).Result()
    if err != nil {
        return false, err
    }
    return n == 1, nil
}
