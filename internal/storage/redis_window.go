package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kindred/backend/internal/models"
)

// RedisAttemptWindow keeps rolling attempt windows in sorted sets so every
// API replica counts against the same windows. Scores are unix nanoseconds.
type RedisAttemptWindow struct {
	rdb       *redis.Client
	retention time.Duration
	prefix    string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisClient(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// NewRedisAttemptWindow keeps members for retention (at least the longest
// window ever queried).
func NewRedisAttemptWindow(rdb *redis.Client, retention time.Duration) *RedisAttemptWindow {
	return &RedisAttemptWindow{rdb: rdb, retention: retention, prefix: "trust:attempts:"}
}

func (w *RedisAttemptWindow) accountKey(id string) string { return w.prefix + "acct:" + id }
func (w *RedisAttemptWindow) deviceKey(key string) string { return w.prefix + "dev:" + key }

// windowKeys lists the sets an attempt belongs to. Attempts without a device
// key only count against their account.
func (w *RedisAttemptWindow) windowKeys(a models.VerificationAttempt) []string {
	keys := []string{w.accountKey(a.AccountID)}
	if a.DeviceKey != "" {
		keys = append(keys, w.deviceKey(a.DeviceKey))
	}
	return keys
}

// RecordAttempt adds the attempt to its account window and, when known, its
// device window.
func (w *RedisAttemptWindow) RecordAttempt(ctx context.Context, a models.VerificationAttempt) error {
	score := float64(a.At.UnixNano())
	cutoff := strconv.FormatInt(a.At.Add(-w.retention).UnixNano(), 10)
	_, err := w.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range w.windowKeys(a) {
			p.ZAdd(ctx, key, redis.Z{Score: score, Member: a.ID})
			p.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
			p.Expire(ctx, key, w.retention)
		}
		return nil
	})
	return err
}

func (w *RedisAttemptWindow) CountAttempts(ctx context.Context, f AttemptFilter) (int, error) {
	var key string
	switch {
	case f.AccountID != "":
		key = w.accountKey(f.AccountID)
	case f.DeviceKey != "":
		key = w.deviceKey(f.DeviceKey)
	default:
		return 0, errors.New("redis: attempt filter needs an account or device")
	}
	n, err := w.rdb.ZCount(ctx, key, strconv.FormatInt(f.Since.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
