package rbaccache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// sharedTier is the Redis-backed tier shared across process instances.
type sharedTier struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func newSharedTier(client *redis.Client, prefix string, ttl time.Duration) *sharedTier {
	return &sharedTier{client: client, prefix: prefix, ttl: ttl}
}

func (t *sharedTier) userKey(userID int64) string {
	return t.prefix + ":user:" + strconv.FormatInt(userID, 10)
}

func (t *sharedTier) roleKey(roleID int64) string {
	return t.prefix + ":role:" + strconv.FormatInt(roleID, 10)
}

func (t *sharedTier) decisionKey(userID int64, permission string) string {
	return t.prefix + ":dec:" + strconv.FormatInt(userID, 10) + ":" + permission
}

func (t *sharedTier) decisionPattern(userID int64) string {
	return t.prefix + ":dec:" + strconv.FormatInt(userID, 10) + ":*"
}

func (t *sharedTier) allPattern() string {
	return t.prefix + ":*"
}

func (t *sharedTier) getSet(ctx context.Context, key string) ([]string, bool, error) {
	if t.client == nil {
		return nil, false, nil
	}
	payload, err := t.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("shared tier get %s: %w", key, err)
	}
	var perms []string
	if err := json.Unmarshal(payload, &perms); err != nil {
		return nil, false, fmt.Errorf("shared tier decode %s: %w", key, err)
	}
	return perms, true, nil
}

func (t *sharedTier) setSet(ctx context.Context, key string, perms []string) error {
	if t.client == nil {
		return nil
	}
	if perms == nil {
		perms = []string{}
	}
	payload, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("shared tier encode %s: %w", key, err)
	}
	if err := t.client.Set(ctx, key, payload, t.ttl).Err(); err != nil {
		return fmt.Errorf("shared tier set %s: %w", key, err)
	}
	return nil
}

func (t *sharedTier) getBool(ctx context.Context, key string) (bool, bool, error) {
	if t.client == nil {
		return false, false, nil
	}
	value, err := t.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("shared tier get %s: %w", key, err)
	}
	return value == "1", true, nil
}

func (t *sharedTier) setBool(ctx context.Context, key string, granted bool) error {
	if t.client == nil {
		return nil
	}
	value := "0"
	if granted {
		value = "1"
	}
	if err := t.client.Set(ctx, key, value, t.ttl).Err(); err != nil {
		return fmt.Errorf("shared tier set %s: %w", key, err)
	}
	return nil
}

func (t *sharedTier) delete(ctx context.Context, key string) error {
	if t.client == nil {
		return nil
	}
	if err := t.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("shared tier del %s: %w", key, err)
	}
	return nil
}

// deleteByPattern removes every key matching the pattern using cursor scans,
// so large keyspaces never block the server the way KEYS would.
func (t *sharedTier) deleteByPattern(ctx context.Context, pattern string) error {
	if t.client == nil {
		return nil
	}
	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return fmt.Errorf("shared tier scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := t.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("shared tier del %s: %w", pattern, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
