package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis layout: one hash per session at "secmgr:session:<id>".
//
// The "__created" field holds the creation time in unix nanoseconds; every
// value key is stored under "v:<key>" with a one-byte kind tag prefixed to
// the payload. Idle expiry is Redis-native: every touching operation runs
// PEXPIRE, so no in-process reaper is needed for this backend.
const (
	redisKeyPrefix    = "secmgr:session:"
	redisCreatedField = "__created"
	redisValuePrefix  = "v:"
)

// Script results share a convention: 0 = session missing, 1 = session live
// but key absent, 2 = hit (value follows).
var (
	createSessionLua = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], "__created", ARGV[1]) == 0 then
  return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

	setValueLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

	getValueLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
local v = redis.call("HGET", KEYS[1], ARGV[1])
if v == false then
  return {1}
end
return {2, v}
`)

	keyExistsLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
  return 2
end
return 1
`)

	sessionAgeLua = redis.NewScript(`
local created = redis.call("HGET", KEYS[1], "__created")
if created == false then
  return {0}
end
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return {2, created}
`)
)

// RedisBackend stores sessions in Redis so a gateway fleet can share
// session state. Per-session operations are single Lua scripts, making the
// existence check, the mutation, and the idle-clock refresh atomic.
type RedisBackend struct {
	client  *redis.Client
	idleTTL time.Duration
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, addr, password string, db int, idleTTL time.Duration) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrBackendUnavailable, addr, err)
	}

	return &RedisBackend{client: client, idleTTL: idleTTL}, nil
}

// NewRedisBackendFromClient wraps an existing client (used by tests).
func NewRedisBackendFromClient(client *redis.Client, idleTTL time.Duration) *RedisBackend {
	return &RedisBackend{client: client, idleTTL: idleTTL}
}

func (r *RedisBackend) key(id string) string {
	return redisKeyPrefix + id
}

func (r *RedisBackend) ttlMillis() string {
	return strconv.FormatInt(r.idleTTL.Milliseconds(), 10)
}

// Create inserts a new session hash with the creation timestamp.
func (r *RedisBackend) Create(ctx context.Context, id string, now time.Time) error {
	created := strconv.FormatInt(now.UnixNano(), 10)

	n, err := createSessionLua.Run(ctx, r.client, []string{r.key(id)}, created, r.ttlMillis()).Int64()
	if err != nil {
		return fmt.Errorf("%w: create: %v", ErrBackendUnavailable, err)
	}
	if n == 0 {
		return ErrSessionExists
	}
	return nil
}

// Exists reports liveness without refreshing the TTL.
func (r *RedisBackend) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists: %v", ErrBackendUnavailable, err)
	}
	return n == 1, nil
}

// Age returns time since creation and refreshes the TTL.
func (r *RedisBackend) Age(ctx context.Context, id string) (time.Duration, error) {
	res, err := sessionAgeLua.Run(ctx, r.client, []string{r.key(id)}, r.ttlMillis()).Slice()
	if err != nil {
		return 0, fmt.Errorf("%w: age: %v", ErrBackendUnavailable, err)
	}

	status, _ := res[0].(int64)
	if status == 0 {
		return 0, ErrSessionNotFound
	}

	createdStr, _ := res[1].(string)
	createdNanos, err := strconv.ParseInt(createdStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt created timestamp: %v", ErrBackendUnavailable, err)
	}
	return time.Since(time.Unix(0, createdNanos)), nil
}

// KeyExists reports whether key holds a value and refreshes the TTL.
func (r *RedisBackend) KeyExists(ctx context.Context, id, key string) (bool, error) {
	n, err := keyExistsLua.Run(ctx, r.client, []string{r.key(id)}, redisValuePrefix+key, r.ttlMillis()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: key exists: %v", ErrBackendUnavailable, err)
	}
	switch n {
	case 0:
		return false, ErrSessionNotFound
	case 2:
		return true, nil
	default:
		return false, nil
	}
}

// Set writes a tagged value under key and refreshes the TTL.
func (r *RedisBackend) Set(ctx context.Context, id, key string, v Value) error {
	n, err := setValueLua.Run(ctx, r.client, []string{r.key(id)}, redisValuePrefix+key, string(encodeValue(v)), r.ttlMillis()).Int64()
	if err != nil {
		return fmt.Errorf("%w: set: %v", ErrBackendUnavailable, err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Get reads the tagged value under key and refreshes the TTL.
func (r *RedisBackend) Get(ctx context.Context, id, key string) (Value, bool, error) {
	res, err := getValueLua.Run(ctx, r.client, []string{r.key(id)}, redisValuePrefix+key, r.ttlMillis()).Slice()
	if err != nil {
		return Value{}, false, fmt.Errorf("%w: get: %v", ErrBackendUnavailable, err)
	}

	status, _ := res[0].(int64)
	switch status {
	case 0:
		return Value{}, false, ErrSessionNotFound
	case 1:
		return Value{}, false, nil
	}

	raw, _ := res[1].(string)
	v, err := decodeValue([]byte(raw))
	if err != nil {
		return Value{}, false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return v, true, nil
}

// Delete removes the session hash.
func (r *RedisBackend) Delete(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: delete: %v", ErrBackendUnavailable, err)
	}
	return n == 1, nil
}

// Close releases the Redis connection pool.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// encodeValue prefixes the payload with its one-byte kind tag.
func encodeValue(v Value) []byte {
	out := make([]byte, 1+len(v.Bytes))
	out[0] = byte(v.Kind)
	copy(out[1:], v.Bytes)
	return out
}

// decodeValue splits a stored blob back into kind and payload.
func decodeValue(b []byte) (Value, error) {
	if len(b) == 0 {
		return Value{}, fmt.Errorf("empty value blob")
	}
	return Value{Kind: Kind(b[0]), Bytes: b[1:]}, nil
}
