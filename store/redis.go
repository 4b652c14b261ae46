package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// createUserLua inserts a record and both token indexes only if neither
// token is already bound.
// KEYS[1] = poll token index key
// KEYS[2] = init token index key
// KEYS[3] = record key
// ARGV[1] = record JSON
// ARGV[2] = record id
// ARGV[3] = ttl in milliseconds, 0 for none
var createUserLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
  return redis.error_reply('token_exists')
end

local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
  redis.call('SET', KEYS[2], ARGV[2], 'PX', ttl)
  redis.call('SET', KEYS[3], ARGV[1], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
  redis.call('SET', KEYS[2], ARGV[2])
  redis.call('SET', KEYS[3], ARGV[1])
end

return redis.status_reply('OK')
`)

// updateUserLua merges a patch into a record and publishes the new state on
// the record's channel. The script runs atomically, so the publish can never
// be observed before the updated record is readable.
// KEYS[1] = record key
// KEYS[2] = state channel
// ARGV[1] = patch JSON {state?, credentials?}
var updateUserLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return redis.error_reply('unknown_user')
end

local rec = cjson.decode(data)
local patch = cjson.decode(ARGV[1])

if patch.state ~= nil and rec.state ~= 0 then
  return redis.error_reply('state_conflict')
end

if patch.credentials ~= nil then
  rec.credentials = patch.credentials
end
if patch.state ~= nil then
  rec.state = patch.state
end

local out = cjson.encode(rec)
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], out, 'PX', ttl)
else
  redis.call('SET', KEYS[1], out)
end

if patch.state ~= nil then
  redis.call('PUBLISH', KEYS[2], tostring(patch.state))
end

return out
`)

// RedisAdapterConfig configures a [RedisAdapter].
type RedisAdapterConfig struct {
	// Prefix namespaces all keys and channels. Defaults to "regsso".
	Prefix string
	// RecordTTL expires abandoned records. Zero keeps records forever;
	// retention is this adapter's concern, the engine never deletes.
	RecordTTL time.Duration
}

// RedisAdapter stores records in a shared Redis so that multiple server
// instances observe the same pending authentications. State transitions are
// published over Redis Pub/Sub keyed by record id, which carries the waiter
// wake-up across instances: a subscriber on instance A is woken by an update
// committed on instance B. The Pub/Sub channel is ephemeral and not persisted
// across restarts; the records themselves are as durable as the Redis
// deployment behind the client.
type RedisAdapter struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisAdapter wraps an existing client. The client's lifecycle stays
// with the caller.
func NewRedisAdapter(rdb redis.UniversalClient, cfg RedisAdapterConfig) *RedisAdapter {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "regsso"
	}
	return &RedisAdapter{
		rdb:    rdb,
		prefix: prefix,
		ttl:    cfg.RecordTTL,
	}
}

// Boot verifies connectivity.
func (a *RedisAdapter) Boot(ctx context.Context) error {
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (a *RedisAdapter) recordKey(id string) string {
	return a.prefix + ":user:" + id
}

func (a *RedisAdapter) pollKey(token string) string {
	return a.prefix + ":poll:" + token
}

func (a *RedisAdapter) initKey(token string) string {
	return a.prefix + ":init:" + token
}

func (a *RedisAdapter) stateChannel(id string) string {
	return a.prefix + ":state:" + id
}

func (a *RedisAdapter) CreateUser(ctx context.Context, params CreateParams) (*User, error) {
	user := &User{
		ID:        uuid.NewString(),
		PollToken: params.PollToken,
		InitToken: params.InitToken,
		State:     params.State,
	}

	blob, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	keys := []string{a.pollKey(user.PollToken), a.initKey(user.InitToken), a.recordKey(user.ID)}
	err = createUserLua.Run(ctx, a.rdb, keys, blob, user.ID, a.ttl.Milliseconds()).Err()
	if err != nil {
		return nil, scriptError(err)
	}

	return user, nil
}

func (a *RedisAdapter) UpdateUser(ctx context.Context, id string, patch Patch) (*User, error) {
	patchBlob, err := json.Marshal(struct {
		State       *State       `json:"state,omitempty"`
		Credentials *Credentials `json:"credentials,omitempty"`
	}{patch.State, patch.Credentials})
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}

	keys := []string{a.recordKey(id), a.stateChannel(id)}
	out, err := updateUserLua.Run(ctx, a.rdb, keys, patchBlob).Text()
	if err != nil {
		return nil, scriptError(err)
	}

	var user User
	if err := json.Unmarshal([]byte(out), &user); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &user, nil
}

func (a *RedisAdapter) FindByPollToken(ctx context.Context, pollToken string) (*User, bool, error) {
	return a.findByIndex(ctx, a.pollKey(pollToken))
}

func (a *RedisAdapter) FindByInitToken(ctx context.Context, initToken string) (*User, bool, error) {
	return a.findByIndex(ctx, a.initKey(initToken))
}

func (a *RedisAdapter) findByIndex(ctx context.Context, indexKey string) (*User, bool, error) {
	id, err := a.rdb.Get(ctx, indexKey).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	blob, err := a.rdb.Get(ctx, a.recordKey(id)).Result()
	if err == redis.Nil {
		// Index outlived the record (TTL edge). Treat as absent.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var user User
	if err := json.Unmarshal([]byte(blob), &user); err != nil {
		return nil, false, fmt.Errorf("decode record: %w", err)
	}
	return &user, true, nil
}

func (a *RedisAdapter) SubscribeStateChange(ctx context.Context, id string) (Subscription, error) {
	pubsub := a.rdb.Subscribe(ctx, a.stateChannel(id))

	// Wait for the subscribe confirmation so no transition committed after
	// this call returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return &redisSubscription{
		pubsub: pubsub,
		ch:     pubsub.Channel(),
	}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
	once   sync.Once
}

func (s *redisSubscription) Next(ctx context.Context) (State, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return 0, ErrSubscriptionClosed
		}
		n, err := strconv.Atoi(msg.Payload)
		if err != nil {
			return 0, fmt.Errorf("malformed state notification %q: %w", msg.Payload, err)
		}
		return State(n), nil
	}
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		_ = s.pubsub.Close()
	})
	return nil
}

func scriptError(err error) error {
	switch {
	case err == nil:
		return nil
	case strings.Contains(err.Error(), "token_exists"):
		return ErrTokenExists
	case strings.Contains(err.Error(), "unknown_user"):
		return ErrUnknownUser
	case strings.Contains(err.Error(), "state_conflict"):
		return ErrStateConflict
	default:
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
}
