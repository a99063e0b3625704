package ledger

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// headCASScript swaps the stored head only when it still matches the
// expected value. An empty expected value means "no head yet".
// KEYS[1] = head key
// ARGV[1] = expected encoded head ("" for none)
// ARGV[2] = new encoded head
var headCASScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
    current = ""
end
if current ~= ARGV[1] then
    return 0
end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`)

// RedisHeadStore shares chain heads across processes through Redis.
type RedisHeadStore struct {
	client *redis.Client
}

// NewRedisHeadStore creates a head store over an existing Redis client.
func NewRedisHeadStore(client *redis.Client) *RedisHeadStore {
	return &RedisHeadStore{client: client}
}

func headKey(scope string) string { return "eatp:ledger:head:" + scope }

func encodeHead(h Head) string {
	if h == (Head{}) {
		return ""
	}
	return h.AnchorID + "|" + h.Hash
}

func decodeHead(s string) (Head, error) {
	if s == "" {
		return Head{}, nil
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return Head{AnchorID: s[:i], Hash: s[i+1:]}, nil
		}
	}
	return Head{}, fmt.Errorf("ledger: malformed head %q", s)
}

func (r *RedisHeadStore) Head(ctx context.Context, scope string) (Head, error) {
	val, err := r.client.Get(ctx, headKey(scope)).Result()
	if err == redis.Nil {
		return Head{}, nil
	}
	if err != nil {
		return Head{}, fmt.Errorf("redis head store: %w", err)
	}
	return decodeHead(val)
}

func (r *RedisHeadStore) CompareAndSwap(ctx context.Context, scope string, old, new Head) (bool, error) {
	res, err := headCASScript.Run(ctx, r.client, []string{headKey(scope)},
		encodeHead(old), encodeHead(new)).Int64()
	if err != nil {
		return false, fmt.Errorf("redis head store: %w", err)
	}
	return res == 1, nil
}
