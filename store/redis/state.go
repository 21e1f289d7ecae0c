package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/chainhook"
	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/ratelimit"
)

// commitCursorScript writes the cursor hash unless the stored position sorts
// after the new one.
// KEYS[1] = chainhook:cursor:<name>
// ARGV[1] = ledger, ARGV[2] = event index
// Returns 1 when written, 0 on regression.
var commitCursorScript = goredis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'ledger', 'event_index')
if cur[1] then
    local l = tonumber(cur[1])
    local i = tonumber(cur[2])
    local nl = tonumber(ARGV[1])
    local ni = tonumber(ARGV[2])
    if l > nl or (l == nl and i > ni) then
        return 0
    end
end
redis.call('HSET', KEYS[1], 'ledger', ARGV[1], 'event_index', ARGV[2])
return 1
`)

// takeRateLimitScript applies one fixed-window take.
// KEYS[1] = chainhook:rl:<subscription id>
// ARGV[1] = now (unix µs), ARGV[2] = window (µs), ARGV[3] = limit
// Returns {request_count, window_start_us}.
var takeRateLimitScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local start = tonumber(redis.call('HGET', KEYS[1], 'window_start_us'))
local count = tonumber(redis.call('HGET', KEYS[1], 'request_count')) or 0
if not start or now - start >= window then
    start = now
    count = 0
end
if count <= limit then
    count = count + 1
end
redis.call('HSET', KEYS[1], 'request_count', count, 'window_start_us', start)
redis.call('PEXPIRE', KEYS[1], math.max(math.ceil(window / 1000) * 2, 1))
return {count, start}
`)

func (s *Store) GetCursor(ctx context.Context, name string) (chainevent.Cursor, bool, error) {
	vals, err := s.rdb.HMGet(ctx, entityKey(prefixCursor, name), "ledger", "event_index").Result()
	if err != nil {
		return chainevent.Cursor{}, false, fmt.Errorf("chainhook/redis: get cursor: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return chainevent.Cursor{}, false, nil
	}

	ledgerSeq, err := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
	if err != nil {
		return chainevent.Cursor{}, false, fmt.Errorf("chainhook/redis: decode cursor ledger: %w", err)
	}
	index, err := strconv.Atoi(fmt.Sprint(vals[1]))
	if err != nil {
		return chainevent.Cursor{}, false, fmt.Errorf("chainhook/redis: decode cursor index: %w", err)
	}
	return chainevent.Cursor{Ledger: ledgerSeq, EventIndex: index}, true, nil
}

func (s *Store) CommitCursor(ctx context.Context, name string, c chainevent.Cursor) error {
	written, err := commitCursorScript.Run(ctx, s.rdb, []string{entityKey(prefixCursor, name)}, c.Ledger, c.EventIndex).Int()
	if err != nil {
		return fmt.Errorf("chainhook/redis: commit cursor: %w", err)
	}
	if written == 0 {
		return fmt.Errorf("%w: %s", chainhook.ErrCursorRegression, c)
	}
	return nil
}

func (s *Store) TakeRateLimit(ctx context.Context, subID id.ID, limit int, window time.Duration, at time.Time) (ratelimit.Counter, error) {
	vals, err := takeRateLimitScript.Run(ctx, s.rdb,
		[]string{entityKey(prefixRateLimit, subID.String())},
		at.UnixMicro(), window.Microseconds(), limit,
	).Int64Slice()
	if err != nil {
		return ratelimit.Counter{}, fmt.Errorf("chainhook/redis: take rate limit: %w", err)
	}
	if len(vals) != 2 {
		return ratelimit.Counter{}, fmt.Errorf("chainhook/redis: take rate limit: unexpected reply %v", vals)
	}
	return ratelimit.Counter{
		SubscriptionID: subID,
		RequestCount:   int(vals[0]),
		WindowStart:    time.UnixMicro(vals[1]).UTC(),
	}, nil
}
