// Package accumulator folds fractional micro-credit charges into per-user
// Redis counters and flushes whole credits as they accumulate.
package accumulator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultScale is the number of micro-credits per whole credit.
	DefaultScale = 1_000_000
	// DefaultTTL is the rolling expiry applied to per-user accumulator keys.
	DefaultTTL = 24 * time.Hour

	counterKeyPrefix     = "credit_accumulator:"
	idempotencyKeyPrefix = "credit_accumulator_idempotency:"
)

// accumulateScript runs the replay check, accumulate, and flush as a single
// atomic unit. KEYS[1] is the counter, KEYS[2] the replay set. ARGV[1] is the
// micro-credit amount, ARGV[2] the idempotency member, ARGV[3] the scale,
// ARGV[4] the TTL in seconds.
//
// Returns {flush, counter_after, replayed}.
var accumulateScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then
    local counter = tonumber(redis.call('GET', KEYS[1]) or '0')
    return {0, counter, 1}
end
local counter = redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('EXPIRE', KEYS[2], ARGV[4])
local scale = tonumber(ARGV[3])
local flush = 0
if counter >= scale then
    flush = math.floor(counter / scale)
    counter = redis.call('DECRBY', KEYS[1], flush * scale)
end
return {flush, counter, 0}
`)

// Result reports the outcome of a single accumulate call.
type Result struct {
	// FlushCredits is the number of whole credits released by this call.
	FlushCredits int64
	// RemainderMicroCredits is the counter value left after any flush.
	RemainderMicroCredits int64
	// Replayed reports that the idempotency key was already recorded and no
	// accumulation happened.
	Replayed bool
}

// Rehydrator restores a counter from durable storage when its Redis key has
// expired.
type Rehydrator interface {
	Rehydrate(ctx context.Context, uid string) error
}

// Options configures an Accumulator.
type Options struct {
	// Scale overrides DefaultScale. Values below 1 fall back to the default.
	Scale int64
	// TTL overrides DefaultTTL. Non-positive values fall back to the default.
	TTL time.Duration
	// Rehydrator restores expired counters before accumulation. Optional.
	Rehydrator Rehydrator
	// AllowNonAtomicFallback permits a non-scripted code path when the Redis
	// deployment rejects Lua. Must stay false in production and staging.
	AllowNonAtomicFallback bool
}

// Accumulator maintains per-user micro-credit counters in Redis.
type Accumulator struct {
	rdb            redis.UniversalClient
	scale          int64
	ttl            time.Duration
	rehydrator     Rehydrator
	allowNonAtomic bool
}

// New builds an Accumulator over the given Redis client.
func New(rdb redis.UniversalClient, opts Options) (*Accumulator, error) {
	if rdb == nil {
		return nil, errors.New("accumulator: nil redis client")
	}
	scale := opts.Scale
	if scale < 1 {
		scale = DefaultScale
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Accumulator{
		rdb:            rdb,
		scale:          scale,
		ttl:            ttl,
		rehydrator:     opts.Rehydrator,
		allowNonAtomic: opts.AllowNonAtomicFallback,
	}, nil
}

// Scale returns the micro-credits per whole credit.
func (a *Accumulator) Scale() int64 {
	if a == nil {
		return DefaultScale
	}
	return a.scale
}

// CounterKey returns the Redis key holding a user's micro-credit counter.
func CounterKey(uid string) string {
	return counterKeyPrefix + uid
}

// ReplaySetKey returns the Redis key holding a user's processed charge set.
func ReplaySetKey(uid string) string {
	return idempotencyKeyPrefix + uid
}

// CounterKeyPrefix returns the prefix shared by all counter keys.
func CounterKeyPrefix() string {
	return counterKeyPrefix
}

// IdempotencyKeyPrefix returns the prefix shared by all replay set keys.
func IdempotencyKeyPrefix() string {
	return idempotencyKeyPrefix
}

// AccumulateAndFlush adds microCredits to the user's counter, flushing whole
// credits once the counter reaches the scale. The idempotencyKey guards
// against double-charging when a tool result is re-delivered.
//
// When the counter key is absent the rehydrator (if any) is given a chance to
// restore it from the last snapshot first. Rehydration failures are logged and
// accumulation proceeds; losing a stale remainder is preferable to losing the
// current charge.
func (a *Accumulator) AccumulateAndFlush(ctx context.Context, uid string, microCredits int64, idempotencyKey string) (Result, error) {
	if a == nil {
		return Result{}, errors.New("accumulator: nil accumulator")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if uid == "" {
		return Result{}, errors.New("accumulator: empty uid")
	}
	if microCredits < 0 {
		return Result{}, fmt.Errorf("accumulator: negative amount %d", microCredits)
	}
	if idempotencyKey == "" {
		return Result{}, errors.New("accumulator: empty idempotency key")
	}

	counterKey := CounterKey(uid)
	replayKey := ReplaySetKey(uid)

	if a.rehydrator != nil {
		exists, errExists := a.rdb.Exists(ctx, counterKey).Result()
		if errExists != nil {
			log.WithError(errExists).Warnf("accumulator: exists check failed (uid=%s)", uid)
		} else if exists == 0 {
			if errRehydrate := a.rehydrator.Rehydrate(ctx, uid); errRehydrate != nil {
				log.WithError(errRehydrate).Warnf("accumulator: rehydration failed, continuing (uid=%s)", uid)
			}
		}
	}

	ttlSeconds := int64(a.ttl / time.Second)
	raw, errRun := accumulateScript.Run(ctx, a.rdb,
		[]string{counterKey, replayKey},
		microCredits, idempotencyKey, a.scale, ttlSeconds,
	).Result()
	if errRun != nil {
		if a.allowNonAtomic && isScriptingUnsupported(errRun) {
			log.WithError(errRun).Warnf("accumulator: lua unavailable, using non-atomic path (uid=%s)", uid)
			return a.accumulateNonAtomic(ctx, counterKey, replayKey, microCredits, idempotencyKey, ttlSeconds)
		}
		return Result{}, fmt.Errorf("accumulator: script run: %w", errRun)
	}

	return parseScriptResult(raw)
}

// parseScriptResult decodes the {flush, counter, replayed} reply.
func parseScriptResult(raw any) (Result, error) {
	reply, ok := raw.([]any)
	if !ok || len(reply) != 3 {
		return Result{}, fmt.Errorf("accumulator: unexpected script reply %T", raw)
	}
	flush, okFlush := reply[0].(int64)
	counter, okCounter := reply[1].(int64)
	replayed, okReplayed := reply[2].(int64)
	if !okFlush || !okCounter || !okReplayed {
		return Result{}, fmt.Errorf("accumulator: malformed script reply %v", reply)
	}
	return Result{
		FlushCredits:          flush,
		RemainderMicroCredits: counter,
		Replayed:              replayed == 1,
	}, nil
}

// accumulateNonAtomic mirrors the Lua script with individual commands. The
// window between the replay check and the increment can double-charge under
// concurrent re-delivery, which is why this path is gated behind
// AllowNonAtomicFallback and never enabled outside development.
func (a *Accumulator) accumulateNonAtomic(ctx context.Context, counterKey, replayKey string, microCredits int64, idempotencyKey string, ttlSeconds int64) (Result, error) {
	seen, errSeen := a.rdb.SIsMember(ctx, replayKey, idempotencyKey).Result()
	if errSeen != nil {
		return Result{}, fmt.Errorf("accumulator: replay check: %w", errSeen)
	}
	if seen {
		current, errGet := a.rdb.Get(ctx, counterKey).Result()
		if errGet != nil && !errors.Is(errGet, redis.Nil) {
			return Result{}, fmt.Errorf("accumulator: counter read: %w", errGet)
		}
		counter, _ := strconv.ParseInt(current, 10, 64)
		return Result{RemainderMicroCredits: counter, Replayed: true}, nil
	}

	counter, errIncr := a.rdb.IncrBy(ctx, counterKey, microCredits).Result()
	if errIncr != nil {
		return Result{}, fmt.Errorf("accumulator: incrby: %w", errIncr)
	}
	if errAdd := a.rdb.SAdd(ctx, replayKey, idempotencyKey).Err(); errAdd != nil {
		return Result{}, fmt.Errorf("accumulator: replay record: %w", errAdd)
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	if errExpire := a.rdb.Expire(ctx, counterKey, ttl).Err(); errExpire != nil {
		log.WithError(errExpire).Warnf("accumulator: counter expire failed (key=%s)", counterKey)
	}
	if errExpire := a.rdb.Expire(ctx, replayKey, ttl).Err(); errExpire != nil {
		log.WithError(errExpire).Warnf("accumulator: replay expire failed (key=%s)", replayKey)
	}

	var flush int64
	if counter >= a.scale {
		flush = counter / a.scale
		var errDecr error
		counter, errDecr = a.rdb.DecrBy(ctx, counterKey, flush*a.scale).Result()
		if errDecr != nil {
			return Result{}, fmt.Errorf("accumulator: decrby: %w", errDecr)
		}
	}
	return Result{FlushCredits: flush, RemainderMicroCredits: counter}, nil
}

// isScriptingUnsupported reports whether the Redis error indicates the server
// rejects EVAL entirely rather than a transient failure.
func isScriptingUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown command") ||
		strings.Contains(msg, "unsupported command") ||
		strings.Contains(msg, "eval is disabled")
}
