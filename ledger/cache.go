package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// generationKey holds the cache generation counter. Bumping it
	// orphans every key cached under the old generation; the orphans
	// expire through their TTL.
	generationKey = "ledger:__generation__"

	// cacheKeyPrefix is the namespace shared by all cached balances.
	cacheKeyPrefix = "ledger:bal:"

	// DefaultCacheTTL bounds how long a cached balance can serve reads
	// once writes stop invalidating it.
	DefaultCacheTTL = 20 * time.Minute

	// scanCount is the batch hint passed to SCAN during selective
	// invalidation.
	scanCount = 200
)

// cacheClient is the slice of the Redis API the cache calls, split out
// so tests can run it against an in-memory fake.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{},
		expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string,
		count int64) *redis.ScanCmd
}

// Cache holds computed account balances in Redis. Account name and sub
// are embedded in each key so a ledger write can delete exactly the
// keys of the two accounts it touched; the generation counter is only
// bumped when that selective path fails. Every method is fault
// tolerant: a Redis error degrades to a cache miss and the caller
// falls back to the ledger collection.
type Cache struct {
	rdb cacheClient
	ttl time.Duration
}

// NewCache wraps the given Redis client. A zero ttl selects
// DefaultCacheTTL.
func NewCache(rdb redis.UniversalClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &Cache{
		rdb: rdb,
		ttl: ttl,
	}
}

// cacheKey builds the key for one balance query. The account name and
// sub stay readable so invalidation can glob on them; the remaining
// parameters are folded into a short hash. A zero asOf marks a live
// query; explicit dates are truncated to the minute so bursts of
// near-simultaneous requests share a key.
func cacheKey(generation int64, account Account, asOf time.Time,
	age time.Duration) string {

	datePart := "live"
	if !asOf.IsZero() {
		datePart = asOf.UTC().Truncate(time.Minute).
			Format(time.RFC3339)
	}

	agePart := "none"
	if age > 0 {
		agePart = strconv.FormatInt(int64(age/time.Second), 10)
	}

	raw := fmt.Sprintf("%v:%v:%v:%v|%v|%v", account.Name, account.Type,
		account.Sub, account.Contra, datePart, agePart)
	sum := sha256.Sum256([]byte(raw))
	hash := hex.EncodeToString(sum[:])[:16]

	return fmt.Sprintf("%vv%v:%v:%v:%v", cacheKeyPrefix, generation,
		account.Name, account.Sub, hash)
}

// accountGlob matches every cached balance of one (name, sub) pair
// across all generations and query parameters.
func accountGlob(account Account) string {
	return fmt.Sprintf("%vv*:%v:%v:*", cacheKeyPrefix, account.Name,
		account.Sub)
}

// Generation returns the current cache generation, zero when the
// counter is unset or Redis is unavailable.
func (c *Cache) Generation(ctx context.Context) int64 {
	val, err := c.rdb.Get(ctx, generationKey).Int64()
	if err != nil {
		return 0
	}

	return val
}

// InvalidateAll bumps the generation counter, instantly orphaning
// every cached balance. Returns the new generation, zero on failure.
func (c *Cache) InvalidateAll(ctx context.Context) int64 {
	gen, err := c.rdb.Incr(ctx, generationKey).Result()
	if err != nil {
		log.Warnf("Could not bump ledger cache generation: %v", err)
		return 0
	}

	log.Debugf("Ledger cache flushed, generation now %v", gen)

	return gen
}

// InvalidateAccounts deletes the cached balances of the given
// accounts, leaving everything else untouched. Keys are matched on
// the (name, sub) pair, so all query variants for an account go at
// once. If the scan or delete fails the whole cache is flushed via
// the generation counter so no stale balance survives.
func (c *Cache) InvalidateAccounts(ctx context.Context,
	accounts ...Account) {

	seen := make(map[string]struct{}, len(accounts))
	for _, account := range accounts {
		if account.IsUnset() {
			continue
		}

		glob := accountGlob(account)
		if _, ok := seen[glob]; ok {
			continue
		}
		seen[glob] = struct{}{}

		if err := c.deleteMatching(ctx, glob); err != nil {
			log.Warnf("Selective invalidation failed for %v, "+
				"flushing ledger cache: %v", glob, err)
			c.InvalidateAll(ctx)

			return
		}
	}
}

// deleteMatching scans for keys matching the glob and deletes them.
func (c *Cache) deleteMatching(ctx context.Context, glob string) error {
	iter := c.rdb.Scan(ctx, 0, glob, scanCount).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return err
	}

	log.Debugf("Invalidated %v cached balances matching %v", len(keys),
		glob)

	return nil
}

// GetBalance returns the cached balance for the query, or false on a
// miss. Decode failures and Redis errors are both treated as misses.
func (c *Cache) GetBalance(ctx context.Context, account Account,
	asOf time.Time, age time.Duration) (*AccountBalance, bool) {

	key := cacheKey(c.Generation(ctx), account, asOf, age)
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var balance AccountBalance
	if err := json.Unmarshal(data, &balance); err != nil {
		log.Debugf("Discarding undecodable cached balance %v: %v",
			key, err)
		return nil, false
	}

	log.Tracef("Ledger cache hit: %v", key)

	return &balance, true
}

// SetBalance stores a computed balance under the current generation.
func (c *Cache) SetBalance(ctx context.Context, account Account,
	asOf time.Time, age time.Duration, balance *AccountBalance) {

	data, err := json.Marshal(balance)
	if err != nil {
		log.Warnf("Could not encode balance for cache: %v", err)
		return
	}

	key := cacheKey(c.Generation(ctx), account, asOf, age)
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.Debugf("Could not cache balance %v: %v", key, err)
	}
}
