package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/tunnelnet/internal/obs"
)

const (
	redisKeyPrefix = "tunnelnet:service:"
	redisIndexKey  = "tunnelnet:services"
)

type cachedEntry struct {
	entry    Entry
	cachedAt time.Time
}

// redisDirectory shares the directory between relay instances. Entries this
// instance registered are kept alive by the maintenance heartbeat; everything
// else expires with its key TTL. Lookups go through a short positive cache.
type redisDirectory struct {
	client   *redis.Client
	instance string

	mu    sync.Mutex
	owned map[string]bool
	cache map[string]cachedEntry

	cacheTTL          time.Duration
	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

func newRedisDirectory(opts DirectoryOptions) (*redisDirectory, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr, Password: opts.RedisPassword, DB: opts.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisDirectory{
		client:            rdb,
		instance:          opts.Instance,
		owned:             make(map[string]bool),
		cache:             make(map[string]cachedEntry),
		cacheTTL:          15 * time.Second,
		heartbeatInterval: 30 * time.Second,
		keyTTL:            2 * time.Minute,
	}, nil
}

var _ Directory = (*redisDirectory)(nil)

func redisKey(name string) string { return redisKeyPrefix + name }

func (r *redisDirectory) Register(ctx context.Context, e Entry) error {
	if !validName(e.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, e.Name)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	key := redisKey(e.Name)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.get(ctx, tx, e.Name)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case !canReplace(cur, e):
			return fmt.Errorf("%w: %s", ErrNameTaken, e.Name)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, r.keyTTL)
			p.SAdd(ctx, redisIndexKey, e.Name)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("register %s: %w", e.Name, err)
	}
	r.mu.Lock()
	r.owned[e.Name] = true
	r.cache[e.Name] = cachedEntry{entry: e, cachedAt: time.Now()}
	obs.DirectoryEntries.Set(float64(len(r.owned)))
	r.mu.Unlock()
	return nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *redisDirectory) get(ctx context.Context, c getter, name string) (Entry, error) {
	val, err := c.Get(ctx, redisKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return Entry{}, fmt.Errorf("unmarshal entry %s: %w", name, err)
	}
	return e, nil
}

func (r *redisDirectory) Lookup(ctx context.Context, name string) (Entry, error) {
	r.mu.Lock()
	c, ok := r.cache[name]
	if ok && time.Since(c.cachedAt) < r.cacheTTL {
		r.mu.Unlock()
		return c.entry, nil
	}
	r.mu.Unlock()

	e, err := r.get(ctx, r.client, name)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			obs.Error("redis.lookup", obs.Fields{"err": err.Error(), "name": name})
		}
		r.mu.Lock()
		delete(r.cache, name)
		r.mu.Unlock()
		return Entry{}, err
	}
	r.mu.Lock()
	r.cache[name] = cachedEntry{entry: e, cachedAt: time.Now()}
	r.mu.Unlock()
	return e, nil
}

func (r *redisDirectory) Remove(ctx context.Context, name, instance string) error {
	key := redisKey(name)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.get(ctx, tx, name)
		if err != nil {
			return err
		}
		if cur.Static || cur.Instance != instance {
			return fmt.Errorf("%w: %s", ErrNameTaken, name)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.SRem(ctx, redisIndexKey, name)
			return nil
		})
		return err
	}, key)
	r.mu.Lock()
	delete(r.cache, name)
	if err == nil || errors.Is(err, ErrNotFound) {
		delete(r.owned, name)
	}
	obs.DirectoryEntries.Set(float64(len(r.owned)))
	r.mu.Unlock()
	return err
}

// List returns every live entry and prunes index members whose key expired.
func (r *redisDirectory) List(ctx context.Context) ([]Entry, error) {
	names, err := r.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = redisKey(n)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	out := make([]Entry, 0, len(vals))
	var stale []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, names[i])
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			obs.Error("redis.list.unmarshal", obs.Fields{"err": err.Error(), "name": names[i]})
			continue
		}
		out = append(out, e)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, redisIndexKey, stale...).Err(); err != nil {
			obs.Warn("redis.list.prune", obs.Fields{"err": err.Error()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *redisDirectory) Close() error { return r.client.Close() }

// Maintain refreshes owned keys and trims the cache until ctx is done.
func (r *redisDirectory) Maintain(ctx context.Context) error {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.heartbeat(ctx)
			r.cleanupCache()
		}
	}
}

// heartbeat extends the TTL of entries registered through this instance.
func (r *redisDirectory) heartbeat(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.owned))
	for name := range r.owned {
		names = append(names, name)
	}
	r.mu.Unlock()
	for _, name := range names {
		ok, err := r.client.Expire(ctx, redisKey(name), r.keyTTL).Result()
		if err != nil {
			obs.Error("redis.heartbeat.expire", obs.Fields{"err": err.Error(), "name": name})
			continue
		}
		if !ok {
			// Key vanished; another instance or an operator removed it.
			r.mu.Lock()
			delete(r.owned, name)
			r.mu.Unlock()
			obs.Warn("redis.heartbeat.lost", obs.Fields{"name": name})
		}
	}
}

func (r *redisDirectory) cleanupCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, c := range r.cache {
		if time.Since(c.cachedAt) >= r.cacheTTL {
			delete(r.cache, name)
		}
	}
}
