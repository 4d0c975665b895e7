// Package redis stores mapping tables as a pair of Redis hashes.
//
// For table T the keys are
//
//	keyindex:{T}:k2i   hash key   -> index
//	keyindex:{T}:i2k   hash index -> key
//	keyindex:{T}:stg:* list of "index:key" entries staged by one merge
//
// The {T} hash tag keeps all keys of a table in one cluster slot so the
// merge script can touch them atomically.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"keyindex/internal/index"
	"keyindex/internal/storage"
)

func init() {
	storage.Register("redis", func(ctx context.Context, cfg storage.Config) (storage.MappingStore, error) {
		return New(ctx, Options{URL: cfg.DSN, Logger: cfg.Logger})
	})
}

// DefaultNamespace is used for every Redis store.
var DefaultNamespace = storage.Namespace{Catalog: "keyindex", Schema: "default"}

const (
	namespacesKey = "keyindex:namespaces"
	tablesKey     = "keyindex:tables"

	// stagingTTL bounds the life of a staging list whose teardown failed.
	stagingTTL = time.Hour

	stagingChunk = 1000
)

// mergeScript inserts every staged pair whose key and index are both absent,
// in ascending index order, and returns the number inserted.
//
// KEYS[1]=k2i KEYS[2]=i2k KEYS[3]=staging list
var mergeScript = redis.NewScript(`
local entries = redis.call('LRANGE', KEYS[3], 0, -1)
local rows = {}
for _, e in ipairs(entries) do
  local sep = string.find(e, ':', 1, true)
  local ix = string.sub(e, 1, sep - 1)
  rows[#rows + 1] = { tonumber(ix), ix, string.sub(e, sep + 1) }
end
table.sort(rows, function(a, b) return a[1] < b[1] end)
local n = 0
for _, r in ipairs(rows) do
  if redis.call('HEXISTS', KEYS[1], r[3]) == 0 and redis.call('HEXISTS', KEYS[2], r[2]) == 0 then
    redis.call('HSET', KEYS[1], r[3], r[2])
    redis.call('HSET', KEYS[2], r[2], r[3])
    n = n + 1
  end
end
return n
`)

// Options configures the Redis connection.
type Options struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379/0").
	URL string

	// ConnectTimeout is the maximum time to wait for connection establishment.
	ConnectTimeout time.Duration

	Logger storage.Logger
}

// Store implements storage.MappingStore on Redis.
type Store struct {
	client *redis.Client
	logf   func(format string, v ...any)
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client, logf: storage.Logf(opts.Logger)}, nil
}

func (s *Store) Close() { _ = s.client.Close() }

func (s *Store) DefaultNamespace() storage.Namespace { return DefaultNamespace }

// EnsureNamespace records ns; Redis needs no physical namespace.
func (s *Store) EnsureNamespace(ctx context.Context, ns storage.Namespace) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, namespacesKey, ns.String()).Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", storage.ErrNamespaceUnavailable, ns, err)
	}
	return nil
}

// EnsureSchema records the table; hashes are created on first write.
func (s *Store) EnsureSchema(ctx context.Context, ref storage.TableRef) error {
	if err := s.client.SAdd(ctx, tablesKey, ref.Qualified()).Err(); err != nil {
		return fmt.Errorf("register table %s: %w", ref, err)
	}
	return nil
}

// LoadPairs reads the key->index hash, ordered by index.
func (s *Store) LoadPairs(ctx context.Context, ref storage.TableRef) ([]index.Pair, error) {
	raw, err := s.client.HGetAll(ctx, keyToIndexKey(ref)).Result()
	if err != nil {
		return nil, fmt.Errorf("LoadPairs: %s: %w", ref, err)
	}

	out := make([]index.Pair, 0, len(raw))
	for k, v := range raw {
		ix, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("LoadPairs: %s: key %q has non-integer index %q", ref, k, v)
		}
		out = append(out, index.Pair{Key: k, Index: ix})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// MergeInsertOnly stages pairs in a list and runs the merge script.
func (s *Store) MergeInsertOnly(ctx context.Context, ref storage.TableRef, pairs []index.Pair) (int64, error) {
	if len(pairs) == 0 {
		return 0, nil
	}

	stg := stagingKey(ref, storage.StagingName(ref.Kind))
	defer func() {
		if err := s.client.Del(context.Background(), stg).Err(); err != nil {
			s.logf("level=warn stage=merge table=%s staging=%s drop failed: %v", ref, stg, err)
		}
	}()

	for _, part := range storage.Chunks(pairs, stagingChunk) {
		entries := make([]any, len(part))
		for i, p := range part {
			entries[i] = strconv.FormatInt(p.Index, 10) + ":" + p.Key
		}
		pipe := s.client.TxPipeline()
		pipe.RPush(ctx, stg, entries...)
		pipe.Expire(ctx, stg, stagingTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("MergeInsertOnly: stage %s: %w", ref, err)
		}
	}

	n, err := mergeScript.Run(ctx, s.client, []string{keyToIndexKey(ref), indexToKeyKey(ref), stg}).Int64()
	if err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: merge %s: %w", ref, err)
	}
	return n, nil
}

func tableTag(ref storage.TableRef) string {
	return "keyindex:{" + ref.Qualified() + "}"
}

func keyToIndexKey(ref storage.TableRef) string { return tableTag(ref) + ":k2i" }
func indexToKeyKey(ref storage.TableRef) string { return tableTag(ref) + ":i2k" }

func stagingKey(ref storage.TableRef, name string) string {
	return tableTag(ref) + ":stg:" + strings.TrimPrefix(name, "stg_")
}

var _ storage.MappingStore = (*Store)(nil)
