// Package etcd stores mapping tables in etcd.
//
// Layout for table T = catalog.schema.mapping__active_<kind>s:
//
//	/keyindex/<catalog>/<schema>/<table>/k/<key>   -> index
//	/keyindex/<catalog>/<schema>/<table>/i/<index> -> key
//
// Each pair is written by one transaction guarded on both entries having
// CreateRevision 0, so a key or index is written at most once across all
// writers. The guard makes a staging area unnecessary.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"keyindex/internal/index"
	"keyindex/internal/storage"
)

func init() {
	storage.Register("etcd", func(ctx context.Context, cfg storage.Config) (storage.MappingStore, error) {
		return New(ctx, Config{Endpoints: ParseEndpoints(cfg.DSN)})
	})
}

// DefaultNamespace is used for every etcd store.
var DefaultNamespace = storage.Namespace{Catalog: "keyindex", Schema: "default"}

const root = "/keyindex"

// Config holds the etcd connection settings.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
}

// ParseEndpoints splits "etcd://host1:2379,host2:2379" (scheme optional).
func ParseEndpoints(dsn string) []string {
	dsn = strings.TrimPrefix(strings.TrimSpace(dsn), "etcd://")
	var out []string
	for _, e := range strings.Split(dsn, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// kv is the subset of etcd operations the store needs.
type kv interface {
	put(ctx context.Context, key, val string) error
	getPrefix(ctx context.Context, prefix string) (map[string]string, error)
	putBothIfAbsent(ctx context.Context, k1, v1, k2, v2 string) (bool, error)
	close() error
}

// Store implements storage.MappingStore on etcd.
type Store struct {
	kv kv
}

// New connects to the cluster and verifies connectivity with a read.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints cannot be empty")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{Endpoints: cfg.Endpoints, DialTimeout: cfg.DialTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := cli.Get(hctx, root+"/health-check"); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}
	return &Store{kv: &clientKV{cli: cli}}, nil
}

func (s *Store) Close() { _ = s.kv.close() }

func (s *Store) DefaultNamespace() storage.Namespace { return DefaultNamespace }

// EnsureNamespace records ns under /keyindex/namespaces.
func (s *Store) EnsureNamespace(ctx context.Context, ns storage.Namespace) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	if err := s.kv.put(ctx, root+"/namespaces/"+ns.String(), ""); err != nil {
		return fmt.Errorf("%w: %s: %w", storage.ErrNamespaceUnavailable, ns, err)
	}
	return nil
}

// EnsureSchema records the table; entries are created on first write.
func (s *Store) EnsureSchema(ctx context.Context, ref storage.TableRef) error {
	if err := s.kv.put(ctx, root+"/tables/"+ref.Qualified(), ""); err != nil {
		return fmt.Errorf("register table %s: %w", ref, err)
	}
	return nil
}

// LoadPairs reads the key entries of ref ordered by index.
func (s *Store) LoadPairs(ctx context.Context, ref storage.TableRef) ([]index.Pair, error) {
	prefix := keyPrefix(ref)
	raw, err := s.kv.getPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("LoadPairs: %s: %w", ref, err)
	}

	out := make([]index.Pair, 0, len(raw))
	for k, v := range raw {
		ix, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("LoadPairs: %s: entry %q has non-integer index %q", ref, k, v)
		}
		out = append(out, index.Pair{Key: strings.TrimPrefix(k, prefix), Index: ix})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// MergeInsertOnly writes pairs in ascending index order, each in its own
// guarded transaction, and returns how many were written.
func (s *Store) MergeInsertOnly(ctx context.Context, ref storage.TableRef, pairs []index.Pair) (int64, error) {
	sorted := append([]index.Pair(nil), pairs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var n int64
	for _, p := range sorted {
		ix := strconv.FormatInt(p.Index, 10)
		ok, err := s.kv.putBothIfAbsent(ctx, keyPrefix(ref)+p.Key, ix, indexPrefix(ref)+ix, p.Key)
		if err != nil {
			return n, fmt.Errorf("MergeInsertOnly: %s: %w", ref, err)
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func tablePrefix(ref storage.TableRef) string {
	return root + "/" + ref.Namespace.Catalog + "/" + ref.Namespace.Schema + "/" + ref.Table()
}

func keyPrefix(ref storage.TableRef) string   { return tablePrefix(ref) + "/k/" }
func indexPrefix(ref storage.TableRef) string { return tablePrefix(ref) + "/i/" }

// clientKV implements kv with clientv3.
type clientKV struct {
	cli *clientv3.Client
}

func (c *clientKV) put(ctx context.Context, key, val string) error {
	_, err := c.cli.Put(ctx, key, val)
	return err
}

func (c *clientKV) getPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)] = string(kv.Value)
	}
	return out, nil
}

func (c *clientKV) putBothIfAbsent(ctx context.Context, k1, v1, k2, v2 string) (bool, error) {
	resp, err := c.cli.Txn(ctx).
		If(
			clientv3.Compare(clientv3.CreateRevision(k1), "=", 0),
			clientv3.Compare(clientv3.CreateRevision(k2), "=", 0),
		).
		Then(clientv3.OpPut(k1, v1), clientv3.OpPut(k2, v2)).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (c *clientKV) close() error {
	if c.cli == nil {
		return errors.New("etcd: client not initialised")
	}
	return c.cli.Close()
}

var _ storage.MappingStore = (*Store)(nil)
