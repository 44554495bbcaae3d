// Package cache is a sharded in-memory response cache with per-key
// single-flight, freshness by TTL and conditional revalidation.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/searchktools/h1server/core/http"
	"golang.org/x/sync/singleflight"
)

// Result is the outcome of a lookup.
type Result uint8

const (
	Miss Result = iota
	Fresh
	NotModified
)

func (r Result) String() string {
	switch r {
	case Fresh:
		return "hit"
	case NotModified:
		return "not-modified"
	default:
		return "miss"
	}
}

// Options configures a Store.
type Options struct {
	// MaxBytes is the total budget, split evenly across shards.
	MaxBytes int64
	Shards   int
	// DefaultTTL applies when a response declares no max-age.
	DefaultTTL time.Duration
	// MaxAge caps the age of any entry regardless of its TTL.
	MaxAge time.Duration

	Persister Persister
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 16
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 64 << 20
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type item struct {
	key   string
	entry *Entry
}

type shard struct {
	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List
	bytes int64
	max   int64
	group singleflight.Group
}

// Store is safe for concurrent use. Each shard has its own lock, LRU list and
// single-flight group, so unrelated keys never contend.
type Store struct {
	opts   Options
	shards []*shard
	// vary remembers the Vary names last stored for each base key.
	vary *xsync.MapOf[string, []string]
	log  zerolog.Logger
}

// New creates a new store.
func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:   opts,
		shards: make([]*shard, opts.Shards),
		vary:   xsync.NewMapOf[string, []string](),
		log:    opts.Logger.With().Str("component", "cache").Logger(),
	}
	per := opts.MaxBytes / int64(opts.Shards)
	for i := range s.shards {
		s.shards[i] = &shard{
			items: make(map[string]*list.Element),
			lru:   list.New(),
			max:   per,
		}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Options returns the effective options.
func (s *Store) Options() Options { return s.opts }

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.opts.Now() }

// TTL returns the freshness lifetime for d.
func (s *Store) TTL(d Directives) time.Duration {
	return d.TTL(s.opts.DefaultTTL)
}

// VaryNames returns the request fields responses under base vary on.
func (s *Store) VaryNames(base string) []string {
	names, _ := s.vary.Load(base)
	return names
}

// KeyFor builds the full key of a request under base.
func (s *Store) KeyFor(base string, h http.Header) string {
	return Key(base, s.VaryNames(base), h)
}

// Lookup finds key. A stale entry is a Miss and is removed on the spot.
func (s *Store) Lookup(key string, v Validators) (Result, *Entry) {
	now := s.opts.Now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	el, ok := sh.items[key]
	if !ok {
		sh.mu.Unlock()
		return Miss, nil
	}
	it := el.Value.(*item)
	if !it.entry.Fresh(now, s.opts.MaxAge) {
		sh.remove(el)
		sh.mu.Unlock()
		s.persist("", nil, []string{key})
		return Miss, nil
	}
	sh.lru.MoveToFront(el)
	it.entry.touch(now)
	sh.mu.Unlock()

	if !v.Empty() && v.Matches(it.entry) {
		return NotModified, it.entry
	}
	return Fresh, it.entry
}

// Store saves e under key and returns the entry actually kept. If an entry
// with the same strong ETag is already present, its body is kept and only the
// metadata is refreshed. An entry larger than a shard's budget is not kept.
func (s *Store) Store(key string, e *Entry) *Entry {
	e.Key = key
	e.Size = e.size()
	sh := s.shardFor(key)
	if e.Size > sh.max {
		s.Purge(key)
		return e
	}
	sh.mu.Lock()
	if el, ok := sh.items[key]; ok {
		old := el.Value.(*item).entry
		if strongMatch(old.ETag, e.ETag) && old.Encoding == e.Encoding && len(old.Body) == len(e.Body) {
			e.Body = old.Body
		}
		sh.remove(el)
	}
	e.touch(s.opts.Now())
	sh.items[key] = sh.lru.PushFront(&item{key: key, entry: e})
	sh.bytes += e.Size
	evicted := sh.evict()
	sh.mu.Unlock()

	if e.Base != "" {
		s.vary.Store(e.Base, e.Vary)
	}
	s.persist(key, e, evicted)
	return e
}

// Do runs fn once for all concurrent callers of key. shared reports whether
// the caller received another caller's result.
func (s *Store) Do(key string, fn func() (*Entry, error)) (e *Entry, shared bool, err error) {
	sh := s.shardFor(key)
	v, err, shared := sh.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, shared, err
	}
	e, _ = v.(*Entry)
	return e, shared, nil
}

// EvictIfNeeded trims every shard to its budget, least recently used first.
func (s *Store) EvictIfNeeded() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		evicted := sh.evict()
		sh.mu.Unlock()
		n += len(evicted)
		s.persist("", nil, evicted)
	}
	return n
}

// Purge removes key.
func (s *Store) Purge(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	el, ok := sh.items[key]
	if ok {
		sh.remove(el)
	}
	sh.mu.Unlock()
	if ok {
		s.persist("", nil, []string{key})
	}
}

// Sweep removes every entry that is no longer fresh and returns how many.
func (s *Store) Sweep() int {
	now := s.opts.Now()
	n := 0
	for _, sh := range s.shards {
		var gone []string
		sh.mu.Lock()
		for el := sh.lru.Back(); el != nil; {
			prev := el.Prev()
			it := el.Value.(*item)
			if !it.entry.Fresh(now, s.opts.MaxAge) {
				gone = append(gone, it.key)
				sh.remove(el)
			}
			el = prev
		}
		sh.mu.Unlock()
		n += len(gone)
		s.persist("", nil, gone)
	}
	return n
}

// Len returns the number of entries.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}

// Bytes returns the accounted size of all entries.
func (s *Store) Bytes() int64 {
	var n int64
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.bytes
		sh.mu.Unlock()
	}
	return n
}

// Stats describes one shard.
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Max     int64 `json:"max"`
}

// ShardStats returns a snapshot per shard.
func (s *Store) ShardStats() []Stats {
	out := make([]Stats, len(s.shards))
	for i, sh := range s.shards {
		sh.mu.Lock()
		out[i] = Stats{Entries: len(sh.items), Bytes: sh.bytes, Max: sh.max}
		sh.mu.Unlock()
	}
	return out
}

// Warm loads persisted entries that are still fresh.
func (s *Store) Warm() (int, error) {
	if s.opts.Persister == nil {
		return 0, nil
	}
	now := s.opts.Now()
	n := 0
	err := s.opts.Persister.Load(func(key string, e *Entry) {
		if !e.Fresh(now, s.opts.MaxAge) {
			return
		}
		e.Key = key
		e.Size = e.size()
		sh := s.shardFor(key)
		if e.Size > sh.max {
			return
		}
		sh.mu.Lock()
		if el, ok := sh.items[key]; ok {
			sh.remove(el)
		}
		sh.items[key] = sh.lru.PushFront(&item{key: key, entry: e})
		sh.bytes += e.Size
		sh.evict()
		sh.mu.Unlock()
		if e.Base != "" {
			s.vary.Store(e.Base, e.Vary)
		}
		n++
	})
	return n, err
}

func (s *Store) persist(key string, e *Entry, deleted []string) {
	p := s.opts.Persister
	if p == nil {
		return
	}
	for _, k := range deleted {
		if k == key {
			continue
		}
		if err := p.Delete(k); err != nil {
			s.log.Warn().Err(err).Str("key", k).Msg("Failed to delete persisted entry")
		}
	}
	if e != nil {
		if err := p.Save(key, e); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Failed to persist entry")
		}
	}
}

func (sh *shard) remove(el *list.Element) {
	it := el.Value.(*item)
	sh.lru.Remove(el)
	delete(sh.items, it.key)
	sh.bytes -= it.entry.Size
}

// evict must be called with sh.mu held.
func (sh *shard) evict() []string {
	var gone []string
	for sh.bytes > sh.max && sh.lru.Len() > 0 {
		el := sh.lru.Back()
		gone = append(gone, el.Value.(*item).key)
		sh.remove(el)
	}
	return gone
}
