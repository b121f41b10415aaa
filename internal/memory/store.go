package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Defaults applied by New.
const (
	DefaultThreshold = 0.8
	DefaultLimit     = 5
	shardCount       = 32
)

// Payload is the research artifact cached for a query.
type Payload struct {
	SourceRef string  `json:"source_ref"`
	Title     string  `json:"title,omitempty"`
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance"`
}

// Entry is an immutable memory record.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Query       string    `json:"query"`
	Embedding   []float32 `json:"-"`
	Payload     Payload   `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// Match is a lookup hit with its similarity score.
type Match struct {
	Entry Entry
	Score float64
}

// Stats are cumulative counters of store activity.
type Stats struct {
	Lookups int64 `json:"lookups"`
	Hits    int64 `json:"hits"`
	Fetches int64 `json:"fetches"`
	Inserts int64 `json:"inserts"`
	Entries int64 `json:"entries"`
}

// FetchFunc retrieves the payload for a query on a cache miss.
type FetchFunc func(ctx context.Context) (Payload, error)

// Persister stores entries outside the process.
type Persister interface {
	// Save stores e. It replaces a stored entry with the same fingerprint
	// only when e is newer.
	Save(ctx context.Context, e Entry) error
	// LoadAll returns every stored entry.
	LoadAll(ctx context.Context) ([]Entry, error)
	Close() error
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string // insertion order, for eviction
}

// Store is a sharded, concurrency-safe retrieval memory.
type Store struct {
	shards    [shardCount]*shard
	embedder  Embedder
	persister Persister
	threshold float64
	limit     int
	maxAge    time.Duration
	perShard  int
	now       func() time.Time
	group     singleflight.Group

	lookups atomic.Int64
	hits    atomic.Int64
	fetches atomic.Int64
	inserts atomic.Int64
	size    atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithThreshold sets the minimum similarity for a lookup hit.
func WithThreshold(t float64) Option {
	return func(s *Store) { s.threshold = t }
}

// WithLimit caps the number of matches a lookup returns.
func WithLimit(n int) Option {
	return func(s *Store) { s.limit = n }
}

// WithMaxAge makes lookups skip entries older than d. Zero disables expiry.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithMaxEntries bounds the in-memory entry count. The oldest entries of a
// full shard are evicted first. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(s *Store) {
		if n <= 0 {
			s.perShard = 0
			return
		}
		s.perShard = max((n+shardCount-1)/shardCount, 1)
	}
}

// WithEmbedder replaces the default HashingEmbedder.
func WithEmbedder(e Embedder) Option {
	return func(s *Store) { s.embedder = e }
}

// WithPersister writes every new entry through to p.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		embedder:  NewHashingEmbedder(),
		threshold: DefaultThreshold,
		limit:     DefaultLimit,
		now:       time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a Store backed by p and loads its existing entries.
func Open(ctx context.Context, p Persister, opts ...Option) (*Store, error) {
	s := New(append(opts, WithPersister(p))...)
	entries, err := p.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load memory entries: %w", err)
	}
	for _, e := range entries {
		if e.Fingerprint == "" {
			e.Fingerprint = Fingerprint(e.Query)
		}
		e.Embedding = s.embedder.Embed(e.Query)
		s.put(e)
	}
	return s, nil
}

// Close closes the persister, if any.
func (s *Store) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}

func (s *Store) shardFor(fingerprint string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fingerprint))
	return s.shards[h.Sum32()%shardCount]
}

// Lookup returns entries similar to query, best first. Ties are broken by
// recency. Entries older than the configured max age are skipped.
func (s *Store) Lookup(ctx context.Context, query string) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lookups.Add(1)

	matches := s.search(query)
	if len(matches) > 0 {
		s.hits.Add(1)
	}
	return matches, nil
}

func (s *Store) search(query string) []Match {
	vec := s.embedder.Embed(query)
	cutoff := time.Time{}
	if s.maxAge > 0 {
		cutoff = s.now().Add(-s.maxAge)
	}

	var matches []Match
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if !cutoff.IsZero() && e.CreatedAt.Before(cutoff) {
				continue
			}
			score := Cosine(vec, e.Embedding)
			if score >= s.threshold {
				matches = append(matches, Match{Entry: *e, Score: score})
			}
		}
		sh.mu.RUnlock()
	}

	slices.SortFunc(matches, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return b.Entry.CreatedAt.Compare(a.Entry.CreatedAt)
		}
	})
	if s.limit > 0 && len(matches) > s.limit {
		matches = matches[:s.limit]
	}
	return matches
}

// get returns the unexpired entry with the given fingerprint without
// touching the lookup counters.
func (s *Store) get(fingerprint string) (Entry, bool) {
	sh := s.shardFor(fingerprint)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[fingerprint]
	if !ok {
		return Entry{}, false
	}
	if s.expired(e) {
		return Entry{}, false
	}
	return *e, true
}

func (s *Store) expired(e *Entry) bool {
	return s.maxAge > 0 && e.CreatedAt.Before(s.now().Add(-s.maxAge))
}

func (s *Store) removeLocked(sh *shard, fingerprint string) {
	delete(sh.entries, fingerprint)
	sh.order = slices.DeleteFunc(sh.order, func(fp string) bool { return fp == fingerprint })
	s.size.Add(-1)
}

// Insert stores e and returns the stored entry. Inserting a fingerprint that
// already exists is a no-op that returns the original entry, unless that
// entry has outlived the max age. Missing fingerprint, embedding and
// timestamp are filled in.
func (s *Store) Insert(ctx context.Context, e Entry) (Entry, error) {
	if e.Fingerprint == "" {
		e.Fingerprint = Fingerprint(e.Query)
	}
	if e.Embedding == nil {
		e.Embedding = s.embedder.Embed(e.Query)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	sh := s.shardFor(e.Fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.entries[e.Fingerprint]; ok {
		if !s.expired(existing) {
			return *existing, nil
		}
		s.removeLocked(sh, e.Fingerprint)
	}
	if s.persister != nil {
		if err := s.persister.Save(ctx, e); err != nil {
			return Entry{}, fmt.Errorf("persist memory entry: %w", err)
		}
	}
	s.putLocked(sh, e)
	s.inserts.Add(1)
	return e, nil
}

func (s *Store) put(e Entry) {
	sh := s.shardFor(e.Fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[e.Fingerprint]; ok {
		return
	}
	s.putLocked(sh, e)
}

func (s *Store) putLocked(sh *shard, e Entry) {
	if s.perShard > 0 {
		for len(sh.order) >= s.perShard {
			s.removeLocked(sh, sh.order[0])
		}
	}
	sh.entries[e.Fingerprint] = &e
	sh.order = append(sh.order, e.Fingerprint)
	s.size.Add(1)
}

// Fetch returns a cached entry for query when a lookup hits. Otherwise fn is
// called, at most once per fingerprint across concurrent callers, and its
// result is inserted. The boolean reports whether the entry came from
// memory.
func (s *Store) Fetch(ctx context.Context, query string, fn FetchFunc) (Entry, bool, error) {
	matches, err := s.Lookup(ctx, query)
	if err != nil {
		return Entry{}, false, err
	}
	if len(matches) > 0 {
		return matches[0].Entry, true, nil
	}

	fp := Fingerprint(query)
	ch := s.group.DoChan(fp, func() (any, error) {
		if e, ok := s.get(fp); ok {
			return e, nil
		}
		s.fetches.Add(1)
		payload, err := fn(ctx)
		if err != nil {
			return Entry{}, err
		}
		e, err := s.Insert(ctx, Entry{Fingerprint: fp, Query: query, Payload: payload})
		if err != nil {
			return Entry{}, err
		}
		return e, nil
	})

	select {
	case <-ctx.Done():
		return Entry{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, false, res.Err
		}
		return res.Val.(Entry), false, nil
	}
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	return Stats{
		Lookups: s.lookups.Load(),
		Hits:    s.hits.Load(),
		Fetches: s.fetches.Load(),
		Inserts: s.inserts.Load(),
		Entries: s.size.Load(),
	}
}
