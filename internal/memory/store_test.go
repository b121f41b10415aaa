package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func payload(content string) Payload {
	return Payload{SourceRef: "https://example.com/" + content, Content: content, Relevance: 0.9}
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint("Vector Databases?"), Fingerprint("  vector, databases "))
	assert.NotEqual(t, Fingerprint("vector databases"), Fingerprint("vector database"))
	assert.Len(t, Fingerprint("x"), 64)
	assert.Equal(t, "hello world 2", Normalize("Hello,   World! 2"))
}

func TestHashingEmbedder(t *testing.T) {
	e := NewHashingEmbedder()

	a := e.Embed("Retrieval augmented generation")
	b := e.Embed("retrieval-augmented generation!")
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)

	c := e.Embed("penguin migration patterns")
	assert.Less(t, Cosine(a, c), 0.5)

	assert.Zero(t, Cosine(e.Embed(""), a))
	assert.Zero(t, Cosine(nil, a))
	assert.InDelta(t, 1.0, Similarity("Go generics", "go GENERICS"), 1e-6)
}

func TestStore_InsertIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	first, err := s.Insert(ctx, Entry{Query: "q one", Payload: payload("a")})
	require.NoError(t, err)
	assert.Equal(t, Fingerprint("q one"), first.Fingerprint)

	clock.Advance(time.Minute)
	second, err := s.Insert(ctx, Entry{Query: "Q one!", Payload: payload("b")})
	require.NoError(t, err)

	assert.Equal(t, "a", second.Payload.Content)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, int64(1), s.Stats().Inserts)
	assert.Equal(t, int64(1), s.Stats().Entries)
}

func TestStore_Lookup(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithLimit(2))
	ctx := context.Background()

	for _, q := range []string{"vector databases", "graph databases", "penguins"} {
		_, err := s.Insert(ctx, Entry{Query: q, Payload: payload(q)})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	matches, err := s.Lookup(ctx, "Vector databases")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "vector databases", matches[0].Entry.Query)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)

	matches, err = s.Lookup(ctx, "rust borrow checker")
	require.NoError(t, err)
	assert.Empty(t, matches)

	st := s.Stats()
	assert.Equal(t, int64(2), st.Lookups)
	assert.Equal(t, int64(1), st.Hits)
}

func TestStore_LookupTiesByRecencyAndLimit(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithLimit(2), WithThreshold(0))
	ctx := context.Background()

	// Same embedding, distinct fingerprints.
	for i := range 3 {
		_, err := s.Insert(ctx, Entry{
			Fingerprint: fmt.Sprintf("fp-%d", i),
			Query:       "same text",
			Payload:     payload(fmt.Sprint(i)),
		})
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	matches, err := s.Lookup(ctx, "same text")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "fp-2", matches[0].Entry.Fingerprint)
	assert.Equal(t, "fp-1", matches[1].Entry.Fingerprint)
}

func TestStore_MaxAge(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithMaxAge(2*time.Hour))
	ctx := context.Background()

	_, err := s.Insert(ctx, Entry{Query: "old news", Payload: payload("v1")})
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	matches, err := s.Lookup(ctx, "old news")
	require.NoError(t, err)
	assert.Empty(t, matches)

	e, err := s.Insert(ctx, Entry{Query: "old news", Payload: payload("v2")})
	require.NoError(t, err)
	assert.Equal(t, "v2", e.Payload.Content)
	assert.Equal(t, int64(1), s.Stats().Entries)
}

func TestStore_MaxEntries(t *testing.T) {
	s := New(WithMaxEntries(1))
	ctx := context.Background()

	for i := range 100 {
		_, err := s.Insert(ctx, Entry{Query: fmt.Sprintf("query %d", i), Payload: payload("x")})
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, s.Stats().Entries, int64(shardCount))
	assert.Equal(t, int64(100), s.Stats().Inserts)
}

func TestStore_FetchSameQueryTwice(t *testing.T) {
	s := New()
	ctx := context.Background()
	var calls atomic.Int32

	fetch := func(context.Context) (Payload, error) {
		calls.Add(1)
		return payload("result"), nil
	}

	e1, cached, err := s.Fetch(ctx, "What is RAG?", fetch)
	require.NoError(t, err)
	assert.False(t, cached)

	e2, cached, err := s.Fetch(ctx, "what is rag", fetch)
	require.NoError(t, err)
	assert.True(t, cached)

	assert.Equal(t, e1.Fingerprint, e2.Fingerprint)
	assert.Equal(t, int32(1), calls.Load())

	st := s.Stats()
	assert.Equal(t, int64(1), st.Fetches)
	assert.Equal(t, int64(2), st.Lookups)
	assert.Equal(t, int64(1), st.Hits)
}

func TestStore_FetchConcurrentCallersShareOneFetch(t *testing.T) {
	s := New()
	ctx := context.Background()
	var calls atomic.Int32
	release := make(chan struct{})

	fetch := func(context.Context) (Payload, error) {
		calls.Add(1)
		<-release
		return payload("shared"), nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]Entry, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = s.Fetch(ctx, "concurrent query", fetch)
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i].Payload.Content)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), s.Stats().Inserts)
}

func TestStore_FetchError(t *testing.T) {
	s := New()
	boom := errors.New("boom")

	_, _, err := s.Fetch(context.Background(), "q", func(context.Context) (Payload, error) {
		return Payload{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, s.Stats().Entries)
}

func TestStore_FetchCancelled(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.Fetch(ctx, "q", func(context.Context) (Payload, error) {
		t.Fatal("fetch must not run")
		return Payload{}, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSQLitePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mem", "memory.db")

	p, err := OpenSQLite(path)
	require.NoError(t, err)
	s, err := Open(ctx, p)
	require.NoError(t, err)

	first, err := s.Insert(ctx, Entry{Query: "persisted query", Payload: payload("kept")})
	require.NoError(t, err)
	require.NoError(t, p.Save(ctx, Entry{Fingerprint: first.Fingerprint, Query: "persisted query", Payload: payload("ignored"), CreatedAt: first.CreatedAt}))
	require.NoError(t, s.Close())

	p2, err := OpenSQLite(path)
	require.NoError(t, err)
	reopened, err := Open(ctx, p2)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	matches, err := reopened.Lookup(ctx, "Persisted query")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "kept", matches[0].Entry.Payload.Content)
	assert.True(t, first.CreatedAt.Equal(matches[0].Entry.CreatedAt))
	assert.Equal(t, int64(0), reopened.Stats().Inserts)
}

func TestSQLitePersistence_RefreshedEntrySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.db")
	clock := newFakeClock()
	opts := []Option{WithClock(clock.Now), WithMaxAge(time.Hour)}

	p, err := OpenSQLite(path)
	require.NoError(t, err)
	s, err := Open(ctx, p, opts...)
	require.NoError(t, err)

	var fetches atomic.Int32
	fetch := func(v string) FetchFunc {
		return func(context.Context) (Payload, error) {
			fetches.Add(1)
			return payload(v), nil
		}
	}
	_, _, err = s.Fetch(ctx, "grid storage costs", fetch("v1"))
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	refreshed, cached, err := s.Fetch(ctx, "grid storage costs", fetch("v2"))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, int32(2), fetches.Load())
	require.NoError(t, s.Close())

	p2, err := OpenSQLite(path)
	require.NoError(t, err)
	reopened, err := Open(ctx, p2, opts...)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	matches, err := reopened.Lookup(ctx, "grid storage costs")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "v2", matches[0].Entry.Payload.Content)
	assert.True(t, refreshed.CreatedAt.Equal(matches[0].Entry.CreatedAt))
}
