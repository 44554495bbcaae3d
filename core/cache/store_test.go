package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/searchktools/h1server/core/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(opts Options) (*Store, *clock) {
	c := &clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	opts.Now = c.Now
	opts.Logger = zerolog.Nop()
	return New(opts), c
}

func entryWith(body, etag string, ttl time.Duration, now time.Time) *Entry {
	resp := http.Text(200, body)
	if etag != "" {
		resp.Header.Set(http.HeaderETag, etag)
	}
	return NewEntry(resp, ttl, now)
}

func TestStoreLookupFreshness(t *testing.T) {
	s, c := newTestStore(Options{})

	res, _ := s.Lookup("k", Validators{})
	assert.Equal(t, Miss, res)

	s.Store("k", entryWith("v1", `"a"`, 10*time.Second, c.Now()))
	res, e := s.Lookup("k", Validators{})
	require.Equal(t, Fresh, res)
	assert.Equal(t, "v1", string(e.Body))

	c.Advance(9 * time.Second)
	res, _ = s.Lookup("k", Validators{})
	assert.Equal(t, Fresh, res)

	c.Advance(time.Second)
	assert.Equal(t, 1, s.Len())
	res, _ = s.Lookup("k", Validators{})
	assert.Equal(t, Miss, res)
	assert.Zero(t, s.Len(), "a stale entry is removed when it is looked up")
	assert.Zero(t, s.Bytes())
	assert.Zero(t, s.Sweep())
}

func TestLookupTracksAccessTime(t *testing.T) {
	s, c := newTestStore(Options{})
	stored := c.Now()
	s.Store("k", entryWith("v", "", time.Minute, stored))

	c.Advance(7 * time.Second)
	res, e := s.Lookup("k", Validators{})
	require.Equal(t, Fresh, res)
	assert.True(t, e.AccessedAt().Equal(c.Now()))
	assert.True(t, e.Stored.Equal(stored))
	assert.Equal(t, e.Size, s.Bytes())
}

func TestStoreMaxAgeCapsTTL(t *testing.T) {
	s, c := newTestStore(Options{MaxAge: 5 * time.Second})
	s.Store("k", entryWith("v", "", time.Hour, c.Now()))
	require.Positive(t, s.Bytes())
	c.Advance(6 * time.Second)
	res, _ := s.Lookup("k", Validators{})
	assert.Equal(t, Miss, res)
	assert.Zero(t, s.Len())
	assert.Zero(t, s.Bytes())
}

func TestStoreConditionalLookup(t *testing.T) {
	s, c := newTestStore(Options{})
	e := entryWith("body", `"v1"`, time.Minute, c.Now())
	e.Header.Set(http.HeaderLastModified, c.Now().Add(-time.Hour).Format(http.TimeFormat))
	e.LastModified = c.Now().Add(-time.Hour).Truncate(time.Second)
	s.Store("k", e)

	tests := []struct {
		name string
		v    Validators
		want Result
	}{
		{"unconditional", Validators{}, Fresh},
		{"etag match", Validators{IfNoneMatch: []string{`"v1"`}}, NotModified},
		{"weak etag match", Validators{IfNoneMatch: []string{`W/"v1"`}}, NotModified},
		{"etag in list", Validators{IfNoneMatch: []string{`"x"`, `"v1"`}}, NotModified},
		{"star", Validators{IfNoneMatch: []string{"*"}}, NotModified},
		{"etag mismatch", Validators{IfNoneMatch: []string{`"v2"`}}, Fresh},
		{"not modified since", Validators{IfModifiedSince: c.Now()}, NotModified},
		{"modified since", Validators{IfModifiedSince: c.Now().Add(-2 * time.Hour)}, Fresh},
		{"etag wins over date", Validators{IfNoneMatch: []string{`"v2"`}, IfModifiedSince: c.Now()}, Fresh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := s.Lookup("k", tt.v)
			assert.Equal(t, tt.want, res)
		})
	}
}

func TestNotModifiedResponse(t *testing.T) {
	s, c := newTestStore(Options{})
	e := entryWith("twelve bytes", `"v1"`, time.Minute, c.Now())
	e.Header.Set(http.HeaderCacheControl, "max-age=60")
	s.Store("k", e)
	c.Advance(3 * time.Second)

	res, hit := s.Lookup("k", Validators{IfNoneMatch: []string{`"v1"`}})
	require.Equal(t, NotModified, res)
	nm := hit.NotModified(c.Now())
	assert.Equal(t, 304, nm.Status)
	assert.Equal(t, `"v1"`, nm.Header.Get(http.HeaderETag))
	assert.Equal(t, "max-age=60", nm.Header.Get(http.HeaderCacheControl))
	assert.Equal(t, "3", nm.Header.Get(http.HeaderAge))
	assert.False(t, nm.Header.Has(http.HeaderContentType))
	assert.Equal(t, int64(12), nm.ContentLength)
}

func TestStaleEntryWithMatchingETagIsRevalidated(t *testing.T) {
	s, c := newTestStore(Options{})
	first := entryWith("payload", `"same"`, time.Second, c.Now())
	s.Store("k", first)
	c.Advance(2 * time.Second)

	res, _ := s.Lookup("k", Validators{IfNoneMatch: []string{`"same"`}})
	require.Equal(t, Miss, res, "a stale entry never answers a conditional request")

	assert.Zero(t, s.Len())

	var runs int32
	_, _, err := s.Do("k", func() (*Entry, error) {
		atomic.AddInt32(&runs, 1)
		return s.Store("k", entryWith("payload", `"same"`, time.Second, c.Now())), nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, runs)

	res, _ = s.Lookup("k", Validators{IfNoneMatch: []string{`"same"`}})
	assert.Equal(t, NotModified, res)
}

func TestStoreKeepsBodyForUnchangedStrongETag(t *testing.T) {
	tests := []struct {
		name  string
		etag  string
		again string
		reuse bool
	}{
		{"same strong tag", `"v1"`, `"v1"`, true},
		{"different tag", `"v1"`, `"v2"`, false},
		{"weak tags", `W/"v1"`, `W/"v1"`, false},
		{"weak and strong", `W/"v1"`, `"v1"`, false},
		{"no tag", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, c := newTestStore(Options{})
			first := s.Store("k", entryWith("payload", tt.etag, time.Minute, c.Now()))
			c.Advance(time.Second)
			second := s.Store("k", entryWith("payload", tt.again, time.Minute, c.Now()))

			if tt.reuse {
				assert.Same(t, &first.Body[0], &second.Body[0])
			} else {
				assert.NotSame(t, &first.Body[0], &second.Body[0])
			}
			assert.Equal(t, 1, s.Len())
			assert.Equal(t, second.Size, s.Bytes())
		})
	}
}

func TestDoSingleInvocation(t *testing.T) {
	s, c := newTestStore(Options{})
	const callers = 64

	var runs int32
	release := make(chan struct{})
	handler := func() (*Entry, error) {
		if res, e := s.Lookup("k", Validators{}); res == Fresh {
			return e, nil
		}
		atomic.AddInt32(&runs, 1)
		<-release
		return s.Store("k", entryWith("computed once", `"x"`, time.Minute, c.Now())), nil
	}

	var ready, done sync.WaitGroup
	bodies := make([][]byte, callers)
	ready.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			ready.Done()
			e, _, err := s.Do("k", handler)
			if err == nil {
				bodies[i] = e.Response(c.Now()).Body
			}
		}(i)
	}
	ready.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	done.Wait()

	assert.EqualValues(t, 1, runs)
	for i := range bodies {
		assert.Equal(t, "computed once", string(bodies[i]))
	}
}

func TestDoPropagatesError(t *testing.T) {
	s, _ := newTestStore(Options{})
	_, _, err := s.Do("k", func() (*Entry, error) { return nil, fmt.Errorf("boom") })
	assert.EqualError(t, err, "boom")
	assert.Zero(t, s.Len())
}

func TestEvictionIsLRU(t *testing.T) {
	sample := entryWith("0123456789", "", time.Minute, time.Now())
	sample.Base = "k0"
	size := sample.size()
	s, c := newTestStore(Options{Shards: 1, MaxBytes: 3 * size})

	for i := 0; i < 3; i++ {
		e := entryWith("0123456789", "", time.Minute, c.Now())
		e.Base = fmt.Sprintf("k%d", i)
		s.Store(e.Base, e)
	}
	require.Equal(t, 3, s.Len())

	// touch k0 so k1 becomes the least recently used
	res, _ := s.Lookup("k0", Validators{})
	require.Equal(t, Fresh, res)

	e := entryWith("0123456789", "", time.Minute, c.Now())
	e.Base = "k3"
	s.Store("k3", e)

	assert.Equal(t, 3, s.Len())
	assert.LessOrEqual(t, s.Bytes(), 3*size)
	res, _ = s.Lookup("k1", Validators{})
	assert.Equal(t, Miss, res)
	res, _ = s.Lookup("k0", Validators{})
	assert.Equal(t, Fresh, res)
}

func TestOversizedEntryIsNotKept(t *testing.T) {
	s, c := newTestStore(Options{Shards: 1, MaxBytes: 128})
	s.Store("big", entryWith(string(make([]byte, 1024)), "", time.Minute, c.Now()))
	assert.Zero(t, s.Len())
	assert.Zero(t, s.EvictIfNeeded())
}

func TestShardStats(t *testing.T) {
	s, c := newTestStore(Options{Shards: 4, MaxBytes: 4 << 20})
	for i := 0; i < 40; i++ {
		s.Store(fmt.Sprintf("key-%d", i), entryWith("x", "", time.Minute, c.Now()))
	}
	stats := s.ShardStats()
	require.Len(t, stats, 4)
	total := 0
	for _, st := range stats {
		total += st.Entries
		assert.Equal(t, int64(1<<20), st.Max)
	}
	assert.Equal(t, 40, total)
}

func TestSQLitePersisterWarmsStore(t *testing.T) {
	p, err := NewSQLitePersister(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer p.Close()

	s, c := newTestStore(Options{Persister: p})
	e := entryWith("persisted", `"p"`, time.Minute, c.Now())
	e.Base = "GET /p anon"
	e.Vary = []string{"accept-language"}
	s.Store("GET /p anon\naccept-language: de", e)
	s.Store("gone", entryWith("x", "", time.Minute, c.Now()))
	s.Purge("gone")

	n, err := p.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	warm := New(Options{Persister: p, Now: c.Now, Logger: zerolog.Nop()})
	loaded, err := warm.Warm()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	res, got := warm.Lookup("GET /p anon\naccept-language: de", Validators{})
	require.Equal(t, Fresh, res)
	assert.Equal(t, "persisted", string(got.Body))
	assert.Equal(t, `"p"`, got.ETag)
	assert.Equal(t, "text/plain; charset=utf-8", got.Header.Get(http.HeaderContentType))
	assert.Equal(t, []string{"accept-language"}, warm.VaryNames("GET /p anon"))
}

func TestNewEntryRecordsEncoding(t *testing.T) {
	now := time.Unix(1700000000, 0)
	resp := http.Data(200, "text/css", []byte{0x1f, 0x8b})
	resp.Header.Set(http.HeaderContentEncoding, "br")
	e := NewEntry(resp, time.Minute, now)
	assert.Equal(t, "br", e.Encoding)
	assert.True(t, e.AccessedAt().Equal(now))
	assert.Equal(t, "", entryWith("plain", "", time.Minute, now).Encoding)
}

func TestEntryEncoding(t *testing.T) {
	now := time.Unix(1700000000, 123).UTC()
	e := entryWith("body", `W/"e"`, 90*time.Second, now)
	e.Header.Set(http.HeaderLastModified, now.Format(http.TimeFormat))
	e.LastModified = now.Truncate(time.Second)
	e.Base = "GET / anon"
	e.Vary = []string{"accept-encoding"}
	e.Encoding = "gzip"
	e.Size = e.size()
	e.touch(now.Add(time.Minute))

	b, err := e.MarshalBinary()
	require.NoError(t, err)
	var got Entry
	require.NoError(t, got.UnmarshalBinary(b))

	assert.Equal(t, e.Status, got.Status)
	assert.Equal(t, e.Body, got.Body)
	assert.Equal(t, e.Header, got.Header)
	assert.Equal(t, e.ETag, got.ETag)
	assert.True(t, e.LastModified.Equal(got.LastModified))
	assert.True(t, e.Stored.Equal(got.Stored))
	assert.Equal(t, e.TTL, got.TTL)
	assert.Equal(t, e.Base, got.Base)
	assert.Equal(t, e.Vary, got.Vary)
	assert.Equal(t, "gzip", got.Encoding)
	assert.Equal(t, e.Size, got.Size)
	assert.True(t, e.AccessedAt().Equal(got.AccessedAt()))

	assert.Error(t, got.UnmarshalBinary([]byte{0x0a, 0xff}))
}

func TestJanitor(t *testing.T) {
	s, c := newTestStore(Options{})
	_, err := NewJanitor(s, "not a cron", zerolog.Nop())
	assert.Error(t, err)

	j, err := NewJanitor(s, "", zerolog.Nop())
	require.NoError(t, err)
	var swept int
	j.OnSweep = func(n int) { swept = n }

	s.Store("short", entryWith("a", "", time.Second, c.Now()))
	s.Store("long", entryWith("b", "", time.Hour, c.Now()))
	c.Advance(time.Minute)

	assert.Equal(t, 1, j.RunOnce())
	assert.Equal(t, 1, swept)
	assert.Equal(t, 1, s.Len())
}
