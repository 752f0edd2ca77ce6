package kvcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
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

// FailingBackend returns err from every call.
type FailingBackend struct {
	err error
}

func (f FailingBackend) Get(context.Context, string) ([]byte, bool, error) { return nil, false, f.err }
func (f FailingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return f.err
}
func (f FailingBackend) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, f.err
}
func (f FailingBackend) Delete(context.Context, string) error { return f.err }
func (f FailingBackend) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	return false, f.err
}
func (f FailingBackend) CompareAndExpire(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, f.err
}
func (f FailingBackend) DeletePattern(context.Context, string) (int, error) {
	return 0, f.err
}
func (f FailingBackend) Close() error { return nil }

// backendFactories runs the same contract against every Backend.
func backendFactories(t *testing.T) map[string]func() (Backend, *fakeClock, func(time.Duration)) {
	return map[string]func() (Backend, *fakeClock, func(time.Duration)){
		"memory": func() (Backend, *fakeClock, func(time.Duration)) {
			clock := newFakeClock()
			return NewMemory(100, WithClock(clock.Now)), clock, clock.Advance
		},
		"redis": func() (Backend, *fakeClock, func(time.Duration)) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedis(client, "test:"), nil, mr.FastForward
		},
	}
}

func TestBackendContract(t *testing.T) {
	ctx := context.Background()

	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("get set delete", func(t *testing.T) {
				b, _, _ := factory()
				_, ok, err := b.Get(ctx, "missing")
				require.NoError(t, err)
				assert.False(t, ok)

				require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
				val, ok, err := b.Get(ctx, "k")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, []byte("v"), val)

				require.NoError(t, b.Delete(ctx, "k"))
				_, ok, _ = b.Get(ctx, "k")
				assert.False(t, ok)
				assert.NoError(t, b.Delete(ctx, "k"))
			})

			t.Run("ttl expiry", func(t *testing.T) {
				b, _, advance := factory()
				require.NoError(t, b.Set(ctx, "k", []byte("v"), 60*time.Second))

				advance(59 * time.Second)
				_, ok, _ := b.Get(ctx, "k")
				assert.True(t, ok)

				advance(2 * time.Second)
				_, ok, _ = b.Get(ctx, "k")
				assert.False(t, ok)
			})

			t.Run("setnx", func(t *testing.T) {
				b, _, advance := factory()
				ok, err := b.SetNX(ctx, "flag", []byte("1"), time.Minute)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = b.SetNX(ctx, "flag", []byte("2"), time.Minute)
				require.NoError(t, err)
				assert.False(t, ok)

				advance(2 * time.Minute)
				ok, err = b.SetNX(ctx, "flag", []byte("3"), time.Minute)
				require.NoError(t, err)
				assert.True(t, ok)
			})

			t.Run("compare and delete", func(t *testing.T) {
				b, _, advance := factory()
				ok, err := b.SetNX(ctx, "flag", []byte("token-a"), time.Minute)
				require.NoError(t, err)
				require.True(t, ok)

				ok, err = b.CompareAndDelete(ctx, "flag", []byte("token-b"))
				require.NoError(t, err)
				assert.False(t, ok, "another holder's token leaves the flag alone")

				ok, err = b.CompareAndExpire(ctx, "flag", []byte("token-a"), 3*time.Minute)
				require.NoError(t, err)
				assert.True(t, ok)

				advance(2 * time.Minute)
				_, ok, _ = b.Get(ctx, "flag")
				assert.True(t, ok, "extended past the original ttl")

				ok, err = b.CompareAndExpire(ctx, "flag", []byte("token-b"), time.Hour)
				require.NoError(t, err)
				assert.False(t, ok)

				ok, err = b.CompareAndDelete(ctx, "flag", []byte("token-a"))
				require.NoError(t, err)
				assert.True(t, ok)
				_, ok, _ = b.Get(ctx, "flag")
				assert.False(t, ok)

				ok, err = b.CompareAndDelete(ctx, "flag", []byte("token-a"))
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("delete pattern", func(t *testing.T) {
				b, _, _ := factory()
				for _, key := range []string{
					"distribution:1:session",
					"distribution:1:scenario:a",
					"distribution:2:session",
					"projection:1:abc",
				} {
					require.NoError(t, b.Set(ctx, key, []byte("x"), time.Minute))
				}

				n, err := b.DeletePattern(ctx, "distribution:1:*")
				require.NoError(t, err)
				assert.Equal(t, 2, n)

				_, ok, _ := b.Get(ctx, "distribution:2:session")
				assert.True(t, ok)
				_, ok, _ = b.Get(ctx, "distribution:1:session")
				assert.False(t, ok)
			})
		})
	}
}

func TestMemoryLRUEviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3)
	defer m.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), 0))
	}

	// Touch k0 so k1 becomes least recently used.
	_, _, _ = m.Get(ctx, "k0")
	require.NoError(t, m.Set(ctx, "k3", []byte("v"), 0))

	_, ok, _ := m.Get(ctx, "k1")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "k0")
	assert.True(t, ok)
	assert.Equal(t, 3, m.Size())
	assert.EqualValues(t, 1, m.Evictions())
}

func TestMemoryCleanupExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemory(0, WithClock(clock.Now))
	defer m.Close()

	require.NoError(t, m.Set(ctx, "short", []byte("v"), time.Second))
	require.NoError(t, m.Set(ctx, "forever", []byte("v"), 0))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, m.CleanupExpired())
	assert.Equal(t, 1, m.Size())
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	defer m.Close()

	value := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", value, 0))
	value[0] = 'z'

	got, _, _ := m.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), got)
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory(10, WithCleanupInterval(10*time.Millisecond))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, _, err := m.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCacheDegradesOnBackendFailure(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	c := New(FailingBackend{err: errors.New("connection refused")}, zap.New(core))

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	c.Set(ctx, "k", []byte("v"), time.Minute)
	c.Delete(ctx, "k")
	assert.Equal(t, 0, c.DeleteByPattern(ctx, "k*"))
	assert.True(t, c.SetIfAbsent(ctx, "flag", []byte("1"), time.Minute))
	assert.False(t, c.DeleteIfValue(ctx, "flag", []byte("1")))
	assert.False(t, c.ExtendIfValue(ctx, "flag", []byte("1"), time.Minute))

	stats := c.Stats()
	assert.EqualValues(t, 7, stats.BackendErrors)
	assert.EqualValues(t, 1, stats.Misses)
	assert.Equal(t, 7, logs.FilterMessage("cache backend unavailable").Len())
}

func TestCacheJSONAndStats(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemory(10), nil)

	type payload struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	}

	var out payload
	assert.False(t, c.GetJSON(ctx, "p", &out))

	c.SetJSON(ctx, "p", payload{Name: "roi", Value: 7.36}, time.Minute)
	require.True(t, c.GetJSON(ctx, "p", &out))
	assert.Equal(t, payload{Name: "roi", Value: 7.36}, out)

	c.Set(ctx, "broken", []byte("{not json"), time.Minute)
	assert.False(t, c.GetJSON(ctx, "broken", &out))

	assert.True(t, c.SetIfAbsent(ctx, "flag", []byte("1"), time.Minute))
	assert.False(t, c.SetIfAbsent(ctx, "flag", []byte("1"), time.Minute))

	stats := c.Stats()
	assert.EqualValues(t, 2, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"*", "anything", true},
		{"distribution:1:*", "distribution:1:session", true},
		{"distribution:1:*", "distribution:10:session", false},
		{"distribution:*:session", "distribution:42:session", true},
		{"distribution:*:session", "distribution:42:scenario:a", false},
		{"view_refresh:?", "view_refresh:a", true},
		{"view_refresh:?", "view_refresh:ab", false},
		{"projection:[12]:*", "projection:2:xyz", true},
		{"projection:[12]:*", "projection:3:xyz", false},
		{"projection:[^1]:*", "projection:3:xyz", true},
		{`literal\*`, "literal*", true},
		{`literal\*`, "literalx", false},
		{"a.b", "axb", false},
		{"exact", "exact", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.key, func(t *testing.T) {
			got, err := MatchPattern(tt.pattern, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := MatchPattern("", "k")
	assert.Error(t, err)
}

func TestEscapePattern(t *testing.T) {
	tests := []struct {
		literal string
		key     string
		other   string
	}{
		{"*", "distribution:*:session", "distribution:tenant-a:session"},
		{"a?", "distribution:a?:session", "distribution:ab:session"},
		{"[ab]", "distribution:[ab]:session", "distribution:a:session"},
		{`x\`, `distribution:x\:session`, "distribution:x:session"},
		{"plain", "distribution:plain:session", "distribution:plainer:session"},
	}

	for _, tt := range tests {
		t.Run(tt.literal, func(t *testing.T) {
			pattern := "distribution:" + EscapePattern(tt.literal) + ":*"
			got, err := MatchPattern(pattern, tt.key)
			require.NoError(t, err)
			assert.True(t, got, "matches its own keys")

			got, err = MatchPattern(pattern, tt.other)
			require.NoError(t, err)
			assert.False(t, got, "never matches other scopes")
		})
	}

	assert.Equal(t, "plain", EscapePattern("plain"))
	assert.Equal(t, `\*\?`, EscapePattern("*?"))
}

func TestRedisDeletePatternWithEscapedLiteral(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedis(client, "")

	require.NoError(t, b.Set(ctx, "distribution:*:session", []byte("x"), time.Minute))
	require.NoError(t, b.Set(ctx, "distribution:tenant-a:session", []byte("x"), time.Minute))

	n, err := b.DeletePattern(ctx, "distribution:"+EscapePattern("*")+":*")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mr.Exists("distribution:tenant-a:session"))
}
