package latefee_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/latefee-engine/latefee"
)

// fakeClock is a settable latefee.Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

// countingSource serves fixed rules and counts reads.
type countingSource struct {
	mu    sync.Mutex
	rules map[string][]latefee.LateFeeRule
	reads int
	err   error
}

func (s *countingSource) GetRules(_ context.Context, companyID string) ([]latefee.LateFeeRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return nil, s.err
	}
	return s.rules[companyID], nil
}

func (s *countingSource) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// brokenCache fails every call.
type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]latefee.LateFeeRule, bool, error) {
	return nil, false, fmt.Errorf("%w: connection refused", latefee.ErrCache)
}
func (brokenCache) Set(context.Context, string, []latefee.LateFeeRule) error {
	return fmt.Errorf("%w: connection refused", latefee.ErrCache)
}
func (brokenCache) Evict(context.Context, string) error { return nil }
func (brokenCache) EvictAll(context.Context) error      { return nil }

// =============================================================================
// MEMORY CACHE
// =============================================================================

func TestMemoryRuleCache_ExpiresAfterTTL(t *testing.T) {
	// GIVEN: A cache with the default TTL
	clock := &fakeClock{now: day(2025, 1, 1)}
	cache := latefee.NewMemoryRuleCache(0, clock.Now)
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "co-1", []latefee.LateFeeRule{{ID: "r1"}}))

	// WHEN: Just inside the TTL
	clock.Advance(latefee.DefaultRuleCacheTTL - time.Second)
	rules, ok, err := cache.Get(ctx, "co-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, rules, 1)

	// WHEN: Exactly at expiry
	clock.Advance(time.Second)
	_, ok, err = cache.Get(ctx, "co-1")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must not be served")
}

func TestMemoryRuleCache_CopiesOnReadAndWrite(t *testing.T) {
	cache := latefee.NewMemoryRuleCache(time.Minute, nil)
	ctx := context.Background()

	rules := []latefee.LateFeeRule{{ID: "r1"}}
	require.NoError(t, cache.Set(ctx, "co-1", rules))
	rules[0].ID = "mutated"

	got, ok, _ := cache.Get(ctx, "co-1")
	require.True(t, ok)
	got[0].ID = "mutated again"

	again, _, _ := cache.Get(ctx, "co-1")
	assert.Equal(t, "r1", again[0].ID)
}

func TestMemoryRuleCache_Evict(t *testing.T) {
	cache := latefee.NewMemoryRuleCache(time.Minute, nil)
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "co-1", nil))
	require.NoError(t, cache.Set(ctx, "co-2", nil))

	require.NoError(t, cache.Evict(ctx, "co-1"))
	assert.Equal(t, 1, cache.Len())

	require.NoError(t, cache.EvictAll(ctx))
	assert.Equal(t, 0, cache.Len())
}

// =============================================================================
// RULE STORE
// =============================================================================

func TestRuleStore_CacheFirst(t *testing.T) {
	// GIVEN: A source with one enabled and one disabled rule
	disabled := percentageRule("1", nil)
	disabled.ID, disabled.Enabled = "off", false
	enabled := percentageRule("1", nil)
	enabled.ID = "on"
	source := &countingSource{rules: map[string][]latefee.LateFeeRule{"co-1": {enabled, disabled}}}

	store := latefee.NewRuleStore(source, latefee.NewMemoryRuleCache(time.Minute, nil), nil, nil)
	ctx := context.Background()

	// WHEN: Reading twice
	first, err := store.Rules(ctx, "co-1")
	require.NoError(t, err)
	second, err := store.Rules(ctx, "co-1")
	require.NoError(t, err)

	// THEN: One source read, disabled rules dropped
	assert.Equal(t, 1, source.Reads())
	require.Len(t, first, 1)
	assert.Equal(t, "on", first[0].ID)
	assert.Equal(t, first, second)

	// AND: Clearing the cache forces a re-read
	require.NoError(t, store.ClearCache(ctx, "co-1"))
	_, err = store.Rules(ctx, "co-1")
	require.NoError(t, err)
	assert.Equal(t, 2, source.Reads())
}

func TestRuleStore_SourceFailureIsDataAccess(t *testing.T) {
	source := &countingSource{err: errors.New("connection reset")}
	store := latefee.NewRuleStore(source, latefee.NewMemoryRuleCache(time.Minute, nil), nil, nil)

	rules, err := store.Rules(context.Background(), "co-1")

	assert.Nil(t, rules)
	require.Error(t, err)
	assert.True(t, latefee.IsDataAccess(err))
}

func TestRuleStore_BrokenCacheFallsBackToSource(t *testing.T) {
	r := percentageRule("1", nil)
	r.ID = "r1"
	source := &countingSource{rules: map[string][]latefee.LateFeeRule{"co-1": {r}}}
	store := latefee.NewRuleStore(source, brokenCache{}, nil, nil)

	rules, err := store.Rules(context.Background(), "co-1")

	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].ID)
}

func TestRuleStore_ConcurrentReaders(t *testing.T) {
	r := percentageRule("1", nil)
	source := &countingSource{rules: map[string][]latefee.LateFeeRule{"co-1": {r}}}
	store := latefee.NewRuleStore(source, latefee.NewMemoryRuleCache(time.Minute, nil), nil, nil)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rules, err := store.Rules(context.Background(), "co-1")
			assert.NoError(t, err)
			assert.Len(t, rules, 1)
		}()
	}
	wg.Wait()

	// Misses may race past the cache but never exceed one read per goroutine
	assert.LessOrEqual(t, source.Reads(), 20)
	assert.GreaterOrEqual(t, source.Reads(), 1)
}

func TestRuleStore_RereadsSourceAfterTTL(t *testing.T) {
	// GIVEN: A rule store over a default-TTL cache and a fake clock
	clock := &fakeClock{now: day(2025, 1, 1)}
	source := &countingSource{rules: map[string][]latefee.LateFeeRule{"co-1": {percentageRule("1", nil)}}}
	store := latefee.NewRuleStore(source, latefee.NewMemoryRuleCache(0, clock.Now), nil, nil)
	ctx := context.Background()

	_, err := store.Rules(ctx, "co-1")
	require.NoError(t, err)

	// WHEN: One second before expiry
	clock.Advance(latefee.DefaultRuleCacheTTL - time.Second)
	_, err = store.Rules(ctx, "co-1")
	require.NoError(t, err)
	assert.Equal(t, 1, source.Reads())

	// WHEN: At expiry
	clock.Advance(time.Second)
	_, err = store.Rules(ctx, "co-1")
	require.NoError(t, err)
	assert.Equal(t, 2, source.Reads())
}

// blockingSource holds GetRules until released or its context ends.
type blockingSource struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	rules   []latefee.LateFeeRule
}

func (s *blockingSource) GetRules(ctx context.Context, _ string) ([]latefee.LateFeeRule, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
		return s.rules, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRuleStore_CancelledCallerDoesNotFailOthers(t *testing.T) {
	// GIVEN: Request A is mid-read of co-1's rules
	source := &blockingSource{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		rules:   []latefee.LateFeeRule{percentageRule("1", nil)},
	}
	store := latefee.NewRuleStore(source, latefee.NewMemoryRuleCache(time.Minute, nil), nil, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := store.Rules(ctxA, "co-1")
		errA <- err
	}()
	<-source.entered

	// AND: Request B waits on the same tenant
	type result struct {
		rules []latefee.LateFeeRule
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		rules, err := store.Rules(context.Background(), "co-1")
		resB <- result{rules, err}
	}()
	time.Sleep(50 * time.Millisecond)

	// WHEN: A is cancelled, then the read completes
	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)
	close(source.release)

	// THEN: B still gets the rules
	select {
	case b := <-resB:
		require.NoError(t, b.err)
		assert.Len(t, b.rules, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("request B never returned")
	}
}
