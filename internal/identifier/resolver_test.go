package identifier

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"mdbroker/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

type countingSource struct {
	inner Source
	calls atomic.Int64
	err   error
}

func (s *countingSource) Lookup(ctx context.Context, id model.ExternalID) (model.CanonicalID, bool, error) {
	s.calls.Add(1)
	if s.err != nil {
		return model.CanonicalID{}, false, s.err
	}
	return s.inner.Lookup(ctx, id)
}

func newTestResolver(t *testing.T) (*Resolver, *countingSource) {
	t.Helper()
	mem := NewMemorySource()
	mem.Add(model.NewCanonicalID("BUID", "EQ001"),
		model.NewExternalID("TICKER", "ACME"),
		model.NewExternalID("ISIN", "US0000000001"),
	)
	src := &countingSource{inner: mem}
	r, err := NewResolver("BUID", src)
	require.NoError(t, err)
	return r, src
}

func TestResolve(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	testCases := []struct {
		desc     string
		bundle   model.ExternalIDBundle
		expected model.CanonicalID
		found    bool
	}{
		{
			desc:     "alias",
			bundle:   model.NewBundle(model.NewExternalID("TICKER", "ACME")),
			expected: model.NewCanonicalID("BUID", "EQ001"),
			found:    true,
		},
		{
			desc: "unknown member with known member",
			bundle: model.NewBundle(
				model.NewExternalID("CUSIP", "000000000"),
				model.NewExternalID("ISIN", "US0000000001"),
			),
			expected: model.NewCanonicalID("BUID", "EQ001"),
			found:    true,
		},
		{
			desc:     "canonical fast path",
			bundle:   model.NewBundle(model.NewExternalID("BUID", "EQ999")),
			expected: model.NewCanonicalID("BUID", "EQ999"),
			found:    true,
		},
		{
			desc:   "unknown",
			bundle: model.NewBundle(model.NewExternalID("TICKER", "NOPE")),
			found:  false,
		},
		{
			desc:   "empty",
			bundle: model.NewBundle(),
			found:  false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			canonical, ok, err := r.Resolve(ctx, tc.bundle)
			require.NoError(t, err)
			assert.Equal(t, tc.found, ok)
			if tc.found {
				assert.Equal(t, tc.expected, canonical)
			}
		})
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	r, src := newTestResolver(t)
	ctx := context.Background()

	first, ok, err := r.Resolve(ctx, model.NewBundle(model.NewExternalID("TICKER", "ACME")))
	require.NoError(t, err)
	require.True(t, ok)

	before := src.calls.Load()
	second, ok, err := r.Resolve(ctx, first.Bundle())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.Equal(t, before, src.calls.Load(), "canonical bundle must not reach the source")
}

func TestResolveCachesHits(t *testing.T) {
	r, src := newTestResolver(t)
	ctx := context.Background()
	bundle := model.NewBundle(model.NewExternalID("TICKER", "ACME"))

	_, _, err := r.Resolve(ctx, bundle)
	require.NoError(t, err)
	calls := src.calls.Load()

	_, ok, err := r.Resolve(ctx, bundle)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, calls, src.calls.Load())
	assert.Equal(t, 1, r.CacheLen())

	r.Forget(bundle)
	assert.Equal(t, 0, r.CacheLen())
}

func TestResolveDoesNotCacheMisses(t *testing.T) {
	mem := NewMemorySource()
	r, err := NewResolver("BUID", mem)
	require.NoError(t, err)
	ctx := context.Background()
	bundle := model.NewBundle(model.NewExternalID("TICKER", "NEW"))

	_, ok, err := r.Resolve(ctx, bundle)
	require.NoError(t, err)
	require.False(t, ok)

	mem.Add(model.NewCanonicalID("BUID", "EQ777"), model.NewExternalID("TICKER", "NEW"))
	canonical, ok, err := r.Resolve(ctx, bundle)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "EQ777", canonical.Value)
}

func TestResolveRejectsNonCanonicalSourceResult(t *testing.T) {
	mem := NewMemorySource()
	mem.Add(model.NewCanonicalID("TICKER", "ACME"), model.NewExternalID("ISIN", "X"))
	r, err := NewResolver("BUID", mem)
	require.NoError(t, err)

	_, ok, err := r.Resolve(context.Background(), model.NewBundle(model.NewExternalID("ISIN", "X")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveSourceError(t *testing.T) {
	boom := errors.New("reference data down")
	src := &countingSource{inner: NewMemorySource(), err: boom}
	r, err := NewResolver("BUID", src)
	require.NoError(t, err)

	_, ok, err := r.Resolve(context.Background(), model.NewBundle(model.NewExternalID("TICKER", "ACME")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.False(t, ok)
}

func TestResolveConcurrent(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	bundle := model.NewBundle(model.NewExternalID("TICKER", "ACME"))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			canonical, ok, err := r.Resolve(ctx, bundle)
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "EQ001", canonical.Value)
		}()
	}
	wg.Wait()
}

func TestNewResolverEmptyScheme(t *testing.T) {
	_, err := NewResolver("  ", nil)
	require.Error(t, err)
}

func TestChain(t *testing.T) {
	boom := errors.New("down")
	failing := &countingSource{inner: NewMemorySource(), err: boom}
	mem := NewMemorySource()
	mem.Add(model.NewCanonicalID("BUID", "EQ001"), model.NewExternalID("TICKER", "ACME"))

	chain := NewChain(failing, nil, mem)
	require.Len(t, chain, 2)

	canonical, ok, err := chain.Lookup(context.Background(), model.NewExternalID("TICKER", "ACME"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "EQ001", canonical.Value)

	_, ok, err = chain.Lookup(context.Background(), model.NewExternalID("TICKER", "NOPE"))
	assert.False(t, ok)
	assert.True(t, errors.Is(err, boom))
}
