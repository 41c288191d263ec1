package embeddings

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	queries atomic.Int32
	batches atomic.Int32
	batchIn atomic.Int32
	delay   time.Duration
	err     error
	inner   *HashProvider
}

func newCountingEmbedder() *countingEmbedder {
	return &countingEmbedder{inner: NewHashProvider(32)}
}

func (c *countingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	c.queries.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.EmbedQuery(ctx, text)
}

func (c *countingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	c.batches.Add(1)
	c.batchIn.Add(int32(len(texts)))
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.EmbedDocuments(ctx, texts)
}

func TestNewCache_RequiresEmbedder(t *testing.T) {
	_, err := NewCache(nil, CacheConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCache_EmbedQuery(t *testing.T) {
	up := newCountingEmbedder()
	c, err := NewCache(up, CacheConfig{Size: 10, TTL: time.Hour}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := c.EmbedQuery(ctx, "syntax error near line 4")
	require.NoError(t, err)
	second, err := c.EmbedQuery(ctx, "syntax error near line 4")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), up.queries.Load())
	assert.Equal(t, 1, c.Len())
}

func TestCache_ErrorsAreNotCached(t *testing.T) {
	up := newCountingEmbedder()
	up.err = errors.New("upstream down")
	c, err := NewCache(up, CacheConfig{}, nil)
	require.NoError(t, err)

	_, err = c.EmbedQuery(context.Background(), "x")
	require.Error(t, err)
	_, err = c.EmbedQuery(context.Background(), "x")
	require.Error(t, err)

	assert.Equal(t, int32(2), up.queries.Load())
	assert.Equal(t, 0, c.Len())
}

func TestCache_SizeBound(t *testing.T) {
	up := newCountingEmbedder()
	c, err := NewCache(up, CacheConfig{Size: 2, TTL: time.Hour}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c"} {
		_, err := c.EmbedQuery(ctx, s)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())

	_, err = c.EmbedQuery(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int32(4), up.queries.Load(), "evicted entry must be recomputed")
}

func TestCache_TTL(t *testing.T) {
	up := newCountingEmbedder()
	c, err := NewCache(up, CacheConfig{Size: 10, TTL: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.EmbedQuery(ctx, "a")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = c.EmbedQuery(ctx, "a")
	require.NoError(t, err)

	assert.Equal(t, int32(2), up.queries.Load())
}

func TestCache_NamespaceSeparatesEntries(t *testing.T) {
	up := newCountingEmbedder()
	small, err := NewCache(up, CacheConfig{Namespace: "small"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, small.key("a"), (&Cache{namespace: "large"}).key("a"))
}

func TestCache_ConcurrentMissesShareOneCall(t *testing.T) {
	up := newCountingEmbedder()
	up.delay = 30 * time.Millisecond
	c, err := NewCache(up, CacheConfig{}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.EmbedQuery(context.Background(), "same text")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), up.queries.Load())
}

func TestCache_EmbedDocumentsBatchesMisses(t *testing.T) {
	up := newCountingEmbedder()
	c, err := NewCache(up, CacheConfig{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.EmbedQuery(ctx, "b")
	require.NoError(t, err)

	vectors, err := c.EmbedDocuments(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, int32(1), up.batches.Load())
	assert.Equal(t, int32(2), up.batchIn.Load())

	again, err := c.EmbedDocuments(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, vectors, again)
	assert.Equal(t, int32(1), up.batches.Load())
}
