package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache defaults.
const (
	DefaultCacheSize = 5000
	DefaultCacheTTL  = 30 * 24 * time.Hour
)

// CacheConfig configures a Cache.
type CacheConfig struct {
	Size int
	TTL  time.Duration
	// Namespace separates entries of different models sharing one cache.
	Namespace string
}

// Cache memoizes an Embedder by content. Concurrent misses on the same text
// share one upstream call.
type Cache struct {
	next      Embedder
	namespace string
	lru       *expirable.LRU[string, []float32]
	flight    singleflight.Group
	metrics   *Metrics
	logger    *zap.Logger
}

// NewCache wraps next with a bounded, time-limited cache.
func NewCache(next Embedder, cfg CacheConfig, logger *zap.Logger) (*Cache, error) {
	if next == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultCacheSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	return &Cache{
		next:      next,
		namespace: cfg.Namespace,
		lru:       expirable.NewLRU[string, []float32](cfg.Size, nil, cfg.TTL),
		metrics:   NewMetrics(logger),
		logger:    logger,
	}, nil
}

func (c *Cache) key(text string) string {
	h := sha256.Sum256([]byte(c.namespace + "\x00" + text))
	return hex.EncodeToString(h[:])
}

// EmbedQuery returns the cached vector for text, computing it on a miss.
// The returned slice is shared and must not be modified.
func (c *Cache) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if v, ok := c.lru.Get(key); ok {
		c.metrics.RecordCache(ctx, true)
		return v, nil
	}
	c.metrics.RecordCache(ctx, false)

	res, err, _ := c.flight.Do(key, func() (interface{}, error) {
		v, err := c.next.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]float32), nil
}

// EmbedDocuments resolves hits from the cache and batches the misses into a
// single upstream call.
func (c *Cache) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missText []string
	for i, t := range texts {
		if v, ok := c.lru.Get(c.key(t)); ok {
			c.metrics.RecordCache(ctx, true)
			out[i] = v
			continue
		}
		c.metrics.RecordCache(ctx, false)
		missIdx = append(missIdx, i)
		missText = append(missText, t)
	}
	if len(missText) == 0 {
		return out, nil
	}

	vectors, err := c.next.EmbedDocuments(ctx, missText)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missText) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(missText))
	}
	for j, i := range missIdx {
		out[i] = vectors[j]
		c.lru.Add(c.key(missText[j]), vectors[j])
	}
	c.logger.Debug("embedded cache misses", zap.Int("misses", len(missText)), zap.Int("total", len(texts)))
	return out, nil
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}
