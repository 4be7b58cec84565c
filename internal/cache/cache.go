// Package cache holds classification results keyed by image content.
package cache

import (
	"encoding/binary"
	"math"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vit_logits_cache_hits_total",
		Help: "Total number of logits cache hits",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vit_logits_cache_misses_total",
		Help: "Total number of logits cache misses",
	})
)

// LogitsCache stores the logits of previously classified images.
type LogitsCache interface {
	// Get retrieves a copy of the cached logits.
	Get(key string) ([]float64, bool)
	// Put stores a copy of logits.
	Put(key string, logits []float64)
	// Size returns the number of items in the cache.
	Size() int
}

// Key derives a cache key from a dataset namespace and the exact pixel
// values of an image.
func Key(dataset string, image []float64) string {
	d := xxhash.New()
	_, _ = d.WriteString(dataset)
	_, _ = d.Write([]byte{0})

	var buf [8]byte
	for _, v := range image {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = d.Write(buf[:])
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// MapCache is an in-memory LogitsCache. When maxEntries is positive, a
// full cache evicts an arbitrary entry on insert.
type MapCache struct {
	data       map[string][]float64
	maxEntries int
	mu         sync.RWMutex
}

func NewMapCache(maxEntries int) *MapCache {
	return &MapCache{
		data:       make(map[string][]float64),
		maxEntries: maxEntries,
	}
}

func (c *MapCache) Get(key string) ([]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.data[key]; ok {
		cacheHits.Inc()
		dst := make([]float64, len(v))
		copy(dst, v)
		return dst, true
	}
	cacheMisses.Inc()
	return nil, false
}

func (c *MapCache) Put(key string, logits []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && c.maxEntries > 0 && len(c.data) >= c.maxEntries {
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}

	dst := make([]float64, len(logits))
	copy(dst, logits)
	c.data[key] = dst
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
