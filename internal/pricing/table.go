// Package pricing maps model names to per-token prices and converts token
// usage into monetary cost.
package pricing

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	cacheMaxSize = 128
	cacheTTL     = 5 * time.Minute
)

// ModelPricing holds USD prices per million tokens.
type ModelPricing struct {
	Model            string  `json:"model"`
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
	CacheReadPerMill float64 `json:"cache_read_per_million"`
}

// DefaultPricing is the fallback applied to unknown models, so a pricing
// gap degrades to approximate billing instead of failing the request.
var DefaultPricing = ModelPricing{
	Model:            "default",
	InputPerMillion:  3.0,
	OutputPerMillion: 15.0,
	CacheReadPerMill: 0.3,
}

var basePrices = map[string]ModelPricing{
	"claude-opus-4":     {Model: "claude-opus-4", InputPerMillion: 15.0, OutputPerMillion: 75.0, CacheReadPerMill: 1.5},
	"claude-sonnet-4":   {Model: "claude-sonnet-4", InputPerMillion: 3.0, OutputPerMillion: 15.0, CacheReadPerMill: 0.3},
	"claude-3-5-haiku":  {Model: "claude-3-5-haiku", InputPerMillion: 0.8, OutputPerMillion: 4.0, CacheReadPerMill: 0.08},
	"gpt-4o":            {Model: "gpt-4o", InputPerMillion: 2.5, OutputPerMillion: 10.0, CacheReadPerMill: 1.25},
	"gpt-4o-mini":       {Model: "gpt-4o-mini", InputPerMillion: 0.15, OutputPerMillion: 0.6, CacheReadPerMill: 0.075},
	"gpt-4.1":           {Model: "gpt-4.1", InputPerMillion: 2.0, OutputPerMillion: 8.0, CacheReadPerMill: 0.5},
	"deepseek-chat":     {Model: "deepseek-chat", InputPerMillion: 0.27, OutputPerMillion: 1.1, CacheReadPerMill: 0.07},
	"gemini-2.5-pro":    {Model: "gemini-2.5-pro", InputPerMillion: 1.25, OutputPerMillion: 10.0, CacheReadPerMill: 0.31},
	"gemini-2.5-flash":  {Model: "gemini-2.5-flash", InputPerMillion: 0.3, OutputPerMillion: 2.5, CacheReadPerMill: 0.075},
	"llama-3.3-70b":     {Model: "llama-3.3-70b", InputPerMillion: 0.59, OutputPerMillion: 0.79, CacheReadPerMill: 0.59},
}

type cacheEntry struct {
	pricing  ModelPricing
	storedAt time.Time
}

// Table resolves model pricing with a short-TTL LRU in front of the base
// map, so a swapped-in remote source keeps the same lookup path.
type Table struct {
	cache  *lru.Cache[string, cacheEntry]
	ttl    time.Duration
	source func(model string) (ModelPricing, bool)
}

// NewTable creates a pricing table backed by the built-in price map.
func NewTable() *Table {
	cache, _ := lru.New[string, cacheEntry](cacheMaxSize)
	return &Table{
		cache: cache,
		ttl:   cacheTTL,
		source: func(model string) (ModelPricing, bool) {
			p, ok := basePrices[model]
			return p, ok
		},
	}
}

// Lookup returns pricing for the model, falling back to DefaultPricing for
// unknown models.
func (t *Table) Lookup(model string) ModelPricing {
	if entry, ok := t.cache.Get(model); ok {
		if time.Since(entry.storedAt) < t.ttl {
			return entry.pricing
		}
		t.cache.Remove(model)
	}

	p, ok := t.source(model)
	if !ok {
		p = DefaultPricing
	}
	t.cache.Add(model, cacheEntry{pricing: p, storedAt: time.Now()})
	return p
}
