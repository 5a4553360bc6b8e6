package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostOneMillionInputTokens(t *testing.T) {
	p := ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0, CacheReadPerMill: 0.3}
	assert.Equal(t, 3.0, Cost(p, 1_000_000, 0, 0, 0))
}

func TestCostZeroTokens(t *testing.T) {
	p := ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0}
	assert.Equal(t, 0.0, Cost(p, 0, 0, 0, 0))
}

func TestCostNegativeTokensClamped(t *testing.T) {
	p := ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0, CacheReadPerMill: 0.3}
	got := Cost(p, -500, -100, -50, -25)
	assert.GreaterOrEqual(t, got, 0.0)
	assert.Equal(t, 0.0, got)
}

func TestCostCacheReadsBilledAtCachePrice(t *testing.T) {
	p := ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0, CacheReadPerMill: 0.3}
	// All input tokens served from cache: only the cache price applies.
	assert.Equal(t, 0.3, Cost(p, 1_000_000, 0, 1_000_000, 0))
}

func TestCostCacheWritesBilledAtInputPrice(t *testing.T) {
	p := ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0, CacheReadPerMill: 0.3}
	assert.Equal(t, 3.0, Cost(p, 1_000_000, 0, 0, 1_000_000))
}

func TestCostRoundsToFourDecimals(t *testing.T) {
	p := ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0}
	got := Cost(p, 123, 45, 0, 0)
	// 123*3/1e6 + 45*15/1e6 = 0.000369 + 0.000675 = 0.001044 -> 0.0010
	assert.Equal(t, 0.001, got)
}

func TestLookupKnownModel(t *testing.T) {
	tbl := NewTable()
	p := tbl.Lookup("gpt-4o")
	assert.Equal(t, 2.5, p.InputPerMillion)
}

func TestLookupUnknownModelFallsBack(t *testing.T) {
	tbl := NewTable()
	p := tbl.Lookup("no-such-model")
	assert.Equal(t, DefaultPricing.InputPerMillion, p.InputPerMillion)
	// Second lookup is served from the cache and must agree.
	assert.Equal(t, p, tbl.Lookup("no-such-model"))
}
