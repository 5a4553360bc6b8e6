package pricing

import "math"

// Cost converts token counts into a USD amount using per-million prices.
// Regular input tokens are what remains of inputTokens after subtracting
// cache reads and writes; cache writes are billed at the input price.
// Usage reports from upstream are trusted but sanitized: negative counts
// clamp to zero rather than erroring. The result is rounded to 4 decimals.
func Cost(p ModelPricing, inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens int) float64 {
	inputTokens = clamp(inputTokens)
	outputTokens = clamp(outputTokens)
	cacheReadTokens = clamp(cacheReadTokens)
	cacheWriteTokens = clamp(cacheWriteTokens)

	regular := inputTokens - cacheReadTokens - cacheWriteTokens
	if regular < 0 {
		regular = 0
	}

	total := float64(regular)*p.InputPerMillion +
		float64(cacheReadTokens)*p.CacheReadPerMill +
		float64(cacheWriteTokens)*p.InputPerMillion +
		float64(outputTokens)*p.OutputPerMillion
	total /= 1_000_000

	return math.Round(total*10000) / 10000
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
