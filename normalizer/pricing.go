package normalizer

import "strings"

// modelPrice is USD per million tokens.
type modelPrice struct {
	Input      float64
	Output     float64
	CacheWrite float64
	CacheRead  float64
}

// priceTable is the fixed per-model price table used for the running cost
// estimate. Unknown models fall back to the default row.
var priceTable = map[string]modelPrice{
	"claude-opus":    {Input: 15.0, Output: 75.0, CacheWrite: 18.75, CacheRead: 1.50},
	"claude-sonnet":  {Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30},
	"claude-haiku":   {Input: 0.80, Output: 4.0, CacheWrite: 1.0, CacheRead: 0.08},
	"gpt-5":          {Input: 1.25, Output: 10.0},
	"gpt-5-mini":     {Input: 0.25, Output: 2.0},
	"gemini-2.5-pro": {Input: 1.25, Output: 10.0},
}

var defaultPrice = modelPrice{Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30}

// priceFamilies fixes the match order so a model id containing several
// family names resolves the same way every run.
var priceFamilies = []string{
	"claude-opus", "claude-sonnet", "claude-haiku",
	"gpt-5-mini", "gpt-5", "gemini-2.5-pro",
}

// priceFor resolves the price row for a model id, matching on family
// substrings so dated snapshots map to their family.
func priceFor(model string) modelPrice {
	lower := strings.ToLower(model)
	for _, family := range priceFamilies {
		if strings.Contains(lower, family) {
			return priceTable[family]
		}
	}
	return defaultPrice
}

// costUSD computes the incremental cost of a usage report.
func costUSD(model string, u *usagePayload) float64 {
	p := priceFor(model)
	const million = 1_000_000.0
	return float64(u.InputTokens)/million*p.Input +
		float64(u.OutputTokens)/million*p.Output +
		float64(u.CacheCreationInputTokens)/million*p.CacheWrite +
		float64(u.CacheReadInputTokens)/million*p.CacheRead
}
