// Package budget implements the cost model and the budget governor that can
// downgrade or block expensive container runs.
package budget

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// ModelPrice is USD per million tokens.
type ModelPrice struct {
	Input  float64
	Output float64
}

// PriceTable maps model aliases to their token prices. Unknown models fall
// back to the cheapest entry so estimates err low instead of blocking runs.
type PriceTable map[string]ModelPrice

// DefaultPrices covers the model aliases the classifier emits.
func DefaultPrices() PriceTable {
	return PriceTable{
		"haiku":  {Input: 0.80, Output: 4.00},
		"sonnet": {Input: 3.00, Output: 15.00},
		"opus":   {Input: 15.00, Output: 75.00},
	}
}

// EstimateCost prices a call: (in × price_in + out × price_out) / 1e6.
// Linear in both token counts; zero tokens cost zero.
func (p PriceTable) EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	price, ok := p[model]
	if !ok {
		price = p.cheapest()
	}
	return (float64(inputTokens)*price.Input + float64(outputTokens)*price.Output) / 1_000_000
}

func (p PriceTable) cheapest() ModelPrice {
	var best ModelPrice
	first := true
	for _, price := range p {
		if first || price.Input+price.Output < best.Input+best.Output {
			best = price
			first = false
		}
	}
	return best
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text for usage rows when
// the agent did not report counts. Falls back to the chars/4 heuristic when
// the encoding is unavailable (offline installs).
func EstimateTokens(text string) int64 {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	if enc == nil {
		return int64(len(text) / 4)
	}
	return int64(len(enc.Encode(text, nil, nil)))
}
