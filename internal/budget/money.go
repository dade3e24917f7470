package budget

import (
	"fmt"
	"math"
)

// Micro is a monetary amount in micro-dollars (1e-6 USD). All ledger
// arithmetic is integer arithmetic on this type; floats appear only at
// the configuration and display edges.
type Micro int64

// FromUSD converts a dollar amount to micro-dollars, rounding to the
// nearest micro.
func FromUSD(usd float64) Micro {
	return Micro(math.Round(usd * 1e6))
}

// USD converts back to dollars for display.
func (m Micro) USD() float64 { return float64(m) / 1e6 }

// String renders the amount as dollars at micro precision.
func (m Micro) String() string {
	return fmt.Sprintf("$%.6f", m.USD())
}

// Pricing holds the provider unit prices per 1k tokens, in micro-dollars.
type Pricing struct {
	EmbedPerK  Micro
	LLMInPerK  Micro
	LLMOutPerK Micro
}

// NewPricing converts per-1k-token dollar prices into micro pricing.
func NewPricing(embedUSD, llmInUSD, llmOutUSD float64) Pricing {
	return Pricing{
		EmbedPerK:  FromUSD(embedUSD),
		LLMInPerK:  FromUSD(llmInUSD),
		LLMOutPerK: FromUSD(llmOutUSD),
	}
}

// EmbedCost prices an embedding call of the given token count. Rounds up
// so projection errs toward over-estimation.
func (p Pricing) EmbedCost(tokens int64) Micro {
	return ceilDiv(int64(p.EmbedPerK)*tokens, 1000)
}

// LLMCost prices an LLM call from input and output token counts.
func (p Pricing) LLMCost(inputTokens, outputTokens int64) Micro {
	in := ceilDiv(int64(p.LLMInPerK)*inputTokens, 1000)
	out := ceilDiv(int64(p.LLMOutPerK)*outputTokens, 1000)
	return in + out
}

func ceilDiv(a, b int64) Micro {
	if a <= 0 {
		return 0
	}
	return Micro((a + b - 1) / b)
}
