package market

import (
	"math"
	"sort"

	"texchange/internal/store"
)

// Source yields uniform floats in [0, 1). *math/rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// Policy holds the tuning constants of the price walk.
type Policy struct {
	// SentimentBand bounds the market-wide term drawn once per tick.
	SentimentBand float64
	// MomentumKeep is the weight of the previous momentum in the EMA.
	MomentumKeep float64
	// MomentumWeight scales momentum before it is added to the price.
	MomentumWeight float64
	// VolatilityGrowth controls how fast volatility grows with price.
	VolatilityGrowth float64
}

var DefaultPolicy = Policy{
	SentimentBand:    0.002,
	MomentumKeep:     0.7,
	MomentumWeight:   0.05,
	VolatilityGrowth: 0.05,
}

// RiskRange returns the bounds of the raw per-tick percentage change.
func RiskRange(r store.Risk) (lo, hi float64) {
	switch r {
	case store.RiskLow:
		return -0.02, 0.02
	case store.RiskHigh:
		return -0.15, 0.15
	default:
		return -0.05, 0.05
	}
}

// Median of prices; 0 for an empty slice. The input is not modified.
func Median(prices []float64) float64 {
	if len(prices) == 0 {
		return 0
	}
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// RecoveryBoost amplifies moves of stocks trading below 1.0.
func RecoveryBoost(price float64) float64 {
	if price < 1.0 {
		return 1.5 + (1.0 - price)
	}
	return 1.0
}

func (p Policy) VolatilityScale(price float64) float64 {
	if price <= 0 {
		return 1
	}
	return 1 + p.VolatilityGrowth*math.Log10(1+price)
}

type StepInput struct {
	Price     float64
	Raw       float64
	Sentiment float64
	Target    float64
	Bias      float64
	Momentum  float64
}

type StepResult struct {
	Price    float64
	Momentum float64
	Change   float64
}

// Step advances one stock by one tick.
func (p Policy) Step(in StepInput) StepResult {
	drift := 0.0
	if in.Target > 0 {
		drift = in.Bias * (in.Target - in.Price) / in.Target
	}
	change := in.Raw + in.Sentiment + drift
	momentum := p.MomentumKeep*in.Momentum + (1-p.MomentumKeep)*change*in.Price

	next := in.Price +
		in.Price*change*RecoveryBoost(in.Price)*p.VolatilityScale(in.Price) +
		p.MomentumWeight*momentum
	if !(next >= store.MinPrice) {
		next = store.MinPrice
	}
	return StepResult{Price: next, Momentum: momentum, Change: change}
}

func uniform(src Source, lo, hi float64) float64 {
	return lo + (hi-lo)*src.Float64()
}
