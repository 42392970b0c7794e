// Package outcome decides whether a trade wins and what exit price it reports.
//
// An account's OutcomeControl level maps to a win probability; one uniform
// draw against that probability fixes the outcome. The target price is a
// fixed ±0.1% move from the entry price in the direction the outcome needs.
package outcome

import (
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// Win probabilities per control level.
const (
	ProbabilityNone   = 0.5
	ProbabilityLow    = 0.3
	ProbabilityMedium = 0.7
	ProbabilityHigh   = 0.9
)

var (
	upMove   = decimal.RequireFromString("1.001")
	downMove = decimal.RequireFromString("0.999")
)

// Source yields uniform draws in [0, 1).
type Source interface {
	Float64() float64
}

// lockedSource makes a math/rand generator safe for concurrent use.
type lockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewLockedSource returns a goroutine-safe Source seeded with seed.
func NewLockedSource(seed int64) Source {
	return &lockedSource{r: rand.New(rand.NewSource(seed))}
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

// Decision is the frozen result of evaluating a trade.
type Decision struct {
	Won         bool
	Probability float64
	TargetPrice decimal.Decimal
}

// Policy draws outcomes from a Source.
type Policy struct {
	src Source
}

// NewPolicy creates a policy that draws from src.
func NewPolicy(src Source) *Policy {
	return &Policy{src: src}
}

// Evaluate maps a control to a win probability. A nil or inactive control,
// or an unknown level, evaluates as none.
func Evaluate(c *model.OutcomeControl) float64 {
	if c == nil || !c.Active {
		return ProbabilityNone
	}
	return LevelProbability(c.Level)
}

// LevelProbability maps a control level to a win probability.
func LevelProbability(level model.ControlLevel) float64 {
	switch level {
	case model.ControlLow:
		return ProbabilityLow
	case model.ControlMedium:
		return ProbabilityMedium
	case model.ControlHigh:
		return ProbabilityHigh
	default:
		return ProbabilityNone
	}
}

// DecideOutcome consumes exactly one draw and reports a win when the draw is
// below probability.
func (p *Policy) DecideOutcome(probability float64) bool {
	return p.src.Float64() < probability
}

// Decide evaluates c, draws once and computes the target price.
func (p *Policy) Decide(c *model.OutcomeControl, entryPrice decimal.Decimal, dir model.Direction) Decision {
	prob := Evaluate(c)
	won := p.DecideOutcome(prob)
	return Decision{
		Won:         won,
		Probability: prob,
		TargetPrice: TargetPrice(entryPrice, dir, won),
	}
}

// TargetPrice returns the exit price consistent with the outcome: up 0.1%
// when a buy wins or a sell loses, down 0.1% otherwise. Rounded to 8 places.
func TargetPrice(entryPrice decimal.Decimal, dir model.Direction, won bool) decimal.Decimal {
	up := (dir == model.DirectionBuy) == won
	if up {
		return entryPrice.Mul(upMove).Round(8)
	}
	return entryPrice.Mul(downMove).Round(8)
}
