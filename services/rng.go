package services

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"waitlist-campaign/models"

	"github.com/shopspring/decimal"
)

// Rand is the randomness source injected into draws. Implementations must be
// safe for concurrent use.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRand returns a deterministic source for the given seed.
func NewRand(seed uint64) Rand {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewEntropyRand returns a randomly seeded source.
func NewEntropyRand() Rand {
	return NewRand(rand.Uint64())
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

type WeightedEntry[T any] struct {
	Value  T
	Weight float64
}

// WeightedTable draws Value with probability Weight/TotalWeight. Weights need
// not sum to one.
type WeightedTable[T any] []WeightedEntry[T]

func (t WeightedTable[T]) TotalWeight() float64 {
	var total float64
	for _, e := range t {
		total += e.Weight
	}
	return total
}

// Draw picks a uniform point in [0, total) and walks the entries subtracting
// weights until the remainder is exhausted. Floating-point leftovers land on
// the last entry.
func (t WeightedTable[T]) Draw(r Rand) (T, error) {
	var zero T
	if len(t) == 0 {
		return zero, fmt.Errorf("%w: empty weighted table", models.ErrInvariant)
	}
	total := t.TotalWeight()
	if total <= 0 {
		return zero, fmt.Errorf("%w: weighted table has no positive weight", models.ErrInvariant)
	}
	x := r.Float64() * total
	for _, e := range t {
		x -= e.Weight
		if x <= 0 {
			return e.Value, nil
		}
	}
	return t[len(t)-1].Value, nil
}

func credits(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	// FirstOpenTable is used exactly once per account.
	FirstOpenTable = WeightedTable[decimal.Decimal]{
		{credits("0.10"), 0.70},
		{credits("0.20"), 0.30},
	}

	// RegularTable weights total 0.95; Draw normalises over that total.
	RegularTable = WeightedTable[decimal.Decimal]{
		{credits("0"), 0.20},
		{credits("0.10"), 0.60},
		{credits("0.20"), 0.05},
		{credits("0.50"), 0.05},
		{credits("1.00"), 0.05},
	}

	// SyntheticAmountTable is heavy-tailed display data for the wins feed.
	SyntheticAmountTable = WeightedTable[int64]{
		{10, 0.30},
		{25, 0.25},
		{50, 0.20},
		{100, 0.15},
		{250, 0.05},
		{500, 0.03},
		{1000, 0.015},
		{2500, 0.003},
		{5000, 0.001},
		{10000, 0.0005},
	}
)

// DrawReward picks a chest amount. It is pure apart from r.
func DrawReward(r Rand, isFirstOpen bool) (decimal.Decimal, error) {
	if isFirstOpen {
		return FirstOpenTable.Draw(r)
	}
	return RegularTable.Draw(r)
}
