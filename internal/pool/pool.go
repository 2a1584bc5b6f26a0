// Package pool implements the per-asset Section 104 pool state machine.
// Pools are created lazily, live for the whole run (they represent the
// taxpayer's lifetime holdings across all years), and are owned
// exclusively by the report generator, so no locking is needed.
package pool

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uk-cgt/cgtcalc/internal/cgterr"
)

// drift is the clamp-to-zero tolerance for pool bookkeeping, absorbing
// decimal representation drift in user input.
var drift = decimal.New(1, -8)

// Pool tracks one asset's Section 104 aggregated holding.
type Pool struct {
	TotalQuantity    decimal.Decimal
	TotalCost        decimal.Decimal
	LastDisposalDate time.Time
	hasLastDisposal  bool
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{TotalQuantity: decimal.Zero, TotalCost: decimal.Zero}
}

// clamp zeroes out negative drift below tolerance, leaving genuine
// negatives (which signal a real bug or bad input) untouched so callers
// of Valid can still observe and reject them.
func clamp(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() && d.Abs().LessThan(drift) {
		return decimal.Zero
	}
	return d
}

// Acquire adds q shares at the given GBP cost to the pool.
func (p *Pool) Acquire(q, costGBP decimal.Decimal) {
	p.TotalQuantity = clamp(p.TotalQuantity.Add(q))
	p.TotalCost = clamp(p.TotalCost.Add(costGBP))
}

// Dispose removes q shares from the pool and returns the allowable cost
// apportioned to them: alloc = (q / total_quantity) * total_cost.
func (p *Pool) Dispose(q decimal.Decimal) (allowableCost decimal.Decimal, err error) {
	if q.IsZero() {
		// A fully-matched disposal's trailing S104 record carries zero
		// quantity; it takes nothing from the pool and must not trip the
		// underflow check even when the pool is empty.
		return decimal.Zero, nil
	}
	if p.TotalQuantity.IsZero() || p.TotalQuantity.IsNegative() {
		return decimal.Zero, cgterr.New(cgterr.PoolUnderflow, "S104 disposal against empty or negative pool", nil)
	}
	alloc := q.Div(p.TotalQuantity).Mul(p.TotalCost)
	p.TotalCost = clamp(p.TotalCost.Sub(alloc))
	p.TotalQuantity = clamp(p.TotalQuantity.Sub(q))
	if p.TotalQuantity.IsNegative() {
		return decimal.Zero, cgterr.New(cgterr.PoolUnderflow, "S104 disposal exceeds pooled quantity", nil)
	}
	return alloc, nil
}

// AdjustCost applies an ERI (positive) or capital-return (negative) cost
// basis adjustment.
func (p *Pool) AdjustCost(delta decimal.Decimal) {
	p.TotalCost = clamp(p.TotalCost.Add(delta))
}

// Split multiplies the pooled quantity by multiplier, leaving cost
// unchanged.
func (p *Pool) Split(multiplier decimal.Decimal) {
	p.TotalQuantity = p.TotalQuantity.Mul(multiplier)
}

// RecordDisposal marks date as the pool's last disposal date, used by the
// generator to dedupe same-day multi-match disposal counts per HMRC
// CG51560 (same-day disposals merge into one).
func (p *Pool) RecordDisposal(date time.Time) {
	p.LastDisposalDate = date
	p.hasLastDisposal = true
}

// IsSameDayAsLastDisposal reports whether date matches the pool's
// recorded last disposal date.
func (p *Pool) IsSameDayAsLastDisposal(date time.Time) bool {
	return p.hasLastDisposal && p.LastDisposalDate.Equal(date)
}

// Valid reports whether quantity and cost are both non-negative; a
// violation signals a bug or malformed input.
func (p *Pool) Valid() bool {
	return !p.TotalQuantity.IsNegative() && !p.TotalCost.IsNegative()
}

// Registry is the generator's key -> Pool map. Callers key by a compound
// (asset, asset_type) string rather than bare asset name, so a CFD and
// the underlying equity sharing one ticker never collide on the same
// Section 104 pool.
type Registry struct {
	pools map[string]*Pool
}

// NewRegistry returns an empty pool registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// Get returns the pool for key, creating it lazily on first use.
func (r *Registry) Get(key string) *Pool {
	p, ok := r.pools[key]
	if !ok {
		p = New()
		r.pools[key] = p
	}
	return p
}

// All returns every asset's pool, for end-of-run invariant checks.
func (r *Registry) All() map[string]*Pool {
	return r.pools
}
