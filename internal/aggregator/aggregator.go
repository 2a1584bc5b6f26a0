// Package aggregator folds the report generator's taxable-events table
// into per-year, per-group summaries, and tracks unused allowable losses
// carried forward across years.
package aggregator

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uk-cgt/cgtcalc/internal/classifier"
	"github.com/uk-cgt/cgtcalc/internal/report"
)

// Summary is one (year, group) row of the folded aggregate table.
type Summary struct {
	Year              int
	Group             classifier.Group
	EventCount        int
	DisposalProceeds  decimal.Decimal
	AllowableCost     decimal.Decimal
	TotalGains        decimal.Decimal
	TotalLosses       decimal.Decimal
	TotalTaxableGains decimal.Decimal
}

// YearTotal is the per-year capital-gains scalar: the sum of
// TotalTaxableGains over the three capital-gains groups.
type YearTotal struct {
	Year                 int
	TotalCapitalGains    decimal.Decimal
	CarriedLossesForward decimal.Decimal
}

type groupKey struct {
	Year  int
	Group classifier.Group
}

// Fold builds the Summary table and per-year totals from the Generator's
// flattened taxable-events list. Each TaxableEvent already carries the
// AssetType the classifier needs alongside EventType, so no separate
// asset lookup is required here.
func Fold(events []report.TaxableEvent) ([]Summary, []YearTotal, error) {
	byKey := make(map[groupKey]*Summary)
	order := make([]groupKey, 0)

	for _, ev := range events {
		group, err := classifier.Classify(ev.AssetType, ev.EventType)
		if err != nil {
			// An unclassifiable record gets a placeholder group rather
			// than aborting the whole aggregation.
			group = classifier.Placeholder(ev.AssetType, ev.EventType)
		}

		key := groupKey{Year: ev.Year, Group: group}
		s, ok := byKey[key]
		if !ok {
			s = &Summary{Year: ev.Year, Group: group}
			byKey[key] = s
			order = append(order, key)
		}

		s.EventCount += ev.EventCount
		s.DisposalProceeds = s.DisposalProceeds.Add(ev.DisposalProceeds)
		s.AllowableCost = s.AllowableCost.Add(ev.AllowableCost)
		if ev.ChargeableGain.IsPositive() {
			s.TotalGains = s.TotalGains.Add(ev.ChargeableGain)
		} else if ev.ChargeableGain.IsNegative() {
			s.TotalLosses = s.TotalLosses.Add(ev.ChargeableGain.Neg())
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].Year != order[j].Year {
			return order[i].Year < order[j].Year
		}
		return order[i].Group < order[j].Group
	})

	summaries := make([]Summary, 0, len(order))
	for _, key := range order {
		s := byKey[key]
		s.TotalTaxableGains = s.TotalGains.Sub(s.TotalLosses)

		if s.Group == classifier.GroupUnlistedShares {
			// Unlisted-shares proceeds/cost are reported from gains,
			// not gross trade values, per HMRC's SA108 convention.
			// TotalLosses already carries the positive magnitude.
			s.DisposalProceeds = s.TotalGains
			s.AllowableCost = s.TotalLosses
		}

		summaries = append(summaries, *s)
	}

	return summaries, yearTotals(summaries), nil
}

// yearTotals computes each year's capital-gains total and the running
// loss carry: a year whose capital-gains total is negative carries that
// loss forward to offset later years' gains.
func yearTotals(summaries []Summary) []YearTotal {
	byYear := make(map[int]decimal.Decimal)
	years := make([]int, 0)
	seen := make(map[int]bool)

	for _, s := range summaries {
		if !classifier.IsCapitalGains(s.Group) {
			continue
		}
		if !seen[s.Year] {
			seen[s.Year] = true
			years = append(years, s.Year)
		}
		byYear[s.Year] = byYear[s.Year].Add(s.TotalTaxableGains)
	}

	sort.Ints(years)

	totals := make([]YearTotal, 0, len(years))
	carried := decimal.Zero
	for _, y := range years {
		raw := byYear[y]
		offsetGain := raw.Sub(carried)
		var netGain, carryOut decimal.Decimal
		switch {
		case raw.IsNegative():
			// This year is itself a net loss: nothing to offset, the
			// whole loss carries forward on top of what was already owed.
			netGain = raw
			carryOut = carried.Add(raw.Neg())
		case offsetGain.IsNegative():
			// Prior losses fully absorb this year's gain.
			netGain = decimal.Zero
			carryOut = offsetGain.Neg()
		default:
			netGain = offsetGain
			carryOut = decimal.Zero
		}
		totals = append(totals, YearTotal{Year: y, TotalCapitalGains: netGain, CarriedLossesForward: carryOut})
		carried = carryOut
	}
	return totals
}
