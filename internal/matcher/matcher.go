// Package matcher implements the two-pass HMRC disposal matching
// algorithm: same-day matches first, then bed-and-breakfast repurchases
// within 30 days, with everything left over falling to the Section 104
// pool. Buys are indexed by (asset, date) to cut the inner scan.
package matcher

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uk-cgt/cgtcalc/internal/event"
)

const bedAndBreakfastWindowDays = 30

// Match runs both passes over a time-sorted slice of events and returns
// the decorated Wrapped slice. Callers must have sorted events ascending
// by TimestampMillis.
func Match(events []event.Event) []event.Wrapped {
	wrapped := event.Wrap(events)

	idx := buildBuyIndex(wrapped)

	// Same-day matching runs globally before any bed-and-breakfast
	// matching: a single combined pass could let one disposal's B&B
	// match consume shares a later disposal needs for its own same-day
	// match.
	runPass(wrapped, idx, sameDayCandidate, event.SameDay)
	runPass(wrapped, idx, bedAndBreakfastCandidate, event.BedAndBreakfast)

	// Trailing S104 record for every event, including fully-matched
	// disposals (remainder 0) and non-disposals, so even zero-quantity
	// events like ERI and Dividend produce exactly one report row.
	for i := range wrapped {
		w := &wrapped[i]
		remaining := w.Remaining
		if event.IsZero(remaining) {
			remaining = decimal.Zero
		}
		w.Matches = append(w.Matches, event.MatchRecord{
			CounterpartyIndex: w.Index,
			Quantity:          remaining,
			Rule:              event.S104,
		})
	}

	return wrapped
}

// buyIndex maps (asset, calendar-date) to the indices of Buy candidates
// on that date, in ascending event-index order so scans stay deterministic.
type buyIndex map[string]map[int64][]int

func dateKey(t time.Time) int64 {
	return t.Unix()
}

func buildBuyIndex(wrapped []event.Wrapped) buyIndex {
	idx := make(buyIndex)
	for i := range wrapped {
		w := &wrapped[i]
		if !w.IsAcquisitionCandidate(w.Event.Asset) {
			continue
		}
		byDate, ok := idx[w.Event.Asset]
		if !ok {
			byDate = make(map[int64][]int)
			idx[w.Event.Asset] = byDate
		}
		k := dateKey(w.Event.Date())
		byDate[k] = append(byDate[k], i)
	}
	return idx
}

// candidateFn returns the calendar-date keys a disposal on disposalDate
// should scan for under one HMRC rule.
type candidateFn func(disposalDate time.Time) []int64

func sameDayCandidate(disposalDate time.Time) []int64 {
	return []int64{dateKey(disposalDate)}
}

func bedAndBreakfastCandidate(disposalDate time.Time) []int64 {
	keys := make([]int64, 0, bedAndBreakfastWindowDays)
	for d := 1; d <= bedAndBreakfastWindowDays; d++ {
		keys = append(keys, dateKey(disposalDate.AddDate(0, 0, d)))
	}
	return keys
}

func runPass(wrapped []event.Wrapped, idx buyIndex, candidateDates candidateFn, rule event.Rule) {
	for i := range wrapped {
		disposal := &wrapped[i]
		if !disposal.IsDisposal() {
			continue
		}
		if remainderDone(disposal.Remaining) {
			continue
		}

		byDate, ok := idx[disposal.Event.Asset]
		if !ok {
			continue
		}

		for _, key := range candidateDates(disposal.Event.Date()) {
			candidateIndices, ok := byDate[key]
			if !ok {
				continue
			}
			for _, ci := range candidateIndices {
				if remainderDone(disposal.Remaining) {
					break
				}
				candidate := &wrapped[ci]
				if remainderDone(candidate.Remaining) {
					continue
				}

				q := disposal.Remaining
				if candidate.Remaining.LessThan(q) {
					q = candidate.Remaining
				}

				disposal.Matches = append(disposal.Matches, event.MatchRecord{
					CounterpartyIndex: candidate.Index,
					Quantity:          q,
					Rule:              rule,
				})
				candidate.Matches = append(candidate.Matches, event.MatchRecord{
					CounterpartyIndex: disposal.Index,
					Quantity:          q,
					Rule:              rule,
				})

				disposal.Remaining = disposal.Remaining.Sub(q)
				candidate.Remaining = candidate.Remaining.Sub(q)
			}
			if remainderDone(disposal.Remaining) {
				break
			}
		}
	}
}

// remainderDone reports whether a remaining quantity is (within
// tolerance) exhausted.
func remainderDone(d decimal.Decimal) bool {
	return event.IsZero(d) || d.IsNegative()
}
