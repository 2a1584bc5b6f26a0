// Package event defines the normalized transaction-event model the matcher
// and tax report generator operate on. Events are produced by an external
// ledger parser and are immutable from the point the core sees them.
package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type tags the kind of tax-relevant posting a transaction produced.
type Type int

const (
	Buy Type = iota
	Sell
	Vest
	StockSplit
	Income
	Dividend
	CashIncome
	ERI
	CapitalReturn
)

func (t Type) String() string {
	switch t {
	case Buy:
		return "Buy"
	case Sell:
		return "Sell"
	case Vest:
		return "Vest"
	case StockSplit:
		return "StockSplit"
	case Income:
		return "Income"
	case Dividend:
		return "Dividend"
	case CashIncome:
		return "CashIncome"
	case ERI:
		return "ERI"
	case CapitalReturn:
		return "CapitalReturn"
	default:
		return "Unknown"
	}
}

// AssetType distinguishes the HMRC-relevant flavour of the underlying asset.
type AssetType int

const (
	Stocks AssetType = iota
	Crypto
	CFD
)

func (a AssetType) String() string {
	switch a {
	case Stocks:
		return "Stocks"
	case Crypto:
		return "Crypto"
	case CFD:
		return "CFD"
	default:
		return "Unknown"
	}
}

// Rule names the HMRC matching rule a MatchRecord was formed under.
type Rule int

const (
	SameDay Rule = iota
	BedAndBreakfast
	S104
)

func (r Rule) String() string {
	switch r {
	case SameDay:
		return "Same day"
	case BedAndBreakfast:
		return "Bed & breakfast"
	case S104:
		return "Section 104"
	default:
		return "Unknown"
	}
}

// MatchRecord binds one side of a match between two events (or an event and
// itself, for the trailing S104 record every event receives). Quantity is
// always non-negative; which side is the disposal and which is the
// acquisition is recoverable from the owning event's Type.
type MatchRecord struct {
	CounterpartyIndex int
	Quantity          decimal.Decimal
	Rule              Rule
}

// Event is one normalized ledger posting. Quantity is always recorded
// positive, including for Sell; the generator is responsible for negating
// it at emission time, not the event itself.
type Event struct {
	Type      Type
	AssetType AssetType
	// TimestampMillis is unix milliseconds since epoch; only the UTC
	// calendar date derived from it matters for matching.
	TimestampMillis int64
	Asset           string
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Platform        string
	Currency        string
	FeeValue        decimal.Decimal
}

// Date returns the UTC calendar date of the event, stripped to midnight.
func (e Event) Date() time.Time {
	t := time.UnixMilli(e.TimestampMillis).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Wrapped decorates an Event with the match records produced by the
// matcher and the running "remaining quantity" used while matching.
// Index is the event's position in the time-sorted input slice and is
// what MatchRecord.CounterpartyIndex refers to.
type Wrapped struct {
	Event     Event
	Index     int
	Remaining decimal.Decimal
	Matches   []MatchRecord
}

// Tolerance is the absolute drift below which a decimal remainder is
// treated as exactly zero, absorbing representation drift in user input.
var Tolerance = decimal.New(1, -8)

// IsZero reports whether d is within Tolerance of zero.
func IsZero(d decimal.Decimal) bool {
	return d.Abs().LessThan(Tolerance)
}

// Wrap builds the initial Wrapped slice from a time-sorted Event slice.
// Sorting is the caller's responsibility.
func Wrap(events []Event) []Wrapped {
	out := make([]Wrapped, len(events))
	for i, e := range events {
		out[i] = Wrapped{
			Event:     e,
			Index:     i,
			Remaining: e.Quantity,
		}
	}
	return out
}

// IsDisposal reports whether w is a Sell event eligible for matching.
// CFDs are never matched.
func (w *Wrapped) IsDisposal() bool {
	return w.Event.Type == Sell && w.Event.AssetType != CFD
}

// IsAcquisitionCandidate reports whether w can be matched against a
// disposal of the same asset. Only Buy events are candidates; Vest
// shares enter the Section 104 pool directly and are never matched
// same-day or bed-and-breakfast.
func (w *Wrapped) IsAcquisitionCandidate(asset string) bool {
	return w.Event.Type == Buy && w.Event.AssetType != CFD && w.Event.Asset == asset
}
