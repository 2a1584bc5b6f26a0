// Package report implements the tax report generator: the main state
// machine that walks matched events, maintains Section 104 pools,
// partitions output into UK tax years, and produces an ordered row
// stream plus a taxable-event table.
package report

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uk-cgt/cgtcalc/internal/event"
)

// Row is the downstream row-stream sum type. Renderers dispatch on the
// concrete type with a type switch.
type Row interface {
	isRow()
}

// YearHeaderRow marks the start of a tax year: "Next year": "MMM dd YYYY - MMM dd YYYY".
type YearHeaderRow struct {
	Start time.Time
	End   time.Time
}

func (YearHeaderRow) isRow() {}

// Label renders the year-header text, e.g. "Apr 06 2020 - Apr 05 2021".
func (r YearHeaderRow) Label() string {
	return r.Start.Format("Jan 02 2006") + " - " + r.End.Format("Jan 02 2006")
}

// AssetSectionRow groups subsequent event rows under an asset within a
// tax year: {"AssetSection": symbol}.
type AssetSectionRow struct {
	Asset string
}

func (AssetSectionRow) isRow() {}

// EventRow is one match-record's worth of columnar output. Date, Asset
// and Platform are only populated on the first match record of an event;
// subsequent rows for the same event leave them zero-valued, and
// downstream renderers rely on that blank-after-first contract.
type EventRow struct {
	Date     *time.Time
	Event    event.Type
	Asset    string
	Platform string
	Rule     event.Rule
	Currency string

	BuyQuantity  decimal.Decimal
	BuyPrice     decimal.Decimal
	BuyValue     decimal.Decimal
	BuyValueGBP  decimal.Decimal
	SellQuantity decimal.Decimal
	SellPrice    decimal.Decimal
	SellValue    decimal.Decimal
	SellValueGBP decimal.Decimal

	Fee    decimal.Decimal
	FeeGBP decimal.Decimal

	AllowableCostGBP  decimal.Decimal
	ChargeableGainGBP decimal.Decimal

	TotalSharesInPool decimal.Decimal
	TotalCostInPool   decimal.Decimal

	GBPToCurrencyRate decimal.Decimal
	CurrencyToGBPRate decimal.Decimal
}

func (EventRow) isRow() {}

// YearSummaryRow terminates a tax year: {"Year (int)": yyyy, "Year end": "MMM dd YYYY"}.
type YearSummaryRow struct {
	Year    int
	YearEnd time.Time
}

func (YearSummaryRow) isRow() {}
