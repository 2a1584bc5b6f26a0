package report_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uk-cgt/cgtcalc/internal/event"
	"github.com/uk-cgt/cgtcalc/internal/matcher"
	"github.com/uk-cgt/cgtcalc/internal/report"
)

// gbpOracle is a stub rate oracle returning 1 for GBP; every HMRC worked
// example these tests reproduce is denominated in GBP.
type gbpOracle struct{}

func (gbpOracle) Rate(_ context.Context, _ int64, currency string) (decimal.Decimal, error) {
	if currency == "GBP" {
		return decimal.New(1, 0), nil
	}
	return decimal.Zero, assertUnsupportedCurrency(currency)
}

func assertUnsupportedCurrency(currency string) error {
	return &unsupportedCurrencyError{currency}
}

type unsupportedCurrencyError struct{ currency string }

func (e *unsupportedCurrencyError) Error() string { return "unsupported currency in test: " + e.currency }

func ts(date string) int64 {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	return t.UnixMilli()
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func runScenario(t *testing.T, startYear, endYear int, events []event.Event) (*report.Generator, []report.Row, []report.TaxableEvent) {
	t.Helper()
	wrapped := matcher.Match(events)
	bounds := report.NewBoundaries(startYear, endYear)
	gen := report.New(gbpOracle{}, bounds, nil)
	rows, taxable, err := gen.Run(context.Background(), wrapped)
	require.NoError(t, err)
	return gen, rows, taxable
}

// TestHMRCExample1BedAndBreakfastGain reproduces HMRC Example 1 end to end:
// the 500-share sell matches the April-1 buy under bed & breakfast, so
// allowable cost is 500 x 2.90 = 1450 and the chargeable gain is 50.
func TestHMRCExample1BedAndBreakfastGain(t *testing.T) {
	events := []event.Event{
		{Type: event.Buy, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2014-05-01"),
			Quantity: d("1000"), Price: d("2.80"), Currency: "GBP"},
		{Type: event.Sell, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2015-03-12"),
			Quantity: d("500"), Price: d("3.00"), Currency: "GBP"},
		{Type: event.Buy, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2015-04-01"),
			Quantity: d("700"), Price: d("2.90"), Currency: "GBP"},
	}

	gen, rows, taxable := runScenario(t, 2013, 2015, events)

	var gain decimal.Decimal
	for _, r := range rows {
		ev, ok := r.(report.EventRow)
		if !ok || ev.Event != event.Sell || ev.Rule != event.BedAndBreakfast {
			continue
		}
		assert.True(t, ev.AllowableCostGBP.Equal(d("1450")), "allowable cost: got %s", ev.AllowableCostGBP)
		gain = ev.ChargeableGainGBP
	}
	assert.True(t, gain.Equal(d("50")), "chargeable gain: got %s", gain)

	// Remaining 200 of the April-1 buy pool alongside the untouched 1000.
	p := gen.Pools().Get("X|Stocks")
	assert.True(t, p.TotalQuantity.Equal(d("1200")))
	assert.True(t, p.TotalCost.Equal(d("2800").Add(d("580"))))

	var totalCount int
	for _, te := range taxable {
		if te.EventType == event.Sell {
			totalCount += te.EventCount
		}
	}
	assert.Equal(t, 1, totalCount)
}

// TestSameDayDisposalsMergeToOneEvent: two sells of the same asset on one date
// count as one disposal event (event_count = 1 on the first, 0 on the
// second) per HMRC CG51560.
func TestSameDayDisposalsMergeToOneEvent(t *testing.T) {
	events := []event.Event{
		{Type: event.Buy, AssetType: event.Stocks, Asset: "TESTSTOCK", TimestampMillis: ts("2020-01-01"),
			Quantity: d("1000"), Price: d("1"), Currency: "GBP"},
		{Type: event.Sell, AssetType: event.Stocks, Asset: "TESTSTOCK", TimestampMillis: ts("2020-06-01"),
			Quantity: d("100"), Price: d("2"), Currency: "GBP"},
		{Type: event.Sell, AssetType: event.Stocks, Asset: "TESTSTOCK", TimestampMillis: ts("2020-06-01"),
			Quantity: d("50"), Price: d("2"), Currency: "GBP"},
	}
	_, _, taxable := runScenario(t, 2019, 2021, events)

	counts := make([]int, 0, 2)
	for _, te := range taxable {
		if te.EventType == event.Sell {
			counts = append(counts, te.EventCount)
		}
	}
	require.Len(t, counts, 2)
	assert.Equal(t, 1, counts[0]+counts[1])
}

// TestSameDayBuySellIdempotence: a Buy
// and Sell of equal quantity at the same price on the same day leave the
// pool unchanged (the same-day rule consumes the buy), and must not trip
// a pool underflow even when the pool was empty beforehand.
func TestSameDayBuySellIdempotence(t *testing.T) {
	events := []event.Event{
		{Type: event.Buy, AssetType: event.Stocks, Asset: "FLAT", TimestampMillis: ts("2020-06-01"),
			Quantity: d("100"), Price: d("5"), Currency: "GBP"},
		{Type: event.Sell, AssetType: event.Stocks, Asset: "FLAT", TimestampMillis: ts("2020-06-01"),
			Quantity: d("100"), Price: d("5"), Currency: "GBP"},
	}
	gen, _, taxable := runScenario(t, 2019, 2021, events)

	p := gen.Pools().Get("FLAT|Stocks")
	assert.True(t, p.TotalQuantity.IsZero())
	assert.True(t, p.TotalCost.IsZero())

	for _, te := range taxable {
		if te.EventType == event.Sell && !te.DisposalProceeds.IsZero() {
			assert.True(t, te.ChargeableGain.IsZero(), "gain: got %s", te.ChargeableGain)
		}
	}
}

// TestCommissionSplit: pool of 1000@10; sell 500@12 with 20
// fee; buy 300@11 the next day. Commission apportions 60/40 across the
// B&B and S104 portions and sums back to 20 exactly.
func TestCommissionSplitAcrossS104AndBedAndBreakfast(t *testing.T) {
	events := []event.Event{
		{Type: event.Buy, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2018-01-01"),
			Quantity: d("1000"), Price: d("10"), Currency: "GBP"},
		{Type: event.Sell, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2020-01-10"),
			Quantity: d("500"), Price: d("12"), Currency: "GBP", FeeValue: d("20")},
		{Type: event.Buy, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2020-01-11"),
			Quantity: d("300"), Price: d("11"), Currency: "GBP"},
	}

	_, rows, _ := runScenario(t, 2018, 2020, events)

	var bnbCost, s104Cost decimal.Decimal
	for _, r := range rows {
		ev, ok := r.(report.EventRow)
		if !ok || ev.Event != event.Sell {
			continue
		}
		switch ev.Rule {
		case event.BedAndBreakfast:
			bnbCost = ev.AllowableCostGBP
		case event.S104:
			s104Cost = ev.AllowableCostGBP
		}
	}

	assert.True(t, bnbCost.Equal(d("3312.00")), "B&B allowable cost: got %s", bnbCost)
	assert.True(t, s104Cost.Equal(d("2008.00")), "S104 allowable cost: got %s", s104Cost)
	assert.True(t, bnbCost.Add(s104Cost).Sub(d("5320")).Abs().LessThan(d("0.01")))

	totalFeeEffect := d("3312.00").Sub(d("3300")).Add(d("2008.00").Sub(d("2000")))
	assert.True(t, totalFeeEffect.Equal(d("20")))
}

// TestERIRaisesPoolCost: an excess-reportable-income event raises the
// pool cost basis and records notional-dividend income.
func TestERIRaisesPoolCost(t *testing.T) {
	events := []event.Event{
		{Type: event.Buy, AssetType: event.Stocks, Asset: "Y", TimestampMillis: ts("2018-01-01"),
			Quantity: d("100"), Price: d("10"), Currency: "GBP"},
		{Type: event.ERI, AssetType: event.Stocks, Asset: "Y", TimestampMillis: ts("2019-06-01"),
			Quantity: d("0"), Price: d("50"), Currency: "GBP"},
	}
	gen, _, taxable := runScenario(t, 2018, 2020, events)

	p := gen.Pools().Get("Y|Stocks")
	assert.True(t, p.TotalCost.Equal(d("1050")))

	var eriRecord *report.TaxableEvent
	for i := range taxable {
		if taxable[i].EventType == event.ERI {
			eriRecord = &taxable[i]
		}
	}
	require.NotNil(t, eriRecord)
	assert.True(t, eriRecord.ChargeableGain.Equal(d("50")))
}

// TestStockSplitLeavesCostUnchanged: 100 shares cost 1000,
// split multiplier 2 -> 200 shares cost 1000.
func TestStockSplitLeavesCostUnchanged(t *testing.T) {
	events := []event.Event{
		{Type: event.Buy, AssetType: event.Stocks, Asset: "Z", TimestampMillis: ts("2018-01-01"),
			Quantity: d("100"), Price: d("10"), Currency: "GBP"},
		{Type: event.StockSplit, AssetType: event.Stocks, Asset: "Z", TimestampMillis: ts("2019-06-01"),
			Quantity: d("2"), Currency: "GBP"},
	}
	gen, _, _ := runScenario(t, 2018, 2020, events)

	p := gen.Pools().Get("Z|Stocks")
	assert.True(t, p.TotalQuantity.Equal(d("200")))
	assert.True(t, p.TotalCost.Equal(d("1000")))
}

// TestCapitalReturnReducesPoolCost: cost 1000, return
// of 100 reduces cost to 900.
func TestCapitalReturnReducesPoolCost(t *testing.T) {
	events := []event.Event{
		{Type: event.Buy, AssetType: event.Stocks, Asset: "W", TimestampMillis: ts("2018-01-01"),
			Quantity: d("100"), Price: d("10"), Currency: "GBP"},
		{Type: event.CapitalReturn, AssetType: event.Stocks, Asset: "W", TimestampMillis: ts("2019-06-01"),
			Quantity: d("0"), Price: d("100"), Currency: "GBP"},
	}
	gen, _, taxable := runScenario(t, 2018, 2020, events)

	p := gen.Pools().Get("W|Stocks")
	assert.True(t, p.TotalCost.Equal(d("900")))

	var crRecord *report.TaxableEvent
	for i := range taxable {
		if taxable[i].EventType == event.CapitalReturn {
			crRecord = &taxable[i]
		}
	}
	require.NotNil(t, crRecord)
	assert.True(t, crRecord.ChargeableGain.Equal(d("100")))
}

// TestCFDDisposalDoesNotTouchPool: a CFD close-out never enters a
// Section 104 pool, so a lone CFD sell must produce a report rather than
// a pool underflow. Its value is the realised profit: zero allowable
// cost, the whole GBP amount as chargeable gain.
func TestCFDDisposalDoesNotTouchPool(t *testing.T) {
	events := []event.Event{
		{Type: event.Buy, AssetType: event.CFD, Asset: "CFDX", TimestampMillis: ts("2020-05-01"),
			Quantity: d("10"), Price: d("100"), Currency: "GBP"},
		{Type: event.Sell, AssetType: event.CFD, Asset: "CFDX", TimestampMillis: ts("2020-06-01"),
			Quantity: d("10"), Price: d("250"), Currency: "GBP"},
	}
	gen, _, taxable := runScenario(t, 2019, 2021, events)

	p := gen.Pools().Get("CFDX|CFD")
	assert.True(t, p.TotalQuantity.IsZero())
	assert.True(t, p.TotalCost.IsZero())

	var sellRecord *report.TaxableEvent
	for i := range taxable {
		if taxable[i].EventType == event.Sell {
			sellRecord = &taxable[i]
		}
	}
	require.NotNil(t, sellRecord)
	assert.Equal(t, 1, sellRecord.EventCount)
	assert.True(t, sellRecord.AllowableCost.IsZero())
	assert.True(t, sellRecord.ChargeableGain.Equal(d("250")))
}

// TestPoolUnderflowAbortsRun: a Sell with no prior pool is fatal.
func TestPoolUnderflowAbortsRun(t *testing.T) {
	events := []event.Event{
		{Type: event.Sell, AssetType: event.Stocks, Asset: "NEVERBOUGHT", TimestampMillis: ts("2020-01-01"),
			Quantity: d("10"), Price: d("1"), Currency: "GBP"},
	}
	wrapped := matcher.Match(events)
	bounds := report.NewBoundaries(2018, 2020)
	gen := report.New(gbpOracle{}, bounds, nil)

	_, _, err := gen.Run(context.Background(), wrapped)
	require.Error(t, err)
}

// TestYearRowsStayBetweenHeaderAndSummary: all rows for
// a tax year appear between that year's header and its summary marker.
func TestYearRowsStayBetweenHeaderAndSummary(t *testing.T) {
	events := []event.Event{
		{Type: event.Buy, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2018-06-01"),
			Quantity: d("10"), Price: d("1"), Currency: "GBP"},
		{Type: event.Buy, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2019-06-01"),
			Quantity: d("10"), Price: d("1"), Currency: "GBP"},
	}
	_, rows, _ := runScenario(t, 2018, 2020, events)

	inYear := false
	sawSummary := make(map[int]bool)
	for _, r := range rows {
		switch v := r.(type) {
		case report.YearHeaderRow:
			inYear = true
		case report.YearSummaryRow:
			assert.True(t, inYear, "summary row seen without an open year header")
			sawSummary[v.Year] = true
			inYear = false
		case report.EventRow:
			assert.True(t, inYear, "event row seen outside any year header/summary bracket")
		}
	}

	// Every tax year in range terminates with its summary marker, the
	// final (possibly empty) year included.
	for y := 2018; y <= 2020; y++ {
		assert.True(t, sawSummary[y], "missing summary marker for tax year %d", y)
	}
	require.NotEmpty(t, rows)
	_, lastIsSummary := rows[len(rows)-1].(report.YearSummaryRow)
	assert.True(t, lastIsSummary, "row stream must end with a year-summary marker")
}

// TestFeeApportionmentSumsExactly: the apportioned
// fee across a sell's match records sums back to the original fee_value.
func TestFeeApportionmentSumsExactly(t *testing.T) {
	events := []event.Event{
		{Type: event.Buy, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2018-01-01"),
			Quantity: d("1000"), Price: d("10"), Currency: "GBP"},
		{Type: event.Sell, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2020-01-10"),
			Quantity: d("500"), Price: d("12"), Currency: "GBP", FeeValue: d("20")},
		{Type: event.Buy, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2020-01-10"),
			Quantity: d("100"), Price: d("11"), Currency: "GBP"},
		{Type: event.Buy, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2020-01-11"),
			Quantity: d("300"), Price: d("11"), Currency: "GBP"},
	}
	_, rows, _ := runScenario(t, 2018, 2020, events)

	feeSum := decimal.Zero
	for _, r := range rows {
		ev, ok := r.(report.EventRow)
		if !ok || ev.Event != event.Sell {
			continue
		}
		feeSum = feeSum.Add(ev.FeeGBP)
	}
	assert.True(t, feeSum.Equal(d("20")), "apportioned fee sum: got %s", feeSum)
}

// TestConservation: on a mixed history,
// total bought minus total sold equals what remains pooled (no unmatched
// sells in this input).
func TestConservation(t *testing.T) {
	events := []event.Event{
		{Type: event.Buy, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2018-01-01"),
			Quantity: d("1000"), Price: d("10"), Currency: "GBP"},
		{Type: event.Sell, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2019-02-01"),
			Quantity: d("400"), Price: d("12"), Currency: "GBP"},
		{Type: event.Buy, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2019-02-15"),
			Quantity: d("150"), Price: d("11"), Currency: "GBP"},
		{Type: event.Sell, AssetType: event.Stocks, Asset: "X", TimestampMillis: ts("2020-06-01"),
			Quantity: d("200"), Price: d("13"), Currency: "GBP"},
	}
	gen, _, _ := runScenario(t, 2017, 2020, events)

	p := gen.Pools().Get("X|Stocks")
	bought := d("1000").Add(d("150"))
	sold := d("400").Add(d("200"))
	assert.True(t, p.TotalQuantity.Equal(bought.Sub(sold)), "pooled quantity: got %s", p.TotalQuantity)
	assert.True(t, p.Valid())
}
