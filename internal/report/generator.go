package report

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/uk-cgt/cgtcalc/internal/cgterr"
	"github.com/uk-cgt/cgtcalc/internal/event"
	"github.com/uk-cgt/cgtcalc/internal/pool"
	"github.com/uk-cgt/cgtcalc/internal/telemetry"
)

// Oracle resolves a (timestamp, currency) pair to a decimal rate
// expressing 1 currency = R GBP. internal/rates provides concrete
// implementations; report only depends on this interface.
type Oracle interface {
	Rate(ctx context.Context, timestampMillis int64, currency string) (decimal.Decimal, error)
}

// TaxableEvent is one row of the taxable-events table, keyed by
// (year, asset, asset_type).
type TaxableEvent struct {
	Year             int
	Asset            string
	AssetType        event.AssetType
	EventType        event.Type
	EventCount       int
	DisposalProceeds decimal.Decimal
	AllowableCost    decimal.Decimal
	ChargeableGain   decimal.Decimal
}

// taxableKey groups TaxableEvent records for aggregation.
type taxableKey struct {
	Year      int
	Asset     string
	AssetType event.AssetType
}

// Generator drives the main output loop over matched events.
type Generator struct {
	oracle  Oracle
	log     *zap.SugaredLogger
	pools   *pool.Registry
	bounds  *Boundaries
	rows    []Row
	taxable map[taxableKey][]TaxableEvent

	lastAssetInYear string
	yearOpen        bool
	yearSpan        trace.Span
}

// New builds a Generator over the given rate oracle and tax-year range.
// logger may be nil, in which case warnings are discarded.
func New(oracle Oracle, bounds *Boundaries, logger *zap.SugaredLogger) *Generator {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Generator{
		oracle:  oracle,
		log:     logger,
		pools:   pool.NewRegistry(),
		bounds:  bounds,
		taxable: make(map[taxableKey][]TaxableEvent),
	}
}

// Pools exposes the registry for post-run invariant checks.
func (g *Generator) Pools() *pool.Registry { return g.pools }

// poolKey keys pools by (asset, assetType) so a CFD and the underlying
// equity of the same symbol never share a Section 104 pool.
func poolKey(asset string, at event.AssetType) string {
	return asset + "|" + at.String()
}

// Run iterates the matched events in order and returns the ordered row
// stream plus the flattened taxable-events table. On any fatal
// cgterr.Error, the run aborts immediately and partial output is
// discarded.
func (g *Generator) Run(ctx context.Context, wrapped []event.Wrapped) ([]Row, []TaxableEvent, error) {
	for i := range wrapped {
		w := &wrapped[i]
		for mi, rec := range w.Matches {
			if err := g.rollover(ctx, w.Event.Date()); err != nil {
				return nil, nil, err
			}
			if err := g.dispatch(ctx, wrapped, w, mi == 0, rec); err != nil {
				if ce, ok := err.(*cgterr.Error); ok && !ce.Kind.Recoverable() {
					return nil, nil, err
				}
				g.log.Warnw("recoverable error processing event", "error", err, "asset", w.Event.Asset)
			}
		}
	}
	g.finish(ctx)
	return g.rows, g.flattenTaxable(), nil
}

// finish closes the currently open year and rolls forward through any
// remaining empty years so every tax year in range terminates with its
// summary marker.
func (g *Generator) finish(ctx context.Context) {
	if !g.yearOpen {
		g.openYear(ctx)
	}
	for {
		next, ok := g.bounds.NextBoundary()
		if !ok {
			g.yearSpan.End()
			g.yearOpen = false
			return
		}
		g.closeYear(next)
		if !g.bounds.Advance() || g.bounds.Done() {
			return
		}
		g.openYear(ctx)
	}
}

func (g *Generator) flattenTaxable() []TaxableEvent {
	out := make([]TaxableEvent, 0, len(g.taxable))
	for _, recs := range g.taxable {
		out = append(out, recs...)
	}
	return out
}

// rollover advances the tax-year cursor: while date >= next boundary,
// close the current year and open the next.
func (g *Generator) rollover(ctx context.Context, date time.Time) error {
	if !g.yearOpen {
		g.openYear(ctx)
	}
	for {
		next, ok := g.bounds.NextBoundary()
		if !ok {
			return cgterr.New(cgterr.MalformedEvent, "event date falls beyond the configured tax-year range", nil)
		}
		if date.Before(next) {
			return nil
		}
		g.closeYear(next)
		g.bounds.Advance()
		g.openYear(ctx)
	}
}

// openYear emits the year-header row and starts a per-tax-year span,
// closed in closeYear.
func (g *Generator) openYear(ctx context.Context) {
	end, ok := g.bounds.NextBoundary()
	if !ok {
		end = g.bounds.CurrentStart().AddDate(1, 0, 0)
	}
	_, span := telemetry.StartSpan(ctx, "report.tax_year",
		trace.WithAttributes(attribute.Int("cgt.tax_year", g.bounds.CurrentYear())))
	g.yearSpan = span
	g.rows = append(g.rows, YearHeaderRow{Start: g.bounds.CurrentStart(), End: end.AddDate(0, 0, -1)})
	g.lastAssetInYear = ""
	g.yearOpen = true
}

func (g *Generator) closeYear(boundary time.Time) {
	g.rows = append(g.rows, YearSummaryRow{Year: g.bounds.CurrentYear(), YearEnd: boundary.AddDate(0, 0, -1)})
	g.yearSpan.End()
	g.yearOpen = false
}

func (g *Generator) maybeEmitAssetSection(asset string) {
	if asset != g.lastAssetInYear {
		g.rows = append(g.rows, AssetSectionRow{Asset: asset})
		g.lastAssetInYear = asset
	}
}

func (g *Generator) rate(ctx context.Context, timestampMillis int64, currency string) (decimal.Decimal, error) {
	r, err := g.oracle.Rate(ctx, timestampMillis, currency)
	if err != nil {
		return decimal.Zero, cgterr.New(cgterr.RateUnavailable, "rate oracle lookup failed for "+currency, err)
	}
	return r, nil
}

// dispatch routes one match record by event type. first reports whether
// this is the first match record of the owning event, gating
// Date/Asset/Platform population.
func (g *Generator) dispatch(ctx context.Context, all []event.Wrapped, w *event.Wrapped, first bool, rec event.MatchRecord) error {
	e := w.Event

	switch e.Type {
	case event.Buy, event.Vest, event.Income:
		return g.dispatchAcquisition(ctx, e, first, rec)
	case event.Sell:
		return g.dispatchDisposal(ctx, all, w, first, rec)
	case event.ERI:
		return g.dispatchCostAdjustment(ctx, e, first, rec, true, "Notional dividend / ERI")
	case event.CapitalReturn:
		return g.dispatchCostAdjustment(ctx, e, first, rec, false, "Capital return")
	case event.Dividend, event.CashIncome:
		return g.dispatchIncome(ctx, e, first, rec)
	case event.StockSplit:
		return g.dispatchSplit(e, rec)
	default:
		return cgterr.Newf(cgterr.MalformedEvent, "unrecognised event type for asset %s", e.Asset)
	}
}

func (g *Generator) dispatchAcquisition(ctx context.Context, e event.Event, first bool, rec event.MatchRecord) error {
	if e.AssetType == event.CFD && e.Type == event.Buy {
		// CFD acquisitions never enter a pool.
		return nil
	}
	if e.Price.IsNegative() || e.Quantity.IsNegative() {
		return cgterr.New(cgterr.MalformedEvent, "negative price or quantity on acquisition", nil)
	}

	rate, err := g.rate(ctx, e.TimestampMillis, e.Currency)
	if err != nil {
		return err
	}

	q := rec.Quantity
	value := q.Mul(e.Price)
	valueGBP := value.Mul(rate)

	row := EventRow{
		Event:             e.Type,
		Rule:              rec.Rule,
		Currency:          e.Currency,
		BuyQuantity:       q,
		BuyPrice:          e.Price,
		BuyValue:          value,
		BuyValueGBP:       valueGBP,
		GBPToCurrencyRate: invert(rate),
		CurrencyToGBPRate: rate,
	}

	if rec.Rule == event.S104 {
		feeGBP := e.FeeValue.Mul(rate)
		p := g.pools.Get(poolKey(e.Asset, e.AssetType))
		p.Acquire(q, valueGBP.Add(feeGBP))
		row.FeeGBP = feeGBP
		row.Fee = e.FeeValue
		row.BuyValueGBP = valueGBP.Add(feeGBP)
		row.TotalSharesInPool = p.TotalQuantity
		row.TotalCostInPool = p.TotalCost
	}

	g.emitRow(e, first, row)

	if e.Type == event.Income {
		g.recordTaxable(e, q, decimal.Zero, decimal.Zero, valueGBP, 1)
	}
	return nil
}

func (g *Generator) dispatchDisposal(ctx context.Context, all []event.Wrapped, w *event.Wrapped, first bool, rec event.MatchRecord) error {
	e := w.Event
	if e.AssetType == event.CFD {
		return g.dispatchCFDDisposal(ctx, e, first, rec)
	}
	if e.Price.IsNegative() {
		return cgterr.New(cgterr.MalformedEvent, "negative price on disposal", nil)
	}

	sellRate, err := g.rate(ctx, e.TimestampMillis, e.Currency)
	if err != nil {
		return err
	}

	q := rec.Quantity
	proceeds := q.Mul(e.Price)
	proceedsGBP := proceeds.Mul(sellRate)

	totalSellQty := e.Quantity
	var feeShareGBP decimal.Decimal
	if !totalSellQty.IsZero() {
		feeShareGBP = q.Div(totalSellQty).Mul(e.FeeValue).Mul(sellRate)
	}

	var allowableCostGBP decimal.Decimal
	p := g.pools.Get(poolKey(e.Asset, e.AssetType))

	switch rec.Rule {
	case event.S104:
		alloc, err := p.Dispose(q)
		if err != nil {
			return err
		}
		allowableCostGBP = alloc.Add(feeShareGBP)
	default: // SameDay or BedAndBreakfast
		buy := all[rec.CounterpartyIndex].Event
		buyRate, err := g.rate(ctx, buy.TimestampMillis, buy.Currency)
		if err != nil {
			return err
		}
		buyValueGBP := q.Mul(buy.Price).Add(buy.FeeValue).Mul(buyRate)
		allowableCostGBP = buyValueGBP.Add(feeShareGBP)
	}

	chargeableGainGBP := proceedsGBP.Sub(allowableCostGBP)

	row := EventRow{
		Event:             e.Type,
		Rule:              rec.Rule,
		Currency:          e.Currency,
		SellQuantity:      q,
		SellPrice:         e.Price,
		SellValue:         proceeds,
		SellValueGBP:      proceedsGBP,
		Fee:               q.Div(maxOne(totalSellQty)).Mul(e.FeeValue),
		FeeGBP:            feeShareGBP,
		AllowableCostGBP:  allowableCostGBP,
		ChargeableGainGBP: chargeableGainGBP,
		TotalSharesInPool: p.TotalQuantity,
		TotalCostInPool:   p.TotalCost,
		GBPToCurrencyRate: invert(sellRate),
		CurrencyToGBPRate: sellRate,
	}
	g.emitRow(e, first, row)

	eventCount := 0
	if first && !p.IsSameDayAsLastDisposal(e.Date()) {
		eventCount = 1
		p.RecordDisposal(e.Date())
	}
	g.recordTaxable(e, q, proceedsGBP, allowableCostGBP, chargeableGainGBP, eventCount)
	return nil
}

// dispatchCFDDisposal records a CFD close-out. CFDs never enter a
// Section 104 pool (their acquisitions are skipped outright), so the
// event's value is the realised profit: allowable cost is zero and the
// whole GBP value is the chargeable gain. The pool is touched only to
// dedupe same-day disposal counts.
func (g *Generator) dispatchCFDDisposal(ctx context.Context, e event.Event, first bool, rec event.MatchRecord) error {
	rate, err := g.rate(ctx, e.TimestampMillis, e.Currency)
	if err != nil {
		return err
	}

	value := e.Price
	valueGBP := value.Mul(rate)

	p := g.pools.Get(poolKey(e.Asset, e.AssetType))

	row := EventRow{
		Event:             e.Type,
		Rule:              rec.Rule,
		Currency:          e.Currency,
		SellQuantity:      rec.Quantity,
		SellValue:         value,
		SellValueGBP:      valueGBP,
		ChargeableGainGBP: valueGBP,
		GBPToCurrencyRate: invert(rate),
		CurrencyToGBPRate: rate,
	}
	g.emitRow(e, first, row)

	eventCount := 0
	if first && !p.IsSameDayAsLastDisposal(e.Date()) {
		eventCount = 1
		p.RecordDisposal(e.Date())
	}
	g.recordTaxable(e, rec.Quantity, valueGBP, decimal.Zero, valueGBP, eventCount)
	return nil
}

func (g *Generator) dispatchCostAdjustment(ctx context.Context, e event.Event, first bool, rec event.MatchRecord, increase bool, _ string) error {
	rate, err := g.rate(ctx, e.TimestampMillis, e.Currency)
	if err != nil {
		return err
	}
	valueGBP := e.Price.Mul(rate)
	delta := valueGBP
	if !increase {
		delta = valueGBP.Neg()
	}

	p := g.pools.Get(poolKey(e.Asset, e.AssetType))
	p.AdjustCost(delta)

	row := EventRow{
		Event:             e.Type,
		Rule:              rec.Rule,
		Currency:          e.Currency,
		BuyValueGBP:       valueGBP,
		TotalSharesInPool: p.TotalQuantity,
		TotalCostInPool:   p.TotalCost,
		GBPToCurrencyRate: invert(rate),
		CurrencyToGBPRate: rate,
	}
	g.emitRow(e, first, row)

	// Both ERI and CapitalReturn record a positive payment value; the
	// sign of their effect on the pool is already captured by delta.
	g.recordTaxable(e, e.Quantity, decimal.Zero, decimal.Zero, valueGBP, 1)
	return nil
}

func (g *Generator) dispatchIncome(ctx context.Context, e event.Event, first bool, rec event.MatchRecord) error {
	rate, err := g.rate(ctx, e.TimestampMillis, e.Currency)
	if err != nil {
		return err
	}
	valueGBP := e.Price.Mul(rate)

	row := EventRow{
		Event:             e.Type,
		Rule:              rec.Rule,
		Currency:          e.Currency,
		BuyValueGBP:       valueGBP,
		GBPToCurrencyRate: invert(rate),
		CurrencyToGBPRate: rate,
	}
	g.emitRow(e, first, row)
	g.recordTaxable(e, e.Quantity, decimal.Zero, decimal.Zero, valueGBP, 1)
	return nil
}

func (g *Generator) dispatchSplit(e event.Event, rec event.MatchRecord) error {
	p := g.pools.Get(poolKey(e.Asset, e.AssetType))
	p.Split(e.Quantity)

	row := EventRow{
		Event:             e.Type,
		Rule:              rec.Rule,
		Currency:          e.Currency,
		TotalSharesInPool: p.TotalQuantity,
		TotalCostInPool:   p.TotalCost,
	}
	g.emitRow(e, true, row)
	return nil
}

func (g *Generator) emitRow(e event.Event, first bool, row EventRow) {
	if first {
		d := e.Date()
		row.Date = &d
		row.Asset = e.Asset
		row.Platform = e.Platform
		g.maybeEmitAssetSection(e.Asset)
	}
	g.rows = append(g.rows, row)
}

func (g *Generator) recordTaxable(e event.Event, q, proceedsGBP, allowableCostGBP, gainGBP decimal.Decimal, eventCount int) {
	key := taxableKey{Year: g.bounds.CurrentYear(), Asset: e.Asset, AssetType: e.AssetType}
	g.taxable[key] = append(g.taxable[key], TaxableEvent{
		Year:             key.Year,
		Asset:            e.Asset,
		AssetType:        e.AssetType,
		EventType:        e.Type,
		EventCount:       eventCount,
		DisposalProceeds: proceedsGBP,
		AllowableCost:    allowableCostGBP,
		ChargeableGain:   gainGBP,
	})
}

func invert(r decimal.Decimal) decimal.Decimal {
	if r.IsZero() {
		return decimal.Zero
	}
	return decimal.New(1, 0).Div(r)
}

func maxOne(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.New(1, 0)
	}
	return d
}
