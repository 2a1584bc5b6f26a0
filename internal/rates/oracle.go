// Package rates resolves exchange rates: given a unix-millisecond
// timestamp and a currency code, return a decimal rate expressing
// `1 currency = R GBP`. GBP and GBX (pence) are fixed; everything else
// delegates to a backing source.
package rates

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uk-cgt/cgtcalc/internal/cgterr"
)

func msToUTC(timestampMillis int64) time.Time {
	return time.UnixMilli(timestampMillis).UTC()
}

// gbxRate is 1 GBX = 0.01 GBP.
var gbxRate = decimal.New(1, -2)

// Backend resolves a rate for any currency that is not GBP/GBX.
type Backend interface {
	Rate(ctx context.Context, timestampMillis int64, currency string) (decimal.Decimal, error)
}

// Oracle wraps a Backend with the GBP/GBX fast path and a
// process-lifetime in-memory memo keyed by (year, month, currency). The
// memo sits in front of whatever caching the Backend itself does
// (filesystem, Redis) so repeated lookups within one month never even
// reach the backend.
type Oracle struct {
	backend Backend

	mu    sync.Mutex
	cache map[monthKey]decimal.Decimal
}

type monthKey struct {
	Year     int
	Month    int
	Currency string
}

// New wraps backend with the GBP/GBX fast path and month-level memoization.
func New(backend Backend) *Oracle {
	return &Oracle{backend: backend, cache: make(map[monthKey]decimal.Decimal)}
}

// Rate implements report.Oracle.
func (o *Oracle) Rate(ctx context.Context, timestampMillis int64, currency string) (decimal.Decimal, error) {
	switch currency {
	case "GBP":
		return decimal.New(1, 0), nil
	case "GBX":
		return gbxRate, nil
	}

	t := msToUTC(timestampMillis)
	key := monthKey{Year: t.Year(), Month: int(t.Month()), Currency: currency}

	o.mu.Lock()
	if r, ok := o.cache[key]; ok {
		o.mu.Unlock()
		return r, nil
	}
	o.mu.Unlock()

	r, err := o.backend.Rate(ctx, timestampMillis, currency)
	if err != nil {
		return decimal.Zero, cgterr.New(cgterr.RateUnavailable, "no rate for "+currency, err)
	}

	o.mu.Lock()
	o.cache[key] = r
	o.mu.Unlock()
	return r, nil
}

// Prewarm seeds the memo directly, used by Warmup's bulk prefetch so the
// single-threaded report run never blocks on a cache miss once it starts.
func (o *Oracle) Prewarm(year, month int, currency string, r decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache[monthKey{Year: year, Month: month, Currency: currency}] = r
}
