package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
)

// LedgerBackend resolves a currency rate from historical trade prices
// the parser recorded in Postgres, for currencies the HMRC monthly
// tables don't cover (e.g. a platform's own FX conversion rate on the
// trade date).
type LedgerBackend struct {
	pool *pgxpool.Pool
}

// NewLedgerBackend wraps an already-open pgx pool.
func NewLedgerBackend(pool *pgxpool.Pool) *LedgerBackend {
	return &LedgerBackend{pool: pool}
}

// Rate implements Backend, selecting the closest recorded rate at or
// before the given timestamp for the given currency.
func (l *LedgerBackend) Rate(ctx context.Context, timestampMillis int64, currency string) (decimal.Decimal, error) {
	t := msToUTC(timestampMillis)

	const query = `
		SELECT rate
		FROM fx_rates
		WHERE currency = $1 AND observed_at <= $2
		ORDER BY observed_at DESC
		LIMIT 1`

	var rateStr string
	err := l.pool.QueryRow(ctx, query, currency, t).Scan(&rateStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger rate lookup for %s at %s: %w", currency, t.Format(time.RFC3339), err)
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger rate for %s is not a valid decimal: %w", currency, err)
	}
	return rate, nil
}
