// Package postgres is the optional persistence sink that writes a
// completed run's row stream and aggregate summary to Postgres, so a
// caller can query past runs without recomputing them.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/uk-cgt/cgtcalc/internal/aggregator"
	"github.com/uk-cgt/cgtcalc/internal/report"
)

// Store persists computed rows and summaries for one run.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-open pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the tables this store needs, if absent. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS cgt_runs (
		id         BIGSERIAL PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS cgt_event_rows (
		run_id              BIGINT NOT NULL REFERENCES cgt_runs(id) ON DELETE CASCADE,
		seq                 INT NOT NULL,
		event_date          DATE,
		event_type          TEXT NOT NULL,
		asset               TEXT,
		platform            TEXT,
		rule                TEXT NOT NULL,
		currency            TEXT NOT NULL,
		allowable_cost_gbp  NUMERIC,
		chargeable_gain_gbp NUMERIC,
		PRIMARY KEY (run_id, seq)
	);
	CREATE TABLE IF NOT EXISTS cgt_summaries (
		run_id             BIGINT NOT NULL REFERENCES cgt_runs(id) ON DELETE CASCADE,
		tax_year           INT NOT NULL,
		tax_group          TEXT NOT NULL,
		event_count        INT NOT NULL,
		disposal_proceeds  NUMERIC NOT NULL,
		allowable_cost     NUMERIC NOT NULL,
		total_gains        NUMERIC NOT NULL,
		total_losses       NUMERIC NOT NULL,
		total_taxable_gain NUMERIC NOT NULL,
		PRIMARY KEY (run_id, tax_year, tax_group)
	);`
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, ddl)
		return err
	})
}

// SaveRun persists one completed run's rows and summaries inside a single
// transaction, returning the new run id.
func (s *Store) SaveRun(ctx context.Context, rows []report.Row, summaries []aggregator.Summary) (int64, error) {
	var runID int64

	err := withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning run transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := tx.QueryRow(ctx, `INSERT INTO cgt_runs DEFAULT VALUES RETURNING id`).Scan(&runID); err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		if err := insertRows(ctx, tx, runID, rows); err != nil {
			return err
		}
		if err := insertSummaries(ctx, tx, runID, summaries); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}
	return runID, nil
}

func insertRows(ctx context.Context, tx pgx.Tx, runID int64, rows []report.Row) error {
	for i, r := range rows {
		er, ok := r.(report.EventRow)
		if !ok {
			continue
		}

		var eventDate pgtype.Date
		if er.Date != nil {
			if err := eventDate.Set(*er.Date); err != nil {
				return fmt.Errorf("encoding event date for row %d: %w", i, err)
			}
		} else {
			eventDate.Status = pgtype.Null
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO cgt_event_rows
				(run_id, seq, event_date, event_type, asset, platform, rule, currency, allowable_cost_gbp, chargeable_gain_gbp)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			runID, i, eventDate, er.Event.String(), er.Asset, er.Platform, er.Rule.String(), er.Currency,
			er.AllowableCostGBP.String(), er.ChargeableGainGBP.String())
		if err != nil {
			return fmt.Errorf("inserting event row %d: %w", i, err)
		}
	}
	return nil
}

func insertSummaries(ctx context.Context, tx pgx.Tx, runID int64, summaries []aggregator.Summary) error {
	for _, s := range summaries {
		_, err := tx.Exec(ctx, `
			INSERT INTO cgt_summaries
				(run_id, tax_year, tax_group, event_count, disposal_proceeds, allowable_cost, total_gains, total_losses, total_taxable_gain)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			runID, s.Year, string(s.Group), s.EventCount,
			s.DisposalProceeds.String(), s.AllowableCost.String(),
			s.TotalGains.String(), s.TotalLosses.String(), s.TotalTaxableGains.String())
		if err != nil {
			return fmt.Errorf("inserting summary for year %d group %s: %w", s.Year, s.Group, err)
		}
	}
	return nil
}

// withRetry wraps a transient-failure-prone Postgres call in
// exponential backoff.
func withRetry(ctx context.Context, fn func() error) error {
	const maxAttempts = 3
	backoff := 100 * time.Millisecond

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, err)
}
