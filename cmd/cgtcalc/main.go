// Command cgtcalc computes UK Capital Gains Tax liability from a
// normalized event ledger. Application configuration is handled through
// environment variables; command line arguments may be added in the
// future if needed.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"github.com/uk-cgt/cgtcalc/internal/aggregator"
	"github.com/uk-cgt/cgtcalc/internal/cgterr"
	"github.com/uk-cgt/cgtcalc/internal/chart"
	"github.com/uk-cgt/cgtcalc/internal/event"
	"github.com/uk-cgt/cgtcalc/internal/matcher"
	"github.com/uk-cgt/cgtcalc/internal/rates"
	"github.com/uk-cgt/cgtcalc/internal/report"
	"github.com/uk-cgt/cgtcalc/internal/storage/postgres"
	"github.com/uk-cgt/cgtcalc/internal/telemetry"
)

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func main() {
	os.Exit(run())
}

// run builds the ambient stack from environment variables, feeds the
// parser's events through the matching and report pipeline, and
// optionally persists and charts the result.
func run() int {
	logger, err := telemetry.NewLogger(getEnv("ENVIRONMENT", "") != "prod")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	events, err := loadEvents()
	if err != nil {
		logger.Errorw("failed to load events", "error", err)
		return 1
	}
	if len(events) == 0 {
		logger.Warn("no events to process")
		return 0
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].TimestampMillis < events[j].TimestampMillis
	})

	oracle, closeOracle := buildOracle(logger)
	defer closeOracle()

	if err := rates.Warmup(ctx, oracle, events, 8); err != nil {
		logger.Warnw("rate warmup did not complete", "error", err)
	}

	wrapped := matcher.Match(events)

	startYear := report.DefaultStartYear(events[0].Date())
	endYear := report.DefaultEndYear(time.Now())
	bounds := report.NewBoundaries(startYear, endYear)

	gen := report.New(oracle, bounds, logger)
	rows, taxable, err := gen.Run(ctx, wrapped)
	if err != nil {
		logger.Errorw("tax report generation aborted", "error", err)
		return cgterr.ExitCode(err)
	}

	summaries, totals, err := aggregator.Fold(taxable)
	if err != nil {
		logger.Errorw("aggregation failed", "error", err)
		return 1
	}

	printSummary(summaries, totals)

	if dsn := getEnv("CGTCALC_POSTGRES_DSN", ""); dsn != "" {
		if err := persist(ctx, dsn, rows, summaries); err != nil {
			logger.Warnw("failed to persist run", "error", err)
		}
	}

	if path := getEnv("CGTCALC_CHART_PATH", ""); path != "" {
		if err := chart.GainsByYear(totals, path); err != nil {
			logger.Warnw("failed to render chart", "error", err)
		}
	}

	return 0
}

// loadEvents is the seam where a ledger parser front-end plugs in.
func loadEvents() ([]event.Event, error) {
	return nil, nil
}

func buildOracle(logger *zap.SugaredLogger) (*rates.Oracle, func()) {
	hmrcCacheDir := getEnv("CGTCALC_HMRC_CACHE_DIR", "./rate-cache")
	hmrcBaseURL := getEnv("CGTCALC_HMRC_BASE_URL", "https://www.trade-tariff.service.gov.uk/api/v2")

	var backend rates.Backend = rates.NewHMRCBackend(hmrcBaseURL, hmrcCacheDir, logger)

	closeFn := func() {}

	if redisAddr := getEnv("CGTCALC_REDIS_ADDR", ""); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		backend = rates.NewRedisCache(client, backend)
		closeFn = func() { client.Close() }
	}

	return rates.New(backend), closeFn
}

func persist(ctx context.Context, dsn string, rows []report.Row, summaries []aggregator.Summary) error {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	store := postgres.New(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating storage schema: %w", err)
	}
	if _, err := store.SaveRun(ctx, rows, summaries); err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	return nil
}

func printSummary(summaries []aggregator.Summary, totals []aggregator.YearTotal) {
	for _, t := range totals {
		fmt.Printf("Tax year %d/%d: total capital gains %s (carried losses forward: %s)\n",
			t.Year, (t.Year+1)%100, t.TotalCapitalGains.StringFixed(2), t.CarriedLossesForward.StringFixed(2))
	}
	for _, s := range summaries {
		fmt.Printf("  %d %-35s proceeds=%s cost=%s gain=%s loss=%s taxable=%s\n",
			s.Year, s.Group, s.DisposalProceeds.StringFixed(2), s.AllowableCost.StringFixed(2),
			s.TotalGains.StringFixed(2), s.TotalLosses.StringFixed(2), s.TotalTaxableGains.StringFixed(2))
	}
}
