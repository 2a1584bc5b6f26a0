package rates

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/uk-cgt/cgtcalc/internal/event"
)

// Warmup concurrently pre-fetches every distinct (year, month, currency)
// combination appearing in events, so the single-threaded report run
// that follows never waits on a slow HMRC fetch mid-iteration.
func Warmup(ctx context.Context, oracle *Oracle, events []event.Event, concurrency int) error {
	type task struct {
		year, month int
		currency    string
		ts          int64
	}

	seen := make(map[string]bool)
	tasks := make([]task, 0, len(events))
	for _, e := range events {
		if e.Currency == "GBP" || e.Currency == "GBX" {
			continue
		}
		d := e.Date()
		k := fmt.Sprintf("%04d-%02d-%s", d.Year(), int(d.Month()), e.Currency)
		if seen[k] {
			continue
		}
		seen[k] = true
		tasks = append(tasks, task{year: d.Year(), month: int(d.Month()), currency: e.Currency, ts: e.TimestampMillis})
	}

	if len(tasks) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, concurrency)

	for _, t := range tasks {
		t := t
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			r, err := oracle.backend.Rate(gctx, t.ts, t.currency)
			if err != nil {
				// Warmup is best-effort: a failed prefetch simply means
				// the report run's own Oracle.Rate call will hit the
				// backend directly and surface RateUnavailable there.
				return nil
			}
			oracle.Prewarm(t.year, t.month, t.currency, r)
			return nil
		})
	}

	return g.Wait()
}
