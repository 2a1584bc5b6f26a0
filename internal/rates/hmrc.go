package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/uk-cgt/cgtcalc/internal/telemetry"
)

// HMRCBackend fetches HMRC's published monthly average exchange rate
// tables over HTTP and caches the parsed result to a per-(year,month)
// JSON file on disk.
type HMRCBackend struct {
	client   *resty.Client
	cacheDir string
	log      *zap.SugaredLogger

	mu      sync.Mutex
	monthly map[string]monthRates // cacheDir-relative file key -> parsed rates
}

// monthRates is one month's published average rates, currency -> rate
// expressed as "1 currency = R GBP" (HMRC publishes the inverse; see
// fetchMonth for the conversion).
type monthRates map[string]decimal.Decimal

// NewHMRCBackend builds a backend rooted at baseURL (HMRC's published
// rates endpoint) caching parsed months under cacheDir.
func NewHMRCBackend(baseURL, cacheDir string, logger *zap.SugaredLogger) *HMRCBackend {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &HMRCBackend{
		client:   resty.New().SetBaseURL(baseURL).SetTimeout(15 * time.Second),
		cacheDir: cacheDir,
		log:      logger,
		monthly:  make(map[string]monthRates),
	}
}

// Rate implements Backend.
func (h *HMRCBackend) Rate(ctx context.Context, timestampMillis int64, currency string) (decimal.Decimal, error) {
	t := msToUTC(timestampMillis)
	month, err := h.monthRates(ctx, t.Year(), int(t.Month()))
	if err != nil {
		return decimal.Zero, err
	}
	r, ok := month[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("HMRC monthly rates for %04d-%02d have no entry for %s", t.Year(), int(t.Month()), currency)
	}
	return r, nil
}

func (h *HMRCBackend) monthKeyStr(year, month int) string {
	return fmt.Sprintf("%04d-%02d", year, month)
}

func (h *HMRCBackend) monthRates(ctx context.Context, year, month int) (monthRates, error) {
	key := h.monthKeyStr(year, month)

	h.mu.Lock()
	if m, ok := h.monthly[key]; ok {
		h.mu.Unlock()
		return m, nil
	}
	h.mu.Unlock()

	if m, ok := h.readCacheFile(key); ok {
		h.mu.Lock()
		h.monthly[key] = m
		h.mu.Unlock()
		return m, nil
	}

	m, err := h.fetchMonth(ctx, year, month)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.monthly[key] = m
	h.mu.Unlock()
	h.writeCacheFile(key, m)
	return m, nil
}

// hmrcMonthResponse is the subset of HMRC's published JSON this module
// reads: a flat currency -> "foreign units per GBP" map.
type hmrcMonthResponse struct {
	Rates map[string]decimal.Decimal `json:"rates"`
}

// fetchMonth is the genuine cache-miss path (neither the in-memory map nor
// the filesystem cache had this month), so it is the one place in this
// backend worth its own span.
func (h *HMRCBackend) fetchMonth(ctx context.Context, year, month int) (monthRates, error) {
	ctx, span := telemetry.StartSpan(ctx, "rates.hmrc_fetch_month",
		trace.WithAttributes(attribute.String("cgt.month", h.monthKeyStr(year, month))))
	defer span.End()

	var body hmrcMonthResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(fmt.Sprintf("/exchange-rates-for-customs-and-vat/%04d/%02d", year, month))
	if err != nil {
		return nil, fmt.Errorf("fetching HMRC rates for %04d-%02d: %w", year, month, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("HMRC rates request for %04d-%02d returned status %s", year, month, resp.Status())
	}

	out := make(monthRates, len(body.Rates))
	for currency, perGBP := range body.Rates {
		// HMRC publishes "foreign units per 1 GBP"; the Oracle contract
		// is "1 currency = R GBP", the reciprocal.
		if perGBP.IsZero() {
			h.log.Warnw("HMRC published a zero rate, skipping", "currency", currency, "year", year, "month", month)
			continue
		}
		out[currency] = decimal.New(1, 0).Div(perGBP)
	}
	return out, nil
}

func (h *HMRCBackend) cacheFilePath(key string) string {
	return filepath.Join(h.cacheDir, key+".json")
}

func (h *HMRCBackend) readCacheFile(key string) (monthRates, bool) {
	data, err := os.ReadFile(h.cacheFilePath(key))
	if err != nil {
		return nil, false
	}
	var m monthRates
	if err := json.Unmarshal(data, &m); err != nil {
		h.log.Warnw("discarding corrupt HMRC rate cache file", "path", h.cacheFilePath(key), "error", err)
		return nil, false
	}
	return m, true
}

func (h *HMRCBackend) writeCacheFile(key string, m monthRates) {
	if err := os.MkdirAll(h.cacheDir, 0o755); err != nil {
		h.log.Warnw("could not create HMRC rate cache directory", "dir", h.cacheDir, "error", err)
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		h.log.Warnw("could not marshal HMRC rate cache entry", "error", err)
		return
	}
	if err := os.WriteFile(h.cacheFilePath(key), data, 0o644); err != nil {
		h.log.Warnw("could not write HMRC rate cache file", "path", h.cacheFilePath(key), "error", err)
	}
}
