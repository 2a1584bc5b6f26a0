// Package ledgerconfig models the configuration object the external
// ledger parser is driven by: account-pattern platform/asset-type
// triples, a raw-symbol canonicalisation map, a tag aliasing map, three
// classification regexes, and an ignored-currency list. The tax engine
// never constructs one of these itself; it is handed one by the caller,
// built once and threaded through.
package ledgerconfig

import (
	"fmt"
	"regexp"

	"github.com/uk-cgt/cgtcalc/internal/event"
)

// AccountRule maps an account-name pattern to a platform tag and a
// default asset type, used by the parser to classify raw postings before
// they become Events.
type AccountRule struct {
	AccountPattern   *regexp.Regexp
	Platform         string
	DefaultAssetType event.AssetType
}

// SymbolMapping canonicalises a raw ledger symbol into the Event model's
// canonical (asset, asset_type) pair.
type SymbolMapping struct {
	Canonical string
	AssetType event.AssetType
}

// Config is the full upstream parser configuration.
type Config struct {
	AccountRules      []AccountRule
	SymbolMap         map[string]SymbolMapping
	TagAliases        map[string]string
	CommissionAccount *regexp.Regexp
	IncomeAccount     *regexp.Regexp
	IgnoredAccount    *regexp.Regexp
	IgnoredCurrencies map[string]bool
}

// New builds an empty Config ready to have rules appended.
func New() *Config {
	return &Config{
		SymbolMap:         make(map[string]SymbolMapping),
		TagAliases:        make(map[string]string),
		IgnoredCurrencies: make(map[string]bool),
	}
}

// PlatformFor returns the platform tag for an account name, per the first
// matching AccountRule (rules are tried in slice order).
func (c *Config) PlatformFor(account string) (platform string, assetType event.AssetType, ok bool) {
	for _, r := range c.AccountRules {
		if r.AccountPattern.MatchString(account) {
			return r.Platform, r.DefaultAssetType, true
		}
	}
	return "", 0, false
}

// Canonicalize resolves a raw symbol through SymbolMap, or returns the
// raw symbol unchanged with its rule-implied default asset type when no
// mapping exists.
func (c *Config) Canonicalize(rawSymbol string, fallback event.AssetType) (string, event.AssetType) {
	if m, ok := c.SymbolMap[rawSymbol]; ok {
		return m.Canonical, m.AssetType
	}
	return rawSymbol, fallback
}

// ResolveTag follows TagAliases to a canonical tag name, or returns tag
// unchanged if it is not aliased.
func (c *Config) ResolveTag(tag string) string {
	if alias, ok := c.TagAliases[tag]; ok {
		return alias
	}
	return tag
}

// IsIgnoredCurrency reports whether currency should be dropped entirely
// rather than routed to the rate oracle.
func (c *Config) IsIgnoredCurrency(currency string) bool {
	return c.IgnoredCurrencies[currency]
}

// Validate performs basic structural checks a malformed configuration
// object would fail: an account rule with a nil pattern (which would make
// PlatformFor panic) or an empty platform name.
func (c *Config) Validate() error {
	for i, r := range c.AccountRules {
		if r.AccountPattern == nil {
			return fmt.Errorf("ledgerconfig: account rule %d has a nil pattern", i)
		}
		if r.Platform == "" {
			return fmt.Errorf("ledgerconfig: account rule %d has an empty platform name", i)
		}
	}
	return nil
}
