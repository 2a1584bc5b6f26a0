// Package classifier implements the pure mapping from
// (asset_type, event_type) to an HMRC reporting group.
package classifier

import (
	"fmt"

	"github.com/uk-cgt/cgtcalc/internal/event"
)

// Group is one of the seven HMRC reporting groups.
type Group string

const (
	GroupUnlistedShares   Group = "Unlisted shares and securities"
	GroupOtherIncome      Group = "Other income"
	GroupOtherProperty    Group = "Other property, assets and gains"
	GroupDividends        Group = "Dividends"
	GroupListedShares     Group = "Listed shares and securities"
	GroupNotionalDividend Group = "Notional dividends / ERI"
	GroupCapitalReturn    Group = "Capital return"
)

// CapitalGainsGroups lists the three groups that contribute to CGT
// liability aggregates; the rest are income-type.
var CapitalGainsGroups = []Group{GroupUnlistedShares, GroupOtherProperty, GroupListedShares}

// IsCapitalGains reports whether g counts toward CGT liability totals.
func IsCapitalGains(g Group) bool {
	for _, cg := range CapitalGainsGroups {
		if cg == g {
			return true
		}
	}
	return false
}

// Classify maps an (asset type, event type) pair to its reporting group.
// Asset-type conditions are checked before event-type conditions: a CFD
// sell is "Unlisted shares", not "Listed shares".
func Classify(assetType event.AssetType, eventType event.Type) (Group, error) {
	switch {
	case assetType == event.CFD:
		return GroupUnlistedShares, nil
	case assetType == event.Crypto && eventType == event.Income:
		return GroupOtherIncome, nil
	case assetType == event.Crypto:
		return GroupOtherProperty, nil
	case eventType == event.Dividend:
		return GroupDividends, nil
	case eventType == event.CashIncome:
		return GroupOtherIncome, nil
	case eventType == event.Sell:
		return GroupListedShares, nil
	case eventType == event.ERI:
		return GroupNotionalDividend, nil
	case eventType == event.CapitalReturn:
		return GroupCapitalReturn, nil
	default:
		return "", fmt.Errorf("unclassifiable: asset_type=%s event_type=%s", assetType, eventType)
	}
}

// Placeholder synthesises the fallback group name
// "<asset_type>_<event_type>" when Classify cannot assign a group.
func Placeholder(assetType event.AssetType, eventType event.Type) Group {
	return Group(fmt.Sprintf("%s_%s", assetType, eventType))
}
