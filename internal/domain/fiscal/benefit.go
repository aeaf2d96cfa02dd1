package fiscal

import (
	"strings"
)

// BenefitSentinel is the placeholder accepted where a state demands a benefit
// code but the operation has none
const BenefitSentinel = "SEM CBENEF"

// BenefitRule makes a benefit code mandatory for a state and set of tax
// situation codes, filling Code when the order line carries none
type BenefitRule struct {
	State         string
	TaxSituations []string
	Code          string
}

// BenefitTable resolves item benefit codes (cBenef). Rules are data so new
// state requirements do not need code changes.
type BenefitTable struct {
	rules []BenefitRule
}

// NewBenefitTable creates a table from rules
func NewBenefitTable(rules []BenefitRule) *BenefitTable {
	normalized := make([]BenefitRule, 0, len(rules))
	for _, r := range rules {
		r.State = normalizeState(r.State)
		normalized = append(normalized, r)
	}
	return &BenefitTable{rules: normalized}
}

// DefaultBenefitRules returns the rules shipped with the service
func DefaultBenefitRules() []BenefitRule {
	return []BenefitRule{
		{State: "PR", TaxSituations: []string{"40", "41", "50"}, Code: BenefitSentinel},
	}
}

// DefaultBenefitTable returns a table built from DefaultBenefitRules
func DefaultBenefitTable() *BenefitTable {
	return NewBenefitTable(DefaultBenefitRules())
}

// Resolve returns the code to emit for an item. An explicit code passes
// through when it is the sentinel or has 8 or 10 characters; a missing one
// is filled from the first matching rule, or left empty.
func (t *BenefitTable) Resolve(state, taxSituation, explicit string) (string, error) {
	explicit = strings.TrimSpace(explicit)
	if explicit != "" {
		if explicit == BenefitSentinel || len(explicit) == 8 || len(explicit) == 10 {
			return explicit, nil
		}
		return "", NewValidationError("prod.cBenef", "must be "+BenefitSentinel+" or have 8 or 10 characters")
	}
	if t == nil {
		return "", nil
	}
	state = normalizeState(state)
	for _, r := range t.rules {
		if r.State != state {
			continue
		}
		for _, ts := range r.TaxSituations {
			if ts == taxSituation {
				return r.Code, nil
			}
		}
	}
	return "", nil
}
