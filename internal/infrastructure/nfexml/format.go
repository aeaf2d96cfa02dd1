package nfexml

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

const (
	dateTimeLayout = "2006-01-02T15:04:05-07:00"
	dateLayout     = "2006-01-02"
)

// money renders a value with two decimal places
func money(d decimal.Decimal) string { return d.StringFixed(2) }

// quantity renders a quantity with four decimal places
func quantity(d decimal.Decimal) string { return d.StringFixed(4) }

// unitPrice renders a unit price with ten decimal places
func unitPrice(d decimal.Decimal) string { return d.StringFixed(10) }

// rate renders a percentage with four decimal places
func rate(d decimal.Decimal) string { return d.StringFixed(4) }

// timestamp renders t in loc, truncated to seconds, with its UTC offset
func timestamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Truncate(time.Second).Format(dateTimeLayout)
}

// freeText collapses whitespace and drops control characters
func freeText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
