package fiscal

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestAccessKeyProperties checks that every built key is 44 digits and
// round-trips through ParseAccessKey.
func TestAccessKeyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("built keys are well formed and self-verifying", prop.ForAll(
		func(series int, number int64, code int64, month int) bool {
			p := AccessKeyParams{
				StateCode:    "35",
				IssuedAt:     time.Date(2025, time.Month(month), 1, 0, 0, 0, 0, time.UTC),
				IssuerTaxID:  "12345678000195",
				Model:        "55",
				Series:       series,
				Number:       number,
				EmissionType: EmissionTypeNormal,
				RandomCode:   fmt.Sprintf("%08d", code),
			}
			key, err := BuildAccessKey(p)
			if err != nil {
				return false
			}
			s := key.String()
			if len(s) != AccessKeyLength || !isDigits(s) {
				return false
			}
			parsed, err := ParseAccessKey(s)
			return err == nil && parsed == key
		},
		gen.IntRange(0, 999),
		gen.Int64Range(1, 999999999),
		gen.Int64Range(0, 99999999),
		gen.IntRange(1, 12),
	))

	properties.Property("check digit is always a single digit", prop.ForAll(
		func(digits []int) bool {
			b := make([]byte, preKeyLength)
			for i := range b {
				b[i] = '0'
				if i < len(digits) {
					b[i] = byte('0' + digits[i])
				}
			}
			dv, err := CheckDigit(string(b))
			return err == nil && dv >= 0 && dv <= 9
		},
		gen.SliceOfN(preKeyLength, gen.IntRange(0, 9)),
	))

	properties.TestingRun(t)
}
