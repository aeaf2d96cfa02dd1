package fiscal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// needsBillingSchedule reports whether the installments describe a term sale:
// more than one installment, a due date other than the emission date, or a
// stored installment number above one.
func needsBillingSchedule(installments []Installment, emissionDate time.Time) bool {
	if len(installments) == 0 {
		return false
	}
	if len(installments) > 1 {
		return true
	}
	for i, inst := range installments {
		if !inst.DueDate.IsZero() && !sameDay(inst.DueDate, emissionDate) {
			return true
		}
		if installmentNumber(inst, i) > 1 {
			return true
		}
	}
	return false
}

// installmentNumber returns the stored 1-based number, or the position based
// one when the stored value is missing or unusable
func installmentNumber(inst Installment, position int) int {
	n, err := strconv.Atoi(strings.TrimSpace(inst.Number))
	if err != nil || n < 1 {
		return position + 1
	}
	return n
}

// installmentLabel zero-pads the 1-based installment number offset to zero
func installmentLabel(inst Installment, position int) string {
	return fmt.Sprintf("%02d", installmentNumber(inst, position)-1)
}

func buildBilling(order Order, number int64, emissionDate time.Time, original, discount, net decimal.Decimal) *Billing {
	if !needsBillingSchedule(order.Installments, emissionDate) {
		return nil
	}
	b := &Billing{
		InvoiceNumber: strconv.FormatInt(number, 10),
		Original:      original.Round(2),
		Discount:      discount.Round(2),
		Net:           net.Round(2),
		Installments:  make([]BillingInstallment, 0, len(order.Installments)),
	}
	for i, inst := range order.Installments {
		due := inst.DueDate
		if due.IsZero() {
			due = emissionDate
		}
		b.Installments = append(b.Installments, BillingInstallment{
			Label:   installmentLabel(inst, i),
			DueDate: due,
			Amount:  inst.Amount.Round(2),
		})
	}
	return b
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
