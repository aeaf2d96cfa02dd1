package fiscal

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Payment method codes (tPag)
const (
	PaymentCash   = "01"
	PaymentCredit = "03"
	PaymentDebit  = "04"
	PaymentBoleto = "15"
	PaymentPix    = "17"
	PaymentNone   = "90"
	PaymentOther  = "99"
)

// Payment indicators (indPag)
const (
	PaymentIndicatorCash = "0"
	PaymentIndicatorTerm = "1"
)

var paymentKeywords = []struct {
	keywords []string
	method   string
}{
	{[]string{"boleto"}, PaymentBoleto},
	{[]string{"pix"}, PaymentPix},
	{[]string{"credito", "credit"}, PaymentCredit},
	{[]string{"debito", "debit"}, PaymentDebit},
	{[]string{"dinheiro", "especie", "cash"}, PaymentCash},
}

// InferPaymentMethod classifies a free-form payment label. Keywords win;
// otherwise the coarse cash/term flag decides; with neither, PaymentNone.
func InferPaymentMethod(label string, cashLike *bool) (method, indicator string) {
	folded := FoldText(label)
	method = PaymentNone
	for _, k := range paymentKeywords {
		if containsAny(folded, k.keywords) {
			method = k.method
			break
		}
	}
	if method == PaymentNone && cashLike != nil {
		if *cashLike {
			method = PaymentCash
		} else {
			method = PaymentOther
		}
	}

	switch {
	case cashLike != nil && *cashLike:
		indicator = PaymentIndicatorCash
	case cashLike != nil:
		indicator = PaymentIndicatorTerm
	case method == PaymentBoleto || method == PaymentOther:
		indicator = PaymentIndicatorTerm
	case method == PaymentNone:
		indicator = ""
	default:
		indicator = PaymentIndicatorCash
	}
	return method, indicator
}

// BuildPayments maps the order's payments to detPag entries. A document with
// a non-zero total never reports PaymentNone; such entries, and orders with
// no payment records at all, are reported as PaymentOther.
func BuildPayments(payments []OrderPayment, total decimal.Decimal) []Payment {
	nonZero := !total.IsZero()
	if len(payments) == 0 {
		if nonZero {
			return []Payment{{Method: PaymentOther, Amount: total}}
		}
		return []Payment{{Method: PaymentNone, Amount: decimal.Zero}}
	}

	out := make([]Payment, 0, len(payments))
	for _, p := range payments {
		method, indicator := InferPaymentMethod(p.MethodLabel, p.CashLike)
		if method == PaymentNone && nonZero {
			method = PaymentOther
		}
		amount := p.Amount
		if method == PaymentNone {
			amount = decimal.Zero
		}
		out = append(out, Payment{Indicator: indicator, Method: method, Amount: amount.Round(2)})
	}
	return out
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
