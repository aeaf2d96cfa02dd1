package fiscal

// OrderFiscalStatus is the fiscal summary kept on the order record
type OrderFiscalStatus string

const (
	OrderFiscalStatusNone       OrderFiscalStatus = ""
	OrderFiscalStatusAuthorized OrderFiscalStatus = "authorized"
	OrderFiscalStatusCancelled  OrderFiscalStatus = "cancelled"
	OrderFiscalStatusError      OrderFiscalStatus = "error"
)

// OrderFiscalStatusFor maps an emission status to the order summary. Statuses
// still moving through the pipeline map to none, which clears an earlier
// summary.
func OrderFiscalStatusFor(status EmissionStatus) OrderFiscalStatus {
	switch status {
	case EmissionStatusAuthorized:
		return OrderFiscalStatusAuthorized
	case EmissionStatusCancelled:
		return OrderFiscalStatusCancelled
	case EmissionStatusDenied, EmissionStatusError, EmissionStatusRejected:
		return OrderFiscalStatusError
	}
	return OrderFiscalStatusNone
}
