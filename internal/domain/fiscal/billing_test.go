package fiscal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNeedsBillingSchedule(t *testing.T) {
	today := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	sameDay := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	later := time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC)

	assert.False(t, needsBillingSchedule(nil, today))
	assert.False(t, needsBillingSchedule([]Installment{{Number: "1", DueDate: sameDay}}, today))
	assert.True(t, needsBillingSchedule([]Installment{{Number: "1", DueDate: later}}, today))
	assert.True(t, needsBillingSchedule([]Installment{{Number: "2", DueDate: sameDay}}, today))
	assert.True(t, needsBillingSchedule([]Installment{{DueDate: sameDay}, {DueDate: sameDay}}, today))
}

func TestInstallmentLabel(t *testing.T) {
	assert.Equal(t, "00", installmentLabel(Installment{Number: "1"}, 0))
	assert.Equal(t, "01", installmentLabel(Installment{Number: "2"}, 1))
	assert.Equal(t, "11", installmentLabel(Installment{Number: "12"}, 0))
	// positional fallback
	assert.Equal(t, "02", installmentLabel(Installment{Number: ""}, 2))
	assert.Equal(t, "00", installmentLabel(Installment{Number: "A"}, 0))
	assert.Equal(t, "01", installmentLabel(Installment{Number: "0"}, 1))
}
