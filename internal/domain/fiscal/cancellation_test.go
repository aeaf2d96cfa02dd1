package fiscal

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeReason(t *testing.T) {
	t.Run("collapses whitespace", func(t *testing.T) {
		got, err := NormalizeReason("  Cliente   desistiu\n da\tcompra  ")
		require.NoError(t, err)
		assert.Equal(t, "Cliente desistiu da compra", got)
	})

	t.Run("too short after collapsing", func(t *testing.T) {
		_, err := NormalizeReason("erro     de      dig")
		require.Error(t, err)
		assert.True(t, IsValidation(err))
	})

	t.Run("exact bounds", func(t *testing.T) {
		_, err := NormalizeReason(strings.Repeat("a", ReasonMinLength))
		assert.NoError(t, err)
		_, err = NormalizeReason(strings.Repeat("a", ReasonMaxLength))
		assert.NoError(t, err)
		_, err = NormalizeReason(strings.Repeat("a", ReasonMaxLength+1))
		assert.Error(t, err)
	})

	t.Run("counts characters not bytes", func(t *testing.T) {
		_, err := NormalizeReason(strings.Repeat("ç", ReasonMinLength))
		assert.NoError(t, err)
	})
}

func TestCancellation_Lifecycle(t *testing.T) {
	c, err := NewCancellation(uuid.New(), 1, "Pedido cancelado pelo cliente", testNow)
	require.NoError(t, err)
	assert.Equal(t, CancellationStatusPending, c.Status)

	require.NoError(t, c.MarkProcessing(testNow))
	require.NoError(t, c.MarkFailed("timeout", testNow))
	assert.Equal(t, "timeout", c.LastError)
	assert.False(t, c.Status.IsTerminal())

	require.NoError(t, c.MarkProcessing(testNow))
	require.NoError(t, c.Authorize("141240000099999", "135", "Evento registrado", "evt.xml", testNow))
	assert.True(t, c.Status.IsTerminal())
	assert.Empty(t, c.LastError)
	require.NotNil(t, c.RegisteredAt)

	assert.Error(t, c.MarkProcessing(testNow))
}

func TestCancellation_RecordAttemptError(t *testing.T) {
	c, err := NewCancellation(uuid.New(), 1, "Pedido cancelado pelo cliente", testNow)
	require.NoError(t, err)
	assert.Error(t, c.RecordAttemptError("timeout", testNow), "nothing was sent yet")

	require.NoError(t, c.MarkProcessing(testNow))
	require.NoError(t, c.RecordAttemptError("timeout", testNow.Add(time.Minute)))
	assert.Equal(t, CancellationStatusProcessing, c.Status)
	assert.Equal(t, "timeout", c.LastError)
}

func TestCancellation_PendingCanFailWithoutTransmission(t *testing.T) {
	c, err := NewCancellation(uuid.New(), 1, "Pedido cancelado pelo cliente", testNow)
	require.NoError(t, err)
	require.NoError(t, c.MarkFailed("not queued", testNow))
	assert.Equal(t, CancellationStatusFailed, c.Status)
	assert.False(t, c.Status.IsTerminal())
}

func TestCancellation_Reject(t *testing.T) {
	c, err := NewCancellation(uuid.New(), 2, "Erro na emissao do documento", testNow)
	require.NoError(t, err)
	require.NoError(t, c.MarkProcessing(testNow))
	require.NoError(t, c.Reject("501", "Prazo de cancelamento superior", testNow))
	assert.Equal(t, CancellationStatusRejected, c.Status)
}

func TestNewCancellation_Validation(t *testing.T) {
	_, err := NewCancellation(uuid.Nil, 1, "Pedido cancelado pelo cliente", testNow)
	assert.Error(t, err)
	_, err = NewCancellation(uuid.New(), 0, "Pedido cancelado pelo cliente", testNow)
	assert.Error(t, err)
	_, err = NewCancellation(uuid.New(), 1, "curto", testNow)
	assert.True(t, IsValidation(err))
}
