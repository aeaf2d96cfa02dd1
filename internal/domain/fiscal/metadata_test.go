package fiscal

import (
	"encoding/json"
	"strconv"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spread(t *testing.T, s string, extra map[string]any) []byte {
	t.Helper()
	obj := map[string]any{}
	i := 0
	for _, r := range s {
		obj[strconv.Itoa(i)] = string(r)
		i++
	}
	for k, v := range extra {
		obj[k] = v
	}
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	return raw
}

func TestRepairMetadata(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		m, err := RepairMetadata(nil)
		require.NoError(t, err)
		assert.Empty(t, m)

		m, err = RepairMetadata([]byte("null"))
		require.NoError(t, err)
		assert.Empty(t, m)
	})

	t.Run("healthy object is returned as is", func(t *testing.T) {
		m, err := RepairMetadata([]byte(`{"source":"pdv","attempt":2}`))
		require.NoError(t, err)
		assert.Equal(t, "pdv", m["source"])
		assert.Equal(t, float64(2), m["attempt"])
	})

	t.Run("rebuilds character spread and keeps real keys", func(t *testing.T) {
		raw := spread(t, `{"source":"pdv","user":"ana"}`, map[string]any{
			"user":       "bruno",
			"authorized": true,
		})

		m, err := RepairMetadata(raw)
		require.NoError(t, err)
		assert.Equal(t, "pdv", m["source"])
		assert.Equal(t, "bruno", m["user"])
		assert.Equal(t, true, m["authorized"])
		assert.NotContains(t, m, "0")
	})

	t.Run("rejoins surrogate halves spread over two keys", func(t *testing.T) {
		raw := []byte(`{"0":"{","1":"\"","2":"n","3":"\"","4":":","5":"\"",` +
			`"6":"\ud83d","7":"\ude00","8":"\"","9":"}","kept":"yes"}`)

		m, err := RepairMetadata(raw)
		require.NoError(t, err)
		assert.Equal(t, "\U0001F600", m["n"])
		assert.True(t, utf8.ValidString(m["n"].(string)))
		assert.Equal(t, "yes", m["kept"])
	})

	t.Run("unparseable spread is preserved raw", func(t *testing.T) {
		raw := spread(t, "not json", map[string]any{"kept": "yes"})

		m, err := RepairMetadata(raw)
		require.NoError(t, err)
		assert.Equal(t, "not json", m[MetadataRawKey])
		assert.Equal(t, "yes", m["kept"])
	})

	t.Run("non contiguous index keys are left alone", func(t *testing.T) {
		m, err := RepairMetadata([]byte(`{"0":"a","2":"b"}`))
		require.NoError(t, err)
		assert.Equal(t, "a", m["0"])
		assert.Equal(t, "b", m["2"])
	})

	t.Run("string encoded object", func(t *testing.T) {
		m, err := RepairMetadata([]byte(`"{\"source\":\"pdv\"}"`))
		require.NoError(t, err)
		assert.Equal(t, "pdv", m["source"])
	})

	t.Run("arrays are refused", func(t *testing.T) {
		_, err := RepairMetadata([]byte(`[1,2]`))
		assert.Error(t, err)
	})
}

func TestCanonicalMetadata(t *testing.T) {
	out, err := CanonicalMetadata(map[string]any{"z": 1, "a": []any{"b", 2.5}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":["b",2.5],"z":1}`, string(out))

	out, err = CanonicalMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(out))
}
