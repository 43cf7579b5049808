package boreal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindValue(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		arg      any
		wantType string
		wantVal  string
	}{
		{"String", "hello", "TEXT", "hello"},
		{"Int", 42, "FIXED", "42"},
		{"Int64", int64(-9), "FIXED", "-9"},
		{"Float", 2.5, "REAL", "2.5"},
		{"Bool", true, "BOOLEAN", "true"},
		{"Bytes", []byte{0xca, 0xfe}, "BINARY", "cafe"},
		{"Time", ts, "TIMESTAMP_LTZ", "1714564800000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bv, err := bindValue(tt.arg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, bv.Type)
			require.NotNil(t, bv.Value)
			assert.Equal(t, tt.wantVal, *bv.Value)
		})
	}

	t.Run("Nil is typed NULL", func(t *testing.T) {
		bv, err := bindValue(nil)
		require.NoError(t, err)
		assert.Equal(t, "TEXT", bv.Type)
		assert.Nil(t, bv.Value)
	})

	t.Run("Unsupported type", func(t *testing.T) {
		_, err := bindValue(struct{}{})
		assert.Error(t, err)
	})
}

func TestBuildBindings(t *testing.T) {
	bindings, err := buildBindings([]any{"a", 1, nil})
	require.NoError(t, err)
	require.Len(t, bindings, 3)
	assert.Equal(t, "a", *bindings["1"].Value)
	assert.Equal(t, "1", *bindings["2"].Value)
	assert.Nil(t, bindings["3"].Value)

	t.Run("Bad argument names its position", func(t *testing.T) {
		_, err := buildBindings([]any{"ok", make(chan int)})
		assert.ErrorContains(t, err, "bind parameter 2")
	})
}

func TestQueryResultColumns(t *testing.T) {
	qr := newQueryResult(nil, &queryResponseData{
		RowType: []RowType{{Name: "id", Type: "fixed"}, {Name: "name", Type: "text"}},
		Total:   7,
	})
	assert.Equal(t, []string{"id", "name"}, qr.Columns())
	assert.Equal(t, int64(7), qr.Total())
	assert.Len(t, qr.RowTypes(), 2)
}
