package boreal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionParameters(t *testing.T) {
	p := newSessionParameters()
	p.Update([]Parameter{
		{Name: ParamServiceName, Value: "svc-7"},
		{Name: ParamClientSessionKeepAlive, Value: true},
		{Name: ParamKeepAliveHeartbeatFrequency, Value: float64(900)},
		{Name: ParamQueryContextCacheSize, Value: float64(8)},
		{Name: "SOMETHING_ELSE", Value: "kept"},
	})

	assert.Equal(t, "svc-7", p.ServiceName())
	assert.True(t, p.ClientSessionKeepAlive())
	assert.Equal(t, int64(900), p.KeepAliveHeartbeatFrequency())
	assert.Equal(t, 8, p.QueryContextCacheSize())

	v, ok := p.Get("SOMETHING_ELSE")
	assert.True(t, ok)
	assert.Equal(t, "kept", v)

	t.Run("Later updates win", func(t *testing.T) {
		p.Update([]Parameter{{Name: ParamServiceName, Value: "svc-8"}})
		assert.Equal(t, "svc-8", p.ServiceName())
	})
}

func TestSessionParameters_Defaults(t *testing.T) {
	p := newSessionParameters()
	assert.Empty(t, p.ServiceName())
	assert.False(t, p.ClientSessionKeepAlive())
	assert.Zero(t, p.KeepAliveHeartbeatFrequency())
	assert.Equal(t, defaultQueryContextCacheSize, p.QueryContextCacheSize())
}

func TestValidateHeartbeatFrequency(t *testing.T) {
	// With a 4-hour master validity the allowed range is [900, 3600].
	const validity = 14400

	tests := []struct {
		name  string
		input int64
		want  int64
	}{
		{"Within range", 1800, 1800},
		{"Clamped to a quarter of validity", 7200, 3600},
		{"Clamped up to the minimum", 60, 900},
		{"Exactly max", 3600, 3600},
		{"Exactly min", 900, 900},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validateHeartbeatFrequency(tt.input, validity))
		})
	}
}
