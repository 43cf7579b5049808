package boreal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenInfo_Update(t *testing.T) {
	now := time.UnixMilli(1_000_000)

	t.Run("Current field names", func(t *testing.T) {
		ti := newTokenInfo(nil)
		ti.update(&tokenUpdate{
			Token:                   "st",
			MasterToken:             "mt",
			ValidityInSeconds:       3600,
			MasterValidityInSeconds: 14400,
		}, now)

		assert.Equal(t, "st", ti.SessionToken())
		assert.Equal(t, "mt", ti.MasterToken())
		assert.Equal(t, now.UnixMilli()+3600*1000, ti.SessionTokenExpirationTime())
		assert.Equal(t, now.UnixMilli()+14400*1000, ti.MasterTokenExpirationTime())
		assert.False(t, ti.IsEmpty())
	})

	t.Run("Legacy field names", func(t *testing.T) {
		ti := newTokenInfo(nil)
		ti.update(&tokenUpdate{
			SessionToken:        "st",
			MasterToken:         "mt",
			ValidityInSecondsST: 100,
			ValidityInSecondsMT: 200,
		}, now)

		assert.Equal(t, "st", ti.SessionToken())
		assert.Equal(t, now.UnixMilli()+100*1000, ti.SessionTokenExpirationTime())
		assert.Equal(t, now.UnixMilli()+200*1000, ti.MasterTokenExpirationTime())
	})

	t.Run("Current names win over legacy", func(t *testing.T) {
		ti := newTokenInfo(nil)
		ti.update(&tokenUpdate{
			Token:               "current",
			SessionToken:        "legacy",
			MasterToken:         "mt",
			ValidityInSeconds:   50,
			ValidityInSecondsST: 999,
			ValidityInSecondsMT: 10,
		}, now)

		assert.Equal(t, "current", ti.SessionToken())
		assert.Equal(t, now.UnixMilli()+50*1000, ti.SessionTokenExpirationTime())
	})
}

func TestTokenInfo_IsEmpty(t *testing.T) {
	t.Run("Fresh token info is empty", func(t *testing.T) {
		assert.True(t, newTokenInfo(nil).IsEmpty())
	})

	t.Run("Any missing field means empty", func(t *testing.T) {
		configs := []*TokenConfig{
			{SessionToken: "st", MasterTokenExpirationTime: 1, SessionTokenExpirationTime: 1},
			{MasterToken: "mt", MasterTokenExpirationTime: 1, SessionTokenExpirationTime: 1},
			{MasterToken: "mt", SessionToken: "st", SessionTokenExpirationTime: 1},
			{MasterToken: "mt", SessionToken: "st", MasterTokenExpirationTime: 1},
		}
		for _, cfg := range configs {
			assert.True(t, newTokenInfo(cfg).IsEmpty())
		}
	})

	t.Run("All fields present means not empty", func(t *testing.T) {
		ti := newTokenInfo(&TokenConfig{
			MasterToken:                "mt",
			SessionToken:               "st",
			MasterTokenExpirationTime:  1,
			SessionTokenExpirationTime: 1,
		})
		assert.False(t, ti.IsEmpty())
	})
}

func TestTokenInfo_ClearAndConfig(t *testing.T) {
	original := &TokenConfig{
		MasterToken:                "mt",
		SessionToken:               "st",
		MasterTokenExpirationTime:  200,
		SessionTokenExpirationTime: 100,
	}
	ti := newTokenInfo(original)

	require.Equal(t, original, ti.Config())

	ti.Clear()
	assert.True(t, ti.IsEmpty())
	assert.Empty(t, ti.SessionToken())
	assert.Empty(t, ti.MasterToken())
	assert.Zero(t, ti.SessionTokenExpirationTime())
}
