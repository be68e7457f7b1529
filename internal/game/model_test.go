package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texchange/internal/store"
)

func TestValidateTicker(t *testing.T) {
	valid := []string{"GMD", "BPT", "A", "DUST42"}
	for _, s := range valid {
		assert.NoError(t, ValidateTicker(s), s)
	}

	invalid := []string{"", "gmd", "1ABC", "TOOLONG", "A_B", "G M"}
	for _, s := range invalid {
		assert.ErrorIs(t, ValidateTicker(s), ErrInvalidTicker, s)
	}
}

func TestParseSetting(t *testing.T) {
	tests := []struct {
		key     string
		raw     string
		want    any
		wantErr bool
	}{
		{key: store.SettingLeaderboardPostTime, raw: "07:30", want: "07:30"},
		{key: store.SettingLeaderboardPostTime, raw: "None", want: "none"},
		{key: store.SettingLeaderboardPostTime, raw: "25:00", wantErr: true},
		{key: store.SettingLeaderboardUpdateRate, raw: "15", want: 15},
		{key: store.SettingLeaderboardUpdateRate, raw: "0", wantErr: true},
		{key: store.SettingMarketUpdateRate, raw: "2", want: 2},
		{key: store.SettingMarketUpdateRate, raw: "1.5", wantErr: true},
		{key: store.SettingStartingMoney, raw: "$2500", want: 2500.0},
		{key: store.SettingStartingMoney, raw: "-1", wantErr: true},
		{key: store.SettingSecretProfiles, raw: "off", want: false},
		{key: store.SettingSecretProfiles, raw: "TRUE", want: true},
		{key: store.SettingSecretProfiles, raw: "maybe", wantErr: true},
		{key: store.SettingMarketBias, raw: "-0.001", want: -0.001},
		{key: store.SettingMarketBias, raw: "NaN", wantErr: true},
		{key: store.SettingTargetPrice, raw: "0", wantErr: true},
		{key: store.SettingTargetPrice, raw: "120", want: 120.0},
		{key: "guild_id", raw: "1", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.key+"="+tc.raw, func(t *testing.T) {
			got, err := ParseSetting(tc.key, tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, store.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseOrderArgs(t *testing.T) {
	ticker, qty, err := ParseOrderArgs("gmd", "2")
	require.NoError(t, err)
	assert.Equal(t, "GMD", ticker)
	assert.EqualValues(t, 2, qty)

	ticker, qty, err = ParseOrderArgs("3", "bth")
	require.NoError(t, err)
	assert.Equal(t, "BTH", ticker)
	assert.EqualValues(t, 3, qty)

	_, _, err = ParseOrderArgs("GMD", "two")
	assert.ErrorIs(t, err, store.ErrValidation)
	_, _, err = ParseOrderArgs("GMD", "0")
	assert.ErrorIs(t, err, store.ErrInvalidQuantity)
}

func TestAverageAndTrend(t *testing.T) {
	pts := func(prices ...float64) []store.PricePoint {
		out := make([]store.PricePoint, len(prices))
		for i, p := range prices {
			out[i] = store.PricePoint{Price: p}
		}
		return out
	}

	_, ok := Average(nil, AverageWindow)
	assert.False(t, ok)
	assert.Equal(t, TrendNoData, TrendOf(10, 0, false))

	avg, ok := Average(pts(100, 1, 2, 3, 4, 5), AverageWindow)
	require.True(t, ok)
	assert.InDelta(t, 3.0, avg, 1e-9, "only the last window points count")

	assert.Equal(t, TrendUp, TrendOf(4, avg, true))
	assert.Equal(t, TrendDown, TrendOf(2, avg, true))
	assert.Equal(t, TrendStable, TrendOf(3, avg, true))
}
