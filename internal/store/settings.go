package store

import "fmt"

// Settings is the per-market runtime configuration. Rates are minutes for
// the leaderboard and hours for the market.
type Settings struct {
	MarketID              string  `json:"market_id"`
	LeaderboardPostTime   string  `json:"leaderboard_post_time"`
	LeaderboardUpdateRate int     `json:"leaderboard_update_rate"`
	MarketUpdateRate      int     `json:"market_update_rate"`
	StartingMoney         float64 `json:"starting_money"`
	SecretProfiles        bool    `json:"secret_profiles"`
	MarketBias            float64 `json:"market_bias"`
	TargetPrice           float64 `json:"target_price"`
}

const (
	SettingLeaderboardPostTime   = "leaderboard_post_time"
	SettingLeaderboardUpdateRate = "leaderboard_update_rate"
	SettingMarketUpdateRate      = "market_update_rate"
	SettingStartingMoney         = "starting_money"
	SettingSecretProfiles        = "secret_profiles"
	SettingMarketBias            = "market_bias"
	SettingTargetPrice           = "target_price"
)

// SettingKeys lists the mutable settings in display order.
var SettingKeys = []string{
	SettingLeaderboardPostTime,
	SettingLeaderboardUpdateRate,
	SettingMarketUpdateRate,
	SettingStartingMoney,
	SettingSecretProfiles,
	SettingMarketBias,
	SettingTargetPrice,
}

func DefaultSettings(marketID string) Settings {
	return Settings{
		MarketID:              marketID,
		LeaderboardPostTime:   "23:00",
		LeaderboardUpdateRate: 10,
		MarketUpdateRate:      1,
		StartingMoney:         1000,
		SecretProfiles:        true,
		MarketBias:            0.0008,
		TargetPrice:           100,
	}
}

// Get returns the value of key in its column type.
func (s Settings) Get(key string) (any, error) {
	switch key {
	case SettingLeaderboardPostTime:
		return s.LeaderboardPostTime, nil
	case SettingLeaderboardUpdateRate:
		return s.LeaderboardUpdateRate, nil
	case SettingMarketUpdateRate:
		return s.MarketUpdateRate, nil
	case SettingStartingMoney:
		return s.StartingMoney, nil
	case SettingSecretProfiles:
		return s.SecretProfiles, nil
	case SettingMarketBias:
		return s.MarketBias, nil
	case SettingTargetPrice:
		return s.TargetPrice, nil
	}
	return nil, ErrUnknownSetting
}

// With returns a copy of s with key set to value. value must already have
// the column type (string, int, float64 or bool).
func (s Settings) With(key string, value any) (Settings, error) {
	ok := false
	switch key {
	case SettingLeaderboardPostTime:
		s.LeaderboardPostTime, ok = value.(string)
	case SettingLeaderboardUpdateRate:
		s.LeaderboardUpdateRate, ok = value.(int)
	case SettingMarketUpdateRate:
		s.MarketUpdateRate, ok = value.(int)
	case SettingStartingMoney:
		s.StartingMoney, ok = value.(float64)
	case SettingSecretProfiles:
		s.SecretProfiles, ok = value.(bool)
	case SettingMarketBias:
		s.MarketBias, ok = value.(float64)
	case SettingTargetPrice:
		s.TargetPrice, ok = value.(float64)
	default:
		return s, ErrUnknownSetting
	}
	if !ok {
		return s, Validationf("setting %s: unexpected value type %T", key, value)
	}
	return s, nil
}

func (s Settings) String() string {
	return fmt.Sprintf("market=%s post=%s lb_rate=%dm market_rate=%dh start=%.2f secret=%t bias=%g target=%.2f",
		s.MarketID, s.LeaderboardPostTime, s.LeaderboardUpdateRate, s.MarketUpdateRate,
		s.StartingMoney, s.SecretProfiles, s.MarketBias, s.TargetPrice)
}
