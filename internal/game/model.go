package game

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"texchange/internal/leaderboard"
	"texchange/internal/store"
)

const (
	// AverageWindow is how many history points the quote average spans.
	AverageWindow = 5
	// TrendWindow is how many history points a trend shows.
	TrendWindow = 20
)

var (
	ErrInvalidTicker = store.Validation("ticker must be 1-6 uppercase letters or digits, starting with a letter")
	ErrInvalidName   = store.Validation("stock name must be 1-64 characters")
	ErrInvalidValue  = store.Validation("invalid setting value")
)

// DefaultStocks seeds every new market.
var DefaultStocks = []store.Stock{
	{Ticker: "GMD", Name: "GOMADINC", Price: 200.28, Risk: store.RiskModerate},
	{Ticker: "BTH", Name: "Gamer Goddess Bathwater", Price: 150.00, Risk: store.RiskModerate},
	{Ticker: "JFP", Name: "JUST POSTS, Fences & Posts", Price: 0.28, Risk: store.RiskLow},
	{Ticker: "BPT", Name: "Blood Potions", Price: 700.00, Risk: store.RiskHigh},
}

var tickerRE = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,5}$`)

func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

func ValidateTicker(ticker string) error {
	if !tickerRE.MatchString(ticker) {
		return ErrInvalidTicker
	}
	return nil
}

func validateStockName(name string) error {
	n := len([]rune(strings.TrimSpace(name)))
	if n == 0 || n > 64 {
		return ErrInvalidName
	}
	return nil
}

// ParseSetting converts a raw chat value into the typed value for key.
func ParseSetting(key, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch key {
	case store.SettingLeaderboardPostTime:
		_, _, enabled, err := leaderboard.ParsePostTime(raw)
		if err != nil {
			return nil, store.Validationf("%s: want HH:MM (UTC) or none", key)
		}
		if !enabled {
			return leaderboard.PostDisabled, nil
		}
		return raw, nil

	case store.SettingLeaderboardUpdateRate, store.SettingMarketUpdateRate:
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, store.Validationf("%s: want a whole number >= 1", key)
		}
		return n, nil

	case store.SettingStartingMoney:
		f, err := parseFinite(raw)
		if err != nil || f < 0 {
			return nil, store.Validationf("%s: want a non-negative amount", key)
		}
		return f, nil

	case store.SettingSecretProfiles:
		switch strings.ToLower(raw) {
		case "true", "yes", "on", "1":
			return true, nil
		case "false", "no", "off", "0":
			return false, nil
		}
		return nil, store.Validationf("%s: want true or false", key)

	case store.SettingMarketBias:
		f, err := parseFinite(raw)
		if err != nil {
			return nil, store.Validationf("%s: want a number", key)
		}
		return f, nil

	case store.SettingTargetPrice:
		f, err := parseFinite(raw)
		if err != nil || f <= 0 {
			return nil, store.Validationf("%s: want a price > 0", key)
		}
		return f, nil
	}
	return nil, store.ErrUnknownSetting
}

func parseFinite(raw string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimPrefix(raw, "$"), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrInvalidValue
	}
	return f, nil
}

// ParseOrderArgs accepts "TICKER QTY" in either order.
func ParseOrderArgs(a, b string) (ticker string, qty int64, err error) {
	if n, perr := strconv.ParseInt(a, 10, 64); perr == nil {
		return NormalizeTicker(b), n, checkQty(n)
	}
	if n, perr := strconv.ParseInt(b, 10, 64); perr == nil {
		return NormalizeTicker(a), n, checkQty(n)
	}
	return "", 0, store.Validation("quantity must be a number")
}

func checkQty(n int64) error {
	if n <= 0 {
		return store.ErrInvalidQuantity
	}
	return nil
}

// Average is the mean of the last window prices, oldest first.
func Average(points []store.PricePoint, window int) (float64, bool) {
	if window > 0 && len(points) > window {
		points = points[len(points)-window:]
	}
	if len(points) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, p := range points {
		sum += p.Price
	}
	return sum / float64(len(points)), true
}

type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
	TrendNoData Trend = "no data"
)

// TrendOf compares price with its moving average.
func TrendOf(price, avg float64, ok bool) Trend {
	switch {
	case !ok:
		return TrendNoData
	case price > avg:
		return TrendUp
	case price < avg:
		return TrendDown
	default:
		return TrendStable
	}
}
