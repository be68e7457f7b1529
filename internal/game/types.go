package game

import "texchange/internal/store"

type Portfolio struct {
	MarketID   string          `json:"market_id"`
	UserID     string          `json:"user_id"`
	Cash       float64         `json:"cash"`
	Holdings   []store.Holding `json:"holdings"`
	TotalValue float64         `json:"total_value"`
}

type Quote struct {
	store.Stock
	Average    float64 `json:"average"`
	HasAverage bool    `json:"has_average"`
	Trend      Trend   `json:"trend"`
}

// Change is the price minus its moving average.
func (q Quote) Change() float64 {
	if !q.HasAverage {
		return 0
	}
	return q.Price - q.Average
}

type StockDetail struct {
	Quote
	Series []store.PricePoint `json:"series"`
}

type AccountView struct {
	Portfolio
	RecentTrades []store.TradeRecord `json:"recent_trades"`
}
