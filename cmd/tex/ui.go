package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"texchange/internal/game"
	"texchange/internal/market"
	"texchange/internal/p2p"
	"texchange/internal/store"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	neutral = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func renderMarkets(ids []string) {
	accent.Println("\n== MARKETS ==")
	if len(ids) == 0 {
		printInfo("No markets yet.")
		return
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	fmt.Println()
}

func renderStocks(marketID string, quotes []game.Quote) {
	accent.Printf("\n== STOCKS %s ==\n", marketID)
	if len(quotes) == 0 {
		printInfo("No stocks found.")
		return
	}
	fmt.Printf("%-8s %-28s %12s %12s %-10s %-9s\n", "TICKER", "NAME", "PRICE", "AVG", "TREND", "RISK")
	for _, q := range quotes {
		avg := "-"
		if q.HasAverage {
			avg = formatMoney(q.Average)
		}
		fmt.Printf("%-8s %-28s %12s %12s %-10s %-9s\n",
			q.Ticker,
			truncate(q.Name, 28),
			formatMoney(q.Price),
			avg,
			colorizeTrend(q.Trend),
			q.Risk,
		)
	}
	fmt.Println()
}

func renderStockDetail(d game.StockDetail) {
	accent.Printf("\n== %s (%s) ==\n", d.Ticker, d.Name)
	fmt.Printf("Price: $%s\n", formatMoney(d.Price))
	fmt.Printf("Risk:  %s\n", d.Risk)
	fmt.Printf("Trend: %s\n", colorizeTrend(d.Trend))
	if len(d.Series) > 1 {
		delta := d.Series[len(d.Series)-1].Price - d.Series[0].Price
		fmt.Printf("Change over %d updates: %s\n", len(d.Series), colorizeMoney(delta))
	}
	if len(d.Series) > 0 {
		fmt.Println()
		accent.Println("Recent Prices")
		fmt.Printf("%-20s %12s\n", "TIME", "PRICE")
		for i := len(d.Series) - 1; i >= 0; i-- {
			p := d.Series[i]
			fmt.Printf("%-20s %12s\n", p.RecordedAt.Local().Format("2006-01-02 15:04"), formatMoney(p.Price))
		}
	}
	fmt.Println()
}

func renderLeaderboard(marketID string, rows []store.LeaderboardEntry) {
	accent.Printf("\n== LEADERBOARD %s ==\n", marketID)
	if len(rows) == 0 {
		printInfo("No leaderboard rows yet.")
		return
	}
	fmt.Printf("%-6s %-22s %16s\n", "RANK", "USER", "NET WORTH")
	for i, row := range rows {
		fmt.Printf("%-6d %-22s %16s\n", i+1, truncate(row.UserID, 22), formatMoney(row.TotalValue))
	}
	fmt.Printf("updated %s\n\n", rows[0].LastUpdated.Local().Format("2006-01-02 15:04"))
}

func renderAccount(v game.AccountView) {
	accent.Printf("\n== PORTFOLIO %s @ %s ==\n", v.UserID, v.MarketID)
	fmt.Printf("Cash:        $%s\n", formatMoney(v.Cash))
	fmt.Printf("Total Value: $%s\n", formatMoney(v.TotalValue))
	if len(v.Holdings) > 0 {
		fmt.Println()
		fmt.Printf("%-8s %8s %12s %14s\n", "TICKER", "QTY", "PRICE", "VALUE")
		for _, h := range v.Holdings {
			fmt.Printf("%-8s %8d %12s %14s\n", h.Ticker, h.Qty, formatMoney(h.Price), formatMoney(h.Value()))
		}
	}
	if len(v.RecentTrades) > 0 {
		fmt.Println()
		accent.Println("Recent Trades")
		for _, t := range v.RecentTrades {
			fmt.Printf("%-16s %-4s %6d %-6s @ %s\n",
				t.ExecutedAt.Local().Format("01-02 15:04"), t.Side, t.Qty, t.Ticker, formatMoney(t.Price))
		}
	}
	fmt.Println()
}

func renderSessions(marketID string, sessions []p2p.Session) {
	accent.Printf("\n== TRADES %s ==\n", marketID)
	if len(sessions) == 0 {
		printInfo("No trades in progress.")
		return
	}
	for _, s := range sessions {
		responder := s.Responder
		if responder == "" {
			responder = "(waiting)"
		}
		fmt.Printf("%s  %-9s  %s gives %s  |  %s gives %s\n",
			shortID(s.ID), s.State, s.Initiator, s.InitiatorOffer, responder, s.ResponderOffer)
	}
	fmt.Println()
}

func renderTick(res market.TickResult) {
	if res.Queued {
		printInfo(fmt.Sprintf("Tick for market %s handed to the worker; watch for the price announcement.", res.MarketID))
		return
	}
	printSuccess(fmt.Sprintf("Market %s advanced (target $%s).", res.MarketID, formatMoney(res.Target)))
	for _, c := range res.Changes {
		fmt.Printf("%-8s %12s -> %12s  %s\n", c.Ticker, formatMoney(c.Old), formatMoney(c.New), colorizeMoney(c.New-c.Old))
	}
}

func colorizeTrend(t game.Trend) string {
	switch t {
	case game.TrendUp:
		return success.Sprint("▲ up")
	case game.TrendDown:
		return danger.Sprint("▼ down")
	case game.TrendStable:
		return neutral.Sprint("= stable")
	default:
		return neutral.Sprint("no data")
	}
}

func colorizeMoney(v float64) string {
	text := signedMoney(v)
	switch {
	case v > 0:
		return success.Sprint(text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func signedMoney(v float64) string {
	if v > 0 {
		return "+" + formatMoney(v)
	}
	return formatMoney(v)
}

// formatMoney renders v with two decimals and thousands separators.
func formatMoney(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(whole) <= 3 {
		return sign + whole + "." + frac
	}
	var b strings.Builder
	pre := len(whole) % 3
	if pre > 0 {
		b.WriteString(whole[:pre])
		b.WriteByte(',')
	}
	for i := pre; i < len(whole); i += 3 {
		b.WriteString(whole[i : i+3])
		if i+3 < len(whole) {
			b.WriteByte(',')
		}
	}
	return sign + b.String() + "." + frac
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
