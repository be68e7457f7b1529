package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"texchange/internal/game"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
)

type quoteSource interface {
	Stocks(ctx context.Context, marketID string) ([]game.Quote, error)
}

type quotesMsg struct {
	quotes []game.Quote
	at     time.Time
}

type fetchErrMsg struct{ err error }

type refreshMsg struct{}

// watchModel is a live stock table for one market.
type watchModel struct {
	src     quoteSource
	market  string
	every   time.Duration
	table   table.Model
	prev    map[string]float64
	updated time.Time
	err     error
}

func newWatchModel(src quoteSource, marketID string, every time.Duration) watchModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Ticker", Width: 8},
			{Title: "Name", Width: 26},
			{Title: "Price", Width: 12},
			{Title: "Δ", Width: 10},
			{Title: "Avg", Width: 12},
			{Title: "Trend", Width: 9},
			{Title: "Risk", Width: 9},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return watchModel{src: src, market: marketID, every: every, table: t, prev: map[string]float64{}}
}

func (m watchModel) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	quotes, err := m.src.Stocks(ctx, m.market)
	if err != nil {
		return fetchErrMsg{err: err}
	}
	return quotesMsg{quotes: quotes, at: time.Now()}
}

func (m watchModel) schedule() tea.Cmd {
	return tea.Tick(m.every, func(time.Time) tea.Msg { return refreshMsg{} })
}

func (m watchModel) Init() tea.Cmd {
	return m.fetch
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch
		}
	case refreshMsg:
		return m, m.fetch
	case quotesMsg:
		m.table.SetRows(quoteRows(msg.quotes, m.prev))
		for _, q := range msg.quotes {
			m.prev[q.Ticker] = q.Price
		}
		m.updated = msg.at
		m.err = nil
		return m, m.schedule()
	case fetchErrMsg:
		m.err = msg.err
		return m, m.schedule()
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	out := titleStyle.Render("Toilet Exchange · "+m.market) + "\n" + boxStyle.Render(m.table.View()) + "\n"
	if m.err != nil {
		out += errStyle.Render("refresh failed: "+m.err.Error()) + "\n"
	}
	updated := "never"
	if !m.updated.IsZero() {
		updated = m.updated.Format("15:04:05")
	}
	return out + footerStyle.Render(fmt.Sprintf("updated %s · every %s · r refresh · q quit", updated, m.every))
}

// quoteRows renders quotes as table rows; the Δ column compares against the
// previous refresh.
func quoteRows(quotes []game.Quote, prev map[string]float64) []table.Row {
	rows := make([]table.Row, 0, len(quotes))
	for _, q := range quotes {
		delta := ""
		if old, ok := prev[q.Ticker]; ok {
			delta = signedMoney(q.Price - old)
		}
		avg := "-"
		if q.HasAverage {
			avg = formatMoney(q.Average)
		}
		rows = append(rows, table.Row{
			q.Ticker,
			truncate(q.Name, 26),
			formatMoney(q.Price),
			delta,
			avg,
			string(q.Trend),
			string(q.Risk),
		})
	}
	return rows
}
