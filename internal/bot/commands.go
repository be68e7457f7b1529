package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"texchange/internal/game"
	"texchange/internal/leaderboard"
	"texchange/internal/market"
	"texchange/internal/notify"
	"texchange/internal/p2p"
	"texchange/internal/store"
)

// Bot wires the economy, the engines and the trade protocol to chat
// commands.
type Bot struct {
	games  *game.Service
	engine market.Ticker
	board  *leaderboard.Cache
	trades *p2p.Protocol
	log    *slog.Logger

	reg  *Registry
	disp *Dispatcher
}

func New(games *game.Service, engine market.Ticker, board *leaderboard.Cache, trades *p2p.Protocol, prefix string, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{
		games:  games,
		engine: engine,
		board:  board,
		trades: trades,
		log:    logger,
		reg:    NewRegistry(),
	}
	b.registerCommands()
	b.disp = NewDispatcher(b.reg, prefix, logger, WithBefore(games.EnsureMarket))
	return b
}

func (b *Bot) Registry() *Registry     { return b.reg }
func (b *Bot) Dispatcher() *Dispatcher { return b.disp }

func (b *Bot) registerCommands() {
	for _, cmd := range []Command{
		{Name: "register", Usage: "register", Help: "Open an account with the starting balance", Handler: b.register},
		{Name: "balance", Usage: "balance", Help: "Show your cash", Handler: b.balance},
		{Name: "buy", Usage: "buy GMD 2", Help: "Buy shares at the current price", Handler: b.buy},
		{Name: "sell", Usage: "sell GMD 2", Help: "Sell shares at the current price", Handler: b.sell},
		{Name: "portfolio", Usage: "portfolio", Help: "Show your cash, holdings and total value", Handler: b.portfolio},
		{Name: "stocks", Usage: "stocks", Help: "List every stock with its trend", Handler: b.stocks},
		{Name: "price", Usage: "price GMD", Help: "Show one stock's price", Handler: b.price},
		{Name: "trend", Usage: "trend GMD [BTH ...] | trend all", Help: "Show recent price movement", Handler: b.trend},
		{Name: "leaderboard", Usage: "leaderboard", Help: "Show the richest players", Handler: b.leaderboard},
		{Name: "info", Usage: "info", Help: "List the commands you can use", Handler: b.info},

		{Name: "trade", Usage: "trade [@user]", Help: "Start a trade, open or addressed to someone", Category: CategoryP2P, Handler: b.trade},
		{Name: "join", Usage: "join [@initiator]", Help: "Join a trade addressed to you or an open one", Category: CategoryP2P, Handler: b.join},
		{Name: "offer", Usage: "offer cash 100 | offer GMD 2", Help: "Set what you put on the table; 0 withdraws", Category: CategoryP2P, Handler: b.offer},
		{Name: "accept", Usage: "accept", Help: "Accept the current terms", Category: CategoryP2P, Handler: b.accept},
		{Name: "deny", Usage: "deny", Help: "Reject the trade", Category: CategoryP2P, Handler: b.deny},
		{Name: "cancel", Usage: "cancel", Help: "Cancel the trade you started", Category: CategoryP2P, Handler: b.cancel},
		{Name: "tradestatus", Usage: "tradestatus", Help: "Show your trade's terms", Category: CategoryP2P, Handler: b.tradeStatus},

		{Name: "addstock", Usage: "addstock TICKER price risk Name...", Help: "List a new stock", Category: CategoryAdmin, Requires: AdminOnly, Handler: b.addStock},
		{Name: "setprice", Usage: "setprice TICKER price", Help: "Override a price", Category: CategoryAdmin, Requires: AdminOnly, Handler: b.setPrice},
		{Name: "setrisk", Usage: "setrisk TICKER low|moderate|high", Help: "Change a stock's risk tier", Category: CategoryAdmin, Requires: AdminOnly, Handler: b.setRisk},
		{Name: "settings", Usage: "settings", Help: "Show market settings", Category: CategoryAdmin, Requires: AdminOnly, Handler: b.settings},
		{Name: "setsetting", Usage: "setsetting key value", Help: "Change a market setting", Category: CategoryAdmin, Requires: AdminOnly, Handler: b.setSetting},
		{Name: "tick", Usage: "tick", Help: "Advance the market now", Category: CategoryAdmin, Requires: AdminOnly, Handler: b.tick},
		{Name: "rebuildleaderboard", Usage: "rebuildleaderboard", Help: "Recompute the leaderboard now", Category: CategoryAdmin, Requires: AdminOnly, Handler: b.rebuildLeaderboard},
	} {
		b.reg.Register(cmd)
	}
}

// secret reports whether personal replies should go to DMs.
func (b *Bot) secret(ctx context.Context, marketID string) bool {
	settings, err := b.games.Settings(ctx, marketID)
	if err != nil {
		b.log.Warn("settings read failed", "market", marketID, "err", err)
		return true
	}
	return settings.SecretProfiles
}

func (b *Bot) register(ctx context.Context, req Request) (Reply, error) {
	acc, err := b.games.Register(ctx, req.MarketID, req.UserID)
	if err != nil {
		return Reply{}, err
	}
	return Reply{
		Title: "Welcome to the Toilet Exchange!",
		Text: fmt.Sprintf("You've been registered and start with **$%s**.\n\nUse `%sbuy`, `%ssell`, or `%sportfolio` to begin trading.",
			money(acc.Cash), b.disp.prefix, b.disp.prefix, b.disp.prefix),
	}, nil
}

func (b *Bot) balance(ctx context.Context, req Request) (Reply, error) {
	cash, err := b.games.Balance(ctx, req.MarketID, req.UserID)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("💰 Balance: $%.2f", cash), Private: b.secret(ctx, req.MarketID)}, nil
}

func (b *Bot) buy(ctx context.Context, req Request) (Reply, error) {
	return b.order(ctx, req, store.SideBuy)
}

func (b *Bot) sell(ctx context.Context, req Request) (Reply, error) {
	return b.order(ctx, req, store.SideSell)
}

func (b *Bot) order(ctx context.Context, req Request, side store.Side) (Reply, error) {
	if len(req.Args) != 2 {
		return Reply{}, ErrUsage
	}
	ticker, qty, err := game.ParseOrderArgs(req.Args[0], req.Args[1])
	if err != nil {
		return Reply{}, err
	}
	var res store.OrderResult
	verb := "Bought"
	if side == store.SideBuy {
		res, err = b.games.Buy(ctx, req.MarketID, req.UserID, ticker, qty)
	} else {
		verb = "Sold"
		res, err = b.games.Sell(ctx, req.MarketID, req.UserID, ticker, qty)
	}
	if err != nil {
		return Reply{}, err
	}
	total := res.Trade.Price * float64(qty)
	return Reply{
		Text: fmt.Sprintf("✅ %s %d × %s for $%.2f.\nYou now hold %d %s and $%.2f cash.",
			verb, qty, res.Trade.Ticker, total, res.Holding, res.Trade.Ticker, res.Cash),
		Private: b.secret(ctx, req.MarketID),
	}, nil
}

func (b *Bot) portfolio(ctx context.Context, req Request) (Reply, error) {
	p, err := b.games.Portfolio(ctx, req.MarketID, req.UserID)
	if err != nil {
		return Reply{}, err
	}
	fields := []notify.Field{{Name: "💰 Cash", Value: fmt.Sprintf("$%.2f", p.Cash)}}
	for _, h := range p.Holdings {
		fields = append(fields, notify.Field{
			Name:  fmt.Sprintf("%s (%s)", h.Name, h.Ticker),
			Value: fmt.Sprintf("%d × $%.2f = $%.2f", h.Qty, h.Price, h.Value()),
		})
	}
	return Reply{
		Title:   "Portfolio",
		Text:    fmt.Sprintf("Total Value: $%.2f", p.TotalValue),
		Fields:  fields,
		Private: b.secret(ctx, req.MarketID),
	}, nil
}

func (b *Bot) stocks(ctx context.Context, req Request) (Reply, error) {
	quotes, err := b.games.Quotes(ctx, req.MarketID)
	if err != nil {
		return Reply{}, err
	}
	if len(quotes) == 0 {
		return Reply{Text: "No stocks found in this market."}, nil
	}
	fields := make([]notify.Field, 0, len(quotes))
	for _, q := range quotes {
		fields = append(fields, notify.Field{
			Name:  fmt.Sprintf("%s (%s)", q.Name, q.Ticker),
			Value: fmt.Sprintf("$%.2f | %s\nRisk: **%s**", q.Price, trendLabel(q), q.Risk),
		})
	}
	return Reply{Title: "📈 Market Overview", Fields: fields}, nil
}

func trendLabel(q game.Quote) string {
	switch q.Trend {
	case game.TrendUp:
		return fmt.Sprintf("🟢 Up (%+.2f)", q.Change())
	case game.TrendDown:
		return fmt.Sprintf("🔴 Down (%+.2f)", q.Change())
	case game.TrendStable:
		return "⚪ Stable"
	default:
		return "🟦 No data"
	}
}

func (b *Bot) price(ctx context.Context, req Request) (Reply, error) {
	if len(req.Args) != 1 {
		return Reply{}, ErrUsage
	}
	st, err := b.games.Price(ctx, req.MarketID, req.Args[0])
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("%s price: $%.2f", st.Ticker, st.Price)}, nil
}

func (b *Bot) trend(ctx context.Context, req Request) (Reply, error) {
	if len(req.Args) == 0 {
		return Reply{}, ErrUsage
	}
	tickers := req.Args
	if len(tickers) == 1 && strings.EqualFold(tickers[0], "all") {
		quotes, err := b.games.Quotes(ctx, req.MarketID)
		if err != nil {
			return Reply{}, err
		}
		tickers = tickers[:0:0]
		for _, q := range quotes {
			tickers = append(tickers, q.Ticker)
		}
	}
	var fields []notify.Field
	for _, t := range tickers {
		points, err := b.games.Trend(ctx, req.MarketID, t)
		if errors.Is(err, store.ErrStockNotFound) {
			continue
		}
		if err != nil {
			return Reply{}, err
		}
		if len(points) == 0 {
			continue
		}
		prices := make([]float64, len(points))
		for i, p := range points {
			prices[i] = p.Price
		}
		first, last := prices[0], prices[len(prices)-1]
		fields = append(fields, notify.Field{
			Name: game.NormalizeTicker(t),
			Value: fmt.Sprintf("`%s` $%.2f → $%.2f (%+.1f%%) over %d updates",
				sparkline(prices), first, last, (last-first)/first*100, len(prices)),
		})
	}
	if len(fields) == 0 {
		return Reply{Text: "No recent data found for the given tickers."}, nil
	}
	return Reply{Title: "📈 Market Trends", Fields: fields}, nil
}

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

func sparkline(values []float64) string {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	out := make([]rune, len(values))
	for i, v := range values {
		idx := 0
		if hi > lo {
			idx = int((v - lo) / (hi - lo) * float64(len(sparkRunes)-1))
		}
		out[i] = sparkRunes[idx]
	}
	return string(out)
}

func (b *Bot) leaderboard(ctx context.Context, req Request) (Reply, error) {
	rows, err := b.board.Top(ctx, req.MarketID, leaderboard.DefaultPostSize)
	if err != nil {
		return Reply{}, err
	}
	if len(rows) == 0 {
		return Reply{Text: "No players on the leaderboard yet."}, nil
	}
	return Reply{
		Title:  "🏆 Leaderboard",
		Text:   fmt.Sprintf("Last updated %s UTC", rows[0].LastUpdated.UTC().Format("2006-01-02 15:04")),
		Fields: leaderboard.Fields(rows),
	}, nil
}

func (b *Bot) info(_ context.Context, req Request) (Reply, error) {
	var fields []notify.Field
	for _, cat := range Categories {
		cmds := b.reg.Visible(cat, req.Admin)
		if len(cmds) == 0 {
			continue
		}
		lines := make([]string, 0, len(cmds))
		for _, c := range cmds {
			lines = append(lines, fmt.Sprintf("`%s%s` %s", b.disp.prefix, c.Usage, c.Help))
		}
		fields = append(fields, notify.Field{Name: categoryTitle(cat), Value: strings.Join(lines, "\n")})
	}
	return Reply{Title: "🚽 Toilet Exchange commands", Fields: fields}, nil
}

func categoryTitle(c Category) string {
	switch c {
	case CategoryP2P:
		return "🤝 Trading with players"
	case CategoryAdmin:
		return "🛠️ Admin"
	default:
		return "📊 Market"
	}
}

func (b *Bot) trade(ctx context.Context, req Request) (Reply, error) {
	target := ""
	if len(req.Args) > 0 {
		id, ok := mentionID(req.Args[0])
		if !ok {
			return Reply{}, ErrUsage
		}
		target = id
	}
	if _, err := b.games.Balance(ctx, req.MarketID, req.UserID); err != nil {
		return Reply{}, err
	}
	s, err := b.trades.Create(ctx, req.MarketID, req.UserID, target)
	if err != nil {
		return Reply{}, err
	}
	p := b.disp.prefix
	if s.Open() {
		return Reply{Text: fmt.Sprintf("🤝 <@%s> opened a trade. Anyone can `%sjoin <@%s>`.", s.Initiator, p, s.Initiator)}, nil
	}
	return Reply{
		Text:     fmt.Sprintf("🤝 <@%s> wants to trade with <@%s>. Use `%sjoin` to accept or `%sdeny` to refuse.", s.Initiator, s.Target, p, p),
		Mentions: []string{s.Target},
	}, nil
}

func (b *Bot) join(ctx context.Context, req Request) (Reply, error) {
	initiator := ""
	if len(req.Args) > 0 {
		id, ok := mentionID(req.Args[0])
		if !ok {
			return Reply{}, ErrUsage
		}
		initiator = id
	}
	if _, err := b.games.Balance(ctx, req.MarketID, req.UserID); err != nil {
		return Reply{}, err
	}
	s, err := b.trades.Join(ctx, req.MarketID, req.UserID, initiator)
	if err != nil {
		return Reply{}, err
	}
	p := b.disp.prefix
	return Reply{
		Text: fmt.Sprintf("🔗 <@%s> joined <@%s>'s trade. Use `%soffer` to set terms, then `%saccept`.",
			s.Responder, s.Initiator, p, p),
		Mentions: []string{s.Initiator},
	}, nil
}

func (b *Bot) offer(ctx context.Context, req Request) (Reply, error) {
	if len(req.Args) != 2 {
		return Reply{}, ErrUsage
	}
	var (
		s   p2p.Session
		err error
	)
	if strings.EqualFold(req.Args[0], "cash") {
		amount, perr := strconv.ParseFloat(strings.TrimPrefix(req.Args[1], "$"), 64)
		if perr != nil {
			return Reply{}, ErrUsage
		}
		s, err = b.trades.OfferCash(ctx, req.MarketID, req.UserID, amount)
	} else {
		qty, perr := strconv.ParseInt(req.Args[1], 10, 64)
		if perr != nil {
			return Reply{}, ErrUsage
		}
		ticker := game.NormalizeTicker(req.Args[0])
		if _, err := b.games.Price(ctx, req.MarketID, ticker); err != nil {
			return Reply{}, err
		}
		s, err = b.trades.OfferStock(ctx, req.MarketID, req.UserID, ticker, qty)
	}
	if err != nil {
		return Reply{}, err
	}
	return statusReply("📝 Offer updated. Both parties must accept again.", s), nil
}

func (b *Bot) accept(ctx context.Context, req Request) (Reply, error) {
	out, err := b.trades.Accept(ctx, req.MarketID, req.UserID)
	if err != nil {
		return Reply{}, err
	}
	s := out.Session
	if out.Settled {
		return Reply{
			Title:    "✅ Trade complete!",
			Text:     p2p.Summary(s),
			Mentions: []string{s.Initiator, s.Responder},
		}, nil
	}
	role, _ := s.RoleOf(req.UserID)
	other := s.Party(counterpart(role))
	return Reply{
		Text:     fmt.Sprintf("👍 <@%s> accepted. Waiting for <@%s>.", req.UserID, other),
		Mentions: []string{other},
	}, nil
}

func counterpart(r p2p.Role) p2p.Role {
	if r == p2p.RoleInitiator {
		return p2p.RoleResponder
	}
	return p2p.RoleInitiator
}

func (b *Bot) deny(ctx context.Context, req Request) (Reply, error) {
	s, err := b.trades.Deny(ctx, req.MarketID, req.UserID)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("🚫 <@%s> denied the trade.", req.UserID), Mentions: []string{s.Initiator}}, nil
}

func (b *Bot) cancel(ctx context.Context, req Request) (Reply, error) {
	s, err := b.trades.Cancel(ctx, req.MarketID, req.UserID)
	if err != nil {
		return Reply{}, err
	}
	var mentions []string
	if s.Responder != "" {
		mentions = append(mentions, s.Responder)
	}
	return Reply{Text: fmt.Sprintf("🛑 <@%s> cancelled the trade.", req.UserID), Mentions: mentions}, nil
}

func (b *Bot) tradeStatus(_ context.Context, req Request) (Reply, error) {
	s, ok := b.trades.Session(req.MarketID, req.UserID)
	if !ok {
		return Reply{}, p2p.ErrNoSession
	}
	return statusReply("📋 Trade status", s), nil
}

func statusReply(title string, s p2p.Session) Reply {
	responder := "(waiting)"
	if s.Responder != "" {
		responder = "<@" + s.Responder + ">"
	}
	return Reply{
		Title: title,
		Fields: []notify.Field{
			{Name: "Initiator", Value: fmt.Sprintf("<@%s> gives %s%s", s.Initiator, s.InitiatorOffer, acceptedMark(s.InitiatorAccepted))},
			{Name: "Responder", Value: fmt.Sprintf("%s gives %s%s", responder, s.ResponderOffer, acceptedMark(s.ResponderAccepted))},
			{Name: "State", Value: string(s.State)},
		},
	}
}

func acceptedMark(accepted bool) string {
	if accepted {
		return " ✅"
	}
	return ""
}

func (b *Bot) addStock(ctx context.Context, req Request) (Reply, error) {
	if len(req.Args) < 4 {
		return Reply{}, ErrUsage
	}
	price, err := strconv.ParseFloat(strings.TrimPrefix(req.Args[1], "$"), 64)
	if err != nil {
		return Reply{}, ErrUsage
	}
	st, err := b.games.AddStock(ctx, req.MarketID, req.Args[0], req.Rest(3), price, req.Args[2])
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("✅ Added %s (%s) at $%.2f, %s risk.", st.Name, st.Ticker, st.Price, st.Risk)}, nil
}

func (b *Bot) setPrice(ctx context.Context, req Request) (Reply, error) {
	if len(req.Args) != 2 {
		return Reply{}, ErrUsage
	}
	price, err := strconv.ParseFloat(strings.TrimPrefix(req.Args[1], "$"), 64)
	if err != nil {
		return Reply{}, ErrUsage
	}
	if err := b.games.SetPrice(ctx, req.MarketID, req.Args[0], price); err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("✅ %s price set to $%.2f.", game.NormalizeTicker(req.Args[0]), price)}, nil
}

func (b *Bot) setRisk(ctx context.Context, req Request) (Reply, error) {
	if len(req.Args) != 2 {
		return Reply{}, ErrUsage
	}
	if err := b.games.SetRisk(ctx, req.MarketID, req.Args[0], req.Args[1]); err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("✅ %s risk set to %s.", game.NormalizeTicker(req.Args[0]), strings.ToLower(req.Args[1]))}, nil
}

func (b *Bot) settings(ctx context.Context, req Request) (Reply, error) {
	s, err := b.games.Settings(ctx, req.MarketID)
	if err != nil {
		return Reply{}, err
	}
	fields := make([]notify.Field, 0, len(store.SettingKeys))
	for _, key := range store.SettingKeys {
		v, err := s.Get(key)
		if err != nil {
			return Reply{}, err
		}
		fields = append(fields, notify.Field{Name: key, Value: fmt.Sprint(v)})
	}
	return Reply{Title: "⚙️ Market settings", Fields: fields, Private: true}, nil
}

func (b *Bot) setSetting(ctx context.Context, req Request) (Reply, error) {
	if len(req.Args) < 2 {
		return Reply{}, ErrUsage
	}
	key := strings.ToLower(req.Args[0])
	s, err := b.games.UpdateSetting(ctx, req.MarketID, key, req.Rest(1))
	if err != nil {
		return Reply{}, err
	}
	v, _ := s.Get(key)
	return Reply{Text: fmt.Sprintf("✅ `%s` updated to `%v`.", key, v), Private: true}, nil
}

func (b *Bot) tick(ctx context.Context, req Request) (Reply, error) {
	res, err := b.engine.Tick(ctx, req.MarketID)
	if err != nil {
		return Reply{}, err
	}
	if res.Queued {
		return Reply{Text: "✅ Tick requested. The new prices will be announced here shortly.", Private: true}, nil
	}
	return Reply{Text: fmt.Sprintf("✅ Market advanced: %d stocks repriced.", len(res.Changes)), Private: true}, nil
}

func (b *Bot) rebuildLeaderboard(ctx context.Context, req Request) (Reply, error) {
	if err := b.board.Rebuild(ctx, req.MarketID); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "✅ Leaderboard rebuilt.", Private: true}, nil
}

func money(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	whole, frac, _ := strings.Cut(s, ".")
	neg := strings.HasPrefix(whole, "-")
	whole = strings.TrimPrefix(whole, "-")
	var buf strings.Builder
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			buf.WriteByte(',')
		}
		buf.WriteRune(c)
	}
	out := buf.String() + "." + frac
	if neg {
		out = "-" + out
	}
	return out
}
