package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texchange/internal/game"
	"texchange/internal/leaderboard"
	"texchange/internal/market"
	"texchange/internal/notify"
	"texchange/internal/p2p"
	"texchange/internal/store"
)

type halfSource struct{}

func (halfSource) Float64() float64 { return 0.5 }

func newTestServer(t *testing.T, adminToken string) (*httptest.Server, *Hub) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	hub := NewHub(nil)
	games := game.NewService(ms, nil)
	svc := Services{
		Games:  games,
		Engine: market.NewEngine(ms, hub, nil, market.WithSource(halfSource{})),
		Board:  leaderboard.New(ms, hub, nil),
		Trades: p2p.New(nil, ms, nil, nil),
		Hub:    hub,
	}
	_, err := games.Register(ctx, "g1", "u1")
	require.NoError(t, err)
	_, err = games.Buy(ctx, "g1", "u1", "GMD", 2)
	require.NoError(t, err)
	_, err = games.Register(ctx, "g1", "u2")
	require.NoError(t, err)
	_, err = svc.Trades.Create(ctx, "g1", "u1", "u2")
	require.NoError(t, err)

	srv := httptest.NewServer(New(adminToken, nil, svc).Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv, hub
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func post(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestReadRoutes(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	var markets struct {
		Markets []string `json:"markets"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/markets", &markets))
	assert.Equal(t, []string{"g1"}, markets.Markets)

	var stocks struct {
		Stocks []game.Quote `json:"stocks"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/markets/g1/stocks", &stocks))
	assert.Len(t, stocks.Stocks, len(game.DefaultStocks))

	var detail game.StockDetail
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/markets/g1/stocks/gmd?points=5", &detail))
	assert.Equal(t, "GMD", detail.Ticker)
	assert.InDelta(t, 200.28, detail.Price, 1e-9)

	var account game.AccountView
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/markets/g1/accounts/u1", &account))
	assert.InDelta(t, 599.44, account.Cash, 1e-9)
	require.Len(t, account.Holdings, 1)
	require.Len(t, account.RecentTrades, 1)
	assert.Equal(t, store.SideBuy, account.RecentTrades[0].Side)

	var trades struct {
		Sessions []p2p.Session `json:"sessions"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/markets/g1/trades", &trades))
	require.Len(t, trades.Sessions, 1)
	assert.Equal(t, "u2", trades.Sessions[0].Target)
}

func TestErrorStatuses(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/v1/markets/g1/stocks/NOPE", &body))
	assert.NotEmpty(t, body["error"])
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/v1/markets/g1/accounts/ghost", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/v1/markets/g1/leaderboard?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/v1/markets/g1/stocks/GMD?points=x", nil))
}

func TestAdminRoutesRequireToken(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, post(t, srv.URL+"/v1/markets/g1/tick", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, post(t, srv.URL+"/v1/markets/g1/tick", "wrong").StatusCode)

	resp := post(t, srv.URL+"/v1/markets/g1/tick", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tick market.TickResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tick))
	assert.Len(t, tick.Changes, len(game.DefaultStocks))

	resp = post(t, srv.URL+"/v1/markets/g1/leaderboard/rebuild", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var board struct {
		Rows []store.LeaderboardEntry `json:"rows"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&board))
	require.Len(t, board.Rows, 2)

	var top struct {
		Rows []store.LeaderboardEntry `json:"rows"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/markets/g1/leaderboard?limit=1", &top))
	assert.Len(t, top.Rows, 1)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	srv, _ := newTestServer(t, "")
	assert.Equal(t, http.StatusForbidden, post(t, srv.URL+"/v1/markets/g1/tick", "anything").StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, "")
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))

	getJSON(t, srv.URL+"/v1/markets/g1/stocks", nil)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "texchange_http_requests_total")
}

func TestWebsocketReceivesMarketUpdates(t *testing.T) {
	srv, hub := newTestServer(t, "secret")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?market=g1"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	other, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws?market=g2", nil)
	require.NoError(t, err)
	defer other.Close()
	require.Eventually(t, func() bool { return hub.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/markets/g1/tick", "secret").StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg notify.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "g1", msg.MarketID)
	assert.Equal(t, notify.KindPricesUpdated, msg.Kind)
	assert.Len(t, msg.Fields, len(game.DefaultStocks))

	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = other.ReadMessage()
	assert.Error(t, err, "subscriber of another market gets nothing")
}

func TestHubDropsForLaggingClients(t *testing.T) {
	hub := NewHub(nil)
	c := &wsClient{send: make(chan []byte, 1)}
	hub.clients[c] = struct{}{}

	msg := notify.Message{MarketID: "g1", Kind: notify.KindTrade, Text: "x"}
	require.NoError(t, hub.Notify(context.Background(), msg))
	require.NoError(t, hub.Notify(context.Background(), msg))
	assert.Len(t, c.send, 1)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("  bearer   abc "))
	assert.Equal(t, "", bearerToken("Basic abc"))
	assert.Equal(t, "", bearerToken(""))
}
