package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"texchange/internal/game"
	"texchange/internal/market"
	"texchange/internal/p2p"
	"texchange/internal/store"
)

// APIError is a non-2xx answer from the exchange API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Client struct {
	BaseURL    string
	AdminToken string
	HTTP       *http.Client
}

func NewClient(baseURL, adminToken string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AdminToken: adminToken,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func marketPath(marketID string, parts ...string) string {
	p := "/v1/markets/" + url.PathEscape(marketID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) Markets(ctx context.Context) ([]string, error) {
	var out struct {
		Markets []string `json:"markets"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/markets", "", nil, &out)
	return out.Markets, err
}

func (c *Client) Stocks(ctx context.Context, marketID string) ([]game.Quote, error) {
	var out struct {
		Stocks []game.Quote `json:"stocks"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, marketPath(marketID, "stocks"), "", nil, &out)
	return out.Stocks, err
}

func (c *Client) StockDetail(ctx context.Context, marketID, ticker string, points int) (game.StockDetail, error) {
	var out game.StockDetail
	path := marketPath(marketID, "stocks", ticker)
	if points > 0 {
		path += "?points=" + strconv.Itoa(points)
	}
	err := c.jsonRequest(ctx, http.MethodGet, path, "", nil, &out)
	return out, err
}

func (c *Client) Leaderboard(ctx context.Context, marketID string, limit int) ([]store.LeaderboardEntry, error) {
	var out struct {
		Rows []store.LeaderboardEntry `json:"rows"`
	}
	path := marketPath(marketID, "leaderboard")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.jsonRequest(ctx, http.MethodGet, path, "", nil, &out)
	return out.Rows, err
}

func (c *Client) Account(ctx context.Context, marketID, userID string) (game.AccountView, error) {
	var out game.AccountView
	err := c.jsonRequest(ctx, http.MethodGet, marketPath(marketID, "accounts", userID), "", nil, &out)
	return out, err
}

func (c *Client) Trades(ctx context.Context, marketID string) ([]p2p.Session, error) {
	var out struct {
		Sessions []p2p.Session `json:"sessions"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, marketPath(marketID, "trades"), "", nil, &out)
	return out.Sessions, err
}

func (c *Client) Tick(ctx context.Context, marketID string) (market.TickResult, error) {
	var out market.TickResult
	err := c.jsonRequest(ctx, http.MethodPost, marketPath(marketID, "tick"), c.AdminToken, nil, &out)
	return out, err
}

func (c *Client) RebuildLeaderboard(ctx context.Context, marketID string) ([]store.LeaderboardEntry, error) {
	var out struct {
		Rows []store.LeaderboardEntry `json:"rows"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, marketPath(marketID, "leaderboard", "rebuild"), c.AdminToken, nil, &out)
	return out.Rows, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
