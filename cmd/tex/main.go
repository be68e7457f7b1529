package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	cl "texchange/internal/cli"
	"texchange/internal/config"
)

type globalOpts struct {
	apiURL string
	token  string
}

func main() {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:          "tex",
		Short:        "Toilet Exchange operator CLI",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.apiURL, "api-url", "", "exchange API base URL (default $TEX_API_URL, saved profile, then "+config.DefaultAPIURL+")")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "admin token for tick and rebuild (default $TEX_ADMIN_TOKEN or saved profile)")

	root.AddCommand(
		newLoginCmd(opts),
		newLogoutCmd(),
		newMarketsCmd(opts),
		newStocksCmd(opts),
		newStockCmd(opts),
		newLeaderboardCmd(opts),
		newPortfolioCmd(opts),
		newTradesCmd(opts),
		newTickCmd(opts),
		newRebuildCmd(opts),
		newWatchCmd(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// profile layers flags over the environment over the saved profile.
func (o *globalOpts) profile() (cl.Profile, error) {
	env, err := config.LoadCLI()
	if err != nil {
		return cl.Profile{}, err
	}
	saved, err := cl.LoadProfile()
	if err != nil {
		return cl.Profile{}, fmt.Errorf("read profile: %w", err)
	}
	p := cl.Resolve(env.APIBaseURL, env.AdminToken, saved)
	p = cl.Resolve(strings.TrimSpace(o.apiURL), strings.TrimSpace(o.token), p)
	if p.APIURL == "" {
		p.APIURL = config.DefaultAPIURL
	}
	return p, nil
}

func (o *globalOpts) client() (*cl.Client, error) {
	p, err := o.profile()
	if err != nil {
		return nil, err
	}
	return cl.NewClient(p.APIURL, p.AdminToken), nil
}

func (o *globalOpts) adminClient() (*cl.Client, error) {
	c, err := o.client()
	if err != nil {
		return nil, err
	}
	if c.AdminToken == "" {
		return nil, fmt.Errorf("admin token required: pass --token, set TEX_ADMIN_TOKEN or run `tex login`")
	}
	return c, nil
}

func newLoginCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Save the API URL and admin token for later commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.profile()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if _, err := cl.NewClient(p.APIURL, p.AdminToken).Markets(ctx); err != nil {
				return fmt.Errorf("api unreachable at %s: %w", p.APIURL, err)
			}
			if err := cl.SaveProfile(p); err != nil {
				return err
			}
			if p.AdminToken == "" {
				printWarn("Saved " + p.APIURL + " without an admin token; tick and rebuild will be refused.")
				return nil
			}
			printSuccess("Saved profile for " + p.APIURL + ".")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearProfile(); err != nil {
				return err
			}
			printSuccess("Profile cleared.")
			return nil
		},
	}
}

func newMarketsCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "markets",
		Short: "List markets (one per Discord server)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			ids, err := client.Markets(ctx)
			if err != nil {
				return err
			}
			renderMarkets(ids)
			return nil
		},
	}
}

func newStocksCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "stocks MARKET",
		Short: "List a market's stocks with averages and trends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			quotes, err := client.Stocks(ctx, args[0])
			if err != nil {
				return err
			}
			renderStocks(args[0], quotes)
			return nil
		},
	}
}

func newStockCmd(opts *globalOpts) *cobra.Command {
	var points int
	cmd := &cobra.Command{
		Use:   "stock MARKET TICKER",
		Short: "Inspect one stock and its recent prices",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			detail, err := client.StockDetail(ctx, args[0], strings.ToUpper(args[1]), points)
			if err != nil {
				if cl.IsNotFound(err) {
					return fmt.Errorf("no stock %s in market %s", strings.ToUpper(args[1]), args[0])
				}
				return err
			}
			renderStockDetail(detail)
			return nil
		},
	}
	cmd.Flags().IntVar(&points, "points", 0, "history points to show (default 20)")
	return cmd
}

func newLeaderboardCmd(opts *globalOpts) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard MARKET",
		Short: "Show the cached leaderboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			rows, err := client.Leaderboard(ctx, args[0], limit)
			if err != nil {
				return err
			}
			renderLeaderboard(args[0], rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "rows to show")
	return cmd
}

func newPortfolioCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "portfolio MARKET USER",
		Short: "Show a player's cash, holdings and recent trades",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			view, err := client.Account(ctx, args[0], args[1])
			if err != nil {
				if cl.IsNotFound(err) {
					return fmt.Errorf("user %s has no account in market %s", args[1], args[0])
				}
				return err
			}
			renderAccount(view)
			return nil
		},
	}
}

func newTradesCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "trades MARKET",
		Short: "List player-to-player trades in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			sessions, err := client.Trades(ctx, args[0])
			if err != nil {
				return err
			}
			renderSessions(args[0], sessions)
			return nil
		},
	}
}

func newTickCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "tick MARKET",
		Short: "Advance a market one step now (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := client.Tick(ctx, args[0])
			if err != nil {
				return err
			}
			renderTick(res)
			return nil
		},
	}
}

func newRebuildCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild MARKET",
		Short: "Recompute a market's leaderboard now (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			rows, err := client.RebuildLeaderboard(ctx, args[0])
			if err != nil {
				return err
			}
			renderLeaderboard(args[0], rows)
			return nil
		},
	}
}

func newWatchCmd(opts *globalOpts) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "watch MARKET",
		Short: "Live stock table, refreshed periodically",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if every <= 0 {
				return fmt.Errorf("--every must be > 0")
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
				defer cancel()
				quotes, err := client.Stocks(ctx, args[0])
				if err != nil {
					return err
				}
				renderStocks(args[0], quotes)
				return nil
			}
			_, err = tea.NewProgram(newWatchModel(client, args[0], every), tea.WithAltScreen()).Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&every, "every", 5*time.Second, "refresh interval")
	return cmd
}
