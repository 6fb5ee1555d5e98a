package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/autotrader/internal/backtest"
	"github.com/atmx/autotrader/internal/config"
	"github.com/atmx/autotrader/internal/store"
	"github.com/atmx/autotrader/internal/strategy"
)

var (
	btCSVPath   string
	btOutPath   string
	btDBPath    string
	btSymbol    string
	btFast      int
	btSlow      int
	btATR       int
	btATRMult   float64
	btTenantID  string
	btVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay historical candles through the MA/ATR strategy",
	Long: `Backtest feeds a candle CSV (timestamp,open,high,low,close[,volume]) bar by
bar through the moving-average crossover strategy, books one unit per signal
and reports realized PnL.

Strategy parameters default to the process configuration (CONFIG_FILE, .env,
environment) and can be overridden with flags.

Example:
  backtest --csv data/btcusdt_15m.csv --fast 20 --slow 50 --atr 14 --atr-mult 2`,
	SilenceUsage: true,
	RunE:         runBacktest,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&btCSVPath, "csv", "c", "", "path to candle CSV (required)")
	f.StringVarP(&btOutPath, "out", "o", "", "write booked trades to this CSV")
	f.StringVar(&btDBPath, "db", "", "also record trades in this SQLite database")
	f.StringVar(&btTenantID, "tenant", "backtest", "tenant id used with --db")
	f.StringVarP(&btSymbol, "symbol", "s", "", "symbol label (defaults to first configured symbol)")
	f.IntVar(&btFast, "fast", 0, "fast SMA period")
	f.IntVar(&btSlow, "slow", 0, "slow SMA period")
	f.IntVar(&btATR, "atr", 0, "ATR period")
	f.Float64Var(&btATRMult, "atr-mult", 0, "ATR stop multiplier")
	f.BoolVarP(&btVerbose, "verbose", "v", false, "log every booked trade")
	rootCmd.MarkFlagRequired("csv")
}

func runBacktest(cmd *cobra.Command, _ []string) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	cfg := settings.Runtime()
	if btSymbol != "" {
		cfg.Symbols = []string{btSymbol}
	}
	if cmd.Flags().Changed("fast") {
		cfg.FastMA = btFast
	}
	if cmd.Flags().Changed("slow") {
		cfg.SlowMA = btSlow
	}
	if cmd.Flags().Changed("atr") {
		cfg.ATRPeriod = btATR
	}
	if cmd.Flags().Changed("atr-mult") {
		cfg.ATRMultiplier = btATRMult
	}

	in, err := os.Open(btCSVPath)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer in.Close()
	candles, err := backtest.LoadCSV(in)
	if err != nil {
		return err
	}

	rep := backtest.Run(candles, cfg, strategy.MovingAverageATR{})
	if btVerbose {
		for _, t := range rep.Trades {
			slog.Info("trade", "time", t.CreatedAt, "side", t.Side, "price", t.Price)
		}
	}

	if btOutPath != "" {
		out, err := os.Create(btOutPath)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer out.Close()
		if err := rep.WriteTradesCSV(out); err != nil {
			return fmt.Errorf("write trades: %w", err)
		}
	}

	if btDBPath != "" {
		st, err := store.NewSQLiteStore(btDBPath)
		if err != nil {
			return err
		}
		defer st.Close()
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		for _, t := range rep.Trades {
			t.TenantID = btTenantID
			if err := st.InsertTrade(ctx, &t); err != nil {
				return fmt.Errorf("record trade %s: %w", t.ID, err)
			}
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Candles:       %d\n", len(candles))
	fmt.Fprint(cmd.OutOrStdout(), rep.Render())
	return nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
