// Command tradesync runs one reconciliation cycle: collect desired signals,
// snapshot the broker, diff, and submit the resulting order mutations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tradesync/internal/broker"
	"tradesync/internal/config"
	"tradesync/internal/replicate"
	sig "tradesync/internal/signal"
	"tradesync/internal/store"
	"tradesync/internal/util"
)

func main() {
	var (
		label                = flag.String("label", "", "strategy label to reconcile (defaults to signals.label from config)")
		dryRun               = flag.Bool("dry-run", false, "compute and print mutations without submitting")
		force                = flag.Bool("force", false, "bypass the staleness guard and quantity threshold")
		workingOrdersOnly    = flag.Bool("working-orders-only", false, "maintain protective orders without adjusting positions")
		excludeWorkingOrders = flag.Bool("exclude-working-orders", false, "adjust positions without touching protective orders")
		closeUnknown         = flag.Bool("close-unknown", false, "flatten broker positions with no desired state")
		ignoreErrors         = flag.Bool("ignore-errors", false, "downgrade per-contract failures to warnings")
	)
	flag.Parse()

	cfgPath := "config/tradesync.yaml"
	if p := os.Getenv("TRADESYNC_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	runLabel := cfg.Signals.Label
	if *label != "" {
		runLabel = *label
	}
	if runLabel == "" {
		log.Fatal("no strategy label: set signals.label in config or pass -label")
	}

	opts, err := replicate.OptionsFromConfig(cfg.Replicate, runLabel)
	if err != nil {
		log.Fatalf("invalid replicate config: %v", err)
	}
	opts.DryRun = opts.DryRun || *dryRun
	opts.Force = *force
	opts.WorkingOrdersOnly = *workingOrdersOnly
	opts.ExcludeWorkingOrders = *excludeWorkingOrders
	opts.CloseUnknown = opts.CloseUnknown || *closeUnknown
	opts.IgnoreErrors = opts.IgnoreErrors || *ignoreErrors

	b := broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	source := sig.NewParquetSource(cfg.Signals.Dir)

	var recorder replicate.Recorder
	if cfg.Storage.SQLitePath != "" {
		st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("failed to open run store: %v", err)
		}
		defer st.Close()
		recorder = st
	}

	var limiter *util.RateLimiter
	if cfg.Replicate.RateLimitPerMin > 0 {
		limiter = util.NewRateLimiter(cfg.Replicate.RateLimitPerMin, 1)
	}

	rep := replicate.New(b, source, recorder, limiter, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	posted, err := rep.Run(ctx, opts)
	for _, o := range posted {
		fmt.Printf("%-6s %-4s %8s %-4s %s.%s ref=%s\n",
			o.Action, o.OrderType, o.Quant, o.TIF, o.Symbol, o.Market, o.OrderRef)
	}
	if err != nil {
		log.Fatalf("reconciliation failed: %v", err)
	}
	if opts.DryRun {
		fmt.Printf("dry run: %d mutations computed, nothing submitted\n", len(posted))
	} else {
		fmt.Printf("%d orders posted\n", len(posted))
	}
}
