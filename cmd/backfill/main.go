// Command backfill scans market ids on chain and seeds the mirror.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/obsidian-market/obsidian-backend/internal/config"
	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
	"github.com/obsidian-market/obsidian-backend/internal/jobs"
	"github.com/obsidian-market/obsidian-backend/internal/log"
	"github.com/obsidian-market/obsidian-backend/internal/onchain"
	"github.com/obsidian-market/obsidian-backend/internal/repository"
	"github.com/obsidian-market/obsidian-backend/internal/store"
	"github.com/olekukonko/tablewriter"
)

func main() {
	from := flag.Uint64("from", 1, "first market id")
	to := flag.Uint64("to", 100, "last market id (inclusive)")
	concurrency := flag.Int("concurrency", 8, "parallel chain reads")
	dryRun := flag.Bool("dry-run", false, "read the chain without writing the mirror")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := log.NewSugarWithFile(cfg.Env, cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	repo, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatalw("Failed to open database", "error", err)
	}
	defer repo.Close()

	// the report needs no shared cache
	cache := store.NewInMemoryCache(logger, nil)
	defer cache.Close()

	reserves := onchain.NewReserveService(onchain.NewClient(cfg.Aleo), repo, cache, logger,
		onchain.WithBackoff(onchain.ConstantBackoff(cfg.Trading.QuoteRetries, cfg.Trading.QuoteBackoff)))

	results, err := jobs.Backfill(ctx, reserves, repo, logger, jobs.BackfillOptions{
		From:        *from,
		To:          *to,
		Concurrency: *concurrency,
		DryRun:      *dryRun,
	})
	if err != nil {
		logger.Fatalw("Backfill failed", "error", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Market", "Outcome", "Status", "Yes", "No", "Yes price", "Detail")
	counts := map[jobs.BackfillOutcome]int{}
	for _, r := range results {
		counts[r.Outcome]++
		if r.Outcome == jobs.OutcomeMissing {
			continue
		}
		row := []string{fmt.Sprint(r.MarketID), string(r.Outcome), "", "", "", "", ""}
		if r.Record != nil {
			row[2] = string(r.Record.Status)
			row[3] = cpmm.MicroToDisplay(r.Record.Reserves.Yes, cfg.Aleo.Decimals).String()
			row[4] = cpmm.MicroToDisplay(r.Record.Reserves.No, cfg.Aleo.Decimals).String()
			if p, err := cpmm.PriceOf(r.Record.Reserves); err == nil {
				row[5] = p.Yes.Round(4).String()
			}
		}
		if r.Err != nil {
			row[6] = r.Err.Error()
		}
		table.Append(row)
	}
	table.Render()

	fmt.Printf("\nscanned %d ids: %d created, %d synced, %d found, %d missing, %d malformed, %d errors\n",
		len(results), counts[jobs.OutcomeCreated], counts[jobs.OutcomeSynced], counts[jobs.OutcomeFound],
		counts[jobs.OutcomeMissing], counts[jobs.OutcomeMalformed], counts[jobs.OutcomeError])
	if counts[jobs.OutcomeError] > 0 || counts[jobs.OutcomeMalformed] > 0 {
		os.Exit(2)
	}
}
