package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/obsidian-market/obsidian-backend/internal/domain"
	"github.com/obsidian-market/obsidian-backend/internal/onchain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReserveFetcher is the slice of the reserve state store the jobs need.
type ReserveFetcher interface {
	FetchOnchainReserves(ctx context.Context, marketID uint64) (*onchain.MarketRecord, error)
	Invalidate(ctx context.Context, marketID uint64)
}

type ReserveSyncConfig struct {
	Interval    time.Duration
	Concurrency int
	PageSize    int
}

// ReserveSync periodically overwrites mirrored reserves with chain values
// for every open market, so the mirror converges to chain truth.
type ReserveSync struct {
	chain   ReserveFetcher
	markets domain.MarketStore
	logger  *zap.SugaredLogger
	config  ReserveSyncConfig

	mu        sync.Mutex
	cancelCtx context.CancelFunc
}

func NewReserveSync(chain ReserveFetcher, markets domain.MarketStore, logger *zap.SugaredLogger, config ReserveSyncConfig) *ReserveSync {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PageSize <= 0 {
		config.PageSize = 100
	}
	return &ReserveSync{
		chain:   chain,
		markets: markets,
		logger:  logger,
		config:  config,
	}
}

func (s *ReserveSync) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelCtx = cancel
	s.mu.Unlock()

	s.logger.Infow("Starting reserve sync", "interval", s.config.Interval, "concurrency", s.config.Concurrency)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warnw("Reserve sync pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Infow("Reserve sync stopping due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *ReserveSync) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelCtx != nil {
		s.cancelCtx()
	}
}

// SyncStats summarizes one pass.
type SyncStats struct {
	Checked int
	Updated int
	Failed  int
}

// SyncOnce walks the open markets page by page. A failure on one market is
// logged and counted, never fatal for the pass.
func (s *ReserveSync) SyncOnce(ctx context.Context) (SyncStats, error) {
	var (
		stats SyncStats
		mu    sync.Mutex
	)
	for offset := 0; ; offset += s.config.PageSize {
		page, err := s.markets.ListMarkets(ctx, domain.ListOpts{
			Status: domain.StatusOpen,
			Limit:  s.config.PageSize,
			Offset: offset,
		})
		if err != nil {
			return stats, fmt.Errorf("list open markets: %w", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.config.Concurrency)
		for _, m := range page {
			g.Go(func() error {
				updated, err := s.syncMarket(gctx, m)
				mu.Lock()
				defer mu.Unlock()
				stats.Checked++
				switch {
				case err != nil:
					stats.Failed++
					s.logger.Warnw("Failed to sync market reserves", "market_id", m.ID, "error", err)
				case updated:
					stats.Updated++
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if len(page) < s.config.PageSize {
			break
		}
	}

	if stats.Updated > 0 || stats.Failed > 0 {
		s.logger.Infow("Reserve sync pass complete", "checked", stats.Checked, "updated", stats.Updated, "failed", stats.Failed)
	}
	return stats, nil
}

func (s *ReserveSync) syncMarket(ctx context.Context, m *domain.Market) (bool, error) {
	rec, err := s.chain.FetchOnchainReserves(ctx, m.ID)
	if err != nil {
		return false, err
	}
	if rec.Reserves.Equal(m.Reserves) && rec.Status == m.Status {
		return false, nil
	}
	if err := s.markets.SyncReserves(ctx, m.ID, rec.Reserves, rec.Status); err != nil {
		return false, &domain.StoreError{Op: "sync reserves", Err: err}
	}
	s.chain.Invalidate(ctx, m.ID)
	return true, nil
}

// BackfillOutcome classifies one scanned market id.
type BackfillOutcome string

const (
	OutcomeMissing   BackfillOutcome = "missing"
	OutcomeMalformed BackfillOutcome = "malformed"
	OutcomeError     BackfillOutcome = "error"
	OutcomeCreated   BackfillOutcome = "created"
	OutcomeSynced    BackfillOutcome = "synced"
	OutcomeFound     BackfillOutcome = "found"
)

type BackfillResult struct {
	MarketID uint64
	Outcome  BackfillOutcome
	Record   *onchain.MarketRecord
	Err      error
}

type BackfillOptions struct {
	From, To    uint64
	Concurrency int
	// DryRun reads the chain without writing the mirror.
	DryRun bool
}

// Backfill scans market ids [From, To] on the chain. Ids with no mapping
// entry do not exist yet; malformed records are reported with the field
// that failed. Results are ordered by id.
func Backfill(ctx context.Context, chain ReserveFetcher, markets domain.MarketStore, logger *zap.SugaredLogger, opts BackfillOptions) ([]BackfillResult, error) {
	if opts.From == 0 || opts.To < opts.From {
		return nil, fmt.Errorf("invalid id range [%d, %d]", opts.From, opts.To)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}

	var (
		mu      sync.Mutex
		results = make([]BackfillResult, 0, opts.To-opts.From+1)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for id := opts.From; id <= opts.To; id++ {
		g.Go(func() error {
			res := backfillOne(gctx, chain, markets, id, opts.DryRun)
			if res.Outcome == OutcomeError || res.Outcome == OutcomeMalformed {
				logger.Warnw("Backfill failed for market", "market_id", id, "outcome", res.Outcome, "error", res.Err)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return gctx.Err()
		})
		if id == opts.To {
			break // guards against wrapping at MaxUint64
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].MarketID < results[j].MarketID })
	return results, nil
}

func backfillOne(ctx context.Context, chain ReserveFetcher, markets domain.MarketStore, id uint64, dryRun bool) BackfillResult {
	res := BackfillResult{MarketID: id}
	rec, err := chain.FetchOnchainReserves(ctx, id)
	var perr *onchain.ParseError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		res.Outcome = OutcomeMissing
		return res
	case errors.As(err, &perr):
		res.Outcome, res.Err = OutcomeMalformed, err
		return res
	case err != nil:
		res.Outcome, res.Err = OutcomeError, err
		return res
	}
	res.Record = rec
	if dryRun {
		res.Outcome = OutcomeFound
		return res
	}

	_, err = markets.GetMarket(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		err = markets.UpsertMarket(ctx, &domain.Market{
			ID:         id,
			Creator:    rec.Creator,
			MarketType: rec.MarketType,
			Status:     rec.Status,
			Reserves:   rec.Reserves,
		})
		res.Outcome = OutcomeCreated
	case err == nil:
		err = markets.SyncReserves(ctx, id, rec.Reserves, rec.Status)
		res.Outcome = OutcomeSynced
	}
	if err != nil {
		res.Outcome, res.Err = OutcomeError, &domain.StoreError{Op: "backfill market", Err: err}
		return res
	}
	chain.Invalidate(ctx, id)
	return res
}
