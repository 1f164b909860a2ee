package onchain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/obsidian-market/obsidian-backend/internal/domain"
	"github.com/obsidian-market/obsidian-backend/internal/metrics"
	"github.com/obsidian-market/obsidian-backend/internal/store"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// BackoffFunc builds a fresh backoff for one retried operation.
type BackoffFunc func() retry.Backoff

// ConstantBackoff retries up to n times, waiting d between attempts.
func ConstantBackoff(n uint64, d time.Duration) BackoffFunc {
	return func() retry.Backoff {
		return retry.WithMaxRetries(n, retry.NewConstant(d))
	}
}

// ReserveService is the reserve state store: the chain is authoritative,
// the mirror and cache serve display reads.
type ReserveService struct {
	chain   ChainReader
	markets domain.MarketStore
	cache   *store.Cache
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	sf      singleflight.Group

	backoff  BackoffFunc
	cacheTTL time.Duration
	now      func() time.Time
}

type ReserveOption func(*ReserveService)

func WithBackoff(b BackoffFunc) ReserveOption {
	return func(s *ReserveService) { s.backoff = b }
}

func WithCacheTTL(ttl time.Duration) ReserveOption {
	return func(s *ReserveService) { s.cacheTTL = ttl }
}

func WithClock(now func() time.Time) ReserveOption {
	return func(s *ReserveService) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) ReserveOption {
	return func(s *ReserveService) { s.metrics = m }
}

func NewReserveService(
	chain ChainReader,
	markets domain.MarketStore,
	cache *store.Cache,
	logger *zap.SugaredLogger,
	opts ...ReserveOption,
) *ReserveService {
	s := &ReserveService{
		chain:    chain,
		markets:  markets,
		cache:    cache,
		logger:   logger,
		backoff:  ConstantBackoff(3, 250*time.Millisecond),
		cacheTTL: 5 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchOnchainReserves reads the market straight from the chain, never from
// a cache. Transient explorer failures are retried; a missing market or a
// malformed record is returned immediately.
func (s *ReserveService) FetchOnchainReserves(ctx context.Context, marketID uint64) (*MarketRecord, error) {
	var rec *MarketRecord
	attempt := 0
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		r, err := s.chain.MarketRecord(ctx, marketID)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				s.logger.Warnw("Chain reserve fetch failed; retrying", "market_id", marketID, "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.metrics.RecordChainError(ctx, "market_record")
		}
		return nil, err
	}
	return rec, nil
}

// FetchMirroredMarket reads the mirrored row.
func (s *ReserveService) FetchMirroredMarket(ctx context.Context, marketID uint64) (*domain.Market, error) {
	m, err := s.markets.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, &domain.StoreError{Op: "get market", Err: err}
	}
	return m, nil
}

// DisplayReserves prefers the cache, then the mirror, then the chain. Store
// and cache failures degrade to the next source.
func (s *ReserveService) DisplayReserves(ctx context.Context, marketID uint64) (*ReserveSnapshot, error) {
	key := "reserves-" + strconv.FormatUint(marketID, 10)
	result, err, _ := s.sf.Do(key, func() (interface{}, error) {
		return s.displayReservesInternal(ctx, marketID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ReserveSnapshot), nil
}

func (s *ReserveService) displayReservesInternal(ctx context.Context, marketID uint64) (*ReserveSnapshot, error) {
	var cached cachedSnapshot
	if err := s.cache.GetReserves(ctx, marketID, &cached); err == nil {
		if snap, err := cached.toSnapshot(); err == nil {
			return snap, nil
		}
	}

	m, err := s.FetchMirroredMarket(ctx, marketID)
	switch {
	case err == nil && m.Reserves.Tradeable():
		snap := &ReserveSnapshot{
			MarketID:  marketID,
			Reserves:  m.Reserves,
			Status:    m.Status,
			Source:    SourceMirror,
			FetchedAt: s.now(),
		}
		s.remember(ctx, snap)
		return snap, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		s.logger.Warnw("Mirror read failed; falling back to chain", "market_id", marketID, "error", err)
	}

	rec, err := s.FetchOnchainReserves(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("fetch reserves for market %d: %w", marketID, err)
	}
	snap := &ReserveSnapshot{
		MarketID:  marketID,
		Reserves:  rec.Reserves,
		Status:    rec.Status,
		Source:    SourceChain,
		FetchedAt: s.now(),
	}
	s.remember(ctx, snap)
	return snap, nil
}

func (s *ReserveService) remember(ctx context.Context, snap *ReserveSnapshot) {
	if err := s.cache.SetReserves(ctx, snap.MarketID, snap.toCache(), s.cacheTTL); err != nil {
		s.logger.Warnw("Failed to cache reserves", "market_id", snap.MarketID, "error", err)
	}
}

// Invalidate drops the cached display snapshot.
func (s *ReserveService) Invalidate(ctx context.Context, marketID uint64) {
	if err := s.cache.InvalidateReserves(ctx, marketID); err != nil {
		s.logger.Warnw("Failed to invalidate cached reserves", "market_id", marketID, "error", err)
	}
}
