package onchain

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type UserService struct {
	chain  ChainReader
	cache  *store.Cache
	logger *zap.SugaredLogger
	sf     singleflight.Group
}

func NewUserService(
	chain ChainReader,
	cache *store.Cache,
	logger *zap.SugaredLogger,
) *UserService {
	return &UserService{
		chain:  chain,
		cache:  cache,
		logger: logger,
	}
}

// GetBalance returns the public stablecoin balance in micro-units.
func (s *UserService) GetBalance(ctx context.Context, address string) (*uint256.Int, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	result, err, _ := s.sf.Do("balance-"+address, func() (interface{}, error) {
		return s.getBalanceInternal(ctx, address)
	})
	if err != nil {
		return nil, err
	}
	return result.(*uint256.Int), nil
}

func (s *UserService) getBalanceInternal(ctx context.Context, address string) (*uint256.Int, error) {
	var cached string
	if err := s.cache.GetBalance(ctx, address, &cached); err == nil {
		if v, err := uint256.FromDecimal(cached); err == nil {
			return v, nil
		}
	}

	balance, err := s.chain.Balance(ctx, address)
	if err != nil {
		s.logger.Errorw("Failed to fetch balance from chain", "address", address, "error", err)
		return nil, fmt.Errorf("failed to fetch balance: %w", err)
	}

	if err := s.cache.SetBalance(ctx, address, balance.Dec()); err != nil {
		s.logger.Warnw("Failed to cache balance", "address", address, "error", err)
	}
	return balance, nil
}
