package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/config"
	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
	"github.com/obsidian-market/obsidian-backend/internal/domain"
	"github.com/obsidian-market/obsidian-backend/internal/metrics"
	"github.com/obsidian-market/obsidian-backend/internal/onchain"
	"github.com/obsidian-market/obsidian-backend/internal/store"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

var (
	// ErrNoSubmitter means no wallet bridge is configured; the client must
	// broadcast the prepared transaction itself.
	ErrNoSubmitter = errors.New("no transaction submitter configured")
	// ErrWrongState is returned when an operation does not apply to the
	// attempt's current state.
	ErrWrongState = errors.New("bet attempt is not in the expected state")

	errStillPending = errors.New("transaction still pending")
)

// ReserveReader is the reserve state store as seen by the adapter.
type ReserveReader interface {
	FetchOnchainReserves(ctx context.Context, marketID uint64) (*onchain.MarketRecord, error)
	FetchMirroredMarket(ctx context.Context, marketID uint64) (*domain.Market, error)
	Invalidate(ctx context.Context, marketID uint64)
}

type Config struct {
	MinimumBet      *uint256.Int // micro-units
	ApplyFee        bool
	ConfirmAttempts uint64
	ConfirmInterval time.Duration
	AttemptTTL      time.Duration
}

// ConfigFrom converts the env-level trading settings.
func ConfigFrom(tc config.TradingConfig, decimals int32) (Config, error) {
	minBet, err := cpmm.ParseDisplayAmount(tc.MinimumBet, decimals)
	if err != nil {
		return Config{}, fmt.Errorf("minimum bet: %w", err)
	}
	return Config{
		MinimumBet:      minBet,
		ApplyFee:        tc.ApplyFee,
		ConfirmAttempts: tc.ConfirmAttempts,
		ConfirmInterval: tc.ConfirmInterval,
		AttemptTTL:      tc.AttemptTTL,
	}, nil
}

// Service drives bet attempts from intent to a recorded trade.
type Service struct {
	cfg       Config
	reserves  ReserveReader
	builder   *onchain.TransactionBuilder
	trades    domain.TradeStore
	status    onchain.StatusSource
	submitter onchain.Submitter
	cache     *store.Cache
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics

	confirmBackoff onchain.BackoffFunc
	now            func() time.Time
}

type Option func(*Service)

func WithSubmitter(s onchain.Submitter) Option {
	return func(svc *Service) { svc.submitter = s }
}

// WithStatusSource replaces the source confirmation polls, for a wallet
// bridge that tracks the transactions it broadcasts.
func WithStatusSource(src onchain.StatusSource) Option {
	return func(svc *Service) {
		if src != nil {
			svc.status = src
		}
	}
}

// WithConfirmBackoff replaces the polling schedule derived from Config.
func WithConfirmBackoff(b onchain.BackoffFunc) Option {
	return func(svc *Service) { svc.confirmBackoff = b }
}

func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(svc *Service) { svc.metrics = m }
}

func NewService(
	cfg Config,
	reserves ReserveReader,
	builder *onchain.TransactionBuilder,
	trades domain.TradeStore,
	status onchain.StatusSource,
	cache *store.Cache,
	logger *zap.SugaredLogger,
	opts ...Option,
) *Service {
	if cfg.MinimumBet == nil {
		cfg.MinimumBet = uint256.NewInt(1)
	}
	if cfg.ConfirmAttempts == 0 {
		cfg.ConfirmAttempts = 60
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = 2 * time.Second
	}
	if cfg.AttemptTTL <= 0 {
		cfg.AttemptTTL = 15 * time.Minute
	}

	s := &Service{
		cfg:      cfg,
		reserves: reserves,
		builder:  builder,
		trades:   trades,
		status:   status,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
	}
	s.confirmBackoff = onchain.ConstantBackoff(cfg.ConfirmAttempts-1, cfg.ConfirmInterval)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prepare validates the intent and quotes it against reserves read fresh
// from the chain. On success the attempt holds the unsigned transaction and
// stays in QUOTING until it is submitted. A rejected attempt is returned
// together with the error. Cancelling ctx before submission leaves nothing
// behind.
func (s *Service) Prepare(ctx context.Context, intent BetIntent) (*Attempt, error) {
	now := s.now()
	a := &Attempt{
		ID:        uuid.NewString(),
		Intent:    intent,
		CreatedAt: now,
	}
	a.transition(StateIdle, now, "")

	market, err := s.validate(ctx, a)
	if err != nil {
		return s.reject(ctx, a, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.quote(ctx, a, market); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var verr *domain.ValidationError
		if errors.As(err, &verr) || isQuoteError(err) {
			return s.reject(ctx, a, err)
		}
		return s.fail(ctx, a, err)
	}

	s.save(ctx, a)
	return a, nil
}

// validate runs the local checks. Nothing here talks to the chain. The
// mirrored row is returned when one could be read.
func (s *Service) validate(ctx context.Context, a *Attempt) (*domain.Market, error) {
	a.transition(StateValidating, s.now(), "")
	in := a.Intent

	if in.Trader == "" {
		return nil, &domain.ValidationError{Field: "trader", Reason: "wallet is not connected"}
	}
	if err := onchain.ValidateAddress(in.Trader); err != nil {
		return nil, &domain.ValidationError{Field: "trader", Reason: err.Error()}
	}
	if in.Side == "" {
		return nil, &domain.ValidationError{Field: "side", Reason: "is not selected"}
	}
	if !in.Side.Valid() {
		return nil, &domain.ValidationError{Field: "side", Reason: "must be yes or no"}
	}
	if in.Amount == nil || in.Amount.Lt(s.cfg.MinimumBet) {
		return nil, &domain.ValidationError{Field: "amount", Reason: "is below the minimum bet of " + s.cfg.MinimumBet.Dec()}
	}
	if in.MarketID == 0 {
		return nil, &domain.ValidationError{Field: "market_id", Reason: "is required"}
	}

	market, err := s.reserves.FetchMirroredMarket(ctx, in.MarketID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("market %d: %w", in.MarketID, domain.ErrNotFound)
	case err != nil:
		// the chain status check in QUOTING still guards the bet
		s.logger.Warnw("Mirror unavailable during validation", "market_id", in.MarketID, "error", err)
		return nil, nil
	case !market.Status.IsOpen():
		return nil, notOpen(market.Status)
	}
	return market, nil
}

func notOpen(status domain.Status) error {
	return &domain.ValidationError{Field: "market", Reason: fmt.Sprintf("is not open (status %s)", status)}
}

func (s *Service) quote(ctx context.Context, a *Attempt, market *domain.Market) error {
	a.transition(StateQuoting, s.now(), "")
	in := a.Intent

	rec, err := s.reserves.FetchOnchainReserves(ctx, in.MarketID)
	if err != nil {
		return fmt.Errorf("fetch chain reserves: %w", err)
	}
	if !rec.Status.IsOpen() {
		return notOpen(rec.Status)
	}

	var feeBps uint32
	if s.cfg.ApplyFee && market != nil {
		feeBps = market.FeeBps
	}
	q, err := cpmm.QuoteTradeWithFee(rec.Reserves, in.Side, in.Amount, feeBps)
	if err != nil {
		return err
	}
	tx, err := s.builder.BuildPlaceBet(in.MarketID, rec.Reserves, in.Amount, in.Side)
	if err != nil {
		return fmt.Errorf("build place_bet: %w", err)
	}

	a.Reserves = rec.Reserves.Clone()
	a.Quote = &q
	a.Transaction = tx
	return nil
}

func isQuoteError(err error) bool {
	for _, target := range []error{
		cpmm.ErrInvalidAmount, cpmm.ErrTradeTooSmall, cpmm.ErrZeroReserves, cpmm.ErrOverflow, cpmm.ErrInvalidSide,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Submit hands the prepared transaction to the configured wallet bridge.
func (s *Service) Submit(ctx context.Context, a *Attempt) (*Attempt, error) {
	if a.State != StateQuoting || a.Transaction == nil {
		return a, fmt.Errorf("%w: submit from %s", ErrWrongState, a.State)
	}
	if s.submitter == nil {
		return a, ErrNoSubmitter
	}
	if err := s.claim(ctx, a); err != nil {
		return a, err
	}
	a.transition(StateSubmitting, s.now(), "")

	txID, err := s.submitter.Submit(ctx, a.Transaction)
	if err != nil {
		return s.fail(ctx, a, fmt.Errorf("submit transaction: %w", err))
	}
	if txID == "" {
		return s.fail(ctx, a, errors.New("submit transaction: empty transaction id"))
	}
	return s.markSubmitted(ctx, a, txID)
}

// MarkSubmitted records a transaction id broadcast outside the service,
// by a browser wallet for instance, and moves the attempt to CONFIRMING.
// Only the first call for an attempt succeeds.
func (s *Service) MarkSubmitted(ctx context.Context, a *Attempt, txID string) (*Attempt, error) {
	if txID == "" {
		return a, &domain.ValidationError{Field: "tx_id", Reason: "is required"}
	}
	if err := onchain.ValidateTransactionID(txID); err != nil {
		return a, &domain.ValidationError{Field: "tx_id", Reason: err.Error()}
	}
	if a.State != StateQuoting {
		return a, fmt.Errorf("%w: mark submitted from %s", ErrWrongState, a.State)
	}
	if err := s.claim(ctx, a); err != nil {
		return a, err
	}
	a.transition(StateSubmitting, s.now(), "")
	return s.markSubmitted(ctx, a, txID)
}

// claim guards QUOTING to SUBMITTING across requests that loaded the same
// cached attempt.
func (s *Service) claim(ctx context.Context, a *Attempt) error {
	if s.cache == nil {
		return nil
	}
	ok, err := s.cache.ClaimAttempt(ctx, a.ID, s.cfg.AttemptTTL)
	if err != nil {
		return &domain.StoreError{Op: "claim attempt", Err: err}
	}
	if !ok {
		return fmt.Errorf("%w: attempt %s was already submitted", ErrWrongState, a.ID)
	}
	return nil
}

func (s *Service) markSubmitted(ctx context.Context, a *Attempt, txID string) (*Attempt, error) {
	a.TxID = txID
	a.SubmittedAt = s.now()
	a.transition(StateConfirming, a.SubmittedAt, "")
	s.save(ctx, a)

	s.logger.Infow("Bet submitted", "attempt_id", a.ID, "market_id", a.Intent.MarketID, "tx_id", txID)
	return a, nil
}

// Confirm polls the transaction to a terminal state. Once a transaction
// is submitted it is followed to the end, so ctx cancellation is ignored.
func (s *Service) Confirm(ctx context.Context, a *Attempt) (*Attempt, error) {
	if a.State != StateConfirming {
		return a, fmt.Errorf("%w: confirm from %s", ErrWrongState, a.State)
	}
	ctx = context.WithoutCancel(ctx)

	var (
		polls uint64
		final *onchain.TransactionStatus
	)
	err := retry.Do(ctx, s.confirmBackoff(), func(ctx context.Context) error {
		polls++
		st, err := s.status.TransactionStatus(ctx, a.TxID)
		if err != nil {
			s.logger.Warnw("Transaction status poll failed", "tx_id", a.TxID, "poll", polls, "error", err)
			return retry.RetryableError(errStillPending)
		}
		if !st.State.Terminal() {
			return retry.RetryableError(errStillPending)
		}
		final = st
		return nil
	})

	switch {
	case err != nil:
		return s.fail(ctx, a, &domain.TimeoutError{TxID: a.TxID, Attempts: polls})
	case final.State == onchain.TxRejected:
		return s.fail(ctx, a, &domain.ChainRejectedError{TxID: a.TxID, Reason: final.Reason})
	}
	return s.record(ctx, a)
}

// PlaceBet runs the whole sequence with the configured submitter.
func (s *Service) PlaceBet(ctx context.Context, intent BetIntent) (*Attempt, error) {
	a, err := s.Prepare(ctx, intent)
	if err != nil {
		return a, err
	}
	if a, err = s.Submit(ctx, a); err != nil {
		return a, err
	}
	return s.Confirm(ctx, a)
}

func (s *Service) record(ctx context.Context, a *Attempt) (*Attempt, error) {
	q := a.Quote
	side := a.Intent.Side
	trade := &domain.Trade{
		MarketID:         a.Intent.MarketID,
		Side:             side,
		Trader:           a.Intent.Trader,
		Shares:           q.SharesOut,
		Amount:           q.AmountIn,
		PriceBefore:      q.PriceBefore.Of(side),
		PriceAfter:       q.PriceAfter.Of(side),
		YesReservesAfter: q.After.Yes,
		NoReservesAfter:  q.After.No,
		TxHash:           a.TxID,
		CreatedAt:        s.now(),
	}

	stored, err := s.trades.RecordTrade(ctx, trade)
	if err != nil {
		serr := &domain.StoreError{Op: "record trade", Err: err}
		s.logger.Errorw("Trade confirmed on chain but not recorded",
			"attempt_id", a.ID, "market_id", a.Intent.MarketID, "tx_id", a.TxID, "error", err)
		a.transition(StateRecordFailed, s.now(), serr.Error())
		s.finish(ctx, a)
		return a, serr
	}

	a.Trade = stored
	a.transition(StateRecorded, s.now(), "")
	s.finish(ctx, a)
	s.reserves.Invalidate(ctx, a.Intent.MarketID)
	s.metrics.RecordTrade(ctx, string(side))
	s.publish(ctx, stored)

	s.logger.Infow("Bet recorded",
		"attempt_id", a.ID, "market_id", stored.MarketID, "side", side,
		"shares", stored.Shares.Dec(), "amount", stored.Amount.Dec(), "tx_id", a.TxID)
	return a, nil
}

func (s *Service) reject(ctx context.Context, a *Attempt, err error) (*Attempt, error) {
	a.transition(StateRejected, s.now(), err.Error())
	s.finish(ctx, a)
	return a, err
}

func (s *Service) fail(ctx context.Context, a *Attempt, err error) (*Attempt, error) {
	a.transition(StateFailed, s.now(), err.Error())
	s.finish(ctx, a)
	s.logger.Warnw("Bet failed", "attempt_id", a.ID, "market_id", a.Intent.MarketID, "tx_id", a.TxID, "error", err)
	return a, err
}

func (s *Service) finish(ctx context.Context, a *Attempt) {
	s.metrics.RecordBetAttempt(ctx, string(a.State))
	if !a.SubmittedAt.IsZero() {
		s.metrics.RecordConfirmDuration(ctx, string(a.State), a.UpdatedAt.Sub(a.SubmittedAt))
	}
	s.save(ctx, a)
}

func (s *Service) save(ctx context.Context, a *Attempt) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetAttempt(ctx, a.ID, a.toRecord(), s.cfg.AttemptTTL); err != nil {
		s.logger.Warnw("Failed to cache bet attempt", "attempt_id", a.ID, "error", err)
	}
}

// GetAttempt loads a cached attempt. Expired or unknown ids are ErrNotFound.
func (s *Service) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	if s.cache == nil {
		return nil, domain.ErrNotFound
	}
	var rec attemptRecord
	if err := s.cache.GetAttempt(ctx, id, &rec); err != nil {
		if errors.Is(err, store.ErrCacheMiss) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("load attempt %s: %w", id, err)
	}
	return rec.toAttempt()
}

// TradeEvent is published on the trade channels after a bet is recorded.
type TradeEvent struct {
	Type             string    `json:"type"`
	TradeID          string    `json:"trade_id"`
	MarketID         uint64    `json:"market_id"`
	Side             string    `json:"side"`
	Trader           string    `json:"trader,omitempty"`
	Shares           string    `json:"shares"`
	Amount           string    `json:"amount"`
	PriceBefore      string    `json:"price_before"`
	PriceAfter       string    `json:"price_after"`
	YesReservesAfter string    `json:"yes_reserves_after"`
	NoReservesAfter  string    `json:"no_reserves_after"`
	TxHash           string    `json:"tx_hash,omitempty"`
	At               time.Time `json:"at"`
}

func NewTradeEvent(t *domain.Trade) TradeEvent {
	return TradeEvent{
		Type:             "trade",
		TradeID:          t.ID,
		MarketID:         t.MarketID,
		Side:             string(t.Side),
		Trader:           t.Trader,
		Shares:           t.Shares.Dec(),
		Amount:           t.Amount.Dec(),
		PriceBefore:      t.PriceBefore.String(),
		PriceAfter:       t.PriceAfter.String(),
		YesReservesAfter: t.YesReservesAfter.Dec(),
		NoReservesAfter:  t.NoReservesAfter.Dec(),
		TxHash:           t.TxHash,
		At:               t.CreatedAt,
	}
}

// PublishTrade announces t on the market channel and the global feed.
func PublishTrade(ctx context.Context, cache *store.Cache, t *domain.Trade) error {
	event := NewTradeEvent(t)
	for _, ch := range []string{store.TradeChannel(t.MarketID), store.ChannelTrades} {
		if err := cache.Publish(ctx, ch, event); err != nil {
			return fmt.Errorf("publish to %s: %w", ch, err)
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, t *domain.Trade) {
	if s.cache == nil {
		return
	}
	if err := PublishTrade(ctx, s.cache, t); err != nil {
		s.logger.Warnw("Failed to publish trade event", "trade_id", t.ID, "error", err)
	}
}
