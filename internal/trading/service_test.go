package trading

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/config"
	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
	"github.com/obsidian-market/obsidian-backend/internal/domain"
	"github.com/obsidian-market/obsidian-backend/internal/onchain"
	"github.com/obsidian-market/obsidian-backend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	trader = "aleo1qnr4dkkvkgfqph0vzc3y6z2eu975wnpz2925ntjccd5cfqxtyu8s7pyjh9"
	txID   = "at1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq9s7nvj"
)

type harness struct {
	reserves  *MockReserveReader
	trades    *MockTradeStore
	status    *MockStatusSource
	submitter *MockSubmitter
	cache     *store.Cache
	svc       *Service
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		reserves:  new(MockReserveReader),
		trades:    new(MockTradeStore),
		status:    new(MockStatusSource),
		submitter: new(MockSubmitter),
		cache:     store.NewInMemoryCache(zap.NewNop().Sugar(), nil),
	}
	builder := onchain.NewTransactionBuilder(config.AleoConfig{
		ProgramID:           "obsidian_market.aleo",
		StablecoinProgramID: "obsidian_usd.aleo",
		Fee:                 500_000,
	})
	if cfg.MinimumBet == nil {
		cfg.MinimumBet = uint256.NewInt(1_000_000)
	}
	opts = append([]Option{
		WithSubmitter(h.submitter),
		WithConfirmBackoff(onchain.ConstantBackoff(2, time.Millisecond)),
	}, opts...)
	h.svc = NewService(cfg, h.reserves, builder, h.trades, h.status, h.cache, zap.NewNop().Sugar(), opts...)
	t.Cleanup(func() { h.cache.Close() })
	return h
}

func openMarket(id uint64) *domain.Market {
	return &domain.Market{ID: id, Status: domain.StatusOpen, Reserves: cpmm.NewReserves(50_000_000, 50_000_000), FeeBps: 200}
}

func chainRecord(id uint64, yes, no uint64, status domain.Status) *onchain.MarketRecord {
	return &onchain.MarketRecord{ID: id, Reserves: cpmm.NewReserves(yes, no), Status: status}
}

func intent(amount uint64, side cpmm.Side) BetIntent {
	return BetIntent{MarketID: 1, Side: side, Amount: uint256.NewInt(amount), Trader: trader}
}

func TestPrepareValidationRejectsWithoutChainCall(t *testing.T) {
	closed := openMarket(1)
	closed.Status = domain.StatusResolved

	tests := []struct {
		name    string
		intent  BetIntent
		mirror  *domain.Market
		mirrErr error
		field   string
		notFnd  bool
	}{
		{"wallet not connected", BetIntent{MarketID: 1, Side: cpmm.SideYes, Amount: uint256.NewInt(2_000_000)}, nil, nil, "trader", false},
		{"malformed wallet", BetIntent{MarketID: 1, Side: cpmm.SideYes, Amount: uint256.NewInt(2_000_000), Trader: "aleo1xyz"}, nil, nil, "trader", false},
		{"no side", intent(2_000_000, ""), nil, nil, "side", false},
		{"bad side", intent(2_000_000, "maybe"), nil, nil, "side", false},
		{"below minimum", intent(999_999, cpmm.SideYes), nil, nil, "amount", false},
		{"resolved market", intent(2_000_000, cpmm.SideYes), closed, nil, "market", false},
		{"unknown market", intent(2_000_000, cpmm.SideYes), nil, domain.ErrNotFound, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			if tt.mirror != nil || tt.mirrErr != nil {
				h.reserves.On("FetchMirroredMarket", mock.Anything, uint64(1)).Return(tt.mirror, tt.mirrErr)
			}

			a, err := h.svc.Prepare(context.Background(), tt.intent)
			require.Error(t, err)
			require.NotNil(t, a)
			assert.Equal(t, StateRejected, a.State)
			assert.NotEmpty(t, a.Reason)

			if tt.notFnd {
				assert.ErrorIs(t, err, domain.ErrNotFound)
			} else {
				var verr *domain.ValidationError
				require.True(t, errors.As(err, &verr))
				assert.Equal(t, tt.field, verr.Field)
			}
			h.reserves.AssertNotCalled(t, "FetchOnchainReserves", mock.Anything, mock.Anything)
			h.submitter.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
		})
	}
}

func TestPrepareQuotesFreshChainReserves(t *testing.T) {
	h := newHarness(t, Config{})
	// the mirror is stale; the chain has moved
	h.reserves.On("FetchMirroredMarket", mock.Anything, uint64(1)).Return(openMarket(1), nil)
	h.reserves.On("FetchOnchainReserves", mock.Anything, uint64(1)).
		Return(chainRecord(1, 40_000_000, 62_500_000, domain.StatusOpen), nil)

	a, err := h.svc.Prepare(context.Background(), intent(1_000_000, cpmm.SideYes))
	require.NoError(t, err)
	assert.Equal(t, StateQuoting, a.State)
	assert.Equal(t, []State{StateIdle, StateValidating, StateQuoting}, states(a))

	assert.Equal(t, "40000000", a.Reserves.Yes.Dec())
	require.NotNil(t, a.Quote)
	assert.Equal(t, uint32(0), a.Quote.FeeBps, "fee is off by default")

	stale, err := cpmm.QuoteTrade(cpmm.NewReserves(50_000_000, 50_000_000), cpmm.SideYes, uint256.NewInt(1_000_000))
	require.NoError(t, err)
	assert.False(t, stale.SharesOut.Eq(a.Quote.SharesOut))

	require.NotNil(t, a.Transaction)
	assert.Equal(t, onchain.FnPlaceBet, a.Transaction.Function)
	assert.Equal(t, []string{"1u64", "40000000u128", "62500000u128", "1000000u128", "true"}, a.Transaction.Inputs)
	assert.Equal(t, uint64(500_000), a.Transaction.Fee)
}

func TestPrepareAppliesFeeWhenEnabled(t *testing.T) {
	h := newHarness(t, Config{ApplyFee: true})
	h.reserves.On("FetchMirroredMarket", mock.Anything, uint64(1)).Return(openMarket(1), nil)
	h.reserves.On("FetchOnchainReserves", mock.Anything, uint64(1)).
		Return(chainRecord(1, 50_000_000, 50_000_000, domain.StatusOpen), nil)

	a, err := h.svc.Prepare(context.Background(), intent(1_000_000, cpmm.SideNo))
	require.NoError(t, err)
	assert.Equal(t, uint32(200), a.Quote.FeeBps)
	assert.Equal(t, "20000", a.Quote.Fee.Dec())
	// the transaction still declares the gross amount
	assert.Equal(t, "1000000u128", a.Transaction.Inputs[3])
}

func TestPrepareRejectsWhenChainSaysClosed(t *testing.T) {
	h := newHarness(t, Config{})
	h.reserves.On("FetchMirroredMarket", mock.Anything, uint64(1)).Return(openMarket(1), nil)
	h.reserves.On("FetchOnchainReserves", mock.Anything, uint64(1)).
		Return(chainRecord(1, 50_000_000, 50_000_000, domain.StatusClosed), nil)

	a, err := h.svc.Prepare(context.Background(), intent(1_000_000, cpmm.SideYes))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, StateRejected, a.State)
}

func TestPrepareFailsOnChainOutage(t *testing.T) {
	h := newHarness(t, Config{})
	h.reserves.On("FetchMirroredMarket", mock.Anything, uint64(1)).Return(openMarket(1), nil)
	h.reserves.On("FetchOnchainReserves", mock.Anything, uint64(1)).
		Return(nil, fmt.Errorf("%w: 503", onchain.ErrUnavailable))

	a, err := h.svc.Prepare(context.Background(), intent(1_000_000, cpmm.SideYes))
	assert.ErrorIs(t, err, onchain.ErrUnavailable)
	assert.Equal(t, StateFailed, a.State)
}

func TestPrepareCancelledHasNoSideEffects(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	h.reserves.On("FetchMirroredMarket", mock.Anything, uint64(1)).Return(openMarket(1), nil).
		Run(func(mock.Arguments) { cancel() })

	a, err := h.svc.Prepare(ctx, intent(1_000_000, cpmm.SideYes))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, a)
	h.reserves.AssertNotCalled(t, "FetchOnchainReserves", mock.Anything, mock.Anything)
}

func preparedAttempt(t *testing.T, h *harness) *Attempt {
	t.Helper()
	h.reserves.On("FetchMirroredMarket", mock.Anything, uint64(1)).Return(openMarket(1), nil)
	h.reserves.On("FetchOnchainReserves", mock.Anything, uint64(1)).
		Return(chainRecord(1, 50_000_000, 50_000_000, domain.StatusOpen), nil)
	a, err := h.svc.Prepare(context.Background(), intent(1_000_000, cpmm.SideYes))
	require.NoError(t, err)
	return a
}

func TestPlaceBetRecordsTrade(t *testing.T) {
	h := newHarness(t, Config{})
	h.reserves.On("FetchMirroredMarket", mock.Anything, uint64(1)).Return(openMarket(1), nil)
	h.reserves.On("FetchOnchainReserves", mock.Anything, uint64(1)).
		Return(chainRecord(1, 50_000_000, 50_000_000, domain.StatusOpen), nil)
	h.reserves.On("Invalidate", mock.Anything, uint64(1)).Return()
	h.submitter.On("Submit", mock.Anything, mock.AnythingOfType("*onchain.Transaction")).Return(txID, nil)
	h.status.On("TransactionStatus", mock.Anything, txID).
		Return(&onchain.TransactionStatus{TxID: txID, State: onchain.TxPending}, nil).Once()
	h.status.On("TransactionStatus", mock.Anything, txID).
		Return(&onchain.TransactionStatus{TxID: txID, State: onchain.TxFinalized}, nil).Once()

	var recorded *domain.Trade
	h.trades.On("RecordTrade", mock.Anything, mock.AnythingOfType("*domain.Trade")).
		Run(func(args mock.Arguments) { recorded = args.Get(1).(*domain.Trade) }).
		Return(func(_ context.Context, t *domain.Trade) *domain.Trade {
			stored := *t
			stored.ID = "trade-1"
			return &stored
		}, nil)

	sub := h.cache.SubscribeInMemory(context.Background(), store.TradeChannel(1))
	defer sub.Close()

	a, err := h.svc.PlaceBet(context.Background(), intent(1_000_000, cpmm.SideYes))
	require.NoError(t, err)
	assert.Equal(t, StateRecorded, a.State)
	assert.Equal(t, []State{StateIdle, StateValidating, StateQuoting, StateSubmitting, StateConfirming, StateRecorded}, states(a))
	assert.Equal(t, "trade-1", a.Trade.ID)

	require.NotNil(t, recorded)
	assert.Equal(t, txID, recorded.TxHash)
	assert.Equal(t, "980392", recorded.Shares.Dec())
	assert.Equal(t, "1000000", recorded.Amount.Dec())
	assert.Equal(t, "49019608", recorded.YesReservesAfter.Dec())
	assert.Equal(t, "51000000", recorded.NoReservesAfter.Dec())
	assert.Equal(t, "0.5", recorded.PriceBefore.String())
	assert.True(t, recorded.PriceAfter.GreaterThan(recorded.PriceBefore))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"trade_id":"trade-1"`)
	case <-time.After(time.Second):
		t.Fatal("no trade event published")
	}

	h.status.AssertNumberOfCalls(t, "TransactionStatus", 2)
	h.reserves.AssertCalled(t, "Invalidate", mock.Anything, uint64(1))
}

func TestConfirmChainRejection(t *testing.T) {
	h := newHarness(t, Config{})
	a := preparedAttempt(t, h)
	a, err := h.svc.MarkSubmitted(context.Background(), a, txID)
	require.NoError(t, err)

	h.status.On("TransactionStatus", mock.Anything, txID).
		Return(&onchain.TransactionStatus{TxID: txID, State: onchain.TxRejected, Reason: "reserves mismatch"}, nil)

	a, err = h.svc.Confirm(context.Background(), a)
	var rerr *domain.ChainRejectedError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "reserves mismatch", rerr.Reason)
	assert.Equal(t, StateFailed, a.State)
	h.trades.AssertNotCalled(t, "RecordTrade", mock.Anything, mock.Anything)
}

func TestConfirmTimesOut(t *testing.T) {
	h := newHarness(t, Config{})
	a := preparedAttempt(t, h)
	a, err := h.svc.MarkSubmitted(context.Background(), a, txID)
	require.NoError(t, err)

	h.status.On("TransactionStatus", mock.Anything, txID).
		Return(&onchain.TransactionStatus{TxID: txID, State: onchain.TxPending}, nil)

	a, err = h.svc.Confirm(context.Background(), a)
	var terr *domain.TimeoutError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, uint64(3), terr.Attempts)
	assert.Equal(t, StateFailed, a.State)
	h.status.AssertNumberOfCalls(t, "TransactionStatus", 3)
}

func TestConfirmIgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t, Config{})
	a := preparedAttempt(t, h)
	a, err := h.svc.MarkSubmitted(context.Background(), a, txID)
	require.NoError(t, err)

	h.status.On("TransactionStatus", mock.Anything, txID).
		Return(&onchain.TransactionStatus{TxID: txID, State: onchain.TxFinalized}, nil)
	h.trades.On("RecordTrade", mock.Anything, mock.Anything).Return(&domain.Trade{ID: "t", MarketID: 1,
		Side: cpmm.SideYes, Shares: uint256.NewInt(1), Amount: uint256.NewInt(1),
		YesReservesAfter: uint256.NewInt(1), NoReservesAfter: uint256.NewInt(1)}, nil)
	h.reserves.On("Invalidate", mock.Anything, uint64(1)).Return()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a, err = h.svc.Confirm(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StateRecorded, a.State)
}

func TestConfirmStoreFailureIsSurfaced(t *testing.T) {
	h := newHarness(t, Config{})
	a := preparedAttempt(t, h)
	a, err := h.svc.MarkSubmitted(context.Background(), a, txID)
	require.NoError(t, err)

	h.status.On("TransactionStatus", mock.Anything, txID).
		Return(&onchain.TransactionStatus{TxID: txID, State: onchain.TxFinalized}, nil)
	h.trades.On("RecordTrade", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	a, err = h.svc.Confirm(context.Background(), a)
	var serr *domain.StoreError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, StateRecordFailed, a.State)
	h.reserves.AssertNotCalled(t, "Invalidate", mock.Anything, mock.Anything)
}

func TestSubmitFailure(t *testing.T) {
	h := newHarness(t, Config{})
	a := preparedAttempt(t, h)
	h.submitter.On("Submit", mock.Anything, a.Transaction).Return("", onchain.ErrSignerRejected)

	a, err := h.svc.Submit(context.Background(), a)
	assert.ErrorIs(t, err, onchain.ErrSignerRejected)
	assert.Equal(t, StateFailed, a.State)
	h.status.AssertNotCalled(t, "TransactionStatus", mock.Anything, mock.Anything)
}

func TestWrongStateTransitions(t *testing.T) {
	h := newHarness(t, Config{})
	a := preparedAttempt(t, h)

	_, err := h.svc.Confirm(context.Background(), a)
	assert.ErrorIs(t, err, ErrWrongState)

	_, err = h.svc.MarkSubmitted(context.Background(), a, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	a, err = h.svc.MarkSubmitted(context.Background(), a, txID)
	require.NoError(t, err)
	_, err = h.svc.Submit(context.Background(), a)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestMarkSubmittedRejectsMalformedTxID(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"not bech32", "hello"},
		{"address", trader},
		{"path segments", "at1/../../program/obsidian_market.aleo"},
		{"too long", txID + "q"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			a := preparedAttempt(t, h)

			a, err := h.svc.MarkSubmitted(context.Background(), a, tt.id)
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "tx_id", verr.Field)
			assert.Equal(t, StateQuoting, a.State)

			// a well-formed id still goes through afterwards
			a, err = h.svc.MarkSubmitted(context.Background(), a, txID)
			require.NoError(t, err)
			assert.Equal(t, StateConfirming, a.State)
		})
	}
}

func TestMarkSubmittedConcurrentCallsOneWins(t *testing.T) {
	h := newHarness(t, Config{})
	prepared := preparedAttempt(t, h)
	ctx := context.Background()

	const callers = 6
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		loaded, err := h.svc.GetAttempt(ctx, prepared.ID)
		require.NoError(t, err)
		go func(a *Attempt) {
			_, err := h.svc.MarkSubmitted(ctx, a, txID)
			errs <- err
		}(loaded)
	}

	var ok, wrong int
	for i := 0; i < callers; i++ {
		switch err := <-errs; {
		case err == nil:
			ok++
		case errors.Is(err, ErrWrongState):
			wrong++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, wrong)

	loaded, err := h.svc.GetAttempt(ctx, prepared.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirming, loaded.State)
}

func TestSubmitClaimsAttempt(t *testing.T) {
	h := newHarness(t, Config{})
	a := preparedAttempt(t, h)
	ctx := context.Background()

	other, err := h.svc.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	_, err = h.svc.MarkSubmitted(ctx, other, txID)
	require.NoError(t, err)

	_, err = h.svc.Submit(ctx, a)
	assert.ErrorIs(t, err, ErrWrongState)
	h.submitter.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestWithStatusSourcePollsBridge(t *testing.T) {
	bridge := new(MockStatusSource)
	h := newHarness(t, Config{}, WithStatusSource(bridge))
	a := preparedAttempt(t, h)
	a, err := h.svc.MarkSubmitted(context.Background(), a, txID)
	require.NoError(t, err)

	bridge.On("TransactionStatus", mock.Anything, txID).
		Return(&onchain.TransactionStatus{TxID: txID, State: onchain.TxRejected, Reason: "insufficient balance"}, nil)

	a, err = h.svc.Confirm(context.Background(), a)
	var rerr *domain.ChainRejectedError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "insufficient balance", rerr.Reason)
	assert.Equal(t, StateFailed, a.State)
	bridge.AssertNumberOfCalls(t, "TransactionStatus", 1)
	h.status.AssertNotCalled(t, "TransactionStatus", mock.Anything, mock.Anything)
}

func TestAttemptRoundTripsThroughCache(t *testing.T) {
	h := newHarness(t, Config{})
	a := preparedAttempt(t, h)
	_, err := h.svc.MarkSubmitted(context.Background(), a, txID)
	require.NoError(t, err)

	loaded, err := h.svc.GetAttempt(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirming, loaded.State)
	assert.Equal(t, txID, loaded.TxID)
	assert.True(t, loaded.Reserves.Equal(a.Reserves))
	require.NotNil(t, loaded.Quote)
	assert.True(t, loaded.Quote.SharesOut.Eq(a.Quote.SharesOut))
	assert.Equal(t, a.Transaction.Inputs, loaded.Transaction.Inputs)

	_, err = h.svc.GetAttempt(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConfigFrom(t *testing.T) {
	cfg, err := ConfigFrom(config.TradingConfig{MinimumBet: "1.5", ConfirmAttempts: 10, ConfirmInterval: time.Second}, 6)
	require.NoError(t, err)
	assert.Equal(t, "1500000", cfg.MinimumBet.Dec())

	_, err = ConfigFrom(config.TradingConfig{MinimumBet: "abc"}, 6)
	assert.Error(t, err)
}

func states(a *Attempt) []State {
	out := make([]State, 0, len(a.History))
	for _, tr := range a.History {
		out = append(out, tr.State)
	}
	return out
}
