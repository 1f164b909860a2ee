package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
	"github.com/obsidian-market/obsidian-backend/internal/domain"
	"github.com/obsidian-market/obsidian-backend/internal/onchain"
	"github.com/obsidian-market/obsidian-backend/internal/trading"
)

func (h *Handler) attemptDTO(a *trading.Attempt) BetAttemptDTO {
	dto := BetAttemptDTO{
		ID:          a.ID,
		MarketID:    a.Intent.MarketID,
		Side:        string(a.Intent.Side),
		Trader:      a.Intent.Trader,
		State:       string(a.State),
		History:     make([]TransitionDTO, 0, len(a.History)),
		Reason:      a.Reason,
		Transaction: a.Transaction,
		TxID:        a.TxID,
		CreatedAt:   a.CreatedAt.UnixMilli(),
		UpdatedAt:   a.UpdatedAt.UnixMilli(),
	}
	if a.Intent.Amount != nil {
		dto.Amount = a.Intent.Amount.Dec()
	}
	for _, t := range a.History {
		dto.History = append(dto.History, TransitionDTO{State: string(t.State), At: t.At.UnixMilli(), Reason: t.Reason})
	}
	if a.Quote != nil {
		q := h.quoteDTO(a.Intent.MarketID, *a.Quote, onchain.SourceChain)
		dto.Quote = &q
	}
	if a.Trade != nil {
		t := tradeDTO(a.Trade)
		dto.Trade = &t
	}
	return dto
}

// PlaceBet validates the intent and quotes it against fresh chain
// reserves. The response carries the unsigned place_bet transaction for
// the wallet to sign and broadcast.
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	intent := trading.BetIntent{
		MarketID: req.MarketID,
		Side:     cpmm.Side(strings.ToLower(strings.TrimSpace(req.Side))),
		Trader:   strings.TrimSpace(req.Trader),
	}
	if req.Amount != "" {
		amount, err := cpmm.ParseDisplayAmount(req.Amount, h.decimals())
		if err != nil {
			h.writeDomainError(w, r, &domain.ValidationError{Field: "amount", Reason: err.Error()})
			return
		}
		intent.Amount = amount
	}

	attempt, err := h.trading.Prepare(r.Context(), intent)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, h.attemptDTO(attempt))
}

func (h *Handler) GetBet(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.trading.GetAttempt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.attemptDTO(attempt))
}

// ConfirmBet records the wallet's transaction id and follows it to a
// terminal state in the background. Clients poll GET /v1/bets/{id}.
func (h *Handler) ConfirmBet(w http.ResponseWriter, r *http.Request) {
	var req ConfirmBetRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	ctx := r.Context()

	attempt, err := h.trading.GetAttempt(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	attempt, err = h.trading.MarkSubmitted(ctx, attempt, strings.TrimSpace(req.TxID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.confirms.Add(1)
	go func(a *trading.Attempt) {
		defer h.confirms.Done()
		// Confirm outlives the request; it detaches from ctx itself.
		if _, err := h.trading.Confirm(context.WithoutCancel(ctx), a); err != nil {
			h.logger.Warnw("Bet confirmation finished with error", "attempt_id", a.ID, "tx_id", a.TxID, "error", err)
		}
	}(attempt)

	h.writeJSON(w, http.StatusAccepted, h.attemptDTO(attempt))
}

// CreateMarket stores the off-chain metadata and returns the unsigned
// create_market transaction. Reserves are overwritten by the reserve sync
// once the chain has the market.
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	m, err := h.newMarket(req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	ctx := r.Context()

	if _, err := h.reserves.FetchMirroredMarket(ctx, m.ID); err == nil {
		h.writeError(w, r, http.StatusConflict, "MARKET_EXISTS", "market already exists")
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		h.writeDomainError(w, r, err)
		return
	}

	tx, err := h.builder.BuildCreateMarket(m.ID, m.Reserves)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := h.store.UpsertMarket(ctx, m); err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			h.writeDomainError(w, r, err)
			return
		}
		h.writeDomainError(w, r, &domain.StoreError{Op: "upsert market", Err: err})
		return
	}

	stored, err := h.reserves.FetchMirroredMarket(ctx, m.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dto := h.marketDTO(stored)
	h.logger.Infow("Market created", "market_id", m.ID, "title", m.Title)
	h.writeJSON(w, http.StatusCreated, UnsignedTransactionDTO{Transaction: tx, Market: &dto})
}

func (h *Handler) newMarket(req CreateMarketRequest) (*domain.Market, error) {
	if req.ID == 0 {
		return nil, &domain.ValidationError{Field: "id", Reason: "is required"}
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, &domain.ValidationError{Field: "title", Reason: "is required"}
	}
	if req.Creator != "" {
		if err := onchain.ValidateAddress(req.Creator); err != nil {
			return nil, &domain.ValidationError{Field: "creator", Reason: err.Error()}
		}
	}
	if req.FeeBps >= cpmm.MaxFeeBps {
		return nil, &domain.ValidationError{Field: "fee_bps", Reason: "must be below 10000"}
	}
	liquidity, err := h.parseDisplayAmount("liquidity", req.Liquidity)
	if err != nil {
		return nil, err
	}

	now := h.now().UTC()
	m := &domain.Market{
		ID:          req.ID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Category:    req.Category,
		Creator:     req.Creator,
		Status:      domain.StatusOpen,
		Reserves:    cpmm.Reserves{Yes: liquidity.Clone(), No: liquidity.Clone()},
		FeeBps:      req.FeeBps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.ClosesAt != nil {
		t := time.UnixMilli(*req.ClosesAt).UTC()
		m.ClosesAt = &t
	}
	if req.ResolvesAt != nil {
		t := time.UnixMilli(*req.ResolvesAt).UTC()
		m.ResolvesAt = &t
	}
	return m, nil
}

func (h *Handler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var req ResolveMarketRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	winning, err := cpmm.ParseSide(req.WinningSide)
	if err != nil {
		h.writeDomainError(w, r, &domain.ValidationError{Field: "winning_side", Reason: "must be yes or no"})
		return
	}

	m, err := h.reserves.FetchMirroredMarket(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if m.Status == domain.StatusResolved || m.Status == domain.StatusCancelled {
		h.writeError(w, r, http.StatusConflict, "MARKET_FINAL", "market is already "+string(m.Status))
		return
	}

	tx, err := h.builder.BuildResolveMarket(id, winning)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dto := h.marketDTO(m)
	h.writeJSON(w, http.StatusOK, UnsignedTransactionDTO{Transaction: tx, Market: &dto})
}

// Shield builds a public-to-private stablecoin transfer.
func (h *Handler) Shield(w http.ResponseWriter, r *http.Request) {
	var req ShieldRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	amount, err := h.parseDisplayAmount("amount", req.Amount)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	tx, err := h.builder.BuildShield(strings.TrimSpace(req.Recipient), amount)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, UnsignedTransactionDTO{Transaction: tx})
}

func (h *Handler) GetUserBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	balance, err := h.users.GetBalance(r.Context(), address)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceDTO{
		Address: address,
		Balance: balance.Dec(),
		Display: cpmm.MicroToDisplay(balance, h.decimals()).String(),
		AsOf:    h.now().Unix(),
	})
}
