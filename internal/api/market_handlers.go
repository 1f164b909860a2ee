package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
	"github.com/obsidian-market/obsidian-backend/internal/domain"
	"github.com/obsidian-market/obsidian-backend/internal/onchain"
	"github.com/obsidian-market/obsidian-backend/internal/trading"
	"github.com/shopspring/decimal"
)

// displayPlaces is the rounding applied to prices and percentages in
// responses. Micro-unit amounts are always exact.
const displayPlaces = 6

func round(d decimal.Decimal) string {
	return d.Round(displayPlaces).String()
}

func pricesDTO(p cpmm.Prices) PricesDTO {
	return PricesDTO{Yes: round(p.Yes), No: round(p.No)}
}

// derivePrices fills prices, odds and ROI. An untradeable pool leaves
// them empty.
func derivePrices(r cpmm.Reserves) (prices, odds, roi PricesDTO) {
	p, err := cpmm.PriceOf(r)
	if err != nil {
		return
	}
	prices = pricesDTO(p)
	if yes, err := cpmm.Odds(p.Yes); err == nil {
		odds.Yes = round(yes)
	}
	if no, err := cpmm.Odds(p.No); err == nil {
		odds.No = round(no)
	}
	if yes, err := cpmm.ROI(p.Yes); err == nil {
		roi.Yes = round(yes)
	}
	if no, err := cpmm.ROI(p.No); err == nil {
		roi.No = round(no)
	}
	return
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func (h *Handler) marketDTO(m *domain.Market) MarketDTO {
	dto := MarketDTO{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		Category:    m.Category,
		Creator:     m.Creator,
		Status:      string(m.Status),
		FeeBps:      m.FeeBps,
		Liquidity:   m.Liquidity().Shift(-h.decimals()).String(),
		TotalVolume: "0",
		TradeCount:  m.TradeCount,
		ClosesAt:    millisPtr(m.ClosesAt),
		ResolvesAt:  millisPtr(m.ResolvesAt),
		SyncedAt:    millisPtr(m.SyncedAt),
		CreatedAt:   m.CreatedAt.UnixMilli(),
		UpdatedAt:   m.UpdatedAt.UnixMilli(),
	}
	if m.Reserves.Yes != nil && m.Reserves.No != nil {
		dto.YesReserves = m.Reserves.Yes.Dec()
		dto.NoReserves = m.Reserves.No.Dec()
	}
	if m.TotalVolume != nil {
		dto.TotalVolume = m.TotalVolume.Dec()
	}
	dto.Prices, dto.Odds, dto.ROI = derivePrices(m.Reserves)
	return dto
}

func dec(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

// tradeDTO tolerates the id-only trade a cached attempt carries.
func tradeDTO(t *domain.Trade) TradeDTO {
	return TradeDTO{
		ID:               t.ID,
		MarketID:         t.MarketID,
		Side:             string(t.Side),
		Trader:           t.Trader,
		Shares:           dec(t.Shares),
		Amount:           dec(t.Amount),
		PriceBefore:      t.PriceBefore.String(),
		PriceAfter:       t.PriceAfter.String(),
		YesReservesAfter: dec(t.YesReservesAfter),
		NoReservesAfter:  dec(t.NoReservesAfter),
		TxHash:           t.TxHash,
		CreatedAt:        t.CreatedAt.UnixMilli(),
	}
}

func (h *Handler) quoteDTO(marketID uint64, q cpmm.Quote, source onchain.ReserveSource) QuoteDTO {
	dto := QuoteDTO{
		MarketID:       marketID,
		Side:           string(q.Side),
		AmountIn:       q.AmountIn.Dec(),
		Fee:            q.Fee.Dec(),
		SharesOut:      q.SharesOut.Dec(),
		SharesDisplay:  cpmm.MicroToDisplay(q.SharesOut, h.decimals()).String(),
		PriceBefore:    pricesDTO(q.PriceBefore),
		PriceAfter:     pricesDTO(q.PriceAfter),
		PriceImpactPct: round(q.PriceImpact),
		AvgPrice:       round(q.AvgPrice),
		ReserveSource:  string(source),
		AsOf:           h.now().Unix(),
	}
	if roi, err := cpmm.ROI(q.AvgPrice); err == nil {
		dto.PotentialROI = round(roi)
	}
	return dto
}

// ListMarkets serves the mirrored listing. Display reads never touch the
// chain.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := domain.ListOpts{Category: r.URL.Query().Get("category")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := domain.ParseStatus(raw)
		if err != nil {
			h.writeDomainError(w, r, &domain.ValidationError{Field: "status", Reason: err.Error()})
			return
		}
		opts.Status = st
	}
	var err error
	if opts.Limit, err = intQuery(r, "limit", 50); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if opts.Offset, err = intQuery(r, "offset", 0); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	markets, err := h.store.ListMarkets(r.Context(), opts)
	if err != nil {
		h.writeDomainError(w, r, &domain.StoreError{Op: "list markets", Err: err})
		return
	}

	dto := MarketListDTO{Markets: make([]MarketDTO, 0, len(markets)), Limit: opts.Limit, Offset: opts.Offset}
	for _, m := range markets {
		dto.Markets = append(dto.Markets, h.marketDTO(m))
	}
	h.writeJSON(w, http.StatusOK, dto)
}

// GetMarket joins the mirrored row with the freshest display reserves and
// the trailing 24h volume.
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	ctx := r.Context()

	m, err := h.reserves.FetchMirroredMarket(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	source := onchain.SourceMirror
	if snap, err := h.reserves.DisplayReserves(ctx, id); err == nil {
		m.Reserves = snap.Reserves
		source = snap.Source
	}

	dto := h.marketDTO(m)
	dto.ReserveSrc = string(source)
	if vol, err := h.store.Volume(ctx, id, h.now().Add(-24*time.Hour)); err == nil {
		dto.Volume24h = vol.Dec()
	} else {
		h.logger.Warnw("Failed to compute 24h volume", "market_id", id, "error", err)
	}
	h.writeJSON(w, http.StatusOK, dto)
}

// GetOnchainMarket reads the authoritative record straight from the chain.
func (h *Handler) GetOnchainMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	rec, err := h.reserves.FetchOnchainReserves(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dto := OnchainMarketDTO{
		ID:          rec.ID,
		Creator:     rec.Creator,
		MarketType:  rec.MarketType,
		Status:      string(rec.Status),
		StatusCode:  rec.StatusCode,
		YesReserves: rec.Reserves.Yes.Dec(),
		NoReserves:  rec.Reserves.No.Dec(),
		AsOf:        h.now().Unix(),
	}
	dto.Prices, _, _ = derivePrices(rec.Reserves)
	h.writeJSON(w, http.StatusOK, dto)
}

// GetQuote previews a bet against display reserves. The amount is in
// display units. Placing the bet re-quotes against the chain.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	query := r.URL.Query()
	side, err := cpmm.ParseSide(query.Get("side"))
	if err != nil {
		h.writeDomainError(w, r, &domain.ValidationError{Field: "side", Reason: "must be yes or no"})
		return
	}
	amount, err := h.parseDisplayAmount("amount", query.Get("amount"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	ctx := r.Context()

	snap, err := h.reserves.DisplayReserves(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !snap.Status.IsOpen() {
		h.writeDomainError(w, r, domain.ErrMarketNotOpen)
		return
	}

	var feeBps uint32
	if h.config.Trading.ApplyFee {
		if m, err := h.reserves.FetchMirroredMarket(ctx, id); err == nil {
			feeBps = m.FeeBps
		}
	}
	q, err := cpmm.QuoteTradeWithFee(snap.Reserves, side, amount, feeBps)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.quoteDTO(id, q, snap.Source))
}

func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	trades, err := h.store.ListTrades(r.Context(), id, limit)
	if err != nil {
		h.writeDomainError(w, r, &domain.StoreError{Op: "list trades", Err: err})
		return
	}
	dto := TradeListDTO{Trades: make([]TradeDTO, 0, len(trades))}
	for _, t := range trades {
		dto.Trades = append(dto.Trades, tradeDTO(t))
	}
	h.writeJSON(w, http.StatusOK, dto)
}

// RecordTrade appends a trade the client watched finalize on chain.
func (h *Handler) RecordTrade(w http.ResponseWriter, r *http.Request) {
	var req RecordTradeRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	trade, err := req.toTrade()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	ctx := r.Context()

	stored, err := h.store.RecordTrade(ctx, trade)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrMarketNotOpen) || errors.Is(err, domain.ErrInvalidInput) {
			h.writeDomainError(w, r, err)
			return
		}
		h.writeDomainError(w, r, &domain.StoreError{Op: "record trade", Err: err})
		return
	}

	h.reserves.Invalidate(ctx, stored.MarketID)
	if err := trading.PublishTrade(ctx, h.cache, stored); err != nil {
		h.logger.Warnw("Failed to publish trade event", "trade_id", stored.ID, "error", err)
	}
	h.writeJSON(w, http.StatusCreated, tradeDTO(stored))
}

func requiredU128(field, raw string) (*uint256.Int, error) {
	if raw == "" {
		return nil, &domain.ValidationError{Field: field, Reason: "is required"}
	}
	v, err := cpmm.ParseU128(raw)
	if err != nil {
		return nil, &domain.ValidationError{Field: field, Reason: "must be an unsigned integer below 2^128"}
	}
	return v, nil
}

func requiredDecimal(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, &domain.ValidationError{Field: field, Reason: "is required"}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &domain.ValidationError{Field: field, Reason: "must be a decimal number"}
	}
	return d, nil
}

func (req RecordTradeRequest) toTrade() (*domain.Trade, error) {
	if req.MarketID == nil || *req.MarketID == 0 {
		return nil, &domain.ValidationError{Field: "market_id", Reason: "is required"}
	}
	side, err := cpmm.ParseSide(req.Side)
	if err != nil {
		return nil, &domain.ValidationError{Field: "side", Reason: "must be yes or no"}
	}
	if req.Trader != "" {
		if err := onchain.ValidateAddress(req.Trader); err != nil {
			return nil, &domain.ValidationError{Field: "trader", Reason: err.Error()}
		}
	}

	t := &domain.Trade{
		MarketID: *req.MarketID,
		Side:     side,
		Trader:   req.Trader,
		TxHash:   req.TxHash,
	}
	if t.Shares, err = requiredU128("shares", req.Shares); err != nil {
		return nil, err
	}
	if t.Amount, err = requiredU128("amount", req.Amount); err != nil {
		return nil, err
	}
	if t.YesReservesAfter, err = requiredU128("yes_reserves_after", req.YesReservesAfter); err != nil {
		return nil, err
	}
	if t.NoReservesAfter, err = requiredU128("no_reserves_after", req.NoReservesAfter); err != nil {
		return nil, err
	}
	if t.PriceBefore, err = requiredDecimal("price_before", req.PriceBefore); err != nil {
		return nil, err
	}
	if t.PriceAfter, err = requiredDecimal("price_after", req.PriceAfter); err != nil {
		return nil, err
	}
	return t, nil
}

func (h *Handler) parseDisplayAmount(field, raw string) (*uint256.Int, error) {
	if raw == "" {
		return nil, &domain.ValidationError{Field: field, Reason: "is required"}
	}
	v, err := cpmm.ParseDisplayAmount(raw, h.decimals())
	if err != nil {
		return nil, &domain.ValidationError{Field: field, Reason: err.Error()}
	}
	if v.IsZero() {
		return nil, &domain.ValidationError{Field: field, Reason: "must be positive"}
	}
	return v, nil
}
