package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/config"
	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
	"github.com/obsidian-market/obsidian-backend/internal/domain"
	"github.com/obsidian-market/obsidian-backend/internal/onchain"
	"github.com/obsidian-market/obsidian-backend/internal/store"
	"github.com/obsidian-market/obsidian-backend/internal/trading"
	"github.com/obsidian-market/obsidian-backend/internal/ws"
	"go.uber.org/zap"
)

// ReserveStore is the subset of onchain.ReserveService the handlers read.
type ReserveStore interface {
	FetchOnchainReserves(ctx context.Context, marketID uint64) (*onchain.MarketRecord, error)
	FetchMirroredMarket(ctx context.Context, marketID uint64) (*domain.Market, error)
	DisplayReserves(ctx context.Context, marketID uint64) (*onchain.ReserveSnapshot, error)
	Invalidate(ctx context.Context, marketID uint64)
}

type BalanceReader interface {
	GetBalance(ctx context.Context, address string) (*uint256.Int, error)
}

type HeightReader interface {
	LatestHeight(ctx context.Context) (uint64, error)
}

type Handler struct {
	reserves ReserveStore
	store    domain.Store
	trading  *trading.Service
	users    BalanceReader
	chain    HeightReader
	builder  *onchain.TransactionBuilder
	wsHub    *ws.Hub
	cache    *store.Cache
	config   *config.Config
	logger   *zap.SugaredLogger

	// confirmations started by ConfirmBet that are still polling
	confirms sync.WaitGroup
	now      func() time.Time
}

func NewHandler(
	reserves ReserveStore,
	repo domain.Store,
	tradingSvc *trading.Service,
	users BalanceReader,
	chain HeightReader,
	builder *onchain.TransactionBuilder,
	wsHub *ws.Hub,
	cache *store.Cache,
	config *config.Config,
	logger *zap.SugaredLogger,
) *Handler {
	return &Handler{
		reserves: reserves,
		store:    repo,
		trading:  tradingSvc,
		users:    users,
		chain:    chain,
		builder:  builder,
		wsHub:    wsHub,
		cache:    cache,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// Wait blocks until background confirmations have finished.
func (h *Handler) Wait() {
	h.confirms.Wait()
}

func (h *Handler) decimals() int32 {
	return h.config.Aleo.Decimals
}

// Health and ops endpoints
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Readyz checks the mirrored store, the cache and the chain explorer.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	dto := ReadinessDTO{Status: "ready", Checks: map[string]string{}}
	check := func(name string, err error) {
		if err != nil {
			dto.Status = "unavailable"
			dto.Checks[name] = err.Error()
			return
		}
		dto.Checks[name] = "ok"
	}

	check("store", h.store.Ping(ctx))
	check("cache", h.cache.Ping(ctx))
	height, err := h.chain.LatestHeight(ctx)
	check("chain", err)
	dto.ChainHeight = height

	status := http.StatusOK
	if dto.Status != "ready" {
		status = http.StatusServiceUnavailable
		h.logger.Warnw("Readiness check failed", "checks", dto.Checks)
	}
	h.writeJSON(w, status, dto)
}

// WebSocket endpoint
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHub.HandleWebSocket(w, r)
}

func marketIDParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, &domain.ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, &domain.ValidationError{Field: name, Reason: "must be a non-negative integer"}
	}
	return v, nil
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dest); err != nil {
		return &domain.ValidationError{Field: "body", Reason: "is not valid JSON: " + err.Error()}
	}
	return nil
}

// Utility methods
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeErrorBody(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Code: code, Message: message})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID, _ := r.Context().Value(middleware.RequestIDKey).(string)
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("API error", "request_id", requestID, "code", code, "message", message, "status", status)
	} else {
		h.logger.Infow("API request rejected", "request_id", requestID, "code", code, "message", message, "status", status)
	}
	writeErrorBody(w, status, code, message)
}

// writeDomainError maps the error taxonomy onto HTTP. Typed errors are
// checked before the sentinels they may wrap.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	h.writeError(w, r, status, code, err.Error())
}

func classify(err error) (int, string) {
	var (
		verr     *domain.ValidationError
		perr     *onchain.ParseError
		rejected *domain.ChainRejectedError
		timeout  *domain.TimeoutError
		serr     *domain.StoreError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.As(err, &perr), errors.Is(err, onchain.ErrMalformedRecord):
		return http.StatusBadGateway, "MALFORMED_CHAIN_RECORD"
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity, "CHAIN_REJECTED"
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, "CONFIRMATION_TIMEOUT"
	case errors.As(err, &serr):
		return http.StatusInternalServerError, "STORE_ERROR"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrMarketNotOpen):
		return http.StatusBadRequest, "MARKET_NOT_OPEN"
	case errors.Is(err, onchain.ErrInvalidAddress):
		return http.StatusBadRequest, "INVALID_ADDRESS"
	case errors.Is(err, cpmm.ErrZeroReserves):
		return http.StatusConflict, "MARKET_NOT_TRADEABLE"
	case errors.Is(err, cpmm.ErrInvalidAmount),
		errors.Is(err, cpmm.ErrInvalidSide),
		errors.Is(err, cpmm.ErrTradeTooSmall),
		errors.Is(err, cpmm.ErrOverflow),
		errors.Is(err, cpmm.ErrNegative),
		errors.Is(err, cpmm.ErrInvalidFee),
		errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, trading.ErrWrongState):
		return http.StatusConflict, "WRONG_STATE"
	case errors.Is(err, onchain.ErrUnavailable):
		return http.StatusServiceUnavailable, "CHAIN_UNAVAILABLE"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "REQUEST_CANCELLED"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}
