package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/config"
	"github.com/obsidian-market/obsidian-backend/internal/cpmm"
	"github.com/obsidian-market/obsidian-backend/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

var _ domain.Store = (*Repository)(nil)

// Repository is the mirrored market and trade store. Queries are written
// with ? placeholders and rebound for postgres.
type Repository struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.SugaredLogger
	now     func() time.Time
	closers []func() error
}

func newRepository(db *sql.DB, dialect Dialect, logger *zap.SugaredLogger) *Repository {
	return &Repository{
		db:      db,
		dialect: dialect,
		logger:  logger,
		now:     time.Now,
	}
}

// Open selects the backend from cfg.Driver.
func Open(ctx context.Context, cfg config.DBConfig, logger *zap.SugaredLogger) (*Repository, error) {
	switch cfg.Driver {
	case "postgres":
		return OpenPostgres(ctx, cfg.PostgresDSN, logger)
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) Dialect() Dialect { return r.dialect }

func (r *Repository) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// forUpdate locks the selected row where the backend supports it. SQLite
// runs with a single connection, so its transactions are already serial.
func (r *Repository) forUpdate() string {
	if r.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func u256String(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseU256(column, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("column %s holds invalid integer %q: %w", column, s, err)
	}
	return v, nil
}

const marketColumns = `id, title, description, category, creator, market_type, status,
	yes_reserves, no_reserves, fee_bps, total_volume, trade_count,
	closes_at, resolves_at, synced_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (*domain.Market, error) {
	var (
		m                        domain.Market
		status                   string
		yes, no, volume          string
		marketType               int64
		feeBps                   int64
		closes, resolves, synced sql.NullInt64
		createdAt, updatedAt     int64
	)
	if err := row.Scan(
		&m.ID, &m.Title, &m.Description, &m.Category, &m.Creator, &marketType, &status,
		&yes, &no, &feeBps, &volume, &m.TradeCount,
		&closes, &resolves, &synced, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	st, err := domain.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	reserves, err := cpmm.ParseReserves(yes, no)
	if err != nil {
		return nil, fmt.Errorf("market %d reserves: %w", m.ID, err)
	}
	totalVolume, err := parseU256("total_volume", volume)
	if err != nil {
		return nil, err
	}

	m.MarketType = uint8(marketType)
	m.Status = st
	m.Reserves = reserves
	m.FeeBps = uint32(feeBps)
	m.TotalVolume = totalVolume
	m.ClosesAt = timePtr(closes)
	m.ResolvesAt = timePtr(resolves)
	m.SyncedAt = timePtr(synced)
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	return &m, nil
}

func (r *Repository) GetMarket(ctx context.Context, id uint64) (*domain.Market, error) {
	query := r.rebind(`SELECT ` + marketColumns + ` FROM markets WHERE id = ?`)
	m, err := scanMarket(r.db.QueryRowContext(ctx, query, int64(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get market %d: %w", id, err)
	}
	return m, nil
}

func (r *Repository) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]*domain.Market, error) {
	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.Category != "" {
		where = append(where, "category = ?")
		args = append(args, opts.Category)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + marketColumns + ` FROM markets`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list markets: %w", err)
	}
	defer rows.Close()

	var markets []*domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return markets, nil
}

// UpsertMarket inserts m or overwrites its metadata, reserves and status.
// Aggregates (total_volume, trade_count) are left to RecordTrade.
func (r *Repository) UpsertMarket(ctx context.Context, m *domain.Market) error {
	if m.ID == 0 {
		return &domain.ValidationError{Field: "id", Reason: "is required"}
	}
	if err := m.Reserves.Validate(); err != nil {
		return &domain.ValidationError{Field: "reserves", Reason: err.Error()}
	}
	status := m.Status
	if status == "" {
		status = domain.StatusOpen
	}

	now := r.now()
	created := m.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := r.rebind(`
		INSERT INTO markets (id, title, description, category, creator, market_type, status,
			yes_reserves, no_reserves, fee_bps, total_volume, trade_count,
			closes_at, resolves_at, synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			category = excluded.category,
			creator = excluded.creator,
			market_type = excluded.market_type,
			status = excluded.status,
			yes_reserves = excluded.yes_reserves,
			no_reserves = excluded.no_reserves,
			fee_bps = excluded.fee_bps,
			closes_at = excluded.closes_at,
			resolves_at = excluded.resolves_at,
			synced_at = excluded.synced_at,
			updated_at = excluded.updated_at
	`)

	_, err := r.db.ExecContext(ctx, query,
		int64(m.ID), m.Title, m.Description, m.Category, m.Creator, int64(m.MarketType), string(status),
		m.Reserves.Yes.Dec(), m.Reserves.No.Dec(), int64(m.FeeBps), u256String(m.TotalVolume), int64(m.TradeCount),
		nullMillis(m.ClosesAt), nullMillis(m.ResolvesAt), nullMillis(m.SyncedAt), toMillis(created), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert market %d: %w", m.ID, err)
	}
	return nil
}

func (r *Repository) SyncReserves(ctx context.Context, id uint64, reserves cpmm.Reserves, status domain.Status) error {
	if err := reserves.Validate(); err != nil {
		return &domain.ValidationError{Field: "reserves", Reason: err.Error()}
	}
	now := toMillis(r.now())
	query := r.rebind(`
		UPDATE markets
		SET yes_reserves = ?, no_reserves = ?, status = ?, synced_at = ?, updated_at = ?
		WHERE id = ?
	`)
	res, err := r.db.ExecContext(ctx, query, reserves.Yes.Dec(), reserves.No.Dec(), string(status), now, now, int64(id))
	if err != nil {
		return fmt.Errorf("failed to sync reserves for market %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to sync reserves for market %d: %w", id, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const tradeColumns = `id, market_id, side, trader, shares, amount, price_before, price_after,
	yes_reserves_after, no_reserves_after, tx_hash, created_at`

func scanTrade(row rowScanner) (*domain.Trade, error) {
	var (
		t                                      domain.Trade
		side                                   string
		shares, amount, before, after, yes, no string
		txHash                                 sql.NullString
		createdAt                              int64
	)
	if err := row.Scan(&t.ID, &t.MarketID, &side, &t.Trader, &shares, &amount, &before, &after,
		&yes, &no, &txHash, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if t.Side, err = cpmm.ParseSide(side); err != nil {
		return nil, err
	}
	if t.Shares, err = parseU256("shares", shares); err != nil {
		return nil, err
	}
	if t.Amount, err = parseU256("amount", amount); err != nil {
		return nil, err
	}
	if t.YesReservesAfter, err = parseU256("yes_reserves_after", yes); err != nil {
		return nil, err
	}
	if t.NoReservesAfter, err = parseU256("no_reserves_after", no); err != nil {
		return nil, err
	}
	if t.PriceBefore, err = decimal.NewFromString(before); err != nil {
		return nil, fmt.Errorf("column price_before holds %q: %w", before, err)
	}
	if t.PriceAfter, err = decimal.NewFromString(after); err != nil {
		return nil, fmt.Errorf("column price_after holds %q: %w", after, err)
	}
	t.TxHash = txHash.String
	t.CreatedAt = fromMillis(createdAt)
	return &t, nil
}

func (r *Repository) tradeByTxHash(ctx context.Context, tx *sql.Tx, hash string) (*domain.Trade, error) {
	query := r.rebind(`SELECT ` + tradeColumns + ` FROM trades WHERE tx_hash = ?`)
	t, err := scanTrade(tx.QueryRowContext(ctx, query, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// RecordTrade appends t and moves the market's reserves to the trade's
// post-trade values while bumping volume and count, all in one
// transaction. A trade carrying a tx hash that is already stored returns
// the stored row unchanged.
func (r *Repository) RecordTrade(ctx context.Context, t *domain.Trade) (*domain.Trade, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		status string
		volume string
	)
	lock := r.rebind(`SELECT status, total_volume FROM markets WHERE id = ?` + r.forUpdate())
	if err := tx.QueryRowContext(ctx, lock, int64(t.MarketID)).Scan(&status, &volume); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock market %d: %w", t.MarketID, err)
	}

	if t.TxHash != "" {
		existing, err := r.tradeByTxHash(ctx, tx, t.TxHash)
		switch {
		case err == nil:
			r.logger.Infow("Trade already recorded", "tx_hash", t.TxHash, "trade_id", existing.ID)
			return existing, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("failed to look up tx hash: %w", err)
		}
	}

	if domain.Status(status) != domain.StatusOpen {
		return nil, domain.ErrMarketNotOpen
	}

	total, err := parseU256("total_volume", volume)
	if err != nil {
		return nil, err
	}
	total.Add(total, t.Amount)

	stored := *t
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := r.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.CreatedAt = fromMillis(toMillis(stored.CreatedAt))

	var txHash sql.NullString
	if stored.TxHash != "" {
		txHash = sql.NullString{String: stored.TxHash, Valid: true}
	}

	insert := r.rebind(`
		INSERT INTO trades (` + tradeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, insert,
		stored.ID, int64(stored.MarketID), string(stored.Side), stored.Trader,
		stored.Shares.Dec(), stored.Amount.Dec(),
		stored.PriceBefore.String(), stored.PriceAfter.String(),
		stored.YesReservesAfter.Dec(), stored.NoReservesAfter.Dec(),
		txHash, toMillis(stored.CreatedAt),
	); err != nil {
		return nil, fmt.Errorf("failed to insert trade: %w", err)
	}

	update := r.rebind(`
		UPDATE markets
		SET yes_reserves = ?, no_reserves = ?, total_volume = ?, trade_count = trade_count + 1, updated_at = ?
		WHERE id = ?
	`)
	if _, err := tx.ExecContext(ctx, update,
		stored.YesReservesAfter.Dec(), stored.NoReservesAfter.Dec(), total.Dec(), toMillis(now), int64(stored.MarketID),
	); err != nil {
		return nil, fmt.Errorf("failed to update market aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Debugw("Recorded trade", "trade_id", stored.ID, "market_id", stored.MarketID, "side", stored.Side)
	return &stored, nil
}

// ListTrades returns the newest trades first.
func (r *Repository) ListTrades(ctx context.Context, marketID uint64, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := r.rebind(`SELECT ` + tradeColumns + ` FROM trades WHERE market_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`)
	rows, err := r.db.QueryContext(ctx, query, int64(marketID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return trades, nil
}

// Volume sums amounts in Go; the column is text so u128 values survive.
func (r *Repository) Volume(ctx context.Context, marketID uint64, since time.Time) (*uint256.Int, error) {
	query := r.rebind(`SELECT amount FROM trades WHERE market_id = ? AND created_at >= ?`)
	rows, err := r.db.QueryContext(ctx, query, int64(marketID), toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query volume: %w", err)
	}
	defer rows.Close()

	total := new(uint256.Int)
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return nil, fmt.Errorf("failed to scan amount: %w", err)
		}
		v, err := parseU256("amount", amount)
		if err != nil {
			return nil, err
		}
		total.Add(total, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return total, nil
}

// Health check
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	err := r.db.Close()
	for _, c := range r.closers {
		if cerr := c(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
