package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradeassist/order-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// The orders.idempotency_key and trades.exchange_trade_id unique indexes
// back the engine's two durability-critical idempotency guarantees.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// notFound converts pgx's no-rows sentinel into the store's, so callers can
// test misses with store.IsNotFound regardless of backend.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func mustDec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Trading pairs ---

func (s *PostgresStore) CreatePair(ctx context.Context, p *model.TradingPair) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trading_pairs (id, symbol, base_currency, quote_currency, exchange,
		        min_order_size, max_order_size, price_precision, quantity_precision, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		p.ID, p.Symbol, p.BaseCurrency, p.QuoteCurrency, p.Exchange,
		p.MinOrderSize.String(), p.MaxOrderSize.String(),
		p.PricePrecision, p.QuantityPrecision, p.IsActive,
	)
	return err
}

func (s *PostgresStore) GetPair(ctx context.Context, id string) (*model.TradingPair, error) {
	var p model.TradingPair
	var minSize, maxSize string

	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, base_currency, quote_currency, exchange,
		        min_order_size::TEXT, max_order_size::TEXT,
		        price_precision, quantity_precision, is_active
		 FROM trading_pairs WHERE id = $1`, id).
		Scan(&p.ID, &p.Symbol, &p.BaseCurrency, &p.QuoteCurrency, &p.Exchange,
			&minSize, &maxSize, &p.PricePrecision, &p.QuantityPrecision, &p.IsActive)
	if err != nil {
		return nil, fmt.Errorf("get pair %s: %w", id, notFound(err))
	}

	p.MinOrderSize = mustDec(minSize)
	p.MaxOrderSize = mustDec(maxSize)
	return &p, nil
}

// --- Portfolios ---

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (id, user_id, name, exchange, is_paper_trading,
		        initial_balance, current_balance, total_pnl, daily_pnl, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		p.ID, p.UserID, p.Name, p.Exchange, p.IsPaperTrading,
		p.InitialBalance.String(), p.CurrentBalance.String(),
		p.TotalPnL.String(), p.DailyPnL.String(), p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	var p model.Portfolio
	var initial, current, total, daily string

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, exchange, is_paper_trading,
		        initial_balance::TEXT, current_balance::TEXT,
		        total_pnl::TEXT, daily_pnl::TEXT, created_at
		 FROM portfolios WHERE id = $1`, id).
		Scan(&p.ID, &p.UserID, &p.Name, &p.Exchange, &p.IsPaperTrading,
			&initial, &current, &total, &daily, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", id, notFound(err))
	}

	p.InitialBalance = mustDec(initial)
	p.CurrentBalance = mustDec(current)
	p.TotalPnL = mustDec(total)
	p.DailyPnL = mustDec(daily)
	return &p, nil
}

func (s *PostgresStore) UpdatePortfolio(ctx context.Context, p *model.Portfolio) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE portfolios
		 SET current_balance = $2::NUMERIC, total_pnl = $3::NUMERIC, daily_pnl = $4::NUMERIC
		 WHERE id = $1`,
		p.ID, p.CurrentBalance.String(), p.TotalPnL.String(), p.DailyPnL.String(),
	)
	return err
}

func (s *PostgresStore) ListPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, exchange, is_paper_trading,
		        initial_balance::TEXT, current_balance::TEXT,
		        total_pnl::TEXT, daily_pnl::TEXT, created_at
		 FROM portfolios ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Portfolio
	for rows.Next() {
		var p model.Portfolio
		var initial, current, total, daily string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Exchange, &p.IsPaperTrading,
			&initial, &current, &total, &daily, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.InitialBalance = mustDec(initial)
		p.CurrentBalance = mustDec(current)
		p.TotalPnL = mustDec(total)
		p.DailyPnL = mustDec(daily)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Risk profiles ---

func (s *PostgresStore) GetRiskProfile(ctx context.Context, portfolioID string) (*model.RiskProfile, error) {
	var rp model.RiskProfile
	var maxPos, maxLoss, slPct, tpPct string

	err := s.pool.QueryRow(ctx,
		`SELECT portfolio_id, max_position_size::TEXT, max_daily_loss::TEXT,
		        max_open_positions, stop_loss_pct::TEXT, take_profit_pct::TEXT,
		        enable_stop_loss, enable_take_profit
		 FROM risk_profiles WHERE portfolio_id = $1`, portfolioID).
		Scan(&rp.PortfolioID, &maxPos, &maxLoss, &rp.MaxOpenPositions,
			&slPct, &tpPct, &rp.EnableStopLoss, &rp.EnableTakeProfit)
	if err != nil {
		return nil, fmt.Errorf("get risk profile %s: %w", portfolioID, notFound(err))
	}

	rp.MaxPositionSize = mustDec(maxPos)
	rp.MaxDailyLoss = mustDec(maxLoss)
	rp.StopLossPct = mustDec(slPct)
	rp.TakeProfitPct = mustDec(tpPct)
	return &rp, nil
}

func (s *PostgresStore) PutRiskProfile(ctx context.Context, rp *model.RiskProfile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_profiles (portfolio_id, max_position_size, max_daily_loss,
		        max_open_positions, stop_loss_pct, take_profit_pct,
		        enable_stop_loss, enable_take_profit)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (portfolio_id) DO UPDATE SET
		        max_position_size = EXCLUDED.max_position_size,
		        max_daily_loss = EXCLUDED.max_daily_loss,
		        max_open_positions = EXCLUDED.max_open_positions,
		        stop_loss_pct = EXCLUDED.stop_loss_pct,
		        take_profit_pct = EXCLUDED.take_profit_pct,
		        enable_stop_loss = EXCLUDED.enable_stop_loss,
		        enable_take_profit = EXCLUDED.enable_take_profit`,
		rp.PortfolioID, rp.MaxPositionSize.String(), rp.MaxDailyLoss.String(),
		rp.MaxOpenPositions, rp.StopLossPct.String(), rp.TakeProfitPct.String(),
		rp.EnableStopLoss, rp.EnableTakeProfit,
	)
	return err
}

// --- Orders ---

const orderColumns = `id, portfolio_id, pair_id, exchange_order_id, type, side, status,
	quantity::TEXT, filled_quantity::TEXT, price::TEXT, stop_price::TEXT,
	average_fill_price::TEXT, fees::TEXT, source, idempotency_key, reduce_only,
	reject_reason, created_at, placed_at, filled_at, cancelled_at, expires_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, portfolio_id, pair_id, exchange_order_id, type, side, status,
		        quantity, filled_quantity, price, stop_price, average_fill_price, fees,
		        source, idempotency_key, reduce_only, reject_reason,
		        created_at, placed_at, filled_at, cancelled_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		        $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		o.ID, o.PortfolioID, o.PairID, o.ExchangeOrderID, o.Type, o.Side, o.Status,
		o.Quantity.String(), o.FilledQuantity.String(), o.Price.String(), o.StopPrice.String(),
		o.AverageFillPrice.String(), o.Fees.String(),
		o.Source, o.IdempotencyKey, o.ReduceOnly, o.RejectReason,
		o.CreatedAt, o.PlacedAt, o.FilledAt, o.CancelledAt, o.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, notFound(err))
	}
	return o, nil
}

func (s *PostgresStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
	o, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("get order by key %s: %w", key, notFound(err))
	}
	return o, nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET exchange_order_id = $2, status = $3,
		     filled_quantity = $4::NUMERIC, average_fill_price = $5::NUMERIC, fees = $6::NUMERIC,
		     reject_reason = $7, placed_at = $8, filled_at = $9, cancelled_at = $10
		 WHERE id = $1`,
		o.ID, o.ExchangeOrderID, o.Status,
		o.FilledQuantity.String(), o.AverageFillPrice.String(), o.Fees.String(),
		o.RejectReason, o.PlacedAt, o.FilledAt, o.CancelledAt,
	)
	return err
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, portfolioID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE portfolio_id = $1 AND status IN ('pending', 'open', 'partially_filled')
		 ORDER BY created_at`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) ListActiveOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ('pending', 'open', 'partially_filled')
		 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

// --- Trades ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, order_id, exchange_trade_id, side, quantity, price, fee, executed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (exchange_trade_id) DO NOTHING`,
		t.ID, t.OrderID, t.ExchangeTradeID, t.Side,
		t.Quantity.String(), t.Price.String(), t.Fee.String(), t.ExecutedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListTradesByOrder(ctx context.Context, orderID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, exchange_trade_id, side,
		        quantity::TEXT, price::TEXT, fee::TEXT, executed_at
		 FROM trades WHERE order_id = $1 ORDER BY executed_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var qty, price, fee string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.ExchangeTradeID, &t.Side,
			&qty, &price, &fee, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Quantity = mustDec(qty)
		t.Price = mustDec(price)
		t.Fee = mustDec(fee)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Positions ---

const positionColumns = `id, portfolio_id, pair_id, side, status,
	size::TEXT, remaining_size::TEXT, entry_price::TEXT, current_price::TEXT,
	unrealized_pnl::TEXT, realized_pnl::TEXT, stop_loss_price::TEXT, take_profit_price::TEXT,
	opened_at, closed_at`

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, portfolio_id, pair_id, side, status,
		        size, remaining_size, entry_price, current_price,
		        unrealized_pnl, realized_pnl, stop_loss_price, take_profit_price,
		        opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5,
		        $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		        $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14, $15)`,
		p.ID, p.PortfolioID, p.PairID, p.Side, p.Status,
		p.Size.String(), p.RemainingSize.String(), p.EntryPrice.String(), p.CurrentPrice.String(),
		p.UnrealizedPnL.String(), p.RealizedPnL.String(),
		p.StopLossPrice.String(), p.TakeProfitPrice.String(),
		p.OpenedAt, p.ClosedAt,
	)
	return err
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET status = $2, size = $3::NUMERIC, remaining_size = $4::NUMERIC,
		     entry_price = $5::NUMERIC, current_price = $6::NUMERIC,
		     unrealized_pnl = $7::NUMERIC, realized_pnl = $8::NUMERIC,
		     stop_loss_price = $9::NUMERIC, take_profit_price = $10::NUMERIC,
		     closed_at = $11
		 WHERE id = $1`,
		p.ID, p.Status, p.Size.String(), p.RemainingSize.String(),
		p.EntryPrice.String(), p.CurrentPrice.String(),
		p.UnrealizedPnL.String(), p.RealizedPnL.String(),
		p.StopLossPrice.String(), p.TakeProfitPrice.String(),
		p.ClosedAt,
	)
	return err
}

func (s *PostgresStore) GetOpenPosition(ctx context.Context, portfolioID, pairID string, side model.OrderSide) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE portfolio_id = $1 AND pair_id = $2 AND side = $3 AND status != 'closed'`,
		portfolioID, pairID, side)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("get open position %s/%s/%s: %w", portfolioID, pairID, side, notFound(err))
	}
	return p, nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE portfolio_id = $1 AND status != 'closed' ORDER BY opened_at`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListAllOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE status != 'closed' ORDER BY opened_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var qty, filled, price, stop, avg, fees string

	err := row.Scan(&o.ID, &o.PortfolioID, &o.PairID, &o.ExchangeOrderID,
		&o.Type, &o.Side, &o.Status,
		&qty, &filled, &price, &stop, &avg, &fees,
		&o.Source, &o.IdempotencyKey, &o.ReduceOnly, &o.RejectReason,
		&o.CreatedAt, &o.PlacedAt, &o.FilledAt, &o.CancelledAt, &o.ExpiresAt)
	if err != nil {
		return nil, err
	}

	o.Quantity = mustDec(qty)
	o.FilledQuantity = mustDec(filled)
	o.Price = mustDec(price)
	o.StopPrice = mustDec(stop)
	o.AverageFillPrice = mustDec(avg)
	o.Fees = mustDec(fees)
	return &o, nil
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var size, remaining, entry, current, upnl, rpnl, sl, tp string

	err := row.Scan(&p.ID, &p.PortfolioID, &p.PairID, &p.Side, &p.Status,
		&size, &remaining, &entry, &current, &upnl, &rpnl, &sl, &tp,
		&p.OpenedAt, &p.ClosedAt)
	if err != nil {
		return nil, err
	}

	p.Size = mustDec(size)
	p.RemainingSize = mustDec(remaining)
	p.EntryPrice = mustDec(entry)
	p.CurrentPrice = mustDec(current)
	p.UnrealizedPnL = mustDec(upnl)
	p.RealizedPnL = mustDec(rpnl)
	p.StopLossPrice = mustDec(sl)
	p.TakeProfitPrice = mustDec(tp)
	return &p, nil
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
