package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/defunds/fund-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Quantities are stored as NUMERIC(20,0), wide enough for any uint64, and
// travel as text so no driver-side numeric conversion is involved.
type PostgresStore struct {
	pgOps
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgOps: pgOps{q: pool}, pool: pool}
}

// Atomic runs fn in a serializable transaction.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		return fn(&pgOps{q: tx})
	})
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgOps struct {
	q querier
}

func num(u uint64) string { return strconv.FormatUint(u, 10) }

// parseNums parses NUMERIC text columns into their destinations.
func parseNums(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		src := pairs[i].(string)
		dst := pairs[i+1].(*uint64)
		v, err := strconv.ParseUint(src, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: numeric column %q", model.ErrMathOverflow, src)
		}
		*dst = v
	}
	return nil
}

func notFound(err error, what string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: "+what, append([]any{model.ErrNotFound}, args...)...)
	}
	return fmt.Errorf("get "+what+": %w", append(args, err)...)
}

// --- Funds ---

const fundColumns = `id, manager, name, description, base_asset, vault, share_authority,
	management_fee_bps, performance_fee_bps, total_shares::TEXT, total_assets::TEXT,
	last_fee_collection, created_at`

func scanFund(row pgx.Row) (*model.Fund, error) {
	var f model.Fund
	var shares, assets string
	if err := row.Scan(&f.ID, &f.Manager, &f.Name, &f.Description, &f.BaseAsset,
		&f.Vault, &f.ShareAuthority, &f.ManagementFeeBps, &f.PerformanceFeeBps,
		&shares, &assets, &f.LastFeeCollection, &f.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseNums(shares, &f.TotalShares, assets, &f.TotalAssets); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *pgOps) GetFund(ctx context.Context, id string) (*model.Fund, error) {
	f, err := scanFund(s.q.QueryRow(ctx, `SELECT `+fundColumns+` FROM funds WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "fund %s", id)
	}
	return f, nil
}

func (s *pgOps) ListFunds(ctx context.Context) ([]model.Fund, error) {
	rows, err := s.q.Query(ctx, `SELECT `+fundColumns+` FROM funds ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var funds []model.Fund
	for rows.Next() {
		f, err := scanFund(rows)
		if err != nil {
			return nil, err
		}
		funds = append(funds, *f)
	}
	return funds, rows.Err()
}

func (s *pgOps) CreateFund(ctx context.Context, f *model.Fund) error {
	tag, err := s.q.Exec(ctx,
		`INSERT INTO funds (id, manager, name, description, base_asset, vault, share_authority,
		                    management_fee_bps, performance_fee_bps, total_shares, total_assets,
		                    last_fee_collection, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12, $13)
		 ON CONFLICT (id) DO NOTHING`,
		f.ID, f.Manager, f.Name, f.Description, f.BaseAsset, f.Vault, f.ShareAuthority,
		f.ManagementFeeBps, f.PerformanceFeeBps, num(f.TotalShares), num(f.TotalAssets),
		f.LastFeeCollection, f.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: fund %s", model.ErrAlreadyExists, f.ID)
	}
	return nil
}

func (s *pgOps) PutFund(ctx context.Context, f *model.Fund) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE funds
		 SET name = $2, description = $3, management_fee_bps = $4, performance_fee_bps = $5,
		     total_shares = $6::NUMERIC, total_assets = $7::NUMERIC, last_fee_collection = $8
		 WHERE id = $1`,
		f.ID, f.Name, f.Description, f.ManagementFeeBps, f.PerformanceFeeBps,
		num(f.TotalShares), num(f.TotalAssets), f.LastFeeCollection,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: fund %s", model.ErrNotFound, f.ID)
	}
	return nil
}

// --- Positions ---

const positionColumns = `fund_id, investor, shares::TEXT, initial_investment::TEXT,
	total_deposited::TEXT, total_withdrawn::TEXT, first_deposit_at, last_activity_at`

func scanPosition(row pgx.Row) (*model.InvestorPosition, error) {
	var p model.InvestorPosition
	var shares, initial, deposited, withdrawn string
	if err := row.Scan(&p.FundID, &p.Investor, &shares, &initial, &deposited, &withdrawn,
		&p.FirstDepositAt, &p.LastActivityAt); err != nil {
		return nil, err
	}
	if err := parseNums(shares, &p.Shares, initial, &p.InitialInvestment,
		deposited, &p.TotalDeposited, withdrawn, &p.TotalWithdrawn); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *pgOps) GetPosition(ctx context.Context, fundID, investor string) (*model.InvestorPosition, error) {
	p, err := scanPosition(s.q.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE fund_id = $1 AND investor = $2`,
		fundID, investor))
	if err != nil {
		return nil, notFound(err, "position %s/%s", fundID, investor)
	}
	return p, nil
}

func (s *pgOps) ListPositions(ctx context.Context, fundID string) ([]model.InvestorPosition, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE fund_id = $1 ORDER BY investor`, fundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.InvestorPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *pgOps) PutPosition(ctx context.Context, p *model.InvestorPosition) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO positions (fund_id, investor, shares, initial_investment, total_deposited,
		                        total_withdrawn, first_deposit_at, last_activity_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (fund_id, investor) DO UPDATE
		 SET shares = EXCLUDED.shares, initial_investment = EXCLUDED.initial_investment,
		     total_deposited = EXCLUDED.total_deposited, total_withdrawn = EXCLUDED.total_withdrawn,
		     last_activity_at = EXCLUDED.last_activity_at`,
		p.FundID, p.Investor, num(p.Shares), num(p.InitialInvestment),
		num(p.TotalDeposited), num(p.TotalWithdrawn), p.FirstDepositAt, p.LastActivityAt,
	)
	return err
}

// --- Withdrawal workflow ---

const withdrawalColumns = `id, fund_id, investor, shares_to_withdraw::TEXT, total_shares_snapshot::TEXT,
	fraction::TEXT, allowed_sum::TEXT, liquidated_sum::TEXT, proceeds_accumulated::TEXT,
	status, created_at, updated_at`

func (s *pgOps) GetWithdrawal(ctx context.Context, fundID, investor string) (*model.WithdrawalState, error) {
	var w model.WithdrawalState
	var shares, snapshot, fraction, allowed, liquidated, proceeds string
	err := s.q.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE fund_id = $1 AND investor = $2`,
		fundID, investor).
		Scan(&w.ID, &w.FundID, &w.Investor, &shares, &snapshot, &fraction,
			&allowed, &liquidated, &proceeds, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "withdrawal %s/%s", fundID, investor)
	}
	if err := parseNums(shares, &w.SharesToWithdraw, snapshot, &w.TotalSharesSnapshot,
		fraction, &w.Fraction, allowed, &w.AllowedSum, liquidated, &w.LiquidatedSum,
		proceeds, &w.ProceedsAccumulated); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *pgOps) PutWithdrawal(ctx context.Context, w *model.WithdrawalState) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO withdrawals (id, fund_id, investor, shares_to_withdraw, total_shares_snapshot,
		                          fraction, allowed_sum, liquidated_sum, proceeds_accumulated,
		                          status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10, $11, $12)
		 ON CONFLICT (fund_id, investor) DO UPDATE
		 SET allowed_sum = EXCLUDED.allowed_sum, liquidated_sum = EXCLUDED.liquidated_sum,
		     proceeds_accumulated = EXCLUDED.proceeds_accumulated, status = EXCLUDED.status,
		     updated_at = EXCLUDED.updated_at`,
		w.ID, w.FundID, w.Investor, num(w.SharesToWithdraw), num(w.TotalSharesSnapshot),
		num(w.Fraction), num(w.AllowedSum), num(w.LiquidatedSum), num(w.ProceedsAccumulated),
		string(w.Status), w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (s *pgOps) DeleteWithdrawal(ctx context.Context, fundID, investor string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM withdrawals WHERE fund_id = $1 AND investor = $2`, fundID, investor)
	return err
}

const progressColumns = `withdrawal_id, asset, allowed_total::TEXT, amount_liquidated::TEXT,
	created_at, updated_at`

func scanProgress(row pgx.Row) (*model.WithdrawalMintProgress, error) {
	var p model.WithdrawalMintProgress
	var allowed, liquidated string
	if err := row.Scan(&p.WithdrawalID, &p.Asset, &allowed, &liquidated, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseNums(allowed, &p.AllowedTotal, liquidated, &p.AmountLiquidated); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *pgOps) GetProgress(ctx context.Context, withdrawalID, asset string) (*model.WithdrawalMintProgress, error) {
	p, err := scanProgress(s.q.QueryRow(ctx,
		`SELECT `+progressColumns+` FROM withdrawal_progress WHERE withdrawal_id = $1 AND asset = $2`,
		withdrawalID, asset))
	if err != nil {
		return nil, notFound(err, "progress %s/%s", withdrawalID, asset)
	}
	return p, nil
}

func (s *pgOps) ListProgress(ctx context.Context, withdrawalID string) ([]model.WithdrawalMintProgress, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+progressColumns+` FROM withdrawal_progress WHERE withdrawal_id = $1 ORDER BY asset`,
		withdrawalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WithdrawalMintProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *pgOps) PutProgress(ctx context.Context, p *model.WithdrawalMintProgress) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO withdrawal_progress (withdrawal_id, asset, allowed_total, amount_liquidated,
		                                  created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)
		 ON CONFLICT (withdrawal_id, asset) DO UPDATE
		 SET allowed_total = EXCLUDED.allowed_total, amount_liquidated = EXCLUDED.amount_liquidated,
		     updated_at = EXCLUDED.updated_at`,
		p.WithdrawalID, p.Asset, num(p.AllowedTotal), num(p.AmountLiquidated), p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *pgOps) DeleteProgress(ctx context.Context, withdrawalID string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM withdrawal_progress WHERE withdrawal_id = $1`, withdrawalID)
	return err
}

// --- Manager swaps ---

func (s *pgOps) GetDelegation(ctx context.Context, fundID, asset string) (*model.SwapDelegation, error) {
	var d model.SwapDelegation
	var amount string
	err := s.q.QueryRow(ctx,
		`SELECT fund_id, asset, delegate, amount::TEXT, created_at
		 FROM swap_delegations WHERE fund_id = $1 AND asset = $2`, fundID, asset).
		Scan(&d.FundID, &d.Asset, &d.Delegate, &amount, &d.CreatedAt)
	if err != nil {
		return nil, notFound(err, "delegation %s/%s", fundID, asset)
	}
	if err := parseNums(amount, &d.Amount); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *pgOps) PutDelegation(ctx context.Context, d *model.SwapDelegation) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO swap_delegations (fund_id, asset, delegate, amount, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (fund_id, asset) DO UPDATE
		 SET delegate = EXCLUDED.delegate, amount = EXCLUDED.amount`,
		d.FundID, d.Asset, d.Delegate, num(d.Amount), d.CreatedAt,
	)
	return err
}

func (s *pgOps) DeleteDelegation(ctx context.Context, fundID, asset string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM swap_delegations WHERE fund_id = $1 AND asset = $2`, fundID, asset)
	return err
}

func (s *pgOps) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO trades (id, fund_id, trader, type, input_asset, output_asset,
		                     amount_in, amount_out, router, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		t.ID, t.FundID, t.Trader, string(t.Type), t.InputAsset, t.OutputAsset,
		num(t.AmountIn), num(t.AmountOut), t.Router, t.Timestamp,
	)
	return err
}

func (s *pgOps) ListTrades(ctx context.Context, fundID string) ([]model.Trade, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, fund_id, trader, type, input_asset, output_asset,
		        amount_in::TEXT, amount_out::TEXT, router, timestamp
		 FROM trades WHERE fund_id = $1 ORDER BY timestamp`, fundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var in, outAmt string
		if err := rows.Scan(&t.ID, &t.FundID, &t.Trader, &t.Type, &t.InputAsset, &t.OutputAsset,
			&in, &outAmt, &t.Router, &t.Timestamp); err != nil {
			return nil, err
		}
		if err := parseNums(in, &t.AmountIn, outAmt, &t.AmountOut); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Valuation ---

func (s *pgOps) GetNav(ctx context.Context, fundID string) (*model.NavAttestation, error) {
	var n model.NavAttestation
	var value string
	err := s.q.QueryRow(ctx,
		`SELECT fund_id, nav_value::TEXT, expires_at, updated_at FROM nav_attestations WHERE fund_id = $1`,
		fundID).Scan(&n.FundID, &value, &n.ExpiresAt, &n.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "nav %s", fundID)
	}
	if err := parseNums(value, &n.NavValue); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *pgOps) PutNav(ctx context.Context, n *model.NavAttestation) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO nav_attestations (fund_id, nav_value, expires_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)
		 ON CONFLICT (fund_id) DO UPDATE
		 SET nav_value = EXCLUDED.nav_value, expires_at = EXCLUDED.expires_at,
		     updated_at = EXCLUDED.updated_at`,
		n.FundID, num(n.NavValue), n.ExpiresAt, n.UpdatedAt,
	)
	return err
}

// --- Holdings ---

func (s *pgOps) Balance(ctx context.Context, holder, asset string) (uint64, error) {
	var amount string
	err := s.q.QueryRow(ctx,
		`SELECT amount::TEXT FROM holdings WHERE holder = $1 AND asset = $2`, holder, asset).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance %s/%s: %w", holder, asset, err)
	}
	var v uint64
	if err := parseNums(amount, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *pgOps) SetBalance(ctx context.Context, holder, asset string, amount uint64) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO holdings (holder, asset, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (holder, asset) DO UPDATE SET amount = EXCLUDED.amount`,
		holder, asset, num(amount),
	)
	return err
}
