package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"polymarket-copy/pkg/types"
)

// timeFormat is how timestamps are stored. Fixed-width fractional seconds,
// so lexicographic order matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// AttemptRow is a CopyAttempt plus its sequence number, which drives cursor
// pagination and replay ordering.
type AttemptRow struct {
	Seq                 int64
	GroupNotionalMicros string
	GroupShareMicros    string
	types.CopyAttempt
}

// Decision bundles everything the executor persists for one group and one
// scope: the attempt, its fills, and the optional ledger entry. The store
// assigns the canonical attempt id (stable across re-runs of the same
// (scope, groupKey)), stamps it into the fills and the ledger ref, and
// writes it all in one transaction.
type Decision struct {
	Attempt             *types.CopyAttempt
	GroupNotionalMicros string // the leader group's total, kept for replay
	GroupShareMicros    string
	Fills               []types.ExecutableFill
	Entry               *types.LedgerEntry // nil on SKIP
}

// SaveDecision upserts one decision. Re-running the same (scope, groupKey)
// updates the existing row, replaces its fills, and re-issues the ledger
// entry idempotently; no duplicates are possible.
func (s *Store) SaveDecision(ctx context.Context, d Decision) (string, error) {
	a := d.Attempt
	tx, err := s.sql.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Resolve the canonical attempt id so the ledger ref survives re-runs.
	attemptID := a.ID
	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM copy_attempts WHERE portfolio_scope = ? AND followed_user_id = ? AND group_key = ?`,
		string(a.PortfolioScope), a.FollowedUserID, a.GroupKey).Scan(&existing)
	switch {
	case err == nil:
		attemptID = existing
	case err == sql.ErrNoRows:
	default:
		return "", fmt.Errorf("lookup attempt: %w", err)
	}

	reasons, err := json.Marshal(a.ReasonCodes)
	if err != nil {
		return "", fmt.Errorf("marshal reasons: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO copy_attempts (
			id, portfolio_scope, followed_user_id, group_key, decision, reason_codes,
			source_type, buffered_trade_count, asset_id, market_id, side,
			group_notional_micros, group_share_micros,
			target_notional_micros, filled_notional_micros, filled_share_micros,
			vwap_price_micros, filled_ratio_bps, their_reference_price_micros,
			mid_price_micros_at_decision, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(portfolio_scope, followed_user_id, group_key) DO UPDATE SET
			decision = excluded.decision,
			reason_codes = excluded.reason_codes,
			source_type = excluded.source_type,
			buffered_trade_count = excluded.buffered_trade_count,
			group_notional_micros = excluded.group_notional_micros,
			group_share_micros = excluded.group_share_micros,
			target_notional_micros = excluded.target_notional_micros,
			filled_notional_micros = excluded.filled_notional_micros,
			filled_share_micros = excluded.filled_share_micros,
			vwap_price_micros = excluded.vwap_price_micros,
			filled_ratio_bps = excluded.filled_ratio_bps,
			their_reference_price_micros = excluded.their_reference_price_micros,
			mid_price_micros_at_decision = excluded.mid_price_micros_at_decision`,
		attemptID, string(a.PortfolioScope), a.FollowedUserID, a.GroupKey,
		string(a.Decision), string(reasons), string(a.SourceType), a.BufferedTradeCount,
		a.AssetID, a.MarketID, string(a.Side),
		d.GroupNotionalMicros, d.GroupShareMicros,
		bigStr(a.TargetNotionalMicros), bigStr(a.FilledNotionalMicros), bigStr(a.FilledShareMicros),
		a.VWAPPriceMicros, a.FilledRatioBps, a.TheirReferencePriceMicros,
		a.MidPriceMicrosAtDecision, a.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return "", fmt.Errorf("upsert attempt: %w", err)
	}

	// Fills are replaced wholesale so a re-run never duplicates rows.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM executable_fills WHERE copy_attempt_id = ?`, attemptID); err != nil {
		return "", fmt.Errorf("clear fills: %w", err)
	}
	for _, f := range d.Fills {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO executable_fills (id, copy_attempt_id, filled_share_micros, fill_price_micros, fill_notional_micros)
			VALUES (?, ?, ?, ?, ?)`,
			f.ID, attemptID, bigStr(f.FilledShareMicros), f.FillPriceMicros, bigStr(f.FillNotionalMicros)); err != nil {
			return "", fmt.Errorf("insert fill: %w", err)
		}
	}

	if d.Entry != nil {
		e := d.Entry
		refID := "copy:" + attemptID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (
				portfolio_scope, followed_user_id, market_id, asset_id, entry_type,
				share_delta_micros, cash_delta_micros, price_micros, ref_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(portfolio_scope, ref_id, entry_type) DO UPDATE SET
				share_delta_micros = excluded.share_delta_micros,
				cash_delta_micros = excluded.cash_delta_micros,
				price_micros = excluded.price_micros`,
			string(e.PortfolioScope), e.FollowedUserID, e.MarketID, e.AssetID, string(e.EntryType),
			bigStr(e.ShareDeltaMicros), bigStr(e.CashDeltaMicros), e.PriceMicros,
			refID, e.CreatedAt.UTC().Format(timeFormat)); err != nil {
			return "", fmt.Errorf("upsert ledger entry: %w", err)
		}
	} else {
		// A re-run that flips EXECUTE to SKIP must retract the old entry.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM ledger_entries WHERE portfolio_scope = ? AND ref_id = ? AND entry_type = ?`,
			string(a.PortfolioScope), "copy:"+attemptID, string(types.EntryTradeFill)); err != nil {
			return "", fmt.Errorf("retract ledger entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return attemptID, nil
}

const attemptColumns = `
	seq, id, portfolio_scope, followed_user_id, group_key, decision, reason_codes,
	source_type, buffered_trade_count, asset_id, market_id, side,
	group_notional_micros, group_share_micros,
	target_notional_micros, filled_notional_micros, filled_share_micros,
	vwap_price_micros, filled_ratio_bps, their_reference_price_micros,
	mid_price_micros_at_decision, created_at`

func scanAttempt(rows *sql.Rows) (AttemptRow, error) {
	var r AttemptRow
	var scope, decision, source, side, reasons, createdAt string
	var target, filledNotional, filledShare string
	err := rows.Scan(&r.Seq, &r.ID, &scope, &r.FollowedUserID, &r.GroupKey, &decision, &reasons,
		&source, &r.BufferedTradeCount, &r.AssetID, &r.MarketID, &side,
		&r.GroupNotionalMicros, &r.GroupShareMicros,
		&target, &filledNotional, &filledShare,
		&r.VWAPPriceMicros, &r.FilledRatioBps, &r.TheirReferencePriceMicros,
		&r.MidPriceMicrosAtDecision, &createdAt)
	if err != nil {
		return r, err
	}
	r.PortfolioScope = types.PortfolioScope(scope)
	r.Decision = types.Decision(decision)
	r.SourceType = types.SourceType(source)
	r.Side = types.Side(side)
	r.TargetNotionalMicros = parseBig(target)
	r.FilledNotionalMicros = parseBig(filledNotional)
	r.FilledShareMicros = parseBig(filledShare)
	json.Unmarshal([]byte(reasons), &r.ReasonCodes)
	r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return r, nil
}

// ListAttempts pages newest-first. cursor is the last seen seq (0 = start);
// assetID filters when non-empty.
func (s *Store) ListAttempts(ctx context.Context, limit int, cursor int64, assetID string) ([]AttemptRow, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	where := "WHERE 1=1"
	args := []any{}
	if cursor > 0 {
		where += " AND seq < ?"
		args = append(args, cursor)
	}
	if assetID != "" {
		where += " AND asset_id = ?"
		args = append(args, assetID)
	}

	var total int64
	countArgs := []any{}
	countWhere := "WHERE 1=1"
	if assetID != "" {
		countWhere += " AND asset_id = ?"
		countArgs = append(countArgs, assetID)
	}
	if err := s.sql.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM copy_attempts "+countWhere, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attempts: %w", err)
	}

	rows, err := s.sql.QueryContext(ctx,
		"SELECT"+attemptColumns+" FROM copy_attempts "+where+" ORDER BY seq DESC LIMIT ?",
		append(args, limit)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRow
	for rows.Next() {
		r, err := scanAttempt(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// AttemptsSince returns attempts for one scope created at or after since,
// oldest first. The replay harness feeds these back through the pipeline.
func (s *Store) AttemptsSince(ctx context.Context, scope types.PortfolioScope, since time.Time) ([]AttemptRow, error) {
	rows, err := s.sql.QueryContext(ctx,
		"SELECT"+attemptColumns+` FROM copy_attempts
		 WHERE portfolio_scope = ? AND created_at >= ? ORDER BY seq ASC`,
		string(scope), since.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("attempts since: %w", err)
	}
	defer rows.Close()

	var out []AttemptRow
	for rows.Next() {
		r, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FillsForAttempt returns the simulated fills of one attempt.
func (s *Store) FillsForAttempt(ctx context.Context, attemptID string) ([]types.ExecutableFill, error) {
	rows, err := s.sql.QueryContext(ctx, `
		SELECT id, copy_attempt_id, filled_share_micros, fill_price_micros, fill_notional_micros
		FROM executable_fills WHERE copy_attempt_id = ?`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("fills: %w", err)
	}
	defer rows.Close()

	var out []types.ExecutableFill
	for rows.Next() {
		var f types.ExecutableFill
		var share, notional string
		if err := rows.Scan(&f.ID, &f.CopyAttemptID, &share, &f.FillPriceMicros, &notional); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.FilledShareMicros = parseBig(share)
		f.FillNotionalMicros = parseBig(notional)
		out = append(out, f)
	}
	return out, rows.Err()
}

// InsertLedgerEntry writes one non-decision ledger row (deposits,
// resolutions, seeded positions). Idempotent under (scope, refId, entryType).
func (s *Store) InsertLedgerEntry(ctx context.Context, e types.LedgerEntry) error {
	_, err := s.sql.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			portfolio_scope, followed_user_id, market_id, asset_id, entry_type,
			share_delta_micros, cash_delta_micros, price_micros, ref_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(portfolio_scope, ref_id, entry_type) DO NOTHING`,
		string(e.PortfolioScope), e.FollowedUserID, e.MarketID, e.AssetID, string(e.EntryType),
		bigStr(e.ShareDeltaMicros), bigStr(e.CashDeltaMicros), e.PriceMicros,
		e.RefID, e.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// LedgerEntryByRef fetches one ledger entry by its idempotency key.
func (s *Store) LedgerEntryByRef(ctx context.Context, scope types.PortfolioScope, refID string, entryType types.LedgerEntryType) (*types.LedgerEntry, error) {
	row := s.sql.QueryRowContext(ctx, `
		SELECT id, portfolio_scope, followed_user_id, market_id, asset_id, entry_type,
		       share_delta_micros, cash_delta_micros, price_micros, ref_id, created_at
		FROM ledger_entries WHERE portfolio_scope = ? AND ref_id = ? AND entry_type = ?`,
		string(scope), refID, string(entryType))

	var e types.LedgerEntry
	var sc, et, share, cash, createdAt string
	err := row.Scan(&e.ID, &sc, &e.FollowedUserID, &e.MarketID, &e.AssetID, &et,
		&share, &cash, &e.PriceMicros, &e.RefID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger by ref: %w", err)
	}
	e.PortfolioScope = types.PortfolioScope(sc)
	e.EntryType = types.LedgerEntryType(et)
	e.ShareDeltaMicros = parseBig(share)
	e.CashDeltaMicros = parseBig(cash)
	e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &e, nil
}
