package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	x402 "github.com/x402-foundation/paygate"
)

//go:embed schema.sql
var schemaSQL string

const (
	insertSettlementSQL = `INSERT INTO settlements
		(tx_hash, facilitator, payer, recipient, gross_value, fee_bps, net_amount, gas_cost, block_number, mode, settled_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric, $8::numeric, $9, $10, $11)
		ON CONFLICT (tx_hash) DO NOTHING`

	upsertSuccessSQL = `INSERT INTO facilitator_stats
		(name, success_count, last_tx_hash, last_amount, last_recipient, last_payer, last_gas_cost, last_block_number, last_at)
		VALUES ($1, 1, $2, $3::numeric, $4, $5, $6::numeric, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			success_count = facilitator_stats.success_count + 1,
			last_tx_hash = EXCLUDED.last_tx_hash,
			last_amount = EXCLUDED.last_amount,
			last_recipient = EXCLUDED.last_recipient,
			last_payer = EXCLUDED.last_payer,
			last_gas_cost = EXCLUDED.last_gas_cost,
			last_block_number = EXCLUDED.last_block_number,
			last_at = EXCLUDED.last_at`

	upsertTotalsSQL = `INSERT INTO ledger_totals (id, total_settlements, total_value, total_fees, total_gas)
		VALUES (1, 1, $1::numeric, $2::numeric, $3::numeric)
		ON CONFLICT (id) DO UPDATE SET
			total_settlements = ledger_totals.total_settlements + 1,
			total_value = ledger_totals.total_value + EXCLUDED.total_value,
			total_fees = ledger_totals.total_fees + EXCLUDED.total_fees,
			total_gas = ledger_totals.total_gas + EXCLUDED.total_gas`

	upsertFailureSQL = `INSERT INTO facilitator_stats (name, failure_count) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET failure_count = facilitator_stats.failure_count + 1`

	selectSettlementColumns = `tx_hash, facilitator, payer, recipient, gross_value::text, fee_bps,
		net_amount::text, gas_cost::text, block_number, mode, settled_at`

	selectByHashSQL = `SELECT ` + selectSettlementColumns + ` FROM settlements WHERE tx_hash = $1`

	selectRecentSQL = `SELECT ` + selectSettlementColumns + ` FROM settlements ORDER BY settled_at DESC, tx_hash LIMIT $1`

	selectStatsSQL = `SELECT name, success_count, failure_count, last_tx_hash, last_amount::text,
		last_recipient, last_payer, last_gas_cost::text, last_block_number, last_at FROM facilitator_stats`

	selectTotalsSQL = `SELECT total_settlements, total_value::text, total_fees::text, total_gas::text
		FROM ledger_totals WHERE id = 1`
)

// PostgresLedger is a durable SettlementLedger backed by Postgres through the
// pgx database/sql driver
type PostgresLedger struct {
	db *sql.DB
}

var _ x402.SettlementLedger = (*PostgresLedger)(nil)

// OpenPostgres connects to databaseURL and verifies the connection
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresLedger, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return NewPostgresLedger(db), nil
}

// NewPostgresLedger wraps an open database handle
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Migrate applies the ledger schema. It is idempotent.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements() {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func schemaStatements() []string {
	var out []string
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Append inserts record and updates stats and totals in one transaction
func (l *PostgresLedger) Append(ctx context.Context, record x402.SettlementRecord) (bool, error) {
	if err := validateRecord(record); err != nil {
		return false, err
	}
	rec := record.Clone()
	rec.TxHash = hashKey(rec.TxHash)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertSettlementSQL,
		rec.TxHash, rec.Facilitator, rec.Payer, rec.Recipient,
		numeric(rec.GrossValue), int64(rec.FeeBps), numeric(rec.NetAmount), numeric(rec.GasCost),
		int64(rec.BlockNumber), string(rec.Mode), rec.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("settlement insert failed: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("settlement insert failed: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, upsertSuccessSQL,
		rec.Facilitator, rec.TxHash, numeric(rec.NetAmount), rec.Recipient, rec.Payer,
		numeric(rec.GasCost), int64(rec.BlockNumber), rec.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("stats update failed: %w", err)
	}

	_, err = tx.ExecContext(ctx, upsertTotalsSQL,
		numeric(rec.NetAmount), rec.Fee().String(), numeric(rec.GasCost),
	)
	if err != nil {
		return false, fmt.Errorf("totals update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, nil
}

// RecordFailure bumps the failure counter of facilitator
func (l *PostgresLedger) RecordFailure(ctx context.Context, facilitator string) error {
	if facilitator == "" {
		return ErrInvalidRecord
	}
	if _, err := l.db.ExecContext(ctx, upsertFailureSQL, facilitator); err != nil {
		return fmt.Errorf("failure update failed: %w", err)
	}
	return nil
}

// GetByHash looks up a record by transaction hash
func (l *PostgresLedger) GetByHash(ctx context.Context, txHash string) (x402.SettlementRecord, bool, error) {
	rec, err := scanRecord(l.db.QueryRowContext(ctx, selectByHashSQL, hashKey(txHash)))
	if errors.Is(err, sql.ErrNoRows) {
		return x402.SettlementRecord{}, false, nil
	}
	if err != nil {
		return x402.SettlementRecord{}, false, fmt.Errorf("settlement lookup failed: %w", err)
	}
	return rec, true, nil
}

// Snapshot reads all stats and the totals row
func (l *PostgresLedger) Snapshot(ctx context.Context) (x402.LedgerSnapshot, error) {
	snap := x402.LedgerSnapshot{
		Facilitators: make(map[string]x402.FacilitatorStats),
		Totals:       x402.NewLedgerTotals(),
	}

	rows, err := l.db.QueryContext(ctx, selectStatsSQL)
	if err != nil {
		return snap, fmt.Errorf("stats query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name                  string
			success, failure      int64
			lastBlock             int64
			lastAmount, lastGas   sql.NullString
			lastTx, lastRecipient string
			lastPayer             string
			lastAt                sql.NullTime
		)
		if err := rows.Scan(&name, &success, &failure, &lastTx, &lastAmount,
			&lastRecipient, &lastPayer, &lastGas, &lastBlock, &lastAt); err != nil {
			return snap, fmt.Errorf("stats scan failed: %w", err)
		}
		snap.Facilitators[name] = x402.FacilitatorStats{
			SuccessCount:    uint64(success),
			FailureCount:    uint64(failure),
			LastTxHash:      lastTx,
			LastAmount:      parseNullNumeric(lastAmount),
			LastRecipient:   lastRecipient,
			LastPayer:       lastPayer,
			LastGasCost:     parseNullNumeric(lastGas),
			LastBlockNumber: uint64(lastBlock),
			LastAt:          lastAt.Time,
		}
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("stats query failed: %w", err)
	}

	var (
		count            int64
		value, fees, gas string
	)
	err = l.db.QueryRowContext(ctx, selectTotalsSQL).Scan(&count, &value, &fees, &gas)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("totals query failed: %w", err)
	}
	snap.Totals = x402.LedgerTotals{
		TotalSettlements: uint64(count),
		TotalValue:       parseNumeric(value),
		TotalFees:        parseNumeric(fees),
		TotalGas:         parseNumeric(gas),
	}
	return snap, nil
}

// Recent returns up to limit records, newest first
func (l *PostgresLedger) Recent(ctx context.Context, limit int) ([]x402.SettlementRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, selectRecentSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("recent query failed: %w", err)
	}
	defer rows.Close()

	var out []x402.SettlementRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("recent scan failed: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database handle
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (x402.SettlementRecord, error) {
	var (
		rec                   x402.SettlementRecord
		gross, net, gas, mode string
		feeBps, block         int64
	)
	err := row.Scan(&rec.TxHash, &rec.Facilitator, &rec.Payer, &rec.Recipient,
		&gross, &feeBps, &net, &gas, &block, &mode, &rec.Timestamp)
	if err != nil {
		return rec, err
	}
	rec.GrossValue = parseNumeric(gross)
	rec.FeeBps = uint32(feeBps)
	rec.NetAmount = parseNumeric(net)
	rec.GasCost = parseNumeric(gas)
	rec.BlockNumber = uint64(block)
	rec.Mode = x402.SettlementMode(mode)
	return rec, nil
}

func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseNumeric(s string) *big.Int {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func parseNullNumeric(s sql.NullString) *big.Int {
	if !s.Valid {
		return nil
	}
	return parseNumeric(s.String)
}
