// Package ledger implements LedgerEngine: the append-only record of every
// stock movement and the single source of truth Stock balances are
// derived from.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thijssvd/sommos/internal/domain"
)

// signConvention maps a transaction type to the sign its stored quantity
// must carry: positive increases available quantity, negative decreases it.
// ADJUST carries whatever signed value the caller supplies.
func signConvention(t domain.TransactionType) (sign int, fixed bool) {
	switch t {
	case domain.TxnIntake, domain.TxnReceive, domain.TxnMoveIn, domain.TxnUnreserve:
		return 1, true
	case domain.TxnConsume, domain.TxnMoveOut, domain.TxnReserve:
		return -1, true
	case domain.TxnAdjust:
		return 0, false
	default:
		return 0, false
	}
}

// Engine appends ledger entries and derives balances within the caller's
// transaction.
type Engine struct{}

// New constructs a ledger Engine. It is stateless; all work happens
// within the transaction passed to Append/Balance.
func New() *Engine { return &Engine{} }

// AppendInput is the caller-supplied portion of a LedgerEntry; ID and
// CreatedAt are assigned by Append.
type AppendInput struct {
	VintageID       int64
	TransactionType domain.TransactionType
	Location        string
	Quantity        int // unsigned magnitude, except ADJUST which is already signed
	UnitCost        float64
	ReferenceID     string
	Notes           string
	CreatedBy       string
}

// Append inserts one LedgerEntry within tx, applying the transaction
// type's sign convention, and returns its id.
func (e *Engine) Append(tx *sql.Tx, in AppendInput) (int64, error) {
	signedQty := in.Quantity
	if sign, fixed := signConvention(in.TransactionType); fixed {
		if in.Quantity < 0 {
			in.Quantity = -in.Quantity
		}
		signedQty = sign * in.Quantity
	}

	now := time.Now().Unix()
	res, err := tx.Exec(
		`INSERT INTO ledger_entries
			(vintage_id, transaction_type, location, quantity, unit_cost, reference_id, notes, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.VintageID, string(in.TransactionType), in.Location, signedQty, in.UnitCost, in.ReferenceID, in.Notes, in.CreatedBy, now,
	)
	if err != nil {
		return 0, domain.NewError(domain.KindStorage, "failed to append ledger entry", err)
	}
	return res.LastInsertId()
}

// Balance is the derived (quantity, reserved_quantity) pair for one
// (vintage, location).
type Balance struct {
	Quantity         int
	ReservedQuantity int
}

// Balance sums ledger_entries for (vintageID, location). It is the
// authoritative computation; Stock rows are a cache of this result.
func (e *Engine) Balance(tx *sql.Tx, vintageID int64, location string) (Balance, error) {
	// RESERVE stores -q and UNRESERVE +q (sign convention above), so the
	// reserved balance is the negated sum of both: -(-q) = +q reserved,
	// -(+q) = -q released.
	var qty, reserved sql.NullInt64
	err := tx.QueryRow(
		`SELECT
			COALESCE(SUM(CASE WHEN transaction_type NOT IN ('RESERVE', 'UNRESERVE') THEN quantity ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN transaction_type IN ('RESERVE', 'UNRESERVE') THEN -quantity ELSE 0 END), 0)
		 FROM ledger_entries WHERE vintage_id = ? AND location = ?`,
		vintageID, location,
	).Scan(&qty, &reserved)
	if err != nil {
		return Balance{}, domain.NewError(domain.KindStorage, "failed to compute ledger balance", err)
	}
	return Balance{Quantity: int(qty.Int64), ReservedQuantity: int(reserved.Int64)}, nil
}

// Rebuild recomputes every Stock row from ledger_entries, overwriting any
// drift between the materialized cache and the source of truth. Used by
// the reconciliation-audit scheduler job and by property tests verifying
// that stock can always be replayed from an empty balance.
func (e *Engine) Rebuild(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT DISTINCT vintage_id, location FROM ledger_entries`)
	if err != nil {
		return domain.NewError(domain.KindStorage, "failed to list ledger keys", err)
	}
	type key struct {
		vintageID int64
		location  string
	}
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.vintageID, &k.location); err != nil {
			rows.Close()
			return domain.NewError(domain.KindStorage, "failed to scan ledger key", err)
		}
		keys = append(keys, k)
	}
	rows.Close()

	now := time.Now().Unix()
	for _, k := range keys {
		bal, err := e.Balance(tx, k.vintageID, k.location)
		if err != nil {
			return err
		}
		if bal.Quantity < 0 || bal.ReservedQuantity < 0 || bal.ReservedQuantity > bal.Quantity {
			return domain.NewError(domain.KindInventoryConflict,
				fmt.Sprintf("ledger replay for vintage %d at %s would violate invariants", k.vintageID, k.location), nil)
		}
		if _, err := tx.Exec(
			`INSERT INTO stock (vintage_id, location, quantity, reserved_quantity, cost_per_bottle, updated_at, updated_by, op_id, origin)
			 VALUES (?, ?, ?, ?, 0, ?, 'ledger-rebuild', '', 'server')
			 ON CONFLICT (vintage_id, location) DO UPDATE SET
				quantity = excluded.quantity,
				reserved_quantity = excluded.reserved_quantity,
				updated_at = excluded.updated_at,
				updated_by = excluded.updated_by`,
			k.vintageID, k.location, bal.Quantity, bal.ReservedQuantity, now,
		); err != nil {
			return domain.NewError(domain.KindStorage, "failed to write rebuilt stock row", err)
		}
	}
	return nil
}
