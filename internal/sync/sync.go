// Package sync implements SyncReconciler: applying a batch of
// client-originated mutations against server state under the rules that
// make reconvergence order-independent — idempotent replay by op_id,
// last-write-wins on metadata, and additive deltas on inventory quantity.
package sync

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/thijssvd/sommos/internal/database"
	"github.com/thijssvd/sommos/internal/domain"
	"github.com/thijssvd/sommos/internal/events"
	"github.com/thijssvd/sommos/internal/inventory"
)

// OpKind enumerates the mutation shapes SyncReconciler knows how to apply.
type OpKind string

const (
	OpInventoryReceive   OpKind = "inventory_receive"
	OpInventoryConsume   OpKind = "inventory_consume"
	OpInventoryMove      OpKind = "inventory_move"
	OpInventoryReserve   OpKind = "inventory_reserve"
	OpInventoryUnreserve OpKind = "inventory_unreserve"
	OpWineMetadata       OpKind = "wine_metadata"
	OpVintageMetadata    OpKind = "vintage_metadata"
)

// Envelope is the sync metadata every client mutation carries.
type Envelope struct {
	OpID      string `json:"op_id"`
	UpdatedAt int64  `json:"updated_at"`
	UpdatedBy string `json:"updated_by"`
	Origin    string `json:"origin"`
}

// Operation is one client-originated mutation submitted to ApplyBatch.
type Operation struct {
	Envelope
	Kind    OpKind          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// OpStatus is the per-op outcome status reported back to the client.
type OpStatus string

const (
	StatusApplied   OpStatus = "applied"
	StatusDuplicate OpStatus = "duplicate"
	StatusRejected  OpStatus = "rejected"
)

// OpOutcome is returned for every operation in a batch, in the same order
// the operations were submitted.
type OpOutcome struct {
	OpID            string   `json:"op_id"`
	Status          OpStatus `json:"status"`
	Reason          string   `json:"reason,omitempty"`
	ServerUpdatedAt int64    `json:"server_updated_at,omitempty"`
}

// InventoryPayload is the Payload shape for every OpInventory* kind.
type InventoryPayload struct {
	VintageID  int64   `json:"vintage_id"`
	Location   string  `json:"location"`
	ToLocation string  `json:"to_location,omitempty"`
	Quantity   int     `json:"quantity"`
	UnitCost   float64 `json:"unit_cost,omitempty"`
	Notes      string  `json:"notes"`
}

// WineMetadataPayload is the Payload shape for OpWineMetadata. Only
// non-nil fields are considered for the LWW merge.
type WineMetadataPayload struct {
	ID           int64     `json:"id"`
	TastingNotes *string   `json:"tasting_notes,omitempty"`
	Style        *string   `json:"style,omitempty"`
	Region       *string   `json:"region,omitempty"`
	WineType     *string   `json:"wine_type,omitempty"`
	FoodPairings *[]string `json:"food_pairings,omitempty"`
}

// VintageMetadataPayload is the Payload shape for OpVintageMetadata.
type VintageMetadataPayload struct {
	ID              int64            `json:"id"`
	QualityScore    *float64         `json:"quality_score,omitempty"`
	CriticScore     *float64         `json:"critic_score,omitempty"`
	ProductionNotes *json.RawMessage `json:"production_notes,omitempty"`
}

// OriginComparator decides, for two updates with equal updated_at, whether
// the incoming origin wins over the stored one. The default is
// lexicographic: the incoming update wins a tie iff its origin sorts
// strictly after the stored one.
type OriginComparator func(incomingOrigin, storedOrigin string) bool

func defaultOriginComparator(incoming, stored string) bool {
	return incoming > stored
}

// Reconciler implements SyncReconciler against the inventory manager and
// the raw database connection, for the metadata tables InventoryManager
// does not own.
type Reconciler struct {
	db           *sql.DB
	inventory    *inventory.Manager
	bus          *events.Bus
	originWins   OriginComparator
	appliedOpTTL time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithOriginComparator overrides the tie-break rule for equal updated_at.
func WithOriginComparator(cmp OriginComparator) Option {
	return func(r *Reconciler) { r.originWins = cmp }
}

// WithAppliedOpsRetention overrides how long AppliedOps rows are kept
// before CleanupAppliedOps considers them eligible for deletion.
func WithAppliedOpsRetention(d time.Duration) Option {
	return func(r *Reconciler) { r.appliedOpTTL = d }
}

// New builds a Reconciler. bus may be nil in tests that don't assert on
// emitted events.
func New(db *sql.DB, inv *inventory.Manager, bus *events.Bus, opts ...Option) *Reconciler {
	r := &Reconciler{
		db:           db,
		inventory:    inv,
		bus:          bus,
		originWins:   defaultOriginComparator,
		appliedOpTTL: 7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApplyBatch applies ops in client-supplied order. Each op is its own
// transaction; a rejected or failed op does not halt the remaining batch.
func (r *Reconciler) ApplyBatch(ops []Operation) []OpOutcome {
	outcomes := make([]OpOutcome, 0, len(ops))
	for _, op := range ops {
		outcomes = append(outcomes, r.applyOne(op))
	}
	return outcomes
}

func contentHash(op Operation) string {
	h := sha256.Sum256(append([]byte(op.Kind), op.Payload...))
	return hex.EncodeToString(h[:])
}

type storedOutcome struct {
	Hash    string    `json:"hash"`
	Outcome OpOutcome `json:"outcome"`
}

func (r *Reconciler) applyOne(op Operation) OpOutcome {
	if op.OpID == "" {
		return OpOutcome{Status: StatusRejected, Reason: "op_id is required"}
	}

	existing, found, err := r.lookupApplied(op.OpID)
	if err != nil {
		return OpOutcome{OpID: op.OpID, Status: StatusRejected, Reason: err.Error()}
	}
	if found {
		if existing.Hash != contentHash(op) {
			return OpOutcome{OpID: op.OpID, Status: StatusRejected,
				Reason: "op_id collision: payload differs from a previously applied operation"}
		}
		out := existing.Outcome
		out.Status = StatusDuplicate
		return out
	}

	var outcome OpOutcome
	switch op.Kind {
	case OpInventoryReceive, OpInventoryConsume, OpInventoryMove, OpInventoryReserve, OpInventoryUnreserve:
		outcome = r.applyInventoryOp(op)
	case OpWineMetadata:
		outcome = r.applyWineMetadata(op)
	case OpVintageMetadata:
		outcome = r.applyVintageMetadata(op)
	default:
		outcome = OpOutcome{OpID: op.OpID, Status: StatusRejected, Reason: fmt.Sprintf("unknown operation kind %q", op.Kind)}
	}

	if outcome.Status == StatusApplied {
		if err := r.recordApplied(op, outcome); err != nil {
			outcome = OpOutcome{OpID: op.OpID, Status: StatusRejected, Reason: "applied but failed to record: " + err.Error()}
		}
	}

	if r.bus != nil {
		r.bus.Emit("sync", events.SyncOpAppliedData{OpID: op.OpID, Status: string(outcome.Status), Reason: outcome.Reason})
	}
	return outcome
}

func (r *Reconciler) lookupApplied(opID string) (storedOutcome, bool, error) {
	var raw string
	err := r.db.QueryRow(`SELECT outcome FROM applied_ops WHERE op_id = ?`, opID).Scan(&raw)
	if err == sql.ErrNoRows {
		return storedOutcome{}, false, nil
	}
	if err != nil {
		return storedOutcome{}, false, domain.NewError(domain.KindStorage, "failed to look up applied op", err)
	}
	var so storedOutcome
	if err := json.Unmarshal([]byte(raw), &so); err != nil {
		return storedOutcome{}, false, domain.NewError(domain.KindStorage, "failed to decode applied op record", err)
	}
	return so, true, nil
}

func (r *Reconciler) recordApplied(op Operation, outcome OpOutcome) error {
	raw, err := json.Marshal(storedOutcome{Hash: contentHash(op), Outcome: outcome})
	if err != nil {
		return domain.NewError(domain.KindStorage, "failed to encode applied op record", err)
	}
	_, err = r.db.Exec(
		`INSERT INTO applied_ops (op_id, outcome, applied_at) VALUES (?, ?, ?) ON CONFLICT (op_id) DO NOTHING`,
		op.OpID, string(raw), time.Now().Unix(),
	)
	if err != nil {
		return domain.NewError(domain.KindStorage, "failed to record applied op", err)
	}
	return nil
}

// CleanupAppliedOps deletes AppliedOps rows older than the configured
// retention. Intended to be run by a scheduler job alongside the
// client-data cache cleanup.
func (r *Reconciler) CleanupAppliedOps() (int64, error) {
	cutoff := time.Now().Add(-r.appliedOpTTL).Unix()
	res, err := r.db.Exec(`DELETE FROM applied_ops WHERE applied_at < ?`, cutoff)
	if err != nil {
		return 0, domain.NewError(domain.KindStorage, "failed to clean up applied ops", err)
	}
	return res.RowsAffected()
}

func (r *Reconciler) applyInventoryOp(op Operation) OpOutcome {
	var p InventoryPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return OpOutcome{OpID: op.OpID, Status: StatusRejected, Reason: "invalid payload: " + err.Error()}
	}
	if p.Quantity <= 0 {
		return OpOutcome{OpID: op.OpID, Status: StatusRejected, Reason: "quantity must be positive"}
	}

	var err error
	switch op.Kind {
	case OpInventoryReceive:
		err = r.inventory.ReceiveAdHoc(p.VintageID, p.Location, p.Quantity, p.UnitCost, p.Notes, op.UpdatedBy)
	case OpInventoryConsume:
		err = r.inventory.Consume(p.VintageID, p.Location, p.Quantity, p.Notes, op.UpdatedBy)
	case OpInventoryMove:
		err = r.inventory.Move(p.VintageID, p.Location, p.ToLocation, p.Quantity, p.Notes, op.UpdatedBy)
	case OpInventoryReserve:
		err = r.inventory.Reserve(p.VintageID, p.Location, p.Quantity, p.Notes, op.UpdatedBy)
	case OpInventoryUnreserve:
		err = r.inventory.Unreserve(p.VintageID, p.Location, p.Quantity, p.Notes, op.UpdatedBy)
	}

	if err != nil {
		return OpOutcome{OpID: op.OpID, Status: StatusRejected, Reason: err.Error()}
	}
	return OpOutcome{OpID: op.OpID, Status: StatusApplied, ServerUpdatedAt: op.UpdatedAt}
}

func (r *Reconciler) applyWineMetadata(op Operation) OpOutcome {
	var p WineMetadataPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return OpOutcome{OpID: op.OpID, Status: StatusRejected, Reason: "invalid payload: " + err.Error()}
	}

	var outcome OpOutcome
	txErr := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var storedAt int64
		var storedOrigin string
		err := tx.QueryRow(`SELECT updated_at, origin FROM wines WHERE id = ?`, p.ID).Scan(&storedAt, &storedOrigin)
		if err == sql.ErrNoRows {
			outcome = OpOutcome{OpID: op.OpID, Status: StatusRejected, Reason: "wine not found"}
			return nil
		}
		if err != nil {
			return domain.NewError(domain.KindStorage, "failed to read wine", err)
		}

		if !r.lww(op.UpdatedAt, op.Origin, storedAt, storedOrigin) {
			outcome = OpOutcome{OpID: op.OpID, Status: StatusApplied, ServerUpdatedAt: storedAt}
			return nil
		}

		set, args := []string{}, []interface{}{}
		if p.TastingNotes != nil {
			set, args = append(set, "tasting_notes = ?"), append(args, *p.TastingNotes)
		}
		if p.Style != nil {
			set, args = append(set, "style = ?"), append(args, *p.Style)
		}
		if p.Region != nil {
			set, args = append(set, "region = ?"), append(args, *p.Region)
		}
		if p.WineType != nil {
			set, args = append(set, "wine_type = ?"), append(args, *p.WineType)
		}
		if p.FoodPairings != nil {
			b, err := json.Marshal(*p.FoodPairings)
			if err != nil {
				return domain.NewError(domain.KindInvalidArgument, "invalid food_pairings", err)
			}
			set, args = append(set, "food_pairings = ?"), append(args, string(b))
		}
		if len(set) == 0 {
			outcome = OpOutcome{OpID: op.OpID, Status: StatusApplied, ServerUpdatedAt: op.UpdatedAt}
			return nil
		}

		set = append(set, "updated_at = ?", "updated_by = ?", "op_id = ?", "origin = ?")
		args = append(args, op.UpdatedAt, op.UpdatedBy, op.OpID, op.Origin, p.ID)

		if _, err := tx.Exec("UPDATE wines SET "+strings.Join(set, ", ")+" WHERE id = ?", args...); err != nil {
			return domain.NewError(domain.KindStorage, "failed to update wine metadata", err)
		}
		outcome = OpOutcome{OpID: op.OpID, Status: StatusApplied, ServerUpdatedAt: op.UpdatedAt}
		return nil
	})
	if txErr != nil {
		return OpOutcome{OpID: op.OpID, Status: StatusRejected, Reason: txErr.Error()}
	}
	return outcome
}

func (r *Reconciler) applyVintageMetadata(op Operation) OpOutcome {
	var p VintageMetadataPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return OpOutcome{OpID: op.OpID, Status: StatusRejected, Reason: "invalid payload: " + err.Error()}
	}

	var outcome OpOutcome
	txErr := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var storedAt int64
		var storedOrigin string
		err := tx.QueryRow(`SELECT updated_at, origin FROM vintages WHERE id = ?`, p.ID).Scan(&storedAt, &storedOrigin)
		if err == sql.ErrNoRows {
			outcome = OpOutcome{OpID: op.OpID, Status: StatusRejected, Reason: "vintage not found"}
			return nil
		}
		if err != nil {
			return domain.NewError(domain.KindStorage, "failed to read vintage", err)
		}

		if !r.lww(op.UpdatedAt, op.Origin, storedAt, storedOrigin) {
			outcome = OpOutcome{OpID: op.OpID, Status: StatusApplied, ServerUpdatedAt: storedAt}
			return nil
		}

		set, args := []string{}, []interface{}{}
		if p.QualityScore != nil {
			set, args = append(set, "quality_score = ?"), append(args, *p.QualityScore)
		}
		if p.CriticScore != nil {
			set, args = append(set, "critic_score = ?"), append(args, *p.CriticScore)
		}
		if p.ProductionNotes != nil {
			set, args = append(set, "production_notes = ?"), append(args, string(*p.ProductionNotes))
		}
		if len(set) == 0 {
			outcome = OpOutcome{OpID: op.OpID, Status: StatusApplied, ServerUpdatedAt: op.UpdatedAt}
			return nil
		}

		set = append(set, "updated_at = ?", "updated_by = ?", "op_id = ?", "origin = ?")
		args = append(args, op.UpdatedAt, op.UpdatedBy, op.OpID, op.Origin, p.ID)

		if _, err := tx.Exec("UPDATE vintages SET "+strings.Join(set, ", ")+" WHERE id = ?", args...); err != nil {
			return domain.NewError(domain.KindStorage, "failed to update vintage metadata", err)
		}
		outcome = OpOutcome{OpID: op.OpID, Status: StatusApplied, ServerUpdatedAt: op.UpdatedAt}
		return nil
	})
	if txErr != nil {
		return OpOutcome{OpID: op.OpID, Status: StatusRejected, Reason: txErr.Error()}
	}
	return outcome
}

// lww reports whether the incoming update should overwrite the stored row.
func (r *Reconciler) lww(incomingAt int64, incomingOrigin string, storedAt int64, storedOrigin string) bool {
	if incomingAt != storedAt {
		return incomingAt > storedAt
	}
	return r.originWins(incomingOrigin, storedOrigin)
}
