package offlinequeue_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thijssvd/sommos/internal/events"
	"github.com/thijssvd/sommos/internal/inventory"
	"github.com/thijssvd/sommos/internal/offlinequeue"
	syncpkg "github.com/thijssvd/sommos/internal/sync"
	sommostesting "github.com/thijssvd/sommos/internal/testing"
)

func consumeRecord(t *testing.T, opID string, vintageID int64, location string, qty int) offlinequeue.Record {
	t.Helper()
	payload, err := json.Marshal(syncpkg.InventoryPayload{VintageID: vintageID, Location: location, Quantity: qty})
	require.NoError(t, err)
	body, err := json.Marshal(syncpkg.Operation{
		Envelope: syncpkg.Envelope{OpID: opID, UpdatedAt: 1700000000, UpdatedBy: "stew", Origin: "tablet-1"},
		Kind:     syncpkg.OpInventoryConsume,
		Payload:  payload,
	})
	require.NoError(t, err)
	return offlinequeue.Record{
		OpID:     opID,
		Endpoint: "/api/inventory/consume",
		Method:   "POST",
		Body:     body,
	}
}

func TestEnqueue_ReplacesRecordSharingOpID(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()

	q := offlinequeue.New(db.Conn(), offlinequeue.Options{})

	require.NoError(t, q.Enqueue(1, "main-cellar", consumeRecord(t, "op-1", 1, "main-cellar", 1)))
	require.NoError(t, q.Enqueue(1, "main-cellar", consumeRecord(t, "op-1", 1, "main-cellar", 2)))

	size, err := q.Size()
	require.NoError(t, err)
	require.Equal(t, 1, size, "enqueue with an existing op_id must replace, not append")

	// The replacement resets the retry state alongside the payload.
	var attempts, nextAttempt int
	require.NoError(t, db.Conn().QueryRow(
		`SELECT attempts, next_attempt_at FROM offline_queue_records WHERE op_id = 'op-1'`,
	).Scan(&attempts, &nextAttempt))
	require.Zero(t, attempts)
	require.Zero(t, nextAttempt)
}

// TestDrain_ReplaysThroughReconciler drains queued mutations into a real
// SyncReconciler, the way a reconnecting client replays its queue against
// /api/sync/apply.
func TestDrain_ReplaysThroughReconciler(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()
	sommostesting.InsertWineAndVintage(t, db, 7, "Test Wine", 2020)
	_, err := db.Conn().Exec(
		`INSERT INTO stock (vintage_id, location, quantity, reserved_quantity, updated_at) VALUES (7, 'main-cellar', 5, 0, 0)`,
	)
	require.NoError(t, err)

	bus := events.NewBus()
	inv := inventory.New(db.Conn(), bus, nil, nil)
	rec := syncpkg.New(db.Conn(), inv, bus)
	q := offlinequeue.New(db.Conn(), offlinequeue.Options{})

	require.NoError(t, q.Enqueue(7, "main-cellar", consumeRecord(t, "op-a", 7, "main-cellar", 2)))
	require.NoError(t, q.Enqueue(7, "main-cellar", consumeRecord(t, "op-b", 7, "main-cellar", 1)))

	applied, err := q.Drain(context.Background(), func(ctx context.Context, r offlinequeue.Record) error {
		var op syncpkg.Operation
		if err := json.Unmarshal(r.Body, &op); err != nil {
			return err
		}
		outcome := rec.ApplyBatch([]syncpkg.Operation{op})[0]
		if outcome.Status == syncpkg.StatusRejected {
			return errors.New(outcome.Reason)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, applied)

	size, err := q.Size()
	require.NoError(t, err)
	require.Zero(t, size)

	var qty int
	require.NoError(t, db.Conn().QueryRow(`SELECT quantity FROM stock WHERE vintage_id = 7 AND location = 'main-cellar'`).Scan(&qty))
	require.Equal(t, 2, qty)
}

func TestDrain_FailureBacksOffThenDeadLetters(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()

	q := offlinequeue.New(db.Conn(), offlinequeue.Options{MaxAttempts: 2})
	require.NoError(t, q.Enqueue(3, "main-cellar", consumeRecord(t, "op-x", 3, "main-cellar", 1)))

	failing := func(ctx context.Context, r offlinequeue.Record) error {
		return errors.New("simulated apply failure")
	}

	applied, err := q.Drain(context.Background(), failing)
	require.NoError(t, err)
	require.Zero(t, applied)

	// First failure: still queued, but not ready until the backoff elapses.
	var attempts int
	var nextAttempt int64
	require.NoError(t, db.Conn().QueryRow(
		`SELECT attempts, next_attempt_at FROM offline_queue_records WHERE op_id = 'op-x'`,
	).Scan(&attempts, &nextAttempt))
	require.Equal(t, 1, attempts)
	require.Positive(t, nextAttempt)

	// A drain before the backoff elapses must skip the record entirely.
	applied, err = q.Drain(context.Background(), failing)
	require.NoError(t, err)
	require.Zero(t, applied)
	require.NoError(t, db.Conn().QueryRow(
		`SELECT attempts FROM offline_queue_records WHERE op_id = 'op-x'`,
	).Scan(&attempts))
	require.Equal(t, 1, attempts)

	// Force the record ready; the second failure exhausts MaxAttempts and
	// moves it to the dead-letter store.
	_, err = db.Conn().Exec(`UPDATE offline_queue_records SET next_attempt_at = 0 WHERE op_id = 'op-x'`)
	require.NoError(t, err)

	applied, err = q.Drain(context.Background(), failing)
	require.NoError(t, err)
	require.Zero(t, applied)

	size, err := q.Size()
	require.NoError(t, err)
	require.Zero(t, size)

	var deadAttempts int
	var lastError string
	require.NoError(t, db.Conn().QueryRow(
		`SELECT attempts, last_error FROM dead_letter_ops WHERE op_id = 'op-x'`,
	).Scan(&deadAttempts, &lastError))
	require.Equal(t, 2, deadAttempts)
	require.Contains(t, lastError, "simulated apply failure")
}

func TestDrain_IdempotentReplayOfDuplicateOpSucceeds(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()
	sommostesting.InsertWineAndVintage(t, db, 7, "Test Wine", 2020)
	_, err := db.Conn().Exec(
		`INSERT INTO stock (vintage_id, location, quantity, reserved_quantity, updated_at) VALUES (7, 'main-cellar', 5, 0, 0)`,
	)
	require.NoError(t, err)

	bus := events.NewBus()
	inv := inventory.New(db.Conn(), bus, nil, nil)
	rec := syncpkg.New(db.Conn(), inv, bus)
	q := offlinequeue.New(db.Conn(), offlinequeue.Options{})

	apply := func(ctx context.Context, r offlinequeue.Record) error {
		var op syncpkg.Operation
		if err := json.Unmarshal(r.Body, &op); err != nil {
			return err
		}
		outcome := rec.ApplyBatch([]syncpkg.Operation{op})[0]
		if outcome.Status == syncpkg.StatusRejected {
			return errors.New(outcome.Reason)
		}
		return nil
	}

	// The client replays the same op after a crash that lost its queue ack
	// but not the server's application of the mutation.
	require.NoError(t, q.Enqueue(7, "main-cellar", consumeRecord(t, "op-dup", 7, "main-cellar", 2)))
	applied, err := q.Drain(context.Background(), apply)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	require.NoError(t, q.Enqueue(7, "main-cellar", consumeRecord(t, "op-dup", 7, "main-cellar", 2)))
	applied, err = q.Drain(context.Background(), apply)
	require.NoError(t, err)
	require.Equal(t, 1, applied, "a duplicate op drains successfully as a no-op")

	var qty int
	require.NoError(t, db.Conn().QueryRow(`SELECT quantity FROM stock WHERE vintage_id = 7 AND location = 'main-cellar'`).Scan(&qty))
	require.Equal(t, 3, qty, "the mutation must have applied exactly once")
}
