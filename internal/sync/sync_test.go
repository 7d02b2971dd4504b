package sync_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thijssvd/sommos/internal/events"
	"github.com/thijssvd/sommos/internal/inventory"
	"github.com/thijssvd/sommos/internal/sync"
	sommostesting "github.com/thijssvd/sommos/internal/testing"
)

func marshalPayload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestReconciler_IdempotentReplay(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()
	sommostesting.InsertWineAndVintage(t, db, 42, "Test Wine", 2019)

	_, err := db.Conn().Exec(
		`INSERT INTO stock (vintage_id, location, quantity, reserved_quantity, updated_at) VALUES (42, 'main-cellar', 3, 1, 0)`,
	)
	require.NoError(t, err)

	bus := events.NewBus()
	inv := inventory.New(db.Conn(), bus, nil, nil)
	rec := sync.New(db.Conn(), inv, bus)

	op := sync.Operation{
		Envelope: sync.Envelope{OpID: "op1", UpdatedAt: 1700000000, UpdatedBy: "stew", Origin: "srv"},
		Kind:     sync.OpInventoryConsume,
		Payload:  marshalPayload(t, sync.InventoryPayload{VintageID: 42, Location: "main-cellar", Quantity: 1}),
	}

	first := rec.ApplyBatch([]sync.Operation{op})
	require.Len(t, first, 1)
	require.Equal(t, sync.StatusApplied, first[0].Status)

	second := rec.ApplyBatch([]sync.Operation{op})
	require.Len(t, second, 1)
	require.Equal(t, sync.StatusDuplicate, second[0].Status)

	var qty int
	require.NoError(t, db.Conn().QueryRow(`SELECT quantity FROM stock WHERE vintage_id = 42 AND location = 'main-cellar'`).Scan(&qty))
	require.Equal(t, 2, qty)
}

func TestReconciler_ConcurrentDeltasConverge(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()
	sommostesting.InsertWineAndVintage(t, db, 7, "Test Wine", 2020)

	_, err := db.Conn().Exec(
		`INSERT INTO stock (vintage_id, location, quantity, reserved_quantity, updated_at) VALUES (7, 'main-cellar', 5, 0, 0)`,
	)
	require.NoError(t, err)

	bus := events.NewBus()
	inv := inventory.New(db.Conn(), bus, nil, nil)
	rec := sync.New(db.Conn(), inv, bus)

	ops := []sync.Operation{
		{
			Envelope: sync.Envelope{OpID: "A", UpdatedAt: 1, Origin: "client-a"},
			Kind:     sync.OpInventoryConsume,
			Payload:  marshalPayload(t, sync.InventoryPayload{VintageID: 7, Location: "main-cellar", Quantity: 2}),
		},
		{
			Envelope: sync.Envelope{OpID: "B", UpdatedAt: 1, Origin: "client-b"},
			Kind:     sync.OpInventoryConsume,
			Payload:  marshalPayload(t, sync.InventoryPayload{VintageID: 7, Location: "main-cellar", Quantity: 4}),
		},
	}
	outcomes := rec.ApplyBatch(ops)
	require.Len(t, outcomes, 2)
	require.Equal(t, sync.StatusApplied, outcomes[0].Status)
	require.Equal(t, sync.StatusRejected, outcomes[1].Status)

	var qty int
	require.NoError(t, db.Conn().QueryRow(`SELECT quantity FROM stock WHERE vintage_id = 7 AND location = 'main-cellar'`).Scan(&qty))
	require.Equal(t, 3, qty)
}

func TestReconciler_LWWMetadataMerge(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()
	sommostesting.InsertWineAndVintage(t, db, 1, "Test Wine", 2019)

	var wineID int64
	require.NoError(t, db.Conn().QueryRow(`SELECT wine_id FROM vintages WHERE id = 1`).Scan(&wineID))
	_, err := db.Conn().Exec(`UPDATE wines SET tasting_notes = 'A', updated_at = 100 WHERE id = ?`, wineID)
	require.NoError(t, err)

	bus := events.NewBus()
	inv := inventory.New(db.Conn(), bus, nil, nil)
	rec := sync.New(db.Conn(), inv, bus)

	notesB := "B"
	staleOp := sync.Operation{
		Envelope: sync.Envelope{OpID: "meta-1", UpdatedAt: 50, Origin: "srv"},
		Kind:     sync.OpWineMetadata,
		Payload:  marshalPayload(t, sync.WineMetadataPayload{ID: wineID, TastingNotes: &notesB}),
	}
	rec.ApplyBatch([]sync.Operation{staleOp})

	var notes string
	require.NoError(t, db.Conn().QueryRow(`SELECT tasting_notes FROM wines WHERE id = ?`, wineID).Scan(&notes))
	require.Equal(t, "A", notes)

	notesC := "C"
	freshOp := sync.Operation{
		Envelope: sync.Envelope{OpID: "meta-2", UpdatedAt: 150, Origin: "srv"},
		Kind:     sync.OpWineMetadata,
		Payload:  marshalPayload(t, sync.WineMetadataPayload{ID: wineID, TastingNotes: &notesC}),
	}
	rec.ApplyBatch([]sync.Operation{freshOp})

	require.NoError(t, db.Conn().QueryRow(`SELECT tasting_notes FROM wines WHERE id = ?`, wineID).Scan(&notes))
	require.Equal(t, "C", notes)
}

