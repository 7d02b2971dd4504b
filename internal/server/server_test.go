package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/thijssvd/sommos/internal/database"
	"github.com/thijssvd/sommos/internal/events"
	"github.com/thijssvd/sommos/internal/inventory"
	"github.com/thijssvd/sommos/internal/metrics"
	"github.com/thijssvd/sommos/internal/pairing"
	"github.com/thijssvd/sommos/internal/realtime"
	"github.com/thijssvd/sommos/internal/server"
	syncpkg "github.com/thijssvd/sommos/internal/sync"
	sommostesting "github.com/thijssvd/sommos/internal/testing"
)

type testEnv struct {
	db  *database.DB
	bus *events.Bus
	srv *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, cleanup := sommostesting.NewTestDB(t)
	t.Cleanup(cleanup)

	log := zerolog.Nop()
	bus := events.NewBus()
	hub := realtime.New(realtime.Options{}, log)
	tracker := metrics.New(100)
	inv := inventory.New(db.Conn(), bus, hub, tracker)
	rec := syncpkg.New(db.Conn(), inv, bus)
	orch := pairing.New(db.Conn(), bus, hub, tracker, pairing.Options{}, []pairing.Provider{
		pairing.NewHeuristicProvider(),
	})

	s := server.New(server.Config{
		Port:       0,
		Log:        log,
		DB:         db.Conn(),
		Inventory:  inv,
		Reconciler: rec,
		Pairing:    orch,
		Hub:        hub,
		Metrics:    tracker,
	})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{db: db, bus: bus, srv: ts}
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	Timestamp int64           `json:"timestamp"`
}

func (e *testEnv) post(t *testing.T, path string, body interface{}) (int, envelope) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (e *testEnv) get(t *testing.T, path string) (int, envelope) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (e *testEnv) stock(t *testing.T, vintageID int64, location string) (qty, reserved int) {
	t.Helper()
	err := e.db.Conn().QueryRow(
		`SELECT quantity, reserved_quantity FROM stock WHERE vintage_id = ? AND location = ?`,
		vintageID, location,
	).Scan(&qty, &reserved)
	require.NoError(t, err)
	return qty, reserved
}

func seedStockRow(t *testing.T, db *database.DB, vintageID int64, name string, year, qty, reserved int) {
	t.Helper()
	sommostesting.InsertWineAndVintage(t, db, vintageID, name, year)
	_, err := db.Conn().Exec(
		`INSERT INTO stock (vintage_id, location, quantity, reserved_quantity, updated_at) VALUES (?, 'main-cellar', ?, ?, 0)`,
		vintageID, qty, reserved,
	)
	require.NoError(t, err)
}

// Basic consume over HTTP: quantity decrements, reservation is untouched,
// and exactly one signed ledger entry is written.
func TestConsumeEndpoint_Basic(t *testing.T) {
	env := newTestEnv(t)
	seedStockRow(t, env.db, 42, "Test Wine", 2019, 3, 1)

	status, resp := env.post(t, "/api/inventory/consume", map[string]interface{}{
		"vintage_id": 42,
		"location":   "main-cellar",
		"quantity":   1,
		"notes":      "service",
		"sync":       map[string]interface{}{"op_id": "op1", "updated_at": 1700000000, "origin": "srv"},
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)

	qty, reserved := env.stock(t, 42, "main-cellar")
	require.Equal(t, 2, qty)
	require.Equal(t, 1, reserved)

	var txnType string
	var signedQty int
	require.NoError(t, env.db.Conn().QueryRow(
		`SELECT transaction_type, quantity FROM ledger_entries WHERE vintage_id = 42`,
	).Scan(&txnType, &signedQty))
	require.Equal(t, "CONSUME", txnType)
	require.Equal(t, -1, signedQty)
}

// A consume that would drive available below zero is rejected with 409
// and leaves no trace in stock or the ledger.
func TestConsumeEndpoint_NegativeStockRejected(t *testing.T) {
	env := newTestEnv(t)
	seedStockRow(t, env.db, 42, "Test Wine", 2019, 3, 1)

	status, resp := env.post(t, "/api/inventory/consume", map[string]interface{}{
		"vintage_id": 42,
		"location":   "main-cellar",
		"quantity":   3,
	})
	require.Equal(t, http.StatusConflict, status)
	require.False(t, resp.Success)
	require.Equal(t, "inventory_conflict", resp.Code)

	qty, reserved := env.stock(t, 42, "main-cellar")
	require.Equal(t, 3, qty)
	require.Equal(t, 1, reserved)

	var entries int
	require.NoError(t, env.db.Conn().QueryRow(`SELECT COUNT(*) FROM ledger_entries WHERE vintage_id = 42`).Scan(&entries))
	require.Zero(t, entries)
}

type syncOutcomes struct {
	Outcomes []syncpkg.OpOutcome `json:"outcomes"`
}

// Replaying an identical batch through /api/sync/apply reports duplicate
// without mutating state a second time.
func TestSyncApply_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	seedStockRow(t, env.db, 42, "Test Wine", 2019, 5, 0)

	batch := map[string]interface{}{
		"operations": []map[string]interface{}{{
			"op_id":      "X",
			"updated_at": 1700000000,
			"updated_by": "stew",
			"origin":     "tablet-1",
			"kind":       "inventory_consume",
			"payload":    map[string]interface{}{"vintage_id": 42, "location": "main-cellar", "quantity": 1, "notes": ""},
		}},
	}

	status, resp := env.post(t, "/api/sync/apply", batch)
	require.Equal(t, http.StatusOK, status)
	var first syncOutcomes
	require.NoError(t, json.Unmarshal(resp.Data, &first))
	require.Len(t, first.Outcomes, 1)
	require.Equal(t, syncpkg.StatusApplied, first.Outcomes[0].Status)

	status, resp = env.post(t, "/api/sync/apply", batch)
	require.Equal(t, http.StatusOK, status)
	var second syncOutcomes
	require.NoError(t, json.Unmarshal(resp.Data, &second))
	require.Equal(t, syncpkg.StatusDuplicate, second.Outcomes[0].Status)

	qty, _ := env.stock(t, 42, "main-cellar")
	require.Equal(t, 4, qty, "the consume must have applied exactly once")
}

// Two concurrent deltas that cannot both fit are resolved deterministically:
// the batch applies in order, the overflowing op is rejected, and siblings
// are unaffected.
func TestSyncApply_ConcurrentDeltasConverge(t *testing.T) {
	env := newTestEnv(t)
	seedStockRow(t, env.db, 7, "Test Wine", 2020, 5, 0)

	status, resp := env.post(t, "/api/sync/apply", map[string]interface{}{
		"operations": []map[string]interface{}{
			{
				"op_id": "A", "updated_at": 1, "updated_by": "a", "origin": "client-a",
				"kind":    "inventory_consume",
				"payload": map[string]interface{}{"vintage_id": 7, "location": "main-cellar", "quantity": 2, "notes": ""},
			},
			{
				"op_id": "B", "updated_at": 1, "updated_by": "b", "origin": "client-b",
				"kind":    "inventory_consume",
				"payload": map[string]interface{}{"vintage_id": 7, "location": "main-cellar", "quantity": 4, "notes": ""},
			},
		},
	})
	require.Equal(t, http.StatusOK, status)

	var out syncOutcomes
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	require.Len(t, out.Outcomes, 2)
	require.Equal(t, syncpkg.StatusApplied, out.Outcomes[0].Status)
	require.Equal(t, syncpkg.StatusRejected, out.Outcomes[1].Status)

	qty, _ := env.stock(t, 7, "main-cellar")
	require.Equal(t, 3, qty)
}

// LWW metadata merge over HTTP: a stale timestamp loses, a fresher one wins.
func TestSyncApply_LWWMetadataMerge(t *testing.T) {
	env := newTestEnv(t)
	sommostesting.InsertWineAndVintage(t, env.db, 1, "Test Wine", 2019)

	var wineID int64
	require.NoError(t, env.db.Conn().QueryRow(`SELECT wine_id FROM vintages WHERE id = 1`).Scan(&wineID))
	_, err := env.db.Conn().Exec(`UPDATE wines SET tasting_notes = 'A', updated_at = 100 WHERE id = ?`, wineID)
	require.NoError(t, err)

	apply := func(opID string, updatedAt int64, notes string) {
		status, _ := env.post(t, "/api/sync/apply", map[string]interface{}{
			"operations": []map[string]interface{}{{
				"op_id": opID, "updated_at": updatedAt, "updated_by": "stew", "origin": "tablet-1",
				"kind":    "wine_metadata",
				"payload": map[string]interface{}{"id": wineID, "tasting_notes": notes},
			}},
		})
		require.Equal(t, http.StatusOK, status)
	}

	apply("meta-1", 50, "B")
	var notes string
	var updatedAt int64
	require.NoError(t, env.db.Conn().QueryRow(`SELECT tasting_notes, updated_at FROM wines WHERE id = ?`, wineID).Scan(&notes, &updatedAt))
	require.Equal(t, "A", notes, "a stale update must not overwrite the server value")
	require.Equal(t, int64(100), updatedAt)

	apply("meta-2", 150, "C")
	require.NoError(t, env.db.Conn().QueryRow(`SELECT tasting_notes, updated_at FROM wines WHERE id = ?`, wineID).Scan(&notes, &updatedAt))
	require.Equal(t, "C", notes)
	require.Equal(t, int64(150), updatedAt)
}

type pairingResponse struct {
	Provider       string `json:"provider"`
	WineSelections []struct {
		VintageID  int64   `json:"vintage_id"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	} `json:"wine_selections"`
}

// Pairing recommendation with only the heuristic configured: every
// selection is in stock, confidences are sorted and bounded, and an
// identical follow-up request is served from cache.
func TestPairingRecommend_HeuristicFallbackAndCache(t *testing.T) {
	env := newTestEnv(t)
	seedStockRow(t, env.db, 1, "Cellar Red", 2018, 12, 0)
	seedStockRow(t, env.db, 2, "Cellar White", 2021, 8, 0)
	seedStockRow(t, env.db, 3, "Cellar Rosé", 2022, 4, 4) // fully reserved, never recommendable
	_, err := env.db.Conn().Exec(`UPDATE wines SET wine_type = 'White' WHERE id = (SELECT wine_id FROM vintages WHERE id = 2)`)
	require.NoError(t, err)

	var cacheHits []bool
	env.bus.Subscribe(events.EventPairingCompleted, func(evt *events.Event) {
		data := evt.Data.(events.PairingCompletedData)
		cacheHits = append(cacheHits, data.CacheHit)
	})

	body := map[string]interface{}{
		"dish":        "grilled salmon",
		"context":     map[string]interface{}{"occasion": "casual-dining", "guest_count": 4},
		"preferences": "",
		"options":     map[string]interface{}{"max_recommendations": 3, "include_reasoning": true},
	}

	status, resp := env.post(t, "/api/pairing/recommend", body)
	require.Equal(t, http.StatusOK, status)

	var pr pairingResponse
	require.NoError(t, json.Unmarshal(resp.Data, &pr))
	require.Equal(t, "heuristic", pr.Provider)
	require.NotEmpty(t, pr.WineSelections)
	require.LessOrEqual(t, len(pr.WineSelections), 3)

	for i, sel := range pr.WineSelections {
		require.NotEqual(t, int64(3), sel.VintageID, "fully reserved vintages must never be recommended")
		require.GreaterOrEqual(t, sel.Confidence, 0.0)
		require.LessOrEqual(t, sel.Confidence, 1.0)
		if i > 0 {
			require.GreaterOrEqual(t, pr.WineSelections[i-1].Confidence, sel.Confidence)
		}
	}

	status, resp = env.post(t, "/api/pairing/recommend", body)
	require.Equal(t, http.StatusOK, status)
	var second pairingResponse
	require.NoError(t, json.Unmarshal(resp.Data, &second))
	require.Equal(t, pr, second, "identical requests within the TTL must return the identical result")

	require.Equal(t, []bool{false, true}, cacheHits, "the second identical request must be a cache hit")
}

func TestIntakeReceiveStatusEndpoints(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.db.Conn().Exec(`INSERT INTO suppliers (id, name) VALUES (1, 'Test Supplier')`)
	require.NoError(t, err)

	status, resp := env.post(t, "/api/inventory/intake", map[string]interface{}{
		"supplier_id":       1,
		"order_date":        1700000000,
		"expected_delivery": 1700600000,
		"items": []map[string]interface{}{{
			"wine_name": "Château Test", "producer": "Test Estates", "region": "Bordeaux", "country": "France",
			"wine_type": "Red", "year": 2016, "expected_quantity": 12, "unit_cost": 45.0, "location": "main-cellar",
		}},
	})
	require.Equal(t, http.StatusCreated, status)

	var created struct {
		OrderID int64 `json:"order_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	require.Positive(t, created.OrderID)

	status, resp = env.get(t, fmt.Sprintf("/api/inventory/intake/%d/status", created.OrderID))
	require.Equal(t, http.StatusOK, status)
	var orderStatus inventory.IntakeOrderStatus
	require.NoError(t, json.Unmarshal(resp.Data, &orderStatus))
	require.Len(t, orderStatus.Items, 1)
	require.Equal(t, 12, orderStatus.Items[0].OutstandingQuantity)

	status, _ = env.post(t, fmt.Sprintf("/api/inventory/intake/%d/receive", created.OrderID), map[string]interface{}{
		"receipts":   []map[string]interface{}{{"item_id": orderStatus.Items[0].ItemID, "quantity": 12, "location": ""}},
		"notes":      "",
		"created_by": "stew",
	})
	require.Equal(t, http.StatusOK, status)

	status, resp = env.get(t, fmt.Sprintf("/api/inventory/intake/%d/status", created.OrderID))
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(resp.Data, &orderStatus))
	require.Equal(t, "RECEIVED", string(orderStatus.Status))
}

func TestGetStockEndpoint_Filters(t *testing.T) {
	env := newTestEnv(t)
	seedStockRow(t, env.db, 1, "Cellar Red", 2018, 12, 0)
	seedStockRow(t, env.db, 2, "Cellar White", 2021, 3, 3)

	status, resp := env.get(t, "/api/inventory/stock?available_only=true")
	require.Equal(t, http.StatusOK, status)

	var rows []inventory.StockRow
	require.NoError(t, json.Unmarshal(resp.Data, &rows))
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0].VintageID)
}

func TestUnknownIDAndValidationMapping(t *testing.T) {
	env := newTestEnv(t)

	status, resp := env.get(t, "/api/inventory/intake/999/status")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", resp.Code)

	status, resp = env.post(t, "/api/inventory/consume", map[string]interface{}{
		"vintage_id": 1, "location": "", "quantity": 0,
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_argument", resp.Code)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	status, resp := env.get(t, "/health")
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)

	status, _ = env.get(t, "/readyz")
	require.Equal(t, http.StatusOK, status)

	status, resp = env.get(t, "/api/system/health")
	require.Equal(t, http.StatusOK, status)
	var health map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(resp.Data, &health))
	require.Contains(t, health, "database")
	require.Contains(t, health, "metrics")
	require.Contains(t, health, "realtime")

	status, resp = env.get(t, "/api/backup/status")
	require.Equal(t, http.StatusOK, status)
	var backupStatus struct {
		Enabled bool `json:"enabled"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &backupStatus))
	require.False(t, backupStatus.Enabled)
}
