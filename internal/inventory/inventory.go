// Package inventory implements InventoryManager: the only caller that
// mutates Stock, wrapping LedgerEngine and Store in transactions and
// publishing an event plus a metrics sample on every successful mutation.
package inventory

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/thijssvd/sommos/internal/database"
	"github.com/thijssvd/sommos/internal/domain"
	"github.com/thijssvd/sommos/internal/events"
	"github.com/thijssvd/sommos/internal/ledger"
)

// Manager implements every operation in the InventoryManager contract.
type Manager struct {
	db      *sql.DB
	ledger  *ledger.Engine
	bus     *events.Bus
	metrics domain.MetricsSink
	realtime domain.Publisher
}

// New builds a Manager. realtime and metrics may be nil in tests that
// don't care about side channels — publishing is always attempted
// through the interface so production wiring never special-cases nil.
func New(db *sql.DB, bus *events.Bus, realtime domain.Publisher, metrics domain.MetricsSink) *Manager {
	return &Manager{db: db, ledger: ledger.New(), bus: bus, realtime: realtime, metrics: metrics}
}

func (m *Manager) publish(eventType string, data interface{}) {
	if m.realtime != nil {
		m.realtime.Publish("inventory_updates", eventType, data)
	}
}

func (m *Manager) record(category string, success bool, elapsed time.Duration) {
	if m.metrics != nil {
		m.metrics.RecordSample(category, success, elapsed.Milliseconds(), domain.NoConfidence)
	}
}

// getStockRow reads one Stock row, returning (row, found, error).
func getStockRow(tx *sql.Tx, vintageID int64, location string) (domain.Stock, bool, error) {
	var s domain.Stock
	err := tx.QueryRow(
		`SELECT vintage_id, location, quantity, reserved_quantity, cost_per_bottle, updated_at, updated_by, op_id, origin
		 FROM stock WHERE vintage_id = ? AND location = ?`,
		vintageID, location,
	).Scan(&s.VintageID, &s.Location, &s.Quantity, &s.ReservedQuantity, &s.CostPerBottle,
		&s.UpdatedAt, &s.UpdatedBy, &s.OpID, &s.Origin)
	if err == sql.ErrNoRows {
		return domain.Stock{}, false, nil
	}
	if err != nil {
		return domain.Stock{}, false, domain.NewError(domain.KindStorage, "failed to read stock row", err)
	}
	return s, true, nil
}

func upsertStock(tx *sql.Tx, s domain.Stock) error {
	_, err := tx.Exec(
		`INSERT INTO stock (vintage_id, location, quantity, reserved_quantity, cost_per_bottle, updated_at, updated_by, op_id, origin)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (vintage_id, location) DO UPDATE SET
			quantity = excluded.quantity,
			reserved_quantity = excluded.reserved_quantity,
			cost_per_bottle = excluded.cost_per_bottle,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by,
			op_id = excluded.op_id,
			origin = excluded.origin`,
		s.VintageID, s.Location, s.Quantity, s.ReservedQuantity, s.CostPerBottle,
		s.UpdatedAt, s.UpdatedBy, s.OpID, s.Origin,
	)
	if err != nil {
		return domain.NewError(domain.KindStorage, "failed to upsert stock row", err)
	}
	return nil
}

// ReceiptInput is one receipt line applied to an IntakeOrder.
type ReceiptInput struct {
	ItemID   int64
	Quantity int
	Location string
}

// Receive applies each receipt: appends a RECEIVE ledger entry, increments
// the Stock row (creating it if absent), and recomputes the order's status.
func (m *Manager) Receive(orderID int64, receipts []ReceiptInput, notes, createdBy string) error {
	start := time.Now()
	err := database.WithTransaction(m.db, func(tx *sql.Tx) error {
		for _, r := range receipts {
			if r.Quantity <= 0 {
				return domain.NewError(domain.KindInvalidArgument, "receive quantity must be positive", nil)
			}

			var vintageID int64
			var itemLocation string
			var outstanding int
			var unitCost float64
			err := tx.QueryRow(`SELECT vintage_id, location, outstanding_quantity, unit_cost FROM intake_items WHERE id = ?`, r.ItemID).
				Scan(&vintageID, &itemLocation, &outstanding, &unitCost)
			if err == sql.ErrNoRows {
				return domain.NewError(domain.KindNotFound, fmt.Sprintf("intake item %d not found", r.ItemID), nil)
			}
			if err != nil {
				return domain.NewError(domain.KindStorage, "failed to read intake item", err)
			}

			location := r.Location
			if location == "" {
				location = itemLocation
			}
			if location == "" {
				return domain.NewError(domain.KindInvalidArgument, "receive requires a location", nil)
			}

			if _, err := m.ledger.Append(tx, ledger.AppendInput{
				VintageID: vintageID, TransactionType: domain.TxnReceive, Location: location,
				Quantity: r.Quantity, UnitCost: unitCost, ReferenceID: fmt.Sprintf("%d", orderID),
				Notes: notes, CreatedBy: createdBy,
			}); err != nil {
				return err
			}

			stock, found, err := getStockRow(tx, vintageID, location)
			if err != nil {
				return err
			}
			if !found {
				stock = domain.Stock{VintageID: vintageID, Location: location, CostPerBottle: unitCost}
			}
			stock.Quantity += r.Quantity
			stock.UpdatedAt = time.Now().Unix()
			stock.UpdatedBy = createdBy
			stock.Origin = "server"
			if err := upsertStock(tx, stock); err != nil {
				return err
			}

			newOutstanding := outstanding - r.Quantity
			if newOutstanding < 0 {
				newOutstanding = 0
			}
			if _, err := tx.Exec(`UPDATE intake_items SET outstanding_quantity = ? WHERE id = ?`, newOutstanding, r.ItemID); err != nil {
				return domain.NewError(domain.KindStorage, "failed to update intake item", err)
			}

			m.bus.Emit("inventory", events.InventoryActionData{
				Action: "add", VintageID: vintageID, Location: location, Quantity: r.Quantity, CreatedBy: createdBy,
			})
			m.publish(string(events.EventInventoryActionAdd), map[string]interface{}{
				"vintage_id": vintageID, "location": location, "quantity": r.Quantity,
			})
		}
		return recomputeOrderStatus(tx, orderID)
	})
	m.record("inventory.receive", err == nil, time.Since(start))
	return err
}

// ReceiveAdHoc appends a RECEIVE ledger entry and increments Stock without
// an intake order, for receipts SyncReconciler dispatches on a client's
// behalf where no IntakeOrder/IntakeItem pairing exists.
func (m *Manager) ReceiveAdHoc(vintageID int64, location string, qty int, unitCost float64, notes, createdBy string) error {
	start := time.Now()
	err := database.WithTransaction(m.db, func(tx *sql.Tx) error {
		if qty <= 0 {
			return domain.NewError(domain.KindInvalidArgument, "receive quantity must be positive", nil)
		}
		if location == "" {
			return domain.NewError(domain.KindInvalidArgument, "receive requires a location", nil)
		}

		if _, err := m.ledger.Append(tx, ledger.AppendInput{
			VintageID: vintageID, TransactionType: domain.TxnReceive, Location: location,
			Quantity: qty, UnitCost: unitCost, Notes: notes, CreatedBy: createdBy,
		}); err != nil {
			return err
		}

		stock, found, err := getStockRow(tx, vintageID, location)
		if err != nil {
			return err
		}
		if !found {
			stock = domain.Stock{VintageID: vintageID, Location: location, CostPerBottle: unitCost}
		}
		stock.Quantity += qty
		stock.UpdatedAt, stock.UpdatedBy, stock.Origin = time.Now().Unix(), createdBy, "server"
		if err := upsertStock(tx, stock); err != nil {
			return err
		}

		m.bus.Emit("inventory", events.InventoryActionData{
			Action: "add", VintageID: vintageID, Location: location, Quantity: qty, CreatedBy: createdBy,
		})
		m.publish(string(events.EventInventoryActionAdd), map[string]interface{}{
			"vintage_id": vintageID, "location": location, "quantity": qty,
		})
		return nil
	})
	m.record("inventory.receive_ad_hoc", err == nil, time.Since(start))
	return err
}

func recomputeOrderStatus(tx *sql.Tx, orderID int64) error {
	rows, err := tx.Query(`SELECT expected_quantity, outstanding_quantity FROM intake_items WHERE order_id = ?`, orderID)
	if err != nil {
		return domain.NewError(domain.KindStorage, "failed to read intake items for status", err)
	}
	defer rows.Close()

	allZero, anyPartial := true, false
	found := false
	for rows.Next() {
		found = true
		var expected, outstanding int
		if err := rows.Scan(&expected, &outstanding); err != nil {
			return domain.NewError(domain.KindStorage, "failed to scan intake item", err)
		}
		if outstanding > 0 {
			allZero = false
		}
		if outstanding < expected {
			anyPartial = true
		}
	}
	if !found {
		return nil
	}

	status := domain.IntakeOrdered
	switch {
	case allZero:
		status = domain.IntakeReceived
	case anyPartial:
		status = domain.IntakePartiallyReceived
	}
	if _, err := tx.Exec(`UPDATE intake_orders SET status = ? WHERE id = ?`, string(status), orderID); err != nil {
		return domain.NewError(domain.KindStorage, "failed to update order status", err)
	}
	return nil
}

// IntakeItemStatus is one IntakeItem's outstanding balance against its
// expected quantity.
type IntakeItemStatus struct {
	ItemID              int64  `json:"item_id"`
	VintageID           int64  `json:"vintage_id"`
	ExpectedQuantity    int    `json:"expected_quantity"`
	OutstandingQuantity int    `json:"outstanding_quantity"`
	Location            string `json:"location"`
}

// IntakeOrderStatus is the outstanding-vs-status view GetIntakeStatus
// returns for a single order.
type IntakeOrderStatus struct {
	OrderID int64                     `json:"order_id"`
	Status  domain.IntakeOrderStatus  `json:"status"`
	Items   []IntakeItemStatus        `json:"items"`
}

// GetIntakeStatus reads an order's current status and its items'
// outstanding quantities. Status is derived state: it is recomputed by
// Receive, never written directly by this read path.
func (m *Manager) GetIntakeStatus(orderID int64) (IntakeOrderStatus, error) {
	var out IntakeOrderStatus
	out.OrderID = orderID
	err := m.db.QueryRow(`SELECT status FROM intake_orders WHERE id = ?`, orderID).Scan(&out.Status)
	if err == sql.ErrNoRows {
		return IntakeOrderStatus{}, domain.NewError(domain.KindNotFound, "intake order not found", err)
	}
	if err != nil {
		return IntakeOrderStatus{}, domain.NewError(domain.KindStorage, "failed to read intake order", err)
	}

	rows, err := m.db.Query(
		`SELECT id, vintage_id, expected_quantity, outstanding_quantity, location
		 FROM intake_items WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return IntakeOrderStatus{}, domain.NewError(domain.KindStorage, "failed to read intake items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item IntakeItemStatus
		if err := rows.Scan(&item.ItemID, &item.VintageID, &item.ExpectedQuantity, &item.OutstandingQuantity, &item.Location); err != nil {
			return IntakeOrderStatus{}, domain.NewError(domain.KindStorage, "failed to scan intake item", err)
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// Consume appends a CONSUME ledger entry and decrements Stock, rejecting
// with inventory_conflict if doing so would break the non-negative invariant.
func (m *Manager) Consume(vintageID int64, location string, qty int, notes, createdBy string) error {
	start := time.Now()
	err := database.WithTransaction(m.db, func(tx *sql.Tx) error {
		if qty <= 0 {
			return domain.NewError(domain.KindInvalidArgument, "consume quantity must be positive", nil)
		}
		stock, found, err := getStockRow(tx, vintageID, location)
		if err != nil {
			return err
		}
		if !found || stock.Available() < qty {
			return domain.NewError(domain.KindInventoryConflict, "insufficient available stock to consume", nil)
		}

		if _, err := m.ledger.Append(tx, ledger.AppendInput{
			VintageID: vintageID, TransactionType: domain.TxnConsume, Location: location,
			Quantity: qty, Notes: notes, CreatedBy: createdBy,
		}); err != nil {
			return err
		}

		stock.Quantity -= qty
		stock.UpdatedAt = time.Now().Unix()
		stock.UpdatedBy = createdBy
		stock.Origin = "server"
		if err := upsertStock(tx, stock); err != nil {
			return err
		}

		m.bus.Emit("inventory", events.InventoryActionData{
			Action: "remove", VintageID: vintageID, Location: location, Quantity: qty, CreatedBy: createdBy,
		})
		m.publish(string(events.EventInventoryActionRemove), map[string]interface{}{
			"vintage_id": vintageID, "location": location, "quantity": qty,
		})
		return nil
	})
	m.record("inventory.consume", err == nil, time.Since(start))
	return err
}

// Move appends MOVE_OUT on from and MOVE_IN on to within one transaction,
// updating both Stock rows. Moving within the same location is rejected.
func (m *Manager) Move(vintageID int64, from, to string, qty int, notes, createdBy string) error {
	start := time.Now()
	err := database.WithTransaction(m.db, func(tx *sql.Tx) error {
		if qty <= 0 {
			return domain.NewError(domain.KindInvalidArgument, "move quantity must be positive", nil)
		}
		if from == to {
			return domain.NewError(domain.KindInvalidArgument, "move across the same location is a no-op", nil)
		}

		fromStock, found, err := getStockRow(tx, vintageID, from)
		if err != nil {
			return err
		}
		if !found || fromStock.Available() < qty {
			return domain.NewError(domain.KindInventoryConflict, "insufficient available stock to move", nil)
		}

		if _, err := m.ledger.Append(tx, ledger.AppendInput{
			VintageID: vintageID, TransactionType: domain.TxnMoveOut, Location: from, Quantity: qty, Notes: notes, CreatedBy: createdBy,
		}); err != nil {
			return err
		}
		if _, err := m.ledger.Append(tx, ledger.AppendInput{
			VintageID: vintageID, TransactionType: domain.TxnMoveIn, Location: to, Quantity: qty, Notes: notes, CreatedBy: createdBy,
		}); err != nil {
			return err
		}

		now := time.Now().Unix()
		fromStock.Quantity -= qty
		fromStock.UpdatedAt, fromStock.UpdatedBy, fromStock.Origin = now, createdBy, "server"
		if err := upsertStock(tx, fromStock); err != nil {
			return err
		}

		toStock, found, err := getStockRow(tx, vintageID, to)
		if err != nil {
			return err
		}
		if !found {
			toStock = domain.Stock{VintageID: vintageID, Location: to, CostPerBottle: fromStock.CostPerBottle}
		}
		toStock.Quantity += qty
		toStock.UpdatedAt, toStock.UpdatedBy, toStock.Origin = now, createdBy, "server"
		if err := upsertStock(tx, toStock); err != nil {
			return err
		}

		m.bus.Emit("inventory", events.InventoryActionData{
			Action: "move", VintageID: vintageID, Location: from, ToLocation: to, Quantity: qty, CreatedBy: createdBy,
		})
		m.publish(string(events.EventInventoryActionMove), map[string]interface{}{
			"vintage_id": vintageID, "from": from, "to": to, "quantity": qty,
		})
		return nil
	})
	m.record("inventory.move", err == nil, time.Since(start))
	return err
}

// Reserve increments reserved_quantity iff reserved+qty <= quantity.
func (m *Manager) Reserve(vintageID int64, location string, qty int, notes, createdBy string) error {
	return m.reserveOp(vintageID, location, qty, notes, createdBy, domain.TxnReserve)
}

// Unreserve is the mirror of Reserve.
func (m *Manager) Unreserve(vintageID int64, location string, qty int, notes, createdBy string) error {
	return m.reserveOp(vintageID, location, qty, notes, createdBy, domain.TxnUnreserve)
}

func (m *Manager) reserveOp(vintageID int64, location string, qty int, notes, createdBy string, txnType domain.TransactionType) error {
	start := time.Now()
	actionName := "reserve"
	eventType := events.EventInventoryActionReserve
	if txnType == domain.TxnUnreserve {
		actionName = "unreserve"
		eventType = events.EventInventoryActionUnreserve
	}

	err := database.WithTransaction(m.db, func(tx *sql.Tx) error {
		if qty <= 0 {
			return domain.NewError(domain.KindInvalidArgument, actionName+" quantity must be positive", nil)
		}
		stock, found, err := getStockRow(tx, vintageID, location)
		if err != nil {
			return err
		}
		if !found {
			return domain.NewError(domain.KindNotFound, "no stock row for vintage/location", nil)
		}

		if txnType == domain.TxnReserve {
			if stock.ReservedQuantity+qty > stock.Quantity {
				return domain.NewError(domain.KindInventoryConflict, "reserve would exceed quantity", nil)
			}
			stock.ReservedQuantity += qty
		} else {
			if stock.ReservedQuantity-qty < 0 {
				return domain.NewError(domain.KindInventoryConflict, "unreserve would go negative", nil)
			}
			stock.ReservedQuantity -= qty
		}

		if _, err := m.ledger.Append(tx, ledger.AppendInput{
			VintageID: vintageID, TransactionType: txnType, Location: location, Quantity: qty, Notes: notes, CreatedBy: createdBy,
		}); err != nil {
			return err
		}

		stock.UpdatedAt, stock.UpdatedBy, stock.Origin = time.Now().Unix(), createdBy, "server"
		if err := upsertStock(tx, stock); err != nil {
			return err
		}

		m.bus.Emit("inventory", events.InventoryActionData{
			Action: actionName, VintageID: vintageID, Location: location, Quantity: qty, CreatedBy: createdBy,
		})
		m.publish(string(eventType), map[string]interface{}{
			"vintage_id": vintageID, "location": location, "quantity": qty,
		})
		return nil
	})
	m.record("inventory."+actionName, err == nil, time.Since(start))
	return err
}

// IntakeItemInput is one line of a new intake order.
type IntakeItemInput struct {
	WineName        string
	Producer        string
	Region          string
	Country         string
	WineType        domain.WineType
	Year            int
	ExpectedQty     int
	UnitCost        float64
	Location        string
}

// Intake upserts Wine/Vintage rows and creates an IntakeOrder in ORDERED
// status. It makes no Stock change — that happens on Receive.
func (m *Manager) Intake(supplierID int64, orderDate, expectedDelivery int64, items []IntakeItemInput) (int64, error) {
	start := time.Now()
	var orderID int64
	err := database.WithTransaction(m.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO intake_orders (supplier_id, status, order_date, expected_delivery) VALUES (?, 'ORDERED', ?, ?)`,
			supplierID, orderDate, expectedDelivery,
		)
		if err != nil {
			return domain.NewError(domain.KindStorage, "failed to create intake order", err)
		}
		orderID, err = res.LastInsertId()
		if err != nil {
			return domain.NewError(domain.KindStorage, "failed to read intake order id", err)
		}

		for _, item := range items {
			if item.ExpectedQty <= 0 {
				return domain.NewError(domain.KindInvalidArgument, "intake expected quantity must be positive", nil)
			}
			wineID, err := upsertWine(tx, item)
			if err != nil {
				return err
			}
			vintageID, err := upsertVintage(tx, wineID, item.Year)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO intake_items (order_id, wine_id, vintage_id, expected_quantity, outstanding_quantity, unit_cost, location)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				orderID, wineID, vintageID, item.ExpectedQty, item.ExpectedQty, item.UnitCost, item.Location,
			); err != nil {
				return domain.NewError(domain.KindStorage, "failed to create intake item", err)
			}
		}
		return nil
	})
	m.record("inventory.intake", err == nil, time.Since(start))
	return orderID, err
}

func upsertWine(tx *sql.Tx, item IntakeItemInput) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM wines WHERE name = ? AND producer = ?`, item.WineName, item.Producer).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, domain.NewError(domain.KindStorage, "failed to look up wine", err)
	}

	wineType := item.WineType
	if wineType == "" {
		wineType = domain.WineTypeRed
	}
	res, err := tx.Exec(
		`INSERT INTO wines (name, producer, region, country, wine_type, updated_at, updated_by, op_id, origin)
		 VALUES (?, ?, ?, ?, ?, ?, 'intake', ?, 'server')`,
		item.WineName, item.Producer, item.Region, item.Country, string(wineType), time.Now().Unix(), uuid.NewString(),
	)
	if err != nil {
		return 0, domain.NewError(domain.KindStorage, "failed to insert wine", err)
	}
	return res.LastInsertId()
}

func upsertVintage(tx *sql.Tx, wineID int64, year int) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM vintages WHERE wine_id = ? AND year = ?`, wineID, year).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, domain.NewError(domain.KindStorage, "failed to look up vintage", err)
	}

	res, err := tx.Exec(
		`INSERT INTO vintages (wine_id, year, updated_at, updated_by, op_id, origin) VALUES (?, ?, ?, 'intake', ?, 'server')`,
		wineID, year, time.Now().Unix(), uuid.NewString(),
	)
	if err != nil {
		return 0, domain.NewError(domain.KindStorage, "failed to insert vintage", err)
	}
	return res.LastInsertId()
}

// StockFilter selects which Stock rows GetStock returns.
type StockFilter struct {
	WineType      domain.WineType
	Region        string
	Location      string
	AvailableOnly bool
	Search        string
	Limit         int
	Offset        int
}

// StockRow is a joined Wine/Vintage/Stock row for listing.
type StockRow struct {
	domain.Stock
	WineName string
	Region   string
	WineType domain.WineType
	Year     int
}

// GetStock lists Stock joined with Wine/Vintage under the given filters.
func (m *Manager) GetStock(f StockFilter) ([]StockRow, error) {
	start := time.Now()
	query := `SELECT s.vintage_id, s.location, s.quantity, s.reserved_quantity, s.cost_per_bottle,
			s.updated_at, s.updated_by, s.op_id, s.origin,
			w.name, w.region, w.wine_type, v.year
		FROM stock s
		JOIN vintages v ON v.id = s.vintage_id
		JOIN wines w ON w.id = v.wine_id
		WHERE 1=1`
	var args []interface{}

	if f.WineType != "" {
		query += " AND w.wine_type = ?"
		args = append(args, string(f.WineType))
	}
	if f.Region != "" {
		query += " AND w.region = ?"
		args = append(args, f.Region)
	}
	if f.Location != "" {
		query += " AND s.location = ?"
		args = append(args, f.Location)
	}
	if f.Search != "" {
		query += " AND w.name LIKE ?"
		args = append(args, "%"+f.Search+"%")
	}
	if f.AvailableOnly {
		query += " AND (s.quantity - s.reserved_quantity) > 0"
	}
	query += " ORDER BY w.name, v.year"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := m.db.Query(query, args...)
	if err != nil {
		m.record("inventory.get_stock", false, time.Since(start))
		return nil, domain.NewError(domain.KindStorage, "failed to query stock", err)
	}
	defer rows.Close()

	var results []StockRow
	for rows.Next() {
		var r StockRow
		var wineType string
		if err := rows.Scan(&r.VintageID, &r.Location, &r.Quantity, &r.ReservedQuantity, &r.CostPerBottle,
			&r.UpdatedAt, &r.UpdatedBy, &r.OpID, &r.Origin, &r.WineName, &r.Region, &wineType, &r.Year); err != nil {
			m.record("inventory.get_stock", false, time.Since(start))
			return nil, domain.NewError(domain.KindStorage, "failed to scan stock row", err)
		}
		r.WineType = domain.WineType(wineType)
		results = append(results, r)
	}
	m.record("inventory.get_stock", true, time.Since(start))
	return results, nil
}
