package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/thijssvd/sommos/internal/domain"
	"github.com/thijssvd/sommos/internal/inventory"
	"github.com/thijssvd/sommos/internal/sync"
)

// syncBody is the optional sync envelope every mutating inventory request
// may carry. When present, the mutation is routed through the reconciler's
// applied-ops table instead of calling the inventory manager directly, so
// a client that replays the same op_id against this endpoint (not just
// /api/sync/apply) gets the recorded outcome back instead of a second
// mutation.
type syncBody struct {
	OpID      string `json:"op_id"`
	UpdatedAt int64  `json:"updated_at"`
	Origin    string `json:"origin"`
}

// applyInventorySync runs kind/payload through the reconciler under sb's
// envelope. It writes the HTTP response itself for a rejected outcome and
// returns ok=false; callers should return immediately in that case.
func (s *Server) applyInventorySync(w http.ResponseWriter, sb *syncBody, kind sync.OpKind, payload sync.InventoryPayload, updatedBy string) (sync.OpOutcome, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "failed to encode sync payload", err))
		return sync.OpOutcome{}, false
	}

	op := sync.Operation{
		Envelope: sync.Envelope{OpID: sb.OpID, UpdatedAt: sb.UpdatedAt, UpdatedBy: updatedBy, Origin: sb.Origin},
		Kind:     kind,
		Payload:  raw,
	}
	outcome := s.reconciler.ApplyBatch([]sync.Operation{op})[0]
	if outcome.Status == sync.StatusRejected {
		s.writeError(w, domain.NewError(domain.KindInventoryConflict, outcome.Reason, nil))
		return outcome, false
	}
	return outcome, true
}

func (s *Server) handleGetStock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := inventory.StockFilter{
		WineType:      domain.WineType(q.Get("type")),
		Region:        q.Get("region"),
		Location:      q.Get("location"),
		Search:        q.Get("search"),
		AvailableOnly: q.Get("available_only") == "true",
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		f.Offset = offset
	}

	rows, err := s.inventory.GetStock(f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

type consumeRequest struct {
	VintageID int64   `json:"vintage_id"`
	Location  string  `json:"location"`
	Quantity  int     `json:"quantity"`
	Notes     string  `json:"notes"`
	Sync      *syncBody `json:"sync,omitempty"`
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.VintageID <= 0 || req.Location == "" || req.Quantity <= 0 {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "vintage_id, location and a positive quantity are required", nil))
		return
	}
	createdBy := requestUser(r)
	if req.Sync != nil && req.Sync.OpID != "" {
		outcome, ok := s.applyInventorySync(w, req.Sync, sync.OpInventoryConsume, sync.InventoryPayload{
			VintageID: req.VintageID, Location: req.Location, Quantity: req.Quantity, Notes: req.Notes,
		}, createdBy)
		if !ok {
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"applied": true, "status": outcome.Status})
		return
	}
	if err := s.inventory.Consume(req.VintageID, req.Location, req.Quantity, req.Notes, createdBy); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"applied": true})
}

type moveRequest struct {
	VintageID    int64  `json:"vintage_id"`
	FromLocation string `json:"from_location"`
	ToLocation   string `json:"to_location"`
	Quantity     int    `json:"quantity"`
	Notes        string `json:"notes"`
	Sync         *syncBody `json:"sync,omitempty"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.VintageID <= 0 || req.FromLocation == "" || req.ToLocation == "" || req.Quantity <= 0 {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "vintage_id, from_location, to_location and a positive quantity are required", nil))
		return
	}
	createdBy := requestUser(r)
	if req.Sync != nil && req.Sync.OpID != "" {
		outcome, ok := s.applyInventorySync(w, req.Sync, sync.OpInventoryMove, sync.InventoryPayload{
			VintageID: req.VintageID, Location: req.FromLocation, ToLocation: req.ToLocation, Quantity: req.Quantity, Notes: req.Notes,
		}, createdBy)
		if !ok {
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"applied": true, "status": outcome.Status})
		return
	}
	if err := s.inventory.Move(req.VintageID, req.FromLocation, req.ToLocation, req.Quantity, req.Notes, createdBy); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"applied": true})
}

type reserveRequest struct {
	VintageID int64  `json:"vintage_id"`
	Location  string `json:"location"`
	Quantity  int    `json:"quantity"`
	Notes     string `json:"notes"`
	Sync      *syncBody `json:"sync,omitempty"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.VintageID <= 0 || req.Location == "" || req.Quantity <= 0 {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "vintage_id, location and a positive quantity are required", nil))
		return
	}
	createdBy := requestUser(r)
	if req.Sync != nil && req.Sync.OpID != "" {
		outcome, ok := s.applyInventorySync(w, req.Sync, sync.OpInventoryReserve, sync.InventoryPayload{
			VintageID: req.VintageID, Location: req.Location, Quantity: req.Quantity, Notes: req.Notes,
		}, createdBy)
		if !ok {
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"applied": true, "status": outcome.Status})
		return
	}
	if err := s.inventory.Reserve(req.VintageID, req.Location, req.Quantity, req.Notes, createdBy); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"applied": true})
}

func (s *Server) handleUnreserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.VintageID <= 0 || req.Location == "" || req.Quantity <= 0 {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "vintage_id, location and a positive quantity are required", nil))
		return
	}
	createdBy := requestUser(r)
	if req.Sync != nil && req.Sync.OpID != "" {
		outcome, ok := s.applyInventorySync(w, req.Sync, sync.OpInventoryUnreserve, sync.InventoryPayload{
			VintageID: req.VintageID, Location: req.Location, Quantity: req.Quantity, Notes: req.Notes,
		}, createdBy)
		if !ok {
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"applied": true, "status": outcome.Status})
		return
	}
	if err := s.inventory.Unreserve(req.VintageID, req.Location, req.Quantity, req.Notes, createdBy); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"applied": true})
}

type intakeItemRequest struct {
	WineName    string          `json:"wine_name"`
	Producer    string          `json:"producer"`
	Region      string          `json:"region"`
	Country     string          `json:"country"`
	WineType    domain.WineType `json:"wine_type"`
	Year        int             `json:"year"`
	ExpectedQty int             `json:"expected_quantity"`
	UnitCost    float64         `json:"unit_cost"`
	Location    string          `json:"location"`
}

type intakeRequest struct {
	SupplierID       int64               `json:"supplier_id"`
	OrderDate        int64               `json:"order_date"`
	ExpectedDelivery int64               `json:"expected_delivery"`
	Items            []intakeItemRequest `json:"items"`
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	var req intakeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.SupplierID <= 0 || len(req.Items) == 0 {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "supplier_id and at least one item are required", nil))
		return
	}

	items := make([]inventory.IntakeItemInput, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, inventory.IntakeItemInput{
			WineName: it.WineName, Producer: it.Producer, Region: it.Region, Country: it.Country,
			WineType: it.WineType, Year: it.Year, ExpectedQty: it.ExpectedQty, UnitCost: it.UnitCost,
			Location: it.Location,
		})
	}

	orderID, err := s.inventory.Intake(req.SupplierID, req.OrderDate, req.ExpectedDelivery, items)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"order_id": orderID})
}

type receiptRequest struct {
	ItemID   int64  `json:"item_id"`
	Quantity int    `json:"quantity"`
	Location string `json:"location"`
}

type receiveRequest struct {
	Receipts  []receiptRequest `json:"receipts"`
	Notes     string           `json:"notes"`
	CreatedBy string           `json:"created_by"`
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "invalid order id", err))
		return
	}

	var req receiveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Receipts) == 0 {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "at least one receipt is required", nil))
		return
	}

	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = requestUser(r)
	}

	receipts := make([]inventory.ReceiptInput, 0, len(req.Receipts))
	for _, rc := range req.Receipts {
		receipts = append(receipts, inventory.ReceiptInput{ItemID: rc.ItemID, Quantity: rc.Quantity, Location: rc.Location})
	}

	if err := s.inventory.Receive(orderID, receipts, req.Notes, createdBy); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"applied": true})
}

func (s *Server) handleIntakeStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "invalid order id", err))
		return
	}
	status, err := s.inventory.GetIntakeStatus(orderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}
