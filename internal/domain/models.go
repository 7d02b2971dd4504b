// Package domain holds the entities, error taxonomy, and narrow
// interfaces shared across SommOS's core components. Entities are plain
// data values; no component other than the one named as owner in the
// data model mutates a given table.
package domain

import "encoding/json"

// WineType enumerates the recognized wine categories.
type WineType string

const (
	WineTypeRed       WineType = "Red"
	WineTypeWhite     WineType = "White"
	WineTypeRose      WineType = "Rosé"
	WineTypeSparkling WineType = "Sparkling"
	WineTypeDessert   WineType = "Dessert"
	WineTypeFortified WineType = "Fortified"
)

// SyncMeta is the attribute group present on every mutable row, used by
// SyncReconciler to arbitrate last-write-wins merges.
type SyncMeta struct {
	UpdatedAt int64  `json:"updated_at"`
	UpdatedBy string `json:"updated_by"`
	OpID      string `json:"op_id"`
	Origin    string `json:"origin"`
}

// Wine is the identity of a producer/label. Metadata is mutable; identity
// is not.
type Wine struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Producer        string   `json:"producer"`
	Region          string   `json:"region"`
	Country         string   `json:"country"`
	WineType        WineType `json:"wine_type"`
	GrapeVarieties  []string `json:"grape_varieties"`
	Style           string   `json:"style"`
	TastingNotes    string   `json:"tasting_notes"`
	FoodPairings    []string `json:"food_pairings"`
	ServingTempMin  int      `json:"serving_temp_min"`
	ServingTempMax  int      `json:"serving_temp_max"`
	SyncMeta
}

// ProductionNotes is the tagged record production_notes is shaped into at
// the API boundary; it is stored as an opaque JSON blob in the database.
type ProductionNotes struct {
	Narrative      string          `json:"narrative"`
	Procurement    ProcurementNote `json:"procurement"`
	WeatherSummary string          `json:"weather_summary"`
}

// ProcurementNote is the structured procurement recommendation nested in
// ProductionNotes.
type ProcurementNote struct {
	Action    string `json:"action"`
	Priority  string `json:"priority"`
	Reasoning string `json:"reasoning"`
}

// Vintage is a Wine x year.
type Vintage struct {
	ID                int64           `json:"id"`
	WineID            int64           `json:"wine_id"`
	Year              int             `json:"year"`
	QualityScore      float64         `json:"quality_score"`
	CriticScore       float64         `json:"critic_score"`
	WeatherScore      float64         `json:"weather_score"`
	PeakDrinkingStart int             `json:"peak_drinking_start"`
	PeakDrinkingEnd   int             `json:"peak_drinking_end"`
	ProductionNotes   json.RawMessage `json:"production_notes"`
	SyncMeta
}

// Stock is a Vintage x location balance, materialized from the ledger.
type Stock struct {
	VintageID        int64   `json:"vintage_id"`
	Location         string  `json:"location"`
	Quantity         int     `json:"quantity"`
	ReservedQuantity int     `json:"reserved_quantity"`
	CostPerBottle    float64 `json:"cost_per_bottle"`
	SyncMeta
}

// Available returns the quantity a new consume/reserve may claim.
func (s Stock) Available() int {
	return s.Quantity - s.ReservedQuantity
}

// TransactionType enumerates the kinds of ledger movement.
type TransactionType string

const (
	TxnIntake    TransactionType = "INTAKE"
	TxnReceive   TransactionType = "RECEIVE"
	TxnConsume   TransactionType = "CONSUME"
	TxnMoveOut   TransactionType = "MOVE_OUT"
	TxnMoveIn    TransactionType = "MOVE_IN"
	TxnReserve   TransactionType = "RESERVE"
	TxnUnreserve TransactionType = "UNRESERVE"
	TxnAdjust    TransactionType = "ADJUST"
)

// LedgerEntry is an append-only movement record. Never updated or deleted.
type LedgerEntry struct {
	ID            int64           `json:"id"`
	VintageID     int64           `json:"vintage_id"`
	TransactionType TransactionType `json:"transaction_type"`
	Location      string          `json:"location"`
	Quantity      int             `json:"quantity"`
	UnitCost      float64         `json:"unit_cost"`
	ReferenceID   string          `json:"reference_id"`
	Notes         string          `json:"notes"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     int64           `json:"created_at"`
}

// Supplier is an external source of stock.
type Supplier struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Contact string `json:"contact"`
	Rating  float64 `json:"rating"`
	Active  bool   `json:"active"`
}

// IntakeOrderStatus enumerates IntakeOrder lifecycle states.
type IntakeOrderStatus string

const (
	IntakeOrdered           IntakeOrderStatus = "ORDERED"
	IntakePartiallyReceived IntakeOrderStatus = "PARTIALLY_RECEIVED"
	IntakeReceived          IntakeOrderStatus = "RECEIVED"
	IntakeCancelled         IntakeOrderStatus = "CANCELLED"
)

// IntakeOrder is a planned receipt of stock from a supplier.
type IntakeOrder struct {
	ID               int64             `json:"id"`
	SupplierID       int64             `json:"supplier_id"`
	Status           IntakeOrderStatus `json:"status"`
	OrderDate        int64             `json:"order_date"`
	ExpectedDelivery int64             `json:"expected_delivery"`
}

// IntakeItem is one line item of an IntakeOrder.
type IntakeItem struct {
	ID                 int64   `json:"id"`
	OrderID            int64   `json:"order_id"`
	WineID             int64   `json:"wine_id"`
	VintageID          int64   `json:"vintage_id"`
	ExpectedQuantity   int     `json:"expected_quantity"`
	OutstandingQuantity int    `json:"outstanding_quantity"`
	UnitCost           float64 `json:"unit_cost"`
	Location           string  `json:"location"`
}

// WineSelection is one entry in a PairingRecommendation's ordered list.
type WineSelection struct {
	VintageID  int64   `json:"vintage_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// PairingProvider enumerates which pipeline stage produced a recommendation.
type PairingProvider string

const (
	ProviderPrimaryAI   PairingProvider = "primary_ai"
	ProviderSecondaryAI PairingProvider = "secondary_ai"
	ProviderHeuristic   PairingProvider = "heuristic"
)

// PairingRecommendation is a produced pairing. Retention policy: 90 days.
type PairingRecommendation struct {
	ID             int64           `json:"id"`
	Fingerprint    string          `json:"fingerprint"`
	Dish           string          `json:"dish"`
	Context        json.RawMessage `json:"context"`
	WineSelections []WineSelection `json:"wine_selections"`
	Provider       PairingProvider `json:"provider"`
	CreatedAt      int64           `json:"created_at"`
}

// PairingFeedback is a user rating of a recommendation.
type PairingFeedback struct {
	ID               int64  `json:"id"`
	RecommendationID int64  `json:"recommendation_id"`
	Overall          *int   `json:"overall,omitempty"`
	FlavorHarmony    *int   `json:"flavor_harmony,omitempty"`
	TextureBalance   *int   `json:"texture_balance,omitempty"`
	AcidityMatch     *int   `json:"acidity_match,omitempty"`
	TanninBalance    *int   `json:"tannin_balance,omitempty"`
	BodyMatch        *int   `json:"body_match,omitempty"`
	RegionalTradition *int  `json:"regional_tradition,omitempty"`
	Selected         bool   `json:"selected"`
	TimeToSelectMs   int64  `json:"time_to_select_ms"`
	Notes            string `json:"notes"`
}

// WeatherVintage is a cached meteorological derivation for (region, year).
type WeatherVintage struct {
	RegionNormalized    string  `json:"region_normalized"`
	Year                int     `json:"year"`
	GDD                 float64 `json:"gdd"`
	HuglinIndex         float64 `json:"huglin_index"`
	DiurnalRange        float64 `json:"diurnal_range"`
	HeatwaveDays        int     `json:"heatwave_days"`
	FrostDays           int     `json:"frost_days"`
	PrecipitationTotal  float64 `json:"precipitation_total"`
	WetDayCount         int     `json:"wet_day_count"`
	RipenessScore       float64 `json:"ripeness_score"`
	AcidityScore        float64 `json:"acidity_score"`
	TanninScore         float64 `json:"tannin_score"`
	DiseasePressureScore float64 `json:"disease_pressure_score"`
	OverallScore        float64 `json:"overall_score"`
	Confidence          float64 `json:"confidence"`
	RetrievedAt         int64   `json:"retrieved_at"`
}

// Immutable reports whether this entry may no longer be recomputed, per
// the confidence-gated refresh policy.
func (w WeatherVintage) Immutable() bool {
	return w.Confidence >= 0.8
}
