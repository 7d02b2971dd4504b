// Package experiment implements ExperimentAllocator: deterministic,
// sticky variant assignment for A/B-style experiments, with outcomes
// recorded through the same narrow Publisher interface InventoryManager
// uses so this package never imports internal/realtime.
package experiment

import (
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/thijssvd/sommos/internal/domain"
	"github.com/thijssvd/sommos/internal/events"
)

// Variant names a single arm of an experiment and its share of the
// bucket space. Weights are relative; they need not sum to any
// particular total.
type Variant struct {
	Name   string
	Weight int
}

// Experiment is a named set of variants.
type Experiment struct {
	Name     string
	Variants []Variant
}

func (e Experiment) totalWeight() int {
	total := 0
	for _, v := range e.Variants {
		total += v.Weight
	}
	return total
}

// pick deterministically maps a hash bucket in [0, total) to a variant,
// in declaration order.
func (e Experiment) pick(bucket uint32) string {
	total := e.totalWeight()
	if total <= 0 {
		return ""
	}
	target := int(bucket % uint32(total))
	cursor := 0
	for _, v := range e.Variants {
		cursor += v.Weight
		if target < cursor {
			return v.Name
		}
	}
	return e.Variants[len(e.Variants)-1].Name
}

// Allocator assigns and persists sticky variant assignments, and records
// outcome events.
type Allocator struct {
	db          *sql.DB
	bus         *events.Bus
	realtime    domain.Publisher
	experiments map[string]Experiment
}

// New builds an Allocator over the given experiment definitions, keyed
// by Experiment.Name.
func New(db *sql.DB, bus *events.Bus, realtime domain.Publisher, experiments []Experiment) *Allocator {
	byName := make(map[string]Experiment, len(experiments))
	for _, e := range experiments {
		byName[e.Name] = e
	}
	return &Allocator{db: db, bus: bus, realtime: realtime, experiments: byName}
}

// Assign returns the variant for (experiment, subjectID), deterministically
// picking one on first sight and persisting it so every subsequent call
// for the same subject returns the same variant (sticky assignment).
func (a *Allocator) Assign(experiment, subjectID string) (string, error) {
	var existing string
	err := a.db.QueryRow(
		`SELECT variant FROM experiment_assignments WHERE experiment = ? AND subject_id = ?`,
		experiment, subjectID,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", domain.NewError(domain.KindStorage, "failed to read experiment assignment", err)
	}

	def, ok := a.experiments[experiment]
	if !ok {
		return "", domain.NewError(domain.KindInvalidArgument, "unknown experiment: "+experiment, nil)
	}

	variant := def.pick(bucketHash(experiment, subjectID))

	_, err = a.db.Exec(
		`INSERT INTO experiment_assignments (experiment, subject_id, variant, assigned_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (experiment, subject_id) DO NOTHING`,
		experiment, subjectID, variant, time.Now().Unix(),
	)
	if err != nil {
		return "", domain.NewError(domain.KindStorage, "failed to persist experiment assignment", err)
	}

	// Another goroutine may have raced this insert; re-read to guarantee
	// every caller for this subject converges on one variant.
	var winner string
	if err := a.db.QueryRow(
		`SELECT variant FROM experiment_assignments WHERE experiment = ? AND subject_id = ?`,
		experiment, subjectID,
	).Scan(&winner); err != nil {
		return "", domain.NewError(domain.KindStorage, "failed to read experiment assignment after insert", err)
	}
	return winner, nil
}

// RecordOutcome persists an outcome and publishes it through the bus and
// the realtime publisher.
func (a *Allocator) RecordOutcome(experiment, subjectID, variant, outcome string) error {
	_, err := a.db.Exec(
		`INSERT INTO experiment_outcomes (experiment, subject_id, outcome, recorded_at) VALUES (?, ?, ?, ?)`,
		experiment, subjectID, outcome, time.Now().Unix(),
	)
	if err != nil {
		return domain.NewError(domain.KindStorage, "failed to record experiment outcome", err)
	}

	data := events.ExperimentOutcomeData{
		Experiment: experiment,
		SubjectID:  subjectID,
		Variant:    variant,
		Outcome:    outcome,
	}
	if a.bus != nil {
		a.bus.Emit("experiment", data)
	}
	if a.realtime != nil {
		a.realtime.Publish("experiment_outcomes", string(data.EventType()), data)
	}
	return nil
}

// bucketHash deterministically maps (experiment, subjectID) to a bucket
// with FNV-1a.
func bucketHash(experiment, subjectID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(experiment))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(subjectID))
	return h.Sum32()
}
