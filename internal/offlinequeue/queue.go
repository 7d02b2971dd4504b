// Package offlinequeue is a server-side simulator of the client's durable
// mutation queue, existing purely to exercise internal/sync in tests:
// a durable FIFO queue keyed by insertion order, replace-on-enqueue by
// op_id, per-(vintage,location) single-flight drain, exponential backoff,
// and a dead-letter store for records that exhaust their retry budget.
package offlinequeue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/thijssvd/sommos/internal/domain"
)

// Record is one queued mutation, mirroring the client-side OfflineQueue
// contract: an HTTP-shaped request plus its sync envelope.
type Record struct {
	OpID          string            `msgpack:"op_id"`
	Endpoint      string            `msgpack:"endpoint"`
	Method        string            `msgpack:"method"`
	Headers       map[string]string `msgpack:"headers"`
	Body          []byte            `msgpack:"body"`
	SyncUpdatedAt int64             `msgpack:"sync_updated_at"`
	SyncOrigin    string            `msgpack:"sync_origin"`
}

// Options configures backoff and retry behavior.
type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	return o
}

// Queue is the durable, ordered mutation queue. Concurrent Drain calls
// never process two records sharing a (vintage, location) key at once.
type Queue struct {
	db   *sql.DB
	opts Options

	mu         sync.Mutex
	inFlight   map[string]struct{}
}

// New builds a Queue backed by db.
func New(db *sql.DB, opts Options) *Queue {
	return &Queue{db: db, opts: opts.withDefaults(), inFlight: make(map[string]struct{})}
}

func keyOf(vintageID int64, location string) string {
	return fmt.Sprintf("%d:%s", vintageID, location)
}

// Enqueue appends rec, or replaces the existing record sharing its op_id
// so the latest payload wins and the retry count resets.
func (q *Queue) Enqueue(vintageID int64, location string, rec Record) error {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return domain.NewError(domain.KindInvalidArgument, "failed to encode queue record", err)
	}

	_, err = q.db.Exec(
		`INSERT INTO offline_queue_records (op_id, vintage_id, location, payload, enqueued_at, attempts, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?, 0, 0)
		 ON CONFLICT (op_id) DO UPDATE SET
			vintage_id = excluded.vintage_id,
			location = excluded.location,
			payload = excluded.payload,
			enqueued_at = excluded.enqueued_at,
			attempts = 0,
			next_attempt_at = 0`,
		rec.OpID, vintageID, location, payload, time.Now().Unix(),
	)
	if err != nil {
		return domain.NewError(domain.KindStorage, "failed to enqueue record", err)
	}
	return nil
}

type queuedRow struct {
	id         int64
	opID       string
	vintageID  int64
	location   string
	payload    []byte
	attempts   int
}

// Apply is called once per drained record. A non-nil error counts as a
// failed attempt; nil removes the record from the queue.
type Apply func(ctx context.Context, rec Record) error

// Drain walks the queue in FIFO order, applying each ready record (one
// whose next_attempt_at has elapsed) whose (vintage, location) key is not
// already being processed by a concurrent Drain call. It returns the
// number of records applied successfully.
func (q *Queue) Drain(ctx context.Context, apply Apply) (int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, op_id, vintage_id, location, payload, attempts FROM offline_queue_records
		 WHERE next_attempt_at <= ? ORDER BY id ASC`,
		time.Now().Unix(),
	)
	if err != nil {
		return 0, domain.NewError(domain.KindStorage, "failed to list queued records", err)
	}
	var candidates []queuedRow
	for rows.Next() {
		var r queuedRow
		if err := rows.Scan(&r.id, &r.opID, &r.vintageID, &r.location, &r.payload, &r.attempts); err != nil {
			rows.Close()
			return 0, domain.NewError(domain.KindStorage, "failed to scan queued record", err)
		}
		candidates = append(candidates, r)
	}
	rows.Close()

	applied := 0
	for _, c := range candidates {
		key := keyOf(c.vintageID, c.location)
		if !q.tryLock(key) {
			continue
		}

		func() {
			defer q.unlock(key)

			var rec Record
			if err := msgpack.Unmarshal(c.payload, &rec); err != nil {
				q.moveToDeadLetter(c, fmt.Sprintf("corrupt payload: %v", err))
				return
			}

			if err := apply(ctx, rec); err != nil {
				q.recordFailure(c, err)
				return
			}

			if _, err := q.db.ExecContext(ctx, `DELETE FROM offline_queue_records WHERE id = ?`, c.id); err == nil {
				applied++
			}
		}()
	}
	return applied, nil
}

func (q *Queue) tryLock(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inFlight[key]; busy {
		return false
	}
	q.inFlight[key] = struct{}{}
	return true
}

func (q *Queue) unlock(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, key)
}

func (q *Queue) backoff(attempts int) time.Duration {
	d := q.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	return d
}

func (q *Queue) recordFailure(c queuedRow, applyErr error) {
	attempts := c.attempts + 1
	if attempts >= q.opts.MaxAttempts {
		q.moveToDeadLetter(c, applyErr.Error())
		return
	}
	nextAttempt := time.Now().Add(q.backoff(attempts)).Unix()
	_, _ = q.db.Exec(
		`UPDATE offline_queue_records SET attempts = ?, next_attempt_at = ? WHERE id = ?`,
		attempts, nextAttempt, c.id,
	)
}

func (q *Queue) moveToDeadLetter(c queuedRow, reason string) {
	var rec Record
	_ = msgpack.Unmarshal(c.payload, &rec)
	now := time.Now().Unix()

	_ = withTx(q.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO dead_letter_ops (op_id, endpoint, method, body, attempts, last_error, enqueued_at, failed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (op_id) DO UPDATE SET attempts = excluded.attempts, last_error = excluded.last_error, failed_at = excluded.failed_at`,
			c.opID, rec.Endpoint, rec.Method, string(rec.Body), c.attempts+1, reason, now, now,
		); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM offline_queue_records WHERE id = ?`, c.id)
		return err
	})
}

func withTx(db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Size returns the number of records currently queued.
func (q *Queue) Size() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM offline_queue_records`).Scan(&n)
	if err != nil {
		return 0, domain.NewError(domain.KindStorage, "failed to count queued records", err)
	}
	return n, nil
}
