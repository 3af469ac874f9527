// Package queue persists inbound federation messages until the drain
// routes them through the protocol.
package queue

import (
	"context"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pkd/pkg/pkderr"
)

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	DB DB
}

func NewStore(db DB) *Store { return &Store{DB: db} }

// Item is one queued federation message.
type Item struct {
	ID      int64
	Message []byte
}

// Enqueue stores a raw inbound message for later processing.
func (s *Store) Enqueue(ctx context.Context, message []byte) (int64, error) {
	var id int64
	err := s.DB.QueryRow(ctx,
		`INSERT INTO pkd_activitystream_queue (message, processed, successful, created)
		 VALUES ($1, FALSE, FALSE, now()) RETURNING queueid`, message).Scan(&id)
	if err != nil {
		return 0, &pkderr.TableError{Table: "pkd_activitystream_queue", Op: "enqueue", Err: err}
	}
	return id, nil
}

// Pending returns unprocessed messages, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx,
		`SELECT queueid, message FROM pkd_activitystream_queue
		 WHERE NOT processed ORDER BY queueid ASC LIMIT $1`, limit)
	if err != nil {
		return nil, &pkderr.TableError{Table: "pkd_activitystream_queue", Op: "select pending", Err: err}
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Message); err != nil {
			return nil, &pkderr.TableError{Table: "pkd_activitystream_queue", Op: "scan", Err: err}
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, &pkderr.TableError{Table: "pkd_activitystream_queue", Op: "iterate", Err: err}
	}
	return out, nil
}

// MarkProcessed records the outcome of one message.
func (s *Store) MarkProcessed(ctx context.Context, id int64, successful bool) error {
	if _, err := s.DB.Exec(ctx,
		`UPDATE pkd_activitystream_queue SET processed = TRUE, successful = $2
		 WHERE queueid = $1`, id, successful); err != nil {
		return &pkderr.TableError{Table: "pkd_activitystream_queue", Op: "mark", Err: err}
	}
	return nil
}

// Drain routes queued messages through a processor. Validation failures
// consume the message as unsuccessful; retryable failures (ledger
// contention) leave it queued for the next run.
type Drain struct {
	Store     *Store
	Process   func(ctx context.Context, message []byte) error
	BatchSize int
}

// Run drains up to one batch. It returns how many messages were
// consumed (successfully or not).
func (d *Drain) Run(ctx context.Context) (int, error) {
	items, err := d.Store.Pending(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}
	consumed := 0
	for _, it := range items {
		err := d.Process(ctx, it.Message)
		switch {
		case err == nil:
			if err := d.Store.MarkProcessed(ctx, it.ID, true); err != nil {
				return consumed, err
			}
			consumed++
		case pkderr.IsProtocol(err):
			// Permanently invalid; consume so it cannot wedge the queue.
			log.Printf("queue: message %d rejected: %v", it.ID, err)
			if err := d.Store.MarkProcessed(ctx, it.ID, false); err != nil {
				return consumed, err
			}
			consumed++
		default:
			// Retryable or fatal; stop the batch and keep the message.
			return consumed, err
		}
	}
	return consumed, nil
}
