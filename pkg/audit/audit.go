package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends one row to pkd_log per handled submission. With Redact
// set, payloads are stripped of credentials before they are stored.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	RequestID string
	Action    string
	ActorHash string
	Root      string
	LeafID    int64
	Outcome   string
	Reason    string
	Payload   json.RawMessage
	CreatedAt time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO pkd_log
		(requestid, action, actorhash, root, leafid, outcome, reason, payload, created)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.RequestID, rec.Action, rec.ActorHash, rec.Root, rec.LeafID, rec.Outcome, rec.Reason, rec.Payload, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, requestID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT requestid, action, actorhash, root, leafid, outcome, reason, payload, created
		FROM pkd_log WHERE requestid=$1
	`, requestID)
	var payload json.RawMessage
	if err := row.Scan(&rec.RequestID, &rec.Action, &rec.ActorHash, &rec.Root, &rec.LeafID, &rec.Outcome, &rec.Reason, &payload, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Payload = payload
	return rec, nil
}
