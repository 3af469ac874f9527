package protocol

import (
	"context"
	"crypto/ed25519"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pkd/pkg/pkderr"
)

// Execer is satisfied by both a pool and an open transaction; actor
// mutations run inside the ledger transaction, reads may use either.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ActorStore persists directory actors, their keys, auxiliary data and
// TOTP enrollment. Actors are keyed by canonical identity.
type ActorStore struct{}

// EnsureActor returns the actor's id, creating the row on first sight.
func (ActorStore) EnsureActor(ctx context.Context, db Execer, canonical string) (int64, error) {
	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO pkd_actors (canonical, fireproof, created, modified)
		 VALUES ($1, FALSE, now(), now())
		 ON CONFLICT (canonical) DO UPDATE SET modified = now()
		 RETURNING actorid`, canonical).Scan(&id)
	if err != nil {
		return 0, &pkderr.TableError{Table: "pkd_actors", Op: "ensure", Err: err}
	}
	return id, nil
}

// LookupActor returns (id, fireproof). A missing actor is not an error;
// found reports existence.
func (ActorStore) LookupActor(ctx context.Context, db Execer, canonical string) (id int64, fireproof bool, found bool, err error) {
	err = db.QueryRow(ctx,
		`SELECT actorid, fireproof FROM pkd_actors WHERE canonical = $1`, canonical).Scan(&id, &fireproof)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, &pkderr.TableError{Table: "pkd_actors", Op: "lookup", Err: err}
	}
	return id, fireproof, true, nil
}

// ActiveKeys returns the actor's unrevoked public keys.
func (ActorStore) ActiveKeys(ctx context.Context, db Execer, canonical string) ([]ed25519.PublicKey, error) {
	rows, err := db.Query(ctx,
		`SELECT k.publickey FROM pkd_actor_keys k
		 JOIN pkd_actors a ON a.actorid = k.actorid
		 WHERE a.canonical = $1 AND NOT k.revoked ORDER BY k.actorkeyid`, canonical)
	if err != nil {
		return nil, &pkderr.TableError{Table: "pkd_actor_keys", Op: "select", Err: err}
	}
	defer rows.Close()
	var keys []ed25519.PublicKey
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, &pkderr.TableError{Table: "pkd_actor_keys", Op: "scan", Err: err}
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, &pkderr.TableError{Table: "pkd_actor_keys", Op: "iterate", Err: err}
	}
	return keys, nil
}

// AddKey registers a public key for the actor. Re-adding an active key
// is a protocol violation.
func (ActorStore) AddKey(ctx context.Context, db Execer, actorID int64, pub ed25519.PublicKey) (string, error) {
	var exists bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pkd_actor_keys WHERE actorid = $1 AND publickey = $2 AND NOT revoked)`,
		actorID, []byte(pub)).Scan(&exists)
	if err != nil {
		return "", &pkderr.TableError{Table: "pkd_actor_keys", Op: "check", Err: err}
	}
	if exists {
		return "", pkderr.Protocolf("key already registered")
	}
	keyID := uuid.NewString()
	if _, err := db.Exec(ctx,
		`INSERT INTO pkd_actor_keys (keyuuid, actorid, publickey, revoked, created)
		 VALUES ($1, $2, $3, FALSE, now())`, keyID, actorID, []byte(pub)); err != nil {
		return "", &pkderr.TableError{Table: "pkd_actor_keys", Op: "insert", Err: err}
	}
	return keyID, nil
}

// RevokeKey marks a key revoked. Revoking an unknown or already revoked
// key is a protocol violation.
func (ActorStore) RevokeKey(ctx context.Context, db Execer, actorID int64, pub ed25519.PublicKey) error {
	tag, err := db.Exec(ctx,
		`UPDATE pkd_actor_keys SET revoked = TRUE
		 WHERE actorid = $1 AND publickey = $2 AND NOT revoked`, actorID, []byte(pub))
	if err != nil {
		return &pkderr.TableError{Table: "pkd_actor_keys", Op: "revoke", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return pkderr.Protocolf("key not found or already revoked")
	}
	return nil
}

// SetFireproof flips the flag that blocks third-party revocation.
func (ActorStore) SetFireproof(ctx context.Context, db Execer, actorID int64, fireproof bool) error {
	tag, err := db.Exec(ctx,
		`UPDATE pkd_actors SET fireproof = $2, modified = now() WHERE actorid = $1`,
		actorID, fireproof)
	if err != nil {
		return &pkderr.TableError{Table: "pkd_actors", Op: "fireproof", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return pkderr.Protocolf("unknown actor")
	}
	return nil
}

// AddAux stores one auxiliary attribute. Content is opaque: for
// encrypted payloads it is ciphertext whose keys live in the leaf's
// wrapped bundle.
func (ActorStore) AddAux(ctx context.Context, db Execer, actorID int64, name, content string) error {
	if _, err := db.Exec(ctx,
		`INSERT INTO pkd_actor_aux (actorid, pkdattrname, content, revoked, created)
		 VALUES ($1, $2, $3, FALSE, now())`, actorID, name, content); err != nil {
		return &pkderr.TableError{Table: "pkd_actor_aux", Op: "insert", Err: err}
	}
	return nil
}

// RevokeAux marks every active attribute of that name revoked.
func (ActorStore) RevokeAux(ctx context.Context, db Execer, actorID int64, name string) error {
	tag, err := db.Exec(ctx,
		`UPDATE pkd_actor_aux SET revoked = TRUE
		 WHERE actorid = $1 AND pkdattrname = $2 AND NOT revoked`, actorID, name)
	if err != nil {
		return &pkderr.TableError{Table: "pkd_actor_aux", Op: "revoke", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return pkderr.Protocolf("aux data %q not found or already revoked", name)
	}
	return nil
}

// TotpSecret returns the actor's enrolled secret, if any.
func (ActorStore) TotpSecret(ctx context.Context, db Execer, canonical string) ([]byte, bool, error) {
	var secret []byte
	err := db.QueryRow(ctx,
		`SELECT t.secret FROM pkd_actor_totp t
		 JOIN pkd_actors a ON a.actorid = t.actorid
		 WHERE a.canonical = $1`, canonical).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &pkderr.TableError{Table: "pkd_actor_totp", Op: "lookup", Err: err}
	}
	return secret, true, nil
}

// TotpEnroll stores the actor's secret; enrolling twice is a protocol
// violation (rotate instead).
func (ActorStore) TotpEnroll(ctx context.Context, db Execer, actorID int64, secret []byte) error {
	tag, err := db.Exec(ctx,
		`INSERT INTO pkd_actor_totp (actorid, secret, enrolled)
		 VALUES ($1, $2, now()) ON CONFLICT (actorid) DO NOTHING`, actorID, secret)
	if err != nil {
		return &pkderr.TableError{Table: "pkd_actor_totp", Op: "enroll", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return pkderr.Protocolf("already enrolled")
	}
	return nil
}

// TotpRotate replaces the enrolled secret.
func (ActorStore) TotpRotate(ctx context.Context, db Execer, actorID int64, secret []byte) error {
	tag, err := db.Exec(ctx,
		`UPDATE pkd_actor_totp SET secret = $2, enrolled = now() WHERE actorid = $1`,
		actorID, secret)
	if err != nil {
		return &pkderr.TableError{Table: "pkd_actor_totp", Op: "rotate", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return pkderr.Protocolf("not enrolled")
	}
	return nil
}

// TotpDisenroll removes the enrollment.
func (ActorStore) TotpDisenroll(ctx context.Context, db Execer, actorID int64) error {
	tag, err := db.Exec(ctx,
		`DELETE FROM pkd_actor_totp WHERE actorid = $1`, actorID)
	if err != nil {
		return &pkderr.TableError{Table: "pkd_actor_totp", Op: "disenroll", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return pkderr.Protocolf("not enrolled")
	}
	return nil
}
