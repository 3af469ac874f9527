// Package keywrap manages the sealed symmetric-key bundles attached to
// ledger leaves, and their rewrap for trusted replica peers.
package keywrap

import (
	"context"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pkd/pkg/hpke"
	"pkd/pkg/models"
	"pkd/pkg/pkderr"
	"pkd/pkg/store"
)

const rewrapCacheTTL = 12 * time.Hour

// DB is the slice of pgx needed by the rewrap table.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PeerSource yields the peers that receive rewrapped keys.
type PeerSource interface {
	RewrapTargets(ctx context.Context) ([]models.Peer, error)
}

// Wrapper seals key maps to the server's own encapsulation key and
// rewraps them per peer. Priv is the server's decapsulation key; every
// self-addressed wrap can be opened with it later.
type Wrapper struct {
	Priv  *ecdh.PrivateKey
	Pub   *ecdh.PublicKey
	DB    DB
	Peers PeerSource
	Cache store.Cache
}

func NewWrapper(priv *ecdh.PrivateKey, db DB, peers PeerSource, cache store.Cache) *Wrapper {
	return &Wrapper{Priv: priv, Pub: priv.PublicKey(), DB: db, Peers: peers, Cache: cache}
}

// WrapSymmetricKeys seals the serialized key map under the server's own
// encapsulation key, hex-encoded for leaf storage.
func (w *Wrapper) WrapSymmetricKeys(keyMap models.AttributeKeyMap) (string, error) {
	raw, err := keyMap.Serialize()
	if err != nil {
		return "", &pkderr.CryptoError{Op: "serialize key map", Err: err}
	}
	sealed, err := hpke.Seal(w.Pub, raw)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sealed), nil
}

// Open unseals an HPKE envelope addressed to this server, such as an
// encrypted protocol request body.
func (w *Wrapper) Open(sealed []byte) ([]byte, error) {
	return hpke.Open(w.Priv, sealed)
}

// Unwrap opens a self-addressed wrap back into the key map.
func (w *Wrapper) Unwrap(wrapped string) (models.AttributeKeyMap, error) {
	sealed, err := hex.DecodeString(wrapped)
	if err != nil {
		return nil, &pkderr.CryptoError{Op: "decode wrapped keys", Err: err}
	}
	raw, err := hpke.Open(w.Priv, sealed)
	if err != nil {
		return nil, err
	}
	keyMap, err := models.ParseAttributeKeyMap(raw)
	if err != nil {
		return nil, &pkderr.CryptoError{Op: "parse key map", Err: err}
	}
	return keyMap, nil
}

// RewrapSymmetricKeys seals each attribute key of the leaf identified by
// merkleRoot for every rewrap-flagged peer, one row per (peer, leaf,
// attribute). Each peer's copy is sealed uniquely to that peer's
// encapsulation key; the plaintext key never leaves this process.
//
// A nil keyMap is recovered from the leaf's own wrapped bundle.
func (w *Wrapper) RewrapSymmetricKeys(ctx context.Context, merkleRoot string, keyMap models.AttributeKeyMap) error {
	var leafID int64
	var wrapped *string
	err := w.DB.QueryRow(ctx,
		`SELECT merkleleafid, wrappedkeys FROM pkd_merkle_leaves WHERE root = $1`,
		merkleRoot).Scan(&leafID, &wrapped)
	if err != nil {
		return &pkderr.TableError{Table: "pkd_merkle_leaves", Op: "resolve root", Err: err}
	}
	if keyMap == nil {
		if wrapped == nil || *wrapped == "" {
			return nil // nothing to rewrap
		}
		keyMap, err = w.Unwrap(*wrapped)
		if err != nil {
			return err
		}
	}

	targets, err := w.Peers.RewrapTargets(ctx)
	if err != nil {
		return err
	}
	for _, peer := range targets {
		peerKey, err := hpke.ParsePublicKey(peer.WrapKey)
		if err != nil {
			return err
		}
		for name, key := range keyMap {
			sealed, err := hpke.Seal(peerKey, key)
			if err != nil {
				return err
			}
			if _, err := w.DB.Exec(ctx,
				`INSERT INTO pkd_merkle_leaf_rewrapped_keys (leaf, peer, pkdattrname, rewrapped)
				 VALUES ($1,$2,$3,$4)
				 ON CONFLICT (leaf, peer, pkdattrname) DO UPDATE SET rewrapped = $4`,
				leafID, peer.PrimaryKey, name, hex.EncodeToString(sealed)); err != nil {
				return &pkderr.TableError{Table: "pkd_merkle_leaf_rewrapped_keys", Op: "insert", Err: err}
			}
		}
	}
	return nil
}

// RewrapEntry is one sealed attribute key addressed to one peer.
type RewrapEntry struct {
	Peer      string `json:"peer"`
	Attribute string `json:"attribute"`
	Rewrapped string `json:"rewrapped"`
}

// Decrypted bundles a leaf's recovered key map with the per-peer rewrap
// table, the unit the cache stores.
type Decrypted struct {
	Keys     map[string]string `json:"keys"` // attribute -> hex key
	Rewraps  []RewrapEntry     `json:"rewraps"`
	CachedAt string            `json:"cached-at"`
}

// DecryptAndGetRewrapped opens the leaf's wrapped bundle and returns it
// together with every persisted per-peer rewrap. Results are cached for
// 12 hours keyed by root and bundle digest, so repeated reads of
// historical content skip the asymmetric open.
func (w *Wrapper) DecryptAndGetRewrapped(ctx context.Context, merkleRoot, wrappedKeys string) (*Decrypted, error) {
	digest := sha256.Sum256([]byte(wrappedKeys))
	cacheKey := "pkd:rewrap:" + merkleRoot + ":" + hex.EncodeToString(digest[:8])
	if w.Cache != nil {
		if cached, err := w.Cache.Get(ctx, cacheKey); err == nil {
			var out Decrypted
			if json.Unmarshal([]byte(cached), &out) == nil {
				return &out, nil
			}
		}
	}

	keyMap, err := w.Unwrap(wrappedKeys)
	if err != nil {
		return nil, err
	}
	out := &Decrypted{
		Keys:     map[string]string{},
		CachedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for name, key := range keyMap {
		out.Keys[name] = hex.EncodeToString(key)
	}

	rows, err := w.DB.Query(ctx,
		`SELECT p.hostname, r.pkdattrname, r.rewrapped
		 FROM pkd_merkle_leaf_rewrapped_keys r
		 JOIN pkd_merkle_leaves l ON l.merkleleafid = r.leaf
		 JOIN pkd_peers p ON p.peerid = r.peer
		 WHERE l.root = $1 ORDER BY r.peer, r.pkdattrname`, merkleRoot)
	if err != nil {
		return nil, &pkderr.TableError{Table: "pkd_merkle_leaf_rewrapped_keys", Op: "select", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var e RewrapEntry
		if err := rows.Scan(&e.Peer, &e.Attribute, &e.Rewrapped); err != nil {
			return nil, &pkderr.TableError{Table: "pkd_merkle_leaf_rewrapped_keys", Op: "scan", Err: err}
		}
		out.Rewraps = append(out.Rewraps, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &pkderr.TableError{Table: "pkd_merkle_leaf_rewrapped_keys", Op: "iterate", Err: err}
	}

	if w.Cache != nil {
		if raw, err := json.Marshal(out); err == nil {
			_ = w.Cache.Set(ctx, cacheKey, string(raw), rewrapCacheTTL)
		}
	}
	return out, nil
}
