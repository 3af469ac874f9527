// Package ledger owns the append-only Merkle state: the single global
// serialization point for every directory mutation. All writers funnel
// through InsertLeaf, which runs the caller's domain mutation and the
// tree append in one exclusively locked transaction.
package ledger

import (
	"context"
	"encoding/json"

	"pkd/pkg/merkle"
	"pkd/pkg/models"
	"pkd/pkg/pkderr"
	"pkd/pkg/stream"
)

// Work is the caller-supplied domain mutation that must be atomic with
// the leaf append. Its side effects join the ledger transaction; any
// error rolls back both and propagates to the caller unmodified.
type Work func(ctx context.Context, tx Tx) error

// MerkleState drives the ledger tables under a Locker chosen at
// construction.
type MerkleState struct {
	Locker Locker
	Events *stream.Hub
}

func NewMerkleState(locker Locker, events *stream.Hub) *MerkleState {
	return &MerkleState{Locker: locker, Events: events}
}

// InsertLeaf appends leaf to the tree and runs work inside the same
// exclusively locked transaction. It returns true only after a full
// commit; any failure after work ran is reported as an error, never as
// a silent false. Lock exhaustion surfaces as pkderr.ErrConcurrent.
//
// On success the leaf's PrimaryKey and InclusionProof are filled in.
func (s *MerkleState) InsertLeaf(ctx context.Context, leaf *models.MerkleLeaf, work Work) (bool, error) {
	var newRoot string
	err := s.Locker.WithExclusiveLock(ctx, func(ctx context.Context, tx Tx) error {
		if work != nil {
			if err := work(ctx, tx); err != nil {
				return err
			}
		}

		var state []byte
		if err := tx.QueryRow(ctx,
			`SELECT treestate FROM pkd_merkle_state WHERE stateid = 1`).Scan(&state); err != nil {
			return &pkderr.TableError{Table: "pkd_merkle_state", Op: "load tree", Err: err}
		}
		tree, err := merkle.Parse(state)
		if err != nil {
			return err
		}
		newRoot = tree.Append([]byte(leaf.Contents))
		proof, err := tree.LatestProof()
		if err != nil {
			return err
		}
		rawProof, err := json.Marshal(proof)
		if err != nil {
			return err
		}
		leaf.InclusionProof = rawProof

		if err := tx.QueryRow(ctx,
			`INSERT INTO pkd_merkle_leaves
			 (root, contents, contenthash, signature, publickeyhash, inclusionproof, wrappedkeys, created)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			 RETURNING merkleleafid`,
			newRoot, leaf.Contents, leaf.ContentHash, leaf.Signature, leaf.PublicKeyHash,
			leaf.InclusionProof, leaf.WrappedKeys, leaf.Created,
		).Scan(&leaf.PrimaryKey); err != nil {
			return &pkderr.TableError{Table: "pkd_merkle_leaves", Op: "insert", Err: err}
		}

		newState, err := tree.Serialize()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE pkd_merkle_state SET treestate = $1, latestroot = $2 WHERE stateid = 1`,
			newState, newRoot); err != nil {
			return &pkderr.TableError{Table: "pkd_merkle_state", Op: "store tree", Err: err}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent("root.updated", map[string]string{
			"root":        newRoot,
			"contenthash": leaf.ContentHash,
		}))
	}
	return true, nil
}

// LatestRoot reads the current root without taking the write lock.
func LatestRoot(ctx context.Context, tx Tx) (string, error) {
	var root string
	if err := tx.QueryRow(ctx,
		`SELECT latestroot FROM pkd_merkle_state WHERE stateid = 1`).Scan(&root); err != nil {
		return "", &pkderr.TableError{Table: "pkd_merkle_state", Op: "read root", Err: err}
	}
	return root, nil
}

// LeavesSince returns the leaves appended after the leaf whose root was
// sinceRoot, oldest first, capped at limit. An empty sinceRoot returns
// from the beginning of the ledger.
func LeavesSince(ctx context.Context, tx Tx, sinceRoot string, limit int) ([]models.MerkleLeaf, []string, error) {
	var afterID int64
	if sinceRoot != "" {
		if err := tx.QueryRow(ctx,
			`SELECT merkleleafid FROM pkd_merkle_leaves WHERE root = $1`, sinceRoot).Scan(&afterID); err != nil {
			return nil, nil, &pkderr.TableError{Table: "pkd_merkle_leaves", Op: "resolve since root", Err: err}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.Query(ctx,
		`SELECT merkleleafid, root, contents, contenthash, signature, publickeyhash, inclusionproof, wrappedkeys, created
		 FROM pkd_merkle_leaves WHERE merkleleafid > $1 ORDER BY merkleleafid ASC LIMIT $2`,
		afterID, limit)
	if err != nil {
		return nil, nil, &pkderr.TableError{Table: "pkd_merkle_leaves", Op: "select since", Err: err}
	}
	defer rows.Close()

	var leaves []models.MerkleLeaf
	var roots []string
	for rows.Next() {
		var leaf models.MerkleLeaf
		var root string
		var wrapped *string
		if err := rows.Scan(&leaf.PrimaryKey, &root, &leaf.Contents, &leaf.ContentHash,
			&leaf.Signature, &leaf.PublicKeyHash, &leaf.InclusionProof, &wrapped, &leaf.Created); err != nil {
			return nil, nil, &pkderr.TableError{Table: "pkd_merkle_leaves", Op: "scan", Err: err}
		}
		if wrapped != nil {
			leaf.WrappedKeys = *wrapped
		}
		leaves = append(leaves, leaf)
		roots = append(roots, root)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, &pkderr.TableError{Table: "pkd_merkle_leaves", Op: "iterate", Err: err}
	}
	return leaves, roots, nil
}
