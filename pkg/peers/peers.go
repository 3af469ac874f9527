// Package peers persists replication partners and the locally maintained
// shadow copy of each partner's tree.
package peers

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pkd/pkg/models"
	"pkd/pkg/pkderr"
)

// ErrNotFound reports a lookup for a peer that is not registered.
var ErrNotFound = errors.New("peer not found")

// Tx is the slice of pgx.Tx needed for locked per-peer updates.
type Tx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type DB interface {
	Begin(ctx context.Context) (Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PoolDB adapts a pgx pool to the narrow DB interface.
type PoolDB struct{ Pool *pgxpool.Pool }

func (p PoolDB) Begin(ctx context.Context) (Tx, error) {
	return p.Pool.Begin(ctx)
}

func (p PoolDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return p.Pool.Exec(ctx, sql, arguments...)
}

func (p PoolDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.Pool.Query(ctx, sql, args...)
}

func (p PoolDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.Pool.QueryRow(ctx, sql, args...)
}

type Store struct {
	DB DB
}

func NewStore(db DB) *Store { return &Store{DB: db} }

const peerColumns = `peerid, uniqueid, hostname, publickey, treestate, latestroot,
	rewrap, cosign, replicate, wrapkey, created, modified`

// Create registers a peer. A missing UniqueID is assigned.
func (s *Store) Create(ctx context.Context, p *models.Peer) error {
	if p.UniqueID == "" {
		p.UniqueID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.Created = now
	p.Modified = now
	err := s.DB.QueryRow(ctx,
		`INSERT INTO pkd_peers
		 (uniqueid, hostname, publickey, treestate, latestroot, rewrap, cosign, replicate, wrapkey, created, modified)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 RETURNING peerid`,
		p.UniqueID, p.Hostname, []byte(p.PublicKey), p.TreeState, p.LatestRoot,
		p.Rewrap, p.Cosign, p.Replicate, p.WrapKey, p.Created, p.Modified,
	).Scan(&p.PrimaryKey)
	if err != nil {
		return &pkderr.TableError{Table: "pkd_peers", Op: "insert", Err: err}
	}
	return nil
}

func scanPeer(row pgx.Row) (*models.Peer, error) {
	var p models.Peer
	var pub []byte
	err := row.Scan(&p.PrimaryKey, &p.UniqueID, &p.Hostname, &pub, &p.TreeState,
		&p.LatestRoot, &p.Rewrap, &p.Cosign, &p.Replicate, &p.WrapKey, &p.Created, &p.Modified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &pkderr.TableError{Table: "pkd_peers", Op: "scan", Err: err}
	}
	p.PublicKey = pub
	return &p, nil
}

func (s *Store) GetByHostname(ctx context.Context, hostname string) (*models.Peer, error) {
	return scanPeer(s.DB.QueryRow(ctx,
		`SELECT `+peerColumns+` FROM pkd_peers WHERE hostname = $1`, hostname))
}

func (s *Store) GetByUniqueID(ctx context.Context, id string) (*models.Peer, error) {
	return scanPeer(s.DB.QueryRow(ctx,
		`SELECT `+peerColumns+` FROM pkd_peers WHERE uniqueid = $1`, id))
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]models.Peer, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT `+peerColumns+` FROM pkd_peers `+where+` ORDER BY peerid`, args...)
	if err != nil {
		return nil, &pkderr.TableError{Table: "pkd_peers", Op: "select", Err: err}
	}
	defer rows.Close()
	var out []models.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, &pkderr.TableError{Table: "pkd_peers", Op: "iterate", Err: err}
	}
	return out, nil
}

func (s *Store) List(ctx context.Context) ([]models.Peer, error) {
	return s.list(ctx, "")
}

// Replicating returns the peers whose history this node pulls.
func (s *Store) Replicating(ctx context.Context) ([]models.Peer, error) {
	return s.list(ctx, "WHERE replicate")
}

// RewrapTargets returns the peers that receive rewrapped symmetric keys.
// Only peers with a wrap key can be targets.
func (s *Store) RewrapTargets(ctx context.Context) ([]models.Peer, error) {
	return s.list(ctx, "WHERE rewrap AND wrapkey IS NOT NULL")
}

// SetFlags updates the replication role flags of a peer.
func (s *Store) SetFlags(ctx context.Context, peerID int64, rewrap, cosign, replicate bool) error {
	tag, err := s.DB.Exec(ctx,
		`UPDATE pkd_peers SET rewrap = $2, cosign = $3, replicate = $4, modified = now()
		 WHERE peerid = $1`,
		peerID, rewrap, cosign, replicate)
	if err != nil {
		return &pkderr.TableError{Table: "pkd_peers", Op: "set flags", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// WithPeerLock runs fn holding the peer's row lock, in one transaction.
// The shadow tree of a peer only changes under this lock; the global
// ledger lock is a separate resource and is never held at the same time.
func (s *Store) WithPeerLock(ctx context.Context, peerID int64, fn func(ctx context.Context, tx Tx, p *models.Peer) error) (err error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return &pkderr.TableError{Table: "pkd_peers", Op: "begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	p, err := scanPeer(tx.QueryRow(ctx,
		`SELECT `+peerColumns+` FROM pkd_peers WHERE peerid = $1 FOR UPDATE`, peerID))
	if err != nil {
		return err
	}
	if err := fn(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &pkderr.TableError{Table: "pkd_peers", Op: "commit", Err: err}
	}
	committed = true
	return nil
}

// SaveTreeState writes a peer's shadow tree inside a WithPeerLock
// transaction.
func SaveTreeState(ctx context.Context, tx Tx, p *models.Peer) error {
	if _, err := tx.Exec(ctx,
		`UPDATE pkd_peers SET treestate = $2, latestroot = $3, modified = now()
		 WHERE peerid = $1`,
		p.PrimaryKey, p.TreeState, p.LatestRoot); err != nil {
		return &pkderr.TableError{Table: "pkd_peers", Op: "save tree", Err: err}
	}
	return nil
}

// SaveCosignature records an attestation received from a witness over
// one of this node's roots.
func (s *Store) SaveCosignature(ctx context.Context, peerID int64, c models.Cosignature) error {
	if _, err := s.DB.Exec(ctx,
		`INSERT INTO pkd_cosignatures (peerid, root, cosigned, signedat, created)
		 VALUES ($1,$2,$3,$4,now())
		 ON CONFLICT (peerid, root) DO UPDATE SET cosigned = $3, signedat = $4`,
		peerID, c.Root, c.Cosigned, c.Timestamp); err != nil {
		return &pkderr.TableError{Table: "pkd_cosignatures", Op: "insert", Err: err}
	}
	return nil
}

// CosignaturesForRoot lists the attestations collected for a root.
func (s *Store) CosignaturesForRoot(ctx context.Context, root string) ([]models.Cosignature, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT p.hostname, c.root, c.cosigned, c.signedat
		 FROM pkd_cosignatures c JOIN pkd_peers p ON p.peerid = c.peerid
		 WHERE c.root = $1 ORDER BY c.cosignatureid`, root)
	if err != nil {
		return nil, &pkderr.TableError{Table: "pkd_cosignatures", Op: "select", Err: err}
	}
	defer rows.Close()
	var out []models.Cosignature
	for rows.Next() {
		var c models.Cosignature
		if err := rows.Scan(&c.Witness, &c.Root, &c.Cosigned, &c.Timestamp); err != nil {
			return nil, &pkderr.TableError{Table: "pkd_cosignatures", Op: "scan", Err: err}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &pkderr.TableError{Table: "pkd_cosignatures", Op: "iterate", Err: err}
	}
	return out, nil
}
