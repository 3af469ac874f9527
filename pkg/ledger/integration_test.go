//go:build integration

package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"pkd/pkg/models"
)

// Run with: go test -tags=integration -timeout 180s ./pkg/ledger/...
func startLedgerPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)

	// The full production schema, so column types are part of what the
	// test exercises.
	migration, err := os.ReadFile(filepath.Join("..", "..", "migrations", "0001_init.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := pool.Exec(ctx, string(migration)); err != nil {
		t.Fatalf("schema setup failed: %v", err)
	}
	return pool
}

func integrationLeaf(t *testing.T, payload string) *models.MerkleLeaf {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	leaf := models.NewMerkleLeaf([]byte(payload), priv)
	return &leaf
}

func TestRowLockerSerializesConcurrentWriters(t *testing.T) {
	pool := startLedgerPostgres(t)
	state := NewMerkleState(NewRowLocker(PoolDB{Pool: pool}), nil)
	ctx := context.Background()

	// Concurrent writers must all land, each on a distinct root.
	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leaf := integrationLeaf(t, `{"writer":`+string(rune('0'+i))+`}`)
			if _, err := state.InsertLeaf(ctx, leaf, nil); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent insert failed: %v", err)
	}

	rows, err := pool.Query(ctx, `SELECT root FROM pkd_merkle_leaves ORDER BY merkleleafid`)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	defer rows.Close()
	seen := map[string]bool{}
	count := 0
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if seen[root] {
			t.Fatalf("duplicate root %s: writers were not serialized", root)
		}
		seen[root] = true
		count++
	}
	if count != writers {
		t.Fatalf("unexpected leaf count: got %d want %d", count, writers)
	}

	var latest string
	if err := pool.QueryRow(ctx,
		`SELECT latestroot FROM pkd_merkle_state WHERE stateid = 1`).Scan(&latest); err != nil {
		t.Fatalf("root read failed: %v", err)
	}
	if !seen[latest] {
		t.Fatalf("latest root %s missing from leaf roots", latest)
	}
}

func TestRowLockerWorkErrorLeavesNoTrace(t *testing.T) {
	pool := startLedgerPostgres(t)
	state := NewMerkleState(NewRowLocker(PoolDB{Pool: pool}), nil)
	ctx := context.Background()

	boom := errors.New("domain rejected")
	_, err := state.InsertLeaf(ctx, integrationLeaf(t, `{}`), func(ctx context.Context, tx Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO pkd_merkle_leaves (root, contents, contenthash, signature, publickeyhash, created)
			 VALUES ('x','x','x','x','x','x')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected work error unmodified, got: %v", err)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM pkd_merkle_leaves`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("rollback leaked %d rows", count)
	}
	var challenge string
	if err := pool.QueryRow(ctx,
		`SELECT lock_challenge FROM pkd_merkle_state WHERE stateid = 1`).Scan(&challenge); err != nil {
		t.Fatalf("challenge read failed: %v", err)
	}
	if challenge != "" {
		t.Fatalf("lock challenge leaked: %q", challenge)
	}
}

func TestChallengeLockerTokenObservableAcrossConnections(t *testing.T) {
	pool := startLedgerPostgres(t)
	state := NewMerkleState(NewChallengeLocker(PoolDB{Pool: pool}), nil)
	ctx := context.Background()

	var during string
	_, err := state.InsertLeaf(ctx, integrationLeaf(t, `{}`), func(ctx context.Context, tx Tx) error {
		// Read from a separate pool connection, outside the work tx.
		return pool.QueryRow(ctx,
			`SELECT lock_challenge FROM pkd_merkle_state WHERE stateid = 1`).Scan(&during)
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if during == "" {
		t.Fatal("lock token not observable from another connection while held")
	}

	var after string
	if err := pool.QueryRow(ctx,
		`SELECT lock_challenge FROM pkd_merkle_state WHERE stateid = 1`).Scan(&after); err != nil {
		t.Fatalf("challenge read failed: %v", err)
	}
	if after != "" {
		t.Fatalf("lock token not released: %q", after)
	}
}
