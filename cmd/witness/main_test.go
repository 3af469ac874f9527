package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"pkd/pkg/peers"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeWitnessDB struct {
	queries []string
}

func (f *fakeWitnessDB) Close() {}

func (f *fakeWitnessDB) Begin(ctx context.Context) (peers.Tx, error) {
	return nil, errors.New("unexpected begin")
}

func (f *fakeWitnessDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("unexpected exec: " + sql)
}

func (f *fakeWitnessDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, sql)
	if strings.Contains(sql, "FROM pkd_peers") {
		return emptyRows{}, nil
	}
	return nil, errors.New("unexpected query: " + sql)
}

func (f *fakeWitnessDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return errRow{}
}

type errRow struct{}

func (errRow) Scan(dest ...any) error { return pgx.ErrNoRows }

type emptyRows struct{}

func (emptyRows) Close()                                       {}
func (emptyRows) Err() error                                   { return nil }
func (emptyRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (emptyRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (emptyRows) Next() bool                                   { return false }
func (emptyRows) Scan(dest ...any) error                       { return nil }
func (emptyRows) Values() ([]any, error)                       { return nil, nil }
func (emptyRows) RawValues() [][]byte                          { return nil }
func (emptyRows) Conn() *pgx.Conn                              { return nil }

func noopTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func testSeedHex() string {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	return hex.EncodeToString(seed)
}

func TestRunCompletesWithNoPeers(t *testing.T) {
	t.Setenv("PKD_SIGNING_KEY", testSeedHex())
	t.Setenv("PKD_HOSTNAME", "keys.example.com")

	db := &fakeWitnessDB{}
	err := run(noopTelemetry, func(ctx context.Context) (witnessDBCloser, error) { return db, nil })
	if err != nil {
		t.Fatalf("unexpected run error: %+v", err)
	}
	if len(db.queries) != 1 || !strings.Contains(db.queries[0], "replicate") {
		t.Fatalf("expected one replicating-peer listing, got %+v", db.queries)
	}
}

func TestRunRequiresSigningKey(t *testing.T) {
	t.Setenv("PKD_SIGNING_KEY", "")
	t.Setenv("PKD_HOSTNAME", "keys.example.com")

	err := run(noopTelemetry, func(ctx context.Context) (witnessDBCloser, error) { return &fakeWitnessDB{}, nil })
	if err == nil {
		t.Fatal("expected run to fail without a signing key")
	}
}

func TestRunRequiresHostname(t *testing.T) {
	t.Setenv("PKD_SIGNING_KEY", testSeedHex())
	t.Setenv("PKD_HOSTNAME", "")

	err := run(noopTelemetry, func(ctx context.Context) (witnessDBCloser, error) { return &fakeWitnessDB{}, nil })
	if err == nil {
		t.Fatal("expected run to fail without a hostname")
	}
}

func TestRunSurfacesDBFailure(t *testing.T) {
	t.Setenv("PKD_SIGNING_KEY", testSeedHex())
	t.Setenv("PKD_HOSTNAME", "keys.example.com")

	err := run(noopTelemetry, func(ctx context.Context) (witnessDBCloser, error) {
		return nil, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected run to surface the db failure")
	}
}
