package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"pkd/pkg/peers"
	"pkd/pkg/store"
	"pkd/pkg/telemetry"
	"pkd/pkg/witness"

	"github.com/jackc/pgx/v5/pgxpool"
)

type witnessDBCloser interface {
	peers.DB
	Close()
}

// poolHandle narrows pgxpool's Begin to the peers Tx interface.
type poolHandle struct{ *pgxpool.Pool }

func (p poolHandle) Begin(ctx context.Context) (peers.Tx, error) { return p.Pool.Begin(ctx) }

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (witnessDBCloser, error) {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, err
		}
		return poolHandle{pool}, nil
	}
)

func main() {
	if err := run(initTelemetryFn, openDBFn); err != nil {
		logFatalf("witness: %v", err)
	}
}

// run executes one witnessing pass over every replicating peer and
// exits. Scheduling is the operator's concern; a cron or systemd timer
// invokes the binary.
func run(initTelemetry initTelemetryFunc, openDB func(ctx context.Context) (witnessDBCloser, error)) error {
	timeout := time.Second * time.Duration(envInt("WITNESS_TIMEOUT_SEC", 300))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdown, err := initTelemetry(ctx, "pkd-witness")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	key, err := parseSigningKey(os.Getenv("PKD_SIGNING_KEY"))
	if err != nil {
		return err
	}
	hostname := strings.ToLower(strings.TrimSpace(os.Getenv("PKD_HOSTNAME")))
	if hostname == "" {
		return errors.New("PKD_HOSTNAME required")
	}

	client := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Second * time.Duration(envInt("WITNESS_HTTP_TIMEOUT_SEC", 30)),
	})
	w := witness.New(peers.NewStore(pool), client, key, hostname)

	log.Printf("witness pass starting as %s", hostname)
	w.Run(ctx)
	return ctx.Err()
}

func parseSigningKey(raw string) (ed25519.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("PKD_SIGNING_KEY required")
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("PKD_SIGNING_KEY: %w", err)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("PKD_SIGNING_KEY: unexpected length %d", len(b))
	}
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
