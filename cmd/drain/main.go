package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"pkd/pkg/hpke"
	"pkd/pkg/keywrap"
	"pkd/pkg/ledger"
	"pkd/pkg/peers"
	"pkd/pkg/pkderr"
	"pkd/pkg/protocol"
	"pkd/pkg/queue"
	"pkd/pkg/store"
	"pkd/pkg/stream"
	"pkd/pkg/telemetry"
	"pkd/pkg/webfinger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// drainDB is the pool slice the drain needs: queue reads and writes,
// plus ledger transactions for routed actions.
type drainDB interface {
	Begin(ctx context.Context) (ledger.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type drainDBCloser interface {
	drainDB
	Close()
}

type poolHandle struct{ *pgxpool.Pool }

func (p poolHandle) Begin(ctx context.Context) (ledger.Tx, error) { return p.Pool.Begin(ctx) }

type peersDBAdapter struct{ db drainDB }

func (a peersDBAdapter) Begin(ctx context.Context) (peers.Tx, error) { return a.db.Begin(ctx) }
func (a peersDBAdapter) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return a.db.Exec(ctx, sql, arguments...)
}
func (a peersDBAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.db.Query(ctx, sql, args...)
}
func (a peersDBAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.db.QueryRow(ctx, sql, args...)
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (drainDBCloser, error) {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, err
		}
		return poolHandle{pool}, nil
	}
	newConsumerFn = func(cfg queue.KafkaConfig) (queue.Consumer, error) {
		return queue.NewKafkaConsumer(cfg)
	}
)

func main() {
	if err := run(initTelemetryFn, openDBFn, newConsumerFn); err != nil {
		logFatalf("drain: %v", err)
	}
}

// run performs one drain pass: optionally tail the intake topic into
// the queue table for a bounded window, then route one batch of queued
// messages through the protocol.
func run(initTelemetry initTelemetryFunc, openDB func(ctx context.Context) (drainDBCloser, error),
	newConsumer func(cfg queue.KafkaConfig) (queue.Consumer, error)) error {
	timeout := time.Second * time.Duration(envInt("DRAIN_TIMEOUT_SEC", 300))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdown, err := initTelemetry(ctx, "pkd-drain")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	proto, err := buildProtocol(pool)
	if err != nil {
		return err
	}
	qstore := queue.NewStore(pool)

	if brokers := strings.TrimSpace(os.Getenv("PKD_KAFKA_BROKERS")); brokers != "" {
		if err := intake(ctx, newConsumer, qstore, brokers); err != nil {
			return err
		}
	}

	d := &queue.Drain{
		Store:     qstore,
		Process:   processorFor(proto),
		BatchSize: envInt("DRAIN_BATCH_SIZE", 100),
	}
	n, err := d.Run(ctx)
	log.Printf("drain pass consumed %d messages", n)
	return err
}

func buildProtocol(pool drainDB) (*protocol.Protocol, error) {
	key, err := parseSigningKey(os.Getenv("PKD_SIGNING_KEY"))
	if err != nil {
		return nil, err
	}
	hpkeRaw, err := hex.DecodeString(strings.TrimSpace(os.Getenv("PKD_HPKE_KEY")))
	if err != nil || len(hpkeRaw) == 0 {
		return nil, errors.New("PKD_HPKE_KEY required")
	}
	hpkeKey, err := hpke.ParsePrivateKey(hpkeRaw)
	if err != nil {
		return nil, fmt.Errorf("PKD_HPKE_KEY: %w", err)
	}

	// A drain pass is short-lived; caches are warm only within the run.
	cache := store.NewMemoryCache()
	peerStore := peers.NewStore(peersDBAdapter{db: pool})
	wrapper := keywrap.NewWrapper(hpkeKey, pool, peerStore, cache)
	resolver := webfinger.NewResolver(telemetry.InstrumentClient(&http.Client{
		Timeout: time.Second * time.Duration(envInt("WEBFINGER_TIMEOUT_SEC", 3)),
	}), cache)

	locker := ledger.NewRowLocker(pool)
	merkleState := ledger.NewMerkleState(locker, stream.NewHub())
	return protocol.New(merkleState, pool, resolver, wrapper, key), nil
}

// processorFor routes a queued message the same way the HTTP surface
// would: JSON bodies are plaintext actions, everything else is a sealed
// envelope. Messages that cannot even be unsealed are permanently
// invalid and must not wedge the queue.
func processorFor(proto *protocol.Protocol) func(ctx context.Context, message []byte) error {
	return func(ctx context.Context, message []byte) error {
		var err error
		if json.Valid(message) {
			_, err = proto.RoutePlaintextAction(ctx, message, "")
		} else {
			_, err = proto.RouteEncryptedAction(ctx, message, "")
			var ce *pkderr.CryptoError
			if errors.As(err, &ce) {
				return pkderr.Protocolf("discarding sealed message: %v", err)
			}
		}
		return err
	}
}

func intake(ctx context.Context, newConsumer func(cfg queue.KafkaConfig) (queue.Consumer, error),
	qstore *queue.Store, brokers string) error {
	consumer, err := newConsumer(queue.KafkaConfig{
		Brokers: strings.Split(brokers, ","),
		Topic:   os.Getenv("PKD_KAFKA_TOPIC"),
		GroupID: env("PKD_KAFKA_GROUP", "pkd-drain"),
	})
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	defer consumer.Close()

	window := time.Second * time.Duration(envInt("DRAIN_INTAKE_SEC", 30))
	intakeCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	return queue.Intake(intakeCtx, consumer, qstore)
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

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
