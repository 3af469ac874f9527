package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"

	"pkd/pkg/hpke"
	"pkd/pkg/pkderr"

	"github.com/redis/go-redis/v9"
)

func testKeysEnv(t *testing.T) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	priv, _, err := hpke.GenerateKeyPair()
	if err != nil {
		t.Fatalf("unexpected keygen error: %+v", err)
	}
	t.Setenv("PKD_SIGNING_KEY", hex.EncodeToString(seed))
	t.Setenv("PKD_HPKE_KEY", hex.EncodeToString(priv.Bytes()))
	t.Setenv("PKD_HOSTNAME", "keys.example.com")
	t.Setenv("ENVIRONMENT", "dev")
	t.Setenv("REDIS_ADDR", "")
}

func noopTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func fakeOpenDB(ctx context.Context) (pkdDBCloser, error) {
	return &fakeServerDB{}, nil
}

func noRedis(ctx context.Context) (*redis.Client, error) {
	return nil, errors.New("redis not configured")
}

func TestRunWiresServer(t *testing.T) {
	testKeysEnv(t)

	var captured *http.Server
	listen := func(server *http.Server) error {
		captured = server
		return nil
	}
	if err := run(noopTelemetry, fakeOpenDB, noRedis, listen); err != nil {
		t.Fatalf("unexpected run error: %+v", err)
	}
	if captured == nil || captured.Handler == nil {
		t.Fatal("expected a configured http server")
	}
	if captured.Addr != ":8080" {
		t.Fatalf("unexpected listen address: %q", captured.Addr)
	}
}

func TestRunRequiresSigningKey(t *testing.T) {
	testKeysEnv(t)
	t.Setenv("PKD_SIGNING_KEY", "")

	err := run(noopTelemetry, fakeOpenDB, noRedis, func(server *http.Server) error { return nil })
	if err == nil {
		t.Fatal("expected run to fail without a signing key")
	}
}

func TestRunRequiresHostname(t *testing.T) {
	testKeysEnv(t)
	t.Setenv("PKD_HOSTNAME", "")

	err := run(noopTelemetry, fakeOpenDB, noRedis, func(server *http.Server) error { return nil })
	if err == nil {
		t.Fatal("expected run to fail without a hostname")
	}
}

func TestRunRejectsUnknownLocker(t *testing.T) {
	testKeysEnv(t)
	t.Setenv("PKD_LOCKER", "spinlock")

	err := run(noopTelemetry, fakeOpenDB, noRedis, func(server *http.Server) error { return nil })
	if !errors.Is(err, pkderr.ErrNotImplemented) {
		t.Fatalf("unexpected error for unknown locker: %+v", err)
	}
}

func TestRunSurfacesDBFailure(t *testing.T) {
	testKeysEnv(t)

	openDB := func(ctx context.Context) (pkdDBCloser, error) {
		return nil, errors.New("connection refused")
	}
	err := run(noopTelemetry, openDB, noRedis, func(server *http.Server) error { return nil })
	if err == nil {
		t.Fatal("expected run to surface the db failure")
	}
}

func TestParseSigningKey(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	key, err := parseSigningKey(hex.EncodeToString(seed))
	if err != nil {
		t.Fatalf("unexpected seed parse error: %+v", err)
	}
	if len(key) != ed25519.PrivateKeySize {
		t.Fatalf("unexpected key length: %d", len(key))
	}

	full := make([]byte, ed25519.PrivateKeySize)
	copy(full, key)
	if _, err := parseSigningKey(hex.EncodeToString(full)); err != nil {
		t.Fatalf("unexpected full-key parse error: %+v", err)
	}

	if _, err := parseSigningKey(""); err == nil {
		t.Fatal("expected empty key to fail")
	}
	if _, err := parseSigningKey("zz"); err == nil {
		t.Fatal("expected bad hex to fail")
	}
	if _, err := parseSigningKey("abcd"); err == nil {
		t.Fatal("expected short key to fail")
	}
}

func TestParseCIDRs(t *testing.T) {
	got := parseCIDRs("10.0.0.0/8, 192.0.2.1, 2001:db8::1, garbage, ")
	if len(got) != 3 {
		t.Fatalf("unexpected cidr count: %d", len(got))
	}
	if got[0].String() != "10.0.0.0/8" {
		t.Fatalf("unexpected first cidr: %s", got[0])
	}
	if got[1].String() != "192.0.2.1/32" {
		t.Fatalf("unexpected bare ip cidr: %s", got[1])
	}
	if got[2].String() != "2001:db8::1/128" {
		t.Fatalf("unexpected ipv6 cidr: %s", got[2])
	}
	if parseCIDRs("") != nil {
		t.Fatal("expected nil for empty input")
	}
}

func TestParseIP(t *testing.T) {
	cases := map[string]string{
		"192.0.2.1:443":    "192.0.2.1",
		"192.0.2.1":        "192.0.2.1",
		"[2001:db8::1]:80": "2001:db8::1",
		"not an ip":        "",
		"":                 "",
	}
	for in, want := range cases {
		if got := parseIP(in); got != want {
			t.Fatalf("parseIP(%q): got %q want %q", in, got, want)
		}
	}
}
