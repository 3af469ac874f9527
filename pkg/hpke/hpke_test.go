package hpke

import (
	"bytes"
	"errors"
	"testing"

	"pkd/pkg/pkderr"
)

func TestSealOpenRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	plaintext := []byte(`{"email":"symmetric key material"}`)
	sealed, err := Seal(pub, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := Open(priv, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	other, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate other: %v", err)
	}
	sealed, err := Seal(pub, []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(other, sealed); err == nil {
		t.Fatal("open with wrong key must fail")
	}
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sealed, err := Seal(pub, []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := Open(priv, sealed); err == nil {
		t.Fatal("tampered ciphertext must not open")
	}
	var ce *pkderr.CryptoError
	if _, err := Open(priv, []byte("short")); !errors.As(err, &ce) {
		t.Fatalf("expected CryptoError for short input, got %v", err)
	}
}

func TestSealIsRandomized(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	a, err := Seal(pub, []byte("x"))
	if err != nil {
		t.Fatalf("seal a: %v", err)
	}
	b, err := Seal(pub, []byte("x"))
	if err != nil {
		t.Fatalf("seal b: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext must differ")
	}
}
