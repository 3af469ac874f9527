// Package hpke provides the sealed-box primitive used for encrypted
// ledger payloads and symmetric key wrapping: X25519 key encapsulation,
// an HKDF-SHA256 key schedule and ChaCha20-Poly1305 for the payload.
//
// Wire format: ephemeral public key (32 bytes) || nonce (12 bytes) ||
// ciphertext with tag.
package hpke

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"pkd/pkg/pkderr"
)

const (
	encapKeyLen = 32
	nonceLen    = chacha20poly1305.NonceSize
)

var kdfInfo = []byte("pkd-hpke-v1")

// GenerateKeyPair creates a fresh X25519 decapsulation/encapsulation pair.
func GenerateKeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate hpke key: %w", err)
	}
	return priv, priv.PublicKey(), nil
}

// ParsePublicKey decodes a 32-byte X25519 encapsulation key.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, &pkderr.CryptoError{Op: "parse encapsulation key", Err: err}
	}
	return pub, nil
}

// ParsePrivateKey decodes a 32-byte X25519 decapsulation key.
func ParsePrivateKey(raw []byte) (*ecdh.PrivateKey, error) {
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, &pkderr.CryptoError{Op: "parse decapsulation key", Err: err}
	}
	return priv, nil
}

// Seal encrypts plaintext to the recipient's encapsulation key.
func Seal(recipient *ecdh.PublicKey, plaintext []byte) ([]byte, error) {
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, &pkderr.CryptoError{Op: "generate ephemeral key", Err: err}
	}
	shared, err := eph.ECDH(recipient)
	if err != nil {
		return nil, &pkderr.CryptoError{Op: "key agreement", Err: err}
	}
	key, err := deriveKey(shared, eph.PublicKey().Bytes(), recipient.Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, &pkderr.CryptoError{Op: "aead init", Err: err}
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, &pkderr.CryptoError{Op: "generate nonce", Err: err}
	}
	ct := aead.Seal(nil, nonce, plaintext, eph.PublicKey().Bytes())

	out := make([]byte, 0, encapKeyLen+nonceLen+len(ct))
	out = append(out, eph.PublicKey().Bytes()...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// Open decrypts a sealed box with the recipient's decapsulation key.
func Open(recipient *ecdh.PrivateKey, sealed []byte) ([]byte, error) {
	if len(sealed) < encapKeyLen+nonceLen+chacha20poly1305.Overhead {
		return nil, &pkderr.CryptoError{Op: "open", Err: errors.New("ciphertext too short")}
	}
	ephRaw := sealed[:encapKeyLen]
	nonce := sealed[encapKeyLen : encapKeyLen+nonceLen]
	ct := sealed[encapKeyLen+nonceLen:]

	eph, err := ecdh.X25519().NewPublicKey(ephRaw)
	if err != nil {
		return nil, &pkderr.CryptoError{Op: "parse ephemeral key", Err: err}
	}
	shared, err := recipient.ECDH(eph)
	if err != nil {
		return nil, &pkderr.CryptoError{Op: "key agreement", Err: err}
	}
	key, err := deriveKey(shared, ephRaw, recipient.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, &pkderr.CryptoError{Op: "aead init", Err: err}
	}
	pt, err := aead.Open(nil, nonce, ct, ephRaw)
	if err != nil {
		return nil, &pkderr.CryptoError{Op: "open", Err: err}
	}
	return pt, nil
}

func deriveKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, kdfInfo), key); err != nil {
		return nil, &pkderr.CryptoError{Op: "derive key", Err: err}
	}
	return key, nil
}
