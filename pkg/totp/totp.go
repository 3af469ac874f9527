// Package totp implements the time-based one-time password scheme used to
// gate sensitive directory actions: RFC 6238 with HMAC-SHA512, 8 digits
// and a 30 second time step.
package totp

import (
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

const (
	// Step is the TOTP time step in seconds.
	Step = 30
	// Digits is the output code length.
	Digits = 8
)

// Generate computes the code for a shared secret at a unix timestamp.
func Generate(secret []byte, unixTime int64) string {
	counter := uint64(unixTime) / Step
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(sha512.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%08d", code%100000000)
}

// Validate checks a candidate code at the given time in constant time.
func Validate(secret []byte, unixTime int64, candidate string) bool {
	expected := Generate(secret, unixTime)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(candidate)) == 1
}
