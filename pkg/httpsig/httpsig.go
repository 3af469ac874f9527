// Package httpsig signs and verifies HTTP messages with detached Ed25519
// signatures in the RFC 9421 style. Every server-generated JSON response
// is signed so responses are self-authenticating, and peer replication
// responses are verified against the peer's known key.
package httpsig

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkd/pkg/pkderr"
)

const Label = "pkd"

var requestComponents = []string{"@method", "@authority", "@path", "content-digest"}
var responseComponents = []string{"@status", "content-digest"}

// ContentDigest computes the sha-256 structured digest header value.
func ContentDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha-256=:" + base64.StdEncoding.EncodeToString(sum[:]) + ":"
}

func signatureParams(components []string, created int64, keyID string) string {
	quoted := make([]string, len(components))
	for i, c := range components {
		quoted[i] = strconv.Quote(c)
	}
	return fmt.Sprintf("(%s);created=%d;keyid=%q;alg=\"ed25519\"",
		strings.Join(quoted, " "), created, keyID)
}

func signatureBase(components []string, values map[string]string, params string) []byte {
	var b strings.Builder
	for _, c := range components {
		fmt.Fprintf(&b, "%q: %s\n", c, values[c])
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", params)
	return []byte(b.String())
}

// authority returns the request host as either end of the exchange sees
// it: an outbound request carries it in the URL, an inbound server
// request in the Host header. Both sides must derive the same value for
// the signature base to match.
func authority(req *http.Request) string {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	return strings.ToLower(host)
}

// SignRequest attaches Content-Digest, Signature-Input and Signature
// headers to an outbound request.
func SignRequest(req *http.Request, body []byte, key ed25519.PrivateKey, keyID string) {
	digest := ContentDigest(body)
	created := time.Now().Unix()
	params := signatureParams(requestComponents, created, keyID)
	base := signatureBase(requestComponents, map[string]string{
		"@method":        req.Method,
		"@authority":     authority(req),
		"@path":          req.URL.Path,
		"content-digest": digest,
	}, params)
	sig := ed25519.Sign(key, base)
	req.Header.Set("Content-Digest", digest)
	req.Header.Set("Signature-Input", Label+"="+params)
	req.Header.Set("Signature", Label+"=:"+base64.StdEncoding.EncodeToString(sig)+":")
}

// SignResponseHeaders computes the signature headers for a response about
// to be written with the given status and body.
func SignResponseHeaders(h http.Header, status int, body []byte, key ed25519.PrivateKey, keyID string) {
	digest := ContentDigest(body)
	created := time.Now().Unix()
	params := signatureParams(responseComponents, created, keyID)
	base := signatureBase(responseComponents, map[string]string{
		"@status":        strconv.Itoa(status),
		"content-digest": digest,
	}, params)
	sig := ed25519.Sign(key, base)
	h.Set("Content-Digest", digest)
	h.Set("Signature-Input", Label+"="+params)
	h.Set("Signature", Label+"=:"+base64.StdEncoding.EncodeToString(sig)+":")
}

// VerifyRequest checks an inbound request's signature headers against pub.
func VerifyRequest(req *http.Request, body []byte, pub ed25519.PublicKey) error {
	return verify(req.Header, body, pub, requestComponents, map[string]string{
		"@method":    req.Method,
		"@authority": authority(req),
		"@path":      req.URL.Path,
	})
}

// VerifyResponse checks a peer's response signature against pub.
func VerifyResponse(resp *http.Response, body []byte, pub ed25519.PublicKey) error {
	return verify(resp.Header, body, pub, responseComponents, map[string]string{
		"@status": strconv.Itoa(resp.StatusCode),
	})
}

func verify(h http.Header, body []byte, pub ed25519.PublicKey, components []string, derived map[string]string) error {
	params, err := extractLabeled(h.Get("Signature-Input"))
	if err != nil {
		return &pkderr.CryptoError{Op: "parse signature input", Err: err}
	}
	sigVal, err := extractLabeled(h.Get("Signature"))
	if err != nil {
		return &pkderr.CryptoError{Op: "parse signature", Err: err}
	}
	sigVal = strings.TrimSuffix(strings.TrimPrefix(sigVal, ":"), ":")
	sig, err := base64.StdEncoding.DecodeString(sigVal)
	if err != nil {
		return &pkderr.CryptoError{Op: "decode signature", Err: err}
	}

	digest := h.Get("Content-Digest")
	if digest == "" || digest != ContentDigest(body) {
		return &pkderr.CryptoError{Op: "content digest mismatch"}
	}

	values := map[string]string{"content-digest": digest}
	for k, v := range derived {
		values[k] = v
	}
	base := signatureBase(components, values, params)
	if !ed25519.Verify(pub, base, sig) {
		return &pkderr.CryptoError{Op: "verify message signature"}
	}
	return nil
}

// extractLabeled pulls the value of the pkd label from a structured
// dictionary header, e.g. `pkd=(...)` or `pkd=:...:`.
func extractLabeled(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", fmt.Errorf("missing header")
	}
	for _, part := range splitDictionary(header) {
		if v, ok := strings.CutPrefix(part, Label+"="); ok {
			return strings.TrimSpace(v), nil
		}
	}
	return "", fmt.Errorf("label %q not present", Label)
}

// splitDictionary splits a structured-field dictionary on top-level
// commas, ignoring commas inside parentheses or sf-binary colons.
func splitDictionary(s string) []string {
	var parts []string
	depth := 0
	inBinary := false
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ':':
			inBinary = !inBinary
		case ',':
			if depth == 0 && !inBinary {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	parts = append(parts, strings.TrimSpace(s[start:]))
	return parts
}
