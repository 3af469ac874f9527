package models

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MerkleLeaf is one immutable entry of the append-only ledger. Once a
// primary key is assigned the leaf is never updated or deleted; only the
// inclusion proof and wrapped keys are attached at insert time.
type MerkleLeaf struct {
	Contents       string `json:"contents"`
	ContentHash    string `json:"contenthash"`
	Signature      string `json:"signature"`
	PublicKeyHash  string `json:"publickeyhash"`
	InclusionProof []byte `json:"inclusionproof,omitempty"`
	Created        string `json:"created"`
	WrappedKeys    string `json:"wrappedkeys,omitempty"`
	PrimaryKey     int64  `json:"-"`
}

// NewMerkleLeaf builds a signed leaf from a canonical payload. The content
// hash is sha256 over the payload bytes and the signature is a detached
// Ed25519 signature by the server's own key.
func NewMerkleLeaf(payload []byte, key ed25519.PrivateKey) MerkleLeaf {
	sum := sha256.Sum256(payload)
	pub := key.Public().(ed25519.PublicKey)
	pubHash := sha256.Sum256(pub)
	sig := ed25519.Sign(key, payload)
	return MerkleLeaf{
		Contents:      string(payload),
		ContentHash:   hex.EncodeToString(sum[:]),
		Signature:     hex.EncodeToString(sig),
		PublicKeyHash: hex.EncodeToString(pubHash[:]),
		Created:       strconv.FormatInt(time.Now().Unix(), 10),
	}
}

// Verify checks the leaf's internal consistency: the content hash matches
// the contents, and the signature verifies under pub, whose sha256 must
// equal PublicKeyHash.
func (l MerkleLeaf) Verify(pub ed25519.PublicKey) error {
	sum := sha256.Sum256([]byte(l.Contents))
	if hex.EncodeToString(sum[:]) != l.ContentHash {
		return fmt.Errorf("content hash mismatch")
	}
	pubHash := sha256.Sum256(pub)
	if hex.EncodeToString(pubHash[:]) != l.PublicKeyHash {
		return fmt.Errorf("public key hash mismatch")
	}
	sig, err := hex.DecodeString(l.Signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	if !ed25519.Verify(pub, []byte(l.Contents), sig) {
		return fmt.Errorf("invalid leaf signature")
	}
	return nil
}

// Peer is a replication partner. TreeState is the locally maintained
// shadow copy of the peer's incremental tree, serialized; it grows only
// during a witness round for that peer, under the peer's own row lock.
type Peer struct {
	PrimaryKey int64
	UniqueID   string
	Hostname   string
	PublicKey  ed25519.PublicKey
	TreeState  []byte
	LatestRoot string
	Rewrap     bool
	Cosign     bool
	Replicate  bool
	WrapKey    []byte // HPKE encapsulation key for rewrap targets
	Created    time.Time
	Modified   time.Time
}

// HistoricalRecord is one entry of a peer's history feed, as served by
// GET /api/history/since/{root}.
type HistoricalRecord struct {
	MerkleRoot       string `json:"merkle-root"`
	EncryptedMessage string `json:"encrypted-message"`
	PublicKeyHash    string `json:"publickeyhash"`
	Signature        string `json:"signature"`
}

// Cosignature is a witness attestation over a peer's ledger state at a
// point in time.
type Cosignature struct {
	Witness   string `json:"witness"`
	Root      string `json:"root"`
	Cosigned  string `json:"cosigned"`
	Timestamp string `json:"timestamp"`
}

// AttributeKeyMap maps auxiliary attribute names to symmetric keys. It is
// materialized per request and never persisted in plaintext.
type AttributeKeyMap map[string][]byte

// Serialize encodes the key map for sealing; keys are hex so the encoding
// is stable across round trips.
func (m AttributeKeyMap) Serialize() ([]byte, error) {
	out := make(map[string]string, len(m))
	for name, k := range m {
		out[name] = hex.EncodeToString(k)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(raw)
}

// ParseAttributeKeyMap decodes a serialized key map.
func ParseAttributeKeyMap(raw []byte) (AttributeKeyMap, error) {
	var in map[string]string
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("parse key map: %w", err)
	}
	out := make(AttributeKeyMap, len(in))
	for name, v := range in {
		k, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("key map entry %q: %w", name, err)
		}
		out[name] = k
	}
	return out, nil
}
