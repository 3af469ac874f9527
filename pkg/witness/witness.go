// Package witness pulls peer ledger history, verifies and extends a
// local shadow copy of each peer's tree, and posts back cosignatures
// attesting the observed state. One short-lived pass per invocation.
package witness

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"pkd/pkg/httpsig"
	"pkd/pkg/merkle"
	"pkd/pkg/models"
	"pkd/pkg/peers"
	"pkd/pkg/pkderr"
)

// cosignContext domain-separates cosignatures from protocol and HTTP
// message signatures.
var cosignContext = []byte("pkd-cosign-v1")

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const maxBodyBytes = 8 << 20

type Witness struct {
	Peers      *peers.Store
	Client     Doer
	SigningKey ed25519.PrivateKey
	Hostname   string

	now func() time.Time
}

func New(store *peers.Store, client Doer, key ed25519.PrivateKey, hostname string) *Witness {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Witness{Peers: store, Client: client, SigningKey: key, Hostname: hostname, now: time.Now}
}

// Run executes one witnessing pass over every replicating peer. A
// failure in one peer's round is logged and never blocks the others.
func (w *Witness) Run(ctx context.Context) {
	list, err := w.Peers.Replicating(ctx)
	if err != nil {
		log.Printf("witness: listing peers: %v", err)
		return
	}
	for _, peer := range list {
		if err := w.RunPeer(ctx, peer.PrimaryKey); err != nil {
			log.Printf("witness: peer %s round aborted: %v", peer.Hostname, err)
		}
	}
}

type historyResponse struct {
	Records []models.HistoricalRecord `json:"records"`
}

// RunPeer executes one replication round for a single peer. Records are
// applied strictly in the order received, one committed transaction per
// record under the peer's row lock, so progress is preserved up to the
// last committed record and a mid-record failure discards only that
// record's work.
func (w *Witness) RunPeer(ctx context.Context, peerID int64) error {
	var sinceRoot string
	var hostname string
	var pub ed25519.PublicKey
	err := w.Peers.WithPeerLock(ctx, peerID, func(ctx context.Context, tx peers.Tx, p *models.Peer) error {
		sinceRoot = p.LatestRoot
		hostname = p.Hostname
		pub = p.PublicKey
		return nil
	})
	if err != nil {
		return err
	}

	records, err := w.fetchHistory(ctx, hostname, pub, sinceRoot)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return w.Peers.WithPeerLock(ctx, peerID, func(ctx context.Context, tx peers.Tx, p *models.Peer) error {
			return peers.SaveTreeState(ctx, tx, p)
		})
	}

	for i := range records {
		if err := w.applyRecord(ctx, peerID, &records[i]); err != nil {
			// No later record of this batch is attempted.
			return fmt.Errorf("record %d (%s): %w", i, records[i].MerkleRoot, err)
		}
	}
	return nil
}

// applyRecord verifies and appends one record to the peer's shadow tree,
// posts the cosignature, and commits. The POST happens inside the
// transaction: an unacknowledged cosignature rolls the record back.
func (w *Witness) applyRecord(ctx context.Context, peerID int64, rec *models.HistoricalRecord) error {
	return w.Peers.WithPeerLock(ctx, peerID, func(ctx context.Context, tx peers.Tx, p *models.Peer) error {
		if err := verifyRecord(rec, p.PublicKey); err != nil {
			return err
		}
		tree, err := merkle.Parse(p.TreeState)
		if err != nil {
			return err
		}
		newRoot := tree.Append([]byte(rec.EncryptedMessage))
		if newRoot != rec.MerkleRoot {
			return &pkderr.CryptoError{Op: fmt.Sprintf("shadow tree root %s does not match claimed root %s", newRoot, rec.MerkleRoot)}
		}

		cosig := w.Cosign(newRoot)
		if err := w.postCosignature(ctx, p.Hostname, p.PublicKey, cosig); err != nil {
			return err
		}

		state, err := tree.Serialize()
		if err != nil {
			return err
		}
		p.TreeState = state
		p.LatestRoot = newRoot
		return peers.SaveTreeState(ctx, tx, p)
	})
}

// verifyRecord checks that the record was produced by the peer's known
// key: the key hash matches and the signature covers the contents.
func verifyRecord(rec *models.HistoricalRecord, pub ed25519.PublicKey) error {
	sum := sha256.Sum256(pub)
	if hex.EncodeToString(sum[:]) != rec.PublicKeyHash {
		return &pkderr.CryptoError{Op: "record signer is not the peer's known key"}
	}
	sig, err := hex.DecodeString(rec.Signature)
	if err != nil {
		return &pkderr.CryptoError{Op: "malformed record signature", Err: err}
	}
	if !ed25519.Verify(pub, []byte(rec.EncryptedMessage), sig) {
		return &pkderr.CryptoError{Op: "record signature does not verify"}
	}
	return nil
}

// Cosign produces this server's attestation over a peer root.
func (w *Witness) Cosign(root string) models.Cosignature {
	ts := w.now().UTC().Format(time.RFC3339)
	msg := httpsig.PAE(cosignContext, []byte(w.Hostname), []byte(root), []byte(ts))
	return models.Cosignature{
		Witness:   w.Hostname,
		Root:      root,
		Cosigned:  hex.EncodeToString(ed25519.Sign(w.SigningKey, msg)),
		Timestamp: ts,
	}
}

// VerifyCosignature checks a witness attestation against the witness's
// known key.
func VerifyCosignature(c models.Cosignature, pub ed25519.PublicKey) error {
	sig, err := hex.DecodeString(c.Cosigned)
	if err != nil {
		return &pkderr.CryptoError{Op: "malformed cosignature", Err: err}
	}
	msg := httpsig.PAE(cosignContext, []byte(c.Witness), []byte(c.Root), []byte(c.Timestamp))
	if !ed25519.Verify(pub, msg, sig) {
		return &pkderr.CryptoError{Op: "cosignature does not verify"}
	}
	return nil
}

func (w *Witness) fetchHistory(ctx context.Context, hostname string, pub ed25519.PublicKey, sinceRoot string) ([]models.HistoricalRecord, error) {
	target := "https://" + hostname + "/api/history/since/" + sinceRoot
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &pkderr.DependencyError{Reason: fmt.Sprintf("history request: %v", err)}
	}
	body, err := w.doVerified(req, nil, pub)
	if err != nil {
		return nil, err
	}
	var hr historyResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		return nil, &pkderr.CryptoError{Op: "malformed history response", Err: err}
	}
	return hr.Records, nil
}

func (w *Witness) postCosignature(ctx context.Context, hostname string, pub ed25519.PublicKey, cosig models.Cosignature) error {
	payload, err := json.Marshal(cosig)
	if err != nil {
		return err
	}
	target := "https://" + hostname + "/api/history/cosign/" + cosig.Root
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return &pkderr.DependencyError{Reason: fmt.Sprintf("cosign request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = w.doVerified(req, payload, pub)
	return err
}

// doVerified sends a request signed with this server's key and verifies
// the response signature against the peer's known key. Mutual
// authentication failures are crypto errors, which abort the round.
func (w *Witness) doVerified(req *http.Request, body []byte, pub ed25519.PublicKey) ([]byte, error) {
	httpsig.SignRequest(req, body, w.SigningKey, w.Hostname)
	resp, err := w.Client.Do(req)
	if err != nil {
		return nil, &pkderr.DependencyError{Reason: fmt.Sprintf("%s %s: %v", req.Method, req.URL, err)}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &pkderr.DependencyError{Reason: fmt.Sprintf("%s %s: %v", req.Method, req.URL, err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &pkderr.DependencyError{Reason: fmt.Sprintf("%s %s: status %d", req.Method, req.URL, resp.StatusCode)}
	}
	if err := httpsig.VerifyResponse(resp, respBody, pub); err != nil {
		return nil, err
	}
	return respBody, nil
}
