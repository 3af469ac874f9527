package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"pkd/pkg/audit"
	"pkd/pkg/httpsig"
	"pkd/pkg/httpx"
	"pkd/pkg/ledger"
	"pkd/pkg/models"
	"pkd/pkg/peers"
	"pkd/pkg/pkderr"
	"pkd/pkg/protocol"
	"pkd/pkg/ratelimit"
	"pkd/pkg/stream"
	"pkd/pkg/witness"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// respondSigned writes a JSON body with a detached signature over it in
// the response headers, so peers can authenticate replies end to end.
func (s *Server) respondSigned(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		httpx.Error(w, 500, "encoding response")
		return
	}
	httpsig.SignResponseHeaders(w.Header(), status, body, s.SigningKey, s.Hostname)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError maps the error taxonomy onto HTTP statuses. Malformed or
// unauthorized requests are the caller's fault; lock contention and
// upstream failures are retryable.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var rle *pkderr.RateLimitError
	var ce *pkderr.CryptoError
	var te *pkderr.TableError
	var de *pkderr.DependencyError
	switch {
	case errors.As(err, &rle):
		retry := time.Until(rle.RateLimitedUntil) / time.Second
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retry), 10))
		httpx.Error(w, http.StatusTooManyRequests, err.Error())
	case pkderr.IsProtocol(err):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ce):
		httpx.Error(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, pkderr.ErrConcurrent):
		httpx.Error(w, http.StatusServiceUnavailable, "ledger busy, retry")
	case errors.As(err, &de):
		httpx.Error(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &te):
		httpx.Error(w, http.StatusInternalServerError, "storage failure")
	default:
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			httpx.Error(w, http.StatusBadRequest, "reading request body")
		}
		return nil, false
	}
	return body, true
}

// actorDomain extracts the host part of a federated actor identifier
// for per-domain rate accounting.
func actorDomain(actor string) string {
	actor = strings.TrimPrefix(strings.TrimSpace(actor), "acct:")
	if i := strings.LastIndex(actor, "@"); i >= 0 && i < len(actor)-1 {
		return strings.ToLower(actor[i+1:])
	}
	return ""
}

func (s *Server) limitDimensions(r *http.Request, actor string) map[ratelimit.Dimension]string {
	ids := map[ratelimit.Dimension]string{ratelimit.DimIP: s.clientIP(r)}
	if s.RateLimitActor && actor != "" {
		ids[ratelimit.DimActor] = strings.ToLower(strings.TrimSpace(actor))
	}
	if s.RateLimitDomain {
		if domain := actorDomain(actor); domain != "" {
			ids[ratelimit.DimDomain] = domain
		}
	}
	return ids
}

func (s *Server) enforceLimits(ctx context.Context, ids map[ratelimit.Dimension]string) error {
	if s.Limiter == nil {
		return nil
	}
	return s.Limiter.Enforce(ctx, ids)
}

// penalize backs off every dimension of a failed request. Storage
// failures here are logged, never surfaced; the protocol error wins.
func (s *Server) penalize(ctx context.Context, ids map[ratelimit.Dimension]string) {
	if s.Limiter == nil {
		return
	}
	for dim, id := range ids {
		if err := s.Limiter.RecordPenalty(ctx, dim, id); err != nil {
			log.Printf("rate limit penalty (%s=%s): %v", dim, id, err)
		}
	}
}

func (s *Server) auditAction(ctx context.Context, requestID, action, actor, root string, leafID int64, outcome, reason string, payload []byte) {
	rec := audit.Record{
		RequestID: requestID,
		Action:    action,
		ActorHash: actor,
		Root:      root,
		LeafID:    leafID,
		Outcome:   outcome,
		Reason:    reason,
		Payload:   json.RawMessage(payload),
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("audit append (%s): %v", requestID, err)
	}
}

func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) handlePlaintextAction(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, false)
}

func (s *Server) handleEncryptedAction(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, true)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, encrypted bool) {
	ctx := r.Context()
	reqID := requestID(r)
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	outerActor := strings.TrimSpace(r.Header.Get("X-PKD-Actor"))

	ids := s.limitDimensions(r, outerActor)
	if err := s.enforceLimits(ctx, ids); err != nil {
		s.Metrics.IncReason("rate-limited")
		s.writeError(w, err)
		return
	}

	var res *protocol.Result
	var err error
	if encrypted {
		res, err = s.Protocol.RouteEncryptedAction(ctx, body, outerActor)
	} else {
		res, err = s.Protocol.RoutePlaintextAction(ctx, body, outerActor)
	}
	if err != nil {
		reason := classifyReason(err)
		s.Metrics.IncReason(reason)
		s.Metrics.IncActionReason(actionOf(res), reason)
		if pkderr.IsProtocol(err) || isCrypto(err) {
			s.penalize(ctx, ids)
		}
		s.auditAction(ctx, reqID, actionOf(res), outerActor, "", 0, "rejected", reason, auditPayload(encrypted, body))
		s.writeError(w, err)
		return
	}

	s.Metrics.IncAction(res.Action)
	s.Metrics.IncActionReason(res.Action, "OK")
	s.auditAction(ctx, reqID, res.Action, res.Actor, res.Root, res.LeafID, "accepted", "", auditPayload(encrypted, body))
	s.respondSigned(w, http.StatusOK, res)
}

func actionOf(res *protocol.Result) string {
	if res == nil {
		return ""
	}
	return res.Action
}

func classifyReason(err error) string {
	switch {
	case pkderr.IsProtocol(err):
		return "PROTOCOL"
	case isCrypto(err):
		return "CRYPTO"
	case errors.Is(err, pkderr.ErrConcurrent):
		return "CONCURRENT"
	default:
		return "INTERNAL"
	}
}

func isCrypto(err error) bool {
	var ce *pkderr.CryptoError
	return errors.As(err, &ce)
}

// auditPayload withholds sealed request bodies from the log; there is
// nothing redactable about ciphertext and no reason to retain it.
func auditPayload(encrypted bool, body []byte) []byte {
	if encrypted {
		return nil
	}
	return body
}

type historyResponse struct {
	Records []models.HistoricalRecord `json:"records"`
}

func (s *Server) handleHistorySince(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sinceRoot := chi.URLParam(r, "root")

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		s.writeError(w, &pkderr.TableError{Op: "begin history read", Err: err})
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	leaves, roots, err := ledger.LeavesSince(ctx, tx, sinceRoot, s.HistoryBatchLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.writeError(w, &pkderr.TableError{Op: "commit history read", Err: err})
		return
	}

	records := make([]models.HistoricalRecord, 0, len(leaves))
	for i, leaf := range leaves {
		records = append(records, models.HistoricalRecord{
			MerkleRoot:       roots[i],
			EncryptedMessage: leaf.Contents,
			PublicKeyHash:    leaf.PublicKeyHash,
			Signature:        leaf.Signature,
		})
	}
	s.respondSigned(w, http.StatusOK, historyResponse{Records: records})
}

func (s *Server) handleCosign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	root := chi.URLParam(r, "root")
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}

	var c models.Cosignature
	if err := json.Unmarshal(body, &c); err != nil {
		s.writeError(w, pkderr.Protocolf("malformed cosignature payload: %v", err))
		return
	}
	if c.Root != root {
		s.writeError(w, pkderr.Protocolf("cosignature root %q does not match path root %q", c.Root, root))
		return
	}

	peer, err := s.Peers.GetByHostname(ctx, c.Witness)
	if err != nil {
		if errors.Is(err, peers.ErrNotFound) {
			s.writeError(w, &pkderr.CryptoError{Op: "cosignature from unknown witness " + c.Witness})
			return
		}
		s.writeError(w, err)
		return
	}
	if !peer.Cosign {
		httpx.Error(w, http.StatusForbidden, "cosignatures not accepted from this peer")
		return
	}
	if err := httpsig.VerifyRequest(r, body, peer.PublicKey); err != nil {
		s.writeError(w, err)
		return
	}
	if err := witness.VerifyCosignature(c, peer.PublicKey); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.Peers.SaveCosignature(ctx, peer.PrimaryKey, c); err != nil {
		s.writeError(w, err)
		return
	}
	s.Metrics.IncCosign(c.Witness)
	s.Events.Publish(stream.NewEvent("cosignature", c))
	s.respondSigned(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleCosignatures(w http.ResponseWriter, r *http.Request) {
	root := chi.URLParam(r, "root")
	list, err := s.Peers.CosignaturesForRoot(r.Context(), root)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Cosignature{}
	}
	s.respondSigned(w, http.StatusOK, map[string]any{
		"root":          root,
		"cosignatures":  list,
		"witness-count": len(list),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var latestRoot string
	tx, err := s.DB.Begin(ctx)
	if err == nil {
		latestRoot, err = ledger.LatestRoot(ctx, tx)
		if err != nil {
			latestRoot = ""
		}
		_ = tx.Rollback(ctx)
	}

	pub := s.SigningKey.Public().(ed25519.PublicKey)
	s.respondSigned(w, http.StatusOK, map[string]string{
		"hostname":    s.Hostname,
		"signing-key": hex.EncodeToString(pub),
		"wrap-key":    hex.EncodeToString(s.WrapPublicKey),
		"latest-root": latestRoot,
	})
}

type peerView struct {
	UniqueID   string `json:"uniqueid"`
	Hostname   string `json:"hostname"`
	PublicKey  string `json:"publickey"`
	LatestRoot string `json:"latestroot,omitempty"`
	Rewrap     bool   `json:"rewrap"`
	Cosign     bool   `json:"cosign"`
	Replicate  bool   `json:"replicate"`
	WrapKey    string `json:"wrapkey,omitempty"`
	Created    string `json:"created"`
	Modified   string `json:"modified"`
}

func viewOfPeer(p models.Peer) peerView {
	return peerView{
		UniqueID:   p.UniqueID,
		Hostname:   p.Hostname,
		PublicKey:  hex.EncodeToString(p.PublicKey),
		LatestRoot: p.LatestRoot,
		Rewrap:     p.Rewrap,
		Cosign:     p.Cosign,
		Replicate:  p.Replicate,
		WrapKey:    hex.EncodeToString(p.WrapKey),
		Created:    p.Created.UTC().Format(time.RFC3339),
		Modified:   p.Modified.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	list, err := s.Peers.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]peerView, 0, len(list))
	for _, p := range list {
		views = append(views, viewOfPeer(p))
	}
	s.respondSigned(w, http.StatusOK, map[string]any{"peers": views})
}

type createPeerRequest struct {
	Hostname  string `json:"hostname"`
	PublicKey string `json:"publickey"`
	Rewrap    bool   `json:"rewrap"`
	Cosign    bool   `json:"cosign"`
	Replicate bool   `json:"replicate"`
	WrapKey   string `json:"wrapkey,omitempty"`
}

func (s *Server) handleCreatePeer(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req createPeerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, pkderr.Protocolf("malformed peer payload: %v", err))
		return
	}
	req.Hostname = strings.ToLower(strings.TrimSpace(req.Hostname))
	if req.Hostname == "" {
		s.writeError(w, pkderr.Protocolf("peer hostname required"))
		return
	}
	pub, err := hex.DecodeString(strings.TrimSpace(req.PublicKey))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		s.writeError(w, pkderr.Protocolf("peer public key must be %d hex-encoded bytes", ed25519.PublicKeySize))
		return
	}
	var wrapKey []byte
	if req.WrapKey != "" {
		wrapKey, err = hex.DecodeString(strings.TrimSpace(req.WrapKey))
		if err != nil {
			s.writeError(w, pkderr.Protocolf("malformed peer wrap key"))
			return
		}
	}

	p := models.Peer{
		Hostname:  req.Hostname,
		PublicKey: ed25519.PublicKey(pub),
		Rewrap:    req.Rewrap,
		Cosign:    req.Cosign,
		Replicate: req.Replicate,
		WrapKey:   wrapKey,
	}
	if err := s.Peers.Create(r.Context(), &p); err != nil {
		s.writeError(w, err)
		return
	}
	s.Events.Publish(stream.NewEvent("peer-registered", map[string]string{"hostname": p.Hostname}))
	s.respondSigned(w, http.StatusCreated, viewOfPeer(p))
}

type peerFlagsRequest struct {
	Rewrap    bool `json:"rewrap"`
	Cosign    bool `json:"cosign"`
	Replicate bool `json:"replicate"`
}

func (s *Server) handleSetPeerFlags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uniqueID := chi.URLParam(r, "uniqueid")
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req peerFlagsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, pkderr.Protocolf("malformed flags payload: %v", err))
		return
	}
	peer, err := s.Peers.GetByUniqueID(ctx, uniqueID)
	if err != nil {
		if errors.Is(err, peers.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "no such peer")
			return
		}
		s.writeError(w, err)
		return
	}
	if err := s.Peers.SetFlags(ctx, peer.PrimaryKey, req.Rewrap, req.Cosign, req.Replicate); err != nil {
		s.writeError(w, err)
		return
	}
	peer.Rewrap, peer.Cosign, peer.Replicate = req.Rewrap, req.Cosign, req.Replicate
	s.respondSigned(w, http.StatusOK, viewOfPeer(*peer))
}

func wsOriginPatterns() []string {
	raw := strings.TrimSpace(os.Getenv("WS_ALLOWED_ORIGINS"))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// streamEvents pushes ledger appends and cosignature arrivals to a
// websocket subscriber. Slow consumers miss events rather than blocking
// the hub.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: wsOriginPatterns(),
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()
	ch := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(ch)

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readErr:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
