// Package protocol validates inbound directory-mutation requests and
// drives them through the ledger. Dispatch is a static action table;
// each action arrives on exactly one of the two entry paths, sealed or
// plaintext.
package protocol

import (
	"context"
	"crypto/ed25519"
	"time"

	"pkd/pkg/httpsig"
	"pkd/pkg/keywrap"
	"pkd/pkg/ledger"
	"pkd/pkg/models"
	"pkd/pkg/pkderr"
	"pkd/pkg/totp"
	"pkd/pkg/webfinger"
)

const (
	ActionAddKey              = "AddKey"
	ActionRevokeKey           = "RevokeKey"
	ActionRevokeKeyThirdParty = "RevokeKeyThirdParty"
	ActionAddAuxData          = "AddAuxData"
	ActionRevokeAuxData       = "RevokeAuxData"
	ActionCheckpoint          = "Checkpoint"
	ActionFireproof           = "Fireproof"
	ActionUndoFireproof       = "UndoFireproof"
	ActionTotpEnroll          = "TotpEnroll"
	ActionTotpDisenroll       = "TotpDisenroll"
	ActionTotpRotate          = "TotpRotate"
)

type encryptionPolicy int

const (
	policyOptional encryptionPolicy = iota
	policyRequired
	policyDisallowed
)

// signatureContext domain-separates protocol signatures from every
// other Ed25519 use in the system.
var signatureContext = []byte("pkd-protocol-v1")

type actionSpec struct {
	policy  encryptionPolicy
	handler func(p *Protocol, pl *Payload, canonical string, res *Result) ledger.Work
}

var actions = map[string]actionSpec{
	ActionAddKey:              {policyDisallowed, handleAddKey},
	ActionRevokeKey:           {policyDisallowed, handleRevokeKey},
	ActionRevokeKeyThirdParty: {policyDisallowed, handleRevokeKeyThirdParty},
	ActionAddAuxData:          {policyRequired, handleAddAuxData},
	ActionRevokeAuxData:       {policyDisallowed, handleRevokeAuxData},
	ActionCheckpoint:          {policyDisallowed, handleCheckpoint},
	ActionFireproof:           {policyDisallowed, handleFireproof},
	ActionUndoFireproof:       {policyDisallowed, handleUndoFireproof},
	ActionTotpEnroll:          {policyDisallowed, handleTotpEnroll},
	ActionTotpDisenroll:       {policyDisallowed, handleTotpDisenroll},
	ActionTotpRotate:          {policyDisallowed, handleTotpRotate},
}

// Result reports a committed protocol action.
type Result struct {
	Action string `json:"action"`
	Actor  string `json:"actor"`
	Root   string `json:"root"`
	LeafID int64  `json:"-"`
	KeyID  string `json:"key-id,omitempty"`
}

type Protocol struct {
	Ledger     *ledger.MerkleState
	DB         Execer
	Actors     ActorStore
	Resolver   *webfinger.Resolver
	Wrapper    *keywrap.Wrapper
	SigningKey ed25519.PrivateKey
	OTPMaxLife time.Duration

	now func() time.Time
}

func New(l *ledger.MerkleState, db Execer, resolver *webfinger.Resolver, wrapper *keywrap.Wrapper, signingKey ed25519.PrivateKey) *Protocol {
	return &Protocol{
		Ledger:     l,
		DB:         db,
		Resolver:   resolver,
		Wrapper:    wrapper,
		SigningKey: signingKey,
		OTPMaxLife: 120 * time.Second,
		now:        time.Now,
	}
}

// RoutePlaintextAction handles an action that must arrive unsealed.
func (p *Protocol) RoutePlaintextAction(ctx context.Context, raw []byte, outerActor string) (*Result, error) {
	pl, err := ParsePayload(raw)
	if err != nil {
		return nil, err
	}
	pl.OuterActor = outerActor
	return p.handle(ctx, pl)
}

// RouteEncryptedAction opens an HPKE-sealed request addressed to this
// server and handles the inner payload.
func (p *Protocol) RouteEncryptedAction(ctx context.Context, sealed []byte, outerActor string) (*Result, error) {
	raw, err := p.Wrapper.Open(sealed)
	if err != nil {
		return nil, err
	}
	pl, err := ParsePayload(raw)
	if err != nil {
		return nil, err
	}
	pl.Encrypted = true
	pl.OuterActor = outerActor
	return p.handle(ctx, pl)
}

func (p *Protocol) handle(ctx context.Context, pl *Payload) (*Result, error) {
	action := pl.Action()
	spec, ok := actions[action]
	if !ok {
		return nil, pkderr.Protocolf("unknown action %q", action)
	}
	switch spec.policy {
	case policyRequired:
		if !pl.Encrypted {
			return nil, pkderr.Protocolf("action %s requires an encrypted payload", action)
		}
	case policyDisallowed:
		if pl.Encrypted {
			return nil, pkderr.Protocolf("action %s must not arrive encrypted", action)
		}
	}

	actor := pl.Actor()
	if actor == "" {
		return nil, pkderr.Protocolf("missing actor")
	}
	canonical, err := p.Resolver.Canonicalize(ctx, actor)
	if err != nil {
		return nil, err
	}
	if err := p.outerActorCheck(ctx, pl, canonical); err != nil {
		return nil, err
	}
	if err := p.verifySignature(ctx, pl, canonical); err != nil {
		return nil, err
	}
	if err := p.enforceOTP(ctx, pl, canonical); err != nil {
		return nil, err
	}

	canonicalBytes, err := pl.Canonical()
	if err != nil {
		return nil, err
	}
	leaf := models.NewMerkleLeaf(canonicalBytes, p.SigningKey)

	keyMap, err := pl.SymmetricKeys()
	if err != nil {
		return nil, err
	}
	if keyMap != nil {
		wrapped, err := p.Wrapper.WrapSymmetricKeys(keyMap)
		if err != nil {
			return nil, err
		}
		leaf.WrappedKeys = wrapped
	}

	res := &Result{Action: action, Actor: canonical}
	work := spec.handler(p, pl, canonical, res)
	if _, err := p.Ledger.InsertLeaf(ctx, &leaf, work); err != nil {
		return nil, err
	}
	res.LeafID = leaf.PrimaryKey

	if err := p.DB.QueryRow(ctx,
		`SELECT root FROM pkd_merkle_leaves WHERE merkleleafid = $1`,
		leaf.PrimaryKey).Scan(&res.Root); err != nil {
		return nil, &pkderr.TableError{Table: "pkd_merkle_leaves", Op: "read root", Err: err}
	}
	if keyMap != nil {
		if err := p.Wrapper.RewrapSymmetricKeys(ctx, res.Root, keyMap); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// outerActorCheck rejects a payload routed through a request claiming a
// different identity than the one that signed the inner payload.
func (p *Protocol) outerActorCheck(ctx context.Context, pl *Payload, innerCanonical string) error {
	if pl.OuterActor == "" || pl.OuterActor == pl.Actor() {
		return nil
	}
	outer, err := p.Resolver.Canonicalize(ctx, pl.OuterActor)
	if err != nil {
		return err
	}
	if outer != innerCanonical {
		return pkderr.Protocolf("actor confusion attack detected")
	}
	return nil
}

// verifySignature accepts the payload if ANY of the actor's active keys
// verifies it, so rotation does not invalidate in-flight operations. A
// first AddKey is self-signed by the key being added.
func (p *Protocol) verifySignature(ctx context.Context, pl *Payload, canonical string) error {
	sig, err := pl.Signature()
	if err != nil {
		return err
	}
	base, err := pl.SigningBase()
	if err != nil {
		return err
	}
	message := httpsig.PAE(signatureContext, []byte(pl.Action()), []byte(pl.Actor()), base)

	keys, err := p.Actors.ActiveKeys(ctx, p.DB, canonical)
	if err != nil {
		return err
	}
	if len(keys) == 0 && pl.Action() == ActionAddKey {
		pub, err := payloadPublicKey(pl)
		if err != nil {
			return err
		}
		keys = []ed25519.PublicKey{pub}
	}
	for _, key := range keys {
		if len(key) == ed25519.PublicKeySize && ed25519.Verify(key, message, sig) {
			return nil
		}
	}
	return pkderr.Protocolf("signature verification failed for actor %s", pl.Actor())
}

// enforceOTP applies the one-time-code gate. An enrolled actor must
// present a fresh valid code on every action; enrollment itself proves
// knowledge of the new secret.
func (p *Protocol) enforceOTP(ctx context.Context, pl *Payload, canonical string) error {
	secret, enrolled, err := p.Actors.TotpSecret(ctx, p.DB, canonical)
	if err != nil {
		return err
	}
	action := pl.Action()

	if !enrolled {
		if action == ActionTotpDisenroll || action == ActionTotpRotate {
			return pkderr.Protocolf("actor not enrolled")
		}
		if action != ActionTotpEnroll {
			return nil
		}
	}

	otpObj, ok := pl.OTP()
	if !ok {
		return pkderr.Protocolf("one-time code required")
	}
	if err := p.checkWindow(otpObj.Timestamp); err != nil {
		return err
	}

	validateAgainst := secret
	if action == ActionTotpEnroll {
		if enrolled {
			return pkderr.Protocolf("already enrolled")
		}
		if otpObj.Secret == "" {
			return pkderr.Protocolf("enrollment secret required")
		}
		validateAgainst = []byte(otpObj.Secret)
	}
	if !totp.Validate(validateAgainst, otpObj.Timestamp, otpObj.Code) {
		return pkderr.Protocolf("invalid one-time code")
	}
	return nil
}

// checkWindow rejects codes older than the configured max life and any
// code from the future.
func (p *Protocol) checkWindow(ts int64) error {
	now := p.now().Unix()
	if ts > now {
		return pkderr.Protocolf("one-time code timestamp in the future")
	}
	maxLife := int64(p.OTPMaxLife / time.Second)
	if now-ts >= maxLife {
		return pkderr.Protocolf("one-time code expired")
	}
	return nil
}
