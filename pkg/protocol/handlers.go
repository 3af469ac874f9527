package protocol

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"

	"pkd/pkg/ledger"
	"pkd/pkg/pkderr"
)

func payloadPublicKey(pl *Payload) (ed25519.PublicKey, error) {
	raw := pl.String("public-key")
	if raw == "" {
		return nil, pkderr.Protocolf("missing public-key")
	}
	pub, err := hex.DecodeString(raw)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, pkderr.Protocolf("malformed public-key")
	}
	return ed25519.PublicKey(pub), nil
}

func handleAddKey(p *Protocol, pl *Payload, canonical string, res *Result) ledger.Work {
	return func(ctx context.Context, tx ledger.Tx) error {
		pub, err := payloadPublicKey(pl)
		if err != nil {
			return err
		}
		actorID, err := p.Actors.EnsureActor(ctx, tx, canonical)
		if err != nil {
			return err
		}
		keyID, err := p.Actors.AddKey(ctx, tx, actorID, pub)
		if err != nil {
			return err
		}
		res.KeyID = keyID
		return nil
	}
}

func handleRevokeKey(p *Protocol, pl *Payload, canonical string, res *Result) ledger.Work {
	return func(ctx context.Context, tx ledger.Tx) error {
		pub, err := payloadPublicKey(pl)
		if err != nil {
			return err
		}
		actorID, _, found, err := p.Actors.LookupActor(ctx, tx, canonical)
		if err != nil {
			return err
		}
		if !found {
			return pkderr.Protocolf("unknown actor")
		}
		return p.Actors.RevokeKey(ctx, tx, actorID, pub)
	}
}

// handleRevokeKeyThirdParty revokes another actor's key. The target is
// named by the payload; a fireproofed target cannot be revoked this way.
// The submitting actor's own signature was already verified, and the
// payload must carry a revocation token signed by the key being revoked.
func handleRevokeKeyThirdParty(p *Protocol, pl *Payload, canonical string, res *Result) ledger.Work {
	return func(ctx context.Context, tx ledger.Tx) error {
		target := pl.String("target-actor")
		if target == "" {
			return pkderr.Protocolf("missing target-actor")
		}
		targetCanonical, err := p.Resolver.Canonicalize(ctx, target)
		if err != nil {
			return err
		}
		pub, err := payloadPublicKey(pl)
		if err != nil {
			return err
		}
		if err := verifyRevocationToken(pl, pub); err != nil {
			return err
		}
		actorID, fireproof, found, err := p.Actors.LookupActor(ctx, tx, targetCanonical)
		if err != nil {
			return err
		}
		if !found {
			return pkderr.Protocolf("unknown target actor")
		}
		if fireproof {
			return pkderr.Protocolf("actor is fireproofed; third-party revocation refused")
		}
		return p.Actors.RevokeKey(ctx, tx, actorID, pub)
	}
}

// verifyRevocationToken requires proof of compromise: a fixed statement
// signed by the very key being revoked.
func verifyRevocationToken(pl *Payload, pub ed25519.PublicKey) error {
	tokenHex := pl.String("revocation-token")
	if tokenHex == "" {
		return pkderr.Protocolf("missing revocation-token")
	}
	token, err := hex.DecodeString(tokenHex)
	if err != nil {
		return pkderr.Protocolf("malformed revocation-token")
	}
	statement := []byte("pkd-revoke:" + pl.String("public-key"))
	if !ed25519.Verify(pub, statement, token) {
		return pkderr.Protocolf("revocation token does not verify against the target key")
	}
	return nil
}

func handleAddAuxData(p *Protocol, pl *Payload, canonical string, res *Result) ledger.Work {
	return func(ctx context.Context, tx ledger.Tx) error {
		name := pl.String("aux-type")
		if name == "" {
			return pkderr.Protocolf("missing aux-type")
		}
		content := pl.String("aux-data")
		if content == "" {
			return pkderr.Protocolf("missing aux-data")
		}
		actorID, _, found, err := p.Actors.LookupActor(ctx, tx, canonical)
		if err != nil {
			return err
		}
		if !found {
			return pkderr.Protocolf("unknown actor")
		}
		return p.Actors.AddAux(ctx, tx, actorID, name, content)
	}
}

func handleRevokeAuxData(p *Protocol, pl *Payload, canonical string, res *Result) ledger.Work {
	return func(ctx context.Context, tx ledger.Tx) error {
		name := pl.String("aux-type")
		if name == "" {
			return pkderr.Protocolf("missing aux-type")
		}
		actorID, _, found, err := p.Actors.LookupActor(ctx, tx, canonical)
		if err != nil {
			return err
		}
		if !found {
			return pkderr.Protocolf("unknown actor")
		}
		return p.Actors.RevokeAux(ctx, tx, actorID, name)
	}
}

// handleCheckpoint binds the current tree root into the ledger. When the
// payload claims a root, it must match what the ledger holds at insert
// time, inside the lock.
func handleCheckpoint(p *Protocol, pl *Payload, canonical string, res *Result) ledger.Work {
	return func(ctx context.Context, tx ledger.Tx) error {
		claimed, ok := pl.Field("merkle-root")
		if !ok {
			return nil
		}
		var claimedRoot string
		if err := json.Unmarshal(claimed, &claimedRoot); err != nil {
			return pkderr.Protocolf("malformed merkle-root")
		}
		current, err := ledger.LatestRoot(ctx, tx)
		if err != nil {
			return err
		}
		if claimedRoot != current {
			return pkderr.Protocolf("checkpoint root mismatch")
		}
		return nil
	}
}

func handleFireproof(p *Protocol, pl *Payload, canonical string, res *Result) ledger.Work {
	return setFireproof(p, canonical, true)
}

func handleUndoFireproof(p *Protocol, pl *Payload, canonical string, res *Result) ledger.Work {
	return setFireproof(p, canonical, false)
}

func setFireproof(p *Protocol, canonical string, fireproof bool) ledger.Work {
	return func(ctx context.Context, tx ledger.Tx) error {
		actorID, _, found, err := p.Actors.LookupActor(ctx, tx, canonical)
		if err != nil {
			return err
		}
		if !found {
			return pkderr.Protocolf("unknown actor")
		}
		return p.Actors.SetFireproof(ctx, tx, actorID, fireproof)
	}
}

func handleTotpEnroll(p *Protocol, pl *Payload, canonical string, res *Result) ledger.Work {
	return func(ctx context.Context, tx ledger.Tx) error {
		otpObj, ok := pl.OTP()
		if !ok || otpObj.Secret == "" {
			return pkderr.Protocolf("enrollment secret required")
		}
		actorID, _, found, err := p.Actors.LookupActor(ctx, tx, canonical)
		if err != nil {
			return err
		}
		if !found {
			return pkderr.Protocolf("unknown actor")
		}
		return p.Actors.TotpEnroll(ctx, tx, actorID, []byte(otpObj.Secret))
	}
}

func handleTotpDisenroll(p *Protocol, pl *Payload, canonical string, res *Result) ledger.Work {
	return func(ctx context.Context, tx ledger.Tx) error {
		actorID, _, found, err := p.Actors.LookupActor(ctx, tx, canonical)
		if err != nil {
			return err
		}
		if !found {
			return pkderr.Protocolf("unknown actor")
		}
		return p.Actors.TotpDisenroll(ctx, tx, actorID)
	}
}

func handleTotpRotate(p *Protocol, pl *Payload, canonical string, res *Result) ledger.Work {
	return func(ctx context.Context, tx ledger.Tx) error {
		otpObj, ok := pl.OTP()
		if !ok || otpObj.NewSecret == "" {
			return pkderr.Protocolf("new secret required")
		}
		actorID, _, found, err := p.Actors.LookupActor(ctx, tx, canonical)
		if err != nil {
			return err
		}
		if !found {
			return pkderr.Protocolf("unknown actor")
		}
		return p.Actors.TotpRotate(ctx, tx, actorID, []byte(otpObj.NewSecret))
	}
}
