package protocol

import (
	"encoding/hex"
	"encoding/json"

	"pkd/pkg/models"
	"pkd/pkg/pkderr"
)

// OTP is the transport one-time-code object. Secret and NewSecret ride
// here, not in the payload body, so enrollment material is stripped from
// ledger content along with the rest of the transport metadata.
type OTP struct {
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
	Secret    string `json:"secret,omitempty"`
	NewSecret string `json:"new-secret,omitempty"`
}

// Payload is one parsed protocol request. Raw keeps the original bytes;
// typed accessors read the well-known fields and everything else stays
// available through Field.
type Payload struct {
	Raw        []byte
	Encrypted  bool
	OuterActor string

	fields map[string]json.RawMessage
}

func ParsePayload(raw []byte) (*Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, pkderr.Protocolf("malformed payload: %v", err)
	}
	return &Payload{Raw: raw, fields: fields}, nil
}

func (p *Payload) stringField(name string) string {
	v, ok := p.fields[name]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(v, &s) != nil {
		return ""
	}
	return s
}

func (p *Payload) Action() string { return p.stringField("action") }
func (p *Payload) Actor() string  { return p.stringField("actor") }
func (p *Payload) KeyID() string  { return p.stringField("key-id") }

func (p *Payload) Field(name string) (json.RawMessage, bool) {
	v, ok := p.fields[name]
	return v, ok
}

// String returns a string-typed payload field, "" if absent.
func (p *Payload) String(name string) string { return p.stringField(name) }

func (p *Payload) OTP() (*OTP, bool) {
	v, ok := p.fields["otp"]
	if !ok {
		return nil, false
	}
	var otp OTP
	if json.Unmarshal(v, &otp) != nil {
		return nil, false
	}
	return &otp, true
}

// SymmetricKeys decodes the transport symmetric-keys object.
func (p *Payload) SymmetricKeys() (models.AttributeKeyMap, error) {
	v, ok := p.fields["symmetric-keys"]
	if !ok {
		return nil, nil
	}
	var in map[string]string
	if err := json.Unmarshal(v, &in); err != nil {
		return nil, pkderr.Protocolf("malformed symmetric-keys: %v", err)
	}
	out := make(models.AttributeKeyMap, len(in))
	for name, h := range in {
		key, err := hex.DecodeString(h)
		if err != nil {
			return nil, pkderr.Protocolf("symmetric-keys entry %q: %v", name, err)
		}
		out[name] = key
	}
	return out, nil
}

// Canonical is the exact byte string fed to the ledger: transport fields
// stripped, keys sorted.
func (p *Payload) Canonical() ([]byte, error) {
	out, err := models.CanonicalPayload(p.Raw)
	if err != nil {
		return nil, pkderr.Protocolf("canonicalize: %v", err)
	}
	return out, nil
}

// SigningBase is Canonical with the signature field removed as well,
// since the signature cannot cover itself.
func (p *Payload) SigningBase() ([]byte, error) {
	stripped := make(map[string]json.RawMessage, len(p.fields))
	for k, v := range p.fields {
		if k == "signature" {
			continue
		}
		stripped[k] = v
	}
	raw, err := json.Marshal(stripped)
	if err != nil {
		return nil, pkderr.Protocolf("signing base: %v", err)
	}
	out, err := models.CanonicalPayload(raw)
	if err != nil {
		return nil, pkderr.Protocolf("signing base: %v", err)
	}
	return out, nil
}

// Signature returns the actor's signature over SigningBase.
func (p *Payload) Signature() ([]byte, error) {
	s := p.stringField("signature")
	if s == "" {
		return nil, pkderr.Protocolf("missing signature")
	}
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, pkderr.Protocolf("malformed signature: %v", err)
	}
	return sig, nil
}
