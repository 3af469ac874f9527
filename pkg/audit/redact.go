package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fields whose plaintext never belongs in the log. OTP material is
// dropped outright; the rest is replaced by a salted hash so entries
// stay correlatable.
var droppedFields = map[string]bool{
	"otp": true,
}

var hashedFields = map[string]bool{
	"signature":        true,
	"symmetric-keys":   true,
	"aux-data":         true,
	"revocation-token": true,
}

func redactRecord(rec Record, salt []byte) Record {
	rec.ActorHash = hashString(rec.ActorHash, salt)
	rec.Payload = redactPayload(rec.Payload, salt)
	return rec
}

func redactPayload(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		payload := map[string]interface{}{
			"payload_hash":    hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	redacted := make(map[string]interface{}, len(fields))
	for name, value := range fields {
		switch {
		case droppedFields[name]:
		case hashedFields[name]:
			redacted[name+"_hash"] = hashBytes(value, salt)
		case name == "actor":
			var actor string
			if err := json.Unmarshal(value, &actor); err == nil {
				redacted["actor_hash"] = hashString(actor, salt)
			} else {
				redacted["actor_hash"] = hashBytes(value, salt)
			}
		default:
			redacted[name] = value
		}
	}
	b, _ := json.Marshal(redacted)
	return b
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
