package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
)

// Transport metadata fields carried alongside protocol payloads. They are
// stripped before hashing: they authenticate or route the request, they
// are not ledger content.
var transportFields = []string{"key-id", "symmetric-keys", "otp"}

// CanonicalizeJSON returns an RFC 8785-compatible canonical form for the
// JSON subset the protocol uses. Object keys are sorted, insignificant
// whitespace is removed, and numbers are emitted exactly as they appear
// in the source token.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalPayload strips the transport metadata fields from a payload
// object and canonicalizes the remainder. The result is deterministic for
// the same logical payload regardless of field ordering in the request,
// and is the exact byte string fed to the ledger.
func CanonicalPayload(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.New("payload must be a JSON object")
	}
	for _, f := range transportFields {
		delete(obj, f)
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		buf.WriteString(t.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}
