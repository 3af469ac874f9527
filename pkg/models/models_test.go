package models

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
)

func TestNewMerkleLeafVerifies(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	leaf := NewMerkleLeaf([]byte(`{"action":"Checkpoint"}`), priv)
	if err := leaf.Verify(pub); err != nil {
		t.Fatalf("leaf should verify: %v", err)
	}

	tampered := leaf
	tampered.Contents = `{"action":"AddKey"}`
	if err := tampered.Verify(pub); err == nil {
		t.Fatal("tampered contents should not verify")
	}

	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	if err := leaf.Verify(otherPub); err == nil {
		t.Fatal("wrong key should not verify")
	}
}

func TestAttributeKeyMapRoundTrip(t *testing.T) {
	m := AttributeKeyMap{"email": []byte{1, 2, 3}, "avatar": []byte{4, 5}}
	raw, err := m.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	again, err := m.Serialize()
	if err != nil {
		t.Fatalf("serialize again: %v", err)
	}
	if string(raw) != string(again) {
		t.Fatalf("serialization not deterministic: %s vs %s", raw, again)
	}
	parsed, err := ParseAttributeKeyMap(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed) != 2 || string(parsed["email"]) != string(m["email"]) {
		t.Fatalf("unexpected parsed map: %+v", parsed)
	}
}

func TestActivityStreamRoundTripPreservesUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"Create","actor":"https://a.example/u/1","object":{"id":"x"},"@context":"https://www.w3.org/ns/activitystreams","custom":[1,2]}`)
	var msg ActivityStream
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "Create" || msg.Actor != "https://a.example/u/1" {
		t.Fatalf("unexpected typed fields: %+v", msg)
	}
	if _, ok := msg.Extra["@context"]; !ok {
		t.Fatal("expected @context preserved in Extra")
	}
	out, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var first, second map[string]any
	if err := json.Unmarshal(raw, &first); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if err := json.Unmarshal(out, &second); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("round trip dropped fields: %v vs %v", first, second)
	}
}
