package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"
	"testing"
)

func TestEmptyTreeRoot(t *testing.T) {
	sum := sha256.Sum256(nil)
	if got := NewTree().Root(); got != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected empty root: %s", got)
	}
}

func TestAppendChangesRoot(t *testing.T) {
	tr := NewTree()
	r1 := tr.Append([]byte("one"))
	r2 := tr.Append([]byte("two"))
	if r1 == r2 {
		t.Fatal("appending a leaf must change the root")
	}
	if tr.Size() != 2 {
		t.Fatalf("unexpected size: %d", tr.Size())
	}
}

func TestAppendOrderMatters(t *testing.T) {
	a := NewTree()
	a.Append([]byte("one"))
	ra := a.Append([]byte("two"))
	b := NewTree()
	b.Append([]byte("two"))
	rb := b.Append([]byte("one"))
	if ra == rb {
		t.Fatal("leaf order must be reflected in the root")
	}
}

func TestLatestProofs(t *testing.T) {
	for _, size := range []int{1, 2, 3, 5, 8, 13, 64} {
		tr := NewTree()
		for i := 0; i < size; i++ {
			content := []byte(fmt.Sprintf("leaf-%d", i))
			root := tr.Append(content)
			proof, err := tr.LatestProof()
			if err != nil {
				t.Fatalf("size %d proof %d: %v", size, i, err)
			}
			if proof.LeafIndex != i || proof.TreeSize != i+1 {
				t.Fatalf("size %d: unexpected proof shape: %+v", size, proof)
			}
			if err := VerifyInclusion(content, proof, root); err != nil {
				t.Fatalf("size %d leaf %d should verify: %v", size, i, err)
			}
			if err := VerifyInclusion([]byte("other"), proof, root); err == nil {
				t.Fatalf("size %d leaf %d: wrong content must not verify", size, i)
			}
		}
	}
}

func TestLatestProofBoundToItsRoot(t *testing.T) {
	tr := NewTree()
	content := []byte("first")
	root := tr.Append(content)
	proof, err := tr.LatestProof()
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	later := tr.Append([]byte("second"))
	if err := VerifyInclusion(content, proof, root); err != nil {
		t.Fatalf("historical proof should still verify against its root: %v", err)
	}
	if err := VerifyInclusion(content, proof, later); err == nil {
		t.Fatal("historical proof must not verify against a later root")
	}
}

func TestLatestProofRequiresAppend(t *testing.T) {
	if _, err := NewTree().LatestProof(); err != ErrNoRecordedAppend {
		t.Fatalf("expected ErrNoRecordedAppend, got %v", err)
	}
	tr := NewTree()
	tr.Append([]byte("x"))
	raw, err := tr.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	restored, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := restored.LatestProof(); err != ErrNoRecordedAppend {
		t.Fatalf("restored tree has no recorded path, got %v", err)
	}
	root := restored.Append([]byte("y"))
	proof, err := restored.LatestProof()
	if err != nil {
		t.Fatalf("proof after append: %v", err)
	}
	if err := VerifyInclusion([]byte("y"), proof, root); err != nil {
		t.Fatalf("proof after restore should verify: %v", err)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	tr := NewTree()
	for i := 0; i < 7; i++ {
		tr.Append([]byte(fmt.Sprintf("entry %d", i)))
	}
	raw, err := tr.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	restored, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if restored.Root() != tr.Root() {
		t.Fatalf("restored root %s != original %s", restored.Root(), tr.Root())
	}
	next := []byte("entry 7")
	if restored.Append(next) != tr.Append(next) {
		t.Fatal("restored tree diverged after append")
	}
}

func TestStateStaysLogarithmic(t *testing.T) {
	tr := NewTree()
	for i := 0; i < 1000; i++ {
		tr.Append([]byte(fmt.Sprintf("entry %d", i)))
	}
	if got, want := len(tr.frontier), bits.OnesCount(1000); got != want {
		t.Fatalf("frontier holds %d nodes, want %d", got, want)
	}
	raw, err := tr.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if len(raw) > 1024 {
		t.Fatalf("serialized state unexpectedly large: %d bytes", len(raw))
	}
}

func TestParseEmptyState(t *testing.T) {
	tr, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse nil: %v", err)
	}
	if tr.Size() != 0 {
		t.Fatalf("expected empty tree, got size %d", tr.Size())
	}
	if _, err := Parse([]byte(`{"size":3,"frontier":["ab"]}`)); err == nil {
		t.Fatal("expected corrupt state error")
	}
	if _, err := Parse([]byte(`{"size":1,"frontier":["zz"]}`)); err == nil {
		t.Fatal("expected corrupt hash error")
	}
}

func TestAppendLeafHashMirrorsAppend(t *testing.T) {
	direct := NewTree()
	mirror := NewTree()
	for i := 0; i < 5; i++ {
		content := []byte(fmt.Sprintf("record %d", i))
		r1 := direct.Append(content)
		r2 := mirror.AppendLeafHash(LeafHash(content))
		if r1 != r2 {
			t.Fatalf("mirror diverged at %d: %s vs %s", i, r1, r2)
		}
	}
}
