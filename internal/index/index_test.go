package index

import "testing"

func TestPutLookupDelete(t *testing.T) {
	idx, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	if _, ok, err := idx.Lookup("counter", []string{"a"}); err != nil || ok {
		t.Fatalf("expected miss before Put, ok=%v err=%v", ok, err)
	}

	if err := idx.Put("counter", []string{"a"}, "host-a:0"); err != nil {
		t.Fatalf("put: %v", err)
	}

	actorID, ok, err := idx.Lookup("counter", []string{"a"})
	if err != nil || !ok {
		t.Fatalf("expected hit after put, ok=%v err=%v", ok, err)
	}
	if actorID != "host-a:0" {
		t.Fatalf("unexpected actor id %q", actorID)
	}

	// Distinct keys must not collide.
	if _, ok, _ := idx.Lookup("counter", []string{"ab"}); ok {
		t.Fatalf("unexpected hit for a distinct key")
	}

	if err := idx.Delete("counter", []string{"a"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := idx.Lookup("counter", []string{"a"}); ok {
		t.Fatalf("expected miss after delete")
	}

	// Deleting an absent entry is a no-op, not an error.
	if err := idx.Delete("counter", []string{"a"}); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
}
