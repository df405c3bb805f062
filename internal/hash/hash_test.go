package hash

import "testing"

func TestDeterministic(t *testing.T) {
	var a, b Hash
	for _, h := range []*Hash{&a, &b} {
		h.Append(42)
		h.AppendString("Grade")
		h.AppendFloat(1.5)
		h.Compute()
	}
	if a.Value() != b.Value() {
		t.Fatalf("same inputs hashed differently: %x vs %x", a.Value(), b.Value())
	}
	if a.Value() == 0 {
		t.Fatal("computed hash is zero")
	}
}

func TestOrderSensitive(t *testing.T) {
	var a, b Hash
	a.Append(1)
	a.Append(2)
	a.Compute()
	b.Append(2)
	b.Append(1)
	b.Compute()
	if a.Value() == b.Value() {
		t.Fatal("swapping words did not change the hash")
	}
}

func TestComputeClearsBuffer(t *testing.T) {
	var h Hash
	h.Append(7)
	h.Compute()
	first := h.Value()

	// The buffer was cleared, so the next round hashes only its own words.
	h.Append(7)
	h.Compute()
	if h.Value() != first {
		t.Fatalf("second round over the same word differs: %x vs %x", first, h.Value())
	}
}

func TestAppendHashRecursion(t *testing.T) {
	var parent Hash
	parent.Append(99)
	parent.Compute()

	var child1, child2 Hash
	child1.Append(1)
	child1.AppendHash(&parent)
	child1.Compute()

	// A different parent value must cascade into the child.
	var parent2 Hash
	parent2.Append(100)
	parent2.Compute()
	child2.Append(1)
	child2.AppendHash(&parent2)
	child2.Compute()

	if child1.Value() == child2.Value() {
		t.Fatal("parent change did not cascade into child hash")
	}
}

func TestReset(t *testing.T) {
	var h Hash
	h.Append(5)
	h.Compute()
	h.Reset()
	if h.Value() != 0 {
		t.Fatalf("Reset left value %x", h.Value())
	}
}

func TestOf(t *testing.T) {
	if Of(1, 2, 3) != Of(1, 2, 3) {
		t.Fatal("Of is not deterministic")
	}
	if Of(1, 2) == Of(2, 1) {
		t.Fatal("Of is not order sensitive")
	}
}
