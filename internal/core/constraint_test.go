package core

import "testing"

func TestConstraintIntersectIdentity(t *testing.T) {
	a := Only("se")
	any := Any[string]()

	got, ok := a.Intersect(any)
	if !ok || got != a {
		t.Fatalf("Only(a) ∩ Any = %v, %v; want %v, true", got, ok, a)
	}
	got, ok = any.Intersect(a)
	if !ok || got != a {
		t.Fatalf("Any ∩ Only(a) = %v, %v; want %v, true", got, ok, a)
	}
}

func TestConstraintIntersectEqualValues(t *testing.T) {
	a := Only(5)
	b := Only(5)
	got, ok := a.Intersect(b)
	if !ok || got != a {
		t.Fatalf("Only(5) ∩ Only(5) = %v, %v; want %v, true", got, ok, a)
	}
}

func TestConstraintIntersectDistinctValuesEmpty(t *testing.T) {
	a := Only("se")
	b := Only("no")
	_, ok := a.Intersect(b)
	if ok {
		t.Fatalf("Only(se) ∩ Only(no) should be empty")
	}
}

func TestConstraintIntersectCommutative(t *testing.T) {
	pairs := []struct{ a, b Constraint[int] }{
		{Any[int](), Only(1)},
		{Only(1), Only(1)},
		{Only(1), Only(2)},
	}
	for _, p := range pairs {
		ab, okab := p.a.Intersect(p.b)
		ba, okba := p.b.Intersect(p.a)
		if okab != okba || ab != ba {
			t.Fatalf("Intersect not commutative for %v, %v: (%v,%v) vs (%v,%v)", p.a, p.b, ab, okab, ba, okba)
		}
	}
}

func TestConstraintIntersectAssociative(t *testing.T) {
	a, b, c := Any[int](), Only(7), Only(7)

	ab, ok := a.Intersect(b)
	if !ok {
		t.Fatal("a ∩ b should not be empty")
	}
	left, okLeft := ab.Intersect(c)

	bc, ok := b.Intersect(c)
	if !ok {
		t.Fatal("b ∩ c should not be empty")
	}
	right, okRight := a.Intersect(bc)

	if okLeft != okRight || left != right {
		t.Fatalf("Intersect not associative: (a∩b)∩c=%v,%v a∩(b∩c)=%v,%v", left, okLeft, right, okRight)
	}
}

func TestConstraintIntersectIdempotent(t *testing.T) {
	a := Only("se")
	got, ok := a.Intersect(a)
	if !ok || got != a {
		t.Fatalf("Only(a) ∩ Only(a) = %v, %v; want %v, true", got, ok, a)
	}

	any := Any[string]()
	got, ok = any.Intersect(any)
	if !ok || got != any {
		t.Fatalf("Any ∩ Any = %v, %v; want %v, true", got, ok, any)
	}
}

func TestRelayQueryIntersectEmptyPropagates(t *testing.T) {
	q1 := RelayQuery{Ownership: Only(OwnershipMullvadOwned)}
	q2 := RelayQuery{Ownership: Only(OwnershipRented)}

	_, ok := q1.Intersect(q2)
	if ok {
		t.Fatal("conflicting ownership constraints should make the query empty")
	}
}

func TestRelayQueryIntersectMerges(t *testing.T) {
	q1 := RelayQuery{Location: Only(RelayLocationFilter{Country: "se"})}
	q2 := RelayQuery{Protocol: Only(ProtocolWireGuard)}

	merged, ok := q1.Intersect(q2)
	if !ok {
		t.Fatal("disjoint-field queries should intersect")
	}
	loc, _ := merged.Location.Value()
	if loc.Country != "se" {
		t.Fatalf("expected merged location country se, got %q", loc.Country)
	}
	proto, _ := merged.Protocol.Value()
	if proto != ProtocolWireGuard {
		t.Fatalf("expected merged protocol WireGuard, got %v", proto)
	}
}
