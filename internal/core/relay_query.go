package core

// RelayQuery narrows relay selection by location, ownership, provider and
// tunnel protocol. It is built up by intersecting successive user- and
// retry-policy-supplied constraints; Any is the identity so an empty query
// matches the whole relay list.
type RelayQuery struct {
	Location Constraint[RelayLocationFilter]
	Ownership Constraint[Ownership]
	Provider  Constraint[string]
	Protocol  Constraint[TunnelProtocol]
	WireGuardPort Constraint[uint16]
}

// RelayLocationFilter selects relays at a country or (country, city)
// granularity. City == "" means "whole country".
type RelayLocationFilter struct {
	Country string
	City    string
}

// Matches reports whether r satisfies f: an exact (country, city) filter
// requires both to match, a country-only filter only requires the country.
func (f RelayLocationFilter) Matches(loc RelayLocation) bool {
	if f.Country != loc.Country {
		return false
	}
	return f.City == "" || f.City == loc.City
}

// Intersect combines two queries field-wise. The result is empty (ok=false)
// if any single field's intersection is empty — an empty field can never be
// satisfied so the whole query can't either.
//
// This operation is associative, commutative and idempotent because each
// field's Intersect is (Constraint.Intersect satisfies those laws, and a
// struct of monoids under field-wise combination is itself a monoid).
func (q RelayQuery) Intersect(other RelayQuery) (RelayQuery, bool) {
	var out RelayQuery
	var ok bool

	out.Location, ok = q.Location.Intersect(other.Location)
	if !ok {
		return RelayQuery{}, false
	}
	out.Ownership, ok = q.Ownership.Intersect(other.Ownership)
	if !ok {
		return RelayQuery{}, false
	}
	out.Provider, ok = q.Provider.Intersect(other.Provider)
	if !ok {
		return RelayQuery{}, false
	}
	out.Protocol, ok = q.Protocol.Intersect(other.Protocol)
	if !ok {
		return RelayQuery{}, false
	}
	out.WireGuardPort, ok = q.WireGuardPort.Intersect(other.WireGuardPort)
	if !ok {
		return RelayQuery{}, false
	}
	return out, true
}

// Matches reports whether a relay in the given location satisfies the
// query. Protocol/port matching against the relay's endpoint data is done
// by the caller (the selector), since those checks need the Relay itself.
func (q RelayQuery) Matches(r Relay, loc RelayLocation) bool {
	if v, ok := q.Location.Value(); ok && !v.Matches(loc) {
		return false
	}
	if v, ok := q.Ownership.Value(); ok && v != r.Owned {
		return false
	}
	if v, ok := q.Provider.Value(); ok && v != r.Provider {
		return false
	}
	return true
}
