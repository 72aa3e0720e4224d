package state

// Machine is an explicit allowed-edges table for entities with an enumerated
// lifecycle (connections, plugins, session states carrying a status field).
// A transition absent from the table is rejected without mutating anything.
type Machine struct {
	edges map[string]map[string]struct{}
}

// NewMachine builds a Machine from a from -> allowed-targets table.
func NewMachine(edges map[string][]string) *Machine {
	m := &Machine{edges: make(map[string]map[string]struct{}, len(edges))}
	for from, tos := range edges {
		set := make(map[string]struct{}, len(tos))
		for _, to := range tos {
			set[to] = struct{}{}
		}
		m.edges[from] = set
	}
	return m
}

// Allows reports whether the from -> to edge is in the table.
func (m *Machine) Allows(from, to string) bool {
	set, ok := m.edges[from]
	if !ok {
		return false
	}
	_, ok = set[to]
	return ok
}

// Validate returns a typed error for a disallowed edge.
func (m *Machine) Validate(name, from, to string) error {
	if !m.Allows(from, to) {
		return &Error{Kind: ErrInvalidTransition, Name: name, Detail: from + " -> " + to}
	}
	return nil
}
