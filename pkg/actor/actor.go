// Package actor identifies who performed a mutation. Identities arrive
// already authenticated from the API layer; there is nothing to persist here.
package actor

// Type tags an actor as a human user or an automated agent. The lifecycle
// and the ledger treat both identically, differing only in the stored tag.
type Type string

const (
	TypeHuman Type = "human"
	TypeAgent Type = "agent"
)

// Valid reports whether t is a known actor type.
func (t Type) Valid() bool {
	return t == TypeHuman || t == TypeAgent
}

// Actor is the identity attributed to a mutation in the audit ledger.
type Actor struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`
}

// Scheduler is the system identity attributed to scheduler-driven mutations.
var Scheduler = Actor{ID: "scheduler", Type: TypeAgent}
