// Package model defines the data structures for the offline store's
// configuration and durable queue entries.
package model

// MutationQueue is the on-disk shape of queue/mutations.yaml.
type MutationQueue struct {
	SchemaVersion int        `yaml:"schema_version"`
	FileType      string     `yaml:"file_type"`
	Mutations     []Mutation `yaml:"mutations"`
}

// Mutation is a durable record of one user-initiated write intended for a
// remote backend. Payload is opaque to the engine; only the handler registered
// for Type understands its shape.
type Mutation struct {
	ID            string  `yaml:"id"`
	Type          string  `yaml:"type"`
	Payload       any     `yaml:"payload"`
	Meta          Meta    `yaml:"meta"`
	Status        Status  `yaml:"status"`
	Attempts      int     `yaml:"attempts"`
	LastError     *string `yaml:"last_error"`
	CreatedAt     string  `yaml:"created_at"`
	LastAttemptAt *string `yaml:"last_attempt_at"`
}

// Meta carries user-facing descriptive fields. Display only: the engine never
// interprets it, and it is the only mutation data published on the event bus.
type Meta struct {
	Summary    string `yaml:"summary"`
	EntityType string `yaml:"entity_type"`
}

// Patch applies partial updates to a stored mutation. Nil fields are left
// untouched.
type Patch struct {
	Status        *Status
	Attempts      *int
	LastError     *string
	LastAttemptAt *string
}
