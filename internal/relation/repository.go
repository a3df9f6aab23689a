package relation

import "context"

// Repository persists relations as whole records.
type Repository interface {
	Create(ctx context.Context, r *Relation) error
	// Get returns a NotFound cerr.Error when the relation does not exist.
	Get(ctx context.Context, id string) (*Relation, error)
	List(ctx context.Context) ([]*Relation, error)
	ListByInstallation(ctx context.Context, installationID string) ([]*Relation, error)
	// Upsert creates or replaces the relation.
	Upsert(ctx context.Context, r *Relation) error
}
