package repositoryimpl

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/growilabs/slackbot-proxy/internal/relation"
	"github.com/growilabs/slackbot-proxy/pkg/cerr"
	"github.com/growilabs/slackbot-proxy/pkg/storage"
)

const relationsPrefix = "relations"

var _ relation.Repository = (*YAMLRepository)(nil)

// YAMLRepository stores one YAML document per relation, keyed by relation ID.
type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", relationsPrefix, id)
}

func (r *YAMLRepository) Create(ctx context.Context, rel *relation.Relation) error {
	exists, err := r.storage.Exists(ctx, path(rel.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("relation", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "relation already exists", nil)
	}
	return r.write(ctx, rel)
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*relation.Relation, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("relation", err)
	}
	var rel relation.Relation
	if err := yaml.Unmarshal(data, &rel); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal relation %s: %w", id, err))
	}
	return &rel, nil
}

// List returns every relation ordered by ID. Unreadable records are logged
// and skipped.
func (r *YAMLRepository) List(ctx context.Context) ([]*relation.Relation, error) {
	return r.list(ctx, func(*relation.Relation) bool { return true })
}

func (r *YAMLRepository) ListByInstallation(ctx context.Context, installationID string) ([]*relation.Relation, error) {
	return r.list(ctx, func(rel *relation.Relation) bool {
		return rel.InstallationID == installationID
	})
}

func (r *YAMLRepository) Upsert(ctx context.Context, rel *relation.Relation) error {
	return r.write(ctx, rel)
}

func (r *YAMLRepository) list(ctx context.Context, keep func(*relation.Relation) bool) ([]*relation.Relation, error) {
	paths, err := r.storage.List(ctx, relationsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("relations", err)
	}
	sort.Strings(paths)

	var out []*relation.Relation
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable relation", "path", p, "error", err)
			continue
		}
		var rel relation.Relation
		if err := yaml.Unmarshal(data, &rel); err != nil {
			slog.WarnContext(ctx, "skipping malformed relation", "path", p, "error", err)
			continue
		}
		if keep(&rel) {
			out = append(out, &rel)
		}
	}
	return out, nil
}

func (r *YAMLRepository) write(ctx context.Context, rel *relation.Relation) error {
	data, err := yaml.Marshal(rel)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal relation: %w", err))
	}
	if err := r.storage.Write(ctx, path(rel.ID), data); err != nil {
		return cerr.WrapStorageWriteError("relation", err)
	}
	return nil
}
