package relation

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Syncer is the part of Synchronizer the Evaluator depends on.
type Syncer interface {
	Sync(ctx context.Context, r *Relation, now time.Time) (*Relation, error)
}

type EvaluatorOption func(*Evaluator)

// WithFailClosedOnSyncError denies every command of a relation whose
// expired permissions could not be refreshed. By default the stale
// permissions keep applying until the next successful sync.
func WithFailClosedOnSyncError() EvaluatorOption {
	return func(e *Evaluator) {
		e.failClosed = true
	}
}

// Evaluator decides whether a relation permits a command in a channel.
type Evaluator struct {
	syncer     Syncer
	failClosed bool
}

func NewEvaluator(syncer Syncer, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{syncer: syncer}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// usable syncs r and returns the relation to evaluate, or nil when nothing
// should be trusted.
func (e *Evaluator) usable(ctx context.Context, r *Relation, now time.Time) *Relation {
	synced, err := e.syncer.Sync(ctx, r, now)
	switch {
	case err == nil:
		return synced
	case errors.Is(err, ErrSyncFailed) && !e.failClosed && synced != nil:
		slog.WarnContext(ctx, "evaluating stale permissions", "relation_id", synced.ID)
		return synced
	default:
		return nil
	}
}

func (e *Evaluator) IsAllowed(ctx context.Context, r *Relation, scope Scope, commandType, channelName string, now time.Time) bool {
	synced := e.usable(ctx, r, now)
	if synced == nil {
		return false
	}
	p, ok := synced.Permissions(scope).Lookup(commandType)
	if !ok {
		return false
	}
	return p.AllowsChannel(channelName)
}

func (e *Evaluator) IsPermittedForSingleUse(ctx context.Context, r *Relation, commandType, channelName string, now time.Time) bool {
	return e.IsAllowed(ctx, r, ScopeSingleUse, commandType, channelName, now)
}

func (e *Evaluator) IsPermittedForBroadcastUse(ctx context.Context, r *Relation, commandType, channelName string, now time.Time) bool {
	return e.IsAllowed(ctx, r, ScopeBroadcastUse, commandType, channelName, now)
}
