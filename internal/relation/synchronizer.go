package relation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultCommandsValidity      = 48 * time.Hour
	DefaultCommandsRefreshWindow = 24 * time.Hour
	DefaultRefreshTimeout        = 30 * time.Second
)

// Fetcher retrieves the command permissions a GROWI instance currently grants.
type Fetcher interface {
	FetchSupportedCommands(ctx context.Context, growiURI, tokenPtoG string) (*SupportedCommands, error)
}

// Scheduler runs fire-and-forget work. detached.Runner implements it.
type Scheduler interface {
	Go(name string, fn func(ctx context.Context) error) bool
}

// SyncNotifier is told about refresh outcomes, e.g. to publish events.
type SyncNotifier interface {
	NotifyRelationSynced(r *Relation)
	NotifyRelationSyncFailed(r *Relation, err error)
}

type SynchronizerOption func(*Synchronizer)

func WithCommandsValidity(d time.Duration) SynchronizerOption {
	return func(s *Synchronizer) {
		s.validity = d
	}
}

func WithRefreshWindow(d time.Duration) SynchronizerOption {
	return func(s *Synchronizer) {
		s.refreshWindow = d
	}
}

// WithRefreshTimeout bounds a shared refresh, which outlives the context of
// the caller that started it.
func WithRefreshTimeout(d time.Duration) SynchronizerOption {
	return func(s *Synchronizer) {
		s.refreshTimeout = d
	}
}

func WithSyncNotifier(n SyncNotifier) SynchronizerOption {
	return func(s *Synchronizer) {
		s.notifier = n
	}
}

// Synchronizer keeps a relation's cached permission maps fresh. It is the
// only writer of those maps.
type Synchronizer struct {
	repo           Repository
	fetcher        Fetcher
	scheduler      Scheduler
	notifier       SyncNotifier
	validity       time.Duration
	refreshWindow  time.Duration
	refreshTimeout time.Duration

	// collapses concurrent refreshes of the same relation into one remote call
	inflight singleflight.Group
}

func NewSynchronizer(repo Repository, fetcher Fetcher, scheduler Scheduler, opts ...SynchronizerOption) *Synchronizer {
	s := &Synchronizer{
		repo:           repo,
		fetcher:        fetcher,
		scheduler:      scheduler,
		validity:       DefaultCommandsValidity,
		refreshWindow:  DefaultCommandsRefreshWindow,
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync returns a relation whose permissions can be evaluated at now.
//
//   - expired: refreshes synchronously. On failure the stale relation is
//     returned together with an error wrapping ErrSyncFailed.
//   - expiring within the refresh window: schedules a background refresh and
//     returns r as is.
//   - otherwise: returns r as is.
func (s *Synchronizer) Sync(ctx context.Context, r *Relation, now time.Time) (*Relation, error) {
	if r == nil {
		return nil, ErrNoRelation
	}

	distance := r.DistanceToExpiredAt(now)
	if distance < 0 {
		refreshed, err := s.Refresh(ctx, r, now)
		if err != nil {
			slog.ErrorContext(ctx, "failed to sync supported commands",
				"relation_id", r.ID, "growi_uri", r.GrowiURI, "error", err)
			return r, fmt.Errorf("%w: %w", ErrSyncFailed, err)
		}
		return refreshed, nil
	}

	if distance < s.refreshWindow {
		stale := r.Clone()
		s.scheduler.Go("refresh-relation:"+r.ID, func(ctx context.Context) error {
			_, err := s.Refresh(ctx, stale, now)
			return err
		})
	}
	return r, nil
}

// Refresh unconditionally fetches the permission maps for r, persists the
// updated record and returns it. r itself is not modified.
//
// Concurrent refreshes of one relation share a single remote call, which runs
// detached from every caller's cancellation. A caller whose ctx ends stops
// waiting; the others still get the result.
func (s *Synchronizer) Refresh(ctx context.Context, r *Relation, now time.Time) (*Relation, error) {
	if r == nil {
		return nil, ErrNoRelation
	}
	ch := s.inflight.DoChan(r.ID, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
		defer cancel()
		refreshed, err := s.refresh(refreshCtx, r, now)
		if err != nil {
			if s.notifier != nil {
				s.notifier.NotifyRelationSyncFailed(r, err)
			}
			return nil, err
		}
		if s.notifier != nil {
			s.notifier.NotifyRelationSynced(refreshed)
		}
		return refreshed, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Relation), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Synchronizer) refresh(ctx context.Context, r *Relation, now time.Time) (*Relation, error) {
	commands, err := s.fetcher.FetchSupportedCommands(ctx, r.GrowiURI, r.TokenPtoG)
	if err != nil {
		return nil, err
	}

	updated := r.Clone()
	updated.PermissionsForSingleUseCommands = nonNil(commands.PermissionsForSingleUseCommands)
	updated.PermissionsForBroadcastUseCommands = nonNil(commands.PermissionsForBroadcastUseCommands)
	updated.ExpiredAtCommands = now.Add(s.validity)
	updated.UpdatedAt = now
	if err := s.repo.Upsert(ctx, updated); err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "synced supported commands",
		"relation_id", updated.ID,
		"single_use", len(updated.PermissionsForSingleUseCommands),
		"broadcast_use", len(updated.PermissionsForBroadcastUseCommands),
		"expired_at_commands", updated.ExpiredAtCommands)
	return updated, nil
}

func nonNil(m PermissionMap) PermissionMap {
	if m == nil {
		return PermissionMap{}
	}
	return m.Clone()
}
