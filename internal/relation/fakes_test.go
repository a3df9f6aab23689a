package relation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/growilabs/slackbot-proxy/pkg/cerr"
)

type memoryRepository struct {
	mu        sync.Mutex
	relations map[string]*Relation
	upserts   atomic.Int32
	upsertErr error
}

func newMemoryRepository(rels ...*Relation) *memoryRepository {
	m := &memoryRepository{relations: make(map[string]*Relation)}
	for _, r := range rels {
		m.relations[r.ID] = r.Clone()
	}
	return m
}

func (m *memoryRepository) Create(_ context.Context, r *Relation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.relations[r.ID]; ok {
		return cerr.NewError(cerr.AlreadyExists, "relation already exists", nil)
	}
	m.relations[r.ID] = r.Clone()
	return nil
}

func (m *memoryRepository) Get(_ context.Context, id string) (*Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.relations[id]
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, "relation not found", nil)
	}
	return r.Clone(), nil
}

func (m *memoryRepository) List(_ context.Context) ([]*Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Relation
	for _, r := range m.relations {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *memoryRepository) ListByInstallation(_ context.Context, installationID string) ([]*Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Relation
	for _, r := range m.relations {
		if r.InstallationID == installationID {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *memoryRepository) Upsert(_ context.Context, r *Relation) error {
	m.upserts.Add(1)
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relations[r.ID] = r.Clone()
	return nil
}

type stubFetcher struct {
	calls    atomic.Int32
	commands *SupportedCommands
	err      error
	// block, when set, holds every fetch until it is closed.
	block chan struct{}
}

func (f *stubFetcher) FetchSupportedCommands(ctx context.Context, _, _ string) (*SupportedCommands, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.commands, nil
}

// recordingScheduler queues tasks instead of running them so tests can
// observe that Sync returned before any refresh happened.
type recordingScheduler struct {
	mu    sync.Mutex
	names []string
	tasks []func(context.Context) error
}

func (s *recordingScheduler) Go(name string, fn func(ctx context.Context) error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	s.tasks = append(s.tasks, fn)
	return true
}

func (s *recordingScheduler) runAll(ctx context.Context) []error {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	var errs []error
	for _, fn := range tasks {
		errs = append(errs, fn(ctx))
	}
	return errs
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.names)
}

type recordingNotifier struct {
	mu     sync.Mutex
	synced []string
	failed []string
}

func (n *recordingNotifier) NotifyRelationSynced(r *Relation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.synced = append(n.synced, r.ID)
}

func (n *recordingNotifier) NotifyRelationSyncFailed(r *Relation, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, r.ID)
}

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRelation(id string, expiredAt time.Time) *Relation {
	return &Relation{
		ID:                                 id,
		InstallationID:                     "T0001",
		GrowiURI:                           "https://" + id + ".growi.example.com",
		TokenGtoP:                          "gtop-" + id,
		TokenPtoG:                          "ptog-" + id,
		PermissionsForSingleUseCommands:    PermissionMap{},
		PermissionsForBroadcastUseCommands: PermissionMap{},
		ExpiredAtCommands:                  expiredAt,
		CreatedAt:                          baseTime.Add(-72 * time.Hour),
		UpdatedAt:                          baseTime.Add(-72 * time.Hour),
	}
}

// fresh is far enough from expiry that Sync neither blocks nor schedules.
func fresh(id string) *Relation {
	return newTestRelation(id, baseTime.Add(40*time.Hour))
}
