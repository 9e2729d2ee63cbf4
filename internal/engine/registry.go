package engine

import (
	"context"
	"sort"
	"sync"

	engerrors "github.com/deep-research/execution-engine/internal/errors"
	"github.com/deep-research/execution-engine/internal/logger"
	"github.com/deep-research/execution-engine/internal/notifications"
	"github.com/deep-research/execution-engine/internal/store"
)

// Registry owns one coordinator per account, created lazily on first use.
// Coordinators survive between signals so per-account serialization, request
// deduplication and the stats tracker all keep their state.
type Registry struct {
	mu sync.Mutex

	store    store.Store
	factory  ConnectorFactory
	notifier notifications.Notifier
	logDir   string

	coordinators map[string]*Coordinator
}

// NewRegistry wires a registry over shared infrastructure.
func NewRegistry(st store.Store, factory ConnectorFactory, notifier notifications.Notifier, logDir string) *Registry {
	return &Registry{
		store:        st,
		factory:      factory,
		notifier:     notifier,
		logDir:       logDir,
		coordinators: make(map[string]*Coordinator),
	}
}

// Get returns the coordinator for an account, creating it on first use. The
// new coordinator is seeded from the persisted config so a restart resumes
// with the same stats, breaker state and lastRun.
func (r *Registry) Get(ctx context.Context, accountID string) (*Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.coordinators[accountID]; ok {
		return c, nil
	}

	cfg, err := r.store.LoadConfig(ctx, accountID)
	if err != nil {
		return nil, engerrors.NewPersistenceError("registry", err)
	}

	log, err := logger.NewLogger(r.logDir, accountID)
	if err != nil {
		log = logger.NewNopLogger()
	}

	c := NewCoordinator(cfg, r.store, r.factory, log, r.notifier)
	r.coordinators[accountID] = c
	return c, nil
}

// Remove tears down one account's coordinator, cancelling its resting quotes.
func (r *Registry) Remove(ctx context.Context, accountID string) {
	r.mu.Lock()
	c, ok := r.coordinators[accountID]
	delete(r.coordinators, accountID)
	r.mu.Unlock()

	if ok {
		c.Shutdown(ctx)
	}
}

// Accounts lists the accounts with live coordinators, sorted.
func (r *Registry) Accounts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.coordinators))
	for id := range r.coordinators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Statuses collects a status snapshot for every live coordinator.
func (r *Registry) Statuses(ctx context.Context) []EngineStatus {
	r.mu.Lock()
	coords := make(map[string]*Coordinator, len(r.coordinators))
	for id, c := range r.coordinators {
		coords[id] = c
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(coords))
	for id := range coords {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	statuses := make([]EngineStatus, 0, len(ids))
	for _, id := range ids {
		statuses = append(statuses, coords[id].Status(ctx))
	}
	return statuses
}

// Shutdown tears down every coordinator.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	coords := make([]*Coordinator, 0, len(r.coordinators))
	for _, c := range r.coordinators {
		coords = append(coords, c)
	}
	r.coordinators = make(map[string]*Coordinator)
	r.mu.Unlock()

	for _, c := range coords {
		c.Shutdown(ctx)
	}
}

// Store exposes the registry's backing store.
func (r *Registry) Store() store.Store {
	return r.store
}
