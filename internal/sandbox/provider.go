package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/joescharf/dispatch/internal/models"
)

// DefaultProviderName selects the worktree provider when an environment
// record does not say otherwise.
const DefaultProviderName = "worktree"

// CreateRequest asks a provider for a new sandbox.
type CreateRequest struct {
	RepoPath     string // canonical checkout
	Path         string // where the sandbox goes
	Branch       string
	WorkflowType models.WorkflowType
	WorkflowID   string
	Hints        *Hints
}

// CreateResult reports what the provider actually built.
type CreateResult struct {
	Path       string
	Branch     string
	BaseBranch string // what the sandbox was created from
	PinnedSHA  string // exact commit, fork PRs only
	Degraded   bool   // fork PR that could not be pinned
}

type DestroyOptions struct {
	Force      bool
	KeepBranch bool
}

// Provider builds and tears down sandboxes. It manages the resource only;
// records and conversations are the manager's business.
type Provider interface {
	Name() string
	Create(ctx context.Context, req CreateRequest) (CreateResult, error)
	Destroy(ctx context.Context, repoPath string, env *models.Environment, opts DestroyOptions) error
	HealthCheck(env *models.Environment) bool
}

// ProviderRegistry selects providers by the type tag stored on each
// environment record.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register adds a provider, replacing any previous one of the same name.
func (r *ProviderRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *ProviderRegistry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
