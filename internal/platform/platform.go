// Package platform defines the chat-platform boundary. An adapter normalizes
// platform events into inbound messages and carries replies back; everything
// platform-specific stays behind this interface.
package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/joescharf/dispatch/internal/router"
	"github.com/joescharf/dispatch/internal/sandbox"
)

// Inbound is one user message, normalized.
type Inbound struct {
	ConversationID string // platform-scoped conversation or thread id
	Text           string
	Sender         string
	Hints          *sandbox.Hints // nil when the platform knows no workflow context
}

// Sink receives normalized messages from a running adapter.
type Sink func(ctx context.Context, adapter Adapter, msg Inbound)

// Adapter is one connected platform.
type Adapter interface {
	// Start runs the adapter's receive loop until ctx is cancelled or the
	// transport ends. It blocks.
	Start(ctx context.Context, sink Sink) error
	Stop(ctx context.Context) error
	SendMessage(ctx context.Context, conversationID, text string) error
	// EnsureThread returns the conversation id replies should target,
	// creating a thread on platforms that have them.
	EnsureThread(ctx context.Context, originalID string, meta map[string]string) (string, error)
	StreamingMode() router.Mode
	Type() string
	// LongLived reports whether this platform's conversations stay relevant
	// indefinitely (threads, chat channels) rather than tracking a unit of
	// work that eventually closes.
	LongLived() bool
}

// Registry holds the configured adapters by platform type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, replacing any previous one of the same type.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

func (r *Registry) Get(platformType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platformType]
	if !ok {
		return nil, fmt.Errorf("unknown platform type %q", platformType)
	}
	return a, nil
}

// All returns the registered adapters in stable type order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	out := make([]Adapter, 0, len(types))
	for _, t := range types {
		out = append(out, r.adapters[t])
	}
	return out
}
