// Package ai defines the backend boundary: a query goes in, a lazy stream of
// typed chunks comes out. Backends differ in how they talk to the model (CLI
// subprocess, HTTP API) but not in what they emit.
package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidResumeToken reports that a backend rejected the resumption token,
// meaning the referenced context no longer exists on the backend side.
var ErrInvalidResumeToken = errors.New("invalid resume token")

// ChunkType tags a piece of backend output.
type ChunkType string

const (
	ChunkAssistant ChunkType = "assistant"
	ChunkTool      ChunkType = "tool"
	ChunkThinking  ChunkType = "thinking"
	ChunkSystem    ChunkType = "system"
	ChunkResult    ChunkType = "result"
)

// Chunk is one unit of backend output.
type Chunk struct {
	Type        ChunkType
	Text        string // assistant, thinking, and system chunks
	ToolName    string // tool chunks
	ToolInput   string // tool chunks, compact JSON
	ResumeToken string // result chunks; empty when the backend has no resumption
}

// Query is a single exchange request.
type Query struct {
	Prompt      string
	WorkingDir  string
	ResumeToken string // empty for a fresh context
}

// streamBuffer is how many chunks a producer can run ahead of its consumer.
const streamBuffer = 16

// Stream delivers chunks as the backend produces them. It is consumed once:
// range over Chunks until closed, then check Err for a mid-stream failure.
type Stream struct {
	ch  chan Chunk
	err error
}

// NewStream returns a stream for a producer goroutine to fill.
func NewStream() *Stream {
	return &Stream{ch: make(chan Chunk, streamBuffer)}
}

// Chunks returns the receive side of the stream.
func (s *Stream) Chunks() <-chan Chunk {
	return s.ch
}

// Err reports the failure that ended the stream, if any. Only valid after
// Chunks is closed.
func (s *Stream) Err() error {
	return s.err
}

// Send delivers one chunk, giving up when ctx is cancelled so an abandoned
// consumer cannot strand the producer.
func (s *Stream) Send(ctx context.Context, c Chunk) error {
	select {
	case s.ch <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseWith records the terminal error (nil for a clean end) and closes the
// stream. Producer side only, exactly once.
func (s *Stream) CloseWith(err error) {
	s.err = err
	close(s.ch)
}

// Backend executes queries against one AI system.
type Backend interface {
	// SendQuery starts an exchange. Chunks arrive on the returned stream;
	// the final chunk is a result carrying the resumption token when the
	// backend supports resumption.
	SendQuery(ctx context.Context, q Query) (*Stream, error)
	// Type identifies the backend in configuration and persisted records.
	Type() string
}

// Registry holds the configured backends by type.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry returns an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend. Later registrations replace earlier ones of the
// same type.
func (r *Registry) Register(b Backend) {
	r.backends[b.Type()] = b
}

// Get returns the backend for the given type.
func (r *Registry) Get(backendType string) (Backend, error) {
	b, ok := r.backends[backendType]
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
	return b, nil
}

// Types lists the registered backend types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.backends))
	for t := range r.backends {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
