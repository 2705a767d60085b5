// Package router delivers backend output to a platform, either chunk by
// chunk or as one accumulated message.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joescharf/dispatch/internal/ai"
)

// Mode selects how an adapter wants backend output delivered.
type Mode string

const (
	// ModeStream forwards assistant text and formatted tool calls as they arrive.
	ModeStream Mode = "stream"
	// ModeBatch accumulates assistant text and sends one final message.
	ModeBatch Mode = "batch"
)

// toolMarker prefixes formatted tool-call lines. Batch delivery also strips
// buffered segments starting with it, in case a backend echoes tool framing
// into assistant text.
const toolMarker = "[tool]"

// maxErrText bounds how much of a backend error reaches the platform.
const maxErrText = 200

// truncationNotice is appended when a failed exchange leaves partial output.
const truncationNotice = "[response interrupted before completion]"

// Sender is the one platform capability delivery needs.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, text string) error
}

// Outcome reports what an exchange produced.
type Outcome struct {
	ResumeToken string // from the result chunk; empty for token-less backends
	Result      string // result chunk text
	Sent        bool   // at least one message reached the platform
	Truncated   bool   // a failure cut the exchange short
}

type Router struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Router {
	return &Router{logger: logger}
}

// Deliver consumes the stream to exhaustion and sends output to the sender
// according to mode. The stream is always fully drained, even after a send
// failure, so the producing backend is never left blocked.
//
// An ai.ErrInvalidResumeToken failure is returned without messaging the
// platform; the caller retries with a fresh context. Any other mid-stream
// failure flushes what the platform has not seen, appends a truncation
// notice, sends a bounded error line, and is returned wrapped.
func (r *Router) Deliver(ctx context.Context, sender Sender, conversationID string, mode Mode, stream *ai.Stream) (Outcome, error) {
	var out Outcome
	var buffered []string
	var sendErr error

	send := func(text string) {
		if sendErr != nil {
			return
		}
		if err := sender.SendMessage(ctx, conversationID, text); err != nil {
			sendErr = fmt.Errorf("send to platform: %w", err)
			r.logger.Error("platform send failed",
				"conversation", conversationID, "error", err)
			return
		}
		out.Sent = true
	}

	for c := range stream.Chunks() {
		switch c.Type {
		case ai.ChunkAssistant:
			if mode == ModeStream {
				send(c.Text)
			} else {
				buffered = append(buffered, c.Text)
			}
		case ai.ChunkTool:
			r.logger.Info("tool call",
				"conversation", conversationID, "tool", c.ToolName)
			if mode == ModeStream {
				send(formatTool(c))
			}
		case ai.ChunkThinking:
			r.logger.Debug("thinking",
				"conversation", conversationID, "len", len(c.Text))
		case ai.ChunkSystem:
			r.logger.Debug("backend system event",
				"conversation", conversationID, "event", c.Text)
		case ai.ChunkResult:
			out.ResumeToken = c.ResumeToken
			out.Result = c.Text
			// trailing chunks may follow; keep draining
		}
	}

	streamErr := stream.Err()
	if streamErr != nil {
		if errors.Is(streamErr, ai.ErrInvalidResumeToken) && !out.Sent {
			return out, streamErr
		}
		out.Truncated = true
		if mode == ModeBatch && len(buffered) > 0 {
			send(joinSegments(buffered) + "\n\n" + truncationNotice)
		} else if out.Sent {
			send(truncationNotice)
		}
		send(userFacingError(ctx, streamErr))
		if sendErr != nil {
			return out, fmt.Errorf("exchange failed: %w (and %v)", streamErr, sendErr)
		}
		return out, fmt.Errorf("exchange failed: %w", streamErr)
	}

	if mode == ModeBatch {
		if final := joinSegments(buffered); final != "" {
			send(final)
		}
	}
	if sendErr != nil {
		return out, sendErr
	}
	return out, nil
}

// joinSegments builds the single batch message, dropping segments that carry
// tool framing instead of prose.
func joinSegments(segments []string) string {
	kept := make([]string, 0, len(segments))
	for _, s := range segments {
		trimmed := strings.TrimSpace(s)
		if trimmed == "" || strings.HasPrefix(trimmed, toolMarker) {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(kept, "\n\n")
}

func formatTool(c ai.Chunk) string {
	if c.ToolInput == "" {
		return fmt.Sprintf("%s %s", toolMarker, c.ToolName)
	}
	return fmt.Sprintf("%s %s %s", toolMarker, c.ToolName, truncate(c.ToolInput, maxErrText))
}

// userFacingError keeps raw backend failures off the platform.
func userFacingError(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return "The exchange timed out before completing. Send another message to continue."
	}
	return "The exchange failed: " + truncate(err.Error(), maxErrText)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
