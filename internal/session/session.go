// Package session owns the AI session lifecycle within a conversation: at
// most one session is active at a time, exchanges resume it by default, and
// the plan-to-execute handoff is the one transition that forces a fresh one.
package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/joescharf/dispatch/internal/command"
	"github.com/joescharf/dispatch/internal/models"
	"github.com/joescharf/dispatch/internal/store"
)

// Resolver decides whether an exchange resumes the active session or starts
// fresh.
type Resolver struct {
	store  store.Store
	logger *slog.Logger
}

func NewResolver(s store.Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: s, logger: logger}
}

// Resolve returns the session for the next exchange, creating one lazily if
// none is active. incoming is the parsed command name, empty for free text.
// fresh reports that the returned session was created by this call and has no
// context to resume.
func (r *Resolver) Resolve(ctx context.Context, conv *models.Conversation, cb *models.Codebase, incoming string) (*models.Session, bool, error) {
	sess, err := r.store.GetActiveSession(ctx, conv.ID)
	if errors.Is(err, store.ErrNotFound) {
		return r.create(ctx, conv.ID)
	}
	if err != nil {
		return nil, false, err
	}

	if resetsContext(cb, sess.LastCommand, incoming) {
		if err := r.Deactivate(ctx, sess); err != nil {
			return nil, false, err
		}
		r.logger.Info("session reset on plan to execute handoff",
			"conversation", conv.ID, "previous", sess.LastCommand, "incoming", incoming)
		return r.create(ctx, conv.ID)
	}
	return sess, false, nil
}

func (r *Resolver) create(ctx context.Context, conversationID string) (*models.Session, bool, error) {
	sess := &models.Session{ConversationID: conversationID, Active: true}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// resetsContext applies the reset rule: the previous recorded command
// classifies as plan and the incoming one as execute. Free text records
// nothing, so chatter between the two commands does not defuse the reset.
func resetsContext(cb *models.Codebase, previous, incoming string) bool {
	if previous == "" || incoming == "" {
		return false
	}
	return command.Classify(defFor(cb, previous), previous) == models.CommandKindPlan &&
		command.Classify(defFor(cb, incoming), incoming) == models.CommandKindExecute
}

func defFor(cb *models.Codebase, name string) *models.CommandDef {
	if cb == nil {
		return nil
	}
	if def, ok := cb.Commands[name]; ok {
		return &def
	}
	return nil
}

// RecordCommand notes the command that produced the latest exchange. Only
// command invocations are recorded; free text leaves the last command as is.
func (r *Resolver) RecordCommand(ctx context.Context, sess *models.Session, name string) error {
	if name == "" || name == sess.LastCommand {
		return nil
	}
	sess.LastCommand = name
	return r.store.UpdateSession(ctx, sess)
}

// AttachToken stores the resumption token the backend handed back. Backends
// without resumption hand back nothing and the session keeps its last token.
func (r *Resolver) AttachToken(ctx context.Context, sess *models.Session, token string) error {
	if token == "" || token == sess.ResumeToken {
		return nil
	}
	sess.ResumeToken = token
	return r.store.UpdateSession(ctx, sess)
}

// Deactivate retires a session whose context is no longer usable.
func (r *Resolver) Deactivate(ctx context.Context, sess *models.Session) error {
	sess.Active = false
	return r.store.UpdateSession(ctx, sess)
}

// Reset deactivates the conversation's active session without creating a
// replacement; the next message creates one lazily.
func (r *Resolver) Reset(ctx context.Context, conversationID string) (int64, error) {
	n, err := r.store.DeactivateSessions(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("conversation reset", "conversation", conversationID, "sessions", n)
	}
	return n, nil
}
