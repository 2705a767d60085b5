// Package orchestrator drives one inbound message end to end: conversation
// upsert, lock, codebase, sandbox, session, backend exchange, delivery. It is
// the only component that sees the whole pipeline; everything it coordinates
// lives behind the package boundaries it composes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/dispatch/internal/ai"
	"github.com/joescharf/dispatch/internal/command"
	"github.com/joescharf/dispatch/internal/lock"
	"github.com/joescharf/dispatch/internal/models"
	"github.com/joescharf/dispatch/internal/platform"
	"github.com/joescharf/dispatch/internal/router"
	"github.com/joescharf/dispatch/internal/sandbox"
	"github.com/joescharf/dispatch/internal/session"
	"github.com/joescharf/dispatch/internal/store"
)

// DefaultExchangeTimeout bounds one backend exchange, not the time spent
// queued on the conversation lock.
const DefaultExchangeTimeout = 10 * time.Minute

const defaultInvalidTokenRetries = 2

// DefaultBackendType is used for new conversations when no default is
// configured on the codebase or the server.
const DefaultBackendType = "claude-cli"

var errNoCodebase = errors.New("no codebase configured")

// Config adjusts orchestrator behavior. Zero values fall back to defaults.
type Config struct {
	ExchangeTimeout time.Duration
	// DefaultCodebase names the codebase new conversations bind to. Empty
	// means bind to the sole registered codebase, or refuse with a notice.
	DefaultCodebase string
	DefaultBackend  string
	// InvalidTokenRetries is how many fresh sessions to try after the
	// backend rejects a resumption token.
	InvalidTokenRetries int
}

// Orchestrator coordinates one exchange at a time per conversation.
type Orchestrator struct {
	store    store.Store
	backends *ai.Registry
	sandbox  *sandbox.Manager
	sessions *session.Resolver
	router   *router.Router
	locks    *lock.Keyed
	logger   *slog.Logger
	cfg      Config
}

func New(s store.Store, backends *ai.Registry, m *sandbox.Manager, sessions *session.Resolver, rt *router.Router, locks *lock.Keyed, logger *slog.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:    s,
		backends: backends,
		sandbox:  m,
		sessions: sessions,
		router:   rt,
		locks:    locks,
		logger:   logger,
		cfg:      cfg,
	}
}

// Sink adapts HandleInbound for platform adapters.
func (o *Orchestrator) Sink() platform.Sink {
	return func(ctx context.Context, adapter platform.Adapter, msg platform.Inbound) {
		if err := o.HandleInbound(ctx, adapter, msg); err != nil {
			o.logger.Error("inbound handling failed",
				"platform", adapter.Type(), "error", err)
		}
	}
}

// HandleInbound processes one normalized platform message. Messages for the
// same conversation serialize on the conversation lock in arrival order;
// distinct conversations proceed in parallel up to the global ceiling.
func (o *Orchestrator) HandleInbound(ctx context.Context, adapter platform.Adapter, msg platform.Inbound) error {
	exchangeID := uuid.New().String()[:8]
	log := o.logger.With("exchange", exchangeID, "platform", adapter.Type())

	conv, err := o.ensureConversation(ctx, adapter.Type(), msg.ConversationID)
	if err != nil {
		log.Error("inbound dropped", "stage", "conversation", "error", err)
		return err
	}
	log = log.With("conversation", conv.ID)

	release, err := o.locks.Acquire(ctx, conv.ID)
	if err != nil {
		log.Error("inbound dropped", "stage", "lock", "error", err)
		return err
	}
	defer release()

	// the timeout covers the exchange, not the wait for the lock
	ctx, cancel := context.WithTimeout(ctx, o.exchangeTimeout())
	defer cancel()

	replyID := o.ensureThread(ctx, log, adapter, msg)
	return o.handleLocked(ctx, log, adapter, replyID, conv, msg)
}

func (o *Orchestrator) handleLocked(ctx context.Context, log *slog.Logger, adapter platform.Adapter, replyID string, conv *models.Conversation, msg platform.Inbound) error {
	name, args, isCommand := command.Parse(msg.Text)

	if isCommand && name == command.ResetName {
		return o.handleReset(ctx, log, adapter, replyID, conv)
	}

	cb, err := o.resolveCodebase(ctx, conv)
	if errors.Is(err, errNoCodebase) {
		o.notify(ctx, log, adapter, replyID,
			"No codebase is linked to this conversation and no default is configured. Register one with dispatch codebase add.")
		return nil
	}
	if err != nil {
		log.Error("exchange failed", "stage", "codebase", "error", err)
		return err
	}
	log = log.With("codebase", cb.Name)

	// the backend binds on first exchange and never changes afterwards
	if conv.BackendType == "" {
		conv.BackendType = o.backendFor(cb)
		if err := o.store.UpdateConversation(ctx, conv); err != nil {
			log.Error("exchange failed", "stage", "conversation", "error", err)
			return err
		}
	}

	hints := msg.Hints
	if hints == nil {
		hints = sandbox.DefaultHints(conv.PlatformID)
	}
	env, err := o.resolveEnvironment(ctx, log, conv, cb, hints)
	var limitErr *sandbox.LimitError
	if errors.As(err, &limitErr) {
		log.Warn("environment limit reached",
			"active", limitErr.Active, "limit", limitErr.Limit)
		o.notify(ctx, log, adapter, replyID, limitMessage(limitErr))
		return nil
	}
	if err != nil {
		log.Error("exchange failed", "stage", "sandbox", "error", err)
		o.notify(ctx, log, adapter, replyID,
			"The working environment could not be prepared. Check the server logs.")
		return err
	}
	log = log.With("environment", env.ID, "branch", env.Branch)

	incoming := ""
	if isCommand {
		incoming = name
	}
	sess, fresh, err := o.sessions.Resolve(ctx, conv, cb, incoming)
	if err != nil {
		log.Error("exchange failed", "stage", "session", "error", err)
		return err
	}
	if fresh {
		log.Info("session started", "session", sess.ID)
	}
	if isCommand {
		if err := o.sessions.RecordCommand(ctx, sess, name); err != nil {
			log.Error("exchange failed", "stage", "session", "error", err)
			return err
		}
	}

	if isCommand {
		if def, ok := cb.Commands[name]; ok {
			return o.runCommand(ctx, log, adapter, replyID, conv, cb, env, sess, &def, args)
		}
	}

	// free text and unregistered commands reach the backend as written
	if _, err := o.runExchange(ctx, log, adapter, replyID, conv, cb, env, sess, msg.Text); err != nil {
		return err
	}
	o.touch(ctx, log, conv.ID)
	return nil
}

// runCommand executes a registered command's steps as consecutive exchanges
// inside the same lock hold, persisting the cursor after each one.
func (o *Orchestrator) runCommand(ctx context.Context, log *slog.Logger, adapter platform.Adapter, replyID string, conv *models.Conversation, cb *models.Codebase, env *models.Environment, sess *models.Session, def *models.CommandDef, args string) error {
	run, err := o.resolveRun(ctx, log, conv, def)
	if err != nil {
		log.Error("exchange failed", "stage", "workflow run", "error", err)
		return err
	}

	data := command.Data{Args: args, Codebase: cb.Name, Branch: env.Branch, Dir: env.Path}
	for step := run.StepIndex; step < len(def.Steps); step++ {
		prompt, err := command.Render(def, step, data)
		if err != nil {
			o.failRun(ctx, log, run)
			log.Error("exchange failed", "stage", "render", "command", def.Name, "error", err)
			o.notify(ctx, log, adapter, replyID,
				fmt.Sprintf("Command /%s is misconfigured: %v", def.Name, err))
			return err
		}
		log.Info("command step", "command", def.Name, "step", step+1, "steps", len(def.Steps))

		sess, err = o.runExchange(ctx, log, adapter, replyID, conv, cb, env, sess, prompt)
		if err != nil {
			o.failRun(ctx, log, run)
			return err
		}

		run.StepIndex = step + 1
		run.LastActiveAt = time.Now().UTC()
		if err := o.store.UpdateWorkflowRun(ctx, run); err != nil {
			log.Error("exchange failed", "stage", "workflow run", "error", err)
			return err
		}
	}

	run.Status = models.RunStatusCompleted
	run.LastActiveAt = time.Now().UTC()
	if err := o.store.UpdateWorkflowRun(ctx, run); err != nil {
		log.Error("exchange failed", "stage", "workflow run", "error", err)
		return err
	}
	o.touch(ctx, log, conv.ID)
	return nil
}

// resolveRun returns the workflow run the command should advance. A running
// run for the same command resumes from its recorded step; anything else
// found running is an abandoned run and is marked failed.
func (o *Orchestrator) resolveRun(ctx context.Context, log *slog.Logger, conv *models.Conversation, def *models.CommandDef) (*models.WorkflowRun, error) {
	run, err := o.store.GetRunningWorkflowRun(ctx, conv.ID)
	if err == nil {
		if run.Command == def.Name && run.StepIndex < len(def.Steps) {
			log.Info("resuming stalled run",
				"command", run.Command, "step", run.StepIndex)
			return run, nil
		}
		run.Status = models.RunStatusFailed
		run.LastActiveAt = time.Now().UTC()
		if uerr := o.store.UpdateWorkflowRun(ctx, run); uerr != nil {
			return nil, uerr
		}
		log.Warn("abandoned run marked failed",
			"command", run.Command, "step", run.StepIndex)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	run = &models.WorkflowRun{
		ConversationID: conv.ID,
		Command:        def.Name,
		Status:         models.RunStatusRunning,
	}
	if err := o.store.CreateWorkflowRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (o *Orchestrator) failRun(ctx context.Context, log *slog.Logger, run *models.WorkflowRun) {
	run.Status = models.RunStatusFailed
	run.LastActiveAt = time.Now().UTC()
	if err := o.store.UpdateWorkflowRun(ctx, run); err != nil {
		log.Error("workflow run not marked failed", "run", run.ID, "error", err)
	}
}

// runExchange performs one backend exchange and delivers its output. It
// returns the session the conversation should continue with, which differs
// from the input session after an invalid-token recovery.
func (o *Orchestrator) runExchange(ctx context.Context, log *slog.Logger, adapter platform.Adapter, replyID string, conv *models.Conversation, cb *models.Codebase, env *models.Environment, sess *models.Session, prompt string) (*models.Session, error) {
	backend, err := o.backends.Get(conv.BackendType)
	if err != nil {
		log.Error("exchange failed", "stage", "backend", "error", err)
		o.notify(ctx, log, adapter, replyID,
			fmt.Sprintf("The AI backend %q is not available on this server.", conv.BackendType))
		return sess, err
	}

	for attempt := 0; ; attempt++ {
		stream, err := backend.SendQuery(ctx, ai.Query{
			Prompt:      prompt,
			WorkingDir:  env.Path,
			ResumeToken: sess.ResumeToken,
		})
		if err != nil {
			log.Error("exchange failed", "stage", "query", "error", err)
			o.notify(ctx, log, adapter, replyID,
				"The exchange could not be started. Check the server logs.")
			return sess, err
		}

		out, err := o.router.Deliver(ctx, adapter, replyID, adapter.StreamingMode(), stream)
		if out.ResumeToken != "" {
			if aerr := o.sessions.AttachToken(ctx, sess, out.ResumeToken); aerr != nil {
				log.Error("exchange failed", "stage", "token persist", "error", aerr)
				return sess, aerr
			}
		}
		if err == nil {
			return sess, nil
		}

		if errors.Is(err, ai.ErrInvalidResumeToken) {
			// the token is dead either way
			if derr := o.sessions.Deactivate(ctx, sess); derr != nil {
				log.Error("exchange failed", "stage", "session", "error", derr)
				return sess, derr
			}
			if !out.Sent && attempt < o.invalidTokenRetries() {
				log.Warn("resume token rejected, retrying with a fresh session",
					"attempt", attempt+1)
				fresh, _, rerr := o.sessions.Resolve(ctx, conv, cb, "")
				if rerr != nil {
					log.Error("exchange failed", "stage", "session", "error", rerr)
					return sess, rerr
				}
				sess = fresh
				continue
			}
			if !out.Sent {
				o.notify(ctx, log, adapter, replyID,
					"The session could not be resumed. Your next message starts a fresh context.")
			}
			log.Error("exchange failed", "stage", "deliver", "error", err)
			return sess, err
		}

		// the router already delivered the user-facing notice
		log.Error("exchange failed", "stage", "deliver", "error", err)
		return sess, err
	}
}

// ensureConversation finds or creates the conversation for a platform key.
func (o *Orchestrator) ensureConversation(ctx context.Context, platformType, platformID string) (*models.Conversation, error) {
	conv, err := o.store.GetConversationByPlatform(ctx, platformType, platformID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	conv = &models.Conversation{
		PlatformType: platformType,
		PlatformID:   platformID,
	}
	if err := o.store.CreateConversation(ctx, conv); err != nil {
		// lost a creation race with a concurrent first message
		if existing, gerr := o.store.GetConversationByPlatform(ctx, platformType, platformID); gerr == nil {
			return existing, nil
		}
		return nil, err
	}
	return conv, nil
}

// resolveCodebase returns the conversation's codebase, binding one on first
// use. A reference to a deleted codebase is cleared and re-resolved.
func (o *Orchestrator) resolveCodebase(ctx context.Context, conv *models.Conversation) (*models.Codebase, error) {
	if conv.CodebaseID != "" {
		cb, err := o.store.GetCodebase(ctx, conv.CodebaseID)
		if err == nil {
			return cb, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		conv.CodebaseID = ""
		conv.EnvironmentID = ""
	}

	cb, err := o.pickCodebase(ctx)
	if err != nil {
		return nil, err
	}
	conv.CodebaseID = cb.ID
	if err := o.store.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return cb, nil
}

func (o *Orchestrator) pickCodebase(ctx context.Context) (*models.Codebase, error) {
	if o.cfg.DefaultCodebase != "" {
		return o.store.GetCodebaseByName(ctx, o.cfg.DefaultCodebase)
	}
	all, err := o.store.ListCodebases(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 1 {
		return all[0], nil
	}
	return nil, errNoCodebase
}

// resolveEnvironment returns the conversation's environment, healing stale
// references: a destroyed row or a vanished directory clears the reference
// and resolution runs again from the hints.
func (o *Orchestrator) resolveEnvironment(ctx context.Context, log *slog.Logger, conv *models.Conversation, cb *models.Codebase, hints *sandbox.Hints) (*models.Environment, error) {
	if conv.EnvironmentID != "" {
		env, err := o.store.GetEnvironment(ctx, conv.EnvironmentID)
		switch {
		case err == nil && env.Status == models.EnvStatusActive && dirExists(env.Path):
			return env, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
		log.Warn("stale environment reference cleared", "environment", conv.EnvironmentID)
		conv.EnvironmentID = ""
	}

	env, err := o.sandbox.Resolve(ctx, sandbox.ResolveRequest{
		Codebase:     cb,
		Hints:        hints,
		PlatformType: conv.PlatformType,
	})
	if err != nil {
		return nil, err
	}

	conv.EnvironmentID = env.ID
	conv.WorkingDir = env.Path
	if err := o.store.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return env, nil
}

func (o *Orchestrator) handleReset(ctx context.Context, log *slog.Logger, adapter platform.Adapter, replyID string, conv *models.Conversation) error {
	n, err := o.sessions.Reset(ctx, conv.ID)
	if err != nil {
		log.Error("reset failed", "error", err)
		return err
	}
	text := "Session reset. Your next message starts a fresh AI context."
	if n == 0 {
		text = "No active session. Your next message starts a fresh AI context."
	}
	o.notify(ctx, log, adapter, replyID, text)
	o.touch(ctx, log, conv.ID)
	return nil
}

// ensureThread resolves where replies go. Thread creation failing is not
// fatal; the reply lands on the original conversation.
func (o *Orchestrator) ensureThread(ctx context.Context, log *slog.Logger, adapter platform.Adapter, msg platform.Inbound) string {
	meta := map[string]string{}
	if msg.Sender != "" {
		meta["sender"] = msg.Sender
	}
	id, err := adapter.EnsureThread(ctx, msg.ConversationID, meta)
	if err != nil {
		log.Warn("thread resolution failed, replying in place", "error", err)
		return msg.ConversationID
	}
	return id
}

func (o *Orchestrator) notify(ctx context.Context, log *slog.Logger, adapter platform.Adapter, replyID, text string) {
	if err := adapter.SendMessage(ctx, replyID, text); err != nil {
		log.Error("platform notice failed", "error", err)
	}
}

func (o *Orchestrator) touch(ctx context.Context, log *slog.Logger, conversationID string) {
	if err := o.store.TouchConversation(ctx, conversationID); err != nil {
		log.Warn("conversation touch failed", "error", err)
	}
}

func (o *Orchestrator) exchangeTimeout() time.Duration {
	if o.cfg.ExchangeTimeout > 0 {
		return o.cfg.ExchangeTimeout
	}
	return DefaultExchangeTimeout
}

func (o *Orchestrator) invalidTokenRetries() int {
	if o.cfg.InvalidTokenRetries > 0 {
		return o.cfg.InvalidTokenRetries
	}
	return defaultInvalidTokenRetries
}

// backendFor picks the backend a conversation locks to: the codebase default,
// then the server default.
func (o *Orchestrator) backendFor(cb *models.Codebase) string {
	if cb.DefaultBackend != "" {
		return cb.DefaultBackend
	}
	if o.cfg.DefaultBackend != "" {
		return o.cfg.DefaultBackend
	}
	return DefaultBackendType
}

func limitMessage(e *sandbox.LimitError) string {
	return fmt.Sprintf(
		"Environment limit reached (%d/%d active). Reclaimable now: %d merged, %d stale. Run dispatch cleanup to free capacity.",
		e.Active, e.Limit, e.ReclaimableMerged, e.ReclaimableStale)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
