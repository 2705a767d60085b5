package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joescharf/dispatch/internal/ai"
	"github.com/joescharf/dispatch/internal/git"
	"github.com/joescharf/dispatch/internal/lock"
	"github.com/joescharf/dispatch/internal/models"
	"github.com/joescharf/dispatch/internal/platform"
	"github.com/joescharf/dispatch/internal/router"
	"github.com/joescharf/dispatch/internal/sandbox"
	"github.com/joescharf/dispatch/internal/session"
	"github.com/joescharf/dispatch/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func initTestRepo(t *testing.T, dir string) {
	t.Helper()
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@test.com")
	gitRun(t, dir, "config", "user.name", "Test")
	gitRun(t, dir, "commit", "--allow-empty", "-m", "init")
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// fakeResponse scripts one backend exchange.
type fakeResponse struct {
	chunks   []ai.Chunk
	closeErr error
	delay    time.Duration
}

type fakeBackend struct {
	mu        sync.Mutex
	queries   []ai.Query
	responses []fakeResponse
}

func (b *fakeBackend) Type() string { return "fake" }

func (b *fakeBackend) script(responses ...fakeResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses = append(b.responses, responses...)
}

func (b *fakeBackend) query(i int) ai.Query {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queries[i]
}

func (b *fakeBackend) queryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queries)
}

func (b *fakeBackend) SendQuery(ctx context.Context, q ai.Query) (*ai.Stream, error) {
	b.mu.Lock()
	b.queries = append(b.queries, q)
	resp := fakeResponse{chunks: []ai.Chunk{
		{Type: ai.ChunkAssistant, Text: "ok"},
		{Type: ai.ChunkResult, ResumeToken: fmt.Sprintf("tok-%d", len(b.queries))},
	}}
	if len(b.responses) > 0 {
		resp = b.responses[0]
		b.responses = b.responses[1:]
	}
	b.mu.Unlock()

	st := ai.NewStream()
	go func() {
		if resp.delay > 0 {
			time.Sleep(resp.delay)
		}
		for _, c := range resp.chunks {
			if err := st.Send(ctx, c); err != nil {
				st.CloseWith(err)
				return
			}
		}
		st.CloseWith(resp.closeErr)
	}()
	return st, nil
}

type fakeAdapter struct {
	mu   sync.Mutex
	msgs []string
	mode router.Mode
}

func (a *fakeAdapter) Start(ctx context.Context, sink platform.Sink) error {
	<-ctx.Done()
	return ctx.Err()
}
func (a *fakeAdapter) Stop(ctx context.Context) error { return nil }
func (a *fakeAdapter) SendMessage(ctx context.Context, conversationID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, text)
	return nil
}
func (a *fakeAdapter) EnsureThread(ctx context.Context, originalID string, meta map[string]string) (string, error) {
	return originalID, nil
}
func (a *fakeAdapter) StreamingMode() router.Mode {
	if a.mode == "" {
		return router.ModeBatch
	}
	return a.mode
}
func (a *fakeAdapter) Type() string    { return "test" }
func (a *fakeAdapter) LongLived() bool { return true }

func (a *fakeAdapter) messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.msgs))
	copy(out, a.msgs)
	return out
}

type rig struct {
	store   store.Store
	manager *sandbox.Manager
	orch    *Orchestrator
	backend *fakeBackend
	adapter *fakeAdapter
}

func newTestRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	s := newTestStore(t)
	g := git.NewClient()
	providers := sandbox.NewProviderRegistry()
	providers.Register(sandbox.NewWorktreeProvider(g, testLogger()))
	m := sandbox.NewManager(s, providers, g, testLogger(), sandbox.Config{})

	backend := &fakeBackend{}
	backends := ai.NewRegistry()
	backends.Register(backend)

	orch := New(s, backends, m, session.NewResolver(s, testLogger()),
		router.New(testLogger()), lock.New(0), testLogger(), cfg)
	return &rig{store: s, manager: m, orch: orch, backend: backend, adapter: &fakeAdapter{}}
}

func (r *rig) addCodebase(t *testing.T, name string) *models.Codebase {
	t.Helper()
	repo := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(repo, 0o755))
	initTestRepo(t, repo)

	cb := &models.Codebase{Name: name, Path: repo, MainBranch: "main", DefaultBackend: "fake"}
	require.NoError(t, r.store.CreateCodebase(context.Background(), cb))
	return cb
}

func (r *rig) send(t *testing.T, conversationID, text string) {
	t.Helper()
	require.NoError(t, r.orch.HandleInbound(context.Background(), r.adapter, platform.Inbound{
		ConversationID: conversationID,
		Text:           text,
	}))
}

func (r *rig) conversation(t *testing.T, platformID string) *models.Conversation {
	t.Helper()
	conv, err := r.store.GetConversationByPlatform(context.Background(), "test", platformID)
	require.NoError(t, err)
	return conv
}

func TestHandleInboundFreeText(t *testing.T) {
	r := newTestRig(t, Config{})
	r.addCodebase(t, "app")
	ctx := context.Background()

	r.send(t, "chan-1", "hello")

	conv := r.conversation(t, "chan-1")
	assert.Equal(t, "fake", conv.BackendType)
	assert.NotEmpty(t, conv.EnvironmentID)

	env, err := r.store.GetEnvironment(ctx, conv.EnvironmentID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowThread, env.WorkflowType)
	assert.Equal(t, "chan-1", env.WorkflowID)
	assert.True(t, strings.HasPrefix(env.Branch, "thread-"), env.Branch)
	assert.Equal(t, env.Path, conv.WorkingDir)

	q := r.backend.query(0)
	assert.Equal(t, "hello", q.Prompt)
	assert.Equal(t, env.Path, q.WorkingDir)
	assert.Empty(t, q.ResumeToken)

	assert.Equal(t, []string{"ok"}, r.adapter.messages())

	// the second message resumes the session the first one established
	r.send(t, "chan-1", "continue")
	assert.Equal(t, "tok-1", r.backend.query(1).ResumeToken)

	sess, err := r.store.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", sess.ResumeToken)
}

func TestHandleInboundHintsDriveEnvironment(t *testing.T) {
	r := newTestRig(t, Config{})
	r.addCodebase(t, "app")
	ctx := context.Background()

	require.NoError(t, r.orch.HandleInbound(ctx, r.adapter, platform.Inbound{
		ConversationID: "issue-thread",
		Text:           "fix it",
		Hints:          &sandbox.Hints{WorkflowType: models.WorkflowIssue, WorkflowID: "7"},
	}))

	conv := r.conversation(t, "issue-thread")
	env, err := r.store.GetEnvironment(ctx, conv.EnvironmentID)
	require.NoError(t, err)
	assert.Equal(t, "issue-7", env.Branch)
}

func TestHandleInboundNoCodebase(t *testing.T) {
	r := newTestRig(t, Config{})

	r.send(t, "chan-1", "hello")

	msgs := r.adapter.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "No codebase is linked")
	assert.Zero(t, r.backend.queryCount())
}

func TestHandleInboundReset(t *testing.T) {
	r := newTestRig(t, Config{})
	r.addCodebase(t, "app")
	ctx := context.Background()

	r.send(t, "chan-1", "hello")
	conv := r.conversation(t, "chan-1")

	r.send(t, "chan-1", "/reset")
	msgs := r.adapter.messages()
	assert.Contains(t, msgs[len(msgs)-1], "Session reset")

	_, err := r.store.GetActiveSession(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// recreated lazily with no context to resume
	r.send(t, "chan-1", "hi again")
	assert.Empty(t, r.backend.query(1).ResumeToken)

	// resetting with nothing active is acknowledged, not an error
	r.send(t, "chan-1", "/reset")
	r.send(t, "chan-1", "/reset")
	msgs = r.adapter.messages()
	assert.Contains(t, msgs[len(msgs)-1], "No active session")
}

func TestHandleInboundPlanExecuteReset(t *testing.T) {
	r := newTestRig(t, Config{})
	r.addCodebase(t, "app")

	r.send(t, "chan-1", "/plan-feature big refactor")
	assert.Equal(t, "/plan-feature big refactor", r.backend.query(0).Prompt)

	r.send(t, "chan-1", "/execute")
	assert.Empty(t, r.backend.query(1).ResumeToken, "execute must start from a fresh context")

	// and anything else keeps resuming
	r.send(t, "chan-1", "how is it going")
	assert.NotEmpty(t, r.backend.query(2).ResumeToken)
}

func TestHandleInboundUnregisteredCommandPassesThrough(t *testing.T) {
	r := newTestRig(t, Config{})
	r.addCodebase(t, "app")
	ctx := context.Background()

	r.send(t, "chan-1", "/explain this function")
	assert.Equal(t, "/explain this function", r.backend.query(0).Prompt)

	conv := r.conversation(t, "chan-1")
	sess, err := r.store.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "explain", sess.LastCommand)
}

func TestHandleInboundRegisteredCommandSteps(t *testing.T) {
	r := newTestRig(t, Config{})
	cb := r.addCodebase(t, "app")
	ctx := context.Background()

	cb.Commands = map[string]models.CommandDef{
		"ship": {Name: "ship", Kind: models.CommandKindGeneral, Steps: []models.CommandStep{
			{Prompt: "Ship {{.Args}} from {{.Branch}}"},
			{Prompt: "Verify the {{.Codebase}} release"},
		}},
	}
	require.NoError(t, r.store.UpdateCodebase(ctx, cb))

	r.send(t, "chan-1", "/ship v2")

	conv := r.conversation(t, "chan-1")
	env, err := r.store.GetEnvironment(ctx, conv.EnvironmentID)
	require.NoError(t, err)

	require.Equal(t, 2, r.backend.queryCount())
	assert.Equal(t, "Ship v2 from "+env.Branch, r.backend.query(0).Prompt)
	assert.Equal(t, "Verify the app release", r.backend.query(1).Prompt)

	// both steps ran inside one conversation hold, output delivered per step
	assert.Equal(t, []string{"ok", "ok"}, r.adapter.messages())

	runs, err := r.store.ListWorkflowRuns(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusCompleted, runs[0].Status)
	assert.Equal(t, 2, runs[0].StepIndex)

	sess, err := r.store.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "ship", sess.LastCommand)
}

func TestHandleInboundStalledRunResumes(t *testing.T) {
	r := newTestRig(t, Config{})
	cb := r.addCodebase(t, "app")
	ctx := context.Background()

	cb.Commands = map[string]models.CommandDef{
		"ship": {Name: "ship", Steps: []models.CommandStep{
			{Prompt: "step one"},
			{Prompt: "step two"},
		}},
	}
	require.NoError(t, r.store.UpdateCodebase(ctx, cb))

	r.send(t, "chan-1", "hello")
	conv := r.conversation(t, "chan-1")

	// a run that died after persisting step 1
	stalled := &models.WorkflowRun{ConversationID: conv.ID, Command: "ship", StepIndex: 1}
	require.NoError(t, r.store.CreateWorkflowRun(ctx, stalled))

	before := r.backend.queryCount()
	r.send(t, "chan-1", "/ship")

	require.Equal(t, before+1, r.backend.queryCount(), "only the remaining step runs")
	assert.Equal(t, "step two", r.backend.query(before).Prompt)

	runs, err := r.store.ListWorkflowRuns(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusCompleted, runs[0].Status)
}

func TestHandleInboundAbandonedRunMarkedFailed(t *testing.T) {
	r := newTestRig(t, Config{})
	cb := r.addCodebase(t, "app")
	ctx := context.Background()

	cb.Commands = map[string]models.CommandDef{
		"ship": {Name: "ship", Steps: []models.CommandStep{{Prompt: "go"}}},
	}
	require.NoError(t, r.store.UpdateCodebase(ctx, cb))

	r.send(t, "chan-1", "hello")
	conv := r.conversation(t, "chan-1")

	abandoned := &models.WorkflowRun{ConversationID: conv.ID, Command: "other", StepIndex: 3}
	require.NoError(t, r.store.CreateWorkflowRun(ctx, abandoned))

	r.send(t, "chan-1", "/ship")

	runs, err := r.store.ListWorkflowRuns(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	byCommand := map[string]models.RunStatus{}
	for _, run := range runs {
		byCommand[run.Command] = run.Status
	}
	assert.Equal(t, models.RunStatusFailed, byCommand["other"])
	assert.Equal(t, models.RunStatusCompleted, byCommand["ship"])
}

func TestHandleInboundStaleEnvironmentHeals(t *testing.T) {
	r := newTestRig(t, Config{})
	r.addCodebase(t, "app")
	ctx := context.Background()

	r.send(t, "chan-1", "hello")
	conv := r.conversation(t, "chan-1")
	oldEnvID := conv.EnvironmentID

	env, err := r.store.GetEnvironment(ctx, oldEnvID)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(env.Path))

	r.send(t, "chan-1", "where were we")

	conv = r.conversation(t, "chan-1")
	assert.NotEqual(t, oldEnvID, conv.EnvironmentID)

	healed, err := r.store.GetEnvironment(ctx, conv.EnvironmentID)
	require.NoError(t, err)
	assert.DirExists(t, healed.Path)
	assert.Equal(t, healed.Path, r.backend.query(1).WorkingDir)
}

func TestHandleInboundInvalidTokenFallback(t *testing.T) {
	r := newTestRig(t, Config{})
	r.addCodebase(t, "app")
	ctx := context.Background()

	r.send(t, "chan-1", "hello")
	conv := r.conversation(t, "chan-1")

	r.backend.script(
		fakeResponse{closeErr: fmt.Errorf("claude resume: %w", ai.ErrInvalidResumeToken)},
		fakeResponse{chunks: []ai.Chunk{
			{Type: ai.ChunkAssistant, Text: "recovered"},
			{Type: ai.ChunkResult, ResumeToken: "tok-fresh"},
		}},
	)

	r.send(t, "chan-1", "continue")

	// rejected resume, then a silent retry on a fresh session
	assert.Equal(t, "tok-1", r.backend.query(1).ResumeToken)
	assert.Empty(t, r.backend.query(2).ResumeToken)
	assert.Equal(t, []string{"ok", "recovered"}, r.adapter.messages())

	sess, err := r.store.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-fresh", sess.ResumeToken)

	sessions, err := r.store.ListSessions(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestHandleInboundLimitSurfaced(t *testing.T) {
	r := newTestRig(t, Config{})
	cb := r.addCodebase(t, "app")
	ctx := context.Background()

	cb.MaxEnvironments = 1
	require.NoError(t, r.store.UpdateCodebase(ctx, cb))

	_, err := r.manager.Resolve(ctx, sandbox.ResolveRequest{
		Codebase:     cb,
		Hints:        &sandbox.Hints{WorkflowType: models.WorkflowIssue, WorkflowID: "1"},
		PlatformType: "test",
	})
	require.NoError(t, err)

	r.send(t, "chan-1", "hello")

	msgs := r.adapter.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Environment limit reached (1/1")
	assert.Contains(t, msgs[0], "dispatch cleanup")
	assert.Zero(t, r.backend.queryCount())
}

// Two messages for one conversation serialize in arrival order even when the
// first exchange is slow.
func TestHandleInboundOrderingPerConversation(t *testing.T) {
	r := newTestRig(t, Config{})
	r.addCodebase(t, "app")

	r.backend.script(
		fakeResponse{delay: 80 * time.Millisecond, chunks: []ai.Chunk{
			{Type: ai.ChunkAssistant, Text: "first"},
			{Type: ai.ChunkResult, ResumeToken: "t1"},
		}},
		fakeResponse{chunks: []ai.Chunk{
			{Type: ai.ChunkAssistant, Text: "second"},
			{Type: ai.ChunkResult, ResumeToken: "t2"},
		}},
	)

	errs := make(chan error, 2)
	go func() {
		errs <- r.orch.HandleInbound(context.Background(), r.adapter, platform.Inbound{
			ConversationID: "chan-1", Text: "one",
		})
	}()
	time.Sleep(25 * time.Millisecond)
	go func() {
		errs <- r.orch.HandleInbound(context.Background(), r.adapter, platform.Inbound{
			ConversationID: "chan-1", Text: "two",
		})
	}()

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, []string{"first", "second"}, r.adapter.messages())
}
