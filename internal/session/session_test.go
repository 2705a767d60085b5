package session

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/dispatch/internal/models"
	"github.com/joescharf/dispatch/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestResolver(t *testing.T) (*Resolver, store.Store, *models.Conversation) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	conv := &models.Conversation{PlatformType: "discord", PlatformID: "chan-1"}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return NewResolver(s, testLogger()), s, conv
}

func TestResolveCreatesLazily(t *testing.T) {
	r, _, conv := newTestResolver(t)
	ctx := context.Background()

	sess, fresh, err := r.Resolve(ctx, conv, nil, "")
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.True(t, sess.Active)
	assert.Empty(t, sess.ResumeToken)

	// the next message resumes it
	again, fresh, err := r.Resolve(ctx, conv, nil, "")
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, sess.ID, again.ID)
}

func TestResolveResetsOnPlanToExecute(t *testing.T) {
	r, s, conv := newTestResolver(t)
	ctx := context.Background()

	sess, _, err := r.Resolve(ctx, conv, nil, "plan-feature")
	require.NoError(t, err)
	require.NoError(t, r.AttachToken(ctx, sess, "tok-1"))
	require.NoError(t, r.RecordCommand(ctx, sess, "plan-feature"))

	next, fresh, err := r.Resolve(ctx, conv, nil, "execute")
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEqual(t, sess.ID, next.ID)
	assert.Empty(t, next.ResumeToken)

	sessions, err := s.ListSessions(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, got := range sessions {
		if got.ID == sess.ID {
			assert.False(t, got.Active)
		}
	}
}

// Free text between the plan and the execute command does not defuse the
// reset: only commands are recorded.
func TestResolveResetSurvivesInterveningChat(t *testing.T) {
	r, _, conv := newTestResolver(t)
	ctx := context.Background()

	sess, _, err := r.Resolve(ctx, conv, nil, "plan")
	require.NoError(t, err)
	require.NoError(t, r.RecordCommand(ctx, sess, "plan"))

	mid, fresh, err := r.Resolve(ctx, conv, nil, "")
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, sess.ID, mid.ID)
	require.NoError(t, r.RecordCommand(ctx, mid, ""))

	next, fresh, err := r.Resolve(ctx, conv, nil, "execute-plan")
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEqual(t, sess.ID, next.ID)
}

func TestResolveResumesOnOtherTransitions(t *testing.T) {
	tests := []struct {
		name     string
		previous string
		incoming string
	}{
		{"execute then plan", "execute", "plan"},
		{"plan then plan", "plan-feature", "plan-fix"},
		{"general then execute", "review", "execute"},
		{"plan then general", "plan", "review"},
		{"plan then free text", "plan", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, conv := newTestResolver(t)
			ctx := context.Background()

			sess, _, err := r.Resolve(ctx, conv, nil, tt.previous)
			require.NoError(t, err)
			require.NoError(t, r.RecordCommand(ctx, sess, tt.previous))

			got, fresh, err := r.Resolve(ctx, conv, nil, tt.incoming)
			require.NoError(t, err)
			assert.False(t, fresh)
			assert.Equal(t, sess.ID, got.ID)
		})
	}
}

// An explicit kind on the registered definition wins over the name prefix.
func TestResolveUsesRegisteredKind(t *testing.T) {
	r, _, conv := newTestResolver(t)
	ctx := context.Background()

	cb := &models.Codebase{
		Commands: map[string]models.CommandDef{
			"design": {Name: "design", Kind: models.CommandKindPlan},
			"ship":   {Name: "ship", Kind: models.CommandKindExecute},
		},
	}

	sess, _, err := r.Resolve(ctx, conv, cb, "design")
	require.NoError(t, err)
	require.NoError(t, r.RecordCommand(ctx, sess, "design"))

	next, fresh, err := r.Resolve(ctx, conv, cb, "ship")
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEqual(t, sess.ID, next.ID)
}

func TestAttachToken(t *testing.T) {
	r, s, conv := newTestResolver(t)
	ctx := context.Background()

	sess, _, err := r.Resolve(ctx, conv, nil, "")
	require.NoError(t, err)

	require.NoError(t, r.AttachToken(ctx, sess, "tok-1"))
	got, err := s.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.ResumeToken)

	// empty token keeps the last one
	require.NoError(t, r.AttachToken(ctx, sess, ""))
	got, err = s.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.ResumeToken)

	require.NoError(t, r.AttachToken(ctx, sess, "tok-2"))
	got, err = s.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", got.ResumeToken)
}

func TestDeactivateThenResolveStartsFresh(t *testing.T) {
	r, _, conv := newTestResolver(t)
	ctx := context.Background()

	sess, _, err := r.Resolve(ctx, conv, nil, "")
	require.NoError(t, err)
	require.NoError(t, r.AttachToken(ctx, sess, "bad-token"))

	require.NoError(t, r.Deactivate(ctx, sess))

	next, fresh, err := r.Resolve(ctx, conv, nil, "")
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEqual(t, sess.ID, next.ID)
	assert.Empty(t, next.ResumeToken)
}

func TestReset(t *testing.T) {
	r, s, conv := newTestResolver(t)
	ctx := context.Background()

	// nothing active yet
	n, err := r.Reset(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	sess, _, err := r.Resolve(ctx, conv, nil, "")
	require.NoError(t, err)

	n, err = r.Reset(ctx, conv.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// reset does not create a replacement
	_, err = s.GetActiveSession(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	next, fresh, err := r.Resolve(ctx, conv, nil, "")
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEqual(t, sess.ID, next.ID)
}
