package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/dispatch/internal/models"
	"github.com/joescharf/dispatch/internal/output"
	"github.com/joescharf/dispatch/internal/sandbox"
	"github.com/joescharf/dispatch/internal/store"
)

// codebaseTestEnv sets up a temp store and viper for codebase helper tests.
func codebaseTestEnv(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()

	viper.Reset()
	viper.SetDefault("default_codebase", "")
	viper.SetDefault("environments.max_per_codebase", 25)

	ui = output.New()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "dispatch.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestResolveCodebase(t *testing.T) {
	s := codebaseTestEnv(t)
	ctx := context.Background()

	path := t.TempDir()
	cb := &models.Codebase{Name: "api", Path: path}
	require.NoError(t, s.CreateCodebase(ctx, cb))

	t.Run("by name", func(t *testing.T) {
		got, err := resolveCodebase(ctx, s, "api")
		require.NoError(t, err)
		assert.Equal(t, cb.ID, got.ID)
	})

	t.Run("by path", func(t *testing.T) {
		got, err := resolveCodebase(ctx, s, path)
		require.NoError(t, err)
		assert.Equal(t, cb.ID, got.ID)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := resolveCodebase(ctx, s, "nope")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "codebase not found: nope")
	})
}

func TestDefaultCodebase(t *testing.T) {
	t.Run("explicit ref wins", func(t *testing.T) {
		s := codebaseTestEnv(t)
		ctx := context.Background()

		a := &models.Codebase{Name: "a", Path: t.TempDir()}
		b := &models.Codebase{Name: "b", Path: t.TempDir()}
		require.NoError(t, s.CreateCodebase(ctx, a))
		require.NoError(t, s.CreateCodebase(ctx, b))

		got, err := defaultCodebase(ctx, s, "b")
		require.NoError(t, err)
		assert.Equal(t, b.ID, got.ID)
	})

	t.Run("configured default", func(t *testing.T) {
		s := codebaseTestEnv(t)
		ctx := context.Background()

		a := &models.Codebase{Name: "a", Path: t.TempDir()}
		b := &models.Codebase{Name: "b", Path: t.TempDir()}
		require.NoError(t, s.CreateCodebase(ctx, a))
		require.NoError(t, s.CreateCodebase(ctx, b))

		viper.Set("default_codebase", "a")
		got, err := defaultCodebase(ctx, s, "")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
	})

	t.Run("sole registration", func(t *testing.T) {
		s := codebaseTestEnv(t)
		ctx := context.Background()

		only := &models.Codebase{Name: "only", Path: t.TempDir()}
		require.NoError(t, s.CreateCodebase(ctx, only))

		got, err := defaultCodebase(ctx, s, "")
		require.NoError(t, err)
		assert.Equal(t, only.ID, got.ID)
	})

	t.Run("ambiguous without default", func(t *testing.T) {
		s := codebaseTestEnv(t)
		ctx := context.Background()

		a := &models.Codebase{Name: "a", Path: t.TempDir()}
		b := &models.Codebase{Name: "b", Path: t.TempDir()}
		require.NoError(t, s.CreateCodebase(ctx, a))
		require.NoError(t, s.CreateCodebase(ctx, b))

		_, err := defaultCodebase(ctx, s, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no codebase specified")
	})
}

func TestEnvLimit(t *testing.T) {
	viper.Reset()

	t.Run("codebase override wins", func(t *testing.T) {
		assert.Equal(t, 5, envLimit(&models.Codebase{MaxEnvironments: 5}))
	})

	t.Run("config fallback", func(t *testing.T) {
		viper.Set("environments.max_per_codebase", 10)
		assert.Equal(t, 10, envLimit(&models.Codebase{}))
	})

	t.Run("built-in fallback", func(t *testing.T) {
		viper.Set("environments.max_per_codebase", 0)
		assert.Equal(t, sandbox.DefaultMaxEnvironments, envLimit(&models.Codebase{}))
	})
}

func TestRepoNameFromURL(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://github.com/acme/widgets.git", "widgets"},
		{"https://github.com/acme/widgets", "widgets"},
		{"git@github.com:acme/widgets.git", "widgets"},
		{"git@example.com:widgets.git", "widgets"},
		{"widgets", "widgets"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, repoNameFromURL(tc.url), "url %s", tc.url)
	}
}

func TestTimeAgo(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "just now", timeAgo(now.Add(-30*time.Second)))
	assert.Equal(t, "5m ago", timeAgo(now.Add(-5*time.Minute)))
	assert.Equal(t, "3h ago", timeAgo(now.Add(-3*time.Hour)))
	assert.Equal(t, "1d ago", timeAgo(now.Add(-30*time.Hour)))
	assert.Equal(t, "3d ago", timeAgo(now.Add(-80*time.Hour)))
}
