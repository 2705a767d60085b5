package platform

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/dispatch/internal/router"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConsoleStartDeliversLines(t *testing.T) {
	in := strings.NewReader("hello\n\n  \n/plan add auth\n")
	var out bytes.Buffer
	c := NewConsole(in, &out, testLogger())

	var mu sync.Mutex
	var got []Inbound
	err := c.Start(context.Background(), func(ctx context.Context, a Adapter, msg Inbound) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, "/plan add auth", got[1].Text)
	assert.Equal(t, ConsoleConversationID, got[0].ConversationID)
	assert.Nil(t, got[0].Hints)
}

func TestConsoleStopEndsStart(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := NewConsole(pr, io.Discard, testLogger())

	done := make(chan error, 1)
	go func() {
		done <- c.Start(context.Background(), func(ctx context.Context, a Adapter, msg Inbound) {})
	}()

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	pr.Close()
}

func TestConsoleContextCancelEndsStart(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := NewConsole(pr, io.Discard, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(ctx context.Context, a Adapter, msg Inbound) {})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	pr.Close()
}

func TestConsoleSendMessage(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(strings.NewReader(""), &out, testLogger())

	require.NoError(t, c.SendMessage(context.Background(), ConsoleConversationID, "line one"))
	require.NoError(t, c.SendMessage(context.Background(), ConsoleConversationID, "line two"))
	assert.Equal(t, "line one\nline two\n", out.String())
}

func TestConsoleIdentity(t *testing.T) {
	c := NewConsole(strings.NewReader(""), io.Discard, testLogger())
	assert.Equal(t, "console", c.Type())
	assert.True(t, c.LongLived())
	assert.Equal(t, router.ModeStream, c.StreamingMode())

	id, err := c.EnsureThread(context.Background(), "console", nil)
	require.NoError(t, err)
	assert.Equal(t, "console", id)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	c := NewConsole(strings.NewReader(""), io.Discard, testLogger())
	r.Register(c)

	got, err := r.Get("console")
	require.NoError(t, err)
	assert.Same(t, Adapter(c), got)

	_, err = r.Get("discord")
	assert.ErrorContains(t, err, "unknown platform type")

	all := r.All()
	require.Len(t, all, 1)
	assert.Equal(t, "console", all[0].Type())
}
