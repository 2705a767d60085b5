package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joescharf/dispatch/internal/ai"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testRouter() *Router {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fakeSender struct {
	mu      sync.Mutex
	msgs    []string
	failAll bool
}

func (f *fakeSender) SendMessage(ctx context.Context, conversationID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("platform unavailable")
	}
	f.msgs = append(f.msgs, text)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs...)
}

func produce(t *testing.T, chunks []ai.Chunk, closeErr error) *ai.Stream {
	t.Helper()
	s := ai.NewStream()
	go func() {
		for _, c := range chunks {
			if err := s.Send(context.Background(), c); err != nil {
				s.CloseWith(err)
				return
			}
		}
		s.CloseWith(closeErr)
	}()
	return s
}

func TestDeliverStreamMode(t *testing.T) {
	sender := &fakeSender{}
	stream := produce(t, []ai.Chunk{
		{Type: ai.ChunkSystem, Text: "init"},
		{Type: ai.ChunkAssistant, Text: "Looking at the repo."},
		{Type: ai.ChunkThinking, Text: "hmm"},
		{Type: ai.ChunkTool, ToolName: "Bash", ToolInput: `{"command":"ls"}`},
		{Type: ai.ChunkAssistant, Text: "Two packages found."},
		{Type: ai.ChunkResult, Text: "done", ResumeToken: "tok-9"},
	}, nil)

	out, err := testRouter().Deliver(context.Background(), sender, "c1", ModeStream, stream)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Looking at the repo.",
		`[tool] Bash {"command":"ls"}`,
		"Two packages found.",
	}, sender.sent())
	assert.Equal(t, "tok-9", out.ResumeToken)
	assert.Equal(t, "done", out.Result)
	assert.True(t, out.Sent)
	assert.False(t, out.Truncated)
}

func TestDeliverBatchMode(t *testing.T) {
	sender := &fakeSender{}
	stream := produce(t, []ai.Chunk{
		{Type: ai.ChunkAssistant, Text: "First part."},
		{Type: ai.ChunkTool, ToolName: "Edit"},
		{Type: ai.ChunkAssistant, Text: "[tool] Edit echoed framing"},
		{Type: ai.ChunkAssistant, Text: "Second part."},
		{Type: ai.ChunkResult, ResumeToken: "tok-1"},
	}, nil)

	out, err := testRouter().Deliver(context.Background(), sender, "c1", ModeBatch, stream)
	require.NoError(t, err)

	require.Len(t, sender.sent(), 1)
	assert.Equal(t, "First part.\n\nSecond part.", sender.sent()[0])
	assert.Equal(t, "tok-1", out.ResumeToken)
}

func TestDeliverBatchNothingToSay(t *testing.T) {
	sender := &fakeSender{}
	stream := produce(t, []ai.Chunk{
		{Type: ai.ChunkTool, ToolName: "Bash"},
		{Type: ai.ChunkThinking, Text: "quiet"},
		{Type: ai.ChunkResult, ResumeToken: "tok-2"},
	}, nil)

	out, err := testRouter().Deliver(context.Background(), sender, "c1", ModeBatch, stream)
	require.NoError(t, err)
	assert.Empty(t, sender.sent())
	assert.False(t, out.Sent)
	assert.Equal(t, "tok-2", out.ResumeToken)
}

func TestDeliverDrainsTrailingChunks(t *testing.T) {
	sender := &fakeSender{}
	stream := produce(t, []ai.Chunk{
		{Type: ai.ChunkAssistant, Text: "Answer."},
		{Type: ai.ChunkResult, ResumeToken: "tok-3"},
		{Type: ai.ChunkSystem, Text: "trailing"},
		{Type: ai.ChunkAssistant, Text: "Afterthought."},
	}, nil)

	out, err := testRouter().Deliver(context.Background(), sender, "c1", ModeBatch, stream)
	require.NoError(t, err)
	assert.Equal(t, "tok-3", out.ResumeToken)
	require.Len(t, sender.sent(), 1)
	assert.Contains(t, sender.sent()[0], "Afterthought.")
}

func TestDeliverBatchMidStreamError(t *testing.T) {
	sender := &fakeSender{}
	stream := produce(t, []ai.Chunk{
		{Type: ai.ChunkAssistant, Text: "Partial answer"},
	}, errors.New("backend crashed"))

	out, err := testRouter().Deliver(context.Background(), sender, "c1", ModeBatch, stream)
	require.Error(t, err)
	assert.True(t, out.Truncated)

	msgs := sender.sent()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "Partial answer")
	assert.Contains(t, msgs[0], truncationNotice)
	assert.Contains(t, msgs[1], "The exchange failed")
	assert.NotContains(t, msgs[1], "backend crashed\nstack")
}

func TestDeliverStreamMidStreamError(t *testing.T) {
	sender := &fakeSender{}
	stream := produce(t, []ai.Chunk{
		{Type: ai.ChunkAssistant, Text: "Partial"},
	}, errors.New("boom"))

	out, err := testRouter().Deliver(context.Background(), sender, "c1", ModeStream, stream)
	require.Error(t, err)
	assert.True(t, out.Truncated)

	msgs := sender.sent()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Partial", msgs[0])
	assert.Equal(t, truncationNotice, msgs[1])
	assert.Contains(t, msgs[2], "The exchange failed")
}

func TestDeliverInvalidTokenStaysSilent(t *testing.T) {
	sender := &fakeSender{}
	stream := produce(t, nil, fmt.Errorf("claude resume: %w", ai.ErrInvalidResumeToken))

	out, err := testRouter().Deliver(context.Background(), sender, "c1", ModeStream, stream)
	require.Error(t, err)
	assert.ErrorIs(t, err, ai.ErrInvalidResumeToken)
	assert.Empty(t, sender.sent())
	assert.False(t, out.Truncated)
}

func TestDeliverTimeoutWording(t *testing.T) {
	sender := &fakeSender{}
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	stream := produce(t, nil, context.DeadlineExceeded)

	_, err := testRouter().Deliver(ctx, sender, "c1", ModeBatch, stream)
	require.Error(t, err)

	msgs := sender.sent()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1], "timed out")
}

func TestDeliverSendFailureStillDrains(t *testing.T) {
	sender := &fakeSender{failAll: true}

	chunks := make([]ai.Chunk, 0, 40)
	for i := 0; i < 40; i++ {
		chunks = append(chunks, ai.Chunk{Type: ai.ChunkAssistant, Text: "chunk"})
	}
	chunks = append(chunks, ai.Chunk{Type: ai.ChunkResult, ResumeToken: "tok-4"})

	done := make(chan struct{})
	s := ai.NewStream()
	go func() {
		defer close(done)
		for _, c := range chunks {
			if err := s.Send(context.Background(), c); err != nil {
				s.CloseWith(err)
				return
			}
		}
		s.CloseWith(nil)
	}()

	out, err := testRouter().Deliver(context.Background(), sender, "c1", ModeStream, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send to platform")
	assert.Equal(t, "tok-4", out.ResumeToken)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer still blocked; stream was not drained")
	}
}

func TestJoinSegments(t *testing.T) {
	assert.Equal(t, "", joinSegments(nil))
	assert.Equal(t, "a\n\nb", joinSegments([]string{" a ", "", "[tool] Bash", "b"}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "0123456789...", truncate("0123456789abcdef", 10))
}

func TestUserFacingErrorIsBounded(t *testing.T) {
	long := strings.Repeat("x", 1000)
	msg := userFacingError(context.Background(), errors.New(long))
	assert.Less(t, len(msg), 300)
}
