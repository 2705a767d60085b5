package platform

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/joescharf/dispatch/internal/router"
)

// ConsoleConversationID is the single conversation a console session maps to.
const ConsoleConversationID = "console"

// Console is a line-oriented adapter over a reader/writer pair, normally
// stdin/stdout. One process, one conversation. Useful for local runs and for
// exercising the full pipeline without a chat platform.
type Console struct {
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	mu   sync.Mutex
	stop chan struct{}
	once sync.Once
}

func NewConsole(in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	return &Console{
		in:     in,
		out:    out,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

func (c *Console) Type() string               { return "console" }
func (c *Console) LongLived() bool            { return true }
func (c *Console) StreamingMode() router.Mode { return router.ModeStream }

// EnsureThread is a no-op: a console has exactly one conversation.
func (c *Console) EnsureThread(ctx context.Context, originalID string, meta map[string]string) (string, error) {
	return originalID, nil
}

func (c *Console) SendMessage(ctx context.Context, conversationID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintln(c.out, text); err != nil {
		return fmt.Errorf("write console output: %w", err)
	}
	return nil
}

// Start reads lines and hands each to the sink. It returns on EOF, Stop, or
// ctx cancellation. The sink is invoked synchronously so console input keeps
// its arrival order without any queue of its own.
func (c *Console) Start(ctx context.Context, sink Sink) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read console input: %w", err)
					}
				default:
				}
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			sink(ctx, c, Inbound{
				ConversationID: ConsoleConversationID,
				Text:           text,
				Sender:         "local",
			})
		}
	}
}

func (c *Console) Stop(ctx context.Context) error {
	c.once.Do(func() { close(c.stop) })
	return nil
}
