package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// maxEventSize caps a single stream-json line from the CLI (256 KiB).
const maxEventSize = 256 * 1024

// resumeErrMarker appears on stderr (or in an error result) when the CLI is
// asked to resume a session it no longer knows about.
const resumeErrMarker = "No conversation found"

// ClaudeCLIBackend runs exchanges through the claude CLI in print mode with
// stream-json output. The CLI keeps the conversation context; we carry its
// session id as the resumption token.
type ClaudeCLIBackend struct {
	binary string
	model  string
	logger *slog.Logger
}

// NewClaudeCLI returns a backend invoking the given CLI binary. An empty
// binary defaults to "claude"; an empty model uses the CLI's default.
func NewClaudeCLI(binary, model string, logger *slog.Logger) *ClaudeCLIBackend {
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeCLIBackend{binary: binary, model: model, logger: logger}
}

func (b *ClaudeCLIBackend) Type() string { return "claude-cli" }

// cliEvent is one stream-json line emitted by the CLI.
type cliEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Message   struct {
		Content []struct {
			Type     string          `json:"type"`
			Text     string          `json:"text"`
			Thinking string          `json:"thinking"`
			Name     string          `json:"name"`
			Input    json.RawMessage `json:"input"`
		} `json:"content"`
	} `json:"message"`
}

func (b *ClaudeCLIBackend) SendQuery(ctx context.Context, q Query) (*Stream, error) {
	args := []string{"-p", q.Prompt, "--output-format", "stream-json", "--verbose"}
	if b.model != "" {
		args = append(args, "--model", b.model)
	}
	if q.ResumeToken != "" {
		args = append(args, "--resume", q.ResumeToken)
	}

	cmd := exec.CommandContext(ctx, b.binary, args...)
	cmd.Dir = q.WorkingDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start claude: %w", err)
	}

	b.logger.Debug("claude exchange started",
		"workdir", q.WorkingDir,
		"resume", q.ResumeToken != "")

	stream := NewStream()
	go b.pump(ctx, cmd, stdout, &stderr, stream)
	return stream, nil
}

// pump decodes CLI events into chunks until the process exits, then closes
// the stream with whichever failure ends it.
func (b *ClaudeCLIBackend) pump(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, stream *Stream) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, maxEventSize), maxEventSize)

	var sendErr error
	var resultErr error

scan:
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev cliEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			b.logger.Warn("skipping malformed claude event", "error", err)
			continue
		}

		if ev.Type == "result" {
			if ev.IsError {
				resultErr = fmt.Errorf("claude: %s", strings.TrimSpace(ev.Result))
				continue
			}
			if sendErr = stream.Send(ctx, Chunk{
				Type:        ChunkResult,
				Text:        ev.Result,
				ResumeToken: ev.SessionID,
			}); sendErr != nil {
				break scan
			}
			continue
		}

		for _, c := range eventChunks(ev) {
			if sendErr = stream.Send(ctx, c); sendErr != nil {
				break scan
			}
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	switch {
	case sendErr != nil:
		stream.CloseWith(sendErr)
	case waitErr != nil:
		msg := strings.TrimSpace(stderr.String())
		if isResumeError(msg) || isResumeError(errText(resultErr)) {
			stream.CloseWith(fmt.Errorf("claude resume: %w", ErrInvalidResumeToken))
			return
		}
		if msg == "" {
			stream.CloseWith(fmt.Errorf("claude exited: %w", waitErr))
			return
		}
		stream.CloseWith(fmt.Errorf("claude exited: %s: %w", msg, waitErr))
	case resultErr != nil:
		if isResumeError(resultErr.Error()) {
			stream.CloseWith(fmt.Errorf("claude resume: %w", ErrInvalidResumeToken))
			return
		}
		stream.CloseWith(resultErr)
	case scanErr != nil:
		stream.CloseWith(fmt.Errorf("read claude output: %w", scanErr))
	default:
		stream.CloseWith(nil)
	}
}

// eventChunks maps a non-result CLI event to chunks.
func eventChunks(ev cliEvent) []Chunk {
	switch ev.Type {
	case "system":
		return []Chunk{{Type: ChunkSystem, Text: ev.Subtype}}
	case "assistant":
		var chunks []Chunk
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					chunks = append(chunks, Chunk{Type: ChunkAssistant, Text: block.Text})
				}
			case "thinking":
				if block.Thinking != "" {
					chunks = append(chunks, Chunk{Type: ChunkThinking, Text: block.Thinking})
				}
			case "tool_use":
				chunks = append(chunks, Chunk{
					Type:      ChunkTool,
					ToolName:  block.Name,
					ToolInput: compactJSON(block.Input),
				})
			}
		}
		return chunks
	}
	// tool results ("user" events) and unknown types are not surfaced
	return nil
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}

func isResumeError(s string) bool {
	return strings.Contains(s, resumeErrMarker)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
