package ai

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicBackend talks to the Messages API directly. It keeps no
// conversation state, so its result chunks carry no resumption token and
// every exchange starts from a fresh context.
type AnthropicBackend struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewAnthropic creates a backend with the given API key and model. An empty
// key falls back to the environment; an empty model uses the default.
func NewAnthropic(apiKey, model string) *AnthropicBackend {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicBackend{
		api:   &client,
		model: anthropic.Model(model),
	}
}

func (b *AnthropicBackend) Type() string { return "anthropic" }

func (b *AnthropicBackend) SendQuery(ctx context.Context, q Query) (*Stream, error) {
	systemPrompt := "You are a software engineering assistant. The working directory for this task is " + q.WorkingDir + "."

	msg, err := b.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     b.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(q.Prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	stream := NewStream()
	go func() {
		for _, block := range msg.Content {
			if block.Type != "text" || block.Text == "" {
				continue
			}
			if err := stream.Send(ctx, Chunk{Type: ChunkAssistant, Text: block.Text}); err != nil {
				stream.CloseWith(err)
				return
			}
		}
		// no token: the next exchange cannot resume this one
		if err := stream.Send(ctx, Chunk{Type: ChunkResult}); err != nil {
			stream.CloseWith(err)
			return
		}
		stream.CloseWith(nil)
	}()
	return stream, nil
}
