package social

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/agenth/pkg/agenth/llm"
)

// Responder writes the text of replies and posts.
type Responder interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ChatResponder generates text with a chat-completions model.
type ChatResponder struct {
	Client       llm.ChatClient
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

func (r *ChatResponder) Generate(ctx context.Context, prompt string) (string, error) {
	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 280
	}
	msgs := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	if r.SystemPrompt != "" {
		msgs = append([]llm.Message{{Role: llm.RoleSystem, Content: r.SystemPrompt}}, msgs...)
	}
	resp, err := r.Client.CreateCompletion(ctx, llm.CompletionRequest{
		Model:       r.Model,
		Messages:    msgs,
		Temperature: llm.Temperature(r.Temperature),
		MaxTokens:   maxTokens,
		N:           1,
	})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("generate: %w", llm.ErrNoChoices)
	}
	return text, nil
}

func replyPrompt(handle string, m Mention) string {
	return fmt.Sprintf("You are @%s. @%s wrote to you:\n\n%s\n\nWrite a short, friendly reply.", handle, m.Author, m.Text)
}
