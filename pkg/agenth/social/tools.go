package social

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/agenth/pkg/agenth/tools"
)

// Poster publishes a standalone message.
type Poster interface {
	Post(ctx context.Context, text string) error
}

// RegisterTools registers post_message.
func RegisterTools(r *tools.Registry, p Poster) error {
	return r.Register(
		tools.MakeToolDefinition("post_message",
			"Publish a message on the agent's social channel.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string", "description": "Message text"},
				},
				"required": []string{"text"},
			},
		),
		func(ctx context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			text = strings.TrimSpace(text)
			if text == "" {
				return nil, fmt.Errorf("text is empty")
			}
			if err := p.Post(ctx, text); err != nil {
				return nil, err
			}
			return "posted", nil
		},
	)
}
