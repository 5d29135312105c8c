package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/agenth/pkg/agenth/tools"
)

// Source is anything that lists events in a window.
type Source interface {
	GetEvents(ctx context.Context, start, end time.Time) ([]Event, error)
}

// RegisterTools registers get_calendar_events.
func RegisterTools(r *tools.Registry, src Source) error {
	return r.Register(
		tools.MakeToolDefinition("get_calendar_events",
			"List calendar events between two dates. Defaults to the next 24 hours.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start_date": map[string]any{
						"type":        "string",
						"description": "RFC3339 start (default: now)",
					},
					"end_date": map[string]any{
						"type":        "string",
						"description": "RFC3339 end (default: start + 24h)",
					},
				},
			},
		),
		func(ctx context.Context, args map[string]any) (any, error) {
			start := time.Now()
			if s, _ := args["start_date"].(string); s != "" {
				t, err := time.Parse(time.RFC3339, s)
				if err != nil {
					return nil, fmt.Errorf("start_date: %w", err)
				}
				start = t
			}
			end := start.Add(24 * time.Hour)
			if s, _ := args["end_date"].(string); s != "" {
				t, err := time.Parse(time.RFC3339, s)
				if err != nil {
					return nil, fmt.Errorf("end_date: %w", err)
				}
				end = t
			}
			if !end.After(start) {
				return nil, fmt.Errorf("end_date must be after start_date")
			}

			events, err := src.GetEvents(ctx, start, end)
			if err != nil {
				return nil, err
			}
			type row struct {
				ID          string `json:"id"`
				Summary     string `json:"summary"`
				Description string `json:"description,omitempty"`
				Start       string `json:"start"`
				End         string `json:"end,omitempty"`
			}
			out := make([]row, 0, len(events))
			for _, ev := range events {
				r := row{ID: ev.ID, Summary: ev.Summary, Description: ev.Description}
				if t, err := ev.Start.ToTime(); err == nil {
					r.Start = t.Format(time.RFC3339)
				}
				if t, err := ev.End.ToTime(); err == nil {
					r.End = t.Format(time.RFC3339)
				}
				out = append(out, r)
			}
			return out, nil
		},
	)
}
