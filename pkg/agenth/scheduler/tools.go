package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/agenth/pkg/agenth/tools"
)

// RegisterTools registers schedule_task and list_tasks.
func RegisterTools(r *tools.Registry, s *Scheduler) error {
	err := r.Register(
		tools.MakeToolDefinition("schedule_task",
			"Schedule a prompt to run later for an owner. Give either 'at' (RFC3339), "+
				"'delay_seconds', or a cron 'schedule' for a recurring prompt.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt":        map[string]any{"type": "string", "description": "Prompt to run"},
					"owner":         map[string]any{"type": "string", "description": "Owner address that receives the result"},
					"at":            map[string]any{"type": "string", "description": "RFC3339 time"},
					"delay_seconds": map[string]any{"type": "integer", "description": "Seconds from now"},
					"schedule":      map[string]any{"type": "string", "description": "Cron expression, e.g. '0 9 * * *' or '@every 1h'"},
				},
				"required": []string{"prompt", "owner"},
			},
		),
		func(ctx context.Context, args map[string]any) (any, error) {
			prompt, _ := args["prompt"].(string)
			owner, _ := args["owner"].(string)

			if sched, _ := args["schedule"].(string); sched != "" {
				id, err := s.AddRecurring(sched, prompt, owner)
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("Recurring task %s scheduled (%s).", id, sched), nil
			}

			due := s.clock.Now()
			if at, _ := args["at"].(string); at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return nil, fmt.Errorf("at: %w", err)
				}
				due = t
			} else if d, ok := args["delay_seconds"].(float64); ok {
				due = due.Add(time.Duration(d) * time.Second)
			}
			id, err := s.AddTask(due.Unix(), prompt, owner, "")
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Task %s scheduled for %s.", id, due.UTC().Format(time.RFC3339)), nil
		},
	)
	if err != nil {
		return err
	}

	return r.Register(
		tools.MakeToolDefinition("list_tasks",
			"List the queued tasks of an owner.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"owner": map[string]any{"type": "string", "description": "Owner address"},
				},
				"required": []string{"owner"},
			},
		),
		func(ctx context.Context, args map[string]any) (any, error) {
			owner, _ := args["owner"].(string)
			type row struct {
				ID       string `json:"id"`
				Due      string `json:"due"`
				Prompt   string `json:"prompt"`
				Schedule string `json:"schedule,omitempty"`
			}
			out := []row{}
			for _, t := range s.TasksFor(owner) {
				out = append(out, row{
					ID:       t.ID,
					Due:      time.Unix(t.Timestamp, 0).UTC().Format(time.RFC3339),
					Prompt:   t.Prompt,
					Schedule: t.Schedule,
				})
			}
			return out, nil
		},
	)
}
