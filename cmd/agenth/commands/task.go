package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agenth/pkg/agenth/scheduler"
)

// newTaskCmd creates `agenth task`, a client for a running daemon's task API.
func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled tasks on a running daemon",
		Long: `Add and list scheduled prompts through the HTTP API of a running
"agenth serve".

Examples:
  agenth task add --in 10m --owner 0xABC "Summarize my calendar"
  agenth task add --at 2026-01-02T09:00:00Z --owner 0xABC "Good morning"
  agenth task list --owner 0xABC`,
	}
	cmd.PersistentFlags().String("server", envOr("AGENTH_SERVER", "http://localhost:8080"), "daemon base URL")
	cmd.PersistentFlags().String("token", os.Getenv("AGENTH_TOKEN"), "API bearer token")

	cmd.AddCommand(newTaskAddCmd(), newTaskListCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <prompt>",
		Short: "Schedule a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, _ := cmd.Flags().GetString("at")
			in, _ := cmd.Flags().GetDuration("in")
			owner, _ := cmd.Flags().GetString("owner")
			id, _ := cmd.Flags().GetString("id")

			ts, err := taskTimestamp(at, in, time.Now())
			if err != nil {
				return err
			}
			c := newTaskClient(cmd)
			taskID, err := c.add(cmd.Context(), ts, args[0], owner, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scheduled %s for %s\n", taskID, time.Unix(ts, 0).UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("at", "", "due time (RFC3339)")
	cmd.Flags().Duration("in", 0, "due after this delay (e.g. 10m)")
	cmd.Flags().String("owner", "", "task owner")
	cmd.Flags().String("id", "", "task id (default: generated)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's pending tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			c := newTaskClient(cmd)
			tasks, err := c.list(cmd.Context(), owner)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tasks")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDUE\tSOURCE\tPROMPT")
			for _, t := range tasks {
				prompt := t.Prompt
				if len(prompt) > 50 {
					prompt = prompt[:50] + "..."
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, time.Unix(t.Timestamp, 0).UTC().Format(time.RFC3339), t.Source, prompt)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("owner", "", "task owner")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

// taskTimestamp resolves --at / --in into unix seconds. Neither means now.
func taskTimestamp(at string, in time.Duration, now time.Time) (int64, error) {
	switch {
	case at != "" && in != 0:
		return 0, errors.New("use either --at or --in, not both")
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return 0, fmt.Errorf("invalid --at: %w", err)
		}
		return t.Unix(), nil
	case in < 0:
		return 0, errors.New("--in must be positive")
	default:
		return now.Add(in).Unix(), nil
	}
}

// taskClient talks to the daemon's task endpoints.
type taskClient struct {
	base  string
	token string
	http  *http.Client
}

func newTaskClient(cmd *cobra.Command) *taskClient {
	base, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return &taskClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *taskClient) add(ctx context.Context, ts int64, prompt, owner, id string) (string, error) {
	body, err := json.Marshal(map[string]any{"id": id, "timestamp": ts, "prompt": prompt, "owner": owner})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/tasks", body, http.StatusCreated, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *taskClient) list(ctx context.Context, owner string) ([]scheduler.Task, error) {
	var out []scheduler.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks?owner="+url.QueryEscape(owner), nil, http.StatusOK, &out)
	return out, err
}

func (c *taskClient) do(ctx context.Context, method, path string, body []byte, want int, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
