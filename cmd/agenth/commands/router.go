package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jholhewres/agenth/pkg/agenth/llm"
	"github.com/jholhewres/agenth/pkg/agenth/runner"
	"github.com/jholhewres/agenth/pkg/agenth/team"
)

var errNoAgent = errors.New("no agent available: configure runner.assistant_id or a team with a supervisor")

// assistantRunner is the part of runner.Runner the router needs.
type assistantRunner interface {
	SendMessage(ctx context.Context, req runner.SendRequest) (runner.SendResponse, error)
	History(id string) ([]runner.Message, error)
	Reset()
}

// teamInvoker is the part of team.Manager the router needs.
type teamInvoker interface {
	Invoke(ctx context.Context, input string, history []llm.Message) (team.Result, error)
}

// chatRouter sends a user turn to the team supervisor when one is running,
// otherwise to the assistant runner. Team conversations keep their history
// here, keyed by thread id.
type chatRouter struct {
	runner       assistantRunner
	team         teamInvoker
	historyLimit int

	mu      sync.Mutex
	threads map[string][]llm.Message
}

func newChatRouter(r *runner.Runner, t *team.Manager, historyLimit int) *chatRouter {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	c := &chatRouter{historyLimit: historyLimit, threads: make(map[string][]llm.Message)}
	if r != nil {
		c.runner = r
	}
	if t != nil {
		c.team = t
	}
	return c
}

func (c *chatRouter) SendMessage(ctx context.Context, req runner.SendRequest) (runner.SendResponse, error) {
	if strings.TrimSpace(req.UserInput) == "" {
		return runner.SendResponse{}, runner.ErrEmptyInput
	}

	if c.team != nil && req.ThreadID != "" && !c.hasTeamThread(req.ThreadID) {
		// Only ids handed out by this router or the runner are accepted.
		if c.runner == nil {
			return runner.SendResponse{}, fmt.Errorf("%w: %s", runner.ErrThreadNotFound, req.ThreadID)
		}
		if _, err := c.runner.History(req.ThreadID); err != nil {
			return runner.SendResponse{}, err
		}
		return c.runner.SendMessage(ctx, req)
	}

	if c.team != nil {
		resp, err := c.sendTeam(ctx, req)
		if err == nil || !errors.Is(err, team.ErrNoSupervisor) || c.runner == nil {
			return resp, err
		}
	}
	if c.runner != nil {
		return c.runner.SendMessage(ctx, req)
	}
	return runner.SendResponse{}, errNoAgent
}

func (c *chatRouter) sendTeam(ctx context.Context, req runner.SendRequest) (runner.SendResponse, error) {
	id := req.ThreadID
	if id == "" {
		id = "team_" + uuid.NewString()
	}

	c.mu.Lock()
	history := append([]llm.Message(nil), c.threads[id]...)
	c.mu.Unlock()

	res, err := c.team.Invoke(ctx, req.UserInput, history)
	if err != nil {
		return runner.SendResponse{}, err
	}

	c.mu.Lock()
	h := append(c.threads[id],
		llm.Message{Role: "user", Content: req.UserInput},
		llm.Message{Role: "assistant", Content: res.Output},
	)
	if len(h) > c.historyLimit {
		h = h[len(h)-c.historyLimit:]
	}
	c.threads[id] = h
	c.mu.Unlock()

	return runner.SendResponse{ThreadID: id, Message: res.Output}, nil
}

func (c *chatRouter) hasTeamThread(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.threads[id]
	return ok
}

// History returns the messages of a thread, from whichever side owns it.
func (c *chatRouter) History(id string) []llm.Message {
	c.mu.Lock()
	h, ok := c.threads[id]
	h = append([]llm.Message(nil), h...)
	c.mu.Unlock()
	if ok || c.runner == nil {
		return h
	}
	msgs, err := c.runner.History(id)
	if err != nil {
		return nil
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// Reset forgets every conversation.
func (c *chatRouter) Reset() {
	c.mu.Lock()
	c.threads = make(map[string][]llm.Message)
	c.mu.Unlock()
	if c.runner != nil {
		c.runner.Reset()
	}
}

// teamRestarter adapts team.Manager to the server's restart endpoint.
type teamRestarter struct{ m *team.Manager }

func (t teamRestarter) Restart(ctx context.Context) ([]string, error) {
	if err := t.m.Restart(ctx); err != nil {
		return nil, err
	}
	if tm := t.m.Team(); tm != nil {
		return tm.Names(), nil
	}
	return nil, nil
}
