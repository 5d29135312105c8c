package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/agenth/pkg/agenth/llm"
	"github.com/jholhewres/agenth/pkg/agenth/runner"
	"github.com/jholhewres/agenth/pkg/agenth/team"
)

type fakeRunner struct {
	calls  int
	resets int
}

func (f *fakeRunner) SendMessage(_ context.Context, req runner.SendRequest) (runner.SendResponse, error) {
	f.calls++
	return runner.SendResponse{ThreadID: "thread_r", Message: "runner: " + req.UserInput}, nil
}

func (f *fakeRunner) History(id string) ([]runner.Message, error) {
	if id != "thread_r" {
		return nil, runner.ErrThreadNotFound
	}
	return []runner.Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "runner: hi"}}, nil
}

func (f *fakeRunner) Reset() { f.resets++ }

type fakeTeam struct {
	err       error
	histories [][]llm.Message
}

func (f *fakeTeam) Invoke(_ context.Context, input string, history []llm.Message) (team.Result, error) {
	if f.err != nil {
		return team.Result{}, f.err
	}
	f.histories = append(f.histories, history)
	return team.Result{Agent: team.SupervisorName, Output: "team: " + input}, nil
}

func TestChatRouter_TeamKeepsHistory(t *testing.T) {
	tm := &fakeTeam{}
	c := &chatRouter{team: tm, historyLimit: 4, threads: map[string][]llm.Message{}}

	resp, err := c.SendMessage(context.Background(), runner.SendRequest{UserInput: "one"})
	require.NoError(t, err)
	assert.Equal(t, "team: one", resp.Message)
	require.NotEmpty(t, resp.ThreadID)

	for _, in := range []string{"two", "three"} {
		_, err = c.SendMessage(context.Background(), runner.SendRequest{ThreadID: resp.ThreadID, UserInput: in})
		require.NoError(t, err)
	}
	require.Len(t, tm.histories, 3)
	assert.Empty(t, tm.histories[0])
	assert.Len(t, tm.histories[1], 2)
	assert.Len(t, tm.histories[2], 4)

	h := c.History(resp.ThreadID)
	require.Len(t, h, 4, "capped at the history limit")
	assert.Equal(t, "two", h[0].Content)

	c.Reset()
	assert.Empty(t, c.History(resp.ThreadID))
}

func TestChatRouter_FallsBackToRunner(t *testing.T) {
	r := &fakeRunner{}
	c := &chatRouter{runner: r, team: &fakeTeam{err: team.ErrNoSupervisor}, historyLimit: 20, threads: map[string][]llm.Message{}}

	resp, err := c.SendMessage(context.Background(), runner.SendRequest{UserInput: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "runner: hi", resp.Message)
	assert.Equal(t, 1, r.calls)

	h := c.History(resp.ThreadID)
	require.Len(t, h, 2)
	assert.Equal(t, "runner: hi", h[1].Content)
	assert.Empty(t, c.History("missing"))

	c.Reset()
	assert.Equal(t, 1, r.resets)
}

func TestChatRouter_Errors(t *testing.T) {
	c := newChatRouter(nil, nil, 0)
	_, err := c.SendMessage(context.Background(), runner.SendRequest{UserInput: " "})
	assert.ErrorIs(t, err, runner.ErrEmptyInput)

	_, err = c.SendMessage(context.Background(), runner.SendRequest{UserInput: "hi"})
	assert.ErrorIs(t, err, errNoAgent)

	c = &chatRouter{team: &fakeTeam{err: team.ErrNoSupervisor}, historyLimit: 20, threads: map[string][]llm.Message{}}
	_, err = c.SendMessage(context.Background(), runner.SendRequest{UserInput: "hi"})
	assert.ErrorIs(t, err, team.ErrNoSupervisor)
}

func TestChatRouter_UnknownThread(t *testing.T) {
	ctx := context.Background()
	tm := &fakeTeam{}
	c := &chatRouter{team: tm, historyLimit: 20, threads: map[string][]llm.Message{}}

	_, err := c.SendMessage(ctx, runner.SendRequest{ThreadID: "never-created", UserInput: "hi"})
	require.ErrorIs(t, err, runner.ErrThreadNotFound)
	assert.Empty(t, tm.histories)
	assert.Empty(t, c.History("never-created"))

	// With a runner, its own threads are continued there.
	r := &fakeRunner{}
	c.runner = r
	_, err = c.SendMessage(ctx, runner.SendRequest{ThreadID: "never-created", UserInput: "hi"})
	require.ErrorIs(t, err, runner.ErrThreadNotFound)

	resp, err := c.SendMessage(ctx, runner.SendRequest{ThreadID: "thread_r", UserInput: "again"})
	require.NoError(t, err)
	assert.Equal(t, "runner: again", resp.Message)
	assert.Equal(t, 1, r.calls)
	assert.Empty(t, tm.histories)

	// A team thread id handed out earlier is still accepted.
	first, err := c.SendMessage(ctx, runner.SendRequest{UserInput: "one"})
	require.NoError(t, err)
	_, err = c.SendMessage(ctx, runner.SendRequest{ThreadID: first.ThreadID, UserInput: "two"})
	require.NoError(t, err)
	assert.Len(t, tm.histories, 2)
}
