package commands

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/agenth/pkg/agenth/runner"
	"github.com/jholhewres/agenth/pkg/agenth/scheduler"
	"github.com/jholhewres/agenth/pkg/agenth/server"
)

func newTaskServer(t *testing.T, token string) (*httptest.Server, *scheduler.Scheduler) {
	t.Helper()
	sched := scheduler.New(scheduler.Config{}, func(context.Context, runner.SendRequest, string) (string, error) {
		return "", nil
	}, nil, nil)

	cfg := server.Config{}
	if token != "" {
		hash, err := server.HashToken(token)
		require.NoError(t, err)
		cfg.AuthTokenHash = hash
	}
	srv := httptest.NewServer(server.New(cfg, newChatRouter(nil, nil, 0), sched, nil, nil, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, sched
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTaskAddAndList(t *testing.T) {
	srv, sched := newTaskServer(t, "s3cret")

	out, err := runCLI(t, "task", "add", "--server", srv.URL, "--token", "s3cret",
		"--owner", "0xABC", "--id", "t1", "--at", "2030-01-02T09:00:00Z", "Good morning")
	require.NoError(t, err)
	assert.Contains(t, out, "scheduled t1 for 2030-01-02T09:00:00Z")

	tasks := sched.TasksFor("0xabc")
	require.Len(t, tasks, 1)
	assert.Equal(t, "Good morning", tasks[0].Prompt)

	out, err = runCLI(t, "task", "list", "--server", srv.URL, "--token", "s3cret", "--owner", "0xABC")
	require.NoError(t, err)
	assert.Contains(t, out, "t1")
	assert.Contains(t, out, "Good morning")

	_, err = runCLI(t, "task", "add", "--server", srv.URL, "--token", "s3cret",
		"--owner", "0xABC", "--id", "t1", "again")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestTaskRequiresToken(t *testing.T) {
	srv, _ := newTaskServer(t, "s3cret")

	_, err := runCLI(t, "task", "list", "--server", srv.URL, "--token", "wrong", "--owner", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestTaskListEmpty(t *testing.T) {
	srv, _ := newTaskServer(t, "")

	out, err := runCLI(t, "task", "list", "--server", srv.URL, "--owner", "nobody")
	require.NoError(t, err)
	assert.Contains(t, out, "no tasks")
}

func TestTaskTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	ts, err := taskTimestamp("", 0, now)
	require.NoError(t, err)
	assert.Equal(t, now.Unix(), ts)

	ts, err = taskTimestamp("", 10*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute).Unix(), ts)

	ts, err = taskTimestamp("2026-01-02T00:00:00Z", 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1767312000), ts)

	_, err = taskTimestamp("2026-01-02T00:00:00Z", time.Minute, now)
	assert.Error(t, err)
	_, err = taskTimestamp("tomorrow", 0, now)
	assert.Error(t, err)
	_, err = taskTimestamp("", -time.Minute, now)
	assert.Error(t, err)
}
