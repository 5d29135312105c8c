package team

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jholhewres/agenth/pkg/agenth/llm"
)

// ErrToolLoop marks an answer cut short because the agent kept repeating
// the same tool calls.
var ErrToolLoop = errors.New("agent stopped after repeating the same tool calls")

type loopLevel int

const (
	loopNone loopLevel = iota
	loopWarn
	loopBreak
)

// loopGuard tracks the tool calls of one run. Repeats of an identical call
// and A-B-A-B alternation both count toward the streak.
type loopGuard struct {
	warnAt  int
	breakAt int
	history []string
}

func newLoopGuard(warnAt, breakAt int) *loopGuard {
	if breakAt <= warnAt {
		breakAt = warnAt + 1
	}
	return &loopGuard{warnAt: warnAt, breakAt: breakAt}
}

// record adds a call and returns the resulting level and streak.
func (g *loopGuard) record(call llm.ToolCall) (loopLevel, int) {
	if g.warnAt <= 0 {
		return loopNone, 0
	}
	h := callHash(call)
	g.history = append(g.history, h)
	if len(g.history) > 4*g.breakAt {
		g.history = g.history[len(g.history)-4*g.breakAt:]
	}

	streak := max(g.repeatStreak(h), g.pingPongStreak(h))
	switch {
	case streak >= g.breakAt:
		return loopBreak, streak
	case streak >= g.warnAt:
		return loopWarn, streak
	}
	return loopNone, streak
}

func (g *loopGuard) repeatStreak(h string) int {
	n := 0
	for i := len(g.history) - 1; i >= 0 && g.history[i] == h; i-- {
		n++
	}
	return n
}

// pingPongStreak counts complete A-B pairs ending at h.
func (g *loopGuard) pingPongStreak(h string) int {
	n := len(g.history)
	if n < 4 || g.history[n-2] == h {
		return 0
	}
	other := g.history[n-2]
	run := 0
	for i := n - 1; i >= 0; i-- {
		want := h
		if (n-1-i)%2 == 1 {
			want = other
		}
		if g.history[i] != want {
			break
		}
		run++
	}
	return run / 2
}

// loopHint is the system message injected when a run starts to loop.
func loopHint(name string, streak int) llm.Message {
	return llm.Message{
		Role: llm.RoleSystem,
		Content: fmt.Sprintf("You have called %q %d times with the same arguments and no progress. "+
			"Change approach or answer with what you have.", name, streak),
	}
}

func callHash(call llm.ToolCall) string {
	args := []byte(call.Function.Arguments)
	var buf bytes.Buffer
	if json.Compact(&buf, args) == nil {
		args = buf.Bytes()
	}
	sum := sha256.Sum256(append([]byte(call.Function.Name+":"), args...))
	return hex.EncodeToString(sum[:8])
}
