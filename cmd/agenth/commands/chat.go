package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/agenth/pkg/agenth/config"
	"github.com/jholhewres/agenth/pkg/agenth/paths"
	"github.com/jholhewres/agenth/pkg/agenth/runner"
)

// newChatCmd creates the `agenth chat` command for terminal conversations.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the agent team via terminal",
		Long: `Start a conversation directly in the terminal. Pass a message as
argument for a single response, or run without arguments for an
interactive session.

The terminal chat uses the same routing and tools as the HTTP API.
Controllers such as the social pollers stay idle; run "agenth serve" for
those.

Examples:
  agenth chat "What is the coin id of ETH?"
  agenth chat                      # interactive mode`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
	cmd.Flags().StringP("model", "m", "", "override the LLM model")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.LLM.Model = model
		cfg.Team.Builder.Model = model
	}

	logger := newLogger(cmd, cfg, os.Stderr, slog.LevelWarn)
	if config.ResolveSecrets(cfg, logger) == "" {
		return errors.New("no API key configured. Run: agenth config set-key api")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if err := a.team.Start(ctx); err != nil {
		logger.Warn("team started degraded", "error", err)
	}

	s := &chatSession{app: a, name: cfg.Name, out: os.Stdout}
	if len(args) > 0 {
		fmt.Fprintln(s.out, s.send(ctx, args[0]))
		return nil
	}
	return s.interactive(ctx)
}

// chatSession holds the terminal conversation state.
type chatSession struct {
	app      *app
	name     string
	threadID string
	out      io.Writer
}

// send routes one turn and returns the text to print. Errors become text
// so the REPL keeps going.
func (s *chatSession) send(ctx context.Context, input string) string {
	resp, err := s.app.router.SendMessage(ctx, runner.SendRequest{ThreadID: s.threadID, UserInput: input})
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	s.threadID = resp.ThreadID
	return resp.Message
}

// command handles a slash command. It reports whether the input was one
// and whether the session should end.
func (s *chatSession) command(input string) (handled, quit bool) {
	parts := strings.Fields(strings.ToLower(input))
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "/") {
		return false, false
	}

	switch parts[0] {
	case "/quit", "/exit", "/q":
		fmt.Fprintln(s.out, "  Bye!")
		return true, true

	case "/clear", "/reset", "/new":
		s.app.router.Reset()
		s.threadID = ""
		fmt.Fprintln(s.out, "  \033[33m[conversation cleared]\033[0m")

	case "/tools":
		names := s.app.registry.Names()
		fmt.Fprintf(s.out, "  \033[1m%d tools available:\033[0m\n", len(names))
		for i, n := range names {
			fmt.Fprintf(s.out, "    \033[36m%2d.\033[0m %s\n", i+1, n)
		}

	case "/agents":
		t := s.app.team.Team()
		if t == nil {
			fmt.Fprintln(s.out, "  \033[33mNo team running.\033[0m")
			break
		}
		fmt.Fprintf(s.out, "  Supervisor: %v\n", t.Supervisor != nil)
		for _, n := range t.Names() {
			fmt.Fprintf(s.out, "    - %s\n", n)
		}
		for n, err := range t.Failed {
			fmt.Fprintf(s.out, "    \033[31mx %s: %v\033[0m\n", n, err)
		}

	case "/usage":
		if len(parts) > 1 && parts[1] == "reset" {
			s.app.usage.Reset()
			fmt.Fprintln(s.out, "  \033[32mUsage reset.\033[0m")
			break
		}
		fmt.Fprintln(s.out, s.app.usage.Global().Format("session"))

	case "/history":
		msgs := s.app.router.History(s.threadID)
		if len(msgs) == 0 {
			fmt.Fprintln(s.out, "  \033[33mNo history.\033[0m")
			break
		}
		for _, m := range msgs {
			content := m.Content
			if len(content) > 80 {
				content = content[:80] + "..."
			}
			fmt.Fprintf(s.out, "    %s> %s\n", m.Role, content)
		}

	case "/help":
		s.printHelp()

	default:
		fmt.Fprintf(s.out, "  \033[31mUnknown command %s. Try /help\033[0m\n", parts[0])
	}
	fmt.Fprintln(s.out)
	return true, false
}

func (s *chatSession) printHelp() {
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, "  \033[1mAvailable Commands:\033[0m")
	fmt.Fprintln(s.out, "  \033[36m/help\033[0m          Show this help")
	fmt.Fprintln(s.out, "  \033[36m/quit\033[0m          Exit (/exit, /q)")
	fmt.Fprintln(s.out, "  \033[36m/clear\033[0m         Clear conversation (/reset, /new)")
	fmt.Fprintln(s.out, "  \033[36m/tools\033[0m         List available tools")
	fmt.Fprintln(s.out, "  \033[36m/agents\033[0m        Show the running team")
	fmt.Fprintln(s.out, "  \033[36m/usage\033[0m [reset] Show token usage")
	fmt.Fprintln(s.out, "  \033[36m/history\033[0m       Show the current conversation")
}

func chatCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("/quit"),
		readline.PcItem("/exit"),
		readline.PcItem("/clear"),
		readline.PcItem("/reset"),
		readline.PcItem("/new"),
		readline.PcItem("/tools"),
		readline.PcItem("/agents"),
		readline.PcItem("/usage", readline.PcItem("reset")),
		readline.PcItem("/history"),
		readline.PcItem("/help"),
	)
}

func historyFile() string {
	dir := paths.ResolveStateDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "chat_history")
}

func (s *chatSession) interactive(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[36myou>\033[0m ",
		HistoryFile:       historyFile(),
		HistoryLimit:      1000,
		AutoComplete:      chatCompleter(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		// Non-interactive terminal.
		return s.basic(ctx, os.Stdin)
	}
	defer rl.Close()

	fmt.Fprintln(s.out)
	fmt.Fprintf(s.out, "  \033[1m%s\033[0m: interactive chat\n", s.name)
	fmt.Fprintln(s.out, "  \033[2mCommands: /help, /quit, /tools, /agents, /usage\033[0m")
	fmt.Fprintln(s.out)

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out, "\n  Bye!")
				return nil
			}
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if handled, quit := s.command(input); quit {
			return nil
		} else if handled {
			continue
		}

		fmt.Fprint(s.out, "  \033[2mthinking...\033[0m")
		response := s.send(ctx, input)
		fmt.Fprint(s.out, "\r\033[K")
		fmt.Fprintf(s.out, "\n\033[32m%s>\033[0m %s\n\n", s.name, response)
	}
}

// basic is the fallback loop for terminals readline cannot drive.
func (s *chatSession) basic(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(s.out, "\n  %s: chat (basic mode)\n  Type /quit to exit, /help for commands.\n\n", s.name)

	stdin := readline.NewCancelableStdin(in)
	defer stdin.Close()

	buf := make([]byte, 4096)
	for {
		fmt.Fprint(s.out, "you> ")
		n, err := stdin.Read(buf)
		if err != nil {
			fmt.Fprintln(s.out)
			return nil
		}
		input := strings.TrimSpace(string(buf[:n]))
		if input == "" {
			continue
		}
		if handled, quit := s.command(input); quit {
			return nil
		} else if handled {
			continue
		}
		fmt.Fprintf(s.out, "\n%s> %s\n\n", s.name, s.send(ctx, input))
	}
}
