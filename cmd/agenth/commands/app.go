package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agenth/pkg/agenth/calendar"
	"github.com/jholhewres/agenth/pkg/agenth/config"
	"github.com/jholhewres/agenth/pkg/agenth/llm"
	"github.com/jholhewres/agenth/pkg/agenth/market"
	"github.com/jholhewres/agenth/pkg/agenth/notify"
	"github.com/jholhewres/agenth/pkg/agenth/paths"
	"github.com/jholhewres/agenth/pkg/agenth/runner"
	"github.com/jholhewres/agenth/pkg/agenth/scheduler"
	"github.com/jholhewres/agenth/pkg/agenth/social"
	"github.com/jholhewres/agenth/pkg/agenth/store"
	"github.com/jholhewres/agenth/pkg/agenth/team"
	"github.com/jholhewres/agenth/pkg/agenth/timer"
	"github.com/jholhewres/agenth/pkg/agenth/tools"
)

// loadConfig loads .env and the config file named by --config or found by
// paths.ResolveConfigPath.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	if err := config.LoadEnv(""); err != nil {
		slog.Warn("failed to load .env", "error", err)
	}

	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = paths.ResolveConfigPath()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, "", fmt.Errorf("no configuration found at %s. Run: agenth setup", path)
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, path, nil
}

// newLogger builds the slog handler from config. --verbose forces debug;
// floor raises the minimum level (chat mode stays quiet).
func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer, floor slog.Level) *slog.Logger {
	level := floor
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = max(level, slog.LevelWarn)
	case "error":
		level = max(level, slog.LevelError)
	}
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app is the assembled daemon.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	llm       *llm.HTTPClient
	usage     *llm.UsageTracker
	registry  *tools.Registry
	runner    *runner.Runner
	hub       *notify.Hub
	scheduler *scheduler.Scheduler
	team      *team.Manager
	router    *chatRouter
	discord   *social.DiscordSource

	// autonomous enables controllers (mention pollers). Off in chat mode.
	autonomous bool
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, autonomous bool) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{cfg: cfg, logger: logger, autonomous: autonomous}

	sc := cfg.Store
	if sc.Path == "" {
		switch sc.Backend {
		case "", "file":
			sc.Path = paths.ResolveStoreDir()
		case "sqlite":
			sc.Path = paths.ResolveDatabasePath("agenth.db")
		}
	}
	st, err := store.Open(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.store = st

	a.usage = llm.NewUsageTracker(nil, logger)
	a.llm = llm.NewHTTPClient(cfg.LLM, logger)
	a.llm.SetUsageTracker(a.usage)
	a.registry = tools.NewRegistry(logger)
	a.hub = notify.NewHub(32, logger)

	var schedOpts []scheduler.Option
	schedOpts = append(schedOpts, scheduler.WithStore(st))
	var cal *calendar.Client
	if cfg.Calendar.AccessToken != "" {
		cal = calendar.NewClient(cfg.Calendar)
		schedOpts = append(schedOpts, scheduler.WithCalendar(cal))
	}
	a.scheduler = scheduler.New(cfg.Scheduler, a.executeTask, a.hub, logger, schedOpts...)

	if cfg.Social.Discord.Token != "" && len(cfg.Social.Discord.ChannelIDs) > 0 {
		src, err := social.NewDiscordSource(cfg.Social.Discord, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.discord = src
	}

	if err := a.registerTools(cal); err != nil {
		st.Close()
		return nil, err
	}

	if cfg.Runner.AssistantID != "" {
		a.runner = runner.New(cfg.Runner, a.llm, a.registry, logger, runner.WithUsageTracker(a.usage))
	}

	bcfg := cfg.Team.Builder
	if bcfg.Model == "" {
		bcfg.Model = cfg.LLM.Model
	}
	builder := team.NewBuilder(bcfg, a.llm, a.registry, logger)
	builder.RegisterController("social", a.socialController)
	agentsFile := cfg.AgentsFile()
	a.team = team.NewManager(builder, func() ([]team.AgentSpec, error) {
		return team.LoadSpecs(agentsFile)
	}, logger)

	a.router = newChatRouter(a.runner, a.team, cfg.Runner.HistoryLimit)
	return a, nil
}

func (a *app) registerTools(cal *calendar.Client) error {
	coins := market.NewCoins(a.cfg.Market, nil, nil, a.logger)
	if err := market.RegisterTools(a.registry, coins, market.NewStateStore(a.store)); err != nil {
		return err
	}
	if err := scheduler.RegisterTools(a.registry, a.scheduler); err != nil {
		return err
	}
	if cal != nil {
		if err := calendar.RegisterTools(a.registry, cal); err != nil {
			return err
		}
	}
	if a.discord != nil {
		if err := social.RegisterTools(a.registry, a.discord); err != nil {
			return err
		}
	}
	for _, spec := range a.cfg.Webhooks {
		if err := tools.RegisterWebhook(a.registry, spec, nil); err != nil {
			return err
		}
	}
	a.logger.Info("tools registered", "count", a.registry.Len())
	return nil
}

// executeTask runs a scheduled prompt through the same entry point as chat.
func (a *app) executeTask(ctx context.Context, req runner.SendRequest, owner string) (string, error) {
	resp, err := a.router.SendMessage(llm.WithUsageScope(ctx, "owner:"+strings.ToLower(owner)), req)
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// socialController builds a mention poller for an agent. Params:
// channel_ids (list) overrides the configured channels, good_morning
// (bool) enables the daily post.
func (a *app) socialController(_ context.Context, spec team.AgentSpec) (team.Controller, error) {
	if !a.autonomous {
		return idleController{}, nil
	}
	if a.cfg.Social.Discord.Token == "" {
		return nil, errors.New("social controller needs social.discord.token")
	}

	params := spec.Controller.Params
	src := a.discord
	if ids := stringList(params["channel_ids"]); len(ids) > 0 {
		dcfg := a.cfg.Social.Discord
		dcfg.ChannelIDs = ids
		dcfg.PostChannelID = ""
		s, err := social.NewDiscordSource(dcfg, a.logger)
		if err != nil {
			return nil, err
		}
		src = s
	}
	if src == nil {
		return nil, errors.New("social controller needs social.discord.channel_ids")
	}

	pcfg := a.cfg.Social.Poller
	pcfg.Identity = spec.Name
	if gm, ok := params["good_morning"].(bool); ok {
		pcfg.GoodMorning = gm
	}

	model := spec.Model
	if model == "" {
		model = a.cfg.LLM.Model
	}
	temp := team.DefaultTemperature
	if spec.Temperature != nil {
		temp = *spec.Temperature
	}
	responder := &social.ChatResponder{
		Client:       a.llm,
		Model:        model,
		SystemPrompt: strings.TrimSpace(spec.Personality + "\n\n" + spec.Instructions),
		Temperature:  temp,
		MaxTokens:    a.cfg.Social.MaxTokens,
	}
	return social.NewPoller(pcfg, src, responder, a.store, timer.Real(), a.logger), nil
}

// Close stops every component. Safe to call once.
func (a *app) Close(ctx context.Context) {
	a.team.Stop(ctx)
	if err := a.scheduler.Stop(ctx); err != nil {
		a.logger.Warn("scheduler stop", "error", err)
	}
	a.hub.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close", "error", err)
	}
}

// idleController stands in for autonomous controllers outside serve.
type idleController struct{}

func (idleController) Start(context.Context) error { return nil }
func (idleController) Stop(context.Context) error  { return nil }

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
