package social

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// discordAPI is the subset of *discordgo.Session the source uses.
type discordAPI interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordConfig configures the Discord mention source.
type DiscordConfig struct {
	Token string `yaml:"token"`
	// ChannelIDs are polled for messages that mention the bot.
	ChannelIDs []string `yaml:"channel_ids"`
	// PostChannelID receives good-morning posts. Defaults to the first channel.
	PostChannelID string `yaml:"post_channel_id"`
	// FetchLimit is the number of recent messages read per channel (max 100).
	FetchLimit int `yaml:"fetch_limit"`
}

// DiscordSource reads mentions of a bot user from Discord channels over
// the REST API. Rate limits are surfaced as *RateLimitError instead of
// being waited out inside the client.
type DiscordSource struct {
	cfg    DiscordConfig
	api    discordAPI
	now    func() time.Time
	logger *slog.Logger

	mu     sync.RWMutex
	botID  string
	handle string
}

// NewDiscordSource creates a source backed by a discordgo session.
func NewDiscordSource(cfg DiscordConfig, logger *slog.Logger) (*DiscordSource, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	if len(cfg.ChannelIDs) == 0 {
		return nil, errors.New("discord: at least one channel id is required")
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.ShouldRetryOnRateLimit = false
	return newDiscordSource(cfg, s, logger), nil
}

func newDiscordSource(cfg DiscordConfig, api discordAPI, logger *slog.Logger) *DiscordSource {
	if cfg.FetchLimit <= 0 || cfg.FetchLimit > 100 {
		cfg.FetchLimit = 50
	}
	if cfg.PostChannelID == "" && len(cfg.ChannelIDs) > 0 {
		cfg.PostChannelID = cfg.ChannelIDs[0]
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordSource{
		cfg:    cfg,
		api:    api,
		now:    time.Now,
		logger: logger.With("component", "discord"),
	}
}

// Login resolves the bot user.
func (d *DiscordSource) Login(_ context.Context) error {
	u, err := d.api.User("@me")
	if err != nil {
		return d.mapErr(fmt.Errorf("discord: resolve bot user: %w", err))
	}
	d.mu.Lock()
	d.botID, d.handle = u.ID, u.Username
	d.mu.Unlock()
	d.logger.Info("logged in", "user", u.Username)
	return nil
}

func (d *DiscordSource) Handle() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handle
}

// Mentions returns recent messages in the configured channels that mention
// the bot. Mention markup is rewritten to @username so the text matches
// the handle.
func (d *DiscordSource) Mentions(ctx context.Context) ([]Mention, error) {
	d.mu.RLock()
	botID := d.botID
	d.mu.RUnlock()
	if botID == "" {
		return nil, errNotLoggedIn
	}

	var out []Mention
	for _, ch := range d.cfg.ChannelIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs, err := d.api.ChannelMessages(ch, d.cfg.FetchLimit, "", "", "")
		if err != nil {
			return nil, d.mapErr(fmt.Errorf("discord: channel %s: %w", ch, err))
		}
		for _, m := range msgs {
			if m.Author == nil || m.Author.ID == botID || !mentionsUser(m, botID) {
				continue
			}
			out = append(out, Mention{
				ID:        m.ID,
				ChannelID: ch,
				AuthorID:  m.Author.ID,
				Author:    m.Author.Username,
				Text:      m.ContentWithMentionsReplaced(),
				CreatedAt: m.Timestamp,
			})
		}
	}
	return out, nil
}

func mentionsUser(m *discordgo.Message, userID string) bool {
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

func (d *DiscordSource) Reply(_ context.Context, m Mention, text string) error {
	ref := &discordgo.MessageReference{MessageID: m.ID, ChannelID: m.ChannelID}
	if _, err := d.api.ChannelMessageSendReply(m.ChannelID, text, ref); err != nil {
		return d.mapErr(fmt.Errorf("discord: reply to %s: %w", m.ID, err))
	}
	return nil
}

func (d *DiscordSource) Post(_ context.Context, text string) error {
	if _, err := d.api.ChannelMessageSend(d.cfg.PostChannelID, text); err != nil {
		return d.mapErr(fmt.Errorf("discord: post: %w", err))
	}
	return nil
}

// mapErr converts discordgo rate-limit errors into *RateLimitError.
func (d *DiscordSource) mapErr(err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl.RateLimit != nil && rl.TooManyRequests != nil {
		return &RateLimitError{ResetAt: d.now().Add(rl.RetryAfter), Err: err}
	}
	return err
}
