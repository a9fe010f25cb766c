// Package discord implements the Discord channel for ragpile using
// discordgo. Discord renders Markdown natively, so outgoing text is
// passed through without HTML conversion. Reconnection is handled by
// discordgo's gateway.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/ragpile/ragpile/pkg/ragpile/channels"
)

// maxMessageLen is the Discord per-message character limit.
const maxMessageLen = 2000

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild (server) IDs the bot responds
	// in. Empty means respond in all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	// Empty means respond in all channels.
	AllowedChannels []string `yaml:"allowed_channels"`
}

// Discord implements channels.Channel over the Discord gateway.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages  chan *channels.IncomingMessage
	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// MaxMessageLen returns the Discord message limit.
func (d *Discord) MaxMessageLen() int { return maxMessageLen }

// Markup reports that Discord renders Markdown natively.
func (d *Discord) Markup() channels.Markup { return channels.MarkupMarkdown }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Send sends a text message to the specified channel or DM.
func (d *Discord) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	msgSend := &discordgo.MessageSend{Content: msg.Content}
	if msg.ReplyTo != "" {
		msgSend.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo}
	}
	if _, err := d.session.ChannelMessageSendComplex(to, msgSend); err != nil {
		return fmt.Errorf("discord: send to %s: %w", to, err)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected reports whether the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// onMessageCreate forwards user messages to the incoming channel.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore the bot's own messages and other bots.
	if m.Author == nil || m.Author.Bot {
		return
	}
	if !d.guildAllowed(m.GuildID) || !d.channelAllowed(m.ChannelID) {
		return
	}

	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	ts := time.Now()
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp
	}

	incoming := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		IsGroup:   m.GuildID != "",
		Content:   content,
		Timestamp: ts,
	}

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", m.ID)
	}
}

func (d *Discord) guildAllowed(guildID string) bool {
	if len(d.cfg.AllowedGuilds) == 0 || guildID == "" {
		return true
	}
	for _, id := range d.cfg.AllowedGuilds {
		if id == guildID {
			return true
		}
	}
	return false
}

func (d *Discord) channelAllowed(channelID string) bool {
	if len(d.cfg.AllowedChannels) == 0 {
		return true
	}
	for _, id := range d.cfg.AllowedChannels {
		if id == channelID {
			return true
		}
	}
	return false
}

// Compile-time interface verification.
var _ channels.Channel = (*Discord)(nil)
