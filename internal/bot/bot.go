// Package bot connects the keeper to Discord for operator alerts and slash
// commands.
package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/digichar/keeper/internal/bot/commands"
	"github.com/digichar/keeper/internal/config"
)

// maxMessageLen is Discord's limit on message content.
const maxMessageLen = 2000

// Sender posts a message to a channel. *discordgo.Session satisfies it.
type Sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Bot wraps the Discord session and command handlers.
type Bot struct {
	session  *discordgo.Session
	sender   Sender
	cfg      config.DiscordConfig
	logger   *slog.Logger
	tracer   trace.Tracer
	handlers *commands.Handlers
	cmds     []*discordgo.ApplicationCommand
}

// New creates a new Bot instance. Alerts can be sent before Start.
func New(cfg config.DiscordConfig, logger *slog.Logger, tp trace.TracerProvider) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}

	return &Bot{
		session: session,
		sender:  session,
		cfg:     cfg,
		logger:  logger,
		tracer:  tp.Tracer("github.com/digichar/keeper/internal/bot"),
	}, nil
}

// NewNotifier returns a Bot that only sends alerts through sender.
func NewNotifier(cfg config.DiscordConfig, sender Sender, logger *slog.Logger, tp trace.TracerProvider) *Bot {
	return &Bot{
		sender: sender,
		cfg:    cfg,
		logger: logger,
		tracer: tp.Tracer("github.com/digichar/keeper/internal/bot"),
	}
}

// Start opens the Discord connection and, when handlers is not nil,
// registers the slash commands.
func (b *Bot) Start(ctx context.Context, handlers *commands.Handlers) error {
	b.handlers = handlers

	b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.logger.InfoContext(ctx, "bot is ready", slog.String("user", s.State.User.Username))
	})

	if b.handlers != nil {
		b.session.AddHandler(b.handlers.InteractionCreate)
	}

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}

	if b.handlers == nil {
		return nil
	}

	appCmds := commands.SlashCommands()
	registered, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.cfg.GuildID, appCmds)
	if err != nil {
		return fmt.Errorf("registering slash commands: %w", err)
	}
	b.cmds = registered

	b.logger.InfoContext(ctx, "slash commands registered", slog.Int("count", len(registered)))
	return nil
}

// Notify posts an operator alert to the configured channel. Without a
// channel the alert is only logged.
func (b *Bot) Notify(ctx context.Context, msg string) error {
	ctx, span := b.tracer.Start(ctx, "Bot.Notify",
		trace.WithAttributes(attribute.String("channel", b.cfg.AlertChannelID)))
	defer span.End()

	if b.cfg.AlertChannelID == "" {
		b.logger.WarnContext(ctx, "operator alert", slog.String("message", msg))
		return nil
	}
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen-3] + "..."
	}
	if _, err := b.sender.ChannelMessageSend(b.cfg.AlertChannelID, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("sending alert to channel %s: %w", b.cfg.AlertChannelID, err)
	}
	return nil
}

// Stop gracefully closes the Discord connection.
func (b *Bot) Stop() error {
	if b.session == nil {
		return nil
	}
	for _, cmd := range b.cmds {
		if err := b.session.ApplicationCommandDelete(b.session.State.User.ID, b.cfg.GuildID, cmd.ID); err != nil {
			b.logger.Error("failed to delete command", slog.String("command", cmd.Name), slog.Any("error", err))
		}
	}
	return b.session.Close()
}
