// Package telegram is the owner-facing command bot. Owners talk to it in a
// private chat to connect numbers and manage redirections.
package telegram

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// Connector represents the Telegram connector
type Connector struct {
	bot     *bot.Bot
	router  *Router
	logger  logger.Logger
	running atomic.Bool
}

// Config holds configuration for the Telegram connector
type Config struct {
	BotToken string // Bot token from @BotFather
	Debug    bool   // Enable debug logging
	Logger   logger.Logger

	// ServerURL overrides the Bot API endpoint.
	ServerURL string
}

// NewConnector creates the bot. It does not contact the Bot API until Start.
func NewConnector(config Config, router *Router) (*Connector, error) {
	if config.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	connector := &Connector{
		router: router,
		logger: config.Logger.WithFields(logger.StringField("component", "telegram")),
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(connector.handleUpdate),
		bot.WithSkipGetMe(),
	}
	if config.Debug {
		opts = append(opts, bot.WithDebug())
	}
	if config.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(config.ServerURL))
	}

	b, err := bot.New(config.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	connector.bot = b

	return connector, nil
}

// Start polls for updates until ctx is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach Bot API: %w", err)
	}
	c.logger.Info("Starting Telegram bot polling", logger.StringField("username", me.Username))

	c.running.Store(true)
	defer c.running.Store(false)

	c.bot.Start(ctx)
	return nil
}

// Ready reports whether the bot is polling.
func (c *Connector) Ready() error {
	if !c.running.Load() {
		return fmt.Errorf("telegram bot is not polling")
	}
	return nil
}

// handleUpdate processes all incoming Telegram updates
func (c *Connector) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" || msg.From == nil {
		return
	}
	if msg.From.IsBot {
		return
	}
	// Codes and chat ids are private; only answer in direct chats.
	if msg.Chat.Type != models.ChatTypePrivate {
		return
	}

	owner := msg.From.ID
	ctx, correlationID := logger.EnsureCorrelationID(ctx)
	log := c.logger.WithCorrelationID(correlationID).WithFields(logger.OwnerField(owner))
	log.Debug("Processing owner message")

	reply := c.router.Reply(ctx, owner, msg.Text)
	if reply == "" {
		return
	}

	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: msg.Chat.ID,
		Text:   reply,
	}); err != nil {
		log.Error("Error sending reply", logger.ErrorField(err))
	}
}
