package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/setup/config"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// commandTimeout bounds the work behind one slash command.
const commandTimeout = 2 * time.Minute

// followUpWorkers caps concurrent follow-up work.
const followUpWorkers = 16

// Bot connects the command handler to the Discord gateway.
type Bot struct {
	client  bot.Client
	handler *Handler
	workers *pool.Pool
	cfg     *config.Discord
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// New creates the gateway client and registers the interaction listener.
func New(cfg *config.Discord, handler *Handler, logger *zap.Logger) (*Bot, error) {
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bot{
		handler: handler,
		workers: pool.New().WithMaxGoroutines(followUpWorkers),
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("bot"),
	}

	// Configure Discord client with required gateway intents and event handlers
	client, err := disgo.New(cfg.Token,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(gateway.IntentGuilds),
		),
		bot.WithEventListeners(&events.ListenerAdapter{
			OnApplicationCommandInteraction: b.handleApplicationCommandInteraction,
			OnReady: func(event *events.Ready) {
				b.logger.Info("Connected to gateway",
					zap.String("user", event.User.Username),
					zap.Int("guilds", len(event.Guilds)))
			},
		}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create discord client: %w", err)
	}

	b.client = client

	return b, nil
}

// Start registers commands when enabled and opens the gateway connection.
func (b *Bot) Start(ctx context.Context) error {
	if b.cfg.RegisterCommands {
		if err := b.registerCommands(); err != nil {
			return err
		}
	}

	b.logger.Info("Starting bot")

	return b.client.OpenGateway(ctx)
}

// registerCommands registers the slash commands on the configured guild, or globally.
func (b *Bot) registerCommands() error {
	appID := b.client.ApplicationID()
	if b.cfg.ApplicationID != 0 {
		appID = snowflake.ID(b.cfg.ApplicationID)
	}

	if b.cfg.GuildID != 0 {
		b.logger.Info("Registering guild commands", zap.Uint64("guildID", b.cfg.GuildID))

		if _, err := b.client.Rest().SetGuildCommands(appID, snowflake.ID(b.cfg.GuildID), Commands()); err != nil {
			return fmt.Errorf("failed to register guild commands: %w", err)
		}

		return nil
	}

	b.logger.Info("Registering global commands")

	if _, err := b.client.Rest().SetGlobalCommands(appID, Commands()); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}

	return nil
}

// Close waits for pending follow-ups and shuts down the gateway connection.
func (b *Bot) Close(ctx context.Context) {
	b.logger.Info("Closing bot")
	b.cancel()
	b.workers.Wait()
	b.client.Close(ctx)
}

// handleApplicationCommandInteraction defers the response, then does the work
// on the follow-up pool and edits the deferred message with the result.
func (b *Bot) handleApplicationCommandInteraction(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	name := data.CommandName()

	// Verify results are only shown to the caller
	ephemeral := name == VerifyCommandName
	if err := event.DeferCreateMessage(ephemeral); err != nil {
		b.logger.Error("Failed to defer create message",
			zap.String("command", name),
			zap.Error(err))

		return
	}

	b.workers.Go(func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("Panic in application command handler",
					zap.String("command", name),
					zap.Any("panic", r))
				b.respond(event, b.handler.errorMessage("Internal error. Please report this to an administrator."))
			}

			b.logger.Debug("Application command handled",
				zap.String("command", name),
				zap.Duration("duration", time.Since(start)))
		}()

		b.respond(event, b.dispatch(ctx, event, data))
	})
}

// dispatch routes a command to the handler.
func (b *Bot) dispatch(
	ctx context.Context, event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData,
) discord.MessageUpdate {
	switch data.CommandName() {
	case VerifyCommandName:
		return b.handler.Verify(ctx, event.GuildID(), event.User().ID)
	case EthosCommandName:
		target := event.User().ID
		if user, ok := data.OptUser(UserOptionName); ok {
			target = user.ID
		}

		return b.handler.LookupDiscord(ctx, target)
	case EthosXCommandName:
		return b.handler.LookupTwitter(ctx, data.String(HandleOptionName))
	default:
		return b.handler.errorMessage("This command is not available.")
	}
}

// respond edits the deferred interaction response.
func (b *Bot) respond(event *events.ApplicationCommandInteractionCreate, update discord.MessageUpdate) {
	if _, err := event.Client().Rest().UpdateInteractionResponse(event.ApplicationID(), event.Token(), update); err != nil {
		b.logger.Error("Failed to update interaction response", zap.Error(err))
	}
}
