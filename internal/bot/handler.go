package bot

import (
	"context"
	"errors"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/ethos"
	"github.com/ethoslink/rolesync/internal/reconcile"
	"github.com/ethoslink/rolesync/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// queueTimeout bounds how long a /verify waits for a free sync slot.
const queueTimeout = 30 * time.Second

// Syncer syncs a single member.
type Syncer interface {
	SyncUser(ctx context.Context, guildID, userID snowflake.ID, opts reconcile.Options) (*reconcile.Result, error)
}

// Directory resolves profiles for lookups.
type Directory interface {
	ResolveSingle(ctx context.Context, identity ethos.Identity) (*ethos.Profile, error)
	OwnsValidator(ctx context.Context, identity ethos.Identity) bool
}

// Handler turns slash command invocations into response messages.
type Handler struct {
	syncer    Syncer
	directory Directory
	slots     *semaphore.Weighted
	clock     utils.Clock
	logger    *zap.Logger
}

// NewHandler creates a command handler. maxInteractive caps concurrent /verify syncs.
func NewHandler(syncer Syncer, directory Directory, maxInteractive int64, clock utils.Clock, logger *zap.Logger) *Handler {
	if maxInteractive <= 0 {
		maxInteractive = 1
	}

	if clock == nil {
		clock = utils.RealClock()
	}

	return &Handler{
		syncer:    syncer,
		directory: directory,
		slots:     semaphore.NewWeighted(maxInteractive),
		clock:     clock,
		logger:    logger.Named("commands"),
	}
}

// Verify force-syncs the roles of the calling member.
func (h *Handler) Verify(ctx context.Context, guildID *snowflake.ID, userID snowflake.ID) discord.MessageUpdate {
	if guildID == nil {
		return h.errorMessage("This command can only be used inside a server.")
	}

	queueCtx, cancel := context.WithTimeout(ctx, queueTimeout)
	defer cancel()

	if err := h.slots.Acquire(queueCtx, 1); err != nil {
		return h.errorMessage("Too many syncs are running right now. Please try again in a minute.")
	}
	defer h.slots.Release(1)

	result, err := h.syncer.SyncUser(ctx, *guildID, userID, reconcile.Options{
		Force:  true,
		Source: reconcile.SourceVerify,
	})
	if err != nil {
		h.logger.Warn("Verify failed",
			zap.Uint64("guildID", uint64(*guildID)),
			zap.Uint64("userID", uint64(userID)),
			zap.Error(err))

		if errors.Is(err, reconcile.ErrMemberNotFound) {
			return h.errorMessage("You are not a member of this server.")
		}

		return h.errorMessage("Could not sync your roles right now. Please try again later.")
	}

	return discord.NewMessageUpdateBuilder().
		SetEmbeds(syncEmbed(result, h.clock.Now())).
		Build()
}

// LookupDiscord shows the profile of a Discord user.
func (h *Handler) LookupDiscord(ctx context.Context, userID snowflake.ID) discord.MessageUpdate {
	return h.lookup(ctx, ethos.DiscordIdentity(userID))
}

// LookupTwitter shows the profile of a Twitter/X handle.
func (h *Handler) LookupTwitter(ctx context.Context, handle string) discord.MessageUpdate {
	identity, err := ethos.NewIdentity(ethos.PlatformTwitter, handle)
	if err != nil {
		return h.errorMessage("That does not look like a valid Twitter/X handle.")
	}

	return h.lookup(ctx, identity)
}

// lookup resolves an identity and renders its profile.
func (h *Handler) lookup(ctx context.Context, identity ethos.Identity) discord.MessageUpdate {
	profile, err := h.directory.ResolveSingle(ctx, identity)
	switch {
	case errors.Is(err, ethos.ErrProfileNotFound):
		profile = ethos.MissingProfile(identity)
	case err != nil:
		h.logger.Warn("Profile lookup failed",
			zap.String("identity", identity.Key()),
			zap.Error(err))

		return h.errorMessage("Could not fetch the Ethos profile for " + identity.String() + ".")
	}

	validator := profile.IsValid() && h.directory.OwnsValidator(ctx, identity)

	return discord.NewMessageUpdateBuilder().
		SetEmbeds(profileEmbed(profile, validator, h.clock.Now())).
		Build()
}

// errorMessage builds a plain-language error follow-up.
func (h *Handler) errorMessage(message string) discord.MessageUpdate {
	return discord.NewMessageUpdateBuilder().
		SetEmbeds(errorEmbed(message, h.clock.Now())).
		Build()
}
