package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/ethoslink/rolesync/internal/ethos"
	"github.com/ethoslink/rolesync/internal/reconcile"
	"github.com/ethoslink/rolesync/internal/roles"
)

// Embed colors for non-profile responses.
const (
	errorEmbedColor   = 0xB72B38
	neutralEmbedColor = 0x2E7BC3
)

// profileEmbed renders a resolved profile.
func profileEmbed(profile *ethos.Profile, validator bool, now time.Time) discord.Embed {
	identity := profile.Identity
	title := "Ethos Profile for " + identity.String()
	if identity.Platform == ethos.PlatformDiscord {
		title = "Ethos Profile for <@" + identity.ExternalID + ">"
	}

	embed := discord.NewEmbedBuilder().
		SetTitle("Ethos Profile").
		SetDescription(title).
		SetTimestamp(now).
		SetFooterText("Ethos Network")

	if profile.Classify() == ethos.ClassMissing {
		return embed.
			SetColor(neutralEmbedColor).
			AddField("Ethos Score", "N/A", true).
			AddField("Status", "No Ethos profile found", true).
			Build()
	}

	score := profile.ScoreValue()
	embed.
		SetColor(roles.ScoreColor(score)).
		AddField("Ethos Score", strconv.Itoa(score), true).
		AddField("Tier", roles.ScoreLabel(score), true).
		AddField("Reviews", reviewSummary(profile), true).
		AddField("Vouches", fmt.Sprintf("%d (%s ETH)", profile.VouchCount, formatBalance(profile.VouchBalance)), true)

	if validator {
		embed.AddField("Validator", "Owns a validator", true)
	}

	if profile.Classify() == ethos.ClassDefault {
		embed.AddField("Status", "Default profile with no activity yet", false)
	}

	if identity.Platform == ethos.PlatformTwitter {
		embed.SetURL(fmt.Sprintf(ethosProfileURLFmt, "x/"+identity.ExternalID))
	} else if profile.PrimaryAddress != "" {
		embed.SetURL(fmt.Sprintf(ethosProfileURLFmt, profile.PrimaryAddress))
	}

	return embed.Build()
}

// syncEmbed renders the outcome of a /verify sync.
func syncEmbed(result *reconcile.Result, now time.Time) discord.Embed {
	embed := discord.NewEmbedBuilder().
		SetTitle("Role Sync").
		SetTimestamp(now)

	switch result.Classification {
	case ethos.ClassValid:
		score := result.Profile.ScoreValue()
		tier := roles.ScoreLabel(score)
		if result.Validator {
			tier = "Validator " + tier
		}

		embed.
			SetColor(roles.ScoreColor(score)).
			AddField("Ethos Score", strconv.Itoa(score), true).
			AddField("Tier", tier, true)
	case ethos.ClassDefault:
		embed.
			SetColor(neutralEmbedColor).
			AddField("Ethos Score", strconv.Itoa(result.Profile.ScoreValue()), true).
			AddField("Status", "Your profile has no activity yet, so only the verified role applies", false)
	default:
		embed.
			SetColor(neutralEmbedColor).
			AddField("Status", "No Ethos profile is linked to your Discord account", false)
	}

	changes := "Your roles are already up to date"
	if len(result.Changes) > 0 {
		changes = strings.Join(result.Changes, "\n")
	}

	embed.AddField("Changes", changes, false)

	if result.Failed > 0 {
		embed.AddField("Warning", fmt.Sprintf("%d role change(s) failed, try again later", result.Failed), false)
	}

	return embed.Build()
}

// errorEmbed renders a plain-language failure.
func errorEmbed(message string, now time.Time) discord.Embed {
	return discord.NewEmbedBuilder().
		SetTitle("Something went wrong").
		SetDescription(message).
		SetColor(errorEmbedColor).
		SetTimestamp(now).
		Build()
}

// reviewSummary formats the review count and positive share.
func reviewSummary(profile *ethos.Profile) string {
	if profile.ReviewCount == 0 {
		return "0"
	}

	return fmt.Sprintf("%d (%.0f%% positive)", profile.ReviewCount, profile.PositiveReviewPercentage)
}

// formatBalance trims trailing zeros from a vouch balance.
func formatBalance(balance float64) string {
	return strconv.FormatFloat(balance, 'f', -1, 64)
}
