package bot

import "github.com/disgoorg/disgo/discord"

// Command names.
const (
	VerifyCommandName  = "verify"
	EthosCommandName   = "ethos"
	EthosXCommandName  = "ethos_x"
	UserOptionName     = "user"
	HandleOptionName   = "handle"
	maxHandleLength    = 64
	ethosProfileURLFmt = "https://app.ethos.network/profile/%s"
)

// Commands returns the slash commands the bot registers.
func Commands() []discord.ApplicationCommandCreate {
	return []discord.ApplicationCommandCreate{
		discord.SlashCommandCreate{
			Name:        VerifyCommandName,
			Description: "Sync your roles with your Ethos profile",
		},
		discord.SlashCommandCreate{
			Name:        EthosCommandName,
			Description: "Look up the Ethos profile of a Discord user",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionUser{
					Name:        UserOptionName,
					Description: "User to look up (defaults to you)",
					Required:    false,
				},
			},
		},
		discord.SlashCommandCreate{
			Name:        EthosXCommandName,
			Description: "Look up the Ethos profile of a Twitter/X user",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionString{
					Name:        HandleOptionName,
					Description: "Twitter/X handle, with or without @",
					Required:    true,
					MaxLength:   intPtr(maxHandleLength),
				},
			},
		},
	}
}

func intPtr(v int) *int {
	return &v
}
