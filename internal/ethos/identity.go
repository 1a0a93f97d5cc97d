package ethos

import (
	"errors"
	"fmt"
	"strings"

	"github.com/disgoorg/snowflake/v2"
)

// ErrInvalidIdentity is returned when an identity cannot be normalized.
var ErrInvalidIdentity = errors.New("invalid identity")

// Platform is the namespace of an external identifier.
type Platform string

const (
	PlatformDiscord Platform = "discord"
	PlatformTwitter Platform = "twitter"
)

// Identity identifies a person to the profile directory.
type Identity struct {
	Platform   Platform
	ExternalID string
}

// NewIdentity normalizes raw input into an identity.
// Mention decoration and a leading @ are stripped; Twitter handles are lower-cased.
func NewIdentity(platform Platform, raw string) (Identity, error) {
	id := strings.TrimSpace(raw)
	id = strings.TrimPrefix(id, "<@!")
	id = strings.TrimPrefix(id, "<@")
	id = strings.TrimSuffix(id, ">")
	id = strings.TrimPrefix(id, "@")

	switch platform {
	case PlatformDiscord:
		if _, err := snowflake.Parse(id); err != nil {
			return Identity{}, fmt.Errorf("%w: discord id %q", ErrInvalidIdentity, raw)
		}
	case PlatformTwitter:
		id = strings.ToLower(id)
		if id == "" || strings.ContainsAny(id, " /:") {
			return Identity{}, fmt.Errorf("%w: twitter handle %q", ErrInvalidIdentity, raw)
		}
	default:
		return Identity{}, fmt.Errorf("%w: unknown platform %q", ErrInvalidIdentity, platform)
	}

	return Identity{Platform: platform, ExternalID: id}, nil
}

// DiscordIdentity builds the identity of a Discord user.
func DiscordIdentity(userID snowflake.ID) Identity {
	return Identity{Platform: PlatformDiscord, ExternalID: userID.String()}
}

// Key returns the directory lookup key.
func (i Identity) Key() string {
	switch i.Platform {
	case PlatformTwitter:
		return "service:x.com:username:" + i.ExternalID
	default:
		return "service:discord:" + i.ExternalID
	}
}

// String returns a display form of the identity.
func (i Identity) String() string {
	if i.Platform == PlatformTwitter {
		return "@" + i.ExternalID
	}

	return i.ExternalID
}
