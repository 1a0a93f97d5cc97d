package ethos_test

import (
	"testing"

	"github.com/ethoslink/rolesync/internal/ethos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		platform ethos.Platform
		raw      string
		wantID   string
		wantKey  string
		wantErr  bool
	}{
		{
			name:     "plain discord id",
			platform: ethos.PlatformDiscord,
			raw:      "123456789012345678",
			wantID:   "123456789012345678",
			wantKey:  "service:discord:123456789012345678",
		},
		{
			name:     "discord mention",
			platform: ethos.PlatformDiscord,
			raw:      "<@123456789012345678>",
			wantID:   "123456789012345678",
			wantKey:  "service:discord:123456789012345678",
		},
		{
			name:     "discord nickname mention",
			platform: ethos.PlatformDiscord,
			raw:      "<@!123456789012345678>",
			wantID:   "123456789012345678",
			wantKey:  "service:discord:123456789012345678",
		},
		{
			name:     "twitter handle with at sign",
			platform: ethos.PlatformTwitter,
			raw:      "@VitalikButerin",
			wantID:   "vitalikbuterin",
			wantKey:  "service:x.com:username:vitalikbuterin",
		},
		{
			name:     "non numeric discord id",
			platform: ethos.PlatformDiscord,
			raw:      "someone",
			wantErr:  true,
		},
		{
			name:     "empty twitter handle",
			platform: ethos.PlatformTwitter,
			raw:      "@",
			wantErr:  true,
		},
		{
			name:     "unknown platform",
			platform: ethos.Platform("farcaster"),
			raw:      "dwr",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			identity, err := ethos.NewIdentity(tt.platform, tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ethos.ErrInvalidIdentity)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantID, identity.ExternalID)
			assert.Equal(t, tt.wantKey, identity.Key())
		})
	}
}
