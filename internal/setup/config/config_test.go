package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
version = 1

[discord]
token = "abc"
guild_id = 123456789012345678

[roles]
reputable = 42

[sync]
chunk_size = 25
pacing = "aggressive"

[cache]
backend = "sqlite"
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.Discord.Token)
	assert.Equal(t, uint64(123456789012345678), cfg.Discord.GuildID)
	assert.Equal(t, uint64(42), cfg.Roles.Reputable)
	assert.Equal(t, 25, cfg.Sync.ChunkSize)
	assert.Equal(t, CacheBackendSQLite, cfg.Cache.Backend)

	// Untouched values keep their defaults
	assert.Equal(t, Default().Roles.Exemplary, cfg.Roles.Exemplary)
	assert.Equal(t, 500, cfg.Ethos.BatchSize)
	assert.Equal(t, 72*time.Hour, cfg.Sync.FreshnessWindow())
}

func TestLoadFileVersionMismatch(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "version = 99\n")

	_, err := LoadFile(path)
	require.ErrorIs(t, err, ErrConfigVersionMismatch)
}

func TestLoadFileInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "unknown pacing",
			content: "[sync]\npacing = \"reckless\"\n",
			wantErr: ErrInvalidPacing,
		},
		{
			name:    "unknown cache backend",
			content: "[cache]\nbackend = \"memcached\"\n",
			wantErr: ErrInvalidCacheBackend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadFile(writeConfig(t, tt.content))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  string
		want string
	}{
		{name: "structured override", env: "ROLESYNC_SYNC__CHUNK_SIZE", want: "sync.chunk_size"},
		{name: "nested roles", env: "ROLESYNC_ROLES__VALIDATOR_NEUTRAL", want: "roles.validator_neutral"},
		{name: "legacy token", env: "DISCORD_TOKEN", want: "discord.token"},
		{name: "legacy secret", env: "API_SECRET", want: "api.auth_token"},
		{name: "unrelated", env: "HOME", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, envKey(tt.env))
		})
	}
}

func TestSyncDelays(t *testing.T) {
	t.Parallel()

	s := Sync{MemberDelay: 400, RoleDelay: 200, BatchDelay: 1000, Pacing: PacingConservative}

	member, role, batch := s.Delays()
	assert.Equal(t, 400*time.Millisecond, member)
	assert.Equal(t, 200*time.Millisecond, role)
	assert.Equal(t, time.Second, batch)

	s.Pacing = PacingAggressive
	member, role, batch = s.Delays()
	assert.Equal(t, 200*time.Millisecond, member)
	assert.Equal(t, 100*time.Millisecond, role)
	assert.Equal(t, 500*time.Millisecond, batch)
}
