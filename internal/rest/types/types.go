package types

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/discord/api"
	"github.com/ethoslink/rolesync/internal/jobs"
	"github.com/ethoslink/rolesync/internal/synccache"
)

// ErrInvalidID is returned when an id field is neither a snowflake string nor number.
var ErrInvalidID = errors.New("invalid id")

// ID is a snowflake that accepts both JSON strings and numbers.
type ID snowflake.ID

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}

	value, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidID, data)
	}

	*id = ID(value)

	return nil
}

// Snowflake returns the id as a snowflake.
func (id ID) Snowflake() snowflake.ID {
	return snowflake.ID(id)
}

// TriggerSyncRequest starts a chunked sync.
type TriggerSyncRequest struct {
	GuildID    ID   `json:"guildId"`
	StartIndex int  `json:"startIndex"`
	ChunkSize  int  `json:"chunkSize"`
	Force      bool `json:"force"`
}

// TriggerSyncResponse acknowledges a chunked sync.
type TriggerSyncResponse struct {
	Success    bool         `json:"success"`
	GuildID    snowflake.ID `json:"guildId"`
	StartIndex int          `json:"startIndex"`
	ChunkSize  int          `json:"chunkSize"`
	Error      string       `json:"error,omitempty"`
}

// GuildRequest targets a guild, falling back to the configured one.
type GuildRequest struct {
	GuildID ID   `json:"guildId"`
	Force   bool `json:"force"`
}

// JobResponse acknowledges a batch sync or validator check.
type JobResponse struct {
	Success bool         `json:"success"`
	GuildID snowflake.ID `json:"guildId"`
	Error   string       `json:"error,omitempty"`
}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	Success    bool   `json:"success"`
	WasRunning bool   `json:"wasRunning"`
	Message    string `json:"message"`
}

// StatusResponse reports a job kind.
type StatusResponse struct {
	jobs.Status

	Percent float64 `json:"percent"`
}

// ForceSyncRequest syncs one member immediately.
type ForceSyncRequest struct {
	GuildID ID `json:"guildId"`
	UserID  ID `json:"userId"`
}

// ForceSyncResponse describes a forced single-member sync.
type ForceSyncResponse struct {
	Success        bool         `json:"success"`
	GuildID        snowflake.ID `json:"guildId"`
	UserID         snowflake.ID `json:"userId"`
	Changes        []string     `json:"changes"`
	Failed         int          `json:"failed"`
	Classification string       `json:"classification,omitempty"`
	Score          *int         `json:"score,omitempty"`
	Validator      bool         `json:"validator"`
	Error          string       `json:"error,omitempty"`
}

// CacheStatsResponse wraps sync cache statistics.
type CacheStatsResponse struct {
	Success bool             `json:"success"`
	Stats   *synccache.Stats `json:"stats"`
}

// RateLimitResponse wraps the rate limit state.
type RateLimitResponse struct {
	Success bool         `json:"success"`
	State   api.Snapshot `json:"state"`
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is returned on failures.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
