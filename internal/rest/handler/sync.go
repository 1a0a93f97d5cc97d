package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/discord/api"
	"github.com/ethoslink/rolesync/internal/jobs"
	"github.com/ethoslink/rolesync/internal/reconcile"
	"github.com/ethoslink/rolesync/internal/rest/types"
	"github.com/uptrace/bunrouter"
	"go.uber.org/zap"
)

// Jobs starts, stops and reports guild passes.
type Jobs interface {
	StartSync(req jobs.SyncRequest) jobs.StartResult
	StartBatchSync(guildID snowflake.ID, force bool) jobs.StartResult
	StopSync() bool
	StartValidatorCheck(guildID snowflake.ID) jobs.StartResult
	StopValidatorCheck() bool
	Status(kind jobs.Kind) jobs.Status
	Plan() jobs.ChunkPlan
}

// Syncer syncs a single member.
type Syncer interface {
	SyncUser(ctx context.Context, guildID, userID snowflake.ID, opts reconcile.Options) (*reconcile.Result, error)
}

// SyncHandler handles sync job endpoints.
type SyncHandler struct {
	jobs         Jobs
	syncer       Syncer
	defaultGuild snowflake.ID
	logger       *zap.Logger
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(jobs Jobs, syncer Syncer, defaultGuild snowflake.ID, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		jobs:         jobs,
		syncer:       syncer,
		defaultGuild: defaultGuild,
		logger:       logger,
	}
}

// guildOrDefault returns the requested guild or the configured one.
func guildOrDefault(id types.ID, fallback snowflake.ID) snowflake.ID {
	if id != 0 {
		return id.Snowflake()
	}

	return fallback
}

// TriggerSync starts or continues a chunked sync.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, req bunrouter.Request) error {
	var body types.TriggerSyncRequest
	if err := decodeBody(req.Request, &body); err != nil {
		return respondError(w, http.StatusBadRequest, err.Error())
	}

	guildID := guildOrDefault(body.GuildID, h.defaultGuild)
	if guildID == 0 {
		return respondError(w, http.StatusBadRequest, "guildId is required")
	}

	if body.StartIndex < 0 || body.ChunkSize < 0 {
		return respondError(w, http.StatusBadRequest, "startIndex and chunkSize must not be negative")
	}

	chunkSize := body.ChunkSize
	if chunkSize == 0 {
		chunkSize = h.jobs.Plan().ChunkSize
	}

	response := types.TriggerSyncResponse{
		Success:    true,
		GuildID:    guildID,
		StartIndex: body.StartIndex,
		ChunkSize:  chunkSize,
	}

	result := h.jobs.StartSync(jobs.SyncRequest{
		GuildID:    guildID,
		StartIndex: body.StartIndex,
		ChunkSize:  chunkSize,
		Force:      body.Force,
	})
	if result == jobs.AlreadyRunning {
		response.Success = false
		response.Error = "sync already running"

		return respond(w, http.StatusConflict, response)
	}

	h.logger.Info("Sync triggered over HTTP",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Int("startIndex", body.StartIndex),
		zap.Int("chunkSize", chunkSize))

	return respond(w, http.StatusAccepted, response)
}

// TriggerBatchSync starts the batch-optimized full pass.
func (h *SyncHandler) TriggerBatchSync(w http.ResponseWriter, req bunrouter.Request) error {
	var body types.GuildRequest
	if err := decodeBody(req.Request, &body); err != nil {
		return respondError(w, http.StatusBadRequest, err.Error())
	}

	guildID := guildOrDefault(body.GuildID, h.defaultGuild)
	if guildID == 0 {
		return respondError(w, http.StatusBadRequest, "guildId is required")
	}

	if h.jobs.StartBatchSync(guildID, body.Force) == jobs.AlreadyRunning {
		return respond(w, http.StatusConflict, types.JobResponse{
			GuildID: guildID,
			Error:   "sync already running",
		})
	}

	h.logger.Info("Batch sync triggered over HTTP", zap.Uint64("guildID", uint64(guildID)))

	return respond(w, http.StatusAccepted, types.JobResponse{Success: true, GuildID: guildID})
}

// StopSync requests the running sync to stop.
func (h *SyncHandler) StopSync(w http.ResponseWriter, _ bunrouter.Request) error {
	wasRunning := h.jobs.StopSync()

	message := "no sync is running"
	if wasRunning {
		message = "stop requested, the sync halts before the next user"
	}

	return respond(w, http.StatusOK, types.StopResponse{
		Success:    true,
		WasRunning: wasRunning,
		Message:    message,
	})
}

// SyncStatus reports the sync job.
func (h *SyncHandler) SyncStatus(w http.ResponseWriter, _ bunrouter.Request) error {
	return respond(w, http.StatusOK, statusResponse(h.jobs.Status(jobs.KindSync)))
}

// ForceSync syncs one member right away, ignoring the sync cache.
func (h *SyncHandler) ForceSync(w http.ResponseWriter, req bunrouter.Request) error {
	var body types.ForceSyncRequest
	if err := decodeBody(req.Request, &body); err != nil {
		return respondError(w, http.StatusBadRequest, err.Error())
	}

	guildID := guildOrDefault(body.GuildID, h.defaultGuild)
	if guildID == 0 || body.UserID == 0 {
		return respondError(w, http.StatusBadRequest, "guildId and userId are required")
	}

	userID := body.UserID.Snowflake()
	response := types.ForceSyncResponse{GuildID: guildID, UserID: userID}

	result, err := h.syncer.SyncUser(req.Context(), guildID, userID, reconcile.Options{
		Force:  true,
		Source: reconcile.SourceForceSync,
	})
	if err != nil {
		response.Error = err.Error()

		if errors.Is(err, reconcile.ErrMemberNotFound) {
			return respond(w, http.StatusNotFound, response)
		}

		// Rate limited or unreachable; the caller may retry later
		if api.IsRetryable(err) {
			h.logger.Warn("Forced sync deferred",
				zap.Uint64("userID", uint64(userID)),
				zap.Error(err))

			return respond(w, http.StatusServiceUnavailable, response)
		}

		h.logger.Error("Forced sync failed",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Uint64("userID", uint64(userID)),
			zap.Error(err))

		return respond(w, http.StatusBadGateway, response)
	}

	response.Success = result.Failed == 0
	response.Changes = result.Changes
	response.Failed = result.Failed
	response.Classification = string(result.Classification)
	response.Validator = result.Validator

	if result.Profile != nil {
		response.Score = result.Profile.Score
	}

	if response.Changes == nil {
		response.Changes = []string{}
	}

	return respond(w, http.StatusOK, response)
}

// statusResponse adds the completion percentage to a job status.
func statusResponse(status jobs.Status) types.StatusResponse {
	response := types.StatusResponse{Status: status}
	if status.TotalCount > 0 {
		response.Percent = float64(status.LastIndex) / float64(status.TotalCount) * 100
	}

	return response
}
