package handler

import (
	"net/http"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/jobs"
	"github.com/ethoslink/rolesync/internal/rest/types"
	"github.com/uptrace/bunrouter"
	"go.uber.org/zap"
)

// ValidatorHandler handles validator check endpoints.
type ValidatorHandler struct {
	jobs         Jobs
	defaultGuild snowflake.ID
	logger       *zap.Logger
}

// NewValidatorHandler creates a new validator handler.
func NewValidatorHandler(jobs Jobs, defaultGuild snowflake.ID, logger *zap.Logger) *ValidatorHandler {
	return &ValidatorHandler{
		jobs:         jobs,
		defaultGuild: defaultGuild,
		logger:       logger,
	}
}

// TriggerValidatorCheck starts a validator demotion pass.
func (h *ValidatorHandler) TriggerValidatorCheck(w http.ResponseWriter, req bunrouter.Request) error {
	var body types.GuildRequest
	if err := decodeBody(req.Request, &body); err != nil {
		return respondError(w, http.StatusBadRequest, err.Error())
	}

	guildID := guildOrDefault(body.GuildID, h.defaultGuild)
	if guildID == 0 {
		return respondError(w, http.StatusBadRequest, "guildId is required")
	}

	if h.jobs.StartValidatorCheck(guildID) == jobs.AlreadyRunning {
		return respond(w, http.StatusConflict, types.JobResponse{
			GuildID: guildID,
			Error:   "validator check already running",
		})
	}

	h.logger.Info("Validator check triggered over HTTP", zap.Uint64("guildID", uint64(guildID)))

	return respond(w, http.StatusAccepted, types.JobResponse{Success: true, GuildID: guildID})
}

// StopValidatorCheck requests the running validator check to stop.
func (h *ValidatorHandler) StopValidatorCheck(w http.ResponseWriter, _ bunrouter.Request) error {
	wasRunning := h.jobs.StopValidatorCheck()

	message := "no validator check is running"
	if wasRunning {
		message = "stop requested, the check halts before the next user"
	}

	return respond(w, http.StatusOK, types.StopResponse{
		Success:    true,
		WasRunning: wasRunning,
		Message:    message,
	})
}

// ValidatorCheckStatus reports the validator check job.
func (h *ValidatorHandler) ValidatorCheckStatus(w http.ResponseWriter, _ bunrouter.Request) error {
	return respond(w, http.StatusOK, statusResponse(h.jobs.Status(jobs.KindValidatorCheck)))
}
