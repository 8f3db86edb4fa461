package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/qrave1/voicelink/internal/application/constant"
	"github.com/qrave1/voicelink/internal/domain"
	"github.com/qrave1/voicelink/internal/domain/models"
	"github.com/qrave1/voicelink/internal/infra/appctx"
	"github.com/qrave1/voicelink/internal/infra/ports/http/dto"
	"github.com/qrave1/voicelink/internal/usecase"
)

type VoiceSessionHandler struct {
	voiceSessionUsecase usecase.VoiceSessionUsecase
}

func NewVoiceSessionHandler(voiceSessionUsecase usecase.VoiceSessionUsecase) *VoiceSessionHandler {
	return &VoiceSessionHandler{voiceSessionUsecase: voiceSessionUsecase}
}

// ListParticipants GET /channels/:id/voice-sessions
func (h *VoiceSessionHandler) ListParticipants(c echo.Context) error {
	channelID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid channel id"})
	}

	sessions, err := h.voiceSessionUsecase.ListParticipants(c.Request().Context(), channelID)
	if err != nil {
		slog.Error(
			"list voice sessions",
			slog.Any(constant.ChannelID, channelID),
			slog.Any(constant.Error, err),
		)

		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	return c.JSON(http.StatusOK, sessions)
}

// Current GET /voice-sessions/me
func (h *VoiceSessionHandler) Current(c echo.Context) error {
	userID, ok := appctx.UserID(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing user id"})
	}

	session, err := h.voiceSessionUsecase.Current(c.Request().Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrVoiceSessionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}

		slog.Error("get voice session", slog.Any(constant.UserID, userID), slog.Any(constant.Error, err))

		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	return c.JSON(http.StatusOK, session)
}

// Join POST /channels/:id/voice-sessions
func (h *VoiceSessionHandler) Join(c echo.Context) error {
	userID, ok := appctx.UserID(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing user id"})
	}

	channelID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid channel id"})
	}

	var req dto.JoinVoiceSessionRequest
	if err = c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	session := models.NewVoiceSession(channelID, userID)
	session.IsMuted = req.IsMuted
	session.IsDeafened = req.IsDeafened

	stored, err := h.voiceSessionUsecase.Join(c.Request().Context(), session)
	if err != nil {
		var active *domain.ActiveSessionError
		if errors.As(err, &active) {
			return c.JSON(http.StatusConflict, dto.ActiveSessionResponse{
				Error:     active.Error(),
				ChannelID: active.ChannelID,
			})
		}

		slog.Error(
			"create voice session",
			slog.Any(constant.UserID, userID),
			slog.Any(constant.ChannelID, channelID),
			slog.Any(constant.Error, err),
		)

		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	return c.JSON(http.StatusOK, stored)
}

// Leave DELETE /channels/:id/voice-sessions/me
func (h *VoiceSessionHandler) Leave(c echo.Context) error {
	userID, ok := appctx.UserID(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing user id"})
	}

	channelID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid channel id"})
	}

	if err = h.voiceSessionUsecase.Leave(c.Request().Context(), channelID, userID); err != nil {
		slog.Error(
			"delete voice session",
			slog.Any(constant.UserID, userID),
			slog.Any(constant.ChannelID, channelID),
			slog.Any(constant.Error, err),
		)

		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	return c.NoContent(http.StatusNoContent)
}
