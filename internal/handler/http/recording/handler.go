package recording

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/service/recording"
	"carelink-backend/pkg/response"
)

// maxMediaBytes caps a single recording media upload
const maxMediaBytes = 512 * 1024 * 1024

// Handler handles recording HTTP requests
type Handler struct {
	recordingService *recording.Service
}

// NewHandler creates a new recording handler
func NewHandler(recordingService *recording.Service) *Handler {
	return &Handler{
		recordingService: recordingService,
	}
}

// StartRequest represents a recording start request
type StartRequest struct {
	ConsentObtained         bool     `json:"consent_obtained"`
	ConsentedParticipantIDs []string `json:"consented_participant_ids" binding:"required,min=1"`
	ConsentMethod           string   `json:"consent_method" binding:"required,oneof=verbal written electronic"`
}

// Start begins recording a connected call
// POST /v1/calls/:id/recordings
func (h *Handler) Start(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "id", "Invalid call ID")
	if !ok {
		return
	}

	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	consented := make([]uuid.UUID, len(req.ConsentedParticipantIDs))
	for i, idStr := range req.ConsentedParticipantIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			response.ValidationError(c, "Invalid participant ID: "+idStr)
			return
		}
		consented[i] = id
	}

	rec, err := h.recordingService.Start(c.Request.Context(), &recording.StartInput{
		CallID:                  callID,
		StartedBy:               userID,
		ConsentObtained:         req.ConsentObtained,
		ConsentedParticipantIDs: consented,
		ConsentMethod:           domain.ConsentMethod(req.ConsentMethod),
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, rec)
}

// Stop ends an in-progress recording
// POST /v1/recordings/:id/stop
func (h *Handler) Stop(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	recordingID, ok := pathUUID(c, "id", "Invalid recording ID")
	if !ok {
		return
	}

	rec, err := h.recordingService.Stop(c.Request.Context(), recordingID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, rec)
}

// Get retrieves a single recording
// GET /v1/recordings/:id
func (h *Handler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	recordingID, ok := pathUUID(c, "id", "Invalid recording ID")
	if !ok {
		return
	}

	rec, err := h.recordingService.Get(c.Request.Context(), recordingID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, rec)
}

// ListByCall retrieves all recording attempts of a call
// GET /v1/calls/:id/recordings
func (h *Handler) ListByCall(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "id", "Invalid call ID")
	if !ok {
		return
	}

	recordings, err := h.recordingService.List(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"recordings": recordings,
		"count":      len(recordings),
	})
}

// AttachMedia uploads recorded media for a stopped recording
// POST /v1/recordings/:id/media
func (h *Handler) AttachMedia(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	recordingID, ok := pathUUID(c, "id", "Invalid recording ID")
	if !ok {
		return
	}

	file, header, err := c.Request.FormFile("media")
	if err != nil {
		response.ValidationError(c, "Media file is required")
		return
	}
	defer file.Close()

	if header.Size > maxMediaBytes {
		response.ValidationError(c, "Media file exceeds the maximum upload size")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	rec, err := h.recordingService.AttachMedia(c.Request.Context(), recordingID, userID, file, header.Size, contentType)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, rec)
}

// MediaURL returns a time-limited download URL for a recording's media
// GET /v1/recordings/:id/media-url
func (h *Handler) MediaURL(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	recordingID, ok := pathUUID(c, "id", "Invalid recording ID")
	if !ok {
		return
	}

	url, err := h.recordingService.MediaURL(c.Request.Context(), recordingID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"recording_id": recordingID,
		"url":          url,
	})
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

func pathUUID(c *gin.Context, param, message string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		response.ValidationError(c, message)
		return uuid.Nil, false
	}
	return id, true
}
