package call

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/service/call"
	"carelink-backend/internal/service/quality"
	"carelink-backend/internal/service/recording"
	"carelink-backend/pkg/response"
)

// Handler handles call lifecycle HTTP requests
type Handler struct {
	callService      *call.Service
	qualityMonitor   *quality.Monitor
	recordingService *recording.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *call.Service, qualityMonitor *quality.Monitor, recordingService *recording.Service) *Handler {
	return &Handler{
		callService:      callService,
		qualityMonitor:   qualityMonitor,
		recordingService: recordingService,
	}
}

// InitiateRequest represents call initiation request
type InitiateRequest struct {
	PatientID        string     `json:"patient_id" binding:"required,uuid"`
	ProviderID       string     `json:"provider_id" binding:"required,uuid"`
	CallType         string     `json:"call_type" binding:"required,oneof=audio video"`
	AppointmentID    *string    `json:"appointment_id,omitempty" binding:"omitempty,uuid"`
	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
	RecordingEnabled bool       `json:"recording_enabled"`
	InitiatorName    string     `json:"initiator_name"`
}

// Initiate starts a new call
// POST /v1/calls
func (h *Handler) Initiate(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		response.ValidationError(c, "Invalid patient ID")
		return
	}
	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		response.ValidationError(c, "Invalid provider ID")
		return
	}

	var appointmentID *uuid.UUID
	if req.AppointmentID != nil {
		id, err := uuid.Parse(*req.AppointmentID)
		if err != nil {
			response.ValidationError(c, "Invalid appointment ID")
			return
		}
		appointmentID = &id
	}

	created, err := h.callService.Initiate(c.Request.Context(), &call.InitiateInput{
		PatientID:        patientID,
		ProviderID:       providerID,
		InitiatedBy:      userID,
		InitiatorName:    req.InitiatorName,
		CallType:         domain.CallType(req.CallType),
		AppointmentID:    appointmentID,
		ScheduledAt:      req.ScheduledAt,
		RecordingEnabled: req.RecordingEnabled,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, created)
}

// List returns the authenticated user's calls, newest first
// GET /v1/calls
func (h *Handler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	calls, err := h.callService.ListForUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls": calls,
		"count": len(calls),
	})
}

// Get retrieves a single call
// GET /v1/calls/:id
func (h *Handler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "id", "Invalid call ID")
	if !ok {
		return
	}

	found, err := h.callService.Get(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, found)
}

// RingRequest carries the optional caller display name for the invite
type RingRequest struct {
	InitiatorName string `json:"initiator_name"`
}

// Ring moves a scheduled call into ringing and invites the callee
// POST /v1/calls/:id/ring
func (h *Handler) Ring(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "id", "Invalid call ID")
	if !ok {
		return
	}

	var req RingRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.ValidationError(c, err.Error())
		return
	}

	updated, err := h.callService.Ring(c.Request.Context(), callID, userID, req.InitiatorName)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// Answer accepts a ringing call
// POST /v1/calls/:id/answer
func (h *Handler) Answer(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "id", "Invalid call ID")
	if !ok {
		return
	}

	updated, err := h.callService.Answer(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// End terminates a connected call
// POST /v1/calls/:id/end
func (h *Handler) End(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "id", "Invalid call ID")
	if !ok {
		return
	}

	updated, err := h.callService.End(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	h.recordingService.StopActiveForCall(c.Request.Context(), callID)

	response.Success(c, http.StatusOK, updated)
}

// Cancel aborts a call before it connects. Only the initiator may cancel.
// POST /v1/calls/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "id", "Invalid call ID")
	if !ok {
		return
	}

	updated, err := h.callService.Cancel(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// Missed marks a ringing call as missed. The callee's client reports this
// when it dismisses an unanswered invite; the server-side ring timer covers
// clients that never report.
// POST /v1/calls/:id/missed
func (h *Handler) Missed(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "id", "Invalid call ID")
	if !ok {
		return
	}

	if _, err := h.callService.Get(c.Request.Context(), callID, userID); err != nil {
		response.FromError(c, err)
		return
	}

	updated, err := h.callService.MarkMissed(c.Request.Context(), callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// FailRequest carries the failure reason reported by the client
type FailRequest struct {
	Reason string `json:"reason"`
}

// Fail marks a connected call as failed after an unrecoverable media error
// POST /v1/calls/:id/failed
func (h *Handler) Fail(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "id", "Invalid call ID")
	if !ok {
		return
	}

	var req FailRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.ValidationError(c, err.Error())
		return
	}

	updated, err := h.callService.MarkFailed(c.Request.Context(), callID, userID, req.Reason)
	if err != nil {
		response.FromError(c, err)
		return
	}

	h.recordingService.StopActiveForCall(c.Request.Context(), callID)

	response.Success(c, http.StatusOK, updated)
}

// Statistics returns the call row plus its participant rows and duration
// GET /v1/calls/:id/statistics
func (h *Handler) Statistics(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "id", "Invalid call ID")
	if !ok {
		return
	}

	stats, err := h.callService.Statistics(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, stats)
}

// QualityReportRequest represents a connection quality sample
type QualityReportRequest struct {
	Metrics *domain.QualityMetrics `json:"metrics" binding:"required"`
}

// ReportQuality accepts a quality sample over REST, for clients whose
// WebSocket connection is degraded or gone.
// PATCH /v1/calls/:id/quality
func (h *Handler) ReportQuality(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "id", "Invalid call ID")
	if !ok {
		return
	}

	var req QualityReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.qualityMonitor.Report(c.Request.Context(), callID, userID, req.Metrics); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Quality report recorded",
		"call_id": callID,
	})
}

// currentUserID extracts the authenticated user from the gin context
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

// pathUUID parses a UUID path parameter
func pathUUID(c *gin.Context, param, message string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		response.ValidationError(c, message)
		return uuid.Nil, false
	}
	return id, true
}
