package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/keepintouch/backend/internal/contacts"
	"github.com/MarcoPoloResearchLab/keepintouch/backend/internal/engagement"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const subjectContextKey = "keepintouch_subject"

var (
	errMissingTokenManager      = errors.New("token manager dependency required")
	errMissingEngagementService = errors.New("engagement service dependency required")
	errMissingContactsService   = errors.New("contacts service dependency required")
	errInvalidAuthorization     = errors.New("authorization header missing or invalid")
)

// TokenManager exchanges the device secret for bearer tokens and validates them.
type TokenManager interface {
	ExchangeDeviceSecret(ctx context.Context, presented string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to the engine services.
type Dependencies struct {
	TokenManager      TokenManager
	EngagementService *engagement.Service
	ContactsService   *contacts.Service
	Logger            *zap.Logger
	Clock             func() time.Time
}

// NewHTTPHandler builds the gin handler exposing the engagement engine.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.EngagementService == nil {
		return nil, errMissingEngagementService
	}
	if deps.ContactsService == nil {
		return nil, errMissingContactsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		engagement: deps.EngagementService,
		contacts:   deps.ContactsService,
		logger:     logger,
		clock:      clock,
	}

	router.POST("/auth/token", handler.handleDeviceAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/contacts/:contactId/notes", handler.handleListNotes)
	protected.POST("/contacts/:contactId/notes", handler.handleAddNote)
	protected.GET("/contacts/:contactId/notes/export", handler.handleExportNotes)
	protected.PUT("/notes/:noteId", handler.handleUpdateNote)
	protected.DELETE("/notes/:noteId", handler.handleDeleteNote)
	protected.GET("/contacts/:contactId/cadence", handler.handleGetCadence)
	protected.PUT("/contacts/:contactId/cadence", handler.handleSetCadence)
	protected.DELETE("/contacts/:contactId/cadence", handler.handleClearCadence)
	protected.POST("/contacts/:contactId/contacted", handler.handleRecordContact)
	protected.GET("/contacts/:contactId/last-contacted", handler.handleLastContacted)
	protected.GET("/contacts/:contactId/ripeness", handler.handleRipeness)
	protected.GET("/contacts/:contactId/timeline", handler.handleTimeline)
	protected.PUT("/contacts/directory", handler.handleSyncDirectory)
	protected.GET("/contacts/repeat", handler.handleRepeatContacts)

	return router, nil
}

type httpHandler struct {
	tokens     TokenManager
	engagement *engagement.Service
	contacts   *contacts.Service
	logger     *zap.Logger
	clock      func() time.Time
}

type deviceAuthRequest struct {
	DeviceSecret string `json:"device_secret"`
}

type deviceAuthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleDeviceAuth(c *gin.Context) {
	var request deviceAuthRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DeviceSecret) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.ExchangeDeviceSecret(c.Request.Context(), request.DeviceSecret)
	if err != nil {
		h.logger.Warn("device secret exchange failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, deviceAuthResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

type notePayload struct {
	ID        int64  `json:"id"`
	ContactID string `json:"contact_id"`
	Content   string `json:"content"`
	Date      string `json:"date"`
}

func noteToPayload(note engagement.Note) notePayload {
	return notePayload{
		ID:        note.ID,
		ContactID: note.ContactID,
		Content:   note.Content,
		Date:      note.Date,
	}
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	listed, err := h.engagement.ListNotes(c.Request.Context(), c.Param("contactId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]notePayload, 0, len(listed))
	for _, note := range listed {
		payload = append(payload, noteToPayload(note))
	}
	c.JSON(http.StatusOK, gin.H{"notes": payload})
}

type noteContentRequest struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleAddNote(c *gin.Context) {
	var request noteContentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.engagement.AddNote(c.Request.Context(), c.Param("contactId"), request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, noteToPayload(created))
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	noteID, ok := parseNoteID(c)
	if !ok {
		return
	}
	var request noteContentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.engagement.UpdateNote(c.Request.Context(), noteID, request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, noteToPayload(updated))
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	noteID, ok := parseNoteID(c)
	if !ok {
		return
	}
	if err := h.engagement.DeleteNote(c.Request.Context(), noteID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleExportNotes(c *gin.Context) {
	listed, err := h.engagement.ListNotes(c.Request.Context(), c.Param("contactId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var builder strings.Builder
	for _, note := range listed {
		fmt.Fprintf(&builder, "Date: %s\n%s\n\n", note.Date, note.Content)
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(builder.String()))
}

type cadenceRequest struct {
	RepeatDays int `json:"repeat_days"`
}

func (h *httpHandler) handleSetCadence(c *gin.Context) {
	var request cadenceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.engagement.SetCadence(c.Request.Context(), c.Param("contactId"), request.RepeatDays); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetCadence(c *gin.Context) {
	repeatDays, configured, err := h.engagement.GetCadence(c.Request.Context(), c.Param("contactId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !configured {
		c.JSON(http.StatusOK, gin.H{"configured": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"configured": true, "repeat_days": repeatDays})
}

func (h *httpHandler) handleClearCadence(c *gin.Context) {
	if err := h.engagement.ClearCadence(c.Request.Context(), c.Param("contactId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type recordContactRequest struct {
	Timestamp string `json:"timestamp"`
	Note      string `json:"note"`
}

func (h *httpHandler) handleRecordContact(c *gin.Context) {
	var request recordContactRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	contactedAt := h.clock()
	if strings.TrimSpace(request.Timestamp) != "" {
		parsed, err := engagement.ParseTimestamp(request.Timestamp)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timestamp"})
			return
		}
		contactedAt = parsed
	}

	if err := h.engagement.RecordContact(c.Request.Context(), c.Param("contactId"), contactedAt, request.Note); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"contacted_date": engagement.FormatTimestamp(contactedAt)})
}

func (h *httpHandler) handleLastContacted(c *gin.Context) {
	stamp, known, err := h.engagement.LastContactedDate(c.Request.Context(), c.Param("contactId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !known {
		c.JSON(http.StatusOK, gin.H{"known": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"known": true, "last_contacted_date": stamp})
}

func (h *httpHandler) handleRipeness(c *gin.Context) {
	status, err := h.engagement.RipenessFor(c.Request.Context(), c.Param("contactId"), h.clock())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleTimeline(c *gin.Context) {
	entries, err := h.engagement.BuildTimeline(c.Request.Context(), c.Param("contactId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if entries == nil {
		entries = []engagement.TimelineEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type syncDirectoryRequest struct {
	Contacts []contacts.ProviderContact `json:"contacts"`
}

func (h *httpHandler) handleSyncDirectory(c *gin.Context) {
	var request syncDirectoryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	stored, err := h.contacts.SyncDirectory(c.Request.Context(), request.Contacts)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored": stored})
}

type repeatContactPayload struct {
	ContactID         string                    `json:"contact_id"`
	Name              string                    `json:"name"`
	RepeatDays        int                       `json:"repeat_days"`
	LastContactedDate string                    `json:"last_contacted_date,omitempty"`
	Ripeness          engagement.RipenessStatus `json:"ripeness"`
}

func (h *httpHandler) handleRepeatContacts(c *gin.Context) {
	ripeOnly := strings.EqualFold(c.Query("ripe"), "true")
	listed, err := h.contacts.ListRepeatContacts(c.Request.Context(), h.clock(), ripeOnly)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]repeatContactPayload, 0, len(listed))
	for _, entry := range listed {
		payload = append(payload, repeatContactPayload{
			ContactID:         entry.Contact.ID,
			Name:              entry.Contact.Name,
			RepeatDays:        entry.RepeatDays,
			LastContactedDate: entry.LastContactedDate,
			Ripeness:          entry.Ripeness,
		})
	}
	c.JSON(http.StatusOK, gin.H{"contacts": payload})
}

func parseNoteID(c *gin.Context) (int64, bool) {
	noteID, err := strconv.ParseInt(c.Param("noteId"), 10, 64)
	if err != nil || noteID < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return 0, false
	}
	return noteID, true
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engagement.ErrInvalidContactID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_contact_id"})
	case errors.Is(err, engagement.ErrEmptyNoteContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_note_content"})
	case errors.Is(err, engagement.ErrInvalidRepeatDays):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_repeat_days"})
	case errors.Is(err, engagement.ErrInvalidTimestamp):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timestamp"})
	case errors.Is(err, engagement.ErrNoteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "note_not_found"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		var serviceErr *engagement.ServiceError
		if errors.As(err, &serviceErr) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": serviceErr.Code()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
