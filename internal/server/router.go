package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/notepad/internal/editor"
	"github.com/MarcoPoloResearchLab/notepad/internal/notes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 25 * time.Second

var errMissingEditor = errors.New("editor session dependency required")

// Editor is the session surface served over HTTP.
type Editor interface {
	List() []notes.Document
	CurrentID() notes.DocumentID
	Document(id notes.DocumentID) (editor.View, error)
	Create() (notes.Document, error)
	Open(id notes.DocumentID) (editor.View, error)
	Rename(id notes.DocumentID, title string) (notes.Document, error)
	SetFont(id notes.DocumentID, font string) (notes.Document, error)
	Edit(id notes.DocumentID, body string) error
	Flush()
	Delete(id notes.DocumentID) error
	Reconcile() notes.ReconcileResult
	Unreferenced() ([]notes.ImageID, error)
	SweepImages() ([]notes.ImageID, error)
	Status() editor.Status
}

type Dependencies struct {
	Editor            Editor
	Feed              *ChangeFeed
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Editor == nil {
		return nil, errMissingEditor
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		editor:    deps.Editor,
		feed:      deps.Feed,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/documents", handler.handleListDocuments)
	router.POST("/documents", handler.handleCreateDocument)
	router.GET("/documents/:id", handler.handleGetDocument)
	router.PATCH("/documents/:id", handler.handleUpdateDocument)
	router.DELETE("/documents/:id", handler.handleDeleteDocument)
	router.POST("/documents/:id/open", handler.handleOpenDocument)
	router.POST("/sync", handler.handleSync)
	router.GET("/images/unreferenced", handler.handleUnreferencedImages)
	router.POST("/images/sweep", handler.handleSweepImages)
	router.GET("/storage", handler.handleStorage)
	router.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	editor    Editor
	feed      *ChangeFeed
	heartbeat time.Duration
	logger    *zap.Logger
}

type listResponsePayload struct {
	Documents []notes.Document `json:"documents"`
	CurrentID string           `json:"current_id"`
}

type updateRequestPayload struct {
	Title *string `json:"title"`
	Font  *string `json:"font"`
	Body  *string `json:"body"`
	Flush bool    `json:"flush"`
}

type syncResponsePayload struct {
	Changed           bool  `json:"changed"`
	Watermark         int64 `json:"watermark"`
	WatermarkAdvanced bool  `json:"watermark_advanced"`
}

type imagesResponsePayload struct {
	ImageIDs []notes.ImageID `json:"image_ids"`
}

type changeEventPayload struct {
	DocumentIDs []string `json:"documentIds,omitempty"`
	LastSaved   int64    `json:"lastSaved,omitempty"`
	Source      string   `json:"source"`
	Timestamp   int64    `json:"timestamp"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	c.JSON(http.StatusOK, listResponsePayload{
		Documents: h.editor.List(),
		CurrentID: h.editor.CurrentID().String(),
	})
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	document, err := h.editor.Create()
	if err != nil {
		h.respondError(c, "create", err)
		return
	}
	c.JSON(http.StatusCreated, document)
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	id, ok := documentIDParam(c)
	if !ok {
		return
	}
	view, err := h.editor.Document(id)
	if err != nil {
		h.respondError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleUpdateDocument(c *gin.Context) {
	id, ok := documentIDParam(c)
	if !ok {
		return
	}
	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Title == nil && request.Font == nil && request.Body == nil && !request.Flush {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_update"})
		return
	}

	if request.Title != nil {
		if _, err := h.editor.Rename(id, *request.Title); err != nil {
			h.respondError(c, "rename", err)
			return
		}
	}
	if request.Font != nil {
		if _, err := h.editor.SetFont(id, *request.Font); err != nil {
			h.respondError(c, "set_font", err)
			return
		}
	}
	if request.Body != nil {
		if err := h.editor.Edit(id, *request.Body); err != nil {
			h.respondError(c, "edit", err)
			return
		}
	}
	if request.Flush {
		h.editor.Flush()
	}

	view, err := h.editor.Document(id)
	if err != nil {
		h.respondError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	id, ok := documentIDParam(c)
	if !ok {
		return
	}
	if err := h.editor.Delete(id); err != nil {
		h.respondError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleOpenDocument(c *gin.Context) {
	id, ok := documentIDParam(c)
	if !ok {
		return
	}
	view, err := h.editor.Open(id)
	if err != nil {
		h.respondError(c, "open", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleSync(c *gin.Context) {
	result := h.editor.Reconcile()
	c.JSON(http.StatusOK, syncResponsePayload{
		Changed:           result.Changed,
		Watermark:         result.Watermark,
		WatermarkAdvanced: result.WatermarkAdvanced,
	})
}

func (h *httpHandler) handleUnreferencedImages(c *gin.Context) {
	ids, err := h.editor.Unreferenced()
	if err != nil {
		h.respondError(c, "unreferenced_images", err)
		return
	}
	c.JSON(http.StatusOK, imagesResponsePayload{ImageIDs: nonNilImageIDs(ids)})
}

func (h *httpHandler) handleSweepImages(c *gin.Context) {
	ids, err := h.editor.SweepImages()
	if err != nil {
		h.respondError(c, "sweep_images", err)
		return
	}
	removed := nonNilImageIDs(ids)
	if len(removed) > 0 {
		h.logger.Info("unreferenced images swept", zap.Int("count", len(removed)))
	}
	c.JSON(http.StatusOK, imagesResponsePayload{ImageIDs: removed})
}

func (h *httpHandler) handleStorage(c *gin.Context) {
	c.JSON(http.StatusOK, h.editor.Status())
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "events_disabled"})
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.feed.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message := <-stream:
			c.SSEvent(message.EventType, changeEventPayload{
				DocumentIDs: message.DocumentIDs,
				LastSaved:   message.LastSaved,
				Source:      eventSource,
				Timestamp:   message.Timestamp.UnixMilli(),
			})
			c.Writer.Flush()
		case tick := <-ticker.C:
			c.SSEvent(eventHeartbeat, changeEventPayload{Source: eventSource, Timestamp: tick.UnixMilli()})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	if errors.Is(err, editor.ErrUnknownDocument) {
		c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
		return
	}
	h.logger.Error("editor operation failed", zap.String("operation", operation), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": operation + "_failed"})
}

func documentIDParam(c *gin.Context) (notes.DocumentID, bool) {
	id, err := notes.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return id, true
}

func nonNilImageIDs(ids []notes.ImageID) []notes.ImageID {
	if ids == nil {
		return []notes.ImageID{}
	}
	return ids
}
