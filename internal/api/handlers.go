package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"commonground/internal/auth"
	"commonground/internal/config"
	"commonground/internal/models"
	"commonground/internal/orchestrator"
	"commonground/internal/prompt"
	"commonground/internal/provider"
)

const streamTimeout = 2 * time.Minute

// Handler wires the HTTP surface to the orchestrator.
type Handler struct {
	engine   *orchestrator.Orchestrator
	gateway  *provider.Gateway
	features config.FeaturesConfig
	token    string
}

func NewHandler(engine *orchestrator.Orchestrator, gateway *provider.Gateway, cfg *config.Config) *Handler {
	return &Handler{
		engine:   engine,
		gateway:  gateway,
		features: cfg.Features,
		token:    cfg.BasicConfig.InternalToken,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	ai := router.Group("/api/ai")
	ai.Use(auth.Identity(h.token))

	ai.POST("/chat", h.requireFeature(h.features.Assistant), h.chat)
	ai.POST("/chat/stream", h.requireFeature(h.features.Assistant), h.chatStream)

	ai.GET("/conversations", h.listConversations)
	ai.POST("/conversations", h.createConversation)
	ai.GET("/conversations/:id", h.getConversation)
	ai.DELETE("/conversations/:id", h.deleteConversation)

	gen := ai.Group("/generate", h.requireFeature(h.features.Generation))
	gen.POST("/listing", h.generateFor("listing"))
	gen.POST("/event", h.generateFor("event"))
	gen.POST("/message", h.generateFor("message_reply"))
	gen.POST("/bio", h.generateFor("bio"))
	gen.POST("/newsletter", h.generateFamily("newsletter"))
	gen.POST("/blog", h.generateFamily("blog"))
	gen.POST("/page", h.generateFamily("page"))

	ai.GET("/providers", h.listProviders)
	ai.POST("/test-provider", h.testProvider)
	ai.GET("/limits", h.limits)
	ai.GET("/usage", h.usage)
}

func (h *Handler) requireFeature(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "this feature is disabled"})
			return
		}
		c.Next()
	}
}

// statusFor maps the engine error taxonomy to HTTP statuses.
func statusFor(e *orchestrator.Error) int {
	switch e.Kind {
	case orchestrator.KindValidation:
		return http.StatusBadRequest
	case orchestrator.KindFeatureDisabled:
		return http.StatusForbidden
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindQuotaExceeded, orchestrator.KindBusy:
		return http.StatusTooManyRequests
	case orchestrator.KindProvider:
		// Fallback exhaustion is unrecoverable for this request.
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	e := orchestrator.AsError(err)
	payload := gin.H{"error": e.Message}
	if e.Reason != "" {
		payload["reason"] = e.Reason
	}
	if e.Limits != nil {
		payload["limits"] = e.Limits
	}
	c.JSON(statusFor(e), payload)
}

type chatRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Message        string `json:"message"`
	Provider       string `json:"provider"`
}

func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ConversationID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id cannot be negative"})
		return
	}

	result, err := h.engine.Chat(c.Request.Context(), orchestrator.ChatRequest{
		TenantID:       auth.TenantID(c),
		UserID:         auth.UserID(c),
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Provider:       strings.TrimSpace(req.Provider),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chatPayload(result))
}

func chatPayload(result *orchestrator.ChatResult) gin.H {
	return gin.H{
		"conversation_id": result.Conversation.ID,
		"conversation":    result.Conversation,
		"message":         result.AssistantMessage,
		"tokens_used":     result.TokensUsed,
		"provider":        result.Provider,
		"model":           result.Model,
		"used_fallback":   result.UsedFallback,
		"limits":          result.Limits,
	}
}

func (h *Handler) chatStream(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ConversationID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id cannot be negative"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendFrame := func(payload gin.H) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// Client disconnect cancels the request context, which cancels the
	// provider stream; nothing from the aborted turn is persisted.
	streamCtx, cancel := context.WithTimeout(c.Request.Context(), streamTimeout)
	defer cancel()

	result, err := h.engine.ChatStream(streamCtx, orchestrator.ChatRequest{
		TenantID:       auth.TenantID(c),
		UserID:         auth.UserID(c),
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Provider:       strings.TrimSpace(req.Provider),
	}, func(chunk string) error {
		return sendFrame(gin.H{"content": chunk, "done": false})
	})
	if err != nil {
		e := orchestrator.AsError(err)
		payload := gin.H{"error": e.Message}
		if e.Reason != "" {
			payload["reason"] = e.Reason
		}
		if e.Limits != nil {
			payload["limits"] = e.Limits
		}
		_ = sendFrame(payload)
		return
	}
	final := chatPayload(result)
	final["done"] = true
	_ = sendFrame(final)
}

func (h *Handler) listConversations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	conversations, total, err := h.engine.Conversations(c.Request.Context(), auth.UserID(c), limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":   conversations,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handler) createConversation(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	conversation, err := h.engine.CreateConversation(c.Request.Context(), auth.TenantID(c), auth.UserID(c), strings.TrimSpace(req.Title))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conversation})
}

func (h *Handler) getConversation(c *gin.Context) {
	conversationID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || conversationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	conversation, messages, err := h.engine.Conversation(c.Request.Context(), auth.UserID(c), conversationID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conversation,
		"messages":     messages,
	})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	conversationID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || conversationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	if err := h.engine.DeleteConversation(c.Request.Context(), auth.UserID(c), conversationID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type generateRequest struct {
	Subtype  string            `json:"subtype"`
	Title    string            `json:"title"`
	Context  string            `json:"context"`
	Fields   map[string]string `json:"fields"`
	Provider string            `json:"provider"`
}

// generateFor serves families with a single template.
func (h *Handler) generateFor(task string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		h.generate(c, task, req)
	}
}

// generateFamily serves families whose template is picked by subtype,
// e.g. newsletter subject/preview/body.
func (h *Handler) generateFamily(family string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		subtype := strings.TrimSpace(req.Subtype)
		if subtype == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "subtype is required"})
			return
		}
		task := family + "_" + subtype
		if _, ok := prompt.Lookup(task); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown subtype: " + subtype})
			return
		}
		h.generate(c, task, req)
	}
}

func (h *Handler) generate(c *gin.Context, task string, req generateRequest) {
	result, err := h.engine.Generate(c.Request.Context(), auth.TenantID(c), auth.UserID(c), models.GenerationRequest{
		TaskType: task,
		Title:    strings.TrimSpace(req.Title),
		Context:  strings.TrimSpace(req.Context),
		Fields:   req.Fields,
		Provider: strings.TrimSpace(req.Provider),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"type":          task,
		"content":       result.Content,
		"tokens_in":     result.TokensIn,
		"tokens_out":    result.TokensOut,
		"provider_used": result.ProviderUsed,
		"used_fallback": result.UsedFallback,
	})
}

func (h *Handler) listProviders(c *gin.Context) {
	configured := h.gateway.Configured()
	if configured == nil {
		configured = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"providers": configured,
		"default":   h.gateway.Default(),
		"enabled": gin.H{
			"assistant":  h.features.Assistant,
			"generation": h.features.Generation,
		},
	})
}

func (h *Handler) testProvider(c *gin.Context) {
	var req struct {
		Provider string `json:"provider"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id := strings.TrimSpace(req.Provider)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required"})
		return
	}
	ok, latencyMs, message := h.gateway.TestConnection(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{
		"success":    ok,
		"latency_ms": latencyMs,
		"message":    message,
	})
}

func (h *Handler) limits(c *gin.Context) {
	limits, err := h.engine.Limits(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"limits": limits})
}

func (h *Handler) usage(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days <= 0 || days > 365 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	summary, err := h.engine.Usage(c.Request.Context(), auth.UserID(c), since)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"since":   since,
		"summary": summary,
	})
}
