// Package orchestrator wires the quota ledger, retrieval, grounding,
// prompt, and provider layers into the two request shapes the engine
// serves: conversational turns (plain and streaming) and one-shot content
// generation.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"commonground/internal/convo"
	"commonground/internal/grounding"
	"commonground/internal/intent"
	"commonground/internal/ledger"
	"commonground/internal/models"
	"commonground/internal/prompt"
	"commonground/internal/provider"
	"commonground/internal/retriever"
	"commonground/internal/worker"
)

// Context gathering is best effort; a slow platform query degrades the
// grounding block instead of stalling the turn.
const retrievalTimeout = 5 * time.Second

type Orchestrator struct {
	convs      *convo.Store
	ledger     *ledger.Ledger
	retriever  *retriever.Retriever
	gateway    *provider.Gateway
	dispatcher *worker.Dispatcher
	logger     *slog.Logger
}

func New(convs *convo.Store, led *ledger.Ledger, retr *retriever.Retriever, gw *provider.Gateway, disp *worker.Dispatcher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		convs:      convs,
		ledger:     led,
		retriever:  retr,
		gateway:    gw,
		dispatcher: disp,
		logger:     logger,
	}
}

// ChatRequest is one conversational turn.
type ChatRequest struct {
	TenantID       int64
	UserID         int64
	ConversationID int64
	Message        string
	Provider       string
}

// ChatResult is the completed turn handed back to the transport layer.
type ChatResult struct {
	Conversation     *models.Conversation
	UserMessage      *models.Message
	AssistantMessage *models.Message
	TokensUsed       int
	Provider         string
	Model            string
	UsedFallback     bool
	Limits           models.Limits
}

// Chat runs a full conversational turn: quota, conversation resolution,
// context assembly, provider call with fallback, persistence, commit.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	return o.turn(ctx, req, nil)
}

// ChatStream runs a turn streaming chunks through onChunk as they arrive.
// The assistant message is persisted and usage committed only after the
// stream completes naturally; cancellation mid-stream persists nothing.
func (o *Orchestrator) ChatStream(ctx context.Context, req ChatRequest, onChunk func(string) error) (*ChatResult, error) {
	if onChunk == nil {
		return nil, validationError("stream callback is required")
	}
	return o.turn(ctx, req, onChunk)
}

func (o *Orchestrator) turn(ctx context.Context, req ChatRequest, onChunk func(string) error) (*ChatResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, validationError("message cannot be empty")
	}
	providerID := req.Provider
	if providerID == "" {
		providerID = o.gateway.Default()
	}

	dec, err := o.ledger.CheckAndReserve(ctx, req.UserID)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "quota check failed", Err: err}
	}
	if !dec.Allowed {
		return nil, quotaError(dec.Reason, dec.Limits)
	}
	reserved := true
	defer func() {
		if reserved {
			o.ledger.Release(ctx, req.UserID)
		}
	}()

	conversation, created, err := o.resolveConversation(ctx, req, providerID)
	if err != nil {
		return nil, err
	}

	var result *ChatResult
	var turnErr error
	dispatchErr := o.dispatcher.Do(ctx, conversation.ID, func() {
		result, turnErr = o.runTurn(ctx, req, conversation, created, providerID, onChunk)
	})
	if dispatchErr != nil {
		if errors.Is(dispatchErr, worker.ErrBusy) {
			return nil, busyError()
		}
		if errors.Is(dispatchErr, worker.ErrPurged) {
			return nil, notFoundError()
		}
		return nil, &Error{Kind: KindInternal, Message: "dispatch failed", Err: dispatchErr}
	}
	if turnErr != nil {
		return nil, turnErr
	}
	reserved = false
	result.Limits = dec.Limits
	return result, nil
}

func (o *Orchestrator) resolveConversation(ctx context.Context, req ChatRequest, providerID string) (*models.Conversation, bool, error) {
	if req.ConversationID > 0 {
		conversation, err := o.convs.Get(ctx, req.UserID, req.ConversationID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, false, notFoundError()
			}
			return nil, false, &Error{Kind: KindInternal, Message: "load conversation failed", Err: err}
		}
		return conversation, false, nil
	}
	conversation, err := o.convs.Create(ctx, models.Conversation{
		UserID:   req.UserID,
		TenantID: o.retriever.ResolveTenant(req.TenantID),
		Provider: providerID,
		Title:    convo.DeriveTitle(req.Message),
	})
	if err != nil {
		return nil, false, &Error{Kind: KindInternal, Message: "create conversation failed", Err: err}
	}
	return conversation, true, nil
}

// runTurn executes inside the per-conversation dispatcher slot.
func (o *Orchestrator) runTurn(ctx context.Context, req ChatRequest, conversation *models.Conversation, created bool, providerID string, onChunk func(string) error) (*ChatResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, providerError(provider.Classify(providerID, err))
	}

	history, err := o.convs.RecentMessages(ctx, conversation.ID, convo.RecentWindow)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "load history failed", Err: err}
	}
	firstTurn := created || len(history) == 0

	userMsg, err := o.convs.AddMessage(ctx, models.Message{
		ConversationID: conversation.ID,
		Role:           models.RoleUser,
		Content:        req.Message,
	})
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "persist message failed", Err: err}
	}

	contextBlock := o.gatherChatContext(ctx, conversation.TenantID, req.UserID, req.Message)
	systemPrompt, userPrompt, err := prompt.Build("assistant", prompt.Fields{
		"context":   contextBlock,
		"free_text": req.Message,
	})
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "build prompt failed", Err: err}
	}

	// History replays verbatim; only the current turn carries the freshly
	// assembled grounding block.
	msgs := make([]provider.Message, 0, len(history)+2)
	msgs = append(msgs, provider.Message{Role: models.RoleSystem, Content: systemPrompt})
	for _, m := range history {
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, provider.Message{Role: models.RoleUser, Content: userPrompt})

	opts := provider.Options{Model: conversation.Model}
	var res *provider.Result
	if onChunk != nil {
		res, err = o.gateway.StreamWithFallback(ctx, msgs, opts, providerID, onChunk)
	} else {
		res, err = o.gateway.ChatWithFallback(ctx, msgs, opts, providerID)
	}
	if err != nil {
		// The user message stays persisted; the quota slot is released by
		// the caller since no assistant output was produced.
		return nil, providerError(err)
	}

	assistantMsg, err := o.convs.AddMessage(ctx, models.Message{
		ConversationID: conversation.ID,
		Role:           models.RoleAssistant,
		Content:        res.Content,
		TokensUsed:     res.TokensIn + res.TokensOut,
	})
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "persist response failed", Err: err}
	}

	if firstTurn {
		title := convo.DeriveTitle(req.Message)
		if err := o.convs.UpdateTitle(ctx, req.UserID, conversation.ID, title); err != nil {
			o.logger.Warn("update conversation title failed", "error", err, "conversation_id", conversation.ID)
		} else {
			conversation.Title = title
		}
	}

	if err := o.ledger.Commit(ctx, req.UserID, res.Provider, "chat", res.TokensIn, res.TokensOut, res.CostUSD); err != nil {
		o.logger.Error("usage commit failed", "error", err, "user_id", req.UserID)
	}

	return &ChatResult{
		Conversation:     conversation,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		TokensUsed:       res.TokensIn + res.TokensOut,
		Provider:         res.Provider,
		Model:            res.Model,
		UsedFallback:     res.UsedFallback,
	}, nil
}

// gatherChatContext assembles the grounding block for a turn. Every
// retrieval failure degrades to an empty section; context gathering never
// aborts a user-facing request.
func (o *Orchestrator) gatherChatContext(ctx context.Context, tenantID, userID int64, message string) string {
	ctx, cancel := context.WithTimeout(ctx, retrievalTimeout)
	defer cancel()

	in := grounding.Input{}

	profile, err := o.retriever.Profile(ctx, tenantID, userID)
	if err != nil {
		o.logger.Warn("profile retrieval degraded", "error", err, "user_id", userID)
	} else {
		in.Profile = profile
	}

	snapshot, err := o.retriever.SnapshotStats(ctx, tenantID)
	if err != nil {
		o.logger.Warn("snapshot retrieval degraded", "error", err, "tenant_id", tenantID)
	} else {
		in.Snapshot = &snapshot
	}

	var coords *retriever.Coords
	if in.Profile.HasCoords() {
		coords = &retriever.Coords{Lat: *in.Profile.Lat, Lng: *in.Profile.Lng}
	}
	it := intent.Classify(message)
	keywords := retriever.ExtractKeywords(message)
	found, err := o.retriever.FindCandidates(ctx, tenantID, userID, it, keywords, coords)
	if err != nil {
		o.logger.Warn("candidate retrieval degraded", "error", err, "tenant_id", tenantID)
	} else if coords != nil {
		in.NearbyMatches = found.Candidates
	} else {
		in.Candidates = found.Candidates
	}

	return grounding.Assemble(in, grounding.DefaultMaxChars)
}

// Generate runs a one-shot content generation: quota, task prompt with
// platform context, single provider call with fallback, usage commit. The
// result is never persisted as a conversation or message.
func (o *Orchestrator) Generate(ctx context.Context, tenantID, userID int64, req models.GenerationRequest) (*models.GenerationResponse, error) {
	if _, ok := prompt.Lookup(req.TaskType); !ok {
		return nil, validationError("unknown generation type")
	}

	dec, err := o.ledger.CheckAndReserve(ctx, userID)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "quota check failed", Err: err}
	}
	if !dec.Allowed {
		return nil, quotaError(dec.Reason, dec.Limits)
	}
	reserved := true
	defer func() {
		if reserved {
			o.ledger.Release(ctx, userID)
		}
	}()

	fields := prompt.Fields{}
	for k, v := range req.Fields {
		fields[k] = v
	}
	if req.Title != "" {
		fields["title"] = req.Title
	}
	if req.Context != "" {
		fields["free_text"] = req.Context
	}
	fields["context"] = o.gatherGenerationContext(ctx, tenantID, userID)

	systemPrompt, userPrompt, err := prompt.Build(req.TaskType, fields)
	if err != nil {
		var missing *prompt.MissingFieldError
		if errors.As(err, &missing) {
			return nil, validationError(missing.Field + " is required")
		}
		return nil, validationError("invalid generation request")
	}

	providerID := req.Provider
	if providerID == "" {
		providerID = o.gateway.Default()
	}
	res, err := o.gateway.ChatWithFallback(ctx, []provider.Message{
		{Role: models.RoleSystem, Content: systemPrompt},
		{Role: models.RoleUser, Content: userPrompt},
	}, provider.Options{}, providerID)
	if err != nil {
		return nil, providerError(err)
	}
	reserved = false

	if err := o.ledger.Commit(ctx, userID, res.Provider, "generate:"+req.TaskType, res.TokensIn, res.TokensOut, res.CostUSD); err != nil {
		o.logger.Error("usage commit failed", "error", err, "user_id", userID)
	}

	return &models.GenerationResponse{
		Content:      res.Content,
		TokensIn:     res.TokensIn,
		TokensOut:    res.TokensOut,
		ProviderUsed: res.Provider,
		UsedFallback: res.UsedFallback,
	}, nil
}

// gatherGenerationContext grounds generation tasks in the user profile, the
// platform snapshot, and per-category activity: recent offers, recent
// requests, and upcoming events each get their own enumerated section so an
// idle platform still carries one explicit empty marker per category.
func (o *Orchestrator) gatherGenerationContext(ctx context.Context, tenantID, userID int64) string {
	ctx, cancel := context.WithTimeout(ctx, retrievalTimeout)
	defer cancel()

	in := grounding.Input{Activity: &grounding.Activity{}}

	if profile, err := o.retriever.Profile(ctx, tenantID, userID); err == nil {
		in.Profile = profile
	} else {
		o.logger.Warn("profile retrieval degraded", "error", err, "user_id", userID)
	}
	if snapshot, err := o.retriever.SnapshotStats(ctx, tenantID); err == nil {
		in.Snapshot = &snapshot
	} else {
		o.logger.Warn("snapshot retrieval degraded", "error", err, "tenant_id", tenantID)
	}
	if offers, err := o.retriever.RecentListings(ctx, tenantID, models.ListingTypeOffer, 0); err == nil {
		in.Activity.RecentOffers = offers
	} else {
		o.logger.Warn("recent offers retrieval degraded", "error", err, "tenant_id", tenantID)
	}
	if requests, err := o.retriever.RecentListings(ctx, tenantID, models.ListingTypeRequest, 0); err == nil {
		in.Activity.RecentRequests = requests
	} else {
		o.logger.Warn("recent requests retrieval degraded", "error", err, "tenant_id", tenantID)
	}
	if events, err := o.retriever.UpcomingEvents(ctx, tenantID, 0); err == nil {
		in.Activity.UpcomingEvents = events
	} else {
		o.logger.Warn("upcoming events retrieval degraded", "error", err, "tenant_id", tenantID)
	}

	return grounding.Assemble(in, grounding.DefaultMaxChars)
}

// CreateConversation opens an empty conversation ahead of the first turn.
func (o *Orchestrator) CreateConversation(ctx context.Context, tenantID, userID int64, title string) (*models.Conversation, error) {
	conversation, err := o.convs.Create(ctx, models.Conversation{
		UserID:   userID,
		TenantID: o.retriever.ResolveTenant(tenantID),
		Title:    convo.DeriveTitle(title),
	})
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "create conversation failed", Err: err}
	}
	return conversation, nil
}

// Conversations lists the user's conversations, most recent first.
func (o *Orchestrator) Conversations(ctx context.Context, userID int64, limit, offset int) ([]models.Conversation, int, error) {
	conversations, total, err := o.convs.List(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, &Error{Kind: KindInternal, Message: "list conversations failed", Err: err}
	}
	return conversations, total, nil
}

// Conversation returns one conversation with its full message history.
func (o *Orchestrator) Conversation(ctx context.Context, userID, conversationID int64) (*models.Conversation, []*models.Message, error) {
	conversation, err := o.convs.Get(ctx, userID, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, notFoundError()
		}
		return nil, nil, &Error{Kind: KindInternal, Message: "load conversation failed", Err: err}
	}
	messages, err := o.convs.Messages(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, &Error{Kind: KindInternal, Message: "load messages failed", Err: err}
	}
	return conversation, messages, nil
}

// DeleteConversation removes a conversation and drops any turns still
// queued for it.
func (o *Orchestrator) DeleteConversation(ctx context.Context, userID, conversationID int64) error {
	if err := o.convs.Delete(ctx, userID, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError()
		}
		return &Error{Kind: KindInternal, Message: "delete conversation failed", Err: err}
	}
	o.dispatcher.Purge(conversationID)
	return nil
}

// Limits reports the caller's remaining quota headroom.
func (o *Orchestrator) Limits(ctx context.Context, userID int64) (models.Limits, error) {
	return o.ledger.Remaining(ctx, userID)
}

// Usage aggregates the user's recorded usage since the given time.
func (o *Orchestrator) Usage(ctx context.Context, userID int64, since time.Time) (models.UsageSummary, error) {
	summary, err := o.ledger.Usage(ctx, userID, since)
	if err != nil {
		return models.UsageSummary{}, &Error{Kind: KindInternal, Message: "usage query failed", Err: err}
	}
	return summary, nil
}
