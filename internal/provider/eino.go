package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"commonground/internal/config"
	"commonground/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const defaultMaxTokens = 3000

// einoProvider adapts one eino chat model to the Provider interface.
type einoProvider struct {
	id        string
	cfg       config.ProviderConfig
	chatModel model.ToolCallingChatModel
	buildErr  error
}

// NewEinoProvider builds a backend for one configured provider id
// (openai, gemini, or claude). A missing API key yields an unconfigured
// provider rather than an error, so it can still sit in the chain and be
// reported by /providers.
func NewEinoProvider(id string, cfg config.ProviderConfig) Provider {
	p := &einoProvider{id: id, cfg: cfg}
	if cfg.APIKey == "" {
		return p
	}
	p.chatModel, p.buildErr = buildChatModel(id, cfg)
	return p
}

func buildChatModel(id string, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	ctx := context.Background()
	switch id {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: defaultMaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown provider id: %s", id)
	}
}

func (p *einoProvider) ID() string { return p.id }

func (p *einoProvider) IsConfigured() bool {
	return p.cfg.APIKey != "" && p.buildErr == nil && p.chatModel != nil
}

func (p *einoProvider) Chat(ctx context.Context, msgs []Message, opts Options) (*Result, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	einoMsgs := toSchemaMessages(msgs)
	resp, err := p.chatModel.Generate(ctx, einoMsgs)
	if err != nil {
		return nil, Classify(p.id, err)
	}
	res := &Result{
		Content:  resp.Content,
		Provider: p.id,
		Model:    p.modelName(opts),
	}
	p.fillUsage(res, resp, msgs)
	return res, nil
}

func (p *einoProvider) StreamChat(ctx context.Context, msgs []Message, opts Options, onChunk func(string) error) (*Result, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	einoMsgs := toSchemaMessages(msgs)
	reader, err := p.chatModel.Stream(ctx, einoMsgs)
	if err != nil {
		return nil, Classify(p.id, err)
	}
	defer reader.Close()

	res := &Result{Provider: p.id, Model: p.modelName(opts)}
	var full string
	var last *schema.Message
	for {
		chunk, err := reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return nil, Classify(p.id, ctx.Err())
			}
			return nil, Classify(p.id, err)
		}
		last = chunk
		if chunk.Content == "" {
			continue
		}
		full += chunk.Content
		if onChunk != nil {
			if err := onChunk(chunk.Content); err != nil {
				return nil, Classify(p.id, err)
			}
		}
	}
	res.Content = full
	p.fillUsage(res, last, msgs)
	return res, nil
}

func (p *einoProvider) TestConnection(ctx context.Context) (bool, time.Duration, string) {
	if !p.IsConfigured() {
		return false, 0, "provider is not configured"
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	_, err := p.chatModel.Generate(ctx, []*schema.Message{
		{Role: schema.User, Content: "Reply with the single word: ok"},
	})
	latency := time.Since(start)
	if err != nil {
		return false, latency, Classify(p.id, err).Friendly()
	}
	return true, latency, "connection ok"
}

func (p *einoProvider) ready() error {
	if p.cfg.APIKey == "" {
		return &Error{ProviderID: p.id, Kind: KindAuth, Err: errors.New("api key not configured")}
	}
	if p.buildErr != nil {
		return &Error{ProviderID: p.id, Kind: KindAuth, Err: p.buildErr}
	}
	return nil
}

func (p *einoProvider) modelName(opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return p.cfg.Model
}

func (p *einoProvider) fillUsage(res *Result, resp *schema.Message, msgs []Message) {
	if resp != nil && resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		res.TokensIn = resp.ResponseMeta.Usage.PromptTokens
		res.TokensOut = resp.ResponseMeta.Usage.CompletionTokens
		return
	}
	// Backends that omit usage metadata still need consistent units for
	// the ledger, so estimate from text length.
	var in int
	for _, m := range msgs {
		in += estimateTokens(m.Content)
	}
	res.TokensIn = in
	res.TokensOut = estimateTokens(res.Content)
}

func toSchemaMessages(msgs []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		var role schema.RoleType
		switch m.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: m.Content})
	}
	return out
}

func estimateTokens(text string) int {
	n := len([]rune(text)) / 4
	if n < 1 && text != "" {
		return 1
	}
	return n
}
