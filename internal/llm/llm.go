package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"go.uber.org/zap"

	"github.com/stellarlinkco/memorizer/internal/assembler"
	"github.com/stellarlinkco/memorizer/internal/config"
	"github.com/stellarlinkco/memorizer/internal/memory"
	"github.com/stellarlinkco/memorizer/internal/mode"
)

const summarizeMaxTokens = 1024

const summarizeInstruction = `Update the long-term memory with the new conversation below.
Keep one fact per line, starting with "- ". Keep stable facts, preferences and decisions.
Drop small talk and anything already stated in the existing memory.
Return only the updated memory lines.`

const compactInstruction = `Compress the message below into one or two sentences that keep every name, number and decision.
Return only the compressed text.`

// NewProvider builds the agentsdk-go provider for p.
func NewProvider(p config.ProviderConfig, modelName string, maxTokens int, temperature float64) model.Provider {
	temp := temperature
	switch p.Type {
	case "openai":
		return &model.OpenAIProvider{
			APIKey:      p.APIKey,
			BaseURL:     p.BaseURL,
			ModelName:   modelName,
			MaxTokens:   maxTokens,
			Temperature: &temp,
		}
	default:
		return &model.AnthropicProvider{
			APIKey:      p.APIKey,
			BaseURL:     p.BaseURL,
			ModelName:   modelName,
			MaxTokens:   maxTokens,
			Temperature: &temp,
		}
	}
}

type Options struct {
	Model  string
	Tokens *memory.TokenCounter
	Logger *zap.Logger
}

// Client adapts an agentsdk-go model to the completion, summarization and
// interpretation capabilities.
type Client struct {
	provider model.Provider
	opts     Options
}

func New(provider model.Provider, opts Options) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("new llm client: nil provider")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{provider: provider, opts: opts}, nil
}

func (c *Client) complete(ctx context.Context, req model.Request) (*model.Response, error) {
	mdl, err := c.provider.Model(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve model: %w", err)
	}
	if req.Model == "" {
		req.Model = c.opts.Model
	}
	resp, err := mdl.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("empty model response")
	}
	return resp, nil
}

// Complete generates one segment. System-role blocks are folded into the
// request's system prompt in payload order; chat messages keep their order,
// with consecutive same-role messages merged.
func (c *Client) Complete(ctx context.Context, payload assembler.Payload, opts mode.CompleteOptions) (mode.Completion, error) {
	req := toRequest(payload)
	req.MaxTokens = opts.MaxTokens

	resp, err := c.complete(ctx, req)
	if err != nil {
		return mode.Completion{}, err
	}
	text, stopped := cutAtStop(resp.Message.TextContent(), opts.Stop)

	out := mode.Completion{Text: text, Tokens: resp.Usage.OutputTokens}
	switch {
	case stopped:
		out.StopReason = mode.StopBoundary
	case isLengthStop(resp.StopReason):
		out.StopReason = mode.StopLength
	default:
		out.StopReason = mode.StopEnd
		out.Finished = true
	}
	if out.Tokens <= 0 {
		out.Tokens = c.opts.Tokens.Count(text)
	}
	return out, nil
}

func toRequest(payload assembler.Payload) model.Request {
	var system []string
	msgs := make([]model.Message, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role != memory.RoleUser && m.Role != memory.RoleAssistant {
			system = append(system, m.Content)
			continue
		}
		role := string(m.Role)
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n\n" + m.Content
			continue
		}
		msgs = append(msgs, model.Message{Role: role, Content: m.Content})
	}
	return model.Request{
		System:   strings.Join(system, "\n\n"),
		Messages: msgs,
	}
}

func cutAtStop(text string, stops []string) (string, bool) {
	cut := -1
	for _, s := range stops {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut < 0 {
		return text, false
	}
	return text[:cut], true
}

func isLengthStop(reason string) bool {
	switch strings.ToLower(reason) {
	case "max_tokens", "length", "max_output_tokens":
		return true
	}
	return false
}

// Summarize implements memory.Summarizer. The knowledge prefix is sent as
// the cached system prompt so every compression shares it.
func (c *Client) Summarize(ctx context.Context, prefix string, batch []memory.Message, existing string) (string, error) {
	var b strings.Builder
	b.WriteString(summarizeInstruction)
	b.WriteString("\n\nExisting memory:\n")
	if strings.TrimSpace(existing) == "" {
		b.WriteString("(none)")
	} else {
		b.WriteString(existing)
	}
	b.WriteString("\n\nNew conversation:\n")
	for _, m := range batch {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.CompressedOr())
	}

	out, err := c.withPrefix(ctx, prefix, b.String())
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return out, nil
}

// Compact implements memory.Compactor.
func (c *Client) Compact(ctx context.Context, prefix string, msg memory.Message) (string, error) {
	out, err := c.withPrefix(ctx, prefix, compactInstruction+"\n\n"+msg.Raw)
	if err != nil {
		return "", fmt.Errorf("compact message %d: %w", msg.ID, err)
	}
	return out, nil
}

func (c *Client) withPrefix(ctx context.Context, prefix, instruction string) (string, error) {
	resp, err := c.complete(ctx, model.Request{
		System:            prefix,
		EnablePromptCache: true,
		MaxTokens:         summarizeMaxTokens,
		Messages:          []model.Message{{Role: "user", Content: instruction}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.TextContent()), nil
}
