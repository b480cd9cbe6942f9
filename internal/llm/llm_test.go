package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/memorizer/internal/assembler"
	"github.com/stellarlinkco/memorizer/internal/config"
	"github.com/stellarlinkco/memorizer/internal/memory"
	"github.com/stellarlinkco/memorizer/internal/mode"
	"github.com/stellarlinkco/memorizer/internal/workspace"
)

type fakeModel struct {
	mu      sync.Mutex
	calls   []model.Request
	replies []*model.Response
	err     error
}

func (m *fakeModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.replies) == 0 {
		return &model.Response{Message: model.Message{Role: "assistant"}, StopReason: "end_turn"}, nil
	}
	resp := m.replies[0]
	m.replies = m.replies[1:]
	return resp, nil
}

func (m *fakeModel) CompleteStream(ctx context.Context, req model.Request, cb model.StreamHandler) error {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return err
	}
	return cb(model.StreamResult{Final: true, Response: resp})
}

func reply(text, stop string, tokens int) *model.Response {
	return &model.Response{
		Message:    model.Message{Role: "assistant", Content: text},
		StopReason: stop,
		Usage:      model.Usage{OutputTokens: tokens},
	}
}

func newClient(t *testing.T, fake *fakeModel) *Client {
	t.Helper()
	provider := model.ProviderFunc(func(context.Context) (model.Model, error) { return fake, nil })
	c, err := New(provider, Options{Model: "test-model"})
	require.NoError(t, err)
	return c
}

func TestCompleteBuildsRequestInLayoutOrder(t *testing.T) {
	fake := &fakeModel{replies: []*model.Response{reply("Hello there", "end_turn", 3)}}
	c := newClient(t, fake)

	payload := assembler.Payload{Messages: []assembler.Message{
		{Role: memory.RoleSystem, Content: "be brief", Block: assembler.BlockSystem},
		{Role: memory.RoleSystem, Content: "#Long-term memory", Block: assembler.BlockLongTerm},
		{Role: memory.RoleSystem, Content: "", Block: assembler.BlockShortTerm},
		{Role: memory.RoleSystem, Content: "#Workspace", Block: assembler.BlockWorkspace},
		{Role: memory.RoleUser, Content: "hi", Block: assembler.BlockWorking},
		{Role: memory.RoleUser, Content: "anyone?", Block: assembler.BlockWorking},
	}}
	out, err := c.Complete(context.Background(), payload, mode.CompleteOptions{MaxTokens: 200})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", out.Text)
	assert.Equal(t, 3, out.Tokens)
	assert.True(t, out.Finished)
	assert.Equal(t, mode.StopEnd, out.StopReason)

	require.Len(t, fake.calls, 1)
	req := fake.calls[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, 200, req.MaxTokens)
	assert.Equal(t, "be brief\n\n#Long-term memory\n\n#Workspace", req.System)
	require.Len(t, req.Messages, 1, "consecutive user messages are merged")
	assert.Equal(t, "hi\n\nanyone?", req.Messages[0].Content)
}

func TestCompleteLengthAndStop(t *testing.T) {
	fake := &fakeModel{replies: []*model.Response{
		reply("partial answer", "max_tokens", 0),
		reply("first part\n---\nsecond", "end_turn", 9),
	}}
	c := newClient(t, fake)

	out, err := c.Complete(context.Background(), assembler.Payload{}, mode.CompleteOptions{MaxTokens: 4})
	require.NoError(t, err)
	assert.False(t, out.Finished)
	assert.Equal(t, mode.StopLength, out.StopReason)
	assert.Positive(t, out.Tokens, "missing usage is counted locally")

	out, err = c.Complete(context.Background(), assembler.Payload{}, mode.CompleteOptions{MaxTokens: 50, Stop: []string{"---"}})
	require.NoError(t, err)
	assert.Equal(t, "first part\n", out.Text)
	assert.Equal(t, mode.StopBoundary, out.StopReason)
	assert.False(t, out.Finished)
}

func TestCompleteError(t *testing.T) {
	boom := errors.New("rate limited")
	c := newClient(t, &fakeModel{err: boom})
	_, err := c.Complete(context.Background(), assembler.Payload{}, mode.CompleteOptions{})
	assert.ErrorIs(t, err, boom)

	failing := model.ProviderFunc(func(context.Context) (model.Model, error) { return nil, boom })
	c2, err := New(failing, Options{})
	require.NoError(t, err)
	_, err = c2.Complete(context.Background(), assembler.Payload{}, mode.CompleteOptions{})
	assert.ErrorIs(t, err, boom)
}

func TestSummarizeSendsFixedPrefix(t *testing.T) {
	fake := &fakeModel{replies: []*model.Response{reply("  - likes tea\n", "end_turn", 4), reply("short", "end_turn", 1)}}
	c := newClient(t, fake)
	batch := []memory.Message{
		{ID: 1, Role: memory.RoleUser, Raw: "I like tea", Timestamp: time.Now()},
		{ID: 2, Role: memory.RoleAssistant, Raw: "Noted"},
	}

	out, err := c.Summarize(context.Background(), "KNOWLEDGE", batch, "- lives in Oslo")
	require.NoError(t, err)
	assert.Equal(t, "- likes tea", out)

	_, err = c.Compact(context.Background(), "KNOWLEDGE", batch[0])
	require.NoError(t, err)

	require.Len(t, fake.calls, 2)
	for _, req := range fake.calls {
		assert.Equal(t, "KNOWLEDGE", req.System)
		assert.True(t, req.EnablePromptCache)
	}
	assert.Contains(t, fake.calls[0].Messages[0].Content, "- lives in Oslo")
	assert.Contains(t, fake.calls[0].Messages[0].Content, "[user] I like tea")
	assert.Contains(t, fake.calls[1].Messages[0].Content, "I like tea")
}

func TestInterpreterMergesJSONWithTags(t *testing.T) {
	fake := &fakeModel{replies: []*model.Response{reply("```json\n{\"intent\":\"book a flight\",\"confidence\":\"high\",\"questions\":[\"which day?\"],\"contradiction\":true}\n```", "end_turn", 20)}}
	in := NewInterpreter(newClient(t, fake))

	r, err := in.Interpret(context.Background(), mode.Interpret, "INTENT: book a train\nsome text", workspace.New())
	require.NoError(t, err)
	assert.Equal(t, "book a train", *r.Update.IntentHypothesis, "tags win")
	assert.Equal(t, workspace.ConfidenceHigh, *r.Update.Confidence)
	assert.Equal(t, []string{"which day?"}, r.Update.AddOpenQuestions)
	assert.True(t, r.Contradiction)
	assert.Equal(t, "some text", r.Text)
}

func TestInterpreterFallsBackOnProse(t *testing.T) {
	fake := &fakeModel{replies: []*model.Response{reply("I think the user wants coffee.", "end_turn", 7)}}
	in := NewInterpreter(newClient(t, fake))

	r, err := in.Interpret(context.Background(), mode.Interpret, "CONFIDENCE: medium", workspace.New())
	require.NoError(t, err)
	assert.Equal(t, workspace.ConfidenceMedium, *r.Update.Confidence)
	assert.Nil(t, r.Update.IntentHypothesis)
}

func TestNewProvider(t *testing.T) {
	p := NewProvider(config.ProviderConfig{Type: "openai", APIKey: "k"}, "gpt", 100, 0.2)
	oa, ok := p.(*model.OpenAIProvider)
	require.True(t, ok)
	assert.Equal(t, "gpt", oa.ModelName)
	assert.Equal(t, 0.2, *oa.Temperature)

	p = NewProvider(config.ProviderConfig{APIKey: "k"}, "claude", 100, 0.7)
	an, ok := p.(*model.AnthropicProvider)
	require.True(t, ok)
	assert.Equal(t, "claude", an.ModelName)
}
