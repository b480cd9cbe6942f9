package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/stellarlinkco/memorizer/internal/memory"
	"github.com/stellarlinkco/memorizer/internal/mode"
	"github.com/stellarlinkco/memorizer/internal/workspace"
)

// Reply is what a user sees after a turn, plus memory usage for status lines.
type Reply struct {
	mode.TurnResult
	MessageID int64
	Sizes     map[memory.Section]int
}

// Session is one conversation. Turns are serialized by its controller.
type Session struct {
	id         string
	manager    *Manager
	store      *memory.Store
	workspace  *workspace.Manager
	controller *mode.Controller
	retriever  *memory.SearchRetriever
	logger     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *Session) ID() string { return s.id }

func (s *Session) Store() *memory.Store { return s.store }

func (s *Session) Workspace() *workspace.Manager { return s.workspace }

func (s *Session) Mode() mode.Mode { return s.controller.Mode() }

func (s *Session) Paused() bool { return s.controller.Paused() }

// Send logs the user's message, places it in working memory and runs a turn.
// The delivered output is logged and appended as the assistant's reply. When
// the turn fails it stays paused and Resume retries it.
func (s *Session) Send(ctx context.Context, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, fmt.Errorf("send: empty message")
	}
	if s.controller.Paused() {
		return Reply{}, mode.ErrTurnPaused
	}

	if _, err := s.record(ctx, memory.RoleUser, text); err != nil {
		return Reply{}, err
	}

	ctx, done := s.track(ctx)
	defer done()
	res, err := s.controller.Turn(ctx, text)
	if err != nil {
		return Reply{}, err
	}
	return s.deliver(ctx, res)
}

// Resume continues a turn paused by a failure or cancellation.
func (s *Session) Resume(ctx context.Context) (Reply, error) {
	ctx, done := s.track(ctx)
	defer done()
	res, err := s.controller.Resume(ctx)
	if err != nil {
		return Reply{}, err
	}
	return s.deliver(ctx, res)
}

// Cancel stops the running turn at its next checkpoint. Background
// compression is not affected.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return ctx, func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}
}

func (s *Session) deliver(ctx context.Context, res mode.TurnResult) (Reply, error) {
	reply := Reply{TurnResult: res}
	if res.Output != "" {
		// The turn already produced the answer; losing it to a late cancel would drop it.
		id, err := s.record(context.WithoutCancel(ctx), memory.RoleAssistant, res.Output)
		if err != nil {
			return reply, err
		}
		reply.MessageID = id
	}
	reply.Sizes = s.store.Sizes()
	s.logger.Debug("turn delivered",
		zap.String("mode", string(res.Delivered)),
		zap.Int("tokens", res.Tokens),
		zap.Int("checkpoints", len(res.Checkpoints)),
		zap.Bool("recalled", res.Recalled))
	return reply, nil
}

func (s *Session) record(ctx context.Context, role memory.Role, text string) (int64, error) {
	msg := memory.Message{
		SessionID: s.id,
		Role:      role,
		Raw:       text,
		Timestamp: s.manager.opts.Now(),
		Section:   memory.SectionWorking,
	}
	id, err := s.manager.engine.Record(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("record %s message: %w", role, err)
	}
	msg.ID = id
	if err := s.store.Append(ctx, memory.SectionWorking, msg); err != nil {
		return id, fmt.Errorf("append %s message: %w", role, err)
	}
	s.manager.maybeCompress(s.store)
	return id, nil
}
