package mode

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stellarlinkco/memorizer/internal/assembler"
	"github.com/stellarlinkco/memorizer/internal/memory"
	"github.com/stellarlinkco/memorizer/internal/workspace"
	"go.uber.org/zap"
)

const (
	DefaultMaxTurnTokens  = 8000
	DefaultMaxReflections = 2
	DefaultMaxSegments    = 64
)

type Options struct {
	CheckpointTokens     int
	RetrievalEveryTokens int
	MaxTurnTokens        int
	MaxReflections       int
	MaxSegments          int
	Stop                 []string
	Interpreter          Interpreter
	Planner              *RetrievalPlanner
	Tokens               *memory.TokenCounter
	Logger               *zap.Logger
}

// TurnResult is the outcome of one user turn.
type TurnResult struct {
	Output string
	// Delivered is EXECUTE for an answer and QUESTION for a clarifying request.
	Delivered   Mode
	Modes       []Mode
	Checkpoints []Checkpoint
	Tokens      int
	Recalled    bool
	Truncated   bool
}

// Controller drives generation for one session. It pauses at every
// checkpoint, revises the workspace, decides the next mode and whether
// recall is needed, then reassembles the context and resumes.
type Controller struct {
	turnMu sync.Mutex

	mu     sync.Mutex
	mode   Mode
	paused *turn

	store     *memory.Store
	workspace *workspace.Manager
	assembler *assembler.Assembler
	completer Completer
	opts      Options
}

type turn struct {
	input          string
	mode           Mode
	segments       []string
	checkpoints    []Checkpoint
	modes          []Mode
	tokens         int
	sinceRetrieval int
	planCommitted  bool
	asked          bool
	reflections    int
	recalled       bool
}

func NewController(store *memory.Store, ws *workspace.Manager, asm *assembler.Assembler, completer Completer, opts Options) (*Controller, error) {
	if store == nil || ws == nil || asm == nil || completer == nil {
		return nil, fmt.Errorf("new controller: store, workspace, assembler and completer are required")
	}
	if opts.CheckpointTokens <= 0 {
		opts.CheckpointTokens = DefaultCheckpointTokens
	}
	if opts.RetrievalEveryTokens <= 0 {
		opts.RetrievalEveryTokens = DefaultRetrievalEveryTokens
	}
	if opts.MaxTurnTokens <= 0 {
		opts.MaxTurnTokens = DefaultMaxTurnTokens
	}
	if opts.MaxReflections < 0 {
		opts.MaxReflections = 0
	} else if opts.MaxReflections == 0 {
		opts.MaxReflections = DefaultMaxReflections
	}
	if opts.MaxSegments <= 0 {
		opts.MaxSegments = DefaultMaxSegments
	}
	if opts.Interpreter == nil {
		opts.Interpreter = TaggedInterpreter{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Controller{
		mode:      Interpret,
		store:     store,
		workspace: ws,
		assembler: asm,
		completer: completer,
		opts:      opts,
	}, nil
}

// Mode is the current mode, or the mode a paused turn stopped in.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused != nil {
		return c.paused.mode
	}
	return c.mode
}

func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused != nil
}

// Turn runs one user turn. The user message must already be in the working
// section. Recall is cleared at the start of every turn.
func (c *Controller) Turn(ctx context.Context, input string) (TurnResult, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	c.mu.Lock()
	if c.paused != nil {
		c.mu.Unlock()
		return TurnResult{}, ErrTurnPaused
	}
	c.mode = Interpret
	c.mu.Unlock()

	if c.store.Len(memory.SectionRecall) > 0 {
		if err := c.store.Replace(ctx, memory.SectionRecall, nil); err != nil {
			return TurnResult{}, fmt.Errorf("clear recall: %w", err)
		}
	}

	t := &turn{input: input, mode: Interpret, modes: []Mode{Interpret}}
	c.retrieve(ctx, t, input)
	return c.run(ctx, t)
}

// Resume continues a turn paused by a completion failure or cancellation.
func (c *Controller) Resume(ctx context.Context) (TurnResult, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	c.mu.Lock()
	t := c.paused
	c.paused = nil
	c.mu.Unlock()
	if t == nil {
		return TurnResult{}, ErrNoPausedTurn
	}
	return c.run(ctx, t)
}

func (c *Controller) pause(t *turn) {
	c.mu.Lock()
	c.paused = t
	c.mode = t.mode
	c.mu.Unlock()
}

func (c *Controller) run(ctx context.Context, t *turn) (TurnResult, error) {
	log := c.opts.Logger.With(zap.String("session", c.store.SessionID()))
	for {
		if err := ctx.Err(); err != nil {
			c.pause(t)
			return TurnResult{}, fmt.Errorf("turn cancelled at checkpoint %d: %w", len(t.checkpoints), err)
		}
		if t.tokens >= c.opts.MaxTurnTokens || len(t.checkpoints) >= c.opts.MaxSegments {
			log.Warn("turn budget exhausted", zap.Int("tokens", t.tokens), zap.Int("checkpoints", len(t.checkpoints)))
			return c.finish(ctx, t, t.mode, true), nil
		}

		c.setMode(t.mode)
		payload, err := c.assembler.Assemble(assembler.View{
			Sections:  c.store,
			Workspace: c.workspace.Render(),
			Directive: Directive(t.mode),
			Partial:   t.partial(),
		})
		if err != nil {
			c.pause(t)
			return TurnResult{}, err
		}

		maxTokens := min(c.opts.CheckpointTokens, c.opts.MaxTurnTokens-t.tokens)
		comp, err := c.completer.Complete(ctx, payload, CompleteOptions{MaxTokens: maxTokens, Stop: c.opts.Stop})
		if err != nil {
			c.pause(t)
			return TurnResult{}, &CompletionFailure{Mode: t.mode, Checkpoint: len(t.checkpoints), Err: err}
		}
		tokens := comp.Tokens
		if tokens <= 0 {
			tokens = c.opts.Tokens.Count(comp.Text)
		}
		cp := Checkpoint{
			Index:            len(t.checkpoints) + 1,
			Mode:             t.mode,
			TokensSinceLast:  tokens,
			SemanticBoundary: semanticBoundary(comp),
			Text:             comp.Text,
		}

		// UPDATE runs at every checkpoint.
		reading, err := c.opts.Interpreter.Interpret(ctx, t.mode, comp.Text, c.workspace.Current())
		if err != nil {
			c.pause(t)
			return TurnResult{}, fmt.Errorf("interpret checkpoint %d: %w", cp.Index, err)
		}
		// A generated segment is committed even if the turn is cancelled meanwhile.
		ws, err := c.workspace.Revise(context.WithoutCancel(ctx), string(t.mode), reading.Update)
		if err != nil {
			c.pause(t)
			return TurnResult{}, fmt.Errorf("revise workspace at checkpoint %d: %w", cp.Index, err)
		}

		t.checkpoints = append(t.checkpoints, cp)
		t.tokens += tokens
		t.sinceRetrieval += tokens
		if t.mode.Delivers() {
			t.segments = append(t.segments, reading.Text)
		}
		if (t.mode == Plan || t.mode == Reflect) && reading.Update.CommitsPlan() {
			t.planCommitted = true
		}

		asked := c.workspace.ClarificationPending() || t.asked
		d := Transition(t.mode, Signals{
			Confidence:         ws.Confidence,
			ClarificationAsked: asked,
			PlanCommitted:      t.planCommitted,
			Contradiction:      reading.Contradiction,
			ReflectionsLeft:    t.reflections < c.opts.MaxReflections,
			Finished:           comp.Finished,
		})
		log.Debug("checkpoint",
			zap.Int("index", cp.Index),
			zap.String("mode", string(t.mode)),
			zap.String("next", string(d.Next)),
			zap.Int("tokens", tokens),
			zap.Bool("boundary", cp.SemanticBoundary))

		if d.Deliver {
			return c.finish(ctx, t, t.mode, false), nil
		}
		switch {
		case d.Retract && len(t.segments) > 0:
			t.segments = t.segments[:len(t.segments)-1]
		case d.Next == Question && t.mode != Question:
			// A clarifying request replaces any partial answer.
			t.segments = nil
			t.asked = true
		}
		if d.Next == Reflect {
			t.reflections++
		}

		if t.sinceRetrieval >= c.opts.RetrievalEveryTokens {
			t.sinceRetrieval = 0
			c.retrieve(ctx, t, strings.TrimSpace(ws.Plan+"\n"+reading.Text))
		}
		t.mode = d.Next
		t.modes = append(t.modes, d.Next)
	}
}

func (c *Controller) finish(ctx context.Context, t *turn, delivered Mode, truncated bool) TurnResult {
	c.mu.Lock()
	c.mode = Interpret
	c.paused = nil
	c.mu.Unlock()

	if delivered == Question || delivered == Execute {
		if err := c.workspace.SetClarificationPending(context.WithoutCancel(ctx), delivered == Question); err != nil {
			c.opts.Logger.Warn("record clarification state", zap.String("session", c.store.SessionID()), zap.Error(err))
		}
	}

	return TurnResult{
		Output:      strings.TrimSpace(t.partial()),
		Delivered:   delivered,
		Modes:       t.modes,
		Checkpoints: t.checkpoints,
		Tokens:      t.tokens,
		Recalled:    t.recalled,
		Truncated:   truncated,
	}
}

func (c *Controller) setMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// retrieve populates recall when the planner asks for it. A failed lookup
// never blocks the turn; the gap is recorded as an open question.
func (c *Controller) retrieve(ctx context.Context, t *turn, text string) {
	planner := c.opts.Planner
	if planner == nil || planner.Retriever == nil {
		return
	}
	log := c.opts.Logger.With(zap.String("session", c.store.SessionID()))

	plan := planner.Plan(text, c.visible())
	if !plan.Needed {
		recall, err := c.store.Get(memory.SectionRecall)
		if err == nil && len(recall) > 0 && !Relevant(recall, c.workspace.Current().Plan) {
			if err := c.store.Replace(ctx, memory.SectionRecall, nil); err != nil {
				log.Warn("clear stale recall", zap.Error(err))
			}
		}
		return
	}

	entries, err := planner.Fetch(ctx, plan)
	if len(entries) > 0 {
		if rerr := c.store.Replace(ctx, memory.SectionRecall, entries); rerr != nil {
			log.Warn("store recall", zap.Error(rerr))
		} else {
			t.recalled = true
		}
	}
	if err != nil {
		log.Warn("retrieval failed, continuing without recall", zap.String("query", plan.Query), zap.Error(err))
		gap := workspace.Update{AddOpenQuestions: []string{"recall unavailable: " + plan.Query}}
		if _, err := c.workspace.Revise(ctx, "retrieval", gap); err != nil {
			log.Warn("record retrieval gap", zap.Error(err))
		}
	}
}

// visible is the text of short-term and working memory, minus the newest
// user message, which is what retrieval is deciding about.
func (c *Controller) visible() string {
	var b strings.Builder
	short, _ := c.store.Get(memory.SectionShortTerm)
	working, _ := c.store.Get(memory.SectionWorking)
	if n := len(working); n > 0 && working[n-1].Role == memory.RoleUser {
		working = working[:n-1]
	}
	for _, m := range append(short, working...) {
		b.WriteString(m.CompressedOr())
		b.WriteByte('\n')
	}
	return b.String()
}

func (t *turn) partial() string {
	return strings.Join(t.segments, "")
}
