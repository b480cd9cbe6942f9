package assembler

import (
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/memorizer/internal/memory"
)

const (
	TimeLayout = "2006-01-02 15:04"

	LongTermHeading  = "#Long-term memory"
	ShortTermHeading = "#Short-term memory"
	RecallHeading    = "#Recall memory"
	WorkspaceHeading = "#Workspace (DO NOT expose unless asked!)"
)

// Block names a slot of the assembled payload.
type Block string

const (
	BlockSystem    Block = "system"
	BlockLongTerm  Block = "long_term"
	BlockShortTerm Block = "short_term"
	BlockRecall    Block = "recall"
	BlockWorkspace Block = "workspace"
	BlockWorking   Block = "working"
	BlockPartial   Block = "partial"
)

// Message is one rendered chat message.
type Message struct {
	Role    memory.Role
	Content string
	Block   Block
}

// Payload is the ordered context for one model invocation.
type Payload struct {
	Messages []Message
}

// SectionOrder lists the blocks present in the payload, in order.
func (p Payload) SectionOrder() []Block {
	out := make([]Block, 0, 7)
	for _, m := range p.Messages {
		if len(out) == 0 || out[len(out)-1] != m.Block {
			out = append(out, m.Block)
		}
	}
	return out
}

// Has reports whether a block was rendered.
func (p Payload) Has(b Block) bool {
	for _, m := range p.Messages {
		if m.Block == b {
			return true
		}
	}
	return false
}

// Sections is the read side of memory.Store.
type Sections interface {
	Get(section memory.Section) ([]memory.Message, error)
}

// View is everything the assembler renders for one invocation.
type View struct {
	Sections  Sections
	Workspace string
	Directive string
	// Partial is assistant output produced so far this turn, continued by the model.
	Partial string
}

type Options struct {
	// TailSize is the number of most recent working messages rendered verbatim.
	TailSize int
	Now      func() time.Time
	Location *time.Location
}

// Assembler renders sections into a payload. Output depends only on its inputs and the clock.
type Assembler struct {
	opts Options
}

func New(opts Options) *Assembler {
	if opts.TailSize < 0 {
		opts.TailSize = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Assembler{opts: opts}
}

// Assemble produces the payload in fixed order: system, long-term, short-term,
// recall (only when populated), workspace, working, and the partial continuation.
func (a *Assembler) Assemble(v View) (Payload, error) {
	if v.Sections == nil {
		return Payload{}, fmt.Errorf("assemble: nil sections")
	}
	get := func(s memory.Section) ([]memory.Message, error) {
		msgs, err := v.Sections.Get(s)
		if err != nil {
			return nil, fmt.Errorf("assemble %s: %w", s, err)
		}
		return msgs, nil
	}

	out := make([]Message, 0, 32)

	system, err := get(memory.SectionSystem)
	if err != nil {
		return Payload{}, err
	}
	systemText := ""
	if len(system) > 0 {
		systemText = system[len(system)-1].Raw
	}
	out = append(out, Message{Role: memory.RoleSystem, Content: systemText, Block: BlockSystem})

	longTerm, err := get(memory.SectionLongTerm)
	if err != nil {
		return Payload{}, err
	}
	out = append(out, Message{Role: memory.RoleSystem, Content: headed(LongTermHeading, joinRaw(longTerm)), Block: BlockLongTerm})

	shortTerm, err := get(memory.SectionShortTerm)
	if err != nil {
		return Payload{}, err
	}
	out = append(out, Message{Role: memory.RoleSystem, Content: ShortTermHeading, Block: BlockShortTerm})
	for _, m := range shortTerm {
		out = append(out, Message{Role: chatRole(m.Role), Content: a.stamp(m.Timestamp, m.CompressedOr()), Block: BlockShortTerm})
	}

	recall, err := get(memory.SectionRecall)
	if err != nil {
		return Payload{}, err
	}
	if len(recall) > 0 {
		lines := make([]string, 0, len(recall))
		for _, m := range recall {
			lines = append(lines, "- "+strings.TrimSpace(m.Raw))
		}
		out = append(out, Message{Role: memory.RoleSystem, Content: headed(RecallHeading, strings.Join(lines, "\n")), Block: BlockRecall})
	}

	ws := strings.TrimSpace(v.Workspace)
	if d := strings.TrimSpace(v.Directive); d != "" {
		ws = strings.TrimSpace(ws + "\n\n" + d)
	}
	out = append(out, Message{Role: memory.RoleSystem, Content: headed(WorkspaceHeading, ws), Block: BlockWorkspace})

	working, err := get(memory.SectionWorking)
	if err != nil {
		return Payload{}, err
	}
	out = append(out, a.renderWorking(working)...)

	if p := v.Partial; strings.TrimSpace(p) != "" {
		out = append(out, Message{Role: memory.RoleAssistant, Content: p, Block: BlockPartial})
	}
	return Payload{Messages: out}, nil
}

// renderWorking keeps the tail verbatim and serves older messages from their
// compressed form when it exists. The last message carries the current time,
// the one before it no timestamp, older ones their own.
func (a *Assembler) renderWorking(working []memory.Message) []Message {
	n := len(working)
	tailStart := n - a.opts.TailSize
	out := make([]Message, 0, n)
	for i, m := range working {
		content := m.Raw
		if i < tailStart {
			content = m.CompressedOr()
		}
		switch {
		case i == n-1:
			content = a.stamp(a.opts.Now(), content)
		case i < n-2:
			content = a.stamp(m.Timestamp, content)
		}
		out = append(out, Message{Role: chatRole(m.Role), Content: content, Block: BlockWorking})
	}
	return out
}

func (a *Assembler) stamp(ts time.Time, content string) string {
	if ts.IsZero() {
		return content
	}
	return ts.In(a.opts.Location).Format(TimeLayout) + "\n\n" + content
}

func headed(heading, body string) string {
	if body == "" {
		return heading
	}
	return heading + "\n\n" + body
}

func joinRaw(msgs []memory.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if t := strings.TrimSpace(m.Raw); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

func chatRole(r memory.Role) memory.Role {
	switch r {
	case memory.RoleUser, memory.RoleAssistant:
		return r
	}
	return memory.RoleSystem
}
