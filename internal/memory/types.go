package memory

import (
	"strings"
	"time"
)

// Role is the speaker of a logged message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleMemory marks derived entries (long-term summaries, recall hits).
	RoleMemory Role = "memory"
)

// Section names one of the fixed context sections.
type Section string

const (
	SectionSystem    Section = "system"
	SectionLongTerm  Section = "long_term"
	SectionShortTerm Section = "short_term"
	SectionRecall    Section = "recall"
	SectionWorking   Section = "working"
)

// Sections lists every section in assembled-context order.
var Sections = []Section{
	SectionSystem,
	SectionLongTerm,
	SectionShortTerm,
	SectionRecall,
	SectionWorking,
}

// ParseSection validates a section name.
func ParseSection(name string) (Section, error) {
	s := Section(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Sections {
		if s == known {
			return s, nil
		}
	}
	return "", &InvalidSectionError{Section: name}
}

// Message is a logged turn or a derived summary held in a section.
// Derived entries have ID 0.
type Message struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	Role       Role      `json:"role"`
	Timestamp  time.Time `json:"timestamp"`
	Raw        string    `json:"raw_content"`
	Compressed *string   `json:"compressed_content,omitempty"`
	Section    Section   `json:"section,omitempty"`
	ArchivedIn string    `json:"archived_in,omitempty"`
}

// HasCompressed reports whether compressed content was back-filled.
func (m Message) HasCompressed() bool {
	return m.Compressed != nil
}

// CompressedOr returns the compressed content when present, otherwise the raw content.
func (m Message) CompressedOr() string {
	if m.Compressed != nil && strings.TrimSpace(*m.Compressed) != "" {
		return *m.Compressed
	}
	return m.Raw
}

func (m Message) clone() Message {
	out := m
	if m.Compressed != nil {
		c := *m.Compressed
		out.Compressed = &c
	}
	return out
}

// CompressionRecord links a long-term summary to the exact messages it consumed.
type CompressionRecord struct {
	ID                  string    `json:"id"`
	SessionID           string    `json:"session_id"`
	SourceMessageIDs    []int64   `json:"source_message_ids"`
	ProducedSummary     string    `json:"produced_summary"`
	KnowledgePrefixHash string    `json:"knowledge_prefix_hash"`
	ArchiveKey          string    `json:"archive_key"`
	CreatedAt           time.Time `json:"created_at"`
}

// RetrievalScope selects the source a retrieval searches.
type RetrievalScope string

const (
	ScopeCompressed RetrievalScope = "compressed"
	ScopeRaw        RetrievalScope = "raw"
	ScopeExternal   RetrievalScope = "external"
)

// Result is one ranked retrieval hit.
type Result struct {
	Scope     RetrievalScope `json:"scope"`
	Ref       string         `json:"ref"`
	Content   string         `json:"content"`
	Score     float64        `json:"score"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	Messages   int
	Archived   int
	Compressed int
	Records    int
}
