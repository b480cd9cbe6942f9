package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultWorkingCapacity   = 10
	DefaultWorkingDropChunk  = 2
	DefaultShortTermCapacity = 30
	DefaultRecallCapacity    = 5
)

var varRegex = regexp.MustCompile(`<([A-Z][A-Z0-9_]*)>`)

type StoreOptions struct {
	WorkingCapacity   int
	WorkingDropChunk  int
	ShortTermCapacity int
	RecallCapacity    int
	Logger            *zap.Logger
	Now               func() time.Time
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.WorkingCapacity <= 0 {
		o.WorkingCapacity = DefaultWorkingCapacity
	}
	if o.WorkingDropChunk <= 0 {
		o.WorkingDropChunk = DefaultWorkingDropChunk
	}
	if o.WorkingDropChunk > o.WorkingCapacity {
		o.WorkingDropChunk = o.WorkingCapacity
	}
	if o.ShortTermCapacity <= 0 {
		o.ShortTermCapacity = DefaultShortTermCapacity
	}
	if o.RecallCapacity <= 0 {
		o.RecallCapacity = DefaultRecallCapacity
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// StoreResolver hands out the section store of a session.
type StoreResolver interface {
	Store(ctx context.Context, sessionID string) (*Store, error)
}

// Store holds the five context sections of one session. Every mutation is
// persisted as a snapshot before it becomes visible; a failed persist leaves
// the sections unchanged.
type Store struct {
	mu        sync.RWMutex
	sessionID string
	storage   Storage
	opts      StoreOptions
	sections  map[Section][]Message
	vars      map[string]string
	applied   string
}

type storeSnapshot struct {
	Sections map[Section][]Message `json:"sections"`
	Vars     map[string]string     `json:"vars,omitempty"`
	Applied  string                `json:"applied_record,omitempty"`
}

// SectionsKey is the storage key of a session's section snapshot.
func SectionsKey(sessionID string) string {
	return "sessions/" + sessionID + "/sections"
}

// OpenStore loads the session's snapshot from storage. A snapshot that cannot
// be decoded is moved aside to <key>.bad and the store starts empty.
func OpenStore(ctx context.Context, sessionID string, storage Storage, opts StoreOptions) (*Store, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("open store: empty session id")
	}
	if storage == nil {
		return nil, fmt.Errorf("open store: nil storage")
	}
	s := &Store{
		sessionID: sessionID,
		storage:   storage,
		opts:      opts.withDefaults(),
		sections:  emptySections(),
		vars:      map[string]string{},
	}

	key := SectionsKey(sessionID)
	blob, err := storage.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sections: %w", err)
	}
	var snap storeSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		s.opts.Logger.Warn("corrupt section snapshot moved aside", zap.String("session", sessionID), zap.Error(err))
		if err := MoveAside(ctx, storage, key, blob); err != nil {
			return nil, fmt.Errorf("move corrupt sections aside: %w", err)
		}
		return s, nil
	}
	for name, msgs := range snap.Sections {
		if _, err := ParseSection(string(name)); err != nil {
			continue
		}
		s.sections[name] = msgs
	}
	if snap.Vars != nil {
		s.vars = snap.Vars
	}
	s.applied = snap.Applied
	return s, nil
}

func emptySections() map[Section][]Message {
	m := make(map[Section][]Message, len(Sections))
	for _, name := range Sections {
		m[name] = nil
	}
	return m
}

func (s *Store) SessionID() string {
	return s.sessionID
}

// Get returns a copy of the section contents in order.
func (s *Store) Get(section Section) ([]Message, error) {
	section, err := ParseSection(string(section))
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := cloneMessages(s.sections[section])
	if section == SectionSystem {
		for i := range out {
			out[i].Raw = s.expand(out[i].Raw)
		}
	}
	return out, nil
}

// AppliedRecord is the id of the last compression record reflected in the sections.
func (s *Store) AppliedRecord() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

func (s *Store) Len(section Section) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sections[section])
}

// Tail returns the k most recent working messages.
func (s *Store) Tail(k int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	working := s.sections[SectionWorking]
	if k <= 0 {
		return nil
	}
	if k > len(working) {
		k = len(working)
	}
	return cloneMessages(working[len(working)-k:])
}

// Pending counts short-term messages that no compression has consumed yet.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.sections[SectionShortTerm] {
		if m.ArchivedIn == "" {
			n++
		}
	}
	return n
}

// Append adds msg to a section. The system section holds a single message,
// so appending to it replaces the previous one. Working overflow moves the
// oldest messages to short-term.
func (s *Store) Append(ctx context.Context, section Section, msg Message) error {
	section, err := ParseSection(string(section))
	if err != nil {
		return err
	}
	msg = msg.clone()
	msg.Section = section
	if msg.SessionID == "" {
		msg.SessionID = s.sessionID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.opts.Now()
	}

	return s.mutate(ctx, func(next map[Section][]Message) error {
		switch section {
		case SectionSystem:
			next[SectionSystem] = []Message{msg}
		case SectionRecall:
			next[SectionRecall] = capTail(append(next[SectionRecall], msg), s.opts.RecallCapacity)
		case SectionShortTerm:
			next[SectionShortTerm] = capTail(append(next[SectionShortTerm], msg), s.opts.ShortTermCapacity)
		case SectionWorking:
			next[SectionWorking] = append(next[SectionWorking], msg)
			s.cascade(next)
		default:
			next[section] = append(next[section], msg)
		}
		return nil
	})
}

// cascade moves the oldest working chunk to short-term while working is over capacity.
// Messages already consumed by a compression are dropped instead of moved.
func (s *Store) cascade(next map[Section][]Message) {
	for len(next[SectionWorking]) > s.opts.WorkingCapacity {
		chunk := s.opts.WorkingDropChunk
		moved := next[SectionWorking][:chunk]
		next[SectionWorking] = append([]Message(nil), next[SectionWorking][chunk:]...)
		for _, m := range moved {
			if m.ArchivedIn != "" {
				continue
			}
			m.Section = SectionShortTerm
			next[SectionShortTerm] = append(next[SectionShortTerm], m)
		}
	}
	if over := len(next[SectionShortTerm]) - s.opts.ShortTermCapacity; over > 0 {
		s.opts.Logger.Warn("short-term memory over capacity, dropping oldest",
			zap.String("session", s.sessionID), zap.Int("dropped", over))
		next[SectionShortTerm] = append([]Message(nil), next[SectionShortTerm][over:]...)
	}
}

func capTail(msgs []Message, limit int) []Message {
	if limit > 0 && len(msgs) > limit {
		return append([]Message(nil), msgs[len(msgs)-limit:]...)
	}
	return msgs
}

// Replace swaps the whole contents of long_term or recall.
func (s *Store) Replace(ctx context.Context, section Section, items []Message) error {
	section, err := ParseSection(string(section))
	if err != nil {
		return err
	}
	if section != SectionLongTerm && section != SectionRecall {
		return ErrReplaceNotAllowed
	}
	items = cloneMessages(items)
	now := s.opts.Now()
	for i := range items {
		items[i].Section = section
		if items[i].SessionID == "" {
			items[i].SessionID = s.sessionID
		}
		if items[i].Timestamp.IsZero() {
			items[i].Timestamp = now
		}
	}
	if section == SectionRecall {
		items = capTail(items, s.opts.RecallCapacity)
	}
	return s.mutate(ctx, func(next map[Section][]Message) error {
		next[section] = items
		return nil
	})
}

// Remove drops messages with the given log ids from short-term and working.
func (s *Store) Remove(ctx context.Context, ids ...int64) error {
	drop := idSet(ids)
	return s.mutate(ctx, func(next map[Section][]Message) error {
		for _, section := range []Section{SectionShortTerm, SectionWorking} {
			next[section] = filterMessages(next[section], func(m Message) bool {
				_, gone := drop[m.ID]
				return !gone
			})
		}
		return nil
	})
}

// SetCompressed mirrors a back-filled compressed form into the section copy of a message.
func (s *Store) SetCompressed(ctx context.Context, id int64, content string) error {
	return s.mutate(ctx, func(next map[Section][]Message) error {
		found := false
		for _, section := range []Section{SectionShortTerm, SectionWorking} {
			for i := range next[section] {
				m := &next[section][i]
				if m.ID != id {
					continue
				}
				found = true
				if m.Compressed != nil {
					if *m.Compressed != content {
						return ErrAlreadyCompressed
					}
					continue
				}
				c := content
				m.Compressed = &c
			}
		}
		if !found {
			return ErrNotFound
		}
		return nil
	})
}

// ApplyCompression installs a new long-term summary and reflects the consumed
// batch: consumed short-term messages leave the section, consumed working
// messages stay with their compressed form and are dropped on overflow.
func (s *Store) ApplyCompression(ctx context.Context, summary string, consumed []Message, recordID string) error {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return fmt.Errorf("apply compression: empty summary")
	}
	byID := make(map[int64]Message, len(consumed))
	for _, m := range consumed {
		byID[m.ID] = m
	}
	now := s.opts.Now()
	return s.mutateApplied(ctx, recordID, func(next map[Section][]Message) error {
		next[SectionLongTerm] = []Message{{
			SessionID: s.sessionID,
			Role:      RoleMemory,
			Timestamp: now,
			Raw:       summary,
			Section:   SectionLongTerm,
		}}
		next[SectionShortTerm] = filterMessages(next[SectionShortTerm], func(m Message) bool {
			_, gone := byID[m.ID]
			return !gone
		})
		for i := range next[SectionWorking] {
			m := &next[SectionWorking][i]
			src, ok := byID[m.ID]
			if !ok {
				continue
			}
			m.ArchivedIn = recordID
			if m.Compressed == nil && src.Compressed != nil {
				c := *src.Compressed
				m.Compressed = &c
			}
		}
		return nil
	})
}

// LongTermSummary joins the long-term section into one text.
func (s *Store) LongTermSummary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parts := make([]string, 0, len(s.sections[SectionLongTerm]))
	for _, m := range s.sections[SectionLongTerm] {
		if t := strings.TrimSpace(m.Raw); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// SetVar sets a <NAME> placeholder substituted into the system message.
func (s *Store) SetVar(ctx context.Context, name, value string) error {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("set var: empty name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vars := make(map[string]string, len(s.vars)+1)
	for k, v := range s.vars {
		vars[k] = v
	}
	vars[name] = value
	if err := s.persist(ctx, s.sections, vars, s.applied); err != nil {
		return err
	}
	s.vars = vars
	return nil
}

func (s *Store) expand(text string) string {
	if len(s.vars) == 0 {
		return text
	}
	return varRegex.ReplaceAllStringFunc(text, func(m string) string {
		if v, ok := s.vars[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// Sizes reports the byte size of each section's rendered content.
func (s *Store) Sizes() map[Section]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Section]int, len(Sections))
	for _, name := range Sections {
		n := 0
		for _, m := range s.sections[name] {
			if name == SectionSystem {
				n += len(s.expand(m.Raw))
				continue
			}
			n += len(m.Raw)
		}
		out[name] = n
	}
	return out
}

func (s *Store) mutate(ctx context.Context, fn func(next map[Section][]Message) error) error {
	return s.mutateApplied(ctx, "", fn)
}

func (s *Store) mutateApplied(ctx context.Context, recordID string, fn func(next map[Section][]Message) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[Section][]Message, len(s.sections))
	for name, msgs := range s.sections {
		next[name] = cloneMessages(msgs)
	}
	if err := fn(next); err != nil {
		return err
	}
	applied := s.applied
	if recordID != "" {
		applied = recordID
	}
	if err := s.persist(ctx, next, s.vars, applied); err != nil {
		return err
	}
	s.sections = next
	s.applied = applied
	return nil
}

func (s *Store) persist(ctx context.Context, sections map[Section][]Message, vars map[string]string, applied string) error {
	blob, err := json.Marshal(storeSnapshot{Sections: sections, Vars: vars, Applied: applied})
	if err != nil {
		return fmt.Errorf("encode sections: %w", err)
	}
	if err := s.storage.Persist(ctx, SectionsKey(s.sessionID), blob); err != nil {
		return fmt.Errorf("persist sections: %w", err)
	}
	return nil
}

func idSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func filterMessages(msgs []Message, keep func(Message) bool) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}
