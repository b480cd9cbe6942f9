package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/memorizer/internal/memory"
	"go.uber.org/zap"
)

const DefaultMaxRevisions = 256

// Revision is one entry of the append-only revision log.
type Revision struct {
	Seq     int       `json:"seq"`
	At      time.Time `json:"at"`
	Source  string    `json:"source,omitempty"`
	Update  Update    `json:"update"`
	Changed []string  `json:"changed,omitempty"`
}

type Options struct {
	// MaxRevisions bounds the retained revision log; older entries are dropped.
	MaxRevisions int
	Logger       *zap.Logger
	Now          func() time.Time
}

// Manager is the single writer of a session's workspace.
type Manager struct {
	mu        sync.RWMutex
	sessionID string
	storage   memory.Storage
	opts      Options
	current   Workspace
	revisions []Revision
	seq       int
	clarify   bool
}

type snapshot struct {
	Current   Workspace  `json:"current"`
	Revisions []Revision `json:"revisions"`
	Seq       int        `json:"seq"`
	// ClarifyPending is set while the last delivered turn was a clarifying question.
	ClarifyPending bool `json:"clarify_pending,omitempty"`
}

// Key is the storage key of a session's workspace snapshot.
func Key(sessionID string) string {
	return "sessions/" + sessionID + "/workspace"
}

// Open loads the session's workspace or starts a fresh one. A corrupt snapshot
// is moved aside to <key>.bad.
func Open(ctx context.Context, sessionID string, storage memory.Storage, opts Options) (*Manager, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("open workspace: empty session id")
	}
	if storage == nil {
		return nil, fmt.Errorf("open workspace: nil storage")
	}
	if opts.MaxRevisions <= 0 {
		opts.MaxRevisions = DefaultMaxRevisions
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{sessionID: sessionID, storage: storage, opts: opts, current: New()}

	key := Key(sessionID)
	blob, err := storage.Load(ctx, key)
	if errors.Is(err, memory.ErrNotFound) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(blob, &snap); err != nil || (snap.Current.Confidence != "" && !snap.Current.Confidence.Valid()) {
		opts.Logger.Warn("corrupt workspace snapshot moved aside", zap.String("session", sessionID), zap.Error(err))
		if err := memory.MoveAside(ctx, storage, key, blob); err != nil {
			return nil, fmt.Errorf("move corrupt workspace aside: %w", err)
		}
		return m, nil
	}
	if snap.Current.Confidence == "" {
		snap.Current.Confidence = ConfidenceLow
	}
	m.current = snap.Current
	m.revisions = snap.Revisions
	m.seq = snap.Seq
	m.clarify = snap.ClarifyPending
	return m, nil
}

func (m *Manager) Current() Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.clone()
}

// Revise merges u into the workspace. Only the supplied fields change; the
// workspace is never replaced wholesale. An invalid confidence rejects the
// whole update.
func (m *Manager) Revise(ctx context.Context, source string, u Update) (Workspace, error) {
	if err := u.validate(); err != nil {
		return m.Current(), err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.current.clone()
	changed := u.apply(&next)
	rev := Revision{
		Seq:     m.seq + 1,
		At:      m.opts.Now(),
		Source:  source,
		Update:  u,
		Changed: changed,
	}
	revisions := append(append([]Revision(nil), m.revisions...), rev)
	if over := len(revisions) - m.opts.MaxRevisions; over > 0 {
		revisions = revisions[over:]
	}

	if err := m.persist(ctx, snapshot{Current: next, Revisions: revisions, Seq: rev.Seq, ClarifyPending: m.clarify}); err != nil {
		return m.current.clone(), err
	}
	m.current = next
	m.revisions = revisions
	m.seq = rev.Seq
	return next.clone(), nil
}

// ClarificationPending reports whether the last delivered turn asked the user
// a clarifying question that has not been followed by an answer yet.
func (m *Manager) ClarificationPending() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clarify
}

// SetClarificationPending records whether a clarifying question is outstanding.
// It survives reopening the session.
func (m *Manager) SetClarificationPending(ctx context.Context, pending bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clarify == pending {
		return nil
	}
	snap := snapshot{Current: m.current, Revisions: m.revisions, Seq: m.seq, ClarifyPending: pending}
	if err := m.persist(ctx, snap); err != nil {
		return err
	}
	m.clarify = pending
	return nil
}

func (m *Manager) persist(ctx context.Context, snap snapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode workspace: %w", err)
	}
	if err := m.storage.Persist(ctx, Key(m.sessionID), blob); err != nil {
		return fmt.Errorf("persist workspace: %w", err)
	}
	return nil
}

// Revisions returns the retained revision log, oldest first.
func (m *Manager) Revisions() []Revision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Revision(nil), m.revisions...)
}

// Render formats the current workspace for the assembled context.
func (m *Manager) Render() string {
	return m.Current().Render()
}
