package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/memorizer/internal/assembler"
	"github.com/stellarlinkco/memorizer/internal/config"
	"github.com/stellarlinkco/memorizer/internal/cron"
	"github.com/stellarlinkco/memorizer/internal/knowledge"
	"github.com/stellarlinkco/memorizer/internal/memory"
	"github.com/stellarlinkco/memorizer/internal/mode"
	"github.com/stellarlinkco/memorizer/internal/workspace"
)

const (
	// ModelVar is substituted into the system prompt as <MODEL_ID>.
	ModelVar = "MODEL_ID"

	CompressJobName = "compress-memory"
	dbFile          = "memory.db"
	filesDir        = "store"
	jobsFile        = "jobs.json"
)

// Deps are the model-backed capabilities a Manager drives.
type Deps struct {
	Completer   mode.Completer
	Summarizer  memory.Summarizer
	Interpreter mode.Interpreter
	External    memory.ExternalSource
	Prefix      knowledge.Prefix
}

type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
	// Location is the zone timestamps are rendered in.
	Location *time.Location
}

// Manager owns the message log, the snapshot storage and the background
// compression of every session in a data directory. It resolves section
// stores for the compressor so a session and its compression share one Store.
type Manager struct {
	cfg    *config.Config
	deps   Deps
	opts   Options
	logger *zap.Logger

	engine     *memory.Engine
	storage    memory.Storage
	archive    *memory.Archive
	compressor *memory.Compressor
	cron       *cron.Service
	tokens     *memory.TokenCounter

	mu       sync.Mutex
	stores   map[string]*memory.Store
	sessions map[string]*Session
	started  bool
	closed   bool
}

func NewManager(cfg *config.Config, deps Deps, opts Options) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("new session manager: nil config")
	}
	if deps.Completer == nil || deps.Summarizer == nil {
		return nil, fmt.Errorf("new session manager: completer and summarizer are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new session manager: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		cfg:      cfg,
		deps:     deps,
		opts:     opts,
		logger:   opts.Logger,
		tokens:   memory.NewTokenCounter(cfg.Memory.Tokenizer),
		stores:   make(map[string]*memory.Store),
		sessions: make(map[string]*Session),
	}

	dataDir := cfg.Memory.DataDir
	engine, err := memory.NewEngine(filepath.Join(dataDir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("create memory engine: %w", err)
	}
	m.engine = engine

	switch cfg.Memory.Storage {
	case "file":
		fs, err := memory.NewFileStorage(filepath.Join(dataDir, filesDir))
		if err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("create file storage: %w", err)
		}
		m.storage = fs
	default:
		m.storage = engine
	}

	archive, err := memory.NewArchive(m.storage, cfg.Memory.ArchiveCacheSize)
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("create archive: %w", err)
	}
	m.archive = archive

	m.compressor, err = memory.NewCompressor(engine, m.storage, m, deps.Summarizer, memory.CompressorOptions{
		Prefix:              deps.Prefix.Text,
		TailSize:            cfg.Memory.TailSize,
		MessageCompactChars: cfg.Memory.MessageCompactChars,
		Workers:             cfg.Memory.Workers,
		Filter:              memory.NoveltyFilter{Threshold: cfg.Memory.NoveltyThreshold},
		Archive:             archive,
		Logger:              m.logger.Named("compressor"),
		Now:                 opts.Now,
		OnCommit:            m.onCommit,
	})
	if err != nil {
		_ = archive.Close()
		_ = engine.Close()
		return nil, err
	}

	m.cron = cron.NewService(filepath.Join(dataDir, jobsFile), m.logger)
	m.cron.OnJob = cron.CompressionHandler(m.compressor)
	// The job keeps its ID, enabled flag and run state across restarts.
	if strings.TrimSpace(cfg.Memory.Schedule) != "" {
		schedule := cron.Schedule{Kind: cron.KindCron, Expr: cfg.Memory.Schedule}
		if _, err := m.cron.EnsureJob(CompressJobName, schedule, cron.Payload{Action: cron.ActionCompress}); err != nil {
			_ = archive.Close()
			_ = engine.Close()
			return nil, fmt.Errorf("schedule compression: %w", err)
		}
	}
	return m, nil
}

// Start rebuilds the archive index, then starts the compression workers and
// the scheduled compression job.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("start session manager: closed")
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	n, err := m.archive.Rebuild(ctx, "archive/")
	if err != nil {
		m.logger.Warn("archive index rebuilt with errors", zap.Int("indexed", n), zap.Error(err))
	} else {
		m.logger.Debug("archive index rebuilt", zap.Int("indexed", n))
	}

	m.compressor.Start(ctx)
	if err := m.cron.Start(ctx); err != nil {
		m.compressor.Stop()
		return fmt.Errorf("start cron: %w", err)
	}
	return nil
}

// Close stops background work and releases the log. In-flight compressions
// finish or abort before the log closes.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
	m.cron.Stop()
	m.compressor.Stop()
	return errors.Join(m.archive.Close(), m.engine.Close())
}

// Store implements memory.StoreResolver.
func (m *Manager) Store(ctx context.Context, sessionID string) (*memory.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stores[sessionID]; ok {
		return st, nil
	}
	st, err := memory.OpenStore(ctx, sessionID, m.storage, memory.StoreOptions{
		WorkingCapacity:   m.cfg.Memory.WorkingCapacity,
		WorkingDropChunk:  m.cfg.Memory.WorkingDropChunk,
		ShortTermCapacity: m.cfg.Memory.ShortTermCapacity,
		RecallCapacity:    m.cfg.Memory.RecallCapacity,
		Logger:            m.logger,
		Now:               m.opts.Now,
	})
	if err != nil {
		return nil, err
	}
	m.stores[sessionID] = st
	return st, nil
}

// Sessions lists the ids of every session with logged messages or an open store.
func (m *Manager) Sessions(ctx context.Context) ([]string, error) {
	ids, err := m.engine.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	m.mu.Lock()
	for id := range m.stores {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids, nil
}

// Open returns the session with id, creating it when needed. An empty id
// starts a new session.
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("open session: manager closed")
	}
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	s, err := m.newSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}
	m.sessions[id] = s
	return s, nil
}

func (m *Manager) newSession(ctx context.Context, id string) (*Session, error) {
	store, err := m.Store(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.seedSystem(ctx, store); err != nil {
		return nil, err
	}

	ws, err := workspace.Open(ctx, id, m.storage, workspace.Options{Logger: m.logger, Now: m.opts.Now})
	if err != nil {
		return nil, err
	}

	timeout, err := m.cfg.RetrievalTimeout()
	if err != nil {
		return nil, err
	}
	retriever := memory.NewSearchRetriever(memory.SearchRetrieverOptions{
		SessionID:  id,
		Compressed: m.engine,
		Archive:    m.archive,
		External:   m.deps.External,
		Timeout:    timeout,
		Limit:      m.cfg.Retrieval.Limit,
	})

	asm := assembler.New(assembler.Options{
		TailSize: m.cfg.Memory.TailSize,
		Now:      m.opts.Now,
		Location: m.opts.Location,
	})
	ctrl, err := mode.NewController(store, ws, asm, m.deps.Completer, mode.Options{
		CheckpointTokens:     m.cfg.Controller.CheckpointTokens,
		RetrievalEveryTokens: m.cfg.Controller.RetrievalEveryTokens,
		MaxTurnTokens:        m.cfg.Controller.MaxTurnTokens,
		MaxReflections:       m.cfg.Controller.MaxReflections,
		Interpreter:          m.deps.Interpreter,
		Planner: &mode.RetrievalPlanner{
			Retriever: retriever,
			Every:     m.cfg.Controller.RetrievalEveryTokens,
			External:  m.deps.External != nil,
		},
		Tokens: m.tokens,
		Logger: m.logger.With(zap.String("session", id)),
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		id:         id,
		manager:    m,
		store:      store,
		workspace:  ws,
		controller: ctrl,
		retriever:  retriever,
		logger:     m.logger.With(zap.String("session", id)),
	}, nil
}

// seedSystem installs the configured system prompt when the session has a
// different one, and keeps <MODEL_ID> current.
func (m *Manager) seedSystem(ctx context.Context, store *memory.Store) error {
	if err := store.SetVar(ctx, ModelVar, m.cfg.Agent.Model); err != nil {
		return err
	}
	prompt := strings.TrimSpace(m.cfg.Agent.SystemPrompt)
	if prompt == "" {
		return nil
	}
	current, err := store.Get(memory.SectionSystem)
	if err != nil {
		return err
	}
	if len(current) == 1 && current[0].Raw == prompt {
		return nil
	}
	return store.Append(ctx, memory.SectionSystem, memory.Message{Role: memory.RoleSystem, Raw: prompt})
}

func (m *Manager) onCommit(rec memory.CompressionRecord) {
	m.logger.Info("compression committed",
		zap.String("session", rec.SessionID),
		zap.String("record", rec.ID),
		zap.Int("messages", len(rec.SourceMessageIDs)))
	m.mu.Lock()
	s, ok := m.sessions[rec.SessionID]
	m.mu.Unlock()
	if ok {
		s.retriever.Invalidate()
	}
}

// maybeCompress queues a background run once enough short-term messages wait.
func (m *Manager) maybeCompress(store *memory.Store) {
	if store.Pending() < m.cfg.Memory.CompressThreshold {
		return
	}
	queued, err := m.compressor.Trigger(store.SessionID())
	if err != nil {
		m.logger.Debug("compression not queued", zap.String("session", store.SessionID()), zap.Error(err))
		return
	}
	if queued {
		m.logger.Debug("compression queued", zap.String("session", store.SessionID()), zap.Int("pending", store.Pending()))
	}
}

func (m *Manager) Compressor() *memory.Compressor { return m.compressor }

func (m *Manager) Engine() *memory.Engine { return m.engine }

func (m *Manager) Cron() *cron.Service { return m.cron }

func (m *Manager) PrefixHash() string { return m.deps.Prefix.Hash() }
