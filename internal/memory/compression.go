package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMessageCompactChars = 150
	DefaultCompressWorkers     = 2
	DefaultCompressQueue       = 32
	DefaultCompressParallel    = 4
)

// Summarizer is the external summarization capability. prefix is the same for
// every call made by one Compressor.
type Summarizer interface {
	Summarize(ctx context.Context, prefix string, batch []Message, existing string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, prefix string, batch []Message, existing string) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, prefix string, batch []Message, existing string) (string, error) {
	return f(ctx, prefix, batch, existing)
}

// Compactor is optionally implemented by a Summarizer that compresses a
// single message differently from a whole batch.
type Compactor interface {
	Compact(ctx context.Context, prefix string, msg Message) (string, error)
}

// MessageLog is the part of Engine the compressor depends on.
type MessageLog interface {
	Pending(ctx context.Context, sessionID string, before int64) ([]Message, error)
	Finalize(ctx context.Context, batch []Message, recordID string) error
	Sessions(ctx context.Context) ([]string, error)
}

type CompressorOptions struct {
	// Prefix is the fixed knowledge prefix passed to every summarization.
	Prefix              string
	TailSize            int
	MessageCompactChars int
	Workers             int
	QueueSize           int
	Parallel            int
	Filter              Filter
	Archive             *Archive
	Logger              *zap.Logger
	Now                 func() time.Time
	// OnCommit runs after a record has been committed.
	OnCommit func(CompressionRecord)
}

// RunResult describes one compression attempt.
type RunResult struct {
	SessionID string
	Record    *CompressionRecord
	// Coalesced is set when another run for the session was already active.
	Coalesced bool
	// Skipped is set when there was nothing to compress.
	Skipped bool
}

// Compressor consolidates logged history into long-term memory. At most one
// run per session is active; concurrent triggers for a busy session are no-ops.
type Compressor struct {
	log        MessageLog
	storage    Storage
	stores     StoreResolver
	summarizer Summarizer
	filter     Filter
	archive    *Archive
	opts       CompressorOptions
	logger     *zap.Logger
	prefixHash string

	mu       sync.Mutex
	inflight map[string]struct{}
	queued   map[string]struct{}
	queue    chan string
	cancel   context.CancelFunc
	running  bool
	wg       sync.WaitGroup
}

func NewCompressor(log MessageLog, storage Storage, stores StoreResolver, summarizer Summarizer, opts CompressorOptions) (*Compressor, error) {
	if log == nil || storage == nil || stores == nil || summarizer == nil {
		return nil, fmt.Errorf("new compressor: log, storage, stores and summarizer are required")
	}
	if opts.MessageCompactChars <= 0 {
		opts.MessageCompactChars = DefaultMessageCompactChars
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultCompressWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultCompressQueue
	}
	if opts.Parallel <= 0 {
		opts.Parallel = DefaultCompressParallel
	}
	if opts.Filter == nil {
		opts.Filter = NoveltyFilter{Threshold: DefaultNoveltyThreshold}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	archive := opts.Archive
	if archive == nil {
		var err error
		archive, err = NewArchive(storage, 0)
		if err != nil {
			return nil, err
		}
	}
	return &Compressor{
		log:        log,
		storage:    storage,
		stores:     stores,
		summarizer: summarizer,
		filter:     opts.Filter,
		archive:    archive,
		opts:       opts,
		logger:     opts.Logger,
		prefixHash: PrefixHash(opts.Prefix),
		inflight:   make(map[string]struct{}),
		queued:     make(map[string]struct{}),
	}, nil
}

// PrefixHash is the hex sha256 of a knowledge prefix.
func PrefixHash(prefix string) string {
	sum := sha256.Sum256([]byte(prefix))
	return hex.EncodeToString(sum[:])
}

func (c *Compressor) Archive() *Archive {
	return c.archive
}

// RecordKey orders records of a session by the highest message id they consumed.
func RecordKey(sessionID string, maxMessageID int64) string {
	return fmt.Sprintf("records/%s/%020d", sessionID, maxMessageID)
}

func (c *Compressor) acquire(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[sessionID]; busy {
		return false
	}
	c.inflight[sessionID] = struct{}{}
	return true
}

func (c *Compressor) release(sessionID string) {
	c.mu.Lock()
	delete(c.inflight, sessionID)
	c.mu.Unlock()
}

// Run compresses the session's pending batch synchronously.
func (c *Compressor) Run(ctx context.Context, sessionID string) (RunResult, error) {
	if !c.acquire(sessionID) {
		c.logger.Debug("compression coalesced", zap.String("session", sessionID))
		return RunResult{SessionID: sessionID, Coalesced: true}, nil
	}
	defer c.release(sessionID)
	return c.run(ctx, sessionID)
}

func (c *Compressor) run(ctx context.Context, sessionID string) (RunResult, error) {
	result := RunResult{SessionID: sessionID}
	fail := func(stage string, err error) (RunResult, error) {
		return result, &CompressionFailure{SessionID: sessionID, Stage: stage, Err: err}
	}

	store, err := c.stores.Store(ctx, sessionID)
	if err != nil {
		return fail("open", err)
	}
	if err := c.reconcile(ctx, sessionID, store); err != nil {
		return fail("reconcile", err)
	}

	// The batch is fixed here; messages logged from now on wait for the next run.
	var before int64
	if tail := store.Tail(c.opts.TailSize); len(tail) > 0 && tail[0].ID > 0 {
		before = tail[0].ID
	}
	batch, err := c.log.Pending(ctx, sessionID, before)
	if err != nil {
		return fail("select", err)
	}
	if len(batch) == 0 {
		result.Skipped = true
		return result, nil
	}

	for i := range batch {
		if batch[i].Compressed != nil {
			continue
		}
		compact, err := c.compact(ctx, batch[i])
		if err != nil {
			return fail("compact", err)
		}
		batch[i].Compressed = &compact
	}

	existing := store.LongTermSummary()
	candidate, err := c.summarizer.Summarize(ctx, c.opts.Prefix, batch, existing)
	if err != nil {
		return fail("summarize", err)
	}
	if strings.TrimSpace(candidate) == "" {
		return fail("validate", errors.New("empty candidate summary"))
	}
	merged := strings.TrimSpace(c.filter.Filter(existing, candidate))
	if merged == "" {
		return fail("merge", errors.New("empty merged summary"))
	}

	ids := make([]int64, 0, len(batch))
	for _, m := range batch {
		ids = append(ids, m.ID)
	}
	recordID := uuid.NewString()
	rec := CompressionRecord{
		ID:                  recordID,
		SessionID:           sessionID,
		SourceMessageIDs:    ids,
		ProducedSummary:     merged,
		KnowledgePrefixHash: c.prefixHash,
		ArchiveKey:          ArchiveKey(sessionID, recordID),
		CreatedAt:           c.opts.Now().UTC(),
	}

	// Once the record is written the run is committed; later steps are replayed by reconcile if interrupted.
	commitCtx := context.WithoutCancel(ctx)
	if err := c.archive.Persist(commitCtx, rec.ArchiveKey, batch); err != nil {
		return fail("archive", err)
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		_ = c.storage.Delete(commitCtx, rec.ArchiveKey)
		return fail("record", err)
	}
	if err := c.storage.Persist(commitCtx, RecordKey(sessionID, ids[len(ids)-1]), blob); err != nil {
		_ = c.storage.Delete(commitCtx, rec.ArchiveKey)
		return fail("record", err)
	}
	if err := c.apply(commitCtx, store, rec, batch); err != nil {
		c.logger.Warn("compression committed but not applied, will reconcile",
			zap.String("session", sessionID), zap.String("record", rec.ID), zap.Error(err))
	}

	c.logger.Info("compression committed",
		zap.String("session", sessionID),
		zap.String("record", rec.ID),
		zap.Int("messages", len(ids)),
		zap.Int("summary_bytes", len(merged)),
	)
	if c.opts.OnCommit != nil {
		c.opts.OnCommit(rec)
	}
	result.Record = &rec
	return result, nil
}

// compact gives one message its compressed form. Short messages keep their raw text.
func (c *Compressor) compact(ctx context.Context, msg Message) (string, error) {
	if utf8.RuneCountInString(msg.Raw) < c.opts.MessageCompactChars {
		return msg.Raw, nil
	}
	var (
		out string
		err error
	)
	if cp, ok := c.summarizer.(Compactor); ok {
		out, err = cp.Compact(ctx, c.opts.Prefix, msg)
	} else {
		out, err = c.summarizer.Summarize(ctx, c.opts.Prefix, []Message{msg}, "")
	}
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(strings.ToValidUTF8(out, "\uFFFD"))
	if out == "" {
		return "", fmt.Errorf("empty compaction for message %d", msg.ID)
	}
	return out, nil
}

// apply runs the post-commit steps: archive in the log, update sections, index the raw batch.
func (c *Compressor) apply(ctx context.Context, store *Store, rec CompressionRecord, batch []Message) error {
	if err := c.log.Finalize(ctx, batch, rec.ID); err != nil && !errors.Is(err, ErrAlreadyArchived) {
		return fmt.Errorf("finalize batch: %w", err)
	}
	if err := store.ApplyCompression(ctx, rec.ProducedSummary, batch, rec.ID); err != nil {
		return fmt.Errorf("apply to sections: %w", err)
	}
	if err := c.archive.Index(rec.ArchiveKey, batch); err != nil {
		return fmt.Errorf("index archive: %w", err)
	}
	return nil
}

// reconcile finishes a committed record whose post-commit steps were interrupted.
func (c *Compressor) reconcile(ctx context.Context, sessionID string, store *Store) error {
	rec, err := c.latestRecord(ctx, sessionID)
	if err != nil || rec == nil {
		return err
	}
	batch, err := c.archive.Load(ctx, rec.ArchiveKey)
	if err != nil {
		return fmt.Errorf("load archive %s: %w", rec.ArchiveKey, err)
	}
	if len(batch) == 0 {
		return nil
	}
	pending, err := c.log.Pending(ctx, sessionID, batch[len(batch)-1].ID+1)
	if err != nil {
		return err
	}
	want := idSet(rec.SourceMessageIDs)
	unarchived := filterMessages(pending, func(m Message) bool {
		_, ok := want[m.ID]
		return ok
	})
	if len(unarchived) == 0 && store.AppliedRecord() == rec.ID {
		return nil
	}
	c.logger.Info("reconciling interrupted compression", zap.String("session", sessionID), zap.String("record", rec.ID))
	byID := make(map[int64]Message, len(batch))
	for _, m := range batch {
		byID[m.ID] = m
	}
	fill := make([]Message, 0, len(unarchived))
	for _, m := range unarchived {
		if archived, ok := byID[m.ID]; ok && m.Compressed == nil {
			m.Compressed = archived.Compressed
		}
		fill = append(fill, m)
	}
	if len(fill) > 0 {
		if err := c.log.Finalize(ctx, fill, rec.ID); err != nil {
			return err
		}
	}
	if store.AppliedRecord() != rec.ID {
		if err := store.ApplyCompression(ctx, rec.ProducedSummary, batch, rec.ID); err != nil {
			return err
		}
	}
	return c.archive.Index(rec.ArchiveKey, batch)
}

func (c *Compressor) latestRecord(ctx context.Context, sessionID string) (*CompressionRecord, error) {
	keys, err := c.storage.Keys(ctx, "records/"+sessionID+"/")
	if err != nil {
		return nil, err
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if strings.HasSuffix(keys[i], ".bad") {
			continue
		}
		rec, err := c.loadRecord(ctx, keys[i])
		if err != nil {
			return nil, err
		}
		return &rec, nil
	}
	return nil, nil
}

func (c *Compressor) loadRecord(ctx context.Context, key string) (CompressionRecord, error) {
	blob, err := c.storage.Load(ctx, key)
	if err != nil {
		return CompressionRecord{}, err
	}
	var rec CompressionRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return CompressionRecord{}, fmt.Errorf("decode record %s: %w", key, err)
	}
	return rec, nil
}

// Records lists the session's compression records, oldest first.
func (c *Compressor) Records(ctx context.Context, sessionID string) ([]CompressionRecord, error) {
	keys, err := c.storage.Keys(ctx, "records/"+sessionID+"/")
	if err != nil {
		return nil, err
	}
	out := make([]CompressionRecord, 0, len(keys))
	for _, key := range keys {
		if strings.HasSuffix(key, ".bad") {
			continue
		}
		rec, err := c.loadRecord(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// LoadArchive returns the raw messages a record consumed.
func (c *Compressor) LoadArchive(ctx context.Context, rec CompressionRecord) ([]Message, error) {
	return c.archive.Load(ctx, rec.ArchiveKey)
}

// RunAll compresses every logged session, a bounded number at a time. Failures
// for one session do not stop the others; they are joined into the returned error.
func (c *Compressor) RunAll(ctx context.Context) ([]RunResult, error) {
	sessions, err := c.log.Sessions(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		results  = make([]RunResult, 0, len(sessions))
		failures []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Parallel)
	for _, id := range sessions {
		g.Go(func() error {
			res, err := c.Run(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
			if err != nil {
				failures = append(failures, err)
				c.logger.Warn("compression failed", zap.String("session", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].SessionID < results[j].SessionID })
	return results, errors.Join(failures...)
}

// Start launches the background workers that serve Trigger.
func (c *Compressor) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.queue = make(chan string, c.opts.QueueSize)
	c.running = true
	for i := 0; i < c.opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, c.queue)
	}
}

func (c *Compressor) worker(ctx context.Context, queue <-chan string) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-queue:
			c.mu.Lock()
			delete(c.queued, id)
			c.mu.Unlock()
			res, err := c.Run(ctx, id)
			if err != nil {
				c.logger.Warn("background compression failed", zap.String("session", id), zap.Error(err))
				continue
			}
			if res.Coalesced {
				c.logger.Debug("background compression coalesced", zap.String("session", id))
			}
		}
	}
}

// Trigger queues a background run. It returns false when a run for the session
// is already active or queued, or the queue is full.
func (c *Compressor) Trigger(sessionID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false, ErrCompressorStopped
	}
	if _, busy := c.inflight[sessionID]; busy {
		return false, nil
	}
	if _, waiting := c.queued[sessionID]; waiting {
		return false, nil
	}
	select {
	case c.queue <- sessionID:
		c.queued[sessionID] = struct{}{}
		return true, nil
	default:
		c.logger.Warn("compression queue full", zap.String("session", sessionID))
		return false, nil
	}
}

// Stop cancels in-flight summarization and waits for the workers. A run past
// its commit point finishes its writes before its worker exits.
func (c *Compressor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()

	c.mu.Lock()
	c.queued = make(map[string]struct{})
	c.mu.Unlock()
}
