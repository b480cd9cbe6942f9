package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultArchiveCacheSize = 64

// Archive keeps consumed raw batches in storage and indexes them for raw-scope recall.
// The index lives in memory and is rebuilt from storage with Rebuild.
type Archive struct {
	storage Storage
	index   bleve.Index
	batches *lru.Cache[string, []Message]
}

type archiveDocument struct {
	Session   string `json:"session"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

func NewArchive(storage Storage, cacheSize int) (*Archive, error) {
	if storage == nil {
		return nil, fmt.Errorf("archive: nil storage")
	}
	if cacheSize <= 0 {
		cacheSize = defaultArchiveCacheSize
	}
	index, err := bleve.NewMemOnly(archiveMapping())
	if err != nil {
		return nil, fmt.Errorf("create archive index: %w", err)
	}
	cache, err := lru.New[string, []Message](cacheSize)
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("create archive cache: %w", err)
	}
	return &Archive{storage: storage, index: index, batches: cache}, nil
}

func archiveMapping() mapping.IndexMapping {
	session := bleve.NewTextFieldMapping()
	session.Analyzer = keyword.Name

	content := bleve.NewTextFieldMapping()
	content.Analyzer = standard.Name
	content.Store = true

	stored := bleve.NewTextFieldMapping()
	stored.Index = false
	stored.Store = true

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("session", session)
	doc.AddFieldMappingsAt("role", stored)
	doc.AddFieldMappingsAt("content", content)
	doc.AddFieldMappingsAt("timestamp", stored)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

func (a *Archive) Close() error {
	return a.index.Close()
}

// ArchiveKey is the storage key of a record's raw batch.
func ArchiveKey(sessionID, recordID string) string {
	return "archive/" + sessionID + "/" + recordID
}

// Persist writes the raw batch. It does not index it; call Index once the record is committed.
func (a *Archive) Persist(ctx context.Context, key string, batch []Message) error {
	blob, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode archive batch: %w", err)
	}
	if err := a.storage.Persist(ctx, key, blob); err != nil {
		return fmt.Errorf("persist archive batch: %w", err)
	}
	return nil
}

func (a *Archive) Index(key string, batch []Message) error {
	b := a.index.NewBatch()
	for _, msg := range batch {
		doc := archiveDocument{
			Session:   msg.SessionID,
			Role:      string(msg.Role),
			Content:   msg.Raw,
			Timestamp: msg.Timestamp.Format(time.RFC3339Nano),
		}
		if err := b.Index(fmt.Sprintf("%s#%d", key, msg.ID), doc); err != nil {
			return fmt.Errorf("index archived message %d: %w", msg.ID, err)
		}
	}
	if err := a.index.Batch(b); err != nil {
		return fmt.Errorf("index archive batch: %w", err)
	}
	a.batches.Add(key, cloneMessages(batch))
	return nil
}

// Load reads an archived batch back exactly as it was logged.
func (a *Archive) Load(ctx context.Context, key string) ([]Message, error) {
	if batch, ok := a.batches.Get(key); ok {
		return cloneMessages(batch), nil
	}
	blob, err := a.storage.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	var batch []Message
	if err := json.Unmarshal(blob, &batch); err != nil {
		return nil, fmt.Errorf("decode archive batch %s: %w", key, err)
	}
	a.batches.Add(key, batch)
	return cloneMessages(batch), nil
}

// Rebuild indexes every archived batch under prefix. Undecodable blobs are skipped and returned as an error list.
func (a *Archive) Rebuild(ctx context.Context, prefix string) (int, error) {
	keys, err := a.storage.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	indexed := 0
	var bad []string
	for _, key := range keys {
		if strings.HasSuffix(key, ".bad") {
			continue
		}
		batch, err := a.Load(ctx, key)
		if err != nil {
			bad = append(bad, key)
			continue
		}
		if err := a.Index(key, batch); err != nil {
			return indexed, err
		}
		indexed++
	}
	if len(bad) > 0 {
		return indexed, fmt.Errorf("rebuild archive index: unreadable batches %s", strings.Join(bad, ", "))
	}
	return indexed, nil
}

func (a *Archive) Search(ctx context.Context, sessionID, query string, limit int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	match := bleve.NewMatchQuery(query)
	match.SetField("content")
	session := bleve.NewTermQuery(sessionID)
	session.SetField("session")

	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(match, session), limit, 0, false)
	req.Fields = []string{"content", "timestamp"}
	res, err := a.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search archive: %w", err)
	}

	out := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		content, _ := hit.Fields["content"].(string)
		r := Result{Scope: ScopeRaw, Ref: hit.ID, Content: content, Score: hit.Score}
		if ts, ok := hit.Fields["timestamp"].(string); ok {
			r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		}
		out = append(out, r)
	}
	return out, nil
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.clone()
	}
	return out
}
