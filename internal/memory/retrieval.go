package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultRetrievalTimeout = 3 * time.Second
	DefaultRetrievalLimit   = 5
	retrievalCacheSize      = 256
	retrievalCacheTTL       = 2 * time.Minute
)

var (
	codeBlockRegex = regexp.MustCompile("(?s)```.*?```")
	cnWordRegex    = regexp.MustCompile(`[\p{Han}]{2,}`)
	enWordRegex    = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_\-]{2,}`)
)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "this": {}, "with": {}, "you": {},
	"are": {}, "was": {}, "what": {}, "how": {}, "why": {}, "can": {}, "will": {},
	"from": {}, "have": {}, "has": {}, "not": {}, "but": {}, "our": {}, "your": {},
}

// Retriever searches one retrieval scope and returns ranked results.
type Retriever interface {
	Retrieve(ctx context.Context, query string, scope RetrievalScope) ([]Result, error)
}

// ExternalSource is an outside data source consulted for the external scope.
type ExternalSource interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// CompressedSearcher is implemented by Engine.
type CompressedSearcher interface {
	SearchCompressed(ctx context.Context, sessionID, query string, limit int) ([]Result, error)
}

type SearchRetrieverOptions struct {
	SessionID  string
	Compressed CompressedSearcher
	Archive    *Archive
	External   ExternalSource
	Timeout    time.Duration
	Limit      int
}

// SearchRetriever serves the three scopes from the log's FTS index, the
// archive index and an optional external source. Results are cached briefly.
type SearchRetriever struct {
	opts  SearchRetrieverOptions
	cache *expirable.LRU[string, []Result]
}

func NewSearchRetriever(opts SearchRetrieverOptions) *SearchRetriever {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRetrievalTimeout
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultRetrievalLimit
	}
	return &SearchRetriever{
		opts:  opts,
		cache: expirable.NewLRU[string, []Result](retrievalCacheSize, nil, retrievalCacheTTL),
	}
}

// Invalidate drops cached results, e.g. after a compression run.
func (r *SearchRetriever) Invalidate() {
	r.cache.Purge()
}

func (r *SearchRetriever) Retrieve(ctx context.Context, query string, scope RetrievalScope) ([]Result, error) {
	query = strings.TrimSpace(query)
	key := string(scope) + "\x00" + query
	if hit, ok := r.cache.Get(key); ok {
		return append([]Result(nil), hit...), nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	type outcome struct {
		results []Result
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.search(ctx, query, scope)
		done <- outcome{results: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, &RetrievalError{
				Scope:   scope,
				Query:   query,
				Timeout: errors.Is(out.err, context.DeadlineExceeded),
				Err:     out.err,
			}
		}
		ranked := rankResults(out.results, r.opts.Limit)
		r.cache.Add(key, ranked)
		return append([]Result(nil), ranked...), nil
	case <-ctx.Done():
		return nil, &RetrievalError{
			Scope:   scope,
			Query:   query,
			Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     ctx.Err(),
		}
	}
}

func (r *SearchRetriever) search(ctx context.Context, query string, scope RetrievalScope) ([]Result, error) {
	switch scope {
	case ScopeCompressed:
		if r.opts.Compressed == nil {
			return nil, nil
		}
		return r.opts.Compressed.SearchCompressed(ctx, r.opts.SessionID, query, r.opts.Limit)
	case ScopeRaw:
		if r.opts.Archive == nil {
			return nil, nil
		}
		return r.opts.Archive.Search(ctx, r.opts.SessionID, query, r.opts.Limit)
	case ScopeExternal:
		if r.opts.External == nil {
			return nil, ErrNoExternalSource
		}
		return r.opts.External.Search(ctx, query, r.opts.Limit)
	default:
		return nil, fmt.Errorf("unknown retrieval scope %q", scope)
	}
}

// rankResults orders by score, newest first on ties, and trims to limit.
func rankResults(results []Result, limit int) []Result {
	out := append([]Result(nil), results...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ShouldRetrieve reports whether text looks like it refers back to remembered facts.
func ShouldRetrieve(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 5 {
		return false
	}
	if isMainlyCode(trimmed) {
		return false
	}

	lower := strings.ToLower(trimmed)
	skip := []string{"continue", "ok", "okay", "yes", "no", "继续", "好的", "确认"}
	for _, s := range skip {
		if lower == s {
			return false
		}
	}

	triggers := []string{
		"remember", "last time", "earlier", "before", "previously", "yesterday",
		"my ", "prefer", "favorite", "setting", "config", "as i said", "we discussed",
		"我的", "我之前", "你记得", "上次", "之前", "昨天", "喜欢", "设置", "配置",
	}
	for _, t := range triggers {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// NeedsDetail reports whether text asks for verbatim or exact detail, which compressed memory cannot provide.
func NeedsDetail(text string) bool {
	lower := strings.ToLower(text)
	cues := []string{"exact", "verbatim", "word for word", "precisely", "quote", "original", "原文", "原话", "具体"}
	for _, c := range cues {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

func isMainlyCode(msg string) bool {
	if codeBlockRegex.MatchString(msg) {
		return true
	}
	punct := 0
	for _, r := range msg {
		switch r {
		case '{', '}', '(', ')', '[', ']', ';', '=', '<', '>', '/':
			punct++
		}
	}
	return punct >= 8 && strings.Count(msg, "\n") >= 2
}

// ExtractKeywords returns up to eight distinct search terms from text.
func ExtractKeywords(text string) []string {
	return extractKeywords(text)
}

func extractKeywords(msg string) []string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return nil
	}

	keywords := make([]string, 0)
	seen := map[string]struct{}{}

	for _, w := range cnWordRegex.FindAllString(msg, -1) {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
	}
	for _, w := range enWordRegex.FindAllString(strings.ToLower(msg), -1) {
		if _, ok := stopWords[w]; ok {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
	}

	if len(keywords) > 8 {
		keywords = keywords[:8]
	}
	return keywords
}
