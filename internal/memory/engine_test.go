package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func recordN(t *testing.T, e *Engine, sessionID string, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		id, err := e.Record(context.Background(), Message{SessionID: sessionID, Role: role, Raw: "message " + string(rune('a'+i))})
		if err != nil {
			t.Fatalf("Record error: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestEngineRecordMonotonic(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first, err := e.Record(ctx, Message{SessionID: "s1", Role: RoleUser, Raw: "hello", Timestamp: later})
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}
	second, err := e.Record(ctx, Message{SessionID: "s1", Role: RoleAssistant, Raw: "hi", Timestamp: later.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if second <= first {
		t.Fatalf("ids not increasing: %d then %d", first, second)
	}

	msg, err := e.Get(ctx, second)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if msg.Timestamp.Before(later) {
		t.Fatalf("timestamp went backwards: %s", msg.Timestamp)
	}
	if msg.Section != SectionWorking {
		t.Fatalf("expected default section working, got %s", msg.Section)
	}
	if msg.Compressed != nil {
		t.Fatalf("expected no compressed content on a fresh message")
	}
}

func TestEngineRecordValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Record(ctx, Message{Role: RoleUser, Raw: "x"}); err == nil {
		t.Fatalf("expected error for empty session")
	}
	_, err := e.Record(ctx, Message{SessionID: "s1", Role: RoleUser, Raw: "x", Section: "attic"})
	var invalid *InvalidSectionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidSectionError, got %v", err)
	}
}

func TestEngineRangeRestartable(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	ids := recordN(t, e, "s1", rangePageSize+5)
	recordN(t, e, "other", 3)

	count := 0
	var last int64
	for msg, err := range e.Range(ctx, "s1", 0, 0) {
		if err != nil {
			t.Fatalf("Range error: %v", err)
		}
		if msg.ID <= last {
			t.Fatalf("range out of order: %d after %d", msg.ID, last)
		}
		last = msg.ID
		count++
	}
	if count != len(ids) {
		t.Fatalf("expected %d messages, got %d", len(ids), count)
	}

	// Bounded and early-stopped iteration.
	seen := 0
	for msg, err := range e.Range(ctx, "s1", ids[2], ids[6]) {
		if err != nil {
			t.Fatalf("Range error: %v", err)
		}
		if msg.ID < ids[2] || msg.ID >= ids[6] {
			t.Fatalf("id %d outside range", msg.ID)
		}
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("expected early stop after 2, got %d", seen)
	}

	recordN(t, e, "s1", 1)
	again := 0
	for _, err := range e.Range(ctx, "s1", 0, 0) {
		if err != nil {
			t.Fatalf("Range error: %v", err)
		}
		again++
	}
	if again != len(ids)+1 {
		t.Fatalf("restarted range expected %d, got %d", len(ids)+1, again)
	}
}

func TestEngineSetCompressedOnce(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	ids := recordN(t, e, "s1", 1)

	if err := e.SetCompressed(ctx, ids[0], "short"); err != nil {
		t.Fatalf("SetCompressed error: %v", err)
	}
	if err := e.SetCompressed(ctx, ids[0], "short"); err != nil {
		t.Fatalf("same value should be a no-op, got %v", err)
	}
	if err := e.SetCompressed(ctx, ids[0], "different"); !errors.Is(err, ErrAlreadyCompressed) {
		t.Fatalf("expected ErrAlreadyCompressed, got %v", err)
	}
	if err := e.SetCompressed(ctx, 9999, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	msg, _ := e.Get(ctx, ids[0])
	if msg.Compressed == nil || *msg.Compressed != "short" {
		t.Fatalf("unexpected compressed content: %v", msg.Compressed)
	}
}

func TestEnginePendingAndFinalize(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Record(ctx, Message{SessionID: "s1", Role: RoleSystem, Raw: "system prompt", Section: SectionSystem}); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	ids := recordN(t, e, "s1", 4)

	pending, err := e.Pending(ctx, "s1", ids[3])
	if err != nil {
		t.Fatalf("Pending error: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending before the last id, got %d", len(pending))
	}
	for _, m := range pending {
		if m.Role == RoleSystem {
			t.Fatalf("system messages must not be pending")
		}
	}

	c := "compact a"
	pending[0].Compressed = &c
	if err := e.Finalize(ctx, pending, "rec-1"); err != nil {
		t.Fatalf("Finalize error: %v", err)
	}
	if err := e.Finalize(ctx, pending[:1], "rec-2"); !errors.Is(err, ErrAlreadyArchived) {
		t.Fatalf("expected ErrAlreadyArchived, got %v", err)
	}

	left, _ := e.Pending(ctx, "s1", 0)
	if len(left) != 1 || left[0].ID != ids[3] {
		t.Fatalf("expected only the last message pending, got %+v", left)
	}
	archived, err := e.Archived(ctx, "rec-1")
	if err != nil {
		t.Fatalf("Archived error: %v", err)
	}
	if len(archived) != 3 || archived[0].Compressed == nil || *archived[0].Compressed != "compact a" {
		t.Fatalf("unexpected archived batch: %+v", archived)
	}

	st, err := e.Stats(ctx, "s1")
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if st.Messages != 5 || st.Archived != 3 || st.Records != 1 || st.Compressed != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestEngineFinalizeRollsBack(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	ids := recordN(t, e, "s1", 2)

	first, _ := e.Get(ctx, ids[0])
	if err := e.Finalize(ctx, []Message{first}, "rec-1"); err != nil {
		t.Fatalf("Finalize error: %v", err)
	}
	second, _ := e.Get(ctx, ids[1])
	if err := e.Finalize(ctx, []Message{second, first}, "rec-2"); err == nil {
		t.Fatalf("expected failure when part of the batch is archived")
	}
	msg, _ := e.Get(ctx, ids[1])
	if msg.ArchivedIn != "" {
		t.Fatalf("failed finalize must not archive anything, got %q", msg.ArchivedIn)
	}
}

func TestEngineSearchCompressed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	ids := recordN(t, e, "s1", 3)
	other := recordN(t, e, "s2", 1)

	if err := e.SetCompressed(ctx, ids[0], "user prefers green tea in the morning"); err != nil {
		t.Fatalf("SetCompressed error: %v", err)
	}
	if err := e.SetCompressed(ctx, ids[1], "deployment uses kubernetes"); err != nil {
		t.Fatalf("SetCompressed error: %v", err)
	}
	if err := e.SetCompressed(ctx, other[0], "green tea is also here"); err != nil {
		t.Fatalf("SetCompressed error: %v", err)
	}

	hits, err := e.SearchCompressed(ctx, "s1", "what tea does the user like?", 5)
	if err != nil {
		t.Fatalf("SearchCompressed error: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit scoped to the session, got %d", len(hits))
	}
	if hits[0].Scope != ScopeCompressed || hits[0].Content != "user prefers green tea in the morning" {
		t.Fatalf("unexpected hit: %+v", hits[0])
	}
}

func TestEngineBlobStorage(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := e.Persist(ctx, "records/s1/1", []byte("one")); err != nil {
		t.Fatalf("Persist error: %v", err)
	}
	if err := e.Persist(ctx, "records/s1/1", []byte("uno")); err != nil {
		t.Fatalf("Persist overwrite error: %v", err)
	}
	if err := e.Persist(ctx, "records/s2/1", []byte("two")); err != nil {
		t.Fatalf("Persist error: %v", err)
	}
	blob, err := e.Load(ctx, "records/s1/1")
	if err != nil || string(blob) != "uno" {
		t.Fatalf("Load got %q, %v", blob, err)
	}
	keys, err := e.Keys(ctx, "records/s1/")
	if err != nil {
		t.Fatalf("Keys error: %v", err)
	}
	if len(keys) != 1 || keys[0] != "records/s1/1" {
		t.Fatalf("unexpected keys: %v", keys)
	}
	if err := e.Delete(ctx, "records/s1/1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, err := e.Load(ctx, "records/s1/1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted blob to be gone, got %v", err)
	}

	sessions, err := e.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions error: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("blobs must not create sessions: %v", sessions)
	}
}
