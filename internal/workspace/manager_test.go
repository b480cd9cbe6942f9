package workspace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stellarlinkco/memorizer/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenStorage struct {
	memory.Storage
}

func (brokenStorage) Persist(context.Context, string, []byte) error {
	return errors.New("read-only")
}

func newTestManager(t *testing.T) (*Manager, memory.Storage) {
	t.Helper()
	storage, err := memory.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	m, err := Open(context.Background(), "s1", storage, Options{})
	require.NoError(t, err)
	return m, storage
}

func TestParseConfidence(t *testing.T) {
	for _, in := range []string{"low", "Medium", " HIGH "} {
		_, err := ParseConfidence(in)
		assert.NoError(t, err, in)
	}
	_, err := ParseConfidence("certain")
	var invalid *InvalidConfidenceError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "certain", invalid.Value)
}

func TestInitialWorkspace(t *testing.T) {
	m, _ := newTestManager(t)
	w := m.Current()
	assert.Equal(t, ConfidenceLow, w.Confidence)
	assert.Empty(t, w.Plan)
	assert.Empty(t, m.Revisions())
}

func TestReviseMergesOnlySuppliedFields(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Revise(ctx, "INTERPRET", Update{
		IntentHypothesis: Str("wants a deploy script"),
		Theory:           Str("bash is enough"),
		AddOpenQuestions: []string{"which cloud?", "which region?"},
	})
	require.NoError(t, err)

	w, err := m.Revise(ctx, "PLAN", Update{
		Confidence:           Level(ConfidenceHigh),
		Plan:                 Str("1. write script 2. test"),
		ResolveOpenQuestions: []string{"which cloud?"},
	})
	require.NoError(t, err)

	assert.Equal(t, "wants a deploy script", w.IntentHypothesis)
	assert.Equal(t, "bash is enough", w.Theory)
	assert.Equal(t, ConfidenceHigh, w.Confidence)
	assert.Equal(t, "1. write script 2. test", w.Plan)
	assert.Equal(t, []string{"which region?"}, w.OpenQuestions)

	revs := m.Revisions()
	require.Len(t, revs, 2)
	assert.Equal(t, 1, revs[0].Seq)
	assert.Equal(t, "PLAN", revs[1].Source)
	assert.ElementsMatch(t, []string{"confidence", "plan", "open_questions"}, revs[1].Changed)
}

func TestUpdateCommitsPlan(t *testing.T) {
	assert.False(t, Update{}.CommitsPlan())
	assert.False(t, Update{Plan: Str("  ")}.CommitsPlan())
	assert.False(t, Update{Confidence: Level(ConfidenceHigh)}.CommitsPlan())
	assert.True(t, Update{Plan: Str("reply briefly")}.CommitsPlan())
}

func TestReviseConfidenceMovesBothWays(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	for _, c := range []Confidence{ConfidenceHigh, ConfidenceLow, ConfidenceMedium} {
		w, err := m.Revise(ctx, "", Update{Confidence: Level(c)})
		require.NoError(t, err)
		assert.Equal(t, c, w.Confidence)
	}
}

func TestReviseInvalidConfidenceRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Revise(ctx, "", Update{Plan: Str("p"), Confidence: Level(Confidence("sure"))})
	var invalid *InvalidConfidenceError
	require.ErrorAs(t, err, &invalid)
	assert.Empty(t, m.Current().Plan, "a rejected update changes nothing")
	assert.Empty(t, m.Revisions())
}

func TestRevisePersistFailureLeavesState(t *testing.T) {
	base, err := memory.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	m, err := Open(context.Background(), "s1", brokenStorage{Storage: base}, Options{})
	require.NoError(t, err)

	_, err = m.Revise(context.Background(), "", Update{Plan: Str("p")})
	require.Error(t, err)
	assert.Empty(t, m.Current().Plan)
	assert.Empty(t, m.Revisions())
}

func TestClarificationPendingPersists(t *testing.T) {
	m, storage := newTestManager(t)
	ctx := context.Background()
	assert.False(t, m.ClarificationPending())

	require.NoError(t, m.SetClarificationPending(ctx, true))
	_, err := m.Revise(ctx, "INTERPRET", Update{IntentHypothesis: Str("rename a file")})
	require.NoError(t, err)

	reopened, err := Open(ctx, "s1", storage, Options{})
	require.NoError(t, err)
	assert.True(t, reopened.ClarificationPending())
	assert.Equal(t, "rename a file", reopened.Current().IntentHypothesis)
	assert.Len(t, reopened.Revisions(), 1)

	require.NoError(t, reopened.SetClarificationPending(ctx, false))
	again, err := Open(ctx, "s1", storage, Options{})
	require.NoError(t, err)
	assert.False(t, again.ClarificationPending())
}

func TestWorkspaceReloadAndRevisionCap(t *testing.T) {
	storage, err := memory.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	fixed := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	m, err := Open(ctx, "s1", storage, Options{MaxRevisions: 3, Now: func() time.Time { return fixed }})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := m.Revise(ctx, "EXECUTE", Update{NextStep: Str(string(rune('a' + i)))})
		require.NoError(t, err)
	}
	revs := m.Revisions()
	require.Len(t, revs, 3)
	assert.Equal(t, 3, revs[0].Seq)

	reopened, err := Open(ctx, "s1", storage, Options{MaxRevisions: 3})
	require.NoError(t, err)
	assert.Equal(t, "e", reopened.Current().NextStep)
	w, err := reopened.Revise(ctx, "", Update{Theory: Str("t")})
	require.NoError(t, err)
	assert.Equal(t, "e", w.NextStep)
	assert.Equal(t, 6, reopened.Revisions()[2].Seq)
}

func TestCorruptWorkspaceMovedAside(t *testing.T) {
	storage, err := memory.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, storage.Persist(ctx, Key("s1"), []byte(`{"current":{"confidence":"maybe"}}`)))

	m, err := Open(ctx, "s1", storage, Options{})
	require.NoError(t, err)
	assert.Equal(t, ConfidenceLow, m.Current().Confidence)
	_, err = storage.Load(ctx, Key("s1")+".bad")
	assert.NoError(t, err)
}

func TestRender(t *testing.T) {
	w := Workspace{
		IntentHypothesis: "book a flight",
		Confidence:       ConfidenceMedium,
		Plan:             "ask dates, then search",
		OpenQuestions:    []string{"departure city?"},
	}
	want := "Intent: book a flight\nConfidence: medium\nPlan: ask dates, then search\nOpen questions:\n- departure city?"
	assert.Equal(t, want, w.Render())
	assert.Equal(t, "Confidence: low", Workspace{}.Render())
}
