package history

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

func createTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func openTestStore(t *testing.T, config Config) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := NewSQLiteStore(path, config, createTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id string, ts time.Time, approved bool, consensus float64, taskType models.TaskType, supervisors ...string) *models.DebateRecord {
	votes := make([]models.Vote, len(supervisors))
	for i, name := range supervisors {
		votes[i] = models.Vote{Supervisor: name, Approved: approved, Confidence: 0.8, Weight: 1}
	}
	return &models.DebateRecord{
		ID:        id,
		Timestamp: ts,
		Task:      models.Task{ID: "task-" + id, Description: "desc " + id},
		Decision: models.Decision{
			Approved:          approved,
			Consensus:         consensus,
			WeightedConsensus: consensus,
			Votes:             votes,
		},
		Meta: models.DebateMeta{
			Rounds:        2,
			ConsensusMode: models.ConsensusWeighted,
			Duration:      1500 * time.Millisecond,
			Supervisors:   supervisors,
			SessionID:     "sess-1",
			TaskType:      taskType,
		},
	}
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	store := openTestStore(t, Config{})
	ctx := context.Background()

	saved := record("r1", time.Now().UTC().Truncate(time.Millisecond), true, 0.9, models.TaskBugFix, "Claude", "GPT-4")
	require.NoError(t, store.Save(ctx, saved))

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, got.ID)
	assert.Equal(t, saved.Task.Description, got.Task.Description)
	assert.Equal(t, saved.Decision.Votes, got.Decision.Votes)
	assert.Equal(t, saved.Meta.Supervisors, got.Meta.Supervisors)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_QueryFilters(t *testing.T) {
	store := openTestStore(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, record("a", base, true, 0.9, models.TaskBugFix, "Claude")))
	require.NoError(t, store.Save(ctx, record("b", base.Add(time.Hour), false, 0.3, models.TaskSecurityAudit, "GPT-4")))
	require.NoError(t, store.Save(ctx, record("c", base.Add(2*time.Hour), true, 0.7, models.TaskBugFix, "Claude", "GPT-4")))

	approved := true
	results, err := store.Query(ctx, Query{Approved: &approved})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = store.Query(ctx, Query{TaskType: models.TaskSecurityAudit})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)

	results, err = store.Query(ctx, Query{Supervisor: "GPT-4"})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	min := 0.5
	results, err = store.Query(ctx, Query{MinConsensus: &min})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = store.Query(ctx, Query{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestSQLiteStore_QuerySortAndPagination(t *testing.T) {
	store := openTestStore(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, record("a", base, true, 0.2, models.TaskGeneral, "X")))
	require.NoError(t, store.Save(ctx, record("b", base.Add(time.Hour), true, 0.9, models.TaskGeneral, "X")))
	require.NoError(t, store.Save(ctx, record("c", base.Add(2*time.Hour), true, 0.5, models.TaskGeneral, "X")))

	// Default sort: newest first.
	results, err := store.Query(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "c", results[0].ID)

	results, err = store.Query(ctx, Query{SortBy: "consensus", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, ids(results))

	results, err = store.Query(ctx, Query{SortBy: "timestamp", SortOrder: "asc", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func ids(records []*models.DebateRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestSQLiteStore_Stats(t *testing.T) {
	store := openTestStore(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, record("a", base, true, 1.0, models.TaskBugFix, "Claude")))
	require.NoError(t, store.Save(ctx, record("b", base.Add(time.Hour), false, 0.2, models.TaskTesting, "Claude", "GPT-4")))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalDebates)
	assert.Equal(t, 1, stats.ApprovedDebates)
	assert.InDelta(t, 0.5, stats.ApprovalRate, 1e-9)
	assert.InDelta(t, 0.6, stats.AvgConsensus, 1e-9)
	assert.Equal(t, 1, stats.ByTaskType[string(models.TaskBugFix)])
	assert.Equal(t, 2, stats.BySupervisor["Claude"])
	assert.Equal(t, base, stats.OldestTimestamp.UTC())
	assert.Equal(t, base.Add(time.Hour), stats.NewestTimestamp.UTC())
}

func TestSQLiteStore_SupervisorHistory(t *testing.T) {
	store := openTestStore(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	agree := record("a", base, true, 1.0, models.TaskGeneral, "Claude")
	require.NoError(t, store.Save(ctx, agree))

	// Claude rejects but the debate approves: a disagreement.
	mixed := record("b", base.Add(time.Hour), true, 0.5, models.TaskGeneral, "Claude", "GPT-4")
	mixed.Decision.Votes[0].Approved = false
	mixed.Decision.Votes[0].Confidence = 0.6
	require.NoError(t, store.Save(ctx, mixed))

	stats, err := store.SupervisorHistory(ctx, "Claude")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Debates)
	assert.Equal(t, 1, stats.Approvals)
	assert.Equal(t, 1, stats.Rejections)
	assert.InDelta(t, 0.5, stats.ApprovalRate, 1e-9)
	assert.InDelta(t, 0.7, stats.AvgConfidence, 1e-9)
	assert.InDelta(t, 0.5, stats.AgreementRate, 1e-9)
}

func TestSQLiteStore_RetentionByCount(t *testing.T) {
	store := openTestStore(t, Config{MaxRecords: 2})
	ctx := context.Background()
	base := time.Now().Add(-3 * time.Hour)

	require.NoError(t, store.Save(ctx, record("old", base, true, 0.9, models.TaskGeneral, "X")))
	require.NoError(t, store.Save(ctx, record("mid", base.Add(time.Hour), true, 0.9, models.TaskGeneral, "X")))
	require.NoError(t, store.Save(ctx, record("new", base.Add(2*time.Hour), true, 0.9, models.TaskGeneral, "X")))

	results, err := store.Query(ctx, Query{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mid", "new"}, ids(results))

	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_RetentionByAge(t *testing.T) {
	store := openTestStore(t, Config{RetentionDays: 7})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, record("stale", time.Now().AddDate(0, 0, -10), true, 0.9, models.TaskGeneral, "X")))
	require.NoError(t, store.Save(ctx, record("fresh", time.Now(), true, 0.9, models.TaskGeneral, "X")))

	results, err := store.Query(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids(results))
}

func TestSQLiteStore_ClearAll(t *testing.T) {
	store := openTestStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, record("a", time.Now(), true, 0.9, models.TaskGeneral, "X")))
	require.NoError(t, store.Save(ctx, record("b", time.Now(), true, 0.9, models.TaskGeneral, "X")))

	count, err := store.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalDebates)
}

func TestSQLiteStore_SaveErrorSurfaces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS debates").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLiteStoreWithDB(db, Config{}, createTestLogger())
	require.NoError(t, err)

	mock.ExpectExec("INSERT OR REPLACE INTO debates").WillReturnError(assert.AnError)

	err = store.Save(context.Background(), record("x", time.Now(), true, 0.9, models.TaskGeneral, "X"))
	assert.ErrorContains(t, err, "failed to insert debate record")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportCSV(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	r := record("r1", ts, true, 0.75, models.TaskBugFix, "Claude", "GPT-4")
	r.Task.Description = `adds "retry" logic`

	out := ExportCSV([]*models.DebateRecord{r})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)

	assert.Equal(t, csvHeader, lines[0])
	assert.Contains(t, lines[1], "2026-08-01T12:30:00Z")
	assert.Contains(t, lines[1], `"adds ""retry"" logic"`)
	assert.Contains(t, lines[1], `"Claude,GPT-4"`)
	assert.Contains(t, lines[1], ",1500,")
	assert.Contains(t, lines[1], ",2,")
}

func TestExportJSON(t *testing.T) {
	out, err := ExportJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", out)

	r := record("r1", time.Now().UTC(), true, 0.9, models.TaskGeneral, "X")
	out, err = ExportJSON([]*models.DebateRecord{r})
	require.NoError(t, err)
	assert.Contains(t, out, `"r1"`)
}

func TestExport_UnsupportedFormat(t *testing.T) {
	store := openTestStore(t, Config{})
	_, err := Export(context.Background(), store, "xml")
	assert.ErrorContains(t, err, "unsupported export format")
}
