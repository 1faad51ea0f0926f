package csvimport

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/csv-importer/internal/config"
)

type progressCall struct {
	processed int
	remains   int
}

type recordingCheckpoints struct {
	mu          sync.Mutex
	total       int
	progress    []progressCall
	finalStage  bool
	finalizeErr error
	awaited     bool
}

func (r *recordingCheckpoints) OnInit(_ context.Context, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = total
	return nil
}

func (r *recordingCheckpoints) OnProgress(_ context.Context, processed, remains int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, progressCall{processed, remains})
	return nil
}

func (r *recordingCheckpoints) OnFinalStage(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalStage = true
	return nil
}

func (r *recordingCheckpoints) AwaitFinalize(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.awaited = true
	return r.finalizeErr
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		WorkspaceDir:  t.TempDir(),
		MaxFileSize:   1 << 20,
		ProgressEvery: 2,
		DBDriver:      "sqlite3",
		DBDSN:         ":memory:",
	}
}

func newTestService(t *testing.T, cfg *config.Config) (*Service, *sql.DB) {
	t.Helper()
	db, err := OpenDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc, err := NewService(cfg, NewSQLSink(db, cfg.DBDriver), zap.NewNop())
	require.NoError(t, err)
	return svc, db
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	return path
}

func countStagingTables(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE ?`, stagePrefix+"%",
	).Scan(&n))
	return n
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "`+table+`"`).Scan(&n))
	return n
}

func TestPrepareFromPath(t *testing.T) {
	cfg := testConfig(t)
	svc, _ := newTestService(t, cfg)

	manifest, err := svc.PrepareFromPath(context.Background(), "job-1", "people", writeCSV(t, "name,age\nalice,30\n"))
	require.NoError(t, err)
	assert.Equal(t, "job-1", manifest.JobID)
	assert.Equal(t, "people", manifest.Table)
	assert.Equal(t, "upload.csv", manifest.OriginalName)
	assert.Equal(t, int64(len("name,age\nalice,30\n")), manifest.Size)

	loaded, err := loadManifest(svc.workspaceFor("job-1"))
	require.NoError(t, err)
	assert.Equal(t, manifest.Table, loaded.Table)
	assert.FileExists(t, filepath.Join(cfg.WorkspaceDir, "job-1", "in", inputFilename))
}

func TestPrepareRejectsInvalidInput(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFileSize = 16
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	cases := []struct {
		name  string
		jobID string
		table string
		body  string
		code  string
	}{
		{"bad table", "job-1", "drop table;", "a,b\n1,2\n", codeInvalidInput},
		{"bad job id", "job 1", "t", "a,b\n1,2\n", codeInvalidInput},
		{"too large", "job-1", "t", "a,b\n1,2\n3,4\n5,6\n7,8\n", codeLimitExceeded},
		{"not csv", "job-1", "t", "\x89PNG\r\n\x1a\n\x00\x00", codeInvalidInput},
		{"empty", "job-1", "t", "", codeInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.PrepareFromPath(ctx, tc.jobID, tc.table, writeCSV(t, tc.body))
			var apiErr *Error
			require.True(t, errors.As(err, &apiErr), "unexpected error: %v", err)
			assert.Equal(t, tc.code, apiErr.Code)
		})
	}
}

func TestImportInsertsRowsAndSkipsMalformed(t *testing.T) {
	cfg := testConfig(t)
	svc, db := newTestService(t, cfg)
	ctx := context.Background()

	_, err := svc.PrepareFromPath(ctx, "job-1", "people", writeCSV(t, "name,age\nalice,30\nbob\ncarol,41\n"))
	require.NoError(t, err)

	cp := &recordingCheckpoints{}
	result, err := svc.Import(ctx, "job-1", cp)
	require.NoError(t, err)

	summary, ok := result.(*Summary)
	require.True(t, ok)
	assert.Equal(t, "people", summary.Table)
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{"name", "age"}, summary.Columns)

	assert.Equal(t, 3, cp.total)
	assert.Equal(t, []progressCall{{2, 1}, {3, 0}}, cp.progress)
	assert.True(t, cp.finalStage)
	assert.True(t, cp.awaited)

	assert.Equal(t, 2, countRows(t, db, "people"))
	var age string
	require.NoError(t, db.QueryRow(`SELECT "age" FROM "people" WHERE "name" = ?`, "carol").Scan(&age))
	assert.Equal(t, "41", age)
}

func TestImportRollsBackWhenNotFinalized(t *testing.T) {
	cfg := testConfig(t)
	svc, db := newTestService(t, cfg)
	ctx := context.Background()

	_, err := svc.PrepareFromPath(ctx, "job-1", "people", writeCSV(t, "name,age\nalice,30\n"))
	require.NoError(t, err)

	cp := &recordingCheckpoints{finalizeErr: errors.New("finalize timed out")}
	_, err = svc.Import(ctx, "job-1", cp)
	require.Error(t, err)

	assert.Equal(t, 0, countRows(t, db, "people"))
	assert.Equal(t, 0, countStagingTables(t, db))
}

// finalizeGate は確定待ちに入ったことを知らせ、release が閉じるまで待ちます。
type finalizeGate struct {
	recordingCheckpoints
	waiting chan struct{}
	release chan struct{}
}

func (g *finalizeGate) AwaitFinalize(ctx context.Context) error {
	close(g.waiting)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestImportAwaitingFinalizeDoesNotBlockOtherJobs(t *testing.T) {
	cfg := testConfig(t)
	svc, db := newTestService(t, cfg)
	ctx := context.Background()

	_, err := svc.PrepareFromPath(ctx, "job-1", "people", writeCSV(t, "name,age\nalice,30\nbob,40\n"))
	require.NoError(t, err)
	_, err = svc.PrepareFromPath(ctx, "job-2", "people", writeCSV(t, "name,age\ncarol,50\n"))
	require.NoError(t, err)

	gate := &finalizeGate{waiting: make(chan struct{}), release: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		_, err := svc.Import(ctx, "job-1", gate)
		done <- err
	}()
	<-gate.waiting

	// job-1 が確定待ちの間も、同じ接続で job-2 を最後まで実行できる
	ctx2, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = svc.Import(ctx2, "job-2", &recordingCheckpoints{})
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, db, "people"))

	close(gate.release)
	require.NoError(t, <-done)
	assert.Equal(t, 3, countRows(t, db, "people"))
	assert.Equal(t, 0, countStagingTables(t, db))
}

func TestSQLSinkFlushesLargeBatches(t *testing.T) {
	cfg := testConfig(t)
	_, db := newTestService(t, cfg)
	ctx := context.Background()
	sink := NewSQLSink(db, cfg.DBDriver)

	batch, err := sink.Begin(ctx, "numbers", []string{"n"})
	require.NoError(t, err)
	for i := 0; i < flushRows+3; i++ {
		require.NoError(t, batch.Insert(ctx, []string{strconv.Itoa(i)}))
	}
	assert.Equal(t, 0, countRows(t, db, "numbers"))
	require.NoError(t, batch.Commit(ctx))
	assert.Equal(t, flushRows+3, countRows(t, db, "numbers"))

	batch, err = sink.Begin(ctx, "numbers", []string{"n"})
	require.NoError(t, err)
	require.NoError(t, batch.Insert(ctx, []string{"x"}))
	require.NoError(t, batch.Rollback(ctx))
	assert.Equal(t, flushRows+3, countRows(t, db, "numbers"))
	assert.Equal(t, 0, countStagingTables(t, db))
}

func TestImportValidatesHeader(t *testing.T) {
	cfg := testConfig(t)
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	for name, body := range map[string]string{
		"duplicate": "a,a\n1,2\n",
		"unsafe":    "a,b c\n1,2\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.PrepareFromPath(ctx, "job-1", "t", writeCSV(t, body))
			require.NoError(t, err)

			_, err = svc.Import(ctx, "job-1", &recordingCheckpoints{})
			var apiErr *Error
			require.True(t, errors.As(err, &apiErr), "unexpected error: %v", err)
			assert.Equal(t, codeInvalidCSV, apiErr.Code)
		})
	}
}

func TestImportWithoutUpload(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))

	_, err := svc.Import(context.Background(), "job-1", &recordingCheckpoints{})
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, codeJobNotFound, apiErr.Code)
}

func TestDiscardJob(t *testing.T) {
	cfg := testConfig(t)
	svc, _ := newTestService(t, cfg)

	_, err := svc.PrepareFromPath(context.Background(), "job-1", "t", writeCSV(t, "a\n1\n"))
	require.NoError(t, err)
	require.NoError(t, svc.DiscardJob("job-1"))
	assert.NoDirExists(t, filepath.Join(cfg.WorkspaceDir, "job-1"))
}

func TestSQLSinkPlaceholders(t *testing.T) {
	assert.Equal(t, "$3", NewSQLSink(nil, "postgres").placeholder(3))
	assert.Equal(t, "?", NewSQLSink(nil, "mysql").placeholder(3))
	assert.Equal(t, "`t`", NewSQLSink(nil, "mysql").quote("t"))
	assert.Equal(t, `"t"`, NewSQLSink(nil, "sqlite3").quote("t"))
}
