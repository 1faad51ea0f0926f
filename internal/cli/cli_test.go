package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/csv-importer/internal/jobs"
)

func setupEnv(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr()+"/0")
	t.Setenv("DB_DRIVER", "sqlite3")
	t.Setenv("DB_DSN", ":memory:")
	t.Setenv("WORKSPACE_DIR", t.TempDir())
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("POLL_INTERVAL_MS", "1")
	t.Setenv("POLL_MAX_ATTEMPTS", "3")
	return mr
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := &app{}
	defer a.close()

	var out bytes.Buffer
	cmd := a.rootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedSnapshot(t *testing.T, mr *miniredis.Miniredis, key string, snap jobs.Snapshot) {
	t.Helper()
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, mr.Set(key, string(data)))
}

func TestStatusCommand(t *testing.T) {
	mr := setupEnv(t)
	seedSnapshot(t, mr, "import:job-1:progress", jobs.NewSnapshot(jobs.StageRunning, jobs.MessageRunning, 2, 2))
	require.NoError(t, mr.Set("import:job-1:lock", "token"))

	out, err := runCLI(t, "status", "--job", "job-1")
	require.NoError(t, err)

	var st jobs.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Locked)
	require.NotNil(t, st.Progress)
	assert.Equal(t, jobs.StageRunning, st.Progress.Stage)
	assert.InDelta(t, 50.0, st.Progress.Percentage, 0.0001)
}

func TestPrepareCommand(t *testing.T) {
	setupEnv(t)
	path := filepath.Join(t.TempDir(), "people.csv")
	require.NoError(t, os.WriteFile(path, []byte("name,age\nalice,30\n"), 0o640))

	out, err := runCLI(t, "prepare", "--job", "job-1", "--table", "people", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"table": "people"`)
}

func TestPrepareCommandRefusesRunningJob(t *testing.T) {
	mr := setupEnv(t)
	require.NoError(t, mr.Set("import:job-1:lock", "token"))

	_, err := runCLI(t, "prepare", "--job", "job-1", "--table", "people", "--file", "unused.csv")
	assert.ErrorIs(t, err, jobs.ErrJobBusy)

	// 準備が終わればロックは残らない
	mr.Del("import:job-1:lock")
	path := filepath.Join(t.TempDir(), "people.csv")
	require.NoError(t, os.WriteFile(path, []byte("name\nalice\n"), 0o640))
	_, err = runCLI(t, "prepare", "--job", "job-1", "--table", "people", "--file", path)
	require.NoError(t, err)
	assert.False(t, mr.Exists("import:job-1:lock"))
}

func TestFinalizeCommand(t *testing.T) {
	mr := setupEnv(t)

	_, err := runCLI(t, "finalize", "--job", "job-1")
	assert.ErrorIs(t, err, jobs.ErrNotAwaitingFinalize)

	seedSnapshot(t, mr, "import:job-1:progress", jobs.NewSnapshot(jobs.StageFinalStage, jobs.MessageFinalStage, 4, 0))
	out, err := runCLI(t, "finalize", "--job", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "finalize requested")
	assert.True(t, mr.Exists("import:job-1:finalize"))
}

func TestResetCommand(t *testing.T) {
	mr := setupEnv(t)
	seedSnapshot(t, mr, "import:job-1:progress", jobs.NewSnapshot(jobs.StageRunning, jobs.MessageRunning, 1, 3))
	require.NoError(t, mr.Set("import:job-1:lock", "token"))

	_, err := runCLI(t, "reset", "--job", "job-1")
	assert.ErrorIs(t, err, ErrJobRunning)
	assert.True(t, mr.Exists("import:job-1:lock"))

	_, err = runCLI(t, "reset", "--job", "job-1", "--force")
	require.NoError(t, err)
	assert.False(t, mr.Exists("import:job-1:lock"))
	assert.False(t, mr.Exists("import:job-1:progress"))
}

func TestWaitCommand(t *testing.T) {
	mr := setupEnv(t)
	require.NoError(t, mr.Set("import:job-1:started", "1"))

	out, err := runCLI(t, "wait", "--job", "job-1", "--signal", "started")
	require.NoError(t, err)
	assert.Contains(t, out, "job-1: started")

	_, err = runCLI(t, "wait", "--job", "job-1", "--signal", "final_stage_started")
	assert.ErrorIs(t, err, jobs.ErrPollTimeout)

	seedSnapshot(t, mr, "import:job-1:info", jobs.NewSnapshot(jobs.StageFinished, "done", 4, 0))
	out, err = runCLI(t, "wait", "--job", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"finished": true`)
}
