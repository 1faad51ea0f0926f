package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/csv-importer/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RedisURL:         "redis://127.0.0.1:6379/0",
		KeyRetentionMins: 60,
		LockTTL:          time.Minute,
		PollInterval:     2 * time.Millisecond,
		PollMaxAttempts:  500,
		FinalizeTimeout:  2 * time.Second,
		AutoFinalize:     true,
		FinishedMessage:  "done",
		ProgressEvery:    1,
		DBDriver:         "sqlite3",
	}
}

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, time.Hour), mr
}

func newTestManager(t *testing.T, cfg *config.Config, pipeline Pipeline, dispatcher Dispatcher) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	store, mr := newTestStore(t)
	mgr, err := NewManager(cfg, store, pipeline, dispatcher, nil, zap.NewNop())
	require.NoError(t, err)
	return mgr, mr
}

// inlineDispatcher はワーカーを使わずに同じプロセスで実行します。
func inlineDispatcher(mgr **Manager, errs chan<- error) DispatchFunc {
	return func(_ context.Context, jobID, token string) error {
		go func() {
			errs <- (*mgr).Execute(context.Background(), jobID, token)
		}()
		return nil
	}
}

// scriptedPipeline は rows 行を一行ずつ処理したことにするパイプラインです。
// pauseAt 行目の進捗を公開した後、paused を閉じて resume を待ちます。
type scriptedPipeline struct {
	rows    int
	gate    chan struct{}
	failAt  int
	failErr error

	pauseAt int
	paused  chan struct{}
	resume  chan struct{}
}

func (p *scriptedPipeline) Import(ctx context.Context, jobID string, cp Checkpoints) (any, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := cp.OnInit(ctx, p.rows); err != nil {
		return nil, err
	}
	for i := 1; i <= p.rows; i++ {
		if p.failErr != nil && i == p.failAt {
			return nil, p.failErr
		}
		if err := cp.OnProgress(ctx, i, p.rows-i); err != nil {
			return nil, err
		}
		if p.resume != nil && i == p.pauseAt {
			close(p.paused)
			select {
			case <-p.resume:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err := cp.OnFinalStage(ctx); err != nil {
		return nil, err
	}
	if err := cp.AwaitFinalize(ctx); err != nil {
		return nil, err
	}
	return map[string]int{"rows": p.rows}, nil
}

func noopDispatcher() DispatchFunc {
	return func(context.Context, string, string) error { return nil }
}
