package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	taskTypeImport = "csv:import"
	queueName      = "imports"
)

// Executor はワーカー側でロック取得済みの実行を処理します。Manager が実装します。
type Executor interface {
	Execute(ctx context.Context, jobID, token string) error
}

// TaskPayload はインポートジョブのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
	Token string `json:"token"`
}

// Queue は Asynq を使って実行をワーカープロセスへ引き渡します。
type Queue struct {
	client *asynq.Client
	server *asynq.Server
	logger *zap.Logger
}

// NewQueue は Redis URL から Queue を初期化します。
func NewQueue(redisURL string, concurrency int, logger *zap.Logger) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Queue{
		client: asynq.NewClient(opt),
		server: asynq.NewServer(
			opt,
			asynq.Config{
				Concurrency: concurrency,
				Queues: map[string]int{
					queueName: 1,
				},
				Logger: logger.Sugar(),
			},
		),
		logger: logger,
	}, nil
}

// Dispatch はタスクをキューに投入します。再試行はしません。
func (q *Queue) Dispatch(ctx context.Context, jobID, token string) error {
	task, err := newImportTask(jobID, token)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task, asynq.Queue(queueName), asynq.MaxRetry(0))
	if err != nil {
		return err
	}
	q.logger.Debug("import task enqueued", zap.String("job", jobID), zap.String("task", info.ID))
	return nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (q *Queue) StartWorkers(exec Executor) error {
	if exec == nil {
		return errors.New("executor is nil")
	}
	mux := asynq.NewServeMux()
	mux.Handle(taskTypeImport, importHandler(exec, q.logger))
	return q.server.Start(mux)
}

// RunWorkers は Asynq サーバーをシグナルを受けるまで実行します。
func (q *Queue) RunWorkers(exec Executor) error {
	if exec == nil {
		return errors.New("executor is nil")
	}
	mux := asynq.NewServeMux()
	mux.Handle(taskTypeImport, importHandler(exec, q.logger))
	return q.server.Run(mux)
}

// Shutdown はサーバーとクライアントを閉じます。
func (q *Queue) Shutdown() error {
	q.server.Shutdown()
	return q.client.Close()
}

func newImportTask(jobID, token string) (*asynq.Task, error) {
	if jobID == "" || token == "" {
		return nil, fmt.Errorf("jobID and token are required")
	}
	body, err := json.Marshal(&TaskPayload{JobID: jobID, Token: token})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskTypeImport, body), nil
}

func importHandler(exec Executor, logger *zap.Logger) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		var payload TaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		if payload.JobID == "" || payload.Token == "" {
			return fmt.Errorf("%w: missing jobId or token in payload", asynq.SkipRetry)
		}

		err := exec.Execute(ctx, payload.JobID, payload.Token)
		if errors.Is(err, ErrLockLost) {
			// 古いタスク。別の実行がジョブ枠を使っているので捨てる。
			logger.Warn("dropping stale import task", zap.String("job", payload.JobID))
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return nil
	})
}
