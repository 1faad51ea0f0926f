package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/csv-importer/internal/config"
	"github.com/yourusername/csv-importer/internal/metrics"
)

// Pipeline はジョブ本体（CSVの解析・検証・登録）が実装します。
// 戻り値の結果は Finished の Snapshot に添付されます。
type Pipeline interface {
	Import(ctx context.Context, jobID string, cp Checkpoints) (any, error)
}

// Dispatcher はロックを取得した実行をワーカーに引き渡します。
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID, token string) error
}

// DispatchFunc は関数を Dispatcher として扱うためのアダプターです。
type DispatchFunc func(ctx context.Context, jobID, token string) error

// Dispatch は f を呼び出します。
func (f DispatchFunc) Dispatch(ctx context.Context, jobID, token string) error {
	return f(ctx, jobID, token)
}

// Status はジョブの現在状態をまとめたものです。
type Status struct {
	JobID     string    `json:"jobId"`
	Locked    bool      `json:"locked"`
	Progress  *Snapshot `json:"progress,omitempty"`
	Info      *Snapshot `json:"info,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Known はジョブについて何らかの情報が残っているかを返します。
func (s *Status) Known() bool {
	return s.Locked || s.Progress != nil || s.Info != nil || s.LastError != ""
}

// Manager はジョブの開始・進捗参照・確定・リセットを担います。
type Manager struct {
	cfg        *config.Config
	store      Store
	mutex      *Mutex
	waiter     *Waiter
	pipeline   Pipeline
	dispatcher Dispatcher
	metrics    *metrics.Collector
	logger     *zap.Logger

	// heartbeat はパイプライン実行中にリースを延長する間隔です。0 なら延長しません。
	heartbeat time.Duration
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store Store, pipeline Pipeline, dispatcher Dispatcher, collector *metrics.Collector, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		mutex:      NewMutex(store, cfg.LockTTL),
		waiter:     NewWaiter(store, cfg.PollInterval, cfg.PollMaxAttempts, collector),
		pipeline:   pipeline,
		dispatcher: dispatcher,
		metrics:    collector,
		logger:     logger,
		heartbeat:  cfg.LockTTL / 3,
	}, nil
}

// Waiter は設定に従った Waiter を返します。
func (m *Manager) Waiter() *Waiter {
	return m.waiter
}

// Run はジョブを開始します。既に実行中であれば開始せず、現在の Snapshot を返します。
// started はこの呼び出しで実行を開始したかどうかです。
func (m *Manager) Run(ctx context.Context, jobID string) (*Snapshot, bool, error) {
	if m.dispatcher == nil {
		return nil, false, errors.New("dispatcher is nil")
	}
	acq, err := m.mutex.TryAcquire(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if !acq.Acquired {
		m.metrics.RecordRejected()
		m.logger.Info("import already running",
			zap.String("job", jobID),
			zap.String("stage", acq.Current.Stage.String()))
		return acq.Current, false, nil
	}

	keys, _ := KeysFor(jobID)
	reporter := m.newReporter(keys, acq.Token, StageIdle)
	if err := reporter.begin(ctx); err != nil {
		m.abandon(keys, acq.Token, reporter, err)
		return nil, false, err
	}

	if err := m.dispatcher.Dispatch(ctx, jobID, acq.Token); err != nil {
		err = fmt.Errorf("failed to dispatch import %s: %w", jobID, err)
		m.abandon(keys, acq.Token, reporter, err)
		return nil, false, err
	}

	m.metrics.RecordStarted()
	m.logger.Info("import dispatched", zap.String("job", jobID), zap.String("token", acq.Token))
	snap := InitSnapshot()
	return &snap, true, nil
}

// Execute はワーカー側でパイプラインを実行します。
// token がもうロックを保持していない場合は ErrLockLost を返し、何もしません。
func (m *Manager) Execute(ctx context.Context, jobID, token string) error {
	if m.pipeline == nil {
		return errors.New("pipeline is nil")
	}
	keys, err := KeysFor(jobID)
	if err != nil {
		return err
	}

	reporter := m.newReporter(keys, token, StageInit)
	if err := reporter.Start(ctx); err != nil {
		if !errors.Is(err, ErrLockLost) {
			m.abandon(keys, token, reporter, err)
		}
		return err
	}

	started := time.Now()
	runCtx, cancel := context.WithCancelCause(ctx)
	stopHeartbeat := m.keepAlive(runCtx, cancel, reporter)
	result, runErr := m.pipeline.Import(runCtx, jobID, reporter)
	stopHeartbeat()
	if errors.Is(context.Cause(runCtx), ErrLockLost) {
		runErr = fmt.Errorf("import %s aborted: %w", jobID, ErrLockLost)
	}
	cancel(nil)

	if runErr == nil {
		runErr = reporter.OnFinish(ctx, result)
	}
	if runErr != nil {
		m.metrics.RecordFailed()
		m.logger.Error("import failed", zap.String("job", jobID), zap.Error(runErr))
		if failErr := reporter.Fail(context.WithoutCancel(ctx), runErr); failErr != nil && !errors.Is(failErr, ErrRunFinished) {
			m.logger.Error("failed to record import failure", zap.String("job", jobID), zap.Error(failErr))
		}
		return runErr
	}

	m.metrics.ObserveRun(time.Since(started).Seconds())
	m.logger.Info("import finished", zap.String("job", jobID), zap.Duration("elapsed", time.Since(started)))
	return nil
}

// Progress は最新の Snapshot を返します。公開前であれば nil です。
func (m *Manager) Progress(ctx context.Context, jobID string) (*Snapshot, error) {
	keys, err := KeysFor(jobID)
	if err != nil {
		return nil, err
	}
	return loadSnapshot(ctx, m.store, keys.Progress)
}

// Info は完了時の Snapshot を返します。完了していなければ nil です。
func (m *Manager) Info(ctx context.Context, jobID string) (*Snapshot, error) {
	keys, err := KeysFor(jobID)
	if err != nil {
		return nil, err
	}
	return loadSnapshot(ctx, m.store, keys.Info)
}

// Locked はジョブのロックが保持されているかを返します。
func (m *Manager) Locked(ctx context.Context, jobID string) (bool, error) {
	_, locked, err := m.mutex.Holder(ctx, jobID)
	return locked, err
}

// Exclusive はジョブのロックを取得してから fn を実行し、終了後に解放します。
// ロックを取得できなければ fn を呼ばずに ErrJobBusy を返します。
// 実行中は Run が開始されないので、入力ファイルの差し替えなどに使います。
func (m *Manager) Exclusive(ctx context.Context, jobID string, fn func(context.Context) error) error {
	acq, err := m.mutex.TryAcquire(ctx, jobID)
	if err != nil {
		return err
	}
	if !acq.Acquired {
		return fmt.Errorf("%w: %s", ErrJobBusy, jobID)
	}
	keys, _ := KeysFor(jobID)
	defer func() {
		if err := m.mutex.Release(context.WithoutCancel(ctx), keys, acq.Token); err != nil {
			m.logger.Error("failed to release job lock", zap.String("job", jobID), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// Status はロック・進捗・結果・直近のエラーをまとめて返します。
func (m *Manager) Status(ctx context.Context, jobID string) (*Status, error) {
	keys, err := KeysFor(jobID)
	if err != nil {
		return nil, err
	}
	_, locked, err := m.mutex.Holder(ctx, jobID)
	if err != nil {
		return nil, err
	}
	progress, err := loadSnapshot(ctx, m.store, keys.Progress)
	if err != nil {
		return nil, err
	}
	info, err := loadSnapshot(ctx, m.store, keys.Info)
	if err != nil {
		return nil, err
	}
	lastErr, _, err := m.store.Get(ctx, keys.Error)
	if err != nil {
		return nil, err
	}
	return &Status{
		JobID:     jobID,
		Locked:    locked,
		Progress:  progress,
		Info:      info,
		LastError: string(lastErr),
	}, nil
}

// Finalize は FinalStage で待機している実行に確定を指示します。
func (m *Manager) Finalize(ctx context.Context, jobID string) error {
	keys, err := KeysFor(jobID)
	if err != nil {
		return err
	}
	snap, err := loadSnapshot(ctx, m.store, keys.Progress)
	if err != nil {
		return err
	}
	if snap == nil || snap.Stage != StageFinalStage {
		return ErrNotAwaitingFinalize
	}
	if _, err := m.store.SetIfAbsent(ctx, keys.Finalize, signalValue, 0); err != nil {
		return err
	}
	m.logger.Info("import finalize requested", zap.String("job", jobID))
	return nil
}

// Reset はジョブのすべてのキーとロックを削除します。
// 実行中に呼び出してはいけません（呼び出し側の責任です）。
func (m *Manager) Reset(ctx context.Context, jobID string) error {
	keys, err := KeysFor(jobID)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, keys.all()...); err != nil {
		return err
	}
	m.logger.Info("import state reset", zap.String("job", jobID))
	return nil
}

func (m *Manager) newReporter(keys Keys, token string, stage Stage) *Reporter {
	message := m.cfg.FinishedMessage
	if message == "" {
		message = DefaultFinishedMessage
	}
	return &Reporter{
		store:           m.store,
		keys:            keys,
		token:           token,
		mutex:           m.mutex,
		finalizeWaiter:  NewWaiter(m.store, m.cfg.PollInterval, m.cfg.FinalizeAttempts(), m.metrics),
		autoFinalize:    m.cfg.AutoFinalize,
		finishedMessage: message,
		metrics:         m.metrics,
		logger:          m.logger,
		stage:           stage,
	}
}

// keepAlive はパイプラインの実行中、一定間隔でロックのリースを延長します。
// ロックを失った場合は ErrLockLost を原因として ctx をキャンセルします。
// 戻り値の関数は延長を止め、ゴルーチンの終了を待ちます。
func (m *Manager) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, reporter *Reporter) func() {
	if m.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := reporter.extend(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrLockLost):
				m.logger.Warn("import lock lost while running", zap.String("job", reporter.keys.JobID))
				cancel(ErrLockLost)
				return
			case ctx.Err() != nil:
				return
			default:
				m.logger.Warn("failed to extend import lock", zap.String("job", reporter.keys.JobID), zap.Error(err))
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (m *Manager) abandon(keys Keys, token string, reporter *Reporter, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reporter.Fail(ctx, cause); err != nil && !errors.Is(err, ErrRunFinished) {
		m.logger.Error("failed to release job lock",
			zap.String("job", keys.JobID),
			zap.String("token", token),
			zap.Error(err))
	}
}
