package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/yourusername/csv-importer/internal/metrics"
)

// Checkpoints はインポート処理が各段階で呼び出すチェックポイントです。
type Checkpoints interface {
	// OnInit は初期化の完了を通知します。total は処理対象の行数です。
	OnInit(ctx context.Context, total int) error
	OnProgress(ctx context.Context, processed, remains int) error
	OnFinalStage(ctx context.Context) error
	// AwaitFinalize は呼び出し側の確定操作を待ちます。
	AwaitFinalize(ctx context.Context) error
}

var signalValue = []byte("1")

// Reporter はジョブ側で Snapshot とシグナルを書き込む唯一の書き手です。
type Reporter struct {
	store           Store
	keys            Keys
	token           string
	mutex           *Mutex
	finalizeWaiter  *Waiter
	autoFinalize    bool
	finishedMessage string
	metrics         *metrics.Collector
	logger          *zap.Logger

	mu        sync.Mutex
	stage     Stage
	processed int
	remains   int
	closed    bool
}

var _ Checkpoints = (*Reporter)(nil)

// Stage は最後に公開した段階を返します。
func (r *Reporter) Stage() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// Publish は段階と件数から Snapshot を公開します。
// Snapshot を先に書き込み、その後で段階のシグナルを立てます。
func (r *Reporter) Publish(ctx context.Context, stage Stage, processed, remains int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishLocked(ctx, NewSnapshot(stage, r.messageFor(stage), processed, remains))
}

// Start はパイプラインの実行開始を通知します。
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunFinished
	}
	if err := r.mutex.Extend(ctx, r.keys, r.token); err != nil {
		return err
	}
	_, err := r.store.SetIfAbsent(ctx, r.keys.Started, signalValue, 0)
	return err
}

// OnInit は Init から Running へ遷移します。
func (r *Reporter) OnInit(ctx context.Context, total int) error {
	return r.Publish(ctx, StageRunning, 0, total)
}

// OnProgress は Running の件数を更新します。
func (r *Reporter) OnProgress(ctx context.Context, processed, remains int) error {
	return r.Publish(ctx, StageRunning, processed, remains)
}

// OnFinalStage は全行の処理後に FinalStage へ遷移します。
func (r *Reporter) OnFinalStage(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishLocked(ctx, NewSnapshot(StageFinalStage, MessageFinalStage, r.processed, r.remains))
}

// AwaitFinalize は確定シグナルを待ちます。自動確定が有効な場合はすぐに戻ります。
func (r *Reporter) AwaitFinalize(ctx context.Context) error {
	if stage := r.Stage(); stage != StageFinalStage {
		return fmt.Errorf("%w: await finalize from %s", ErrStageOrder, stage)
	}
	if r.autoFinalize {
		return nil
	}
	// 確定を待つ間もポーリングのたびにリースを延長する
	_, err := r.finalizeWaiter.WaitFunc(ctx, r.keys.Finalize, r.extend)
	return err
}

// extend はロックのリースを延長します。別の実行に奪われていれば ErrLockLost です。
func (r *Reporter) extend(ctx context.Context) error {
	return r.mutex.Extend(ctx, r.keys, r.token)
}

// OnFinish は Finished を公開し、info キーに書き込んでからロックを解放します。
func (r *Reporter) OnFinish(ctx context.Context, result any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := NewSnapshot(StageFinished, r.finishedMessage, r.processed, r.remains)
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		snap.Result = raw
	}
	return r.publishLocked(ctx, snap)
}

// Fail は実行を中断し、エラーを記録してジョブ枠を解放します。
func (r *Reporter) Fail(ctx context.Context, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunFinished
	}
	r.closed = true

	// リースが切れて別の実行がロックを取得している場合、そのキーには触れません。
	if err := r.mutex.Extend(ctx, r.keys, r.token); err != nil {
		if errors.Is(err, ErrLockLost) {
			r.logger.Warn("import lock lost before failure was recorded", zap.String("job", r.keys.JobID))
			return nil
		}
		return err
	}

	message := "import failed"
	if cause != nil {
		message = cause.Error()
	}
	if err := r.store.Set(ctx, r.keys.Error, []byte(message), 0); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, r.keys.Progress, r.keys.Started, r.keys.InitFinished, r.keys.FinalStageStarted, r.keys.Finalize); err != nil {
		return err
	}
	return r.mutex.Release(ctx, r.keys, r.token)
}

// begin はロック取得直後に Init を公開し、前回の実行の残りを消します。
func (r *Reporter) begin(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.publishLocked(ctx, InitSnapshot()); err != nil {
		return err
	}
	return r.store.Delete(ctx, r.keys.Started, r.keys.InitFinished, r.keys.FinalStageStarted, r.keys.Info, r.keys.Finalize, r.keys.Error)
}

func (r *Reporter) publishLocked(ctx context.Context, snap Snapshot) error {
	if r.closed {
		return ErrRunFinished
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	if err := r.checkTransition(snap); err != nil {
		return err
	}
	// Init はロック取得直後に書くのでリースの確認は不要です。
	if snap.Stage != StageInit {
		if err := r.mutex.Extend(ctx, r.keys, r.token); err != nil {
			return err
		}
	}

	if err := saveSnapshot(ctx, r.store, r.keys.Progress, snap, 0); err != nil {
		return err
	}
	if key := r.keys.stageSignal(snap.Stage); key != "" {
		if _, err := r.store.SetIfAbsent(ctx, key, signalValue, 0); err != nil {
			return err
		}
	}
	if snap.Stage == StageFinished {
		if err := saveSnapshot(ctx, r.store, r.keys.Info, snap, 0); err != nil {
			return err
		}
		if err := r.mutex.Release(ctx, r.keys, r.token); err != nil {
			return err
		}
		r.closed = true
	}

	if snap.Stage != r.stage {
		r.metrics.RecordStage(snap.Stage.String())
		r.logger.Info("import stage changed",
			zap.String("job", r.keys.JobID),
			zap.String("stage", snap.Stage.String()),
			zap.Int("processed", snap.Processed),
			zap.Int("remains", snap.Remains))
	}
	r.metrics.SetRowsProcessed(r.keys.JobID, snap.Processed)

	r.stage = snap.Stage
	r.processed = snap.Processed
	r.remains = snap.Remains
	return nil
}

func (r *Reporter) checkTransition(snap Snapshot) error {
	next := snap.Stage
	switch {
	case next == r.stage+1:
	case next == StageRunning && r.stage == StageRunning:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrStageOrder, r.stage, next)
	}

	// Init からの遷移では件数が初めて確定するので比較しません。
	if r.stage <= StageInit {
		return nil
	}
	if snap.Processed < r.processed || snap.Remains > r.remains {
		return fmt.Errorf("%w: processed %d -> %d, remains %d -> %d",
			ErrNotMonotonic, r.processed, snap.Processed, r.remains, snap.Remains)
	}
	return nil
}

func (r *Reporter) messageFor(stage Stage) string {
	switch stage {
	case StageInit:
		return MessageInit
	case StageRunning:
		return MessageRunning
	case StageFinalStage:
		return MessageFinalStage
	case StageFinished:
		return r.finishedMessage
	}
	return ""
}
