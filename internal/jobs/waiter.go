package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yourusername/csv-importer/internal/metrics"
)

// Waiter は共有ストアのキーを一定間隔でポーリングします。
// 試行回数が上限を超えるとヒューズが切れ、PollTimeoutError を返します。
type Waiter struct {
	store       Store
	interval    time.Duration
	maxAttempts int
	metrics     *metrics.Collector
}

// NewWaiter は Waiter を作成します。
func NewWaiter(store Store, interval time.Duration, maxAttempts int, collector *metrics.Collector) *Waiter {
	if interval <= 0 {
		interval = time.Second
	}
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &Waiter{
		store:       store,
		interval:    interval,
		maxAttempts: maxAttempts,
		metrics:     collector,
	}
}

// Wait は key が現れるまで待ち、その値を返します。
// ストアのエラーはリトライせずにそのまま返します。
func (w *Waiter) Wait(ctx context.Context, key string) ([]byte, error) {
	return w.WaitFunc(ctx, key, nil)
}

// WaitFunc は Wait と同じですが、次の試行までの待機の前に毎回 each を呼び出します。
// each がエラーを返した場合は待機を中断してそのエラーを返します。
func (w *Waiter) WaitFunc(ctx context.Context, key string, each func(context.Context) error) ([]byte, error) {
	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for attempt := 0; ; attempt++ {
		value, ok, err := w.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return value, nil
		}
		if attempt > w.maxAttempts {
			w.metrics.RecordPollTimeout()
			return nil, &PollTimeoutError{Key: key, Attempts: attempt + 1}
		}
		if each != nil {
			if err := each(ctx); err != nil {
				return nil, err
			}
		}

		timer.Reset(w.interval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitSignal はジョブのシグナルが立つまで待ちます。
func (w *Waiter) WaitSignal(ctx context.Context, jobID string, signal Signal) error {
	keys, err := KeysFor(jobID)
	if err != nil {
		return err
	}
	key, err := keys.Signal(signal)
	if err != nil {
		return err
	}
	_, err = w.Wait(ctx, key)
	return err
}

// WaitInfo は終了時の Snapshot が書き込まれるまで待ちます。
func (w *Waiter) WaitInfo(ctx context.Context, jobID string) (*Snapshot, error) {
	keys, err := KeysFor(jobID)
	if err != nil {
		return nil, err
	}
	data, err := w.Wait(ctx, keys.Info)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", keys.Info, err)
	}
	return &snap, nil
}
