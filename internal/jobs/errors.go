package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable は共有ストアへのアクセスに失敗したことを表します。
	// 「実行中ではない」とは決して解釈しません。
	ErrStoreUnavailable = errors.New("shared store unavailable")

	// ErrPollTimeout はヒューズ（試行回数の上限）を超えたことを表します。
	ErrPollTimeout = errors.New("poll timeout")

	ErrInvalidJobID        = errors.New("invalid job id")
	ErrStageOrder          = errors.New("stage transition out of order")
	ErrNotMonotonic        = errors.New("progress moved backwards")
	ErrRunFinished         = errors.New("run already finished")
	ErrLockLost            = errors.New("job lock is not held by this run")
	ErrNotAwaitingFinalize = errors.New("job is not awaiting finalization")

	// ErrJobBusy は別の実行や準備がジョブのロックを保持していることを表します。
	ErrJobBusy = errors.New("job is locked by another run")
)

// PollTimeoutError は Waiter のヒューズが切れたときに返されます。
type PollTimeoutError struct {
	Key      string
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("timeout error. check your queue. key: %s (attempts: %d)", e.Key, e.Attempts)
}

// Is は errors.Is(err, ErrPollTimeout) を満たすために実装しています。
func (e *PollTimeoutError) Is(target error) bool {
	return target == ErrPollTimeout
}

func storeError(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrStoreUnavailable, op, key, err)
}
