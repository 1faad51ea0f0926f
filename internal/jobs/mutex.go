package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Acquisition は TryAcquire の結果です。
// Acquired でない場合、Current には実行中ジョブの最新の Snapshot が入ります。
type Acquisition struct {
	Acquired bool
	Token    string
	Current  *Snapshot
}

// Mutex は共有ストア上のロックキーでジョブの同時実行を一つに制限します。
type Mutex struct {
	store    Store
	lease    time.Duration
	newToken func() string
}

// NewMutex は Mutex を作成します。lease はロックキーの有効期限です。
func NewMutex(store Store, lease time.Duration) *Mutex {
	return &Mutex{
		store:    store,
		lease:    lease,
		newToken: uuid.NewString,
	}
}

// TryAcquire は SET NX でロックを取得します。
// 既に実行中の場合はエラーではなく現在の Snapshot を返します。
func (m *Mutex) TryAcquire(ctx context.Context, jobID string) (Acquisition, error) {
	keys, err := KeysFor(jobID)
	if err != nil {
		return Acquisition{}, err
	}

	token := m.newToken()
	ok, err := m.store.SetIfAbsent(ctx, keys.Lock, []byte(token), m.lease)
	if err != nil {
		return Acquisition{}, err
	}
	if ok {
		return Acquisition{Acquired: true, Token: token}, nil
	}

	current, err := loadSnapshot(ctx, m.store, keys.Progress)
	if err != nil {
		return Acquisition{}, err
	}
	// ロックが保持されている間は少なくとも Init です。
	// Finished は前回の実行の残りなので同様に扱います。
	if current == nil || current.Stage == StageFinished {
		snap := InitSnapshot()
		current = &snap
	}
	return Acquisition{Current: current}, nil
}

// Holder はロックを保持している実行のトークンを返します。
func (m *Mutex) Holder(ctx context.Context, jobID string) (string, bool, error) {
	keys, err := KeysFor(jobID)
	if err != nil {
		return "", false, err
	}
	value, ok, err := m.store.Get(ctx, keys.Lock)
	if err != nil || !ok {
		return "", false, err
	}
	return string(value), true, nil
}

// Extend は token がロックを保持している場合に有効期限を延長します。
func (m *Mutex) Extend(ctx context.Context, keys Keys, token string) error {
	if leaser, ok := m.store.(Leaser); ok {
		held, err := leaser.Extend(ctx, keys.Lock, token, m.lease)
		if err != nil {
			return err
		}
		if !held {
			return ErrLockLost
		}
		return nil
	}
	value, ok, err := m.store.Get(ctx, keys.Lock)
	if err != nil {
		return err
	}
	if !ok || string(value) != token {
		return ErrLockLost
	}
	return nil
}

// Release は token が保持しているロックを解放します。
func (m *Mutex) Release(ctx context.Context, keys Keys, token string) error {
	if leaser, ok := m.store.(Leaser); ok {
		_, err := leaser.ReleaseIf(ctx, keys.Lock, token)
		return err
	}
	return m.store.Delete(ctx, keys.Lock)
}
