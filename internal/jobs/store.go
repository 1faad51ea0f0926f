package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store は協調するすべてのプロセスから到達できる共有キーバリューストアです。
// すべての操作は単一のアトミックなコマンドとして実行されなければなりません。
type Store interface {
	// Get は値を返します。キーが無い場合は ok=false です。
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// SetIfAbsent はキーが存在しない場合のみ保存し、保存したかどうかを返します。
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Leaser はトークンが一致する場合にだけロックを延長・解放できるストアが実装します。
// 実装していないストアではリースの延長を行わず、解放は Delete で行います。
type Leaser interface {
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseIf(ctx context.Context, key, token string) (bool, error)
}

var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[2]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisStore は Store を Redis で実装します。
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。
// ttl は呼び出し側が有効期限を指定しなかったキーに適用する保持期間です（0 なら無期限）。
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はキーの値を取得します。
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, storeError("get", key, err)
	}
	return data, true, nil
}

// SetIfAbsent は SET NX で保存します。
func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, s.expiry(ttl)).Result()
	if err != nil {
		return false, storeError("setnx", key, err)
	}
	return ok, nil
}

// Set はキーを上書き保存します。
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, s.expiry(ttl)).Err(); err != nil {
		return storeError("set", key, err)
	}
	return nil
}

// Delete はキーを削除します。存在しないキーはエラーになりません。
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return storeError("del", fmt.Sprint(keys), err)
	}
	return nil
}

// Extend は値が token と一致する場合のみ有効期限を延長します。
func (s *RedisStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.rdb, []string{key}, token, s.expiry(ttl).Milliseconds()).Int()
	if err != nil {
		return false, storeError("extend", key, err)
	}
	return n == 1, nil
}

// ReleaseIf は値が token と一致する場合のみキーを削除します。
func (s *RedisStore) ReleaseIf(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{key}, token).Int()
	if err != nil {
		return false, storeError("release", key, err)
	}
	return n == 1, nil
}

// Ping は Redis への疎通を確認します。
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return storeError("ping", "", err)
	}
	return nil
}

func (s *RedisStore) expiry(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return s.ttl
}

func loadSnapshot(ctx context.Context, st Store, key string) (*Snapshot, error) {
	data, ok, err := st.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", key, err)
	}
	return &snap, nil
}

func saveSnapshot(ctx context.Context, st Store, key string, snap Snapshot, ttl time.Duration) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return st.Set(ctx, key, payload, ttl)
}
