// 文件: pkg/reset/lock.go
// Redis 分布式锁: 多个调度实例同时被 cron 唤醒时只有一个真正执行

package reset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld 锁已过期或被别人持有
var ErrLockNotHeld = errors.New("reset: lock not held")

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// Locker 任务互斥
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// RedisLock SET NX PX + 持有者校验的释放
type RedisLock struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLock ttl 应大于任务最长执行时间
func NewRedisLock(client redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

// TryLock 非阻塞获取；每次获取生成新的 token
func (l *RedisLock) TryLock(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Unlock 只有持有者才能释放
func (l *RedisLock) Unlock(ctx context.Context) error {
	if l.token == "" {
		return ErrLockNotHeld
	}
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	l.token = ""
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
