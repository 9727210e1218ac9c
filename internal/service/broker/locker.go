package broker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"companionchat/internal/redis"

	"github.com/google/uuid"
)

// Locker serializes work for a single user.
type Locker interface {
	Lock(ctx context.Context, userID int64) (unlock func(), err error)
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedLocker is an in-process per-user mutex. Entries are dropped once no
// caller holds or waits on them.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[int64]*keyedEntry
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[int64]*keyedEntry)}
}

func (l *KeyedLocker) Lock(ctx context.Context, userID int64) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[userID]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		l.locks[userID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(userID, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(userID, e)
		})
	}, nil
}

func (l *KeyedLocker) release(userID int64, e *keyedEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, userID)
	}
	l.mu.Unlock()
}

// unlockScript deletes the key only if it still holds our token.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

var ErrLockTimeout = errors.New("timed out waiting for user lock")

// RedisLocker coordinates per-user serialization across instances.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	wait   time.Duration
}

// NewRedisLocker builds a lock whose keys expire after ttl so a crashed holder
// cannot block a user forever.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, retry: 50 * time.Millisecond, wait: ttl}
}

func lockKey(userID int64) string {
	return "lock:user:" + strconv.FormatInt(userID, 10)
}

func (l *RedisLocker) Lock(ctx context.Context, userID int64) (func(), error) {
	key := lockKey(userID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if _, err := l.client.Eval(ctx, unlockScript, []string{key}, token); err != nil {
				log.WithError(err).WithField("user_id", userID).Warn("release user lock")
			}
		})
	}, nil
}
