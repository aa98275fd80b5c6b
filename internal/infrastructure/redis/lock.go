package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/sawpanic/stockrun/internal/domain"
)

const lockKeyPrefix = "discovery/lock/"

// releaseScript deletes the lock only while the caller's token is still in
// it. A lock that expired and was re-acquired by someone else stays theirs.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Lock is the per-strategy run mutex. TTL expiry releases a crashed
// holder's lock without operator intervention.
type Lock struct {
	client *goredis.Client
	key    string
	ttl    time.Duration

	token    string
	newToken func() string
}

func NewLock(client *goredis.Client, strategy string, ttl time.Duration) *Lock {
	return &Lock{
		client:   client,
		key:      lockKeyPrefix + strategy,
		ttl:      ttl,
		newToken: uuid.NewString,
	}
}

// Key returns the datastore key this lock guards.
func (l *Lock) Key() string {
	return l.key
}

// Acquire takes the lock if nobody holds it. Returns domain.ErrLockHeld when
// another holder owns it; callers exit non-zero or skip, they never wait.
func (l *Lock) Acquire(ctx context.Context) error {
	token := l.newToken()

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !ok {
		return domain.ErrLockHeld
	}

	l.token = token
	return nil
}

// Release frees the lock via compare-and-delete. Releasing a lock this
// instance no longer holds is a no-op, not an error.
func (l *Lock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}

	err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("lock release: %w", err)
	}

	l.token = ""
	return nil
}
