package redis

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
)

// Reader serves the monitor's view of published results. It only ever
// reads; publishing stays with the discovery run that holds the lock.
type Reader struct {
	client *goredis.Client
}

func NewReader(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// Status returns the raw status document. present=false means no run has
// published yet or the last document aged out with its TTL.
func (r *Reader) Status(ctx context.Context) ([]byte, bool, error) {
	doc, err := r.client.Get(ctx, statusKey).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read status: %w", err)
	}
	return doc, true, nil
}

// Contenders returns the published candidate document for a strategy.
func (r *Reader) Contenders(ctx context.Context, strategy string) ([]byte, bool, error) {
	doc, err := r.client.Get(ctx, contendersKeyPrefix+strategy).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read contenders for %s: %w", strategy, err)
	}
	return doc, true, nil
}
