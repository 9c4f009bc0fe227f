package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"bqdrain/internal/metrics"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func feed(n int, run func(i int) error) Producer {
	return func(ctx context.Context, tasks chan<- Task) error {
		for i := 0; i < n; i++ {
			i := i
			task := Task{Stage: "test", Item: fmt.Sprint(i), Run: func(context.Context) error { return run(i) }}
			select {
			case tasks <- task:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

func TestPoolRunsEveryTask(t *testing.T) {
	var ran atomic.Int64
	pool := NewPool(Config{Size: 4}, metrics.New(), zap.NewNop())

	err := pool.Run(context.Background(), feed(50, func(int) error {
		ran.Add(1)
		return nil
	}))

	assert.NoError(t, err)
	assert.Equal(t, int64(50), ran.Load())
}

func TestPoolContinuesAfterTaskError(t *testing.T) {
	var ran atomic.Int64
	pool := NewPool(Config{Size: 1}, nil, zap.NewNop())

	err := pool.Run(context.Background(), feed(5, func(i int) error {
		ran.Add(1)
		if i == 1 {
			return errors.New("boom")
		}
		return nil
	}))

	assert.NoError(t, err)
	assert.Equal(t, int64(5), ran.Load())
}

func TestPoolFailFastStopsOnFirstError(t *testing.T) {
	var ran atomic.Int64
	boom := errors.New("boom")
	pool := NewPool(Config{Size: 1}, nil, zap.NewNop()).WithFailFast(true)

	err := pool.Run(context.Background(), feed(5, func(i int) error {
		ran.Add(1)
		if i == 1 {
			return boom
		}
		return nil
	}))

	assert.ErrorIs(t, err, boom)
	assert.Less(t, ran.Load(), int64(5))
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := NewPool(Config{Size: 1, FailFast: true}, nil, zap.NewNop())

	err := pool.Run(context.Background(), feed(1, func(int) error {
		panic("bad item")
	}))

	assert.ErrorContains(t, err, "panicked")
}

func TestPoolReturnsProducerError(t *testing.T) {
	listErr := errors.New("list failed")
	pool := NewPool(Config{Size: 2}, nil, zap.NewNop())

	err := pool.Run(context.Background(), func(context.Context, chan<- Task) error {
		return listErr
	})

	assert.ErrorIs(t, err, listErr)
}
