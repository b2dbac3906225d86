package async

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	assert.Equal(t, 2, pool.Size())
	assert.Equal(t, 2, pool.Available())

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var ran atomic.Int32
	work := func() {
		started <- struct{}{}
		<-release
		ran.Add(1)
	}

	assert.True(t, pool.TryGo(work))
	assert.True(t, pool.TryGo(work))
	<-started
	<-started

	assert.False(t, pool.TryGo(work), "pool is full")
	assert.Equal(t, 2, pool.Busy())
	assert.Equal(t, 0, pool.Available())

	close(release)
	pool.Wait()
	assert.EqualValues(t, 2, ran.Load())
	assert.Equal(t, 0, pool.Busy())
	assert.True(t, pool.TryGo(func() {}))
	pool.Wait()
}

func TestWorkerPoolMinimumSize(t *testing.T) {
	assert.Equal(t, 1, NewWorkerPool(0).Size())
	assert.Equal(t, 1, NewWorkerPool(-3).Size())
}
