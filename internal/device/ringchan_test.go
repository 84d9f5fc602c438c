package device

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingChannel_DropsOldest(t *testing.T) {
	rc := NewRingChannel[int](3)

	for i := 0; i < 5; i++ {
		dropped := rc.Send(i)
		assert.Equal(t, i >= 3, dropped, "send %d", i)
	}

	assert.Equal(t, 3, rc.Len())
	assert.Equal(t, int64(5), rc.Written())
	assert.Equal(t, int64(2), rc.Overwritten())

	var got []int
	for {
		v, ok := rc.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{2, 3, 4}, got)
}

func TestRingChannel_Drain(t *testing.T) {
	rc := NewRingChannel[string](4)
	rc.Send("a")
	rc.Send("b")

	assert.Equal(t, 2, rc.Drain())
	assert.Equal(t, 0, rc.Len())
	assert.Equal(t, 4, rc.Cap())

	_, ok := rc.TryReceive()
	assert.False(t, ok)
}

func TestRingChannel_ConcurrentProducerNeverBlocks(t *testing.T) {
	rc := NewRingChannel[int](2)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				rc.Send(i)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-rc.C():
			case <-done:
				return
			}
		}
	}()

	wg.Wait()
	close(done)

	assert.Equal(t, int64(4000), rc.Written())
	assert.LessOrEqual(t, rc.Len(), 2)
}

func TestRingChannel_InvalidCapacity(t *testing.T) {
	require.Panics(t, func() { NewRingChannel[int](0) })
}
