package shardmap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLoadDelete(t *testing.T) {
	m := New[int](4)

	_, existed := m.Store("a", 1)
	assert.False(t, existed)

	prev, existed := m.Store("a", 2)
	assert.True(t, existed)
	assert.Equal(t, 1, prev)

	v, ok := m.Load("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = m.LoadAndDelete("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = m.Load("a")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestComputeKeepsAndRemoves(t *testing.T) {
	m := New[[]string](0)

	m.Compute("k", func(cur []string, _ bool) ([]string, bool) {
		return append(cur, "x"), true
	})
	m.Compute("k", func(cur []string, exists bool) ([]string, bool) {
		require.True(t, exists)
		return append(cur, "y"), true
	})

	v, ok := m.Load("k")
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, v)

	m.Compute("k", func([]string, bool) ([]string, bool) { return nil, false })
	_, ok = m.Load("k")
	assert.False(t, ok)
}

func TestRangeVisitsEveryKey(t *testing.T) {
	m := New[int](8)
	for i := 0; i < 100; i++ {
		m.Store(fmt.Sprintf("key-%d", i), i)
	}

	seen := 0
	m.Range(func(string, int) bool {
		seen++
		return true
	})
	assert.Equal(t, 100, seen)

	stopped := 0
	m.Range(func(string, int) bool {
		stopped++
		return stopped < 10
	})
	assert.Equal(t, 10, stopped)
}

func TestConcurrentCompute(t *testing.T) {
	m := New[int](16)

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				m.Compute(fmt.Sprintf("counter-%d", i%5), func(cur int, _ bool) (int, bool) {
					return cur + 1, true
				})
			}
		}()
	}
	wg.Wait()

	total := 0
	m.Range(func(_ string, v int) bool {
		total += v
		return true
	})
	assert.Equal(t, 20*500, total)
	assert.Equal(t, 5, m.Len())
}
