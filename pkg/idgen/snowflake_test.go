package idgen

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerator_UniqueAndOrdered(t *testing.T) {
	g, err := New(7)
	require.NoError(t, err)

	prev := int64(0)
	for i := 0; i < 1000; i++ {
		id, err := strconv.ParseInt(g.NextID(), 10, 64)
		require.NoError(t, err)
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestGenerator_Concurrent(t *testing.T) {
	g := Default()

	var mu sync.Mutex
	seen := make(map[int64]struct{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := g.NextInt64()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 4000)
}

func TestNew_InvalidNode(t *testing.T) {
	_, err := New(4096)
	require.Error(t, err)
}
