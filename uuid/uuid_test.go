package uuid

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnowFlakeUUID(t *testing.T) {
	_, err := NewSnowFlakeUUID(0)
	assert.Error(t, err)
	_, err = NewSnowFlakeUUID(NodeMax + 1)
	assert.Error(t, err)
}

func TestGenerateIDUnique(t *testing.T) {
	sf, err := NewSnowFlakeUUID(7)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id, err := sf.GenerateID()
				assert.NoError(t, err)
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 8000)

	id, _ := sf.GenerateID()
	assert.Equal(t, int64(7), MachineID(id))
	assert.Greater(t, id, int64(0))
}

func TestGenerateIDClockBackwards(t *testing.T) {
	sf, err := NewSnowFlakeUUID(1)
	require.NoError(t, err)
	base := time.Now()
	sf.now = func() time.Time { return base }
	_, err = sf.GenerateID()
	require.NoError(t, err)

	sf.now = func() time.Time { return base.Add(-time.Second) }
	_, err = sf.GenerateID()
	assert.True(t, errors.Is(err, ErrClockBackwards))
}
