package delay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopDueOrder(t *testing.T) {
	q := New[int64, string]()
	base := time.Now()
	q.Push(3, base.Add(3*time.Second), "c")
	q.Push(1, base.Add(time.Second), "a")
	q.Push(2, base.Add(time.Second), "b")
	q.Push(4, base.Add(time.Hour), "d")

	assert.Equal(t, 4, q.Len())
	first, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Second), first)

	assert.Equal(t, []string{"a", "b", "c"}, q.PopDue(base.Add(5*time.Second)))
	assert.Equal(t, 1, q.Len())
	assert.False(t, q.Contains(1))
	assert.True(t, q.Contains(4))
}

func TestPushReplaces(t *testing.T) {
	q := New[string, int]()
	base := time.Now()
	q.Push("x", base.Add(time.Hour), 1)
	q.Push("x", base, 2)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, []int{2}, q.PopDue(base))
}

func TestRemove(t *testing.T) {
	q := New[int, int]()
	q.Push(1, time.Now(), 10)
	v, ok := q.Remove(1)
	assert.True(t, ok)
	assert.Equal(t, 10, v)
	_, ok = q.Remove(1)
	assert.False(t, ok)
	_, ok = q.Peek()
	assert.False(t, ok)
}

func TestTake(t *testing.T) {
	q := New[int, int]()
	base := time.Now()
	for i := 1; i <= 6; i++ {
		q.Push(i, base.Add(time.Duration(10-i)*time.Second), i)
	}
	even := q.Take(func(v int) bool { return v%2 == 0 }, 2)
	assert.Equal(t, []int{6, 4}, even)
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, []int{5, 3, 2, 1}, q.Drain())
	assert.Equal(t, 0, q.Len())
}

func TestWait(t *testing.T) {
	q := New[int, int]()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	q.Push(1, start.Add(50*time.Millisecond), 1)
	v, err := q.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestWaitWakesOnEarlierPush(t *testing.T) {
	q := New[int, int]()
	q.Push(1, time.Now().Add(time.Hour), 1)

	got := make(chan int, 1)
	go func() {
		v, err := q.Wait(context.Background())
		if err == nil {
			got <- v
		}
	}()
	time.Sleep(20 * time.Millisecond)
	q.Push(2, time.Now(), 2)

	select {
	case v := <-got:
		assert.Equal(t, 2, v)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestWaitManyWaiters(t *testing.T) {
	q := New[int, int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Wait(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				got = append(got, v)
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < 100; i++ {
		q.Push(i, time.Now(), i)
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
}

func TestWaitCancel(t *testing.T) {
	q := New[int, int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
