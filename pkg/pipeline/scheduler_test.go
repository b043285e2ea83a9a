package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/audiolink/pkg/stage"
)

func TestEvery_Ticks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var ticks int
	require.NoError(t, Every(ctx, 5*time.Millisecond, func() { ticks++ }, nil))

	assert.GreaterOrEqual(t, ticks, 3)
	assert.LessOrEqual(t, ticks, 10)
}

func TestEvery_CountsOverruns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var ticks, missed int
	slow := func() {
		ticks++
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, Every(ctx, 2*time.Millisecond, slow, func(n int) { missed += n }))

	assert.Positive(t, missed)
	// Missed ticks are not replayed.
	assert.Less(t, ticks, 50)
}

func TestEvery_StopsWithinPeriod(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Every(ctx, 20*time.Millisecond, func() {}, nil) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Millisecond):
		t.Fatal("Every did not return within one period")
	}
}

func TestEvery_InvalidPeriod(t *testing.T) {
	assert.Error(t, Every(context.Background(), 0, func() {}, nil))
}

func TestOnReady_FIFOUntilClosed(t *testing.T) {
	ch, err := stage.New[int](4, stage.DropNewest)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		ch.TrySend(i)
	}
	ch.Close()

	var got []int
	require.NoError(t, OnReady(context.Background(), ch, func(v int) { got = append(got, v) }))
	assert.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestOnReady_StopsOnCancel(t *testing.T) {
	ch, err := stage.New[int](1, stage.DropNewest)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() { done <- OnReady(ctx, ch, func(int) { calls.Add(1) }) }()

	ch.TrySend(7)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("OnReady did not return after cancel")
	}
}
