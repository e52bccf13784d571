package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialPreservesOrder(t *testing.T) {
	e := NewSerial(16)
	e.Start(context.Background())
	defer e.Stop(context.Background())

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, e.Submit(Command{Name: "n", Do: func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}}))
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestSerialDedupesByKey(t *testing.T) {
	e := NewSerial(16)
	release := make(chan struct{})
	done := make(chan struct{})
	e.Start(context.Background())
	defer e.Stop(context.Background())

	require.NoError(t, e.Submit(Command{Name: "cancel", Kind: "cancel", Key: "cancel:1", Do: func(ctx context.Context) {
		<-release
		close(done)
	}}))
	err := e.Submit(Command{Name: "cancel", Kind: "cancel", Key: "cancel:1", Do: func(ctx context.Context) {}})
	if !errors.Is(err, ErrDuplicateInFlight) {
		t.Fatalf("同 key 的命令应被拒绝，实际 %v", err)
	}
	assert.Equal(t, 1, e.InFlight("cancel"))

	close(release)
	<-done
	assert.True(t, e.AwaitKind(context.Background(), "cancel", 5*time.Millisecond, 100))
	require.NoError(t, e.Submit(Command{Name: "cancel", Kind: "cancel", Key: "cancel:1", Do: func(ctx context.Context) {}}))
}

func TestAwaitKindGivesUpAfterMaxPolls(t *testing.T) {
	e := NewSerial(4)
	block := make(chan struct{})
	e.Start(context.Background())
	defer func() {
		close(block)
		e.Stop(context.Background())
	}()
	require.NoError(t, e.Submit(Command{Name: "slow", Kind: "cancel", Do: func(ctx context.Context) {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}}))
	assert.False(t, e.AwaitKind(context.Background(), "cancel", time.Millisecond, 3))
}

func TestSubmitAfterStop(t *testing.T) {
	e := NewSerial(4)
	e.Start(context.Background())
	require.NoError(t, e.Stop(context.Background()))
	assert.ErrorIs(t, e.Submit(Command{Name: "late"}), ErrStopped)
}
