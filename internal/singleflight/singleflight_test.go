package singleflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestTryUpdateRunsProducer(t *testing.T) {
	var g Guard
	updated, err := g.TryUpdate(context.Background(), func(context.Context) (interface{}, error) {
		return "token", nil
	})
	require.NoError(t, err)
	require.True(t, updated)
	require.Equal(t, "token", g.Value())
	require.EqualValues(t, 1, g.Updates())
}

func TestTryUpdateCoalescesConcurrentCallers(t *testing.T) {
	for _, n := range []int{2, 10, 100} {
		var g Guard
		var executions int32
		start := make(chan struct{})

		eg := new(errgroup.Group)
		for i := 0; i < n; i++ {
			eg.Go(func() error {
				<-start
				updated, err := g.TryUpdate(context.Background(), func(context.Context) (interface{}, error) {
					atomic.AddInt32(&executions, 1)
					time.Sleep(200 * time.Millisecond)
					return "fresh", nil
				})
				if err != nil {
					return err
				}
				if !updated {
					return errors.New("caller did not observe an update")
				}
				return nil
			})
		}
		close(start)
		require.NoError(t, eg.Wait())
		require.EqualValues(t, 1, atomic.LoadInt32(&executions), "N=%d", n)
		require.Equal(t, "fresh", g.Value())
	}
}

func TestTryUpdateStaleCallerRunsOwnAttempt(t *testing.T) {
	var g Guard
	var executions int32
	producer := func(context.Context) (interface{}, error) {
		return atomic.AddInt32(&executions, 1), nil
	}

	_, err := g.TryUpdate(context.Background(), producer)
	require.NoError(t, err)
	_, err = g.TryUpdate(context.Background(), producer)
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt32(&executions))
	require.EqualValues(t, 2, g.Updates())
}

func TestTryUpdateWaiterObservesCancellation(t *testing.T) {
	var g Guard
	block := make(chan struct{})
	ownerStarted := make(chan struct{})

	go func() {
		_, _ = g.TryUpdate(context.Background(), func(context.Context) (interface{}, error) {
			close(ownerStarted)
			<-block
			return "slow", nil
		})
	}()
	<-ownerStarted

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.TryUpdate(ctx, func(context.Context) (interface{}, error) {
			return "waiter", nil
		})
		done <- err
	}()

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(block)
}

func TestTryUpdateFailedProducerReleasesWaiters(t *testing.T) {
	var g Guard
	block := make(chan struct{})
	ownerStarted := make(chan struct{})
	boom := errors.New("boom")

	ownerDone := make(chan error, 1)
	go func() {
		_, err := g.TryUpdate(context.Background(), func(context.Context) (interface{}, error) {
			close(ownerStarted)
			<-block
			return nil, boom
		})
		ownerDone <- err
	}()
	<-ownerStarted

	var waiterRan int32
	waiterDone := make(chan error, 1)
	go func() {
		_, err := g.TryUpdate(context.Background(), func(context.Context) (interface{}, error) {
			atomic.AddInt32(&waiterRan, 1)
			return "recovered", nil
		})
		waiterDone <- err
	}()

	close(block)
	require.ErrorIs(t, <-ownerDone, boom)
	require.NoError(t, <-waiterDone)
	require.EqualValues(t, 1, atomic.LoadInt32(&waiterRan), "waiter must retry the update after the failed one")
	require.Equal(t, "recovered", g.Value())
}

func TestValueIsTransactional(t *testing.T) {
	var g Guard
	_, err := g.TryUpdate(context.Background(), func(context.Context) (interface{}, error) {
		return "old", nil
	})
	require.NoError(t, err)

	block := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = g.TryUpdate(context.Background(), func(context.Context) (interface{}, error) {
			close(started)
			<-block
			return "new", nil
		})
	}()

	<-started
	require.Equal(t, "old", g.Value(), "readers must see the old value while an update is in flight")
	close(block)
	wg.Wait()
	require.Equal(t, "new", g.Value())
}
