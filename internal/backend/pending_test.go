package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingCallsResolve(t *testing.T) {
	t.Parallel()

	table := NewPendingCalls[string](clock.NewMock())
	call, addErr := table.Add(1, "threads", time.Time{})
	require.NoError(t, addErr)
	assert.Equal(t, 1, table.Len())

	require.True(t, table.Resolve(1, "ok"))
	assert.False(t, table.Resolve(1, "again"), "second resolution must be ignored")

	value, waitErr := call.Wait(context.Background())
	require.NoError(t, waitErr)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 0, table.Len())
}

func TestPendingCallsDuplicateSeq(t *testing.T) {
	t.Parallel()

	table := NewPendingCalls[int](nil)
	_, addErr := table.Add(7, "next", time.Time{})
	require.NoError(t, addErr)

	_, dupErr := table.Add(7, "next", time.Time{})
	assert.Error(t, dupErr)
}

func TestPendingCallTimeout(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	table := NewPendingCalls[string](mock)

	t.Run("deadline already elapsed", func(t *testing.T) {
		call, addErr := table.Add(1, "evaluate", mock.Now().Add(time.Second))
		require.NoError(t, addErr)
		mock.Add(2 * time.Second)

		_, waitErr := call.Wait(context.Background())
		require.ErrorIs(t, waitErr, ErrTimeout)
		assert.False(t, table.Resolve(1, "late"), "late response must not be delivered")
	})

	t.Run("deadline elapses while waiting", func(t *testing.T) {
		call, addErr := table.Add(2, "stackTrace", mock.Now().Add(time.Second))
		require.NoError(t, addErr)

		done := make(chan error, 1)
		go func() {
			_, waitErr := call.Wait(context.Background())
			done <- waitErr
		}()

		var got error
		require.Eventually(t, func() bool {
			mock.Add(250 * time.Millisecond)
			select {
			case got = <-done:
				return true
			default:
				return false
			}
		}, 5*time.Second, 5*time.Millisecond)

		require.ErrorIs(t, got, ErrTimeout)
		assert.Equal(t, 0, table.Len())
	})

	t.Run("response beats an elapsed deadline", func(t *testing.T) {
		call, addErr := table.Add(3, "scopes", mock.Now().Add(time.Second))
		require.NoError(t, addErr)
		require.True(t, table.Resolve(3, "scopes-body"))
		mock.Add(2 * time.Second)

		value, waitErr := call.Wait(context.Background())
		require.NoError(t, waitErr)
		assert.Equal(t, "scopes-body", value)
	})
}

func TestPendingCallsClose(t *testing.T) {
	t.Parallel()

	table := NewPendingCalls[string](nil)
	cause := errors.New("socket reset")

	var calls []*PendingCall[string]
	for seq := 1; seq <= 5; seq++ {
		call, addErr := table.Add(seq, "continue", time.Time{})
		require.NoError(t, addErr)
		calls = append(calls, call)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(calls))
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = call.Wait(context.Background())
		}()
	}

	table.Close(cause)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.ErrorIs(t, err, cause)
	}

	_, addErr := table.Add(6, "pause", time.Time{})
	assert.ErrorIs(t, addErr, ErrConnectionClosed)
	assert.False(t, table.Resolve(1, "late"))
}

func TestPendingCallCancelled(t *testing.T) {
	t.Parallel()

	table := NewPendingCalls[string](nil)
	call, addErr := table.Add(1, "evaluate", time.Time{})
	require.NoError(t, addErr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, waitErr := call.Wait(ctx)
	require.ErrorIs(t, waitErr, context.Canceled)
	assert.Equal(t, 0, table.Len())
}
