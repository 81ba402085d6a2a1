package mlresult

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombine(t *testing.T) {
	e := errors.New("interpreter crashed")

	t.Run("all success", func(t *testing.T) {
		got := Combine([]Result[int]{Success(1), Success(2)})
		assert.Equal(t, Success([]int{1, 2}), got)
	})

	t.Run("error wins", func(t *testing.T) {
		got := Combine([]Result[int]{Success(1), Failure[int](e, false)})
		assert.Equal(t, Failure[[]int](e, false), got)
	})

	t.Run("error beats degraded", func(t *testing.T) {
		got := Combine([]Result[int]{
			DegradedWith(ErrResourceExhausted, 1, "low memory"),
			Failure[int](e, true),
		})
		require.True(t, got.IsError())
		assert.ErrorIs(t, got.Err(), e)
		assert.True(t, got.Retryable())
	})

	t.Run("degraded collects values", func(t *testing.T) {
		got := Combine([]Result[int]{Success(1), DegradedWith(e, 2, "m")})
		assert.Equal(t, DegradedWith(e, []int{1, 2}, "m"), got)
	})

	t.Run("several errors are joined", func(t *testing.T) {
		other := errors.New("second")
		got := Combine([]Result[int]{Failure[int](e, true), Failure[int](other, false)})
		require.True(t, got.IsError())
		assert.ErrorIs(t, got.Err(), e)
		assert.ErrorIs(t, got.Err(), other)
		assert.False(t, got.Retryable())
	})

	t.Run("several degradations summarised", func(t *testing.T) {
		got := Combine([]Result[int]{
			Degraded[int](e, "first"),
			Degraded[int](ErrResourceExhausted, "second"),
		})
		require.True(t, got.IsDegraded())
		assert.ErrorIs(t, got.Err(), e)
		assert.Equal(t, "2 operations degraded: first; second", got.Message())
		_, ok := got.Value()
		assert.False(t, ok)
	})

	t.Run("empty batch", func(t *testing.T) {
		got := Combine[int](nil)
		require.True(t, got.IsSuccess())
		v, _ := got.Value()
		assert.Empty(t, v)
	})
}
