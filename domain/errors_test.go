package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopErrorMatchesMaxLoops(t *testing.T) {
	for _, reason := range []StopReason{StopLoopCap, StopUnsafeHealth, StopBelowFloor} {
		t.Run(string(reason), func(t *testing.T) {
			err := fmt.Errorf("executeLoop: %w", Stop(reason, "detail %d", 1))

			assert.True(t, errors.Is(err, ErrMaxLoopsReached))
			assert.False(t, errors.Is(err, ErrHealthFactorTooLow))

			got, ok := StopReasonOf(err)
			require.True(t, ok)
			assert.Equal(t, reason, got)
			assert.Contains(t, err.Error(), "detail 1")
		})
	}

	_, ok := StopReasonOf(ErrInvalidAmount)
	assert.False(t, ok)
}

func TestSentinels(t *testing.T) {
	assert.True(t, IsMax(MaxAmount))
	assert.False(t, IsMax(Wad))
	assert.False(t, IsMax(nil))
	assert.True(t, IsInfinite(InfiniteHealthFactor))
}
