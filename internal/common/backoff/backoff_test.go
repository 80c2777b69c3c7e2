package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayDoubles(t *testing.T) {
	assert.Equal(t, time.Second, Delay(0))
	assert.Equal(t, 2*time.Second, Delay(1))
	assert.Equal(t, 4*time.Second, Delay(2))
	assert.Equal(t, 8*time.Second, Delay(3))
}

func TestDelayClampsNegative(t *testing.T) {
	assert.Equal(t, time.Second, Delay(-5))
}

func TestDelayCapsShift(t *testing.T) {
	// Large attempts must not overflow into a negative duration.
	assert.True(t, Delay(100) > 0)
}
