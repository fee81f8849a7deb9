package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOpensAfterThreeConsecutiveFailures(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("openai")
	b.RecordFailure("openai")
	assert.False(t, b.IsOpen("openai"), "two failures should not open the circuit")

	b.RecordFailure("openai")
	assert.True(t, b.IsOpen("openai"))
	assert.Equal(t, StateOpen, b.StateOf("openai"))
}

func TestSuccessResetsToClosed(t *testing.T) {
	b := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		b.RecordFailure("openai")
	}
	assert.True(t, b.IsOpen("openai"))

	b.RecordSuccess("openai")
	assert.False(t, b.IsOpen("openai"))
	assert.Equal(t, StateClosed, b.StateOf("openai"))

	// Counter was reset, so two more failures still do not open.
	b.RecordFailure("openai")
	b.RecordFailure("openai")
	assert.False(t, b.IsOpen("openai"))
}

func TestHalfOpenAfterResetTimeout(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := New(3, time.Minute, WithClock(func() time.Time { return clock() }))

	for i := 0; i < 3; i++ {
		b.RecordFailure("openai")
	}
	assert.True(t, b.IsOpen("openai"))

	now = now.Add(61 * time.Second)
	assert.False(t, b.IsOpen("openai"), "past the reset timeout one probe is permitted")
	assert.Equal(t, StateHalfOpen, b.StateOf("openai"))

	// A failure during the probe reopens immediately.
	b.RecordFailure("openai")
	assert.True(t, b.IsOpen("openai"))
}

func TestProbeSuccessCloses(t *testing.T) {
	now := time.Now()
	b := New(3, time.Minute, WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		b.RecordFailure("openai")
	}
	now = now.Add(2 * time.Minute)
	assert.False(t, b.IsOpen("openai"))

	b.RecordSuccess("openai")
	assert.Equal(t, StateClosed, b.StateOf("openai"))
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	now := time.Now()
	b := New(3, time.Minute, WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		b.RecordFailure("openai")
	}
	now = now.Add(2 * time.Minute)

	assert.False(t, b.IsOpen("openai"), "first caller gets the probe")
	assert.True(t, b.IsOpen("openai"), "second caller stays short-circuited while the probe is in flight")
	assert.True(t, b.IsOpen("openai"))

	b.RecordSuccess("openai")
	assert.False(t, b.IsOpen("openai"))
}

func TestProvidersAreIndependent(t *testing.T) {
	b := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		b.RecordFailure("openai")
	}
	assert.True(t, b.IsOpen("openai"))
	assert.False(t, b.IsOpen("mistral"))
}
