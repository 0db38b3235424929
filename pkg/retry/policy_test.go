package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plannerd/feedsync/internal/utils"
)

func TestPolicyDelaysAreBounded(t *testing.T) {
	clock := &utils.MockClock{FixedNow: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	policy := NewPolicy(10, time.Second, 5*time.Second, clock)

	for i := 0; i < 10; i++ {
		delay, ok := policy.NextDelay("work")
		require.True(t, ok, "attempt %d should still be within budget", i+1)
		assert.Greater(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, 5*time.Second, "attempt %d exceeded the max delay", i+1)
	}
}

func TestPolicyExhaustion(t *testing.T) {
	clock := &utils.MockClock{FixedNow: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	policy := NewPolicy(3, time.Second, 30*time.Second, clock)

	for i := 0; i < 3; i++ {
		_, ok := policy.NextDelay("work")
		require.True(t, ok)
	}

	t.Run("budget exhausted after maxRetries", func(t *testing.T) {
		_, ok := policy.NextDelay("work")
		assert.False(t, ok)
	})

	t.Run("state is cleared on exhaustion", func(t *testing.T) {
		assert.Equal(t, 0, policy.Size())
		_, ok := policy.NextDelay("work")
		assert.True(t, ok, "a fresh incident starts over")
	})
}

func TestPolicyInactivityReset(t *testing.T) {
	clock := &utils.MockClock{FixedNow: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	policy := NewPolicy(3, time.Second, 30*time.Second, clock)

	_, ok := policy.NextDelay("work")
	require.True(t, ok)
	_, ok = policy.NextDelay("work")
	require.True(t, ok)
	assert.Equal(t, 2, policy.Attempts("work"))

	clock.Advance(InactivityReset + time.Second)

	_, ok = policy.NextDelay("work")
	require.True(t, ok)
	assert.Equal(t, 1, policy.Attempts("work"), "a quiet minute starts a new incident")
}

func TestPolicyClear(t *testing.T) {
	clock := &utils.MockClock{FixedNow: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	policy := NewPolicy(3, time.Second, 30*time.Second, clock)

	_, ok := policy.NextDelay("work")
	require.True(t, ok)
	policy.Clear("work")
	assert.Equal(t, 0, policy.Attempts("work"))
	assert.Equal(t, 0, policy.Size())
}

func TestPolicyIndependentFeeds(t *testing.T) {
	clock := &utils.MockClock{FixedNow: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	policy := NewPolicy(1, time.Second, 30*time.Second, clock)

	_, ok := policy.NextDelay("work")
	require.True(t, ok)
	_, ok = policy.NextDelay("work")
	assert.False(t, ok)

	_, ok = policy.NextDelay("home")
	assert.True(t, ok, "feeds do not share a retry budget")
}
