package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoginLockout_LocksAfterMaxAttempts(t *testing.T) {
	l := NewLoginLockout()
	defer l.Close()
	l.SetLimits(10, 30*time.Minute)

	for i := 0; i < 9; i++ {
		require.True(t, l.Allowed("u"), "expected attempt %d to be allowed, not yet at the threshold", i+1)
		l.RecordFailure("u")
	}
	require.True(t, l.Allowed("u"), "expected the 10th attempt to still be allowed before it is recorded")

	locked := l.RecordFailure("u")
	require.True(t, locked, "expected the 10th failure to trigger a lockout")
	require.False(t, l.Allowed("u"), "expected the 11th attempt to be blocked regardless of password correctness")
}

func TestLoginLockout_SuccessClearsCounter(t *testing.T) {
	l := NewLoginLockout()
	defer l.Close()
	l.SetLimits(10, 30*time.Minute)

	for i := 0; i < 5; i++ {
		l.RecordFailure("u")
	}
	l.RecordSuccess("u")

	for i := 0; i < 9; i++ {
		l.RecordFailure("u")
	}
	require.True(t, l.Allowed("u"), "expected the post-success counter to have reset, so 9 failures should not lock out")
}

func TestLoginLockout_UnlocksAfterDuration(t *testing.T) {
	l := NewLoginLockout()
	defer l.Close()
	l.SetLimits(1, 10*time.Millisecond)

	l.RecordFailure("u")
	require.False(t, l.Allowed("u"), "expected lockout to take effect immediately")

	time.Sleep(20 * time.Millisecond)
	require.True(t, l.Allowed("u"), "expected lockout to clear once the duration has elapsed")
}

func TestLoginLockout_IdentitiesAreIndependent(t *testing.T) {
	l := NewLoginLockout()
	defer l.Close()
	l.SetLimits(1, 30*time.Minute)

	l.RecordFailure("attacker")
	require.True(t, l.Allowed("victim"), "expected lockout of one identity to not affect another")
}
