package blacklist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/borsa/internal/borsaerr"
)

func fakeClock(cur *time.Time) func() time.Time {
	return func() time.Time { return *cur }
}

func TestState_NotBlacklistedByDefault(t *testing.T) {
	s := NewState(time.Now)
	blacklisted, _ := s.IsBlacklisted()
	assert.False(t, blacklisted)
	assert.Nil(t, s.Guard())
}

func TestState_HandleError_QuotaExceededZeroRemainingUsesResetInMs(t *testing.T) {
	cur := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewState(fakeClock(&cur))

	s.HandleError(&borsaerr.QuotaExceeded{Remaining: 0, ResetInMs: 60_000})

	blacklisted, remaining := s.IsBlacklisted()
	require.True(t, blacklisted)
	assert.InDelta(t, 60_000, remaining.Milliseconds(), 1)

	guardErr := s.Guard()
	require.NotNil(t, guardErr)
	var blErr *borsaerr.TemporarilyBlacklisted
	require.ErrorAs(t, guardErr, &blErr)
}

func TestState_HandleError_QuotaExceededWithRemainingStillBlacklistsUntilReset(t *testing.T) {
	cur := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewState(fakeClock(&cur))

	s.HandleError(&borsaerr.QuotaExceeded{Remaining: 3, ResetInMs: 5_000})

	blacklisted, remaining := s.IsBlacklisted()
	require.True(t, blacklisted)
	assert.InDelta(t, 5_000, remaining.Milliseconds(), 1)
}

func TestState_HandleError_RateLimitExceededUsesDefaultDuration(t *testing.T) {
	cur := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewState(fakeClock(&cur))

	s.HandleError(&borsaerr.RateLimitExceeded{})

	blacklisted, remaining := s.IsBlacklisted()
	require.True(t, blacklisted)
	assert.Equal(t, defaultBlacklistDuration, remaining)
}

func TestState_HandleError_UnrelatedErrorDoesNotBlacklist(t *testing.T) {
	s := NewState(time.Now)
	s.HandleError(&borsaerr.NotFound{What: "AAPL"})

	blacklisted, _ := s.IsBlacklisted()
	assert.False(t, blacklisted)
}

func TestState_IsBlacklisted_LazilyExpires(t *testing.T) {
	cur := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewState(fakeClock(&cur))
	s.BlacklistUntil(cur.Add(10 * time.Second))

	blacklisted, _ := s.IsBlacklisted()
	require.True(t, blacklisted)

	cur = cur.Add(11 * time.Second)
	blacklisted, remaining := s.IsBlacklisted()
	assert.False(t, blacklisted)
	assert.Zero(t, remaining)
}

func TestManager_PerProviderIsolation(t *testing.T) {
	cur := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(fakeClock(&cur))

	m.HandleError("alpha", &borsaerr.RateLimitExceeded{})

	assert.NotNil(t, m.Guard("alpha"))
	assert.Nil(t, m.Guard("beta"), "a provider with no recorded error is never blacklisted")
}
