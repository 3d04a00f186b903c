package devicetrust

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisafe/securecore/pkg/securityevent"
	"github.com/polisafe/securecore/pkg/subject"
)

func setupDeviceTrustService(t *testing.T) (*DeviceTrustService, *InMemDeviceRepository, *securityevent.InMemEventRepository) {
	deviceRepo := NewInMemDeviceRepository()
	eventRepo := securityevent.NewInMemEventRepository()
	service := NewDeviceTrustService(deviceRepo, eventRepo)
	return service, deviceRepo, eventRepo
}

func testSubject() subject.Subject {
	return subject.Subject{Kind: subject.KindCustomer, ID: "42"}
}

func TestDeviceTrustService_RegisterDevice(t *testing.T) {
	service, _, _ := setupDeviceTrustService(t)
	ctx := context.Background()
	subj := testSubject()

	device, err := service.RegisterDevice(ctx, subj, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "fp-1", device.DeviceID)
	assert.Equal(t, subj, device.Subject)
	assert.Equal(t, InitialTrustScore, device.TrustScore)
	assert.False(t, device.FirstSeenAt.IsZero())
	assert.False(t, device.IsBlocked)
	assert.False(t, device.IsTrusted)

	// Registering again refreshes last seen, not first seen
	initialLastSeen := device.LastSeenAt
	time.Sleep(10 * time.Millisecond)
	again, err := service.RegisterDevice(ctx, subj, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, device.FirstSeenAt, again.FirstSeenAt)
	assert.True(t, again.LastSeenAt.After(initialLastSeen))
}

func TestDeviceTrustService_RecordSuccessfulLogin(t *testing.T) {
	service, _, eventRepo := setupDeviceTrustService(t)
	ctx := context.Background()
	subj := testSubject()

	_, err := service.RegisterDevice(ctx, subj, "fp-1")
	require.NoError(t, err)

	device, err := service.RecordSuccessfulLogin(ctx, subj, "fp-1", "198.51.100.1", "Berlin, DE")
	require.NoError(t, err)

	assert.Equal(t, 1, device.LoginCount)
	assert.Equal(t, 0, device.FailedLoginAttempts)
	assert.Equal(t, InitialTrustScore+2, device.TrustScore)
	assert.Equal(t, 1, device.IPHistory.Len())
	assert.Equal(t, 1, device.LocationHistory.Len())

	events, err := eventRepo.FindByDevice(ctx, "fp-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, securityevent.EventLoginSuccess, events[0].EventType)
	assert.Equal(t, securityevent.SeverityLow, events[0].Severity)

	// Consecutive identical IPs are deduplicated in the history
	device, err = service.RecordSuccessfulLogin(ctx, subj, "fp-1", "198.51.100.1", "Berlin, DE")
	require.NoError(t, err)
	assert.Equal(t, 1, device.IPHistory.Len())
}

func TestDeviceTrustService_TrustScoreStaysInBounds(t *testing.T) {
	service, repo, _ := setupDeviceTrustService(t)
	ctx := context.Background()
	subj := testSubject()

	high := NewDevice(subj, "fp-high", time.Now().UTC())
	high.TrustScore = 99
	_, err := repo.Create(ctx, high)
	require.NoError(t, err)

	device, err := service.RecordSuccessfulLogin(ctx, subj, "fp-high", "198.51.100.1", "")
	require.NoError(t, err)
	assert.Equal(t, 100, device.TrustScore)

	device, err = service.GrantTrust(ctx, subj, "fp-high", 30, "")
	require.NoError(t, err)
	assert.Equal(t, 100, device.TrustScore)

	low := NewDevice(subj, "fp-low", time.Now().UTC())
	low.TrustScore = 3
	_, err = repo.Create(ctx, low)
	require.NoError(t, err)

	device, err = service.RecordFailedLogin(ctx, subj, "fp-low", "198.51.100.1", "bad password")
	require.NoError(t, err)
	assert.Equal(t, 0, device.TrustScore)
}

func TestDeviceTrustService_AutoBlockAfterFiveFailures(t *testing.T) {
	service, _, eventRepo := setupDeviceTrustService(t)
	ctx := context.Background()
	subj := testSubject()

	_, err := service.RegisterDevice(ctx, subj, "fp-1")
	require.NoError(t, err)

	var device Device
	for i := 0; i < 5; i++ {
		device, err = service.RecordFailedLogin(ctx, subj, "fp-1", "198.51.100.1", fmt.Sprintf("bad password attempt %d", i+1))
		require.NoError(t, err)
	}

	assert.True(t, device.IsBlocked)
	assert.Equal(t, 5, device.FailedLoginAttempts)
	assert.Equal(t, BlockReasonTooManyFailures, device.BlockedReason)
	assert.False(t, device.IsTrusted)

	events, err := eventRepo.FindByDevice(ctx, "fp-1")
	require.NoError(t, err)

	var mediumFailures, highBlocks int
	for _, e := range events {
		switch {
		case e.EventType == securityevent.EventLoginFailed && e.Severity == securityevent.SeverityMedium:
			mediumFailures++
		case e.EventType == securityevent.EventDeviceBlocked && e.Severity == securityevent.SeverityHigh:
			highBlocks++
		}
	}
	assert.Equal(t, 5, mediumFailures)
	assert.Equal(t, 1, highBlocks)
	assert.Len(t, events, 6)
}

func TestDeviceTrustService_GrantAndRevokeTrust(t *testing.T) {
	service, _, _ := setupDeviceTrustService(t)
	ctx := context.Background()
	subj := testSubject()

	_, err := service.RegisterDevice(ctx, subj, "fp-1")
	require.NoError(t, err)

	device, err := service.GrantTrust(ctx, subj, "fp-1", 30, "user opted in")
	require.NoError(t, err)
	assert.True(t, device.IsTrusted)
	require.NotNil(t, device.TrustExpiresAt)
	assert.Equal(t, InitialTrustScore+trustGrantBonus, device.TrustScore)

	trusted, err := service.IsTrusted(ctx, subj, "fp-1")
	require.NoError(t, err)
	assert.True(t, trusted)

	device, err = service.RevokeTrust(ctx, subj, "fp-1", "")
	require.NoError(t, err)
	assert.False(t, device.IsTrusted)
	assert.Nil(t, device.TrustedAt)
	assert.Nil(t, device.TrustExpiresAt)
	assert.False(t, device.IsBlocked)
}

func TestDeviceTrustService_GrantTrustOnBlockedDevice(t *testing.T) {
	service, _, eventRepo := setupDeviceTrustService(t)
	ctx := context.Background()
	subj := testSubject()

	_, err := service.RegisterDevice(ctx, subj, "fp-1")
	require.NoError(t, err)
	_, err = service.BlockDevice(ctx, subj, "fp-1", "manual review")
	require.NoError(t, err)

	// A blocked device cannot be trusted without an unblock first
	_, err = service.GrantTrust(ctx, subj, "fp-1", 30, "")
	assert.ErrorIs(t, err, ErrDeviceBlocked)

	device, err := service.GetDevice(ctx, subj, "fp-1")
	require.NoError(t, err)
	assert.True(t, device.IsBlocked)
	assert.False(t, device.IsTrusted)

	events, err := eventRepo.FindByDevice(ctx, "fp-1")
	require.NoError(t, err)
	for _, e := range events {
		assert.NotEqual(t, securityevent.EventTrustGranted, e.EventType)
	}

	_, err = service.UnblockDevice(ctx, subj, "fp-1", "")
	require.NoError(t, err)
	device, err = service.GrantTrust(ctx, subj, "fp-1", 30, "")
	require.NoError(t, err)
	assert.True(t, device.IsTrusted)
}

func TestDeviceTrustService_TrustExpiresLazily(t *testing.T) {
	service, _, _ := setupDeviceTrustService(t)
	ctx := context.Background()
	subj := testSubject()

	_, err := service.RegisterDevice(ctx, subj, "fp-1")
	require.NoError(t, err)

	device, err := service.GrantTrust(ctx, subj, "fp-1", 30, "")
	require.NoError(t, err)

	now := time.Now().UTC()
	assert.True(t, device.IsCurrentlyTrusted(now))
	// Past the 30 day grant, trust lapses without an explicit revoke
	assert.False(t, device.IsCurrentlyTrusted(now.AddDate(0, 0, 31)))
}

func TestDeviceTrustService_BlockIsIdempotent(t *testing.T) {
	service, _, eventRepo := setupDeviceTrustService(t)
	ctx := context.Background()
	subj := testSubject()

	_, err := service.RegisterDevice(ctx, subj, "fp-1")
	require.NoError(t, err)

	device, err := service.BlockDevice(ctx, subj, "fp-1", "manual review")
	require.NoError(t, err)
	assert.True(t, device.IsBlocked)

	device, err = service.BlockDevice(ctx, subj, "fp-1", "manual review")
	require.NoError(t, err)
	assert.True(t, device.IsBlocked)

	events, err := eventRepo.FindByDevice(ctx, "fp-1")
	require.NoError(t, err)
	blockEvents := 0
	for _, e := range events {
		if e.EventType == securityevent.EventDeviceBlocked {
			blockEvents++
		}
	}
	assert.Equal(t, 1, blockEvents)

	device, err = service.UnblockDevice(ctx, subj, "fp-1", "cleared by support")
	require.NoError(t, err)
	assert.False(t, device.IsBlocked)
	assert.Nil(t, device.BlockedAt)
	assert.Empty(t, device.BlockedReason)
}

func TestCalculateTrustScore_MatureTrustedDevice(t *testing.T) {
	now := time.Now().UTC()
	device := Device{
		FirstSeenAt:         now.AddDate(0, 0, -70),
		LoginCount:          20,
		FailedLoginAttempts: 0,
		IsTrusted:           true,
		LastSeenAt:          now.AddDate(0, 0, -2),
	}

	// 50 + 20 (age, capped) + 15 (logins, capped) + 10 (trusted) + 5 (recent) = 100
	assert.Equal(t, 100, CalculateTrustScore(device, 0, now))
}

func TestCalculateTrustScore_UnresolvedCriticalEvents(t *testing.T) {
	now := time.Now().UTC()
	device := Device{
		FirstSeenAt: now,
		LastSeenAt:  now,
	}

	// 50 + 5 (recent) = 55, minus 10 per unresolved critical event
	assert.Equal(t, 55, CalculateTrustScore(device, 0, now))
	assert.Equal(t, 35, CalculateTrustScore(device, 2, now))
	assert.Equal(t, 0, CalculateTrustScore(device, 9, now))
}

func TestDeviceTrustService_RecalculateAutoBlocksLowScore(t *testing.T) {
	service, repo, eventRepo := setupDeviceTrustService(t)
	ctx := context.Background()
	subj := testSubject()

	now := time.Now().UTC()
	device := NewDevice(subj, "fp-1", now)
	device.FailedLoginAttempts = 12 // 50 - 36 + 5 = 19, below the threshold
	_, err := repo.Create(ctx, device)
	require.NoError(t, err)

	updated, err := service.RecalculateTrustScore(ctx, subj, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, 19, updated.TrustScore)
	assert.True(t, updated.IsBlocked)
	assert.Equal(t, BlockReasonScoreTooLow, updated.BlockedReason)

	events, err := eventRepo.FindByDevice(ctx, "fp-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, securityevent.EventDeviceBlocked, events[0].EventType)
}

func TestDeviceTrustService_RecalculateCountsCriticalEvents(t *testing.T) {
	service, repo, eventRepo := setupDeviceTrustService(t)
	ctx := context.Background()
	subj := testSubject()

	now := time.Now().UTC()
	device := NewDevice(subj, "fp-1", now)
	device.LoginCount = 15
	_, err := repo.Create(ctx, device)
	require.NoError(t, err)

	_, err = eventRepo.Record(ctx, securityevent.Event{
		DeviceID:    "fp-1",
		EventType:   securityevent.EventSuspiciousActivity,
		Severity:    securityevent.SeverityCritical,
		Description: "impossible travel",
	})
	require.NoError(t, err)

	updated, err := service.RecalculateTrustScore(ctx, subj, "fp-1")
	require.NoError(t, err)
	// 50 + 0 (new) + 15 (logins) + 5 (recent) - 10 (critical) = 60
	assert.Equal(t, 60, updated.TrustScore)
}

func TestDeviceTrustService_IsHighRiskAndSuspicious(t *testing.T) {
	service, repo, eventRepo := setupDeviceTrustService(t)
	ctx := context.Background()
	subj := testSubject()

	device := NewDevice(subj, "fp-1", time.Now().UTC())
	device.TrustScore = 80
	_, err := repo.Create(ctx, device)
	require.NoError(t, err)

	assert.False(t, device.IsHighRisk())

	suspicious, err := service.IsSuspicious(ctx, subj, "fp-1")
	require.NoError(t, err)
	assert.False(t, suspicious)

	// An unresolved high severity event flips the device to suspicious
	recorded, err := eventRepo.Record(ctx, securityevent.Event{
		DeviceID:  "fp-1",
		EventType: securityevent.EventSuspiciousActivity,
		Severity:  securityevent.SeverityHigh,
	})
	require.NoError(t, err)

	suspicious, err = service.IsSuspicious(ctx, subj, "fp-1")
	require.NoError(t, err)
	assert.True(t, suspicious)

	// Resolving it clears the flag
	require.NoError(t, eventRepo.Resolve(ctx, recorded.ID))
	suspicious, err = service.IsSuspicious(ctx, subj, "fp-1")
	require.NoError(t, err)
	assert.False(t, suspicious)
}

func TestInMemDeviceRepository_UpdateConflict(t *testing.T) {
	repo := NewInMemDeviceRepository()
	ctx := context.Background()
	subj := testSubject()

	created, err := repo.Create(ctx, NewDevice(subj, "fp-1", time.Now().UTC()))
	require.NoError(t, err)

	// Two readers take the same version; the second write loses
	first := created
	second := created

	first.LoginCount = 1
	_, err = repo.Update(ctx, first)
	require.NoError(t, err)

	second.LoginCount = 2
	_, err = repo.Update(ctx, second)
	assert.ErrorIs(t, err, ErrStorageConflict)

	// The conflicting writer re-reads and succeeds
	fresh, err := repo.Get(ctx, subj, "fp-1")
	require.NoError(t, err)
	fresh.LoginCount = 2
	_, err = repo.Update(ctx, fresh)
	assert.NoError(t, err)
}

func TestDeviceTrustService_GetDeviceNotFound(t *testing.T) {
	service, _, _ := setupDeviceTrustService(t)

	_, err := service.GetDevice(context.Background(), testSubject(), "unknown")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
