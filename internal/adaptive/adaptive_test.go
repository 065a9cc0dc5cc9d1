package adaptive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hotspotd.dev/governor/internal/policy"
	"hotspotd.dev/governor/internal/shaper"
	"hotspotd.dev/governor/internal/shellexec"
)

func TestEvaluateAppliesFairUseAboveHighThreshold(t *testing.T) {
	fake := shellexec.NewFake()
	shaperMgr := shaper.NewManager(fake, nil, "wlan0", "ifb0")
	store := policy.New()
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	store.UpsertDevice(policy.Device{IP: "192.168.12.70", Active: true})
	store.SetCapacity(policy.Capacity{AvailableDownloadKbps: 10000})
	// S4: 1.2e9 bytes over a 15-minute bucket ≈ 10.7 Mbps, congestion 1.07 > 0.85.
	store.SetForecast([]policy.ForecastPoint{
		{Timestamp: now.Add(10 * time.Minute), PredictedBytes: 1200000000},
	})

	ctrl := NewController(store, shaperMgr, nil)
	require.NoError(t, ctrl.Evaluate(context.Background(), now))

	c, ok := shaperMgr.Class("192.168.12.70")
	require.True(t, ok)
	require.Equal(t, fairUseDownloadKbps, c.DownloadKbps)
	require.True(t, store.IsAdaptive("192.168.12.70"))
}

func TestEvaluateSkipsManuallyLimitedDevices(t *testing.T) {
	fake := shellexec.NewFake()
	shaperMgr := shaper.NewManager(fake, nil, "wlan0", "ifb0")
	store := policy.New()
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	store.UpsertDevice(policy.Device{IP: "192.168.12.71", Active: true})
	store.SetManualLimit(policy.ManualLimit{IP: "192.168.12.71", DownloadKbps: 2048})
	store.SetCapacity(policy.Capacity{AvailableDownloadKbps: 10000})
	store.SetForecast([]policy.ForecastPoint{
		{Timestamp: now.Add(10 * time.Minute), PredictedBytes: 1200000000},
	})

	ctrl := NewController(store, shaperMgr, nil)
	require.NoError(t, ctrl.Evaluate(context.Background(), now))

	_, ok := shaperMgr.Class("192.168.12.71")
	require.False(t, ok)
}

func TestEvaluateLiftsFairUseBelowLowThreshold(t *testing.T) {
	fake := shellexec.NewFake()
	shaperMgr := shaper.NewManager(fake, nil, "wlan0", "ifb0")
	store := policy.New()
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	store.UpsertDevice(policy.Device{IP: "192.168.12.72", Active: true})
	store.AddAdaptive("192.168.12.72")
	_, err := shaperMgr.ApplyLimit(context.Background(), "192.168.12.72", fairUseDownloadKbps, fairUseUploadKbps, fairUsePriority)
	require.NoError(t, err)
	store.SetCapacity(policy.Capacity{AvailableDownloadKbps: 1000})
	store.SetForecast(nil)

	ctrl := NewController(store, shaperMgr, nil)
	require.NoError(t, ctrl.Evaluate(context.Background(), now))

	_, ok := shaperMgr.Class("192.168.12.72")
	require.False(t, ok)
	require.False(t, store.IsAdaptive("192.168.12.72"))
}
