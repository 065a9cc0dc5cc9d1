package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hotspotd.dev/governor/internal/policy"
	"hotspotd.dev/governor/internal/shaper"
	"hotspotd.dev/governor/internal/shellexec"
)

// S2: quota exceeded installs the {8,8,priority=0} hard cap; falling back
// under the limit on a fresh period restores the manual limit.
func TestQuotaTransitionTable(t *testing.T) {
	fake := shellexec.NewFake()
	shaperMgr := shaper.NewManager(fake, nil, "wlan0", "ifb0")
	store := policy.New()
	engine := NewEngine(store, shaperMgr, nil, nil)
	ctx := context.Background()
	now := time.Now()

	store.SetQuota(policy.Quota{
		IP: "192.168.12.30", LimitDLBytes: 1000, LimitULBytes: 1000,
		PeriodSeconds: 3600, StartTime: now,
	})

	throttled, err := engine.Tick(ctx, "192.168.12.30", 1500, 0, now)
	require.NoError(t, err)
	require.True(t, throttled)

	c, ok := shaperMgr.Class("192.168.12.30")
	require.True(t, ok)
	require.Equal(t, 8, c.DownloadKbps)
	require.Equal(t, 8, c.UploadKbps)
	require.Equal(t, 0, c.Priority)

	// Still exceeded next tick: no-op, stays throttled.
	throttled, err = engine.Tick(ctx, "192.168.12.30", 10, 0, now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, throttled)

	// Next period rolls over and clears usage; restores manual limit.
	store.SetManualLimit(policy.ManualLimit{IP: "192.168.12.30", DownloadKbps: 4096, UploadKbps: 1024, Priority: 2})
	throttled, err = engine.Tick(ctx, "192.168.12.30", 0, 0, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.False(t, throttled)

	c, ok = shaperMgr.Class("192.168.12.30")
	require.True(t, ok)
	require.Equal(t, 4096, c.DownloadKbps)
}

func TestQuotaNoQuotaIsNoop(t *testing.T) {
	fake := shellexec.NewFake()
	shaperMgr := shaper.NewManager(fake, nil, "wlan0", "ifb0")
	store := policy.New()
	engine := NewEngine(store, shaperMgr, nil, nil)

	throttled, err := engine.Tick(context.Background(), "192.168.12.99", 100, 100, time.Now())
	require.NoError(t, err)
	require.False(t, throttled)
}
