package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hotspotd.dev/governor/internal/accounting"
	"hotspotd.dev/governor/internal/adaptive"
	"hotspotd.dev/governor/internal/command"
	"hotspotd.dev/governor/internal/firewall"
	"hotspotd.dev/governor/internal/inventory"
	"hotspotd.dev/governor/internal/policy"
	"hotspotd.dev/governor/internal/quota"
	"hotspotd.dev/governor/internal/scheduler"
	"hotspotd.dev/governor/internal/shaper"
	"hotspotd.dev/governor/internal/shellexec"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *policy.Store, *shaper.Manager) {
	t.Helper()
	fake := shellexec.NewFake()
	store := policy.New()
	shaperMgr := shaper.NewManager(fake, nil, "wlan0", "ifb0")
	firewallMgr := firewall.NewManager(fake, nil, "wlan0")
	_, network, err := net.ParseCIDR("192.168.12.0/24")
	require.NoError(t, err)
	inventoryMgr := inventory.NewManager(fake, nil, store, "wlan0", network, nil)
	quotaEngine := quota.NewEngine(store, shaperMgr, nil, nil)
	acctLoop := accounting.NewLoop(inventoryMgr, shaperMgr, firewallMgr, quotaEngine, store, nil, nil, nil)
	sched := scheduler.NewScheduler(store, shaperMgr, nil)
	adaptiveCtrl := adaptive.NewController(store, shaperMgr, nil)
	dispatcher := command.NewDispatcher(store, shaperMgr, firewallMgr, nil, nil, nil)

	sup := New(store, shaperMgr, firewallMgr, acctLoop, sched, adaptiveCtrl, dispatcher, nil, nil, nil, 0, 0)
	return sup, store, shaperMgr
}

func TestShutdownRestoresManualLimitOnActiveSchedule(t *testing.T) {
	sup, store, shaperMgr := newTestSupervisor(t)
	ctx := context.Background()

	store.SetManualLimit(policy.ManualLimit{IP: "192.168.12.50", DownloadKbps: 1024, UploadKbps: 256, Priority: 5})
	sch := &policy.Schedule{
		ID: "sch-1", RuleType: policy.RuleLimit, DeviceIP: "192.168.12.50",
		StartTime: 0, EndTime: 23*time.Hour + 59*time.Minute, RepeatMode: policy.RepeatDaily,
		LimitDLKbps: 128, LimitULKbps: 64, Priority: 7, IsEnabled: true,
	}
	store.SaveSchedule(sch)
	require.NoError(t, sup.scheduler.Evaluate(ctx, time.Now()))

	c, ok := shaperMgr.Class("192.168.12.50")
	require.True(t, ok)
	require.Equal(t, 128, c.DownloadKbps)

	require.NoError(t, sup.shutdown())

	c, ok = shaperMgr.Class("192.168.12.50")
	require.True(t, ok)
	require.Equal(t, 1024, c.DownloadKbps)
	_, active := store.ActiveSchedule("192.168.12.50")
	require.False(t, active)
}

func TestShutdownIsIdempotentAndClearsAdaptiveSet(t *testing.T) {
	sup, store, shaperMgr := newTestSupervisor(t)
	ctx := context.Background()

	store.AddAdaptive("192.168.12.70")
	_, err := shaperMgr.ApplyLimit(ctx, "192.168.12.70", 1024, 256, 7)
	require.NoError(t, err)

	require.NoError(t, sup.shutdown())
	require.NoError(t, sup.shutdown())

	require.Empty(t, store.AdaptiveDevices())
}
