package accounting

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hotspotd.dev/governor/internal/firewall"
	"hotspotd.dev/governor/internal/inventory"
	"hotspotd.dev/governor/internal/policy"
	"hotspotd.dev/governor/internal/quota"
	"hotspotd.dev/governor/internal/shaper"
	"hotspotd.dev/governor/internal/shellexec"
)

type recordedUsage struct {
	ip               string
	rxDelta, txDelta int64
}

type fakeUsage struct{ recorded []recordedUsage }

func (f *fakeUsage) RecordUsage(ip string, rxDelta, txDelta int64, at time.Time) error {
	f.recorded = append(f.recorded, recordedUsage{ip, rxDelta, txDelta})
	return nil
}

func TestConsecutiveTicksSucceed(t *testing.T) {
	fake := shellexec.NewFake()
	fake.On([]string{"ip", "neigh", "show"}, shellexec.Result{
		Stdout: "192.168.12.30 lladdr aa:bb:cc:dd:ee:ff REACHABLE\n",
	})
	fake.On([]string{"iptables", "-L"}, shellexec.Result{})

	orig := inventory.CheckPingFunc
	inventory.CheckPingFunc = func(ip string) (time.Duration, error) { return time.Millisecond, nil }
	defer func() { inventory.CheckPingFunc = orig }()

	store := policy.New()
	_, network, _ := net.ParseCIDR("192.168.12.0/24")
	invMgr := inventory.NewManager(fake, nil, store, "wlan0", network, nil)
	shaperMgr := shaper.NewManager(fake, nil, "wlan0", "ifb0")
	fwMgr := firewall.NewManager(fake, nil, "wlan0")
	quotaEngine := quota.NewEngine(store, shaperMgr, nil, nil)
	usage := &fakeUsage{}

	loop := NewLoop(invMgr, shaperMgr, fwMgr, quotaEngine, store, usage, nil, nil)

	require.NoError(t, loop.Tick(context.Background()))
	require.NoError(t, loop.Tick(context.Background()))
}
