package inventory

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hotspotd.dev/governor/internal/policy"
	"hotspotd.dev/governor/internal/shellexec"
)

func TestReadARPFiltersByNetworkAndState(t *testing.T) {
	fake := shellexec.NewFake()
	fake.On([]string{"ip", "neigh", "show"}, shellexec.Result{Stdout: strings.Join([]string{
		"192.168.12.10 lladdr aa:bb:cc:dd:ee:01 REACHABLE",
		"192.168.12.11 lladdr aa:bb:cc:dd:ee:02 STALE",
		"192.168.12.12 lladdr aa:bb:cc:dd:ee:03 FAILED",
		"10.0.0.5 lladdr aa:bb:cc:dd:ee:04 REACHABLE",
	}, "\n")})

	_, network, err := net.ParseCIDR("192.168.12.0/24")
	require.NoError(t, err)

	entries, err := ReadARP(context.Background(), fake, "wlan0", network)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "192.168.12.10", entries[0].IP)
	require.Equal(t, "192.168.12.11", entries[1].IP)
}

func TestParseDnsmasqLeaseFile(t *testing.T) {
	r := strings.NewReader(strings.Join([]string{
		"1780000000 aa:bb:cc:dd:ee:ff 192.168.12.25 phones-laptop *",
		"1780000001 aa:bb:cc:dd:ee:00 192.168.12.26 * *",
	}, "\n"))
	entries, err := parseLeaseFile(r)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "192.168.12.25", entries[0].IP)
	require.Equal(t, "phones-laptop", entries[0].Hostname)
	require.Equal(t, "", entries[1].Hostname)
}

func TestReconcileUpsertsARPDeviceAndReportsItNewOnlyOnce(t *testing.T) {
	fake := shellexec.NewFake()
	fake.On([]string{"ip", "neigh", "show"}, shellexec.Result{
		Stdout: "192.168.12.25 lladdr aa:bb:cc:dd:ee:ff REACHABLE\n",
	})

	orig := CheckPingFunc
	CheckPingFunc = func(ip string) (time.Duration, error) { return time.Millisecond, nil }
	defer func() { CheckPingFunc = orig }()

	store := policy.New()
	_, network, _ := net.ParseCIDR("192.168.12.0/24")
	mgr := NewManager(fake, nil, store, "wlan0", network, nil)

	newly, err := mgr.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"192.168.12.25"}, newly)

	d, ok := store.Device("192.168.12.25")
	require.True(t, ok)
	require.True(t, d.Active)
	require.True(t, d.FromARP)

	newly2, err := mgr.Reconcile(context.Background())
	require.NoError(t, err)
	require.Empty(t, newly2)
}

func TestReconcileRemovesDeviceAbsentFromBothSources(t *testing.T) {
	orig := CheckPingFunc
	CheckPingFunc = func(ip string) (time.Duration, error) { return time.Millisecond, nil }
	defer func() { CheckPingFunc = orig }()

	store := policy.New()
	_, network, _ := net.ParseCIDR("192.168.12.0/24")

	present := shellexec.NewFake()
	present.On([]string{"ip", "neigh", "show"}, shellexec.Result{
		Stdout: "192.168.12.25 lladdr aa:bb:cc:dd:ee:ff REACHABLE\n",
	})
	mgr := NewManager(present, nil, store, "wlan0", network, nil)
	_, err := mgr.Reconcile(context.Background())
	require.NoError(t, err)
	_, ok := store.Device("192.168.12.25")
	require.True(t, ok)

	// Next polling cycle sees neither ARP nor DHCP evidence for the IP:
	// the device must be destroyed, not merely marked inactive.
	gone := shellexec.NewFake()
	gone.On([]string{"ip", "neigh", "show"}, shellexec.Result{Stdout: ""})
	mgr2 := NewManager(gone, nil, store, "wlan0", network, nil)
	_, err = mgr2.Reconcile(context.Background())
	require.NoError(t, err)

	_, ok = store.Device("192.168.12.25")
	require.False(t, ok)
}
