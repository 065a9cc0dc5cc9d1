package firewall

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"hotspotd.dev/governor/internal/shellexec"
)

func countMatching(t *testing.T, fake *shellexec.FakeExecutor, bin string, contains ...string) int {
	t.Helper()
	n := 0
	for _, inv := range fake.Calls(bin) {
		joined := inv.Joined()
		match := true
		for _, frag := range contains {
			if !containsSubstr(joined, frag) {
				match = false
				break
			}
		}
		if match {
			n++
		}
	}
	return n
}

func containsSubstr(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// S5: access control flips between allow_all, block_list and allow_list.
func TestManagerApplyACLModeTransitions(t *testing.T) {
	fake := shellexec.NewFake()
	mgr := NewManager(fake, nil, "wlan0")
	ctx := context.Background()

	require.NoError(t, mgr.ApplyACL(ctx, ACLSpec{Mode: "allow_all"}))
	require.Zero(t, countMatching(t, fake, "iptables", "-A", ChainACL))

	require.NoError(t, mgr.ApplyACL(ctx, ACLSpec{Mode: "block_list", Blocked: []string{"aa:bb:cc:dd:ee:ff"}}))
	require.Equal(t, 1, countMatching(t, fake, "iptables", "-A", ChainACL, "DROP", "aa:bb:cc:dd:ee:ff"))

	require.NoError(t, mgr.ApplyACL(ctx, ACLSpec{Mode: "allow_list", Allowed: []string{"11:22:33:44:55:66"}}))
	require.Equal(t, 1, countMatching(t, fake, "iptables", "-A", ChainACL, "ACCEPT", "11:22:33:44:55:66"))
	// The terminal rule is the bare "-A <acl> -j DROP"; the block_list
	// pass above already recorded a MAC-matched "-j DROP" rule.
	require.Equal(t, 1, countMatching(t, fake, "iptables", "-A", ChainACL+" -j DROP"))

	require.NoError(t, mgr.ApplyACL(ctx, ACLSpec{Mode: "allow_all"}))
}

// S6: IP block list, v4 and v6, with no terminal ACCEPT.
func TestManagerApplyIPBlockSplitsFamilies(t *testing.T) {
	fake := shellexec.NewFake()
	mgr := NewManager(fake, nil, "wlan0")
	ctx := context.Background()

	require.NoError(t, mgr.ApplyIPBlock(ctx, []string{"203.0.113.5"}, []string{"2001:db8::1"}))

	require.Equal(t, 1, countMatching(t, fake, "iptables", "-s", "203.0.113.5", "DROP"))
	require.Equal(t, 1, countMatching(t, fake, "iptables", "-d", "203.0.113.5", "DROP"))
	require.Equal(t, 1, countMatching(t, fake, "ip6tables", "-s", "2001:db8::1", "DROP"))
	require.Equal(t, 1, countMatching(t, fake, "ip6tables", "-d", "2001:db8::1", "DROP"))

	for _, inv := range fake.Calls("iptables") {
		require.NotContains(t, inv.Joined(), "ACCEPT")
	}
	for _, inv := range fake.Calls("ip6tables") {
		require.NotContains(t, inv.Joined(), "ACCEPT")
	}
}

func TestManagerSetupLinksChainsInOrder(t *testing.T) {
	fake := shellexec.NewFake()
	mgr := NewManager(fake, nil, "wlan0")
	require.NoError(t, mgr.Setup(context.Background()))

	links := fake.Calls("iptables")
	var order []string
	for _, inv := range links {
		if len(inv.Argv) >= 4 && inv.Argv[1] == "-A" && inv.Argv[2] == "FORWARD" {
			order = append(order, inv.Argv[len(inv.Argv)-1])
		}
	}
	require.Equal(t, []string{ChainIPBlock, ChainIsolation, ChainACL, ChainMonitoring}, order)
}

func TestManagerCleanupIsIdempotent(t *testing.T) {
	fake := shellexec.NewFake()
	fake.On([]string{"iptables", "-D"}, shellexec.Result{ExitCode: 1})
	fake.On([]string{"ip6tables", "-D"}, shellexec.Result{ExitCode: 1})
	mgr := NewManager(fake, nil, "wlan0")

	require.NoError(t, mgr.Cleanup(context.Background()))
	require.NoError(t, mgr.Cleanup(context.Background()))
}

func TestManagerApplyMonitoringDoesNotDuplicate(t *testing.T) {
	fake := shellexec.NewFake()
	mgr := NewManager(fake, nil, "wlan0")
	ctx := context.Background()

	require.NoError(t, mgr.ApplyMonitoring(ctx, []string{"192.168.12.10"}))
	require.NoError(t, mgr.ApplyMonitoring(ctx, []string{"192.168.12.10"}))

	require.Equal(t, 2, countMatching(t, fake, "iptables", "-A", ChainMonitoring, "192.168.12.10"))
}
