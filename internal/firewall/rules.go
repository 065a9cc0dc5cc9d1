package firewall

import "hotspotd.dev/governor/internal/netutil"

// binaryFor returns the iptables binary for the address family an entry
// belongs to: entries containing ":" are IPv6, per spec §4.2.
func binaryFor(addr string) string {
	if netutil.IsIPv6Literal(addr) {
		return "ip6tables"
	}
	return "iptables"
}

func newChainArgs(bin, chain string) [][]string {
	return [][]string{
		{bin, "-N", chain},
	}
}

func flushChainArgs(bin, chain string) []string {
	return []string{bin, "-F", chain}
}

func deleteChainArgs(bin, chain string) []string {
	return []string{bin, "-X", chain}
}

func linkForwardArgs(bin, chain string, extra ...string) []string {
	args := append([]string{bin, "-A", "FORWARD"}, extra...)
	return append(args, "-j", chain)
}

func unlinkForwardArgs(bin, chain string, extra ...string) []string {
	args := append([]string{bin, "-D", "FORWARD", "-j", chain}, extra...)
	return args
}

// ipBlockDropArgs builds the two append rules (src, dst) for one blocked
// entry: no terminal ACCEPT, packets simply fall through per spec §4.2.
func ipBlockDropArgs(bin, chain, entry string) [][]string {
	return [][]string{
		{bin, "-A", chain, "-s", entry, "-j", "DROP"},
		{bin, "-A", chain, "-d", entry, "-j", "DROP"},
	}
}

func isolationDropArgs(bin, chain string) []string {
	return []string{bin, "-A", chain, "-j", "DROP"}
}

func aclBlockArgs(bin, chain, mac string) []string {
	return []string{bin, "-A", chain, "-m", "mac", "--mac-source", mac, "-j", "DROP"}
}

func aclAllowArgs(bin, chain, mac string) []string {
	return []string{bin, "-A", chain, "-m", "mac", "--mac-source", mac, "-j", "ACCEPT"}
}

func aclTerminalDropArgs(bin, chain string) []string {
	return []string{bin, "-A", chain, "-j", "DROP"}
}

// monitoringReturnArgs builds the two RETURN rules (source, destination)
// used purely for byte-counter accounting of unlimited devices.
func monitoringReturnArgs(bin, chain, ip string) [][]string {
	return [][]string{
		{bin, "-A", chain, "-s", ip, "-j", "RETURN"},
		{bin, "-A", chain, "-d", ip, "-j", "RETURN"},
	}
}
