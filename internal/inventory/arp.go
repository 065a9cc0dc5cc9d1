package inventory

import (
	"context"
	"net"
	"strings"

	"hotspotd.dev/governor/internal/shellexec"
)

// ARPEntry is one reachable neighbor on the hotspot link.
type ARPEntry struct {
	IP  string
	MAC string
}

// ReadARP runs `ip neigh show dev <hotspotIf>` and parses its output,
// filtered to addresses inside network (a CIDR), skipping entries in the
// FAILED or INCOMPLETE states.
func ReadARP(ctx context.Context, ex shellexec.Executor, hotspotIf string, network *net.IPNet) ([]ARPEntry, error) {
	res, err := ex.Run(ctx, "ip", "neigh", "show", "dev", hotspotIf)
	if err != nil {
		return nil, err
	}

	var entries []ARPEntry
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		// "192.168.12.42 lladdr aa:bb:cc:dd:ee:ff REACHABLE"
		ip := fields[0]
		state := fields[len(fields)-1]
		if state == "FAILED" || state == "INCOMPLETE" {
			continue
		}
		mac := ""
		for i, f := range fields {
			if f == "lladdr" && i+1 < len(fields) {
				mac = fields[i+1]
			}
		}
		if mac == "" {
			continue
		}
		parsed := net.ParseIP(ip)
		if parsed == nil || (network != nil && !network.Contains(parsed)) {
			continue
		}
		entries = append(entries, ARPEntry{IP: ip, MAC: mac})
	}
	return entries, nil
}
