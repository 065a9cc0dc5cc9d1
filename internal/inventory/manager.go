package inventory

import (
	"context"
	"net"
	"time"

	"hotspotd.dev/governor/internal/logging"
	"hotspotd.dev/governor/internal/netutil"
	"hotspotd.dev/governor/internal/policy"
	"hotspotd.dev/governor/internal/shellexec"
)

// Manager reconciles ARP and DHCP evidence into the policy store's device
// map and probes reachability. DHCP evidence wins for MAC/hostname when
// both sources report the same IP, since it is authoritative at the time
// of lease issuance.
type Manager struct {
	exec       shellexec.Executor
	logger     *logging.Logger
	store      *policy.Store
	hotspotIf  string
	network    *net.IPNet
	leasePaths []string
}

// NewManager creates an inventory Manager scoped to network (the
// hotspot's configured subnet) and leasePaths (candidate DHCP lease
// file locations, tried in order).
func NewManager(ex shellexec.Executor, logger *logging.Logger, store *policy.Store, hotspotIf string, network *net.IPNet, leasePaths []string) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		exec:       ex,
		logger:     logger.WithComponent("inventory"),
		store:      store,
		hotspotIf:  hotspotIf,
		network:    network,
		leasePaths: leasePaths,
	}
}

// Reconcile reads ARP and DHCP evidence, merges them by IP, probes
// reachability for the union, and upserts every device into the policy
// store. Any device previously tracked but absent from both sources this
// call is destroyed, per spec §3's device lifecycle ("destroyed when
// absent from both sources for one polling cycle"). It returns the IPs
// newly observed this call (never seen before), which the caller wires
// into the firewall's monitoring chain.
func (m *Manager) Reconcile(ctx context.Context) ([]string, error) {
	arp, err := ReadARP(ctx, m.exec, m.hotspotIf, m.network)
	if err != nil {
		m.logger.Warn("arp read failed", "error", err)
		arp = nil
	}
	leases, err := ReadLeases(m.leasePaths)
	if err != nil {
		m.logger.Warn("dhcp lease read failed", "error", err)
		leases = nil
	}

	merged := make(map[string]policy.Device)
	now := time.Now()

	for _, a := range arp {
		merged[a.IP] = policy.Device{
			IP:        a.IP,
			MAC:       netutil.NormalizeMAC(a.MAC),
			FromARP:   true,
			FirstSeen: now,
			LastSeen:  now,
		}
	}
	for _, l := range leases {
		d := merged[l.IP]
		d.IP = l.IP
		if l.MAC != "" {
			d.MAC = netutil.NormalizeMAC(l.MAC)
		}
		if l.Hostname != "" {
			d.Hostname = l.Hostname
		}
		d.FromDHCP = true
		if d.FirstSeen.IsZero() {
			d.FirstSeen = now
		}
		d.LastSeen = now
		merged[l.IP] = d
	}

	ips := make([]string, 0, len(merged))
	for ip := range merged {
		ips = append(ips, ip)
	}
	reachable := ProbeAll(ips)

	var newlyObserved []string
	for ip, d := range merged {
		if _, existed := m.store.Device(ip); !existed {
			newlyObserved = append(newlyObserved, ip)
		}
		if existing, ok := m.store.Device(ip); ok {
			d.FirstSeen = existing.FirstSeen
		}
		if d.Hostname == "" {
			d.Hostname = "Unknown"
		}
		d.Active = reachable[ip]
		m.store.UpsertDevice(d)
	}

	for _, existing := range m.store.Devices() {
		if _, present := merged[existing.IP]; !present {
			m.store.RemoveDevice(existing.IP)
		}
	}

	return newlyObserved, nil
}
