// Package inventory builds the device list from ARP and DHCP evidence and
// probes reachability, per spec §4.4.
package inventory

import (
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// ProbeTimeout bounds a single reachability probe; set from
// config.Config.ProbeTimeout() at startup.
var ProbeTimeout = time.Second

// CheckPingFunc is the injectable reachability check, grounded on the
// teacher's monitor service's CheckPingFunc/checkPing pattern — swapped
// out in tests so no real ICMP socket is needed.
var CheckPingFunc = func(ip string) (time.Duration, error) {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return 0, fmt.Errorf("failed to create pinger: %w", err)
	}
	pinger.Count = 1
	pinger.Timeout = ProbeTimeout
	pinger.SetPrivileged(false)

	if err := pinger.Run(); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("packet loss")
	}
	return stats.AvgRtt, nil
}

func checkPing(ip string) (time.Duration, error) {
	return CheckPingFunc(ip)
}

// ProbeAll pings every ip in parallel and returns a map from each ip to
// whether it answered.
func ProbeAll(ips []string) map[string]bool {
	type result struct {
		ip  string
		up  bool
	}
	out := make(chan result, len(ips))
	for _, ip := range ips {
		go func(ip string) {
			_, err := checkPing(ip)
			out <- result{ip: ip, up: err == nil}
		}(ip)
	}
	reachable := make(map[string]bool, len(ips))
	for range ips {
		r := <-out
		reachable[r.ip] = r.up
	}
	return reachable
}
