package firewall

// Chain names, fixed across both address families. The monitoring chain
// is IPv4-only per spec §4.2.
const (
	ChainMonitoring = "hotspotd_monitor"
	ChainIPBlock    = "hotspotd_ipblock"
	ChainIsolation  = "hotspotd_isolation"
	ChainACL        = "hotspotd_acl"
)

// orderedChains is the FORWARD linkage order: IP-block -> isolation
// (in==out==hotspot_if only) -> ACL -> monitoring.
var orderedChains = []string{ChainIPBlock, ChainIsolation, ChainACL, ChainMonitoring}
