package firewall

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"hotspotd.dev/governor/internal/logging"
	"hotspotd.dev/governor/internal/shellexec"
)

// Manager programs the four fixed-order chains of spec §4.2 (monitoring in
// IPv4 only; ip-block, isolation and acl in both families) through the
// shell executor. It is idempotent: Setup/Cleanup may be invoked any
// number of times and converge to the same kernel state.
type Manager struct {
	exec      shellexec.Executor
	logger    *logging.Logger
	hotspotIf string

	mu          sync.Mutex
	monitoredV4 map[string]bool // IPs already given monitoring RETURN rules
}

// NewManager creates a Manager that issues iptables/ip6tables commands for
// hotspotIf (isolation is scoped to in==out==hotspotIf).
func NewManager(ex shellexec.Executor, logger *logging.Logger, hotspotIf string) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		exec:        ex,
		logger:      logger.WithComponent("firewall"),
		hotspotIf:   hotspotIf,
		monitoredV4: make(map[string]bool),
	}
}

var families = []string{"iptables", "ip6tables"}

// Setup creates the four chains (monitoring v4-only; ip-block, isolation,
// acl for both families) and links them into FORWARD in orderedChains.
func (m *Manager) Setup(ctx context.Context) error {
	for _, bin := range families {
		for _, chain := range []string{ChainIPBlock, ChainIsolation, ChainACL} {
			m.runAll(ctx, newChainArgs(bin, chain))
		}
	}
	m.runAll(ctx, newChainArgs("iptables", ChainMonitoring))

	for _, bin := range families {
		m.run(ctx, linkForwardArgs(bin, ChainIPBlock))
		m.run(ctx, linkForwardArgs(bin, ChainIsolation, "-i", m.hotspotIf, "-o", m.hotspotIf))
		m.run(ctx, linkForwardArgs(bin, ChainACL))
	}
	m.run(ctx, linkForwardArgs("iptables", ChainMonitoring))
	return nil
}

// ApplyIPBlock rewrites the ip-block chains from scratch: flush, then
// append a DROP-src and DROP-dst rule per entry, split by family. No
// terminal ACCEPT — packets fall through to later chains.
func (m *Manager) ApplyIPBlock(ctx context.Context, v4, v6 []string) error {
	m.run(ctx, flushChainArgs("iptables", ChainIPBlock))
	m.run(ctx, flushChainArgs("ip6tables", ChainIPBlock))

	for _, entry := range v4 {
		m.runAll(ctx, ipBlockDropArgs("iptables", ChainIPBlock, entry))
	}
	for _, entry := range v6 {
		m.runAll(ctx, ipBlockDropArgs("ip6tables", ChainIPBlock, entry))
	}
	return nil
}

// ApplyIsolation flushes the isolation chain and, if enabled, appends a
// single DROP; disabled leaves it empty (fall-through).
func (m *Manager) ApplyIsolation(ctx context.Context, enabled bool) error {
	for _, bin := range families {
		m.run(ctx, flushChainArgs(bin, ChainIsolation))
		if enabled {
			m.run(ctx, isolationDropArgs(bin, ChainIsolation))
		}
	}
	return nil
}

// ACLSpec is the minimal view of policy.AccessControl the firewall needs,
// to avoid importing the policy package (firewall is a low-level effector).
type ACLSpec struct {
	Mode    string // "allow_all" | "block_list" | "allow_list"
	Blocked []string
	Allowed []string
}

// ApplyACL flushes the acl chain and rebuilds it per spec §4.2: allow_all
// leaves it empty; block_list appends a DROP per blocked MAC; allow_list
// appends an ACCEPT per allowed MAC followed by one terminal DROP.
func (m *Manager) ApplyACL(ctx context.Context, spec ACLSpec) error {
	for _, bin := range families {
		m.run(ctx, flushChainArgs(bin, ChainACL))
		switch spec.Mode {
		case "block_list":
			for _, mac := range spec.Blocked {
				m.run(ctx, aclBlockArgs(bin, ChainACL, mac))
			}
		case "allow_list":
			for _, mac := range spec.Allowed {
				m.run(ctx, aclAllowArgs(bin, ChainACL, mac))
			}
			m.run(ctx, aclTerminalDropArgs(bin, ChainACL))
		default: // allow_all
		}
	}
	return nil
}

// ApplyMonitoring appends the two RETURN rules (source, destination) for
// any ip not yet monitored. Called once per newly-observed device rather
// than on every tick, since this chain only ever grows.
func (m *Manager) ApplyMonitoring(ctx context.Context, ips []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ip := range ips {
		if m.monitoredV4[ip] {
			continue
		}
		m.runAll(ctx, monitoringReturnArgs("iptables", ChainMonitoring, ip))
		m.monitoredV4[ip] = true
	}
	return nil
}

// Counters reads per-IP byte counts from the monitoring chain via
// `iptables -L <chain> -v -x -n`, for devices that have no shaper class
// installed (spec §4.5 step 2's fallback counter source). Returns rx
// (destination-matched) and tx (source-matched) byte totals per IP.
func (m *Manager) Counters(ctx context.Context) (rx, tx map[string]int64, err error) {
	res, runErr := m.exec.Run(ctx, "iptables", "-L", ChainMonitoring, "-v", "-x", "-n")
	if runErr != nil {
		return nil, nil, runErr
	}
	rx = make(map[string]int64)
	tx = make(map[string]int64)
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 9 || fields[2] != "RETURN" {
			continue
		}
		bytes, perr := strconv.ParseInt(fields[1], 10, 64)
		if perr != nil {
			continue
		}
		source, dest := fields[7], fields[8]
		if dest != "0.0.0.0/0" {
			rx[dest] += bytes
		} else if source != "0.0.0.0/0" {
			tx[source] += bytes
		}
	}
	return rx, tx, nil
}

// Cleanup removes every FORWARD reference (each chain may be linked more
// than once; loop until a delete fails), then flushes and deletes each
// chain for both families. Idempotent — calling it twice is a no-op the
// second time.
func (m *Manager) Cleanup(ctx context.Context) error {
	for _, bin := range families {
		m.deleteForwardRefUntilGone(ctx, bin, ChainIPBlock)
		m.deleteForwardRefUntilGone(ctx, bin, ChainIsolation, "-i", m.hotspotIf, "-o", m.hotspotIf)
		m.deleteForwardRefUntilGone(ctx, bin, ChainACL)
	}
	m.deleteForwardRefUntilGone(ctx, "iptables", ChainMonitoring)

	for _, bin := range families {
		for _, chain := range []string{ChainIPBlock, ChainIsolation, ChainACL} {
			m.run(ctx, flushChainArgs(bin, chain))
			m.run(ctx, deleteChainArgs(bin, chain))
		}
	}
	m.run(ctx, flushChainArgs("iptables", ChainMonitoring))
	m.run(ctx, deleteChainArgs("iptables", ChainMonitoring))

	m.mu.Lock()
	m.monitoredV4 = make(map[string]bool)
	m.mu.Unlock()
	return nil
}

func (m *Manager) deleteForwardRefUntilGone(ctx context.Context, bin, chain string, extra ...string) {
	for {
		res, err := m.exec.Run(ctx, unlinkForwardArgs(bin, chain, extra...)...)
		if err != nil || res.ExitCode != 0 {
			return
		}
	}
}

func (m *Manager) runAll(ctx context.Context, argvs [][]string) {
	for _, argv := range argvs {
		m.run(ctx, argv)
	}
}

func (m *Manager) run(ctx context.Context, argv []string) {
	res, err := m.exec.Run(ctx, argv...)
	if err != nil {
		m.logger.Warn("firewall command failed to start", "cmd", strings.Join(argv, " "), "error", err)
		return
	}
	if res.ExitCode != 0 {
		m.logger.Debug("firewall command returned non-zero", "cmd", strings.Join(argv, " "), "code", res.ExitCode, "stderr", res.Stderr)
	}
}
