// Package shaper programs the two HTB hierarchies (egress on the hotspot
// interface, ingress via an IFB redirect device) that enforce per-device
// rate limits, exactly as spec §4.3 describes.
package shaper

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/vishvananda/netlink"

	"hotspotd.dev/governor/internal/logging"
	"hotspotd.dev/governor/internal/shellexec"
)

const (
	minClassID = 10
	maxClassID = 253

	egressDefault  = "9999"
	ingressDefault = "9999"

	burstKB = "15k"
)

// Class is the installed state for one device's pair of HTB classes.
type Class struct {
	IP           string
	ClassID      int
	DownloadKbps int
	UploadKbps   int
	Priority     int
}

// Manager owns the HTB/SFQ/IFB kernel state for one hotspot interface.
type Manager struct {
	exec      shellexec.Executor
	logger    *logging.Logger
	hotspotIf string
	ifbDev    string

	mu      sync.Mutex
	classes map[string]Class // keyed by IP
	usedIDs map[int]string   // class id -> IP, for collision probing
}

// NewManager creates a shaper Manager for hotspotIf/ifbDev. Neither device
// is touched until Setup is called.
func NewManager(ex shellexec.Executor, logger *logging.Logger, hotspotIf, ifbDev string) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		exec:      ex,
		logger:    logger.WithComponent("shaper"),
		hotspotIf: hotspotIf,
		ifbDev:    ifbDev,
		classes:   make(map[string]Class),
		usedIDs:   make(map[int]string),
	}
}

// Setup brings up the IFB device, confirms both links exist (read-only
// netlink check, mirroring the teacher's qos manager), and programs the two
// root HTB hierarchies plus their catch-all SFQ leaves.
func (m *Manager) Setup(ctx context.Context, capacityDLKbps, capacityULKbps int) error {
	m.run(ctx, "ip", "link", "add", m.ifbDev, "type", "ifb")
	m.run(ctx, "ip", "link", "set", m.ifbDev, "up")

	if err := m.confirmLink(m.hotspotIf); err != nil {
		m.logger.Warn("hotspot interface not visible via netlink", "interface", m.hotspotIf, "error", err)
	}
	if err := m.confirmLink(m.ifbDev); err != nil {
		m.logger.Warn("ifb device not visible via netlink", "device", m.ifbDev, "error", err)
	}

	// Egress (download) hierarchy on the hotspot interface.
	m.run(ctx, "tc", "qdisc", "add", "dev", m.hotspotIf, "root", "handle", "1:", "htb", "default", egressDefault)
	m.run(ctx, "tc", "class", "add", "dev", m.hotspotIf, "parent", "1:", "classid", "1:1",
		"htb", "rate", kbit(capacityDLKbps), "ceil", kbit(capacityDLKbps))
	m.run(ctx, "tc", "class", "add", "dev", m.hotspotIf, "parent", "1:1", "classid", "1:9999",
		"htb", "rate", kbit(capacityDLKbps), "ceil", kbit(capacityDLKbps), "prio", "7")
	m.run(ctx, "tc", "qdisc", "add", "dev", m.hotspotIf, "parent", "1:9999", "handle", "9999:", "sfq", "perturb", "10")

	// Ingress redirect: mirror the hotspot's ingress to the IFB device, then
	// shape it there with a mirrored HTB hierarchy.
	m.run(ctx, "tc", "qdisc", "add", "dev", m.hotspotIf, "ingress")
	m.run(ctx, "tc", "filter", "add", "dev", m.hotspotIf, "parent", "ffff:", "protocol", "ip", "u32",
		"match", "u32", "0", "0", "action", "mirred", "egress", "redirect", "dev", m.ifbDev)

	m.run(ctx, "tc", "qdisc", "add", "dev", m.ifbDev, "root", "handle", "2:", "htb", "default", ingressDefault)
	m.run(ctx, "tc", "class", "add", "dev", m.ifbDev, "parent", "2:", "classid", "2:1",
		"htb", "rate", kbit(capacityULKbps), "ceil", kbit(capacityULKbps))
	m.run(ctx, "tc", "class", "add", "dev", m.ifbDev, "parent", "2:1", "classid", "2:9999",
		"htb", "rate", kbit(capacityULKbps), "ceil", kbit(capacityULKbps), "prio", "7")
	m.run(ctx, "tc", "qdisc", "add", "dev", m.ifbDev, "parent", "2:9999", "handle", "9999:", "sfq", "perturb", "10")

	return nil
}

// UpdateRootRate changes the rate and ceiling of the two root classes
// (1:1 egress, 2:1 ingress) to reflect a new measured capacity, per spec
// §4.3's "Root rate update: when capacity changes, `class change` on
// `1:1` and `2:1` with the new rate." Unlike Setup, this never touches
// qdiscs or the IFB device — only the two root classes already installed.
func (m *Manager) UpdateRootRate(ctx context.Context, capacityDLKbps, capacityULKbps int) error {
	m.run(ctx, "tc", "class", "change", "dev", m.hotspotIf, "parent", "1:", "classid", "1:1",
		"htb", "rate", kbit(capacityDLKbps), "ceil", kbit(capacityDLKbps), "burst", burstKB)
	m.run(ctx, "tc", "class", "change", "dev", m.ifbDev, "parent", "2:", "classid", "2:1",
		"htb", "rate", kbit(capacityULKbps), "ceil", kbit(capacityULKbps), "burst", burstKB)
	return nil
}

func (m *Manager) confirmLink(name string) error {
	_, err := netlink.LinkByName(name)
	return err
}

// AllocateClassID derives a class id from ip's last octet, clamped to
// [10, 253] and linear-probed on collision, per spec §4.3.
func (m *Manager) AllocateClassID(ip string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked(ip)
}

func (m *Manager) allocateLocked(ip string) int {
	if existing, ok := m.classes[ip]; ok {
		return existing.ClassID
	}
	id := lastOctetClamped(ip)
	for {
		owner, taken := m.usedIDs[id]
		if !taken || owner == ip {
			return id
		}
		id++
		if id > maxClassID {
			id = minClassID
		}
	}
}

func lastOctetClamped(ip string) int {
	parsed := net.ParseIP(ip)
	octet := 0
	if v4 := parsed.To4(); v4 != nil {
		octet = int(v4[3])
	}
	if octet < minClassID {
		return minClassID
	}
	if octet > maxClassID {
		return maxClassID
	}
	return octet
}

// ApplyLimit installs or updates the pair of HTB classes, SFQ leaves, and
// u32 filters for ip, retrying with "change" when "add" reports the class
// already exists (spec's add-then-change retry behavior).
func (m *Manager) ApplyLimit(ctx context.Context, ip string, downloadKbps, uploadKbps, priority int) (Class, error) {
	m.mu.Lock()
	classID := m.allocateLocked(ip)
	m.usedIDs[classID] = ip
	m.mu.Unlock()

	m.installClass(ctx, m.hotspotIf, "1", classID, downloadKbps, priority, "-d", ip)
	m.installClass(ctx, m.ifbDev, "2", classID, uploadKbps, priority, "-s", ip)

	c := Class{IP: ip, ClassID: classID, DownloadKbps: downloadKbps, UploadKbps: uploadKbps, Priority: priority}
	m.mu.Lock()
	m.classes[ip] = c
	m.mu.Unlock()
	return c, nil
}

func (m *Manager) installClass(ctx context.Context, dev, parentMajor string, classID, rateKbps, priority int, matchFlag, ip string) {
	classid := fmt.Sprintf("%s:%d", parentMajor, classID)
	res, _ := m.exec.Run(ctx, "tc", "class", "add", "dev", dev, "parent", parentMajor+":1", "classid", classid,
		"htb", "rate", kbit(rateKbps), "ceil", kbit(rateKbps), "burst", burstKB, "prio", strconv.Itoa(priority))
	if res.ExitCode != 0 && (strings.Contains(res.Stderr, "File exists") || strings.Contains(res.Stderr, "RTNETLINK")) {
		m.run(ctx, "tc", "class", "change", "dev", dev, "parent", parentMajor+":1", "classid", classid,
			"htb", "rate", kbit(rateKbps), "ceil", kbit(rateKbps), "burst", burstKB, "prio", strconv.Itoa(priority))
	}

	m.run(ctx, "tc", "qdisc", "add", "dev", dev, "parent", classid, "handle", fmt.Sprintf("%d:", classID), "sfq", "perturb", "10")

	m.run(ctx, "tc", "filter", "add", "dev", dev, "parent", parentMajor+":", "protocol", "ip",
		"prio", strconv.Itoa(classID), "u32", "match", "ip", matchFlag, ip+"/32", "flowid", classid)
}

// RemoveLimit deletes the filter and classes for ip, if present.
func (m *Manager) RemoveLimit(ctx context.Context, ip string) error {
	m.mu.Lock()
	c, ok := m.classes[ip]
	if ok {
		delete(m.classes, ip)
		delete(m.usedIDs, c.ClassID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.run(ctx, "tc", "filter", "del", "dev", m.hotspotIf, "parent", "1:", "prio", strconv.Itoa(c.ClassID))
	m.run(ctx, "tc", "filter", "del", "dev", m.ifbDev, "parent", "2:", "prio", strconv.Itoa(c.ClassID))
	m.run(ctx, "tc", "class", "del", "dev", m.hotspotIf, "classid", fmt.Sprintf("1:%d", c.ClassID))
	m.run(ctx, "tc", "class", "del", "dev", m.ifbDev, "classid", fmt.Sprintf("2:%d", c.ClassID))
	return nil
}

// Cleanup removes both root HTB hierarchies, the ingress redirect, and
// the IFB device, then resets internal bookkeeping. Idempotent.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.run(ctx, "tc", "qdisc", "del", "dev", m.hotspotIf, "root")
	m.run(ctx, "tc", "qdisc", "del", "dev", m.hotspotIf, "ingress")
	m.run(ctx, "tc", "qdisc", "del", "dev", m.ifbDev, "root")
	m.run(ctx, "ip", "link", "set", m.ifbDev, "down")
	m.run(ctx, "ip", "link", "del", m.ifbDev)

	m.mu.Lock()
	m.classes = make(map[string]Class)
	m.usedIDs = make(map[int]string)
	m.mu.Unlock()
	return nil
}

// Class returns the currently installed class for ip, if any.
func (m *Manager) Class(ip string) (Class, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.classes[ip]
	return c, ok
}

// Counters reads per-class cumulative byte counts from `tc -s class show`
// on both devices, per spec §4.3's positional-parsing contract, restricted
// to class ids this Manager currently has installed — "unknown classes are
// skipped".
func (m *Manager) Counters(ctx context.Context) (map[int]int64, map[int]int64, error) {
	allDL, err := m.readCounters(ctx, m.hotspotIf)
	if err != nil {
		return nil, nil, err
	}
	allUL, err := m.readCounters(ctx, m.ifbDev)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	known := make([]int, 0, len(m.usedIDs))
	for id := range m.usedIDs {
		known = append(known, id)
	}
	m.mu.Unlock()

	dl := make(map[int]int64, len(known))
	ul := make(map[int]int64, len(known))
	for _, id := range known {
		if v, ok := allDL[id]; ok {
			dl[id] = v
		}
		if v, ok := allUL[id]; ok {
			ul[id] = v
		}
	}
	return dl, ul, nil
}

// readCounters scans `tc -s class show dev <dev>` output for lines of the
// form "class htb <major>:<id> ..." and takes the byte count from the
// following "Sent <bytes> bytes ..." line, for every class present in the
// output. Counters filters this down to known class ids.
func (m *Manager) readCounters(ctx context.Context, dev string) (map[int]int64, error) {
	res, err := m.exec.Run(ctx, "tc", "-s", "class", "show", "dev", dev)
	if err != nil {
		return nil, err
	}
	counts := make(map[int]int64)
	lines := strings.Split(res.Stdout, "\n")
	pendingID := -1
	for _, line := range lines {
		fields := strings.Fields(line)
		switch {
		case len(fields) >= 3 && fields[0] == "class" && fields[1] == "htb":
			id, ok := classIDFromHandle(fields[2])
			if ok {
				pendingID = id
			} else {
				pendingID = -1
			}
		case pendingID >= 0 && len(fields) >= 3 && fields[0] == "Sent":
			if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				counts[pendingID] = n
			}
			pendingID = -1
		}
	}
	return counts, nil
}

// classIDFromHandle parses a "major:id" handle (e.g. "1:25") into its
// numeric class id.
func classIDFromHandle(handle string) (int, bool) {
	parts := strings.SplitN(handle, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

func kbit(v int) string { return strconv.Itoa(v) + "kbit" }

func (m *Manager) run(ctx context.Context, argv ...string) {
	res, err := m.exec.Run(ctx, argv...)
	if err != nil {
		m.logger.Warn("shaper command failed to start", "cmd", strings.Join(argv, " "), "error", err)
		return
	}
	if res.ExitCode != 0 {
		m.logger.Debug("shaper command returned non-zero", "cmd", strings.Join(argv, " "), "code", res.ExitCode, "stderr", res.Stderr)
	}
}
