package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"

	"hotspotd.dev/governor/internal/firewall"
	"hotspotd.dev/governor/internal/logging"
	"hotspotd.dev/governor/internal/policy"
	"hotspotd.dev/governor/internal/shaper"
	"hotspotd.dev/governor/internal/wire"
)

// Persister is the narrow slice of store.Store the command dispatcher
// needs to make a mutation durable, so this package does not import
// database/sql directly.
type Persister interface {
	SaveLimit(l policy.ManualLimit) error
	DeleteLimit(ip string) error
	SaveQuota(q policy.Quota) error
	DeleteQuota(ip string) error
	SaveSchedule(sch *policy.Schedule) error
	DeleteSchedule(id string) error
	SaveMACEntry(mac, listType string) error
	DeleteMACEntry(mac string) error
	SaveIPBlock(entry string, isV6 bool) error
	DeleteIPBlock(entry string) error
	SetSetting(key, value string) error
	Forecast() ([]policy.ForecastPoint, error)
}

// Broadcaster fans an envelope out to every connected client.
type Broadcaster interface {
	Broadcast(env wire.Envelope)
}

// Dispatcher validates, persists, and applies every command of spec §4.10,
// in the strict receive order guaranteed by its caller (the command
// listener task).
type Dispatcher struct {
	store       *policy.Store
	shaperMgr   *shaper.Manager
	firewallMgr *firewall.Manager
	persist     Persister
	broadcaster Broadcaster
	logger      *logging.Logger

	mu sync.Mutex
	up bool
}

// NewDispatcher creates a command Dispatcher. persist and broadcaster may
// be nil (used in tests exercising in-memory state only).
func NewDispatcher(store *policy.Store, shaperMgr *shaper.Manager, firewallMgr *firewall.Manager, persist Persister, broadcaster Broadcaster, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		store: store, shaperMgr: shaperMgr, firewallMgr: firewallMgr,
		persist: persist, broadcaster: broadcaster, logger: logger.WithComponent("command"),
	}
}

// Dispatch decodes raw against cmdType, runs its handler, and returns the
// result notification stamped with a fresh correlation id (or the caller's,
// if correlationID is non-empty). Limit, quota, schedule and security
// commands broadcast the updated list before this method returns
// (command-before-broadcast); toggle, set_settings and report_capacity
// broadcast nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, cmdType string, raw json.RawMessage, correlationID string) wire.Envelope {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	// request_security_state and request_forecast are read-only queries:
	// the caller gets the data itself back, not a notification wrapping a
	// status string.
	switch cmdType {
	case "request_security_state":
		return d.securityStateEnvelope()
	case "request_forecast":
		return d.forecastEnvelope()
	}

	result, err := d.route(ctx, cmdType, raw)
	if err != nil {
		d.logger.Warn("command failed", "type", cmdType, "correlation_id", correlationID, "error", err)
		return wire.NewNotification(wire.Notification{
			CorrelationID: correlationID, Level: "error", Message: err.Error(),
		})
	}
	return wire.NewNotification(wire.Notification{
		CorrelationID: correlationID, Level: "info", Message: result,
	})
}

func (d *Dispatcher) route(ctx context.Context, cmdType string, raw json.RawMessage) (string, error) {
	switch cmdType {
	case "toggle":
		var c Toggle
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "hotspot toggled", d.handleToggle(ctx, c)

	case "set_settings":
		var c SetSettings
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "settings saved", d.handleSetSettings(c)

	case "set_limit":
		var c SetLimit
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "limit applied", d.handleSetLimit(ctx, c)

	case "remove_limit":
		var c RemoveLimit
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "limit removed", d.handleRemoveLimit(ctx, c)

	case "set_quota":
		var c SetQuota
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "quota set", d.handleSetQuota(c)

	case "remove_quota":
		var c RemoveQuota
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "quota removed", d.handleRemoveQuota(ctx, c)

	case "save_schedule":
		var c SaveSchedule
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "schedule saved", d.handleSaveSchedule(c)

	case "delete_schedule":
		var c DeleteSchedule
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "schedule deleted", d.handleDeleteSchedule(c)

	case "toggle_schedule":
		var c ToggleSchedule
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "schedule toggled", d.handleToggleSchedule(c)

	case "set_client_isolation":
		var c SetClientIsolation
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "isolation updated", d.handleSetClientIsolation(ctx, c)

	case "set_ac_mode":
		var c SetACMode
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "access-control mode updated", d.handleSetACMode(ctx, c)

	case "add_mac":
		var c AddMAC
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "mac added", d.handleAddMAC(ctx, c)

	case "remove_mac":
		var c RemoveMAC
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "mac removed", d.handleRemoveMAC(ctx, c)

	case "add_ip_block":
		var c AddIPBlock
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "ip block added", d.handleAddIPBlock(ctx, c)

	case "remove_ip_block":
		var c RemoveIPBlock
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "ip block removed", d.handleRemoveIPBlock(ctx, c)

	case "report_capacity":
		var c ReportCapacity
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", err
		}
		return "capacity updated", d.handleReportCapacity(ctx, c)

	default:
		return "", fmt.Errorf("unknown command type %q", cmdType)
	}
}

func (d *Dispatcher) handleToggle(ctx context.Context, c Toggle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.On {
		if d.up {
			return nil
		}
		if err := d.firewallMgr.Setup(ctx); err != nil {
			return fmt.Errorf("firewall setup: %w", err)
		}
		capacity := d.store.Capacity()
		if err := d.shaperMgr.Setup(ctx, capacity.AvailableDownloadKbps, capacity.AvailableUploadKbps); err != nil {
			return fmt.Errorf("shaper setup: %w", err)
		}
		for _, limit := range d.store.ManualLimits() {
			if _, err := d.shaperMgr.ApplyLimit(ctx, limit.IP, limit.DownloadKbps, limit.UploadKbps, limit.Priority); err != nil {
				d.logger.Warn("failed to re-apply manual limit on toggle-up", "ip", limit.IP, "error", err)
			}
		}
		if d.persist != nil {
			points, err := d.persist.Forecast()
			if err != nil {
				d.logger.Warn("failed to load forecast points on toggle-up", "error", err)
			} else {
				d.store.SetForecast(points)
			}
		}
		d.up = true
		return nil
	}

	if !d.up {
		return nil
	}
	if err := d.shaperMgr.Cleanup(ctx); err != nil {
		d.logger.Warn("shaper cleanup failed", "error", err)
	}
	if err := d.firewallMgr.Cleanup(ctx); err != nil {
		d.logger.Warn("firewall cleanup failed", "error", err)
	}
	d.up = false
	return nil
}

// handleReportCapacity is the speedtest-completion hook named in spec
// §3 ("Capacity ... updated by the external probe"): it records the new
// measurement and, if the hotspot is up, immediately re-homes the root
// HTB rate to it rather than waiting for a toggle cycle.
func (d *Dispatcher) handleReportCapacity(ctx context.Context, c ReportCapacity) error {
	d.store.SetCapacity(policy.Capacity{
		AvailableDownloadKbps: c.DownloadKbps,
		AvailableUploadKbps:   c.UploadKbps,
		LastMeasuredAt:        time.Now(),
	})

	d.mu.Lock()
	up := d.up
	d.mu.Unlock()
	if !up {
		return nil
	}
	return d.shaperMgr.UpdateRootRate(ctx, c.DownloadKbps, c.UploadKbps)
}

func (d *Dispatcher) handleSetSettings(c SetSettings) error {
	d.mu.Lock()
	up := d.up
	d.mu.Unlock()
	if up {
		return fmt.Errorf("set_settings rejected: hotspot is up")
	}
	if c.SSID == "" {
		return fmt.Errorf("ssid is required")
	}
	if d.persist == nil {
		return nil
	}
	if err := d.persist.SetSetting("ssid", c.SSID); err != nil {
		return err
	}
	return d.persist.SetSetting("password", c.Password)
}

func (d *Dispatcher) handleSetLimit(ctx context.Context, c SetLimit) error {
	if c.IP == "" {
		return fmt.Errorf("ip is required")
	}
	old, hadOld := d.store.ManualLimit(c.IP)

	if _, err := d.shaperMgr.ApplyLimit(ctx, c.IP, c.DownloadKbps, c.UploadKbps, c.Priority); err != nil {
		return err
	}
	limit := policy.ManualLimit{IP: c.IP, DownloadKbps: c.DownloadKbps, UploadKbps: c.UploadKbps, Priority: c.Priority}
	d.store.SetManualLimit(limit)
	d.store.RemoveAdaptive(c.IP)

	if d.persist != nil {
		if err := d.persist.SaveLimit(limit); err != nil {
			d.logger.Warn("failed to persist limit", "ip", c.IP, "error", err)
		}
	}
	if hadOld {
		d.logAuditDiff("set_limit", c.IP, fmt.Sprintf("%+v", old), fmt.Sprintf("%+v", limit))
	}
	d.broadcastDevices()
	return nil
}

func (d *Dispatcher) handleRemoveLimit(ctx context.Context, c RemoveLimit) error {
	if c.IP == "" {
		return fmt.Errorf("ip is required")
	}
	if err := d.shaperMgr.RemoveLimit(ctx, c.IP); err != nil {
		return err
	}
	d.store.RemoveManualLimit(c.IP)
	if d.persist != nil {
		if err := d.persist.DeleteLimit(c.IP); err != nil {
			d.logger.Warn("failed to delete persisted limit", "ip", c.IP, "error", err)
		}
	}
	d.broadcastDevices()
	return nil
}

func (d *Dispatcher) handleSetQuota(c SetQuota) error {
	if c.IP == "" {
		return fmt.Errorf("ip is required")
	}
	q := policy.Quota{
		IP: c.IP, LimitDLBytes: c.DownloadMB * 1 << 20, LimitULBytes: c.UploadMB * 1 << 20,
		PeriodSeconds: c.PeriodSeconds, StartTime: time.Now(),
	}
	d.store.SetQuota(q)
	if d.persist != nil {
		if err := d.persist.SaveQuota(q); err != nil {
			d.logger.Warn("failed to persist quota", "ip", c.IP, "error", err)
		}
	}
	d.broadcastDevices()
	return nil
}

func (d *Dispatcher) handleRemoveQuota(ctx context.Context, c RemoveQuota) error {
	if c.IP == "" {
		return fmt.Errorf("ip is required")
	}
	d.store.RemoveQuota(c.IP)
	if limit, ok := d.store.ManualLimit(c.IP); ok {
		if _, err := d.shaperMgr.ApplyLimit(ctx, c.IP, limit.DownloadKbps, limit.UploadKbps, limit.Priority); err != nil {
			return err
		}
	} else if err := d.shaperMgr.RemoveLimit(ctx, c.IP); err != nil {
		return err
	}
	if d.persist != nil {
		if err := d.persist.DeleteQuota(c.IP); err != nil {
			d.logger.Warn("failed to delete persisted quota", "ip", c.IP, "error", err)
		}
	}
	d.broadcastDevices()
	return nil
}

func (d *Dispatcher) handleSaveSchedule(c SaveSchedule) error {
	if c.Schedule == nil || c.Schedule.DeviceIP == "" {
		return fmt.Errorf("schedule and device_ip are required")
	}
	if c.Schedule.ID == "" {
		c.Schedule.ID = uuid.NewString()
	}
	d.store.SaveSchedule(c.Schedule)
	if d.persist != nil {
		if err := d.persist.SaveSchedule(c.Schedule); err != nil {
			d.logger.Warn("failed to persist schedule", "id", c.Schedule.ID, "error", err)
		}
	}
	d.broadcastSchedules()
	return nil
}

func (d *Dispatcher) handleDeleteSchedule(c DeleteSchedule) error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	d.store.DeleteSchedule(c.ID)
	if d.persist != nil {
		if err := d.persist.DeleteSchedule(c.ID); err != nil {
			d.logger.Warn("failed to delete persisted schedule", "id", c.ID, "error", err)
		}
	}
	d.broadcastSchedules()
	return nil
}

func (d *Dispatcher) handleToggleSchedule(c ToggleSchedule) error {
	sch, ok := d.store.Schedule(c.ID)
	if !ok {
		return fmt.Errorf("schedule %q not found", c.ID)
	}
	sch.IsEnabled = c.Enabled
	d.store.SaveSchedule(sch)
	if d.persist != nil {
		if err := d.persist.SaveSchedule(sch); err != nil {
			d.logger.Warn("failed to persist schedule toggle", "id", c.ID, "error", err)
		}
	}
	d.broadcastSchedules()
	return nil
}

func (d *Dispatcher) handleSetClientIsolation(ctx context.Context, c SetClientIsolation) error {
	if err := d.firewallMgr.ApplyIsolation(ctx, c.Enabled); err != nil {
		return err
	}
	d.store.SetIsolation(c.Enabled)
	if d.persist != nil {
		v := "0"
		if c.Enabled {
			v = "1"
		}
		if err := d.persist.SetSetting("client_isolation", v); err != nil {
			d.logger.Warn("failed to persist isolation setting", "error", err)
		}
	}
	d.broadcastSecurityState()
	return nil
}

func (d *Dispatcher) handleSetACMode(ctx context.Context, c SetACMode) error {
	mode := policy.ParseACMode(c.Mode)
	d.store.SetACMode(mode)
	if err := d.reapplyACL(ctx); err != nil {
		return err
	}
	if d.persist != nil {
		if err := d.persist.SetSetting("access_control_mode", c.Mode); err != nil {
			d.logger.Warn("failed to persist ac_mode", "error", err)
		}
	}
	d.broadcastSecurityState()
	return nil
}

func (d *Dispatcher) handleAddMAC(ctx context.Context, c AddMAC) error {
	if c.MAC == "" {
		return fmt.Errorf("mac is required")
	}
	if c.ListType == "block" {
		d.store.AddBlockedMAC(c.MAC)
	} else {
		d.store.AddAllowedMAC(c.MAC)
	}
	if err := d.reapplyACL(ctx); err != nil {
		return err
	}
	if d.persist != nil {
		if err := d.persist.SaveMACEntry(c.MAC, c.ListType); err != nil {
			d.logger.Warn("failed to persist mac entry", "mac", c.MAC, "error", err)
		}
	}
	d.broadcastSecurityState()
	return nil
}

func (d *Dispatcher) handleRemoveMAC(ctx context.Context, c RemoveMAC) error {
	if c.MAC == "" {
		return fmt.Errorf("mac is required")
	}
	d.store.RemoveBlockedMAC(c.MAC)
	d.store.RemoveAllowedMAC(c.MAC)
	if err := d.reapplyACL(ctx); err != nil {
		return err
	}
	if d.persist != nil {
		if err := d.persist.DeleteMACEntry(c.MAC); err != nil {
			d.logger.Warn("failed to delete persisted mac entry", "mac", c.MAC, "error", err)
		}
	}
	d.broadcastSecurityState()
	return nil
}

func (d *Dispatcher) reapplyACL(ctx context.Context) error {
	ac := d.store.AccessControl()
	spec := firewall.ACLSpec{Mode: ac.Mode.String()}
	for mac := range ac.Blocked {
		spec.Blocked = append(spec.Blocked, mac)
	}
	for mac := range ac.Allowed {
		spec.Allowed = append(spec.Allowed, mac)
	}
	return d.firewallMgr.ApplyACL(ctx, spec)
}

func (d *Dispatcher) handleAddIPBlock(ctx context.Context, c AddIPBlock) error {
	if c.Entry == "" {
		return fmt.Errorf("entry is required")
	}
	d.store.AddIPBlock(c.Entry, c.IsV6)
	if err := d.reapplyIPBlock(ctx); err != nil {
		return err
	}
	if d.persist != nil {
		if err := d.persist.SaveIPBlock(c.Entry, c.IsV6); err != nil {
			d.logger.Warn("failed to persist ip block", "entry", c.Entry, "error", err)
		}
	}
	d.broadcastSecurityState()
	return nil
}

func (d *Dispatcher) handleRemoveIPBlock(ctx context.Context, c RemoveIPBlock) error {
	if c.Entry == "" {
		return fmt.Errorf("entry is required")
	}
	d.store.RemoveIPBlock(c.Entry, c.IsV6)
	if err := d.reapplyIPBlock(ctx); err != nil {
		return err
	}
	if d.persist != nil {
		if err := d.persist.DeleteIPBlock(c.Entry); err != nil {
			d.logger.Warn("failed to delete persisted ip block", "entry", c.Entry, "error", err)
		}
	}
	d.broadcastSecurityState()
	return nil
}

func (d *Dispatcher) reapplyIPBlock(ctx context.Context) error {
	v4, v6 := d.store.IPBlockList()
	return d.firewallMgr.ApplyIPBlock(ctx, v4, v6)
}

// securityStateEnvelope builds the direct reply to a request_security_state
// query. Unlike broadcastSecurityState, this goes to the requesting client
// only, not every connected client.
func (d *Dispatcher) securityStateEnvelope() wire.Envelope {
	ac := d.store.AccessControl()
	v4, v6 := d.store.IPBlockList()
	var blocked, allowed []string
	for mac := range ac.Blocked {
		blocked = append(blocked, mac)
	}
	for mac := range ac.Allowed {
		allowed = append(allowed, mac)
	}
	return wire.NewSecurityState(wire.SecurityState{
		ACMode: ac.Mode.String(), BlockedMACs: blocked, AllowedMACs: allowed,
		IPBlockV4: v4, IPBlockV6: v6, IsolationOn: d.store.Isolation(),
	})
}

// forecastEnvelope builds the direct reply to a request_forecast query.
func (d *Dispatcher) forecastEnvelope() wire.Envelope {
	points := d.store.Forecast()
	rows := make([]wire.ForecastRow, 0, len(points))
	for _, p := range points {
		rows = append(rows, wire.ForecastRow{Timestamp: p.Timestamp, PredictedBytes: p.PredictedBytes})
	}
	return wire.NewForecastData(rows)
}

func (d *Dispatcher) broadcastDevices() {
	if d.broadcaster == nil {
		return
	}
	var rows []wire.DeviceRow
	for _, dev := range d.store.Devices() {
		row := wire.DeviceRow{IP: dev.IP, MAC: dev.MAC, Hostname: dev.Hostname, Active: dev.Active}
		if limit, ok := d.store.ManualLimit(dev.IP); ok {
			row.ManualLimitKbps = &wire.LimitEcho{DownloadKbps: limit.DownloadKbps, UploadKbps: limit.UploadKbps, Priority: limit.Priority}
		}
		if q, ok := d.store.Quota(dev.IP); ok {
			row.QuotaThrottled = q.IsThrottled
		}
		if id, ok := d.store.ActiveSchedule(dev.IP); ok {
			row.ActiveScheduleID = id
		}
		rows = append(rows, row)
	}
	d.broadcaster.Broadcast(wire.NewDevicesList(rows))
}

func (d *Dispatcher) broadcastSchedules() {
	if d.broadcaster == nil {
		return
	}
	var rows []wire.ScheduleRow
	for _, sch := range d.store.Schedules() {
		_, active := d.store.ActiveSchedule(sch.DeviceIP)
		rows = append(rows, wire.ScheduleRow{ID: sch.ID, Name: sch.Name, DeviceIP: sch.DeviceIP, IsEnabled: sch.IsEnabled, Active: active})
	}
	d.broadcaster.Broadcast(wire.NewSchedulesUpdate(rows))
}

func (d *Dispatcher) broadcastSecurityState() {
	if d.broadcaster == nil {
		return
	}
	ac := d.store.AccessControl()
	v4, v6 := d.store.IPBlockList()
	var blocked, allowed []string
	for mac := range ac.Blocked {
		blocked = append(blocked, mac)
	}
	for mac := range ac.Allowed {
		allowed = append(allowed, mac)
	}
	d.broadcaster.Broadcast(wire.NewSecurityState(wire.SecurityState{
		ACMode: ac.Mode.String(), BlockedMACs: blocked, AllowedMACs: allowed,
		IPBlockV4: v4, IPBlockV6: v6, IsolationOn: d.store.Isolation(),
	}))
}

// logAuditDiff renders a unified diff of a manual-limit value change for
// the audit trail.
func (d *Dispatcher) logAuditDiff(command, ip, before, after string) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "before",
		ToFile:   "after",
		Context:  0,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return
	}
	d.logger.Info("audit", "command", command, "ip", ip, "diff", text)
}
