package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hotspotd.dev/governor/internal/firewall"
	"hotspotd.dev/governor/internal/policy"
	"hotspotd.dev/governor/internal/shaper"
	"hotspotd.dev/governor/internal/shellexec"
	"hotspotd.dev/governor/internal/wire"
)

type fakeBroadcaster struct {
	envelopes []wire.Envelope
}

func (f *fakeBroadcaster) Broadcast(env wire.Envelope) {
	f.envelopes = append(f.envelopes, env)
}

// fakePersister is a minimal in-memory Persister stand-in; only Forecast
// is exercised by the dispatcher's tests, every mutator is a no-op.
type fakePersister struct {
	forecast []policy.ForecastPoint
}

func (f *fakePersister) SaveLimit(policy.ManualLimit) error       { return nil }
func (f *fakePersister) DeleteLimit(string) error                 { return nil }
func (f *fakePersister) SaveQuota(policy.Quota) error              { return nil }
func (f *fakePersister) DeleteQuota(string) error                  { return nil }
func (f *fakePersister) SaveSchedule(*policy.Schedule) error       { return nil }
func (f *fakePersister) DeleteSchedule(string) error               { return nil }
func (f *fakePersister) SaveMACEntry(string, string) error         { return nil }
func (f *fakePersister) DeleteMACEntry(string) error               { return nil }
func (f *fakePersister) SaveIPBlock(string, bool) error            { return nil }
func (f *fakePersister) DeleteIPBlock(string) error                { return nil }
func (f *fakePersister) SetSetting(string, string) error           { return nil }
func (f *fakePersister) Forecast() ([]policy.ForecastPoint, error) { return f.forecast, nil }

func newTestDispatcher(t *testing.T) (*Dispatcher, *shaper.Manager, *fakeBroadcaster) {
	t.Helper()
	fake := shellexec.NewFake()
	store := policy.New()
	shaperMgr := shaper.NewManager(fake, nil, "wlan0", "ifb0")
	firewallMgr := firewall.NewManager(fake, nil, "wlan0")
	bc := &fakeBroadcaster{}
	return NewDispatcher(store, shaperMgr, firewallMgr, nil, bc, nil), shaperMgr, bc
}

func dispatchJSON(t *testing.T, d *Dispatcher, cmdType string, payload any) wire.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return d.Dispatch(context.Background(), cmdType, raw, "")
}

func TestSetLimitAppliesClassAndBroadcasts(t *testing.T) {
	d, shaperMgr, bc := newTestDispatcher(t)

	env := dispatchJSON(t, d, "set_limit", SetLimit{IP: "192.168.12.25", DownloadKbps: 2048, UploadKbps: 512, Priority: 3})
	n := env.Data.(wire.Notification)
	require.Equal(t, "info", n.Level)

	c, ok := shaperMgr.Class("192.168.12.25")
	require.True(t, ok)
	require.Equal(t, 25, c.ClassID)
	require.Equal(t, 2048, c.DownloadKbps)

	require.Len(t, bc.envelopes, 1)
	require.Equal(t, "devices.list", bc.envelopes[0].Type)
}

func TestRemoveLimitClearsClass(t *testing.T) {
	d, shaperMgr, _ := newTestDispatcher(t)
	dispatchJSON(t, d, "set_limit", SetLimit{IP: "192.168.12.25", DownloadKbps: 2048, UploadKbps: 512, Priority: 3})

	env := dispatchJSON(t, d, "remove_limit", RemoveLimit{IP: "192.168.12.25"})
	n := env.Data.(wire.Notification)
	require.Equal(t, "info", n.Level)

	_, ok := shaperMgr.Class("192.168.12.25")
	require.False(t, ok)
}

func TestSetLimitValidatesIP(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	env := dispatchJSON(t, d, "set_limit", SetLimit{})
	n := env.Data.(wire.Notification)
	require.Equal(t, "error", n.Level)
}

func TestSetACModeRepliesInfoAndBroadcastsSecurityState(t *testing.T) {
	d, _, bc := newTestDispatcher(t)
	dispatchJSON(t, d, "add_mac", AddMAC{MAC: "AA:AA:AA:AA:AA:01", ListType: "block"})
	env := dispatchJSON(t, d, "set_ac_mode", SetACMode{Mode: "block_list"})
	n := env.Data.(wire.Notification)
	require.Equal(t, "info", n.Level)
	require.NotEmpty(t, bc.envelopes)
	require.Equal(t, "security.state.update", bc.envelopes[len(bc.envelopes)-1].Type)
}

func TestSetSettingsRejectedWhenHotspotUp(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.up = true
	env := dispatchJSON(t, d, "set_settings", SetSettings{SSID: "guest"})
	n := env.Data.(wire.Notification)
	require.Equal(t, "error", n.Level)
}

func TestUnknownCommandReturnsError(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	env := d.Dispatch(context.Background(), "not_a_command", json.RawMessage(`{}`), "")
	n := env.Data.(wire.Notification)
	require.Equal(t, "error", n.Level)
}

func TestRequestSecurityStateRepliesWithStateNotNotification(t *testing.T) {
	d, _, bc := newTestDispatcher(t)
	dispatchJSON(t, d, "add_mac", AddMAC{MAC: "AA:AA:AA:AA:AA:01", ListType: "block"})
	before := len(bc.envelopes)

	env := d.Dispatch(context.Background(), "request_security_state", json.RawMessage(`{}`), "")
	require.Equal(t, "security.state.update", env.Type)
	state := env.Data.(wire.SecurityState)
	require.Contains(t, state.BlockedMACs, "AA:AA:AA:AA:AA:01")

	// The query itself must not broadcast to other clients.
	require.Equal(t, before, len(bc.envelopes))
}

func TestRequestForecastRepliesWithForecastData(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	env := d.Dispatch(context.Background(), "request_forecast", json.RawMessage(`{}`), "")
	require.Equal(t, "forecast.data", env.Type)
}

func TestToggleOnReloadsForecastFromPersister(t *testing.T) {
	fake := shellexec.NewFake()
	store := policy.New()
	shaperMgr := shaper.NewManager(fake, nil, "wlan0", "ifb0")
	firewallMgr := firewall.NewManager(fake, nil, "wlan0")
	persist := &fakePersister{forecast: []policy.ForecastPoint{
		{Timestamp: time.Unix(1780000000, 0), PredictedBytes: 123456},
	}}
	d := NewDispatcher(store, shaperMgr, firewallMgr, persist, nil, nil)

	require.Empty(t, store.Forecast())

	env := dispatchJSON(t, d, "toggle", Toggle{On: true})
	n := env.Data.(wire.Notification)
	require.Equal(t, "info", n.Level)

	points := store.Forecast()
	require.Len(t, points, 1)
	require.Equal(t, int64(123456), points[0].PredictedBytes)

	// A second toggle-off/toggle-on cycle must reload again, not just once
	// at process start.
	store.SetForecast(nil)
	dispatchJSON(t, d, "toggle", Toggle{On: false})
	dispatchJSON(t, d, "toggle", Toggle{On: true})
	require.Len(t, store.Forecast(), 1)
}

func TestReportCapacityRecordsCapacityWhenDown(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	env := dispatchJSON(t, d, "report_capacity", ReportCapacity{DownloadKbps: 20000, UploadKbps: 5000})
	n := env.Data.(wire.Notification)
	require.Equal(t, "info", n.Level)

	cap := d.store.Capacity()
	require.Equal(t, 20000, cap.AvailableDownloadKbps)
	require.Equal(t, 5000, cap.AvailableUploadKbps)
}

func TestReportCapacityUpdatesRootRateWhenUp(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.up = true

	env := dispatchJSON(t, d, "report_capacity", ReportCapacity{DownloadKbps: 15000, UploadKbps: 3000})
	n := env.Data.(wire.Notification)
	require.Equal(t, "info", n.Level)
	require.Equal(t, 15000, d.store.Capacity().AvailableDownloadKbps)
}
