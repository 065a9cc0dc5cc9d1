package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hotspotd.dev/governor/internal/policy"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Setting("hotspot_if")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetSetting("hotspot_if", "wlan0"))
	require.NoError(t, s.SetSetting("hotspot_if", "wlan1"))

	v, ok, err := s.Setting("hotspot_if")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "wlan1", v)
}

func TestLimitRoundTrip(t *testing.T) {
	s := newTestStore(t)
	l := policy.ManualLimit{IP: "192.168.12.25", DownloadKbps: 4096, UploadKbps: 1024, Priority: 2}
	require.NoError(t, s.SaveLimit(l))

	limits, err := s.Limits()
	require.NoError(t, err)
	require.Len(t, limits, 1)
	require.Equal(t, l, limits[0])

	require.NoError(t, s.DeleteLimit(l.IP))
	limits, err = s.Limits()
	require.NoError(t, err)
	require.Empty(t, limits)
}

func TestQuotaRoundTripViaPersisterInterface(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	q := policy.Quota{
		IP: "192.168.12.40", LimitDLBytes: 1000, LimitULBytes: 1000,
		PeriodSeconds: 3600, StartTime: now, UsedDLBytes: 200, UsedULBytes: 50, IsThrottled: false,
	}

	var persist interface{ SaveQuota(policy.Quota) error } = s
	require.NoError(t, persist.SaveQuota(q))

	quotas, err := s.Quotas()
	require.NoError(t, err)
	require.Len(t, quotas, 1)
	require.Equal(t, q.IP, quotas[0].IP)
	require.Equal(t, q.UsedDLBytes, quotas[0].UsedDLBytes)
	require.Equal(t, q.StartTime.Unix(), quotas[0].StartTime.Unix())

	q.IsThrottled = true
	require.NoError(t, s.SaveQuota(q))
	quotas, err = s.Quotas()
	require.NoError(t, err)
	require.Len(t, quotas, 1)
	require.True(t, quotas[0].IsThrottled)

	require.NoError(t, s.DeleteQuota(q.IP))
	quotas, err = s.Quotas()
	require.NoError(t, err)
	require.Empty(t, quotas)
}

func TestScheduleRoundTripPreservesAllFields(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	sch := &policy.Schedule{
		ID: "sch-1", Name: "bedtime", RuleType: policy.RuleLimit, DeviceIP: "192.168.12.25",
		StartDate: &start, EndDate: &end,
		StartTime: 22 * time.Hour, EndTime: 6 * time.Hour,
		RepeatMode: policy.RepeatCustom, CustomDays: [7]bool{true, false, true, false, true, false, true},
		LimitDLKbps: 512, LimitULKbps: 128, Priority: 5, IsEnabled: true,
	}
	require.NoError(t, s.SaveSchedule(sch))

	loaded, err := s.Schedules()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	require.Equal(t, sch.ID, got.ID)
	require.Equal(t, sch.Name, got.Name)
	require.Equal(t, sch.RuleType, got.RuleType)
	require.Equal(t, sch.DeviceIP, got.DeviceIP)
	require.Equal(t, sch.StartTime, got.StartTime)
	require.Equal(t, sch.EndTime, got.EndTime)
	require.Equal(t, sch.RepeatMode, got.RepeatMode)
	require.Equal(t, sch.CustomDays, got.CustomDays)
	require.Equal(t, sch.LimitDLKbps, got.LimitDLKbps)
	require.Equal(t, sch.Priority, got.Priority)
	require.True(t, got.IsEnabled)
	require.NotNil(t, got.StartDate)
	require.True(t, sch.StartDate.Equal(*got.StartDate))

	require.NoError(t, s.DeleteSchedule(sch.ID))
	loaded, err = s.Schedules()
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestQuotaScheduleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	sch := &policy.Schedule{
		ID: "sch-2", RuleType: policy.RuleQuota, DeviceIP: "192.168.12.41",
		StartTime: 0, EndTime: 23*time.Hour + 59*time.Minute, RepeatMode: policy.RepeatDaily,
		QuotaDLBytes: 1 << 30, QuotaULBytes: 1 << 29, QuotaPeriodSecond: 7200, IsEnabled: true,
	}
	require.NoError(t, s.SaveSchedule(sch))

	loaded, err := s.Schedules()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, policy.RuleQuota, loaded[0].RuleType)
	require.Equal(t, sch.QuotaDLBytes, loaded[0].QuotaDLBytes)
	require.Equal(t, sch.QuotaPeriodSecond, loaded[0].QuotaPeriodSecond)
}

func TestMACAccessListRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveMACEntry("aa:bb:cc:dd:ee:ff", "block"))
	require.NoError(t, s.SaveMACEntry("11:22:33:44:55:66", "allow"))

	blocked, allowed, err := s.MACList()
	require.NoError(t, err)
	require.Equal(t, []string{"aa:bb:cc:dd:ee:ff"}, blocked)
	require.Equal(t, []string{"11:22:33:44:55:66"}, allowed)

	require.NoError(t, s.DeleteMACEntry("aa:bb:cc:dd:ee:ff"))
	blocked, _, err = s.MACList()
	require.NoError(t, err)
	require.Empty(t, blocked)
}

func TestIPBlockListRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveIPBlock("203.0.113.5", false))
	require.NoError(t, s.SaveIPBlock("2001:db8::1", true))

	v4, v6, err := s.IPBlockList()
	require.NoError(t, err)
	require.Equal(t, []string{"203.0.113.5"}, v4)
	require.Equal(t, []string{"2001:db8::1"}, v6)
}

func TestRecordUsageAndSummary(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	var recorder interface {
		RecordUsage(ip string, rxDelta, txDelta int64, at time.Time) error
	} = s
	require.NoError(t, recorder.RecordUsage("192.168.12.25", 1500, 200, now))
	require.NoError(t, s.SaveUsageSummary(now, 1500, 200))
	require.NoError(t, s.SaveUsageSummary(now, 3000, 400))
}

func TestForecastIsReadOnlyFromExternalTrainer(t *testing.T) {
	s := newTestStore(t)
	_, err := s.db.Exec(`INSERT INTO usage_forecast(timestamp, predicted_bytes, predicted_lower, predicted_upper)
		VALUES (?, ?, ?, ?)`, "2026-07-30T11:00:00Z", 450000, 400000, 500000)
	require.NoError(t, err)

	points, err := s.Forecast()
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, int64(450000), points[0].PredictedBytes)
}
