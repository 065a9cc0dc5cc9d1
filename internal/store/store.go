// Package store persists the governor's policy state and usage history to
// SQLite, per spec §6's relational schema.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"hotspotd.dev/governor/internal/policy"
)

// Store owns the on-disk SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the governor's database at path and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open governor db: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	CREATE TABLE IF NOT EXISTS device_limits (
		ip_address TEXT PRIMARY KEY,
		download_kbps INTEGER NOT NULL,
		upload_kbps INTEGER NOT NULL,
		priority INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS device_quotas (
		ip_address TEXT PRIMARY KEY,
		limit_dl_bytes INTEGER NOT NULL,
		limit_ul_bytes INTEGER NOT NULL,
		period_seconds INTEGER NOT NULL,
		start_time REAL NOT NULL,
		used_dl_bytes INTEGER NOT NULL,
		used_ul_bytes INTEGER NOT NULL,
		is_throttled INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		name TEXT,
		rule_type TEXT NOT NULL,
		device_ip TEXT NOT NULL,
		start_date TEXT,
		end_date TEXT,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		repeat_mode TEXT NOT NULL,
		custom_days TEXT,
		limit_dl_kbps INTEGER,
		limit_ul_kbps INTEGER,
		priority INTEGER,
		quota_dl_bytes INTEGER,
		quota_ul_bytes INTEGER,
		quota_period_seconds INTEGER,
		is_enabled INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS mac_access_list (
		mac_address TEXT PRIMARY KEY,
		list_type TEXT NOT NULL CHECK (list_type IN ('block', 'allow'))
	);
	CREATE TABLE IF NOT EXISTS ip_block_list (
		ip_range TEXT PRIMARY KEY,
		is_v6 INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS data_log (
		timestamp TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		rx_bytes INTEGER NOT NULL,
		tx_bytes INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_data_log_timestamp ON data_log(timestamp);
	CREATE TABLE IF NOT EXISTS usage_summary (
		timestamp TEXT PRIMARY KEY,
		total_rx_bytes INTEGER NOT NULL,
		total_tx_bytes INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS usage_forecast (
		timestamp TEXT PRIMARY KEY,
		predicted_bytes INTEGER NOT NULL,
		predicted_lower INTEGER,
		predicted_upper INTEGER
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- settings ---

func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO settings(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Setting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// --- device limits ---

func (s *Store) SaveLimit(l policy.ManualLimit) error {
	_, err := s.db.Exec(`INSERT INTO device_limits(ip_address, download_kbps, upload_kbps, priority)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ip_address) DO UPDATE SET download_kbps=excluded.download_kbps,
			upload_kbps=excluded.upload_kbps, priority=excluded.priority`,
		l.IP, l.DownloadKbps, l.UploadKbps, l.Priority)
	return err
}

func (s *Store) DeleteLimit(ip string) error {
	_, err := s.db.Exec(`DELETE FROM device_limits WHERE ip_address = ?`, ip)
	return err
}

func (s *Store) Limits() ([]policy.ManualLimit, error) {
	rows, err := s.db.Query(`SELECT ip_address, download_kbps, upload_kbps, priority FROM device_limits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []policy.ManualLimit
	for rows.Next() {
		var l policy.ManualLimit
		if err := rows.Scan(&l.IP, &l.DownloadKbps, &l.UploadKbps, &l.Priority); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- device quotas ---

// SaveQuota implements quota.Persister.
func (s *Store) SaveQuota(q policy.Quota) error {
	_, err := s.db.Exec(`INSERT INTO device_quotas(ip_address, limit_dl_bytes, limit_ul_bytes,
			period_seconds, start_time, used_dl_bytes, used_ul_bytes, is_throttled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip_address) DO UPDATE SET limit_dl_bytes=excluded.limit_dl_bytes,
			limit_ul_bytes=excluded.limit_ul_bytes, period_seconds=excluded.period_seconds,
			start_time=excluded.start_time, used_dl_bytes=excluded.used_dl_bytes,
			used_ul_bytes=excluded.used_ul_bytes, is_throttled=excluded.is_throttled`,
		q.IP, q.LimitDLBytes, q.LimitULBytes, q.PeriodSeconds, float64(q.StartTime.Unix()),
		q.UsedDLBytes, q.UsedULBytes, boolToInt(q.IsThrottled))
	return err
}

func (s *Store) DeleteQuota(ip string) error {
	_, err := s.db.Exec(`DELETE FROM device_quotas WHERE ip_address = ?`, ip)
	return err
}

func (s *Store) Quotas() ([]policy.Quota, error) {
	rows, err := s.db.Query(`SELECT ip_address, limit_dl_bytes, limit_ul_bytes, period_seconds,
		start_time, used_dl_bytes, used_ul_bytes, is_throttled FROM device_quotas`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []policy.Quota
	for rows.Next() {
		var q policy.Quota
		var startUnix float64
		var throttled int
		if err := rows.Scan(&q.IP, &q.LimitDLBytes, &q.LimitULBytes, &q.PeriodSeconds,
			&startUnix, &q.UsedDLBytes, &q.UsedULBytes, &throttled); err != nil {
			return nil, err
		}
		q.StartTime = time.Unix(int64(startUnix), 0)
		q.IsThrottled = throttled != 0
		out = append(out, q)
	}
	return out, rows.Err()
}

// --- schedules ---

func (s *Store) SaveSchedule(sch *policy.Schedule) error {
	daysJSON, err := json.Marshal(sch.CustomDays)
	if err != nil {
		return err
	}
	var startDate, endDate *string
	if sch.StartDate != nil {
		v := sch.StartDate.Format(time.RFC3339)
		startDate = &v
	}
	if sch.EndDate != nil {
		v := sch.EndDate.Format(time.RFC3339)
		endDate = &v
	}
	_, err = s.db.Exec(`INSERT INTO schedules(id, name, rule_type, device_ip, start_date, end_date,
			start_time, end_time, repeat_mode, custom_days, limit_dl_kbps, limit_ul_kbps, priority,
			quota_dl_bytes, quota_ul_bytes, quota_period_seconds, is_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, rule_type=excluded.rule_type,
			device_ip=excluded.device_ip, start_date=excluded.start_date, end_date=excluded.end_date,
			start_time=excluded.start_time, end_time=excluded.end_time, repeat_mode=excluded.repeat_mode,
			custom_days=excluded.custom_days, limit_dl_kbps=excluded.limit_dl_kbps,
			limit_ul_kbps=excluded.limit_ul_kbps, priority=excluded.priority,
			quota_dl_bytes=excluded.quota_dl_bytes, quota_ul_bytes=excluded.quota_ul_bytes,
			quota_period_seconds=excluded.quota_period_seconds, is_enabled=excluded.is_enabled`,
		sch.ID, sch.Name, ruleTypeString(sch.RuleType), sch.DeviceIP, startDate, endDate,
		int64(sch.StartTime/time.Second), int64(sch.EndTime/time.Second), repeatModeString(sch.RepeatMode),
		string(daysJSON), sch.LimitDLKbps, sch.LimitULKbps, sch.Priority,
		sch.QuotaDLBytes, sch.QuotaULBytes, sch.QuotaPeriodSecond, boolToInt(sch.IsEnabled))
	return err
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	return err
}

func (s *Store) Schedules() ([]*policy.Schedule, error) {
	rows, err := s.db.Query(`SELECT id, name, rule_type, device_ip, start_date, end_date, start_time,
		end_time, repeat_mode, custom_days, limit_dl_kbps, limit_ul_kbps, priority, quota_dl_bytes,
		quota_ul_bytes, quota_period_seconds, is_enabled FROM schedules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*policy.Schedule
	for rows.Next() {
		sch := &policy.Schedule{}
		var ruleType, repeatMode, daysJSON string
		var startDate, endDate sql.NullString
		var startSec, endSec int64
		var limitDL, limitUL, prio sql.NullInt64
		var quotaDL, quotaUL, quotaPeriod sql.NullInt64
		var enabled int

		if err := rows.Scan(&sch.ID, &sch.Name, &ruleType, &sch.DeviceIP, &startDate, &endDate,
			&startSec, &endSec, &repeatMode, &daysJSON, &limitDL, &limitUL, &prio,
			&quotaDL, &quotaUL, &quotaPeriod, &enabled); err != nil {
			return nil, err
		}

		sch.RuleType = parseRuleType(ruleType)
		sch.RepeatMode = parseRepeatMode(repeatMode)
		sch.StartTime = time.Duration(startSec) * time.Second
		sch.EndTime = time.Duration(endSec) * time.Second
		sch.IsEnabled = enabled != 0
		sch.LimitDLKbps = int(limitDL.Int64)
		sch.LimitULKbps = int(limitUL.Int64)
		sch.Priority = int(prio.Int64)
		sch.QuotaDLBytes = quotaDL.Int64
		sch.QuotaULBytes = quotaUL.Int64
		sch.QuotaPeriodSecond = quotaPeriod.Int64
		_ = json.Unmarshal([]byte(daysJSON), &sch.CustomDays)

		if startDate.Valid {
			if t, err := time.Parse(time.RFC3339, startDate.String); err == nil {
				sch.StartDate = &t
			}
		}
		if endDate.Valid {
			if t, err := time.Parse(time.RFC3339, endDate.String); err == nil {
				sch.EndDate = &t
			}
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// --- MAC access list ---

func (s *Store) SaveMACEntry(mac string, listType string) error {
	_, err := s.db.Exec(`INSERT INTO mac_access_list(mac_address, list_type) VALUES (?, ?)
		ON CONFLICT(mac_address) DO UPDATE SET list_type=excluded.list_type`, mac, listType)
	return err
}

func (s *Store) DeleteMACEntry(mac string) error {
	_, err := s.db.Exec(`DELETE FROM mac_access_list WHERE mac_address = ?`, mac)
	return err
}

func (s *Store) MACList() (blocked, allowed []string, err error) {
	rows, err := s.db.Query(`SELECT mac_address, list_type FROM mac_access_list`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var mac, listType string
		if err := rows.Scan(&mac, &listType); err != nil {
			return nil, nil, err
		}
		if listType == "block" {
			blocked = append(blocked, mac)
		} else {
			allowed = append(allowed, mac)
		}
	}
	return blocked, allowed, rows.Err()
}

// --- IP block list ---

func (s *Store) SaveIPBlock(cidrOrIP string, isV6 bool) error {
	_, err := s.db.Exec(`INSERT INTO ip_block_list(ip_range, is_v6) VALUES (?, ?)
		ON CONFLICT(ip_range) DO UPDATE SET is_v6=excluded.is_v6`, cidrOrIP, boolToInt(isV6))
	return err
}

func (s *Store) DeleteIPBlock(cidrOrIP string) error {
	_, err := s.db.Exec(`DELETE FROM ip_block_list WHERE ip_range = ?`, cidrOrIP)
	return err
}

func (s *Store) IPBlockList() (v4, v6 []string, err error) {
	rows, err := s.db.Query(`SELECT ip_range, is_v6 FROM ip_block_list`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry string
		var isV6 int
		if err := rows.Scan(&entry, &isV6); err != nil {
			return nil, nil, err
		}
		if isV6 != 0 {
			v6 = append(v6, entry)
		} else {
			v4 = append(v4, entry)
		}
	}
	return v4, v6, rows.Err()
}

// --- usage log ---

// RecordUsage implements accounting.UsageRecorder.
func (s *Store) RecordUsage(ip string, rxDelta, txDelta int64, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO data_log(timestamp, ip_address, rx_bytes, tx_bytes) VALUES (?, ?, ?, ?)`,
		at.Format(time.RFC3339), ip, rxDelta, txDelta)
	return err
}

func (s *Store) SaveUsageSummary(ts time.Time, totalRx, totalTx int64) error {
	_, err := s.db.Exec(`INSERT INTO usage_summary(timestamp, total_rx_bytes, total_tx_bytes) VALUES (?, ?, ?)
		ON CONFLICT(timestamp) DO UPDATE SET total_rx_bytes=excluded.total_rx_bytes, total_tx_bytes=excluded.total_tx_bytes`,
		ts.Format(time.RFC3339), totalRx, totalTx)
	return err
}

// Forecast reads every usage_forecast row, written by the external
// trainer and consumed read-only by the adaptive controller.
func (s *Store) Forecast() ([]policy.ForecastPoint, error) {
	rows, err := s.db.Query(`SELECT timestamp, predicted_bytes FROM usage_forecast ORDER BY timestamp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []policy.ForecastPoint
	for rows.Next() {
		var tsStr string
		var p policy.ForecastPoint
		if err := rows.Scan(&tsStr, &p.PredictedBytes); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			continue
		}
		p.Timestamp = t
		out = append(out, p)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ruleTypeString(rt policy.RuleType) string {
	if rt == policy.RuleQuota {
		return "quota"
	}
	return "limit"
}

func parseRuleType(s string) policy.RuleType {
	if s == "quota" {
		return policy.RuleQuota
	}
	return policy.RuleLimit
}

func repeatModeString(rm policy.RepeatMode) string {
	switch rm {
	case policy.RepeatDaily:
		return "daily"
	case policy.RepeatWeekdays:
		return "weekdays"
	case policy.RepeatWeekends:
		return "weekends"
	case policy.RepeatCustom:
		return "custom"
	default:
		return "once"
	}
}

func parseRepeatMode(s string) policy.RepeatMode {
	switch s {
	case "daily":
		return policy.RepeatDaily
	case "weekdays":
		return policy.RepeatWeekdays
	case "weekends":
		return policy.RepeatWeekends
	case "custom":
		return policy.RepeatCustom
	default:
		return policy.RepeatOnce
	}
}
