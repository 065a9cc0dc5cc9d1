// Package policy holds the governor's data model: the in-memory maps that
// are the single source of truth for devices, manual limits, quotas,
// schedules, and access control, plus the Store that owns them and
// serializes per-device access.
package policy

import "time"

// Device is identified by its IPv4 address, the stable identity every
// other component addresses it by.
type Device struct {
	IP        string
	MAC       string // "" if unknown
	Hostname  string // "Unknown" if DHCP provided none
	FromARP   bool
	FromDHCP  bool
	Active    bool // last reachability probe result
	FirstSeen time.Time
	LastSeen  time.Time
}

// ManualLimit is the source-of-truth rate policy for a device; it
// outlives whatever shaper class happens to be installed and is restored
// after quota throttles clear and schedules deactivate.
type ManualLimit struct {
	IP           string
	DownloadKbps int
	UploadKbps   int
	Priority     int // 0..7
}

// Quota is a rolling data allowance for a device.
type Quota struct {
	IP            string
	LimitDLBytes  int64
	LimitULBytes  int64
	PeriodSeconds int64
	StartTime     time.Time
	UsedDLBytes   int64
	UsedULBytes   int64
	IsThrottled   bool
}

// Exceeded reports whether either direction's usage has crossed its limit.
func (q Quota) Exceeded() bool {
	return q.UsedDLBytes >= q.LimitDLBytes || q.UsedULBytes >= q.LimitULBytes
}

// Expired reports whether the quota's rolling period has elapsed as of now.
func (q Quota) Expired(now time.Time) bool {
	return now.Sub(q.StartTime) >= time.Duration(q.PeriodSeconds)*time.Second
}

// ShaperClass is the per-IP HTB class pair (egress + ingress-redirect)
// programmed by the traffic shaper for one device.
type ShaperClass struct {
	IP           string
	ClassID      int // 10..253, also the filter priority
	DownloadKbps int
	UploadKbps   int
	Priority     int // HTB priority band, 0..7
}

// RepeatMode is the tagged union of schedule recurrence.
type RepeatMode int

const (
	RepeatOnce RepeatMode = iota
	RepeatDaily
	RepeatWeekdays
	RepeatWeekends
	RepeatCustom
)

// RuleType is the tagged union of what a schedule activates.
type RuleType int

const (
	RuleLimit RuleType = iota
	RuleQuota
)

// Schedule is a time-bounded rule that activates/deactivates a limit or
// quota for one device.
type Schedule struct {
	ID         string
	Name       string
	RuleType   RuleType
	DeviceIP   string
	StartDate  *time.Time // nil = no lower bound
	EndDate    *time.Time // nil = no upper bound
	StartTime  time.Duration // time-of-day offset from midnight
	EndTime    time.Duration
	RepeatMode RepeatMode
	CustomDays [7]bool // index 0 = Sunday

	// RuleLimit fields
	LimitDLKbps int
	LimitULKbps int
	Priority    int

	// RuleQuota fields
	QuotaDLBytes      int64
	QuotaULBytes      int64
	QuotaPeriodSecond int64 // 0 => default of one hour, per spec §4.8

	IsEnabled bool
}

// PreScheduleKind tags what PreScheduleState captured.
type PreScheduleKind int

const (
	PreScheduleNone PreScheduleKind = iota
	PreScheduleLimit
	PreScheduleQuota
)

// PreScheduleState is the policy captured for a device the instant a
// schedule first activates on it, restored verbatim on deactivation.
type PreScheduleState struct {
	DeviceIP string
	Kind     PreScheduleKind
	Limit    ManualLimit
	Quota    Quota
}

// ACMode is the MAC access-control mode.
type ACMode int

const (
	ACAllowAll ACMode = iota
	ACBlockList
	ACAllowList
)

func (m ACMode) String() string {
	switch m {
	case ACBlockList:
		return "block_list"
	case ACAllowList:
		return "allow_list"
	default:
		return "allow_all"
	}
}

// ParseACMode parses the wire string form of an access-control mode.
func ParseACMode(s string) ACMode {
	switch s {
	case "block_list":
		return ACBlockList
	case "allow_list":
		return ACAllowList
	default:
		return ACAllowAll
	}
}

// AccessControl is the MAC-level allow/block policy.
type AccessControl struct {
	Mode    ACMode
	Blocked map[string]bool // normalized MAC -> present
	Allowed map[string]bool
}

// ForecastPoint is one read-only prediction consumed by the adaptive
// controller.
type ForecastPoint struct {
	Timestamp      time.Time
	PredictedBytes int64
}

// Capacity is the last measurement from the external speedtest probe.
type Capacity struct {
	AvailableDownloadKbps int
	AvailableUploadKbps   int
	LastMeasuredAt        time.Time
}
